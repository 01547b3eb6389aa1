package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"taflow/internal/delta"
	"taflow/internal/guardrail"
	"taflow/internal/logger"
	"taflow/internal/metrics"
	"taflow/internal/model"
	"taflow/internal/registry"
	"taflow/internal/restart"
)

// ErrJobExists is returned by Start for a base series already supervised.
var ErrJobExists = errors.New("ingest job already running")

// ErrNoJob is returned by Rebind for an unknown series.
var ErrNoJob = errors.New("no ingest job for series")

// Freshness reports whether a series can be resumed from its stored state.
type Freshness interface {
	ReadLatest(ctx context.Context, series string) (delta.Latest, error)
}

// SupervisorConfig configures a Supervisor.
type SupervisorConfig struct {
	Guardrail guardrail.Config
	// StaleRetry is the wait after a failed attempt to repair a stale series.
	StaleRetry time.Duration
	// MinRestartDelay floors every wait between attempts.
	MinRestartDelay time.Duration
	// Buffer is the capacity of the candle channel handed to an ingest func.
	Buffer int
}

// DefaultSupervisorConfig returns the defaults used by cmd/taflow.
func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		Guardrail:       guardrail.DefaultConfig(),
		StaleRetry:      5 * time.Second,
		MinRestartDelay: 100 * time.Millisecond,
		Buffer:          256,
	}
}

// JobStatus is a diagnostic view of one supervised job.
type JobStatus struct {
	Job       restart.Job        `json:"job"`
	Guardrail guardrail.Snapshot `json:"guardrail"`
	Running   bool               `json:"running"`
}

type job struct {
	base    model.SeriesID
	ingest  registry.IngestFunc
	gr      *guardrail.Guardrail
	cancel  context.CancelFunc
	done    chan struct{}
	mu      sync.Mutex
	state   restart.Job
	running bool
}

func (j *job) snapshot(now time.Time) JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return JobStatus{Job: j.state, Guardrail: j.gr.Snapshot(now), Running: j.running}
}

// Supervisor runs one ingest loop per base series and restarts it under
// the guardrail and restart policy.
type Supervisor struct {
	cfg    SupervisorConfig
	router *registry.Router
	pipe   *Pipeline
	fresh  Freshness
	prom   *metrics.Metrics
	health *metrics.HealthStatus
	log    *slog.Logger

	mu   sync.Mutex
	jobs map[string]*job
	wg   sync.WaitGroup

	now func() time.Time
}

// NewSupervisor creates a Supervisor. prom, health and log may be nil.
func NewSupervisor(cfg SupervisorConfig, router *registry.Router, pipe *Pipeline, fresh Freshness,
	prom *metrics.Metrics, health *metrics.HealthStatus, log *slog.Logger) *Supervisor {
	def := DefaultSupervisorConfig()
	if cfg.StaleRetry <= 0 {
		cfg.StaleRetry = def.StaleRetry
	}
	if cfg.MinRestartDelay <= 0 {
		cfg.MinRestartDelay = def.MinRestartDelay
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = def.Buffer
	}
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{
		cfg:    cfg,
		router: router,
		pipe:   pipe,
		fresh:  fresh,
		prom:   prom,
		health: health,
		log:    log,
		jobs:   make(map[string]*job),
		now:    time.Now,
	}
}

// Start begins supervising the base series of id. Derived series fold onto
// their base, so starting several timeframes of one pair runs a single job.
func (s *Supervisor) Start(ctx context.Context, id model.SeriesID) error {
	base, binding, err := s.router.Resolve(id)
	if err != nil {
		return err
	}
	key := base.String()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[key]; ok {
		return fmt.Errorf("%w: %s", ErrJobExists, key)
	}
	j := s.newJob(base, binding, guardrail.New(s.cfg.Guardrail))
	s.jobs[key] = j
	s.launch(ctx, j)
	return nil
}

// Rebind re-resolves the binding of id, replaces its running job and
// carries the crash history and guardrail over to the new one.
func (s *Supervisor) Rebind(ctx context.Context, id model.SeriesID) error {
	base, binding, err := s.router.Resolve(id)
	if err != nil {
		return err
	}
	key := base.String()

	s.mu.Lock()
	old, ok := s.jobs[key]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoJob, key)
	}
	old.cancel()
	<-old.done

	next := s.newJob(base, binding, old.gr)
	old.mu.Lock()
	restart.CarryRestartState(&old.state, &next.state)
	old.mu.Unlock()

	s.log.Info("ingest job rebound", "series", key, "binding", binding.SourceName,
		"crash_count", next.state.CrashCount)

	s.mu.Lock()
	s.jobs[key] = next
	s.launch(ctx, next)
	s.mu.Unlock()
	return nil
}

// Jobs returns the status of every job, sorted by series.
func (s *Supervisor) Jobs() []JobStatus {
	s.mu.Lock()
	jobs := make([]*job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	s.mu.Unlock()

	now := s.now()
	out := make([]JobStatus, len(jobs))
	for i, j := range jobs {
		out[i] = j.snapshot(now)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Job.Series < out[k].Job.Series })
	return out
}

// Stop cancels every job and waits for them to exit.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	for _, j := range s.jobs {
		j.cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Supervisor) newJob(base model.SeriesID, b registry.Binding, gr *guardrail.Guardrail) *job {
	key := base.String()
	if s.prom != nil {
		gr.OnStateChange = func(from, to guardrail.State) {
			s.prom.GuardrailState.WithLabelValues(key).Set(float64(to))
			if to == guardrail.StateOpen {
				s.prom.GuardrailTrips.WithLabelValues(key).Inc()
			}
		}
	}
	return &job{
		base:   base,
		ingest: b.Ingest,
		gr:     gr,
		done:   make(chan struct{}),
		state:  restart.Job{Series: key, Binding: b.SourceName},
	}
}

// launch must be called with s.mu held.
func (s *Supervisor) launch(ctx context.Context, j *job) {
	jctx, cancel := context.WithCancel(ctx)
	j.cancel = cancel
	s.wg.Add(1)
	if s.prom != nil {
		s.prom.ActiveIngestJobs.Inc()
	}
	go func() {
		defer s.wg.Done()
		defer close(j.done)
		if s.prom != nil {
			defer s.prom.ActiveIngestJobs.Dec()
		}
		s.loop(jctx, j)
	}()
}

// loop runs attempts until ctx is cancelled. Every path back to the top
// waits on a timer, so a failing feed never spins.
func (s *Supervisor) loop(ctx context.Context, j *job) {
	key := j.base.String()
	log := logger.WithSeries(s.log, key)

	for ctx.Err() == nil {
		fresh := s.isFresh(ctx, j)
		d := restart.Decide(fresh, j.gr, s.now())
		if !d.Restart {
			wait := d.RetryIn
			if d.Reason == restart.ReasonStale {
				wait = s.cfg.StaleRetry
			}
			log.Info("ingest restart deferred", "reason", d.Reason, "retry_in", wait.String())
			if !sleep(ctx, s.floor(wait)) {
				return
			}
			continue
		}

		if s.prom != nil {
			s.prom.IngestRestarts.WithLabelValues(key, d.Reason).Inc()
		}
		err := s.attempt(ctx, j, log)
		if ctx.Err() != nil {
			return
		}

		now := s.now()
		var wait time.Duration
		if err == nil {
			log.Info("ingest feed ended, restarting")
			wait = s.cfg.MinRestartDelay
		} else {
			wait = j.gr.OnFailure(err, now)
			j.mu.Lock()
			restart.MarkRestartFailure(&j.state, err, now)
			crashes := j.state.CrashCount
			j.mu.Unlock()
			if s.prom != nil {
				s.prom.IngestFailures.WithLabelValues(key).Inc()
			}
			if s.health != nil {
				s.health.SetFeedConnected(false)
			}
			log.Warn("ingest attempt failed", "error", err, "crash_count", crashes,
				"retry_in", wait.String(), "guardrail", j.gr.CurrentState().String())
		}
		if !sleep(ctx, s.floor(wait)) {
			return
		}
	}
}

// isFresh checks the base series and tries to repair it when stale.
func (s *Supervisor) isFresh(ctx context.Context, j *job) bool {
	if s.fresh == nil {
		return true
	}
	key := j.base.String()
	l, err := s.fresh.ReadLatest(ctx, key)
	if err != nil {
		s.log.Error("freshness check failed", "series", key, "error", err)
		return false
	}
	if l.OK || l.Reason == delta.ReasonNotReady {
		return true
	}
	n, err := s.pipe.Reconcile(ctx, j.base)
	if err != nil {
		s.log.Warn("reconcile failed", "series", key, "error", err)
		return false
	}
	s.log.Info("stale series repaired before restart", "series", key, "candles", n)
	l, err = s.fresh.ReadLatest(ctx, key)
	return err == nil && l.OK
}

// attempt runs the ingest func once and feeds its candles to the pipeline.
// The first candle that advances the ledger counts as a guardrail success;
// replays of stored candles do not, so a feed that reconnects, repeats its
// backlog and fails again keeps spending the crash budget.
func (s *Supervisor) attempt(ctx context.Context, j *job, log *slog.Logger) error {
	j.mu.Lock()
	j.running = true
	j.mu.Unlock()
	defer func() {
		j.mu.Lock()
		j.running = false
		j.mu.Unlock()
	}()

	actx, cancel := context.WithCancel(ctx)
	defer cancel()
	out := make(chan model.Candle, s.cfg.Buffer)
	feedErr := make(chan error, 1)
	go func() {
		err := j.ingest(actx, j.base, out)
		close(out)
		feedErr <- err
	}()

	var handleErr error
	first := true
	for c := range out {
		if handleErr != nil {
			continue // drain until the feed sees the cancel
		}
		res, err := s.pipe.Handle(actx, j.base, c)
		if err != nil {
			handleErr = fmt.Errorf("handle %s@%d: %w", j.base, c.OpenTime, err)
			cancel()
			continue
		}
		if first && res.Skipped == "" {
			first = false
			j.gr.OnSuccess(s.now())
			if s.health != nil {
				s.health.SetFeedConnected(true)
			}
			log.Info("ingest feed delivering", "binding", j.state.Binding, "guardrail_enabled", j.gr.Enabled())
		}
		if s.health != nil {
			s.health.SetLastCandleTime(time.Unix(c.OpenTime, 0))
		}
	}
	err := <-feedErr
	if handleErr != nil {
		return handleErr
	}
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}

func (s *Supervisor) floor(d time.Duration) time.Duration {
	if d < s.cfg.MinRestartDelay {
		return s.cfg.MinRestartDelay
	}
	return d
}

// sleep waits for d or ctx; it reports false when ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
