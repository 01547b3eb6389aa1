package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the pipeline.
type Metrics struct {
	CandlesTotal   *prometheus.CounterVec // labels: timeframe
	CandlesSkipped *prometheus.CounterVec // labels: reason
	CandleLag      prometheus.Gauge

	TickApplyDur prometheus.Histogram
	PlotRunDur   prometheus.Histogram

	OverlayEventsTotal *prometheus.CounterVec // labels: kind
	SignalsTotal       *prometheus.CounterVec // labels: kind

	// Derived timeframes
	DerivedCandlesTotal  *prometheus.CounterVec // labels: tf
	StaleCandlesRejected prometheus.Counter

	// Ingest supervisor
	IngestFailures   *prometheus.CounterVec // labels: series
	IngestRestarts   *prometheus.CounterVec // labels: series, reason
	GuardrailState   *prometheus.GaugeVec   // labels: guardrail; 0=closed, 1=open, 2=half-open
	GuardrailTrips   *prometheus.CounterVec // labels: guardrail
	Reconciles       *prometheus.CounterVec // labels: result
	FeedReconnects   prometheus.Counter
	ActiveIngestJobs prometheus.Gauge

	// Read path
	DeltaReads      *prometheus.CounterVec // labels: result
	APIRateLimited  prometheus.Counter
	NotifyPublished prometheus.Counter
	NotifyDropped   prometheus.Counter
}

// NewMetrics registers and returns all Prometheus metrics on reg. A nil reg
// uses the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		CandlesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taflow_candles_total",
			Help: "Closed candles applied (by timeframe)",
		}, []string{"timeframe"}),
		CandlesSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taflow_candles_skipped_total",
			Help: "Closed candles not applied (replay, slot_busy)",
		}, []string{"reason"}),
		CandleLag: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "taflow_candle_lag_seconds",
			Help: "Lag between candle close time and application time",
		}),

		TickApplyDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "taflow_tick_apply_duration_seconds",
			Help:    "Kernel tick plus store transaction latency per candle",
			Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),
		PlotRunDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "taflow_plot_run_duration_seconds",
			Help:    "Pivot orchestrator latency per candle",
			Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		OverlayEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taflow_overlay_events_total",
			Help: "Overlay events inserted (duplicates excluded)",
		}, []string{"kind"}),
		SignalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taflow_signals_total",
			Help: "Kernel signals raised",
		}, []string{"kind"}),

		DerivedCandlesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taflow_derived_candles_total",
			Help: "Derived timeframe candles closed (by timeframe)",
		}, []string{"tf"}),
		StaleCandlesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taflow_stale_candles_rejected_total",
			Help: "Base candles rejected by the timeframe builder as stale",
		}),

		IngestFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taflow_ingest_failures_total",
			Help: "Ingest loop failures",
		}, []string{"series"}),
		IngestRestarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taflow_ingest_restart_decisions_total",
			Help: "Restart policy decisions (by reason)",
		}, []string{"series", "reason"}),
		GuardrailState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "taflow_guardrail_state",
			Help: "Guardrail state (0=closed, 1=open, 2=half-open)",
		}, []string{"guardrail"}),
		GuardrailTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taflow_guardrail_trips_total",
			Help: "Times a guardrail tripped open",
		}, []string{"guardrail"}),
		Reconciles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taflow_reconciles_total",
			Help: "Ledger reconcile passes (by result)",
		}, []string{"result"}),
		FeedReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taflow_feed_reconnects_total",
			Help: "Upstream websocket reconnection attempts",
		}),
		ActiveIngestJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "taflow_active_ingest_jobs",
			Help: "Supervised ingest jobs currently running",
		}),

		DeltaReads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taflow_delta_reads_total",
			Help: "Delta and ledger reads (by result)",
		}, []string{"result"}),
		APIRateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taflow_api_rate_limited_total",
			Help: "API requests rejected by the rate limiter",
		}),
		NotifyPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taflow_notify_published_total",
			Help: "Closed-candle notifications published to Redis",
		}),
		NotifyDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taflow_notify_dropped_total",
			Help: "Notifications dropped while the Redis guardrail was open or publish failed",
		}),
	}

	reg.MustRegister(
		m.CandlesTotal,
		m.CandlesSkipped,
		m.CandleLag,
		m.TickApplyDur,
		m.PlotRunDur,
		m.OverlayEventsTotal,
		m.SignalsTotal,
		m.DerivedCandlesTotal,
		m.StaleCandlesRejected,
		m.IngestFailures,
		m.IngestRestarts,
		m.GuardrailState,
		m.GuardrailTrips,
		m.Reconciles,
		m.FeedReconnects,
		m.ActiveIngestJobs,
		m.DeltaReads,
		m.APIRateLimited,
		m.NotifyPublished,
		m.NotifyDropped,
	)

	return m
}

// HealthStatus represents the system health.
type HealthStatus struct {
	mu sync.RWMutex

	FeedConnected  bool      `json:"feed_connected"`
	LastCandleTime time.Time `json:"last_candle_time"`
	RedisEnabled   bool      `json:"redis_enabled"`
	RedisConnected bool      `json:"redis_connected"`
	SQLiteOK       bool      `json:"sqlite_ok"`
	Series         []string  `json:"series"`

	// Liveness check results
	RedisLatencyMs  float64   `json:"redis_latency_ms"`
	SQLiteLatencyMs float64   `json:"sqlite_latency_ms"`
	LastCheckAt     time.Time `json:"last_check_at"`
	StartedAt       time.Time `json:"started_at"`
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		StartedAt: time.Now(),
	}
}

func (h *HealthStatus) SetFeedConnected(v bool) {
	h.mu.Lock()
	h.FeedConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastCandleTime(t time.Time) {
	h.mu.Lock()
	if t.After(h.LastCandleTime) {
		h.LastCandleTime = t
	}
	h.mu.Unlock()
}

func (h *HealthStatus) SetRedisEnabled(v bool) {
	h.mu.Lock()
	h.RedisEnabled = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetSQLiteOK(v bool) {
	h.mu.Lock()
	h.SQLiteOK = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetSeries(series []string) {
	h.mu.Lock()
	h.Series = series
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckSQLite pings the database and records latency + health.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.SQLiteOK = err == nil
	h.SQLiteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks. rdb may be nil.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, sqlDB *sql.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				checkCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if rdb != nil {
					h.CheckRedis(checkCtx, rdb)
				}
				if sqlDB != nil {
					h.CheckSQLite(checkCtx, sqlDB)
				}
				cancel()
			}
		}
	}()
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overallStatus := "healthy"
	httpCode := http.StatusOK

	if !h.FeedConnected || (h.RedisEnabled && !h.RedisConnected) {
		overallStatus = "degraded"
	}
	if !h.SQLiteOK {
		overallStatus = "unhealthy"
		httpCode = http.StatusServiceUnavailable
	}

	candleAge := ""
	if !h.LastCandleTime.IsZero() {
		candleAge = time.Since(h.LastCandleTime).Round(time.Millisecond).String()
	}

	status := struct {
		Status          string   `json:"status"`
		Uptime          string   `json:"uptime"`
		FeedConnected   bool     `json:"feed_connected"`
		LastCandleTime  string   `json:"last_candle_time"`
		CandleAge       string   `json:"candle_age"`
		RedisEnabled    bool     `json:"redis_enabled"`
		RedisConnected  bool     `json:"redis_connected"`
		RedisLatencyMs  float64  `json:"redis_latency_ms"`
		SQLiteOK        bool     `json:"sqlite_ok"`
		SQLiteLatencyMs float64  `json:"sqlite_latency_ms"`
		Series          []string `json:"series"`
		LastCheckAt     string   `json:"last_check_at"`
	}{
		Status:          overallStatus,
		Uptime:          time.Since(h.StartedAt).Round(time.Second).String(),
		FeedConnected:   h.FeedConnected,
		LastCandleTime:  h.LastCandleTime.Format(time.RFC3339),
		CandleAge:       candleAge,
		RedisEnabled:    h.RedisEnabled,
		RedisConnected:  h.RedisConnected,
		RedisLatencyMs:  h.RedisLatencyMs,
		SQLiteOK:        h.SQLiteOK,
		SQLiteLatencyMs: h.SQLiteLatencyMs,
		Series:          h.Series,
		LastCheckAt:     h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status)
}

// Server runs an HTTP server exposing /metrics, /healthz and, when given,
// the read API under /api/.
type Server struct {
	health *HealthStatus
	addr   string
	srv    *http.Server
}

// NewServer creates a metrics and health server. gatherer may be nil for the
// default registry; api may be nil.
func NewServer(addr string, health *HealthStatus, gatherer prometheus.Gatherer, api http.Handler) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", health.ServeHTTP)
	if api != nil {
		mux.Handle("/api/", api)
	}

	return &Server{
		health: health,
		addr:   addr,
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Handler returns the server's mux.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[metrics] server listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
