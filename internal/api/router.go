// Package api provides the HTTP read surface of the pipeline.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"taflow/internal/delta"
	"taflow/internal/ingest"
	"taflow/internal/metrics"
	"taflow/internal/model"

	"golang.org/x/time/rate"
)

// Reader is the aligned read path.
type Reader interface {
	ReadLatest(ctx context.Context, series string) (delta.Latest, error)
	ReadDelta(ctx context.Context, req delta.Request) (delta.Delta, error)
}

// JobLister reports supervised ingest jobs.
type JobLister interface {
	Jobs() []ingest.JobStatus
}

// Reconciler repairs a series whose ledger lags its candles.
type Reconciler interface {
	Reconcile(ctx context.Context, series model.SeriesID) (int, error)
}

// SeriesLister lists the series that have stored candles.
type SeriesLister interface {
	Series(ctx context.Context) ([]string, error)
}

// Deps holds the router's collaborators. Reader is required; the rest may
// be nil, which disables the matching endpoint.
type Deps struct {
	Reader     Reader
	Series     SeriesLister
	Jobs       JobLister
	Reconciler Reconciler
	Stream     *Stream
	// Limiter bounds request rate across all /api/v1 reads.
	Limiter *rate.Limiter
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

type deltaResponse struct {
	delta.Delta
	NextCursor string `json:"next_cursor"`
}

// NewRouter sets up HTTP routes for the API server.
func NewRouter(d Deps) http.Handler {
	mux := http.NewServeMux()
	lg := d.Logger
	if lg == nil {
		lg = slog.Default()
	}
	lg = lg.With("component", "api")

	mux.HandleFunc("/api/v1/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})

	mux.HandleFunc("/api/v1/ledger", func(w http.ResponseWriter, r *http.Request) {
		if !allowMethod(w, r, http.MethodGet) {
			return
		}
		id, ok := seriesParam(w, r)
		if !ok {
			return
		}
		res, err := d.Reader.ReadLatest(r.Context(), id.String())
		if err != nil {
			lg.Error("ledger read failed", "series", id.String(), "error", err)
			writeError(w, http.StatusInternalServerError, "read failed")
			return
		}
		d.countRead(res.Result)
		writeJSON(w, http.StatusOK, res)
	})

	mux.HandleFunc("/api/v1/delta", func(w http.ResponseWriter, r *http.Request) {
		if !allowMethod(w, r, http.MethodGet) {
			return
		}
		id, ok := seriesParam(w, r)
		if !ok {
			return
		}
		q := r.URL.Query()
		cursor, err := delta.ParseCursor(q.Get("cursor"))
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		req := delta.Request{
			Series:     id.String(),
			Features:   splitList(q.Get("features")),
			Cursor:     cursor,
			LineLimit:  intParam(q.Get("line_limit")),
			EventLimit: intParam(q.Get("event_limit")),
		}
		res, err := d.Reader.ReadDelta(r.Context(), req)
		if err != nil {
			lg.Error("delta read failed", "series", id.String(), "error", err)
			writeError(w, http.StatusInternalServerError, "read failed")
			return
		}
		d.countRead(res.Result)
		writeJSON(w, http.StatusOK, deltaResponse{Delta: res, NextCursor: res.NextCursor.String()})
	})

	if d.Series != nil {
		mux.HandleFunc("/api/v1/series", func(w http.ResponseWriter, r *http.Request) {
			if !allowMethod(w, r, http.MethodGet) {
				return
			}
			ids, err := d.Series.Series(r.Context())
			if err != nil {
				lg.Error("series list failed", "error", err)
				writeError(w, http.StatusInternalServerError, "read failed")
				return
			}
			if ids == nil {
				ids = []string{}
			}
			writeJSON(w, http.StatusOK, map[string]interface{}{"series": ids})
		})
	}

	if d.Jobs != nil {
		mux.HandleFunc("/api/v1/guardrails", func(w http.ResponseWriter, r *http.Request) {
			if !allowMethod(w, r, http.MethodGet) {
				return
			}
			writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": d.Jobs.Jobs()})
		})
	}

	if d.Reconciler != nil {
		mux.HandleFunc("/api/v1/reconcile", func(w http.ResponseWriter, r *http.Request) {
			if !allowMethod(w, r, http.MethodPost) {
				return
			}
			id, ok := seriesParam(w, r)
			if !ok {
				return
			}
			n, err := d.Reconciler.Reconcile(r.Context(), id)
			switch {
			case errors.Is(err, ingest.ErrBusy):
				writeError(w, http.StatusConflict, err.Error())
			case err != nil:
				lg.Error("reconcile failed", "series", id.String(), "error", err)
				writeError(w, http.StatusInternalServerError, "reconcile failed")
			default:
				writeJSON(w, http.StatusOK, map[string]interface{}{"series": id.String(), "replayed": n})
			}
		})
	}

	if d.Stream != nil {
		mux.Handle("/api/v1/stream", d.Stream)
	}

	return d.limit(mux)
}

func (d Deps) limit(next http.Handler) http.Handler {
	if d.Limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !d.Limiter.Allow() {
			if d.Metrics != nil {
				d.Metrics.APIRateLimited.Inc()
			}
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (d Deps) countRead(res delta.Result) {
	if d.Metrics == nil {
		return
	}
	label := "ok"
	if !res.OK {
		label = string(res.Reason)
	}
	d.Metrics.DeltaReads.WithLabelValues(label).Inc()
}

func allowMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method)
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	return false
}

func seriesParam(w http.ResponseWriter, r *http.Request) (model.SeriesID, bool) {
	id, err := model.ParseSeriesID(r.URL.Query().Get("series"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return model.SeriesID{}, false
	}
	return id, true
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// intParam parses a positive limit; anything else selects the default.
func intParam(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
