// Package http serves the operational endpoints of the monitor: health,
// Prometheus metrics, alert statistics and on-demand sweeps for operators.
package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"tourist-safety/monitor/internal/auth"
	"tourist-safety/monitor/internal/domain"
	"tourist-safety/monitor/internal/errs"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type Engine interface {
	DeviceLogin
	RunSweep(ctx context.Context, p auth.Principal, job string) (int, error)
	AlertStatistics(ctx context.Context, p auth.Principal, from, to time.Time) (*domain.AlertStats, error)
}

type Ops struct {
	engine  Engine
	checks  map[string]Pinger
	metrics http.Handler
	log     *zap.Logger
}

// NewOps builds the ops handler. checks are pinged by /healthz; metrics
// may be nil.
func NewOps(engine Engine, checks map[string]Pinger, metrics http.Handler, log *zap.Logger) *Ops {
	return &Ops{engine: engine, checks: checks, metrics: metrics, log: log.Named("ops")}
}

func (o *Ops) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", o.health)
	if o.metrics != nil {
		mux.Handle("GET /metrics", o.metrics)
	}
	authed := NewAuthMiddleware(o.engine)
	mux.Handle("POST /ops/sweeps/{job}", authed.Wrap(http.HandlerFunc(o.runSweep)))
	mux.Handle("GET /ops/alerts/stats", authed.Wrap(http.HandlerFunc(o.alertStats)))
	return mux
}

func (o *Ops) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	report := make(map[string]string, len(o.checks))
	for name, c := range o.checks {
		if err := c.Ping(ctx); err != nil {
			status = http.StatusServiceUnavailable
			report[name] = err.Error()
			continue
		}
		report[name] = "ok"
	}
	writeJSON(w, status, report)
}

func (o *Ops) runSweep(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	job := r.PathValue("job")

	n, err := o.engine.RunSweep(r.Context(), p, job)
	if err != nil {
		o.log.Warn("manual sweep failed", zap.String("job", job), zap.String("user_id", p.UserID), zap.Error(err))
		writeJSON(w, statusOf(err), map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job, "changed": n})
}

// alertStats reads optional RFC 3339 from/to query parameters.
func (o *Ops) alertStats(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())

	var bounds [2]time.Time
	for i, name := range []string{"from", "to"} {
		v := r.URL.Query().Get(name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": name + " must be an RFC 3339 timestamp"})
			return
		}
		bounds[i] = t
	}

	stats, err := o.engine.AlertStatistics(r.Context(), p, bounds[0], bounds[1])
	if err != nil {
		writeJSON(w, statusOf(err), map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func statusOf(err error) int {
	switch errs.KindOf(err) {
	case errs.KindValidation:
		return http.StatusBadRequest
	case errs.KindForbidden:
		return http.StatusForbidden
	case errs.KindNotFound:
		return http.StatusNotFound
	case errs.KindInvalidState, errs.KindPreconditionFailed, errs.KindInvalidTransition,
		errs.KindInvalidEscalation, errs.KindConsentRequired, errs.KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
