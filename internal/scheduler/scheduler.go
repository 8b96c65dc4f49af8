// Package scheduler drives the recurring sweeps: session expiry, anomaly
// detection and alert auto-escalation.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"tourist-safety/monitor/internal/anomaly"
	"tourist-safety/monitor/internal/clock"
	"tourist-safety/monitor/internal/config"
	"tourist-safety/monitor/internal/domain"
	"tourist-safety/monitor/internal/errs"
	"tourist-safety/monitor/internal/metrics"
	"tourist-safety/monitor/internal/store"
)

const (
	JobExpiry     = "session_expiry"
	JobAnomaly    = "anomaly_sweep"
	JobEscalation = "alert_escalation"
)

type Expirer interface {
	Expire(ctx context.Context, id uuid.UUID) (*domain.Session, error)
}

type Sweeper interface {
	RunSweep(ctx context.Context) (anomaly.SweepReport, error)
}

type Escalator interface {
	AutoEscalate(ctx context.Context, id uuid.UUID) (*domain.Alert, bool, error)
}

// Deps are the collaborators the sweeps act through. The stores answer
// the selection queries; the managers apply each change.
type Deps struct {
	Sessions  store.SessionStore
	Alerts    store.AlertStore
	Expirer   Expirer
	Detector  Sweeper
	Escalator Escalator
	Clock     clock.Clock
}

type Scheduler struct {
	cron   *cron.Cron
	deps   Deps
	log    *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

func New(cfg *config.Config, deps Deps, log *zap.Logger) (*Scheduler, error) {
	loc, err := time.LoadLocation(cfg.SchedTimezone)
	if err != nil {
		return nil, fmt.Errorf("scheduler timezone %q: %w", cfg.SchedTimezone, err)
	}
	log = log.Named("scheduler")
	cl := cronLogger{log.Sugar()}
	c := cron.New(
		cron.WithLocation(loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{cron: c, deps: deps, log: log, ctx: ctx, cancel: cancel}

	jobs := []struct {
		name string
		spec string
		run  func(context.Context) error
	}{
		{JobExpiry, cfg.SchedExpirySpec, func(ctx context.Context) error {
			_, err := s.RunExpirySweep(ctx)
			return err
		}},
		{JobAnomaly, cfg.SchedAnomalySpec, func(ctx context.Context) error {
			_, err := s.RunAnomalySweep(ctx)
			return err
		}},
		{JobEscalation, cfg.SchedEscalationSpec, func(ctx context.Context) error {
			_, err := s.RunEscalationSweep(ctx)
			return err
		}},
	}
	for _, j := range jobs {
		if _, err := c.AddFunc(j.spec, func() { s.track(j.name, j.run) }); err != nil {
			cancel()
			return nil, fmt.Errorf("schedule %s %q: %w", j.name, j.spec, err)
		}
	}
	return s, nil
}

func (s *Scheduler) Start() {
	s.log.Info("scheduler started", zap.Int("jobs", len(s.cron.Entries())))
	s.cron.Start()
}

// Stop halts the timers and waits for running jobs. If ctx ends first the
// running jobs are cancelled and still awaited.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	defer s.cancel()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done.Done()
		return ctx.Err()
	}
}

func (s *Scheduler) track(name string, run func(context.Context) error) {
	start := time.Now()
	err := run(s.ctx)
	metrics.SweepRuns.WithLabelValues(name).Inc()
	metrics.SweepDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.SweepErrors.WithLabelValues(name).Inc()
		s.log.Error("sweep failed", zap.String("job", name), zap.Error(err))
	}
}

// RunExpirySweep expires every active session past its end date. A
// session already moved on by a concurrent run is skipped.
func (s *Scheduler) RunExpirySweep(ctx context.Context) (int, error) {
	due, err := s.deps.Sessions.ListExpirable(ctx, s.deps.Clock.Now())
	if err != nil {
		return 0, err
	}
	expired := 0
	var failed []error
	for _, sess := range due {
		_, err := s.deps.Expirer.Expire(ctx, sess.ID)
		switch {
		case err == nil:
			expired++
		case errors.Is(err, errs.ErrInvalidState):
			s.log.Debug("session no longer expirable", zap.Stringer("session_id", sess.ID))
		default:
			failed = append(failed, err)
			s.log.Warn("session expiry failed", zap.Stringer("session_id", sess.ID), zap.Error(err))
		}
	}
	if expired > 0 {
		s.log.Info("sessions expired", zap.Int("count", expired))
	}
	return expired, errors.Join(failed...)
}

func (s *Scheduler) RunAnomalySweep(ctx context.Context) (anomaly.SweepReport, error) {
	report, err := s.deps.Detector.RunSweep(ctx)
	if err != nil {
		return report, err
	}
	s.log.Info("anomaly sweep finished",
		zap.Int("sessions", report.Sessions),
		zap.Int("inactivity", report.Created[domain.AlertInactivity]),
		zap.Int("device_offline", report.Created[domain.AlertDeviceOffline]),
		zap.Int("errors", report.Errors),
	)
	return report, nil
}

// RunEscalationSweep steps every due alert one severity up. Critical
// alerts have nowhere to go and are logged as a no-op.
func (s *Scheduler) RunEscalationSweep(ctx context.Context) (int, error) {
	due, err := s.deps.Alerts.ListEscalationCandidates(ctx, s.deps.Clock.Now())
	if err != nil {
		return 0, err
	}
	escalated := 0
	var failed []error
	for _, a := range due {
		if a.Severity == domain.SeverityCritical {
			s.log.Info("alert already critical, nothing to escalate", zap.Stringer("alert_id", a.ID))
			continue
		}
		got, ok, err := s.deps.Escalator.AutoEscalate(ctx, a.ID)
		switch {
		case err != nil:
			failed = append(failed, err)
			s.log.Warn("alert escalation failed", zap.Stringer("alert_id", a.ID), zap.Error(err))
		case ok:
			escalated++
			s.log.Info("alert escalated",
				zap.Stringer("alert_id", a.ID),
				zap.String("from", string(a.Severity)),
				zap.String("to", string(got.Severity)),
			)
		default:
			s.log.Debug("alert no longer due", zap.Stringer("alert_id", a.ID))
		}
	}
	return escalated, errors.Join(failed...)
}

// cronLogger routes robfig/cron's logging through zap.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
