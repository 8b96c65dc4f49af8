// Package alert owns the alert state machine: assignment, status
// transitions, severity escalation, resolution and manual panic alerts.
package alert

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tourist-safety/monitor/internal/clock"
	"tourist-safety/monitor/internal/domain"
	"tourist-safety/monitor/internal/errs"
	"tourist-safety/monitor/internal/metrics"
	"tourist-safety/monitor/internal/notify"
	"tourist-safety/monitor/internal/store"
)

const (
	maxWriteAttempts = 3

	DefaultPanicMessage = "Tourist triggered panic button"
)

// Sessions is the slice of the session manager panic alerts need.
type Sessions interface {
	Get(ctx context.Context, id uuid.UUID) (*domain.Session, error)
	IncrementAlertCount(ctx context.Context, id uuid.UUID) (*domain.Session, error)
}

type PanicRequest struct {
	Message       string          `json:"message"`
	Location      *domain.Point   `json:"location"`
	Battery       *domain.Battery `json:"battery"`
	NetworkStatus string          `json:"networkStatus"`
}

type Manager struct {
	alerts        store.AlertStore
	sessions      Sessions
	notifier      notify.Notifier
	clock         clock.Clock
	escalateAfter int
	log           *zap.Logger
}

type Option func(*Manager)

// WithEscalateAfter sets how many minutes a panic alert may stay
// unacknowledged before the scheduler escalates it.
func WithEscalateAfter(minutes int) Option {
	return func(m *Manager) {
		if minutes > 0 {
			m.escalateAfter = minutes
		}
	}
}

func NewManager(alerts store.AlertStore, sessions Sessions, notifier notify.Notifier, clk clock.Clock, log *zap.Logger, opts ...Option) *Manager {
	m := &Manager{
		alerts:        alerts,
		sessions:      sessions,
		notifier:      notifier,
		clock:         clk,
		escalateAfter: domain.DefaultEscalateAfterMinutes,
		log:           log.Named("alert"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) Get(ctx context.Context, id uuid.UUID) (*domain.Alert, error) {
	return m.alerts.GetAlert(ctx, id)
}

// ListOpen returns open alerts for a session, or all when sessionID is
// uuid.Nil.
func (m *Manager) ListOpen(ctx context.Context, sessionID uuid.UUID) ([]*domain.Alert, error) {
	return m.alerts.ListOpenAlerts(ctx, sessionID)
}

// StatsWindow is the period Statistics covers when no range is given.
const StatsWindow = 30 * 24 * time.Hour

// List returns alerts matching f, most severe first.
func (m *Manager) List(ctx context.Context, f store.AlertFilter) ([]*domain.Alert, error) {
	for _, st := range f.Statuses {
		if !st.Valid() {
			return nil, errs.Newf(errs.KindValidation, "unknown alert status %q", st)
		}
	}
	if f.Severity != "" && !f.Severity.Valid() {
		return nil, errs.Newf(errs.KindValidation, "unknown severity %q", f.Severity)
	}
	return m.alerts.ListAlerts(ctx, f)
}

// Statistics summarises alerts detected in [from, to]. A zero to means
// now and a zero from means StatsWindow before to.
func (m *Manager) Statistics(ctx context.Context, from, to time.Time) (*domain.AlertStats, error) {
	if to.IsZero() {
		to = m.clock.Now()
	}
	if from.IsZero() {
		from = to.Add(-StatsWindow)
	}
	if from.After(to) {
		return nil, errs.New(errs.KindValidation, "statistics range starts after it ends").
			WithContext("from", from.Format(time.RFC3339)).
			WithContext("to", to.Format(time.RFC3339))
	}
	return m.alerts.AlertStatistics(ctx, from, to)
}

// Assign hands a new alert to an officer, acknowledging it.
func (m *Manager) Assign(ctx context.Context, id uuid.UUID, officerID string) (*domain.Alert, error) {
	if officerID == "" {
		return nil, errs.New(errs.KindValidation, "officer id is required")
	}
	return m.mutate(ctx, id, func(a *domain.Alert, now time.Time) error {
		if a.Status != domain.AlertCreated {
			return errs.InvalidTransition(string(a.Status), string(domain.AlertAcknowledged)).
				WithContext("alert_id", a.ID.String())
		}
		a.AssignedOfficer = officerID
		a.AssignedAt = domain.TimePtr(now)
		transition(a, domain.AlertAcknowledged, officerID, "assigned to "+officerID, now)
		return nil
	})
}

func (m *Manager) UpdateStatus(ctx context.Context, id uuid.UUID, to domain.AlertStatus, actor, notes string) (*domain.Alert, error) {
	return m.mutate(ctx, id, func(a *domain.Alert, now time.Time) error {
		if !domain.CanTransition(a.Status, to) {
			return errs.InvalidTransition(string(a.Status), string(to)).
				WithContext("alert_id", a.ID.String())
		}
		transition(a, to, actor, notes, now)
		return nil
	})
}

// Resolve closes any open alert with a recorded outcome.
func (m *Manager) Resolve(ctx context.Context, id uuid.UUID, outcome domain.ResolutionOutcome, notes, actor string) (*domain.Alert, error) {
	if !outcome.Valid() {
		return nil, errs.Newf(errs.KindValidation, "unknown resolution outcome %q", outcome)
	}
	return m.mutate(ctx, id, func(a *domain.Alert, now time.Time) error {
		if a.Status.IsTerminal() {
			return errs.New(errs.KindInvalidState, "alert is already closed").
				WithContext("alert_id", a.ID.String()).
				WithContext("status", string(a.Status))
		}
		a.Resolution = &domain.Resolution{Outcome: outcome, Notes: notes, ResolvedBy: actor}
		transition(a, domain.AlertResolved, actor, notes, now)
		return nil
	})
}

// Escalate raises the severity of an open alert. The new severity must be
// strictly higher than the current one.
func (m *Manager) Escalate(ctx context.Context, id uuid.UUID, to domain.Severity, reason, actor string) (*domain.Alert, error) {
	if !to.Valid() {
		return nil, errs.Newf(errs.KindValidation, "unknown severity %q", to)
	}
	a, err := m.mutate(ctx, id, func(a *domain.Alert, now time.Time) error {
		if a.Status.IsTerminal() {
			return errs.New(errs.KindInvalidState, "cannot escalate a closed alert").
				WithContext("alert_id", a.ID.String()).
				WithContext("status", string(a.Status))
		}
		if !to.Above(a.Severity) {
			return errs.InvalidEscalation(string(a.Severity), string(to)).
				WithContext("alert_id", a.ID.String())
		}
		escalate(a, to, reason, actor, now)
		return nil
	})
	if err == nil {
		metrics.AlertsEscalated.WithLabelValues(string(to)).Inc()
	}
	return a, err
}

// AutoEscalate steps a due alert one rung up the ladder on behalf of the
// scheduler. It re-checks eligibility against fresh state, so a record
// matched twice by overlapping sweeps is escalated once. escalated is
// false when the alert is no longer due or already critical.
func (m *Manager) AutoEscalate(ctx context.Context, id uuid.UUID) (a *domain.Alert, escalated bool, err error) {
	a, err = m.mutate(ctx, id, func(a *domain.Alert, now time.Time) error {
		if !a.EscalationDue(now) {
			return errNotDue
		}
		next, ok := a.Severity.Next()
		if !ok {
			return errAtCeiling
		}
		reason := fmt.Sprintf("no response within %d minutes", afterMinutes(a))
		escalate(a, next, reason, domain.SystemActor, now)
		return nil
	})
	switch {
	case errors.Is(err, errNotDue), errors.Is(err, errAtCeiling):
		return nil, false, nil
	case err != nil:
		return nil, false, err
	}
	metrics.AlertsEscalated.WithLabelValues(string(a.Severity)).Inc()
	return a, true, nil
}

var (
	errNotDue    = errors.New("alert not due for escalation")
	errAtCeiling = errors.New("alert already at highest severity")
)

// CreateFromPanic raises a critical alert for the caller's active
// session. Panic alerts are never deduplicated.
func (m *Manager) CreateFromPanic(ctx context.Context, callerID string, sessionID uuid.UUID, req PanicRequest) (*domain.Alert, error) {
	s, err := m.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !s.OwnedBy(callerID) {
		return nil, errs.New(errs.KindForbidden, "session belongs to another tourist").
			WithContext("session_id", s.ID.String())
	}
	if s.Status != domain.SessionActive {
		return nil, errs.New(errs.KindInvalidState, "panic requires an active session").
			WithContext("session_id", s.ID.String()).
			WithContext("status", string(s.Status))
	}
	if req.Location != nil && !req.Location.Valid() {
		return nil, errs.New(errs.KindValidation, "location out of range")
	}

	now := m.clock.Now()
	msg := req.Message
	if msg == "" {
		msg = DefaultPanicMessage
	}
	a := &domain.Alert{
		ID:          uuid.New(),
		SessionID:   s.ID,
		TouristID:   s.TouristID,
		Type:        domain.AlertPanic,
		Severity:    domain.SeverityCritical,
		Status:      domain.AlertCreated,
		Description: msg,
		DetectedAt:  now,
		Location:    req.Location,
		Context:     domain.AlertContext{NetworkStatus: req.NetworkStatus},
		AutoEscalate: domain.AutoEscalate{
			Enabled:      true,
			AfterMinutes: m.escalateAfter,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if req.Location != nil {
		a.Context.LastKnownLocation = &domain.LastKnownLocation{Point: *req.Location, RecordedAt: now}
	}
	if req.Battery != nil {
		lvl := req.Battery.Level
		a.Context.Battery = &lvl
	}
	a.Notifications = notify.Intents(a, s, now)

	if err := m.alerts.InsertAlert(ctx, a); err != nil {
		return nil, err
	}
	if _, err := m.sessions.IncrementAlertCount(ctx, s.ID); err != nil {
		m.log.Warn("panic alert count not updated", zap.Stringer("session_id", s.ID), zap.Error(err))
	}

	metrics.AlertsCreated.WithLabelValues(string(a.Type), string(a.Severity)).Inc()
	m.log.Warn("panic alert raised",
		zap.Stringer("alert_id", a.ID),
		zap.Stringer("session_id", s.ID),
		zap.String("tourist_id", s.TouristID),
	)
	m.notifier.Notify(a)
	return a, nil
}

func (m *Manager) mutate(ctx context.Context, id uuid.UUID, fn func(*domain.Alert, time.Time) error) (*domain.Alert, error) {
	var lastErr error
	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		a, err := m.alerts.GetAlert(ctx, id)
		if err != nil {
			return nil, err
		}
		now := m.clock.Now()
		if err := fn(a, now); err != nil {
			return nil, err
		}
		a.UpdatedAt = now

		err = m.alerts.UpdateAlert(ctx, a)
		if err == nil {
			return a, nil
		}
		if !errors.Is(err, errs.ErrConflict) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// transition moves a to status and stamps the matching timestamps.
func transition(a *domain.Alert, to domain.AlertStatus, actor, notes string, now time.Time) {
	a.StatusHistory = append(a.StatusHistory, domain.StatusEntry{
		From:  a.Status,
		To:    to,
		By:    actor,
		Notes: notes,
		At:    now,
	})
	a.Status = to
	if to == domain.AlertAcknowledged && a.AcknowledgedAt == nil {
		a.AcknowledgedAt = domain.TimePtr(now)
	}
	if to.IsTerminal() {
		a.ResolvedAt = domain.TimePtr(now)
	}
}

func escalate(a *domain.Alert, to domain.Severity, reason, actor string, now time.Time) {
	a.EscalationHistory = append(a.EscalationHistory, domain.EscalationEntry{
		From:   a.Severity,
		To:     to,
		Reason: reason,
		By:     actor,
		At:     now,
	})
	a.Severity = to
	if actor == domain.SystemActor {
		a.AutoEscalate.HasEscalated = true
	}
}

func afterMinutes(a *domain.Alert) int {
	if a.AutoEscalate.AfterMinutes > 0 {
		return a.AutoEscalate.AfterMinutes
	}
	return domain.DefaultEscalateAfterMinutes
}
