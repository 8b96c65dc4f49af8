// Package session owns the trip state machine and the consent gate.
//
//	pending ──activate──▶ active ──complete──▶ completed
//	   │                    ├────expire─────▶ expired
//	   └──────terminate─────┴───terminate───▶ terminated
//
// Terminal sessions are immutable. Every write is a compare-and-set on
// the stored version; a lost race is retried against fresh state.
package session

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tourist-safety/monitor/internal/clock"
	"tourist-safety/monitor/internal/domain"
	"tourist-safety/monitor/internal/errs"
	"tourist-safety/monitor/internal/geofence"
	"tourist-safety/monitor/internal/store"
	"tourist-safety/monitor/internal/validate"
)

const maxWriteAttempts = 3

type CreateRequest struct {
	Destination         string                    `json:"destination" validate:"required,max=200"`
	Description         string                    `json:"description" validate:"max=1000"`
	StartDate           time.Time                 `json:"startDate"`
	EndDate             time.Time                 `json:"endDate"`
	Geofences           []domain.Geofence         `json:"geoFences" validate:"unique=Name,dive"`
	EmergencyContacts   []domain.EmergencyContact `json:"emergencyContacts" validate:"dive"`
	CheckInInterval     int                       `json:"checkInInterval" validate:"omitempty,gte=15,lte=1440"`
	InactivityThreshold int                       `json:"inactivityThreshold" validate:"omitempty,gte=30,lte=720"`
}

type Manager struct {
	sessions          store.SessionStore
	clock             clock.Clock
	validate          *validate.Validator
	inactivityDefault int
	log               *zap.Logger
}

type Option func(*Manager)

// WithInactivityDefault sets the threshold, in minutes, stored on
// sessions created without one.
func WithInactivityDefault(minutes int) Option {
	return func(m *Manager) {
		if minutes > 0 {
			m.inactivityDefault = minutes
		}
	}
}

func NewManager(sessions store.SessionStore, clk clock.Clock, log *zap.Logger, opts ...Option) *Manager {
	m := &Manager{
		sessions:          sessions,
		clock:             clk,
		validate:          validate.New(),
		inactivityDefault: domain.DefaultInactivityThreshold,
		log:               log.Named("session"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) Create(ctx context.Context, touristID string, req CreateRequest) (*domain.Session, error) {
	if touristID == "" {
		return nil, errs.New(errs.KindValidation, "tourist id is required")
	}
	if err := m.validate.Struct(req); err != nil {
		return nil, err
	}
	for _, f := range req.Geofences {
		if err := geofence.Validate(f); err != nil {
			return nil, errs.Wrap(errs.KindValidation, err, "invalid geofence")
		}
	}

	now := m.clock.Now()
	switch {
	case req.StartDate.IsZero() || req.EndDate.IsZero():
		return nil, errs.New(errs.KindValidation, "startDate and endDate are required")
	case req.StartDate.Before(now):
		return nil, errs.New(errs.KindValidation, "startDate cannot be in the past")
	case !req.EndDate.After(req.StartDate):
		return nil, errs.New(errs.KindValidation, "endDate must be after startDate")
	}

	existing, err := m.sessions.FindOpenSession(ctx, touristID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, errs.New(errs.KindInvalidState, "tourist already has an open session").
			WithContext("session_id", existing.ID.String())
	}

	s := &domain.Session{
		ID:                  uuid.New(),
		TouristID:           touristID,
		Destination:         req.Destination,
		Description:         req.Description,
		StartDate:           req.StartDate.UTC(),
		EndDate:             req.EndDate.UTC(),
		Status:              domain.SessionPending,
		Geofences:           req.Geofences,
		EmergencyContacts:   req.EmergencyContacts,
		CheckInInterval:     req.CheckInInterval,
		InactivityThreshold: req.InactivityThreshold,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if s.CheckInInterval == 0 {
		s.CheckInInterval = domain.DefaultCheckInInterval
	}
	if s.InactivityThreshold == 0 {
		s.InactivityThreshold = m.inactivityDefault
	}
	s.IntegrityHash = s.ComputeIntegrityHash()

	if err := m.sessions.CreateSession(ctx, s); err != nil {
		if errors.Is(err, errs.ErrConflict) {
			return nil, errs.Wrap(errs.KindInvalidState, err, "tourist already has an open session")
		}
		return nil, err
	}

	m.log.Info("session created",
		zap.Stringer("session_id", s.ID),
		zap.String("tourist_id", touristID),
		zap.Time("start", s.StartDate),
		zap.Time("end", s.EndDate),
	)
	return s, nil
}

func (m *Manager) Get(ctx context.Context, id uuid.UUID) (*domain.Session, error) {
	return m.sessions.GetSession(ctx, id)
}

// ActiveForTourist returns the tourist's pending or active session, or nil.
func (m *Manager) ActiveForTourist(ctx context.Context, touristID string) (*domain.Session, error) {
	return m.sessions.FindOpenSession(ctx, touristID)
}

// History returns every session the tourist has held, newest first.
func (m *Manager) History(ctx context.Context, touristID string) ([]*domain.Session, error) {
	if touristID == "" {
		return nil, errs.New(errs.KindValidation, "tourist id is required")
	}
	return m.sessions.ListSessionsByTourist(ctx, touristID)
}

// ListActive returns the sessions currently being monitored, most recently
// activated first.
func (m *Manager) ListActive(ctx context.Context) ([]*domain.Session, error) {
	out, err := m.sessions.ListActiveSessions(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		return activatedAt(out[i]).After(activatedAt(out[j]))
	})
	return out, nil
}

func activatedAt(s *domain.Session) time.Time {
	if s.ActivatedAt != nil {
		return *s.ActivatedAt
	}
	return s.CreatedAt
}

func (m *Manager) GrantConsent(ctx context.Context, id uuid.UUID, sourceAddress string) (*domain.Session, error) {
	return m.mutate(ctx, id, "consent", func(s *domain.Session, now time.Time) error {
		if s.Status.IsTerminal() {
			return stateError("cannot change consent of a finished session", s)
		}
		s.Consent = domain.Consent{Given: true, Timestamp: domain.TimePtr(now), SourceAddress: sourceAddress}
		return nil
	})
}

func (m *Manager) Activate(ctx context.Context, id uuid.UUID) (*domain.Session, error) {
	return m.mutate(ctx, id, "activate", func(s *domain.Session, now time.Time) error {
		switch {
		case s.Status != domain.SessionPending:
			return precondition("session is not pending", s)
		case !s.Consent.Given:
			return precondition("consent is required before activation", s)
		case now.Before(s.StartDate) || now.After(s.EndDate):
			return precondition("session can only be activated between its start and end dates", s)
		}
		s.Status = domain.SessionActive
		s.ActivatedAt = domain.TimePtr(now)
		s.LastActivityAt = domain.TimePtr(now)
		return nil
	})
}

func (m *Manager) Complete(ctx context.Context, id uuid.UUID) (*domain.Session, error) {
	return m.mutate(ctx, id, "complete", func(s *domain.Session, now time.Time) error {
		if s.Status != domain.SessionActive {
			return stateError("only an active session can be completed", s)
		}
		s.Status = domain.SessionCompleted
		s.CompletedAt = domain.TimePtr(now)
		return nil
	})
}

func (m *Manager) Terminate(ctx context.Context, id uuid.UUID, reason string) (*domain.Session, error) {
	return m.mutate(ctx, id, "terminate", func(s *domain.Session, now time.Time) error {
		if !s.Status.IsOpen() {
			return stateError("only a pending or active session can be terminated", s)
		}
		s.Status = domain.SessionTerminated
		s.TerminatedAt = domain.TimePtr(now)
		s.TerminationReason = reason
		return nil
	})
}

// Expire is driven by the scheduler once a session outlives its end date.
func (m *Manager) Expire(ctx context.Context, id uuid.UUID) (*domain.Session, error) {
	return m.mutate(ctx, id, "expire", func(s *domain.Session, now time.Time) error {
		if s.Status != domain.SessionActive {
			return stateError("only an active session can expire", s)
		}
		if !now.After(s.EndDate) {
			return stateError("session has not reached its end date", s)
		}
		s.Status = domain.SessionExpired
		s.ExpiredAt = domain.TimePtr(now)
		return nil
	})
}

func (m *Manager) RecordActivity(ctx context.Context, id uuid.UUID) (*domain.Session, error) {
	return m.mutate(ctx, id, "activity", func(s *domain.Session, now time.Time) error {
		if s.Status.IsTerminal() {
			return stateError("session is finished", s)
		}
		s.LastActivityAt = domain.TimePtr(now)
		return nil
	})
}

func (m *Manager) RecordLocation(ctx context.Context, id uuid.UUID) (*domain.Session, error) {
	return m.mutate(ctx, id, "location", func(s *domain.Session, now time.Time) error {
		if s.Status.IsTerminal() {
			return stateError("session is finished", s)
		}
		s.LastLocationAt = domain.TimePtr(now)
		return nil
	})
}

// IncrementAlertCount records one more manually raised alert.
func (m *Manager) IncrementAlertCount(ctx context.Context, id uuid.UUID) (*domain.Session, error) {
	return m.mutate(ctx, id, "alert_count", func(s *domain.Session, _ time.Time) error {
		s.AlertCount++
		return nil
	})
}

// mutate loads the session, applies fn and writes it back, retrying on a
// version conflict so fn always judges the latest state.
func (m *Manager) mutate(ctx context.Context, id uuid.UUID, op string, fn func(*domain.Session, time.Time) error) (*domain.Session, error) {
	var lastErr error
	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		s, err := m.sessions.GetSession(ctx, id)
		if err != nil {
			return nil, err
		}
		from := s.Status
		now := m.clock.Now()
		if err := fn(s, now); err != nil {
			return nil, err
		}
		s.UpdatedAt = now

		err = m.sessions.UpdateSession(ctx, s)
		if err == nil {
			if from != s.Status {
				m.log.Info("session transition",
					zap.Stringer("session_id", s.ID),
					zap.String("op", op),
					zap.String("from", string(from)),
					zap.String("to", string(s.Status)),
				)
			}
			return s, nil
		}
		if !errors.Is(err, errs.ErrConflict) {
			return nil, err
		}
		lastErr = err
		m.log.Debug("session write conflict, retrying", zap.Stringer("session_id", id), zap.String("op", op))
	}
	return nil, lastErr
}

func stateError(msg string, s *domain.Session) error {
	return errs.New(errs.KindInvalidState, msg).
		WithContext("session_id", s.ID.String()).
		WithContext("status", string(s.Status))
}

func precondition(msg string, s *domain.Session) error {
	return errs.New(errs.KindPreconditionFailed, msg).
		WithContext("session_id", s.ID.String()).
		WithContext("status", string(s.Status))
}
