// Package store holds the persistence contracts of the monitoring core and
// their implementations: an in-process Memory store, a pgx-backed Postgres
// store and Redis/in-process last-known-position caches.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"tourist-safety/monitor/internal/domain"
	"tourist-safety/monitor/internal/errs"
)

// SessionStore persists sessions. Updates are compare-and-set on Version:
// UpdateSession succeeds only when the stored version equals s.Version and
// then increments s.Version.
type SessionStore interface {
	// CreateSession fails with errs.KindConflict when the tourist already
	// has a pending or active session.
	CreateSession(ctx context.Context, s *domain.Session) error
	GetSession(ctx context.Context, id uuid.UUID) (*domain.Session, error)
	// FindOpenSession returns nil, nil when the tourist has no pending or
	// active session.
	FindOpenSession(ctx context.Context, touristID string) (*domain.Session, error)
	UpdateSession(ctx context.Context, s *domain.Session) error
	// ListSessionsByTourist returns every session of one tourist, newest
	// first.
	ListSessionsByTourist(ctx context.Context, touristID string) ([]*domain.Session, error)
	ListActiveSessions(ctx context.Context) ([]*domain.Session, error)
	// ListExpirable returns active sessions whose end date is before now.
	ListExpirable(ctx context.Context, now time.Time) ([]*domain.Session, error)
}

type SampleStore interface {
	InsertSamples(ctx context.Context, samples []*domain.LocationSample) error
	// LatestSample returns the sample with the greatest RecordedAt, or nil.
	LatestSample(ctx context.Context, sessionID uuid.UUID) (*domain.LocationSample, error)
	// LatestUpload returns the most recent UploadedAt; ok is false when the
	// session has no samples.
	LatestUpload(ctx context.Context, sessionID uuid.UUID) (at time.Time, ok bool, err error)
	// ListSamples returns samples in persisted order.
	ListSamples(ctx context.Context, sessionID uuid.UUID) ([]*domain.LocationSample, error)
	// QuerySamples returns samples inside q's window, newest RecordedAt
	// first, at most q's limit.
	QuerySamples(ctx context.Context, sessionID uuid.UUID, q SampleQuery) ([]*domain.LocationSample, error)
}

type AlertStore interface {
	// InsertAlert stores a without a dedup check.
	InsertAlert(ctx context.Context, a *domain.Alert) error
	// InsertAlertIfNoneOpen stores a unless an open alert with the same
	// session and dedup key exists. The check and insert are atomic.
	InsertAlertIfNoneOpen(ctx context.Context, a *domain.Alert) (bool, error)
	GetAlert(ctx context.Context, id uuid.UUID) (*domain.Alert, error)
	UpdateAlert(ctx context.Context, a *domain.Alert) error
	// ListOpenAlerts returns open alerts for one session, or for all
	// sessions when sessionID is uuid.Nil.
	ListOpenAlerts(ctx context.Context, sessionID uuid.UUID) ([]*domain.Alert, error)
	// ListEscalationCandidates returns created or acknowledged alerts with
	// auto-escalation enabled, not yet escalated, detected more than their
	// AfterMinutes before now.
	ListEscalationCandidates(ctx context.Context, now time.Time) ([]*domain.Alert, error)
	// ListAlerts returns alerts matching f, most severe first and newest
	// first within a severity, at most f's limit.
	ListAlerts(ctx context.Context, f AlertFilter) ([]*domain.Alert, error)
	AlertStatistics(ctx context.Context, from, to time.Time) (*domain.AlertStats, error)
}

// PositionCache holds the last known position per tourist.
type PositionCache interface {
	// UpdatePosition stores pos only if it is strictly newer than the
	// cached entry's RecordedAt. It reports whether pos was applied.
	UpdatePosition(ctx context.Context, pos domain.Position) (bool, error)
	// GetPosition returns nil, nil on a miss.
	GetPosition(ctx context.Context, touristID string) (*domain.Position, error)
}

type Store interface {
	SessionStore
	SampleStore
	AlertStore
}

const (
	DefaultSampleLimit = 100
	MaxSampleLimit     = 1000
	DefaultAlertLimit  = 100
	MaxAlertLimit      = 500
)

// SampleQuery bounds a location history read. Zero times leave that end
// of the window open.
type SampleQuery struct {
	From  time.Time
	To    time.Time
	Limit int
}

func (q SampleQuery) matches(at time.Time) bool {
	return (q.From.IsZero() || !at.Before(q.From)) && (q.To.IsZero() || !at.After(q.To))
}

func (q SampleQuery) limit() int {
	return clampLimit(q.Limit, DefaultSampleLimit, MaxSampleLimit)
}

// AlertFilter selects alerts. Zero fields match everything; Statuses
// matches any of the listed statuses.
type AlertFilter struct {
	TouristID       string
	SessionID       uuid.UUID
	AssignedOfficer string
	Statuses        []domain.AlertStatus
	Severity        domain.Severity
	Type            domain.AlertType
	Limit           int
}

func (f AlertFilter) matches(a *domain.Alert) bool {
	switch {
	case f.TouristID != "" && a.TouristID != f.TouristID:
		return false
	case f.SessionID != uuid.Nil && a.SessionID != f.SessionID:
		return false
	case f.AssignedOfficer != "" && a.AssignedOfficer != f.AssignedOfficer:
		return false
	case f.Severity != "" && a.Severity != f.Severity:
		return false
	case f.Type != "" && a.Type != f.Type:
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, st := range f.Statuses {
		if a.Status == st {
			return true
		}
	}
	return false
}

func (f AlertFilter) limit() int {
	return clampLimit(f.Limit, DefaultAlertLimit, MaxAlertLimit)
}

func clampLimit(n, def, ceiling int) int {
	switch {
	case n <= 0:
		return def
	case n > ceiling:
		return ceiling
	}
	return n
}

func sessionNotFound(id uuid.UUID) error {
	return errs.New(errs.KindNotFound, "session not found").WithContext("session_id", id.String())
}

func alertNotFound(id uuid.UUID) error {
	return errs.New(errs.KindNotFound, "alert not found").WithContext("alert_id", id.String())
}

func versionConflict(entity string, id uuid.UUID) error {
	return errs.New(errs.KindConflict, entity+" was modified concurrently").WithContext("id", id.String())
}

func openSessionExists(touristID string) error {
	return errs.New(errs.KindConflict, "tourist already has an open session").WithContext("tourist_id", touristID)
}
