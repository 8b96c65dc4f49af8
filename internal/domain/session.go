package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"
)

type SessionStatus string

const (
	SessionPending    SessionStatus = "pending"
	SessionActive     SessionStatus = "active"
	SessionCompleted  SessionStatus = "completed"
	SessionExpired    SessionStatus = "expired"
	SessionTerminated SessionStatus = "terminated"
)

func (s SessionStatus) IsTerminal() bool {
	return s == SessionCompleted || s == SessionExpired || s == SessionTerminated
}

// IsOpen reports whether the status counts toward the one-open-session
// per tourist limit.
func (s SessionStatus) IsOpen() bool {
	return s == SessionPending || s == SessionActive
}

const (
	DefaultCheckInInterval     = 60  // minutes
	DefaultInactivityThreshold = 120 // minutes
)

type Consent struct {
	Given         bool       `json:"given"`
	Timestamp     *time.Time `json:"timestamp,omitempty"`
	SourceAddress string     `json:"sourceAddress,omitempty"`
}

type EmergencyContact struct {
	Name         string `json:"name" validate:"required,max=100"`
	Relationship string `json:"relationship" validate:"max=50"`
	Phone        string `json:"phone" validate:"required,e164"`
	Email        string `json:"email" validate:"omitempty,email"`
	IsPrimary    bool   `json:"isPrimary"`
}

type Session struct {
	ID          uuid.UUID     `json:"id"`
	TouristID   string        `json:"touristId"`
	Destination string        `json:"destination"`
	Description string        `json:"description,omitempty"`
	StartDate   time.Time     `json:"startDate"`
	EndDate     time.Time     `json:"endDate"`
	Status      SessionStatus `json:"status"`
	Consent     Consent       `json:"consent"`

	Geofences         []Geofence         `json:"geoFences"`
	EmergencyContacts []EmergencyContact `json:"emergencyContacts"`

	CheckInInterval     int `json:"checkInInterval"`
	InactivityThreshold int `json:"inactivityThreshold"`

	LastActivityAt *time.Time `json:"lastActivityAt,omitempty"`
	LastLocationAt *time.Time `json:"lastLocationAt,omitempty"`
	ActivatedAt    *time.Time `json:"activatedAt,omitempty"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
	ExpiredAt      *time.Time `json:"expiredAt,omitempty"`
	TerminatedAt   *time.Time `json:"terminatedAt,omitempty"`

	TerminationReason string `json:"terminationReason,omitempty"`
	AlertCount        int    `json:"alertCount"`
	IntegrityHash     string `json:"sessionHash"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Version   int64     `json:"version"`
}

func (s *Session) OwnedBy(touristID string) bool {
	return touristID != "" && s.TouristID == touristID
}

// LastSeen is the later of the last activity and last location event.
func (s *Session) LastSeen() *time.Time {
	switch {
	case s.LastActivityAt == nil:
		return s.LastLocationAt
	case s.LastLocationAt == nil:
		return s.LastActivityAt
	case s.LastLocationAt.After(*s.LastActivityAt):
		return s.LastLocationAt
	default:
		return s.LastActivityAt
	}
}

// InactivityLimit returns the configured threshold, or def when unset.
func (s *Session) InactivityLimit(def time.Duration) time.Duration {
	if s.InactivityThreshold > 0 {
		return time.Duration(s.InactivityThreshold) * time.Minute
	}
	return def
}

// ComputeIntegrityHash digests the fields fixed at creation.
func (s *Session) ComputeIntegrityHash() string {
	parts := []string{
		s.ID.String(),
		s.TouristID,
		s.Destination,
		s.StartDate.UTC().Format(time.RFC3339Nano),
		s.EndDate.UTC().Format(time.RFC3339Nano),
		s.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Consent.Timestamp = cloneTime(s.Consent.Timestamp)
	c.Geofences = make([]Geofence, len(s.Geofences))
	for i, g := range s.Geofences {
		c.Geofences[i] = g.Clone()
	}
	c.EmergencyContacts = append([]EmergencyContact(nil), s.EmergencyContacts...)
	c.LastActivityAt = cloneTime(s.LastActivityAt)
	c.LastLocationAt = cloneTime(s.LastLocationAt)
	c.ActivatedAt = cloneTime(s.ActivatedAt)
	c.CompletedAt = cloneTime(s.CompletedAt)
	c.ExpiredAt = cloneTime(s.ExpiredAt)
	c.TerminatedAt = cloneTime(s.TerminatedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// TimePtr returns a pointer to a copy of t.
func TimePtr(t time.Time) *time.Time {
	return &t
}
