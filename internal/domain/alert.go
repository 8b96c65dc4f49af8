package domain

import (
	"time"

	"github.com/google/uuid"
)

type AlertType string

const (
	AlertInactivity         AlertType = "inactivity"
	AlertGeofenceBreach     AlertType = "geo_fence_breach"
	AlertPanic              AlertType = "panic"
	AlertDeviceOffline      AlertType = "device_offline"
	AlertLowBattery         AlertType = "low_battery"
	AlertRapidMovement      AlertType = "rapid_movement"
	AlertSuspiciousLocation AlertType = "suspicious_location"
	AlertMissedCheckin      AlertType = "missed_checkin"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityLadder = []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}

// Rank is the ladder position, or -1 for an unknown severity.
func (s Severity) Rank() int {
	for i, v := range severityLadder {
		if v == s {
			return i
		}
	}
	return -1
}

func (s Severity) Valid() bool { return s.Rank() >= 0 }

// Above reports whether s is strictly higher than other.
func (s Severity) Above(other Severity) bool {
	return s.Valid() && s.Rank() > other.Rank()
}

// Next returns the severity one step up, false at the top of the ladder.
func (s Severity) Next() (Severity, bool) {
	r := s.Rank()
	if r < 0 || r == len(severityLadder)-1 {
		return s, false
	}
	return severityLadder[r+1], true
}

type AlertStatus string

const (
	AlertCreated       AlertStatus = "created"
	AlertAcknowledged  AlertStatus = "acknowledged"
	AlertInvestigating AlertStatus = "investigating"
	AlertResolved      AlertStatus = "resolved"
	AlertFalseAlarm    AlertStatus = "false_alarm"
)

func (s AlertStatus) IsTerminal() bool {
	return s == AlertResolved || s == AlertFalseAlarm
}

func (s AlertStatus) Valid() bool {
	switch s {
	case AlertCreated, AlertAcknowledged, AlertInvestigating, AlertResolved, AlertFalseAlarm:
		return true
	}
	return false
}

var alertTransitions = map[AlertStatus][]AlertStatus{
	AlertCreated:       {AlertAcknowledged, AlertInvestigating},
	AlertAcknowledged:  {AlertInvestigating, AlertResolved, AlertFalseAlarm},
	AlertInvestigating: {AlertResolved, AlertFalseAlarm},
}

func CanTransition(from, to AlertStatus) bool {
	for _, s := range alertTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type ResolutionOutcome string

const (
	OutcomeSafe                   ResolutionOutcome = "safe"
	OutcomeAssisted               ResolutionOutcome = "assisted"
	OutcomeFalseAlarm             ResolutionOutcome = "false_alarm"
	OutcomeEscalatedToAuthorities ResolutionOutcome = "escalated_to_authorities"
	OutcomeOther                  ResolutionOutcome = "other"
)

func (o ResolutionOutcome) Valid() bool {
	switch o {
	case OutcomeSafe, OutcomeAssisted, OutcomeFalseAlarm, OutcomeEscalatedToAuthorities, OutcomeOther:
		return true
	}
	return false
}

type Channel string

const (
	ChannelEmail  Channel = "email"
	ChannelSMS    Channel = "sms"
	ChannelPush   Channel = "push"
	ChannelSocket Channel = "socket"
)

// SystemActor attributes changes made by scheduled sweeps.
const SystemActor = "system"

const DefaultEscalateAfterMinutes = 30

type LastKnownLocation struct {
	Point      Point     `json:"point"`
	RecordedAt time.Time `json:"recordedAt"`
}

type AlertContext struct {
	LastKnownLocation *LastKnownLocation `json:"lastKnownLocation,omitempty"`
	Battery           *int               `json:"battery,omitempty"`
	NetworkStatus     string             `json:"networkStatus,omitempty"`
	FenceName         string             `json:"fenceName,omitempty"`
	FenceKind         FenceKind          `json:"fenceType,omitempty"`
	ViolationType     string             `json:"violationType,omitempty"`
}

type EscalationEntry struct {
	From   Severity  `json:"from"`
	To     Severity  `json:"to"`
	Reason string    `json:"reason"`
	By     string    `json:"by"`
	At     time.Time `json:"at"`
}

type StatusEntry struct {
	From  AlertStatus `json:"from"`
	To    AlertStatus `json:"to"`
	By    string      `json:"by"`
	Notes string      `json:"notes,omitempty"`
	At    time.Time   `json:"at"`
}

type Resolution struct {
	Outcome    ResolutionOutcome `json:"outcome"`
	Notes      string            `json:"notes,omitempty"`
	ResolvedBy string            `json:"resolvedBy"`
}

type AutoEscalate struct {
	Enabled      bool `json:"enabled"`
	AfterMinutes int  `json:"afterMinutes"`
	HasEscalated bool `json:"hasEscalated"`
}

// Notification records intent to notify; delivery happens elsewhere.
type Notification struct {
	Recipient string    `json:"recipient"`
	Channel   Channel   `json:"channel"`
	At        time.Time `json:"sentAt"`
}

type Alert struct {
	ID        uuid.UUID `json:"id"`
	SessionID uuid.UUID `json:"sessionId"`
	TouristID string    `json:"touristId"`

	Type        AlertType   `json:"alertType"`
	Severity    Severity    `json:"severity"`
	Status      AlertStatus `json:"status"`
	Description string      `json:"description"`

	DetectedAt     time.Time  `json:"detectedAt"`
	AcknowledgedAt *time.Time `json:"acknowledgedAt,omitempty"`
	ResolvedAt     *time.Time `json:"resolvedAt,omitempty"`

	AssignedOfficer string     `json:"assignedOfficer,omitempty"`
	AssignedAt      *time.Time `json:"assignedAt,omitempty"`

	Location *Point       `json:"location,omitempty"`
	Context  AlertContext `json:"context"`

	EscalationHistory []EscalationEntry `json:"escalationHistory"`
	StatusHistory     []StatusEntry     `json:"statusHistory"`
	Resolution        *Resolution       `json:"resolution,omitempty"`
	AutoEscalate      AutoEscalate      `json:"autoEscalate"`
	Notifications     []Notification    `json:"notificationsSent"`

	// DedupKey is empty for alerts exempt from deduplication.
	DedupKey string `json:"-"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Version   int64     `json:"version"`
}

func (a *Alert) IsOpen() bool { return !a.Status.IsTerminal() }

// DedupKeyFor identifies "the same ongoing problem" within a session.
func DedupKeyFor(t AlertType, fenceName string) string {
	switch t {
	case AlertPanic:
		return ""
	case AlertGeofenceBreach:
		return string(t) + ":" + fenceName
	default:
		return string(t)
	}
}

func (a *Alert) Clone() *Alert {
	if a == nil {
		return nil
	}
	c := *a
	c.AcknowledgedAt = cloneTime(a.AcknowledgedAt)
	c.ResolvedAt = cloneTime(a.ResolvedAt)
	c.AssignedAt = cloneTime(a.AssignedAt)
	if a.Location != nil {
		p := *a.Location
		c.Location = &p
	}
	if a.Context.LastKnownLocation != nil {
		l := *a.Context.LastKnownLocation
		c.Context.LastKnownLocation = &l
	}
	if a.Context.Battery != nil {
		b := *a.Context.Battery
		c.Context.Battery = &b
	}
	if a.Resolution != nil {
		r := *a.Resolution
		c.Resolution = &r
	}
	c.EscalationHistory = append([]EscalationEntry(nil), a.EscalationHistory...)
	c.StatusHistory = append([]StatusEntry(nil), a.StatusHistory...)
	c.Notifications = append([]Notification(nil), a.Notifications...)
	return &c
}

// EscalationDue reports whether the scheduler should step a up the
// severity ladder at now.
func (a *Alert) EscalationDue(now time.Time) bool {
	if a.Status != AlertCreated && a.Status != AlertAcknowledged {
		return false
	}
	if !a.AutoEscalate.Enabled || a.AutoEscalate.HasEscalated {
		return false
	}
	after := a.AutoEscalate.AfterMinutes
	if after <= 0 {
		after = DefaultEscalateAfterMinutes
	}
	return a.DetectedAt.Before(now.Add(-time.Duration(after) * time.Minute))
}
