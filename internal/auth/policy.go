// Package auth holds the single authorization table consulted before any
// core operation, and the device-key authenticator that produces
// principals for mobile uploads.
package auth

import (
	"tourist-safety/monitor/internal/errs"
)

type Role string

const (
	RoleTourist Role = "tourist"
	RolePolice  Role = "police"
	RoleAdmin   Role = "admin"
	RoleSystem  Role = "system"
)

func (r Role) Valid() bool {
	_, ok := policy[r]
	return ok
}

// Principal is a verified caller.
type Principal struct {
	UserID string
	Role   Role
}

type Action string

const (
	ActionCreateSession     Action = "session.create"
	ActionGrantConsent      Action = "session.consent"
	ActionActivateSession   Action = "session.activate"
	ActionCompleteSession   Action = "session.complete"
	ActionTerminateSession  Action = "session.terminate"
	ActionExpireSession     Action = "session.expire"
	ActionViewSession       Action = "session.view"
	ActionListActiveSession Action = "session.list_active"
	ActionRecordActivity    Action = "session.activity"
	ActionIngestLocations   Action = "location.ingest"
	ActionTriggerPanic      Action = "alert.panic"
	ActionViewAlert         Action = "alert.view"
	ActionViewAlertStats    Action = "alert.stats"
	ActionAssignAlert       Action = "alert.assign"
	ActionUpdateAlertStatus Action = "alert.status"
	ActionResolveAlert      Action = "alert.resolve"
	ActionEscalateAlert     Action = "alert.escalate"
	ActionRunSweep          Action = "sweep.run"
)

var policy = map[Role]map[Action]bool{
	RoleTourist: {
		ActionCreateSession:    true,
		ActionGrantConsent:     true,
		ActionActivateSession:  true,
		ActionCompleteSession:  true,
		ActionTerminateSession: true,
		ActionViewSession:      true,
		ActionRecordActivity:   true,
		ActionIngestLocations:  true,
		ActionTriggerPanic:     true,
		ActionViewAlert:        true,
	},
	RolePolice: {
		ActionViewSession:       true,
		ActionListActiveSession: true,
		ActionViewAlert:         true,
		ActionViewAlertStats:    true,
		ActionAssignAlert:       true,
		ActionUpdateAlertStatus: true,
		ActionResolveAlert:      true,
		ActionEscalateAlert:     true,
	},
	RoleAdmin: {
		ActionTerminateSession:  true,
		ActionExpireSession:     true,
		ActionViewSession:       true,
		ActionListActiveSession: true,
		ActionViewAlert:         true,
		ActionViewAlertStats:    true,
		ActionAssignAlert:       true,
		ActionUpdateAlertStatus: true,
		ActionResolveAlert:      true,
		ActionEscalateAlert:     true,
		ActionRunSweep:          true,
	},
	RoleSystem: {
		ActionExpireSession: true,
		ActionEscalateAlert: true,
		ActionRunSweep:      true,
	},
}

// Allowed reports the table decision for (role, action). Unknown pairs
// are denied.
func Allowed(role Role, action Action) bool {
	return policy[role][action]
}

// Authorize returns errs.KindForbidden when p may not perform action.
func Authorize(p Principal, action Action) error {
	if p.UserID == "" || !Allowed(p.Role, action) {
		return errs.New(errs.KindForbidden, "action not permitted").
			WithContext("role", string(p.Role)).
			WithContext("action", string(action))
	}
	return nil
}

// ScopedToOwner reports whether role may only act on its own sessions.
func ScopedToOwner(role Role) bool {
	return role == RoleTourist
}
