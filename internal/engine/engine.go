// Package engine is the entry point collaborators call. Every operation
// is checked against the role/action table, and tourists are held to
// their own sessions, before the core runs.
package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tourist-safety/monitor/internal/alert"
	"tourist-safety/monitor/internal/auth"
	"tourist-safety/monitor/internal/domain"
	"tourist-safety/monitor/internal/errs"
	"tourist-safety/monitor/internal/pipeline"
	"tourist-safety/monitor/internal/scheduler"
	"tourist-safety/monitor/internal/session"
	"tourist-safety/monitor/internal/store"
)

type Components struct {
	Sessions      *session.Manager
	Alerts        *alert.Manager
	Pipeline      *pipeline.Pipeline
	Scheduler     *scheduler.Scheduler
	Positions     store.PositionCache
	Authenticator *auth.Authenticator
}

type Engine struct {
	c   Components
	log *zap.Logger
}

func New(c Components, log *zap.Logger) *Engine {
	return &Engine{c: c, log: log.Named("engine")}
}

// DeviceLogin resolves a device API key to the principal it acts as.
func (e *Engine) DeviceLogin(ctx context.Context, apiKey string) (auth.Principal, error) {
	p, err := e.c.Authenticator.Authenticate(ctx, apiKey)
	if err != nil {
		e.log.Warn("device login rejected", zap.Error(err))
		return auth.Principal{}, err
	}
	return p, nil
}

func (e *Engine) CreateSession(ctx context.Context, p auth.Principal, req session.CreateRequest) (*domain.Session, error) {
	if err := auth.Authorize(p, auth.ActionCreateSession); err != nil {
		return nil, err
	}
	return e.c.Sessions.Create(ctx, p.UserID, req)
}

func (e *Engine) GetSession(ctx context.Context, p auth.Principal, id uuid.UUID) (*domain.Session, error) {
	return e.session(ctx, p, auth.ActionViewSession, id)
}

// ActiveSession returns the caller's pending or active session, or nil.
func (e *Engine) ActiveSession(ctx context.Context, p auth.Principal) (*domain.Session, error) {
	if err := auth.Authorize(p, auth.ActionViewSession); err != nil {
		return nil, err
	}
	return e.c.Sessions.ActiveForTourist(ctx, p.UserID)
}

func (e *Engine) GrantConsent(ctx context.Context, p auth.Principal, id uuid.UUID, sourceAddress string) (*domain.Session, error) {
	if _, err := e.session(ctx, p, auth.ActionGrantConsent, id); err != nil {
		return nil, err
	}
	return e.c.Sessions.GrantConsent(ctx, id, sourceAddress)
}

func (e *Engine) ActivateSession(ctx context.Context, p auth.Principal, id uuid.UUID) (*domain.Session, error) {
	if _, err := e.session(ctx, p, auth.ActionActivateSession, id); err != nil {
		return nil, err
	}
	return e.c.Sessions.Activate(ctx, id)
}

func (e *Engine) CompleteSession(ctx context.Context, p auth.Principal, id uuid.UUID) (*domain.Session, error) {
	if _, err := e.session(ctx, p, auth.ActionCompleteSession, id); err != nil {
		return nil, err
	}
	return e.c.Sessions.Complete(ctx, id)
}

func (e *Engine) TerminateSession(ctx context.Context, p auth.Principal, id uuid.UUID, reason string) (*domain.Session, error) {
	if _, err := e.session(ctx, p, auth.ActionTerminateSession, id); err != nil {
		return nil, err
	}
	return e.c.Sessions.Terminate(ctx, id, reason)
}

// ExpireSession expires an active session past its end date without
// waiting for the expiry sweep.
func (e *Engine) ExpireSession(ctx context.Context, p auth.Principal, id uuid.UUID) (*domain.Session, error) {
	if _, err := e.session(ctx, p, auth.ActionExpireSession, id); err != nil {
		return nil, err
	}
	e.log.Info("manual expiry", zap.String("session_id", id.String()), zap.String("by", p.UserID))
	return e.c.Sessions.Expire(ctx, id)
}

// SessionHistory lists a tourist's sessions, newest first. Tourists only
// see their own and may leave touristID empty; staff must name one.
func (e *Engine) SessionHistory(ctx context.Context, p auth.Principal, touristID string) ([]*domain.Session, error) {
	if err := auth.Authorize(p, auth.ActionViewSession); err != nil {
		return nil, err
	}
	if auth.ScopedToOwner(p.Role) {
		if touristID != "" && touristID != p.UserID {
			return nil, forbidden(p, auth.ActionViewSession).WithContext("tourist_id", touristID)
		}
		touristID = p.UserID
	}
	return e.c.Sessions.History(ctx, touristID)
}

func (e *Engine) ListActiveSessions(ctx context.Context, p auth.Principal) ([]*domain.Session, error) {
	if err := auth.Authorize(p, auth.ActionListActiveSession); err != nil {
		return nil, err
	}
	return e.c.Sessions.ListActive(ctx)
}

func (e *Engine) RecordActivity(ctx context.Context, p auth.Principal, id uuid.UUID) (*domain.Session, error) {
	if _, err := e.session(ctx, p, auth.ActionRecordActivity, id); err != nil {
		return nil, err
	}
	return e.c.Sessions.RecordActivity(ctx, id)
}

// IngestLocations hands a device upload to the pipeline, which enforces
// ownership itself.
func (e *Engine) IngestLocations(ctx context.Context, p auth.Principal, id uuid.UUID, samples []pipeline.SampleInput) (*pipeline.BatchResult, error) {
	if err := auth.Authorize(p, auth.ActionIngestLocations); err != nil {
		return nil, err
	}
	return e.c.Pipeline.IngestBatch(ctx, p.UserID, id, samples)
}

// LastPosition returns the cached position of the session's tourist, or
// nil when none is known.
func (e *Engine) LastPosition(ctx context.Context, p auth.Principal, id uuid.UUID) (*domain.Position, error) {
	s, err := e.session(ctx, p, auth.ActionViewSession, id)
	if err != nil {
		return nil, err
	}
	return e.c.Positions.GetPosition(ctx, s.TouristID)
}

// LocationHistory returns a session's stored samples, newest first.
func (e *Engine) LocationHistory(ctx context.Context, p auth.Principal, id uuid.UUID, q store.SampleQuery) ([]*domain.LocationSample, error) {
	if _, err := e.session(ctx, p, auth.ActionViewSession, id); err != nil {
		return nil, err
	}
	return e.c.Pipeline.History(ctx, id, q)
}

func (e *Engine) TriggerPanic(ctx context.Context, p auth.Principal, id uuid.UUID, req alert.PanicRequest) (*domain.Alert, error) {
	if err := auth.Authorize(p, auth.ActionTriggerPanic); err != nil {
		return nil, err
	}
	return e.c.Alerts.CreateFromPanic(ctx, p.UserID, id, req)
}

func (e *Engine) GetAlert(ctx context.Context, p auth.Principal, id uuid.UUID) (*domain.Alert, error) {
	return e.alert(ctx, p, auth.ActionViewAlert, id)
}

// ListOpenAlerts lists open alerts of one session. Staff may pass
// uuid.Nil to list every open alert.
func (e *Engine) ListOpenAlerts(ctx context.Context, p auth.Principal, sessionID uuid.UUID) ([]*domain.Alert, error) {
	if err := auth.Authorize(p, auth.ActionViewAlert); err != nil {
		return nil, err
	}
	if auth.ScopedToOwner(p.Role) {
		if sessionID == uuid.Nil {
			return nil, forbidden(p, auth.ActionViewAlert)
		}
		if _, err := e.session(ctx, p, auth.ActionViewAlert, sessionID); err != nil {
			return nil, err
		}
	}
	return e.c.Alerts.ListOpen(ctx, sessionID)
}

// AlertQuery narrows ListAlerts. An empty Status means every status for
// tourists and admins, and the open statuses for police.
type AlertQuery struct {
	Status       domain.AlertStatus
	Severity     domain.Severity
	Type         domain.AlertType
	SessionID    uuid.UUID
	AssignedToMe bool
	Limit        int
}

var openStatuses = []domain.AlertStatus{
	domain.AlertCreated,
	domain.AlertAcknowledged,
	domain.AlertInvestigating,
}

// ListAlerts lists alerts visible to the caller, most severe first.
// Tourists see only alerts raised on their own sessions.
func (e *Engine) ListAlerts(ctx context.Context, p auth.Principal, q AlertQuery) ([]*domain.Alert, error) {
	if err := auth.Authorize(p, auth.ActionViewAlert); err != nil {
		return nil, err
	}
	f := store.AlertFilter{
		SessionID: q.SessionID,
		Severity:  q.Severity,
		Type:      q.Type,
		Limit:     q.Limit,
	}
	if q.Status != "" {
		f.Statuses = []domain.AlertStatus{q.Status}
	}
	switch {
	case auth.ScopedToOwner(p.Role):
		f.TouristID = p.UserID
	case q.AssignedToMe:
		f.AssignedOfficer = p.UserID
		if q.Status == "" {
			f.Statuses = openStatuses
		}
	case p.Role == auth.RolePolice && q.Status == "":
		f.Statuses = openStatuses
	}
	return e.c.Alerts.List(ctx, f)
}

// AlertStatistics summarises alerts detected between from and to. Zero
// bounds fall back to the last thirty days.
func (e *Engine) AlertStatistics(ctx context.Context, p auth.Principal, from, to time.Time) (*domain.AlertStats, error) {
	if err := auth.Authorize(p, auth.ActionViewAlertStats); err != nil {
		return nil, err
	}
	return e.c.Alerts.Statistics(ctx, from, to)
}

// AssignAlert assigns to officerID, or to the caller when it is empty.
func (e *Engine) AssignAlert(ctx context.Context, p auth.Principal, id uuid.UUID, officerID string) (*domain.Alert, error) {
	if err := auth.Authorize(p, auth.ActionAssignAlert); err != nil {
		return nil, err
	}
	if officerID == "" {
		officerID = p.UserID
	}
	return e.c.Alerts.Assign(ctx, id, officerID)
}

func (e *Engine) UpdateAlertStatus(ctx context.Context, p auth.Principal, id uuid.UUID, to domain.AlertStatus, notes string) (*domain.Alert, error) {
	if err := auth.Authorize(p, auth.ActionUpdateAlertStatus); err != nil {
		return nil, err
	}
	return e.c.Alerts.UpdateStatus(ctx, id, to, p.UserID, notes)
}

func (e *Engine) ResolveAlert(ctx context.Context, p auth.Principal, id uuid.UUID, outcome domain.ResolutionOutcome, notes string) (*domain.Alert, error) {
	if err := auth.Authorize(p, auth.ActionResolveAlert); err != nil {
		return nil, err
	}
	return e.c.Alerts.Resolve(ctx, id, outcome, notes, p.UserID)
}

func (e *Engine) EscalateAlert(ctx context.Context, p auth.Principal, id uuid.UUID, to domain.Severity, reason string) (*domain.Alert, error) {
	if err := auth.Authorize(p, auth.ActionEscalateAlert); err != nil {
		return nil, err
	}
	return e.c.Alerts.Escalate(ctx, id, to, reason, p.UserID)
}

// RunSweep runs one scheduler job immediately and reports how many
// records it changed.
func (e *Engine) RunSweep(ctx context.Context, p auth.Principal, job string) (int, error) {
	if err := auth.Authorize(p, auth.ActionRunSweep); err != nil {
		return 0, err
	}
	e.log.Info("manual sweep", zap.String("job", job), zap.String("by", p.UserID))
	switch job {
	case scheduler.JobExpiry:
		return e.c.Scheduler.RunExpirySweep(ctx)
	case scheduler.JobEscalation:
		return e.c.Scheduler.RunEscalationSweep(ctx)
	case scheduler.JobAnomaly:
		report, err := e.c.Scheduler.RunAnomalySweep(ctx)
		total := 0
		for _, n := range report.Created {
			total += n
		}
		return total, err
	}
	return 0, errs.Newf(errs.KindValidation, "unknown sweep %q", job)
}

// session authorizes action and loads the session, holding tourists to
// their own.
func (e *Engine) session(ctx context.Context, p auth.Principal, action auth.Action, id uuid.UUID) (*domain.Session, error) {
	if err := auth.Authorize(p, action); err != nil {
		return nil, err
	}
	s, err := e.c.Sessions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if auth.ScopedToOwner(p.Role) && !s.OwnedBy(p.UserID) {
		return nil, forbidden(p, action).WithContext("session_id", id.String())
	}
	return s, nil
}

func (e *Engine) alert(ctx context.Context, p auth.Principal, action auth.Action, id uuid.UUID) (*domain.Alert, error) {
	if err := auth.Authorize(p, action); err != nil {
		return nil, err
	}
	a, err := e.c.Alerts.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if auth.ScopedToOwner(p.Role) && a.TouristID != p.UserID {
		return nil, forbidden(p, action).WithContext("alert_id", id.String())
	}
	return a, nil
}

func forbidden(p auth.Principal, action auth.Action) *errs.Error {
	return errs.New(errs.KindForbidden, "not the owner").
		WithContext("user_id", p.UserID).
		WithContext("action", string(action))
}
