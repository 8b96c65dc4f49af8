// Package anomaly holds the deterministic safety rules that turn session
// state and location samples into alerts.
package anomaly

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tourist-safety/monitor/internal/clock"
	"tourist-safety/monitor/internal/config"
	"tourist-safety/monitor/internal/domain"
	"tourist-safety/monitor/internal/geofence"
	"tourist-safety/monitor/internal/metrics"
	"tourist-safety/monitor/internal/notify"
	"tourist-safety/monitor/internal/store"
)

type Thresholds struct {
	InactivityDefault time.Duration
	InactivityHigh    time.Duration
	OfflineAfter      time.Duration
	OfflineHigh       time.Duration
	LowBattery        int
	CriticalBattery   int
	EscalateAfter     int // minutes
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		InactivityDefault: 120 * time.Minute,
		InactivityHigh:    180 * time.Minute,
		OfflineAfter:      60 * time.Minute,
		OfflineHigh:       120 * time.Minute,
		LowBattery:        20,
		CriticalBattery:   10,
		EscalateAfter:     domain.DefaultEscalateAfterMinutes,
	}
}

func ThresholdsFromConfig(cfg *config.Config) Thresholds {
	return Thresholds{
		InactivityDefault: time.Duration(cfg.InactivityDefaultMin) * time.Minute,
		InactivityHigh:    time.Duration(cfg.InactivityHighMin) * time.Minute,
		OfflineAfter:      time.Duration(cfg.OfflineThresholdMin) * time.Minute,
		OfflineHigh:       time.Duration(cfg.OfflineHighMin) * time.Minute,
		LowBattery:        cfg.LowBatteryPct,
		CriticalBattery:   cfg.CriticalBatteryPct,
		EscalateAfter:     cfg.EscalateAfterMin,
	}
}

// sweepRule is one per-session check run by RunSweep. Check returns nil
// when nothing new was raised.
type sweepRule struct {
	Type  domain.AlertType
	Check func(d *Detector, ctx context.Context, s *domain.Session) (*domain.Alert, error)
}

var sweepRules = []sweepRule{
	{Type: domain.AlertInactivity, Check: (*Detector).Inactivity},
	{Type: domain.AlertDeviceOffline, Check: (*Detector).DeviceOffline},
}

type Detector struct {
	sessions store.SessionStore
	samples  store.SampleStore
	alerts   store.AlertStore
	notifier notify.Notifier
	clock    clock.Clock
	th       Thresholds
	log      *zap.Logger
}

func NewDetector(
	sessions store.SessionStore,
	samples store.SampleStore,
	alerts store.AlertStore,
	notifier notify.Notifier,
	clk clock.Clock,
	th Thresholds,
	log *zap.Logger,
) *Detector {
	return &Detector{
		sessions: sessions,
		samples:  samples,
		alerts:   alerts,
		notifier: notifier,
		clock:    clk,
		th:       th,
		log:      log.Named("anomaly"),
	}
}

// Inactivity raises an alert when neither activity nor a location has
// been seen for longer than the session's inactivity threshold.
func (d *Detector) Inactivity(ctx context.Context, s *domain.Session) (*domain.Alert, error) {
	if s.Status != domain.SessionActive {
		return nil, nil
	}
	last := s.LastSeen()
	if last == nil {
		return nil, nil
	}
	now := d.clock.Now()
	idle := now.Sub(*last)
	if idle <= s.InactivityLimit(d.th.InactivityDefault) {
		return nil, nil
	}
	sev := domain.SeverityMedium
	if idle > d.th.InactivityHigh {
		sev = domain.SeverityHigh
	}
	return d.raise(ctx, s, nil, &domain.Alert{
		Type:        domain.AlertInactivity,
		Severity:    sev,
		Description: fmt.Sprintf("No activity for %d minutes", int(idle.Minutes())),
	})
}

// DeviceOffline raises an alert when the device has not uploaded for
// longer than the offline threshold. Sessions without samples are skipped.
func (d *Detector) DeviceOffline(ctx context.Context, s *domain.Session) (*domain.Alert, error) {
	if s.Status != domain.SessionActive {
		return nil, nil
	}
	at, ok, err := d.samples.LatestUpload(ctx, s.ID)
	if err != nil || !ok {
		return nil, err
	}
	offline := d.clock.Now().Sub(at)
	if offline <= d.th.OfflineAfter {
		return nil, nil
	}
	sev := domain.SeverityMedium
	if offline > d.th.OfflineHigh {
		sev = domain.SeverityHigh
	}
	return d.raise(ctx, s, nil, &domain.Alert{
		Type:        domain.AlertDeviceOffline,
		Severity:    sev,
		Description: fmt.Sprintf("Device offline for %d minutes", int(offline.Minutes())),
	})
}

// GeofenceBreach raises one alert per violated fence that has no open
// breach alert yet.
func (d *Detector) GeofenceBreach(ctx context.Context, s *domain.Session, p domain.Point) ([]*domain.Alert, error) {
	return d.geofenceBreach(ctx, s, p, nil)
}

func (d *Detector) LowBattery(ctx context.Context, s *domain.Session, level int) (*domain.Alert, error) {
	return d.lowBattery(ctx, s, level, nil)
}

// EvaluateSample runs the per-sample rules for one persisted sample.
func (d *Detector) EvaluateSample(ctx context.Context, s *domain.Session, sample *domain.LocationSample) ([]*domain.Alert, error) {
	out, err := d.geofenceBreach(ctx, s, sample.Point(), sample)
	if err != nil {
		return out, err
	}
	if lvl := sample.BatteryLevel(); lvl != nil {
		a, err := d.lowBattery(ctx, s, *lvl, sample)
		if err != nil {
			return out, err
		}
		if a != nil {
			out = append(out, a)
		}
	}
	return out, nil
}

type SweepReport struct {
	Sessions int
	Created  map[domain.AlertType]int
	Errors   int
}

// RunSweep evaluates the session-level rules across all active sessions.
// A failing session is logged and counted; the sweep moves on.
func (d *Detector) RunSweep(ctx context.Context) (SweepReport, error) {
	report := SweepReport{Created: make(map[domain.AlertType]int, len(sweepRules))}

	sessions, err := d.sessions.ListActiveSessions(ctx)
	if err != nil {
		return report, err
	}
	for _, s := range sessions {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		report.Sessions++
		for _, rule := range sweepRules {
			a, err := rule.Check(d, ctx, s)
			if err != nil {
				report.Errors++
				d.log.Warn("anomaly rule failed",
					zap.String("rule", string(rule.Type)),
					zap.Stringer("session_id", s.ID),
					zap.Error(err),
				)
				continue
			}
			if a != nil {
				report.Created[rule.Type]++
			}
		}
	}
	return report, nil
}

func (d *Detector) geofenceBreach(ctx context.Context, s *domain.Session, p domain.Point, snap *domain.LocationSample) ([]*domain.Alert, error) {
	if s.Status != domain.SessionActive {
		return nil, nil
	}
	var out []*domain.Alert
	for _, r := range geofence.CheckAll(p, s.Geofences) {
		sev, violation, desc := domain.SeverityMedium, "exited_safe_zone", "Left safe zone "+r.FenceName
		if r.Kind == domain.FenceRestricted {
			sev, violation, desc = domain.SeverityHigh, "entered_restricted_area", "Entered restricted area "+r.FenceName
		}
		loc := p
		a, err := d.raise(ctx, s, snap, &domain.Alert{
			Type:        domain.AlertGeofenceBreach,
			Severity:    sev,
			Description: desc,
			Location:    &loc,
			Context: domain.AlertContext{
				FenceName:     r.FenceName,
				FenceKind:     r.Kind,
				ViolationType: violation,
			},
		})
		if err != nil {
			return out, err
		}
		if a != nil {
			out = append(out, a)
		}
	}
	return out, nil
}

func (d *Detector) lowBattery(ctx context.Context, s *domain.Session, level int, snap *domain.LocationSample) (*domain.Alert, error) {
	if s.Status != domain.SessionActive || level > d.th.LowBattery {
		return nil, nil
	}
	sev := domain.SeverityMedium
	if level <= d.th.CriticalBattery {
		sev = domain.SeverityHigh
	}
	return d.raise(ctx, s, snap, &domain.Alert{
		Type:        domain.AlertLowBattery,
		Severity:    sev,
		Description: fmt.Sprintf("Battery at %d%%", level),
	})
}

// raise completes draft and stores it unless an open alert with the same
// dedup key exists, in which case it returns nil, nil. The triage
// snapshot comes from snap, or from the session's latest sample.
func (d *Detector) raise(ctx context.Context, s *domain.Session, snap *domain.LocationSample, draft *domain.Alert) (*domain.Alert, error) {
	now := d.clock.Now()
	a := draft
	a.ID = uuid.New()
	a.SessionID = s.ID
	a.TouristID = s.TouristID
	a.Status = domain.AlertCreated
	a.DetectedAt = now
	a.DedupKey = domain.DedupKeyFor(a.Type, a.Context.FenceName)
	a.AutoEscalate = domain.AutoEscalate{Enabled: true, AfterMinutes: d.th.EscalateAfter}
	a.CreatedAt = now
	a.UpdatedAt = now

	if snap == nil {
		latest, err := d.samples.LatestSample(ctx, s.ID)
		if err != nil {
			return nil, err
		}
		snap = latest
	}
	if snap != nil {
		a.Context.LastKnownLocation = &domain.LastKnownLocation{Point: snap.Point(), RecordedAt: snap.RecordedAt}
		a.Context.Battery = snap.BatteryLevel()
		if snap.Network != nil {
			a.Context.NetworkStatus = snap.Network.Type
		}
	}
	a.Notifications = notify.Intents(a, s, now)

	ok, err := d.alerts.InsertAlertIfNoneOpen(ctx, a)
	if err != nil {
		return nil, err
	}
	if !ok {
		metrics.AlertsDeduplicated.WithLabelValues(string(a.Type)).Inc()
		return nil, nil
	}

	metrics.AlertsCreated.WithLabelValues(string(a.Type), string(a.Severity)).Inc()
	d.log.Info("alert raised",
		zap.Stringer("alert_id", a.ID),
		zap.Stringer("session_id", s.ID),
		zap.String("type", string(a.Type)),
		zap.String("severity", string(a.Severity)),
	)
	d.notifier.Notify(a)
	return a, nil
}
