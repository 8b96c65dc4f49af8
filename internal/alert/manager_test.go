package alert

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tourist-safety/monitor/internal/clock"
	"tourist-safety/monitor/internal/domain"
	"tourist-safety/monitor/internal/errs"
	"tourist-safety/monitor/internal/session"
	"tourist-safety/monitor/internal/store"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []*domain.Alert
}

func (n *recordingNotifier) Notify(a *domain.Alert) {
	n.mu.Lock()
	n.alerts = append(n.alerts, a)
	n.mu.Unlock()
}

type fixture struct {
	m        *Manager
	clk      *clock.Fake
	mem      *store.Memory
	notifier *recordingNotifier
	session  *domain.Session
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.NewFake(now)
	mem := store.NewMemory()
	s := &domain.Session{
		ID:        uuid.New(),
		TouristID: "tourist-1",
		StartDate: now.Add(-time.Hour),
		EndDate:   now.Add(48 * time.Hour),
		Status:    domain.SessionActive,
		Consent:   domain.Consent{Given: true},
		EmergencyContacts: []domain.EmergencyContact{
			{Name: "Asha", Phone: "+919812345678", Email: "asha@example.com", IsPrimary: true},
		},
		CreatedAt: now.Add(-2 * time.Hour),
	}
	require.NoError(t, mem.CreateSession(context.Background(), s))

	n := &recordingNotifier{}
	sessions := session.NewManager(mem, clk, zap.NewNop())
	return &fixture{
		m:        NewManager(mem, sessions, n, clk, zap.NewNop()),
		clk:      clk,
		mem:      mem,
		notifier: n,
		session:  s,
	}
}

func (f *fixture) seedAlert(t *testing.T, status domain.AlertStatus, sev domain.Severity, detected time.Time) *domain.Alert {
	t.Helper()
	a := &domain.Alert{
		ID:           uuid.New(),
		SessionID:    f.session.ID,
		TouristID:    f.session.TouristID,
		Type:         domain.AlertInactivity,
		Severity:     sev,
		Status:       status,
		DetectedAt:   detected,
		AutoEscalate: domain.AutoEscalate{Enabled: true, AfterMinutes: 30},
		CreatedAt:    detected,
	}
	require.NoError(t, f.mem.InsertAlert(context.Background(), a))
	return a
}

func TestAssignAcknowledges(t *testing.T) {
	f := newFixture(t)
	a := f.seedAlert(t, domain.AlertCreated, domain.SeverityMedium, now)

	got, err := f.m.Assign(context.Background(), a.ID, "officer-7")
	require.NoError(t, err)

	assert.Equal(t, domain.AlertAcknowledged, got.Status)
	assert.Equal(t, "officer-7", got.AssignedOfficer)
	require.NotNil(t, got.AssignedAt)
	require.NotNil(t, got.AcknowledgedAt)
	require.Len(t, got.StatusHistory, 1)
	assert.Equal(t, domain.AlertCreated, got.StatusHistory[0].From)
	assert.Equal(t, domain.AlertAcknowledged, got.StatusHistory[0].To)

	_, err = f.m.Assign(context.Background(), a.ID, "officer-8")
	var e *errs.Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, errs.KindInvalidTransition, e.Kind)
	assert.Equal(t, "acknowledged", e.Value("from"))
}

func TestUpdateStatusFollowsTable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.seedAlert(t, domain.AlertCreated, domain.SeverityMedium, now)

	_, err := f.m.UpdateStatus(ctx, a.ID, domain.AlertResolved, "officer-7", "")
	assert.True(t, errors.Is(err, errs.ErrInvalidTransition))

	got, err := f.m.UpdateStatus(ctx, a.ID, domain.AlertInvestigating, "officer-7", "on scene")
	require.NoError(t, err)
	assert.Nil(t, got.ResolvedAt)

	got, err = f.m.UpdateStatus(ctx, a.ID, domain.AlertFalseAlarm, "officer-7", "phone left in hotel")
	require.NoError(t, err)
	require.NotNil(t, got.ResolvedAt)
	assert.Len(t, got.StatusHistory, 2)

	_, err = f.m.UpdateStatus(ctx, a.ID, domain.AlertInvestigating, "officer-7", "")
	var e *errs.Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, "false_alarm", e.Value("from"))
	assert.Equal(t, "investigating", e.Value("to"))
}

func TestResolve(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.seedAlert(t, domain.AlertCreated, domain.SeverityMedium, now)

	_, err := f.m.Resolve(ctx, a.ID, "unknown", "", "officer-7")
	assert.True(t, errors.Is(err, errs.ErrValidation))

	got, err := f.m.Resolve(ctx, a.ID, domain.OutcomeSafe, "called back", "officer-7")
	require.NoError(t, err)
	assert.Equal(t, domain.AlertResolved, got.Status)
	require.NotNil(t, got.Resolution)
	assert.Equal(t, domain.OutcomeSafe, got.Resolution.Outcome)
	assert.Equal(t, "officer-7", got.Resolution.ResolvedBy)
	require.NotNil(t, got.ResolvedAt)

	_, err = f.m.Resolve(ctx, a.ID, domain.OutcomeSafe, "", "officer-7")
	assert.True(t, errors.Is(err, errs.ErrInvalidState))
}

func TestEscalateIsStrictlyMonotonic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.seedAlert(t, domain.AlertCreated, domain.SeverityHigh, now)

	for _, sev := range []domain.Severity{domain.SeverityLow, domain.SeverityMedium, domain.SeverityHigh} {
		_, err := f.m.Escalate(ctx, a.ID, sev, "test", "officer-7")
		var e *errs.Error
		require.True(t, errors.As(err, &e), sev)
		assert.Equal(t, errs.KindInvalidEscalation, e.Kind)
		assert.Equal(t, "high", e.Value("from"))
		assert.Equal(t, string(sev), e.Value("to"))
	}

	got, err := f.m.Escalate(ctx, a.ID, domain.SeverityCritical, "crowd report", "officer-7")
	require.NoError(t, err)
	assert.Equal(t, domain.SeverityCritical, got.Severity)
	require.Len(t, got.EscalationHistory, 1)
	assert.Equal(t, "officer-7", got.EscalationHistory[0].By)
	assert.False(t, got.AutoEscalate.HasEscalated)
}

func TestEscalateClosedAlertFails(t *testing.T) {
	f := newFixture(t)
	a := f.seedAlert(t, domain.AlertResolved, domain.SeverityLow, now)

	_, err := f.m.Escalate(context.Background(), a.ID, domain.SeverityHigh, "late", "officer-7")
	assert.True(t, errors.Is(err, errs.ErrInvalidState))
}

func TestAutoEscalateOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.seedAlert(t, domain.AlertCreated, domain.SeverityMedium, now.Add(-31*time.Minute))

	got, escalated, err := f.m.AutoEscalate(ctx, a.ID)
	require.NoError(t, err)
	require.True(t, escalated)
	assert.Equal(t, domain.SeverityHigh, got.Severity)
	assert.True(t, got.AutoEscalate.HasEscalated)
	require.Len(t, got.EscalationHistory, 1)
	assert.Equal(t, domain.SystemActor, got.EscalationHistory[0].By)

	_, escalated, err = f.m.AutoEscalate(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, escalated)

	stored, err := f.m.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SeverityHigh, stored.Severity)
}

func TestAutoEscalateSkips(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	fresh := f.seedAlert(t, domain.AlertCreated, domain.SeverityLow, now.Add(-10*time.Minute))
	critical := f.seedAlert(t, domain.AlertCreated, domain.SeverityCritical, now.Add(-time.Hour))
	investigating := f.seedAlert(t, domain.AlertInvestigating, domain.SeverityLow, now.Add(-time.Hour))

	for _, a := range []*domain.Alert{fresh, critical, investigating} {
		got, escalated, err := f.m.AutoEscalate(ctx, a.ID)
		require.NoError(t, err)
		assert.False(t, escalated)
		assert.Nil(t, got)
	}
}

func TestConcurrentAutoEscalateStepsOnce(t *testing.T) {
	f := newFixture(t)
	a := f.seedAlert(t, domain.AlertAcknowledged, domain.SeverityLow, now.Add(-45*time.Minute))

	var wg sync.WaitGroup
	var mu sync.Mutex
	steps := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, escalated, err := f.m.AutoEscalate(context.Background(), a.ID)
			if err == nil && escalated {
				mu.Lock()
				steps++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	stored, err := f.m.Get(context.Background(), a.ID)
	require.NoError(t, err)
	assert.LessOrEqual(t, steps, 1)
	assert.Equal(t, domain.SeverityMedium, stored.Severity)
	assert.Len(t, stored.EscalationHistory, 1)
}

func TestPanicAlertUsesConfiguredEscalationDelay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, err := f.m.CreateFromPanic(ctx, "tourist-1", f.session.ID, PanicRequest{})
	require.NoError(t, err)
	assert.Equal(t, domain.DefaultEscalateAfterMinutes, a.AutoEscalate.AfterMinutes)

	sessions := session.NewManager(f.mem, f.clk, zap.NewNop())
	m := NewManager(f.mem, sessions, f.notifier, f.clk, zap.NewNop(), WithEscalateAfter(10))
	a, err = m.CreateFromPanic(ctx, "tourist-1", f.session.ID, PanicRequest{})
	require.NoError(t, err)
	assert.True(t, a.AutoEscalate.Enabled)
	assert.Equal(t, 10, a.AutoEscalate.AfterMinutes)

	f.clk.Advance(11 * time.Minute)
	_, escalated, err := m.AutoEscalate(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, escalated, "critical alerts have no higher rung")
	stored, err := m.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, stored.EscalationDue(f.clk.Now()))
}

func TestCreateFromPanic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	loc := &domain.Point{Longitude: 91.73, Latitude: 26.14}

	a, err := f.m.CreateFromPanic(ctx, "tourist-1", f.session.ID, PanicRequest{
		Location: loc,
		Battery:  &domain.Battery{Level: 40},
	})
	require.NoError(t, err)

	assert.Equal(t, domain.AlertPanic, a.Type)
	assert.Equal(t, domain.SeverityCritical, a.Severity)
	assert.Equal(t, DefaultPanicMessage, a.Description)
	assert.Empty(t, a.DedupKey)
	require.NotNil(t, a.Context.Battery)
	assert.Equal(t, 40, *a.Context.Battery)
	// operators plus sms and email to the one contact
	assert.Len(t, a.Notifications, 3)

	second, err := f.m.CreateFromPanic(ctx, "tourist-1", f.session.ID, PanicRequest{Message: "help"})
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, second.ID)
	assert.Equal(t, "help", second.Description)

	open, err := f.m.ListOpen(ctx, f.session.ID)
	require.NoError(t, err)
	assert.Len(t, open, 2)

	s, err := f.mem.GetSession(ctx, f.session.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, s.AlertCount)
	assert.Len(t, f.notifier.alerts, 2)
}

func TestCreateFromPanicRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.m.CreateFromPanic(ctx, "tourist-2", f.session.ID, PanicRequest{})
	assert.True(t, errors.Is(err, errs.ErrForbidden))

	_, err = f.m.CreateFromPanic(ctx, "tourist-1", uuid.New(), PanicRequest{})
	assert.True(t, errors.Is(err, errs.ErrNotFound))

	_, err = f.m.CreateFromPanic(ctx, "tourist-1", f.session.ID, PanicRequest{
		Location: &domain.Point{Longitude: 10, Latitude: 95},
	})
	assert.True(t, errors.Is(err, errs.ErrValidation))

	s, err := f.mem.GetSession(ctx, f.session.ID)
	require.NoError(t, err)
	s.Status = domain.SessionCompleted
	require.NoError(t, f.mem.UpdateSession(ctx, s))

	_, err = f.m.CreateFromPanic(ctx, "tourist-1", f.session.ID, PanicRequest{})
	assert.True(t, errors.Is(err, errs.ErrInvalidState))
	assert.Empty(t, f.notifier.alerts)
}
