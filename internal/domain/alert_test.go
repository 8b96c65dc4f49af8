package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSeverityLadder(t *testing.T) {
	next, ok := SeverityLow.Next()
	assert.True(t, ok)
	assert.Equal(t, SeverityMedium, next)

	next, ok = SeverityHigh.Next()
	assert.True(t, ok)
	assert.Equal(t, SeverityCritical, next)

	_, ok = SeverityCritical.Next()
	assert.False(t, ok)

	assert.True(t, SeverityCritical.Above(SeverityHigh))
	assert.False(t, SeverityHigh.Above(SeverityHigh))
	assert.False(t, SeverityLow.Above(SeverityMedium))
	assert.False(t, Severity("urgent").Above(SeverityLow))
}

func TestAlertTransitionTable(t *testing.T) {
	allowed := map[[2]AlertStatus]bool{
		{AlertCreated, AlertAcknowledged}:       true,
		{AlertCreated, AlertInvestigating}:      true,
		{AlertAcknowledged, AlertInvestigating}: true,
		{AlertAcknowledged, AlertResolved}:      true,
		{AlertAcknowledged, AlertFalseAlarm}:    true,
		{AlertInvestigating, AlertResolved}:     true,
		{AlertInvestigating, AlertFalseAlarm}:   true,
	}
	all := []AlertStatus{AlertCreated, AlertAcknowledged, AlertInvestigating, AlertResolved, AlertFalseAlarm}

	for _, from := range all {
		for _, to := range all {
			assert.Equal(t, allowed[[2]AlertStatus{from, to}], CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestDedupKeyFor(t *testing.T) {
	assert.Equal(t, "low_battery", DedupKeyFor(AlertLowBattery, ""))
	assert.Equal(t, "geo_fence_breach:Old Town", DedupKeyFor(AlertGeofenceBreach, "Old Town"))
	assert.Empty(t, DedupKeyFor(AlertPanic, ""))
}

func TestAlertCloneIsDeep(t *testing.T) {
	lvl := 40
	a := &Alert{
		Context:       AlertContext{Battery: &lvl},
		StatusHistory: []StatusEntry{{From: AlertCreated, To: AlertAcknowledged}},
	}
	c := a.Clone()
	*c.Context.Battery = 5
	c.StatusHistory[0].Notes = "changed"

	assert.Equal(t, 40, *a.Context.Battery)
	assert.Empty(t, a.StatusHistory[0].Notes)
}

func TestEscalationDue(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a := &Alert{
		Status:       AlertCreated,
		DetectedAt:   now.Add(-31 * time.Minute),
		AutoEscalate: AutoEscalate{Enabled: true, AfterMinutes: 30},
	}
	assert.True(t, a.EscalationDue(now))

	a.DetectedAt = now.Add(-30 * time.Minute)
	assert.False(t, a.EscalationDue(now), "exactly at the threshold is not older than it")

	a.DetectedAt = now.Add(-2 * time.Hour)
	a.AutoEscalate.HasEscalated = true
	assert.False(t, a.EscalationDue(now))

	a.AutoEscalate.HasEscalated = false
	a.Status = AlertInvestigating
	assert.False(t, a.EscalationDue(now))

	a.Status = AlertAcknowledged
	a.AutoEscalate.Enabled = false
	assert.False(t, a.EscalationDue(now))
}
