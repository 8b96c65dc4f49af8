package domain

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestLastSeenPicksLaterEvent(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s := &Session{}
	assert.Nil(t, s.LastSeen())

	s.LastActivityAt = TimePtr(base)
	assert.Equal(t, base, *s.LastSeen())

	s.LastLocationAt = TimePtr(base.Add(time.Minute))
	assert.Equal(t, base.Add(time.Minute), *s.LastSeen())

	s.LastActivityAt = TimePtr(base.Add(time.Hour))
	assert.Equal(t, base.Add(time.Hour), *s.LastSeen())
}

func TestIntegrityHashCoversCreationFields(t *testing.T) {
	s := &Session{
		ID:          uuid.New(),
		TouristID:   "tourist-1",
		Destination: "Shillong",
		StartDate:   time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		EndDate:     time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC),
		CreatedAt:   time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC),
	}
	h := s.ComputeIntegrityHash()
	assert.Len(t, h, 64)

	s.Status = SessionActive
	s.AlertCount = 3
	assert.Equal(t, h, s.ComputeIntegrityHash())

	s.Destination = "Guwahati"
	assert.NotEqual(t, h, s.ComputeIntegrityHash())
}

func TestSessionCloneIsDeep(t *testing.T) {
	s := &Session{
		Geofences: []Geofence{{Name: "hotel", Kind: FenceSafeZone, Circle: &Circle{RadiusMeters: 100}}},
	}
	c := s.Clone()
	c.Geofences[0].Circle.RadiusMeters = 5

	assert.Equal(t, 100.0, s.Geofences[0].Circle.RadiusMeters)
}
