package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type Battery struct {
	Level      int  `json:"level" validate:"gte=0,lte=100"`
	IsCharging bool `json:"isCharging"`
}

// Network is the connectivity a device reported with a reading. It is an
// annotation only and never decides whether a sample is accepted.
type Network struct {
	Type     string `json:"type"`
	Strength int    `json:"strength"`
}

const NetworkUnknown = "unknown"

var networkTypes = map[string]bool{
	"wifi":     true,
	"5g":       true,
	"4g":       true,
	"3g":       true,
	"2g":       true,
	"cellular": true,
	"offline":  true,
	"none":     true,
	"unknown":  true,
}

// Normalized folds an unrecognised type to "unknown" and clamps the
// strength percentage to 0..100.
func (n Network) Normalized() Network {
	n.Type = strings.ToLower(strings.TrimSpace(n.Type))
	if !networkTypes[n.Type] {
		n.Type = NetworkUnknown
	}
	n.Strength = min(max(n.Strength, 0), 100)
	return n
}

type SampleFlags struct {
	OutOfBounds   bool `json:"outOfBounds"`
	RapidMovement bool `json:"rapidMovement"`
	SuspiciousGap bool `json:"suspiciousGap"`
}

// LocationSample is one persisted position reading. Immutable once stored.
type LocationSample struct {
	ID        uuid.UUID `json:"id"`
	SessionID uuid.UUID `json:"sessionId"`
	TouristID string    `json:"touristId"`

	Longitude float64 `json:"longitude"`
	Latitude  float64 `json:"latitude"`
	Accuracy  float64 `json:"accuracy"`
	Altitude  float64 `json:"altitude"`
	Speed     float64 `json:"speed"`
	Heading   float64 `json:"heading"`

	// RecordedAt is the device clock, UploadedAt the server receipt.
	RecordedAt time.Time `json:"recordedAt"`
	UploadedAt time.Time `json:"uploadedAt"`

	Battery  *Battery `json:"battery,omitempty"`
	Network  *Network `json:"network,omitempty"`
	Platform string   `json:"platform,omitempty"`

	BatchID       uuid.UUID   `json:"batchId"`
	IsOfflineSync bool        `json:"isOfflineSync"`
	Flags         SampleFlags `json:"flags"`
}

func (s *LocationSample) Point() Point {
	return Point{Longitude: s.Longitude, Latitude: s.Latitude}
}

func (s *LocationSample) BatteryLevel() *int {
	if s.Battery == nil {
		return nil
	}
	lvl := s.Battery.Level
	return &lvl
}

func (s *LocationSample) Clone() *LocationSample {
	c := *s
	if s.Battery != nil {
		b := *s.Battery
		c.Battery = &b
	}
	if s.Network != nil {
		n := *s.Network
		c.Network = &n
	}
	return &c
}

// Position is the last-known-position cache entry for one tourist.
type Position struct {
	TouristID    string    `json:"touristId"`
	SessionID    uuid.UUID `json:"sessionId"`
	Point        Point     `json:"point"`
	Accuracy     float64   `json:"accuracy"`
	BatteryLevel *int      `json:"battery,omitempty"`
	RecordedAt   time.Time `json:"recordedAt"`
}

func PositionOf(s *LocationSample) Position {
	return Position{
		TouristID:    s.TouristID,
		SessionID:    s.SessionID,
		Point:        s.Point(),
		Accuracy:     s.Accuracy,
		BatteryLevel: s.BatteryLevel(),
		RecordedAt:   s.RecordedAt,
	}
}
