// Package pipeline ingests batches of location samples uploaded by tourist
// devices, live or after an offline stretch.
package pipeline

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tourist-safety/monitor/internal/clock"
	"tourist-safety/monitor/internal/config"
	"tourist-safety/monitor/internal/domain"
	"tourist-safety/monitor/internal/errs"
	"tourist-safety/monitor/internal/geofence"
	"tourist-safety/monitor/internal/metrics"
	"tourist-safety/monitor/internal/store"
	"tourist-safety/monitor/internal/validate"
)

type BatteryInput struct {
	Level      *int `json:"level" validate:"required,gte=0,lte=100"`
	IsCharging bool `json:"isCharging"`
}

// SampleInput is one reading as sent by the device. Coordinates are
// pointers so a missing value is told apart from zero.
type SampleInput struct {
	Longitude  *float64        `json:"longitude" validate:"required,gte=-180,lte=180"`
	Latitude   *float64        `json:"latitude" validate:"required,gte=-90,lte=90"`
	Accuracy   float64         `json:"accuracy" validate:"gte=0"`
	Altitude   float64         `json:"altitude"`
	Speed      float64         `json:"speed" validate:"gte=0"`
	Heading    float64         `json:"heading" validate:"gte=0,lt=360"`
	RecordedAt *time.Time      `json:"recordedAt" validate:"required"`
	Battery    *BatteryInput   `json:"battery"`
	Network    *domain.Network `json:"network"`
	Platform   string          `json:"platform" validate:"max=32"`
}

type ItemFailure struct {
	Index  int         `json:"index"`
	Sample SampleInput `json:"sample"`
	Reason string      `json:"reason"`
}

type Anomaly struct {
	Type  domain.AlertType `json:"type"`
	Alert *domain.Alert    `json:"alert"`
}

type BatchResult struct {
	BatchID   uuid.UUID     `json:"batchId"`
	Succeeded []uuid.UUID   `json:"succeeded"`
	Failed    []ItemFailure `json:"failed"`
	Anomalies []Anomaly     `json:"anomalies"`
}

// Sessions is the slice of the session manager ingestion needs.
type Sessions interface {
	Get(ctx context.Context, id uuid.UUID) (*domain.Session, error)
	RecordLocation(ctx context.Context, id uuid.UUID) (*domain.Session, error)
}

// Evaluator runs the per-sample anomaly rules.
type Evaluator interface {
	EvaluateSample(ctx context.Context, s *domain.Session, sample *domain.LocationSample) ([]*domain.Alert, error)
}

type Limits struct {
	MaxSpeedKmh   float64
	SuspiciousGap time.Duration
	RetryDelay    time.Duration
}

func LimitsFromConfig(cfg *config.Config) Limits {
	return Limits{
		MaxSpeedKmh:   float64(cfg.MaxSpeedKmh),
		SuspiciousGap: time.Duration(cfg.SuspiciousGapMin) * time.Minute,
		RetryDelay:    500 * time.Millisecond,
	}
}

type Pipeline struct {
	sessions  Sessions
	samples   store.SampleStore
	positions store.PositionCache
	detector  Evaluator
	validate  *validate.Validator
	clock     clock.Clock
	limits    Limits
	log       *zap.Logger
}

func New(
	sessions Sessions,
	samples store.SampleStore,
	positions store.PositionCache,
	detector Evaluator,
	clk clock.Clock,
	limits Limits,
	log *zap.Logger,
) *Pipeline {
	return &Pipeline{
		sessions:  sessions,
		samples:   samples,
		positions: positions,
		detector:  detector,
		validate:  validate.New(),
		clock:     clk,
		limits:    limits,
		log:       log.Named("pipeline"),
	}
}

// IngestBatch stores a batch of samples for the caller's active session.
// Ownership, state and consent failures reject the whole batch; an
// invalid item is reported in the result and the rest proceed.
func (p *Pipeline) IngestBatch(ctx context.Context, callerID string, sessionID uuid.UUID, inputs []SampleInput) (*BatchResult, error) {
	s, err := p.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := p.admit(s, callerID, len(inputs)); err != nil {
		metrics.BatchesRejected.WithLabelValues(errs.KindOf(err).String()).Inc()
		return nil, err
	}
	metrics.SamplesReceived.Add(float64(len(inputs)))

	now := p.clock.Now()
	res := &BatchResult{
		BatchID:   uuid.New(),
		Succeeded: []uuid.UUID{},
		Failed:    []ItemFailure{},
		Anomalies: []Anomaly{},
	}

	prev, err := p.samples.LatestSample(ctx, s.ID)
	if err != nil {
		return nil, err
	}

	accepted := make([]*domain.LocationSample, 0, len(inputs))
	for _, idx := range recordedOrder(inputs) {
		in := inputs[idx]
		if err := p.validate.Struct(in); err != nil {
			metrics.SamplesRejected.WithLabelValues("validation").Inc()
			res.Failed = append(res.Failed, ItemFailure{Index: idx, Sample: in, Reason: err.Error()})
			continue
		}
		sample := p.build(s, in, res.BatchID, len(inputs) > 1, now)
		sample.Flags = p.flags(s, sample, prev)
		accepted = append(accepted, sample)
		prev = sample
	}
	if len(accepted) == 0 {
		return res, nil
	}

	if err := p.persist(ctx, accepted); err != nil {
		return nil, err
	}
	for _, sample := range accepted {
		res.Succeeded = append(res.Succeeded, sample.ID)
	}

	// accepted is in RecordedAt order, so the last entry is the newest.
	p.updatePosition(ctx, accepted[len(accepted)-1])

	for _, sample := range accepted {
		alerts, err := p.detector.EvaluateSample(ctx, s, sample)
		if err != nil {
			p.log.Warn("sample evaluation failed",
				zap.Stringer("session_id", s.ID),
				zap.Stringer("sample_id", sample.ID),
				zap.Error(err),
			)
		}
		for _, a := range alerts {
			res.Anomalies = append(res.Anomalies, Anomaly{Type: a.Type, Alert: a})
		}
	}

	if _, err := p.sessions.RecordLocation(ctx, s.ID); err != nil {
		p.log.Warn("last location not recorded", zap.Stringer("session_id", s.ID), zap.Error(err))
	}

	p.log.Debug("batch ingested",
		zap.Stringer("session_id", s.ID),
		zap.Stringer("batch_id", res.BatchID),
		zap.Int("succeeded", len(res.Succeeded)),
		zap.Int("failed", len(res.Failed)),
		zap.Int("anomalies", len(res.Anomalies)),
	)
	return res, nil
}

// History returns the session's stored samples, newest first, within the
// query's range.
func (p *Pipeline) History(ctx context.Context, sessionID uuid.UUID, q store.SampleQuery) ([]*domain.LocationSample, error) {
	if !q.From.IsZero() && !q.To.IsZero() && q.From.After(q.To) {
		return nil, errs.New(errs.KindValidation, "history range starts after it ends").
			WithContext("session_id", sessionID.String())
	}
	if q.Limit < 0 {
		return nil, errs.New(errs.KindValidation, "limit must not be negative")
	}
	return p.samples.QuerySamples(ctx, sessionID, q)
}

func (p *Pipeline) admit(s *domain.Session, callerID string, n int) error {
	switch {
	case !s.OwnedBy(callerID):
		return errs.New(errs.KindForbidden, "session belongs to another tourist").
			WithContext("session_id", s.ID.String())
	case s.Status != domain.SessionActive:
		return errs.New(errs.KindInvalidState, "session is not active").
			WithContext("session_id", s.ID.String()).
			WithContext("status", string(s.Status))
	case !s.Consent.Given:
		return errs.New(errs.KindConsentRequired, "location tracking consent not given").
			WithContext("session_id", s.ID.String())
	case n == 0:
		return errs.New(errs.KindValidation, "batch is empty")
	}
	return nil
}

// recordedOrder returns input indexes stably sorted by RecordedAt.
// Items without a timestamp sort first and fail validation.
func recordedOrder(inputs []SampleInput) []int {
	order := make([]int, len(inputs))
	for i := range order {
		order[i] = i
	}
	at := func(i int) time.Time {
		if t := inputs[i].RecordedAt; t != nil {
			return *t
		}
		return time.Time{}
	}
	sort.SliceStable(order, func(a, b int) bool {
		return at(order[a]).Before(at(order[b]))
	})
	return order
}

func (p *Pipeline) build(s *domain.Session, in SampleInput, batchID uuid.UUID, offline bool, now time.Time) *domain.LocationSample {
	sample := &domain.LocationSample{
		ID:            uuid.New(),
		SessionID:     s.ID,
		TouristID:     s.TouristID,
		Longitude:     *in.Longitude,
		Latitude:      *in.Latitude,
		Accuracy:      in.Accuracy,
		Altitude:      in.Altitude,
		Speed:         in.Speed,
		Heading:       in.Heading,
		RecordedAt:    in.RecordedAt.UTC(),
		UploadedAt:    now,
		Platform:      in.Platform,
		BatchID:       batchID,
		IsOfflineSync: offline,
	}
	if in.Battery != nil {
		sample.Battery = &domain.Battery{Level: *in.Battery.Level, IsCharging: in.Battery.IsCharging}
	}
	if in.Network != nil {
		n := in.Network.Normalized()
		sample.Network = &n
	}
	return sample
}

// flags marks a sample against the session's fences and the previous
// reading. prev may be nil or newer than sample after an offline sync.
func (p *Pipeline) flags(s *domain.Session, sample, prev *domain.LocationSample) domain.SampleFlags {
	f := domain.SampleFlags{
		OutOfBounds: len(geofence.CheckAll(sample.Point(), s.Geofences)) > 0,
	}
	if prev == nil || !sample.RecordedAt.After(prev.RecordedAt) {
		return f
	}
	gap := sample.RecordedAt.Sub(prev.RecordedAt)
	if p.limits.SuspiciousGap > 0 && gap > p.limits.SuspiciousGap {
		f.SuspiciousGap = true
	}
	if p.limits.MaxSpeedKmh > 0 {
		kmh := geofence.Distance(prev.Point(), sample.Point()) / gap.Seconds() * 3.6
		f.RapidMovement = kmh > p.limits.MaxSpeedKmh
	}
	return f
}

// persist writes the accepted samples in one call, retrying once.
func (p *Pipeline) persist(ctx context.Context, samples []*domain.LocationSample) error {
	err := p.samples.InsertSamples(ctx, samples)
	if err != nil {
		p.log.Warn("sample write failed, retrying", zap.Int("batch", len(samples)), zap.Error(err))
		select {
		case <-time.After(p.limits.RetryDelay):
		case <-ctx.Done():
			return errs.Wrap(errs.KindInternal, ctx.Err(), "persist samples")
		}
		err = p.samples.InsertSamples(ctx, samples)
	}
	if err != nil {
		metrics.SamplesRejected.WithLabelValues("storage").Add(float64(len(samples)))
		return errs.Wrap(errs.KindInternal, err, "persist samples")
	}
	metrics.SamplesPersisted.Add(float64(len(samples)))
	return nil
}

func (p *Pipeline) updatePosition(ctx context.Context, newest *domain.LocationSample) {
	applied, err := p.positions.UpdatePosition(ctx, domain.PositionOf(newest))
	switch {
	case err != nil:
		p.log.Warn("position cache update failed", zap.String("tourist_id", newest.TouristID), zap.Error(err))
	case !applied:
		metrics.PositionStale.Inc()
	}
}
