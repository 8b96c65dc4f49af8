package pipeline

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tourist-safety/monitor/internal/anomaly"
	"tourist-safety/monitor/internal/clock"
	"tourist-safety/monitor/internal/domain"
	"tourist-safety/monitor/internal/errs"
	"tourist-safety/monitor/internal/session"
	"tourist-safety/monitor/internal/store"
)

var (
	now = time.Date(2026, 3, 1, 15, 0, 0, 0, time.UTC)
	t0  = now.Add(-30 * time.Minute)
	t1  = now.Add(-20 * time.Minute)
	t2  = now.Add(-10 * time.Minute)

	// Old Goa; the restricted circle covers the cathedral square.
	cathedral = domain.Point{Longitude: 73.9120, Latitude: 15.5040}
	market    = domain.Point{Longitude: 73.8270, Latitude: 15.4990}
)

type nopNotifier struct{}

func (nopNotifier) Notify(*domain.Alert) {}

// flakyStore fails the first failures sample writes.
type flakyStore struct {
	*store.Memory
	failures int32
	calls    atomic.Int32
}

func (f *flakyStore) InsertSamples(ctx context.Context, samples []*domain.LocationSample) error {
	if f.calls.Add(1) <= f.failures {
		return errors.New("connection reset by peer")
	}
	return f.Memory.InsertSamples(ctx, samples)
}

type fixture struct {
	p         *Pipeline
	clk       *clock.Fake
	mem       *store.Memory
	positions *store.LocalPositions
}

func newFixtureWith(t *testing.T, samples store.SampleStore, mem *store.Memory) *fixture {
	t.Helper()
	clk := clock.NewFake(now)
	positions := store.NewLocalPositions(0)
	log := zap.NewNop()
	sessions := session.NewManager(mem, clk, log)
	det := anomaly.NewDetector(mem, mem, mem, nopNotifier{}, clk, anomaly.DefaultThresholds(), log)
	limits := Limits{MaxSpeedKmh: 300, SuspiciousGap: time.Hour}
	return &fixture{
		p:         New(sessions, samples, positions, det, clk, limits, log),
		clk:       clk,
		mem:       mem,
		positions: positions,
	}
}

func newFixture(t *testing.T) *fixture {
	mem := store.NewMemory()
	return newFixtureWith(t, mem, mem)
}

func (f *fixture) session(t *testing.T, tourist string, status domain.SessionStatus, consent bool) *domain.Session {
	t.Helper()
	s := &domain.Session{
		ID:        uuid.New(),
		TouristID: tourist,
		StartDate: now.Add(-2 * time.Hour),
		EndDate:   now.Add(48 * time.Hour),
		Status:    status,
		Consent:   domain.Consent{Given: consent},
		Geofences: []domain.Geofence{{
			Name:   "cathedral-square",
			Kind:   domain.FenceRestricted,
			Circle: &domain.Circle{Center: cathedral, RadiusMeters: 300},
		}},
		LastActivityAt: domain.TimePtr(now.Add(-time.Hour)),
		CreatedAt:      now.Add(-3 * time.Hour),
	}
	require.NoError(t, f.mem.CreateSession(context.Background(), s))
	return s
}

func input(p domain.Point, at time.Time) SampleInput {
	lon, lat := p.Longitude, p.Latitude
	return SampleInput{Longitude: &lon, Latitude: &lat, Accuracy: 8, RecordedAt: &at, Platform: "android"}
}

func withBattery(in SampleInput, level int) SampleInput {
	in.Battery = &BatteryInput{Level: &level}
	return in
}

func offset(p domain.Point, dLon float64) domain.Point {
	return domain.Point{Longitude: p.Longitude + dLon, Latitude: p.Latitude}
}

func TestOutOfOrderBatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.session(t, "t1", domain.SessionActive, true)

	p0, p1, p2 := market, offset(market, 0.001), offset(market, 0.002)
	res, err := f.p.IngestBatch(ctx, "t1", s.ID, []SampleInput{
		input(p2, t2), input(p0, t0), input(p1, t1),
	})
	require.NoError(t, err)
	assert.Len(t, res.Succeeded, 3)
	assert.Empty(t, res.Failed)

	stored, err := f.mem.ListSamples(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, stored, 3)
	assert.Equal(t, t0, stored[0].RecordedAt)
	assert.Equal(t, t1, stored[1].RecordedAt)
	assert.Equal(t, t2, stored[2].RecordedAt)
	for _, smp := range stored {
		assert.Equal(t, res.BatchID, smp.BatchID)
		assert.True(t, smp.IsOfflineSync)
		assert.Equal(t, now, smp.UploadedAt)
	}

	pos, err := f.positions.GetPosition(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.Equal(t, t2, pos.RecordedAt)
	assert.Equal(t, p2, pos.Point)
}

func TestNetworkTypeNeverRejectsSample(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.session(t, "t1", domain.SessionActive, true)

	types := []string{"wifi", "4g", "3g", "2g", "offline", "unknown", "satellite"}
	batch := make([]SampleInput, 0, len(types))
	for i, typ := range types {
		in := input(offset(market, float64(i)*0.0005), t0.Add(time.Duration(i)*time.Minute))
		in.Network = &domain.Network{Type: typ, Strength: 150}
		batch = append(batch, in)
	}

	res, err := f.p.IngestBatch(ctx, "t1", s.ID, batch)
	require.NoError(t, err)
	assert.Len(t, res.Succeeded, len(types))
	assert.Empty(t, res.Failed)

	stored, err := f.mem.ListSamples(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, stored, len(types))
	for i, smp := range stored[:6] {
		assert.Equal(t, types[i], smp.Network.Type)
		assert.Equal(t, 100, smp.Network.Strength)
	}
	assert.Equal(t, domain.NetworkUnknown, stored[6].Network.Type)

	pos, err := f.positions.GetPosition(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.Equal(t, t0.Add(6*time.Minute), pos.RecordedAt)
}

func TestArrivalOrderDoesNotChangePersistedOrder(t *testing.T) {
	points := []domain.Point{market, offset(market, 0.001), offset(market, 0.002), offset(market, 0.003)}
	times := []time.Time{t0, t1, t2, now}
	orders := [][]int{{0, 1, 2, 3}, {3, 2, 1, 0}, {2, 0, 3, 1}, {1, 3, 0, 2}}

	var want []domain.Point
	for _, order := range orders {
		f := newFixture(t)
		s := f.session(t, "t1", domain.SessionActive, true)
		batch := make([]SampleInput, 0, len(order))
		for _, i := range order {
			batch = append(batch, input(points[i], times[i]))
		}
		_, err := f.p.IngestBatch(context.Background(), "t1", s.ID, batch)
		require.NoError(t, err)

		stored, err := f.mem.ListSamples(context.Background(), s.ID)
		require.NoError(t, err)
		got := make([]domain.Point, 0, len(stored))
		for _, smp := range stored {
			got = append(got, smp.Point())
		}
		if want == nil {
			want = got
			continue
		}
		assert.Equal(t, want, got, "arrival order %v", order)
	}
	assert.Equal(t, points, want)
}

func TestOlderBatchDoesNotRegressPosition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.session(t, "t1", domain.SessionActive, true)

	_, err := f.p.IngestBatch(ctx, "t1", s.ID, []SampleInput{input(offset(market, 0.002), t2)})
	require.NoError(t, err)

	res, err := f.p.IngestBatch(ctx, "t1", s.ID, []SampleInput{input(market, t0), input(offset(market, 0.001), t1)})
	require.NoError(t, err)
	assert.Len(t, res.Succeeded, 2)

	pos, err := f.positions.GetPosition(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.Equal(t, t2, pos.RecordedAt)
}

func TestSingleSampleIsNotOfflineSync(t *testing.T) {
	f := newFixture(t)
	s := f.session(t, "t1", domain.SessionActive, true)

	_, err := f.p.IngestBatch(context.Background(), "t1", s.ID, []SampleInput{input(market, t2)})
	require.NoError(t, err)

	stored, err := f.mem.ListSamples(context.Background(), s.ID)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.False(t, stored[0].IsOfflineSync)
}

func TestInvalidItemsDoNotAbortBatch(t *testing.T) {
	f := newFixture(t)
	s := f.session(t, "t1", domain.SessionActive, true)

	badLat := input(market, t1)
	lat := 95.0
	badLat.Latitude = &lat

	noTime := input(market, t1)
	noTime.RecordedAt = nil

	badBattery := withBattery(input(market, t2), 120)

	res, err := f.p.IngestBatch(context.Background(), "t1", s.ID, []SampleInput{
		input(market, t0), badLat, noTime, badBattery, input(offset(market, 0.001), now),
	})
	require.NoError(t, err)
	assert.Len(t, res.Succeeded, 2)
	require.Len(t, res.Failed, 3)

	byIndex := map[int]string{}
	for _, fl := range res.Failed {
		byIndex[fl.Index] = fl.Reason
	}
	assert.Contains(t, byIndex[1], "latitude")
	assert.Contains(t, byIndex[2], "recordedAt")
	assert.Contains(t, byIndex[3], "level")
}

func TestBatchLevelRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	batch := []SampleInput{input(market, t0)}

	active := f.session(t, "t1", domain.SessionActive, true)
	_, err := f.p.IngestBatch(ctx, "t2", active.ID, batch)
	assert.True(t, errors.Is(err, errs.ErrForbidden))

	pending := f.session(t, "t3", domain.SessionPending, true)
	_, err = f.p.IngestBatch(ctx, "t3", pending.ID, batch)
	assert.True(t, errors.Is(err, errs.ErrInvalidState))

	noConsent := f.session(t, "t4", domain.SessionActive, false)
	_, err = f.p.IngestBatch(ctx, "t4", noConsent.ID, batch)
	assert.True(t, errors.Is(err, errs.ErrConsentRequired))

	_, err = f.p.IngestBatch(ctx, "t1", uuid.New(), batch)
	assert.True(t, errors.Is(err, errs.ErrNotFound))

	_, err = f.p.IngestBatch(ctx, "t1", active.ID, nil)
	assert.True(t, errors.Is(err, errs.ErrValidation))

	for _, id := range []uuid.UUID{active.ID, pending.ID, noConsent.ID} {
		stored, err := f.mem.ListSamples(ctx, id)
		require.NoError(t, err)
		assert.Empty(t, stored)
	}
}

func TestLowBatteryAnomalyDeduplicated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.session(t, "t1", domain.SessionActive, true)

	res, err := f.p.IngestBatch(ctx, "t1", s.ID, []SampleInput{withBattery(input(market, t1), 15)})
	require.NoError(t, err)
	require.Len(t, res.Anomalies, 1)
	assert.Equal(t, domain.AlertLowBattery, res.Anomalies[0].Type)
	assert.Equal(t, domain.SeverityMedium, res.Anomalies[0].Alert.Severity)

	res, err = f.p.IngestBatch(ctx, "t1", s.ID, []SampleInput{withBattery(input(market, t2), 14)})
	require.NoError(t, err)
	assert.Empty(t, res.Anomalies)

	open, err := f.mem.ListOpenAlerts(ctx, s.ID)
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func TestRestrictedAreaBreach(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.session(t, "t1", domain.SessionActive, true)

	res, err := f.p.IngestBatch(ctx, "t1", s.ID, []SampleInput{input(cathedral, t2)})
	require.NoError(t, err)
	require.Len(t, res.Anomalies, 1)
	assert.Equal(t, domain.AlertGeofenceBreach, res.Anomalies[0].Type)
	assert.Equal(t, domain.SeverityHigh, res.Anomalies[0].Alert.Severity)
	assert.Equal(t, "cathedral-square", res.Anomalies[0].Alert.Context.FenceName)

	stored, err := f.mem.ListSamples(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.True(t, stored[0].Flags.OutOfBounds)
}

func TestMovementFlags(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.session(t, "t1", domain.SessionActive, true)

	start := now.Add(-3 * time.Hour)
	_, err := f.p.IngestBatch(ctx, "t1", s.ID, []SampleInput{
		input(market, start),
		// roughly 54 km east one minute later
		input(offset(market, 0.5), start.Add(time.Minute)),
		// barely moved, but two hours later
		input(offset(market, 0.5001), start.Add(2*time.Hour+time.Minute)),
	})
	require.NoError(t, err)

	stored, err := f.mem.ListSamples(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, stored, 3)
	assert.Equal(t, domain.SampleFlags{}, stored[0].Flags)
	assert.True(t, stored[1].Flags.RapidMovement)
	assert.False(t, stored[1].Flags.SuspiciousGap)
	assert.False(t, stored[2].Flags.RapidMovement)
	assert.True(t, stored[2].Flags.SuspiciousGap)
}

func TestIngestRecordsLocation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.session(t, "t1", domain.SessionActive, true)

	_, err := f.p.IngestBatch(ctx, "t1", s.ID, []SampleInput{input(market, t2)})
	require.NoError(t, err)

	got, err := f.mem.GetSession(ctx, s.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastLocationAt)
	assert.Equal(t, now, *got.LastLocationAt)
}

func TestPersistRetriesOnce(t *testing.T) {
	mem := store.NewMemory()
	flaky := &flakyStore{Memory: mem, failures: 1}
	f := newFixtureWith(t, flaky, mem)
	s := f.session(t, "t1", domain.SessionActive, true)

	res, err := f.p.IngestBatch(context.Background(), "t1", s.ID, []SampleInput{input(market, t1), input(market, t2)})
	require.NoError(t, err)
	assert.Len(t, res.Succeeded, 2)
	assert.Equal(t, int32(2), flaky.calls.Load())
}

func TestPersistFailureSurfaces(t *testing.T) {
	mem := store.NewMemory()
	flaky := &flakyStore{Memory: mem, failures: 2}
	f := newFixtureWith(t, flaky, mem)
	s := f.session(t, "t1", domain.SessionActive, true)

	_, err := f.p.IngestBatch(context.Background(), "t1", s.ID, []SampleInput{input(market, t2)})
	assert.True(t, errors.Is(err, errs.ErrInternal))

	pos, err := f.positions.GetPosition(context.Background(), "t1")
	require.NoError(t, err)
	assert.Nil(t, pos)
}
