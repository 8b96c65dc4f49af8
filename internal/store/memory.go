package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"tourist-safety/monitor/internal/domain"
)

// Memory is an in-process Store for tests and single-node development.
// Sessions, samples and alerts each have their own lock; values are
// copied on the way in and out so callers never share state.
type Memory struct {
	sessMu   sync.RWMutex
	sessions map[uuid.UUID]*domain.Session

	sampleMu sync.RWMutex
	samples  map[uuid.UUID][]*domain.LocationSample

	alertMu sync.RWMutex
	alerts  map[uuid.UUID]*domain.Alert
	order   []uuid.UUID
}

func NewMemory() *Memory {
	return &Memory{
		sessions: make(map[uuid.UUID]*domain.Session),
		samples:  make(map[uuid.UUID][]*domain.LocationSample),
		alerts:   make(map[uuid.UUID]*domain.Alert),
	}
}

var _ Store = (*Memory)(nil)

func (m *Memory) CreateSession(_ context.Context, s *domain.Session) error {
	m.sessMu.Lock()
	defer m.sessMu.Unlock()

	if s.Status.IsOpen() {
		for _, existing := range m.sessions {
			if existing.TouristID == s.TouristID && existing.Status.IsOpen() {
				return openSessionExists(s.TouristID)
			}
		}
	}
	s.Version = 1
	m.sessions[s.ID] = s.Clone()
	return nil
}

func (m *Memory) GetSession(_ context.Context, id uuid.UUID) (*domain.Session, error) {
	m.sessMu.RLock()
	defer m.sessMu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, sessionNotFound(id)
	}
	return s.Clone(), nil
}

func (m *Memory) FindOpenSession(_ context.Context, touristID string) (*domain.Session, error) {
	m.sessMu.RLock()
	defer m.sessMu.RUnlock()

	for _, s := range m.sessions {
		if s.TouristID == touristID && s.Status.IsOpen() {
			return s.Clone(), nil
		}
	}
	return nil, nil
}

func (m *Memory) UpdateSession(_ context.Context, s *domain.Session) error {
	m.sessMu.Lock()
	defer m.sessMu.Unlock()

	cur, ok := m.sessions[s.ID]
	if !ok {
		return sessionNotFound(s.ID)
	}
	if cur.Version != s.Version {
		return versionConflict("session", s.ID)
	}
	s.Version++
	m.sessions[s.ID] = s.Clone()
	return nil
}

func (m *Memory) ListActiveSessions(_ context.Context) ([]*domain.Session, error) {
	return m.listSessions(func(s *domain.Session) bool {
		return s.Status == domain.SessionActive
	}), nil
}

func (m *Memory) ListSessionsByTourist(_ context.Context, touristID string) ([]*domain.Session, error) {
	out := m.listSessions(func(s *domain.Session) bool {
		return s.TouristID == touristID
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) ListExpirable(_ context.Context, now time.Time) ([]*domain.Session, error) {
	return m.listSessions(func(s *domain.Session) bool {
		return s.Status == domain.SessionActive && s.EndDate.Before(now)
	}), nil
}

func (m *Memory) listSessions(match func(*domain.Session) bool) []*domain.Session {
	m.sessMu.RLock()
	defer m.sessMu.RUnlock()

	var out []*domain.Session
	for _, s := range m.sessions {
		if match(s) {
			out = append(out, s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (m *Memory) InsertSamples(_ context.Context, samples []*domain.LocationSample) error {
	m.sampleMu.Lock()
	defer m.sampleMu.Unlock()

	for _, s := range samples {
		m.samples[s.SessionID] = append(m.samples[s.SessionID], s.Clone())
	}
	return nil
}

func (m *Memory) LatestSample(_ context.Context, sessionID uuid.UUID) (*domain.LocationSample, error) {
	m.sampleMu.RLock()
	defer m.sampleMu.RUnlock()

	var latest *domain.LocationSample
	for _, s := range m.samples[sessionID] {
		if latest == nil || s.RecordedAt.After(latest.RecordedAt) {
			latest = s
		}
	}
	if latest == nil {
		return nil, nil
	}
	return latest.Clone(), nil
}

func (m *Memory) LatestUpload(_ context.Context, sessionID uuid.UUID) (time.Time, bool, error) {
	m.sampleMu.RLock()
	defer m.sampleMu.RUnlock()

	var at time.Time
	found := false
	for _, s := range m.samples[sessionID] {
		if !found || s.UploadedAt.After(at) {
			at, found = s.UploadedAt, true
		}
	}
	return at, found, nil
}

func (m *Memory) ListSamples(_ context.Context, sessionID uuid.UUID) ([]*domain.LocationSample, error) {
	m.sampleMu.RLock()
	defer m.sampleMu.RUnlock()

	out := make([]*domain.LocationSample, 0, len(m.samples[sessionID]))
	for _, s := range m.samples[sessionID] {
		out = append(out, s.Clone())
	}
	return out, nil
}

func (m *Memory) QuerySamples(_ context.Context, sessionID uuid.UUID, q SampleQuery) ([]*domain.LocationSample, error) {
	m.sampleMu.RLock()
	defer m.sampleMu.RUnlock()

	// Walk backwards so equal timestamps keep the later write first.
	stored := m.samples[sessionID]
	out := []*domain.LocationSample{}
	for i := len(stored) - 1; i >= 0; i-- {
		if q.matches(stored[i].RecordedAt) {
			out = append(out, stored[i].Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].RecordedAt.After(out[j].RecordedAt) })
	if lim := q.limit(); len(out) > lim {
		out = out[:lim]
	}
	return out, nil
}

func (m *Memory) InsertAlert(_ context.Context, a *domain.Alert) error {
	m.alertMu.Lock()
	defer m.alertMu.Unlock()

	m.putAlert(a)
	return nil
}

func (m *Memory) InsertAlertIfNoneOpen(_ context.Context, a *domain.Alert) (bool, error) {
	m.alertMu.Lock()
	defer m.alertMu.Unlock()

	if a.DedupKey != "" {
		for _, existing := range m.alerts {
			if existing.SessionID == a.SessionID && existing.DedupKey == a.DedupKey && existing.IsOpen() {
				return false, nil
			}
		}
	}
	m.putAlert(a)
	return true, nil
}

// putAlert requires alertMu held.
func (m *Memory) putAlert(a *domain.Alert) {
	a.Version = 1
	m.alerts[a.ID] = a.Clone()
	m.order = append(m.order, a.ID)
}

func (m *Memory) GetAlert(_ context.Context, id uuid.UUID) (*domain.Alert, error) {
	m.alertMu.RLock()
	defer m.alertMu.RUnlock()

	a, ok := m.alerts[id]
	if !ok {
		return nil, alertNotFound(id)
	}
	return a.Clone(), nil
}

func (m *Memory) UpdateAlert(_ context.Context, a *domain.Alert) error {
	m.alertMu.Lock()
	defer m.alertMu.Unlock()

	cur, ok := m.alerts[a.ID]
	if !ok {
		return alertNotFound(a.ID)
	}
	if cur.Version != a.Version {
		return versionConflict("alert", a.ID)
	}
	a.Version++
	m.alerts[a.ID] = a.Clone()
	return nil
}

func (m *Memory) ListOpenAlerts(_ context.Context, sessionID uuid.UUID) ([]*domain.Alert, error) {
	return m.listAlerts(func(a *domain.Alert) bool {
		return a.IsOpen() && (sessionID == uuid.Nil || a.SessionID == sessionID)
	}), nil
}

func (m *Memory) ListEscalationCandidates(_ context.Context, now time.Time) ([]*domain.Alert, error) {
	return m.listAlerts(func(a *domain.Alert) bool {
		return a.EscalationDue(now)
	}), nil
}

func (m *Memory) ListAlerts(_ context.Context, f AlertFilter) ([]*domain.Alert, error) {
	out := m.listAlerts(f.matches)
	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := out[i].Severity.Rank(), out[j].Severity.Rank()
		if ri != rj {
			return ri > rj
		}
		return out[i].DetectedAt.After(out[j].DetectedAt)
	})
	if lim := f.limit(); len(out) > lim {
		out = out[:lim]
	}
	if out == nil {
		out = []*domain.Alert{}
	}
	return out, nil
}

type bucketKey struct {
	t  domain.AlertType
	s  domain.Severity
	st domain.AlertStatus
}

func (m *Memory) AlertStatistics(_ context.Context, from, to time.Time) (*domain.AlertStats, error) {
	m.alertMu.RLock()
	defer m.alertMu.RUnlock()

	stats := &domain.AlertStats{From: from, To: to, Breakdown: []domain.AlertBucket{}}
	buckets := map[bucketKey]*domain.AlertBucket{}
	acked := map[bucketKey]int{}
	for _, id := range m.order {
		a := m.alerts[id]
		if a.IsOpen() {
			stats.Unresolved++
			if a.Severity == domain.SeverityCritical {
				stats.Critical++
			}
		}
		if a.DetectedAt.Before(from) || a.DetectedAt.After(to) {
			continue
		}
		stats.Total++
		k := bucketKey{a.Type, a.Severity, a.Status}
		b, ok := buckets[k]
		if !ok {
			b = &domain.AlertBucket{Type: a.Type, Severity: a.Severity, Status: a.Status}
			buckets[k] = b
		}
		b.Count++
		if a.AcknowledgedAt != nil {
			// running sum for now, divided below
			b.AvgResponse += a.AcknowledgedAt.Sub(a.DetectedAt)
			acked[k]++
		}
	}
	for k, b := range buckets {
		if n := acked[k]; n > 0 {
			b.AvgResponse /= time.Duration(n)
		}
		stats.Breakdown = append(stats.Breakdown, *b)
	}
	sortBuckets(stats.Breakdown)
	return stats, nil
}

// sortBuckets orders by type, then most severe first, then status.
func sortBuckets(b []domain.AlertBucket) {
	sort.Slice(b, func(i, j int) bool {
		switch {
		case b[i].Type != b[j].Type:
			return b[i].Type < b[j].Type
		case b[i].Severity != b[j].Severity:
			return b[i].Severity.Rank() > b[j].Severity.Rank()
		}
		return b[i].Status < b[j].Status
	})
}

func (m *Memory) listAlerts(match func(*domain.Alert) bool) []*domain.Alert {
	m.alertMu.RLock()
	defer m.alertMu.RUnlock()

	var out []*domain.Alert
	for _, id := range m.order {
		if a := m.alerts[id]; match(a) {
			out = append(out, a.Clone())
		}
	}
	return out
}
