package store

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"tourist-safety/monitor/internal/domain"
)

// LocalPositions is an in-process PositionCache backed by go-cache. The
// mutex makes the read-compare-write a single step.
type LocalPositions struct {
	mu    sync.Mutex
	cache *gocache.Cache
	ttl   time.Duration
}

// NewLocalPositions keeps entries for ttl; zero means no expiry.
func NewLocalPositions(ttl time.Duration) *LocalPositions {
	exp := gocache.NoExpiration
	cleanup := time.Duration(0)
	if ttl > 0 {
		exp = ttl
		cleanup = ttl
	}
	return &LocalPositions{cache: gocache.New(exp, cleanup), ttl: exp}
}

var _ PositionCache = (*LocalPositions)(nil)

func (p *LocalPositions) UpdatePosition(_ context.Context, pos domain.Position) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if raw, ok := p.cache.Get(pos.TouristID); ok {
		if cur := raw.(domain.Position); !pos.RecordedAt.After(cur.RecordedAt) {
			return false, nil
		}
	}
	p.cache.Set(pos.TouristID, pos, p.ttl)
	return true, nil
}

func (p *LocalPositions) GetPosition(_ context.Context, touristID string) (*domain.Position, error) {
	raw, ok := p.cache.Get(touristID)
	if !ok {
		return nil, nil
	}
	pos := raw.(domain.Position)
	return &pos, nil
}
