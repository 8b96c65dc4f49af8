package auth

import (
	"context"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"tourist-safety/monitor/internal/config"
	"tourist-safety/monitor/internal/errs"
)

// DeviceKeys resolves an API key to its owner. found is false for unknown
// keys.
type DeviceKeys interface {
	DeviceKey(ctx context.Context, apiKey string) (userID, role string, found bool, err error)
}

// Authenticator resolves device API keys in three levels: static keys
// from config, an in-process cache, then the DeviceKeys backend.
type Authenticator struct {
	local      *gocache.Cache
	keys       DeviceKeys
	staticKeys map[string]Principal
}

// NewAuthenticator accepts static keys as "apiKey:userID" pairs; they
// resolve to tourists. keys may be nil.
func NewAuthenticator(cfg *config.Config, keys DeviceKeys) *Authenticator {
	staticKeys := make(map[string]Principal, len(cfg.ValidDeviceKeys))
	for _, k := range cfg.ValidDeviceKeys {
		apiKey, userID, ok := strings.Cut(k, ":")
		if ok && apiKey != "" && userID != "" {
			staticKeys[apiKey] = Principal{UserID: userID, Role: RoleTourist}
		}
	}

	ttl := time.Duration(cfg.AuthCacheTTLSeconds) * time.Second
	return &Authenticator{
		local:      gocache.New(ttl, 2*ttl),
		keys:       keys,
		staticKeys: staticKeys,
	}
}

func (a *Authenticator) Authenticate(ctx context.Context, apiKey string) (Principal, error) {
	if apiKey == "" {
		return Principal{}, errs.New(errs.KindForbidden, "missing device key")
	}

	// Level 0: static config keys
	if p, ok := a.staticKeys[apiKey]; ok {
		return p, nil
	}

	// Level 1: in-memory cache
	if raw, ok := a.local.Get(apiKey); ok {
		return raw.(Principal), nil
	}

	// Level 2: backend lookup
	if a.keys == nil {
		return Principal{}, errs.New(errs.KindForbidden, "invalid device key")
	}
	userID, role, found, err := a.keys.DeviceKey(ctx, apiKey)
	if err != nil {
		return Principal{}, errs.Wrap(errs.KindInternal, err, "device key lookup")
	}
	p := Principal{UserID: userID, Role: Role(role)}
	if !found || !p.Role.Valid() {
		return Principal{}, errs.New(errs.KindForbidden, "invalid device key")
	}

	a.local.SetDefault(apiKey, p)
	return p, nil
}
