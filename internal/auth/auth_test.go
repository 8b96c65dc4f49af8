package auth

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tourist-safety/monitor/internal/config"
	"tourist-safety/monitor/internal/errs"
	"tourist-safety/monitor/internal/store"
)

func TestPolicyTable(t *testing.T) {
	cases := []struct {
		role   Role
		action Action
		allow  bool
	}{
		{RoleTourist, ActionIngestLocations, true},
		{RoleTourist, ActionTriggerPanic, true},
		{RoleTourist, ActionResolveAlert, false},
		{RoleTourist, ActionExpireSession, false},
		{RolePolice, ActionAssignAlert, true},
		{RolePolice, ActionIngestLocations, false},
		{RolePolice, ActionTerminateSession, false},
		{RolePolice, ActionListActiveSession, true},
		{RolePolice, ActionViewAlertStats, true},
		{RolePolice, ActionExpireSession, false},
		{RoleTourist, ActionListActiveSession, false},
		{RoleTourist, ActionViewAlertStats, false},
		{RoleAdmin, ActionTerminateSession, true},
		{RoleAdmin, ActionExpireSession, true},
		{RoleSystem, ActionExpireSession, true},
		{RoleSystem, ActionTriggerPanic, false},
		{Role("guest"), ActionViewSession, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.allow, Allowed(tc.role, tc.action), "%s %s", tc.role, tc.action)
	}
}

func TestAuthorize(t *testing.T) {
	assert.NoError(t, Authorize(Principal{UserID: "u1", Role: RolePolice}, ActionResolveAlert))

	err := Authorize(Principal{UserID: "u1", Role: RoleTourist}, ActionResolveAlert)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrForbidden))

	var e *errs.Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, "alert.resolve", e.Value("action"))

	err = Authorize(Principal{Role: RoleAdmin}, ActionViewAlert)
	assert.True(t, errors.Is(err, errs.ErrForbidden), "anonymous principal")
}

func newRedisKeys(t *testing.T) (*store.RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return store.NewRedisStoreFromClient(client, 0), mr
}

func TestAuthenticatorLevels(t *testing.T) {
	ctx := context.Background()
	keys, mr := newRedisKeys(t)
	mr.HSet("device:auth:redis-key", "user_id", "tourist-9", "role", "tourist")
	mr.HSet("device:auth:weird-role", "user_id", "x", "role", "superuser")

	cfg := &config.Config{AuthCacheTTLSeconds: 60, ValidDeviceKeys: []string{"static-key:tourist-1", "malformed"}}
	a := NewAuthenticator(cfg, keys)

	p, err := a.Authenticate(ctx, "static-key")
	require.NoError(t, err)
	assert.Equal(t, Principal{UserID: "tourist-1", Role: RoleTourist}, p)

	p, err = a.Authenticate(ctx, "redis-key")
	require.NoError(t, err)
	assert.Equal(t, "tourist-9", p.UserID)

	// served from the local cache once redis forgets it
	mr.Del("device:auth:redis-key")
	p, err = a.Authenticate(ctx, "redis-key")
	require.NoError(t, err)
	assert.Equal(t, "tourist-9", p.UserID)

	for _, key := range []string{"", "unknown", "weird-role", "malformed"} {
		_, err = a.Authenticate(ctx, key)
		assert.True(t, errors.Is(err, errs.ErrForbidden), key)
	}
}

func TestAuthenticatorBackendFailure(t *testing.T) {
	keys, mr := newRedisKeys(t)
	a := NewAuthenticator(&config.Config{AuthCacheTTLSeconds: 60}, keys)
	mr.Close()

	_, err := a.Authenticate(context.Background(), "any")
	require.Error(t, err)
	assert.Equal(t, errs.KindInternal, errs.KindOf(err))
}
