package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"tourist-safety/monitor/internal/config"
	"tourist-safety/monitor/internal/domain"
)

const (
	positionKeyFmt  = "tourist:%s:position"
	positionGeoKey  = "tourists:geo"
	deviceKeyFmt    = "device:auth:%s"
	alertChannelFmt = "alerts:%s"
)

type RedisStore struct {
	client      *redis.Client
	positionTTL time.Duration
}

func NewRedisStore(ctx context.Context, cfg *config.Config) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		PoolSize:     20,
		MinIdleConns: 5,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedisStoreFromClient(client, time.Duration(cfg.PositionTTLHours)*time.Hour), nil
}

// NewRedisStoreFromClient wraps an existing client; ttl of zero keeps
// positions forever.
func NewRedisStoreFromClient(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, positionTTL: ttl}
}

var _ PositionCache = (*RedisStore)(nil)

func (r *RedisStore) Close() error {
	return r.client.Close()
}

func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStore) Client() *redis.Client {
	return r.client
}

// positionCAS writes the position hash only when ARGV[1] (recorded_at in
// unix millis) is strictly greater than the stored value.
var positionCAS = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'recorded_at')
if cur and tonumber(cur) >= tonumber(ARGV[1]) then
	return 0
end
redis.call('HSET', KEYS[1],
	'recorded_at', ARGV[1],
	'session_id', ARGV[2],
	'lng', ARGV[3],
	'lat', ARGV[4],
	'accuracy', ARGV[5],
	'battery', ARGV[6])
if tonumber(ARGV[7]) > 0 then
	redis.call('EXPIRE', KEYS[1], ARGV[7])
end
local lat = tonumber(ARGV[4])
if lat >= -85.05112878 and lat <= 85.05112878 then
	redis.call('GEOADD', KEYS[2], ARGV[3], ARGV[4], ARGV[8])
end
return 1
`)

func (r *RedisStore) UpdatePosition(ctx context.Context, pos domain.Position) (bool, error) {
	battery := ""
	if pos.BatteryLevel != nil {
		battery = strconv.Itoa(*pos.BatteryLevel)
	}

	applied, err := positionCAS.Run(ctx, r.client,
		[]string{fmt.Sprintf(positionKeyFmt, pos.TouristID), positionGeoKey},
		pos.RecordedAt.UnixMilli(),
		pos.SessionID.String(),
		strconv.FormatFloat(pos.Point.Longitude, 'f', -1, 64),
		strconv.FormatFloat(pos.Point.Latitude, 'f', -1, 64),
		strconv.FormatFloat(pos.Accuracy, 'f', -1, 64),
		battery,
		int64(r.positionTTL/time.Second),
		pos.TouristID,
	).Int()
	if err != nil {
		return false, fmt.Errorf("redis position update failed: %w", err)
	}
	return applied == 1, nil
}

func (r *RedisStore) GetPosition(ctx context.Context, touristID string) (*domain.Position, error) {
	vals, err := r.client.HGetAll(ctx, fmt.Sprintf(positionKeyFmt, touristID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis get position failed: %w", err)
	}
	if len(vals) == 0 {
		return nil, nil
	}

	ms, err := strconv.ParseInt(vals["recorded_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt position for %s: %w", touristID, err)
	}
	pos := &domain.Position{
		TouristID:  touristID,
		RecordedAt: time.UnixMilli(ms).UTC(),
	}
	pos.SessionID, _ = uuid.Parse(vals["session_id"])
	pos.Point.Longitude, _ = strconv.ParseFloat(vals["lng"], 64)
	pos.Point.Latitude, _ = strconv.ParseFloat(vals["lat"], 64)
	pos.Accuracy, _ = strconv.ParseFloat(vals["accuracy"], 64)
	if b, err := strconv.Atoi(vals["battery"]); err == nil {
		pos.BatteryLevel = &b
	}
	return pos, nil
}

// DeviceKey resolves a device API key to the owning user and role. Found
// is false for unknown keys.
func (r *RedisStore) DeviceKey(ctx context.Context, apiKey string) (userID, role string, found bool, err error) {
	vals, err := r.client.HGetAll(ctx, fmt.Sprintf(deviceKeyFmt, apiKey)).Result()
	if err != nil {
		return "", "", false, fmt.Errorf("redis get api key failed: %w", err)
	}
	if vals["user_id"] == "" {
		return "", "", false, nil
	}
	return vals["user_id"], vals["role"], true, nil
}

// Publish sends an alert notification payload on alerts:<channel>.
func (r *RedisStore) Publish(ctx context.Context, channel string, payload []byte) error {
	return r.client.Publish(ctx, fmt.Sprintf(alertChannelFmt, channel), payload).Err()
}

// SetDeviceKey registers apiKey for userID acting as role. The entry does
// not expire.
func (r *RedisStore) SetDeviceKey(ctx context.Context, apiKey, userID, role string) error {
	key := fmt.Sprintf(deviceKeyFmt, apiKey)
	if err := r.client.HSet(ctx, key, "user_id", userID, "role", role).Err(); err != nil {
		return fmt.Errorf("redis set api key failed: %w", err)
	}
	return nil
}
