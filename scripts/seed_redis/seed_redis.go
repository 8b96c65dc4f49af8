package main

import (
	"context"
	"fmt"
	"log"

	"tourist-safety/monitor/internal/config"
	"tourist-safety/monitor/internal/store"
)

type deviceKey struct {
	apiKey string
	userID string
	role   string
}

func main() {
	// config.Load reads .env when present
	cfg := config.Load()
	if cfg.RedisAddr == "" {
		cfg.RedisAddr = "localhost:6379"
	}
	ctx := context.Background()

	fmt.Printf("Connecting to Redis at %s...\n", cfg.RedisAddr)
	rs, err := store.NewRedisStore(ctx, cfg)
	if err != nil {
		log.Fatalf("Connection failed: %v\n\nMake sure Redis is running:\n  docker-compose up -d redis", err)
	}
	defer rs.Close()
	fmt.Println("✓ Connected")

	keys := []deviceKey{
		{apiKey: "tourist_demo_key", userID: "tourist-demo", role: "tourist"},
		{apiKey: "tourist_test_key", userID: "tourist-test", role: "tourist"},
		{apiKey: "police_goa_key", userID: "officer-goa-01", role: "police"},
		{apiKey: "ops_admin_key", userID: "admin-ops", role: "admin"},
	}

	step1DeviceKeys(ctx, rs, keys)
	step2Verify(ctx, rs, keys)

	fmt.Println("\n✅ Redis seeded successfully")
	fmt.Println("   Run next: go run ./cmd/monitor")
}

// Key pattern: device:auth:{api_key} → hash{user_id, role}
// This is what the authenticator looks up after its local cache.
func step1DeviceKeys(ctx context.Context, rs *store.RedisStore, keys []deviceKey) {
	fmt.Println("\n── Step 1: Seeding device keys ─────────────────")
	for _, k := range keys {
		if err := rs.SetDeviceKey(ctx, k.apiKey, k.userID, k.role); err != nil {
			log.Fatalf("Failed to set key %s: %v", k.apiKey, err)
		}
		fmt.Printf("  ✓ %-25s → %s (%s)\n", k.apiKey, k.userID, k.role)
	}
}

func step2Verify(ctx context.Context, rs *store.RedisStore, keys []deviceKey) {
	fmt.Println("\n── Step 2: Verification ────────────────────────")
	for _, k := range keys {
		userID, role, found, err := rs.DeviceKey(ctx, k.apiKey)
		if err != nil || !found || userID != k.userID || role != k.role {
			log.Fatalf("Spot check failed for %s: found=%v user=%q role=%q err=%v", k.apiKey, found, userID, role, err)
		}
	}
	fmt.Printf("  ✓ %d device keys verified\n", len(keys))
}
