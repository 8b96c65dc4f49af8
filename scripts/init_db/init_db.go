package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/jackc/pgx/v5"

	"tourist-safety/monitor/internal/config"
	"tourist-safety/monitor/internal/store"
)

func main() {
	// config.Load reads .env when present
	cfg := config.Load()

	connStr := fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s",
		cfg.DBUser,
		cfg.DBPassword,
		cfg.DBHost,
		cfg.DBPort,
		cfg.DBName,
	)

	ctx := context.Background()

	fmt.Println("Connecting to Postgres...")
	conn, err := pgx.Connect(ctx, connStr)
	if err != nil {
		log.Fatalf("Connection failed: %v\n\nMake sure Postgres is running:\n  docker-compose up -d postgres", err)
	}
	defer conn.Close(ctx)
	fmt.Println("✓ Connected")

	timescale := os.Getenv("USE_TIMESCALE") != "false"

	step1Extensions(ctx, conn, timescale)
	step2Schema(ctx, conn)
	if timescale {
		step3Hypertable(ctx, conn)
	}
	step4Verify(ctx, conn)

	fmt.Println("\n✅ Database initialised successfully")
	fmt.Println("   Run next: go run ./scripts/seed_redis")
}

func step1Extensions(ctx context.Context, conn *pgx.Conn, timescale bool) {
	fmt.Println("\n── Step 1: Extensions ──────────────────────────")
	if !timescale {
		fmt.Println("  - timescaledb skipped (USE_TIMESCALE=false)")
		return
	}
	execOrFatal(ctx, conn,
		"CREATE EXTENSION IF NOT EXISTS timescaledb CASCADE;",
		"timescaledb extension",
	)
}

// The same statements the monitor runs with AUTO_MIGRATE=true.
func step2Schema(ctx context.Context, conn *pgx.Conn) {
	fmt.Println("\n── Step 2: Tables and indexes ──────────────────")
	for _, step := range store.Schema {
		execOrFatal(ctx, conn, step.SQL, step.Name)
	}
}

// location_samples is append-only and read by time range per session,
// so it is partitioned on recorded_at.
func step3Hypertable(ctx context.Context, conn *pgx.Conn) {
	fmt.Println("\n── Step 3: Hypertable ──────────────────────────")
	execOrFatal(ctx, conn, `
		SELECT create_hypertable(
			'location_samples',
			'recorded_at',
			chunk_time_interval => INTERVAL '7 days',
			if_not_exists => TRUE,
			migrate_data => TRUE
		);
	`, "location_samples converted to hypertable")
}

func step4Verify(ctx context.Context, conn *pgx.Conn) {
	fmt.Println("\n── Step 4: Verification ────────────────────────")

	for _, table := range []string{"sessions", "location_samples", "alerts"} {
		var exists bool
		err := conn.QueryRow(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM information_schema.tables
				WHERE table_name = $1
			)
		`, table).Scan(&exists)
		if err != nil || !exists {
			log.Fatalf("Table %s was not created: %v", table, err)
		}
		fmt.Printf("  ✓ table: %s\n", table)
	}

	var indexCount int
	err := conn.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM pg_indexes
		WHERE tablename IN ('sessions', 'location_samples', 'alerts')
		AND (indexname LIKE 'idx_%' OR indexname LIKE 'uq_%')
	`).Scan(&indexCount)
	if err != nil {
		log.Fatalf("Index check failed: %v", err)
	}
	fmt.Printf("  ✓ indexes created: %d\n", indexCount)
}

// execOrFatal runs a SQL statement and prints result or exits on error
func execOrFatal(ctx context.Context, conn *pgx.Conn, sql, label string) {
	_, err := conn.Exec(ctx, sql)
	if err != nil {
		log.Fatalf("FAILED — %s\nError: %v\nSQL: %s", label, err, sql)
	}
	fmt.Printf("  ✓ %s\n", label)
}
