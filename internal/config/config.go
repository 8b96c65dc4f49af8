package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	// Storage backend: "memory" or "postgres"
	StoreBackend string
	AutoMigrate  bool

	// Postgres
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBMaxConns int32

	// Redis; empty RedisAddr keeps positions in process
	RedisAddr        string
	RedisPassword    string
	RedisDB          int
	PositionTTLHours int

	// Logging
	LogLevel      string
	LogFilename   string
	LogMaxSizeMB  int
	LogMaxAgeDays int
	LogMaxBackups int

	// Metrics
	MetricsAddr string

	// Scheduler (robfig/cron 5-field specs)
	SchedTimezone       string
	SchedExpirySpec     string
	SchedAnomalySpec    string
	SchedEscalationSpec string

	// Detection thresholds
	InactivityDefaultMin int
	InactivityHighMin    int
	OfflineThresholdMin  int
	OfflineHighMin       int
	LowBatteryPct        int
	CriticalBatteryPct   int
	MaxSpeedKmh          int
	SuspiciousGapMin     int
	EscalateAfterMin     int

	// Notification dispatch
	NotifyQueueSize int

	// Auth
	AuthCacheTTLSeconds int
	ValidDeviceKeys     []string
}

// Load reads .env when present, then the environment.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		StoreBackend:         getEnv("STORE_BACKEND", "memory"),
		AutoMigrate:          getEnvBool("AUTO_MIGRATE", false),
		DBHost:               getEnv("DB_HOST", "localhost"),
		DBPort:               getEnv("DB_PORT", "5432"),
		DBUser:               getEnv("DB_USER", "safety_user"),
		DBPassword:           getEnv("DB_PASSWORD", "safety_password"),
		DBName:               getEnv("DB_NAME", "tourist_safety"),
		DBMaxConns:           int32(getEnvInt("DB_MAX_CONNS", 15)),
		RedisAddr:            getEnv("REDIS_ADDR", ""),
		RedisPassword:        getEnv("REDIS_PASSWORD", ""),
		RedisDB:              getEnvInt("REDIS_DB", 0),
		PositionTTLHours:     getEnvInt("POSITION_TTL_HOURS", 72),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		LogFilename:          getEnv("LOG_FILENAME", ""),
		LogMaxSizeMB:         getEnvInt("LOG_MAX_SIZE_MB", 100),
		LogMaxAgeDays:        getEnvInt("LOG_MAX_AGE_DAYS", 14),
		LogMaxBackups:        getEnvInt("LOG_MAX_BACKUPS", 5),
		MetricsAddr:          getEnv("METRICS_ADDR", ":9102"),
		SchedTimezone:        getEnv("SCHED_TIMEZONE", "UTC"),
		SchedExpirySpec:      getEnv("SCHED_EXPIRY_SPEC", "0 * * * *"),
		SchedAnomalySpec:     getEnv("SCHED_ANOMALY_SPEC", "*/15 * * * *"),
		SchedEscalationSpec:  getEnv("SCHED_ESCALATION_SPEC", "*/30 * * * *"),
		InactivityDefaultMin: getEnvInt("INACTIVITY_DEFAULT_MIN", 120),
		InactivityHighMin:    getEnvInt("INACTIVITY_HIGH_MIN", 180),
		OfflineThresholdMin:  getEnvInt("OFFLINE_THRESHOLD_MIN", 60),
		OfflineHighMin:       getEnvInt("OFFLINE_HIGH_MIN", 120),
		LowBatteryPct:        getEnvInt("LOW_BATTERY_PCT", 20),
		CriticalBatteryPct:   getEnvInt("CRITICAL_BATTERY_PCT", 10),
		MaxSpeedKmh:          getEnvInt("MAX_SPEED_KMH", 300),
		SuspiciousGapMin:     getEnvInt("SUSPICIOUS_GAP_MIN", 60),
		EscalateAfterMin:     getEnvInt("ESCALATE_AFTER_MIN", 30),
		NotifyQueueSize:      getEnvInt("NOTIFY_QUEUE_SIZE", 1000),
		AuthCacheTTLSeconds:  getEnvInt("AUTH_CACHE_TTL_SECONDS", 300),
		ValidDeviceKeys:      splitList(getEnv("VALID_DEVICE_KEYS", "")),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
