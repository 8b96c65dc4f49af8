package store

// SchemaStep is one idempotent DDL statement.
type SchemaStep struct {
	Name string
	SQL  string
}

// Schema creates the tables and indexes used by Postgres. Every statement
// is safe to re-run.
var Schema = []SchemaStep{
	{
		Name: "sessions table",
		SQL: `
		CREATE TABLE IF NOT EXISTS sessions (
			id                   UUID        PRIMARY KEY,
			tourist_id           TEXT        NOT NULL,
			destination          TEXT        NOT NULL,
			description          TEXT        NOT NULL DEFAULT '',
			start_date           TIMESTAMPTZ NOT NULL,
			end_date             TIMESTAMPTZ NOT NULL,
			status               TEXT        NOT NULL,
			consent_given        BOOLEAN     NOT NULL DEFAULT false,
			consent_at           TIMESTAMPTZ,
			consent_source       TEXT        NOT NULL DEFAULT '',
			geofences            JSONB       NOT NULL DEFAULT '[]',
			emergency_contacts   JSONB       NOT NULL DEFAULT '[]',
			check_in_interval    INT         NOT NULL,
			inactivity_threshold INT         NOT NULL,
			last_activity_at     TIMESTAMPTZ,
			last_location_at     TIMESTAMPTZ,
			activated_at         TIMESTAMPTZ,
			completed_at         TIMESTAMPTZ,
			expired_at           TIMESTAMPTZ,
			terminated_at        TIMESTAMPTZ,
			termination_reason   TEXT        NOT NULL DEFAULT '',
			alert_count          INT         NOT NULL DEFAULT 0,
			integrity_hash       TEXT        NOT NULL,
			created_at           TIMESTAMPTZ NOT NULL,
			updated_at           TIMESTAMPTZ NOT NULL,
			version              BIGINT      NOT NULL DEFAULT 1,

			CONSTRAINT chk_session_dates CHECK (end_date > start_date),
			CONSTRAINT chk_session_status CHECK (
				status IN ('pending', 'active', 'completed', 'expired', 'terminated')
			)
		);`,
	},
	{
		// at most one pending/active session per tourist
		Name: "uq_sessions_open_tourist",
		SQL: `CREATE UNIQUE INDEX IF NOT EXISTS uq_sessions_open_tourist
			  ON sessions (tourist_id) WHERE status IN ('pending', 'active');`,
	},
	{
		Name: "idx_sessions_active_end",
		SQL: `CREATE INDEX IF NOT EXISTS idx_sessions_active_end
			  ON sessions (end_date) WHERE status = 'active';`,
	},
	{
		Name: "location_samples table",
		SQL: `
		CREATE TABLE IF NOT EXISTS location_samples (
			id               UUID             NOT NULL,
			session_id       UUID             NOT NULL,
			tourist_id       TEXT             NOT NULL,
			longitude        DOUBLE PRECISION NOT NULL,
			latitude         DOUBLE PRECISION NOT NULL,
			accuracy         DOUBLE PRECISION NOT NULL DEFAULT 0,
			altitude         DOUBLE PRECISION NOT NULL DEFAULT 0,
			speed            DOUBLE PRECISION NOT NULL DEFAULT 0,
			heading          DOUBLE PRECISION NOT NULL DEFAULT 0,
			recorded_at      TIMESTAMPTZ      NOT NULL,
			uploaded_at      TIMESTAMPTZ      NOT NULL,
			battery_level    INT,
			battery_charging BOOLEAN,
			network_type     TEXT,
			network_strength INT,
			platform         TEXT             NOT NULL DEFAULT '',
			batch_id         UUID             NOT NULL,
			is_offline_sync  BOOLEAN          NOT NULL DEFAULT false,
			out_of_bounds    BOOLEAN          NOT NULL DEFAULT false,
			rapid_movement   BOOLEAN          NOT NULL DEFAULT false,
			suspicious_gap   BOOLEAN          NOT NULL DEFAULT false,
			seq              BIGSERIAL
		);`,
	},
	{
		Name: "idx_samples_session_recorded",
		SQL: `CREATE INDEX IF NOT EXISTS idx_samples_session_recorded
			  ON location_samples (session_id, recorded_at DESC);`,
	},
	{
		Name: "idx_samples_session_uploaded",
		SQL: `CREATE INDEX IF NOT EXISTS idx_samples_session_uploaded
			  ON location_samples (session_id, uploaded_at DESC);`,
	},
	{
		Name: "alerts table",
		SQL: `
		CREATE TABLE IF NOT EXISTS alerts (
			id                  UUID             PRIMARY KEY,
			session_id          UUID             NOT NULL REFERENCES sessions (id),
			tourist_id          TEXT             NOT NULL,
			alert_type          TEXT             NOT NULL,
			severity            TEXT             NOT NULL,
			status              TEXT             NOT NULL,
			description         TEXT             NOT NULL DEFAULT '',
			detected_at         TIMESTAMPTZ      NOT NULL,
			acknowledged_at     TIMESTAMPTZ,
			resolved_at         TIMESTAMPTZ,
			assigned_officer    TEXT             NOT NULL DEFAULT '',
			assigned_at         TIMESTAMPTZ,
			longitude           DOUBLE PRECISION,
			latitude            DOUBLE PRECISION,
			context             JSONB            NOT NULL DEFAULT '{}',
			escalation_history  JSONB            NOT NULL DEFAULT '[]',
			status_history      JSONB            NOT NULL DEFAULT '[]',
			resolution          JSONB,
			auto_escalate       BOOLEAN          NOT NULL DEFAULT true,
			escalate_after_min  INT              NOT NULL DEFAULT 30,
			has_escalated       BOOLEAN          NOT NULL DEFAULT false,
			notifications       JSONB            NOT NULL DEFAULT '[]',
			dedup_key           TEXT             NOT NULL DEFAULT '',
			created_at          TIMESTAMPTZ      NOT NULL,
			updated_at          TIMESTAMPTZ      NOT NULL,
			version             BIGINT           NOT NULL DEFAULT 1,

			CONSTRAINT chk_alert_type CHECK (alert_type IN (
				'inactivity', 'geo_fence_breach', 'panic', 'device_offline',
				'low_battery', 'rapid_movement', 'suspicious_location', 'missed_checkin'
			)),
			CONSTRAINT chk_alert_severity CHECK (severity IN ('low', 'medium', 'high', 'critical')),
			CONSTRAINT chk_alert_status CHECK (
				status IN ('created', 'acknowledged', 'investigating', 'resolved', 'false_alarm')
			)
		);`,
	},
	{
		// the dedup invariant: one open alert per (session, dedup key)
		Name: "uq_alerts_open_dedup",
		SQL: `CREATE UNIQUE INDEX IF NOT EXISTS uq_alerts_open_dedup
			  ON alerts (session_id, dedup_key)
			  WHERE dedup_key <> '' AND status NOT IN ('resolved', 'false_alarm');`,
	},
	{
		Name: "idx_alerts_escalation",
		SQL: `CREATE INDEX IF NOT EXISTS idx_alerts_escalation
			  ON alerts (detected_at)
			  WHERE status IN ('created', 'acknowledged') AND auto_escalate AND NOT has_escalated;`,
	},
	{
		Name: "idx_alerts_session",
		SQL: `CREATE INDEX IF NOT EXISTS idx_alerts_session
			  ON alerts (session_id, detected_at DESC);`,
	},
}
