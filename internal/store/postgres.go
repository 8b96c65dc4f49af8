package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"tourist-safety/monitor/internal/config"
	"tourist-safety/monitor/internal/domain"
)

// Postgres implements Store on a pgx pool. Alert dedup relies on the
// uq_alerts_open_dedup partial index; the one-open-session rule relies on
// uq_sessions_open_tourist.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, cfg *config.Config) (*Postgres, error) {
	connStr := fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?pool_max_conns=%d",
		cfg.DBUser,
		cfg.DBPassword,
		cfg.DBHost,
		cfg.DBPort,
		cfg.DBName,
		cfg.DBMaxConns,
	)

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to create db pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}

	return &Postgres{pool: pool}, nil
}

var _ Store = (*Postgres)(nil)

func (s *Postgres) Close() {
	s.pool.Close()
}

func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Migrate applies Schema.
func (s *Postgres) Migrate(ctx context.Context) error {
	for _, step := range Schema {
		if _, err := s.pool.Exec(ctx, step.SQL); err != nil {
			return fmt.Errorf("migrate %s: %w", step.Name, err)
		}
	}
	return nil
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == constraint
}

// ── sessions ─────────────────────────────────────────────────

const sessionColumns = `
	id, tourist_id, destination, description, start_date, end_date, status,
	consent_given, consent_at, consent_source, geofences, emergency_contacts,
	check_in_interval, inactivity_threshold, last_activity_at, last_location_at,
	activated_at, completed_at, expired_at, terminated_at, termination_reason,
	alert_count, integrity_hash, created_at, updated_at, version`

func scanSession(row pgx.Row) (*domain.Session, error) {
	var s domain.Session
	err := row.Scan(
		&s.ID, &s.TouristID, &s.Destination, &s.Description, &s.StartDate, &s.EndDate, &s.Status,
		&s.Consent.Given, &s.Consent.Timestamp, &s.Consent.SourceAddress, &s.Geofences, &s.EmergencyContacts,
		&s.CheckInInterval, &s.InactivityThreshold, &s.LastActivityAt, &s.LastLocationAt,
		&s.ActivatedAt, &s.CompletedAt, &s.ExpiredAt, &s.TerminatedAt, &s.TerminationReason,
		&s.AlertCount, &s.IntegrityHash, &s.CreatedAt, &s.UpdatedAt, &s.Version,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Postgres) querySessions(ctx context.Context, query string, args ...any) ([]*domain.Session, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []*domain.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *Postgres) CreateSession(ctx context.Context, sess *domain.Session) error {
	query := `INSERT INTO sessions (` + sessionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
		        $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, 1)`

	_, err := s.pool.Exec(ctx, query,
		sess.ID, sess.TouristID, sess.Destination, sess.Description, sess.StartDate, sess.EndDate, sess.Status,
		sess.Consent.Given, sess.Consent.Timestamp, sess.Consent.SourceAddress,
		nonNil(sess.Geofences), nonNil(sess.EmergencyContacts),
		sess.CheckInInterval, sess.InactivityThreshold, sess.LastActivityAt, sess.LastLocationAt,
		sess.ActivatedAt, sess.CompletedAt, sess.ExpiredAt, sess.TerminatedAt, sess.TerminationReason,
		sess.AlertCount, sess.IntegrityHash, sess.CreatedAt, sess.UpdatedAt,
	)
	if isUniqueViolation(err, "uq_sessions_open_tourist") {
		return openSessionExists(sess.TouristID)
	}
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	sess.Version = 1
	return nil
}

func (s *Postgres) GetSession(ctx context.Context, id uuid.UUID) (*domain.Session, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	sess, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, sessionNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return sess, nil
}

func (s *Postgres) FindOpenSession(ctx context.Context, touristID string) (*domain.Session, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions
		WHERE tourist_id = $1 AND status IN ('pending', 'active')`, touristID)
	sess, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find open session: %w", err)
	}
	return sess, nil
}

func (s *Postgres) UpdateSession(ctx context.Context, sess *domain.Session) error {
	query := `
		UPDATE sessions SET
			status = $3, consent_given = $4, consent_at = $5, consent_source = $6,
			last_activity_at = $7, last_location_at = $8, activated_at = $9,
			completed_at = $10, expired_at = $11, terminated_at = $12,
			termination_reason = $13, alert_count = $14, updated_at = $15,
			version = version + 1
		WHERE id = $1 AND version = $2`

	tag, err := s.pool.Exec(ctx, query,
		sess.ID, sess.Version,
		sess.Status, sess.Consent.Given, sess.Consent.Timestamp, sess.Consent.SourceAddress,
		sess.LastActivityAt, sess.LastLocationAt, sess.ActivatedAt,
		sess.CompletedAt, sess.ExpiredAt, sess.TerminatedAt,
		sess.TerminationReason, sess.AlertCount, sess.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetSession(ctx, sess.ID); err != nil {
			return err
		}
		return versionConflict("session", sess.ID)
	}
	sess.Version++
	return nil
}

func (s *Postgres) ListActiveSessions(ctx context.Context) ([]*domain.Session, error) {
	return s.querySessions(ctx, `SELECT `+sessionColumns+` FROM sessions
		WHERE status = 'active' ORDER BY created_at`)
}

func (s *Postgres) ListSessionsByTourist(ctx context.Context, touristID string) ([]*domain.Session, error) {
	return s.querySessions(ctx, `SELECT `+sessionColumns+` FROM sessions
		WHERE tourist_id = $1 ORDER BY created_at DESC`, touristID)
}

func (s *Postgres) ListExpirable(ctx context.Context, now time.Time) ([]*domain.Session, error) {
	return s.querySessions(ctx, `SELECT `+sessionColumns+` FROM sessions
		WHERE status = 'active' AND end_date < $1 ORDER BY end_date`, now)
}

// ── location samples ─────────────────────────────────────────

var sampleColumns = []string{
	"id",
	"session_id",
	"tourist_id",
	"longitude",
	"latitude",
	"accuracy",
	"altitude",
	"speed",
	"heading",
	"recorded_at",
	"uploaded_at",
	"battery_level",
	"battery_charging",
	"network_type",
	"network_strength",
	"platform",
	"batch_id",
	"is_offline_sync",
	"out_of_bounds",
	"rapid_movement",
	"suspicious_gap",
}

func (s *Postgres) InsertSamples(ctx context.Context, samples []*domain.LocationSample) error {
	if len(samples) == 0 {
		return nil
	}

	rows := make([][]any, len(samples))
	for i, m := range samples {
		var (
			level    *int
			charging *bool
			netType  *string
			strength *int
		)
		if m.Battery != nil {
			level, charging = &m.Battery.Level, &m.Battery.IsCharging
		}
		if m.Network != nil {
			netType, strength = &m.Network.Type, &m.Network.Strength
		}
		rows[i] = []any{
			m.ID,
			m.SessionID,
			m.TouristID,
			m.Longitude,
			m.Latitude,
			m.Accuracy,
			m.Altitude,
			m.Speed,
			m.Heading,
			m.RecordedAt,
			m.UploadedAt,
			level,
			charging,
			netType,
			strength,
			m.Platform,
			m.BatchID,
			m.IsOfflineSync,
			m.Flags.OutOfBounds,
			m.Flags.RapidMovement,
			m.Flags.SuspiciousGap,
		}
	}

	_, err := s.pool.CopyFrom(
		ctx,
		pgx.Identifier{"location_samples"},
		sampleColumns,
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("CopyFrom failed for batch of %d: %w", len(samples), err)
	}
	return nil
}

const sampleSelect = `
	SELECT id, session_id, tourist_id, longitude, latitude, accuracy, altitude, speed, heading,
	       recorded_at, uploaded_at, battery_level, battery_charging, network_type, network_strength,
	       platform, batch_id, is_offline_sync, out_of_bounds, rapid_movement, suspicious_gap
	FROM location_samples`

func scanSample(row pgx.Row) (*domain.LocationSample, error) {
	var (
		m        domain.LocationSample
		level    *int
		charging *bool
		netType  *string
		strength *int
	)
	err := row.Scan(
		&m.ID, &m.SessionID, &m.TouristID, &m.Longitude, &m.Latitude, &m.Accuracy, &m.Altitude, &m.Speed, &m.Heading,
		&m.RecordedAt, &m.UploadedAt, &level, &charging, &netType, &strength,
		&m.Platform, &m.BatchID, &m.IsOfflineSync, &m.Flags.OutOfBounds, &m.Flags.RapidMovement, &m.Flags.SuspiciousGap,
	)
	if err != nil {
		return nil, err
	}
	if level != nil {
		m.Battery = &domain.Battery{Level: *level, IsCharging: charging != nil && *charging}
	}
	if netType != nil {
		m.Network = &domain.Network{Type: *netType}
		if strength != nil {
			m.Network.Strength = *strength
		}
	}
	return &m, nil
}

func (s *Postgres) LatestSample(ctx context.Context, sessionID uuid.UUID) (*domain.LocationSample, error) {
	row := s.pool.QueryRow(ctx, sampleSelect+` WHERE session_id = $1 ORDER BY recorded_at DESC, seq DESC LIMIT 1`, sessionID)
	m, err := scanSample(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest sample: %w", err)
	}
	return m, nil
}

func (s *Postgres) LatestUpload(ctx context.Context, sessionID uuid.UUID) (time.Time, bool, error) {
	var at *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT MAX(uploaded_at) FROM location_samples WHERE session_id = $1`, sessionID,
	).Scan(&at)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to get latest upload: %w", err)
	}
	if at == nil {
		return time.Time{}, false, nil
	}
	return *at, true, nil
}

func (s *Postgres) ListSamples(ctx context.Context, sessionID uuid.UUID) ([]*domain.LocationSample, error) {
	return s.querySamples(ctx, sampleSelect+` WHERE session_id = $1 ORDER BY seq`, sessionID)
}

func (s *Postgres) QuerySamples(ctx context.Context, sessionID uuid.UUID, q SampleQuery) ([]*domain.LocationSample, error) {
	query := sampleSelect + ` WHERE session_id = $1`
	args := []any{sessionID}
	if !q.From.IsZero() {
		args = append(args, q.From)
		query += fmt.Sprintf(` AND recorded_at >= $%d`, len(args))
	}
	if !q.To.IsZero() {
		args = append(args, q.To)
		query += fmt.Sprintf(` AND recorded_at <= $%d`, len(args))
	}
	args = append(args, q.limit())
	query += fmt.Sprintf(` ORDER BY recorded_at DESC, seq DESC LIMIT $%d`, len(args))
	out, err := s.querySamples(ctx, query, args...)
	if out == nil && err == nil {
		out = []*domain.LocationSample{}
	}
	return out, err
}

func (s *Postgres) querySamples(ctx context.Context, query string, args ...any) ([]*domain.LocationSample, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query samples: %w", err)
	}
	defer rows.Close()

	var out []*domain.LocationSample
	for rows.Next() {
		m, err := scanSample(rows)
		if err != nil {
			return nil, fmt.Errorf("scan sample: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ── alerts ───────────────────────────────────────────────────

const alertColumns = `
	id, session_id, tourist_id, alert_type, severity, status, description,
	detected_at, acknowledged_at, resolved_at, assigned_officer, assigned_at,
	longitude, latitude, context, escalation_history, status_history, resolution,
	auto_escalate, escalate_after_min, has_escalated, notifications, dedup_key,
	created_at, updated_at, version`

const alertValues = `($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
	$14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, 1)`

func alertArgs(a *domain.Alert) []any {
	var lon, lat *float64
	if a.Location != nil {
		lon, lat = &a.Location.Longitude, &a.Location.Latitude
	}
	return []any{
		a.ID, a.SessionID, a.TouristID, a.Type, a.Severity, a.Status, a.Description,
		a.DetectedAt, a.AcknowledgedAt, a.ResolvedAt, a.AssignedOfficer, a.AssignedAt,
		lon, lat, a.Context, nonNil(a.EscalationHistory), nonNil(a.StatusHistory), a.Resolution,
		a.AutoEscalate.Enabled, a.AutoEscalate.AfterMinutes, a.AutoEscalate.HasEscalated,
		nonNil(a.Notifications), a.DedupKey, a.CreatedAt, a.UpdatedAt,
	}
}

func scanAlert(row pgx.Row) (*domain.Alert, error) {
	var (
		a        domain.Alert
		lon, lat *float64
	)
	err := row.Scan(
		&a.ID, &a.SessionID, &a.TouristID, &a.Type, &a.Severity, &a.Status, &a.Description,
		&a.DetectedAt, &a.AcknowledgedAt, &a.ResolvedAt, &a.AssignedOfficer, &a.AssignedAt,
		&lon, &lat, &a.Context, &a.EscalationHistory, &a.StatusHistory, &a.Resolution,
		&a.AutoEscalate.Enabled, &a.AutoEscalate.AfterMinutes, &a.AutoEscalate.HasEscalated,
		&a.Notifications, &a.DedupKey, &a.CreatedAt, &a.UpdatedAt, &a.Version,
	)
	if err != nil {
		return nil, err
	}
	if lon != nil && lat != nil {
		a.Location = &domain.Point{Longitude: *lon, Latitude: *lat}
	}
	return &a, nil
}

func (s *Postgres) queryAlerts(ctx context.Context, query string, args ...any) ([]*domain.Alert, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	var out []*domain.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Postgres) InsertAlert(ctx context.Context, a *domain.Alert) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO alerts (`+alertColumns+`) VALUES `+alertValues,
		alertArgs(a)...,
	)
	if err != nil {
		return fmt.Errorf("failed to insert alert: %w", err)
	}
	a.Version = 1
	return nil
}

func (s *Postgres) InsertAlertIfNoneOpen(ctx context.Context, a *domain.Alert) (bool, error) {
	query := `INSERT INTO alerts (` + alertColumns + `) VALUES ` + alertValues + `
		ON CONFLICT (session_id, dedup_key)
			WHERE dedup_key <> '' AND status NOT IN ('resolved', 'false_alarm')
		DO NOTHING`

	tag, err := s.pool.Exec(ctx, query, alertArgs(a)...)
	if err != nil {
		return false, fmt.Errorf("failed to insert alert: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	a.Version = 1
	return true, nil
}

func (s *Postgres) GetAlert(ctx context.Context, id uuid.UUID) (*domain.Alert, error) {
	a, err := scanAlert(s.pool.QueryRow(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, alertNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get alert: %w", err)
	}
	return a, nil
}

func (s *Postgres) UpdateAlert(ctx context.Context, a *domain.Alert) error {
	query := `
		UPDATE alerts SET
			severity = $3, status = $4, acknowledged_at = $5, resolved_at = $6,
			assigned_officer = $7, assigned_at = $8, escalation_history = $9,
			status_history = $10, resolution = $11, has_escalated = $12,
			notifications = $13, updated_at = $14, version = version + 1
		WHERE id = $1 AND version = $2`

	tag, err := s.pool.Exec(ctx, query,
		a.ID, a.Version,
		a.Severity, a.Status, a.AcknowledgedAt, a.ResolvedAt,
		a.AssignedOfficer, a.AssignedAt, nonNil(a.EscalationHistory),
		nonNil(a.StatusHistory), a.Resolution, a.AutoEscalate.HasEscalated,
		nonNil(a.Notifications), a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update alert: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetAlert(ctx, a.ID); err != nil {
			return err
		}
		return versionConflict("alert", a.ID)
	}
	a.Version++
	return nil
}

func (s *Postgres) ListOpenAlerts(ctx context.Context, sessionID uuid.UUID) ([]*domain.Alert, error) {
	if sessionID == uuid.Nil {
		return s.queryAlerts(ctx, `SELECT `+alertColumns+` FROM alerts
			WHERE status NOT IN ('resolved', 'false_alarm') ORDER BY detected_at`)
	}
	return s.queryAlerts(ctx, `SELECT `+alertColumns+` FROM alerts
		WHERE session_id = $1 AND status NOT IN ('resolved', 'false_alarm') ORDER BY detected_at`, sessionID)
}

func (s *Postgres) ListEscalationCandidates(ctx context.Context, now time.Time) ([]*domain.Alert, error) {
	return s.queryAlerts(ctx, `SELECT `+alertColumns+` FROM alerts
		WHERE status IN ('created', 'acknowledged')
		  AND auto_escalate AND NOT has_escalated
		  AND detected_at < $1::timestamptz - make_interval(mins => escalate_after_min)
		ORDER BY detected_at`, now)
}

const severityRank = `CASE severity WHEN 'critical' THEN 4 WHEN 'high' THEN 3 WHEN 'medium' THEN 2 ELSE 1 END`

func (s *Postgres) ListAlerts(ctx context.Context, f AlertFilter) ([]*domain.Alert, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.TouristID != "" {
		add("tourist_id = $%d", f.TouristID)
	}
	if f.SessionID != uuid.Nil {
		add("session_id = $%d", f.SessionID)
	}
	if f.AssignedOfficer != "" {
		add("assigned_officer = $%d", f.AssignedOfficer)
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		add("status = ANY($%d)", statuses)
	}
	if f.Severity != "" {
		add("severity = $%d", string(f.Severity))
	}
	if f.Type != "" {
		add("alert_type = $%d", string(f.Type))
	}

	query := `SELECT ` + alertColumns + ` FROM alerts`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	args = append(args, f.limit())
	query += fmt.Sprintf(` ORDER BY %s DESC, detected_at DESC LIMIT $%d`, severityRank, len(args))

	out, err := s.queryAlerts(ctx, query, args...)
	if out == nil && err == nil {
		out = []*domain.Alert{}
	}
	return out, err
}

func (s *Postgres) AlertStatistics(ctx context.Context, from, to time.Time) (*domain.AlertStats, error) {
	stats := &domain.AlertStats{From: from, To: to, Breakdown: []domain.AlertBucket{}}
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FILTER (WHERE detected_at BETWEEN $1 AND $2),
		       COUNT(*) FILTER (WHERE status NOT IN ('resolved', 'false_alarm')),
		       COUNT(*) FILTER (WHERE severity = 'critical' AND status NOT IN ('resolved', 'false_alarm'))
		FROM alerts`, from, to,
	).Scan(&stats.Total, &stats.Unresolved, &stats.Critical)
	if err != nil {
		return nil, fmt.Errorf("failed to count alerts: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT alert_type, severity, status, COUNT(*),
		       COALESCE(AVG(EXTRACT(EPOCH FROM acknowledged_at - detected_at)), 0)::float8
		FROM alerts
		WHERE detected_at BETWEEN $1 AND $2
		GROUP BY alert_type, severity, status`, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate alerts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			typ, sev, st string
			count        int
			avgSeconds   float64
		)
		if err := rows.Scan(&typ, &sev, &st, &count, &avgSeconds); err != nil {
			return nil, fmt.Errorf("scan alert bucket: %w", err)
		}
		stats.Breakdown = append(stats.Breakdown, domain.AlertBucket{
			Type:        domain.AlertType(typ),
			Severity:    domain.Severity(sev),
			Status:      domain.AlertStatus(st),
			Count:       count,
			AvgResponse: time.Duration(avgSeconds * float64(time.Second)),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortBuckets(stats.Breakdown)
	return stats, nil
}

// nonNil keeps JSONB columns as '[]' rather than SQL NULL.
func nonNil[T any](v []T) []T {
	if v == nil {
		return []T{}
	}
	return v
}
