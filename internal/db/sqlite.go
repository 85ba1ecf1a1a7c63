package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver (no CGO required)
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// schema defines the tables for the screening persistence layer.
// Version is tracked in the schema_versions table.
var migrations = []struct {
	version int
	sql     string
}{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_versions (
    version     INTEGER PRIMARY KEY,
    applied_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS screening_sessions (
    id              TEXT PRIMARY KEY,
    participant_id  TEXT NOT NULL DEFAULT '',
    status          TEXT NOT NULL DEFAULT 'in_progress',
    definition      TEXT NOT NULL DEFAULT '',
    health_answered BOOLEAN NOT NULL DEFAULT 0,
    drug_use        BOOLEAN NOT NULL DEFAULT 0,
    neuro_condition BOOLEAN NOT NULL DEFAULT 0,
    medical_treatment BOOLEAN NOT NULL DEFAULT 0,
    created_at      DATETIME NOT NULL,
    updated_at      DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_status     ON screening_sessions(status);
CREATE INDEX IF NOT EXISTS idx_sessions_created_at ON screening_sessions(created_at DESC);

CREATE TABLE IF NOT EXISTS session_type_frequencies (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id  TEXT NOT NULL REFERENCES screening_sessions(id) ON DELETE CASCADE,
    type_name   TEXT NOT NULL,
    frequency   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_type_freq_session ON session_type_frequencies(session_id);

CREATE TABLE IF NOT EXISTS session_events (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id  TEXT NOT NULL REFERENCES screening_sessions(id) ON DELETE CASCADE,
    name        TEXT NOT NULL,
    step        INTEGER NOT NULL DEFAULT 0,
    created_at  DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_session ON session_events(session_id, created_at ASC);
`,
	},
	// Migration 2: quality_verdicts (append-only check history)
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS quality_verdicts (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id      TEXT NOT NULL,
    correlation_id  TEXT NOT NULL DEFAULT '',
    is_valid        BOOLEAN NOT NULL,
    anomaly_score   REAL NOT NULL DEFAULT 0.0,
    confidence      REAL NOT NULL DEFAULT 0.0,
    recommendation  TEXT NOT NULL DEFAULT 'ACCEPT',
    threshold       REAL,
    issues          TEXT NOT NULL DEFAULT '[]',
    details         TEXT NOT NULL DEFAULT '{}',
    checked_at      DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_verdicts_session    ON quality_verdicts(session_id, checked_at DESC);
CREATE INDEX IF NOT EXISTS idx_verdicts_checked_at ON quality_verdicts(checked_at DESC);
CREATE INDEX IF NOT EXISTS idx_verdicts_recommendation ON quality_verdicts(recommendation);
`,
	},
	// Migration 3: training_runs (operational model history)
	{
		version: 3,
		sql: `
CREATE TABLE IF NOT EXISTS training_runs (
    id               TEXT PRIMARY KEY,
    status           TEXT NOT NULL DEFAULT 'running',
    epochs           INTEGER NOT NULL DEFAULT 0,
    learning_rate    REAL NOT NULL DEFAULT 0.0,
    batch_size       INTEGER NOT NULL DEFAULT 0,
    sample_count     INTEGER NOT NULL DEFAULT 0,
    threshold        REAL NOT NULL DEFAULT 0.0,
    final_train_loss REAL NOT NULL DEFAULT 0.0,
    final_val_loss   REAL NOT NULL DEFAULT 0.0,
    error            TEXT NOT NULL DEFAULT '',
    started_at       DATETIME NOT NULL,
    finished_at      DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_training_runs_started ON training_runs(started_at DESC);
CREATE INDEX IF NOT EXISTS idx_training_runs_status  ON training_runs(status);
`,
	},
}

// sqliteStore is the SQLite-backed implementation of Store.
type sqliteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path and
// runs all pending schema migrations. Pass ":memory:" for an in-memory store.
func NewSQLiteStore(path string) (Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}

	// Enable WAL mode for better concurrency and performance.
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	// Enable foreign-key constraints.
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &sqliteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// migrate applies any unapplied migrations in order.
func (s *sqliteStore) migrate() error {
	// Ensure schema_versions table exists before reading from it.
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_versions (
        version    INTEGER PRIMARY KEY,
        applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
    )`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_versions WHERE version = ?`, m.version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}
		if count > 0 {
			continue // already applied
		}

		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}

		if _, err := s.db.Exec(`INSERT INTO schema_versions(version) VALUES(?)`, m.version); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}
	return nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }

func (s *sqliteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// ─── Sessions ─────────────────────────────────────────────────────────────────

func (s *sqliteStore) SaveSession(ctx context.Context, rec *SessionRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	healthAnswered := rec.Health != nil
	var drugUse, neuro, medical bool
	if rec.Health != nil {
		drugUse = rec.Health.DrugUse
		neuro = rec.Health.NeuroCondition
		medical = rec.Health.MedicalTreatment
	}

	_, err = tx.ExecContext(ctx, `
        INSERT INTO screening_sessions(id, participant_id, status, definition, health_answered, drug_use, neuro_condition, medical_treatment, created_at, updated_at)
        VALUES(?,?,?,?,?,?,?,?,?,?)
        ON CONFLICT(id) DO UPDATE SET
            status            = excluded.status,
            definition        = excluded.definition,
            health_answered   = excluded.health_answered,
            drug_use          = excluded.drug_use,
            neuro_condition   = excluded.neuro_condition,
            medical_treatment = excluded.medical_treatment,
            updated_at        = excluded.updated_at
    `,
		rec.ID, rec.ParticipantID, rec.Status, rec.Definition,
		healthAnswered, drugUse, neuro, medical,
		rec.CreatedAt.UTC(), rec.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}

	// Type frequencies are replaced wholesale on every save.
	if _, err := tx.ExecContext(ctx, `DELETE FROM session_type_frequencies WHERE session_id=?`, rec.ID); err != nil {
		return fmt.Errorf("delete type frequencies: %w", err)
	}
	for _, tf := range rec.TypeFrequencies {
		_, err := tx.ExecContext(ctx, `
            INSERT INTO session_type_frequencies(session_id, type_name, frequency)
            VALUES(?,?,?)
        `, rec.ID, tf.TypeName, tf.Frequency)
		if err != nil {
			return fmt.Errorf("insert type frequency: %w", err)
		}
	}

	return tx.Commit()
}

func (s *sqliteStore) GetSession(ctx context.Context, id string) (*SessionRecord, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT id, participant_id, status, definition, health_answered, drug_use, neuro_condition, medical_treatment, created_at, updated_at
        FROM screening_sessions WHERE id=?`, id)
	rec, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	// type frequencies
	tfRows, err := s.db.QueryContext(ctx, `SELECT type_name, frequency FROM session_type_frequencies WHERE session_id=? ORDER BY id ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("query type frequencies: %w", err)
	}
	defer tfRows.Close()
	for tfRows.Next() {
		var tf TypeFrequencyRecord
		if err := tfRows.Scan(&tf.TypeName, &tf.Frequency); err != nil {
			return nil, err
		}
		rec.TypeFrequencies = append(rec.TypeFrequencies, tf)
	}

	// events, oldest first
	evRows, err := s.db.QueryContext(ctx, `SELECT id, name, step, created_at FROM session_events WHERE session_id=? ORDER BY created_at ASC, id ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer evRows.Close()
	for evRows.Next() {
		var ev EventRecord
		var ts string
		ev.SessionID = id
		if err := evRows.Scan(&ev.ID, &ev.Name, &ev.Step, &ts); err != nil {
			return nil, err
		}
		ev.CreatedAt, _ = parseTime(ts)
		rec.Events = append(rec.Events, ev)
	}

	return rec, nil
}

func (s *sqliteStore) ListSessions(ctx context.Context, status string, limit, offset int) ([]*SessionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, participant_id, status, definition, health_answered, drug_use, neuro_condition, medical_treatment, created_at, updated_at FROM screening_sessions`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

func (s *sqliteStore) AppendEvent(ctx context.Context, ev *EventRecord) error {
	result, err := s.db.ExecContext(ctx, `
        INSERT INTO session_events(session_id, name, step, created_at)
        VALUES(?,?,?,?)
    `, ev.SessionID, ev.Name, ev.Step, ev.CreatedAt.UTC())
	if err != nil {
		return err
	}
	id, _ := result.LastInsertId()
	ev.ID = id
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*SessionRecord, error) {
	rec := &SessionRecord{}
	var healthAnswered, drugUse, neuro, medical bool
	var createdAt, updatedAt string
	err := row.Scan(&rec.ID, &rec.ParticipantID, &rec.Status, &rec.Definition,
		&healthAnswered, &drugUse, &neuro, &medical, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if healthAnswered {
		rec.Health = &HealthRecord{DrugUse: drugUse, NeuroCondition: neuro, MedicalTreatment: medical}
	}
	rec.CreatedAt, _ = parseTime(createdAt)
	rec.UpdatedAt, _ = parseTime(updatedAt)
	return rec, nil
}

// ─── Verdicts ─────────────────────────────────────────────────────────────────

func (s *sqliteStore) AppendVerdict(ctx context.Context, rec *VerdictRecord) error {
	result, err := s.db.ExecContext(ctx, `
        INSERT INTO quality_verdicts(session_id, correlation_id, is_valid, anomaly_score, confidence, recommendation, threshold, issues, details, checked_at)
        VALUES(?,?,?,?,?,?,?,?,?,?)
    `,
		rec.SessionID, rec.CorrelationID, rec.IsValid, rec.AnomalyScore,
		rec.Confidence, rec.Recommendation, rec.Threshold, rec.Issues,
		rec.Details, rec.CheckedAt.UTC(),
	)
	if err != nil {
		return err
	}
	id, _ := result.LastInsertId()
	rec.ID = id
	return nil
}

func (s *sqliteStore) QueryVerdicts(ctx context.Context, q VerdictQuery) ([]*VerdictRecord, error) {
	query := `SELECT id, session_id, correlation_id, is_valid, anomaly_score, confidence, recommendation, threshold, issues, details, checked_at FROM quality_verdicts WHERE 1=1`
	args := []any{}

	if q.SessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, q.SessionID)
	}
	if q.Recommendation != "" {
		query += ` AND recommendation = ?`
		args = append(args, q.Recommendation)
	}
	if !q.From.IsZero() {
		query += ` AND checked_at >= ?`
		args = append(args, q.From.UTC())
	}
	if !q.To.IsZero() {
		query += ` AND checked_at <= ?`
		args = append(args, q.To.UTC())
	}
	query += ` ORDER BY checked_at DESC, id DESC`
	if q.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d OFFSET %d`, q.Limit, q.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*VerdictRecord
	for rows.Next() {
		rec, err := scanVerdict(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

func (s *sqliteStore) LatestVerdict(ctx context.Context, sessionID string) (*VerdictRecord, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT id, session_id, correlation_id, is_valid, anomaly_score, confidence, recommendation, threshold, issues, details, checked_at
        FROM quality_verdicts WHERE session_id=? ORDER BY checked_at DESC, id DESC LIMIT 1`, sessionID)
	rec, err := scanVerdict(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return rec, nil
}

func (s *sqliteStore) VerdictSummary(ctx context.Context, from, to time.Time) (map[string]int, error) {
	query := `SELECT recommendation, COUNT(*) FROM quality_verdicts WHERE 1=1`
	args := []any{}
	if !from.IsZero() {
		query += ` AND checked_at >= ?`
		args = append(args, from.UTC())
	}
	if !to.IsZero() {
		query += ` AND checked_at <= ?`
		args = append(args, to.UTC())
	}
	query += ` GROUP BY recommendation`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	summary := map[string]int{}
	for rows.Next() {
		var rec string
		var count int
		if err := rows.Scan(&rec, &count); err != nil {
			return nil, err
		}
		summary[rec] = count
	}
	return summary, rows.Err()
}

func scanVerdict(row rowScanner) (*VerdictRecord, error) {
	rec := &VerdictRecord{}
	var ts string
	err := row.Scan(&rec.ID, &rec.SessionID, &rec.CorrelationID, &rec.IsValid,
		&rec.AnomalyScore, &rec.Confidence, &rec.Recommendation, &rec.Threshold,
		&rec.Issues, &rec.Details, &ts)
	if err != nil {
		return nil, err
	}
	rec.CheckedAt, _ = parseTime(ts)
	return rec, nil
}

// ─── Training runs ────────────────────────────────────────────────────────────

func (s *sqliteStore) SaveTrainingRun(ctx context.Context, rec *TrainingRunRecord) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO training_runs(id, status, epochs, learning_rate, batch_size, sample_count, threshold, final_train_loss, final_val_loss, error, started_at, finished_at)
        VALUES(?,?,?,?,?,?,?,?,?,?,?,?)
        ON CONFLICT(id) DO UPDATE SET
            status           = excluded.status,
            sample_count     = excluded.sample_count,
            threshold        = excluded.threshold,
            final_train_loss = excluded.final_train_loss,
            final_val_loss   = excluded.final_val_loss,
            error            = excluded.error,
            finished_at      = excluded.finished_at
    `,
		rec.ID, rec.Status, rec.Epochs, rec.LearningRate, rec.BatchSize,
		rec.SampleCount, rec.Threshold, rec.FinalTrainLoss, rec.FinalValLoss,
		rec.Error, rec.StartedAt.UTC(), rec.FinishedAt.UTC(),
	)
	return err
}

func (s *sqliteStore) ListTrainingRuns(ctx context.Context, limit int) ([]*TrainingRunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, status, epochs, learning_rate, batch_size, sample_count, threshold, final_train_loss, final_val_loss, error, started_at, finished_at
        FROM training_runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*TrainingRunRecord
	for rows.Next() {
		rec, err := scanTrainingRun(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

func (s *sqliteStore) LatestTrainingRun(ctx context.Context) (*TrainingRunRecord, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT id, status, epochs, learning_rate, batch_size, sample_count, threshold, final_train_loss, final_val_loss, error, started_at, finished_at
        FROM training_runs WHERE status='completed' ORDER BY started_at DESC LIMIT 1`)
	rec, err := scanTrainingRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return rec, nil
}

func scanTrainingRun(row rowScanner) (*TrainingRunRecord, error) {
	rec := &TrainingRunRecord{}
	var started, finished string
	err := row.Scan(&rec.ID, &rec.Status, &rec.Epochs, &rec.LearningRate,
		&rec.BatchSize, &rec.SampleCount, &rec.Threshold, &rec.FinalTrainLoss,
		&rec.FinalValLoss, &rec.Error, &started, &finished)
	if err != nil {
		return nil, err
	}
	rec.StartedAt, _ = parseTime(started)
	rec.FinishedAt, _ = parseTime(finished)
	return rec, nil
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// parseTime handles multiple SQLite datetime formats.
func parseTime(s string) (time.Time, error) {
	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05.999999999Z07:00",
		"2006-01-02 15:04:05.999999999Z07:00",
		"2006-01-02 15:04:05Z07:00",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
	}
	for _, l := range layouts {
		if t, err := time.Parse(l, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse time %q", s)
}
