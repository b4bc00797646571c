// Package journal records fetch runs and mailbox activity in a local
// SQLite database for diagnostics. It holds no mail content and is not a
// cache: the mailbox itself is never restored from it.
package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// Outcomes recorded for fetch runs and activity entries.
const (
	OutcomeOK          = "ok"
	OutcomeFailed      = "failed"
	OutcomeDiscarded   = "discarded"
	OutcomeAuthExpired = "auth_expired"
)

// FetchRun is one ingestion attempt.
type FetchRun struct {
	ID          string    `db:"id"`
	Fingerprint string    `db:"fingerprint"`
	Query       string    `db:"query"`
	Listed      int       `db:"listed"`
	Ingested    int       `db:"ingested"`
	Failed      int       `db:"failed"`
	Outcome     string    `db:"outcome"`
	Detail      string    `db:"detail"`
	StartedAt   time.Time `db:"started_at"`
	FinishedAt  time.Time `db:"finished_at"`
}

// Activity is one mutation, draft save or send.
type Activity struct {
	ID        string    `db:"id"`
	Kind      string    `db:"kind"`
	MessageID string    `db:"message_id"`
	DraftID   string    `db:"draft_id"`
	Outcome   string    `db:"outcome"`
	Detail    string    `db:"detail"`
	CreatedAt time.Time `db:"created_at"`
}

// Recorder is the write side of the journal used by the engine.
type Recorder interface {
	RecordFetch(ctx context.Context, run FetchRun) error
	RecordActivity(ctx context.Context, a Activity) error
}

// Journal is a SQLite-backed Recorder.
type Journal struct {
	db *sqlx.DB
}

// Open opens (or creates) the journal at dbPath, enables WAL mode, and
// runs any pending schema migrations. ":memory:" keeps the journal for
// the lifetime of the process only.
func Open(dbPath string) (*Journal, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	// Every pooled connection to :memory: would see its own database.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	j := &Journal{db: db}
	if err := j.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return j, nil
}

// Close closes the underlying database connection.
func (j *Journal) Close() error {
	return j.db.Close()
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func (j *Journal) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := j.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = j.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := j.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// RecordFetch inserts a fetch run. A missing ID is generated.
func (j *Journal) RecordFetch(ctx context.Context, run FetchRun) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.FinishedAt.IsZero() {
		run.FinishedAt = time.Now()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = run.FinishedAt
	}
	run.StartedAt = run.StartedAt.UTC()
	run.FinishedAt = run.FinishedAt.UTC()

	_, err := j.db.NamedExecContext(ctx, `
		INSERT INTO fetch_runs (
			id, fingerprint, query, listed, ingested, failed,
			outcome, detail, started_at, finished_at
		) VALUES (
			:id, :fingerprint, :query, :listed, :ingested, :failed,
			:outcome, :detail, :started_at, :finished_at
		)`, run)
	if err != nil {
		return fmt.Errorf("recording fetch run %s: %w", run.ID, err)
	}
	return nil
}

// RecordActivity inserts an activity entry. A missing ID is generated.
func (j *Journal) RecordActivity(ctx context.Context, a Activity) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	a.CreatedAt = a.CreatedAt.UTC()

	_, err := j.db.NamedExecContext(ctx, `
		INSERT INTO activity (id, kind, message_id, draft_id, outcome, detail, created_at)
		VALUES (:id, :kind, :message_id, :draft_id, :outcome, :detail, :created_at)`, a)
	if err != nil {
		return fmt.Errorf("recording %s activity: %w", a.Kind, err)
	}
	return nil
}

// RecentFetches returns up to limit fetch runs, newest first.
func (j *Journal) RecentFetches(ctx context.Context, limit int) ([]FetchRun, error) {
	if limit <= 0 {
		limit = 20
	}
	var runs []FetchRun
	err := j.db.SelectContext(ctx, &runs,
		"SELECT * FROM fetch_runs ORDER BY started_at DESC, rowid DESC LIMIT ?", limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying fetch runs: %w", err)
	}
	return runs, nil
}

// RecentActivity returns up to limit activity entries, newest first.
// A non-empty messageID restricts the result to that message.
func (j *Journal) RecentActivity(ctx context.Context, messageID string, limit int) ([]Activity, error) {
	if limit <= 0 {
		limit = 20
	}

	query := "SELECT * FROM activity"
	var args []interface{}
	if messageID != "" {
		query += " WHERE message_id = ?"
		args = append(args, messageID)
	}
	query += " ORDER BY created_at DESC, rowid DESC LIMIT ?"
	args = append(args, limit)

	var entries []Activity
	if err := j.db.SelectContext(ctx, &entries, query, args...); err != nil {
		return nil, fmt.Errorf("querying activity: %w", err)
	}
	return entries, nil
}

// Nop discards everything. It is used when no journal is configured.
type Nop struct{}

func (Nop) RecordFetch(context.Context, FetchRun) error    { return nil }
func (Nop) RecordActivity(context.Context, Activity) error { return nil }
