package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/ihiteshgupta/whatsapp-delivery-bridge/internal/state"
)

// SQLiteStore implements all repositories using SQLite.
type SQLiteStore struct {
	db    *sqlx.DB
	State *SQLiteStateRepo
	Sent  *SQLiteSentRepo
}

var (
	_ StateRepository = (*SQLiteStateRepo)(nil)
	_ SentRepository  = (*SQLiteSentRepo)(nil)
)

// NewSQLiteStore creates a new SQLite-backed store.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sqlx.Connect("sqlite3", dsn+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer; also keeps ":memory:" databases on a single connection.
	db.SetMaxOpenConns(1)

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &SQLiteStore{
		db:    db,
		State: &SQLiteStateRepo{db: db},
		Sent:  &SQLiteSentRepo{db: db},
	}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func runMigrations(db *sqlx.DB) error {
	migration := `
	CREATE TABLE IF NOT EXISTS transitions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		from_state TEXT NOT NULL,
		to_state TEXT NOT NULL,
		trigger_name TEXT NOT NULL,
		status_code INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		timestamp TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transitions_timestamp ON transitions(timestamp DESC);

	CREATE TABLE IF NOT EXISTS sent_messages (
		id TEXT PRIMARY KEY,
		jid TEXT NOT NULL,
		kind TEXT NOT NULL,
		timestamp TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS bridge_state (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		state TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	INSERT OR IGNORE INTO bridge_state (id, state, updated_at) VALUES (1, 'disconnected', CURRENT_TIMESTAMP);
	`
	_, err := db.Exec(migration)
	return err
}

// SQLiteStateRepo implements StateRepository.
type SQLiteStateRepo struct {
	db *sqlx.DB
}

func (r *SQLiteStateRepo) GetState(ctx context.Context) (*BridgeState, error) {
	var s BridgeState
	err := r.db.GetContext(ctx, &s, "SELECT state, updated_at FROM bridge_state WHERE id = 1")
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *SQLiteStateRepo) SaveState(ctx context.Context, s state.State) error {
	_, err := r.db.ExecContext(ctx, "UPDATE bridge_state SET state = ?, updated_at = ? WHERE id = 1", string(s), time.Now().UTC())
	return err
}

// LogTransition appends a transition and updates the recorded state atomically.
func (r *SQLiteStateRepo) LogTransition(ctx context.Context, entry TransitionEntry) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO transitions (from_state, to_state, trigger_name, status_code, error, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		string(entry.From), string(entry.To), entry.Trigger, entry.StatusCode, entry.Error, now,
	); err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE bridge_state SET state = ?, updated_at = ? WHERE id = 1",
		string(entry.To), now,
	); err != nil {
		return fmt.Errorf("update state: %w", err)
	}
	return tx.Commit()
}

// GetTransitionHistory returns the most recent transitions, newest first.
func (r *SQLiteStateRepo) GetTransitionHistory(ctx context.Context, limit int) ([]Transition, error) {
	var transitions []Transition
	err := r.db.SelectContext(ctx, &transitions, `
		SELECT id, from_state, to_state, trigger_name, status_code, error, timestamp
		FROM transitions
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	return transitions, err
}

// SQLiteSentRepo implements SentRepository.
type SQLiteSentRepo struct {
	db *sqlx.DB
}

func (r *SQLiteSentRepo) Record(ctx context.Context, msg *SentMessage) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	_, err := r.db.NamedExecContext(ctx, `
		INSERT OR REPLACE INTO sent_messages (id, jid, kind, timestamp)
		VALUES (:id, :jid, :kind, :timestamp)
	`, msg)
	return err
}

func (r *SQLiteSentRepo) Get(ctx context.Context, id string) (*SentMessage, error) {
	var msg SentMessage
	err := r.db.GetContext(ctx, &msg, "SELECT id, jid, kind, timestamp FROM sent_messages WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func (r *SQLiteSentRepo) Count(ctx context.Context) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, "SELECT COUNT(*) FROM sent_messages")
	return count, err
}
