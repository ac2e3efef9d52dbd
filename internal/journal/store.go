// Package journal keeps an audit timeline of pipeline runs in SQLite.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loqalabs/loqa-notes/internal/config"
	"github.com/loqalabs/loqa-notes/internal/protocol"
)

const (
	RetentionEphemeral  = "ephemeral"
	RetentionSession    = "session"
	RetentionPersistent = "persistent"
)

// EventOutcome is the event type written for every pipeline outcome.
const EventOutcome = "outcome"

// Run is one pipeline run as recorded in the journal.
type Run struct {
	RunID     string
	SessionID string
	Kind      string
	Error     string
	NoteID    string
	CreatedAt time.Time
}

// Event is a timeline entry attached to a run.
type Event struct {
	ID        int64
	RunID     string
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// Store wraps the SQLite run timeline. An ephemeral store holds no database
// and accepts every write as a no-op.
type Store struct {
	db    *sql.DB
	cfg   config.JournalConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the journal according to config.
func Open(ctx context.Context, cfg config.JournalConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "journal"))
	if cfg.RetentionMode == RetentionEphemeral {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("journal vacuum failed", slog.String("error", err.Error()))
		}
	}
	if err := s.Prune(ctx); err != nil {
		log.Warn("journal prune on start failed", slog.String("error", err.Error()))
	}
	return s, nil
}

func (s *Store) enabled() bool {
	return s.db != nil && s.cfg.RetentionMode != RetentionEphemeral
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS runs (
    run_id TEXT PRIMARY KEY,
    session_id TEXT,
    kind TEXT NOT NULL,
    error TEXT,
    note_id TEXT,
    created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS run_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    payload BLOB,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(run_id) REFERENCES runs(run_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_runs_created ON runs(created_at);
CREATE INDEX IF NOT EXISTS idx_run_events_run ON run_events(run_id, created_at);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("init journal schema: %w", err)
	}
	return nil
}

func (s *Store) vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// AppendRun inserts or replaces the summary row of a run.
func (s *Store) AppendRun(ctx context.Context, run Run) error {
	if !s.enabled() {
		return nil
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(run_id, session_id, kind, error, note_id, created_at)
		 VALUES(?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id) DO UPDATE SET kind=excluded.kind, error=excluded.error, note_id=excluded.note_id`,
		run.RunID, run.SessionID, run.Kind, run.Error, run.NoteID, run.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("append run %s: %w", run.RunID, err)
	}
	return nil
}

// AppendEvent writes an event for an existing run.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if !s.enabled() {
		return nil
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_events(run_id, event_type, payload, created_at) VALUES(?, ?, ?, ?)`,
		evt.RunID, evt.Type, evt.Payload, evt.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("append event for run %s: %w", evt.RunID, err)
	}
	return nil
}

// ListRuns returns up to limit runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if !s.enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, session_id, kind, error, note_id, created_at
		 FROM runs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var session, errCode, noteID sql.NullString
		var created int64
		if err := rows.Scan(&r.RunID, &session, &r.Kind, &errCode, &noteID, &created); err != nil {
			return nil, err
		}
		r.SessionID = session.String
		r.Error = errCode.String
		r.NoteID = noteID.String
		r.CreatedAt = time.Unix(0, created).UTC()
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// ListRunEvents retrieves up to limit events of a run ordered ascending by time.
func (s *Store) ListRunEvents(ctx context.Context, runID string, limit int) ([]Event, error) {
	if !s.enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, event_type, payload, created_at
		 FROM run_events WHERE run_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, runID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var created int64
		if err := rows.Scan(&e.ID, &e.RunID, &e.Type, &e.Payload, &created); err != nil {
			return nil, err
		}
		e.CreatedAt = time.Unix(0, created).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) (err error) {
	if !s.enabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM runs WHERE created_at < ?`, cutoff.UnixNano()); err != nil {
			return err
		}
	}
	if s.cfg.MaxRuns > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM runs WHERE run_id IN (
			SELECT run_id FROM runs ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxRuns)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Notify records a pipeline outcome. Failures are logged, never returned, so
// the journal cannot stall the pipeline.
func (s *Store) Notify(ctx context.Context, o protocol.Outcome) {
	if !s.enabled() {
		return
	}
	ctx = context.WithoutCancel(ctx)
	run := Run{
		RunID:     o.RunID,
		SessionID: o.SessionID,
		Kind:      string(o.Kind),
		Error:     o.Error,
		NoteID:    o.NoteID,
		CreatedAt: o.Timestamp,
	}
	if err := s.AppendRun(ctx, run); err != nil {
		s.log.Warn("failed to journal run", slog.String("run_id", o.RunID), slog.String("error", err.Error()))
		return
	}
	payload, err := json.Marshal(o)
	if err != nil {
		s.log.Warn("failed to encode outcome", slog.String("error", err.Error()))
		return
	}
	if err := s.AppendEvent(ctx, Event{RunID: o.RunID, Type: EventOutcome, Payload: payload, CreatedAt: o.Timestamp}); err != nil {
		s.log.Warn("failed to journal outcome", slog.String("run_id", o.RunID), slog.String("error", err.Error()))
	}
}

// Ensure checks that an ephemeral journal holds no database connection.
func (s *Store) Ensure() error {
	if s.cfg.RetentionMode == RetentionEphemeral && s.db != nil {
		return errors.New("ephemeral journal should not have database connection")
	}
	return nil
}
