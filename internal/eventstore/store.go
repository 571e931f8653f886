package eventstore

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

	"github.com/loqalabs/speechd/internal/config"
	"github.com/loqalabs/speechd/internal/speech"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a session is not in the store.
var ErrNotFound = errors.New("session not found")

// Outcomes stamped on finished sessions.
const (
	OutcomeEnded       = "ended"
	OutcomeFailed      = "failed"
	OutcomeUnavailable = "unavailable"
)

// SessionRecord is the stored summary of one recognition session.
type SessionRecord struct {
	ID        string     `json:"id"`
	Locale    string     `json:"locale,omitempty"`
	AudioPath string     `json:"audio_path,omitempty"`
	Outcome   string     `json:"outcome,omitempty"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// Store wraps a SQLite-backed timeline of sessions and their events.
// Timestamps are stored as unix milliseconds.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the event store according to config.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "event-store"))
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.Path)
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
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    locale TEXT NOT NULL DEFAULT '',
    audio_path TEXT NOT NULL DEFAULT '',
    outcome TEXT NOT NULL DEFAULT '',
    started_at INTEGER NOT NULL,
    ended_at INTEGER
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    seq INTEGER NOT NULL,
    session_id TEXT NOT NULL DEFAULT '',
    event_type TEXT NOT NULL,
    is_final INTEGER NOT NULL DEFAULT 0,
    text TEXT NOT NULL DEFAULT '',
    available INTEGER NOT NULL DEFAULT 0,
    locale TEXT NOT NULL DEFAULT '',
    segments TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id, id);
CREATE INDEX IF NOT EXISTS idx_sessions_started ON sessions(started_at);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return err
	}
	return s.ensureColumn(ctx, "events", "segments", "TEXT NOT NULL DEFAULT ''")
}

// ensureColumn adds a column missing from a table created by an older schema.
func (s *Store) ensureColumn(ctx context.Context, table, column, decl string) error {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			cid       int
			name, typ string
			notNull   int
			dflt      sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return err
		}
		if name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()
	_, err = s.db.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, decl))
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Enabled reports whether the store persists anything.
func (s *Store) Enabled() bool {
	return s != nil && s.db != nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// AppendSession records a session if it is not already known.
func (s *Store) AppendSession(ctx context.Context, rec SessionRecord) error {
	if !s.Enabled() {
		return nil
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, locale, audio_path, started_at)
		 VALUES(?, ?, ?, ?)
		 ON CONFLICT(session_id) DO NOTHING`,
		rec.ID, rec.Locale, rec.AudioPath, rec.StartedAt.UnixMilli())
	return err
}

// FinishSession stamps the outcome of a session.
func (s *Store) FinishSession(ctx context.Context, sessionID, outcome string, endedAt time.Time) error {
	if !s.Enabled() {
		return nil
	}
	if endedAt.IsZero() {
		endedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET outcome = ?, ended_at = ? WHERE session_id = ? AND outcome = ''`,
		outcome, endedAt.UnixMilli(), sessionID)
	return err
}

// UpdateLocale records a locale change for a session.
func (s *Store) UpdateLocale(ctx context.Context, sessionID, locale string) error {
	if !s.Enabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET locale = ? WHERE session_id = ?`, locale, sessionID)
	return err
}

// AppendEvent writes an emitted event into the store.
func (s *Store) AppendEvent(ctx context.Context, evt speech.Event) error {
	if !s.Enabled() {
		return nil
	}
	if evt.Time.IsZero() {
		evt.Time = s.clock()
	}
	segments := ""
	if len(evt.Segments) > 0 {
		data, err := json.Marshal(evt.Segments)
		if err != nil {
			return fmt.Errorf("encode segments: %w", err)
		}
		segments = string(data)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(seq, session_id, event_type, is_final, text, available, locale, segments, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		evt.Seq, evt.SessionID, string(evt.Type), evt.IsFinal, evt.Text, evt.Available, evt.Locale, segments, evt.Time.UnixMilli())
	return err
}

// GetSession returns one session summary.
func (s *Store) GetSession(ctx context.Context, sessionID string) (SessionRecord, error) {
	if !s.Enabled() {
		return SessionRecord{}, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT session_id, locale, audio_path, outcome, started_at, ended_at
		 FROM sessions WHERE session_id = ?`, sessionID)
	rec, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return SessionRecord{}, ErrNotFound
	}
	return rec, err
}

// ListSessions returns up to limit sessions, most recent first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]SessionRecord, error) {
	if !s.Enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, locale, audio_path, outcome, started_at, ended_at
		 FROM sessions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, rec)
	}
	return sessions, rows.Err()
}

// ListSessionEvents retrieves up to limit events for a session in emission
// order. An empty sessionID lists events emitted while no session was active.
func (s *Store) ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]speech.Event, error) {
	if !s.Enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, session_id, event_type, is_final, text, available, locale, segments, created_at
		 FROM events WHERE session_id = ? ORDER BY id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []speech.Event
	for rows.Next() {
		var e speech.Event
		var typ, segments string
		var created int64
		if err := rows.Scan(&e.Seq, &e.SessionID, &typ, &e.IsFinal, &e.Text, &e.Available, &e.Locale, &segments, &created); err != nil {
			return nil, err
		}
		if segments != "" {
			if err := json.Unmarshal([]byte(segments), &e.Segments); err != nil {
				return nil, fmt.Errorf("decode segments of event %d: %w", e.Seq, err)
			}
		}
		e.Type = speech.EventType(typ)
		e.Time = time.UnixMilli(created).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) (err error) {
	if !s.Enabled() {
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

	if s.cfg.RetentionMode != "persistent" && s.cfg.RetentionMode != "session" {
		return tx.Commit()
	}
	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UnixMilli()
		if _, err = tx.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE started_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY started_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	_, err = tx.ExecContext(ctx, `DELETE FROM events
		WHERE session_id != '' AND session_id NOT IN (SELECT session_id FROM sessions)`)
	if err != nil {
		return err
	}
	err = tx.Commit()
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (SessionRecord, error) {
	var rec SessionRecord
	var started int64
	var ended sql.NullInt64
	if err := row.Scan(&rec.ID, &rec.Locale, &rec.AudioPath, &rec.Outcome, &started, &ended); err != nil {
		return SessionRecord{}, err
	}
	rec.StartedAt = time.UnixMilli(started).UTC()
	if ended.Valid {
		t := time.UnixMilli(ended.Int64).UTC()
		rec.EndedAt = &t
	}
	return rec, nil
}
