package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/autovoice/autovoice-core/internal/config"
	_ "modernc.org/sqlite"
)

// Session records one load lifecycle for a tab.
type Session struct {
	ID        string
	TabID     int
	Website   string
	CreatedAt time.Time
}

// Event records one playback state transition within a session.
type Event struct {
	ID        int64
	SessionID string
	TabID     int
	State     string
	Position  float64
	Duration  float64
	Error     string
	CreatedAt time.Time
}

// Store wraps a SQLite-backed playback journal.
type Store struct {
	db    *sql.DB
	cfg   config.JournalConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the journal according to config.
func Open(ctx context.Context, cfg config.JournalConfig, log *slog.Logger) (*Store, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
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

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS playback_sessions (
    session_id TEXT PRIMARY KEY,
    tab_id INTEGER NOT NULL,
    website TEXT,
    created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS playback_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    tab_id INTEGER NOT NULL,
    state TEXT,
    position REAL,
    duration REAL,
    error TEXT,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(session_id) REFERENCES playback_sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_playback_events_session_created ON playback_events(session_id, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
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

// AppendSession ensures a session row exists.
func (s *Store) AppendSession(ctx context.Context, session Session) error {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil
	}
	createdAt := session.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO playback_sessions(session_id, tab_id, website, created_at)
		 VALUES(?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET tab_id=excluded.tab_id, website=excluded.website`,
		session.ID, session.TabID, session.Website, createdAt)
	return err
}

// AppendEvent writes a state transition into the journal.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO playback_events(session_id, tab_id, state, position, duration, error, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		evt.SessionID, evt.TabID, evt.State, evt.Position, evt.Duration, evt.Error, evt.CreatedAt)
	return err
}

// ListSessionEvents retrieves up to limit events for a session ordered ascending by time.
func (s *Store) ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, tab_id, state, position, duration, error, created_at
		 FROM playback_events WHERE session_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var created string
		if err := rows.Scan(&e.ID, &e.SessionID, &e.TabID, &e.State, &e.Position, &e.Duration, &e.Error, &created); err != nil {
			return nil, err
		}
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			e.CreatedAt = ts
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// ListRecentSessions returns the newest sessions first.
func (s *Store) ListRecentSessions(ctx context.Context, limit int) ([]Session, error) {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, tab_id, website, created_at
		 FROM playback_sessions ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var sess Session
		var created string
		if err := rows.Scan(&sess.ID, &sess.TabID, &sess.Website, &created); err != nil {
			return nil, err
		}
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			sess.CreatedAt = ts
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) error {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM playback_events WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM playback_sessions WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM playback_sessions WHERE session_id IN (
			SELECT session_id FROM playback_sessions ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

// Ensure verifies the ephemeral invariant: no database handle exists.
func (s *Store) Ensure() error {
	if s.cfg.RetentionMode == "ephemeral" && s.db != nil {
		return errors.New("ephemeral journal should not have database connection")
	}
	return nil
}
