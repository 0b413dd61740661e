// Package history is the bounded, append-only log of past sessions. Entries
// are immutable once written; the only mutations are whole-entry deletions
// and the purge that keeps the log under its configured bound.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("history entry not found")

// ErrConfirmRequired blocks a limit reduction that would delete entries until
// the caller explicitly confirms. It is never bypassed.
type ErrConfirmRequired struct {
	DeleteCount int
}

func (e *ErrConfirmRequired) Error() string {
	return fmt.Sprintf("reducing the history limit would delete %d entries; confirmation required", e.DeleteCount)
}

// Entry snapshots the agent's name and auto-process flag at creation time; it
// does not reference the live registry.
type Entry struct {
	ID            string        `json:"id"`
	AgentID       string        `json:"agentId"`
	AgentName     string        `json:"agentName"`
	Transcription string        `json:"transcription"`
	Response      string        `json:"response"` // empty = partial result
	CreatedAt     time.Time     `json:"createdAt"`
	AudioPath     string        `json:"audioPath,omitempty"`
	Duration      time.Duration `json:"duration,omitempty"`
	AutoProcessAI bool          `json:"autoProcessAi"`
}

func (e Entry) Partial() bool { return e.Response == "" }

type Store struct {
	db *sql.DB

	mu    sync.Mutex
	limit int
}

func Open(path string, limit int) (*Store, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("history limit must be positive, got %d", limit)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}

	dsn := path + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer; the session machine serializes access anyway

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping history database: %w", err)
	}

	s := &Store{db: db, limit: limit}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS history (
		seq           INTEGER PRIMARY KEY AUTOINCREMENT,
		id            TEXT NOT NULL UNIQUE,
		agent_id      TEXT NOT NULL,
		agent_name    TEXT NOT NULL,
		transcription TEXT NOT NULL,
		response      TEXT NOT NULL DEFAULT '',
		created_at    INTEGER NOT NULL,
		audio_path    TEXT NOT NULL DEFAULT '',
		duration_ms   INTEGER NOT NULL DEFAULT 0,
		auto_process  INTEGER NOT NULL DEFAULT 0
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create history schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Limit() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.limit
}

// Append inserts the entry and, in the same transaction, purges the oldest
// entries so the bound holds. It returns the audio paths of purged entries so
// the caller can remove the artifacts.
func (s *Store) Append(ctx context.Context, e Entry) (string, []string, error) {
	s.mu.Lock()
	limit := s.limit
	s.mu.Unlock()

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", nil, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	purged, err := purgeOverLimitTx(ctx, tx, limit-1)
	if err != nil {
		return "", nil, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO history (id, agent_id, agent_name, transcription, response,
		                     created_at, audio_path, duration_ms, auto_process)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.AgentID, e.AgentName, e.Transcription, e.Response,
		e.CreatedAt.Unix(), e.AudioPath, e.Duration.Milliseconds(), e.AutoProcessAI,
	)
	if err != nil {
		return "", nil, fmt.Errorf("insert history entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", nil, fmt.Errorf("commit append: %w", err)
	}
	return e.ID, purged, nil
}

// purgeOverLimitTx deletes oldest-by-insertion-order entries until at most
// keep remain, returning their audio paths.
func purgeOverLimitTx(ctx context.Context, tx *sql.Tx, keep int) ([]string, error) {
	if keep < 0 {
		keep = 0
	}
	var count int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM history`).Scan(&count); err != nil {
		return nil, fmt.Errorf("count for purge: %w", err)
	}
	toDelete := count - keep
	if toDelete <= 0 {
		return nil, nil
	}
	rows, err := tx.QueryContext(ctx, `
		SELECT seq, audio_path FROM history
		ORDER BY seq ASC
		LIMIT ?`, toDelete)
	if err != nil {
		return nil, fmt.Errorf("select purge candidates: %w", err)
	}
	defer rows.Close()

	var seqs []any
	var paths []string
	for rows.Next() {
		var seq int64
		var path string
		if err := rows.Scan(&seq, &path); err != nil {
			return nil, fmt.Errorf("scan purge candidate: %w", err)
		}
		seqs = append(seqs, seq)
		if path != "" {
			paths = append(paths, path)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate purge candidates: %w", err)
	}

	for _, seq := range seqs {
		if _, err := tx.ExecContext(ctx, `DELETE FROM history WHERE seq = ?`, seq); err != nil {
			return nil, fmt.Errorf("purge entry: %w", err)
		}
	}
	return paths, nil
}

// Delete removes one entry and returns its audio path (may be empty).
func (s *Store) Delete(ctx context.Context, id string) (string, error) {
	var path string
	err := s.db.QueryRowContext(ctx, `SELECT audio_path FROM history WHERE id = ?`, id).Scan(&path)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("lookup history entry: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM history WHERE id = ?`, id); err != nil {
		return "", fmt.Errorf("delete history entry: %w", err)
	}
	return path, nil
}

// Clear removes all entries and returns their audio paths.
func (s *Store) Clear(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT audio_path FROM history WHERE audio_path != ''`)
	if err != nil {
		return nil, fmt.Errorf("list audio paths: %w", err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan audio path: %w", err)
		}
		paths = append(paths, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audio paths: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM history`); err != nil {
		return nil, fmt.Errorf("clear history: %w", err)
	}
	return paths, nil
}

// List returns all entries, newest first.
func (s *Store) List(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, agent_name, transcription, response,
		       created_at, audio_path, duration_ms, auto_process
		FROM history ORDER BY seq DESC`)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var createdAt, durationMs int64
		if err := rows.Scan(
			&e.ID, &e.AgentID, &e.AgentName, &e.Transcription, &e.Response,
			&createdAt, &e.AudioPath, &durationMs, &e.AutoProcessAI,
		); err != nil {
			return nil, fmt.Errorf("scan history entry: %w", err)
		}
		e.CreatedAt = time.Unix(createdAt, 0)
		e.Duration = time.Duration(durationMs) * time.Millisecond
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return out, nil
}

func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM history`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count history: %w", err)
	}
	return n, nil
}

// PlanLimit reports exactly how many entries a reduction to newLimit would
// delete, without deleting anything.
func (s *Store) PlanLimit(ctx context.Context, newLimit int) (int, error) {
	if newLimit <= 0 {
		return 0, fmt.Errorf("history limit must be positive, got %d", newLimit)
	}
	n, err := s.Count(ctx)
	if err != nil {
		return 0, err
	}
	if n <= newLimit {
		return 0, nil
	}
	return n - newLimit, nil
}

// SetLimit applies a new bound. A reduction that would delete entries returns
// ErrConfirmRequired with the exact count unless confirm is set; on confirm
// the oldest entries are purged and their audio paths returned.
func (s *Store) SetLimit(ctx context.Context, newLimit int, confirm bool) ([]string, error) {
	deleteCount, err := s.PlanLimit(ctx, newLimit)
	if err != nil {
		return nil, err
	}
	if deleteCount > 0 && !confirm {
		return nil, &ErrConfirmRequired{DeleteCount: deleteCount}
	}

	var purged []string
	if deleteCount > 0 {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return nil, fmt.Errorf("begin limit purge: %w", err)
		}
		defer tx.Rollback()
		purged, err = purgeOverLimitTx(ctx, tx, newLimit)
		if err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit limit purge: %w", err)
		}
	}

	s.mu.Lock()
	s.limit = newLimit
	s.mu.Unlock()
	return purged, nil
}
