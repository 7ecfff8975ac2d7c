package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Archiver moves finished sessions out of the live store into an archive
// directory and keeps a queryable SQLite index of what was archived. The
// index makes "what did I do in this directory last month" answerable
// without scanning every archived log.
type Archiver struct {
	store  *Store
	db     *sql.DB
	dir    string
	logger zerolog.Logger
}

// ArchiveEntry is one row of the archive index
type ArchiveEntry struct {
	ID           string    `json:"id"`
	Model        string    `json:"model"`
	WorkingDir   string    `json:"cwd"`
	CreatedAt    time.Time `json:"created_at"`
	ArchivedAt   time.Time `json:"archived_at"`
	MessageCount int       `json:"message_count"`
}

const archiveSchema = `
CREATE TABLE IF NOT EXISTS archives (
	id            TEXT PRIMARY KEY,
	model         TEXT NOT NULL,
	cwd           TEXT NOT NULL,
	created_at    TIMESTAMP NOT NULL,
	archived_at   TIMESTAMP NOT NULL,
	message_count INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_archives_cwd ON archives(cwd);
`

// NewArchiver opens the archive index under the store root
func NewArchiver(store *Store) (*Archiver, error) {
	dir := filepath.Join(store.Root(), archiveDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create archive dir: %w", err)
	}

	db, err := sql.Open("sqlite3", filepath.Join(dir, "index.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open archive index: %w", err)
	}
	if _, err := db.Exec(archiveSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init archive index: %w", err)
	}

	return &Archiver{
		store:  store,
		db:     db,
		dir:    dir,
		logger: log.With().Str("component", "archiver").Logger(),
	}, nil
}

// Close releases the index database
func (a *Archiver) Close() error {
	return a.db.Close()
}

// ErrSessionFresh reports that a conditional archive was skipped because
// the session had been updated within the idle threshold
var ErrSessionFresh = errors.New("session updated within idle threshold")

// Archive moves a session directory into the archive and indexes it. The
// move happens under the session lock so a writer mid-append is never
// yanked out from under. A non-zero ifIdleFor makes the archive
// conditional: the session's age is re-checked under the lock, and a
// session touched within the threshold is left alone. An unlocked sweep
// scan can race a resume, so only this check is authoritative.
func (a *Archiver) Archive(ctx context.Context, id string, ifIdleFor time.Duration) error {
	lock := a.store.sessionLock(id)
	if err := lock.Acquire(ctx); err != nil {
		return err
	}

	srcDir := a.store.sessionDir(id)
	sess, err := readMeta(srcDir)
	if err != nil {
		lock.Release()
		return err
	}

	if ifIdleFor > 0 && time.Since(sess.UpdatedAt) < ifIdleFor {
		lock.Release()
		return ErrSessionFresh
	}

	sess.Status = StatusArchived
	sess.UpdatedAt = time.Now().UTC()
	if err := writeMeta(srcDir, sess); err != nil {
		lock.Release()
		return err
	}

	// The lock file lives inside the directory being moved; release before
	// the rename so the moved tree does not carry a held lock.
	lock.Release()

	dstDir := filepath.Join(a.dir, id)
	if err := os.Rename(srcDir, dstDir); err != nil {
		return fmt.Errorf("failed to move session to archive: %w", err)
	}

	_, err = a.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO archives (id, model, cwd, created_at, archived_at, message_count)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Model, sess.WorkingDir, sess.CreatedAt, sess.UpdatedAt, sess.MessageCount)
	if err != nil {
		return fmt.Errorf("failed to index archived session: %w", err)
	}

	a.logger.Info().
		Str("session_id", id).
		Int("messages", sess.MessageCount).
		Msg("Session archived")
	return nil
}

// Lookup returns the index entry for an archived session
func (a *Archiver) Lookup(ctx context.Context, id string) (*ArchiveEntry, error) {
	row := a.db.QueryRowContext(ctx,
		`SELECT id, model, cwd, created_at, archived_at, message_count FROM archives WHERE id = ?`, id)

	var e ArchiveEntry
	if err := row.Scan(&e.ID, &e.Model, &e.WorkingDir, &e.CreatedAt, &e.ArchivedAt, &e.MessageCount); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("session %s not in archive", id)
		}
		return nil, fmt.Errorf("failed to query archive: %w", err)
	}
	return &e, nil
}

// ListByDir returns archived sessions for a working directory, newest first
func (a *Archiver) ListByDir(ctx context.Context, cwd string) ([]ArchiveEntry, error) {
	rows, err := a.db.QueryContext(ctx,
		`SELECT id, model, cwd, created_at, archived_at, message_count
		 FROM archives WHERE cwd = ? ORDER BY archived_at DESC`, cwd)
	if err != nil {
		return nil, fmt.Errorf("failed to query archive: %w", err)
	}
	defer rows.Close()

	var entries []ArchiveEntry
	for rows.Next() {
		var e ArchiveEntry
		if err := rows.Scan(&e.ID, &e.Model, &e.WorkingDir, &e.CreatedAt, &e.ArchivedAt, &e.MessageCount); err != nil {
			return nil, fmt.Errorf("failed to scan archive row: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Purge deletes an archived session's directory and its index row
func (a *Archiver) Purge(ctx context.Context, id string) error {
	if err := os.RemoveAll(filepath.Join(a.dir, id)); err != nil {
		return fmt.Errorf("failed to delete archived session: %w", err)
	}
	if _, err := a.db.ExecContext(ctx, `DELETE FROM archives WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete archive index row: %w", err)
	}
	a.logger.Info().Str("session_id", id).Msg("Archived session purged")
	return nil
}
