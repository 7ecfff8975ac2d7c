package session

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/harun/laju/pkg/toolexec"
)

const (
	metaFile        = "meta.json"
	messagesFile    = "messages.jsonl"
	checkpointsFile = "checkpoints.jsonl"
	lockFile        = ".lock"
	storeLockFile   = ".store.lock"
	archiveDir      = "archive"

	// idAlphabet excludes lookalike characters, matching the readable IDs
	// used elsewhere in logs
	idAlphabet = "23456789abcdefghijkmnpqrstuvwxyz"
	idSuffix   = 8

	// maxLineBytes bounds a single message line when scanning the log
	maxLineBytes = 8 * 1024 * 1024
)

// Status is a session lifecycle state
type Status string

const (
	StatusActive   Status = "active"
	StatusCold     Status = "cold"
	StatusArchived Status = "archived"
)

// Session is the metadata record for one conversation. It is owned by the
// Store: callers never mutate fields directly, the on-disk copy is the
// authoritative one.
type Session struct {
	ID           string    `json:"id"`
	Model        string    `json:"model"`
	WorkingDir   string    `json:"cwd"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int       `json:"message_count"`
	Status       Status    `json:"status"`
}

// Role identifies the author of a message
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one line of the append-only log. Immutable once appended.
type Message struct {
	Role      Role            `json:"role"`
	Content   string          `json:"content"`
	ToolCalls []toolexec.Call `json:"tool_calls,omitempty"`
	TokensIn  int             `json:"tokens_in,omitempty"`
	TokensOut int             `json:"tokens_out,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Store persists sessions under a root directory, one directory per session
type Store struct {
	root        string
	lockBackoff time.Duration
	lockTimeout time.Duration
	logger      zerolog.Logger
}

// NewStore creates a store rooted at dir, creating it if needed
func NewStore(root string, lockBackoff, lockTimeout time.Duration) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("store root cannot be empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store root: %w", err)
	}
	return &Store{
		root:        root,
		lockBackoff: lockBackoff,
		lockTimeout: lockTimeout,
		logger:      log.With().Str("component", "session").Logger(),
	}, nil
}

// Root returns the store's root directory
func (s *Store) Root() string {
	return s.root
}

// newSessionID builds a timestamp-prefixed ID with a random suffix. The
// suffix keeps IDs distinct even when several processes create sessions in
// the same clock second.
func newSessionID(now time.Time) string {
	suffix := gonanoid.MustGenerate(idAlphabet, idSuffix)
	return now.UTC().Format("20060102-150405") + "-" + suffix
}

func (s *Store) sessionDir(id string) string {
	return filepath.Join(s.root, id)
}

func (s *Store) sessionLock(id string) *fileLock {
	return newFileLock(filepath.Join(s.sessionDir(id), lockFile), s.lockBackoff, s.lockTimeout)
}

// Create makes a new active session for the given model and working
// directory
func (s *Store) Create(model, cwd string) (*Session, error) {
	if model == "" {
		return nil, fmt.Errorf("model cannot be empty")
	}

	now := time.Now().UTC()
	sess := &Session{
		ID:         newSessionID(now),
		Model:      model,
		WorkingDir: cwd,
		CreatedAt:  now,
		UpdatedAt:  now,
		Status:     StatusActive,
	}

	dir := s.sessionDir(sess.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create session dir: %w", err)
	}
	if err := writeMeta(dir, sess); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("session_id", sess.ID).
		Str("model", model).
		Str("cwd", cwd).
		Msg("Session created")
	return sess, nil
}

// Load reads a session's metadata by ID
func (s *Store) Load(id string) (*Session, error) {
	return readMeta(s.sessionDir(id))
}

// Append adds a message to the session log. The write happens under the
// session's advisory lock: the metadata on disk, not the caller's copy, is
// read back and updated so concurrent writers never lose counts.
func (s *Store) Append(ctx context.Context, sess *Session, msg Message) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	line, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	line = append(line, '\n')

	lock := s.sessionLock(sess.ID)
	if err := lock.Acquire(ctx); err != nil {
		return err
	}
	defer lock.Release()

	dir := s.sessionDir(sess.ID)
	current, err := readMeta(dir)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(filepath.Join(dir, messagesFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open message log: %w", err)
	}
	// One Write call for the whole line, so a reader never sees a partial
	// message even if we crash right after
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("failed to append message: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync message log: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close message log: %w", err)
	}

	current.MessageCount++
	current.UpdatedAt = time.Now().UTC()
	if err := writeMeta(dir, current); err != nil {
		return err
	}

	*sess = *current
	return nil
}

// Messages reads the full log, one message per line
func (s *Store) Messages(sess *Session) ([]Message, error) {
	f, err := os.Open(filepath.Join(s.sessionDir(sess.ID), messagesFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open message log: %w", err)
	}
	defer f.Close()

	var messages []Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		var msg Message
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			return nil, fmt.Errorf("malformed message at line %d: %w", len(messages)+1, err)
		}
		messages = append(messages, msg)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read message log: %w", err)
	}
	return messages, nil
}

// LoadOrResume returns the most recent active session for cwd updated
// within maxAge, or creates a fresh one. The whole find-then-open sequence
// runs under the store lock so a concurrent cleanup cannot remove the
// session between discovery and use.
func (s *Store) LoadOrResume(ctx context.Context, cwd, model string, maxAge time.Duration) (*Session, error) {
	storeLock := newFileLock(filepath.Join(s.root, storeLockFile), s.lockBackoff, s.lockTimeout)
	if err := storeLock.Acquire(ctx); err != nil {
		return nil, err
	}
	defer storeLock.Release()

	best, err := s.findResumable(cwd, maxAge)
	if err != nil {
		return nil, err
	}
	if best != nil {
		// Re-read under the session lock: the scan's copy may already be
		// stale if a writer appended between discovery and now
		lock := s.sessionLock(best.ID)
		if err := lock.Acquire(ctx); err != nil {
			return nil, err
		}
		dir := s.sessionDir(best.ID)
		current, err := readMeta(dir)
		if err != nil {
			lock.Release()
			return nil, err
		}
		current.Status = StatusActive
		current.UpdatedAt = time.Now().UTC()
		err = writeMeta(dir, current)
		lock.Release()
		if err != nil {
			return nil, err
		}
		s.logger.Info().
			Str("session_id", current.ID).
			Str("cwd", cwd).
			Msg("Session resumed")
		return current, nil
	}

	return s.Create(model, cwd)
}

// findResumable scans the root for the most recently updated session
// matching cwd and within maxAge
func (s *Store) findResumable(cwd string, maxAge time.Duration) (*Session, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("failed to scan store: %w", err)
	}

	cutoff := time.Now().UTC().Add(-maxAge)
	var best *Session
	for _, entry := range entries {
		if !entry.IsDir() || entry.Name() == archiveDir {
			continue
		}
		sess, err := readMeta(filepath.Join(s.root, entry.Name()))
		if err != nil {
			// A half-created or foreign directory is not a candidate
			continue
		}
		if sess.WorkingDir != cwd || sess.Status == StatusArchived {
			continue
		}
		if sess.UpdatedAt.Before(cutoff) {
			continue
		}
		if best == nil || sess.UpdatedAt.After(best.UpdatedAt) {
			best = sess
		}
	}
	return best, nil
}

// SetStatus updates a session's status under its lock
func (s *Store) SetStatus(ctx context.Context, sess *Session, status Status) error {
	lock := s.sessionLock(sess.ID)
	if err := lock.Acquire(ctx); err != nil {
		return err
	}
	defer lock.Release()

	dir := s.sessionDir(sess.ID)
	current, err := readMeta(dir)
	if err != nil {
		return err
	}
	current.Status = status
	current.UpdatedAt = time.Now().UTC()
	if err := writeMeta(dir, current); err != nil {
		return err
	}
	*sess = *current
	return nil
}

// List returns the metadata of every non-archived session in the store
func (s *Store) List() ([]*Session, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("failed to scan store: %w", err)
	}

	var sessions []*Session
	for _, entry := range entries {
		if !entry.IsDir() || entry.Name() == archiveDir {
			continue
		}
		sess, err := readMeta(filepath.Join(s.root, entry.Name()))
		if err != nil {
			continue
		}
		sessions = append(sessions, sess)
	}
	return sessions, nil
}

// writeMeta replaces the metadata file atomically: write a temp file in the
// same directory, fsync, then rename over the old one. A reader sees either
// the old content or the new, never a partial file.
func writeMeta(dir string, sess *Session) error {
	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".meta-*")
	if err != nil {
		return fmt.Errorf("failed to create temp metadata: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync metadata: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close metadata: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(dir, metaFile)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace metadata: %w", err)
	}
	return nil
}

func readMeta(dir string) (*Session, error) {
	data, err := os.ReadFile(filepath.Join(dir, metaFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("corrupt metadata in %s: %w", dir, err)
	}
	return &sess, nil
}
