package session

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/harun/laju/pkg/loop"
)

// Checkpoint marks a position in the message log together with the loop
// state at that moment. Records are immutable once written.
type Checkpoint struct {
	ID          string     `json:"id"`
	Offset      int        `json:"offset"`
	Description string     `json:"description"`
	State       loop.State `json:"state"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Checkpoint records the current log position and loop state so the session
// can be rolled back to this point later
func (s *Store) Checkpoint(ctx context.Context, sess *Session, description string, state loop.State) (*Checkpoint, error) {
	lock := s.sessionLock(sess.ID)
	if err := lock.Acquire(ctx); err != nil {
		return nil, err
	}
	defer lock.Release()

	dir := s.sessionDir(sess.ID)
	current, err := readMeta(dir)
	if err != nil {
		return nil, err
	}

	cp := &Checkpoint{
		ID:          uuid.New().String(),
		Offset:      current.MessageCount,
		Description: description,
		State:       state,
		CreatedAt:   time.Now().UTC(),
	}

	line, err := json.Marshal(cp)
	if err != nil {
		return nil, fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	line = append(line, '\n')

	f, err := os.OpenFile(filepath.Join(dir, checkpointsFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint log: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to append checkpoint: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("failed to close checkpoint log: %w", err)
	}

	s.logger.Info().
		Str("session_id", sess.ID).
		Str("checkpoint_id", cp.ID).
		Int("offset", cp.Offset).
		Str("description", description).
		Msg("Checkpoint created")
	return cp, nil
}

// Checkpoints reads all checkpoint records for a session, oldest first
func (s *Store) Checkpoints(sess *Session) ([]Checkpoint, error) {
	f, err := os.Open(filepath.Join(s.sessionDir(sess.ID), checkpointsFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open checkpoint log: %w", err)
	}
	defer f.Close()

	var checkpoints []Checkpoint
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		var cp Checkpoint
		if err := json.Unmarshal(scanner.Bytes(), &cp); err != nil {
			return nil, fmt.Errorf("malformed checkpoint: %w", err)
		}
		checkpoints = append(checkpoints, cp)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read checkpoint log: %w", err)
	}
	return checkpoints, nil
}

// Rollback truncates the message log to a checkpoint's offset and returns
// the loop state captured there. The truncation is a rewrite-and-rename so
// a concurrent reader never sees a half-truncated log.
func (s *Store) Rollback(ctx context.Context, sess *Session, cp *Checkpoint) (loop.State, error) {
	lock := s.sessionLock(sess.ID)
	if err := lock.Acquire(ctx); err != nil {
		return loop.State{}, err
	}
	defer lock.Release()

	dir := s.sessionDir(sess.ID)
	current, err := readMeta(dir)
	if err != nil {
		return loop.State{}, err
	}
	if cp.Offset > current.MessageCount {
		return loop.State{}, fmt.Errorf("checkpoint offset %d beyond log length %d", cp.Offset, current.MessageCount)
	}

	if err := truncateLog(dir, cp.Offset); err != nil {
		return loop.State{}, err
	}

	current.MessageCount = cp.Offset
	current.UpdatedAt = time.Now().UTC()
	if err := writeMeta(dir, current); err != nil {
		return loop.State{}, err
	}
	*sess = *current

	s.logger.Info().
		Str("session_id", sess.ID).
		Str("checkpoint_id", cp.ID).
		Int("offset", cp.Offset).
		Msg("Session rolled back")
	return cp.State, nil
}

// truncateLog keeps the first offset lines of the message log, replacing
// the file atomically
func truncateLog(dir string, offset int) error {
	logPath := filepath.Join(dir, messagesFile)

	src, err := os.Open(logPath)
	if err != nil {
		if os.IsNotExist(err) && offset == 0 {
			return nil
		}
		return fmt.Errorf("failed to open message log: %w", err)
	}
	defer src.Close()

	tmp, err := os.CreateTemp(dir, ".messages-*")
	if err != nil {
		return fmt.Errorf("failed to create temp log: %w", err)
	}
	tmpName := tmp.Name()

	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	kept := 0
	for kept < offset && scanner.Scan() {
		if _, err := tmp.Write(append(scanner.Bytes(), '\n')); err != nil {
			tmp.Close()
			os.Remove(tmpName)
			return fmt.Errorf("failed to write truncated log: %w", err)
		}
		kept++
	}
	if err := scanner.Err(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to read message log: %w", err)
	}
	if kept < offset {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("message log has %d lines, checkpoint expects %d", kept, offset)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync truncated log: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close truncated log: %w", err)
	}
	if err := os.Rename(tmpName, logPath); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace message log: %w", err)
	}
	return nil
}
