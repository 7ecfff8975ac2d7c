package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gofrs/flock"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// HealthStatus summarizes a model's recent behavior
type HealthStatus string

const (
	StatusHealthy     HealthStatus = "healthy"
	StatusDegraded    HealthStatus = "degraded"
	StatusRateLimited HealthStatus = "rate_limited"
	StatusUnavailable HealthStatus = "unavailable"
)

// degradedAfter is the failure streak that flips a model to Degraded
const degradedAfter = 3

// ErrHealthLockContention reports that the health file lock could not be
// acquired within the update timeout
var ErrHealthLockContention = errors.New("health file lock held by another process")

// ModelHealth is the shared per-model record. It lives in a file, not in
// memory, because several processes in the same working directory must
// agree on which models are in cooldown.
type ModelHealth struct {
	ModelID       string       `json:"model_id"`
	SuccessCount  int          `json:"success_count"`
	FailureCount  int          `json:"failure_count"`
	FailureStreak int          `json:"failure_streak"`
	AvgLatencyMs  float64      `json:"avg_latency_ms"`
	CooldownUntil time.Time    `json:"cooldown_until,omitempty"`
	Status        HealthStatus `json:"status"`
}

// InCooldown reports whether the model is excluded from rotation right now
func (h ModelHealth) InCooldown(now time.Time) bool {
	return now.Before(h.CooldownUntil)
}

// HealthTracker persists ModelHealth records to a shared JSON file guarded
// by an advisory lock. An fsnotify watcher invalidates the in-process cache
// when another process rewrites the file, so reads stay cheap without going
// stale.
type HealthTracker struct {
	path    string
	lock    *flock.Flock
	watcher *fsnotify.Watcher

	mu    sync.Mutex
	cache map[string]ModelHealth
	stale bool

	logger zerolog.Logger
}

// NewHealthTracker opens or creates the shared health file
func NewHealthTracker(path string) (*HealthTracker, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create health dir: %w", err)
	}

	t := &HealthTracker{
		path:   path,
		lock:   flock.New(path + ".lock"),
		cache:  make(map[string]ModelHealth),
		stale:  true,
		logger: log.With().Str("component", "health").Logger(),
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create health watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch health dir: %w", err)
	}
	t.watcher = watcher
	go t.watch()

	return t, nil
}

// watch marks the cache stale whenever the health file changes on disk
func (t *HealthTracker) watch() {
	for {
		select {
		case event, ok := <-t.watcher.Events:
			if !ok {
				return
			}
			if event.Name == t.path && event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				t.mu.Lock()
				t.stale = true
				t.mu.Unlock()
			}
		case err, ok := <-t.watcher.Errors:
			if !ok {
				return
			}
			t.logger.Warn().Err(err).Msg("Health watcher error")
		}
	}
}

// Close stops the watcher
func (t *HealthTracker) Close() error {
	return t.watcher.Close()
}

// Get returns the current record for a model, refreshing from disk if
// another process changed the file
func (t *HealthTracker) Get(model string) ModelHealth {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stale {
		if records, err := t.load(); err == nil {
			t.cache = records
			t.stale = false
		}
	}

	if h, ok := t.cache[model]; ok {
		return h
	}
	return ModelHealth{ModelID: model, Status: StatusHealthy}
}

// RecordSuccess updates the shared record after a successful call
func (t *HealthTracker) RecordSuccess(ctx context.Context, model string, latency time.Duration) error {
	return t.update(ctx, model, func(h *ModelHealth) {
		h.SuccessCount++
		h.FailureStreak = 0
		h.Status = StatusHealthy
		h.CooldownUntil = time.Time{}
		observeLatency(h, latency)
	})
}

// RecordFailure updates the shared record after a failed call, setting a
// cooldown for rate limits
func (t *HealthTracker) RecordFailure(ctx context.Context, model string, failure *Failure, latency time.Duration) error {
	return t.update(ctx, model, func(h *ModelHealth) {
		h.FailureCount++
		h.FailureStreak++
		observeLatency(h, latency)

		switch failure.Kind {
		case FailureRateLimit:
			h.Status = StatusRateLimited
			cooldown := failure.RetryAfter
			if cooldown <= 0 {
				// Exponential default when the server gave no hint
				cooldown = time.Duration(1<<uint(min(h.FailureStreak, 6))) * time.Second
			}
			h.CooldownUntil = time.Now().UTC().Add(cooldown)
		case FailureFatal:
			h.Status = StatusUnavailable
		default:
			if h.FailureStreak >= degradedAfter {
				h.Status = StatusDegraded
			}
		}
	})
}

// update applies fn to one model's record under the file lock:
// read-modify-write against disk, never against the cache
func (t *HealthTracker) update(ctx context.Context, model string, fn func(*ModelHealth)) error {
	lockCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	ok, err := t.lock.TryLockContext(lockCtx, 25*time.Millisecond)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("failed to lock health file: %w", err)
	}
	// A timed-out wait surfaces as a deadline error, an immediate refusal
	// as ok == false; both mean another process holds the lock
	if !ok {
		return ErrHealthLockContention
	}
	defer t.lock.Unlock()

	records, err := t.load()
	if err != nil {
		return err
	}

	h := records[model]
	h.ModelID = model
	if h.Status == "" {
		h.Status = StatusHealthy
	}
	fn(&h)
	records[model] = h

	if err := t.save(records); err != nil {
		return err
	}

	t.mu.Lock()
	t.cache = records
	t.stale = false
	t.mu.Unlock()
	return nil
}

func (t *HealthTracker) load() (map[string]ModelHealth, error) {
	data, err := os.ReadFile(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]ModelHealth), nil
		}
		return nil, fmt.Errorf("failed to read health file: %w", err)
	}

	records := make(map[string]ModelHealth)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &records); err != nil {
			return nil, fmt.Errorf("corrupt health file: %w", err)
		}
	}
	return records, nil
}

// save replaces the health file atomically, same temp-and-rename discipline
// as session metadata
func (t *HealthTracker) save(records map[string]ModelHealth) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode health records: %w", err)
	}

	dir := filepath.Dir(t.path)
	tmp, err := os.CreateTemp(dir, ".health-*")
	if err != nil {
		return fmt.Errorf("failed to create temp health file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write health file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close health file: %w", err)
	}
	if err := os.Rename(tmpName, t.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace health file: %w", err)
	}
	return nil
}

// observeLatency folds one sample into the rolling average
func observeLatency(h *ModelHealth, latency time.Duration) {
	sample := float64(latency.Milliseconds())
	if h.AvgLatencyMs == 0 {
		h.AvgLatencyMs = sample
		return
	}
	h.AvgLatencyMs = h.AvgLatencyMs*0.8 + sample*0.2
}
