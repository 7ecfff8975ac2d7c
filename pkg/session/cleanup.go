package session

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Cleaner runs the retention policy on a schedule: stale sessions move to
// the archive, archived sessions past retention are purged. A session whose
// lock is held is always skipped, never touched.
type Cleaner struct {
	store        *Store
	archiver     *Archiver
	archiveAfter time.Duration
	retention    time.Duration
	cron         *cron.Cron
	logger       zerolog.Logger
}

// NewCleaner builds a cleaner; call Start to begin the schedule
func NewCleaner(store *Store, archiver *Archiver, archiveAfter, retention time.Duration) *Cleaner {
	return &Cleaner{
		store:        store,
		archiver:     archiver,
		archiveAfter: archiveAfter,
		retention:    retention,
		cron:         cron.New(),
		logger:       log.With().Str("component", "cleanup").Logger(),
	}
}

// Start schedules sweeps using a cron expression such as "@hourly"
func (c *Cleaner) Start(schedule string) error {
	_, err := c.cron.AddFunc(schedule, func() {
		if err := c.Sweep(context.Background()); err != nil {
			c.logger.Error().Err(err).Msg("Cleanup sweep failed")
		}
	})
	if err != nil {
		return err
	}
	c.cron.Start()
	c.logger.Info().Str("schedule", schedule).Msg("Cleanup scheduled")
	return nil
}

// Stop halts the schedule, waiting for a running sweep to finish
func (c *Cleaner) Stop() {
	ctx := c.cron.Stop()
	<-ctx.Done()
}

// Sweep applies the retention policy once
func (c *Cleaner) Sweep(ctx context.Context) error {
	sessions, err := c.store.List()
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, sess := range sessions {
		if now.Sub(sess.UpdatedAt) < c.archiveAfter {
			continue
		}

		// An immediately-held lock means the session is in use somewhere;
		// leave it alone and let the next sweep catch it.
		lock := c.store.sessionLock(sess.ID)
		free, err := lock.TryAcquire()
		if err != nil || !free {
			c.logger.Debug().Str("session_id", sess.ID).Msg("Skipping locked session")
			continue
		}
		lock.Release()

		// Archive re-checks the session's age under its lock; a session
		// resumed after the List scan above comes back fresh and is skipped
		if err := c.archiver.Archive(ctx, sess.ID, c.archiveAfter); err != nil {
			if errors.Is(err, ErrSessionFresh) {
				c.logger.Debug().Str("session_id", sess.ID).Msg("Session resumed since scan; skipping")
				continue
			}
			c.logger.Warn().Err(err).Str("session_id", sess.ID).Msg("Failed to archive session")
		}
	}

	return c.purgeExpired(ctx)
}

// purgeExpired deletes archived sessions older than the retention window
func (c *Cleaner) purgeExpired(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-c.retention)

	rows, err := c.archiver.db.QueryContext(ctx,
		`SELECT id FROM archives WHERE archived_at < ?`, cutoff)
	if err != nil {
		return err
	}
	defer rows.Close()

	var expired []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return err
		}
		expired = append(expired, id)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, id := range expired {
		if err := c.archiver.Purge(ctx, id); err != nil {
			c.logger.Warn().Err(err).Str("session_id", id).Msg("Failed to purge archived session")
		}
	}
	return nil
}
