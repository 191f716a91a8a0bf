package analytics

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/lua-guard/keyserver/internal/models"
)

const (
	defaultSweepInterval      = 6 * time.Hour
	defaultEventRetentionDays = 30
	deleteBatchSize           = 5000
	maxDeleteBatchesPerRun    = 200
)

// RetentionCleaner periodically deletes aged event rows along with expired
// sessions and expired, uncompleted pending requests.
type RetentionCleaner struct {
	db            *gorm.DB
	interval      time.Duration
	retentionDays int
}

// NewRetentionCleaner constructs a RetentionCleaner with default settings.
func NewRetentionCleaner(db *gorm.DB) *RetentionCleaner {
	if db == nil {
		return nil
	}
	return &RetentionCleaner{
		db:            db,
		interval:      defaultSweepInterval,
		retentionDays: defaultEventRetentionDays,
	}
}

// Start launches the cleanup loop in a background goroutine.
func (c *RetentionCleaner) Start(ctx context.Context) {
	if c == nil {
		return
	}
	go c.run(ctx)
	log.Infof("retention cleaner started (interval=%s)", c.interval)
}

func (c *RetentionCleaner) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		c.sweepOnce(ctx)
		timer := time.NewTimer(c.interval)
		select {
		case <-ctx.Done():
			if !timer.Stop() {
				<-timer.C
			}
			return
		case <-timer.C:
		}
	}
}

func (c *RetentionCleaner) sweepOnce(ctx context.Context) {
	now := time.Now().UTC()

	if deleted := c.deleteEventBatches(ctx, now.AddDate(0, 0, -c.retentionDays)); deleted > 0 {
		log.Infof("retention cleaner: deleted %d event rows", deleted)
	}

	expiredSessions := c.db.WithContext(ctx).
		Where("expires_at < ?", now).
		Delete(&models.Session{})
	if expiredSessions.Error != nil {
		log.WithError(expiredSessions.Error).Warn("retention cleaner: delete expired sessions failed")
	} else if expiredSessions.RowsAffected > 0 {
		log.Infof("retention cleaner: deleted %d expired sessions", expiredSessions.RowsAffected)
	}

	stalePending := c.db.WithContext(ctx).
		Where("is_completed = ? AND expires_at < ?", false, now).
		Delete(&models.PendingRequest{})
	if stalePending.Error != nil {
		log.WithError(stalePending.Error).Warn("retention cleaner: delete stale pending requests failed")
	} else if stalePending.RowsAffected > 0 {
		log.Infof("retention cleaner: deleted %d stale pending requests", stalePending.RowsAffected)
	}
}

// deleteEventBatches removes aged events in limited batches to avoid
// long-running transactions and table locks.
func (c *RetentionCleaner) deleteEventBatches(ctx context.Context, cutoff time.Time) int64 {
	var total int64
	for i := 0; i < maxDeleteBatchesPerRun; i++ {
		if ctx.Err() != nil {
			return total
		}
		res := c.db.WithContext(ctx).Exec(`
			DELETE FROM events
			WHERE id IN (
				SELECT id FROM events
				WHERE created_at < ?
				ORDER BY created_at ASC
				LIMIT ?
			)
		`, cutoff, deleteBatchSize)
		if res.Error != nil {
			log.WithError(res.Error).Warn("retention cleaner: delete event batch failed")
			return total
		}
		if res.RowsAffected == 0 {
			return total
		}
		total += res.RowsAffected
	}
	return total
}
