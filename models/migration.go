package models

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// MigrateTable is the explicit schema step run once at startup, before the
// worker or the HTTP handlers touch the table. Every step is idempotent.
func MigrateTable(db *gorm.DB, maxRetries int) error {
	if err := db.AutoMigrate(&QueueItem{}); err != nil {
		return fmt.Errorf("auto migrate queue_items: %w", err)
	}

	// Rows written before event_category existed belong to the webhook flow.
	if err := db.Model(&QueueItem{}).
		Where("event_category IS NULL OR event_category = ''").
		Update("event_category", EventCategoryWebhook).Error; err != nil {
		return fmt.Errorf("backfill event_category: %w", err)
	}

	// A pending row with no retries left would never be fetched again.
	if maxRetries > 0 {
		now := time.Now().UTC()
		msg := fmt.Sprintf("retry budget exhausted (%d) before migration", maxRetries)
		if err := db.Model(&QueueItem{}).
			Where("status = ? AND retry_count >= ?", QueueStatusPending, maxRetries).
			Updates(map[string]interface{}{
				"status":        QueueStatusFailed,
				"processed_at":  &now,
				"error_message": &msg,
			}).Error; err != nil {
			return fmt.Errorf("close exhausted pending rows: %w", err)
		}
	}
	return nil
}
