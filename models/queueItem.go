package models

import (
	"strings"
	"time"
)

type QueueStatus string

const (
	QueueStatusPending    QueueStatus = "pending"
	QueueStatusProcessing QueueStatus = "processing"
	QueueStatusDone       QueueStatus = "done"
	QueueStatusFailed     QueueStatus = "failed"
)

func (s QueueStatus) IsValid() bool {
	switch s {
	case QueueStatusPending, QueueStatusProcessing, QueueStatusDone, QueueStatusFailed:
		return true
	}
	return false
}

func (s QueueStatus) IsTerminal() bool {
	return s == QueueStatusDone || s == QueueStatusFailed
}

const (
	EventCategoryWebhook = "webhook"

	// EventCategoryResyncPrefix prefixes ledger rows written by the resync coordinator,
	// e.g. "resync:allocation".
	EventCategoryResyncPrefix = "resync:"
)

func ResyncCategory(documentType string) string {
	return EventCategoryResyncPrefix + documentType
}

func IsResyncCategory(category string) bool {
	return strings.HasPrefix(category, EventCategoryResyncPrefix)
}

// QueueItem is one deferred unit of work or one audited resync.
// Rows are never deleted; only the status/result columns change.
type QueueItem struct {
	ID             uint        `gorm:"primary_key" json:"id"`
	ExternalDocRef string      `gorm:"size:64;index" json:"external_doc_ref"`
	CorrelationRef string      `gorm:"size:128;index" json:"correlation_ref"`
	EventCategory  string      `gorm:"size:64;not null;default:'webhook';index" json:"event_category"`
	Status         QueueStatus `gorm:"size:20;not null;index" json:"status"`
	RetryCount     int         `gorm:"not null;default:0" json:"retry_count"`
	ErrorMessage   *string     `gorm:"type:text" json:"error_message"`
	ResponseBody   []byte      `gorm:"type:json" json:"response_body"`
	RequestBody    []byte      `gorm:"type:json" json:"request_body,omitempty"`
	ClaimedAt      *time.Time  `gorm:"index" json:"claimed_at"`
	CreatedAt      time.Time   `gorm:"autoCreateTime;index" json:"created_at"`
	ProcessedAt    *time.Time  `json:"processed_at"`
	UpdatedAt      time.Time   `gorm:"autoUpdateTime" json:"updated_at"`
}

func (QueueItem) TableName() string { return "queue_items" }

// NewQueueItem is the producer-side input for Enqueue.
type NewQueueItem struct {
	ExternalDocRef string `json:"externalDocRef" validate:"required,max=64"`
	CorrelationRef string `json:"correlationRef" validate:"required,max=128"`
	EventCategory  string `json:"eventCategory" validate:"omitempty,max=64"`
	RequestBody    []byte `json:"-"`
}

// QueueFilter narrows List. Zero values mean "no filter".
type QueueFilter struct {
	Status         QueueStatus
	EventCategory  string
	CorrelationRef string
	Limit          int
	Offset         int
}

type QueueSummary struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Done       int64 `json:"done"`
	Failed     int64 `json:"failed"`
	Total      int64 `json:"total"`
}
