package models

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"gorm.io/gorm"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// QueueStore owns every transition of queue_items. Exclusivity between the
// worker and the admin surface comes from conditional updates: a transition
// only applies when the row is still in the expected status.
type QueueStore struct {
	DB     *gorm.DB
	Policy RetryPolicy

	// Now is overridable in tests.
	Now func() time.Time
}

func NewQueueStore(db *gorm.DB, maxRetries int) *QueueStore {
	return &QueueStore{
		DB:     db,
		Policy: RetryPolicy{MaxRetries: maxRetries},
	}
}

func (s *QueueStore) MaxRetries() int {
	return s.Policy.MaxRetries
}

func (s *QueueStore) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// Enqueue creates a pending row and returns its id.
func (s *QueueStore) Enqueue(ctx context.Context, input NewQueueItem) (uint, error) {
	category := strings.TrimSpace(input.EventCategory)
	if category == "" {
		category = EventCategoryWebhook
	}
	item := QueueItem{
		ExternalDocRef: strings.TrimSpace(input.ExternalDocRef),
		CorrelationRef: strings.TrimSpace(input.CorrelationRef),
		EventCategory:  category,
		Status:         QueueStatusPending,
		RetryCount:     0,
		RequestBody:    input.RequestBody,
		CreatedAt:      s.now(),
	}
	if err := s.DB.WithContext(ctx).Create(&item).Error; err != nil {
		return 0, fmt.Errorf("enqueue: %w", err)
	}
	return item.ID, nil
}

// Claim flips pending -> processing. It returns false without error when the
// row was already taken, is not pending, or has no retries left.
func (s *QueueStore) Claim(ctx context.Context, id uint) (bool, error) {
	now := s.now()
	res := s.DB.WithContext(ctx).
		Model(&QueueItem{}).
		Where("id = ? AND status = ? AND retry_count < ?", id, QueueStatusPending, s.MaxRetries()).
		Updates(map[string]interface{}{
			"status":     QueueStatusProcessing,
			"claimed_at": &now,
		})
	if res.Error != nil {
		return false, fmt.Errorf("claim %d: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// Complete moves processing -> done and records the serialized result.
func (s *QueueStore) Complete(ctx context.Context, id uint, result any) error {
	body, err := marshalResult(result)
	if err != nil {
		return fmt.Errorf("complete %d: marshal result: %w", id, err)
	}
	now := s.now()
	res := s.DB.WithContext(ctx).
		Model(&QueueItem{}).
		Where("id = ? AND status = ?", id, QueueStatusProcessing).
		Updates(map[string]interface{}{
			"status":        QueueStatusDone,
			"response_body": body,
			"processed_at":  &now,
			"error_message": nil,
			"claimed_at":    nil,
		})
	if res.Error != nil {
		return fmt.Errorf("complete %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return s.notProcessingErr(ctx, id)
	}
	return nil
}

// FailAttempt records a failed attempt on a processing row. The retry policy
// decides whether the row goes back to pending or terminally to failed.
func (s *QueueStore) FailAttempt(ctx context.Context, id uint, cause error) (QueueStatus, error) {
	var item QueueItem
	if err := s.DB.WithContext(ctx).
		Select("id", "status", "retry_count").
		Where("id = ?", id).
		Take(&item).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrQueueItemNotFound
		}
		return "", fmt.Errorf("fail attempt %d: %w", id, err)
	}
	if item.Status != QueueStatusProcessing {
		return item.Status, ErrNotProcessing
	}

	errMsg := errorText(cause)
	status := QueueStatusPending
	updates := map[string]interface{}{
		"retry_count":   item.RetryCount + 1,
		"error_message": &errMsg,
		"claimed_at":    nil,
	}
	if s.Policy.Decide(item.RetryCount, cause) == DecisionExhaust {
		now := s.now()
		status = QueueStatusFailed
		updates["processed_at"] = &now
	}
	updates["status"] = status

	res := s.DB.WithContext(ctx).
		Model(&QueueItem{}).
		Where("id = ? AND status = ? AND retry_count = ?", id, QueueStatusProcessing, item.RetryCount).
		Updates(updates)
	if res.Error != nil {
		return "", fmt.Errorf("fail attempt %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return "", ErrNotProcessing
	}
	return status, nil
}

// FailTerminal moves a processing row straight to failed without consulting
// the retry policy. Used for resync ledger rows, which are never retried.
func (s *QueueStore) FailTerminal(ctx context.Context, id uint, cause error) error {
	errMsg := errorText(cause)
	now := s.now()
	res := s.DB.WithContext(ctx).
		Model(&QueueItem{}).
		Where("id = ? AND status = ?", id, QueueStatusProcessing).
		Updates(map[string]interface{}{
			"status":        QueueStatusFailed,
			"retry_count":   gorm.Expr("retry_count + 1"),
			"error_message": &errMsg,
			"processed_at":  &now,
			"claimed_at":    nil,
		})
	if res.Error != nil {
		return fmt.Errorf("fail terminal %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return s.notProcessingErr(ctx, id)
	}
	return nil
}

// ManualReset is only legal from failed. It makes the row eligible again
// with a fresh retry budget.
func (s *QueueStore) ManualReset(ctx context.Context, id uint) error {
	res := s.DB.WithContext(ctx).
		Model(&QueueItem{}).
		Where("id = ? AND status = ?", id, QueueStatusFailed).
		Updates(resetUpdates())
	if res.Error != nil {
		return fmt.Errorf("manual reset %d: %w", id, res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return ErrNotInFailedStatus
}

// ResetAllFailed applies ManualReset to every failed row and returns how many moved.
func (s *QueueStore) ResetAllFailed(ctx context.Context) (int64, error) {
	res := s.DB.WithContext(ctx).
		Model(&QueueItem{}).
		Where("status = ?", QueueStatusFailed).
		Updates(resetUpdates())
	if res.Error != nil {
		return 0, fmt.Errorf("reset all failed: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func resetUpdates() map[string]interface{} {
	return map[string]interface{}{
		"status":        QueueStatusPending,
		"retry_count":   0,
		"error_message": nil,
		"processed_at":  nil,
		"claimed_at":    nil,
	}
}

// OpenLedger inserts an audit row directly in processing. There is no
// deferred attempt behind it; the caller executes synchronously.
func (s *QueueStore) OpenLedger(ctx context.Context, category string, externalDocRef string, correlationRef string, requestBody []byte) (uint, error) {
	now := s.now()
	item := QueueItem{
		ExternalDocRef: externalDocRef,
		CorrelationRef: correlationRef,
		EventCategory:  category,
		Status:         QueueStatusProcessing,
		RequestBody:    requestBody,
		ClaimedAt:      &now,
		CreatedAt:      now,
	}
	if err := s.DB.WithContext(ctx).Create(&item).Error; err != nil {
		return 0, fmt.Errorf("open ledger: %w", err)
	}
	return item.ID, nil
}

// FetchEligible returns up to limit pending rows with retries left, oldest first.
func (s *QueueStore) FetchEligible(ctx context.Context, limit int) ([]QueueItem, error) {
	if limit <= 0 {
		return nil, nil
	}
	var items []QueueItem
	err := s.DB.WithContext(ctx).
		Where("status = ? AND retry_count < ?", QueueStatusPending, s.MaxRetries()).
		Order("created_at ASC").
		Order("id ASC").
		Limit(limit).
		Find(&items).Error
	if err != nil {
		return nil, fmt.Errorf("fetch eligible: %w", err)
	}
	return items, nil
}

func (s *QueueStore) Get(ctx context.Context, id uint) (*QueueItem, error) {
	var item QueueItem
	if err := s.DB.WithContext(ctx).Where("id = ?", id).Take(&item).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrQueueItemNotFound
		}
		return nil, err
	}
	return &item, nil
}

// List returns rows newest first plus the total count matching the filter.
func (s *QueueStore) List(ctx context.Context, filter QueueFilter) ([]QueueItem, int64, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	q := s.DB.WithContext(ctx).Model(&QueueItem{})
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.EventCategory != "" {
		q = q.Where("event_category = ?", filter.EventCategory)
	}
	if filter.CorrelationRef != "" {
		q = q.Where("correlation_ref = ?", filter.CorrelationRef)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var items []QueueItem
	if err := q.Order("id DESC").Limit(limit).Offset(offset).Find(&items).Error; err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (s *QueueStore) Summary(ctx context.Context) (QueueSummary, error) {
	var rows []struct {
		Status QueueStatus
		Count  int64
	}
	if err := s.DB.WithContext(ctx).
		Model(&QueueItem{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error; err != nil {
		return QueueSummary{}, err
	}

	var summary QueueSummary
	for _, r := range rows {
		switch r.Status {
		case QueueStatusPending:
			summary.Pending = r.Count
		case QueueStatusProcessing:
			summary.Processing = r.Count
		case QueueStatusDone:
			summary.Done = r.Count
		case QueueStatusFailed:
			summary.Failed = r.Count
		}
		summary.Total += r.Count
	}
	return summary, nil
}

// HasItemFor reports whether any row exists for the category/correlation pair,
// whatever its status. Producers use it to avoid enqueueing the same event twice.
func (s *QueueStore) HasItemFor(ctx context.Context, category string, correlationRef string) (bool, error) {
	var count int64
	if err := s.DB.WithContext(ctx).
		Model(&QueueItem{}).
		Where("event_category = ? AND correlation_ref = ?", category, correlationRef).
		Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

type ReclaimStats struct {
	Requeued  int
	Exhausted int
	Abandoned int
}

var (
	errLeaseExpired    = errors.New("processing lease expired; worker stopped before finishing the attempt")
	errResyncAbandoned = errors.New("resync abandoned; process stopped before recording an outcome")
)

// ReclaimStale handles rows stuck in processing for longer than olderThan.
// Worker rows count the lost attempt through the retry policy; resync ledger
// rows are closed as failed because their caller is long gone.
func (s *QueueStore) ReclaimStale(ctx context.Context, olderThan time.Duration) (ReclaimStats, error) {
	var stats ReclaimStats
	if olderThan <= 0 {
		return stats, nil
	}
	cutoff := s.now().Add(-olderThan)

	var stale []QueueItem
	if err := s.DB.WithContext(ctx).
		Select("id", "event_category", "status", "retry_count").
		Where("status = ?", QueueStatusProcessing).
		Where("(claimed_at IS NOT NULL AND claimed_at <= ?) OR (claimed_at IS NULL AND updated_at <= ?)", cutoff, cutoff).
		Order("id ASC").
		Find(&stale).Error; err != nil {
		return stats, fmt.Errorf("reclaim stale: %w", err)
	}

	for _, item := range stale {
		if IsResyncCategory(item.EventCategory) {
			if err := s.FailTerminal(ctx, item.ID, errResyncAbandoned); err != nil {
				if errors.Is(err, ErrNotProcessing) {
					continue
				}
				return stats, err
			}
			stats.Abandoned++
			continue
		}
		status, err := s.FailAttempt(ctx, item.ID, errLeaseExpired)
		if err != nil {
			if errors.Is(err, ErrNotProcessing) {
				continue
			}
			return stats, err
		}
		if status == QueueStatusFailed {
			stats.Exhausted++
		} else {
			stats.Requeued++
		}
	}
	return stats, nil
}

func (s *QueueStore) notProcessingErr(ctx context.Context, id uint) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return ErrNotProcessing
}

func marshalResult(result any) ([]byte, error) {
	switch v := result.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if len(v) == 0 {
			return nil, nil
		}
		return v, nil
	case []byte:
		if len(v) == 0 {
			return nil, nil
		}
		if !json.Valid(v) {
			return json.Marshal(string(v))
		}
		return v, nil
	default:
		return json.Marshal(v)
	}
}

func errorText(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
