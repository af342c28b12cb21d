package workflow

import (
	"context"

	"github.com/mmdatafocus/erpbridge/models"
)

// ItemExecutor performs the side effect a queue item stands for. The result
// is stored as the item's response body.
type ItemExecutor interface {
	Execute(ctx context.Context, item models.QueueItem) (any, error)
}

// ItemExecutorFunc adapts a function to ItemExecutor.
type ItemExecutorFunc func(ctx context.Context, item models.QueueItem) (any, error)

func (f ItemExecutorFunc) Execute(ctx context.Context, item models.QueueItem) (any, error) {
	return f(ctx, item)
}

// ItemRouter dispatches by event category.
type ItemRouter struct {
	Webhook ItemExecutor
	Resync  *ResyncCoordinator
}

func (r *ItemRouter) Execute(ctx context.Context, item models.QueueItem) (any, error) {
	switch {
	case item.EventCategory == models.EventCategoryWebhook || item.EventCategory == "":
		if r.Webhook == nil {
			return nil, newValidationError("event_category", "no executor configured for %q", models.EventCategoryWebhook)
		}
		return r.Webhook.Execute(ctx, item)
	case models.IsResyncCategory(item.EventCategory):
		if r.Resync == nil {
			return nil, newValidationError("event_category", "no resync coordinator configured")
		}
		return r.Resync.Replay(ctx, item)
	default:
		return nil, newValidationError("event_category", "unknown event category %q", item.EventCategory)
	}
}
