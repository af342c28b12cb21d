package utils

import (
	"context"

	"github.com/mmdatafocus/erpbridge/appctx"
)

var (
	ContextKeyActor         = appctx.ContextKeyActor
	ContextKeyCorrelationId = appctx.ContextKeyCorrelationId
	ContextKeyQueueItemId   = appctx.ContextKeyQueueItemId
)

// GetActorFromContext returns who triggered the current operation
// ("worker", "detector" or the admin subject from the bearer token).
func GetActorFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyActor)
}

func SetActorInContext(ctx context.Context, actor string) context.Context {
	return appctx.Set(ctx, ContextKeyActor, actor)
}

func GetCorrelationIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyCorrelationId)
}

func SetCorrelationIdInContext(ctx context.Context, correlationId string) context.Context {
	return appctx.Set(ctx, ContextKeyCorrelationId, correlationId)
}

func GetQueueItemIdFromContext(ctx context.Context) (uint, bool) {
	return appctx.GetUint(ctx, ContextKeyQueueItemId)
}

func SetQueueItemIdInContext(ctx context.Context, id uint) context.Context {
	return appctx.Set(ctx, ContextKeyQueueItemId, id)
}
