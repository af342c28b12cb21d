package appctx

import "context"

// ContextKey is the shared type for all context keys in this codebase.
// Keeping it in a tiny package avoids import cycles (config <-> utils).
type ContextKey string

func (c ContextKey) String() string { return string(c) }

var (
	ContextKeyActor         = ContextKey("Actor")
	ContextKeyCorrelationId = ContextKey("CorrelationId")

	// ContextKeyQueueItemId is set by the queue worker while an item is executing.
	ContextKeyQueueItemId = ContextKey("QueueItemId")
)

func GetString(ctx context.Context, key ContextKey) (string, bool) {
	v, ok := ctx.Value(key).(string)
	return v, ok
}

func GetUint(ctx context.Context, key ContextKey) (uint, bool) {
	v, ok := ctx.Value(key).(uint)
	return v, ok
}

func Set(ctx context.Context, key ContextKey, value any) context.Context {
	return context.WithValue(ctx, key, value)
}
