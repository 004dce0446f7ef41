package audit

import "context"

type ctxKey int

const (
	actorKey ctxKey = iota
	correlationKey
)

// WithActor attaches the acting principal to ctx.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

// WithCorrelationID attaches a request correlation id to ctx.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey, id)
}

// ActorFrom returns the actor on ctx, or fallback when none is set.
func ActorFrom(ctx context.Context, fallback string) string {
	if actor, ok := ctx.Value(actorKey).(string); ok && actor != "" {
		return actor
	}
	return fallback
}

func CorrelationIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey).(string)
	return id
}
