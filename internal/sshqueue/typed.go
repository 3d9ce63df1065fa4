package sshqueue

import "context"

// Do is a type-safe wrapper over Queue.Enqueue for callers that know
// their result type at compile time.
func Do[T any](ctx context.Context, q *Queue, cluster string, fn func(context.Context) (T, error)) (T, error) {
	val, err := q.Enqueue(ctx, cluster, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return val.(T), nil
}
