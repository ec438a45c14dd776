package retry

import "context"

// RunTyped is a type-safe generic wrapper around Retryer.Run.
//
// Usage:
//
//	val, err := retry.RunTyped[int](r, ctx, func(ctx context.Context, attempt int) (int, error) {
//	    return 42, nil
//	})
func RunTyped[T any](r Retryer, ctx context.Context, fn func(ctx context.Context, attempt int) (T, error)) (T, error) {
	result, err := r.Run(ctx, func(ctx context.Context, attempt int) (any, error) {
		return fn(ctx, attempt)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	v, _ := result.(T)
	return v, nil
}
