package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// ClaimTyped claims key with value; when the key is already held it decodes
// and returns the existing value with claimed=false.
func ClaimTyped[T any](m Manager, ctx context.Context, key string, value T, ttl time.Duration) (T, bool, error) {
	var zero T
	raw, claimed, err := m.Claim(ctx, key, value, ttl)
	if err != nil {
		return zero, false, err
	}
	if claimed {
		return value, true, nil
	}
	var existing T
	if err := json.Unmarshal(raw, &existing); err != nil {
		return zero, false, fmt.Errorf("unmarshal existing value: %w", err)
	}
	return existing, false, nil
}
