package ctxkeys

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextKeys(t *testing.T) {
	tests := []struct {
		name string
		set  func(context.Context, string) context.Context
		get  func(context.Context) (string, bool)
	}{
		{"request_id", WithRequestID, RequestID},
		{"trace_id", WithTraceID, TraceID},
		{"run_id", WithRunID, RunID},
		{"caller", WithCaller, Caller},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := tt.get(context.Background())
			assert.False(t, ok)

			_, ok = tt.get(tt.set(context.Background(), ""))
			assert.False(t, ok, "empty value is treated as unset")

			v, ok := tt.get(tt.set(context.Background(), "abc"))
			assert.True(t, ok)
			assert.Equal(t, "abc", v)
		})
	}
}

func TestContextKeys_Independent(t *testing.T) {
	ctx := WithRunID(WithCaller(context.Background(), "alice"), "wf-1")
	_, ok := RequestID(ctx)
	assert.False(t, ok)
	caller, _ := Caller(ctx)
	run, _ := RunID(ctx)
	assert.Equal(t, "alice", caller)
	assert.Equal(t, "wf-1", run)
}
