// Package ctxkeys 定义跨包传递的 context 键。
package ctxkeys

import "context"

// contextKey 用于在 context 中存储值的键类型
type contextKey string

const (
	requestIDKey contextKey = "request_id"
	traceIDKey   contextKey = "trace_id"
	runIDKey     contextKey = "run_id"
	callerKey    contextKey = "caller"
)

func with(ctx context.Context, key contextKey, v string) context.Context {
	return context.WithValue(ctx, key, v)
}

func get(ctx context.Context, key contextKey) (string, bool) {
	v, ok := ctx.Value(key).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// WithRequestID 设置请求 ID
func WithRequestID(ctx context.Context, id string) context.Context {
	return with(ctx, requestIDKey, id)
}

// RequestID 获取请求 ID
func RequestID(ctx context.Context) (string, bool) { return get(ctx, requestIDKey) }

// WithTraceID 设置 TraceID
func WithTraceID(ctx context.Context, id string) context.Context { return with(ctx, traceIDKey, id) }

// TraceID 获取 TraceID
func TraceID(ctx context.Context) (string, bool) { return get(ctx, traceIDKey) }

// WithRunID 设置工作流运行 ID
func WithRunID(ctx context.Context, id string) context.Context { return with(ctx, runIDKey, id) }

// RunID 获取工作流运行 ID
func RunID(ctx context.Context) (string, bool) { return get(ctx, runIDKey) }

// WithCaller 设置调用方标识（限流冷却按调用方计算）
func WithCaller(ctx context.Context, caller string) context.Context {
	return with(ctx, callerKey, caller)
}

// Caller 获取调用方标识
func Caller(ctx context.Context) (string, bool) { return get(ctx, callerKey) }
