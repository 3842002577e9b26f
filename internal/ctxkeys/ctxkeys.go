// Package ctxkeys 定义跨包传递的 context 键。
// 统一收口，避免各包自定义键类型导致取值失败。
package ctxkeys

import "context"

// contextKey 用于在 context 中存储值的键类型
type contextKey string

const (
	traceIDKey   contextKey = "trace_id"
	requestIDKey contextKey = "request_id"
	callerKeyKey contextKey = "caller_key"
)

// WithTraceID 设置 TraceID
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// TraceID 获取 TraceID
func TraceID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(traceIDKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// WithRequestID 设置请求 ID（一次转发请求的全局标识）
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestID 获取请求 ID
func RequestID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(requestIDKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// WithCallerKey 设置调用方标识（亲和绑定与预留配额使用）
func WithCallerKey(ctx context.Context, callerKey string) context.Context {
	return context.WithValue(ctx, callerKeyKey, callerKey)
}

// CallerKey 获取调用方标识
func CallerKey(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(callerKeyKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
