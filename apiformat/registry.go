package apiformat

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// ErrNoConverter 请求的转换方向未注册任何转换器。
var ErrNoConverter = errors.New("no converter registered")

// StreamChunk 流式响应的一个分片。Err 非 nil 表示流在该位置失败。
type StreamChunk struct {
	Data []byte
	Err  error
}

// RequestConverter 请求体转换函数
type RequestConverter func(body []byte, src, dst Signature) ([]byte, error)

// ResponseConverter 响应体转换函数
type ResponseConverter func(body []byte, src, dst Signature) ([]byte, error)

// StreamConverter 流式响应转换函数
type StreamConverter func(ctx context.Context, src <-chan StreamChunk, from, to Signature) <-chan StreamChunk

type convKey struct {
	src Signature
	dst Signature
}

// ConverterRegistry 格式转换器注册表的查询面（候选构建只依赖此接口）。
type ConverterRegistry interface {
	// CanConvertFull 请求/响应转换器均存在（requireStream 时还需流式转换器）
	CanConvertFull(src, dst Signature, requireStream bool) bool
}

// Registry 转换器注册表。
// 由 provider 插件在进程启动时显式注册（无运行时反射发现）。
type Registry struct {
	mu       sync.RWMutex
	request  map[convKey]RequestConverter
	response map[convKey]ResponseConverter
	stream   map[convKey]StreamConverter
	logger   *zap.Logger
}

// NewRegistry 创建空的转换器注册表
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		request:  make(map[convKey]RequestConverter),
		response: make(map[convKey]ResponseConverter),
		stream:   make(map[convKey]StreamConverter),
		logger:   logger,
	}
}

// RegisterRequestConverter 注册请求转换器
func (r *Registry) RegisterRequestConverter(src, dst Signature, fn RequestConverter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.request[convKey{src, dst}] = fn
}

// RegisterResponseConverter 注册响应转换器
func (r *Registry) RegisterResponseConverter(src, dst Signature, fn ResponseConverter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.response[convKey{src, dst}] = fn
}

// RegisterStreamConverter 注册流式响应转换器
func (r *Registry) RegisterStreamConverter(src, dst Signature, fn StreamConverter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stream[convKey{src, dst}] = fn
}

// CanConvertFull 实现 ConverterRegistry
func (r *Registry) CanConvertFull(src, dst Signature, requireStream bool) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	key := convKey{src, dst}
	if _, ok := r.request[key]; !ok {
		return false
	}
	// 响应转换方向与请求相反
	if _, ok := r.response[convKey{dst, src}]; !ok {
		return false
	}
	if requireStream {
		if _, ok := r.stream[convKey{dst, src}]; !ok {
			return false
		}
	}
	return true
}

// ConvertRequest 执行请求体转换；未注册时返回 ErrNoConverter
func (r *Registry) ConvertRequest(body []byte, src, dst Signature) ([]byte, error) {
	r.mu.RLock()
	fn, ok := r.request[convKey{src, dst}]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrNoConverter
	}
	return fn(body, src, dst)
}

// ConvertResponse 执行响应体转换
func (r *Registry) ConvertResponse(body []byte, src, dst Signature) ([]byte, error) {
	r.mu.RLock()
	fn, ok := r.response[convKey{src, dst}]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrNoConverter
	}
	return fn(body, src, dst)
}

// ConvertStream 执行流式响应转换；未注册时返回原始流
func (r *Registry) ConvertStream(ctx context.Context, src <-chan StreamChunk, from, to Signature) <-chan StreamChunk {
	r.mu.RLock()
	fn, ok := r.stream[convKey{from, to}]
	r.mu.RUnlock()
	if !ok {
		r.logger.Warn("stream converter missing, passing through",
			zap.String("from", string(from)),
			zap.String("to", string(to)))
		return src
	}
	return fn(ctx, src, from, to)
}
