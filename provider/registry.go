package provider

import (
	"context"
	"net/http"
	"net/url"
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/aethergate/store"
)

// =============================================================================
// 🔌 提供商插件注册表
// =============================================================================

// BuildURLFunc 按提供商规则构建上游请求 URL
type BuildURLFunc func(endpoint *store.ProviderEndpoint, isStream bool, query url.Values) string

// WrapRequestFunc 在转发前补充提供商特有的请求头
type WrapRequestFunc func(headers http.Header, key *store.ProviderAPIKey)

// EnrichAuthFunc 从 OAuth token 响应中提取提供商特有的账号字段
type EnrichAuthFunc func(authConfig map[string]string, tokenResponse map[string]any) map[string]string

// FetchModelsFunc 拉取该提供商可用的模型列表
type FetchModelsFunc func(ctx context.Context, endpoint *store.ProviderEndpoint, key *store.ProviderAPIKey) ([]string, error)

// Plugin 单个提供商类型的全部钩子。
// 所有字段都可以为空；空字段走通用链路。
type Plugin struct {
	Type ProviderType

	BuildURL    BuildURLFunc
	WrapRequest WrapRequestFunc
	EnrichAuth  EnrichAuthFunc
	FetchModels FetchModelsFunc

	// SameFormatVariant 同格式下有微妙差异（如 Codex 的 Responses 变体）
	SameFormatVariant bool
	// CrossFormatVariant 跨格式转换时需要特殊处理
	//（如 Antigravity 的 thinking block）
	CrossFormatVariant bool
}

// Behavior 一次请求的提供商行为判定结果
type Behavior struct {
	Type               ProviderType
	Plugin             *Plugin
	SameFormatVariant  bool
	CrossFormatVariant bool
}

// Registry 提供商插件注册表。注册发生在启动期（RegisterAll），
// 之后只读。
type Registry struct {
	mu      sync.RWMutex
	plugins map[ProviderType]*Plugin
	logger  *zap.Logger
}

// NewRegistry 创建空注册表
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		plugins: make(map[ProviderType]*Plugin),
		logger:  logger.With(zap.String("component", "provider_registry")),
	}
}

// Register 注册一个插件；同类型重复注册以后者为准
func (r *Registry) Register(p *Plugin) {
	if p == nil || p.Type == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plugins[p.Type] = p
	r.logger.Debug("provider plugin registered", zap.String("type", string(p.Type)))
}

// Lookup 按类型查插件；未注册时返回 nil
func (r *Registry) Lookup(t ProviderType) *Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.plugins[t]
}

// BehaviorFor 解析提供商的行为判定；未注册类型按 custom 通用行为处理
func (r *Registry) BehaviorFor(providerType string) Behavior {
	t := NormalizeType(providerType)
	plugin := r.Lookup(t)
	b := Behavior{Type: t, Plugin: plugin}
	if plugin != nil {
		b.SameFormatVariant = plugin.SameFormatVariant
		b.CrossFormatVariant = plugin.CrossFormatVariant
	}
	return b
}

// BuildURL 构建上游 URL；无插件或插件未定义钩子时走通用规则
// （base_url + query）。
func (r *Registry) BuildURL(providerType string, endpoint *store.ProviderEndpoint, isStream bool, query url.Values) string {
	if p := r.Lookup(NormalizeType(providerType)); p != nil && p.BuildURL != nil {
		return p.BuildURL(endpoint, isStream, query)
	}
	return genericURL(endpoint, query)
}

func genericURL(endpoint *store.ProviderEndpoint, query url.Values) string {
	base := trimTrailingSlash(endpoint.BaseURL)
	if encoded := query.Encode(); encoded != "" {
		return base + "?" + encoded
	}
	return base
}

func trimTrailingSlash(s string) string {
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}
