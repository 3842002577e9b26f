package provider

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/BaSui01/aethergate/store"
)

// RegisterAll 启动期一次性注册全部内建插件。
// 显式列表，不做包扫描；新增提供商类型时在这里追加。
func RegisterAll(r *Registry) {
	r.Register(claudeCodePlugin())
	r.Register(codexPlugin())
	r.Register(geminiCLIPlugin())
	r.Register(antigravityPlugin())
}

// claude_code：Anthropic OAuth 链路，需要 beta 头
func claudeCodePlugin() *Plugin {
	return &Plugin{
		Type: TypeClaudeCode,
		WrapRequest: func(headers http.Header, key *store.ProviderAPIKey) {
			headers.Set("anthropic-version", "2023-06-01")
			headers.Set("anthropic-beta", "oauth-2025-04-20")
		},
	}
}

// codex：chatgpt.com/backend-api/codex 使用 /responses 而非 /v1/responses
func codexPlugin() *Plugin {
	return &Plugin{
		Type:              TypeCodex,
		SameFormatVariant: true,
		BuildURL: func(endpoint *store.ProviderEndpoint, _ bool, query url.Values) string {
			base := trimTrailingSlash(endpoint.BaseURL)
			// 用户可能已在 base_url 里带上最终路径，不要重复
			if !strings.HasSuffix(base, "/responses") {
				base += "/responses"
			}
			if encoded := query.Encode(); encoded != "" {
				return base + "?" + encoded
			}
			return base
		},
		EnrichAuth: func(authConfig map[string]string, tokenResponse map[string]any) map[string]string {
			for _, field := range []string{"email", "account_id", "plan_type", "user_id"} {
				if v, ok := tokenResponse[field].(string); ok && v != "" {
					authConfig[field] = v
				}
			}
			return authConfig
		},
	}
}

// gemini_cli：Cloud Code Assist 链路，流式与非流式路径不同
func geminiCLIPlugin() *Plugin {
	return &Plugin{
		Type: TypeGeminiCLI,
		BuildURL: func(endpoint *store.ProviderEndpoint, isStream bool, query url.Values) string {
			base := trimTrailingSlash(endpoint.BaseURL)
			if isStream {
				base += ":streamGenerateContent"
				if query == nil {
					query = url.Values{}
				}
				query.Set("alt", "sse")
			} else {
				base += ":generateContent"
			}
			if encoded := query.Encode(); encoded != "" {
				return base + "?" + encoded
			}
			return base
		},
	}
}

// antigravity：gemini 数据格式的变体，跨格式转换时 thinking block 需特殊处理
func antigravityPlugin() *Plugin {
	return &Plugin{
		Type:               TypeAntigravity,
		CrossFormatVariant: true,
	}
}
