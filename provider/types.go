// Package provider 提供商类型枚举与插件注册表。
//
// 提供商特有的怪癖（URL 规则、认证头、格式变体）集中在插件里，
// 调度与执行链路保持通用。
package provider

import "strings"

// ProviderType 已支持的提供商类型
type ProviderType string

const (
	TypeCustom      ProviderType = "custom"
	TypeClaudeCode  ProviderType = "claude_code"
	TypeCodex       ProviderType = "codex"
	TypeGeminiCLI   ProviderType = "gemini_cli"
	TypeAntigravity ProviderType = "antigravity"
)

// ValidTypes 全部有效类型（用于校验）
var ValidTypes = []ProviderType{TypeCustom, TypeClaudeCode, TypeCodex, TypeGeminiCLI, TypeAntigravity}

// NormalizeType 把任意输入规范化为小写 provider_type；
// 未知或空值归为 custom。
func NormalizeType(value string) ProviderType {
	normalized := ProviderType(strings.ToLower(strings.TrimSpace(value)))
	for _, t := range ValidTypes {
		if normalized == t {
			return t
		}
	}
	return TypeCustom
}
