package failover

import (
	"fmt"

	"github.com/BaSui01/aethergate/scheduling"
)

// RetryMode 同候选重试策略
type RetryMode string

const (
	// RetryDisabled 每个候选只尝试一次
	RetryDisabled RetryMode = "disabled"
	// RetryOnDemand 分类器判定瞬态时在同一候选上重试
	RetryOnDemand RetryMode = "on_demand"
	// RetryPreExpand 执行前按最大重试数预建审计槽位，
	// 成功后把剩余槽位一次性标为 unused
	RetryPreExpand RetryMode = "pre_expand"
)

// RetryPolicy 重试策略
type RetryPolicy struct {
	Mode RetryMode
	// MaxRetries 单候选最大尝试次数（含首次）；Disabled 模式下忽略
	MaxRetries int
}

// attemptsFor 该候选允许的总尝试次数。
// Provider 级 max_retries 覆盖全局值（取更小者，0 表示跟随全局）。
func (p RetryPolicy) attemptsFor(c *scheduling.ProviderCandidate) int {
	if p.Mode == RetryDisabled {
		return 1
	}
	attempts := p.MaxRetries
	if attempts < 1 {
		attempts = 1
	}
	if c != nil && c.Provider != nil && c.Provider.MaxRetries > 0 && c.Provider.MaxRetries < attempts {
		attempts = c.Provider.MaxRetries
	}
	return attempts
}

// SkipPolicy 候选预检策略：执行前的硬性过滤条件
type SkipPolicy struct {
	// SupportedAuthTypes 允许的认证类型；nil 表示不限制
	SupportedAuthTypes []string
	// AllowConversion 是否接受需要格式转换的候选
	// （视频/图片等直连上游的链路不支持跨格式转换）
	AllowConversion bool
	// RequireBillingRule 为 true 时无计费规则的提供商被跳过
	RequireBillingRule bool
}

// DefaultSkipPolicy 聊天链路的默认预检：允许转换，不校验计费规则
func DefaultSkipPolicy() SkipPolicy {
	return SkipPolicy{AllowConversion: true}
}

// skipReason 返回候选被预检跳过的原因；空串表示通过预检
func (p SkipPolicy) skipReason(c *scheduling.ProviderCandidate) string {
	if c.IsSkipped {
		if c.SkipReason != "" {
			return c.SkipReason
		}
		return "skipped"
	}

	if !p.AllowConversion && c.NeedsConversion {
		return "format_conversion_not_supported"
	}

	if p.SupportedAuthTypes != nil {
		authType := "api_key"
		if c.Key != nil && c.Key.AuthType != "" {
			authType = c.Key.AuthType
		}
		supported := false
		for _, t := range p.SupportedAuthTypes {
			if t == authType {
				supported = true
				break
			}
		}
		if !supported {
			return fmt.Sprintf("unsupported_auth_type:%s", authType)
		}
	}

	if p.RequireBillingRule && (c.Provider == nil || c.Provider.BillingRuleID == "") {
		return "billing_rule_missing"
	}

	return ""
}
