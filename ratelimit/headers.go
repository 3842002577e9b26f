package ratelimit

import (
	"net/http"
	"strconv"
	"strings"
)

// rpmLimitHeaders 上游声明请求限额的响应头，按可信度排列。
// OpenAI 系用 x-ratelimit-limit-requests，Anthropic 用
// anthropic-ratelimit-requests-limit，其余代理常见 x-ratelimit-limit。
var rpmLimitHeaders = []string{
	"x-ratelimit-limit-requests",
	"anthropic-ratelimit-requests-limit",
	"x-ratelimit-limit",
}

// rpmMessageHints 错误消息里指向请求频率限制的关键词
var rpmMessageHints = []string{
	"rate limit",
	"rpm",
	"requests per minute",
	"too many requests",
}

// ParseRateLimitInfo 从 429 响应头与错误消息中提取限流观测值，
// 供自适应 RPM 学习使用。
//
// 判定顺序：
//  1. 消息指向并发限制 -> concurrent（并发不是 RPM，不能当学习样本）
//  2. 响应头携带数值限额 -> rpm + 具体值（最可信的观测）
//  3. 消息指向请求频率 -> rpm 无具体值（只计数）
//  4. 其他 -> unknown
func ParseRateLimitInfo(headers http.Header, message string) RateLimitInfo {
	lower := strings.ToLower(message)
	if strings.Contains(lower, "concurren") {
		return RateLimitInfo{LimitType: LimitTypeConcurrent}
	}

	for _, name := range rpmLimitHeaders {
		v := strings.TrimSpace(headers.Get(name))
		if v == "" {
			continue
		}
		if limit, err := strconv.Atoi(v); err == nil && limit > 0 {
			return RateLimitInfo{LimitType: LimitTypeRPM, LimitValue: limit}
		}
	}

	for _, hint := range rpmMessageHints {
		if strings.Contains(lower, hint) {
			return RateLimitInfo{LimitType: LimitTypeRPM}
		}
	}

	return RateLimitInfo{LimitType: LimitTypeUnknown}
}
