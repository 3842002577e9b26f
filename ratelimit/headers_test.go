package ratelimit

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseRateLimitInfo(t *testing.T) {
	tests := []struct {
		name    string
		headers http.Header
		message string
		want    RateLimitInfo
	}{
		{
			name:    "openai 限额头",
			headers: http.Header{"X-Ratelimit-Limit-Requests": {"100"}},
			want:    RateLimitInfo{LimitType: LimitTypeRPM, LimitValue: 100},
		},
		{
			name:    "anthropic 限额头",
			headers: http.Header{"Anthropic-Ratelimit-Requests-Limit": {"50"}},
			want:    RateLimitInfo{LimitType: LimitTypeRPM, LimitValue: 50},
		},
		{
			name:    "通用限额头",
			headers: http.Header{"X-Ratelimit-Limit": {"30"}},
			want:    RateLimitInfo{LimitType: LimitTypeRPM, LimitValue: 30},
		},
		{
			name:    "并发限制优先于限额头",
			headers: http.Header{"X-Ratelimit-Limit-Requests": {"100"}},
			message: "Number of concurrent connections has exceeded your rate limit",
			want:    RateLimitInfo{LimitType: LimitTypeConcurrent},
		},
		{
			name:    "非法头值回落到消息判定",
			headers: http.Header{"X-Ratelimit-Limit-Requests": {"unlimited"}},
			message: "Rate limit exceeded, please retry later",
			want:    RateLimitInfo{LimitType: LimitTypeRPM},
		},
		{
			name:    "消息提示每分钟请求数",
			message: "You have sent too many requests per minute",
			want:    RateLimitInfo{LimitType: LimitTypeRPM},
		},
		{
			name:    "无任何线索",
			message: "upstream temporarily overloaded",
			want:    RateLimitInfo{LimitType: LimitTypeUnknown},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseRateLimitInfo(tt.headers, tt.message))
		})
	}
}
