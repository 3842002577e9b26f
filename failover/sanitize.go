package failover

import "regexp"

// sensitivePattern 匹配消息中可能携带的密钥/令牌片段
var sensitivePattern = regexp.MustCompile(`(?i)(api[_-]?key|token|bearer|authorization)[=:\s]+\S+`)

const maxErrorMessageLength = 200

// Sanitize 脱敏并截断错误消息：密钥/令牌替换为 [REDACTED]，
// 长度不超过 200 字符；空消息归一为 "request_failed"。
func Sanitize(message string) string {
	if message == "" {
		return "request_failed"
	}
	redacted := sensitivePattern.ReplaceAllString(message, "[REDACTED]")
	if len(redacted) > maxErrorMessageLength {
		return redacted[:maxErrorMessageLength]
	}
	return redacted
}
