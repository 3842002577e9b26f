package apiformat

// 格式兼容性检查：候选筛选时判断端点能否处理客户端请求格式。
//
// 三层开关优先级（从高到低）：
//  1. 全局开关 ON  -> 强制允许（caller 传 skipEndpointCheck=true）
//  2. 提供商开关 ON -> 强制允许（同上）
//  3. 端点 format_acceptance_config 决定
//
// 注意 effectiveConversionEnabled=false 并不是总闸：它只是不强制跳过
// 端点检查，Provider/Endpoint 级的精细化开启仍然生效。

// FormatAcceptanceConfig 端点级的跨格式接受策略
type FormatAcceptanceConfig struct {
	Enabled          bool     `json:"enabled"`
	AcceptFormats    []string `json:"accept_formats,omitempty"`
	RejectFormats    []string `json:"reject_formats,omitempty"`
	StreamConversion *bool    `json:"stream_conversion,omitempty"` // nil 视为 true
}

// 端点不兼容时的 skip reason（落入候选审计记录）
const (
	SkipReasonEndpointNotConfigured = "endpoint_format_acceptance_not_configured"
	SkipReasonEndpointDisabled      = "endpoint_format_acceptance_disabled"
	SkipReasonFormatRejected        = "endpoint_rejects_format"
	SkipReasonFormatNotAccepted     = "endpoint_does_not_accept_format"
	SkipReasonNoStreamConversion    = "endpoint_stream_conversion_disabled"
	SkipReasonNoConverter           = "no_full_converter"
)

// CompatibilityResult 兼容性判定结果
type CompatibilityResult struct {
	Compatible      bool
	NeedsConversion bool
	SkipReason      string
}

func compatible(needsConversion bool) CompatibilityResult {
	return CompatibilityResult{Compatible: true, NeedsConversion: needsConversion}
}

func incompatible(reason string) CompatibilityResult {
	return CompatibilityResult{SkipReason: reason}
}

// IsFormatCompatible 检查端点是否兼容客户端格式。
//
// 判定顺序：
//  1. 签名完全相同 -> 透传
//  2. data_format_id 相同 -> 透传（如 claude:chat / claude:cli）
//  3. 需要转换：除非 skipEndpointCheck，先过端点接受策略，再查转换器能力
func IsFormatCompatible(
	client, endpoint Signature,
	acceptance *FormatAcceptanceConfig,
	isStream bool,
	registry ConverterRegistry,
	skipEndpointCheck bool,
) CompatibilityResult {
	if client == endpoint {
		return compatible(false)
	}
	if CanPassthrough(client, endpoint) {
		return compatible(false)
	}

	if !skipEndpointCheck {
		if acceptance == nil {
			return incompatible(SkipReasonEndpointNotConfigured)
		}
		if !acceptance.Enabled {
			return incompatible(SkipReasonEndpointDisabled)
		}
		if containsSignature(acceptance.RejectFormats, client) {
			return incompatible(SkipReasonFormatRejected)
		}
		if len(acceptance.AcceptFormats) > 0 && !containsSignature(acceptance.AcceptFormats, client) {
			return incompatible(SkipReasonFormatNotAccepted)
		}
		if isStream && acceptance.StreamConversion != nil && !*acceptance.StreamConversion {
			return incompatible(SkipReasonNoStreamConversion)
		}
	}

	if registry == nil || !registry.CanConvertFull(client, endpoint, isStream) {
		return incompatible(SkipReasonNoConverter)
	}

	return compatible(true)
}

func containsSignature(values []string, target Signature) bool {
	for _, v := range values {
		if NormalizeOrDefault(v, "") == target {
			return true
		}
	}
	return false
}
