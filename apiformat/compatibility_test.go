package apiformat

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func boolPtr(v bool) *bool { return &v }

func fullRegistry(src, dst Signature, withStream bool) *Registry {
	reg := NewRegistry(nil)
	reg.RegisterRequestConverter(src, dst, func(body []byte, _, _ Signature) ([]byte, error) {
		return body, nil
	})
	reg.RegisterResponseConverter(dst, src, func(body []byte, _, _ Signature) ([]byte, error) {
		return body, nil
	})
	if withStream {
		reg.RegisterStreamConverter(dst, src, func(_ context.Context, ch <-chan StreamChunk, _, _ Signature) <-chan StreamChunk {
			return ch
		})
	}
	return reg
}

func TestCompatibleSameSignature(t *testing.T) {
	res := IsFormatCompatible("claude:chat", "claude:chat", nil, false, nil, false)
	assert.True(t, res.Compatible)
	assert.False(t, res.NeedsConversion)
}

// 同数据格式不同 kind：透传，无需端点接受策略。
func TestCompatiblePassthroughSameDataFormat(t *testing.T) {
	res := IsFormatCompatible("claude:chat", "claude:cli", nil, false, nil, false)
	assert.True(t, res.Compatible)
	assert.False(t, res.NeedsConversion)

	// antigravity 与 gemini 共享数据格式
	res = IsFormatCompatible("gemini:chat", "antigravity:chat", nil, true, nil, false)
	assert.True(t, res.Compatible)
	assert.False(t, res.NeedsConversion)
}

// 跨格式 + 端点未配置接受策略 + 未被全局/提供商开关放行 -> 跳过。
func TestIncompatibleEndpointNotConfigured(t *testing.T) {
	res := IsFormatCompatible("claude:chat", "openai:chat", nil, false, NewRegistry(nil), false)
	assert.False(t, res.Compatible)
	assert.Equal(t, SkipReasonEndpointNotConfigured, res.SkipReason)
}

func TestIncompatibleEndpointDisabled(t *testing.T) {
	cfg := &FormatAcceptanceConfig{Enabled: false}
	res := IsFormatCompatible("claude:chat", "openai:chat", cfg, false, NewRegistry(nil), false)
	assert.False(t, res.Compatible)
	assert.Equal(t, SkipReasonEndpointDisabled, res.SkipReason)
}

func TestIncompatibleRejectList(t *testing.T) {
	cfg := &FormatAcceptanceConfig{Enabled: true, RejectFormats: []string{"claude:chat"}}
	res := IsFormatCompatible("claude:chat", "openai:chat", cfg, false, NewRegistry(nil), false)
	assert.Equal(t, SkipReasonFormatRejected, res.SkipReason)
}

func TestIncompatibleAcceptListMiss(t *testing.T) {
	cfg := &FormatAcceptanceConfig{Enabled: true, AcceptFormats: []string{"gemini:chat"}}
	res := IsFormatCompatible("claude:chat", "openai:chat", cfg, false, NewRegistry(nil), false)
	assert.Equal(t, SkipReasonFormatNotAccepted, res.SkipReason)
}

func TestIncompatibleStreamConversionOff(t *testing.T) {
	cfg := &FormatAcceptanceConfig{Enabled: true, StreamConversion: boolPtr(false)}
	res := IsFormatCompatible("claude:chat", "openai:chat", cfg, true, NewRegistry(nil), false)
	assert.Equal(t, SkipReasonNoStreamConversion, res.SkipReason)

	// 非流式请求不受 stream_conversion 限制
	reg := fullRegistry("claude:chat", "openai:chat", false)
	res = IsFormatCompatible("claude:chat", "openai:chat", cfg, false, reg, false)
	assert.True(t, res.Compatible)
	assert.True(t, res.NeedsConversion)
}

// 全局/提供商开关放行（skipEndpointCheck=true）：跳过端点接受策略，
// 但转换器能力检查不可跳过。
func TestSkipEndpointCheckStillRequiresConverter(t *testing.T) {
	res := IsFormatCompatible("claude:chat", "openai:chat", nil, false, NewRegistry(nil), true)
	assert.False(t, res.Compatible)
	assert.Equal(t, SkipReasonNoConverter, res.SkipReason)

	reg := fullRegistry("claude:chat", "openai:chat", false)
	res = IsFormatCompatible("claude:chat", "openai:chat", nil, false, reg, true)
	assert.True(t, res.Compatible)
	assert.True(t, res.NeedsConversion)
}

func TestStreamRequiresStreamConverter(t *testing.T) {
	reg := fullRegistry("claude:chat", "openai:chat", false)
	res := IsFormatCompatible("claude:chat", "openai:chat", nil, true, reg, true)
	assert.Equal(t, SkipReasonNoConverter, res.SkipReason)

	reg = fullRegistry("claude:chat", "openai:chat", true)
	res = IsFormatCompatible("claude:chat", "openai:chat", nil, true, reg, true)
	assert.True(t, res.Compatible)
	assert.True(t, res.NeedsConversion)
}

// 透传判定与接受策略无关：同数据格式即使被 reject 也透传。
func TestPassthroughIgnoresAcceptance(t *testing.T) {
	cfg := &FormatAcceptanceConfig{Enabled: true, RejectFormats: []string{"claude:chat"}}
	res := IsFormatCompatible("claude:chat", "claude:cli", cfg, false, nil, false)
	assert.True(t, res.Compatible)
	assert.False(t, res.NeedsConversion)
}
