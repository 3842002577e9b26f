// Package apiformat 定义端点签名（endpoint signature）与格式转换注册表。
//
// 调度/编排链路统一使用 canonical signature key：`family:kind`
// （如 "claude:chat"、"openai:cli"），小写，两段均非空。
package apiformat

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidSignature 输入缺少 ":" 或任一半为空时返回。
var ErrInvalidSignature = errors.New("invalid endpoint signature")

// ApiFamily API 协议族
type ApiFamily string

const (
	FamilyClaude      ApiFamily = "claude"
	FamilyOpenAI      ApiFamily = "openai"
	FamilyGemini      ApiFamily = "gemini"
	FamilyAntigravity ApiFamily = "antigravity"
)

// EndpointKind 端点类别
type EndpointKind string

const (
	KindChat  EndpointKind = "chat"
	KindCLI   EndpointKind = "cli"
	KindVideo EndpointKind = "video"
	KindImage EndpointKind = "image"
)

// KnownFamilies 已支持的协议族（用于校验与测试枚举）
var KnownFamilies = []ApiFamily{FamilyClaude, FamilyOpenAI, FamilyGemini, FamilyAntigravity}

// KnownKinds 已支持的端点类别
var KnownKinds = []EndpointKind{KindChat, KindCLI, KindVideo, KindImage}

// dataFormatByFamily 协议族 -> 数据格式标识。
// 同一数据格式的签名之间可以透传（仅认证/头部不同，无需转换请求体）。
// antigravity 的数据面是 gemini 线格式，因此与 gemini 共享数据格式。
var dataFormatByFamily = map[ApiFamily]string{
	FamilyClaude:      "claude",
	FamilyOpenAI:      "openai",
	FamilyGemini:      "gemini",
	FamilyAntigravity: "gemini",
}

// Signature canonical signature key（`family:kind`，小写）
type Signature string

// MakeKey 由 family/kind 构造 canonical signature key
func MakeKey(family ApiFamily, kind EndpointKind) Signature {
	return Signature(fmt.Sprintf("%s:%s", family, kind))
}

// Normalize 将任意字符串归一化为 canonical signature key。
// 仅接受 `family:kind` 格式；缺少 ":" 或任一半为空时返回 ErrInvalidSignature，
// 是否回退到默认值由调用方决定。
func Normalize(value string) (Signature, error) {
	trimmed := strings.ToLower(strings.TrimSpace(value))
	family, kind, ok := strings.Cut(trimmed, ":")
	if !ok {
		return "", fmt.Errorf("%w: %q missing ':'", ErrInvalidSignature, value)
	}
	family = strings.TrimSpace(family)
	kind = strings.TrimSpace(kind)
	if family == "" || kind == "" {
		return "", fmt.Errorf("%w: %q has empty family or kind", ErrInvalidSignature, value)
	}
	return Signature(family + ":" + kind), nil
}

// NormalizeOrDefault 归一化失败时返回默认签名（调度链路的宽松入口）
func NormalizeOrDefault(value string, def Signature) Signature {
	if value == "" {
		return def
	}
	sig, err := Normalize(value)
	if err != nil {
		return def
	}
	return sig
}

// DefaultSignature 调度链路的默认签名
var DefaultSignature = MakeKey(FamilyClaude, KindChat)

// Family 返回签名的协议族部分（未归一化输入返回空串）
func (s Signature) Family() ApiFamily {
	family, _, ok := strings.Cut(string(s), ":")
	if !ok {
		return ""
	}
	return ApiFamily(family)
}

// Kind 返回签名的端点类别部分
func (s Signature) Kind() EndpointKind {
	_, kind, ok := strings.Cut(string(s), ":")
	if !ok {
		return ""
	}
	return EndpointKind(kind)
}

// DataFormatID 返回签名对应的数据格式标识。
// 未知协议族以族名自身作为数据格式（保守：不与任何已知格式透传）。
func (s Signature) DataFormatID() string {
	if id, ok := dataFormatByFamily[s.Family()]; ok {
		return id
	}
	return string(s.Family())
}

// CanPassthrough 两个签名是否共享同一数据格式（透传：无需数据转换，仅头部/认证不同）
func CanPassthrough(client, endpoint Signature) bool {
	if client == "" || endpoint == "" {
		return false
	}
	return client.DataFormatID() == endpoint.DataFormatID()
}
