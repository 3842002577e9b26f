package scheduling

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/BaSui01/aethergate/apiformat"
	"github.com/BaSui01/aethergate/store"
)

// ProviderCandidate 一次请求的单个可调度候选：(Provider, Endpoint, Key) 三元组
// 加上格式兼容性判定结果。
type ProviderCandidate struct {
	Provider *store.Provider
	Endpoint *store.ProviderEndpoint
	Key      *store.ProviderAPIKey
	Model    *store.Model

	// 端点的 canonical signature
	EndpointSignature apiformat.Signature

	NeedsConversion bool
	IsCached        bool
	IsSkipped       bool
	SkipReason      string

	// 候选审计记录 ID（落库后回填）
	RecordID string
}

// keepsPriorityOnConversion 该候选转换时是否保持原优先级。
// Provider 级覆盖优先于全局开关。
func (c *ProviderCandidate) keepsPriorityOnConversion(globalKeep bool) bool {
	if c.Provider != nil && c.Provider.KeepPriorityOnConversion != nil {
		return *c.Provider.KeepPriorityOnConversion
	}
	return globalKeep
}

// priorities 返回 (主优先级, 次优先级)，均为越大越先。
// global_key 模式按完整客户端签名（如 "claude:chat"）查优先级表。
func (c *ProviderCandidate) priorities(priorityMode, clientSignature string) (int, int) {
	internal := 0
	if c.Key != nil {
		internal = c.Key.Priority
	}

	if priorityMode == PriorityModeGlobalKey {
		global := 0
		if c.Key != nil && c.Key.GlobalPriorityByFormat != nil {
			global = c.Key.GlobalPriorityByFormat[clientSignature]
		}
		return global, internal
	}

	providerPriority := 0
	if c.Provider != nil {
		providerPriority = c.Provider.Priority
	}
	return providerPriority, internal
}

// matchesAffinity 候选是否命中亲和目标
func (c *ProviderCandidate) matchesAffinity(a *CacheAffinity) bool {
	if a == nil || c.Provider == nil || c.Endpoint == nil || c.Key == nil {
		return false
	}
	return c.Provider.ID == a.ProviderID &&
		c.Endpoint.ID == a.EndpointID &&
		c.Key.ID == a.KeyID
}

// AffinityHash 基于 affinity_key 与标识符的确定性哈希。
// 取 SHA-256 十六进制前 16 位解析为 uint64，用于同优先级内分散负载
// 同时保持单个调用方的粘性。
func AffinityHash(affinityKey, identifier string) uint64 {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%s", affinityKey, identifier)))
	v, err := strconv.ParseUint(hex.EncodeToString(sum[:])[:16], 16, 64)
	if err != nil {
		return 0
	}
	return v
}
