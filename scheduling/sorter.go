package scheduling

import (
	"math/rand"
	"sort"

	"go.uber.org/zap"

	"github.com/BaSui01/aethergate/apiformat"
)

// Sorter 候选排序器。
//
// 两个正交旋钮：
//   - 优先级模式决定主排序键（provider 或 global_key）
//   - 调度模式决定同优先级内的分散策略与是否启用亲和提升
type Sorter struct {
	config *Config
	logger *zap.Logger
}

// NewSorter 创建排序器
func NewSorter(config *Config, logger *zap.Logger) *Sorter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sorter{config: config, logger: logger.With(zap.String("component", "candidate_sorter"))}
}

// SortRequest 单次排序的请求上下文
type SortRequest struct {
	ClientFormat apiformat.Signature
	AffinityKey  string
	Affinity     *CacheAffinity
	// load_balance 模式的随机种子（每请求一个）
	Seed int64
}

type sortKey struct {
	group int // 转换降级组：0 正常，1 降级
	p1    int
	p2    int
	tie   uint64
}

// Sort 返回排好序的候选列表（原切片不修改）。
//
// 排序规则：
//  1. 转换降级：keep_priority_on_conversion=false 时，needs_conversion
//     的候选整体降一档，Provider 级覆盖可豁免
//  2. 组内按 (主优先级, 次优先级) 降序
//  3. 同优先级：cache_affinity 用确定性哈希分散，load_balance 随机轮换，
//     fixed_order 保持稳定
//  4. cache_affinity 模式下做亲和提升
func (s *Sorter) Sort(candidates []*ProviderCandidate, req SortRequest) []*ProviderCandidate {
	if len(candidates) == 0 {
		return nil
	}

	priorityMode := s.config.PriorityMode()
	schedulingMode := s.config.SchedulingMode()
	globalKeep := s.config.KeepPriorityOnConversion()
	clientSignature := string(req.ClientFormat)

	sorted := append([]*ProviderCandidate(nil), candidates...)
	keys := make(map[*ProviderCandidate]sortKey, len(sorted))

	var rng *rand.Rand
	if schedulingMode == SchedulingModeLoadBalance {
		rng = rand.New(rand.NewSource(req.Seed))
	}

	for _, c := range sorted {
		p1, p2 := c.priorities(priorityMode, clientSignature)
		key := sortKey{p1: p1, p2: p2}

		if c.NeedsConversion && !c.keepsPriorityOnConversion(globalKeep) {
			key.group = 1
		}

		switch schedulingMode {
		case SchedulingModeCacheAffinity:
			keyID := ""
			if c.Key != nil {
				keyID = c.Key.ID
			}
			key.tie = AffinityHash(req.AffinityKey, keyID)
		case SchedulingModeLoadBalance:
			key.tie = rng.Uint64()
		}

		keys[c] = key
	}

	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := keys[sorted[i]], keys[sorted[j]]
		if a.group != b.group {
			return a.group < b.group
		}
		if a.p1 != b.p1 {
			return a.p1 > b.p1
		}
		if a.p2 != b.p2 {
			return a.p2 > b.p2
		}
		return a.tie < b.tie
	})

	if schedulingMode == SchedulingModeCacheAffinity && req.Affinity != nil {
		sorted = s.promoteAffinity(sorted, keys, req.Affinity)
	}

	return sorted
}

// promoteAffinity 亲和提升：
//   - 命中的健康候选无条件提到第 0 位并标记 is_cached
//   - 命中的跳过候选只提到其所属转换组的最前面
//   - 无命中则忽略亲和
func (s *Sorter) promoteAffinity(sorted []*ProviderCandidate, keys map[*ProviderCandidate]sortKey, affinity *CacheAffinity) []*ProviderCandidate {
	idx := -1
	for i, c := range sorted {
		if c.matchesAffinity(affinity) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return sorted
	}

	target := sorted[idx]
	target.IsCached = true

	if !target.IsSkipped {
		rest := append(append([]*ProviderCandidate(nil), sorted[:idx]...), sorted[idx+1:]...)
		return append([]*ProviderCandidate{target}, rest...)
	}

	// 跳过的候选：提到自己组的最前面
	groupStart := 0
	for i, c := range sorted {
		if keys[c].group == keys[target].group {
			groupStart = i
			break
		}
	}
	if idx == groupStart {
		return sorted
	}

	out := make([]*ProviderCandidate, 0, len(sorted))
	out = append(out, sorted[:groupStart]...)
	out = append(out, target)
	for i := groupStart; i < len(sorted); i++ {
		if i != idx {
			out = append(out, sorted[i])
		}
	}
	return out
}
