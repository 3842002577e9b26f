// Package access 实现客户端访问限制：用户级与密钥级 allowed_models
// 的归一化、合并与判定。
//
// allowed_models 有两种形态：
//   - 扁平列表：["model-a", "model-b"]，对所有数据格式生效
//   - 按格式字典：{"claude": ["model-a"], "*": ["model-b"]}，
//     判定时按 格式 -> "*" -> 不限制 的顺序回退
//
// 合并规则（用户限制 ∩ 密钥限制）：
//   - 任一侧不限制时取另一侧
//   - 列表 ∩ 列表 -> 排序后的列表
//   - 任一侧是字典 -> 结果保持字典形态，绝不降级回列表。
//     取两侧格式键的并集逐格式合并：双方都限制求交集，
//     仅一侧限制保留该侧；列表视为 {"*": 列表}
//
// 原始 JSON 类型不合法时 fail-closed：视为空限制（全部拒绝）。
package access

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/BaSui01/aethergate/store"
)

// AllowedModels 归一化后的模型限制
type AllowedModels struct {
	unrestricted bool
	list         []string
	byFormat     map[string][]string
}

// Unrestricted 不限制任何模型
func Unrestricted() *AllowedModels {
	return &AllowedModels{unrestricted: true}
}

// DenyAll 空限制（全部拒绝），malformed 输入的 fail-closed 归宿
func DenyAll() *AllowedModels {
	return &AllowedModels{list: []string{}}
}

// FromList 由扁平列表构造
func FromList(models []string) *AllowedModels {
	return &AllowedModels{list: dedupeSorted(models)}
}

// FromByFormat 由按格式字典构造
func FromByFormat(byFormat map[string][]string) *AllowedModels {
	normalized := make(map[string][]string, len(byFormat))
	for format, models := range byFormat {
		normalized[format] = dedupeSorted(models)
	}
	return &AllowedModels{byFormat: normalized}
}

// Parse 归一化原始 JSON 值。
// null / 缺省 -> 不限制；数组 -> 列表形态；对象 -> 字典形态；
// 其他类型 -> DenyAll 并返回错误（调用方只记日志，不阻断）。
func Parse(raw json.RawMessage) (*AllowedModels, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return Unrestricted(), nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return FromList(list), nil
	}
	var byFormat map[string][]string
	if err := json.Unmarshal(raw, &byFormat); err == nil {
		return FromByFormat(byFormat), nil
	}
	return DenyAll(), fmt.Errorf("allowed_models: unsupported JSON shape: %s", truncate(string(raw), 80))
}

// FromStored 由持久化形态构造。List 与 ByFormat 同时出现时字典优先。
func FromStored(stored *store.AllowedModelsJSON) *AllowedModels {
	if stored == nil {
		return Unrestricted()
	}
	if stored.ByFormat != nil {
		return FromByFormat(stored.ByFormat)
	}
	if stored.List != nil {
		return FromList(stored.List)
	}
	return Unrestricted()
}

// IsUnrestricted 是否不限制
func (a *AllowedModels) IsUnrestricted() bool {
	return a != nil && a.unrestricted
}

// IsByFormat 是否为字典形态
func (a *AllowedModels) IsByFormat() bool {
	return a != nil && a.byFormat != nil
}

// List 列表形态的内容（字典形态返回 nil）
func (a *AllowedModels) List() []string {
	if a == nil || a.byFormat != nil {
		return nil
	}
	return a.list
}

// ByFormat 字典形态的内容
func (a *AllowedModels) ByFormat() map[string][]string {
	if a == nil {
		return nil
	}
	return a.byFormat
}

// FormatWildcard 字典形态的兜底格式键
const FormatWildcard = "*"

// formatModels 字典形态下某格式的有效限制。
// 第二个返回值为 false 表示该格式未被限制（无显式条目也无 "*" 兜底）。
func (a *AllowedModels) formatModels(dataFormat string) ([]string, bool) {
	if models, ok := a.byFormat[dataFormat]; ok {
		return models, true
	}
	if models, ok := a.byFormat[FormatWildcard]; ok {
		return models, true
	}
	return nil, false
}

// Allows 判定模型在给定数据格式下是否可用。
// 字典形态按 格式 -> "*" -> 不限制 的顺序回退。
func (a *AllowedModels) Allows(model, dataFormat string) bool {
	if a == nil || a.unrestricted {
		return true
	}
	if a.byFormat != nil {
		models, restricted := a.formatModels(dataFormat)
		if !restricted {
			return true
		}
		return contains(models, model)
	}
	return contains(a.list, model)
}

// Merge 求两个限制的交集。任一侧不限制时取另一侧；
// 任一侧为字典时结果保持字典形态。
func Merge(a, b *AllowedModels) *AllowedModels {
	if a == nil || a.unrestricted {
		return b.clone()
	}
	if b == nil || b.unrestricted {
		return a.clone()
	}

	// 列表 ∩ 列表
	if a.byFormat == nil && b.byFormat == nil {
		return &AllowedModels{list: intersect(a.list, b.list)}
	}

	// 至少一侧是字典：取格式键并集逐格式合并。
	// 某格式只有一侧限制时保留该侧，不能因为对侧没配就丢掉限制或整个格式。
	var result map[string][]string
	switch {
	case a.byFormat != nil && b.byFormat != nil:
		result = make(map[string][]string, len(a.byFormat)+len(b.byFormat))
		for format := range a.byFormat {
			result[format] = nil
		}
		for format := range b.byFormat {
			result[format] = nil
		}
		for format := range result {
			am, aok := a.formatModels(format)
			bm, bok := b.formatModels(format)
			switch {
			case aok && bok:
				result[format] = intersect(am, bm)
			case aok:
				result[format] = dedupeSorted(am)
			default:
				result[format] = dedupeSorted(bm)
			}
		}
	case a.byFormat != nil:
		result = mergeDictWithList(a.byFormat, b.list)
	default:
		result = mergeDictWithList(b.byFormat, a.list)
	}
	return &AllowedModels{byFormat: result}
}

// mergeDictWithList 列表侧等价于 {"*": 列表}：对字典的每个格式求交集，
// 字典没有 "*" 时补上列表兜底，保证未列出的格式仍受列表约束。
func mergeDictWithList(dict map[string][]string, list []string) map[string][]string {
	result := make(map[string][]string, len(dict)+1)
	for format, models := range dict {
		result[format] = intersect(models, list)
	}
	if _, ok := dict[FormatWildcard]; !ok {
		result[FormatWildcard] = dedupeSorted(list)
	}
	return result
}

// Effective 合并用户级与密钥级限制（两层交集）
func Effective(user, apiKey *AllowedModels) *AllowedModels {
	return Merge(user, apiKey)
}

func (a *AllowedModels) clone() *AllowedModels {
	if a == nil {
		return Unrestricted()
	}
	if a.unrestricted {
		return Unrestricted()
	}
	if a.byFormat != nil {
		copied := make(map[string][]string, len(a.byFormat))
		for k, v := range a.byFormat {
			copied[k] = append([]string(nil), v...)
		}
		return &AllowedModels{byFormat: copied}
	}
	return &AllowedModels{list: append([]string(nil), a.list...)}
}

func dedupeSorted(models []string) []string {
	seen := make(map[string]struct{}, len(models))
	out := make([]string, 0, len(models))
	for _, m := range models {
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

func intersect(a, b []string) []string {
	inB := make(map[string]struct{}, len(b))
	for _, m := range b {
		inB[m] = struct{}{}
	}
	out := make([]string, 0)
	for _, m := range a {
		if _, ok := inB[m]; ok {
			out = append(out, m)
		}
	}
	sort.Strings(out)
	return out
}

func contains(list []string, target string) bool {
	for _, v := range list {
		if v == target {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
