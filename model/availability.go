// Package model 实现模型可用性查询：系统级「可用性」条件的单一来源。
//
// 职责边界：本包只负责对所有请求一致的系统级过滤
// （active/available 开关、格式交集、密钥白名单）；
// 请求级的用户/客户端密钥访问限制由 access 包处理。
package model

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/aethergate/access"
	"github.com/BaSui01/aethergate/apiformat"
	"github.com/BaSui01/aethergate/scheduling"
	"github.com/BaSui01/aethergate/store"
)

// AvailabilityQuery 模型可用性查询构建器。
//
// 设计原则：
//  1. 单一来源：所有可用性条件定义在本类型中
//  2. 必须关联 GlobalModel：global_model_id 为空的 Model 不参与路由
//  3. 完整过滤：enabled 与 is_available 同时生效（is_available=nil 视为可用）
type AvailabilityQuery struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewAvailabilityQuery 创建可用性查询
func NewAvailabilityQuery(db *gorm.DB, logger *zap.Logger) *AvailabilityQuery {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AvailabilityQuery{db: db, logger: logger.With(zap.String("component", "model_availability"))}
}

// FindRows 返回可以（原则上）服务该请求的 (Provider, Endpoint, Key, Model) 行。
//
// 过滤条件：
//   - Provider 活跃；Endpoint 活跃且签名落在请求签名集内
//   - Model 活跃、is_available ∈ {true, nil}、关联的 GlobalModel 活跃且名称匹配
//   - Key 活跃；Key 的 api_formats 与端点格式、请求格式有交集
//     （api_formats=null 表示支持提供商全部活跃端点的格式）
//   - Key 的 allowed_models（如有）在解析后的数据格式下放行该模型
//
// 类型兜底：Key 的 api_formats 非数组形态视为比空更严格——丢弃该密钥
// 并记一条告警（fail-closed）。
func (q *AvailabilityQuery) FindRows(ctx context.Context, modelName string, signatures []apiformat.Signature) ([]scheduling.AvailabilityRow, error) {
	targetSet := normalizeSignatureSet(signatures)
	if len(targetSet) == 0 || modelName == "" {
		return nil, nil
	}

	endpointsByProvider, signaturesByProvider, err := q.activeEndpoints(ctx, targetSet)
	if err != nil {
		return nil, err
	}
	if len(endpointsByProvider) == 0 {
		return nil, nil
	}

	providerIDs := make([]string, 0, len(endpointsByProvider))
	for id := range endpointsByProvider {
		providerIDs = append(providerIDs, id)
	}

	models, providers, err := q.activeModels(ctx, modelName, providerIDs)
	if err != nil {
		return nil, err
	}
	if len(models) == 0 {
		return nil, nil
	}

	keysByProvider, err := q.activeKeys(ctx, providerIDs, targetSet, signaturesByProvider)
	if err != nil {
		return nil, err
	}

	var rows []scheduling.AvailabilityRow
	for i := range models {
		m := &models[i]
		provider := providers[m.ProviderID]
		if provider == nil {
			continue
		}
		for _, endpoint := range endpointsByProvider[m.ProviderID] {
			endpointSig := apiformat.Signature(endpoint.Signature)
			for _, key := range keysByProvider[m.ProviderID] {
				if _, ok := key.formats[endpointSig]; !ok {
					continue
				}
				if !key.allowed.Allows(m.Name, endpointSig.DataFormatID()) {
					continue
				}
				rows = append(rows, scheduling.AvailabilityRow{
					Provider: provider,
					Endpoint: endpoint,
					Key:      key.key,
					Model:    m,
				})
			}
		}
	}
	return rows, nil
}

// activeEndpoints 返回签名匹配的活跃端点，按提供商分组。
// 第二个返回值是每个提供商「全部」活跃端点的签名集合
// （api_formats=null 的密钥以它为支持范围，不受请求签名集限制）。
func (q *AvailabilityQuery) activeEndpoints(ctx context.Context, targetSet map[apiformat.Signature]struct{}) (map[string][]*store.ProviderEndpoint, map[string]map[apiformat.Signature]struct{}, error) {
	var endpoints []store.ProviderEndpoint
	err := q.db.WithContext(ctx).
		Joins("JOIN providers ON providers.id = provider_endpoints.provider_id").
		Where("providers.enabled = ? AND provider_endpoints.enabled = ?", true, true).
		Order("provider_endpoints.created_at").
		Find(&endpoints).Error
	if err != nil {
		return nil, nil, fmt.Errorf("query active endpoints: %w", err)
	}

	matched := make(map[string][]*store.ProviderEndpoint)
	allSignatures := make(map[string]map[apiformat.Signature]struct{})
	for i := range endpoints {
		e := &endpoints[i]
		sig, err := apiformat.Normalize(e.Signature)
		if err != nil {
			q.logger.Warn("endpoint has invalid signature, ignored",
				zap.String("endpoint_id", e.ID), zap.String("signature", e.Signature))
			continue
		}
		if allSignatures[e.ProviderID] == nil {
			allSignatures[e.ProviderID] = make(map[apiformat.Signature]struct{})
		}
		allSignatures[e.ProviderID][sig] = struct{}{}
		if _, ok := targetSet[sig]; ok {
			e.Signature = string(sig)
			matched[e.ProviderID] = append(matched[e.ProviderID], e)
		}
	}
	return matched, allSignatures, nil
}

// activeModels 返回指定全局模型名下的活跃模型与所属提供商。
func (q *AvailabilityQuery) activeModels(ctx context.Context, modelName string, providerIDs []string) ([]store.Model, map[string]*store.Provider, error) {
	var models []store.Model
	err := q.db.WithContext(ctx).
		Joins("JOIN global_models ON global_models.id = models.global_model_id").
		Where("models.provider_id IN ?", providerIDs).
		Where("models.enabled = ?", true).
		Where("models.is_available IS NULL OR models.is_available = ?", true).
		Where("global_models.enabled = ? AND global_models.name = ?", true, modelName).
		Order("models.created_at").
		Find(&models).Error
	if err != nil {
		return nil, nil, fmt.Errorf("query active models: %w", err)
	}
	if len(models) == 0 {
		return nil, nil, nil
	}

	usedProviderIDs := make([]string, 0, len(models))
	seen := make(map[string]struct{}, len(models))
	for i := range models {
		if _, ok := seen[models[i].ProviderID]; !ok {
			seen[models[i].ProviderID] = struct{}{}
			usedProviderIDs = append(usedProviderIDs, models[i].ProviderID)
		}
	}

	var providerRows []store.Provider
	if err := q.db.WithContext(ctx).Where("id IN ?", usedProviderIDs).Find(&providerRows).Error; err != nil {
		return nil, nil, fmt.Errorf("query providers: %w", err)
	}
	providers := make(map[string]*store.Provider, len(providerRows))
	for i := range providerRows {
		providers[providerRows[i].ID] = &providerRows[i]
	}
	return models, providers, nil
}

// keyRule 一把密钥的可用格式与模型白名单
type keyRule struct {
	key     *store.ProviderAPIKey
	formats map[apiformat.Signature]struct{}
	allowed *access.AllowedModels
}

// activeKeys 返回每个提供商可用的密钥规则。
// usable = key.api_formats ∩ 提供商活跃端点格式 ∩ 请求格式集；
// 交集为空的密钥不出现在结果中。
func (q *AvailabilityQuery) activeKeys(
	ctx context.Context,
	providerIDs []string,
	targetSet map[apiformat.Signature]struct{},
	signaturesByProvider map[string]map[apiformat.Signature]struct{},
) (map[string][]keyRule, error) {
	var keys []store.ProviderAPIKey
	err := q.db.WithContext(ctx).
		Where("provider_id IN ?", providerIDs).
		Where("enabled = ?", true).
		Order("created_at").
		Find(&keys).Error
	if err != nil {
		return nil, fmt.Errorf("query active keys: %w", err)
	}

	rules := make(map[string][]keyRule)
	for i := range keys {
		k := &keys[i]
		endpointFormats := signaturesByProvider[k.ProviderID]
		if len(endpointFormats) == 0 {
			continue
		}

		keyFormats, ok := q.parseKeyFormats(k, endpointFormats)
		if !ok {
			continue
		}

		usable := make(map[apiformat.Signature]struct{})
		for sig := range keyFormats {
			if _, inEndpoint := endpointFormats[sig]; !inEndpoint {
				continue
			}
			if _, inTarget := targetSet[sig]; !inTarget {
				continue
			}
			usable[sig] = struct{}{}
		}
		if len(usable) == 0 {
			continue
		}

		rules[k.ProviderID] = append(rules[k.ProviderID], keyRule{
			key:     k,
			formats: usable,
			allowed: access.FromStored(k.AllowedModels),
		})
	}
	return rules, nil
}

// parseKeyFormats 解析密钥的 api_formats 原始 JSON。
// null/缺省 = 支持提供商全部活跃端点格式；数组 = 归一化后的签名集；
// 其他形态 fail-closed：丢弃该密钥并告警。
func (q *AvailabilityQuery) parseKeyFormats(k *store.ProviderAPIKey, endpointFormats map[apiformat.Signature]struct{}) (map[apiformat.Signature]struct{}, bool) {
	if len(k.APIFormats) == 0 || string(k.APIFormats) == "null" {
		out := make(map[apiformat.Signature]struct{}, len(endpointFormats))
		for sig := range endpointFormats {
			out[sig] = struct{}{}
		}
		return out, true
	}

	var list []string
	if err := json.Unmarshal(k.APIFormats, &list); err != nil {
		q.logger.Warn("key api_formats has unexpected shape, key dropped",
			zap.String("key_id", k.ID), zap.String("provider_id", k.ProviderID))
		return nil, false
	}

	out := make(map[apiformat.Signature]struct{}, len(list))
	for _, raw := range list {
		sig, err := apiformat.Normalize(raw)
		if err != nil {
			continue
		}
		out[sig] = struct{}{}
	}
	return out, true
}

func normalizeSignatureSet(signatures []apiformat.Signature) map[apiformat.Signature]struct{} {
	out := make(map[apiformat.Signature]struct{}, len(signatures))
	for _, s := range signatures {
		if s == "" {
			continue
		}
		sig, err := apiformat.Normalize(string(s))
		if err != nil {
			continue
		}
		out[sig] = struct{}{}
	}
	return out
}
