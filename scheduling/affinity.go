package scheduling

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/aethergate/internal/cache"
)

// CacheAffinity 一个调用方与 (provider, endpoint, key) 的粘性绑定
type CacheAffinity struct {
	ProviderID   string    `json:"provider_id"`
	EndpointID   string    `json:"endpoint_id"`
	KeyID        string    `json:"key_id"`
	RequestCount int       `json:"request_count"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// minAffinityTTL 亲和记录的 TTL 下限
const minAffinityTTL = 5 * time.Minute

// AffinityConfig 亲和缓存配置
type AffinityConfig struct {
	TTL time.Duration `yaml:"ttl" json:"ttl"`
}

// DefaultAffinityConfig 返回默认亲和配置
func DefaultAffinityConfig() AffinityConfig {
	return AffinityConfig{TTL: 15 * time.Minute}
}

// AffinityMetrics 亲和查询的缓存命中指标出口（由 internal/metrics.Collector 实现）
type AffinityMetrics interface {
	RecordCacheHit(cacheType string)
	RecordCacheMiss(cacheType string)
}

// AffinityManager 缓存亲和管理器。
// 成功请求后写入绑定，后续同一调用方的同格式同模型请求优先命中
// 同一候选，保住上游的 prompt cache。
type AffinityManager struct {
	cache   *cache.Manager
	ttl     time.Duration
	metrics AffinityMetrics
	logger  *zap.Logger
}

// NewAffinityManager 创建亲和管理器
func NewAffinityManager(cacheManager *cache.Manager, cfg AffinityConfig, logger *zap.Logger) *AffinityManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	ttl := cfg.TTL
	if ttl < minAffinityTTL {
		ttl = minAffinityTTL
	}
	return &AffinityManager{
		cache:  cacheManager,
		ttl:    ttl,
		logger: logger.With(zap.String("component", "cache_affinity")),
	}
}

// SetMetrics 挂接指标采集器；nil 安全
func (m *AffinityManager) SetMetrics(metrics AffinityMetrics) {
	m.metrics = metrics
}

func affinityCacheKey(affinityKey, clientFormat, model string) string {
	return fmt.Sprintf("aethergate:affinity:%s:%s:%s", affinityKey, clientFormat, model)
}

// GetAffinity 查询调用方的亲和绑定；无绑定返回 nil
func (m *AffinityManager) GetAffinity(ctx context.Context, affinityKey, clientFormat, model string) (*CacheAffinity, error) {
	var affinity CacheAffinity
	err := m.cache.GetJSON(ctx, affinityCacheKey(affinityKey, clientFormat, model), &affinity)
	if cache.IsCacheMiss(err) {
		if m.metrics != nil {
			m.metrics.RecordCacheMiss("affinity")
		}
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("affinity lookup: %w", err)
	}
	if m.metrics != nil {
		m.metrics.RecordCacheHit("affinity")
	}
	return &affinity, nil
}

// SetAffinity 写入/刷新亲和绑定。
// 目标未变时递增 request_count（预留比例计算据此估计单调用方负载），
// 变更时重置为 1。
func (m *AffinityManager) SetAffinity(ctx context.Context, affinityKey, clientFormat, model, providerID, endpointID, keyID string) error {
	cacheKey := affinityCacheKey(affinityKey, clientFormat, model)

	count := 1
	var existing CacheAffinity
	if err := m.cache.GetJSON(ctx, cacheKey, &existing); err == nil {
		if existing.ProviderID == providerID && existing.EndpointID == endpointID && existing.KeyID == keyID {
			count = existing.RequestCount + 1
		}
	}

	affinity := CacheAffinity{
		ProviderID:   providerID,
		EndpointID:   endpointID,
		KeyID:        keyID,
		RequestCount: count,
		UpdatedAt:    time.Now(),
	}
	if err := m.cache.SetJSON(ctx, cacheKey, affinity, m.ttl); err != nil {
		return fmt.Errorf("affinity store: %w", err)
	}
	return nil
}

// InvalidateCaller 删除单个调用方的亲和绑定
func (m *AffinityManager) InvalidateCaller(ctx context.Context, affinityKey, clientFormat, model string) error {
	return m.cache.Delete(ctx, affinityCacheKey(affinityKey, clientFormat, model))
}

// InvalidateTarget 删除所有指向给定目标的亲和绑定。
// 空参数表示该维度不限；用于 provider/endpoint/key 删除或健康拉黑。
func (m *AffinityManager) InvalidateTarget(ctx context.Context, providerID, endpointID, keyID string) (int, error) {
	keys, err := m.cache.ScanPattern(ctx, "aethergate:affinity:*", 0)
	if err != nil {
		return 0, fmt.Errorf("affinity scan: %w", err)
	}

	removed := 0
	for _, cacheKey := range keys {
		var affinity CacheAffinity
		if err := m.cache.GetJSON(ctx, cacheKey, &affinity); err != nil {
			continue
		}
		if providerID != "" && affinity.ProviderID != providerID {
			continue
		}
		if endpointID != "" && affinity.EndpointID != endpointID {
			continue
		}
		if keyID != "" && affinity.KeyID != keyID {
			continue
		}
		if err := m.cache.Delete(ctx, cacheKey); err == nil {
			removed++
		}
	}

	if removed > 0 {
		m.logger.Info("affinity entries invalidated",
			zap.String("provider_id", providerID),
			zap.String("endpoint_id", endpointID),
			zap.String("key_id", keyID),
			zap.Int("removed", removed))
	}
	return removed, nil
}
