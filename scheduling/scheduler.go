package scheduling

import (
	"context"

	"go.uber.org/zap"

	"github.com/BaSui01/aethergate/apiformat"
	"github.com/BaSui01/aethergate/ratelimit"
)

// CacheAwareScheduler 缓存感知调度器：构建、亲和查询、排序与
// 选前并发检查的统一门面。
type CacheAwareScheduler struct {
	config   *Config
	builder  *Builder
	sorter   *Sorter
	affinity *AffinityManager
	guard    *ratelimit.RPMGuard
	logger   *zap.Logger
}

// NewCacheAwareScheduler 创建调度器
func NewCacheAwareScheduler(
	config *Config,
	builder *Builder,
	sorter *Sorter,
	affinity *AffinityManager,
	guard *ratelimit.RPMGuard,
	logger *zap.Logger,
) *CacheAwareScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CacheAwareScheduler{
		config:   config,
		builder:  builder,
		sorter:   sorter,
		affinity: affinity,
		guard:    guard,
		logger:   logger.With(zap.String("component", "scheduler")),
	}
}

// ScheduleParams 一次调度的请求上下文
type ScheduleParams struct {
	ClientFormat            apiformat.Signature
	Model                   string
	IsStream                bool
	GlobalConversionEnabled bool
	AffinityKey             string
	Seed                    int64
}

// Schedule 构建并排序候选列表。
// cache_affinity 模式下先查亲和绑定；亲和查询失败只降级为无亲和，
// 不阻断调度。
func (s *CacheAwareScheduler) Schedule(ctx context.Context, rows []AvailabilityRow, params ScheduleParams) []*ProviderCandidate {
	candidates := s.builder.Build(rows, BuildParams{
		ClientFormat:            params.ClientFormat,
		IsStream:                params.IsStream,
		GlobalConversionEnabled: params.GlobalConversionEnabled,
	})
	if len(candidates) == 0 {
		return nil
	}

	var affinity *CacheAffinity
	if s.config.SchedulingMode() == SchedulingModeCacheAffinity && s.affinity != nil && params.AffinityKey != "" {
		var err error
		affinity, err = s.affinity.GetAffinity(ctx, params.AffinityKey, params.ClientFormat.DataFormatID(), params.Model)
		if err != nil {
			s.logger.Warn("affinity lookup failed, scheduling without affinity",
				zap.String("affinity_key", params.AffinityKey), zap.Error(err))
			affinity = nil
		}
	}

	return s.sorter.Sort(candidates, SortRequest{
		ClientFormat: params.ClientFormat,
		AffinityKey:  params.AffinityKey,
		Affinity:     affinity,
		Seed:         params.Seed,
	})
}

// CheckAvailable 选前并发检查（委托给 RPM 守卫）
func (s *CacheAwareScheduler) CheckAvailable(ctx context.Context, c *ProviderCandidate, isCachedUser bool) (bool, ratelimit.ConcurrencySnapshot, error) {
	if s.guard == nil || c.Key == nil {
		return true, ratelimit.ConcurrencySnapshot{IsCachedUser: isCachedUser}, nil
	}
	return s.guard.CheckAvailable(ctx, c.Key, isCachedUser)
}

// RecordSuccess 成功后刷新亲和绑定
func (s *CacheAwareScheduler) RecordSuccess(ctx context.Context, params ScheduleParams, c *ProviderCandidate) {
	if s.affinity == nil || params.AffinityKey == "" || c.Provider == nil || c.Endpoint == nil || c.Key == nil {
		return
	}
	err := s.affinity.SetAffinity(ctx,
		params.AffinityKey, params.ClientFormat.DataFormatID(), params.Model,
		c.Provider.ID, c.Endpoint.ID, c.Key.ID)
	if err != nil {
		s.logger.Warn("affinity store failed", zap.Error(err))
	}
}
