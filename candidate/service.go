package candidate

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/BaSui01/aethergate/access"
	"github.com/BaSui01/aethergate/apiformat"
	"github.com/BaSui01/aethergate/failover"
	"github.com/BaSui01/aethergate/model"
	"github.com/BaSui01/aethergate/scheduling"
)

// =============================================================================
// 🎯 候选服务门面
// =============================================================================

// Service 候选服务：解析 -> 调度 -> 记录预建 的组合门面
type Service struct {
	query     *model.AvailabilityQuery
	scheduler *scheduling.CacheAwareScheduler
	recorder  *Recorder
	logger    *zap.Logger
}

// NewService 创建候选服务
func NewService(
	query *model.AvailabilityQuery,
	scheduler *scheduling.CacheAwareScheduler,
	recorder *Recorder,
	logger *zap.Logger,
) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		query:     query,
		scheduler: scheduler,
		recorder:  recorder,
		logger:    logger.With(zap.String("component", "candidate_service")),
	}
}

// ResolveParams 一次候选解析的请求上下文
type ResolveParams struct {
	ClientFormat apiformat.Signature
	Model        string
	AffinityKey  string
	IsStream     bool

	// GlobalConversionEnabled 全局格式转换开关（三层开关的最外层）。
	// 关闭不是总闸：跨家族端点仍进入候选集，端点接受策略与
	// 提供商级开关可以单独放行
	GlobalConversionEnabled bool

	// Restrictions 请求级模型访问限制（用户与客户端密钥合并结果）；
	// nil 表示不限制
	Restrictions *access.AllowedModels

	// PreferredKeyIDs 优先密钥；有命中时只保留命中的行，无命中时忽略
	PreferredKeyIDs []string

	// MaxCandidates 候选数量上限；0 表示不限制
	MaxCandidates int

	Seed int64
}

// Resolve 返回排好序的候选列表。
//
// 流程：计算目标签名集 -> 可用性查询 -> 请求级访问过滤 ->
// 优先密钥过滤 -> 缓存感知调度排序。
func (s *Service) Resolve(ctx context.Context, params ResolveParams) ([]*scheduling.ProviderCandidate, error) {
	signatures := candidateSignatures(params.ClientFormat)

	rows, err := s.query.FindRows(ctx, params.Model, signatures)
	if err != nil {
		return nil, fmt.Errorf("resolve candidates: %w", err)
	}
	rows = s.filterRestricted(rows, params)
	rows = preferKeys(rows, params.PreferredKeyIDs)

	candidates := s.scheduler.Schedule(ctx, rows, scheduling.ScheduleParams{
		ClientFormat:            params.ClientFormat,
		Model:                   params.Model,
		IsStream:                params.IsStream,
		GlobalConversionEnabled: params.GlobalConversionEnabled,
		AffinityKey:             params.AffinityKey,
		Seed:                    params.Seed,
	})
	s.demoteExhaustedCached(ctx, candidates)
	if params.MaxCandidates > 0 && len(candidates) > params.MaxCandidates {
		candidates = candidates[:params.MaxCandidates]
	}

	s.logger.Debug("candidates resolved",
		zap.String("model", params.Model),
		zap.String("client_format", string(params.ClientFormat)),
		zap.Int("rows", len(rows)),
		zap.Int("candidates", len(candidates)))
	return candidates, nil
}

// CreateRecords 为已解析的候选预建审计记录
func (s *Service) CreateRecords(ctx context.Context, candidates []*scheduling.ProviderCandidate, params RecordParams) (map[failover.RecordSlot]string, error) {
	if s.recorder == nil {
		return nil, nil
	}
	return s.recorder.CreateRecords(ctx, candidates, params)
}

// CandidateKeys 导出一次请求的候选链路摘要
func (s *Service) CandidateKeys(ctx context.Context, requestID string) ([]CandidateKey, error) {
	if s.recorder == nil {
		return nil, nil
	}
	return s.recorder.CandidateKeys(ctx, requestID)
}

// RecordSuccess 成功后刷新该调用方的缓存亲和绑定
func (s *Service) RecordSuccess(ctx context.Context, params ResolveParams, c *scheduling.ProviderCandidate) {
	s.scheduler.RecordSuccess(ctx, scheduling.ScheduleParams{
		ClientFormat: params.ClientFormat,
		Model:        params.Model,
		AffinityKey:  params.AffinityKey,
	}, c)
}

// demoteExhaustedCached 亲和提升的候选做选前 RPM 检查：
// 分钟桶已满时提前降级为 skipped，让请求直接从其他候选开始，
// 而不是等执行阶段被守卫拒绝。检查失败按可用处理，守卫在
// Acquire 阶段兜底。
func (s *Service) demoteExhaustedCached(ctx context.Context, candidates []*scheduling.ProviderCandidate) {
	for _, c := range candidates {
		if !c.IsCached || c.IsSkipped {
			continue
		}
		available, snapshot, err := s.scheduler.CheckAvailable(ctx, c, true)
		if err != nil || available {
			continue
		}
		c.IsCached = false
		c.IsSkipped = true
		c.SkipReason = "rpm_exhausted"
		s.logger.Debug("cached candidate demoted, rpm exhausted",
			zap.String("key_id", c.Key.ID),
			zap.Int("current", snapshot.KeyCurrent),
			zap.Int("limit", snapshot.KeyLimit))
	}
}

// filterRestricted 应用请求级模型访问限制。
// 按每行端点签名解析后的数据格式判定（与密钥白名单的判定口径一致）。
func (s *Service) filterRestricted(rows []scheduling.AvailabilityRow, params ResolveParams) []scheduling.AvailabilityRow {
	if params.Restrictions == nil || params.Restrictions.IsUnrestricted() {
		return rows
	}
	out := rows[:0]
	for _, row := range rows {
		dataFormat := apiformat.Signature(row.Endpoint.Signature).DataFormatID()
		if params.Restrictions.Allows(params.Model, dataFormat) {
			out = append(out, row)
			continue
		}
		s.logger.Debug("row rejected by access restrictions",
			zap.String("provider_id", row.Provider.ID),
			zap.String("model", params.Model),
			zap.String("data_format", dataFormat))
	}
	return out
}

// preferKeys 有优先密钥命中时只保留命中的行；全无命中时保持原列表
func preferKeys(rows []scheduling.AvailabilityRow, preferred []string) []scheduling.AvailabilityRow {
	if len(preferred) == 0 {
		return rows
	}
	wanted := make(map[string]struct{}, len(preferred))
	for _, id := range preferred {
		wanted[id] = struct{}{}
	}
	var matched []scheduling.AvailabilityRow
	for _, row := range rows {
		if _, ok := wanted[row.Key.ID]; ok {
			matched = append(matched, row)
		}
	}
	if len(matched) == 0 {
		return rows
	}
	return matched
}

// candidateSignatures 计算可用性查询的目标签名集：
// 与客户端签名可直通的全部签名，加上同 kind 的其他家族。
//
// 全局转换开关不收窄这个集合：关闭时跨家族行仍要进入构建器，
// 由端点接受策略与提供商级开关决定去留。
func candidateSignatures(client apiformat.Signature) []apiformat.Signature {
	var out []apiformat.Signature
	for _, family := range apiformat.KnownFamilies {
		for _, kind := range apiformat.KnownKinds {
			sig := apiformat.MakeKey(family, kind)
			if apiformat.CanPassthrough(client, sig) || kind == client.Kind() {
				out = append(out, sig)
			}
		}
	}
	return out
}
