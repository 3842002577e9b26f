// Package request 封装单次候选尝试的执行：RPM 守卫、计时、
// 健康与自适应限速回写、审计记录推进。
package request

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/aethergate/failover"
	"github.com/BaSui01/aethergate/health"
	"github.com/BaSui01/aethergate/ratelimit"
	"github.com/BaSui01/aethergate/scheduling"
	"github.com/BaSui01/aethergate/store"
)

// ExecutionContext 一次尝试的执行现场（随结果与错误一起返回，用于日志与审计）
type ExecutionContext struct {
	CandidateID        string `json:"candidate_id,omitempty"`
	CandidateIndex     int    `json:"candidate_index"`
	ProviderID         string `json:"provider_id"`
	EndpointID         string `json:"endpoint_id"`
	KeyID              string `json:"key_id"`
	IsCachedUser       bool   `json:"is_cached_user"`
	ElapsedMs          int64  `json:"elapsed_ms"`
	RPMCurrent         int    `json:"rpm_current"`
	RPMLimit           int    `json:"rpm_limit"` // 0 = 无限制
	RPMAvailableForNew int    `json:"rpm_available_for_new,omitempty"`

	ReservationRatio float64                    `json:"reservation_ratio"`
	Phase            ratelimit.ReservationPhase `json:"phase,omitempty"`
	Confidence       float64                    `json:"confidence"`
	LoadFactor       float64                    `json:"load_factor"`
}

// ExecutionError 执行失败的包装：携带原始错误与执行现场
type ExecutionError struct {
	Cause   error
	Context *ExecutionContext
}

func (e *ExecutionError) Error() string { return e.Cause.Error() }
func (e *ExecutionError) Unwrap() error { return e.Cause }

// RequestFunc 对上游发起实际调用
type RequestFunc func(ctx context.Context, c *scheduling.ProviderCandidate) (*failover.AttemptResult, error)

// ExecuteParams 一次执行的输入
type ExecuteParams struct {
	Candidate      *scheduling.ProviderCandidate
	CandidateIndex int
	// CandidateID 审计记录 ID；为空时不推进记录状态
	// （由上层 failover 引擎负责时传空）
	CandidateID string
	IsStream    bool
	Request     RequestFunc
}

// Executor 请求执行器
type Executor struct {
	records  *store.RequestCandidateService
	guard    *ratelimit.RPMGuard
	adaptive *ratelimit.AdaptiveRPMManager
	health   *health.Monitor
	logger   *zap.Logger
	now      func() time.Time
}

// NewExecutor 创建执行器。records 为 nil 时不落审计记录。
func NewExecutor(
	records *store.RequestCandidateService,
	guard *ratelimit.RPMGuard,
	adaptive *ratelimit.AdaptiveRPMManager,
	healthMonitor *health.Monitor,
	logger *zap.Logger,
) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		records:  records,
		guard:    guard,
		adaptive: adaptive,
		health:   healthMonitor,
		logger:   logger.With(zap.String("component", "request_executor")),
		now:      time.Now,
	}
}

// Execute 在 RPM 守卫内执行一次上游调用。
//
// 流程：健康预检 -> 记录 pending -> 占 RPM 槽位 -> 调用上游 ->
// 回写健康与自适应限速 -> 记录 streaming/success。
// 守卫拒绝返回 ConcurrencyLimitError，熔断中的密钥返回
// KeyBlockedError（均包装在 ExecutionError 中），引擎据此把该候选
// 记为 skipped 并换下一个。上游 429 会先喂给自适应学习再交回引擎。
func (e *Executor) Execute(ctx context.Context, params ExecuteParams) (*failover.AttemptResult, *ExecutionContext, error) {
	cand := params.Candidate
	if cand == nil || cand.Key == nil {
		return nil, nil, fmt.Errorf("executor: candidate incomplete")
	}

	execCtx := &ExecutionContext{
		CandidateID:    params.CandidateID,
		CandidateIndex: params.CandidateIndex,
		IsCachedUser:   cand.IsCached,
		KeyID:          cand.Key.ID,
	}
	if cand.Provider != nil {
		execCtx.ProviderID = cand.Provider.ID
	}
	if cand.Endpoint != nil {
		execCtx.EndpointID = cand.Endpoint.ID
	}

	if e.health != nil && e.health.IsBlocked(cand.Key.ID) {
		stats := e.health.Stats(cand.Key.ID)
		e.markSkipped(ctx, params.CandidateID, "health_blackout")
		e.logger.Info("candidate rejected by health blackout",
			zap.String("key_id", cand.Key.ID),
			zap.Time("blocked_until", stats.BlockedUntil))
		blocked := &health.KeyBlockedError{KeyID: cand.Key.ID, BlockedUntil: stats.BlockedUntil}
		return nil, execCtx, &ExecutionError{Cause: blocked, Context: execCtx}
	}

	e.markPending(ctx, params.CandidateID)

	snapshot, err := e.guard.Acquire(ctx, cand.Key, cand.IsCached)
	e.fillSnapshot(execCtx, snapshot)
	if err != nil {
		var limitErr *ratelimit.ConcurrencyLimitError
		if errors.As(err, &limitErr) {
			execCtx.RPMCurrent = limitErr.Current
			e.markSkipped(ctx, params.CandidateID, "concurrency")
			e.logger.Info("candidate rejected by rpm guard",
				zap.String("key_id", cand.Key.ID),
				zap.Int("current", limitErr.Current),
				zap.Int("limit", limitErr.Limit))
		}
		return nil, execCtx, &ExecutionError{Cause: err, Context: execCtx}
	}
	execCtx.RPMCurrent = snapshot.KeyCurrent

	started := e.now()
	result, err := params.Request(ctx, cand)
	execCtx.ElapsedMs = e.now().Sub(started).Milliseconds()

	if err != nil {
		if e.health != nil {
			e.health.RecordFailure(cand.Key.ID, failover.Sanitize(err.Error()))
		}
		return nil, execCtx, &ExecutionError{Cause: err, Context: execCtx}
	}

	// 上游 429：喂给限速学习后把结果交回调用方，由引擎的状态校验
	// 决定 failover。不记成功，不参与扩容采样。
	if result != nil && result.Status == http.StatusTooManyRequests {
		e.handle429(ctx, cand, result, snapshot)
		return result, execCtx, nil
	}

	if e.health != nil {
		e.health.RecordSuccess(cand.Key.ID, time.Duration(execCtx.ElapsedMs)*time.Millisecond)
	}
	// 自适应模式（无固定上限）才参与限速学习
	if cand.Key.RPMLimit == 0 && e.adaptive != nil {
		e.adaptive.HandleSuccess(ctx, cand.Key, snapshot.KeyCurrent)
	}

	if params.IsStream {
		e.markStreaming(ctx, params.CandidateID)
	} else {
		e.markSuccess(ctx, params.CandidateID, execCtx.ElapsedMs)
	}

	return result, execCtx, nil
}

// handle429 解析上游限流信息并交给自适应学习；同时计入健康失败。
func (e *Executor) handle429(ctx context.Context, cand *scheduling.ProviderCandidate, result *failover.AttemptResult, snapshot ratelimit.ConcurrencySnapshot) {
	if e.health != nil {
		e.health.RecordFailure(cand.Key.ID, "upstream 429")
	}
	if e.adaptive == nil {
		return
	}
	info := ratelimit.ParseRateLimitInfo(result.Headers, string(result.Body))
	learned := e.adaptive.Handle429(ctx, cand.Key, info, snapshot.KeyCurrent)
	e.logger.Warn("upstream rate limited",
		zap.String("key_id", cand.Key.ID),
		zap.String("limit_type", string(info.LimitType)),
		zap.Int("limit_value", info.LimitValue),
		zap.Int("learned_limit", learned))
}

// StreamCompleted 流式请求完整结束后的回调：streaming -> success
func (e *Executor) StreamCompleted(ctx context.Context, candidateID string, elapsed time.Duration) {
	if e.records == nil || candidateID == "" {
		return
	}
	if err := e.records.MarkSuccess(ctx, candidateID, elapsed); err != nil {
		e.logger.Warn("stream completion mark failed",
			zap.String("candidate_id", candidateID), zap.Error(err))
	}
}

func (e *Executor) fillSnapshot(execCtx *ExecutionContext, snapshot ratelimit.ConcurrencySnapshot) {
	execCtx.ReservationRatio = snapshot.ReservationRatio
	execCtx.Phase = snapshot.Phase
	execCtx.Confidence = snapshot.Confidence
	execCtx.LoadFactor = snapshot.LoadFactor
	if snapshot.HasLimit {
		execCtx.RPMLimit = snapshot.KeyLimit
		if !snapshot.IsCachedUser {
			execCtx.RPMAvailableForNew = snapshot.KeyLimit
		}
	}
}

func (e *Executor) markPending(ctx context.Context, id string) {
	if e.records == nil || id == "" {
		return
	}
	if err := e.records.MarkPending(ctx, id); err != nil {
		e.logger.Warn("mark pending failed", zap.String("candidate_id", id), zap.Error(err))
	}
}

func (e *Executor) markSkipped(ctx context.Context, id, reason string) {
	if e.records == nil || id == "" {
		return
	}
	if err := e.records.MarkSkipped(ctx, id, reason); err != nil {
		e.logger.Warn("mark skipped failed", zap.String("candidate_id", id), zap.Error(err))
	}
}

func (e *Executor) markStreaming(ctx context.Context, id string) {
	if e.records == nil || id == "" {
		return
	}
	if err := e.records.MarkStreaming(ctx, id); err != nil {
		e.logger.Warn("mark streaming failed", zap.String("candidate_id", id), zap.Error(err))
	}
}

func (e *Executor) markSuccess(ctx context.Context, id string, elapsedMs int64) {
	if e.records == nil || id == "" {
		return
	}
	if err := e.records.MarkSuccess(ctx, id, time.Duration(elapsedMs)*time.Millisecond); err != nil {
		e.logger.Warn("mark success failed", zap.String("candidate_id", id), zap.Error(err))
	}
}
