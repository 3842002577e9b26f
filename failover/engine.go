package failover

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/aethergate/health"
	"github.com/BaSui01/aethergate/ratelimit"
	"github.com/BaSui01/aethergate/scheduling"
	"github.com/BaSui01/aethergate/store"
)

// EngineMetrics 引擎侧的调度指标出口（由 internal/metrics.Collector 实现）
type EngineMetrics interface {
	RecordDispatchAttempt(provider, signature, status string, duration time.Duration)
	RecordFailoverSwitch(reason string)
	RecordCandidateSkip(reason string)
}

// RecordSlot 审计记录槽位：候选序号 + 重试序号
type RecordSlot struct {
	CandidateIndex int
	RetryIndex     int
}

// ExecuteParams 一次 failover 执行的全部输入
type ExecuteParams struct {
	Candidates []*scheduling.ProviderCandidate
	Attempt    AttemptFunc
	Retry      RetryPolicy
	Skip       SkipPolicy

	// RequestID 为空时不落审计记录
	RequestID string
	// RecordMap 槽位 -> 审计记录 ID；pre_expand 模式下由候选服务预建
	RecordMap map[RecordSlot]string
}

// Result 成功结果。失败路径通过错误类型返回
// （UpstreamClientRequestError / AllCandidatesFailedError / NoEligibleCandidatesError）。
type Result struct {
	CandidateIndex int
	AttemptCount   int
	Candidate      *scheduling.ProviderCandidate
	Attempt        *AttemptResult
	Audit          []CandidateAudit
}

// Engine 故障转移引擎：按序遍历候选，按分类器决定重试/换候选/终止。
//
// 不变式：RecordMap 中的每条记录最终都处于终态
// （skipped / failed / success / streaming / unused）。
type Engine struct {
	records    *store.RequestCandidateService
	classifier ErrorClassifier
	metrics    EngineMetrics
	logger     *zap.Logger
}

// NewEngine 创建引擎。records 为 nil 时不落审计记录。
func NewEngine(records *store.RequestCandidateService, classifier ErrorClassifier, logger *zap.Logger) *Engine {
	if classifier == nil {
		classifier = NewClassifier(logger)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		records:    records,
		classifier: classifier,
		logger:     logger.With(zap.String("component", "failover_engine")),
	}
}

// SetMetrics 挂接指标采集器；nil 安全
func (e *Engine) SetMetrics(m EngineMetrics) {
	e.metrics = m
}

// Execute 按序尝试候选直到成功。
//
// 每个候选：预检 -> pending -> attempt -> 校验结果；失败交给分类器：
//   - raise：终止整个 failover，返回 UpstreamClientRequestError
//   - continue 且有重试额度：同候选重试
//   - break 或额度耗尽：下一个候选
//
// 所有候选遍历完：无人实际尝试过返回 NoEligibleCandidatesError，
// 否则返回 AllCandidatesFailedError。
func (e *Engine) Execute(ctx context.Context, params ExecuteParams) (*Result, error) {
	audit := make([]CandidateAudit, 0, len(params.Candidates))
	attemptCount := 0
	eligibleCount := 0
	lastStatus := 0

	for idx, cand := range params.Candidates {
		entry := newAudit(idx, cand)

		if reason := params.Skip.skipReason(cand); reason != "" {
			entry.Skipped = true
			entry.SkipReason = reason
			audit = append(audit, entry)
			e.markSkipped(ctx, params, idx, 0, reason)
			e.recordSkipMetric(reason)
			e.logger.Debug("candidate skipped by pre-flight",
				zap.Int("index", idx), zap.String("reason", reason))
			continue
		}

		eligibleCount++
		attempts := params.Retry.attemptsFor(cand)

		for retry := 0; retry < attempts; retry++ {
			attemptCount++
			e.markPending(ctx, params, idx, retry)

			started := time.Now()
			result, err := e.attemptOnce(ctx, params.Attempt, cand)
			if err == nil {
				entry.Selected = true
				entry.StatusCode = result.Status
				audit = append(audit, entry)
				e.recordAttemptMetric(cand, "success", time.Since(started))
				e.finishSuccess(ctx, params, idx, retry, result)
				return &Result{
					CandidateIndex: idx,
					AttemptCount:   attemptCount,
					Candidate:      cand,
					Attempt:        result,
					Audit:          audit,
				}, nil
			}

			if status := statusOf(err); status > 0 {
				lastStatus = status
				entry.StatusCode = status
			}
			entry.ErrorType = errorTypeOf(err)
			entry.ErrorMessage = Sanitize(err.Error())
			e.recordAttemptMetric(cand, entry.ErrorType, time.Since(started))

			var limitErr *ratelimit.ConcurrencyLimitError
			if errors.As(err, &limitErr) {
				// 守卫拒绝不算执行失败：标 skipped 并换下一个候选
				entry.Skipped = true
				entry.SkipReason = "concurrency"
				e.markSkipped(ctx, params, idx, retry, "concurrency")
				e.recordSkipMetric("concurrency")
				break
			}

			var blockedErr *health.KeyBlockedError
			if errors.As(err, &blockedErr) {
				// 密钥处于健康拉黑窗口：同守卫拒绝，不消耗该候选的失败配额
				entry.Skipped = true
				entry.SkipReason = "health_blackout"
				e.markSkipped(ctx, params, idx, retry, "health_blackout")
				e.recordSkipMetric("health_blackout")
				break
			}

			hasRetryLeft := params.Retry.Mode != RetryDisabled && retry+1 < attempts
			e.markFailed(ctx, params, idx, retry, entry.ErrorType, entry.ErrorMessage)

			action := e.classifier.Classify(err, hasRetryLeft)
			e.logger.Warn("candidate attempt failed",
				zap.Int("index", idx),
				zap.Int("retry", retry),
				zap.String("error_type", entry.ErrorType),
				zap.String("action", string(action)))

			if action == ActionRaise {
				audit = append(audit, entry)
				e.recycleUnusedSlots(ctx, params)
				return nil, &UpstreamClientRequestError{
					StatusCode:     statusOf(err),
					ErrorType:      entry.ErrorType,
					CandidateIndex: idx,
					AttemptCount:   attemptCount,
					Audit:          audit,
				}
			}
			if action != ActionContinue || !hasRetryLeft {
				if e.metrics != nil {
					e.metrics.RecordFailoverSwitch(entry.ErrorType)
				}
				break
			}
		}
		audit = append(audit, entry)
	}

	e.recycleUnusedSlots(ctx, params)
	if eligibleCount == 0 {
		return nil, &NoEligibleCandidatesError{Audit: audit}
	}
	return nil, &AllCandidatesFailedError{
		Reason:         "all_candidates_failed",
		LastStatusCode: lastStatus,
		AttemptCount:   attemptCount,
		Audit:          audit,
	}
}

func (e *Engine) recordSkipMetric(reason string) {
	if e.metrics != nil {
		e.metrics.RecordCandidateSkip(reason)
	}
}

func (e *Engine) recordAttemptMetric(cand *scheduling.ProviderCandidate, status string, elapsed time.Duration) {
	if e.metrics == nil {
		return
	}
	provider := ""
	if cand.Provider != nil {
		provider = cand.Provider.Name
	}
	e.metrics.RecordDispatchAttempt(provider, string(cand.EndpointSignature), status, elapsed)
}

// attemptOnce 执行一次尝试并按结果类别校验成功条件
func (e *Engine) attemptOnce(ctx context.Context, attempt AttemptFunc, cand *scheduling.ProviderCandidate) (*AttemptResult, error) {
	result, err := attempt(ctx, cand)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, fmt.Errorf("attempt returned no result")
	}

	switch result.Kind {
	case KindSyncResponse:
		if result.Status >= 200 && result.Status < 300 {
			return result, nil
		}
		return nil, &UpstreamHTTPError{StatusCode: result.Status, Message: Sanitize(string(result.Body))}

	case KindStream:
		if result.Status >= 400 {
			drainClose(result.Stream)
			return nil, &UpstreamHTTPError{StatusCode: result.Status, Message: "stream request rejected"}
		}
		wrapped, probeErr := probeStream(result.Stream, result.Status)
		if probeErr != nil {
			return nil, probeErr
		}
		result.Stream = wrapped
		return result, nil

	case KindAsyncSubmit:
		if result.Status >= 400 {
			return nil, &UpstreamHTTPError{StatusCode: result.Status, Message: Sanitize(string(result.Body))}
		}
		if result.ProviderTaskID == "" {
			return nil, fmt.Errorf("upstream returned empty task id")
		}
		return result, nil

	default:
		return nil, fmt.Errorf("unknown attempt kind %q", result.Kind)
	}
}

// finishSuccess 成功收尾：记录终态 + pre_expand 模式回收剩余槽位
func (e *Engine) finishSuccess(ctx context.Context, params ExecuteParams, idx, retry int, result *AttemptResult) {
	if id := e.recordID(params, idx, retry); id != "" {
		var err error
		if result.Kind == KindStream {
			err = e.records.MarkStreaming(ctx, id)
		} else {
			err = e.records.MarkSuccess(ctx, id, 0)
		}
		if err != nil {
			e.logger.Warn("candidate record finalize failed", zap.String("record_id", id), zap.Error(err))
		}
	}
	e.recycleUnusedSlots(ctx, params)
}

// recycleUnusedSlots pre_expand 模式下把请求里仍处 available 的槽位标为
// unused。成功与失败出口都要走：否则 raise / 全败退出会留下非终态记录。
func (e *Engine) recycleUnusedSlots(ctx context.Context, params ExecuteParams) {
	if params.Retry.Mode != RetryPreExpand || e.records == nil || params.RequestID == "" {
		return
	}
	if err := e.records.MarkUnusedForRequest(ctx, params.RequestID); err != nil {
		e.logger.Warn("mark unused slots failed",
			zap.String("request_id", params.RequestID), zap.Error(err))
	}
}

func (e *Engine) recordID(params ExecuteParams, idx, retry int) string {
	if e.records == nil {
		return ""
	}
	return params.RecordMap[RecordSlot{CandidateIndex: idx, RetryIndex: retry}]
}

func (e *Engine) markPending(ctx context.Context, params ExecuteParams, idx, retry int) {
	if id := e.recordID(params, idx, retry); id != "" {
		if err := e.records.MarkPending(ctx, id); err != nil {
			e.logger.Warn("mark pending failed", zap.String("record_id", id), zap.Error(err))
		}
	}
}

func (e *Engine) markSkipped(ctx context.Context, params ExecuteParams, idx, retry int, reason string) {
	if id := e.recordID(params, idx, retry); id != "" {
		if err := e.records.MarkSkipped(ctx, id, reason); err != nil {
			e.logger.Warn("mark skipped failed", zap.String("record_id", id), zap.Error(err))
		}
	}
}

func (e *Engine) markFailed(ctx context.Context, params ExecuteParams, idx, retry int, errorType, message string) {
	if id := e.recordID(params, idx, retry); id != "" {
		if err := e.records.MarkFailed(ctx, id, errorType, message); err != nil {
			e.logger.Warn("mark failed failed", zap.String("record_id", id), zap.Error(err))
		}
	}
}

func newAudit(idx int, c *scheduling.ProviderCandidate) CandidateAudit {
	entry := CandidateAudit{Index: idx, IsCached: c.IsCached}
	if c.Provider != nil {
		entry.ProviderID = c.Provider.ID
		entry.ProviderName = c.Provider.Name
	}
	if c.Endpoint != nil {
		entry.EndpointID = c.Endpoint.ID
	}
	if c.Key != nil {
		entry.KeyID = c.Key.ID
		entry.AuthType = c.Key.AuthType
		if entry.AuthType == "" {
			entry.AuthType = "api_key"
		}
	}
	return entry
}

// statusOf 从错误中提取 HTTP 状态码（没有则返回 0）
func statusOf(err error) int {
	var httpErr *UpstreamHTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode
	}
	var probeErr *StreamProbeError
	if errors.As(err, &probeErr) {
		return probeErr.Status
	}
	return 0
}

// errorTypeOf 错误的审计分类名
func errorTypeOf(err error) string {
	var httpErr *UpstreamHTTPError
	if errors.As(err, &httpErr) {
		return "http_error"
	}
	var probeErr *StreamProbeError
	if errors.As(err, &probeErr) {
		return "stream_probe_failed"
	}
	var limitErr *ratelimit.ConcurrencyLimitError
	if errors.As(err, &limitErr) {
		return "concurrency_limited"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return "request_error"
}
