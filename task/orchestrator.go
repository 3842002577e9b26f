// Package task 异步任务（视频/图片生成等）的提交阶段编排。
//
// 目标：拿到外部任务 ID 后锁定 (provider, endpoint, key)，后续轮询
// 复用锁定的三元组，不再切换候选。本包只覆盖提交阶段；轮询由各
// task poller 自行执行。
package task

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/BaSui01/aethergate/access"
	"github.com/BaSui01/aethergate/apiformat"
	"github.com/BaSui01/aethergate/candidate"
	"github.com/BaSui01/aethergate/failover"
	"github.com/BaSui01/aethergate/request"
	"github.com/BaSui01/aethergate/scheduling"
)

// ErrNoCandidates 调度层没有产出任何候选
var ErrNoCandidates = errors.New("no candidates available")

// SubmitResponse 上游提交接口的原始响应
type SubmitResponse struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// SubmitFunc 向上游提交任务
type SubmitFunc func(ctx context.Context, c *scheduling.ProviderCandidate) (*SubmitResponse, error)

// ExtractTaskIDFunc 从上游响应体提取外部任务 ID；空串视为提交失败
type ExtractTaskIDFunc func(body []byte) string

// SubmitParams 一次带 failover 的任务提交
type SubmitParams struct {
	ClientFormat apiformat.Signature
	Model        string
	AffinityKey  string
	RequestID    string
	TaskType     string

	Submit        SubmitFunc
	ExtractTaskID ExtractTaskIDFunc

	// SupportedAuthTypes 该任务链路支持的认证类型；nil 不限制
	SupportedAuthTypes []string
	// AllowFormatConversion 视频/图片等直连上游的链路通常不支持跨格式转换
	AllowFormatConversion bool
	// RequireBillingRule 为 true 时无计费规则的提供商跳过
	RequireBillingRule bool

	Restrictions  *access.AllowedModels
	MaxCandidates int
	Seed          int64
}

// SubmitOutcome 提交成功的结果：锁定的候选 + 外部任务 ID
type SubmitOutcome struct {
	Candidate      *scheduling.ProviderCandidate
	CandidateIndex int
	ExternalTaskID string
	Payload        []byte
	Audit          []failover.CandidateAudit
}

// Orchestrator 提交阶段编排器
type Orchestrator struct {
	candidates *candidate.Service
	engine     *failover.Engine
	executor   *request.Executor
	logger     *zap.Logger
}

// NewOrchestrator 创建编排器。executor 为 nil 时直连上游
// （不占 RPM 槽位、不回写健康与自适应限速）。
func NewOrchestrator(candidates *candidate.Service, engine *failover.Engine, executor *request.Executor, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		candidates: candidates,
		engine:     engine,
		executor:   executor,
		logger:     logger.With(zap.String("component", "task_orchestrator")),
	}
}

// SubmitWithFailover 提交任务并在失败时自动尝试下一个候选，
// 直到拿到外部任务 ID。提交阶段每个候选只尝试一次。
//
// 错误：
//   - ErrNoCandidates：调度层没有候选
//   - *failover.UpstreamClientRequestError：客户端请求错误，不应继续 failover
//   - *failover.AllCandidatesFailedError：有候选但全部失败
//     （reason 为 no_eligible_candidates / no_candidate_with_billing_rule /
//     all_candidates_failed）
func (o *Orchestrator) SubmitWithFailover(ctx context.Context, params SubmitParams) (*SubmitOutcome, error) {
	resolveParams := candidate.ResolveParams{
		ClientFormat:            params.ClientFormat,
		Model:                   params.Model,
		AffinityKey:             params.AffinityKey,
		GlobalConversionEnabled: params.AllowFormatConversion,
		Restrictions:            params.Restrictions,
		MaxCandidates:           params.MaxCandidates,
		Seed:                    params.Seed,
	}
	candidates, err := o.candidates.Resolve(ctx, resolveParams)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		o.logger.Warn("no candidates for task submit",
			zap.String("model", params.Model),
			zap.String("task_type", params.TaskType))
		return nil, ErrNoCandidates
	}

	recordMap, err := o.candidates.CreateRecords(ctx, candidates, candidate.RecordParams{
		RequestID:  params.RequestID,
		Model:      params.Model,
		MaxRetries: 1,
	})
	if err != nil {
		// 审计记录失败不阻断提交链路
		o.logger.Warn("candidate record creation failed",
			zap.String("request_id", params.RequestID), zap.Error(err))
		recordMap = nil
	}

	o.logger.Info("task submit with failover",
		zap.String("model", params.Model),
		zap.String("task_type", params.TaskType),
		zap.String("request_id", params.RequestID),
		zap.Int("candidates", len(candidates)))

	result, err := o.engine.Execute(ctx, failover.ExecuteParams{
		Candidates: candidates,
		Attempt:    o.attemptFunc(params),
		Retry:      failover.RetryPolicy{Mode: failover.RetryDisabled},
		Skip: failover.SkipPolicy{
			SupportedAuthTypes: params.SupportedAuthTypes,
			AllowConversion:    params.AllowFormatConversion,
			RequireBillingRule: params.RequireBillingRule,
		},
		RequestID: params.RequestID,
		RecordMap: recordMap,
	})
	if err != nil {
		return nil, o.translateFailure(err, params)
	}

	// 成功：锁定亲和绑定，轮询阶段复用同一三元组
	o.candidates.RecordSuccess(ctx, resolveParams, result.Candidate)

	return &SubmitOutcome{
		Candidate:      result.Candidate,
		CandidateIndex: result.CandidateIndex,
		ExternalTaskID: result.Attempt.ProviderTaskID,
		Payload:        result.Attempt.Body,
		Audit:          result.Audit,
	}, nil
}

// attemptFunc 把 SubmitFunc + 任务 ID 提取器包装成引擎的尝试函数。
// 有 executor 时提交走 RPM 守卫 + 健康预检 + 自适应限速回写；
// 审计记录状态由引擎推进（CandidateID 传空）。
func (o *Orchestrator) attemptFunc(params SubmitParams) failover.AttemptFunc {
	submit := func(ctx context.Context, c *scheduling.ProviderCandidate) (*failover.AttemptResult, error) {
		resp, err := params.Submit(ctx, c)
		if err != nil {
			return nil, err
		}
		result := &failover.AttemptResult{
			Kind:    failover.KindAsyncSubmit,
			Status:  resp.Status,
			Headers: resp.Headers,
			Body:    resp.Body,
		}
		if resp.Status < 400 && params.ExtractTaskID != nil {
			result.ProviderTaskID = params.ExtractTaskID(resp.Body)
		}
		return result, nil
	}

	if o.executor == nil {
		return submit
	}
	return func(ctx context.Context, c *scheduling.ProviderCandidate) (*failover.AttemptResult, error) {
		result, _, err := o.executor.Execute(ctx, request.ExecuteParams{
			Candidate: c,
			Request:   submit,
		})
		return result, err
	}
}

// translateFailure 把引擎错误映射成提交阶段的失败原因
func (o *Orchestrator) translateFailure(err error, params SubmitParams) error {
	var noEligible *failover.NoEligibleCandidatesError
	if errors.As(err, &noEligible) {
		reason := "no_eligible_candidates"
		if params.RequireBillingRule {
			reason = "no_candidate_with_billing_rule"
		}
		return &failover.AllCandidatesFailedError{
			Reason: reason,
			Audit:  noEligible.Audit,
		}
	}
	return err
}
