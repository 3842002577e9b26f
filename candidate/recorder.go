// Package candidate 候选域的统一入口：可用性查询、缓存感知调度与
// 审计记录预建的门面。上层（chat 链路、异步任务编排）只依赖本包，
// 不直接触碰 model / scheduling 的内部组件。
package candidate

import (
	"context"

	"go.uber.org/zap"

	"github.com/BaSui01/aethergate/failover"
	"github.com/BaSui01/aethergate/scheduling"
	"github.com/BaSui01/aethergate/store"
)

// =============================================================================
// 🗂️ 审计记录预建
// =============================================================================

// Recorder 候选审计记录预建器
type Recorder struct {
	records *store.RequestCandidateService
	logger  *zap.Logger
}

// NewRecorder 创建预建器。records 为 nil 时所有操作变为空操作。
func NewRecorder(records *store.RequestCandidateService, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{records: records, logger: logger.With(zap.String("component", "candidate_recorder"))}
}

// RecordParams 一次预建的输入
type RecordParams struct {
	RequestID string
	Model     string
	// MaxRetries 单候选最大尝试次数（含首次）
	MaxRetries int
	// ExpandRetries true 时按重试数预建全部槽位（pre_expand 模式）；
	// false 时每候选只建一个槽位
	ExpandRetries bool
}

// CreateRecords 为候选批量落库审计记录（状态 available），
// 返回 (候选序号, 重试序号) -> 记录 ID 的槽位映射。
//
// 预检必跳的候选（is_skipped）只占一个槽位；Provider 级 max_retries
// 覆盖全局重试数（取更小者）。各候选的 RecordID 回填为其首槽位记录。
func (r *Recorder) CreateRecords(ctx context.Context, candidates []*scheduling.ProviderCandidate, params RecordParams) (map[failover.RecordSlot]string, error) {
	if r.records == nil || params.RequestID == "" || len(candidates) == 0 {
		return nil, nil
	}

	var (
		rows  []*store.RequestCandidate
		slots []failover.RecordSlot
	)
	for idx, c := range candidates {
		for retry := 0; retry < r.slotsFor(c, params); retry++ {
			rec := &store.RequestCandidate{
				RequestID:       params.RequestID,
				ModelName:       params.Model,
				AttemptIndex:    idx,
				RetryIndex:      retry,
				Status:          store.CandidateStatusAvailable,
				IsCached:        c.IsCached,
				NeedsConversion: c.NeedsConversion,
			}
			if c.Provider != nil {
				rec.ProviderID = c.Provider.ID
			}
			if c.Endpoint != nil {
				rec.EndpointID = c.Endpoint.ID
			}
			if c.Key != nil {
				rec.KeyID = c.Key.ID
			}
			rows = append(rows, rec)
			slots = append(slots, failover.RecordSlot{CandidateIndex: idx, RetryIndex: retry})
		}
	}

	ids, err := r.records.CreateBatch(ctx, rows)
	if err != nil {
		r.logger.Warn("candidate record pre-creation failed",
			zap.String("request_id", params.RequestID), zap.Error(err))
		return nil, err
	}

	recordMap := make(map[failover.RecordSlot]string, len(ids))
	for i, slot := range slots {
		recordMap[slot] = ids[i]
	}
	for idx, c := range candidates {
		c.RecordID = recordMap[failover.RecordSlot{CandidateIndex: idx}]
	}
	return recordMap, nil
}

// slotsFor 该候选需要的槽位数
func (r *Recorder) slotsFor(c *scheduling.ProviderCandidate, params RecordParams) int {
	if !params.ExpandRetries || c.IsSkipped {
		return 1
	}
	n := params.MaxRetries
	if n < 1 {
		n = 1
	}
	if c.Provider != nil && c.Provider.MaxRetries > 0 && c.Provider.MaxRetries < n {
		n = c.Provider.MaxRetries
	}
	return n
}

// CandidateKey 一次请求的候选链路摘要（对外审计导出）
type CandidateKey struct {
	RecordID     string `json:"record_id"`
	ProviderID   string `json:"provider_id"`
	EndpointID   string `json:"endpoint_id"`
	KeyID        string `json:"key_id"`
	AttemptIndex int    `json:"attempt_index"`
	RetryIndex   int    `json:"retry_index"`
	Status       string `json:"status"`
	SkipReason   string `json:"skip_reason,omitempty"`
	ErrorType    string `json:"error_type,omitempty"`
}

// CandidateKeys 按槽位顺序导出一次请求的候选链路
func (r *Recorder) CandidateKeys(ctx context.Context, requestID string) ([]CandidateKey, error) {
	if r.records == nil {
		return nil, nil
	}
	records, err := r.records.ListByRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	keys := make([]CandidateKey, len(records))
	for i, rec := range records {
		keys[i] = CandidateKey{
			RecordID:     rec.ID,
			ProviderID:   rec.ProviderID,
			EndpointID:   rec.EndpointID,
			KeyID:        rec.KeyID,
			AttemptIndex: rec.AttemptIndex,
			RetryIndex:   rec.RetryIndex,
			Status:       rec.Status,
			SkipReason:   rec.SkipReason,
			ErrorType:    rec.ErrorType,
		}
	}
	return keys, nil
}
