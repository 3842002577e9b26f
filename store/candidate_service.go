package store

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// RequestCandidateService 候选审计记录的生命周期服务。
//
// 状态只能沿 available -> pending -> 终态 推进；终态记录不再变更。
// 审计写失败不阻断请求链路，调用方只记日志。
type RequestCandidateService struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewRequestCandidateService 创建候选审计服务
func NewRequestCandidateService(db *gorm.DB, logger *zap.Logger) *RequestCandidateService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RequestCandidateService{db: db, logger: logger}
}

// CreateBatch 为一次请求批量落库候选记录（状态 available），返回各记录 ID。
func (s *RequestCandidateService) CreateBatch(ctx context.Context, records []*RequestCandidate) ([]string, error) {
	if len(records) == 0 {
		return nil, nil
	}
	if err := s.db.WithContext(ctx).Create(&records).Error; err != nil {
		return nil, fmt.Errorf("create candidate records: %w", err)
	}
	ids := make([]string, len(records))
	for i, r := range records {
		ids[i] = r.ID
	}
	return ids, nil
}

// MarkPending 候选开始执行
func (s *RequestCandidateService) MarkPending(ctx context.Context, id string) error {
	now := time.Now()
	return s.transition(ctx, id, []string{CandidateStatusAvailable}, map[string]any{
		"status":     CandidateStatusPending,
		"started_at": &now,
	})
}

// MarkStreaming 流式首块已探测通过，响应开始透出客户端。
// 此后即使流中断也不再 failover。
func (s *RequestCandidateService) MarkStreaming(ctx context.Context, id string) error {
	return s.transition(ctx, id, []string{CandidateStatusPending}, map[string]any{
		"status": CandidateStatusStreaming,
	})
}

// MarkSuccess 候选执行成功
func (s *RequestCandidateService) MarkSuccess(ctx context.Context, id string, latency time.Duration) error {
	now := time.Now()
	return s.transition(ctx, id, []string{CandidateStatusPending, CandidateStatusStreaming}, map[string]any{
		"status":      CandidateStatusSuccess,
		"finished_at": &now,
		"latency_ms":  latency.Milliseconds(),
	})
}

// MarkFailed 候选执行失败；errMsg 必须已脱敏
func (s *RequestCandidateService) MarkFailed(ctx context.Context, id, errorType, errMsg string) error {
	now := time.Now()
	return s.transition(ctx, id, []string{CandidateStatusPending, CandidateStatusStreaming}, map[string]any{
		"status":        CandidateStatusFailed,
		"error_type":    errorType,
		"error_message": errMsg,
		"finished_at":   &now,
	})
}

// MarkSkipped 候选被预检跳过（并发满、认证类型不支持、计费规则缺失等）
func (s *RequestCandidateService) MarkSkipped(ctx context.Context, id, reason string) error {
	now := time.Now()
	return s.transition(ctx, id, []string{CandidateStatusAvailable, CandidateStatusPending}, map[string]any{
		"status":      CandidateStatusSkipped,
		"skip_reason": reason,
		"finished_at": &now,
	})
}

// MarkUnusedForRequest 请求结束后把未触达的候选统一标为 unused
func (s *RequestCandidateService) MarkUnusedForRequest(ctx context.Context, requestID string) error {
	err := s.db.WithContext(ctx).
		Model(&RequestCandidate{}).
		Where("request_id = ? AND status = ?", requestID, CandidateStatusAvailable).
		Update("status", CandidateStatusUnused).Error
	if err != nil {
		return fmt.Errorf("mark unused candidates: %w", err)
	}
	return nil
}

// ListByRequest 按候选序号返回一次请求的全部记录
func (s *RequestCandidateService) ListByRequest(ctx context.Context, requestID string) ([]RequestCandidate, error) {
	var records []RequestCandidate
	err := s.db.WithContext(ctx).
		Where("request_id = ?", requestID).
		Order("attempt_index ASC, retry_index ASC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("list candidate records: %w", err)
	}
	return records, nil
}

func (s *RequestCandidateService) transition(ctx context.Context, id string, fromStatuses []string, updates map[string]any) error {
	res := s.db.WithContext(ctx).
		Model(&RequestCandidate{}).
		Where("id = ? AND status IN ?", id, fromStatuses).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("update candidate %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		s.logger.Warn("candidate state transition rejected",
			zap.String("candidate_id", id),
			zap.Any("updates", updates))
		return fmt.Errorf("candidate %s: invalid state transition", id)
	}
	return nil
}
