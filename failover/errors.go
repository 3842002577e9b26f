// Package failover 实现故障转移引擎：错误分类、候选遍历与重试策略。
//
// 引擎只负责「提交阶段」的候选遍历；流式请求一旦首块透出客户端，
// 后续中断不再重新分发。
package failover

import (
	"fmt"
	"io"
)

// StreamProbeError 流式首块探测失败（首字节前无数据或连接中断）。
// 可以 failover：客户端尚未收到任何输出。
type StreamProbeError struct {
	Status int
	Err    error
}

func (e *StreamProbeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("stream probe failed (status %d): %v", e.Status, e.Err)
	}
	return fmt.Sprintf("stream probe failed (status %d): empty stream", e.Status)
}

func (e *StreamProbeError) Unwrap() error { return e.Err }

// UpstreamHTTPError 上游返回的非 2xx 响应。Message 已脱敏、截断。
type UpstreamHTTPError struct {
	StatusCode int
	Message    string
}

func (e *UpstreamHTTPError) Error() string {
	return fmt.Sprintf("upstream HTTP %d: %s", e.StatusCode, e.Message)
}

// UpstreamClientRequestError 被判定为客户端请求问题的上游错误。
// 不应继续 failover：换一个候选也会得到同样的拒绝。
type UpstreamClientRequestError struct {
	StatusCode     int
	ErrorType      string
	CandidateIndex int
	AttemptCount   int
	Audit          []CandidateAudit
}

func (e *UpstreamClientRequestError) Error() string {
	return fmt.Sprintf("upstream client error: HTTP %d", e.StatusCode)
}

// AllCandidatesFailedError 有候选但全部尝试失败
type AllCandidatesFailedError struct {
	Reason         string
	LastStatusCode int
	AttemptCount   int
	Audit          []CandidateAudit
}

func (e *AllCandidatesFailedError) Error() string {
	return fmt.Sprintf("all candidates failed: %s", e.Reason)
}

// NoEligibleCandidatesError 所有候选都被预检跳过，没有发起任何尝试
type NoEligibleCandidatesError struct {
	Audit []CandidateAudit
}

func (e *NoEligibleCandidatesError) Error() string {
	return "no eligible candidates"
}

// CandidateAudit 单个候选的遍历审计（随错误一起返回给调用方）
type CandidateAudit struct {
	Index        int    `json:"index"`
	ProviderID   string `json:"provider_id"`
	ProviderName string `json:"provider_name,omitempty"`
	EndpointID   string `json:"endpoint_id,omitempty"`
	KeyID        string `json:"key_id"`
	AuthType     string `json:"auth_type,omitempty"`
	IsCached     bool   `json:"is_cached,omitempty"`

	Skipped      bool   `json:"skipped,omitempty"`
	SkipReason   string `json:"skip_reason,omitempty"`
	StatusCode   int    `json:"status_code,omitempty"`
	ErrorType    string `json:"error_type,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	Selected     bool   `json:"selected,omitempty"`
}

// drainClose 丢弃流的底层连接（探测失败时防止泄漏）
func drainClose(rc io.ReadCloser) {
	if rc != nil {
		_ = rc.Close()
	}
}
