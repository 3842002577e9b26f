package failover

import (
	"bytes"
	"context"
	"io"
	"net/http"

	"github.com/BaSui01/aethergate/scheduling"
)

// AttemptKind attempt_func 返回结果的类别
type AttemptKind string

const (
	// KindSyncResponse 同步响应：完整响应体一次返回
	KindSyncResponse AttemptKind = "sync_response"
	// KindStream 流式响应：引擎先探测首块再移交调用方
	KindStream AttemptKind = "stream"
	// KindAsyncSubmit 异步任务提交：成功标志是非空的上游任务 ID
	KindAsyncSubmit AttemptKind = "async_submit"
)

// AttemptResult 一次候选尝试的统一结果。
//
// Status 与 Headers 对所有类别必填（用于审计与错误分类）；
// 载荷字段按 Kind 选填。
type AttemptResult struct {
	Kind    AttemptKind
	Status  int
	Headers http.Header

	// KindSyncResponse
	Body []byte

	// KindStream；探测成功后已包含被消费的前缀
	Stream io.ReadCloser

	// KindAsyncSubmit
	ProviderTaskID string
}

// AttemptFunc 对单个候选发起一次上游调用
type AttemptFunc func(ctx context.Context, c *scheduling.ProviderCandidate) (*AttemptResult, error)

// probeChunkSize 首块探测的单次读取上限
const probeChunkSize = 4096

// probeStream 在移交调用方之前拉取流的首块。
// 首块到达前无数据或出错视为探测失败（此时仍可 failover）；
// 成功时返回把已消费前缀重新接回的流。
func probeStream(rc io.ReadCloser, status int) (io.ReadCloser, error) {
	if rc == nil {
		return nil, &StreamProbeError{Status: status}
	}

	buf := make([]byte, probeChunkSize)
	for {
		n, err := rc.Read(buf)
		if n > 0 {
			return &prefixedStream{
				reader: io.MultiReader(bytes.NewReader(buf[:n]), rc),
				closer: rc,
			}, nil
		}
		if err != nil {
			drainClose(rc)
			if err == io.EOF {
				return nil, &StreamProbeError{Status: status}
			}
			return nil, &StreamProbeError{Status: status, Err: err}
		}
	}
}

// prefixedStream 已探测前缀 + 剩余流
type prefixedStream struct {
	reader io.Reader
	closer io.Closer
}

func (p *prefixedStream) Read(b []byte) (int, error) { return p.reader.Read(b) }
func (p *prefixedStream) Close() error               { return p.closer.Close() }
