package failover

import (
	"context"
	"errors"
	"net"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/aethergate/ratelimit"
)

// ErrorAction 分类器对一次失败的处置决定
type ErrorAction string

const (
	// ActionContinue 瞬态错误：带退避重试同一候选
	ActionContinue ErrorAction = "continue"
	// ActionBreak 候选级错误：放弃该候选，尝试下一个
	ActionBreak ErrorAction = "break"
	// ActionRaise 客户端请求错误：终止整个 failover，原样返回
	ActionRaise ErrorAction = "raise"
)

// ErrorClassifier 错误分类器接口（引擎依赖；测试可注入桩实现）
type ErrorClassifier interface {
	Classify(err error, hasRetryLeft bool) ErrorAction
}

// clientErrorSignatures 客户端请求错误的消息特征。
// 命中任一特征的 4xx 视为「换候选也没用」的请求问题。
var clientErrorSignatures = []string{
	"invalid_request_error",
	"missing field",
	"field required",
	"is required",
	"invalid json",
	"json parse",
	"unexpected token",
	"schema",
	"validation error",
	"content policy",
	"safety",
	"blocked by",
	"unsupported parameter",
}

// Classifier 默认错误分类器。
//
// 只看异常类型、HTTP 状态码与已脱敏的消息摘录，从不读取响应体。
type Classifier struct {
	logger *zap.Logger
}

// NewClassifier 创建分类器
func NewClassifier(logger *zap.Logger) *Classifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Classifier{logger: logger.With(zap.String("component", "error_classifier"))}
}

// Classify 对一次候选失败做处置决定。
//
// 规则：
//   - 401/403/429：key/权限/限流问题，换下一个候选
//   - 其他 4xx 且命中客户端错误特征：终止 failover
//   - 网络/超时/5xx：还有重试额度就重试同一候选，否则换下一个
//   - 流式探测失败：换下一个候选
//   - 并发守卫拒绝：换下一个候选
func (c *Classifier) Classify(err error, hasRetryLeft bool) ErrorAction {
	if err == nil {
		return ActionBreak
	}

	var probeErr *StreamProbeError
	if errors.As(err, &probeErr) {
		return ActionBreak
	}

	var limitErr *ratelimit.ConcurrencyLimitError
	if errors.As(err, &limitErr) {
		return ActionBreak
	}

	var httpErr *UpstreamHTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.StatusCode == 401 || httpErr.StatusCode == 403 || httpErr.StatusCode == 429:
			return ActionBreak
		case httpErr.StatusCode >= 400 && httpErr.StatusCode < 500:
			if c.IsClientError(httpErr.Message) {
				return ActionRaise
			}
			return ActionBreak
		default:
			return c.transient(hasRetryLeft)
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return c.transient(hasRetryLeft)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return c.transient(hasRetryLeft)
	}

	// 未知异常按瞬态处理
	return c.transient(hasRetryLeft)
}

// IsClientError 消息是否命中客户端请求错误特征
func (c *Classifier) IsClientError(message string) bool {
	if message == "" {
		return false
	}
	lowered := strings.ToLower(message)
	for _, sig := range clientErrorSignatures {
		if strings.Contains(lowered, sig) {
			return true
		}
	}
	return false
}

func (c *Classifier) transient(hasRetryLeft bool) ErrorAction {
	if hasRetryLeft {
		return ActionContinue
	}
	return ActionBreak
}
