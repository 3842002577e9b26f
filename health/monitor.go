// Package health 维护提供商密钥的运行健康状态：成功率、延迟与
// 连续失败熔断。状态为进程内内存，跨 worker 不共享（各自观察各自的流量）。
package health

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// KeyBlockedError 密钥处于熔断期被预检拒绝。
// 调度侧据此把候选记为 skipped 而非 failed。
type KeyBlockedError struct {
	KeyID        string
	BlockedUntil time.Time
}

func (e *KeyBlockedError) Error() string {
	return fmt.Sprintf("key %s in blackout until %s", e.KeyID, e.BlockedUntil.Format(time.RFC3339))
}

// =============================================================================
// 🩺 密钥健康监控
// =============================================================================

// Config 健康监控参数
type Config struct {
	// BlackoutThreshold 连续失败多少次进入熔断
	BlackoutThreshold int
	// BlackoutDuration 熔断时长；到期自动半开放行
	BlackoutDuration time.Duration
	// ScoreDecay 单次失败扣除的健康分
	ScoreDecay float64
	// ScoreRecovery 单次成功恢复的健康分
	ScoreRecovery float64
	// LatencyWindowSize 延迟采样窗口
	LatencyWindowSize int
}

// DefaultConfig 默认参数
func DefaultConfig() Config {
	return Config{
		BlackoutThreshold: 5,
		BlackoutDuration:  2 * time.Minute,
		ScoreDecay:        0.2,
		ScoreRecovery:     0.05,
		LatencyWindowSize: 32,
	}
}

// KeyStats 单把密钥的健康快照
type KeyStats struct {
	KeyID               string
	HealthScore         float64
	TotalRequests       int64
	FailedRequests      int64
	ConsecutiveFailures int
	AvgLatency          time.Duration
	BlockedUntil        time.Time
	LastError           string
	LastSeenAt          time.Time
}

type keyState struct {
	score               float64
	total               int64
	failed              int64
	consecutiveFailures int
	latencies           []time.Duration
	blockedUntil        time.Time
	lastError           string
	lastSeenAt          time.Time
}

// Monitor 密钥健康监控器
type Monitor struct {
	mu     sync.RWMutex
	cfg    Config
	keys   map[string]*keyState
	logger *zap.Logger
	now    func() time.Time
}

// NewMonitor 创建监控器
func NewMonitor(cfg Config, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BlackoutThreshold <= 0 {
		cfg.BlackoutThreshold = DefaultConfig().BlackoutThreshold
	}
	if cfg.LatencyWindowSize <= 0 {
		cfg.LatencyWindowSize = DefaultConfig().LatencyWindowSize
	}
	return &Monitor{
		cfg:    cfg,
		keys:   make(map[string]*keyState),
		logger: logger.With(zap.String("component", "health_monitor")),
		now:    time.Now,
	}
}

func (m *Monitor) state(keyID string) *keyState {
	s, ok := m.keys[keyID]
	if !ok {
		s = &keyState{score: 1.0}
		m.keys[keyID] = s
	}
	return s
}

// RecordSuccess 记录一次成功调用
func (m *Monitor) RecordSuccess(keyID string, latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.state(keyID)
	s.total++
	s.consecutiveFailures = 0
	s.blockedUntil = time.Time{}
	s.lastSeenAt = m.now()
	s.score += m.cfg.ScoreRecovery
	if s.score > 1.0 {
		s.score = 1.0
	}
	s.latencies = append(s.latencies, latency)
	if len(s.latencies) > m.cfg.LatencyWindowSize {
		s.latencies = s.latencies[len(s.latencies)-m.cfg.LatencyWindowSize:]
	}
}

// RecordFailure 记录一次失败调用；连续失败达到阈值进入熔断
func (m *Monitor) RecordFailure(keyID, errorMessage string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.state(keyID)
	s.total++
	s.failed++
	s.consecutiveFailures++
	s.lastError = errorMessage
	s.lastSeenAt = m.now()
	s.score -= m.cfg.ScoreDecay
	if s.score < 0 {
		s.score = 0
	}

	if s.consecutiveFailures >= m.cfg.BlackoutThreshold {
		s.blockedUntil = m.now().Add(m.cfg.BlackoutDuration)
		m.logger.Warn("key entered blackout",
			zap.String("key_id", keyID),
			zap.Int("consecutive_failures", s.consecutiveFailures),
			zap.Time("blocked_until", s.blockedUntil))
	}
}

// IsBlocked 密钥是否处于熔断期
func (m *Monitor) IsBlocked(keyID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.keys[keyID]
	if !ok {
		return false
	}
	return !s.blockedUntil.IsZero() && m.now().Before(s.blockedUntil)
}

// Score 密钥当前健康分（未知密钥默认 1.0）
func (m *Monitor) Score(keyID string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if s, ok := m.keys[keyID]; ok {
		return s.score
	}
	return 1.0
}

// Stats 密钥健康快照
func (m *Monitor) Stats(keyID string) KeyStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.keys[keyID]
	if !ok {
		return KeyStats{KeyID: keyID, HealthScore: 1.0}
	}

	var avg time.Duration
	if len(s.latencies) > 0 {
		var sum time.Duration
		for _, l := range s.latencies {
			sum += l
		}
		avg = sum / time.Duration(len(s.latencies))
	}

	return KeyStats{
		KeyID:               keyID,
		HealthScore:         s.score,
		TotalRequests:       s.total,
		FailedRequests:      s.failed,
		ConsecutiveFailures: s.consecutiveFailures,
		AvgLatency:          avg,
		BlockedUntil:        s.blockedUntil,
		LastError:           s.lastError,
		LastSeenAt:          s.lastSeenAt,
	}
}

// Reset 清除密钥的健康状态（运维操作）
func (m *Monitor) Reset(keyID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, keyID)
}
