package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func newTestMonitor() (*Monitor, *time.Time) {
	m := NewMonitor(DefaultConfig(), zap.NewNop())
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	return m, &now
}

func TestMonitorDefaultsHealthy(t *testing.T) {
	m, _ := newTestMonitor()
	assert.Equal(t, 1.0, m.Score("unknown"))
	assert.False(t, m.IsBlocked("unknown"))
}

func TestMonitorScoreDecayAndRecovery(t *testing.T) {
	m, _ := newTestMonitor()

	m.RecordFailure("k1", "upstream 500")
	m.RecordFailure("k1", "upstream 500")
	assert.InDelta(t, 0.6, m.Score("k1"), 1e-9)

	m.RecordSuccess("k1", 120*time.Millisecond)
	assert.InDelta(t, 0.65, m.Score("k1"), 1e-9)

	stats := m.Stats("k1")
	assert.Equal(t, int64(3), stats.TotalRequests)
	assert.Equal(t, int64(2), stats.FailedRequests)
	assert.Equal(t, 0, stats.ConsecutiveFailures)
	assert.Equal(t, 120*time.Millisecond, stats.AvgLatency)
}

// 连续失败达到阈值进入熔断，到期自动放行，一次成功清除熔断。
func TestMonitorBlackout(t *testing.T) {
	m, now := newTestMonitor()

	for i := 0; i < 5; i++ {
		m.RecordFailure("k1", "timeout")
	}
	assert.True(t, m.IsBlocked("k1"))

	*now = now.Add(3 * time.Minute)
	assert.False(t, m.IsBlocked("k1"))

	m.RecordFailure("k1", "timeout") // 6 连败再次熔断
	assert.True(t, m.IsBlocked("k1"))

	m.RecordSuccess("k1", time.Millisecond)
	assert.False(t, m.IsBlocked("k1"))
	assert.Equal(t, 0, m.Stats("k1").ConsecutiveFailures)
}

func TestMonitorLatencyWindowBounded(t *testing.T) {
	m, _ := newTestMonitor()
	for i := 0; i < 100; i++ {
		m.RecordSuccess("k1", time.Duration(i)*time.Millisecond)
	}
	// 窗口只保留最近 32 个样本：68..99 的平均值
	assert.Equal(t, time.Duration(835)*time.Millisecond/10, m.Stats("k1").AvgLatency)
}

func TestMonitorReset(t *testing.T) {
	m, _ := newTestMonitor()
	for i := 0; i < 5; i++ {
		m.RecordFailure("k1", "x")
	}
	assert.True(t, m.IsBlocked("k1"))
	m.Reset("k1")
	assert.False(t, m.IsBlocked("k1"))
	assert.Equal(t, 1.0, m.Score("k1"))
}
