package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"

	"github.com/BaSui01/aethergate/store"
)

func newTestManager(t *testing.T) (*AdaptiveRPMManager, *time.Time) {
	t.Helper()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	m := NewAdaptiveRPMManager(nil, DefaultRPMConfig(), zap.NewNop())
	m.now = func() time.Time { return now }
	return m, &now
}

func adaptiveKey() *store.ProviderAPIKey {
	return &store.ProviderAPIKey{ID: "key-1", RPMLimit: 0}
}

func TestFixedLimitSkipsAdaptive(t *testing.T) {
	m, _ := newTestManager(t)
	key := &store.ProviderAPIKey{ID: "key-1", RPMLimit: 100}

	got := m.Handle429(context.Background(), key, RateLimitInfo{LimitType: LimitTypeRPM, LimitValue: 50}, 42)
	assert.Equal(t, 100, got)
	assert.Nil(t, key.AdaptiveState)

	limit, ok := m.GetEffectiveLimit(key)
	assert.True(t, ok)
	assert.Equal(t, 100, limit)
}

// 单次 429 不设限：学习期，429 透传。
func TestSingle429StaysInLearning(t *testing.T) {
	m, _ := newTestManager(t)
	key := adaptiveKey()

	got := m.Handle429(context.Background(), key, RateLimitInfo{LimitType: LimitTypeRPM, LimitValue: 60}, 55)
	assert.Equal(t, 0, got)
	assert.Equal(t, 1, key.AdaptiveState.RPM429Count)

	_, ok := m.GetEffectiveLimit(key)
	assert.False(t, ok)
}

// 两次一致的 header 观察确认限制：median×0.95，confidence 0.8。
func TestHeaderConsensusConfirmsLimit(t *testing.T) {
	m, _ := newTestManager(t)
	key := adaptiveKey()
	ctx := context.Background()

	m.Handle429(ctx, key, RateLimitInfo{LimitType: LimitTypeRPM, LimitValue: 60}, 55)
	got := m.Handle429(ctx, key, RateLimitInfo{LimitType: LimitTypeRPM, LimitValue: 60}, 58)

	assert.Equal(t, 57, got) // 60 × 0.95
	assert.Equal(t, 57, key.AdaptiveState.LearnedLimit)
	assert.Equal(t, 60, key.AdaptiveState.LastRPMPeak)
	assert.InDelta(t, 0.8, m.GetConfidence(key), 1e-9)
	assert.True(t, m.IsEnforcementActive(key))

	limit, ok := m.GetEffectiveLimit(key)
	require.True(t, ok)
	assert.Equal(t, 57, limit)
}

// 无 header 时需要三次一致的本地观察：median×0.85，confidence 0.6。
func TestLocalObservationConsensus(t *testing.T) {
	m, _ := newTestManager(t)
	key := adaptiveKey()
	ctx := context.Background()

	m.Handle429(ctx, key, RateLimitInfo{LimitType: LimitTypeRPM}, 50)
	m.Handle429(ctx, key, RateLimitInfo{LimitType: LimitTypeRPM}, 52)
	got := m.Handle429(ctx, key, RateLimitInfo{LimitType: LimitTypeRPM}, 48)

	assert.Equal(t, 42, got) // median 50 × 0.85
	assert.InDelta(t, 0.6, m.GetConfidence(key), 1e-9)
	assert.True(t, m.IsEnforcementActive(key))
}

// 观察值偏差超过 20% 时一致性不达标，保持学习期。
func TestInconsistentObservationsStayLearning(t *testing.T) {
	m, _ := newTestManager(t)
	key := adaptiveKey()
	ctx := context.Background()

	m.Handle429(ctx, key, RateLimitInfo{LimitType: LimitTypeRPM, LimitValue: 60}, 55)
	got := m.Handle429(ctx, key, RateLimitInfo{LimitType: LimitTypeRPM, LimitValue: 200}, 55)

	assert.Equal(t, 0, got)
	assert.Equal(t, 0, key.AdaptiveState.LearnedLimit)
}

// 并发型 429 只计数，不动 RPM 限制。
func TestConcurrent429DoesNotAdjust(t *testing.T) {
	m, _ := newTestManager(t)
	key := adaptiveKey()

	got := m.Handle429(context.Background(), key, RateLimitInfo{LimitType: LimitTypeConcurrent}, 30)
	assert.Equal(t, 0, got)
	assert.Equal(t, 1, key.AdaptiveState.Concurrent429Count)
	assert.Equal(t, 0, key.AdaptiveState.RPM429Count)
	assert.Empty(t, key.AdaptiveState.AdjustmentHistory)
}

// 未知类型 429：已有学习值时保守 ×0.95，否则不动。
func TestUnknown429ConservativeReduction(t *testing.T) {
	m, _ := newTestManager(t)
	key := adaptiveKey()
	ctx := context.Background()

	got := m.Handle429(ctx, key, RateLimitInfo{LimitType: LimitTypeUnknown}, 30)
	assert.Equal(t, 0, got)

	key.AdaptiveState.LearnedLimit = 100
	got = m.Handle429(ctx, key, RateLimitInfo{LimitType: LimitTypeUnknown}, 30)
	assert.Equal(t, 95, got)
}

// 429 清空利用率采样窗口。
func TestRateLimitClearsUtilizationWindow(t *testing.T) {
	m, now := newTestManager(t)
	key := adaptiveKey()
	key.AdaptiveState = &store.AdaptiveStateJSON{
		UtilizationWindow: []store.UtilizationSample{{Utilization: 0.5, At: *now}},
	}

	m.Handle429(context.Background(), key, RateLimitInfo{LimitType: LimitTypeRPM, LimitValue: 60}, 55)
	assert.Empty(t, key.AdaptiveState.UtilizationWindow)
}

// confidence 随时间衰减，限制不会固化。
func TestConfidenceDecay(t *testing.T) {
	m, now := newTestManager(t)
	key := adaptiveKey()
	ctx := context.Background()

	m.Handle429(ctx, key, RateLimitInfo{LimitType: LimitTypeRPM, LimitValue: 60}, 55)
	m.Handle429(ctx, key, RateLimitInfo{LimitType: LimitTypeRPM, LimitValue: 60}, 58)
	require.True(t, m.IsEnforcementActive(key))

	// 20 分钟后：0.8 - 0.2 = 0.6，仍在执行
	*now = now.Add(20 * time.Minute)
	assert.InDelta(t, 0.6, m.GetConfidence(key), 1e-9)
	assert.True(t, m.IsEnforcementActive(key))

	// 40 分钟后：0.8 - 0.4 = 0.4，停止本地执行
	*now = now.Add(20 * time.Minute)
	assert.False(t, m.IsEnforcementActive(key))
	_, ok := m.GetEffectiveLimit(key)
	assert.False(t, ok)
}

// 高利用率扩容：窗口达标且低于已知边界时 +INCREASE_STEP。
func TestHandleSuccessHighUtilizationIncrease(t *testing.T) {
	m, now := newTestManager(t)
	key := adaptiveKey()
	ctx := context.Background()

	past := now.Add(-10 * time.Minute) // 冷却期已过，confidence 0.8-0.1=0.7
	key.AdaptiveState = &store.AdaptiveStateJSON{
		LearnedLimit: 50,
		LastRPMPeak:  100,
		Last429At:    &past,
		AdjustmentHistory: []store.AdjustmentEntry{
			{Kind: "adjustment", NewLimit: 50, Reason: "rpm_429", Confidence: 0.8, At: past},
		},
	}

	var adjusted int
	for i := 0; i < 5; i++ {
		adjusted = m.HandleSuccess(ctx, key, 40) // util 0.8
	}
	assert.Equal(t, 55, adjusted)
	assert.Equal(t, 55, key.AdaptiveState.LearnedLimit)
	assert.Empty(t, key.AdaptiveState.UtilizationWindow) // 扩容后重新采样
}

// 已达边界时高利用率不再扩容。
func TestHandleSuccessBoundaryBlocksIncrease(t *testing.T) {
	m, now := newTestManager(t)
	key := adaptiveKey()
	ctx := context.Background()

	past := now.Add(-10 * time.Minute)
	key.AdaptiveState = &store.AdaptiveStateJSON{
		LearnedLimit: 100,
		LastRPMPeak:  100,
		Last429At:    &past,
		AdjustmentHistory: []store.AdjustmentEntry{
			{Kind: "adjustment", NewLimit: 100, Reason: "rpm_429", Confidence: 0.8, At: past},
		},
	}

	for i := 0; i < 6; i++ {
		assert.Equal(t, 0, m.HandleSuccess(ctx, key, 90))
	}
	assert.Equal(t, 100, key.AdaptiveState.LearnedLimit)
}

// 探测性扩容：距上次 429 足够久后 +1，可以突破边界。
func TestHandleSuccessProbeIncrease(t *testing.T) {
	m, now := newTestManager(t)
	key := adaptiveKey()
	ctx := context.Background()

	past := now.Add(-30 * time.Minute) // decay 0.3，confidence 恰好 0.5
	key.AdaptiveState = &store.AdaptiveStateJSON{
		LearnedLimit: 50,
		LastRPMPeak:  50,
		Last429At:    &past,
		AdjustmentHistory: []store.AdjustmentEntry{
			{Kind: "adjustment", NewLimit: 50, Reason: "rpm_429", Confidence: 0.8, At: past},
		},
	}

	var adjusted int
	for i := 0; i < 5; i++ {
		adjusted = m.HandleSuccess(ctx, key, 20) // util 0.4：不够高利用率，够探测
	}
	assert.Equal(t, 51, adjusted)
	assert.NotNil(t, key.AdaptiveState.LastProbeAt)
}

// 冷却期内不扩容。
func TestHandleSuccessCooldownBlocksIncrease(t *testing.T) {
	m, now := newTestManager(t)
	key := adaptiveKey()
	ctx := context.Background()

	recent := now.Add(-time.Minute)
	key.AdaptiveState = &store.AdaptiveStateJSON{
		LearnedLimit: 50,
		LastRPMPeak:  100,
		Last429At:    &recent,
		AdjustmentHistory: []store.AdjustmentEntry{
			{Kind: "adjustment", NewLimit: 50, Reason: "rpm_429", Confidence: 0.8, At: recent},
		},
	}

	for i := 0; i < 6; i++ {
		assert.Equal(t, 0, m.HandleSuccess(ctx, key, 45))
	}
}

// 历史截断优先淘汰 adjustment，保留观察记录。
func TestTrimHistoryPreservesObservations(t *testing.T) {
	m, now := newTestManager(t)

	var history []store.AdjustmentEntry
	for i := 0; i < 15; i++ {
		history = append(history, store.AdjustmentEntry{
			Kind: entryKindObservation, CurrentRPM: 50 + i, At: now.Add(time.Duration(i) * time.Second),
		})
	}
	for i := 0; i < 10; i++ {
		history = append(history, store.AdjustmentEntry{
			Kind: entryKindAdjustment, NewLimit: 50, At: now.Add(time.Duration(15+i) * time.Second),
		})
	}

	trimmed := m.trimHistory(history)
	require.Len(t, trimmed, 20)

	obs := 0
	for _, e := range trimmed {
		if e.Kind == entryKindObservation {
			obs++
		}
	}
	assert.Equal(t, 15, obs) // 观察全保留，adjustment 只剩 5 条
}

type stubAdaptiveMetrics struct {
	adjustments []string
}

func (s *stubAdaptiveMetrics) RecordAdaptiveAdjustment(direction, reason string) {
	s.adjustments = append(s.adjustments, direction+"/"+reason)
}

// 限额确认、保守降额与扩容都产出调整指标；学习期观察不产出。
func TestAdjustmentsRecordMetrics(t *testing.T) {
	m, now := newTestManager(t)
	metrics := &stubAdaptiveMetrics{}
	m.SetMetrics(metrics)
	key := adaptiveKey()
	ctx := context.Background()

	m.Handle429(ctx, key, RateLimitInfo{LimitType: LimitTypeRPM, LimitValue: 60}, 55)
	assert.Empty(t, metrics.adjustments) // 单次观察仍在学习期

	m.Handle429(ctx, key, RateLimitInfo{LimitType: LimitTypeRPM, LimitValue: 60}, 58)
	assert.Equal(t, []string{"down/rpm_429"}, metrics.adjustments)

	m.Handle429(ctx, key, RateLimitInfo{LimitType: LimitTypeUnknown}, 50)
	assert.Equal(t, []string{"down/rpm_429", "down/unknown_429"}, metrics.adjustments)

	// 冷却期过后高利用率扩容
	*now = now.Add(10 * time.Minute)
	for i := 0; i < 5; i++ {
		m.HandleSuccess(ctx, key, 50)
	}
	require.Len(t, metrics.adjustments, 3)
	assert.Equal(t, "up/high_utilization", metrics.adjustments[2])
}

func TestResetLearning(t *testing.T) {
	m, _ := newTestManager(t)
	key := adaptiveKey()
	ctx := context.Background()

	m.Handle429(ctx, key, RateLimitInfo{LimitType: LimitTypeRPM, LimitValue: 60}, 55)
	m.Handle429(ctx, key, RateLimitInfo{LimitType: LimitTypeRPM, LimitValue: 60}, 58)
	require.NotZero(t, key.AdaptiveState.LearnedLimit)

	m.ResetLearning(ctx, key)
	assert.Zero(t, key.AdaptiveState.LearnedLimit)
	assert.Empty(t, key.AdaptiveState.AdjustmentHistory)
	assert.Nil(t, key.AdaptiveState.Last429At)
}

func TestStats(t *testing.T) {
	m, _ := newTestManager(t)
	key := adaptiveKey()
	ctx := context.Background()

	m.Handle429(ctx, key, RateLimitInfo{LimitType: LimitTypeRPM, LimitValue: 60}, 55)
	m.Handle429(ctx, key, RateLimitInfo{LimitType: LimitTypeRPM, LimitValue: 60}, 58)

	stats := m.Stats(key)
	assert.True(t, stats.AdaptiveMode)
	assert.Equal(t, 57, stats.LearnedLimit)
	assert.Equal(t, 57, stats.EffectiveLimit)
	assert.Equal(t, 2, stats.ObservationCount)
	assert.Equal(t, 2, stats.HeaderObsCount)
	assert.Equal(t, 1, stats.AdjustmentCount)
	assert.True(t, stats.EnforcementActive)
}

// 确认的学习限制总在 [MinLimit, MaxLimit] 内。
func TestLearnedLimitAlwaysClamped(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		m := NewAdaptiveRPMManager(nil, DefaultRPMConfig(), zap.NewNop())
		now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
		m.now = func() time.Time { return now }

		key := adaptiveKey()
		upstream := rapid.IntRange(1, 5000).Draw(t, "upstream")
		count := rapid.IntRange(2, 6).Draw(t, "count")

		ctx := context.Background()
		for i := 0; i < count; i++ {
			m.Handle429(ctx, key, RateLimitInfo{LimitType: LimitTypeRPM, LimitValue: upstream}, upstream-1)
		}

		if learned := key.AdaptiveState.LearnedLimit; learned != 0 {
			if learned < m.cfg.MinLimit || learned > m.cfg.MaxLimit {
				t.Fatalf("learned limit %d outside [%d, %d]", learned, m.cfg.MinLimit, m.cfg.MaxLimit)
			}
		}
	})
}
