package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/aethergate/internal/cache"
	"github.com/BaSui01/aethergate/store"
)

func newTestGuard(t *testing.T) *RPMGuard {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	manager := cache.NewManagerFromClient(client, cache.DefaultConfig(), zap.NewNop())
	t.Cleanup(func() { _ = manager.Close() })

	now := time.Date(2026, 8, 24, 12, 0, 30, 0, time.UTC)
	adaptive := NewAdaptiveRPMManager(nil, DefaultRPMConfig(), zap.NewNop())
	adaptive.now = func() time.Time { return now }
	reservation := NewReservationManager(adaptive, DefaultReservationConfig(), zap.NewNop())

	g := NewRPMGuard(manager, adaptive, reservation, zap.NewNop())
	g.now = func() time.Time { return now }
	return g
}

func TestGuardNoLimitAlwaysAllows(t *testing.T) {
	g := newTestGuard(t)
	key := adaptiveKey() // 无学习值，无有效限制
	ctx := context.Background()

	ok, snapshot, err := g.CheckAvailable(ctx, key, false)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, snapshot.HasLimit)

	for i := 1; i <= 5; i++ {
		snap, err := g.Acquire(ctx, key, false)
		require.NoError(t, err)
		assert.Equal(t, i, snap.KeyCurrent)
	}
}

func TestGuardFixedLimitEnforced(t *testing.T) {
	g := newTestGuard(t)
	key := &store.ProviderAPIKey{ID: "key-fixed", RPMLimit: 3}
	ctx := context.Background()

	// 缓存用户可以用满全部槽位
	for i := 0; i < 3; i++ {
		_, err := g.Acquire(ctx, key, true)
		require.NoError(t, err)
	}

	_, err := g.Acquire(ctx, key, true)
	var limitErr *ConcurrencyLimitError
	require.ErrorAs(t, err, &limitErr)
	assert.Equal(t, "key-fixed", limitErr.KeyID)

	ok, snapshot, err := g.CheckAvailable(ctx, key, true)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 3, snapshot.KeyCurrent)
}

// 新用户只能用非预留配额；缓存用户不受预留影响。
func TestGuardReservationProtectsCachedCallers(t *testing.T) {
	g := newTestGuard(t)
	key := &store.ProviderAPIKey{ID: "key-res", RPMLimit: 10}
	ctx := context.Background()

	// 先用缓存用户填到 9/10
	for i := 0; i < 9; i++ {
		_, err := g.Acquire(ctx, key, true)
		require.NoError(t, err)
	}

	// 新用户：load 0.9 → 预留 45%，配额 floor(10×0.55)=5，9 ≥ 5 拒绝
	ok, snapshot, err := g.CheckAvailable(ctx, key, false)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 5, snapshot.KeyLimit)

	_, err = g.Acquire(ctx, key, false)
	var limitErr *ConcurrencyLimitError
	assert.ErrorAs(t, err, &limitErr)

	// 缓存用户仍可用最后一个槽位
	ok, _, err = g.CheckAvailable(ctx, key, true)
	require.NoError(t, err)
	assert.True(t, ok)
	_, err = g.Acquire(ctx, key, true)
	require.NoError(t, err)
}

// 槽位不随请求结束释放，只随分钟桶过期回收。
func TestGuardSlotsExpireWithBucket(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	manager := cache.NewManagerFromClient(client, cache.DefaultConfig(), zap.NewNop())
	t.Cleanup(func() { _ = manager.Close() })

	now := time.Date(2026, 8, 24, 12, 0, 30, 0, time.UTC)
	adaptive := NewAdaptiveRPMManager(nil, DefaultRPMConfig(), zap.NewNop())
	adaptive.now = func() time.Time { return now }
	reservation := NewReservationManager(adaptive, DefaultReservationConfig(), zap.NewNop())
	g := NewRPMGuard(manager, adaptive, reservation, zap.NewNop())
	g.now = func() time.Time { return now }

	key := &store.ProviderAPIKey{ID: "key-ttl", RPMLimit: 2}
	ctx := context.Background()

	_, err := g.Acquire(ctx, key, true)
	require.NoError(t, err)
	_, err = g.Acquire(ctx, key, true)
	require.NoError(t, err)
	_, err = g.Acquire(ctx, key, true)
	require.Error(t, err)

	// 下一个分钟桶：计数归零
	now = now.Add(time.Minute)
	mr.FastForward(time.Minute)

	count, err := g.GetKeyRPMCount(ctx, key.ID)
	require.NoError(t, err)
	assert.Zero(t, count)
	_, err = g.Acquire(ctx, key, true)
	require.NoError(t, err)
}

type stubGuardMetrics struct {
	rejections []string
}

func (s *stubGuardMetrics) RecordRPMRejection(provider, quota string) {
	s.rejections = append(s.rejections, provider+"/"+quota)
}

func TestGuardRejectionRecordsMetric(t *testing.T) {
	g := newTestGuard(t)
	metrics := &stubGuardMetrics{}
	g.SetMetrics(metrics)
	key := &store.ProviderAPIKey{ID: "key-metric", ProviderID: "prov-1", RPMLimit: 1}
	ctx := context.Background()

	_, err := g.Acquire(ctx, key, true)
	require.NoError(t, err)
	assert.Empty(t, metrics.rejections)

	_, err = g.Acquire(ctx, key, true)
	require.Error(t, err)
	_, err = g.Acquire(ctx, key, false)
	require.Error(t, err)
	assert.Equal(t, []string{"prov-1/cached", "prov-1/new_caller"}, metrics.rejections)
}

// 脚本返回非整数按错误处理，不能当 0 放行
func TestEvalCountRejectsUnexpectedReply(t *testing.T) {
	n, err := evalCount(int64(3))
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	_, err = evalCount("3")
	assert.Error(t, err)
	_, err = evalCount(nil)
	assert.Error(t, err)
}

func TestGuardWithSlot(t *testing.T) {
	g := newTestGuard(t)
	key := &store.ProviderAPIKey{ID: "key-slot", RPMLimit: 1}
	ctx := context.Background()

	ran := false
	err := g.WithSlot(ctx, key, false, func(ctx context.Context, snapshot ConcurrencySnapshot) error {
		ran = true
		assert.Equal(t, 1, snapshot.KeyCurrent)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)

	err = g.WithSlot(ctx, key, false, func(context.Context, ConcurrencySnapshot) error {
		t.Fatal("should not run when slot denied")
		return nil
	})
	var limitErr *ConcurrencyLimitError
	assert.True(t, errors.As(err, &limitErr))
}
