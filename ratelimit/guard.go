package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/aethergate/internal/cache"
	"github.com/BaSui01/aethergate/store"
)

// ConcurrencyLimitError RPM 守卫拒绝了本次请求。
// 非终态错误：编排层跳过该候选，尝试下一个。
type ConcurrencyLimitError struct {
	KeyID   string
	Current int
	Limit   int
}

func (e *ConcurrencyLimitError) Error() string {
	return fmt.Sprintf("rpm limit reached for key %s: %d/%d", e.KeyID, e.Current, e.Limit)
}

// ConcurrencySnapshot 一次并发检查的现场快照（用于日志与审计记录）
type ConcurrencySnapshot struct {
	KeyCurrent       int              `json:"key_current"`
	KeyLimit         int              `json:"key_limit"` // 0 = 无限制
	HasLimit         bool             `json:"has_limit"`
	IsCachedUser     bool             `json:"is_cached_user"`
	ReservationRatio float64          `json:"reservation_ratio"`
	Phase            ReservationPhase `json:"phase,omitempty"`
	Confidence       float64          `json:"confidence"`
	LoadFactor       float64          `json:"load_factor"`
}

// rpmBucketTTL 分钟桶的过期时间。槽位从不主动释放，只随桶过期回收，
// 因此计数是真正的 RPM 计数而非并发信号量。
const rpmBucketTTL = 2 * time.Minute

// acquireScript 原子比较自增：当前计数 < limit 时自增并返回新值，
// 否则返回 -1 表示拒绝。
const acquireScript = `
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local limit = tonumber(ARGV[1])
if limit > 0 and current >= limit then
  return -1
end
local n = redis.call('INCR', KEYS[1])
redis.call('EXPIRE', KEYS[1], tonumber(ARGV[2]))
return n`

// GuardMetrics 守卫侧的拒绝指标出口（由 internal/metrics.Collector 实现）
type GuardMetrics interface {
	RecordRPMRejection(provider, quota string)
}

// RPMGuard 基于 Redis 分钟桶的 RPM 守卫，跨 worker 共享计数。
type RPMGuard struct {
	cache       *cache.Manager
	adaptive    *AdaptiveRPMManager
	reservation *ReservationManager
	metrics     GuardMetrics
	logger      *zap.Logger
	now         func() time.Time
}

// NewRPMGuard 创建 RPM 守卫
func NewRPMGuard(cacheManager *cache.Manager, adaptive *AdaptiveRPMManager, reservation *ReservationManager, logger *zap.Logger) *RPMGuard {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RPMGuard{
		cache:       cacheManager,
		adaptive:    adaptive,
		reservation: reservation,
		logger:      logger.With(zap.String("component", "rpm_guard")),
		now:         time.Now,
	}
}

// SetMetrics 挂接指标采集器；nil 安全
func (g *RPMGuard) SetMetrics(m GuardMetrics) {
	g.metrics = m
}

func (g *RPMGuard) bucketKey(keyID string) string {
	return fmt.Sprintf("aethergate:rpm:%s:%d", keyID, g.now().Unix()/60)
}

// GetKeyRPMCount 读取密钥当前分钟桶的计数
func (g *RPMGuard) GetKeyRPMCount(ctx context.Context, keyID string) (int, error) {
	val, err := g.cache.Get(ctx, g.bucketKey(keyID))
	if cache.IsCacheMiss(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	count, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("malformed rpm counter: %w", err)
	}
	return count, nil
}

// CheckAvailable 选前检查（不占槽）。
//   - 缓存用户：count < effective_limit
//   - 新用户：count < floor(effective_limit×(1-ratio))，至少保 1 个槽位
//   - 无有效限制时恒通过
func (g *RPMGuard) CheckAvailable(ctx context.Context, key *store.ProviderAPIKey, isCachedUser bool) (bool, ConcurrencySnapshot, error) {
	effectiveLimit, hasLimit := g.adaptive.GetEffectiveLimit(key)

	count, err := g.GetKeyRPMCount(ctx, key.ID)
	if err != nil {
		// 计数读失败时放行，守卫在 Acquire 阶段兜底
		g.logger.Warn("rpm count read failed, allowing",
			zap.String("key_id", key.ID), zap.Error(err))
		count = 0
	}

	res := g.reservation.Calculate(key, count, effectiveLimit)

	snapshot := ConcurrencySnapshot{
		KeyCurrent:       count,
		IsCachedUser:     isCachedUser,
		ReservationRatio: res.Ratio,
		Phase:            res.Phase,
		Confidence:       res.Confidence,
		LoadFactor:       res.LoadFactor,
	}

	if !hasLimit {
		return true, snapshot, nil
	}
	snapshot.HasLimit = true

	if isCachedUser {
		snapshot.KeyLimit = effectiveLimit
		return count < effectiveLimit, snapshot, nil
	}

	quota := NewCallerQuota(effectiveLimit, res.Ratio)
	snapshot.KeyLimit = quota
	if count >= quota {
		g.logger.Debug("new caller quota exhausted",
			zap.String("key_id", key.ID),
			zap.Int("count", count),
			zap.Int("quota", quota),
			zap.Int("total", effectiveLimit),
			zap.Float64("reservation_ratio", res.Ratio),
			zap.String("phase", string(res.Phase)))
		return false, snapshot, nil
	}
	return true, snapshot, nil
}

// Acquire 原子占一个 RPM 槽位。拒绝时返回 ConcurrencyLimitError。
// 占到的槽位不会在请求结束时释放，只随 60 秒分钟桶过期回收。
func (g *RPMGuard) Acquire(ctx context.Context, key *store.ProviderAPIKey, isCachedUser bool) (ConcurrencySnapshot, error) {
	effectiveLimit, hasLimit := g.adaptive.GetEffectiveLimit(key)

	count, err := g.GetKeyRPMCount(ctx, key.ID)
	if err != nil {
		count = 0
	}
	res := g.reservation.Calculate(key, count, effectiveLimit)

	limit := 0 // 0 = 无限制，脚本只自增
	if hasLimit {
		if isCachedUser {
			limit = effectiveLimit
		} else {
			limit = NewCallerQuota(effectiveLimit, res.Ratio)
		}
	}

	raw, err := g.cache.Eval(ctx, acquireScript,
		[]string{g.bucketKey(key.ID)},
		limit, int(rpmBucketTTL.Seconds()))
	if err != nil {
		return ConcurrencySnapshot{}, fmt.Errorf("rpm guard acquire: %w", err)
	}

	n, err := evalCount(raw)
	if err != nil {
		g.logger.Error("rpm guard script returned unexpected reply",
			zap.String("key_id", key.ID), zap.Error(err))
		return ConcurrencySnapshot{}, fmt.Errorf("rpm guard acquire: %w", err)
	}
	if n < 0 {
		if g.metrics != nil {
			g.metrics.RecordRPMRejection(key.ProviderID, quotaLabel(isCachedUser))
		}
		return ConcurrencySnapshot{}, &ConcurrencyLimitError{
			KeyID:   key.ID,
			Current: count,
			Limit:   limit,
		}
	}

	return ConcurrencySnapshot{
		KeyCurrent:       int(n),
		KeyLimit:         limit,
		HasLimit:         hasLimit,
		IsCachedUser:     isCachedUser,
		ReservationRatio: res.Ratio,
		Phase:            res.Phase,
		Confidence:       res.Confidence,
		LoadFactor:       res.LoadFactor,
	}, nil
}

// evalCount 校验脚本返回值。脚本只会返回整数；其他类型说明脚本或
// 客户端行为异常，不能按 0 放行。
func evalCount(raw interface{}) (int64, error) {
	n, ok := raw.(int64)
	if !ok {
		return 0, fmt.Errorf("unexpected eval reply type %T", raw)
	}
	return n, nil
}

func quotaLabel(isCachedUser bool) string {
	if isCachedUser {
		return "cached"
	}
	return "new_caller"
}

// WithSlot 在占到槽位的前提下执行 fn；占不到直接返回 ConcurrencyLimitError。
// fn 结束后槽位不释放。
func (g *RPMGuard) WithSlot(ctx context.Context, key *store.ProviderAPIKey, isCachedUser bool, fn func(ctx context.Context, snapshot ConcurrencySnapshot) error) error {
	snapshot, err := g.Acquire(ctx, key, isCachedUser)
	if err != nil {
		return err
	}
	return fn(ctx, snapshot)
}
