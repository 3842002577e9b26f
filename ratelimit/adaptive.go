// Package ratelimit 实现自适应 RPM 学习、缓存预留与 RPM 守卫。
//
// 核心算法：多次观察确认 + 置信度衰减
//   - 收到 429 时记录观察（本地 RPM 计数 + 上游 header 限制值）
//   - 多次一致的观察才确认限制（header 需 2 次，无 header 需 3 次）
//   - confidence 随时间自然衰减，限制永远不会固化
//   - confidence 低于阈值时停止本地限制执行，让上游 429 透传
package ratelimit

import (
	"context"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/aethergate/store"
)

// RateLimitType 429 的限制类型
type RateLimitType string

const (
	LimitTypeRPM        RateLimitType = "rpm"
	LimitTypeConcurrent RateLimitType = "concurrent"
	LimitTypeUnknown    RateLimitType = "unknown"
)

// RateLimitInfo 从上游 429 响应解析出的限制信息
type RateLimitInfo struct {
	LimitType  RateLimitType
	LimitValue int // header 声明的限制值；0 表示缺失
}

const (
	entryKindObservation = "observation"
	entryKindAdjustment  = "adjustment"
)

// RPMConfig 自适应 RPM 学习参数
type RPMConfig struct {
	InitialLimit int `yaml:"initial_limit" json:"initial_limit"`
	MinLimit     int `yaml:"min_limit" json:"min_limit"`
	MaxLimit     int `yaml:"max_limit" json:"max_limit"`

	IncreaseStep int `yaml:"increase_step" json:"increase_step"`

	UtilizationWindowSize    int           `yaml:"utilization_window_size" json:"utilization_window_size"`
	UtilizationWindowSeconds time.Duration `yaml:"utilization_window_seconds" json:"utilization_window_seconds"`
	UtilizationThreshold     float64       `yaml:"utilization_threshold" json:"utilization_threshold"`
	HighUtilizationRatio     float64       `yaml:"high_utilization_ratio" json:"high_utilization_ratio"`
	MinSamplesForDecision    int           `yaml:"min_samples_for_decision" json:"min_samples_for_decision"`

	ProbeIncreaseInterval   time.Duration `yaml:"probe_increase_interval" json:"probe_increase_interval"`
	ProbeIncreaseMinSamples int           `yaml:"probe_increase_min_samples" json:"probe_increase_min_samples"`
	CooldownAfter429        time.Duration `yaml:"cooldown_after_429" json:"cooldown_after_429"`

	MaxHistoryRecords int `yaml:"max_history_records" json:"max_history_records"`

	MinConsistentObservations       int     `yaml:"min_consistent_observations" json:"min_consistent_observations"`
	MinHeaderConfirmations          int     `yaml:"min_header_confirmations" json:"min_header_confirmations"`
	ObservationConsistencyThreshold float64 `yaml:"observation_consistency_threshold" json:"observation_consistency_threshold"`
	HeaderLimitSafetyMargin         float64 `yaml:"header_limit_safety_margin" json:"header_limit_safety_margin"`
	ObservationLimitSafetyMargin    float64 `yaml:"observation_limit_safety_margin" json:"observation_limit_safety_margin"`
	EnforcementConfidenceThreshold  float64 `yaml:"enforcement_confidence_threshold" json:"enforcement_confidence_threshold"`
	ConfidenceDecayPerMinute        float64 `yaml:"confidence_decay_per_minute" json:"confidence_decay_per_minute"`
}

// DefaultRPMConfig 返回默认学习参数
func DefaultRPMConfig() RPMConfig {
	return RPMConfig{
		InitialLimit:                    60,
		MinLimit:                        5,
		MaxLimit:                        1000,
		IncreaseStep:                    5,
		UtilizationWindowSize:           15,
		UtilizationWindowSeconds:        300 * time.Second,
		UtilizationThreshold:            0.7,
		HighUtilizationRatio:            0.6,
		MinSamplesForDecision:           5,
		ProbeIncreaseInterval:           30 * time.Minute,
		ProbeIncreaseMinSamples:         5,
		CooldownAfter429:                5 * time.Minute,
		MaxHistoryRecords:               20,
		MinConsistentObservations:       3,
		MinHeaderConfirmations:          2,
		ObservationConsistencyThreshold: 0.2,
		HeaderLimitSafetyMargin:         0.95,
		ObservationLimitSafetyMargin:    0.85,
		EnforcementConfidenceThreshold:  0.5,
		ConfidenceDecayPerMinute:        0.01,
	}
}

// AdaptiveMetrics 学习侧的限额调整指标出口（由 internal/metrics.Collector 实现）
type AdaptiveMetrics interface {
	RecordAdaptiveAdjustment(direction, reason string)
}

// AdaptiveRPMManager 自适应 RPM 管理器
type AdaptiveRPMManager struct {
	db      *gorm.DB
	cfg     RPMConfig
	metrics AdaptiveMetrics
	logger  *zap.Logger
	now     func() time.Time
}

// NewAdaptiveRPMManager 创建管理器；db 可为 nil（纯内存模式，不持久化）
func NewAdaptiveRPMManager(db *gorm.DB, cfg RPMConfig, logger *zap.Logger) *AdaptiveRPMManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AdaptiveRPMManager{
		db:     db,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "adaptive_rpm")),
		now:    time.Now,
	}
}

// SetMetrics 挂接指标采集器；nil 安全
func (m *AdaptiveRPMManager) SetMetrics(metrics AdaptiveMetrics) {
	m.metrics = metrics
}

func (m *AdaptiveRPMManager) recordAdjustmentMetric(direction, reason string) {
	if m.metrics != nil {
		m.metrics.RecordAdaptiveAdjustment(direction, reason)
	}
}

func adaptiveState(key *store.ProviderAPIKey) *store.AdaptiveStateJSON {
	if key.AdaptiveState == nil {
		key.AdaptiveState = &store.AdaptiveStateJSON{}
	}
	return key.AdaptiveState
}

// isAdaptive 未配置固定 RPM 上限的密钥走自适应模式
func isAdaptive(key *store.ProviderAPIKey) bool {
	return key.RPMLimit <= 0
}

// =============================================================================
// 🎯 429 处理
// =============================================================================

// Handle429 处理 429 错误，记录观察并基于一致性评估是否设置限制。
//
// 不再单次 429 就设限：先记录观察，一致性达标时才写入 learned_limit
// 并赋予 confidence；一致性不够时保持学习期，429 透传给客户端。
// 返回当前学习到的限制（0 表示学习期）。
func (m *AdaptiveRPMManager) Handle429(ctx context.Context, key *store.ProviderAPIKey, info RateLimitInfo, currentRPM int) int {
	if !isAdaptive(key) {
		m.logger.Debug("key has fixed rpm limit, skipping adaptive adjustment",
			zap.String("key_id", key.ID), zap.Int("rpm_limit", key.RPMLimit))
		return key.RPMLimit
	}

	state := adaptiveState(key)
	now := m.now()
	state.Last429At = &now
	state.Last429Type = string(info.LimitType)

	// 429 后观测环境已变，清空利用率采样窗口
	state.UtilizationWindow = nil

	switch info.LimitType {
	case LimitTypeRPM:
		state.RPM429Count++
		m.recordObservation(state, currentRPM, info.LimitValue)

		evaluated, confidence := m.evaluateObservations(state)
		oldLimit := state.LearnedLimit

		if evaluated > 0 && confidence >= m.cfg.EnforcementConfidenceThreshold {
			m.recordAdjustment(state, store.AdjustmentEntry{
				OldLimit:      oldLimit,
				NewLimit:      evaluated,
				Reason:        "rpm_429",
				CurrentRPM:    currentRPM,
				UpstreamLimit: info.LimitValue,
				Confidence:    confidence,
			})
			state.LearnedLimit = evaluated
			m.recordAdjustmentMetric("down", "rpm_429")

			// 边界记忆优先使用上游 header
			if info.LimitValue > 0 {
				state.LastRPMPeak = info.LimitValue
			} else if currentRPM > 0 {
				state.LastRPMPeak = currentRPM
			}

			m.logger.Warn("rpm limit confirmed",
				zap.String("key_id", key.ID),
				zap.Int("current_rpm", currentRPM),
				zap.Int("upstream_limit", info.LimitValue),
				zap.Int("old_limit", oldLimit),
				zap.Int("new_limit", evaluated),
				zap.Float64("confidence", confidence))
		} else {
			m.logger.Info("rpm limit learning, observation recorded",
				zap.String("key_id", key.ID),
				zap.Int("current_rpm", currentRPM),
				zap.Int("upstream_limit", info.LimitValue))
		}

	case LimitTypeConcurrent:
		// 并发限制不是 RPM 问题，只计数
		state.Concurrent429Count++
		m.logger.Info("concurrent limit hit, rpm limit untouched",
			zap.String("key_id", key.ID))

	default:
		// 未知类型：保守处理，仅在已有学习值时小幅减少
		if state.LearnedLimit > 0 {
			newLimit := max(int(float64(state.LearnedLimit)*0.95), m.cfg.MinLimit)
			m.recordAdjustment(state, store.AdjustmentEntry{
				OldLimit:   state.LearnedLimit,
				NewLimit:   newLimit,
				Reason:     "unknown_429",
				CurrentRPM: currentRPM,
			})
			m.logger.Warn("unknown 429 type, conservative reduction",
				zap.String("key_id", key.ID),
				zap.Int("old_limit", state.LearnedLimit),
				zap.Int("new_limit", newLimit))
			state.LearnedLimit = newLimit
			m.recordAdjustmentMetric("down", "unknown_429")
		} else {
			m.logger.Info("unknown 429 type with no learned limit, skipping",
				zap.String("key_id", key.ID))
		}
	}

	m.persist(ctx, key)
	return state.LearnedLimit
}

// =============================================================================
// 🎯 观察记录与评估
// =============================================================================

func (m *AdaptiveRPMManager) recordObservation(state *store.AdaptiveStateJSON, currentRPM, upstreamLimit int) {
	state.AdjustmentHistory = m.trimHistory(append(state.AdjustmentHistory, store.AdjustmentEntry{
		Kind:          entryKindObservation,
		CurrentRPM:    currentRPM,
		UpstreamLimit: upstreamLimit,
		At:            m.now(),
	}))
}

func (m *AdaptiveRPMManager) recordAdjustment(state *store.AdaptiveStateJSON, entry store.AdjustmentEntry) {
	entry.Kind = entryKindAdjustment
	entry.At = m.now()
	state.AdjustmentHistory = m.trimHistory(append(state.AdjustmentHistory, entry))
}

// evaluateObservations 评估历史 429 观察的一致性。
// 优先使用有 header 的观察，其次使用纯本地观察。
// 返回 (limit, confidence)；一致性不够时 limit 为 0。
func (m *AdaptiveRPMManager) evaluateObservations(state *store.AdaptiveStateJSON) (int, float64) {
	var observations []store.AdjustmentEntry
	for _, e := range state.AdjustmentHistory {
		if e.Kind == entryKindObservation {
			observations = append(observations, e)
		}
	}
	if len(observations) == 0 {
		return 0, 0
	}

	// 优先评估有 header 的观察
	var headerValues []int
	for _, o := range observations {
		if o.UpstreamLimit > 0 {
			headerValues = append(headerValues, o.UpstreamLimit)
		}
	}
	if len(headerValues) >= m.cfg.MinHeaderConfirmations {
		lastN := headerValues[len(headerValues)-m.cfg.MinHeaderConfirmations:]
		if m.checkConsistency(lastN) {
			return m.clampLimit(int(median(lastN) * m.cfg.HeaderLimitSafetyMargin)), 0.8
		}
	}

	// 其次评估纯本地观察
	var localValues []int
	for _, o := range observations {
		if o.CurrentRPM > 0 {
			localValues = append(localValues, o.CurrentRPM)
		}
	}
	if len(localValues) >= m.cfg.MinConsistentObservations {
		lastN := localValues[len(localValues)-m.cfg.MinConsistentObservations:]
		if m.checkConsistency(lastN) {
			return m.clampLimit(int(median(lastN) * m.cfg.ObservationLimitSafetyMargin)), 0.6
		}
	}

	return 0, 0
}

// checkConsistency 检查一组数值是否在偏差阈值内
func (m *AdaptiveRPMManager) checkConsistency(values []int) bool {
	if len(values) == 0 {
		return false
	}
	med := median(values)
	if med <= 0 {
		return false
	}
	for _, v := range values {
		if math.Abs(float64(v)-med)/med > m.cfg.ObservationConsistencyThreshold {
			return false
		}
	}
	return true
}

func (m *AdaptiveRPMManager) clampLimit(limit int) int {
	return min(max(limit, m.cfg.MinLimit), m.cfg.MaxLimit)
}

// =============================================================================
// 🎯 置信度
// =============================================================================

// GetConfidence 计算当前置信度（含时间衰减）。
// 长时间没有新的 429 观察时置信度自然降至 0，限制永远不会固化。
func (m *AdaptiveRPMManager) GetConfidence(key *store.ProviderAPIKey) float64 {
	state := key.AdaptiveState
	if state == nil || state.LearnedLimit <= 0 {
		return 0
	}

	base := m.baseConfidence(state)
	if base <= 0 {
		return 0
	}

	var decay float64
	if state.Last429At != nil {
		minutes := math.Max(0, m.now().Sub(*state.Last429At).Minutes())
		decay = minutes * m.cfg.ConfidenceDecayPerMinute
	} else {
		decay = 1 // 没有 429 记录，直接衰减到 0
	}

	return math.Min(math.Max(0, base-decay), 1)
}

// IsEnforcementActive 置信度是否达到执行阈值
func (m *AdaptiveRPMManager) IsEnforcementActive(key *store.ProviderAPIKey) bool {
	return m.GetConfidence(key) >= m.cfg.EnforcementConfidenceThreshold
}

// GetEffectiveLimit 获取密钥当前有效的 RPM 限制（统一入口）。
//   - 固定模式：直接返回配置值
//   - 自适应模式：learned_limit 且置信度达标才返回
//   - 其余返回 (0, false)，即不限制
func (m *AdaptiveRPMManager) GetEffectiveLimit(key *store.ProviderAPIKey) (int, bool) {
	if !isAdaptive(key) {
		return key.RPMLimit, true
	}
	if key.AdaptiveState != nil && key.AdaptiveState.LearnedLimit > 0 && m.IsEnforcementActive(key) {
		return key.AdaptiveState.LearnedLimit, true
	}
	return 0, false
}

// baseConfidence 从最近的 adjustment 记录中取基础置信度
func (m *AdaptiveRPMManager) baseConfidence(state *store.AdaptiveStateJSON) float64 {
	for i := len(state.AdjustmentHistory) - 1; i >= 0; i-- {
		e := state.AdjustmentHistory[i]
		if e.Kind != entryKindObservation && e.Confidence > 0 {
			return e.Confidence
		}
	}

	// 无 confidence 记录（旧数据）：从观察中重新评估
	if _, confidence := m.evaluateObservations(state); confidence > 0 {
		return confidence
	}

	// 有学习值但无法从观察确认，给低基线
	if state.LearnedLimit > 0 {
		return 0.3
	}
	return 0
}

// =============================================================================
// 🎯 成功处理与扩容
// =============================================================================

// HandleSuccess 处理成功请求，基于滑动窗口利用率考虑扩容。
// 返回调整后的限制；无调整返回 0。
func (m *AdaptiveRPMManager) HandleSuccess(ctx context.Context, key *store.ProviderAPIKey, currentRPM int) int {
	if !isAdaptive(key) {
		return 0
	}
	state := adaptiveState(key)

	// 未碰壁学习前不主动设限
	if state.LearnedLimit <= 0 {
		return 0
	}

	// 置信度太低时系统已在自由运行模式，不做扩容
	confidence := m.GetConfidence(key)
	if confidence < m.cfg.EnforcementConfidenceThreshold {
		return 0
	}

	currentLimit := state.LearnedLimit
	knownBoundary := state.LastRPMPeak

	utilization := 0.0
	if currentLimit > 0 {
		utilization = float64(currentRPM) / float64(currentLimit)
	}

	now := m.now()
	samples := m.updateUtilizationWindow(state, now, utilization)

	reason := m.checkIncreaseConditions(state, samples, now, knownBoundary)
	if reason == "" || currentLimit >= m.cfg.MaxLimit {
		if len(samples)%5 == 0 {
			m.persist(ctx, key)
		}
		return 0
	}

	isProbe := reason == "probe_increase"
	newLimit := m.increaseLimit(currentLimit, knownBoundary, isProbe)
	if newLimit <= currentLimit {
		return 0
	}

	avgUtil, highRatio := windowStats(samples, m.cfg.UtilizationThreshold)
	m.logger.Info("rpm limit increased",
		zap.String("key_id", key.ID),
		zap.String("reason", reason),
		zap.Int("samples", len(samples)),
		zap.Float64("avg_utilization", avgUtil),
		zap.Float64("high_util_ratio", highRatio),
		zap.Int("known_boundary", knownBoundary),
		zap.Int("old_limit", currentLimit),
		zap.Int("new_limit", newLimit))

	m.recordAdjustment(state, store.AdjustmentEntry{
		OldLimit:   currentLimit,
		NewLimit:   newLimit,
		Reason:     reason,
		CurrentRPM: currentRPM,
		Confidence: confidence,
	})
	state.LearnedLimit = newLimit
	m.recordAdjustmentMetric("up", reason)
	if isProbe {
		state.LastProbeAt = &now
	}
	// 扩容后重新收集采样
	state.UtilizationWindow = nil

	m.persist(ctx, key)
	return newLimit
}

func (m *AdaptiveRPMManager) updateUtilizationWindow(state *store.AdaptiveStateJSON, now time.Time, utilization float64) []store.UtilizationSample {
	samples := append(state.UtilizationWindow, store.UtilizationSample{
		Utilization: utilization,
		At:          now,
	})

	cutoff := now.Add(-m.cfg.UtilizationWindowSeconds)
	kept := samples[:0]
	for _, s := range samples {
		if s.At.After(cutoff) {
			kept = append(kept, s)
		}
	}
	if len(kept) > m.cfg.UtilizationWindowSize {
		kept = kept[len(kept)-m.cfg.UtilizationWindowSize:]
	}

	state.UtilizationWindow = kept
	return kept
}

// checkIncreaseConditions 扩容条件（满足任一）：
//  1. 利用率扩容：窗口内高利用率比例达标，且当前限制低于已知边界
//  2. 探测性扩容：距上次 429 与上次探测足够久，可以尝试突破边界
func (m *AdaptiveRPMManager) checkIncreaseConditions(state *store.AdaptiveStateJSON, samples []store.UtilizationSample, now time.Time, knownBoundary int) string {
	if m.isInCooldown(state, now) {
		return ""
	}

	currentLimit := state.LearnedLimit
	if currentLimit <= 0 {
		currentLimit = m.cfg.InitialLimit
	}

	if len(samples) >= m.cfg.MinSamplesForDecision {
		_, highRatio := windowStats(samples, m.cfg.UtilizationThreshold)
		if highRatio >= m.cfg.HighUtilizationRatio {
			if knownBoundary <= 0 || currentLimit < knownBoundary {
				return "high_utilization"
			}
		}
	}

	if m.shouldProbeIncrease(state, samples, now) {
		return "probe_increase"
	}

	return ""
}

func (m *AdaptiveRPMManager) shouldProbeIncrease(state *store.AdaptiveStateJSON, samples []store.UtilizationSample, now time.Time) bool {
	if state.Last429At != nil && now.Sub(*state.Last429At) < m.cfg.ProbeIncreaseInterval {
		return false
	}
	if state.LastProbeAt != nil && now.Sub(*state.LastProbeAt) < m.cfg.ProbeIncreaseInterval {
		return false
	}
	if len(samples) < m.cfg.ProbeIncreaseMinSamples {
		return false
	}
	avgUtil, _ := windowStats(samples, m.cfg.UtilizationThreshold)
	return avgUtil >= 0.3
}

func (m *AdaptiveRPMManager) isInCooldown(state *store.AdaptiveStateJSON, now time.Time) bool {
	return state.Last429At != nil && now.Sub(*state.Last429At) < m.cfg.CooldownAfter429
}

// increaseLimit 带边界保护的加性扩容；探测步长固定 +1
func (m *AdaptiveRPMManager) increaseLimit(currentLimit, knownBoundary int, isProbe bool) int {
	var newLimit int
	if isProbe {
		newLimit = currentLimit + 1
	} else {
		newLimit = currentLimit + m.cfg.IncreaseStep
		if knownBoundary > 0 && newLimit > knownBoundary {
			newLimit = knownBoundary
		}
	}
	newLimit = min(newLimit, m.cfg.MaxLimit)
	if newLimit <= currentLimit {
		return currentLimit
	}
	return newLimit
}

// =============================================================================
// 🎯 历史截断
// =============================================================================

// trimHistory 截断历史记录，优先保留观察（学习数据源）：
// 超限时先淘汰最旧的 adjustment，仍超限再淘汰最旧的观察。
func (m *AdaptiveRPMManager) trimHistory(history []store.AdjustmentEntry) []store.AdjustmentEntry {
	if len(history) <= m.cfg.MaxHistoryRecords {
		return history
	}

	var observations, adjustments []store.AdjustmentEntry
	for _, e := range history {
		if e.Kind == entryKindObservation {
			observations = append(observations, e)
		} else {
			adjustments = append(adjustments, e)
		}
	}

	overflow := len(history) - m.cfg.MaxHistoryRecords
	trimAdj := min(overflow, len(adjustments))
	adjustments = adjustments[trimAdj:]
	overflow -= trimAdj
	if overflow > 0 {
		observations = observations[overflow:]
	}

	merged := append(observations, adjustments...)
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].At.Before(merged[j].At)
	})
	return merged
}

// =============================================================================
// 🎯 统计与管理
// =============================================================================

// AdjustmentStats 密钥当前的自适应状态快照
type AdjustmentStats struct {
	AdaptiveMode      bool    `json:"adaptive_mode"`
	RPMLimit          int     `json:"rpm_limit"`
	EffectiveLimit    int     `json:"effective_limit"`
	LearnedLimit      int     `json:"learned_limit"`
	KnownBoundary     int     `json:"known_boundary"`
	RPM429Count       int     `json:"rpm_429_count"`
	Concurrent429s    int     `json:"concurrent_429_count"`
	Last429Type       string  `json:"last_429_type,omitempty"`
	AdjustmentCount   int     `json:"adjustment_count"`
	ObservationCount  int     `json:"observation_count"`
	HeaderObsCount    int     `json:"header_observation_count"`
	WindowSamples     int     `json:"window_sample_count"`
	WindowAvgUtil     float64 `json:"window_avg_utilization"`
	WindowHighRatio   float64 `json:"window_high_util_ratio"`
	Confidence        float64 `json:"learning_confidence"`
	EnforcementActive bool    `json:"enforcement_active"`
}

// Stats 返回密钥的自适应状态快照
func (m *AdaptiveRPMManager) Stats(key *store.ProviderAPIKey) AdjustmentStats {
	state := adaptiveState(key)
	effective, _ := m.GetEffectiveLimit(key)

	stats := AdjustmentStats{
		AdaptiveMode:   isAdaptive(key),
		RPMLimit:       key.RPMLimit,
		EffectiveLimit: effective,
		LearnedLimit:   state.LearnedLimit,
		KnownBoundary:  state.LastRPMPeak,
		RPM429Count:    state.RPM429Count,
		Concurrent429s: state.Concurrent429Count,
		Last429Type:    state.Last429Type,
		WindowSamples:  len(state.UtilizationWindow),
	}

	for _, e := range state.AdjustmentHistory {
		if e.Kind == entryKindObservation {
			stats.ObservationCount++
			if e.UpstreamLimit > 0 {
				stats.HeaderObsCount++
			}
		} else {
			stats.AdjustmentCount++
		}
	}

	if len(state.UtilizationWindow) > 0 {
		stats.WindowAvgUtil, stats.WindowHighRatio = windowStats(state.UtilizationWindow, m.cfg.UtilizationThreshold)
	}

	if isAdaptive(key) {
		stats.Confidence = m.GetConfidence(key)
		stats.EnforcementActive = stats.Confidence >= m.cfg.EnforcementConfidenceThreshold
	}
	return stats
}

// ResetLearning 重置学习状态（管理端操作）
func (m *AdaptiveRPMManager) ResetLearning(ctx context.Context, key *store.ProviderAPIKey) {
	m.logger.Info("resetting adaptive learning state", zap.String("key_id", key.ID))
	key.AdaptiveState = &store.AdaptiveStateJSON{}
	m.persist(ctx, key)
}

func (m *AdaptiveRPMManager) persist(ctx context.Context, key *store.ProviderAPIKey) {
	if m.db == nil || key.ID == "" {
		return
	}
	err := m.db.WithContext(ctx).
		Model(&store.ProviderAPIKey{}).
		Where("id = ?", key.ID).
		Update("adaptive_state", key.AdaptiveState).Error
	if err != nil {
		m.logger.Error("failed to persist adaptive state",
			zap.String("key_id", key.ID), zap.Error(err))
	}
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

func median(values []int) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]int(nil), values...)
	sort.Ints(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return float64(sorted[n/2])
	}
	return float64(sorted[n/2-1]+sorted[n/2]) / 2
}

func windowStats(samples []store.UtilizationSample, threshold float64) (avg, highRatio float64) {
	if len(samples) == 0 {
		return 0, 0
	}
	var sum float64
	var high int
	for _, s := range samples {
		sum += s.Utilization
		if s.Utilization >= threshold {
			high++
		}
	}
	return sum / float64(len(samples)), float64(high) / float64(len(samples))
}
