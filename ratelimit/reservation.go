package ratelimit

import (
	"math"

	"go.uber.org/zap"

	"github.com/BaSui01/aethergate/store"
)

// ReservationPhase 预留机制所处阶段
type ReservationPhase string

const (
	// PhaseLearning 学习期：置信度不足，不做缓存预留
	PhaseLearning ReservationPhase = "learning"
	// PhaseActive 正常期：按负载比例预留
	PhaseActive ReservationPhase = "active"
	// PhaseSaturating 饱和期：高负载，预留抬升至上限
	PhaseSaturating ReservationPhase = "saturating"
)

// Reservation 一次预留计算的结果
type Reservation struct {
	Ratio      float64          `json:"ratio"`
	Phase      ReservationPhase `json:"phase"`
	Confidence float64          `json:"confidence"`
	LoadFactor float64          `json:"load_factor"`
}

// ReservationConfig 预留参数
type ReservationConfig struct {
	// 预留比例上限
	MaxRatio float64 `yaml:"max_ratio" json:"max_ratio"`
	// 负载超过该阈值视为饱和
	SaturationThreshold float64 `yaml:"saturation_threshold" json:"saturation_threshold"`
}

// DefaultReservationConfig 返回默认预留参数
func DefaultReservationConfig() ReservationConfig {
	return ReservationConfig{
		MaxRatio:            0.5,
		SaturationThreshold: 0.7,
	}
}

// ReservationManager 动态缓存预留管理器。
//
// 为缓存用户（粘性调用方）预留一部分 RPM 配额，防止新用户把
// 槽位抢光导致缓存命中的请求反而被限流。预留比例随负载单调
// 非降：低负载时接近 0，高负载时抬升至 MaxRatio；置信度不足
// （本地限制未在执行）时恒为 0。
type ReservationManager struct {
	adaptive *AdaptiveRPMManager
	cfg      ReservationConfig
	logger   *zap.Logger
}

// NewReservationManager 创建预留管理器
func NewReservationManager(adaptive *AdaptiveRPMManager, cfg ReservationConfig, logger *zap.Logger) *ReservationManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReservationManager{
		adaptive: adaptive,
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "reservation")),
	}
}

// Calculate 计算当前时刻的预留比例。
// 保证非预留配额 floor(limit×(1-ratio)) 至少为 1。
func (r *ReservationManager) Calculate(key *store.ProviderAPIKey, currentUsage, effectiveLimit int) Reservation {
	confidence := r.adaptive.GetConfidence(key)
	if !isAdaptive(key) {
		// 固定限制视为完全可信
		confidence = 1
	}

	if effectiveLimit <= 0 || confidence < r.adaptive.cfg.EnforcementConfidenceThreshold {
		return Reservation{Ratio: 0, Phase: PhaseLearning, Confidence: confidence}
	}

	load := float64(currentUsage) / float64(effectiveLimit)
	load = math.Min(math.Max(load, 0), 1)

	// 负载线性映射到 [0, MaxRatio]，再按置信度折减
	ratio := r.cfg.MaxRatio * load * confidence

	// 非预留配额至少留 1 个槽位
	if maxRatio := 1 - 1/float64(effectiveLimit); ratio > maxRatio {
		ratio = math.Max(0, maxRatio)
	}

	phase := PhaseActive
	if load >= r.cfg.SaturationThreshold {
		phase = PhaseSaturating
	}

	return Reservation{
		Ratio:      ratio,
		Phase:      phase,
		Confidence: confidence,
		LoadFactor: load,
	}
}

// NewCallerQuota 新用户可用配额：floor(limit×(1-ratio))，至少 1
func NewCallerQuota(effectiveLimit int, ratio float64) int {
	return max(1, int(math.Floor(float64(effectiveLimit)*(1-ratio))))
}
