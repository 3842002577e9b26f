// Package scheduling 实现候选构建、排序与缓存亲和调度。
package scheduling

import (
	"strings"
	"sync"

	"go.uber.org/zap"
)

// 优先级模式
const (
	PriorityModeProvider  = "provider"   // 提供商优先：(-provider_priority, -internal_priority)
	PriorityModeGlobalKey = "global_key" // 全局 Key 优先：(-global_priority_by_format, -internal_priority)
)

// 调度模式
const (
	SchedulingModeFixedOrder    = "fixed_order"    // 严格按优先级，忽略缓存
	SchedulingModeCacheAffinity = "cache_affinity" // 优先缓存，同优先级哈希分散
	SchedulingModeLoadBalance   = "load_balance"   // 忽略缓存，同优先级随机轮换
)

// Config 调度配置：优先级模式与调度模式的归一化和运行时更新。
type Config struct {
	mu             sync.RWMutex
	priorityMode   string
	schedulingMode string

	// 全局转换降级开关：false 时需要转换的候选整体降一档
	keepPriorityOnConversion bool

	logger *zap.Logger
}

// NewConfig 创建调度配置；非法模式回退为默认值
func NewConfig(priorityMode, schedulingMode string, keepPriorityOnConversion bool, logger *zap.Logger) *Config {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Config{
		keepPriorityOnConversion: keepPriorityOnConversion,
		logger:                   logger.With(zap.String("component", "scheduling_config")),
	}
	c.priorityMode = c.normalizePriorityMode(priorityMode)
	c.schedulingMode = c.normalizeSchedulingMode(schedulingMode)
	c.logger.Debug("scheduling config initialized",
		zap.String("priority_mode", c.priorityMode),
		zap.String("scheduling_mode", c.schedulingMode))
	return c
}

func (c *Config) normalizePriorityMode(mode string) string {
	normalized := strings.ToLower(strings.TrimSpace(mode))
	switch normalized {
	case PriorityModeProvider, PriorityModeGlobalKey:
		return normalized
	}
	if normalized != "" {
		c.logger.Warn("invalid priority mode, falling back to provider", zap.String("mode", mode))
	}
	return PriorityModeProvider
}

func (c *Config) normalizeSchedulingMode(mode string) string {
	normalized := strings.ToLower(strings.TrimSpace(mode))
	switch normalized {
	case SchedulingModeFixedOrder, SchedulingModeCacheAffinity, SchedulingModeLoadBalance:
		return normalized
	}
	if normalized != "" {
		c.logger.Warn("invalid scheduling mode, falling back to cache_affinity", zap.String("mode", mode))
	}
	return SchedulingModeCacheAffinity
}

// PriorityMode 当前优先级模式
func (c *Config) PriorityMode() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.priorityMode
}

// SchedulingMode 当前调度模式
func (c *Config) SchedulingMode() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.schedulingMode
}

// KeepPriorityOnConversion 全局转换降级开关
func (c *Config) KeepPriorityOnConversion() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.keepPriorityOnConversion
}

// SetPriorityMode 运行时更新候选排序策略
func (c *Config) SetPriorityMode(mode string) {
	normalized := c.normalizePriorityMode(mode)
	c.mu.Lock()
	defer c.mu.Unlock()
	if normalized == c.priorityMode {
		return
	}
	c.priorityMode = normalized
	c.logger.Debug("priority mode switched", zap.String("mode", normalized))
}

// SetSchedulingMode 运行时更新调度模式
func (c *Config) SetSchedulingMode(mode string) {
	normalized := c.normalizeSchedulingMode(mode)
	c.mu.Lock()
	defer c.mu.Unlock()
	if normalized == c.schedulingMode {
		return
	}
	c.schedulingMode = normalized
	c.logger.Debug("scheduling mode switched", zap.String("mode", normalized))
}

// SetKeepPriorityOnConversion 运行时更新转换降级开关
func (c *Config) SetKeepPriorityOnConversion(keep bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keepPriorityOnConversion = keep
}
