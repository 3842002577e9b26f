// =============================================================================
// 📦 AetherGate 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import (
	"time"

	"github.com/BaSui01/aethergate/ratelimit"
)

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:      DefaultServerConfig(),
		Database:    DefaultDatabaseConfig(),
		Redis:       DefaultRedisConfig(),
		Scheduling:  DefaultSchedulingConfig(),
		Failover:    DefaultFailoverConfig(),
		RPM:         ratelimit.DefaultRPMConfig(),
		Reservation: ratelimit.DefaultReservationConfig(),
		Log:         DefaultLogConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
	}
}

// DefaultSchedulingConfig 返回默认调度配置
func DefaultSchedulingConfig() SchedulingConfig {
	return SchedulingConfig{
		PriorityMode:             "provider",
		SchedulingMode:           "cache_affinity",
		KeepPriorityOnConversion: false,
		GlobalConversionEnabled:  false,
		AffinityTTL:              15 * time.Minute,
		MaxCandidates:            0,
	}
}

// DefaultFailoverConfig 返回默认故障转移配置
func DefaultFailoverConfig() FailoverConfig {
	return FailoverConfig{
		RetryMode:          "on_demand",
		MaxRetries:         3,
		BillingRequireRule: false,
		BillingStrictMode:  false,
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "postgres",
		Host:            "localhost",
		Port:            5432,
		User:            "aethergate",
		Password:        "",
		Name:            "aethergate",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}
