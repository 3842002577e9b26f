package main

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/aethergate/apiformat"
	"github.com/BaSui01/aethergate/candidate"
	"github.com/BaSui01/aethergate/config"
	"github.com/BaSui01/aethergate/failover"
	"github.com/BaSui01/aethergate/health"
	"github.com/BaSui01/aethergate/internal/cache"
	"github.com/BaSui01/aethergate/internal/database"
	"github.com/BaSui01/aethergate/internal/metrics"
	"github.com/BaSui01/aethergate/internal/server"
	"github.com/BaSui01/aethergate/model"
	"github.com/BaSui01/aethergate/provider"
	"github.com/BaSui01/aethergate/ratelimit"
	"github.com/BaSui01/aethergate/request"
	"github.com/BaSui01/aethergate/scheduling"
	"github.com/BaSui01/aethergate/store"
	"github.com/BaSui01/aethergate/task"
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 是 AetherGate 的主服务器
type Server struct {
	cfg        *config.Config
	configPath string
	logger     *zap.Logger
	db         *gorm.DB

	// 基础设施
	poolManager    *database.PoolManager
	cacheManager   *cache.Manager
	httpManager    *server.Manager
	metricsManager *server.Manager

	// 指标收集器
	metricsCollector *metrics.Collector

	// 调度核心
	schedConfig   *scheduling.Config
	providers     *provider.Registry
	converters    *apiformat.Registry
	healthMonitor *health.Monitor
	adaptive      *ratelimit.AdaptiveRPMManager
	guard         *ratelimit.RPMGuard
	candidates    *candidate.Service
	executor      *request.Executor
	engine        *failover.Engine
	orchestrator  *task.Orchestrator

	// 热更新管理器
	hotReloadManager *config.HotReloadManager
	configAPIHandler *config.ConfigAPIHandler

	wg sync.WaitGroup
}

// NewServer 创建新的服务器实例
func NewServer(cfg *config.Config, configPath string, logger *zap.Logger, db *gorm.DB) *Server {
	return &Server{
		cfg:        cfg,
		configPath: configPath,
		logger:     logger,
		db:         db,
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 启动所有服务
func (s *Server) Start() error {
	// 1. 初始化指标收集器
	s.metricsCollector = metrics.NewCollector("aethergate", s.logger)

	// 2. 初始化 Redis 与数据库连接池
	if err := s.initInfra(); err != nil {
		return fmt.Errorf("failed to init infrastructure: %w", err)
	}

	// 3. 初始化调度核心
	s.initDispatch()

	// 4. 初始化热更新管理器
	if err := s.initHotReloadManager(); err != nil {
		return fmt.Errorf("failed to init hot reload manager: %w", err)
	}

	// 5. 启动 HTTP 服务器
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	// 6. 启动 Metrics 服务器
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.logger.Info("All servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.Bool("hot_reload_enabled", s.configPath != ""),
	)

	return nil
}

// =============================================================================
// 🔧 初始化方法
// =============================================================================

// initInfra 初始化 Redis 与数据库连接池。
// 两者都是调度核心的硬依赖：亲和绑定与 RPM 守卫在 Redis，
// 候选解析与审计记录在数据库。
func (s *Server) initInfra() error {
	cacheManager, err := cache.NewManager(cache.Config{
		Addr:         s.cfg.Redis.Addr,
		Password:     s.cfg.Redis.Password,
		DB:           s.cfg.Redis.DB,
		PoolSize:     s.cfg.Redis.PoolSize,
		MinIdleConns: s.cfg.Redis.MinIdleConns,
	}, s.logger)
	if err != nil {
		return fmt.Errorf("redis not available: %w", err)
	}
	s.cacheManager = cacheManager

	poolManager, err := database.NewPoolManager(s.db, database.PoolConfig{
		MaxIdleConns:    s.cfg.Database.MaxIdleConns,
		MaxOpenConns:    s.cfg.Database.MaxOpenConns,
		ConnMaxLifetime: s.cfg.Database.ConnMaxLifetime,
	}, s.logger)
	if err != nil {
		return fmt.Errorf("database pool setup failed: %w", err)
	}
	s.poolManager = poolManager

	return nil
}

// initDispatch 组装调度核心：格式注册表、限速、调度器、
// 候选解析、故障转移引擎与任务编排器。
func (s *Server) initDispatch() {
	// 格式转换与提供商插件
	s.converters = apiformat.NewRegistry(s.logger)
	s.providers = provider.NewRegistry(s.logger)
	provider.RegisterAll(s.providers)

	// 自适应限速链路
	s.adaptive = ratelimit.NewAdaptiveRPMManager(s.db, s.cfg.RPM, s.logger)
	s.adaptive.SetMetrics(s.metricsCollector)
	reservation := ratelimit.NewReservationManager(s.adaptive, s.cfg.Reservation, s.logger)
	s.guard = ratelimit.NewRPMGuard(s.cacheManager, s.adaptive, reservation, s.logger)
	s.guard.SetMetrics(s.metricsCollector)

	// 调度器
	s.schedConfig = scheduling.NewConfig(
		s.cfg.Scheduling.PriorityMode,
		s.cfg.Scheduling.SchedulingMode,
		s.cfg.Scheduling.KeepPriorityOnConversion,
		s.logger,
	)
	builder := scheduling.NewBuilder(s.converters, s.logger)
	sorter := scheduling.NewSorter(s.schedConfig, s.logger)
	affinity := scheduling.NewAffinityManager(s.cacheManager,
		scheduling.AffinityConfig{TTL: s.cfg.Scheduling.AffinityTTL}, s.logger)
	affinity.SetMetrics(s.metricsCollector)
	scheduler := scheduling.NewCacheAwareScheduler(
		s.schedConfig, builder, sorter, affinity, s.guard, s.logger)

	// 候选解析与审计
	availability := model.NewAvailabilityQuery(s.db, s.logger)
	records := store.NewRequestCandidateService(s.db, s.logger)
	recorder := candidate.NewRecorder(records, s.logger)
	s.candidates = candidate.NewService(availability, scheduler, recorder, s.logger)

	// 故障转移与执行
	s.healthMonitor = health.NewMonitor(health.DefaultConfig(), s.logger)
	classifier := failover.NewClassifier(s.logger)
	s.engine = failover.NewEngine(records, classifier, s.logger)
	s.engine.SetMetrics(s.metricsCollector)
	s.executor = request.NewExecutor(records, s.guard, s.adaptive, s.healthMonitor, s.logger)
	s.orchestrator = task.NewOrchestrator(s.candidates, s.engine, s.executor, s.logger)

	s.logger.Info("Dispatch core initialized",
		zap.String("priority_mode", s.schedConfig.PriorityMode()),
		zap.String("scheduling_mode", s.schedConfig.SchedulingMode()),
		zap.String("retry_mode", s.cfg.Failover.RetryMode),
	)
}

// initHotReloadManager 初始化热更新管理器
func (s *Server) initHotReloadManager() error {
	opts := []config.HotReloadOption{
		config.WithHotReloadLogger(s.logger),
	}

	if s.configPath != "" {
		opts = append(opts, config.WithConfigPath(s.configPath))
	}

	s.hotReloadManager = config.NewHotReloadManager(s.cfg, opts...)

	// 注册配置变更回调
	s.hotReloadManager.OnChange(func(change config.ConfigChange) {
		s.logger.Info("Configuration changed",
			zap.String("path", change.Path),
			zap.String("source", change.Source),
			zap.Bool("requires_restart", change.RequiresRestart),
		)
	})

	// 配置重载后把调度相关字段同步进运行中的调度器
	s.hotReloadManager.OnReload(func(oldConfig, newConfig *config.Config) {
		s.logger.Info("Configuration reloaded")
		s.cfg = newConfig
		s.applySchedulingConfig(newConfig)
	})

	// 启动热更新管理器
	ctx := context.Background()
	if err := s.hotReloadManager.Start(ctx); err != nil {
		return fmt.Errorf("failed to start hot reload manager: %w", err)
	}

	// 创建配置 API 处理器
	s.configAPIHandler = config.NewConfigAPIHandler(s.hotReloadManager)

	return nil
}

// applySchedulingConfig 把热更新后的调度字段应用到调度配置
func (s *Server) applySchedulingConfig(cfg *config.Config) {
	if s.schedConfig == nil {
		return
	}
	s.schedConfig.SetPriorityMode(cfg.Scheduling.PriorityMode)
	s.schedConfig.SetSchedulingMode(cfg.Scheduling.SchedulingMode)
	s.schedConfig.SetKeepPriorityOnConversion(cfg.Scheduling.KeepPriorityOnConversion)
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

// startHTTPServer 启动 HTTP 服务器
func (s *Server) startHTTPServer() error {
	mux := http.NewServeMux()

	// ========================================
	// 健康检查端点
	// ========================================
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.HandleFunc("/version", s.handleVersion)

	// ========================================
	// 配置管理 API（独立认证保护）
	// ========================================
	if s.configAPIHandler != nil {
		configAuth := config.NewConfigAPIMiddleware(s.configAPIHandler, "")
		mux.HandleFunc("/api/v1/config", configAuth.RequireAuth(s.configAPIHandler.HandleConfig))
		mux.HandleFunc("/api/v1/config/reload", configAuth.RequireAuth(s.configAPIHandler.HandleReload))
		mux.HandleFunc("/api/v1/config/fields", configAuth.RequireAuth(s.configAPIHandler.HandleFields))
		mux.HandleFunc("/api/v1/config/changes", configAuth.RequireAuth(s.configAPIHandler.HandleChanges))
		s.logger.Info("Configuration API registered")
	}

	// ========================================
	// 构建中间件链
	// ========================================
	handler := Chain(mux,
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(s.logger),
		MetricsMiddleware(s.metricsCollector),
	)

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout, // 2x ReadTimeout
		MaxHeaderBytes:  1 << 20,                      // 1 MB
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.httpManager = server.NewManager(handler, serverConfig, s.logger)

	// 启动服务器（非阻塞）
	if err := s.httpManager.Start(); err != nil {
		return err
	}

	s.logger.Info("HTTP server started", zap.Int("port", s.cfg.Server.HTTPPort))
	return nil
}

// =============================================================================
// 📊 Metrics 服务器
// =============================================================================

// startMetricsServer 启动 Metrics 服务器
func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.metricsManager = server.NewManager(mux, serverConfig, s.logger)

	// 启动服务器（非阻塞）
	if err := s.metricsManager.Start(); err != nil {
		return err
	}

	s.logger.Info("Metrics server started", zap.Int("port", s.cfg.Server.MetricsPort))
	return nil
}

// =============================================================================
// 🏥 健康检查处理器
// =============================================================================

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, `{"status":"ok"}`)
}

// handleReadyz 就绪检查：数据库与 Redis 都可达才算就绪
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	w.Header().Set("Content-Type", "application/json")

	if s.poolManager != nil {
		if err := s.poolManager.Ping(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprint(w, `{"status":"not_ready","reason":"database"}`)
			return
		}
	}
	if s.cacheManager != nil {
		if err := s.cacheManager.Ping(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprint(w, `{"status":"not_ready","reason":"redis"}`)
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, `{"status":"ready"}`)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"version":%q,"build_time":%q,"git_commit":%q}`, Version, BuildTime, GitCommit)
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// WaitForShutdown 等待关闭信号并优雅关闭
func (s *Server) WaitForShutdown() {
	// 使用 httpManager 的 WaitForShutdown（它会监听信号）
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}

	// 执行清理
	s.Shutdown()
}

// Shutdown 优雅关闭所有服务
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown...")

	ctx := context.Background()

	// 1. 停止热更新管理器
	if s.hotReloadManager != nil {
		if err := s.hotReloadManager.Stop(); err != nil {
			s.logger.Error("Hot reload manager shutdown error", zap.Error(err))
		}
	}

	// 2. 关闭 HTTP 服务器
	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}

	// 3. 关闭 Metrics 服务器
	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("Metrics server shutdown error", zap.Error(err))
		}
	}

	// 4. 关闭 Redis 与数据库连接池
	if s.cacheManager != nil {
		if err := s.cacheManager.Close(); err != nil {
			s.logger.Error("Redis shutdown error", zap.Error(err))
		}
	}
	if s.poolManager != nil {
		if err := s.poolManager.Close(); err != nil {
			s.logger.Error("Database pool shutdown error", zap.Error(err))
		}
	}

	// 5. 等待所有 goroutine 完成
	s.wg.Wait()

	s.logger.Info("Graceful shutdown completed")
}
