package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/ProsusAI/BESH/api/handlers"
	"github.com/ProsusAI/BESH/config"
	"github.com/ProsusAI/BESH/filestore"
	"github.com/ProsusAI/BESH/internal/metrics"
	"github.com/ProsusAI/BESH/internal/pool"
	"github.com/ProsusAI/BESH/internal/server"
	"github.com/ProsusAI/BESH/llm"
	"github.com/ProsusAI/BESH/llm/openaicompat"
	"github.com/ProsusAI/BESH/llm/tokenizer"
	"github.com/ProsusAI/BESH/scheduler"
	"github.com/ProsusAI/BESH/store"
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 组合出完整的批处理服务：存储、调度器、HTTP 接口与指标。
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	db         *gorm.DB
	files      *filestore.Store
	provider   llm.Provider
	workerPool *pool.WorkerPool
	manager    *scheduler.Manager

	// 服务器管理器
	httpManager    *server.Manager
	metricsManager *server.Manager

	// 指标收集器
	metricsCollector *metrics.Collector

	// Rate limiter 生命周期管理
	rateLimiterCancel context.CancelFunc
}

// NewServer 创建新的服务器实例
func NewServer(cfg *config.Config, logger *zap.Logger) *Server {
	return &Server{
		cfg:    cfg,
		logger: logger,
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 启动所有服务
func (s *Server) Start() error {
	// 1. 初始化指标收集器
	s.metricsCollector = metrics.NewCollector("besh", s.logger)

	// 2. 打开数据库并建表
	db, err := store.Open(s.cfg.Database, s.logger)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	s.db = db

	// 3. 文件存储
	files, err := filestore.New(s.cfg.Files.UploadDir, s.logger)
	if err != nil {
		return fmt.Errorf("failed to init file store: %w", err)
	}
	s.files = files

	// 4. 推理后端与调度器
	if err := s.initScheduler(); err != nil {
		return fmt.Errorf("failed to init scheduler: %w", err)
	}

	// 5. 崩溃恢复：把上次遗留的未完成批次重新排队
	batches := store.NewBatchStore(s.db)
	recovery := scheduler.NewRecovery(batches, s.manager, s.logger)
	if recovered, err := recovery.Run(context.Background()); err != nil {
		s.logger.Error("batch recovery failed", zap.Error(err))
	} else if recovered > 0 {
		s.logger.Info("recovered batches from previous run", zap.Int("count", recovered))
	}

	// 6. 启动 HTTP 服务器
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	// 7. 启动 Metrics 服务器
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.logger.Info("All servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.Int("max_workers", s.cfg.Batch.MaxWorkers),
		zap.Int("max_concurrent_batches", s.cfg.Batch.MaxConcurrentBatches),
	)

	return nil
}

// initScheduler 构建推理后端、共享工作池与批次调度器
func (s *Server) initScheduler() error {
	s.provider = openaicompat.New(openaicompat.Config{
		ProviderName: "openai-compatible",
		APIKey:       s.cfg.LLM.APIKey,
		BaseURL:      s.cfg.LLM.BaseURL,
		DefaultModel: s.cfg.LLM.DefaultModel,
		Timeout:      s.cfg.LLM.Timeout,
	}, s.logger)

	s.workerPool = pool.New(pool.Config{
		MaxWorkers: s.cfg.Batch.MaxWorkers,
		QueueSize:  s.cfg.Batch.MaxWorkers * 32,
	})

	batches := store.NewBatchStore(s.db)
	usage := store.NewUsageStore(s.db)
	processor := scheduler.NewProcessor(s.provider, tokenizer.NewCounter(), s.logger)
	executor := scheduler.NewExecutor(batches, usage, s.files, s.workerPool, processor, s.metricsCollector, s.logger)

	s.manager = scheduler.NewManager(batches, executor, s.workerPool, scheduler.Options{
		MaxConcurrentBatches: s.cfg.Batch.MaxConcurrentBatches,
		PollInterval:         s.cfg.Batch.PollInterval,
		MonitorInterval:      s.cfg.Batch.MonitorInterval,
		Metrics:              s.metricsCollector,
		Logger:               s.logger,
	})
	return nil
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

func (s *Server) startHTTPServer() error {
	batches := store.NewBatchStore(s.db)
	usage := store.NewUsageStore(s.db)
	analytics := store.NewAnalyticsStore(s.db)

	mux := http.NewServeMux()
	handlers.NewBatchHandler(batches, usage, s.files, s.manager, s.logger).RegisterRoutes(mux)
	handlers.NewFileHandler(s.files, s.logger).RegisterRoutes(mux)
	handlers.NewAnalyticsHandler(batches, usage, analytics, s.logger).RegisterRoutes(mux)
	handlers.NewHealthHandler(s.db, s.provider, s.logger).RegisterRoutes(mux)

	// 中间件链
	rateLimiterCtx, rateLimiterCancel := context.WithCancel(context.Background())
	s.rateLimiterCancel = rateLimiterCancel
	handler := Chain(mux,
		Recovery(s.logger),
		RequestID(),
		RequestLogger(s.logger),
		MetricsMiddleware(s.metricsCollector),
		RateLimiter(rateLimiterCtx, float64(s.cfg.Server.RateLimitRPS), s.cfg.Server.RateLimitBurst, s.logger),
	)

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20, // 1 MB
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.httpManager = server.NewManager(handler, serverConfig, s.logger)
	if err := s.httpManager.Start(); err != nil {
		return err
	}

	s.logger.Info("HTTP server started", zap.Int("port", s.cfg.Server.HTTPPort))
	return nil
}

// =============================================================================
// 📊 Metrics 服务器
// =============================================================================

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
	if err := s.metricsManager.Start(); err != nil {
		return err
	}

	s.logger.Info("Metrics server started", zap.Int("port", s.cfg.Server.MetricsPort))
	return nil
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// WaitForShutdown 等待关闭信号并优雅关闭
func (s *Server) WaitForShutdown() {
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}
	s.Shutdown()
}

// Shutdown 优雅关闭所有服务。顺序：先停 HTTP 入口（不再接受新批次），
// 再排空调度器与工作池，最后停 metrics 服务器。
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown...")

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	if s.rateLimiterCancel != nil {
		s.rateLimiterCancel()
	}

	// 先关 API 入口，新批次不再进来
	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Warn("HTTP server shutdown error", zap.Error(err))
		}
	}

	// 调度器排空与 metrics 关闭互不依赖，并行进行
	g, gctx := errgroup.WithContext(ctx)
	if s.manager != nil {
		g.Go(func() error {
			if err := s.manager.Shutdown(gctx); err != nil {
				s.logger.Warn("scheduler shutdown error", zap.Error(err))
			}
			return nil
		})
	}
	if s.metricsManager != nil {
		g.Go(func() error {
			if err := s.metricsManager.Shutdown(gctx); err != nil {
				s.logger.Warn("metrics server shutdown error", zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()

	if s.db != nil {
		if sqlDB, err := s.db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}

	s.logger.Info("Shutdown complete")
}
