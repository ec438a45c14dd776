package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/autoagent/api/handlers"
	"github.com/BaSui01/autoagent/config"
	"github.com/BaSui01/autoagent/content"
	"github.com/BaSui01/autoagent/coordinator"
	"github.com/BaSui01/autoagent/internal/cache"
	"github.com/BaSui01/autoagent/internal/database"
	"github.com/BaSui01/autoagent/internal/metrics"
	"github.com/BaSui01/autoagent/internal/server"
	"github.com/BaSui01/autoagent/internal/telemetry"
	"github.com/BaSui01/autoagent/knowledge"
	"github.com/BaSui01/autoagent/llm/idempotency"
	"github.com/BaSui01/autoagent/llm/providers/openaicompat"
	"github.com/BaSui01/autoagent/llm/ratelimit"
	"github.com/BaSui01/autoagent/llm/tokenizer"
	"github.com/BaSui01/autoagent/scheduler"
	"github.com/BaSui01/autoagent/workflow"
)

const idempotencyPrefix = "autoagent:idempotency:"

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 组装编排核心并托管 API 与 Metrics 两个 HTTP 服务
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	telemetry *telemetry.Providers
	registry  *prometheus.Registry
	collector *metrics.Collector

	coord  *coordinator.Coordinator
	health *handlers.HealthHandler

	httpManager    *server.Manager
	metricsManager *server.Manager

	// closers 在协调器关闭后逆序执行
	closers []func() error
}

// NewServer 按配置构建全部组件；任何一步失败都会释放已创建的资源
func NewServer(ctx context.Context, cfg *config.Config, logger *zap.Logger) (s *Server, err error) {
	s = &Server{
		cfg:      cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
		health:   handlers.NewHealthHandler(logger),
	}
	defer func() {
		if err != nil {
			s.runClosers()
		}
	}()

	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.collector = metrics.NewCollector("autoagent", s.registry, logger)

	s.telemetry, err = telemetry.Init(ctx, cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("telemetry unavailable, continuing without tracing", zap.Error(err))
		s.telemetry = nil
		err = nil
	} else {
		tp := s.telemetry
		s.closers = append(s.closers, func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return tp.Shutdown(ctx)
		})
	}

	if err = s.buildCore(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// buildCore 依次创建限流器、模型后端、知识存储、幂等管理器、执行器、调度器与协调器
func (s *Server) buildCore(ctx context.Context) error {
	cfg := s.cfg

	limiter, err := ratelimit.New(ratelimit.Config{
		MaxRequestsPerMinute: cfg.RateLimiting.MaxRequestsPerMinute,
		MaxTokensPerRequest:  cfg.RateLimiting.MaxTokensPerRequest,
		MaxTokensPerMinute:   cfg.RateLimiting.MaxTokensPerMinute,
		Cooldown:             cfg.RateLimiting.Cooldown(),
		Window:               ratelimit.DefaultWindow,
	}, s.logger, ratelimit.WithObserver(s.collector))
	if err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	store, redisClient, err := s.openStore(ctx)
	if err != nil {
		limiter.Close()
		return err
	}

	var idem idempotency.Manager
	if redisClient != nil {
		idem = idempotency.NewRedisManager(redisClient, idempotencyPrefix, s.logger)
	} else {
		mem := idempotency.NewMemoryManagerWithCleanup(s.logger, time.Minute)
		s.closers = append(s.closers, func() error { mem.Close(); return nil })
		idem = mem
	}

	execOpts := []workflow.Option{
		workflow.WithLimiter(limiter),
		workflow.WithStore(store),
		workflow.WithExtractor(content.NewRegistry(content.Config{
			MaxFileSizeBytes: cfg.ContentProcessing.MaxFileSizeBytes(),
			SupportedFormats: cfg.ContentProcessing.SupportedFormats,
		}, s.logger)),
		workflow.WithTokenizer(tokenizer.ForModel(cfg.LLM.Model)),
		workflow.WithObserver(s.collector),
	}
	if s.telemetry != nil && s.telemetry.Enabled() {
		execOpts = append(execOpts, workflow.WithTracer(s.telemetry.Tracer("autoagent/workflow")))
	}
	if cfg.LLM.APIKey != "" {
		execOpts = append(execOpts, workflow.WithProvider(openaicompat.New(openaicompat.Config{
			ProviderName:     cfg.LLM.Provider,
			APIKey:           cfg.LLM.APIKey,
			BaseURL:          cfg.LLM.BaseURL,
			DefaultModel:     cfg.LLM.Model,
			DefaultMaxTokens: cfg.LLM.MaxTokens,
			Timeout:          cfg.LLM.Timeout,
		}, s.logger)))
	} else {
		s.logger.Warn("LLM API key not configured, model_call steps will fail validation")
	}

	execCfg := workflow.DefaultConfig()
	execCfg.WorkflowTimeout = cfg.Workflows.Timeout()
	execCfg.StepTimeout = cfg.Workflows.StepTimeout()
	execCfg.RetryAttempts = cfg.Workflows.RetryAttempts
	execCfg.RetryBaseDelay = cfg.Workflows.RetryBaseDelay
	execCfg.RetryMaxDelay = cfg.Workflows.RetryMaxDelay
	execCfg.BlockingRateLimit = cfg.RateLimiting.Blocking
	execCfg.Model = cfg.LLM.Model
	execCfg.MaxTokens = cfg.LLM.MaxTokens
	execCfg.Temperature = float32(cfg.LLM.Temperature)
	exec := workflow.NewExecutor(execCfg, s.logger, execOpts...)

	schedCfg := scheduler.DefaultConfig()
	schedCfg.MaxConcurrent = cfg.Workflows.MaxConcurrentWorkflows
	schedCfg.QueueCapacity = cfg.Workflows.QueueCapacity
	schedCfg.Retention = cfg.Workflows.Retention
	sched := scheduler.New(schedCfg, exec, s.logger, scheduler.WithObserver(s.collector))

	s.coord = coordinator.New(coordinator.Config{
		RecordWorkflows: cfg.Workflows.RecordWorkflows,
		IdempotencyTTL:  cfg.Workflows.Retention,
	}, sched, s.logger,
		coordinator.WithStore(store),
		coordinator.WithLimiter(limiter),
		coordinator.WithIdempotency(idem),
	)
	s.health.RegisterCheck(handlers.NewSchedulerCheck(func() scheduler.Stats {
		return s.coord.RateStatus().Scheduler
	}, 0))
	return nil
}

// openStore 按 knowledge.backend 打开存储；Redis 后端同时返回客户端供幂等管理器复用
func (s *Server) openStore(ctx context.Context) (knowledge.Store, redis.UniversalClient, error) {
	cfg := s.cfg
	switch cfg.Knowledge.Backend {
	case "", "memory":
		return knowledge.NewMemoryStore(s.logger), nil, nil

	case "database":
		pm, err := database.Open(cfg.Database, s.logger, database.WithStatsRecorder(s.collector))
		if err != nil {
			return nil, nil, fmt.Errorf("knowledge database: %w", err)
		}
		s.closers = append(s.closers, pm.Close)
		s.health.RegisterCheck(handlers.NewPingCheck("database", pm.Ping))
		return knowledge.NewGormStore(pm.DB(), s.logger), nil, nil

	case "redis":
		mgr, err := cache.NewManager(cfg.Redis, cache.DefaultOptions(), s.logger)
		if err != nil {
			return nil, nil, fmt.Errorf("knowledge redis: %w", err)
		}
		s.closers = append(s.closers, mgr.Close)
		s.health.RegisterCheck(handlers.NewPingCheck("redis", mgr.Ping))
		return knowledge.NewRedisStore(mgr.Client(), cfg.Knowledge.RedisPrefix, s.logger), mgr.Client(), nil

	case "mongodb":
		store, err := knowledge.ConnectMongo(ctx, cfg.Knowledge.MongoURI, cfg.Knowledge.MongoDatabase, s.logger)
		if err != nil {
			return nil, nil, fmt.Errorf("knowledge mongodb: %w", err)
		}
		s.health.RegisterCheck(handlers.NewPingCheck("mongodb", store.Ping))
		return store, nil, nil

	default:
		return nil, nil, fmt.Errorf("unsupported knowledge backend: %s", cfg.Knowledge.Backend)
	}
}

// =============================================================================
// 🚀 运行与关闭
// =============================================================================

// Run 启动两个 HTTP 服务并阻塞到 ctx 结束或任一服务出错，然后优雅关闭
func (s *Server) Run(ctx context.Context) error {
	s.httpManager = server.NewManager(s.apiHandler(ctx), server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
		TLSCertFile:     s.cfg.Server.TLSCertFile,
		TLSKeyFile:      s.cfg.Server.TLSKeyFile,
	}, s.logger)

	managers := []*server.Manager{s.httpManager}
	if s.cfg.Server.MetricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry}))
		s.metricsManager = server.NewManager(mux, server.Config{
			Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
			ReadTimeout:     s.cfg.Server.ReadTimeout,
			WriteTimeout:    s.cfg.Server.WriteTimeout,
			ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
		}, s.logger)
		managers = append(managers, s.metricsManager)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, m := range managers {
		if err := m.Start(); err != nil {
			s.shutdown()
			return fmt.Errorf("start server: %w", err)
		}
		g.Go(func() error {
			select {
			case err := <-m.Errors():
				return err
			case <-gctx.Done():
				return nil
			}
		})
	}
	s.logger.Info("All servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
	)

	err := g.Wait()
	s.shutdown()
	return err
}

// apiHandler 注册路由并套上中间件链
func (s *Server) apiHandler(ctx context.Context) http.Handler {
	mux := http.NewServeMux()
	handlers.Register(mux,
		handlers.NewWorkflowHandler(s.coord, s.logger),
		handlers.NewKnowledgeHandler(s.coord, s.logger),
		s.health,
	)
	mux.HandleFunc("GET /version", s.health.HandleVersion(Version, BuildTime, GitCommit))

	return Chain(mux,
		Recovery(s.logger),
		RequestID(),
		OTelTracing(),
		SecurityHeaders(),
		MetricsMiddleware(s.collector),
		RequestLogger(s.logger),
		CORS(s.cfg.Server.CORSAllowedOrigins),
		RateLimiter(ctx, s.cfg.Server.RateLimitRPS, s.cfg.Server.RateLimitBurst, s.logger),
	)
}

// shutdown 先停止接收请求，再关闭编排核心与外部连接
func (s *Server) shutdown() {
	s.logger.Info("Starting graceful shutdown...")
	timeout := s.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	for _, m := range []*server.Manager{s.httpManager, s.metricsManager} {
		if m == nil {
			continue
		}
		if err := m.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}
	if s.coord != nil {
		if err := s.coord.Shutdown(ctx); err != nil {
			s.logger.Error("coordinator shutdown error", zap.Error(err))
		}
	}
	s.runClosers()
	s.logger.Info("Graceful shutdown completed")
}

func (s *Server) runClosers() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			s.logger.Warn("resource close failed", zap.Error(err))
		}
	}
	s.closers = nil
}

// signalContext 在 SIGINT/SIGTERM 时取消
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// checkHealth 请求 /health 并要求 200
func checkHealth(ctx context.Context, client *http.Client, addr string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, addr+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return errors.New("unexpected status " + resp.Status)
	}
	return nil
}
