package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/sync/errgroup"

	"github.com/wyfcoding/servicekit/internal/audit"
	auditclickhouse "github.com/wyfcoding/servicekit/internal/audit/clickhouse"
	auditmysql "github.com/wyfcoding/servicekit/internal/audit/mysql"
	"github.com/wyfcoding/servicekit/internal/bus"
	"github.com/wyfcoding/servicekit/internal/eventstore"
	esmysql "github.com/wyfcoding/servicekit/internal/eventstore/mysql"
	"github.com/wyfcoding/servicekit/internal/manager"
	httpapi "github.com/wyfcoding/servicekit/internal/manager/interfaces/http"
	"github.com/wyfcoding/servicekit/internal/saga"
	"github.com/wyfcoding/servicekit/internal/tracing"
	"github.com/wyfcoding/servicekit/pkg/cache"
	"github.com/wyfcoding/servicekit/pkg/config"
	"github.com/wyfcoding/servicekit/pkg/db"
	"github.com/wyfcoding/servicekit/pkg/idgen"
	"github.com/wyfcoding/servicekit/pkg/logging"
	"github.com/wyfcoding/servicekit/pkg/middleware"
	"github.com/wyfcoding/servicekit/pkg/ratelimit"
)

var configPath = flag.String("config", "configs/config.toml", "config file path")

func main() {
	flag.Parse()

	// 1. 初始化配置（文件缺失时回落到默认值，保证零依赖可启动）
	cfg, err := config.LoadWithDefaults(*configPath)
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	// 2. 初始化日志
	if err := logging.Init(logging.Config{
		Level:      cfg.Logger.Level,
		Format:     cfg.Logger.Format,
		Output:     cfg.Logger.Output,
		FilePath:   cfg.Logger.FilePath,
		MaxSize:    cfg.Logger.MaxSize,
		MaxBackups: cfg.Logger.MaxBackups,
		MaxAge:     cfg.Logger.MaxAge,
		Compress:   cfg.Logger.Compress,
		WithCaller: cfg.Logger.WithCaller,
	}); err != nil {
		panic(fmt.Sprintf("failed to init logging: %v", err))
	}
	logger := slog.Default()

	// 配置热更新：目前只动态调整日志级别，其余变更需重启生效
	if err := config.Watch(*configPath, func(next *config.Config) {
		logging.SetLevel(next.Logger.Level)
		slog.Info("config reloaded", "log_level", next.Logger.Level)
	}); err != nil {
		slog.Warn("config watch disabled", "error", err)
	}

	// 3. 初始化 ID 生成器
	nodeID, err := strconv.ParseInt(config.GetEnv("NODE_ID", "1"), 10, 64)
	if err != nil {
		slog.Error("invalid NODE_ID", "error", err)
		os.Exit(1)
	}
	if err := idgen.Init(nodeID); err != nil {
		slog.Error("failed to init id generator", "error", err)
		os.Exit(1)
	}

	// 4. 初始化追踪
	ctx := context.Background()
	provider, err := tracing.Init(ctx, tracing.Config{
		ServiceName:  cfg.ServiceName,
		Version:      cfg.Version,
		Environment:  cfg.Environment,
		Enabled:      cfg.Tracing.Enabled,
		Exporter:     tracing.Exporter(cfg.Tracing.Exporter),
		Endpoint:     cfg.Tracing.CollectorEndpoint,
		SamplingRate: cfg.Tracing.SamplingRate,
	})
	if err != nil {
		slog.Error("failed to init tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			slog.Error("failed to shutdown tracing", "error", err)
		}
	}()

	// 5. 组装外部依赖（默认全内存，按配置切换 MySQL/ClickHouse/Kafka/Redis）
	infra, err := buildInfra(cfg, logger)
	if err != nil {
		slog.Error("failed to build infrastructure", "error", err)
		os.Exit(1)
	}
	defer infra.close()

	// 6. 初始化通信管理器
	mgr, err := manager.New(cfg, infra.deps, logger)
	if err != nil {
		slog.Error("failed to init communication manager", "error", err)
		os.Exit(1)
	}
	if _, err := mgr.RegisterSelf(ctx); err != nil {
		slog.Error("failed to register self", "error", err)
		os.Exit(1)
	}
	mgr.Start()

	if cfg.Environment == "dev" {
		registerDemoExecutors(mgr)
	}

	// 7. HTTP 接口
	gin.SetMode(gin.ReleaseMode)
	if cfg.Environment == "dev" {
		gin.SetMode(gin.DebugMode)
	}
	r := gin.New()
	r.Use(middleware.GinRecoveryMiddleware())
	r.Use(middleware.GinCORSMiddleware())
	r.Use(middleware.GinCorrelationMiddleware(cfg.Client.CorrelationHeader))
	r.Use(otelgin.Middleware(cfg.ServiceName))
	r.Use(middleware.GinLoggingMiddleware())
	if infra.limiter != nil {
		r.Use(middleware.GinRateLimitMiddleware(infra.limiter, cfg.RateLimit.QPS, cfg.RateLimit.Burst))
	}

	r.GET(cfg.Health.Path, func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": cfg.ServiceName, "version": cfg.Version})
	})
	if cfg.Metrics.Enabled {
		r.GET(cfg.Metrics.Path, gin.WrapH(promhttp.HandlerFor(mgr.Collector().Registry(), promhttp.HandlerOpts{})))
	}

	httpapi.NewHandler(mgr, provider.Collector()).RegisterRoutes(r)

	// 8. 启动与优雅关闭
	g, gctx := errgroup.WithContext(ctx)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:      r,
		ReadTimeout:  time.Duration(cfg.HTTP.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.HTTP.WriteTimeout) * time.Second,
	}

	g.Go(func() error {
		slog.Info("http server starting", "addr", server.Addr, "environment", cfg.Environment)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-quit:
			slog.Info("shutting down server...")
		case <-gctx.Done():
			slog.Info("context cancelled, shutting down...")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("http shutdown failed", "error", err)
		}
		mgr.Stop(shutdownCtx)
		return nil
	})

	if err := g.Wait(); err != nil {
		slog.Error("server exited with error", "error", err)
	}
}

// infra 聚合按配置装配出的外部依赖，closers 以装配相反的顺序关闭
type infra struct {
	deps    manager.Dependencies
	limiter ratelimit.RateLimiter
	closers []func()
}

func (i *infra) close() {
	for idx := len(i.closers) - 1; idx >= 0; idx-- {
		i.closers[idx]()
	}
}

// buildInfra 按配置装配存储与总线。任一节未配置时该节回落到
// 进程内实现，保证单二进制即可运行完整功能。
func buildInfra(cfg *config.Config, logger *slog.Logger) (*infra, error) {
	inf := &infra{}

	// MySQL：事件存储与审计的持久化后端
	if cfg.Database.Driver == "mysql" && cfg.Database.DSN != "" {
		gdb, err := db.Open(cfg.Database, logger)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		inf.closers = append(inf.closers, func() { _ = gdb.Close() })

		eventStore := esmysql.NewStore(gdb.DB)
		auditStore := auditmysql.NewStore(gdb.DB)
		if cfg.Environment == "dev" {
			if err := eventStore.AutoMigrate(); err != nil {
				slog.Error("failed to migrate event store", "error", err)
			}
			if err := auditStore.AutoMigrate(); err != nil {
				slog.Error("failed to migrate audit store", "error", err)
			}
		}
		inf.deps.EventStore = eventStore
		inf.deps.AuditStore = auditStore
	}

	// ClickHouse：审计走列式存储并带批量缓冲，优先于 MySQL 审计
	if len(cfg.ClickHouse.Addrs) > 0 {
		conn, err := clickhouse.Open(&clickhouse.Options{
			Addr: cfg.ClickHouse.Addrs,
			Auth: clickhouse.Auth{
				Database: cfg.ClickHouse.Database,
				Username: cfg.ClickHouse.Username,
				Password: cfg.ClickHouse.Password,
			},
		})
		if err != nil {
			inf.close()
			return nil, fmt.Errorf("open clickhouse: %w", err)
		}
		inf.closers = append(inf.closers, func() { _ = conn.Close() })

		buffered := audit.NewBufferedStore(
			auditclickhouse.NewStore(conn),
			cfg.ClickHouse.BatchSize,
			time.Duration(cfg.ClickHouse.FlushIntervalMs)*time.Millisecond,
			logger,
		)
		inf.closers = append(inf.closers, func() { _ = buffered.Close() })
		inf.deps.AuditStore = buffered
	}

	// 聚合快照缓存，限制事件重放深度
	if cfg.EventStore.SnapshotEvery > 0 {
		snapshots, err := eventstore.NewCacheSnapshotStore(
			context.Background(),
			time.Duration(cfg.EventStore.SnapshotTTL)*time.Second,
		)
		if err != nil {
			inf.close()
			return nil, fmt.Errorf("open snapshot cache: %w", err)
		}
		inf.closers = append(inf.closers, func() { _ = snapshots.Close() })
		inf.deps.SnapshotStore = snapshots
		inf.deps.SnapshotEvery = int64(cfg.EventStore.SnapshotEvery)
	}

	// 消息总线
	switch cfg.Bus.Driver {
	case "kafka":
		kb, err := bus.NewKafkaBus(bus.KafkaOptions{
			Brokers:     cfg.Kafka.Brokers,
			GroupID:     cfg.Kafka.GroupID,
			TopicPrefix: cfg.Kafka.TopicPrefix,
		}, logger)
		if err != nil {
			inf.close()
			return nil, fmt.Errorf("open kafka bus: %w", err)
		}
		inf.closers = append(inf.closers, func() { _ = kb.Close() })
		inf.deps.Bus = kb
	case "redis":
		rc, err := cache.New(cfg.Redis, logger)
		if err != nil {
			inf.close()
			return nil, fmt.Errorf("open redis: %w", err)
		}
		inf.closers = append(inf.closers, func() { _ = rc.Close() })

		rb := bus.NewRedisBus(rc.Client(), cfg.Bus.ChannelPrefix, logger)
		inf.closers = append(inf.closers, func() { _ = rb.Close() })
		inf.deps.Bus = rb

		if cfg.RateLimit.Enabled {
			inf.limiter = ratelimit.NewRedisRateLimiter(rc.Client())
		}
	}

	if cfg.RateLimit.Enabled && inf.limiter == nil {
		inf.limiter = ratelimit.NewLocalRateLimiter()
	}

	return inf, nil
}

// registerDemoExecutors 挂载演示用 saga 执行器，便于开箱验证编排流程。
// 生产环境应注册指向真实下游服务的执行器。
func registerDemoExecutors(mgr *manager.Manager) {
	mgr.RegisterSagaExecutor("payment-service", saga.ExecutorFunc(func(ctx context.Context, req saga.StepRequest) (saga.StepResult, error) {
		switch req.Action {
		case "charge":
			raw, _ := req.Payload["amount"].(string)
			amount, err := decimal.NewFromString(raw)
			if err != nil {
				return nil, fmt.Errorf("invalid amount %q: %w", raw, err)
			}
			if amount.Sign() <= 0 {
				return nil, fmt.Errorf("amount must be positive, got %s", amount)
			}
			slog.InfoContext(ctx, "demo charge accepted", "amount", amount.String())
			return saga.StepResult{"charged": amount.String()}, nil
		case "refund":
			slog.InfoContext(ctx, "demo refund issued")
			return saga.StepResult{"refunded": true}, nil
		default:
			return nil, fmt.Errorf("unknown payment action %q", req.Action)
		}
	}))

	mgr.RegisterSagaExecutor("inventory-service", saga.ExecutorFunc(func(ctx context.Context, req saga.StepRequest) (saga.StepResult, error) {
		switch req.Action {
		case "reserve":
			slog.InfoContext(ctx, "demo stock reserved", "sku", req.Payload["sku"])
			return saga.StepResult{"reserved": req.Payload["sku"]}, nil
		case "release":
			slog.InfoContext(ctx, "demo stock released", "sku", req.Payload["sku"])
			return saga.StepResult{"released": req.Payload["sku"]}, nil
		default:
			return nil, fmt.Errorf("unknown inventory action %q", req.Action)
		}
	}))
}
