package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coder/quartz"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/sifan077/pageviews/config"
	apprepository "github.com/sifan077/pageviews/internal/app/repository"
	appserver "github.com/sifan077/pageviews/internal/app/server"
	"github.com/sifan077/pageviews/internal/app/service"
	"github.com/sifan077/pageviews/internal/infra/logger"
	infraLRU "github.com/sifan077/pageviews/internal/infra/lru"
	infraNATS "github.com/sifan077/pageviews/internal/infra/nats"
	infraPostgres "github.com/sifan077/pageviews/internal/infra/postgres"
	infraPrometheus "github.com/sifan077/pageviews/internal/infra/prometheus"
	infraRedis "github.com/sifan077/pageviews/internal/infra/redis"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 15 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	isDev := os.Getenv("APP_ENV") != "production"
	log := logger.MustInit(logger.Config{
		Development: isDev,
		Level:       os.Getenv("LOG_LEVEL"),
	})
	defer func() { _ = logger.Sync() }()

	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load config", zap.Error(err))
	}
	isDev = cfg.Server.Development()
	log = logger.MustInit(logger.Config{
		Development: isDev,
		Level:       cfg.Log.Level,
		Encoding:    cfg.Log.Encoding,
		File:        cfg.Log.File,
		Service:     "pageviews",
	})

	log.Info("Configuration loaded successfully",
		zap.String("postgres_host", cfg.Postgres.Host),
		zap.Int("postgres_port", cfg.Postgres.Port),
		zap.String("postgres_db", cfg.Postgres.Database),
		zap.Bool("redis_enabled", cfg.Redis.Enabled),
		zap.Bool("nats_enabled", cfg.NATS.Enabled),
		zap.Int("throttle_seconds", cfg.PageViews.ThrottleSeconds),
		zap.Int("batch_size", cfg.PageViews.BatchSize),
	)

	pool, err := infraPostgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		log.Fatal("Failed to connect to Postgres", zap.Error(err))
	}
	defer pool.Close()
	log.Info("Connected to Postgres successfully")

	gormDB, err := infraPostgres.NewGorm(pool, isDev && cfg.Log.Level == "debug")
	if err != nil {
		log.Fatal("Failed to open GORM connection", zap.Error(err))
	}
	if err := infraPostgres.Migrate(ctx, gormDB); err != nil {
		log.Fatal("Failed to run database migrations", zap.Error(err))
	}

	registry := infraPrometheus.NewRegistry()
	metrics := service.NewMetrics(registry)
	clock := quartz.NewReal()

	pageViews := apprepository.WithCopyFrom(apprepository.NewPageViewRepository(gormDB), pool)
	links := apprepository.NewLinkRepository(gormDB)
	models := service.NewModelRegistry(service.LinkModel{Repo: links})

	// Optional backends. A failed probe only disables the features that
	// depend on them.
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient, err = infraRedis.NewClient(ctx, cfg.Redis)
		if err != nil {
			log.Warn("Redis unavailable, using in-process throttle cache", zap.Error(err))
			redisClient = nil
		} else {
			defer redisClient.Close()
			log.Info("Connected to Redis successfully")
		}
	}

	var js nats.JetStreamContext
	if cfg.NATS.Enabled {
		natsConn, jsCtx, err := infraNATS.Connect(cfg.NATS, log)
		if err == nil {
			err = infraNATS.EnsureTaskStream(jsCtx)
			if err != nil {
				natsConn.Close()
			}
		}
		if err != nil {
			log.Warn("NATS unavailable, running tasks in process", zap.Error(err))
		} else {
			js = jsCtx
			defer natsConn.Drain()
			log.Info("Connected to NATS successfully")
		}
	}

	tasks := service.NewTasks()
	var dispatcher service.TaskDispatcher
	var runner *infraNATS.TaskRunner
	if js != nil {
		dispatcher = infraNATS.NewTaskDispatcher(js)
		runner = infraNATS.NewTaskRunner(js, tasks, log)
	} else {
		local := service.NewLocalDispatcher(tasks, log)
		defer local.Close()
		dispatcher = local
	}

	var throttleStore service.ThrottleStore
	var buffer *service.Buffer
	if redisClient != nil {
		throttleStore = infraRedis.NewThrottleStore(redisClient)
		buffer = service.NewBuffer(service.BufferDeps{
			Logger:             log,
			Queue:              infraRedis.NewListQueue(redisClient, cfg.PageViews.BufferKey),
			Store:              pageViews,
			Dispatcher:         dispatcher,
			Models:             models,
			Clock:              clock,
			Metrics:            metrics,
			BatchSize:          cfg.PageViews.BatchSize,
			Timeout:            cfg.PageViews.BufferTimeoutDuration(),
			PreserveTimestamps: cfg.PageViews.PreserveTimestamps,
		})
		buffer.RegisterTasks(tasks)
	} else {
		throttleStore = infraLRU.NewThrottleStore(cfg.PageViews.ThrottleCacheSize, cfg.PageViews.ThrottleWindow())
	}

	recorder := service.NewRecorder(service.RecorderDeps{
		Logger:  log,
		Store:   pageViews,
		Buffer:  buffer,
		Mode:    service.DetectAsync(cfg.PageViews.AsyncProcessing, redisClient != nil, js != nil),
		Clock:   clock,
		Metrics: metrics,
	})
	log.Info("Page view recording mode selected", zap.String("mode", string(recorder.Mode())))

	classifier := service.NewClassifier(service.ClassifierConfig{
		ExcludeAdmin: cfg.PageViews.ExcludeAdmin,
		AdminPrefix:  cfg.PageViews.AdminPrefix,
		ExcludeAJAX:  cfg.PageViews.ExcludeAJAX,
		ExcludePaths: cfg.PageViews.ExcludePaths,
		ExcludeIPs:   cfg.PageViews.ExcludeIPAddresses,
		BotPatterns:  cfg.PageViews.BotPatterns,
	}, log, metrics)
	gate := service.NewThrottleGate(throttleStore, cfg.PageViews.ThrottleWindow(), log, metrics)
	tracker := service.NewTracker(classifier, gate, recorder, log)

	analytics := service.NewAnalytics(service.AnalyticsDeps{
		Store:    pageViews,
		Models:   models,
		Clock:    clock,
		Location: cfg.PageViews.Location(),
	})

	serverDeps := appserver.Dependencies{
		Logger:    log,
		Tracker:   tracker,
		Analytics: analytics,
		Models:    models,
		PageViews: pageViews,
		Links:     links,

		ProxyHeader:    cfg.Server.ProxyHeader,
		TrustedProxies: cfg.Server.TrustedProxies,
	}
	if redisClient != nil {
		serverDeps.Redis = redisClient
	}
	server := appserver.New(serverDeps)

	g, gctx := errgroup.WithContext(ctx)

	if runner != nil {
		if err := runner.Start(gctx); err != nil {
			log.Fatal("Failed to start task runner", zap.Error(err))
		}
		defer runner.Stop()
	}

	if buffer != nil {
		reclaimer := service.NewReclaimer(log, buffer, clock, cfg.PageViews.ReclaimIntervalDuration())
		reclaimer.Start(gctx)
		defer reclaimer.Stop()
	}

	if cfg.PageViews.RetentionDays > 0 {
		retention := service.NewRetention(pageViews, clock, log)
		scheduler := cron.New(cron.WithLocation(cfg.PageViews.Location()))
		_, err := scheduler.AddFunc(cfg.PageViews.RetentionSchedule, func() {
			if _, err := retention.Purge(gctx, cfg.PageViews.RetentionDays, cfg.PageViews.RetentionKeepUnique); err != nil {
				log.Error("Scheduled retention failed", zap.Error(err))
			}
		})
		if err != nil {
			log.Fatal("Invalid retention schedule", zap.String("schedule", cfg.PageViews.RetentionSchedule), zap.Error(err))
		}
		scheduler.Start()
		defer func() { <-scheduler.Stop().Done() }()
	}

	if !isDev {
		promServer := infraPrometheus.NewServer(cfg.Prometheus, registry)
		g.Go(func() error {
			log.Info("Starting Prometheus metrics server", zap.Int("port", cfg.Prometheus.Port))
			if err := promServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return promServer.Shutdown(shutdownCtx)
		})
	} else {
		log.Info("Skipping Prometheus metrics server in development mode")
	}

	g.Go(func() error {
		log.Info("Starting HTTP server", zap.String("addr", cfg.Server.Addr))
		return server.Listen(cfg.Server.Addr)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("Server exited with error", zap.Error(err))
	}
	log.Info("Shutting down")

	if buffer != nil {
		// Drain what is left so a restart does not wait for the reclaimer.
		drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		total := 0
		for {
			n, err := buffer.Flush(drainCtx)
			if err != nil {
				log.Warn("Final buffer flush failed", zap.Error(err))
				break
			}
			if n == 0 {
				break
			}
			total += n
		}
		log.Info("Flushed buffered page views", zap.Int("count", total))
	}
}
