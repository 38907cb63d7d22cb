package server

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/data-collector/internal/api"
	"github.com/JakeFAU/data-collector/internal/clock/system"
	"github.com/JakeFAU/data-collector/internal/collector"
	"github.com/JakeFAU/data-collector/internal/config"
	"github.com/JakeFAU/data-collector/internal/crawl"
	collyfetcher "github.com/JakeFAU/data-collector/internal/fetcher/colly"
	idulid "github.com/JakeFAU/data-collector/internal/id/ulid"
	iduuid "github.com/JakeFAU/data-collector/internal/id/uuid"
	"github.com/JakeFAU/data-collector/internal/integrity"
	"github.com/JakeFAU/data-collector/internal/logging"
	"github.com/JakeFAU/data-collector/internal/metrics"
	"github.com/JakeFAU/data-collector/internal/policy/ratelimit"
	"github.com/JakeFAU/data-collector/internal/progress"
	progresssinks "github.com/JakeFAU/data-collector/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/data-collector/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/data-collector/internal/publisher/pubsub"
	"github.com/JakeFAU/data-collector/internal/recovery"
	"github.com/JakeFAU/data-collector/internal/sequence"
	gcsstorage "github.com/JakeFAU/data-collector/internal/storage/gcs"
	localstorage "github.com/JakeFAU/data-collector/internal/storage/local"
	memorystorage "github.com/JakeFAU/data-collector/internal/storage/memory"
	pgstore "github.com/JakeFAU/data-collector/internal/storage/postgres"
	redisstore "github.com/JakeFAU/data-collector/internal/storage/redis"
	s3storage "github.com/JakeFAU/data-collector/internal/storage/s3"
	"github.com/JakeFAU/data-collector/internal/store"
	"github.com/JakeFAU/data-collector/internal/telemetry"
	"github.com/JakeFAU/data-collector/internal/workmanager"
)

// Options override process-wide collaborators, mainly for tests.
type Options struct {
	Logger *zap.Logger
	// Registerer receives the progress metrics (default prometheus.DefaultRegisterer).
	Registerer prometheus.Registerer
	// ContentStore and RecoveryStore replace the configured backends.
	ContentStore  collector.ContentStore
	RecoveryStore collector.ContentStore
}

// Build creates the application's dependencies. On error everything built so
// far is released.
func Build(ctx context.Context, cfg config.Config, opts Options) (_ *App, err error) {
	logger := opts.Logger
	if logger == nil {
		logger, err = logging.New(logging.Config{
			Development: cfg.Logging.Development,
			Level:       cfg.Logging.Level,
			Service:     cfg.Telemetry.ServiceName,
		})
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
	}
	app := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = app.Close(context.Background())
		}
	}()
	logger.Info("building application",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("content_store", cfg.ContentStore.Provider),
		zap.String("recovery_store", cfg.RecoveryStore.Provider),
		zap.String("index_root", cfg.IntegrityCheck.DatabaseLocation),
	)

	metrics.Init()
	tp, err := telemetry.InitTracerProvider(ctx, cfg.Telemetry.ServiceName, cfg.Telemetry.SampleRatio)
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	app.onClose("tracer", tp.Shutdown)

	ids := idulid.New()
	source := opts.ContentStore
	if source == nil {
		if source, err = app.openContentStore(ctx, "content_store", cfg.ContentStore, ids); err != nil {
			return nil, err
		}
	}
	target := opts.RecoveryStore
	if target == nil {
		if target, err = app.openContentStore(ctx, "recovery_store", cfg.RecoveryStore, ids); err != nil {
			return nil, err
		}
	}

	archive, err := app.setupArchive(ctx)
	if err != nil {
		return nil, err
	}
	publisher, err := app.setupPublisher(ctx)
	if err != nil {
		return nil, err
	}
	history, err := app.setupHistory(ctx)
	if err != nil {
		return nil, err
	}
	if err := app.setupProgress(ctx, opts.Registerer, publisher, history); err != nil {
		return nil, err
	}

	registryCfg := workmanager.Config{
		BaseContext: ctx,
		Logger:      logger,
		Clock:       system.New(),
		IDs:         iduuid.New(),
	}
	if app.hub != nil {
		registryCfg.Emitter = app.hub
	}
	app.registry = workmanager.New(registryCfg)

	index := sequence.Options{
		FlushBufferCount:  cfg.IntegrityCheck.FlushBufferCount,
		MaxKeySize:        cfg.IntegrityCheck.MaxKeySize,
		MaxSizeBytes:      cfg.IntegrityCheck.MaxSizeBytes(),
		KeyBufferPoolSize: cfg.IntegrityCheck.KeyBufferPoolSize,
		OpenTimeout:       cfg.IntegrityCheck.OpenTimeout(),
	}
	app.scanner, err = integrity.New(source, app.registry, ids, integrity.Config{
		Root:            cfg.IntegrityCheck.DatabaseLocation,
		Index:           index,
		ConsumerTimeout: cfg.IntegrityCheck.ConsumerTimeout(),
		ProgressEvery:   int(cfg.IntegrityCheck.ProgressEvery),
		Archive:         archive,
		ArchivePrefix:   cfg.Archive.Prefix,
	}, logger.Named("integrity"))
	if err != nil {
		return nil, fmt.Errorf("integrity scanner init failed: %w", err)
	}

	engine, err := recovery.NewEngine(source, target, recovery.Config{
		IndexRoot:        cfg.IntegrityCheck.DatabaseLocation,
		Index:            index,
		ConsumerTimeout:  cfg.IntegrityCheck.ConsumerTimeout(),
		ProgressEvery:    int(cfg.Recovery.ProgressEvery),
		ResumeFromTarget: cfg.Recovery.ResumeFromTarget,
	}, logger.Named("recovery"))
	if err != nil {
		return nil, fmt.Errorf("recovery engine init failed: %w", err)
	}
	if app.recoveries, err = recovery.NewService(engine, app.registry); err != nil {
		return nil, fmt.Errorf("recovery service init failed: %w", err)
	}

	if app.crawls, err = app.setupCrawl(source); err != nil {
		return nil, err
	}

	app.apiServer, err = api.NewServer(api.Deps{
		Registry:    app.registry,
		Crawls:      app.crawls,
		Recoveries:  app.recoveries,
		Integrity:   app.scanner,
		History:     history,
		Ready:       app.Ready,
		AuthEnabled: cfg.Auth.Enabled,
		APIKey:      cfg.Auth.APIKey,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("api init failed: %w", err)
	}
	return app, nil
}

func (a *App) openContentStore(
	ctx context.Context,
	section string,
	sc config.StoreConfig,
	ids collector.ArrivalIDGenerator,
) (collector.ContentStore, error) {
	switch sc.Provider {
	case config.ProviderPostgres:
		pool, err := pgstore.Connect(ctx, pgstore.PoolConfig{DSN: sc.Postgres.DSN, MaxConns: sc.Postgres.MaxConns})
		if err != nil {
			return nil, fmt.Errorf("%s: %w", section, err)
		}
		cs, err := pgstore.NewContentStore(pool, ids, pgstore.ContentStreamConfig{
			Table:        sc.Postgres.Table,
			PollInterval: sc.Postgres.PollInterval(),
			BatchSize:    sc.Postgres.BatchSize,
		}, a.logger.Named(section))
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("%s: %w", section, err)
		}
		a.onClose(section, func(context.Context) error { return cs.Close() })
		if err := cs.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("%s: %w", section, err)
		}
		a.ready = append(a.ready, pool.Ping)
		a.logger.Info("postgres content store ready", zap.String("section", section), zap.String("table", sc.Postgres.Table))
		return cs, nil
	case config.ProviderRedis:
		cs, err := redisstore.New(redisstore.Config{
			Addr:      sc.Redis.Addr,
			Password:  sc.Redis.Password,
			DB:        sc.Redis.DB,
			KeyPrefix: sc.Redis.KeyPrefix,
			BatchSize: sc.Redis.BatchSize,
		}, ids)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", section, err)
		}
		a.onClose(section, func(context.Context) error { return cs.Close() })
		if err := cs.Ping(ctx); err != nil {
			return nil, fmt.Errorf("%s: %w", section, err)
		}
		a.ready = append(a.ready, cs.Ping)
		a.logger.Info("redis content store ready", zap.String("section", section), zap.String("addr", sc.Redis.Addr))
		return cs, nil
	default:
		a.logger.Info("using in-memory content store", zap.String("section", section))
		cs := memorystorage.NewContentStore(ids)
		a.onClose(section, func(context.Context) error { return cs.Close() })
		return cs, nil
	}
}

func (a *App) setupArchive(ctx context.Context) (collector.BlobStore, error) {
	ac := a.cfg.Archive
	switch ac.Provider {
	case config.ProviderMemory:
		a.logger.Info("archiving index snapshots in memory")
		return memorystorage.NewBlobStore(), nil
	case config.ProviderLocal:
		bs, err := localstorage.New(localstorage.Config{BaseDir: ac.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local archive init failed: %w", err)
		}
		a.logger.Info("archiving index snapshots locally", zap.String("path", ac.BaseDir))
		return bs, nil
	case config.ProviderGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.onClose("gcs", func(context.Context) error { return client.Close() })
		bs, err := gcsstorage.New(client, gcsstorage.Config{Bucket: ac.Bucket})
		if err != nil {
			return nil, fmt.Errorf("gcs archive init failed: %w", err)
		}
		a.logger.Info("archiving index snapshots to GCS", zap.String("bucket", ac.Bucket))
		return bs, nil
	case config.ProviderS3:
		bs, err := s3storage.New(ctx, s3storage.Config{
			Endpoint:         ac.S3.Endpoint,
			Region:           ac.S3.Region,
			Bucket:           ac.Bucket,
			AccessKeyID:      ac.S3.AccessKeyID,
			SecretAccessKey:  ac.S3.SecretAccessKey,
			UseSSL:           ac.S3.UseSSL,
			AutoCreateBucket: ac.S3.AutoCreateBucket,
		})
		if err != nil {
			return nil, fmt.Errorf("s3 archive init failed: %w", err)
		}
		a.logger.Info("archiving index snapshots to S3", zap.String("bucket", ac.Bucket))
		return bs, nil
	default:
		return nil, nil
	}
}

func (a *App) setupPublisher(ctx context.Context) (collector.Publisher, error) {
	nc := a.cfg.Notify
	switch nc.Provider {
	case config.ProviderPubSub:
		client, err := pubsub.NewClient(ctx, nc.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("pubsub client init failed: %w", err)
		}
		pub := gcppublisher.New(client)
		a.onClose("pubsub", func(context.Context) error { return pub.Close() })
		a.logger.Info("Pub/Sub notifications enabled",
			zap.String("project", nc.ProjectID),
			zap.String("topic", nc.Topic),
		)
		return pub, nil
	case config.ProviderMemory:
		return memorypublisher.New(), nil
	default:
		return nil, nil
	}
}

func (a *App) setupHistory(ctx context.Context) (store.HistoryRepository, error) {
	hc := a.cfg.History
	if !hc.Enabled {
		return nil, nil
	}
	pool, err := pgstore.Connect(ctx, pgstore.PoolConfig{DSN: hc.DSN})
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	repo, err := pgstore.NewHistoryStore(pool, hc.Table)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("history: %w", err)
	}
	a.onClose("history", func(context.Context) error {
		repo.Close()
		return nil
	})
	if err := repo.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	a.ready = append(a.ready, pool.Ping)
	a.logger.Info("job history enabled", zap.String("table", hc.Table))
	return repo, nil
}

func (a *App) setupProgress(
	ctx context.Context,
	reg prometheus.Registerer,
	publisher collector.Publisher,
	history store.HistoryRepository,
) error {
	pc := a.cfg.Progress
	var sinkList []progress.Sink
	if pc.LogEvents {
		sinkList = append(sinkList, progresssinks.NewLogSink(a.logger.Named("progress_log")))
	}
	if pc.PrometheusSink {
		sink, err := progresssinks.NewPrometheusSink(reg)
		if err != nil {
			return fmt.Errorf("progress metrics init failed: %w", err)
		}
		sinkList = append(sinkList, sink)
	}
	if history != nil {
		sinkList = append(sinkList, progresssinks.NewHistorySink(history, a.logger.Named("progress_history")))
	}
	if publisher != nil && a.cfg.Notify.Topic != "" {
		sinkList = append(sinkList, progresssinks.NewNotifySink(publisher, a.cfg.Notify.Topic, a.logger.Named("progress_notify")))
	}
	if len(sinkList) == 0 {
		a.logger.Info("progress tracking disabled")
		return nil
	}
	hubCfg := progress.Config{
		BufferSize:     pc.BufferSize,
		MaxBatchEvents: pc.MaxBatchEvents,
		MaxBatchWait:   time.Duration(pc.MaxBatchWaitMs) * time.Millisecond,
		SinkTimeout:    time.Duration(pc.SinkTimeoutMs) * time.Millisecond,
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         a.logger.Named("progress_hub"),
	}
	a.hub = progress.NewHub(hubCfg, sinkList...)
	a.onClose("progress_hub", a.hub.Close)
	a.logger.Info("progress hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return nil
}

func (a *App) setupCrawl(source collector.ContentStore) (*crawl.Service, error) {
	cc := a.cfg.Crawler
	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:     cc.UserAgent,
		RespectRobots: cc.RespectRobots,
		Timeout:       cc.Timeout(),
		MaxBodyBytes:  cc.MaxBodyBytes,
	})
	limiter := ratelimit.New(ratelimit.Config{DefaultRPS: cc.RatePerHost, DefaultBurst: cc.Burst})
	worker, err := crawl.NewWorker(fetcher, source, limiter, a.logger)
	if err != nil {
		return nil, fmt.Errorf("crawl worker init failed: %w", err)
	}
	svc, err := crawl.NewService(worker, a.registry, crawl.WithBlockedDomains(cc.BlockedDomains...))
	if err != nil {
		return nil, fmt.Errorf("crawl service init failed: %w", err)
	}
	a.logger.Info("crawl worker ready",
		zap.String("user_agent", cc.UserAgent),
		zap.Bool("respect_robots", cc.RespectRobots),
		zap.Float64("rate_per_host", cc.RatePerHost),
		zap.Strings("blocked_domains", cc.BlockedDomains),
	)
	return svc, nil
}
