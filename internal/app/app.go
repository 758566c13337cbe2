// Package app builds the long-lived services from configuration and owns their
// shutdown order.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/seedprice-pipeline/internal/alert"
	"github.com/JakeFAU/seedprice-pipeline/internal/api"
	"github.com/JakeFAU/seedprice-pipeline/internal/autoscrape"
	"github.com/JakeFAU/seedprice-pipeline/internal/broker"
	membroker "github.com/JakeFAU/seedprice-pipeline/internal/broker/memory"
	"github.com/JakeFAU/seedprice-pipeline/internal/broker/redisq"
	"github.com/JakeFAU/seedprice-pipeline/internal/catalog"
	"github.com/JakeFAU/seedprice-pipeline/internal/clock/system"
	"github.com/JakeFAU/seedprice-pipeline/internal/config"
	"github.com/JakeFAU/seedprice-pipeline/internal/detect"
	"github.com/JakeFAU/seedprice-pipeline/internal/events"
	"github.com/JakeFAU/seedprice-pipeline/internal/events/sinks"
	"github.com/JakeFAU/seedprice-pipeline/internal/fetcher/headless"
	"github.com/JakeFAU/seedprice-pipeline/internal/headless/detector"
	"github.com/JakeFAU/seedprice-pipeline/internal/id/uuid"
	"github.com/JakeFAU/seedprice-pipeline/internal/jobs"
	"github.com/JakeFAU/seedprice-pipeline/internal/jobsync"
	"github.com/JakeFAU/seedprice-pipeline/internal/metrics"
	"github.com/JakeFAU/seedprice-pipeline/internal/pipeline"
	"github.com/JakeFAU/seedprice-pipeline/internal/policy"
	pspublisher "github.com/JakeFAU/seedprice-pipeline/internal/publisher/pubsub"
	"github.com/JakeFAU/seedprice-pipeline/internal/scrape"
	"github.com/JakeFAU/seedprice-pipeline/internal/storage/gcs"
	"github.com/JakeFAU/seedprice-pipeline/internal/storage/local"
	"github.com/JakeFAU/seedprice-pipeline/internal/storage/memory"
	"github.com/JakeFAU/seedprice-pipeline/internal/storage/postgres"
)

// CatalogStore is the vendor, product and wishlist surface the workers read.
type CatalogStore interface {
	pipeline.VendorStore
	pipeline.ProductStore
	pipeline.WishlistDirectory
}

// Options override process-wide collaborators, mostly for tests.
type Options struct {
	// Registerer receives the lifecycle event collectors. Defaults to
	// prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer
	// Redis replaces the client built from cfg.Broker.Redis.
	Redis redis.UniversalClient
	// Transport is used for vendor fetches; nil uses the fetcher default.
	Transport http.RoundTripper
	// Mailer replaces the mailer built from cfg.Mail.
	Mailer alert.Mailer
}

// App holds the shared services of one process.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	pool   *pgxpool.Pool
	rdb    redis.UniversalClient
	ownRDB bool
	gcs    *storage.Client
	ps     *pubsub.Client
	pub    *pspublisher.Publisher
	render *headless.Fetcher

	Jobs       pipeline.JobStore
	Catalog    CatalogStore
	RateLimits pipeline.RateLimitStore
	Broker     broker.Broker
	Hub        *events.Hub

	JobService *jobs.Service
	Scheduler  *autoscrape.Scheduler
	Sync       *jobsync.Service

	scraper  *scrape.Worker
	detector *detect.Detector
	sender   *alert.Sender
	clock    pipeline.Clock
}

// New builds every service named by cfg. On error, anything already opened is
// closed before returning.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts Options) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	a := &App{cfg: cfg, logger: logger, clock: system.New()}
	defer func() {
		if err != nil {
			if a.Hub != nil {
				_ = a.Hub.Close(ctx)
			}
			_ = a.closeClients()
		}
	}()

	if err = a.openStores(ctx); err != nil {
		return nil, err
	}

	var relay events.Relay
	if err = a.openBroker(ctx, &relay, opts.Redis); err != nil {
		return nil, err
	}

	snapshots, err := a.openSnapshots(ctx)
	if err != nil {
		return nil, err
	}
	registry, err := a.buildRegistry(snapshots, opts.Transport)
	if err != nil {
		return nil, err
	}

	if err = a.buildWorkers(registry, opts.Mailer); err != nil {
		return nil, err
	}
	if err = a.buildServices(); err != nil {
		return nil, err
	}

	hubSinks, err := a.buildSinks(ctx, opts.Registerer)
	if err != nil {
		return nil, err
	}
	a.Hub = events.NewHub(events.Config{
		BufferSize:     cfg.Events.BufferSize,
		MaxBatchEvents: cfg.Events.MaxBatchEvents,
		MaxBatchWait:   cfg.Events.MaxBatchWait,
		Logger:         logger.Named("events"),
	}, hubSinks...)
	relay.Attach(a.Hub)

	if err = a.registerWorkers(); err != nil {
		return nil, err
	}
	logger.Info("application services initialized",
		zap.String("broker", cfg.Broker.Driver),
		zap.Bool("postgres", a.pool != nil),
		zap.String("storage", cfg.Storage.Driver),
		zap.Bool("pubsub", a.pub != nil),
	)
	return a, nil
}

func (a *App) openStores(ctx context.Context) error {
	if !a.cfg.UsesPostgres() {
		a.logger.Info("using in-memory stores; records are lost on exit")
		a.Jobs = memory.NewJobStore()
		a.Catalog = memory.NewCatalogStore()
		a.RateLimits = memory.NewRateLimitStore()
		return nil
	}
	pool, err := postgres.Open(ctx, postgres.Config{
		DSN:             a.cfg.DB.DSN,
		MaxConns:        a.cfg.DB.MaxConns,
		MinConns:        a.cfg.DB.MinConns,
		MaxConnLifetime: a.cfg.DB.MaxConnLifetime,
	})
	if err != nil {
		return err
	}
	a.pool = pool
	if err := postgres.EnsureSchema(ctx, pool); err != nil {
		return err
	}
	jobStore, err := postgres.NewJobStore(pool)
	if err != nil {
		return err
	}
	catalogStore, err := postgres.NewCatalogStore(pool)
	if err != nil {
		return err
	}
	rateLimits, err := postgres.NewRateLimitStore(pool)
	if err != nil {
		return err
	}
	a.Jobs, a.Catalog, a.RateLimits = jobStore, catalogStore, rateLimits
	return nil
}

func (a *App) openBroker(ctx context.Context, emitter events.Emitter, rdb redis.UniversalClient) error {
	bc := broker.Config{
		DefaultAttempts: a.cfg.Broker.Attempts,
		DefaultBackoff:  a.cfg.Broker.Backoff,
		MaxBackoff:      a.cfg.Broker.MaxBackoff,
		PollInterval:    a.cfg.Broker.PollInterval,
		StallTimeout:    a.cfg.Broker.StallTimeout,
		MaxStalls:       a.cfg.Broker.MaxStalled,
		KeepCompleted:   a.cfg.Broker.KeepCompleted,
	}
	logger := a.logger.Named("broker")
	switch a.cfg.Broker.Driver {
	case "memory":
		a.Broker = membroker.New(bc, emitter, logger)
		return nil
	case "redis":
	default:
		return fmt.Errorf("unknown broker driver %q", a.cfg.Broker.Driver)
	}
	if rdb == nil {
		rdb = redis.NewClient(&redis.Options{
			Addr:     a.cfg.Broker.Redis.Addr,
			Password: a.cfg.Broker.Redis.Password,
			DB:       a.cfg.Broker.Redis.DB,
		})
		a.ownRDB = true
	}
	a.rdb = rdb
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis %s: %w", a.cfg.Broker.Redis.Addr, err)
	}
	a.Broker = redisq.New(rdb, redisq.Options{
		Config:      bc,
		Prefix:      a.cfg.Broker.Redis.Prefix,
		FinishedTTL: a.cfg.Broker.FinishedTTL,
	}, emitter, logger)
	return nil
}

func (a *App) openSnapshots(ctx context.Context) (pipeline.BlobStore, error) {
	if !a.cfg.Scrape.Snapshots {
		return nil, nil
	}
	switch a.cfg.Storage.Driver {
	case "", "none":
		return nil, nil
	case "local":
		return local.New(local.Config{BaseDir: a.cfg.Storage.BaseDir})
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create gcs client: %w", err)
		}
		a.gcs = client
		return gcs.New(client, gcs.Config{
			Bucket:       a.cfg.Storage.Bucket,
			Prefix:       a.cfg.Storage.Prefix,
			CacheControl: "no-store",
		})
	default:
		return nil, fmt.Errorf("unknown storage driver %q", a.cfg.Storage.Driver)
	}
}

func (a *App) buildRegistry(snapshots pipeline.BlobStore, transport http.RoundTripper) (*catalog.Registry, error) {
	sc, pc := a.cfg.Scrape, a.cfg.Policy
	robotsClient := &http.Client{Timeout: pc.RobotsTimeout}
	if transport != nil {
		robotsClient.Transport = transport
	}
	gate := policy.NewGate(policy.GateOptions{
		Robots:        policy.NewRobotsCache(robotsClient, sc.UserAgent, sc.RobotsTTL, a.logger.Named("robots")),
		Limiter:       policy.NewLimiter(policy.LimiterConfig{RPS: pc.RPS, Burst: pc.Burst}),
		Delay:         policy.DelayPolicy{Min: pc.MinDelay, JitterMin: pc.JitterMin, JitterMax: pc.JitterMax},
		RespectRobots: sc.RespectRobots,
		Logger:        a.logger.Named("gate"),
	})
	opts := catalog.ScraperOptions{
		Fetcher:   catalog.NewFetcher(catalog.FetcherConfig{UserAgent: sc.UserAgent, Timeout: sc.FetchTimeout}, transport),
		Gate:      gate,
		Snapshots: snapshots,
		Logger:    a.logger.Named("catalog"),
	}
	if rc := sc.Render; rc.Enabled {
		renderer, err := headless.NewChromedp(headless.Config{
			MaxParallel:       rc.MaxParallel,
			UserAgent:         sc.UserAgent,
			NavigationTimeout: rc.NavTimeout,
			SettleDelay:       rc.SettleDelay,
		})
		if err != nil {
			return nil, fmt.Errorf("build headless renderer: %w", err)
		}
		a.render = renderer
		opts.Renderer = renderer
		opts.Promoter = detector.NewHeuristic(rc.PromoteThreshold)
	}
	return catalog.NewRegistry(opts, sc.Profiles)
}

func (a *App) buildWorkers(registry *catalog.Registry, mailer alert.Mailer) error {
	var err error
	a.scraper, err = scrape.New(scrape.Deps{
		Jobs:     a.Jobs,
		Vendors:  a.Catalog,
		Products: a.Catalog,
		Scrapers: registry,
		Queue:    a.Broker,
		Cancels:  a.Broker,
		Clock:    a.clock,
		Logger:   a.logger.Named("scrape"),
	}, scrape.Config{PageCap: a.cfg.Scrape.PageCap})
	if err != nil {
		return fmt.Errorf("build scrape worker: %w", err)
	}
	a.detector, err = detect.New(detect.Deps{
		Products: a.Catalog,
		Wishlist: a.Catalog,
		Queue:    a.Broker,
		Logger:   a.logger.Named("detect"),
	}, detect.Config{ThresholdPercent: a.cfg.Detect.DropThresholdPercent})
	if err != nil {
		return fmt.Errorf("build detector: %w", err)
	}
	if mailer == nil {
		mailer, err = a.buildMailer()
		if err != nil {
			return err
		}
	}
	a.sender, err = alert.NewSender(mailer, a.cfg.Mail.BaseURL, a.logger.Named("alert"))
	if err != nil {
		return fmt.Errorf("build alert sender: %w", err)
	}
	return nil
}

func (a *App) buildMailer() (alert.Mailer, error) {
	mc := a.cfg.Mail
	switch mc.Driver {
	case "", "log":
		return alert.NewLogMailer(a.logger.Named("mail")), nil
	case "smtp":
		m, err := alert.NewSMTPMailer(alert.SMTPConfig{
			Host:     mc.Host,
			Port:     mc.Port,
			Username: mc.Username,
			Password: mc.Password,
			From:     mc.From,
			Timeout:  mc.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("build smtp mailer: %w", err)
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unknown mail driver %q", mc.Driver)
	}
}

func (a *App) buildServices() error {
	var err error
	a.JobService, err = jobs.NewService(jobs.Deps{
		Jobs:    a.Jobs,
		Vendors: a.Catalog,
		Queue:   a.Broker,
		IDs:     uuid.New(),
		Clock:   a.clock,
		Logger:  a.logger.Named("jobs"),
	})
	if err != nil {
		return fmt.Errorf("build job service: %w", err)
	}
	a.Scheduler, err = autoscrape.New(autoscrape.Deps{
		Registry: a.Broker,
		Vendors:  a.Catalog,
		Jobs:     a.Jobs,
		Logger:   a.logger.Named("autoscrape"),
	}, autoscrape.Config{RemoveOrphans: a.cfg.AutoScrape.RemoveOrphans})
	if err != nil {
		return fmt.Errorf("build scheduler: %w", err)
	}
	sc := a.cfg.Sync
	a.Sync, err = jobsync.New(jobsync.Deps{
		Jobs:       a.Jobs,
		RateLimits: a.RateLimits,
		Broker:     a.Broker,
		Clock:      a.clock,
		Logger:     a.logger.Named("jobsync"),
	}, jobsync.Config{
		StaleAfter:         sc.StaleAfter,
		SweepInterval:      sc.SweepInterval,
		RetentionAge:       sc.RetentionAge,
		RateLimitRetention: sc.RateLimitRetention,
		RetentionInterval:  sc.RetentionInterval,
	})
	if err != nil {
		return fmt.Errorf("build job sync: %w", err)
	}
	return nil
}

func (a *App) buildSinks(ctx context.Context, reg prometheus.Registerer) ([]events.Sink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	promSink, err := sinks.NewPrometheusSink(reg)
	if err != nil {
		return nil, err
	}
	out := []events.Sink{a.Sync, sinks.NewLogSink(a.logger.Named("lifecycle")), promSink}

	ps := a.cfg.PubSub
	if ps.ProjectID == "" || ps.Topic == "" {
		return out, nil
	}
	client, err := pubsub.NewClient(ctx, ps.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	a.ps = client
	a.pub, err = pspublisher.New(client, ps.Topic)
	if err != nil {
		return nil, err
	}
	return append(out, sinks.NewPublishSink(a.pub, ps.AllEvents, a.logger.Named("publish"))), nil
}

func (a *App) registerWorkers() error {
	cc := a.cfg.Broker.Concurrency
	for _, reg := range []struct {
		queue       string
		concurrency int
		handler     broker.Handler
	}{
		{pipeline.QueueScrape, cc.Scrape, a.scraper.Handler()},
		{pipeline.QueueDetect, cc.Detect, a.detector.Handler()},
		{pipeline.QueueAlert, cc.Alert, a.sender.Handler()},
	} {
		if err := a.Broker.Process(reg.queue, reg.concurrency, reg.handler); err != nil {
			return fmt.Errorf("register %s consumer: %w", reg.queue, err)
		}
	}
	return nil
}

// Start runs the queue consumers. With sync.background set it also runs the
// stale sweep and retention purge until ctx ends.
func (a *App) Start(ctx context.Context) error {
	if err := a.Broker.Start(ctx); err != nil {
		return fmt.Errorf("start broker: %w", err)
	}
	if a.cfg.Sync.Background {
		go func() {
			if err := a.Sync.Run(ctx); err != nil {
				a.logger.Error("job sync loop stopped", zap.Error(err))
			}
		}()
	}
	return nil
}

// Server builds the HTTP API over the app's services.
func (a *App) Server() (*api.Server, error) {
	return api.NewServer(api.Deps{
		Jobs:        a.JobService,
		Scheduler:   a.Scheduler,
		Maintenance: a.Sync,
		RateLimits:  a.RateLimits,
		Clock:       a.clock,
		Ready:       a.Ready,
		Logger:      a.logger.Named("api"),
	}, api.Config{
		CronSecret:       a.cfg.Auth.CronSecret,
		AdminAPIKey:      a.cfg.Auth.AdminAPIKey,
		RequestTimeout:   a.cfg.Server.RequestTimeout,
		ManualRateLimit:  a.cfg.Server.ManualRateLimit,
		ManualRateWindow: a.cfg.Server.ManualRateWindow,
	})
}

// Ready pings the backing stores.
func (a *App) Ready(ctx context.Context) error {
	if a.pool != nil {
		if err := a.pool.Ping(ctx); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
	}
	if a.rdb != nil {
		if err := a.rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

// Close stops the broker, flushes pending lifecycle events and releases
// clients, in that order.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Broker != nil {
		if err := a.Broker.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close broker: %w", err))
		}
	}
	if a.Hub != nil {
		if err := a.Hub.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close event hub: %w", err))
		}
	}
	errs = append(errs, a.closeClients())
	a.logger.Info("application services stopped")
	return errors.Join(errs...)
}

func (a *App) closeClients() error {
	var errs []error
	if a.pub != nil {
		a.pub.Stop()
		a.pub = nil
	}
	if a.ps != nil {
		if err := a.ps.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close pubsub: %w", err))
		}
		a.ps = nil
	}
	if a.render != nil {
		a.render.Close()
		a.render = nil
	}
	if a.gcs != nil {
		if err := a.gcs.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close gcs: %w", err))
		}
		a.gcs = nil
	}
	if a.rdb != nil && a.ownRDB {
		if err := a.rdb.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	a.rdb = nil
	if a.pool != nil {
		a.pool.Close()
		a.pool = nil
	}
	return errors.Join(errs...)
}
