// Copyright 2025 James Ross
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BetterAndBetterII/SiteSearch/internal/admin"
	"github.com/BetterAndBetterII/SiteSearch/internal/adminapi"
	"github.com/BetterAndBetterII/SiteSearch/internal/config"
	"github.com/BetterAndBetterII/SiteSearch/internal/dedup"
	"github.com/BetterAndBetterII/SiteSearch/internal/exactly_once"
	"github.com/BetterAndBetterII/SiteSearch/internal/handler"
	"github.com/BetterAndBetterII/SiteSearch/internal/monitor"
	"github.com/BetterAndBetterII/SiteSearch/internal/obs"
	"github.com/BetterAndBetterII/SiteSearch/internal/queue"
	"github.com/BetterAndBetterII/SiteSearch/internal/redisclient"
	"github.com/BetterAndBetterII/SiteSearch/internal/supervisor"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var version = "dev"

func main() {
	var role string
	var configPath string
	var adminConfigPath string
	var adminCmd string
	var adminQueue string
	var adminN int
	var adminYes bool
	var benchCount int
	var benchRate int
	var benchQueue string
	var benchTimeout time.Duration
	var showVersion bool

	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&role, "role", "all", "Role to run: pipeline|admin-api|all|admin")
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to pipeline YAML config")
	fs.StringVar(&adminConfigPath, "admin-config", "config/admin-api.yaml", "Path to admin API YAML config")
	fs.StringVar(&adminCmd, "admin-cmd", "", "Admin command: stats|stats-keys|peek|purge-failed|purge-all|bench")
	fs.StringVar(&adminQueue, "queue", "", "Queue alias for admin peek/purge-failed (url|crawl|clean|index)")
	fs.IntVar(&adminN, "n", 10, "Number of items for admin peek")
	fs.BoolVar(&adminYes, "yes", false, "Automatic yes to prompts (dangerous operations)")
	fs.IntVar(&benchCount, "bench-count", 1000, "Admin bench: number of URLs to seed")
	fs.IntVar(&benchRate, "bench-rate", 500, "Admin bench: enqueue rate tasks/sec")
	fs.StringVar(&benchQueue, "bench-queue", "url", "Admin bench: queue alias")
	fs.DurationVar(&benchTimeout, "bench-timeout", 60*time.Second, "Admin bench: timeout to wait for completion")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := obs.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	tp, err := obs.MaybeInitTracing(cfg)
	if err != nil {
		logger.Warn("tracing init failed", obs.Err(err))
	}
	if tp != nil {
		defer func() { _ = tp.Shutdown(context.Background()) }()
	}

	rdb := redisclient.New(cfg)
	defer rdb.Close()
	qm := queue.New(rdb)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if role == "admin" {
		runAdminCLI(ctx, cfg, qm, logger, adminCmd, adminQueue, adminN, adminYes, benchQueue, benchCount, benchRate, benchTimeout)
		return
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("signal received, shutting down", obs.String("signal", sig.String()))
		cancel()
		select {
		case sig2 := <-sigCh:
			logger.Warn("second signal received, exiting immediately", obs.String("signal", sig2.String()))
			os.Exit(1)
		case <-time.After(cfg.Supervisor.DrainTimeout):
		}
	}()

	readyCheck := func(c context.Context) error {
		_, err := rdb.Ping(c).Result()
		return err
	}
	httpSrv := obs.StartHTTPServer(cfg, readyCheck)
	defer func() { _ = httpSrv.Shutdown(context.Background()) }()
	obs.StartQueueLengthUpdater(ctx, cfg, rdb, logger)

	idem := exactly_once.NewRedisIdempotencyManager(rdb, "sitesearch:idem", 7*24*time.Hour)
	dedupPolicy := dedup.New(rdb, "sitesearch:dedup", 30*24*time.Hour)

	sup, outbox, closeStore := buildSupervisor(ctx, cfg, qm, idem, dedupPolicy, logger)
	if closeStore != nil {
		defer closeStore()
	}

	if err := sup.Initialize(ctx); err != nil {
		logger.Fatal("supervisor initialize failed", obs.Err(err))
	}
	if err := outbox.Start(ctx); err != nil {
		logger.Warn("outbox processor already running", obs.Err(err))
	}

	mon := monitor.New(cfg, qm, logger)
	mon.Subscribe(func(a monitor.Alert) {
		logger.Warn("pipeline alert",
			obs.String("queue", a.Queue),
			obs.String("kind", string(a.Kind)),
			obs.String("message", a.Message))
	})

	switch role {
	case "pipeline":
		sup.StartWorkers(ctx)
		if err := mon.Start(ctx); err != nil {
			logger.Fatal("monitor start failed", obs.Err(err))
		}
		defer mon.Stop()
		<-ctx.Done()
	case "admin-api":
		runAdminAPI(ctx, adminConfigPath, cfg, qm, sup, idem, outbox, logger)
	case "all":
		sup.StartWorkers(ctx)
		if err := mon.Start(ctx); err != nil {
			logger.Fatal("monitor start failed", obs.Err(err))
		}
		defer mon.Stop()
		runAdminAPI(ctx, adminConfigPath, cfg, qm, sup, idem, outbox, logger)
	default:
		logger.Fatal("unknown role", obs.String("role", role))
	}

	if err := sup.Shutdown(context.Background()); err != nil {
		logger.Warn("supervisor shutdown error", obs.Err(err))
	}
}

// buildSupervisor wires the four stage handlers and the Supervisor that
// runs their worker pools. It always takes the transactional-outbox path:
// the Postgres document store is opened from cfg.Store.DSN and the
// persister hands index-stage work to the outbox.
// supervisorLinkSink breaks the construction cycle between the Fetcher
// (which needs a LinkSink to re-seed discovered links) and the Supervisor
// (which needs the Fetcher already built to become that LinkSink).
type supervisorLinkSink struct {
	sup *supervisor.Supervisor
}

func (s *supervisorLinkSink) SeedURL(ctx context.Context, url, siteID string) error {
	return s.sup.SeedURL(ctx, url, siteID)
}

func buildSupervisor(ctx context.Context, cfg *config.Config, qm *queue.Manager, idem exactly_once.IdempotencyManager, dedupPolicy *dedup.Policy, logger *zap.Logger) (*supervisor.Supervisor, *exactly_once.SQLOutboxManager, func()) {
	links := &supervisorLinkSink{}
	fetcher, err := handler.NewFetcher(cfg.Fetcher, links, logger)
	if err != nil {
		logger.Fatal("fetcher init failed", obs.Err(err))
	}
	cleaner := handler.NewCleaner()

	store, err := handler.NewPostgresDocumentStore(cfg.Store.DSN)
	if err != nil {
		logger.Fatal("document store init failed", obs.Err(err))
	}
	if err := store.EnsureSchema(ctx); err != nil {
		logger.Warn("ensure documents schema failed", obs.Err(err))
	}
	if err := exactly_once.CreateOutboxTable(store.DB()); err != nil {
		logger.Warn("ensure outbox schema failed", obs.Err(err))
	}

	outbox := exactly_once.NewSQLOutboxManager(store.DB(), handler.NewQueueOutboxAdapter(qm), idem)
	persister := handler.NewTransactionalPersister(store, dedupPolicy, outbox, cfg.Pipeline.Persist.OutputQueue)
	closeFn := func() { _ = store.DB().Close() }

	indexer := handler.NewIndexer(handler.NewInMemoryVectorStore(), handler.ConstantEmbedder{Dims: 32}, 2000)

	handlers := [4]handler.Handler{fetcher, cleaner, persister, indexer}
	sup := supervisor.New(cfg, qm, logger, handlers).WithIdempotency(idem)
	links.sup = sup
	return sup, outbox, closeFn
}

func runAdminAPI(ctx context.Context, adminConfigPath string, cfg *config.Config, qm *queue.Manager, sup *supervisor.Supervisor, idem exactly_once.IdempotencyManager, outbox *exactly_once.SQLOutboxManager, logger *zap.Logger) {
	adminCfg, err := loadAdminConfig(adminConfigPath)
	if err != nil {
		logger.Fatal("failed to load admin api config", obs.Err(err))
	}
	if err := adminapi.Run(ctx, adminCfg, cfg, qm, sup, idem, outbox, logger); err != nil {
		logger.Fatal("admin api stopped", obs.Err(err))
	}
}

func loadAdminConfig(path string) (*adminapi.Config, error) {
	cfg := adminapi.DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runAdminCLI(ctx context.Context, cfg *config.Config, qm *queue.Manager, logger *zap.Logger, cmd, queueAlias string, n int, yes bool, benchQueue string, benchCount, benchRate int, benchTimeout time.Duration) {
	switch cmd {
	case "stats":
		res, err := admin.Stats(ctx, cfg, qm)
		if err != nil {
			logger.Fatal("admin stats error", obs.Err(err))
		}
		printJSON(res)
	case "stats-keys":
		res, err := admin.StatsKeys(ctx, cfg, qm)
		if err != nil {
			logger.Fatal("admin stats-keys error", obs.Err(err))
		}
		printJSON(res)
	case "peek":
		if queueAlias == "" {
			logger.Fatal("admin peek requires --queue")
		}
		res, err := admin.Peek(ctx, cfg, qm, queueAlias, int64(n))
		if err != nil {
			logger.Fatal("admin peek error", obs.Err(err))
		}
		printJSON(res)
	case "purge-failed":
		if queueAlias == "" {
			logger.Fatal("admin purge-failed requires --queue")
		}
		if !yes {
			logger.Fatal("refusing to purge without --yes")
		}
		purged, err := admin.PurgeFailed(ctx, cfg, qm, queueAlias)
		if err != nil {
			logger.Fatal("admin purge-failed error", obs.Err(err))
		}
		printJSON(struct {
			Purged int `json:"purged"`
		}{Purged: purged})
	case "purge-all":
		if !yes {
			logger.Fatal("refusing to purge without --yes")
		}
		purged, err := admin.PurgeAll(ctx, cfg, qm)
		if err != nil {
			logger.Fatal("admin purge-all error", obs.Err(err))
		}
		printJSON(struct {
			Purged int64 `json:"purged"`
		}{Purged: purged})
	case "bench":
		res, err := admin.Bench(ctx, cfg, qm, benchQueue, benchCount, benchRate, benchTimeout)
		if err != nil {
			logger.Fatal("admin bench error", obs.Err(err))
		}
		printJSON(res)
	default:
		logger.Fatal("unknown admin command", obs.String("cmd", cmd))
	}
}

func printJSON(v interface{}) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
}
