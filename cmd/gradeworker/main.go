// Command gradeworker runs one grading worker process: it claims pending
// runs from the shared store, drives the registered graphs, and writes
// results back. Scale out by running more processes against the same store.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/smallnest/gradeflow/cache"
	"github.com/smallnest/gradeflow/config"
	"github.com/smallnest/gradeflow/flows"
	openaigrader "github.com/smallnest/gradeflow/grader/openai"
	"github.com/smallnest/gradeflow/graph"
	"github.com/smallnest/gradeflow/log"
	"github.com/smallnest/gradeflow/orchestrator"
	"github.com/smallnest/gradeflow/ratelimit"
	"github.com/smallnest/gradeflow/store"
	"github.com/smallnest/gradeflow/store/memory"
	"github.com/smallnest/gradeflow/store/postgres"
	"github.com/smallnest/gradeflow/store/sqlite"
	"github.com/smallnest/gradeflow/worker"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "gradeworker:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := log.NewDefault()
	logger.SetLevel(log.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	var gradeCache cache.Cache[flows.GradingResult] = cache.Nop[flows.GradingResult]{}
	if cfg.RedisAddr != "" {
		gradeCache = cache.NewRedisCache[flows.GradingResult](cache.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			TTL:      cfg.CacheTTL(),
			Logger:   logger,
		})
	}

	var limiter *ratelimit.Limiter
	if cfg.GraderRateLimit > 0 {
		limiter = ratelimit.NewLimiter(cfg.GraderRateLimit, time.Minute)
	}

	grader := openaigrader.New(openaigrader.Options{
		APIKey:  cfg.OpenAIAPIKey,
		BaseURL: cfg.OpenAIBaseURL,
		Model:   cfg.OpenAIModel,
		Limiter: limiter,
		Logger:  logger,
	})

	registry := worker.NewRegistry()
	orch := orchestrator.New(st, registry, logger)

	catalog := &flows.Catalog{
		Exam: &flows.ExamServices{
			Layout:          &layoutService{baseURL: cfg.LayoutServiceURL},
			Grader:          grader,
			Persistence:     &resultStore{baseURL: cfg.ResultStoreURL},
			Notifier:        &notifyService{baseURL: cfg.NotifyServiceURL},
			Hasher:          imageHasher{},
			Cache:           gradeCache,
			ReviewThreshold: cfg.ReviewThreshold,
			CacheThreshold:  cfg.CacheThreshold,
			GradeTimeout:    cfg.GradeTimeout(),
			SegmentTimeout:  cfg.SegmentTimeout(),
			Logger:          logger,
		},
		Batch: &flows.BatchServices{
			Detector:          &boundaryDetector{baseURL: cfg.LayoutServiceURL},
			Starter:           orch,
			BoundaryThreshold: cfg.ReviewThreshold,
			Logger:            logger,
		},
		Upgrade: &flows.UpgradeServices{
			Toolkit: &ruleToolkit{baseURL: cfg.RuleToolkitURL},
			Logger:  logger,
		},
		EngineOptions: graph.Options{
			DefaultNodeTimeout: cfg.NodeTimeout(),
			Logger:             logger,
		},
	}
	if err := catalog.Register(registry, st); err != nil {
		return err
	}

	pool, err := worker.NewPool(st, registry, worker.Options{
		MaxConcurrentRuns: cfg.MaxConcurrentRuns,
		Lease:             cfg.WorkerLease(),
		Logger:            logger,
	})
	if err != nil {
		return err
	}

	logger.Info("gradeworker started: store=%s graphs=%v", cfg.Store, registry.Names())
	pool.Start(ctx)

	<-ctx.Done()
	logger.Info("shutting down")
	pool.Stop()
	return nil
}

func openStore(ctx context.Context, cfg config.Config) (store.Store, func(), error) {
	switch cfg.Store {
	case "postgres":
		pg, err := postgres.NewPostgresStore(ctx, postgres.Options{ConnString: cfg.DatabaseURL})
		if err != nil {
			return nil, nil, err
		}
		if err := pg.InitSchema(ctx); err != nil {
			pg.Close()
			return nil, nil, err
		}
		return pg, pg.Close, nil

	case "sqlite":
		path := cfg.SqlitePath
		if path == "" {
			path = "gradeflow.db"
		}
		sq, err := sqlite.NewSqliteStore(sqlite.Options{Path: path})
		if err != nil {
			return nil, nil, err
		}
		return sq, func() { sq.Close() }, nil

	case "memory", "":
		return memory.NewMemoryStore(), func() {}, nil

	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Store)
	}
}
