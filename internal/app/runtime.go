package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/iago/download-jobs/internal/config"
	httpserver "github.com/iago/download-jobs/internal/http"
	"github.com/iago/download-jobs/internal/http/handlers"
	"github.com/iago/download-jobs/internal/queue"
	"github.com/iago/download-jobs/internal/repository"
	"github.com/iago/download-jobs/internal/retrieval"
	"github.com/iago/download-jobs/internal/service"
	"github.com/iago/download-jobs/internal/storage"
	"github.com/iago/download-jobs/internal/sweeper"
	"github.com/iago/download-jobs/internal/worker"
)

// Runtime holds every wired component of the download service. The API binary
// serves Handler and runs Pool and Sweeper; jobctl uses Jobs and Sweeper
// against the same store and queue.
type Runtime struct {
	Config    config.Config
	Jobs      *service.JobsService
	Queue     queue.Queue
	Artifacts *storage.LocalFS
	Pool      *worker.Pool
	Sweeper   *sweeper.Sweeper
	Handler   http.Handler

	closers []func()
}

func Build(ctx context.Context, cfg config.Config, logger *log.Logger) (*Runtime, error) {
	runtime := &Runtime{Config: cfg}

	repo, err := runtime.setupRepository(ctx, cfg, logger)
	if err != nil {
		runtime.Close()
		return nil, err
	}

	workQueue, err := runtime.setupQueue(ctx, cfg, logger)
	if err != nil {
		runtime.Close()
		return nil, err
	}
	runtime.Queue = workQueue

	artifacts, err := storage.NewLocalFS(storage.LocalFSConfig{
		Root:    cfg.StorageRoot,
		BaseURL: cfg.PublicBaseURL,
		Secret:  []byte(cfg.AccessLinkSecret),
		LinkTTL: cfg.AccessLinkTTL(),
	})
	if err != nil {
		runtime.Close()
		return nil, fmt.Errorf("init artifact storage: %w", err)
	}
	runtime.Artifacts = artifacts

	retriever, err := setupRetriever(cfg, artifacts, logger)
	if err != nil {
		runtime.Close()
		return nil, fmt.Errorf("init retriever: %w", err)
	}

	runtime.Jobs = service.NewJobsService(repo, workQueue, artifacts, logger, service.JobsConfig{
		MaxFileIDs:      cfg.JobMaxFileIDs,
		EnqueueAttempts: cfg.EnqueueAttempts,
		EnqueueBackoff:  time.Duration(cfg.EnqueueBackoffMS) * time.Millisecond,
	})

	runtime.Pool = worker.NewPool(workQueue, runtime.Jobs, retriever, artifacts, logger, worker.Config{
		PoolSize:        cfg.WorkerPoolSize,
		Lease:           cfg.WorkerLease(),
		PollInterval:    time.Duration(cfg.WorkerClaimPollMS) * time.Millisecond,
		MaxPollInterval: time.Duration(cfg.WorkerClaimPollMaxMS) * time.Millisecond,
		MaxAttempts:     cfg.JobMaxAttempts,
	})

	runtime.Sweeper = sweeper.New(runtime.Jobs, logger, sweeper.Config{
		Interval:       cfg.SweepInterval(),
		StallThreshold: cfg.StallThreshold(),
		Retention:      cfg.Retention(),
	})

	runtime.Handler = httpserver.NewRouter(httpserver.RouterDependencies{
		API:            handlers.NewAPI(runtime.Jobs, artifacts, logger),
		Logger:         logger,
		AuthToken:      cfg.AuthToken,
		CORSOrigins:    cfg.CORSAllowedOrigins,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
	})

	return runtime, nil
}

// Close releases store and queue connections in reverse order of creation.
func (r *Runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
	r.closers = nil
}

func (r *Runtime) setupRepository(
	ctx context.Context,
	cfg config.Config,
	logger *log.Logger,
) (repository.JobsRepository, error) {
	switch {
	case cfg.DatabaseURL != "":
		pgRepo, err := repository.NewPostgresJobsRepository(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init postgres repository: %w", err)
		}
		logger.Printf("postgres repository initialized")
		r.closers = append(r.closers, pgRepo.Close)
		return pgRepo, nil
	case cfg.SQLitePath != "":
		sqliteRepo, err := repository.NewSQLiteJobsRepository(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("init sqlite repository: %w", err)
		}
		logger.Printf("sqlite repository initialized path=%s", cfg.SQLitePath)
		r.closers = append(r.closers, func() { _ = sqliteRepo.Close() })
		return sqliteRepo, nil
	default:
		logger.Printf("DATABASE_URL and SQLITE_PATH not configured, using in-memory repository")
		return repository.NewMemoryJobsRepository(), nil
	}
}

func (r *Runtime) setupQueue(ctx context.Context, cfg config.Config, logger *log.Logger) (queue.Queue, error) {
	if cfg.RedisAddr == "" {
		logger.Printf("REDIS_ADDR not configured, using local queue")
		return queue.NewLocalQueue(4096, logger), nil
	}

	redisQueue, err := queue.NewRedisQueue(ctx, queue.RedisConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		Prefix:   cfg.RedisQueuePrefix,
	})
	if err != nil {
		return nil, fmt.Errorf("init redis queue: %w", err)
	}
	logger.Printf("redis queue initialized prefix=%s", cfg.RedisQueuePrefix)
	r.closers = append(r.closers, func() { _ = redisQueue.Close() })
	return redisQueue, nil
}

func setupRetriever(cfg config.Config, artifacts retrieval.ArtifactWriter, logger *log.Logger) (*retrieval.LocalRetriever, error) {
	if cfg.FileSourceURL == "" {
		logger.Printf("FILE_SOURCE_URL not configured, reading files from %s", cfg.SourceRoot)
		return retrieval.NewLocalRetriever(cfg.SourceRoot, cfg.StagingRoot, artifacts)
	}

	source, err := retrieval.NewHTTPSource(retrieval.HTTPSourceConfig{
		BaseURL:    cfg.FileSourceURL,
		Token:      cfg.FileSourceToken,
		Timeout:    time.Duration(cfg.FileSourceTimeoutMS) * time.Millisecond,
		MaxRetries: cfg.FileSourceMaxRetries,
	})
	if err != nil {
		return nil, err
	}
	logger.Printf("file source initialized url=%s", cfg.FileSourceURL)
	return retrieval.NewRetriever(source, cfg.StagingRoot, artifacts)
}
