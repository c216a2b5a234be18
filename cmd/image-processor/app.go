package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/wb-go/wbf/dbpg"
	"github.com/wb-go/wbf/retry"
	"github.com/wb-go/wbf/zlog"
	_ "modernc.org/sqlite"

	jobhttp "github.com/aliskhannn/image-pipeline/internal/api/handlers/job"
	"github.com/aliskhannn/image-pipeline/internal/api/router"
	"github.com/aliskhannn/image-pipeline/internal/api/server"
	"github.com/aliskhannn/image-pipeline/internal/chain"
	"github.com/aliskhannn/image-pipeline/internal/config"
	"github.com/aliskhannn/image-pipeline/internal/engine"
	"github.com/aliskhannn/image-pipeline/internal/fetch"
	"github.com/aliskhannn/image-pipeline/internal/infra/kafka/consumer"
	"github.com/aliskhannn/image-pipeline/internal/infra/kafka/producer"
	jobmsg "github.com/aliskhannn/image-pipeline/internal/kafka/handlers/job"
	"github.com/aliskhannn/image-pipeline/internal/modification"
	jobrepo "github.com/aliskhannn/image-pipeline/internal/repository/job"
	jobsvc "github.com/aliskhannn/image-pipeline/internal/service/job"
	"github.com/aliskhannn/image-pipeline/internal/storage/file"
)

type role int

const (
	roleAPI role = 1 << iota
	roleWorker
)

// closer releases one resource on shutdown.
type closer struct {
	name string
	fn   func() error
}

func run(ctx context.Context, configPath string, roles role) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	var closers []closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].fn(); err != nil {
				zlog.Logger.Error().Err(err).Msgf("failed to close %s", closers[i].name)
			}
		}
	}()

	repo, dbClosers, err := openRepository(ctx, &cfg.Database)
	closers = append(closers, dbClosers...)
	if err != nil {
		return err
	}

	// Initialize file storage (MinIO).
	storage, err := file.NewStorage(ctx, cfg.Storage.Endpoint, cfg.Storage.AccessKey, cfg.Storage.SecretKey, cfg.Storage.BucketName, cfg.Storage.UseSSL)
	if err != nil {
		return fmt.Errorf("failed to connect to storage: %w", err)
	}

	// Retry strategy for Kafka and other external calls.
	strategy := retry.Strategy{
		Attempts: cfg.Retry.Attempts,
		Delay:    cfg.Retry.Delay,
		Backoff:  cfg.Retry.Backoff,
	}

	downloader := fetch.New(cfg.Worker.DownloadTimeout)
	registry, err := modification.NewRegistry(
		modification.NewGrayscale(),
		modification.NewResize(),
		modification.NewWatermark(downloader),
	)
	if err != nil {
		return fmt.Errorf("failed to build modification registry: %w", err)
	}
	zlog.Logger.Info().Strs("modifications", registry.IDs()).Msg("modification registry ready")

	var wg sync.WaitGroup

	if roles&roleWorker != 0 {
		workspaceRoot, err := filepath.Abs(cfg.Worker.WorkspaceRoot)
		if err != nil {
			return fmt.Errorf("workspace root: %w", err)
		}

		eng := engine.New(repo, storage, downloader, registry, engine.NewWorkspaces(workspaceRoot))
		handlerStrategy := retry.Strategy{
			Attempts: cfg.Worker.Attempts,
			Delay:    cfg.Worker.Delay,
			Backoff:  cfg.Worker.Backoff,
		}
		c := consumer.New(&cfg.Kafka, strategy, handlerStrategy, cfg.Worker.Concurrency, jobmsg.NewHandler(eng))
		closers = append(closers, closer{"kafka consumer client", c.Client.Close})

		zlog.Logger.Info().
			Int("concurrency", cfg.Worker.Concurrency).
			Str("workspace_root", workspaceRoot).
			Msg("starting job worker")

		// Start Kafka consumer in a separate goroutine.
		wg.Add(1)
		go c.Consume(ctx, &wg)
	}

	var srv *http.Server
	serverErr := make(chan error, 1)

	if roles&roleAPI != 0 {
		p := producer.New(&cfg.Kafka, strategy)
		closers = append(closers, closer{"kafka producer client", p.Client.Close})

		builder := chain.NewBuilder(registry)
		service := jobsvc.NewService(builder, repo, p, storage, cfg.Storage.SignedURLExpiry)

		// Start HTTP server in a separate goroutine.
		srv = server.New(cfg.Server, router.Setup(jobhttp.NewHandler(service), cfg.Server.CORSOrigin))
		go func() {
			zlog.Logger.Info().Str("addr", cfg.Server.HTTPPort).Msg("starting http server")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- err
			}
		}()
	}

	// Block until context is canceled (SIGINT/SIGTERM) or the server dies.
	select {
	case <-ctx.Done():
		zlog.Logger.Info().Msg("context done")
	case err = <-serverErr:
		zlog.Logger.Error().Err(err).Msg("http server stopped")
	}

	if srv != nil {
		// Graceful shutdown with timeout for HTTP server.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		zlog.Logger.Info().Msg("shutting down server")
		if err := srv.Shutdown(shutdownCtx); err != nil {
			zlog.Logger.Error().Err(err).Msg("failed to shutdown server")
		}
		if errors.Is(shutdownCtx.Err(), context.DeadlineExceeded) {
			zlog.Logger.Info().Msg("timeout exceeded, forcing shutdown")
		}
	}

	// Wait for in-flight jobs to finish.
	wg.Wait()

	return err
}

// openRepository connects the job store selected by cfg.Driver and makes sure
// the schema exists. The returned closers are valid even on error.
func openRepository(ctx context.Context, cfg *config.Database) (*jobrepo.Repository, []closer, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
			return nil, nil, fmt.Errorf("sqlite dir: %w", err)
		}

		db, err := sql.Open("sqlite", cfg.SQLitePath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sqlite: %w", err)
		}
		db.SetMaxOpenConns(1)
		closers := []closer{{"sqlite DB", db.Close}}

		repo := jobrepo.NewRepository(db)
		if err := repo.EnsureSchema(ctx); err != nil {
			return nil, closers, err
		}
		zlog.Logger.Info().Str("path", cfg.SQLitePath).Msg("using sqlite job store")

		return repo, closers, nil

	default:
		// Connect to PostgreSQL (master and slaves).
		opts := &dbpg.Options{
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
		}

		// Collect slave DSNs for replica connections.
		slaveDSNs := make([]string, 0, len(cfg.Slaves))
		for _, s := range cfg.Slaves {
			slaveDSNs = append(slaveDSNs, s.DSN())
		}

		db, err := dbpg.New(cfg.Master.DSN(), slaveDSNs, opts)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		closers := []closer{{"master DB", db.Master.Close}}
		for i, s := range db.Slaves {
			closers = append(closers, closer{fmt.Sprintf("slave DB %d", i), s.Close})
		}

		repo := jobrepo.NewRepository(db)
		if err := repo.EnsureSchema(ctx); err != nil {
			return nil, closers, err
		}
		zlog.Logger.Info().Str("host", cfg.Master.Host).Msg("using postgres job store")

		return repo, closers, nil
	}
}
