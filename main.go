package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"github.com/rivetdb/rivetdb/pkg/blob"
	"github.com/rivetdb/rivetdb/pkg/catalog"
	"github.com/rivetdb/rivetdb/pkg/config"
	"github.com/rivetdb/rivetdb/pkg/database"
	"github.com/rivetdb/rivetdb/pkg/drivers"
	"github.com/rivetdb/rivetdb/pkg/fetch"
	"github.com/rivetdb/rivetdb/pkg/handlers"
	"github.com/rivetdb/rivetdb/pkg/query"
	"github.com/rivetdb/rivetdb/pkg/secrets"
	"github.com/rivetdb/rivetdb/pkg/services"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		os.Stderr.WriteString("failed to create logger: " + err.Error() + "\n")
		return 1
	}
	defer logger.Sync() //nolint:errcheck

	cfg, err := config.Load(*configPath, Version)
	if err != nil {
		logger.Error("Failed to load config", zap.Error(err))
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Catalog store (failure to initialize is fatal).
	cat, err := openCatalog(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize catalog", zap.Error(err))
		return 1
	}
	defer cat.Close() //nolint:errcheck

	// Blob store (failure to initialize is fatal).
	blobStore, err := openBlobStore(ctx, cfg)
	if err != nil {
		logger.Error("Failed to initialize blob store", zap.Error(err))
		return 1
	}

	// Secret store; the engine runs without a master key, serving only
	// connections that carry no secret reference.
	var cipher *secrets.Cipher
	if cfg.SecretKey != "" {
		cipher, err = secrets.NewCipher(cfg.SecretKey)
		if err != nil {
			logger.Error("Invalid RIVETDB_SECRET_KEY", zap.Error(err))
			return 1
		}
	} else {
		logger.Warn("RIVETDB_SECRET_KEY not set; secret routes disabled")
	}
	secretStore := secrets.NewStore(cat, cipher, logger)

	registry := drivers.NewRegistry()
	orch := fetch.New(cat, blobStore, secretStore, registry, fetch.Options{
		FetchTimeout: cfg.Fetch.Timeout(),
		GracePeriod:  cfg.Fetch.GracePeriod(),
	}, logger)
	orch.StartOrphanSweeper(ctx, cfg.Fetch.OrphanSweepInterval())

	var s3opts *query.S3Options
	if cfg.Blob.Backend == "s3" {
		s3opts = &query.S3Options{
			Region:          cfg.Blob.Region,
			Endpoint:        cfg.Blob.Endpoint,
			AccessKeyID:     cfg.Blob.AccessKeyID,
			SecretAccessKey: cfg.Blob.SecretAccessKey,
		}
	}
	executor := query.NewDuckDBExecutor(cat, orch, s3opts, logger)

	connectionSvc := services.NewConnectionService(cat, blobStore, registry, orch, logger)
	refreshSvc := services.NewRefreshService(cat, orch, cfg.Fetch.RefreshParallelism, cfg.Fetch.JobRetention(), logger)
	refreshSvc.StartReaper(ctx, 5*time.Minute)

	resultSvc, err := services.NewResultService(cat, executor,
		filepath.Join(cfg.Blob.RootDir, "results"),
		time.Duration(cfg.Fetch.ResultRetentionHours)*time.Hour, logger)
	if err != nil {
		logger.Error("Failed to initialize result store", zap.Error(err))
		return 1
	}
	resultSvc.StartSweeper(ctx, time.Hour)

	mux := http.NewServeMux()
	handlers.NewHealthHandler(cfg.Version).RegisterRoutes(mux)
	handlers.NewConnectionsHandler(connectionSvc, refreshSvc, logger).RegisterRoutes(mux)
	handlers.NewRefreshHandler(connectionSvc, refreshSvc, ctx, logger).RegisterRoutes(mux)
	handlers.NewSecretsHandler(secretStore, logger).RegisterRoutes(mux)
	handlers.NewQueryHandler(executor, resultSvc, logger).RegisterRoutes(mux)

	addr := cfg.BindAddr + ":" + cfg.Port
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Server listening",
			zap.String("addr", addr),
			zap.String("version", cfg.Version),
			zap.String("catalog_backend", cfg.Catalog.Backend),
			zap.String("blob_backend", cfg.Blob.Backend))
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server failed", zap.Error(err))
			return 1
		}
	case <-ctx.Done():
		logger.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Graceful shutdown incomplete", zap.Error(err))
		}
	}
	return 0
}

func openCatalog(ctx context.Context, cfg *config.Config, logger *zap.Logger) (catalog.Store, error) {
	switch cfg.Catalog.Backend {
	case "postgres":
		// Migrations run over a dedicated database/sql handle; the store
		// itself uses the pgx pool.
		migrateDB, err := sql.Open("pgx", cfg.Catalog.DSN())
		if err != nil {
			return nil, err
		}
		if err := database.RunPostgresMigrations(migrateDB, logger); err != nil {
			migrateDB.Close()
			return nil, err
		}
		migrateDB.Close()

		db, err := database.NewPostgres(ctx, &database.PostgresConfig{
			URL:            cfg.Catalog.DSN(),
			MaxConnections: cfg.Catalog.MaxConnections,
		})
		if err != nil {
			return nil, err
		}
		return catalog.NewPostgresStore(db), nil

	default: // sqlite
		db, err := database.NewSQLite(cfg.Catalog.Path)
		if err != nil {
			return nil, err
		}
		if err := database.RunSQLiteMigrations(db, logger); err != nil {
			db.Close()
			return nil, err
		}
		return catalog.NewSQLiteStore(db), nil
	}
}

func openBlobStore(ctx context.Context, cfg *config.Config) (blob.Store, error) {
	switch cfg.Blob.Backend {
	case "s3":
		return blob.NewS3Store(ctx, blob.S3Config{
			Bucket:          cfg.Blob.Bucket,
			Region:          cfg.Blob.Region,
			Endpoint:        cfg.Blob.Endpoint,
			AccessKeyID:     cfg.Blob.AccessKeyID,
			SecretAccessKey: cfg.Blob.SecretAccessKey,
		})
	default:
		return blob.NewFilesystemStore(cfg.Blob.RootDir)
	}
}
