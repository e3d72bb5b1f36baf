package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/maneesh/transferbox/internal/config"
	"github.com/maneesh/transferbox/internal/handlers"
	"github.com/maneesh/transferbox/internal/logging"
	"github.com/maneesh/transferbox/internal/retention"
	"github.com/maneesh/transferbox/internal/storage"
	"github.com/maneesh/transferbox/internal/tracing"
	"github.com/maneesh/transferbox/internal/transfer"
)

func main() {
	if err := run(); err != nil {
		slog.Error("transferbox exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	log := logging.New(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(log.Slog())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info(ctx, "starting transferbox", "service", cfg.ServiceName, "port", cfg.ServicePort)

	if cfg.TracingEnabled {
		shutdownTracer, err := tracing.InitTracer(ctx, cfg.ServiceName, cfg.OTLPEndpoint, log)
		if err != nil {
			return err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTracer(sctx); err != nil {
				log.Warn(sctx, "error shutting down tracer", "error", err)
			}
		}()
	}

	blobs, err := newBlobStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	log.Info(ctx, "blob store initialized", "backend", cfg.BlobBackend)

	meta, err := storage.NewSQLStore(ctx, cfg.DBDialect, cfg.GetDSN())
	if err != nil {
		return err
	}
	defer meta.Close()
	if cfg.DBMigrate {
		if err := meta.Migrate(ctx); err != nil {
			return err
		}
	}
	log.Info(ctx, "metadata store initialized", "dialect", cfg.DBDialect)

	var cache storage.MetadataCache
	if cfg.RedisEnabled {
		redisClient, err := storage.NewRedisClient(ctx, cfg.GetRedisAddr(), cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return err
		}
		defer redisClient.Close()
		cache = redisClient
		log.Info(ctx, "metadata cache initialized", "addr", cfg.GetRedisAddr())
	}

	policy, err := transfer.ParseMemberPolicy(cfg.MemberFailurePolicy)
	if err != nil {
		return err
	}

	uploader := transfer.NewUploader(blobs, meta, log, transfer.UploaderOptions{
		Retention:   cfg.Retention,
		Concurrency: cfg.UploadConcurrency,
	})
	resolver := transfer.NewResolver(meta, cache, cfg.CacheTTL, log, nil)
	streamer := transfer.NewStreamer(blobs, meta, log, transfer.StreamerOptions{
		Policy:           policy,
		PrefetchDepth:    cfg.PrefetchDepth,
		CompressionLevel: cfg.ZipCompressionLevel,
	})

	router := handlers.NewRouter(
		handlers.NewUploadHandler(uploader, log, handlers.UploadLimits{
			MaxFiles:     cfg.MaxFilesPerUpload,
			MaxFileSize:  cfg.MaxFileSizeBytes(),
			MaxTotalSize: cfg.MaxTotalSizeBytes(),
		}, cfg.BaseURL),
		handlers.NewDownloadHandler(resolver, streamer, log),
	)

	sweepCtx, stopSweeper := context.WithCancel(ctx)
	sweeperDone := make(chan struct{})
	go func() {
		defer close(sweeperDone)
		retention.NewSweeper(meta, blobs, cache, log).Run(sweepCtx, cfg.RetentionSweepInterval)
	}()

	// only header reads are bounded; bodies may stream for a long time
	srv := &http.Server{
		Addr:              ":" + cfg.ServicePort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          slog.NewLogLogger(log.Slog().Handler(), slog.LevelWarn),
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info(ctx, "server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		stopSweeper()
		<-sweeperDone
		return err
	case <-ctx.Done():
	}

	log.Info(context.Background(), "shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn(shutdownCtx, "server forced to shutdown", "error", err)
	}

	stopSweeper()
	<-sweeperDone
	// both are bounded by their own per-operation timeouts
	streamer.Wait()
	uploader.Wait()

	log.Info(context.Background(), "server exited")
	return nil
}

func newBlobStore(ctx context.Context, cfg *config.Config, log logging.Logger) (storage.BlobStore, error) {
	if cfg.BlobBackend == config.BlobBackendS3 {
		return storage.NewS3Client(ctx, storage.S3Options{
			Region:    cfg.S3Region,
			Bucket:    cfg.S3Bucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Endpoint:  cfg.S3Endpoint,
		})
	}
	return storage.NewMinioClient(ctx,
		cfg.MinIOEndpoint,
		cfg.MinIOAccessKey,
		cfg.MinIOSecretKey,
		cfg.MinIOBucketName,
		cfg.MinIOUseSSL,
		log,
	)
}
