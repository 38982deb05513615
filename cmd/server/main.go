package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"anpr-webhook/internal/config"
	anprhttp "anpr-webhook/internal/http"
	"anpr-webhook/internal/normalizer"
	"anpr-webhook/internal/repository"
	"anpr-webhook/internal/secrets"
	"anpr-webhook/internal/service"
	"anpr-webhook/internal/storage"
)

// cachedCredentials sources the database password from the secret cache.
// RefreshPassword drops every cached entry first so the retry after a rotation
// cannot be served a stale value.
type cachedCredentials struct {
	cache      *secrets.Cache
	secretName string
}

func (c *cachedCredentials) RefreshPassword(ctx context.Context) (string, error) {
	c.cache.InvalidateAll()
	return c.cache.Get(ctx, c.secretName, true)
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := newLogger(cfg)
	log.Info().
		Str("worker_id", cfg.WorkerID).
		Int("port", cfg.Server.Port).
		Bool("strict_mode", cfg.StrictMode).
		Msg("starting anpr webhook service")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var creds repository.CredentialSource
	dbPassword := cfg.Database.Password
	if cfg.Secrets.Enabled {
		fetcher, err := secrets.NewManagerFetcher(ctx, cfg.Secrets.Region, log)
		if err != nil {
			return fmt.Errorf("init secrets manager: %w", err)
		}
		cache := secrets.NewCache(fetcher, cfg.Secrets.CacheTTL, log)

		dbPassword, err = cache.Get(ctx, cfg.Secrets.SecretName, false)
		if err != nil {
			return fmt.Errorf("fetch initial database password: %w", err)
		}
		creds = &cachedCredentials{cache: cache, secretName: cfg.Secrets.SecretName}
	}

	store, err := repository.NewEventStore(ctx, repository.ConnConfig{
		WriteHost:      cfg.Database.WriteHost,
		WritePort:      cfg.Database.WritePort,
		ReadHost:       cfg.Database.ReadHost,
		ReadPort:       cfg.Database.ReadPort,
		User:           cfg.Database.User,
		Password:       dbPassword,
		Database:       cfg.Database.Name,
		SSLMode:        cfg.Database.SSLMode,
		MinConnections: cfg.Database.MinConnections,
		MaxConnections: cfg.Database.MaxConnections,
		QueryTimeout:   cfg.Database.QueryTimeout,
		AppName:        cfg.WorkerID,
	}, creds, log)
	if err != nil {
		return fmt.Errorf("init event store: %w", err)
	}
	defer store.Close()

	if err := store.EnsureTables(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	blobs, err := newStorage(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("init evidence storage: %w", err)
	}

	policy := normalizer.Policy{
		MinConfidencePercent: cfg.Normalization.MinConfidencePercent,
		RejectForeign:        cfg.Normalization.RejectForeign,
		MaxCorrections:       cfg.Normalization.MaxOCRCorrections,
	}
	processor := service.NewProcessor(store, blobs, policy, cfg.StrictMode, cfg.Storage.UploadTimeout, log)

	handler := anprhttp.NewHandler(processor, store, cfg, log)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	log.Info().Msg("shutdown signal received, draining")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info().Msg("server stopped")
	return nil
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	return zerolog.New(os.Stdout).
		Level(level).
		With().
		Timestamp().
		Str("service", "anpr-webhook").
		Str("worker_id", cfg.WorkerID).
		Logger()
}

func newStorage(ctx context.Context, cfg *config.Config, log zerolog.Logger) (storage.Store, error) {
	switch cfg.Storage.Type {
	case "s3":
		return storage.NewS3Store(ctx, cfg.Storage.S3Host, cfg.Storage.S3Region, cfg.Storage.S3Bucket, cfg.Storage.Folder, log)
	case "local":
		return storage.NewLocalStore(cfg.Storage.LocalBaseDir, cfg.Storage.Folder, log)
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Storage.Type)
	}
}
