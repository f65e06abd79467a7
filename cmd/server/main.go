package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/org/soaportal/internal/api"
	"github.com/org/soaportal/internal/blob"
	"github.com/org/soaportal/internal/storage"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfgFile := "config.yaml"
	if v := os.Getenv("SOA_CONFIG"); v != "" {
		cfgFile = v
	}
	cfg, found, err := loadConfig(cfgFile, os.Getenv)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if !found {
		log.Warn().Str("file", cfgFile).Msg("config file not found, using defaults")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if err := cfg.validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	secret, err := cfg.linkSecret()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid link_secret")
	}
	sessionTTL, err := cfg.sessionTTL()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid session_ttl")
	}
	cfg.PublicBaseURL = strings.TrimRight(cfg.PublicBaseURL, "/")

	ctx := context.Background()

	var store storage.StorageBackend
	if cfg.DBUrl == "" {
		log.Warn().Msg("db_url not set, using in-memory storage; data is lost on restart")
		store = storage.NewMemoryBackend()
	} else {
		if err := storage.RunMigrations(cfg.DBUrl, cfg.MigrationsDir); err != nil {
			log.Fatal().Err(err).Msg("failed to run migrations")
		}
		log.Info().Msg("migrations applied")

		pg, err := storage.NewPostgresBackend(ctx, cfg.DBUrl)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to database")
		}
		store = pg
	}
	defer store.Close()

	blobs, err := blob.NewFSStore(cfg.StorageDir, cfg.storageURL())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open storage dir")
	}

	srv, err := api.NewServer(store, blobs, api.Config{
		ListenAddr:     cfg.ListenAddr,
		TLSCertFile:    cfg.TLSCertFile,
		TLSKeyFile:     cfg.TLSKeyFile,
		PublicBaseURL:  cfg.PublicBaseURL,
		LinkSecret:     secret,
		SessionTTL:     sessionTTL,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
		TrustedProxies: cfg.TrustedProxies,
		Facility:       cfg.Facility,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create server")
	}

	if err := srv.Users().EnsureAdmin(ctx, cfg.BootstrapAdminName, cfg.BootstrapAdminEmail, cfg.BootstrapAdminPassword); err != nil {
		log.Fatal().Err(err).Msg("failed to bootstrap admin")
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	log.Info().Str("addr", cfg.ListenAddr).Str("public_base_url", cfg.PublicBaseURL).Msg("server started")
	<-quit

	log.Info().Msg("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
	log.Info().Msg("server stopped")
}
