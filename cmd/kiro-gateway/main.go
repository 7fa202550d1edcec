// Command kiro-gateway serves an Anthropic-compatible Messages API backed by
// the Kiro upstream, multiplexed over a pool of OAuth credentials.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/kirolink/kiro-gateway/internal/config"
	"github.com/kirolink/kiro-gateway/internal/credential"
	"github.com/kirolink/kiro-gateway/internal/logging"
	"github.com/kirolink/kiro-gateway/internal/pipeline"
	"github.com/kirolink/kiro-gateway/internal/pool"
	"github.com/kirolink/kiro-gateway/internal/server"
	"github.com/kirolink/kiro-gateway/internal/tokencount"
	"github.com/kirolink/kiro-gateway/internal/utils"
)

func main() {
	os.Exit(run())
}

func run() int {
	_ = godotenv.Load()
	logging.Setup()

	configPath := flag.String("c", "config.json", "path to the config file")
	credsPath := flag.String("credentials", "credentials.json", "path to the credentials file")
	importKiroCLI := flag.Bool("import-kiro-cli", false, "import the local kiro-cli token into the pool at startup")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error().Err(err).Msg("failed to load config")
		return 1
	}

	store := credential.NewStore(*credsPath)
	creds, err := store.Load()
	if err != nil {
		log.Error().Err(err).Msg("failed to load credentials")
		return 1
	}

	upstreamClient := cfg.HTTPClient(0)

	credPool := pool.New(creds, pool.Options{
		MaxConcurrent:    cfg.MaxConcurrent,
		FailureThreshold: cfg.FailureThreshold,
		Store:            store,
		Refresher: &pool.HTTPRefresher{
			Client:        cfg.HTTPClient(config.TokenRefreshTimeout),
			DefaultRegion: cfg.Region,
		},
	})

	if *importKiroCLI {
		cred, err := credential.ImportFromKiroCLI("")
		if err != nil {
			log.Warn().Err(err).Msg("kiro-cli import failed")
		} else if credPool.HasFingerprint(cred.Fingerprint()) {
			log.Info().Msg("kiro-cli credential already present in the pool")
		} else if id, err := credPool.Add(*cred); err != nil {
			log.Warn().Err(err).Msg("kiro-cli credential rejected")
		} else {
			log.Info().Uint64("credential_id", id).Msg("imported kiro-cli credential")
		}
	}

	pipe := &pipeline.Pipeline{
		Pool:            credPool,
		Client:          upstreamClient,
		Region:          cfg.Region,
		ConfigMachineID: cfg.MachineID,
		KiroVersion:     cfg.KiroVersion,
	}

	counter := tokencount.New(tokencount.RemoteConfig{
		URL:      cfg.CountTokensAPIURL,
		APIKey:   cfg.CountTokensAPIKey,
		AuthType: cfg.CountTokensAuthType,
	}, cfg.HTTPClient(30*time.Second))

	balance := &pool.BalanceClient{
		Client:        cfg.HTTPClient(30 * time.Second),
		DefaultRegion: cfg.Region,
	}

	srv := server.New(cfg, credPool, pipe, counter, balance)
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	report := credPool.List()
	log.Info().
		Str("addr", cfg.ListenAddr()).
		Str("region", cfg.Region).
		Str("api_key", utils.MaskKey(cfg.APIKey)).
		Int("credentials", report.Total).
		Int("available", report.Available).
		Msg("kiro-gateway listening")

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server failed")
			return 1
		}
	case sig := <-stop:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("graceful shutdown incomplete")
		}
	}

	return 0
}
