package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/featuregrid/featuregrid/internal/api"
	"github.com/featuregrid/featuregrid/internal/config"
	"github.com/featuregrid/featuregrid/internal/evaluation"
	"github.com/featuregrid/featuregrid/internal/gateway"
	"github.com/featuregrid/featuregrid/internal/impressions"
	"github.com/featuregrid/featuregrid/internal/settings"
	"github.com/featuregrid/featuregrid/internal/storage"
	"github.com/featuregrid/featuregrid/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLog := zerolog.New(os.Stderr)
		bootLog.Fatal().Err(err).Msg("config")
	}
	log := cfg.SetupLogging()
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	snap, err := settings.LoadFile(cfg.SettingsFile)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.SettingsFile).Msg("failed to load settings snapshot")
	}
	if snap.AccountID != cfg.AccountID {
		log.Fatal().
			Int("snapshot_account", snap.AccountID).
			Int("configured_account", cfg.AccountID).
			Msg("settings snapshot belongs to a different account")
	}

	telemetry.Init()
	telemetry.SettingsFeatures.Set(float64(len(snap.Features)))
	log.Info().
		Int("features", len(snap.Features)).
		Int("campaigns", len(snap.Campaigns)).
		Str("fingerprint", settings.Fingerprint(snap)).
		Msg("settings snapshot loaded")

	ctx := context.Background()

	store, err := newStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Str("store_type", cfg.StoreType).Msg("failed to init decision storage")
	}
	defer store.Close()

	engineOpts := []evaluation.Option{
		evaluation.WithStorage(store),
		evaluation.WithLogger(log.With().Str("component", "evaluation").Logger()),
	}

	var serverOpts []api.Option
	if cfg.GatewayURL != "" {
		gw := gateway.NewClient(cfg.GatewayURL, cfg.GatewayAPIKey,
			gateway.WithLogger(log.With().Str("component", "gateway").Logger()))
		engineOpts = append(engineOpts, evaluation.WithLists(gw))
		serverOpts = append(serverOpts, api.WithResolver(gw))
	}

	if cfg.ImpressionsURL != "" {
		sink := impressions.NewDispatcher(cfg.ImpressionsURL, cfg.AccountID,
			impressions.WithLogger(log.With().Str("component", "impressions").Logger()))
		sink.Start()
		defer sink.Close()
		engineOpts = append(engineOpts, evaluation.WithSink(sink))
	}

	engine := evaluation.NewEngine(snap, engineOpts...)

	serverOpts = append(serverOpts,
		api.WithRateLimit(cfg.RateLimitPerIP),
		api.WithTimeout(cfg.RequestTimeout),
		api.WithLogger(log.With().Str("component", "api").Logger()),
	)
	srvAPI := api.NewServer(engine, snap, serverOpts...)

	srv := &http.Server{
		Addr:        cfg.HTTPAddr,
		Handler:     srvAPI.Router(),
		ReadTimeout: 3 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("listening")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	metricsSrv := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: promhttp.Handler(),
	}
	go func() {
		log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics listening")
		if err := metricsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server failed")
		}
	}()

	// graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	ctxShut, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctxShut)
	_ = metricsSrv.Shutdown(ctxShut)
	log.Info().Msg("stopped")
}

func newStore(ctx context.Context, cfg *config.Config) (storage.Storage, error) {
	switch cfg.StoreType {
	case "redis":
		return storage.NewRedis(ctx, storage.RedisConfig{URL: cfg.RedisURL})
	case "postgres":
		return storage.NewPostgres(ctx, cfg.DatabaseDSN)
	default:
		return storage.NewMemory(), nil
	}
}
