// trucktrackd runs the whole tracking pipeline in one process: HTTP/MQTT
// ingestion, the partitioned event bus, the status and rule engines, the
// notification dispatch service and the live websocket hub.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/salimomrani/trucktrack-sub002/internal/breaker"
	"github.com/salimomrani/trucktrack-sub002/internal/bus"
	"github.com/salimomrani/trucktrack-sub002/internal/config"
	"github.com/salimomrani/trucktrack-sub002/internal/directory"
	"github.com/salimomrani/trucktrack-sub002/internal/dispatch"
	"github.com/salimomrani/trucktrack-sub002/internal/geo"
	"github.com/salimomrani/trucktrack-sub002/internal/ingest"
	"github.com/salimomrani/trucktrack-sub002/internal/live"
	"github.com/salimomrani/trucktrack-sub002/internal/metrics"
	"github.com/salimomrani/trucktrack-sub002/internal/notify"
	"github.com/salimomrani/trucktrack-sub002/internal/retry"
	"github.com/salimomrani/trucktrack-sub002/internal/rules"
	"github.com/salimomrani/trucktrack-sub002/internal/status"
	"github.com/salimomrani/trucktrack-sub002/internal/store"
)

const (
	groupStatusEngine = "status-engine"
	groupRuleEngine   = "rule-engine"
	groupDispatch     = "dispatch"
)

func main() {
	cfg := config.Load()

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stdout).Level(level).With().Timestamp().Str("service", "trucktrackd").Logger()

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("trucktrackd exited")
	}
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	startCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	pg, err := store.NewPostgres(startCtx, cfg)
	if err != nil {
		return err
	}
	defer pg.Close()
	if err := pg.EnsureSchema(startCtx); err != nil {
		return err
	}

	rd, err := store.NewRedis(startCtx, cfg)
	if err != nil {
		return err
	}
	defer rd.Close()

	eventBus, err := newBus(cfg, pg, m, logger)
	if err != nil {
		return err
	}

	broadcaster := live.NewBroadcaster(rd, m, logger)
	hub := live.NewHub(rd, logger)
	go hub.Run(ctx)

	geoClient := geo.NewClient(cfg.GeoBaseURL, cfg.CollaboratorTimeout,
		breaker.New(cfg.BreakerThreshold, cfg.BreakerCooldown), m)
	dirClient := directory.NewClient(cfg.DirectoryBaseURL, cfg.CollaboratorTimeout,
		breaker.New(cfg.BreakerThreshold, cfg.BreakerCooldown), m)
	transport := notify.NewHTTPTransport(cfg.TransportBaseURL, cfg.CollaboratorTimeout)

	statusEngine := status.NewEngine(pg, rd, broadcaster, m, logger)
	ruleEngine := rules.NewEngine(pg, pg, geoClient, dirClient, eventBus, m, logger)

	retryCfg := retry.DefaultConfig()
	retryCfg.MaxAttempts = cfg.DispatchMaxAttempts
	retryCfg.InitialDelay = cfg.DispatchBackoff
	dispatcher := dispatch.NewService(pg, dirClient, transport, broadcaster, retryCfg, m, logger)

	if err := eventBus.Subscribe(bus.TopicPositions, groupStatusEngine, cfg.BusPartitions, statusEngine.HandlePosition); err != nil {
		return err
	}
	if err := eventBus.Subscribe(bus.TopicPositions, groupRuleEngine, cfg.BusPartitions, ruleEngine.HandlePosition); err != nil {
		return err
	}
	if err := eventBus.Subscribe(bus.TopicAlerts, groupDispatch, cfg.BusPartitions, dispatcher.HandleAlert); err != nil {
		return err
	}

	go statusEngine.RunSweeper(ctx, cfg.SweepInterval)

	validator := ingest.NewValidator()

	var mqttSource *ingest.MQTTSource
	if cfg.MQTTEnabled {
		mqttSource = ingest.NewMQTTSource(cfg, validator, eventBus, m, logger)
		if err := mqttSource.Start(); err != nil {
			return err
		}
		defer mqttSource.Close()
	}

	server := ingest.NewServer(ingest.ServerDeps{
		Validator: validator,
		Publisher: eventBus,
		Status:    statusEngine,
		Fleet:     pg,
		Ops:       pg,
		Dispatch:  dispatcher,
		Auth:      ingest.NewAuthenticator(cfg.ValidAPIKeys, rd, cfg.AuthCacheTTL),
		WS:        hub.HandleWS,
		Probes:    map[string]ingest.Pinger{"postgres": pg, "redis": rd},
		Registry:  registry,
		Metrics:   m,
		Logger:    logger,
	})

	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", httpServer.Addr).Str("bus", cfg.BusDriver).Msg("trucktrackd listening")
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown")
	}
	if err := eventBus.Close(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("bus shutdown")
	}
	return nil
}

func newBus(cfg *config.Config, sink bus.DeadLetterSink, m *metrics.Metrics, logger zerolog.Logger) (bus.Bus, error) {
	policy := bus.Policy{
		MaxDeliveries: cfg.BusMaxDeliveries,
		RetryDelay:    cfg.BusRetryDelay,
	}

	switch cfg.BusDriver {
	case "jetstream":
		return bus.NewJetStreamBus(cfg.NATSURL, policy, cfg.BusPartitions, sink, m, logger)
	default:
		return bus.NewMemoryBus(policy, cfg.BusBufferSize, sink, m, logger), nil
	}
}
