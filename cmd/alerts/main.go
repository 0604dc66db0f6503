package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/couchcryptid/crop-risk-alerts/internal/adapter/fcm"
	httpadapter "github.com/couchcryptid/crop-risk-alerts/internal/adapter/http"
	kafkaadapter "github.com/couchcryptid/crop-risk-alerts/internal/adapter/kafka"
	"github.com/couchcryptid/crop-risk-alerts/internal/adapter/memory"
	"github.com/couchcryptid/crop-risk-alerts/internal/adapter/openmeteo"
	redisadapter "github.com/couchcryptid/crop-risk-alerts/internal/adapter/redis"
	"github.com/couchcryptid/crop-risk-alerts/internal/alerting"
	"github.com/couchcryptid/crop-risk-alerts/internal/config"
	"github.com/couchcryptid/crop-risk-alerts/internal/domain"
	"github.com/couchcryptid/crop-risk-alerts/internal/fabric"
	"github.com/couchcryptid/crop-risk-alerts/internal/governance"
	"github.com/couchcryptid/crop-risk-alerts/internal/kv"
	"github.com/couchcryptid/crop-risk-alerts/internal/monitor"
	"github.com/couchcryptid/crop-risk-alerts/internal/observability"
	"github.com/couchcryptid/crop-risk-alerts/internal/registry"
	"github.com/couchcryptid/crop-risk-alerts/internal/rules"
	sharedobs "github.com/couchcryptid/storm-data-shared/observability"
	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"
)

// readiness passes when every check passes.
type readiness []sharedobs.ReadinessChecker

func (r readiness) CheckReadiness(ctx context.Context) error {
	for _, c := range r {
		if err := c.CheckReadiness(ctx); err != nil {
			return err
		}
	}
	return nil
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg)
	metrics := observability.NewMetrics()
	clock := clockwork.NewRealClock()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Shared state: subscription mirror, governance counters and push tokens.
	var (
		store       kv.Store
		redisClient *goredis.Client
		redisStore  *redisadapter.Store
	)
	if cfg.FabricDriver == config.FabricMemory {
		store = memory.NewStore(clock)
		logger.Warn("using in-process store; state is not shared between instances")
	} else {
		redisClient = redisadapter.NewClient(cfg.RedisAddr, cfg.RedisDB)
		redisStore = redisadapter.NewStore(redisClient)
		store = redisStore
	}

	var (
		broker      fabric.Broker
		kafkaBroker *kafkaadapter.Broker
	)
	switch cfg.FabricDriver {
	case config.FabricKafka:
		kafkaBroker = kafkaadapter.NewBroker(cfg.KafkaBrokers, cfg.KafkaTopicPrefix, logger)
		broker = kafkaBroker
	case config.FabricMemory:
		broker = memory.NewBroker()
	default:
		broker = redisadapter.NewBroker(redisClient)
	}
	logger.Info("broadcast fabric configured", "driver", cfg.FabricDriver)

	engine, err := loadRules(cfg.RulesFile, logger)
	if err != nil {
		logger.Error("failed to load rules", "error", err)
		os.Exit(1)
	}
	logger.Info("risk rules loaded", "crops", engine.Crops())

	pusher, err := newPusher(ctx, cfg, clock, logger)
	if err != nil {
		logger.Error("failed to initialize push sender", "error", err)
		os.Exit(1)
	}

	subs := kv.NewSubscriptions(store, logger)
	fab := fabric.New(broker, cfg.BucketResolution, clock, logger, metrics)
	reg := registry.New(subs, clock, logger, metrics, registry.Options{Resolution: cfg.BucketResolution})

	weather := openmeteo.NewCachedSource(
		openmeteo.NewClient(cfg.OpenMeteoBaseURL, cfg.OpenMeteoTimeout, logger, metrics),
		cfg.WeatherCacheSize, cfg.WeatherCacheTTL, cfg.BucketResolution, clock, metrics,
	)

	governor := governance.New(store, governance.Limits{
		MaxPerHour:  cfg.NotifyMaxPerHour,
		MaxPerDay:   cfg.NotifyMaxPerDay,
		DedupWindow: cfg.NotifyDedupWindow,
		BatchWindow: cfg.NotifyBatchWindow,
	}, clock, logger, metrics)
	directory := alerting.NewKVDirectory(store, clock)
	dispatcher := alerting.NewDispatcher(fab, governor, directory, pusher, clock, logger, metrics, cfg.BucketResolution)
	service := alerting.NewService(weather, engine, dispatcher, logger)
	flusher := alerting.NewBatchFlusher(governor, directory, pusher, clock, logger, metrics, cfg.BatchFlushAge())

	mon := monitor.New(subs, weather, engine, dispatcher, clock, logger, metrics, monitor.Config{
		Interval:     cfg.MonitorInterval,
		Backoff:      cfg.MonitorBackoff,
		FetchTimeout: cfg.MonitorFetchTimeout,
	})

	ready := readiness{fab}
	if redisStore != nil {
		ready = append(ready, redisStore)
	}

	srv := httpadapter.NewServer(cfg.HTTPAddr, httpadapter.Deps{
		Ready:          ready,
		Registry:       reg,
		Risk:           service,
		Weather:        weather,
		Tokens:         directory,
		Notifications:  dispatcher,
		AllowedOrigins: cfg.AllowedOrigins,
		Logger:         logger,
	})

	// Start HTTP server.
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	// Keep the cross-instance listener alive.
	supervised := make(chan struct{})
	go func() {
		defer close(supervised)
		fab.Supervise(ctx, reg)
	}()

	// Start background loops.
	mon.Start(ctx)
	flushed := make(chan struct{})
	go func() {
		defer close(flushed)
		flusher.Run(ctx, cfg.BatchFlushInterval)
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	mon.Stop()
	<-flushed
	<-supervised
	fab.Stop()

	if kafkaBroker != nil {
		if err := kafkaBroker.Close(); err != nil {
			logger.Error("kafka broker close error", "error", err)
		}
	}
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			logger.Error("redis client close error", "error", err)
		}
	}

	logger.Info("shutdown complete")
}

// loadRules prefers the configured rule file and falls back to the built-in
// rules when it is missing or invalid.
func loadRules(path string, logger *slog.Logger) (*rules.Engine, error) {
	if path == "" {
		return rules.Default()
	}
	engine, err := rules.LoadFile(path)
	if err == nil {
		return engine, nil
	}
	logger.Error("rule file unusable, using built-in rules", "path", path, "error", err)
	return rules.Default()
}

func newPusher(ctx context.Context, cfg *config.Config, clock clockwork.Clock, logger *slog.Logger) (domain.Pusher, error) {
	if !cfg.FCMEnabled {
		logger.Info("push notifications disabled; messages will be logged")
		return fcm.NewLogPusher(logger), nil
	}
	sender, err := fcm.New(ctx, fcm.Config{
		ProjectID:       cfg.FCMProjectID,
		CredentialsFile: cfg.FCMCredentialsFile,
	}, clock, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("firebase cloud messaging enabled", "project_id", cfg.FCMProjectID)
	return sender, nil
}
