// Package main provides the svckitd daemon. It wires the lifecycle framework's
// supporting services together, starts them in dependency order through the
// service registry and stops them in reverse order on SIGINT or SIGTERM.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/cmatc13/svckit/internal/api"
	"github.com/cmatc13/svckit/internal/heartbeat"
	"github.com/cmatc13/svckit/internal/intervention"
	"github.com/cmatc13/svckit/internal/publish"
	"github.com/cmatc13/svckit/internal/storage"
	"github.com/cmatc13/svckit/internal/stream"
	"github.com/cmatc13/svckit/pkg/config"
	"github.com/cmatc13/svckit/pkg/health"
	"github.com/cmatc13/svckit/pkg/logging"
	"github.com/cmatc13/svckit/pkg/metrics"
	"github.com/cmatc13/svckit/pkg/service"
	"github.com/cmatc13/svckit/pkg/telemetry"
)

func main() {
	config.BindFlags(pflag.CommandLine)
	pflag.Parse()

	opts := config.DefaultLoadOptions()
	opts.Flags = pflag.CommandLine

	cfg, err := config.LoadWithOptions(opts)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := logging.New(logging.Config{
		Level:       logging.ParseLevel(cfg.Log.Level),
		Output:      os.Stdout,
		ServiceName: "svckitd",
		Environment: cfg.Log.Environment,
	})

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Error("svckitd exited with error")
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *logging.Logger) error {
	metricsCollector := metrics.New(metrics.Config{Namespace: cfg.Metrics.Namespace})
	journal := intervention.NewJournal(cfg.Intervention.JournalSize, logger)
	healthRegistry := health.NewRegistry(logger)

	registry := service.NewRegistry(logger)
	registry.SetHealthTimeout(cfg.Lifecycle.HealthTimeout)

	common := []service.Option{
		service.WithMetrics(metricsCollector),
		service.WithInterventionListeners(journal),
	}

	// Telemetry sinks. The log sink is always present; Redis and Kafka are
	// optional and run as services of their own.
	sinks := telemetry.Mux{telemetry.NewLogPublisher(logger)}

	var (
		services []service.Service
		sinkDeps []string
	)

	if cfg.Redis.Enabled {
		redisService := storage.NewService(storage.Config{
			Address:   cfg.Redis.Address,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
			TTL:       cfg.Redis.TTL,
		}, logger, common...)
		sinks = append(sinks, redisService)
		services = append(services, redisService)
		sinkDeps = append(sinkDeps, storage.ServiceName)
		healthRegistry.Register("redis", health.RedisChecker(cfg.Redis.Address, redisService.Ping))
	}

	if cfg.Kafka.Enabled {
		kafkaPublisher := stream.NewPublisher(stream.Config{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
		}, logger, nil, common...)
		sinks = append(sinks, kafkaPublisher)
		services = append(services, kafkaPublisher)
		sinkDeps = append(sinkDeps, stream.ServiceName)
		healthRegistry.Register("kafka", health.KafkaChecker(cfg.Kafka.Brokers, kafkaPublisher.Ping))
	}

	filter, err := telemetry.ParseNameFilter(cfg.Publish.Filter)
	if err != nil {
		return err
	}
	sink := telemetry.Filtered(filter, sinks)

	// The publisher writes into the sinks, so they start before it and stop
	// after its final publication.
	publisher, err := publish.New(publish.Config{
		Periodicity: cfg.Publish.Periodicity,
		Enabled:     cfg.Publish.Enabled,
	}, logger, []publish.Processor{
		publish.NewMetricsProcessor(metricsCollector),
		publish.NewTelemetryProcessor(sink),
	}, append(common, service.WithDependencies(sinkDeps...))...)
	if err != nil {
		return err
	}
	services = append(services, publisher)

	// Everything below reports its work to the publisher.
	monitored := append(common,
		service.WithWorkPublishers(publisher),
		service.WithDependencies(publish.ServiceName),
	)

	if cfg.Heartbeat.Enabled {
		hb, err := heartbeat.New(cfg.Heartbeat.Interval, logger,
			append(monitored, service.WithTelemetryPublishers(sink))...)
		if err != nil {
			return err
		}
		services = append(services, hb)
	}

	// The admin API can take starts on any other service and releases them
	// when it stops, so it depends on all of them and StopAll stops it first.
	controlled := make([]string, 0, len(services))
	for _, s := range services {
		controlled = append(controlled, s.Name())
	}
	adminServer, err := api.NewServer(cfg.Admin, api.Deps{
		Registry:  registry,
		Health:    healthRegistry,
		Metrics:   metricsCollector,
		Journal:   journal,
		StopGrace: cfg.Lifecycle.StopGracePeriod,
	}, logger, append(monitored, service.WithDependencies(controlled...))...)
	if err != nil {
		return err
	}
	services = append(services, adminServer)

	for _, s := range services {
		if err := registry.Register(s); err != nil {
			return err
		}
		healthRegistry.Register("service:"+s.Name(), health.LifecycleChecker(s.Name(),
			func() string { return s.State().String() }, s.Health))
	}

	startCtx, cancel := context.Background(), context.CancelFunc(func() {})
	if cfg.Lifecycle.StartTimeout > 0 {
		startCtx, cancel = context.WithTimeout(startCtx, cfg.Lifecycle.StartTimeout)
	}
	defer cancel()

	logger.Info("Starting all services")
	if err := registry.StartAll(startCtx); err != nil {
		logger.WithError(err).Error("Failed to start services, stopping what did start")
		if stopErr := registry.StopAll(context.Background(), 0); stopErr != nil {
			logger.WithError(stopErr).Error("Error during cleanup")
		}
		return err
	}
	logger.Info("All services started", "admin_addr", adminServer.Addr())

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigs
	logger.Info("Shutting down gracefully", "signal", sig.String())

	if err := registry.StopAll(context.Background(), cfg.Lifecycle.StopGracePeriod); err != nil {
		logger.WithError(err).Error("Error during shutdown")
		return err
	}
	logger.Info("Shutdown complete")
	return nil
}
