package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"nvxroute-bus/config"
	"nvxroute-bus/internal/api"
	"nvxroute-bus/internal/broker/transports"
	"nvxroute-bus/internal/device"
	"nvxroute-bus/internal/logger"
	"nvxroute-bus/internal/metrics"
	"nvxroute-bus/internal/route"
	"nvxroute-bus/internal/stats"
)

func main() {
	configPath := flag.String("config", "config/config.json", "path to config file")

	// Optional override flags
	transportOverride := flag.String("transport", "", "override bus transport: amqp, nats, mqtt or memory (empty = use config)")
	busURLOverride := flag.String("bus-url", "", "override bus url (empty = use config)")
	exchangeOverride := flag.String("exchange", "", "override exchange name (empty = use config)")
	metricsAddrOverride := flag.String("metrics-addr", "", "override metrics server address (empty = use config)")
	apiAddrOverride := flag.String("api-addr", "", "override control api address (empty = use config)")
	metricsIntervalOverride := flag.Duration("metrics-interval", 0, "override metrics collection interval (0 = use config)")

	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	cfg.ApplyOverrides(
		*transportOverride,
		*busURLOverride,
		*exchangeOverride,
		*metricsAddrOverride,
		*apiAddrOverride,
		*metricsIntervalOverride,
	)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	logger, err := logger.NewLogger(&cfg.Logging)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	statsCollector := stats.NewStatsCollector()

	// Setup metrics if enabled
	var metricsService *metrics.Metrics
	var metricsServer *http.Server

	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		metricsService, err = metrics.NewMetrics(reg)
		if err != nil {
			logger.Fatal("failed to create metrics service", "error", err)
		}

		updateInterval, err := time.ParseDuration(cfg.Metrics.UpdateInterval)
		if err != nil {
			logger.Fatal("invalid metrics update interval", "error", err)
		}

		metricsCollector := metrics.NewMetricsCollector(metricsService, statsCollector, updateInterval)
		metricsCollector.Start()
		defer metricsCollector.Stop()

		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{
			Registry:          reg,
			EnableOpenMetrics: true,
		}))

		metricsServer = &http.Server{
			Addr:    cfg.Metrics.Address,
			Handler: mux,
		}

		go func() {
			logger.Info("starting metrics server",
				"address", cfg.Metrics.Address,
				"path", cfg.Metrics.Path)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server error", "error", err)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	devices := device.NewManager(&cfg.Room, device.NewRegistry(), logger.With("component", "device"))
	if len(devices.Names()) == 0 {
		logger.Warn("no endpoints registered, running as publisher only")
	}

	controller := route.NewController(
		route.NewControllerConfig(cfg, devices.Names()),
		transports.Default(logger, nil),
		devices,
		logger.With("component", "route"),
		metricsService,
		statsCollector,
	)

	startCtx, startCancel := context.WithTimeout(context.Background(), cfg.Bus.ConnectTimeoutDuration()+cfg.Bus.OperationTimeoutDuration())
	if err := controller.StartAll(startCtx); err != nil {
		// Reconnect, when enabled, keeps retrying in the background
		logger.Error("failed to start routing bus", "error", err, "reconnect", cfg.Bus.Reconnect.Enabled)
	}
	startCancel()

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(cfg, controller, devices, statsCollector, logger.With("component", "api"))
		apiServer.Start()
	}

	logger.Info("nvxroute-bus started",
		"transport", cfg.Bus.Transport,
		"exchange", cfg.Bus.Exchange,
		"endpoints", len(devices.Names()),
		"sessionPerSubscriber", cfg.Bus.SessionPerSubscriber,
		"metricsEnabled", cfg.Metrics.Enabled,
		"apiEnabled", cfg.API.Enabled)

	for {
		sig := <-sigChan
		switch sig {
		case syscall.SIGHUP:
			logger.Info("received SIGHUP, reopening logs")
			logger.Sync()
		case syscall.SIGINT, syscall.SIGTERM:
			logger.Info("shutting down...")

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()

			if apiServer != nil {
				if err := apiServer.Shutdown(shutdownCtx); err != nil {
					logger.Error("failed to shutdown api server", "error", err)
				}
			}

			if err := controller.StopAll(shutdownCtx); err != nil {
				logger.Error("failed to stop subscribers", "error", err)
			}

			if metricsServer != nil {
				if err := metricsServer.Shutdown(shutdownCtx); err != nil {
					logger.Error("failed to shutdown metrics server", "error", err)
				}
			}
			return
		}
	}
}
