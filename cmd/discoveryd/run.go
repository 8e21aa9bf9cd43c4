package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/exp/slices"

	"github.com/couchbase/stellar-discovery/discovery/backends"
	"github.com/couchbase/stellar-discovery/pkg/webapi"
)

func applySubscriptionChanges(
	logger *zap.Logger,
	agg *backends.Aggregator,
	oldSubs, newSubs []string,
) {
	added, removed := diffSubscriptions(oldSubs, newSubs)
	if len(added) == 0 && len(removed) == 0 {
		return
	}

	logger.Info("updating subscriptions",
		zap.Strings("added", added),
		zap.Strings("removed", removed))

	for _, kind := range agg.Kinds() {
		if len(added) > 0 {
			err := agg.AddSubscribe(kind, added)
			if err != nil {
				logger.Warn("failed to add subscriptions", zap.Stringer("kind", kind), zap.Error(err))
			}
		}
		if len(removed) > 0 {
			err := agg.DeleteSubscribe(kind, removed)
			if err != nil {
				logger.Warn("failed to remove subscriptions", zap.Stringer("kind", kind), zap.Error(err))
			}
		}
	}
}

func startDiscovery() {
	// initialize the logger
	logLevel, logger := getLogger()

	logger.Info("starting stellar-discovery", zap.String("version", buildVersion))

	logger.Info("parsed launch configuration",
		zap.String("config", cfgFile),
		zap.Bool("watch-config", watchCfgFile))

	loadConfigFile(logger)

	config := readConfig(logger)

	parsedLogLevel, err := zapcore.ParseLevel(config.logLevelStr)
	if err != nil {
		logger.Warn("invalid log level specified, using INFO instead")
		parsedLogLevel = zapcore.InfoLevel
	}
	logLevel.SetLevel(parsedLogLevel)

	if config.nodeID == "" {
		config.nodeID = uuid.NewString()
		logger.Info("generated node id", zap.String("nodeID", config.nodeID))
	}

	// setup telemetry
	otlpTracerProvider, otlpMeterProvider, err :=
		initTelemetry(context.Background(),
			logger,
			config.otlpEndpoint,
			!config.disableOtlpTraces,
			!config.disableOtlpMetrics,
			config.traceEverything)
	if err != nil {
		logger.Error("failed to initialize opentelemetry", zap.Error(err))
		os.Exit(1)
	}

	if otlpTracerProvider != nil {
		otel.SetTracerProvider(otlpTracerProvider)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	}
	if otlpMeterProvider != nil {
		otel.SetMeterProvider(otlpMeterProvider)
	}

	built, err := buildBackends(logger, config)
	if err != nil {
		logger.Error("failed to configure backends", zap.Error(err))
		os.Exit(1)
	}

	webServer := webapi.InitializeWebServer(webapi.WebServerOptions{
		Logger:        logger.Named("webapi"),
		LogLevel:      &logLevel,
		ListenAddress: config.webAddress,
		Topology:      built.aggregator,
	})

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	err = built.aggregator.Init(runCtx, built.declaredKinds)
	if err != nil {
		logger.Error("failed to initialize backends", zap.Error(err))
		built.Close(logger)
		os.Exit(1)
	}

	logger.Info("backends initialized",
		zap.Stringers("kinds", built.declaredKinds),
		zap.Bool("servable", built.aggregator.Servable()))

	var configLock sync.Mutex
	reloadConfiguration := func() {
		configLock.Lock()
		defer configLock.Unlock()

		err := viper.ReadInConfig()
		if err != nil {
			logger.Warn("failed to parse configuration file",
				zap.Error(err))
		}

		newConfig := readConfig(logger)
		newConfig.nodeID = config.nodeID

		if !slices.Equal(newConfig.adsAddresses, config.adsAddresses) ||
			!slices.Equal(newConfig.etcdEndpoints, config.etcdEndpoints) ||
			newConfig.redisAddress != config.redisAddress ||
			!slices.Equal(newConfig.staticEndpoints, config.staticEndpoints) {
			logger.Warn("config changes for adsAddresses, etcdEndpoints, redisAddress, or staticEndpoints require a restart")
		}

		if newConfig.webAddress != config.webAddress ||
			newConfig.otlpEndpoint != config.otlpEndpoint {
			logger.Warn("config changes for webAddress or otlpEndpoint require a restart")
		}

		if newConfig.logLevelStr != config.logLevelStr {
			newParsedLogLevel, err := zapcore.ParseLevel(newConfig.logLevelStr)
			if err != nil {
				logger.Warn("invalid log level specified, using INFO instead")
				newParsedLogLevel = zapcore.InfoLevel
			}

			logLevel.SetLevel(newParsedLogLevel)

			logger.Info("updated log level",
				zap.String("newLevel", newParsedLogLevel.String()))
		}

		applySubscriptionChanges(logger, built.aggregator, config.subscribe, newConfig.subscribe)

		config = newConfig
	}

	if watchCfgFile {
		viper.OnConfigChange(func(in fsnotify.Event) {
			logger.Info("configuration file change detected")
			reloadConfiguration()
		})

		go viper.WatchConfig()
	}

	go func() {
		sigCh := make(chan os.Signal, 10)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

		hasReceivedSigInt := false
		for sig := range sigCh {
			if sig == syscall.SIGINT {
				if hasReceivedSigInt {
					logger.Info("Received SIGINT a second time, terminating...")
					os.Exit(1)
				} else {
					logger.Info("Received SIGINT, attempting graceful shutdown...")
					hasReceivedSigInt = true
					runCancel()
				}
			} else if sig == syscall.SIGTERM {
				logger.Info("Received SIGTERM, attempting graceful shutdown...")
				runCancel()
			} else if sig == syscall.SIGHUP {
				logger.Info("Received SIGHUP, reloading configuration...")
				reloadConfiguration()
			}
		}
	}()

	<-runCtx.Done()

	built.Close(logger)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	err = webServer.Shutdown(shutdownCtx)
	if err != nil {
		logger.Warn("failed to shutdown web server", zap.Error(err))
	}

	if otlpTracerProvider != nil {
		_ = otlpTracerProvider.Shutdown(shutdownCtx)
	}
	if otlpMeterProvider != nil {
		_ = otlpMeterProvider.Shutdown(shutdownCtx)
	}

	logger.Info("discovery shutdown gracefully")
}
