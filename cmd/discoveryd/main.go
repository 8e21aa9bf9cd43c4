package main

import (
	"context"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const modulePath = "github.com/couchbase/stellar-discovery"

func getBuildVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok || info.Main.Path != modulePath || info.Main.Version == "" {
		return "(devel)"
	}
	return info.Main.Version
}

var buildVersion string = getBuildVersion()

var rootCmd = &cobra.Command{
	Version: buildVersion,

	Use:   "stellar-discovery",
	Short: "A daemon which discovers and reconciles backend service topology",

	Run: func(cmd *cobra.Command, args []string) {
		startDiscovery()
	},
}

var cfgFile string
var watchCfgFile bool

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "specifies a config file to load")
	rootCmd.Flags().BoolVar(&watchCfgFile, "watch-config", false, "indicates whether to watch the config file for changes")

	configFlags := pflag.NewFlagSet("", pflag.ContinueOnError)
	configFlags.String("log-level", "info", "the log level to run at")
	configFlags.StringSlice("backends", nil, "the backend kinds which must be available, defaults to every configured one")
	configFlags.StringSlice("ads-address", nil, "discovery servers to stream topology from, one backend per address")
	configFlags.String("ads-username", "", "username presented to discovery servers with basic auth")
	configFlags.String("ads-password", "", "password presented to discovery servers with basic auth")
	configFlags.String("ads-token", "", "bearer token presented to discovery servers, preferred over basic auth")
	configFlags.String("node-id", "", "the node id presented to discovery servers, generated when empty")
	configFlags.String("node-cluster", "stellar-discovery", "the node cluster presented to discovery servers")
	configFlags.StringSlice("subscribe", nil, "the services to discover")
	configFlags.Int("workers", 4, "the number of workers applying discovery updates")
	configFlags.Int("queue-size", 64, "the number of discovery updates which may be queued")
	configFlags.String("cache-path", "", "path prefix for the on-disk topology cache")
	configFlags.Bool("cache-read", true, "whether to fall back to the on-disk topology cache")
	configFlags.Bool("cache-write", true, "whether to periodically write the on-disk topology cache")
	configFlags.Duration("cache-write-interval", 60*time.Second, "how often the on-disk topology cache is written")
	configFlags.String("resubscribe-mode", "sync", "how subscription changes are sent, sync or batched")
	configFlags.Duration("resubscribe-interval", 1*time.Second, "how often batched subscription changes are sent")
	configFlags.Duration("max-backoff", 30*time.Second, "the maximum delay between discovery reconnect attempts")
	configFlags.Duration("initial-sync-timeout", 5*time.Second, "how long to wait for the first full sync before using the cache")
	configFlags.StringSlice("etcd-endpoints", nil, "etcd endpoints of a service registry to poll")
	configFlags.String("etcd-prefix", "/stellar-discovery/services", "the key prefix of the etcd service registry")
	configFlags.String("redis-address", "", "address of a redis service registry to poll")
	configFlags.String("redis-password", "", "password of the redis service registry")
	configFlags.Int("redis-db", 0, "database of the redis service registry")
	configFlags.String("redis-prefix", "sds", "the key prefix of the redis service registry")
	configFlags.Duration("poll-interval", 10*time.Second, "how often registries are polled")
	configFlags.StringSlice("static-endpoints", nil, "fixed endpoints, as service=host:port")
	configFlags.String("web-address", "0.0.0.0:9091", "the address of the web metrics/health/topology api")
	configFlags.String("otlp-endpoint", "", "opentelemetry endpoint to send telemetry to")
	configFlags.Bool("disable-otlp-traces", false, "disable sending traces to otlp")
	configFlags.Bool("disable-otlp-metrics", false, "disable sending metrics to otlp")
	configFlags.Bool("trace-everything", false, "enables tracing of all components")
	rootCmd.PersistentFlags().AddFlagSet(configFlags)

	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.SetEnvPrefix("sds")
	viper.AutomaticEnv()

	_ = viper.BindPFlags(configFlags)

	rootCmd.AddCommand(registerCmd)
}

func initTelemetry(
	ctx context.Context,
	logger *zap.Logger,
	otlpEndpoint string,
	enableTraces bool,
	enableMetrics bool,
	traceEverything bool,
) (
	*sdktrace.TracerProvider,
	*sdkmetric.MeterProvider,
	error,
) {
	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithProcess(),
		resource.WithTelemetrySDK(),
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String("stellar-discovery"),
		),
	)
	if err != nil {
		if res == nil {
			return nil, nil, err
		}

		logger.Warn("failed to setup some part of opentelemetry resource", zap.Error(err))
	}

	promExp, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	var meterProvider *sdkmetric.MeterProvider
	if !enableMetrics || otlpEndpoint == "" {
		meterProvider = sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(promExp),
		)
	} else {
		metricExp, err := otlpmetricgrpc.New(
			ctx,
			otlpmetricgrpc.WithInsecure(),
			otlpmetricgrpc.WithEndpoint(otlpEndpoint))
		if err != nil {
			return nil, nil, err
		}

		meterProvider = sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(promExp),
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		)
	}

	var tracerProvider *sdktrace.TracerProvider
	if enableTraces && otlpEndpoint != "" {
		traceClient := otlptracegrpc.NewClient(
			otlptracegrpc.WithInsecure(),
			otlptracegrpc.WithEndpoint(otlpEndpoint))
		traceExp, err := otlptrace.New(ctx, traceClient)
		if err != nil {
			return nil, nil, err
		}

		baseTracing := sdktrace.NeverSample()
		if traceEverything {
			baseTracing = sdktrace.AlwaysSample()
		}

		bsp := sdktrace.NewBatchSpanProcessor(traceExp)
		tracerProvider = sdktrace.NewTracerProvider(
			sdktrace.WithSampler(sdktrace.ParentBased(baseTracing)),
			sdktrace.WithResource(res),
			sdktrace.WithSpanProcessor(bsp),
		)
	}

	return tracerProvider, meterProvider, nil
}

func getLogger() (zap.AtomicLevel, *zap.Logger) {
	logLevel := zap.NewAtomicLevel()
	logConfig := zap.NewProductionEncoderConfig()
	logConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	jsonEncoder := zapcore.NewJSONEncoder(logConfig)
	core := zapcore.NewTee(
		zapcore.NewCore(jsonEncoder, zapcore.AddSync(os.Stdout), logLevel),
	)
	logger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))

	return logLevel, logger
}

func loadConfigFile(logger *zap.Logger) {
	if cfgFile == "" {
		return
	}

	viper.SetConfigFile(cfgFile)
	err := viper.ReadInConfig()
	if err != nil {
		logger.Panic("failed to load specified config file", zap.Error(err))
	}
}

func main() {
	cobra.CheckErr(rootCmd.Execute())
}
