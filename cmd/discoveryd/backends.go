package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	etcd "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
	"google.golang.org/grpc"

	"github.com/couchbase/stellar-discovery/contrib/etcdregistry"
	"github.com/couchbase/stellar-discovery/contrib/grpcheaderauth"
	"github.com/couchbase/stellar-discovery/contrib/redisregistry"
	"github.com/couchbase/stellar-discovery/discovery/adsclient"
	"github.com/couchbase/stellar-discovery/discovery/backends"
	"github.com/couchbase/stellar-discovery/discovery/snapshotstore"
)

type builtBackends struct {
	aggregator    *backends.Aggregator
	declaredKinds []backends.Kind
	closers       []func() error
}

func (b *builtBackends) Close(logger *zap.Logger) {
	err := b.aggregator.Close()
	if err != nil {
		logger.Warn("failed to close backends cleanly", zap.Error(err))
	}

	for _, closer := range b.closers {
		err := closer()
		if err != nil {
			logger.Warn("failed to close backend client", zap.Error(err))
		}
	}
}

func buildBackends(logger *zap.Logger, config *config) (*builtBackends, error) {
	built := &builtBackends{
		aggregator: backends.NewAggregator(&backends.AggregatorOptions{
			Logger: logger.Named("aggregator"),
		}),
	}

	declaredKinds, err := declaredBackendKinds(config)
	if err != nil {
		return nil, err
	}
	built.declaredKinds = declaredKinds

	resubscribeMode, err := parseResubscribeMode(config.resubscribeMode)
	if err != nil {
		return nil, err
	}

	var dialOpts []grpc.DialOption
	auth, err := grpcheaderauth.FromConfig(config.adsUsername, config.adsPassword, config.adsToken, false)
	if err == nil {
		dialOpts = append(dialOpts, grpc.WithPerRPCCredentials(auth))
	} else if !errors.Is(err, grpcheaderauth.ErrNoCredentials) {
		return nil, err
	}

	for idx, address := range config.adsAddresses {
		builder, err := adsclient.NewGrpcStreamBuilder(&adsclient.GrpcStreamBuilderOptions{
			Logger:      logger.Named("grpc"),
			Address:     address,
			DialOptions: dialOpts,
		})
		if err != nil {
			return nil, err
		}

		var diskCache *snapshotstore.DiskCache
		if config.cachePath != "" {
			cachePath := config.cachePath
			if len(config.adsAddresses) > 1 {
				cachePath = fmt.Sprintf("%s.%d", cachePath, idx)
			}

			diskCache = snapshotstore.NewDiskCache(&snapshotstore.DiskCacheOptions{
				Path: cachePath,
			})
		}

		adapter := backends.NewDiscoveryAdapter(&backends.DiscoveryAdapterOptions{
			Logger:        logger.Named("discovery").With(zap.String("server", address)),
			Name:          address,
			StreamBuilder: builder,
			DiskCache:     diskCache,
			ClientOptions: adsclient.ClientOptions{
				NodeID:               config.nodeID,
				NodeCluster:          config.nodeCluster,
				InitialSubscriptions: config.subscribe,
				Workers:              config.workers,
				QueueSize:            config.queueSize,
				ResubscribeMode:      resubscribeMode,
				ResubscribeInterval:  config.resubscribeInterval,
				MaxBackoff:           config.maxBackoff,
				CacheWriteEnabled:    config.cacheWrite,
				CacheWriteInterval:   config.cacheWriteInterval,
			},
			CacheRead:          config.cacheRead,
			InitialSyncTimeout: config.initialSyncTimeout,
		})
		built.aggregator.Register(adapter)
	}

	pollOpts := backends.PollAdapterOptions{
		Subscriptions: config.subscribe,
		PollInterval:  config.pollInterval,
	}

	if len(config.etcdEndpoints) > 0 {
		etcdClient, err := etcd.New(etcd.Config{
			Endpoints:   config.etcdEndpoints,
			DialTimeout: 5 * time.Second,
			Logger:      logger.Named("etcd-client"),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to etcd: %w", err)
		}
		built.closers = append(built.closers, etcdClient.Close)

		registry, err := etcdregistry.NewRegistry(etcdregistry.RegistryOptions{
			Logger:    logger.Named("etcd-registry"),
			KV:        etcdClient.KV,
			Lease:     etcdClient.Lease,
			KeyPrefix: config.etcdPrefix,
		})
		if err != nil {
			return nil, err
		}

		opts := pollOpts
		opts.Logger = logger.Named("etcd")
		adapter, err := backends.NewEtcdAdapter(registry, &opts)
		if err != nil {
			return nil, err
		}

		built.aggregator.Register(adapter)
	}

	if config.redisAddress != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     config.redisAddress,
			Password: config.redisPassword,
			DB:       config.redisDB,
		})
		built.closers = append(built.closers, redisClient.Close)

		registry, err := redisregistry.NewRegistry(redisregistry.RegistryOptions{
			Logger:    logger.Named("redis-registry"),
			Client:    redisClient,
			KeyPrefix: config.redisPrefix,
		})
		if err != nil {
			return nil, err
		}

		opts := pollOpts
		opts.Logger = logger.Named("redis")
		adapter, err := backends.NewRedisAdapter(registry, &opts)
		if err != nil {
			return nil, err
		}

		built.aggregator.Register(adapter)
	}

	if len(config.staticEndpoints) > 0 {
		records, err := backends.ParseStaticEndpoints(config.staticEndpoints)
		if err != nil {
			return nil, err
		}

		built.aggregator.Register(backends.NewStaticAdapter(records))
	}

	if len(built.declaredKinds) == 0 {
		return nil, fmt.Errorf("no backends configured, specify at least one of ads-address, etcd-endpoints, redis-address or static-endpoints")
	}

	return built, nil
}

// declaredBackendKinds returns the backend kinds the configuration asks for.
// When no backends are listed explicitly, every kind with connection settings
// is declared.  A declared kind missing its settings has no adapter, which
// fails aggregator initialization.
func declaredBackendKinds(config *config) ([]backends.Kind, error) {
	var kinds []backends.Kind
	addKind := func(kind backends.Kind) {
		if !slices.Contains(kinds, kind) {
			kinds = append(kinds, kind)
		}
	}

	if len(config.backends) > 0 {
		for _, name := range config.backends {
			kind, err := backends.ParseKind(name)
			if err != nil {
				return nil, err
			}
			addKind(kind)
		}
		return kinds, nil
	}

	if len(config.adsAddresses) > 0 {
		addKind(backends.KindDiscovery)
	}
	if len(config.etcdEndpoints) > 0 {
		addKind(backends.KindEtcd)
	}
	if config.redisAddress != "" {
		addKind(backends.KindRedis)
	}
	if len(config.staticEndpoints) > 0 {
		addKind(backends.KindStatic)
	}
	return kinds, nil
}
