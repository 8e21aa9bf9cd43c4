package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	etcd "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
	"golang.org/x/mod/semver"

	"github.com/couchbase/stellar-discovery/common/topology"
	"github.com/couchbase/stellar-discovery/contrib/etcdregistry"
	"github.com/couchbase/stellar-discovery/contrib/redisregistry"
)

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Registers an instance in the etcd or redis service registry until interrupted",

	RunE: func(cmd *cobra.Command, args []string) error {
		return runRegister(cmd.Context())
	},
}

var (
	registerRegistry  string
	registerService   string
	registerID        string
	registerAddress   string
	registerPorts     []string
	registerVersion   string
	registerWeight    uint32
	registerPartCount uint32
	registerPartID    uint32
	registerHeartbeat bool
	registerTTL       time.Duration
)

func init() {
	registerCmd.Flags().StringVar(&registerRegistry, "registry", "etcd", "the registry to register in, etcd or redis")
	registerCmd.Flags().StringVar(&registerService, "service", "", "the service to register under")
	registerCmd.Flags().StringVar(&registerID, "id", "", "the instance id, generated when empty")
	registerCmd.Flags().StringVar(&registerAddress, "address", "", "the address the instance is reachable at")
	registerCmd.Flags().StringSliceVar(&registerPorts, "port", nil, "ports of the instance, as protocol=port")
	registerCmd.Flags().StringVar(&registerVersion, "instance-version", "", "the semantic version of the instance")
	registerCmd.Flags().Uint32Var(&registerWeight, "weight", 1, "the weight of the instance")
	registerCmd.Flags().Uint32Var(&registerPartCount, "partition-count", 0, "the number of partitions of the service")
	registerCmd.Flags().Uint32Var(&registerPartID, "partition-id", 0, "the partition served by the instance")
	registerCmd.Flags().BoolVar(&registerHeartbeat, "heartbeat", false, "whether the instance supports heartbeats")
	registerCmd.Flags().DurationVar(&registerTTL, "ttl", 10*time.Second, "how long the registration outlives this process")
}

func parsePorts(entries []string) (map[string]uint32, error) {
	ports := make(map[string]uint32, len(entries))
	for _, entry := range entries {
		proto, portStr, ok := strings.Cut(entry, "=")
		if !ok {
			proto, portStr = "grpc", entry
		}

		port, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid port %q: %w", entry, err)
		}
		ports[proto] = uint32(port)
	}
	return ports, nil
}

func buildInstance() (*topology.ServiceInstance, error) {
	if registerService == "" || registerAddress == "" {
		return nil, errors.New("both --service and --address must be specified")
	}

	if registerVersion != "" {
		version := registerVersion
		if !strings.HasPrefix(version, "v") {
			version = "v" + version
		}
		if !semver.IsValid(version) {
			return nil, fmt.Errorf("invalid instance version %q", registerVersion)
		}
		registerVersion = semver.Canonical(version)
	}

	ports, err := parsePorts(registerPorts)
	if err != nil {
		return nil, err
	}
	if len(ports) == 0 {
		return nil, errors.New("at least one --port must be specified")
	}

	return &topology.ServiceInstance{
		ID:             registerID,
		Address:        registerAddress,
		Ports:          ports,
		Weight:         registerWeight,
		PartitionCount: registerPartCount,
		PartitionID:    registerPartID,
		Version:        registerVersion,
		Heartbeat:      registerHeartbeat,
	}, nil
}

func runRegister(ctx context.Context) error {
	_, logger := getLogger()
	logger = logger.Named("register")

	loadConfigFile(logger)

	inst, err := buildInstance()
	if err != nil {
		return err
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var deregister func(context.Context) error
	switch registerRegistry {
	case "etcd":
		etcdClient, err := etcd.New(etcd.Config{
			Endpoints:   viper.GetStringSlice("etcd-endpoints"),
			DialTimeout: 5 * time.Second,
		})
		if err != nil {
			return err
		}
		defer etcdClient.Close()

		registry, err := etcdregistry.NewRegistry(etcdregistry.RegistryOptions{
			Logger:    logger,
			KV:        etcdClient.KV,
			Lease:     etcdClient.Lease,
			KeyPrefix: viper.GetString("etcd-prefix"),
		})
		if err != nil {
			return err
		}

		reg, err := registry.Register(ctx, registerService, inst, &etcdregistry.RegisterOptions{
			LeasePeriod: registerTTL,
		})
		if err != nil {
			return err
		}

		logger.Info("registered instance in etcd", zap.String("key", reg.Key()))
		deregister = reg.Deregister

	case "redis":
		redisClient := redis.NewClient(&redis.Options{
			Addr:     viper.GetString("redis-address"),
			Password: viper.GetString("redis-password"),
			DB:       viper.GetInt("redis-db"),
		})
		defer redisClient.Close()

		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		err := redisClient.Ping(pingCtx).Err()
		pingCancel()
		if err != nil {
			return fmt.Errorf("redis ping failed: %w", err)
		}

		registry, err := redisregistry.NewRegistry(redisregistry.RegistryOptions{
			Logger:    logger,
			Client:    redisClient,
			KeyPrefix: viper.GetString("redis-prefix"),
		})
		if err != nil {
			return err
		}

		reg, err := registry.Register(ctx, registerService, inst, &redisregistry.RegisterOptions{
			TTL: registerTTL,
		})
		if err != nil {
			return err
		}

		logger.Info("registered instance in redis", zap.String("id", reg.ID()))
		deregister = reg.Deregister

	default:
		return fmt.Errorf("unknown registry %q", registerRegistry)
	}

	<-ctx.Done()

	deregisterCtx, deregisterCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer deregisterCancel()

	err = deregister(deregisterCtx)
	if err != nil {
		logger.Warn("failed to deregister instance", zap.Error(err))
		return err
	}

	logger.Info("deregistered instance")
	return nil
}
