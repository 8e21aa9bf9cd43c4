package redisregistry

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/couchbase/stellar-discovery/common/topology"
)

// Client is the subset of the redis API the registry needs.  A *redis.Client
// satisfies it.
type Client interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	HDel(ctx context.Context, key string, fields ...string) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
}

var _ Client = (*redis.Client)(nil)

type RegistryOptions struct {
	Logger    *zap.Logger
	Client    Client
	KeyPrefix string
}

// Registry stores every instance of a service as one field of the hash
// <prefix>:<service>, keyed by instance id.
type Registry struct {
	logger *zap.Logger
	client Client
	prefix string
}

func NewRegistry(opts RegistryOptions) (*Registry, error) {
	if opts.Client == nil {
		return nil, errors.New("a redis client must be provided")
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Registry{
		logger: logger,
		client: opts.Client,
		prefix: opts.KeyPrefix,
	}, nil
}

func (r *Registry) key(service string) string {
	if r.prefix == "" {
		return service
	}
	return r.prefix + ":" + service
}

func (r *Registry) Instances(ctx context.Context, service string) ([]*topology.ServiceInstance, error) {
	fields, err := r.client.HGetAll(ctx, r.key(service)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(fields))
	for id := range fields {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	instances := make([]*topology.ServiceInstance, 0, len(fields))
	for _, id := range ids {
		inst, err := topology.ParseServiceInstance([]byte(fields[id]))
		if err != nil {
			r.logger.Warn("skipping unparsable registry entry",
				zap.String("service", service),
				zap.String("id", id),
				zap.Error(err))
			continue
		}
		if inst.ID == "" {
			inst.ID = id
		}

		instances = append(instances, inst)
	}

	return instances, nil
}

type RegisterOptions struct {
	// TTL is applied to the whole service hash and refreshed at a third of
	// its period for as long as the registration is held.
	TTL time.Duration
}

func (r *Registry) Register(
	ctx context.Context,
	service string,
	inst *topology.ServiceInstance,
	opts *RegisterOptions,
) (*Registration, error) {
	if opts == nil {
		opts = &RegisterOptions{}
	}

	ttl := opts.TTL
	if ttl == 0 {
		ttl = 30 * time.Second
	}

	registered := *inst
	registered.Service = service
	if registered.ID == "" {
		registered.ID = uuid.NewString()
	}

	reg := &Registration{
		logger:   r.logger,
		client:   r.client,
		key:      r.key(service),
		ttl:      ttl,
		instance: &registered,
		closeCh:  make(chan struct{}),
		doneCh:   make(chan struct{}),
	}

	err := reg.publish(ctx)
	if err != nil {
		return nil, err
	}

	go reg.refreshThread()

	return reg, nil
}

type Registration struct {
	logger   *zap.Logger
	client   Client
	key      string
	ttl      time.Duration
	instance *topology.ServiceInstance

	closeCh chan struct{}
	doneCh  chan struct{}
}

func (r *Registration) publish(ctx context.Context) error {
	data, err := r.instance.Marshal()
	if err != nil {
		return err
	}

	err = r.client.HSet(ctx, r.key, r.instance.ID, string(data)).Err()
	if err != nil {
		return err
	}

	return r.client.Expire(ctx, r.key, r.ttl).Err()
}

func (r *Registration) refreshThread() {
	ticker := time.NewTicker(r.ttl / 3)
	defer ticker.Stop()

MainLoop:
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.ttl/3)
			err := r.publish(ctx)
			cancel()
			if err != nil {
				r.logger.Warn("failed to refresh redis registration",
					zap.String("key", r.key),
					zap.Error(err))
			}
		case <-r.closeCh:
			break MainLoop
		}
	}

	close(r.doneCh)
}

func (r *Registration) ID() string {
	return r.instance.ID
}

// Deregister stops refreshing and removes the instance from its hash.
func (r *Registration) Deregister(ctx context.Context) error {
	close(r.closeCh)
	<-r.doneCh

	return r.client.HDel(ctx, r.key, r.instance.ID).Err()
}
