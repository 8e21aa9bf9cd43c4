package etcdregistry

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/etcd/api/v3/mvccpb"
	etcd "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/couchbase/stellar-discovery/common/topology"
)

// Instances live at <prefix>/<service>/<instance-id> with a JSON
// topology.ServiceInstance as the value.

type RegistryOptions struct {
	Logger    *zap.Logger
	KV        etcd.KV
	Lease     etcd.Lease
	KeyPrefix string
}

type Registry struct {
	logger    *zap.Logger
	kv        etcd.KV
	lease     etcd.Lease
	keyPrefix string
}

type InstancesSnapshot struct {
	Revision  int64
	Instances []*topology.ServiceInstance
}

func NewRegistry(opts RegistryOptions) (*Registry, error) {
	if opts.KV == nil {
		return nil, errors.New("an etcd kv client must be provided")
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Registry{
		logger:    logger,
		kv:        opts.KV,
		lease:     opts.Lease,
		keyPrefix: strings.TrimSuffix(opts.KeyPrefix, "/"),
	}, nil
}

func (r *Registry) servicePrefix(service string) string {
	return r.keyPrefix + "/" + service + "/"
}

// Instances lists the registered instances of a service.  Entries which fail
// to parse are skipped.
func (r *Registry) Instances(ctx context.Context, service string) (*InstancesSnapshot, error) {
	resp, err := r.kv.Get(ctx, r.servicePrefix(service), etcd.WithPrefix())
	if err != nil {
		return nil, err
	}

	instances := make([]*topology.ServiceInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		inst := r.parseKv(kv)
		if inst != nil {
			instances = append(instances, inst)
		}
	}

	var revision int64
	if resp.Header != nil {
		revision = resp.Header.Revision
	}

	return &InstancesSnapshot{
		Revision:  revision,
		Instances: instances,
	}, nil
}

func (r *Registry) parseKv(kv *mvccpb.KeyValue) *topology.ServiceInstance {
	inst, err := topology.ParseServiceInstance(kv.Value)
	if err != nil {
		r.logger.Warn("skipping unparsable registry entry",
			zap.ByteString("key", kv.Key),
			zap.Error(err))
		return nil
	}

	if inst.ID == "" {
		key := string(kv.Key)
		inst.ID = key[strings.LastIndex(key, "/")+1:]
	}

	return inst
}

type RegisterOptions struct {
	LeasePeriod time.Duration
}

// Register publishes an instance under a lease that is kept alive until the
// returned Registration is closed.
func (r *Registry) Register(
	ctx context.Context,
	service string,
	inst *topology.ServiceInstance,
	opts *RegisterOptions,
) (*Registration, error) {
	if r.lease == nil {
		return nil, errors.New("registering requires an etcd lease client")
	}
	if opts == nil {
		opts = &RegisterOptions{}
	}

	leasePeriod := 5 * time.Second
	if opts.LeasePeriod != 0 {
		// etcd will not grant leases shorter than this either
		if opts.LeasePeriod < 5*time.Second {
			return nil, errors.New("lease period must be at least 5 seconds")
		}

		leasePeriod = opts.LeasePeriod
	}

	registered := *inst
	registered.Service = service
	if registered.ID == "" {
		registered.ID = uuid.NewString()
	}

	reg := &Registration{
		logger:      r.logger,
		kv:          r.kv,
		lease:       r.lease,
		key:         r.servicePrefix(service) + registered.ID,
		leasePeriod: leasePeriod,
		instance:    &registered,
	}

	err := reg.register(ctx)
	if err != nil {
		return nil, err
	}

	return reg, nil
}
