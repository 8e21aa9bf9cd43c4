package backends

import (
	"context"

	"github.com/couchbase/stellar-discovery/common/topology"
	"github.com/couchbase/stellar-discovery/contrib/etcdregistry"
	"github.com/couchbase/stellar-discovery/contrib/redisregistry"
)

type etcdSource struct {
	registry *etcdregistry.Registry
}

func (s etcdSource) Instances(ctx context.Context, service string) ([]*topology.ServiceInstance, error) {
	snap, err := s.registry.Instances(ctx, service)
	if err != nil {
		return nil, err
	}
	return snap.Instances, nil
}

// NewEtcdAdapter polls an etcd service registry.
func NewEtcdAdapter(registry *etcdregistry.Registry, opts *PollAdapterOptions) (*PollAdapter, error) {
	pollOpts := *opts
	pollOpts.Kind = KindEtcd
	pollOpts.Source = etcdSource{registry: registry}
	return NewPollAdapter(&pollOpts)
}

// NewRedisAdapter polls a redis service registry.
func NewRedisAdapter(registry *redisregistry.Registry, opts *PollAdapterOptions) (*PollAdapter, error) {
	pollOpts := *opts
	pollOpts.Kind = KindRedis
	pollOpts.Source = registry
	return NewPollAdapter(&pollOpts)
}
