package etcdregistry

import (
	"context"
	"time"

	etcd "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/couchbase/stellar-discovery/common/topology"
)

type Registration struct {
	logger      *zap.Logger
	kv          etcd.KV
	lease       etcd.Lease
	key         string
	leasePeriod time.Duration
	instance    *topology.ServiceInstance

	leaseID         etcd.LeaseID
	keepAliveCancel context.CancelFunc
}

func (r *Registration) register(ctx context.Context) error {
	leaseTimeoutInSecs := int64(r.leasePeriod / time.Second)

	lease, err := r.lease.Grant(ctx, leaseTimeoutInSecs)
	if err != nil {
		return err
	}

	kaCtx, kaCancel := context.WithCancel(context.Background())
	leaseKaCh, err := r.lease.KeepAlive(kaCtx, lease.ID)
	if err != nil {
		kaCancel()
		return err
	}

	go func() {
		for range leaseKaCh {
		}

		if kaCtx.Err() == nil {
			r.logger.Warn("lost registry lease keep-alive",
				zap.String("key", r.key))
		}
	}()

	r.leaseID = lease.ID
	r.keepAliveCancel = kaCancel

	data, err := r.instance.Marshal()
	if err != nil {
		kaCancel()
		return err
	}

	_, err = r.kv.Put(ctx, r.key, string(data), etcd.WithLease(lease.ID))
	if err != nil {
		kaCancel()
		return err
	}

	return nil
}

func (r *Registration) Key() string {
	return r.key
}

// Update republishes the instance under the existing lease.
func (r *Registration) Update(ctx context.Context, inst *topology.ServiceInstance) error {
	updated := *inst
	updated.ID = r.instance.ID
	updated.Service = r.instance.Service

	data, err := updated.Marshal()
	if err != nil {
		return err
	}

	_, err = r.kv.Put(ctx, r.key, string(data), etcd.WithLease(r.leaseID))
	if err != nil {
		return err
	}

	r.instance = &updated
	return nil
}

// Deregister removes the instance and stops keeping its lease alive.
func (r *Registration) Deregister(ctx context.Context) error {
	r.keepAliveCancel()

	_, err := r.kv.Delete(ctx, r.key)
	if err != nil {
		return err
	}

	_, err = r.lease.Revoke(ctx, r.leaseID)
	if err != nil {
		r.logger.Debug("failed to revoke registry lease", zap.Error(err))
	}

	return nil
}
