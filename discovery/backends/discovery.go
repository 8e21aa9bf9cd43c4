package backends

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/couchbase/stellar-discovery/common/topology"
	"github.com/couchbase/stellar-discovery/discovery/adsclient"
	"github.com/couchbase/stellar-discovery/discovery/snapshotstore"
	"github.com/couchbase/stellar-discovery/pkg/metrics"
)

type DiscoveryAdapterOptions struct {
	Logger        *zap.Logger
	Name          string
	StreamBuilder adsclient.StreamBuilder
	DiskCache     *snapshotstore.DiskCache
	Metrics       *metrics.DiscoveryMetrics

	ClientOptions adsclient.ClientOptions

	CacheRead          bool
	InitialSyncTimeout time.Duration
}

// DiscoveryAdapter serves the records pushed by one discovery server.  It owns
// the snapshot store and the protocol client feeding it.
type DiscoveryAdapter struct {
	enableFlag

	logger             *zap.Logger
	name               string
	builder            adsclient.StreamBuilder
	diskCache          *snapshotstore.DiskCache
	metrics            *metrics.DiscoveryMetrics
	clientOpts         adsclient.ClientOptions
	cacheRead          bool
	initialSyncTimeout time.Duration

	store *snapshotstore.Store

	lock    sync.Mutex
	pending []string
	client  *adsclient.Client
}

var _ Adapter = (*DiscoveryAdapter)(nil)

func NewDiscoveryAdapter(opts *DiscoveryAdapterOptions) *DiscoveryAdapter {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	dmetrics := opts.Metrics
	if dmetrics == nil {
		dmetrics = metrics.GetDiscoveryMetrics()
	}

	initialSyncTimeout := opts.InitialSyncTimeout
	if initialSyncTimeout <= 0 {
		initialSyncTimeout = 5 * time.Second
	}

	return &DiscoveryAdapter{
		logger:             logger,
		name:               opts.Name,
		builder:            opts.StreamBuilder,
		diskCache:          opts.DiskCache,
		metrics:            dmetrics,
		clientOpts:         opts.ClientOptions,
		cacheRead:          opts.CacheRead,
		initialSyncTimeout: initialSyncTimeout,
		pending:            slices.Clone(opts.ClientOptions.InitialSubscriptions),
		store: snapshotstore.NewStore(&snapshotstore.StoreOptions{
			Logger:    logger.Named("store"),
			DiskCache: opts.DiskCache,
		}),
	}
}

func (a *DiscoveryAdapter) Kind() Kind {
	return KindDiscovery
}

// Init starts the protocol client and waits for the first full sync.  If that
// does not arrive in time the disk cache, when enabled, is used instead.
func (a *DiscoveryAdapter) Init(ctx context.Context) error {
	a.lock.Lock()
	if a.client != nil {
		a.lock.Unlock()
		return errors.New("discovery adapter already initialized")
	}

	store := a.store

	clientOpts := a.clientOpts
	clientOpts.Logger = a.logger.Named("client")
	clientOpts.Name = a.name
	clientOpts.Store = store
	clientOpts.StreamBuilder = a.builder
	clientOpts.Metrics = a.metrics
	clientOpts.InitialSubscriptions = slices.Clone(a.pending)
	clientOpts.CacheWriteEnabled = clientOpts.CacheWriteEnabled && a.diskCache != nil

	client, err := adsclient.NewClient(&clientOpts)
	if err != nil {
		a.lock.Unlock()
		return err
	}

	a.client = client
	a.pending = nil
	a.lock.Unlock()

	waitCtx, waitCancel := context.WithTimeout(ctx, a.initialSyncTimeout)
	err = client.WaitSynced(waitCtx)
	waitCancel()
	if err == nil {
		a.logger.Info("discovery backend synced", zap.String("server", a.name))
		return nil
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}

	a.logger.Warn("discovery backend did not sync in time",
		zap.String("server", a.name),
		zap.Duration("timeout", a.initialSyncTimeout))

	// types which already received live data keep it, the cache only fills
	// in what the stream has not delivered yet
	if a.cacheRead && store.LoadFromDisk() {
		a.logger.Info("serving discovery backend from disk cache", zap.String("server", a.name))
		a.metrics.CacheLoads.Add(ctx, 1)
	}

	return nil
}

func (a *DiscoveryAdapter) currentClient() *adsclient.Client {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.client
}

func (a *DiscoveryAdapter) ClusterInfoNeedUpdate() bool {
	return a.store.NeedsRefresh()
}

// IsServable reports whether any update, live or cached, has been applied.
func (a *DiscoveryAdapter) IsServable() bool {
	return a.store.IsServable()
}

// GetClusterInfoMap appends nothing while the backend is not servable.
func (a *DiscoveryAdapter) GetClusterInfoMap(acc *[]*topology.EndpointRecord, hb *[]*topology.EndpointRecord) error {
	if !a.store.IsServable() {
		a.logger.Debug("discovery backend not servable", zap.Error(topology.ErrNotServable))
		return nil
	}

	start := len(*acc)
	a.store.GetSnapshot(acc)
	appendHeartbeat(hb, (*acc)[start:])
	return nil
}

func (a *DiscoveryAdapter) AddSubscribe(names []string) error {
	a.lock.Lock()
	client := a.client
	if client == nil {
		a.pending = append(a.pending, names...)
	}
	a.lock.Unlock()

	if client != nil {
		client.AddSubscribe(names)
	}
	return nil
}

func (a *DiscoveryAdapter) DeleteSubscribe(names []string) error {
	a.lock.Lock()
	client := a.client
	if client == nil {
		remove := make(map[string]bool, len(names))
		for _, name := range names {
			remove[name] = true
		}
		kept := a.pending[:0:0]
		for _, name := range a.pending {
			if !remove[name] {
				kept = append(kept, name)
			}
		}
		a.pending = kept
	}
	a.lock.Unlock()

	if client != nil {
		client.DeleteSubscribe(names)
	}
	return nil
}

// Client exposes the protocol client, nil before Init.
func (a *DiscoveryAdapter) Client() *adsclient.Client {
	return a.currentClient()
}

func (a *DiscoveryAdapter) Store() *snapshotstore.Store {
	return a.store
}

func (a *DiscoveryAdapter) Close() error {
	store, client := a.store, a.currentClient()
	if client == nil {
		return a.builder.Close()
	}

	err := client.Close()

	// one last write so a restart has the freshest view
	if a.diskCache != nil && a.clientOpts.CacheWriteEnabled && store.Dirty() {
		if perr := store.PersistToDisk(); perr != nil {
			a.logger.Warn("failed to persist topology on close", zap.Error(perr))
		}
	}

	return err
}
