package backends

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/couchbase/stellar-discovery/common/topology"
	"github.com/couchbase/stellar-discovery/pkg/metrics"
)

// InstanceSource lists the instances a registry holds for one service.
type InstanceSource interface {
	Instances(ctx context.Context, service string) ([]*topology.ServiceInstance, error)
}

type PollAdapterOptions struct {
	Logger        *zap.Logger
	Kind          Kind
	Source        InstanceSource
	Metrics       *metrics.DiscoveryMetrics
	Subscriptions []string
	PollInterval  time.Duration
	PollTimeout   time.Duration
}

// PollAdapter periodically reads the instances of every subscribed service
// from a registry.  A failed read keeps the last good view of that service.
type PollAdapter struct {
	enableFlag

	logger       *zap.Logger
	kind         Kind
	source       InstanceSource
	metrics      *metrics.DiscoveryMetrics
	pollInterval time.Duration
	pollTimeout  time.Duration

	lock          sync.RWMutex
	subscriptions map[string]struct{}
	views         map[string][]*topology.EndpointRecord

	needUpdate  atomic.Bool
	initialized atomic.Bool
	pollNowCh   chan struct{}

	ctx       context.Context
	ctxCancel context.CancelFunc
	closedCh  chan struct{}
}

var _ Adapter = (*PollAdapter)(nil)

func NewPollAdapter(opts *PollAdapterOptions) (*PollAdapter, error) {
	if opts.Source == nil {
		return nil, errors.New("an instance source must be provided")
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	pmetrics := opts.Metrics
	if pmetrics == nil {
		pmetrics = metrics.GetDiscoveryMetrics()
	}

	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = 10 * time.Second
	}

	pollTimeout := opts.PollTimeout
	if pollTimeout <= 0 {
		pollTimeout = pollInterval
	}

	subscriptions := make(map[string]struct{}, len(opts.Subscriptions))
	for _, name := range opts.Subscriptions {
		subscriptions[name] = struct{}{}
	}

	ctx, ctxCancel := context.WithCancel(context.Background())

	return &PollAdapter{
		logger:        logger,
		kind:          opts.Kind,
		source:        opts.Source,
		metrics:       pmetrics,
		pollInterval:  pollInterval,
		pollTimeout:   pollTimeout,
		subscriptions: subscriptions,
		views:         make(map[string][]*topology.EndpointRecord),
		pollNowCh:     make(chan struct{}, 1),
		ctx:           ctx,
		ctxCancel:     ctxCancel,
		closedCh:      make(chan struct{}),
	}, nil
}

func (a *PollAdapter) Kind() Kind {
	return a.kind
}

// Init performs the first poll and starts the background poller.  The first
// poll must succeed for every subscribed service.
func (a *PollAdapter) Init(ctx context.Context) error {
	if !a.initialized.CompareAndSwap(false, true) {
		return errors.New("poll adapter already initialized")
	}

	err := a.poll(ctx)
	if err != nil {
		close(a.closedCh)
		return err
	}

	go a.pollThread()
	return nil
}

func (a *PollAdapter) pollThread() {
	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()

MainLoop:
	for {
		select {
		case <-ticker.C:
		case <-a.pollNowCh:
		case <-a.ctx.Done():
			break MainLoop
		}

		_ = a.poll(a.ctx)
	}

	close(a.closedCh)
}

func (a *PollAdapter) listSubscriptions() []string {
	a.lock.RLock()
	names := make([]string, 0, len(a.subscriptions))
	for name := range a.subscriptions {
		names = append(names, name)
	}
	a.lock.RUnlock()

	slices.Sort(names)
	return names
}

func sortRecords(records []*topology.EndpointRecord) {
	slices.SortFunc(records, func(a, b *topology.EndpointRecord) int {
		return strings.Compare(a.Key(), b.Key())
	})
}

func recordsEqual(a, b []*topology.EndpointRecord) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !reflect.DeepEqual(a[i], b[i]) {
			return false
		}
	}
	return true
}

// poll refreshes every subscribed service, returning the last error seen.
func (a *PollAdapter) poll(ctx context.Context) error {
	var lastErr error

	for _, service := range a.listSubscriptions() {
		pollCtx, pollCancel := context.WithTimeout(ctx, a.pollTimeout)
		instances, err := a.source.Instances(pollCtx, service)
		pollCancel()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			a.logger.Warn("failed to poll registry",
				zap.Stringer("kind", a.kind),
				zap.String("service", service),
				zap.Error(err))
			a.metrics.PollFailures.Add(context.Background(), 1,
				metric.WithAttributes(attribute.String("kind", a.kind.String())))
			lastErr = err
			continue
		}

		records := make([]*topology.EndpointRecord, 0, len(instances))
		for _, inst := range instances {
			records = append(records, inst.Record(service))
		}
		sortRecords(records)

		a.lock.Lock()
		_, stillSubscribed := a.subscriptions[service]
		old, hadOld := a.views[service]
		if stillSubscribed && (!hadOld || !recordsEqual(old, records)) {
			a.views[service] = records
			a.needUpdate.Store(true)
		}
		a.lock.Unlock()
	}

	return lastErr
}

func (a *PollAdapter) ClusterInfoNeedUpdate() bool {
	return a.needUpdate.Load()
}

func (a *PollAdapter) GetClusterInfoMap(acc *[]*topology.EndpointRecord, hb *[]*topology.EndpointRecord) error {
	// cleared before reading so that a racing poll sets it again
	a.needUpdate.Store(false)

	a.lock.RLock()
	for _, records := range a.views {
		*acc = append(*acc, records...)
		appendHeartbeat(hb, records)
	}
	a.lock.RUnlock()

	return nil
}

func (a *PollAdapter) AddSubscribe(names []string) error {
	added := false

	a.lock.Lock()
	for _, name := range names {
		if _, ok := a.subscriptions[name]; !ok {
			a.subscriptions[name] = struct{}{}
			added = true
		}
	}
	a.lock.Unlock()

	if added {
		select {
		case a.pollNowCh <- struct{}{}:
		default:
		}
	}
	return nil
}

func (a *PollAdapter) DeleteSubscribe(names []string) error {
	a.lock.Lock()
	for _, name := range names {
		delete(a.subscriptions, name)
		if _, ok := a.views[name]; ok {
			delete(a.views, name)
			a.needUpdate.Store(true)
		}
	}
	a.lock.Unlock()

	return nil
}

func (a *PollAdapter) Close() error {
	a.ctxCancel()
	if a.initialized.Load() {
		<-a.closedCh
	}
	return nil
}
