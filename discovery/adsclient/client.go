package adsclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	corev3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	discoveryv3 "github.com/envoyproxy/go-control-plane/envoy/service/discovery/v3"
	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/couchbase/stellar-discovery/discovery/snapshotstore"
	"github.com/couchbase/stellar-discovery/pkg/metrics"
)

var (
	ErrUnknownTypeURL        = errors.New("unknown resource type url")
	ErrIncrementalBeforeFull = errors.New("incremental update received before any full update")
	ErrClientClosed          = errors.New("discovery client is closed")
)

// State is the connection state of the client.
type State int32

const (
	StateDisconnected State = iota
	StateStreamBuilding
	StateSubscribing
	StateStreaming
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateStreamBuilding:
		return "stream-building"
	case StateSubscribing:
		return "subscribing"
	case StateStreaming:
		return "streaming"
	}
	return fmt.Sprintf("unknown(%d)", int32(s))
}

type ResubscribeMode int

const (
	// ResubscribeSync sends the full interest set on every Add/DeleteSubscribe.
	ResubscribeSync ResubscribeMode = iota

	// ResubscribeBatched coalesces changes into one resend per interval.
	ResubscribeBatched
)

// resourceTypes is the fixed order in which subscriptions are sent.
var resourceTypes = []string{
	snapshotstore.ClusterTypeURL,
	snapshotstore.EndpointTypeURL,
}

type ClientOptions struct {
	Logger        *zap.Logger
	Name          string
	Store         *snapshotstore.Store
	StreamBuilder StreamBuilder
	NodeID        string
	NodeCluster   string
	Metrics       *metrics.DiscoveryMetrics

	InitialSubscriptions []string

	Workers   int
	QueueSize int

	ResubscribeMode     ResubscribeMode
	ResubscribeInterval time.Duration

	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	CacheWriteEnabled  bool
	CacheWriteInterval time.Duration

	MetricsInterval time.Duration
}

type typeState struct {
	fullSynced  atomic.Bool
	lastSeq     atomic.Uint64
	lastSynced  atomic.Int64
	lastVersion atomic.String
}

type queuedResponse struct {
	stream Stream
	resp   *discoveryv3.DiscoveryResponse
}

// Client drives the aggregated discovery stream for one discovery server and
// applies what it receives into a snapshot store.
type Client struct {
	logger   *zap.Logger
	store    *snapshotstore.Store
	builder  StreamBuilder
	node     *corev3.Node
	metrics  *metrics.DiscoveryMetrics
	attrs    metric.MeasurementOption
	watchSet *watchSet

	workers             int
	resubscribeMode     ResubscribeMode
	resubscribeInterval time.Duration
	initialBackoff      time.Duration
	maxBackoff          time.Duration
	cacheWriteEnabled   bool
	cacheWriteInterval  time.Duration
	metricsInterval     time.Duration

	state      atomic.Int32
	stopped    atomic.Bool
	typeStates map[string]*typeState

	resendPending atomic.Bool

	streamLock    sync.Mutex
	currentStream Stream

	queue      chan *queuedResponse
	workerPool *pool.Pool

	ctx       context.Context
	ctxCancel context.CancelFunc

	recvClosedCh        chan struct{}
	resubscribeClosedCh chan struct{}
	samplerClosedCh     chan struct{}
}

func NewClient(opts *ClientOptions) (*Client, error) {
	if opts.Store == nil {
		return nil, errors.New("a snapshot store must be provided")
	}
	if opts.StreamBuilder == nil {
		return nil, errors.New("a stream builder must be provided")
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	clientMetrics := opts.Metrics
	if clientMetrics == nil {
		clientMetrics = metrics.GetDiscoveryMetrics()
	}

	ctx, ctxCancel := context.WithCancel(context.Background())

	c := &Client{
		logger:   logger,
		store:    opts.Store,
		builder:  opts.StreamBuilder,
		metrics:  clientMetrics,
		attrs:    metric.WithAttributes(attribute.String("server", opts.Name)),
		watchSet: newWatchSet(opts.InitialSubscriptions),
		node: &corev3.Node{
			Id:      opts.NodeID,
			Cluster: opts.NodeCluster,
		},

		workers:             opts.Workers,
		resubscribeMode:     opts.ResubscribeMode,
		resubscribeInterval: opts.ResubscribeInterval,
		initialBackoff:      opts.InitialBackoff,
		maxBackoff:          opts.MaxBackoff,
		cacheWriteEnabled:   opts.CacheWriteEnabled,
		cacheWriteInterval:  opts.CacheWriteInterval,
		metricsInterval:     opts.MetricsInterval,

		typeStates: make(map[string]*typeState),

		ctx:       ctx,
		ctxCancel: ctxCancel,

		recvClosedCh:        make(chan struct{}),
		resubscribeClosedCh: make(chan struct{}),
		samplerClosedCh:     make(chan struct{}),
	}

	if c.workers <= 0 {
		c.workers = 4
	}
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = 64
	}
	if c.resubscribeInterval <= 0 {
		c.resubscribeInterval = 1 * time.Second
	}
	if c.initialBackoff <= 0 {
		c.initialBackoff = 500 * time.Millisecond
	}
	if c.maxBackoff <= 0 {
		c.maxBackoff = 30 * time.Second
	}
	if c.cacheWriteInterval <= 0 {
		c.cacheWriteInterval = 60 * time.Second
	}
	if c.metricsInterval <= 0 {
		c.metricsInterval = 10 * time.Second
	}

	for _, typeURL := range resourceTypes {
		c.typeStates[typeURL] = &typeState{}
	}

	c.queue = make(chan *queuedResponse, queueSize)

	c.init()

	return c, nil
}

func (c *Client) init() {
	c.workerPool = pool.New().WithMaxGoroutines(c.workers)
	for i := 0; i < c.workers; i++ {
		c.workerPool.Go(c.workerThread)
	}

	go c.procThread()

	if c.resubscribeMode == ResubscribeBatched {
		go c.resubscribeThread()
	} else {
		close(c.resubscribeClosedCh)
	}

	go c.samplerThread()
}

func (c *Client) State() State {
	return State(c.state.Load())
}

func (c *Client) setState(state State) {
	old := State(c.state.Swap(int32(state)))
	if old != state {
		c.logger.Debug("discovery client state changed",
			zap.Stringer("from", old),
			zap.Stringer("to", state))
	}
}

func (c *Client) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initialBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = c.maxBackoff
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// sleep waits for the given duration, returning false if the client was
// closed while waiting.
func (c *Client) sleep(d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-c.ctx.Done():
		return false
	}
}

func (c *Client) setStream(stream Stream) {
	c.streamLock.Lock()
	c.currentStream = stream
	c.streamLock.Unlock()
}

// sendOn writes a request to a stream, but only while that stream is still the
// current one.  Sends are serialized as grpc streams do not allow concurrent
// writers.
func (c *Client) sendOn(stream Stream, req *discoveryv3.DiscoveryRequest) error {
	c.streamLock.Lock()
	defer c.streamLock.Unlock()

	if stream == nil || c.currentStream != stream {
		return errStreamReplaced
	}
	return stream.Send(req)
}

var errStreamReplaced = errors.New("stream is no longer current")

func (c *Client) subscriptionRequest(typeURL string, names []string) *discoveryv3.DiscoveryRequest {
	return &discoveryv3.DiscoveryRequest{
		VersionInfo:   c.typeStates[typeURL].lastVersion.Load(),
		Node:          c.node,
		ResourceNames: names,
		TypeUrl:       typeURL,
	}
}

func (c *Client) sendSubscriptions(stream Stream) error {
	names := c.watchSet.List()
	for _, typeURL := range resourceTypes {
		err := c.sendOn(stream, c.subscriptionRequest(typeURL, slices.Clone(names)))
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) procThread() {
	b := c.newBackoff()

	for !c.stopped.Load() {
		c.setState(StateStreamBuilding)

		stream, err := c.builder.BuildStream(c.ctx)
		if err != nil {
			if c.stopped.Load() {
				break
			}

			delay := b.NextBackOff()
			c.logger.Warn("failed to build discovery stream",
				zap.Error(err),
				zap.Duration("retryIn", delay))
			c.metrics.StreamFailures.Add(context.Background(), 1, c.attrs)

			c.setState(StateDisconnected)
			if !c.sleep(delay) {
				break
			}
			continue
		}

		c.setState(StateSubscribing)
		c.setStream(stream)

		err = c.sendSubscriptions(stream)
		if err != nil {
			c.setStream(nil)
			_ = stream.CloseSend()
			if c.stopped.Load() {
				break
			}

			delay := b.NextBackOff()
			c.logger.Warn("failed to send discovery subscriptions",
				zap.Error(err),
				zap.Duration("retryIn", delay))
			c.metrics.StreamFailures.Add(context.Background(), 1, c.attrs)

			c.setState(StateDisconnected)
			if !c.sleep(delay) {
				break
			}
			continue
		}

		// the stream is up and subscribed, start the backoff over again
		b.Reset()
		c.setState(StateStreaming)
		c.logger.Info("discovery stream established",
			zap.Int("watchedResources", c.watchSet.Len()))

		for {
			resp, err := stream.Recv()
			if err != nil {
				if !c.stopped.Load() {
					c.logger.Warn("discovery stream receive failed", zap.Error(err))
					c.metrics.StreamFailures.Add(context.Background(), 1, c.attrs)
				}
				break
			}

			c.enqueue(stream, resp)
		}

		c.setStream(nil)
		_ = stream.CloseSend()
		c.setState(StateDisconnected)

		if c.stopped.Load() || !c.sleep(b.NextBackOff()) {
			break
		}
	}

	c.setState(StateDisconnected)
	close(c.recvClosedCh)
}

func (c *Client) enqueue(stream Stream, resp *discoveryv3.DiscoveryResponse) {
	select {
	case c.queue <- &queuedResponse{stream: stream, resp: resp}:
	default:
		c.logger.Warn("discovery work queue is full, dropping response",
			zap.String("typeUrl", resp.GetTypeUrl()),
			zap.String("nonce", resp.GetNonce()))
		c.metrics.QueueDrops.Add(context.Background(), 1, c.attrs)
	}
}

func (c *Client) workerThread() {
	for item := range c.queue {
		if c.stopped.Load() {
			continue
		}

		c.handleResponse(item.stream, item.resp)
	}
}

// AddSubscribe adds resources to the watch set and retransmits the complete
// set of interest.
func (c *Client) AddSubscribe(names []string) {
	if !c.watchSet.Add(names) {
		return
	}

	c.requestResubscribe()
}

// DeleteSubscribe removes resources from the watch set, drops their data from
// the store and retransmits the complete set of interest.
func (c *Client) DeleteSubscribe(names []string) {
	removed := c.watchSet.Delete(names)
	if len(removed) == 0 {
		return
	}

	for _, name := range removed {
		c.store.Clear(name)
	}

	c.requestResubscribe()
}

// Subscriptions returns the current watch set.
func (c *Client) Subscriptions() []string {
	return c.watchSet.List()
}

func (c *Client) requestResubscribe() {
	if c.resubscribeMode == ResubscribeBatched {
		c.resendPending.Store(true)
		return
	}

	c.resubscribe()
}

func (c *Client) resubscribe() {
	c.streamLock.Lock()
	stream := c.currentStream
	c.streamLock.Unlock()

	// with no stream the full set is sent once the next stream is built
	if stream == nil {
		return
	}

	err := c.sendSubscriptions(stream)
	if err != nil {
		c.logger.Warn("failed to resend discovery subscriptions", zap.Error(err))
		return
	}

	c.metrics.Resubscribes.Add(context.Background(), 1, c.attrs)
}

func (c *Client) resubscribeThread() {
	ticker := time.NewTicker(c.resubscribeInterval)
	defer ticker.Stop()

MainLoop:
	for {
		select {
		case <-ticker.C:
			if c.resendPending.CompareAndSwap(true, false) {
				c.resubscribe()
			}
		case <-c.ctx.Done():
			break MainLoop
		}
	}

	close(c.resubscribeClosedCh)
}

func (c *Client) samplerThread() {
	metricsTicker := time.NewTicker(c.metricsInterval)
	defer metricsTicker.Stop()

	var persistCh <-chan time.Time
	if c.cacheWriteEnabled {
		persistTicker := time.NewTicker(c.cacheWriteInterval)
		defer persistTicker.Stop()
		persistCh = persistTicker.C
	}

MainLoop:
	for {
		select {
		case <-metricsTicker.C:
			c.sampleMetrics()
		case <-persistCh:
			c.persistIfDirty()
		case <-c.ctx.Done():
			break MainLoop
		}
	}

	close(c.samplerClosedCh)
}

func (c *Client) sampleMetrics() {
	ctx := context.Background()

	numClusters, numEndpoints := c.store.Stats()
	c.metrics.Clusters.Record(ctx, int64(numClusters), c.attrs)
	c.metrics.Endpoints.Record(ctx, int64(numEndpoints), c.attrs)
	c.metrics.WatchedResources.Record(ctx, int64(c.watchSet.Len()), c.attrs)

	now := time.Now()
	for typeURL, ts := range c.typeStates {
		lastSynced := ts.lastSynced.Load()
		if lastSynced == 0 {
			continue
		}

		age := now.Sub(time.Unix(0, lastSynced)).Seconds()
		c.metrics.SyncAge.Record(ctx, age, metric.WithAttributes(
			attribute.String("type", typeURL)))
	}
}

func (c *Client) persistIfDirty() {
	if !c.store.Dirty() {
		return
	}

	err := c.store.PersistToDisk()
	if err != nil {
		c.logger.Warn("failed to persist topology to disk cache", zap.Error(err))
		return
	}

	c.metrics.CacheWrites.Add(context.Background(), 1, c.attrs)
}

// IsSynced reports whether both resource types have completed a full resync,
// or there is nothing to be synced.
func (c *Client) IsSynced() bool {
	if c.watchSet.Len() == 0 {
		return true
	}

	for _, ts := range c.typeStates {
		if !ts.fullSynced.Load() {
			return false
		}
	}
	return true
}

// WaitSynced blocks until IsSynced is true or the context ends.
func (c *Client) WaitSynced(ctx context.Context) error {
	for {
		if c.IsSynced() {
			return nil
		}

		select {
		case <-time.After(50 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		case <-c.ctx.Done():
			return ErrClientClosed
		}
	}
}

// LastSynced returns when the given type was last successfully applied.
func (c *Client) LastSynced(typeURL string) time.Time {
	ts := c.typeStates[typeURL]
	if ts == nil || ts.lastSynced.Load() == 0 {
		return time.Time{}
	}
	return time.Unix(0, ts.lastSynced.Load())
}

// Close stops the client.  In-flight responses are not drained and no further
// ACKs or NACKs are sent.
func (c *Client) Close() error {
	if !c.stopped.CompareAndSwap(false, true) {
		return ErrClientClosed
	}

	// cancelling the context aborts the blocking receive
	c.ctxCancel()

	<-c.recvClosedCh

	close(c.queue)
	c.workerPool.Wait()

	<-c.resubscribeClosedCh
	<-c.samplerClosedCh

	return c.builder.Close()
}
