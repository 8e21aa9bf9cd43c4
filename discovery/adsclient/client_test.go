package adsclient

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	discoveryv3 "github.com/envoyproxy/go-control-plane/envoy/service/discovery/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
	"google.golang.org/protobuf/types/known/anypb"

	"github.com/couchbase/stellar-discovery/common/topology"
	"github.com/couchbase/stellar-discovery/discovery/snapshotstore"
	"github.com/couchbase/stellar-discovery/pkg/metrics"
)

type fakeStream struct {
	ctx  context.Context
	sent chan *discoveryv3.DiscoveryRequest
	recv chan *discoveryv3.DiscoveryResponse
}

func (s *fakeStream) Send(req *discoveryv3.DiscoveryRequest) error {
	select {
	case s.sent <- req:
		return nil
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
}

func (s *fakeStream) Recv() (*discoveryv3.DiscoveryResponse, error) {
	select {
	case resp, ok := <-s.recv:
		if !ok {
			return nil, io.EOF
		}
		return resp, nil
	case <-s.ctx.Done():
		return nil, s.ctx.Err()
	}
}

func (s *fakeStream) CloseSend() error {
	return nil
}

func newFakeStream(ctx context.Context, sentCap int) *fakeStream {
	return &fakeStream{
		ctx:  ctx,
		sent: make(chan *discoveryv3.DiscoveryRequest, sentCap),
		recv: make(chan *discoveryv3.DiscoveryResponse),
	}
}

// fakeBuilder fails the first `failures` builds, then hands out streams.
type fakeBuilder struct {
	streams chan *fakeStream
	sentCap int

	lock     sync.Mutex
	failures int
	attempts []time.Time
}

func newFakeBuilder() *fakeBuilder {
	return &fakeBuilder{
		streams: make(chan *fakeStream, 8),
		sentCap: 64,
	}
}

func (b *fakeBuilder) BuildStream(ctx context.Context) (Stream, error) {
	b.lock.Lock()
	b.attempts = append(b.attempts, time.Now())
	fail := len(b.attempts) <= b.failures
	b.lock.Unlock()

	if fail {
		return nil, errors.New("connection refused")
	}

	stream := newFakeStream(ctx, b.sentCap)
	b.streams <- stream
	return stream, nil
}

// gaps returns the time between consecutive build attempts.
func (b *fakeBuilder) gaps() []time.Duration {
	b.lock.Lock()
	defer b.lock.Unlock()

	var gaps []time.Duration
	for i := 1; i < len(b.attempts); i++ {
		gaps = append(gaps, b.attempts[i].Sub(b.attempts[i-1]))
	}
	return gaps
}

func (b *fakeBuilder) numAttempts() int {
	b.lock.Lock()
	defer b.lock.Unlock()
	return len(b.attempts)
}

func (b *fakeBuilder) Close() error {
	return nil
}

func nextStream(t *testing.T, b *fakeBuilder) *fakeStream {
	select {
	case stream := <-b.streams:
		return stream
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for a stream to be built")
	}
	return nil
}

func nextRequest(t *testing.T, s *fakeStream) *discoveryv3.DiscoveryRequest {
	select {
	case req := <-s.sent:
		return req
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for a request")
	}
	return nil
}

func expectNoRequest(t *testing.T, s *fakeStream, wait time.Duration) {
	select {
	case req := <-s.sent:
		t.Fatalf("unexpected request: %v", req)
	case <-time.After(wait):
	}
}

func pushResponse(t *testing.T, s *fakeStream, resp *discoveryv3.DiscoveryResponse) {
	select {
	case s.recv <- resp:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out pushing a response")
	}
}

func expectSubscriptions(t *testing.T, s *fakeStream, names ...string) {
	for _, typeURL := range resourceTypes {
		req := nextRequest(t, s)
		assert.Equal(t, typeURL, req.TypeUrl)
		assert.ElementsMatch(t, names, req.ResourceNames)
		assert.Empty(t, req.ResponseNonce)
	}
}

func clusterResponse(t *testing.T, version, nonce string, names ...string) *discoveryv3.DiscoveryResponse {
	resources := make([]*anypb.Any, 0, len(names))
	for _, name := range names {
		res, err := snapshotstore.EncodeCluster(name, map[string]string{"partitionNum": "4"}, false)
		require.NoError(t, err)
		resources = append(resources, res)
	}

	return &discoveryv3.DiscoveryResponse{
		VersionInfo: version,
		Resources:   resources,
		TypeUrl:     snapshotstore.ClusterTypeURL,
		Nonce:       nonce,
	}
}

func endpointResponse(t *testing.T, version, nonce, name, addr string) *discoveryv3.DiscoveryResponse {
	res, err := snapshotstore.EncodeEndpoints(name, []*topology.EndpointRecord{{
		ServiceName: name,
		Weight:      1,
		Address:     addr,
		Ports:       map[string]uint32{"grpc": 9000},
		Valid:       true,
	}})
	require.NoError(t, err)

	return &discoveryv3.DiscoveryResponse{
		VersionInfo: version,
		Resources:   []*anypb.Any{res},
		TypeUrl:     snapshotstore.EndpointTypeURL,
		Nonce:       nonce,
	}
}

func newTestClient(t *testing.T, mode ResubscribeMode, initial ...string) (*Client, *fakeBuilder, *snapshotstore.Store) {
	logger := zaptest.NewLogger(t)
	store := snapshotstore.NewStore(&snapshotstore.StoreOptions{Logger: logger})
	builder := newFakeBuilder()

	client, err := NewClient(&ClientOptions{
		Logger:               logger,
		Name:                 "test",
		Store:                store,
		StreamBuilder:        builder,
		NodeID:               "node-1",
		Metrics:              metrics.NewDiscoveryMetrics(noop.NewMeterProvider()),
		InitialSubscriptions: initial,
		ResubscribeMode:      mode,
		ResubscribeInterval:  50 * time.Millisecond,
		InitialBackoff:       10 * time.Millisecond,
		MaxBackoff:           50 * time.Millisecond,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = client.Close()
	})

	return client, builder, store
}

// newMeteredClient starts a client whose metrics can be read back from the
// returned reader.
func newMeteredClient(
	t *testing.T,
	builder *fakeBuilder,
	opts ClientOptions,
) (*Client, *snapshotstore.Store, *sdkmetric.ManualReader) {
	logger := zaptest.NewLogger(t)
	store := snapshotstore.NewStore(&snapshotstore.StoreOptions{Logger: logger})

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() {
		_ = provider.Shutdown(context.Background())
	})

	opts.Logger = logger
	opts.Name = "test"
	opts.Store = store
	opts.StreamBuilder = builder
	opts.NodeID = "node-1"
	opts.Metrics = metrics.NewDiscoveryMetrics(provider)

	client, err := NewClient(&opts)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = client.Close()
	})

	return client, store, reader
}

func counterValue(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "%s is not an int64 counter", name)
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}

func TestInitialSubscriptionsAreSentPerType(t *testing.T) {
	client, builder, _ := newTestClient(t, ResubscribeSync, "svcB", "svcA")
	stream := nextStream(t, builder)

	for _, typeURL := range resourceTypes {
		req := nextRequest(t, stream)
		assert.Equal(t, typeURL, req.TypeUrl)
		assert.Equal(t, []string{"svcA", "svcB"}, req.ResourceNames)
		assert.Equal(t, "node-1", req.Node.GetId())
	}

	assert.Eventually(t, func() bool {
		return client.State() == StateStreaming
	}, 5*time.Second, 10*time.Millisecond)
}

func TestAddSubscribeSendsFullSet(t *testing.T) {
	client, builder, _ := newTestClient(t, ResubscribeSync, "svcA")
	stream := nextStream(t, builder)
	expectSubscriptions(t, stream, "svcA")

	client.AddSubscribe([]string{"svcB"})
	expectSubscriptions(t, stream, "svcA", "svcB")

	// nothing new, nothing sent
	client.AddSubscribe([]string{"svcA"})
	expectNoRequest(t, stream, 100*time.Millisecond)
}

func TestFullUpdatesAreAcked(t *testing.T) {
	client, builder, store := newTestClient(t, ResubscribeSync, "svcA")
	stream := nextStream(t, builder)
	expectSubscriptions(t, stream, "svcA")

	assert.False(t, client.IsSynced())

	pushResponse(t, stream, clusterResponse(t, "1/100/1", "n1", "svcA"))
	ack := nextRequest(t, stream)
	assert.Equal(t, "n1", ack.ResponseNonce)
	assert.Equal(t, "1/100/1", ack.VersionInfo)
	assert.Equal(t, snapshotstore.ClusterTypeURL, ack.TypeUrl)
	assert.Equal(t, []string{"svcA"}, ack.ResourceNames)
	assert.Nil(t, ack.ErrorDetail)

	pushResponse(t, stream, endpointResponse(t, "1/100/2", "n2", "svcA", "10.0.0.1"))
	ack = nextRequest(t, stream)
	assert.Equal(t, "n2", ack.ResponseNonce)
	assert.Nil(t, ack.ErrorDetail)

	assert.True(t, client.IsSynced())
	assert.False(t, client.LastSynced(snapshotstore.EndpointTypeURL).IsZero())

	var acc []*topology.EndpointRecord
	store.GetSnapshot(&acc)
	require.Len(t, acc, 1)
	assert.Equal(t, "10.0.0.1", acc[0].Address)
	assert.Equal(t, uint32(4), acc[0].PartitionCount)
}

func TestIncrementalBeforeFullIsRejected(t *testing.T) {
	client, builder, store := newTestClient(t, ResubscribeSync, "svcA")
	stream := nextStream(t, builder)
	expectSubscriptions(t, stream, "svcA")

	pushResponse(t, stream, clusterResponse(t, "0/100/1", "n1", "svcA"))
	nack := nextRequest(t, stream)
	assert.Equal(t, "n1", nack.ResponseNonce)
	assert.Empty(t, nack.VersionInfo)
	require.NotNil(t, nack.ErrorDetail)
	assert.Contains(t, nack.ErrorDetail.Message, ErrIncrementalBeforeFull.Error())

	_, ok := store.GetCluster("svcA")
	assert.False(t, ok)
	assert.False(t, store.IsServable())

	// a later full update is still accepted
	pushResponse(t, stream, clusterResponse(t, "1/100/2", "n2", "svcA"))
	ack := nextRequest(t, stream)
	assert.Nil(t, ack.ErrorDetail)
	assert.Equal(t, "1/100/2", ack.VersionInfo)

	_, ok = store.GetCluster("svcA")
	assert.True(t, ok)
	assert.False(t, client.IsSynced())
}

func TestNackCarriesLastAcceptedVersion(t *testing.T) {
	_, builder, _ := newTestClient(t, ResubscribeSync, "svcA")
	stream := nextStream(t, builder)
	expectSubscriptions(t, stream, "svcA")

	pushResponse(t, stream, clusterResponse(t, "1/100/7", "n1", "svcA"))
	nextRequest(t, stream)

	pushResponse(t, stream, clusterResponse(t, "bogus", "n2", "svcA"))
	nack := nextRequest(t, stream)
	require.NotNil(t, nack.ErrorDetail)
	assert.Equal(t, "1/100/7", nack.VersionInfo)
	assert.Equal(t, "n2", nack.ResponseNonce)
}

func TestSequenceRegressionIsAccepted(t *testing.T) {
	_, builder, store := newTestClient(t, ResubscribeSync, "svcA", "svcB")
	stream := nextStream(t, builder)
	expectSubscriptions(t, stream, "svcA", "svcB")

	pushResponse(t, stream, clusterResponse(t, "1/100/5", "n1", "svcA"))
	assert.Nil(t, nextRequest(t, stream).ErrorDetail)

	pushResponse(t, stream, clusterResponse(t, "0/101/3", "n2", "svcB"))
	ack := nextRequest(t, stream)
	assert.Nil(t, ack.ErrorDetail)
	assert.Equal(t, "0/101/3", ack.VersionInfo)

	_, ok := store.GetCluster("svcB")
	assert.True(t, ok)
}

func TestSequenceRegressionsAreCountedForAppliedIncrementals(t *testing.T) {
	builder := newFakeBuilder()
	_, _, reader := newMeteredClient(t, builder, ClientOptions{
		InitialSubscriptions: []string{"svcA", "svcB"},
		Workers:              1,
	})
	stream := nextStream(t, builder)
	expectSubscriptions(t, stream, "svcA", "svcB")

	regressions := func() int64 {
		return counterValue(t, reader, "discovery_sequence_regressions_total")
	}

	pushResponse(t, stream, clusterResponse(t, "1/100/5", "n1", "svcA"))
	require.Nil(t, nextRequest(t, stream).ErrorDetail)
	assert.Equal(t, int64(0), regressions())

	// an equal sequence is not newer
	pushResponse(t, stream, clusterResponse(t, "0/100/5", "n2", "svcA"))
	require.Nil(t, nextRequest(t, stream).ErrorDetail)
	assert.Equal(t, int64(1), regressions())

	// a full resync after a server restart starts the sequence over
	pushResponse(t, stream, clusterResponse(t, "1/100/1", "n3", "svcA"))
	require.Nil(t, nextRequest(t, stream).ErrorDetail)
	assert.Equal(t, int64(1), regressions())

	// a rejected response does not move the last applied sequence
	rejected := clusterResponse(t, "0/100/50", "n4", "svcA")
	endpointRes, err := snapshotstore.EncodeEndpoints("svcB", nil)
	require.NoError(t, err)
	rejected.Resources = append(rejected.Resources, endpointRes)
	pushResponse(t, stream, rejected)
	require.NotNil(t, nextRequest(t, stream).ErrorDetail)
	assert.Equal(t, int64(1), regressions())

	pushResponse(t, stream, clusterResponse(t, "0/100/10", "n5", "svcA", "svcB"))
	require.Nil(t, nextRequest(t, stream).ErrorDetail)
	assert.Equal(t, int64(1), regressions())

	pushResponse(t, stream, clusterResponse(t, "0/100/9", "n6", "svcA"))
	require.Nil(t, nextRequest(t, stream).ErrorDetail)
	assert.Equal(t, int64(2), regressions())
}

func TestUnknownTypeURLIsRejected(t *testing.T) {
	_, builder, _ := newTestClient(t, ResubscribeSync, "svcA")
	stream := nextStream(t, builder)
	expectSubscriptions(t, stream, "svcA")

	pushResponse(t, stream, &discoveryv3.DiscoveryResponse{
		VersionInfo: "1/100/1",
		TypeUrl:     "type.googleapis.com/envoy.config.route.v3.RouteConfiguration",
		Nonce:       "n1",
	})

	nack := nextRequest(t, stream)
	require.NotNil(t, nack.ErrorDetail)
	assert.Contains(t, nack.ErrorDetail.Message, ErrUnknownTypeURL.Error())
}

func TestMismatchedResourceRejectsWholeResponse(t *testing.T) {
	_, builder, store := newTestClient(t, ResubscribeSync, "svcA", "svcB")
	stream := nextStream(t, builder)
	expectSubscriptions(t, stream, "svcA", "svcB")

	resp := clusterResponse(t, "1/100/1", "n1", "svcA")
	endpointRes, err := snapshotstore.EncodeEndpoints("svcB", nil)
	require.NoError(t, err)
	resp.Resources = append(resp.Resources, endpointRes)

	pushResponse(t, stream, resp)
	nack := nextRequest(t, stream)
	require.NotNil(t, nack.ErrorDetail)

	_, ok := store.GetCluster("svcA")
	assert.False(t, ok)
}

func TestDeleteSubscribeClearsStore(t *testing.T) {
	client, builder, store := newTestClient(t, ResubscribeSync, "svcA", "svcB")
	stream := nextStream(t, builder)
	expectSubscriptions(t, stream, "svcA", "svcB")

	pushResponse(t, stream, clusterResponse(t, "1/100/1", "n1", "svcA", "svcB"))
	nextRequest(t, stream)

	client.DeleteSubscribe([]string{"svcA", "svcC"})
	expectSubscriptions(t, stream, "svcB")

	_, ok := store.GetCluster("svcA")
	assert.False(t, ok)
	_, ok = store.GetCluster("svcB")
	assert.True(t, ok)
	assert.Equal(t, []string{"svcB"}, client.Subscriptions())
}

func TestBatchedResubscribeCoalesces(t *testing.T) {
	client, builder, _ := newTestClient(t, ResubscribeBatched, "svcA")
	stream := nextStream(t, builder)
	expectSubscriptions(t, stream, "svcA")

	client.AddSubscribe([]string{"svcB"})
	client.AddSubscribe([]string{"svcC"})
	client.DeleteSubscribe([]string{"svcA"})

	expectSubscriptions(t, stream, "svcB", "svcC")
	expectNoRequest(t, stream, 150*time.Millisecond)
}

func TestReconnectResendsSubscriptions(t *testing.T) {
	client, builder, _ := newTestClient(t, ResubscribeSync, "svcA")
	stream := nextStream(t, builder)
	expectSubscriptions(t, stream, "svcA")

	pushResponse(t, stream, clusterResponse(t, "1/100/1", "n1", "svcA"))
	nextRequest(t, stream)

	close(stream.recv)

	stream = nextStream(t, builder)
	req := nextRequest(t, stream)
	assert.Equal(t, snapshotstore.ClusterTypeURL, req.TypeUrl)
	assert.Equal(t, "1/100/1", req.VersionInfo)
	assert.Equal(t, []string{"svcA"}, req.ResourceNames)

	req = nextRequest(t, stream)
	assert.Equal(t, snapshotstore.EndpointTypeURL, req.TypeUrl)
	assert.Empty(t, req.VersionInfo)

	assert.Eventually(t, func() bool {
		return client.State() == StateStreaming
	}, 5*time.Second, 10*time.Millisecond)
}

func TestEmptyWatchSetIsSynced(t *testing.T) {
	client, builder, _ := newTestClient(t, ResubscribeSync)
	stream := nextStream(t, builder)
	expectSubscriptions(t, stream)

	assert.True(t, client.IsSynced())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, client.WaitSynced(ctx))
}

func TestWaitSyncedHonoursContext(t *testing.T) {
	client, _, _ := newTestClient(t, ResubscribeSync, "svcA")

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, client.WaitSynced(ctx), context.DeadlineExceeded)
}

func TestCloseStopsAllGoroutines(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	logger := zaptest.NewLogger(t)
	client, err := NewClient(&ClientOptions{
		Logger:               logger,
		Store:                snapshotstore.NewStore(&snapshotstore.StoreOptions{Logger: logger}),
		StreamBuilder:        newFakeBuilder(),
		Metrics:              metrics.NewDiscoveryMetrics(noop.NewMeterProvider()),
		InitialSubscriptions: []string{"svcA"},
		ResubscribeMode:      ResubscribeBatched,
	})
	require.NoError(t, err)

	require.NoError(t, client.Close())
	assert.ErrorIs(t, client.Close(), ErrClientClosed)
	assert.Equal(t, StateDisconnected, client.State())
}

func TestNewClientRequiresStoreAndBuilder(t *testing.T) {
	_, err := NewClient(&ClientOptions{StreamBuilder: newFakeBuilder()})
	assert.Error(t, err)

	_, err = NewClient(&ClientOptions{
		Store: snapshotstore.NewStore(&snapshotstore.StoreOptions{}),
	})
	assert.Error(t, err)
}

func TestFullQueueDropsNewestResponse(t *testing.T) {
	builder := newFakeBuilder()
	// acks block until read, which holds the only worker
	builder.sentCap = 0

	_, store, reader := newMeteredClient(t, builder, ClientOptions{
		InitialSubscriptions: []string{"svcA"},
		Workers:              1,
		QueueSize:            1,
	})
	stream := nextStream(t, builder)
	expectSubscriptions(t, stream, "svcA")

	pushResponse(t, stream, clusterResponse(t, "1/100/1", "n1", "svcA"))
	require.Eventually(t, func() bool {
		_, ok := store.GetCluster("svcA")
		return ok
	}, 5*time.Second, 5*time.Millisecond)

	// the worker is now stuck sending the first ack
	pushResponse(t, stream, clusterResponse(t, "0/100/2", "n2", "svcA"))
	pushResponse(t, stream, clusterResponse(t, "0/100/3", "n3", "svcA"))

	require.Eventually(t, func() bool {
		return counterValue(t, reader, "discovery_queue_drops_total") == 1
	}, 5*time.Second, 5*time.Millisecond)

	assert.Equal(t, "n1", nextRequest(t, stream).ResponseNonce)
	assert.Equal(t, "n2", nextRequest(t, stream).ResponseNonce)
	expectNoRequest(t, stream, 100*time.Millisecond)
}

func TestStreamBuildFailuresBackOff(t *testing.T) {
	builder := newFakeBuilder()
	builder.failures = 5

	client, _, reader := newMeteredClient(t, builder, ClientOptions{
		InitialSubscriptions: []string{"svcA"},
		InitialBackoff:       20 * time.Millisecond,
		MaxBackoff:           40 * time.Millisecond,
	})

	stream := nextStream(t, builder)
	expectSubscriptions(t, stream, "svcA")
	require.Eventually(t, func() bool {
		return client.State() == StateStreaming
	}, 5*time.Second, 5*time.Millisecond)

	assert.Equal(t, int64(5), counterValue(t, reader, "discovery_stream_failures_total"))

	gaps := builder.gaps()
	require.Len(t, gaps, 5)

	// 20ms doubling to 40ms, then capped at 40ms
	minimums := []time.Duration{20, 40, 40, 40, 40}
	for i, gap := range gaps {
		assert.GreaterOrEqual(t, gap, minimums[i]*time.Millisecond-2*time.Millisecond, "gap %d", i)
	}
	assert.Less(t, gaps[3], 80*time.Millisecond)
	assert.Less(t, gaps[4], 80*time.Millisecond)
}

func TestBackoffResetsAfterSubscribing(t *testing.T) {
	builder := newFakeBuilder()
	builder.failures = 3

	_, _, _ = newMeteredClient(t, builder, ClientOptions{
		InitialSubscriptions: []string{"svcA"},
		InitialBackoff:       20 * time.Millisecond,
		MaxBackoff:           1 * time.Second,
	})

	// three failures push the next delay to 160ms
	stream := nextStream(t, builder)
	expectSubscriptions(t, stream, "svcA")
	require.Equal(t, 4, builder.numAttempts())

	close(stream.recv)
	closedAt := time.Now()

	next := nextStream(t, builder)
	expectSubscriptions(t, next, "svcA")

	assert.Less(t, time.Since(closedAt), 120*time.Millisecond)
	gaps := builder.gaps()
	require.Len(t, gaps, 4)
	assert.GreaterOrEqual(t, gaps[3], 18*time.Millisecond)
}
