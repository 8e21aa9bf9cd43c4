package metrics

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "com.couchbase.stellar-discovery"

// DiscoveryMetrics holds every instrument emitted by the discovery client and
// the backend aggregator.
type DiscoveryMetrics struct {
	Acks                metric.Int64Counter
	Nacks               metric.Int64Counter
	Rejections          metric.Int64Counter
	SequenceRegressions metric.Int64Counter
	QueueDrops          metric.Int64Counter
	StreamFailures      metric.Int64Counter
	Resubscribes        metric.Int64Counter
	CacheWrites         metric.Int64Counter
	CacheLoads          metric.Int64Counter
	PollFailures        metric.Int64Counter

	Clusters         metric.Int64Gauge
	Endpoints        metric.Int64Gauge
	WatchedResources metric.Int64Gauge
	SyncAge          metric.Float64Gauge
}

var (
	discoveryMetrics     *DiscoveryMetrics
	discoveryMetricsLock sync.Mutex
)

func GetDiscoveryMetrics() *DiscoveryMetrics {
	discoveryMetricsLock.Lock()

	if discoveryMetrics != nil {
		discoveryMetricsLock.Unlock()
		return discoveryMetrics
	}

	discoveryMetrics = newDiscoveryMetrics(otel.GetMeterProvider())

	discoveryMetricsLock.Unlock()
	return discoveryMetrics
}

// NewDiscoveryMetrics builds a private set of instruments, mostly useful in
// tests which want to read back what was recorded.
func NewDiscoveryMetrics(provider metric.MeterProvider) *DiscoveryMetrics {
	return newDiscoveryMetrics(provider)
}

func newDiscoveryMetrics(provider metric.MeterProvider) *DiscoveryMetrics {
	meter := provider.Meter(meterName)

	acks, _ := meter.Int64Counter("discovery_acks_total")
	nacks, _ := meter.Int64Counter("discovery_nacks_total")
	rejections, _ := meter.Int64Counter("discovery_rejections_total")
	sequenceRegressions, _ := meter.Int64Counter("discovery_sequence_regressions_total")
	queueDrops, _ := meter.Int64Counter("discovery_queue_drops_total")
	streamFailures, _ := meter.Int64Counter("discovery_stream_failures_total")
	resubscribes, _ := meter.Int64Counter("discovery_resubscribes_total")
	cacheWrites, _ := meter.Int64Counter("discovery_cache_writes_total")
	cacheLoads, _ := meter.Int64Counter("discovery_cache_loads_total")
	pollFailures, _ := meter.Int64Counter("discovery_poll_failures_total")

	clusters, _ := meter.Int64Gauge("discovery_clusters")
	endpoints, _ := meter.Int64Gauge("discovery_endpoints")
	watchedResources, _ := meter.Int64Gauge("discovery_watched_resources")
	syncAge, _ := meter.Float64Gauge("discovery_sync_age_seconds")

	return &DiscoveryMetrics{
		Acks:                acks,
		Nacks:               nacks,
		Rejections:          rejections,
		SequenceRegressions: sequenceRegressions,
		QueueDrops:          queueDrops,
		StreamFailures:      streamFailures,
		Resubscribes:        resubscribes,
		CacheWrites:         cacheWrites,
		CacheLoads:          cacheLoads,
		PollFailures:        pollFailures,

		Clusters:         clusters,
		Endpoints:        endpoints,
		WatchedResources: watchedResources,
		SyncAge:          syncAge,
	}
}
