package snapshotstore

import (
	"maps"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/couchbase/stellar-discovery/common/topology"
)

// Result describes the outcome of applying one update to the store.  The store
// itself never talks to the wire, the protocol client translates a Result into
// an ACK or NACK.
type Result struct {
	Applied int
	Deleted int
	Err     error
}

func (r Result) OK() bool {
	return r.Err == nil
}

type StoreOptions struct {
	Logger    *zap.Logger
	DiskCache *DiskCache
}

// Store holds the authoritative cluster and endpoint maps for one discovery
// backend.  Published entries are never mutated, readers copy the map structure
// under the lock and then read entries without holding it.
type Store struct {
	logger    *zap.Logger
	diskCache *DiskCache

	clusterLock sync.RWMutex
	clusters    map[topology.ResourceName]*ClusterEntry
	// clustersLive is set once a live update has been applied, after which
	// the disk cache may no longer replace the clusters.
	clustersLive bool

	endpointLock  sync.RWMutex
	endpoints     map[topology.ResourceName]*EndpointSet
	endpointsLive bool

	// updateGen is bumped on every applied update, observedGen holds the
	// generation seen by the most recent GetSnapshot.
	updateGen   atomic.Uint64
	observedGen atomic.Uint64

	servable atomic.Bool
	dirty    atomic.Bool
}

func NewStore(opts *StoreOptions) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Store{
		logger:    logger,
		diskCache: opts.DiskCache,
		clusters:  make(map[topology.ResourceName]*ClusterEntry),
		endpoints: make(map[topology.ResourceName]*EndpointSet),
	}
}

func (s *Store) markUpdated() {
	s.updateGen.Inc()
	s.servable.Store(true)
	s.dirty.Store(true)
}

func buildClusterMap(items []*ClusterItem) map[topology.ResourceName]*ClusterEntry {
	clusters := make(map[topology.ResourceName]*ClusterEntry, len(items))
	for _, item := range items {
		if item.Tombstone || item.Entry == nil {
			continue
		}
		clusters[item.Name] = item.Entry
	}
	return clusters
}

func buildEndpointMap(items []*EndpointItem) map[topology.ResourceName]*EndpointSet {
	endpoints := make(map[topology.ResourceName]*EndpointSet, len(items))
	for _, item := range items {
		if item.Delete || item.Set == nil {
			continue
		}
		endpoints[item.Name] = item.Set
	}
	return endpoints
}

// UpdateClusters applies a cluster update.  A full update replaces the whole map,
// an incremental update upserts entries and deletes tombstoned ones from both
// the cluster and endpoint maps.
func (s *Store) UpdateClusters(isFull bool, items []*ClusterItem) Result {
	if isFull {
		newClusters := buildClusterMap(items)

		s.clusterLock.Lock()
		s.clusters = newClusters
		s.clustersLive = true
		s.clusterLock.Unlock()

		s.markUpdated()
		return Result{Applied: len(newClusters)}
	}

	var tombstones []topology.ResourceName
	applied := 0

	s.clusterLock.Lock()
	s.clustersLive = true
	for _, item := range items {
		if item.Tombstone {
			delete(s.clusters, item.Name)
			tombstones = append(tombstones, item.Name)
			continue
		}
		if item.Entry == nil {
			continue
		}
		s.clusters[item.Name] = item.Entry
		applied++
	}
	s.clusterLock.Unlock()

	// endpoints of a tombstoned cluster are removed in a second critical
	// section, never while still holding the cluster lock.
	if len(tombstones) > 0 {
		s.endpointLock.Lock()
		for _, name := range tombstones {
			delete(s.endpoints, name)
		}
		s.endpointLock.Unlock()
	}

	s.markUpdated()
	return Result{Applied: applied, Deleted: len(tombstones)}
}

// UpdateEndpoints applies an endpoint update, full updates replace the whole map.
func (s *Store) UpdateEndpoints(isFull bool, items []*EndpointItem) Result {
	if isFull {
		newEndpoints := buildEndpointMap(items)

		s.endpointLock.Lock()
		s.endpoints = newEndpoints
		s.endpointsLive = true
		s.endpointLock.Unlock()

		s.markUpdated()
		return Result{Applied: len(newEndpoints)}
	}

	applied, deleted := 0, 0

	s.endpointLock.Lock()
	s.endpointsLive = true
	for _, item := range items {
		if item.Delete || item.Set == nil {
			delete(s.endpoints, item.Name)
			deleted++
			continue
		}
		s.endpoints[item.Name] = item.Set
		applied++
	}
	s.endpointLock.Unlock()

	s.markUpdated()
	return Result{Applied: applied, Deleted: deleted}
}

// Clear drops a single resource from both maps.
func (s *Store) Clear(name topology.ResourceName) {
	s.clusterLock.Lock()
	_, hadCluster := s.clusters[name]
	delete(s.clusters, name)
	s.clusterLock.Unlock()

	s.endpointLock.Lock()
	_, hadEndpoints := s.endpoints[name]
	delete(s.endpoints, name)
	s.endpointLock.Unlock()

	if hadCluster || hadEndpoints {
		s.markUpdated()
	}
}

func (s *Store) copyClusters() map[topology.ResourceName]*ClusterEntry {
	s.clusterLock.RLock()
	defer s.clusterLock.RUnlock()
	return maps.Clone(s.clusters)
}

func (s *Store) copyEndpoints() map[topology.ResourceName]*EndpointSet {
	s.endpointLock.RLock()
	defer s.endpointLock.RUnlock()
	return maps.Clone(s.endpoints)
}

// GetSnapshot appends every endpoint record currently known into acc.  The
// accumulator is never cleared so that several sources can share it.
func (s *Store) GetSnapshot(acc *[]*topology.EndpointRecord) {
	// the generation is read before the maps so that an update racing with
	// this read leaves NeedsRefresh reporting true.
	gen := s.updateGen.Load()

	clusters := s.copyClusters()
	endpoints := s.copyEndpoints()

	for name, set := range endpoints {
		var partitionNum uint32
		if cluster := clusters[name]; cluster != nil {
			partitionNum = cluster.PartitionNum
		}

		for _, record := range set.Records {
			if record.PartitionCount == 0 && partitionNum != 0 {
				withPartitions := *record
				withPartitions.PartitionCount = partitionNum
				record = &withPartitions
			}
			*acc = append(*acc, record)
		}
	}

	s.observedGen.Store(gen)
}

// NeedsRefresh indicates whether an update has been applied since the last
// call to GetSnapshot.
func (s *Store) NeedsRefresh() bool {
	return s.updateGen.Load() != s.observedGen.Load()
}

// IsServable indicates whether at least one update, live or from the disk
// cache, has been applied.
func (s *Store) IsServable() bool {
	return s.servable.Load()
}

func (s *Store) GetCluster(name topology.ResourceName) (*ClusterEntry, bool) {
	s.clusterLock.RLock()
	entry, ok := s.clusters[name]
	s.clusterLock.RUnlock()
	return entry, ok
}

func (s *Store) GetEndpoints(name topology.ResourceName) ([]*topology.EndpointRecord, bool) {
	s.endpointLock.RLock()
	set, ok := s.endpoints[name]
	s.endpointLock.RUnlock()
	if !ok {
		return nil, false
	}
	return set.Records, true
}

// Stats returns the number of clusters and endpoint records held.
func (s *Store) Stats() (int, int) {
	s.clusterLock.RLock()
	numClusters := len(s.clusters)
	s.clusterLock.RUnlock()

	numEndpoints := 0
	s.endpointLock.RLock()
	for _, set := range s.endpoints {
		numEndpoints += len(set.Records)
	}
	s.endpointLock.RUnlock()

	return numClusters, numEndpoints
}

// Dirty indicates whether the store changed since it was last persisted.
func (s *Store) Dirty() bool {
	return s.dirty.Load()
}

// PersistToDisk writes both maps to the disk cache.
func (s *Store) PersistToDisk() error {
	if s.diskCache == nil {
		return ErrNoDiskCache
	}

	// cleared first so that an update landing during the write marks us
	// dirty again for the next interval.
	s.dirty.Store(false)

	clusters := s.copyClusters()
	endpoints := s.copyEndpoints()

	err := s.diskCache.writeClusters(clusters)
	if err != nil {
		s.dirty.Store(true)
		return err
	}

	err = s.diskCache.writeEndpoints(endpoints)
	if err != nil {
		s.dirty.Store(true)
		return err
	}

	s.logger.Debug("persisted topology to disk cache",
		zap.Int("clusters", len(clusters)),
		zap.Int("endpoints", len(endpoints)))

	return nil
}

// LoadFromDisk restores whatever the disk cache holds for each resource type
// that has not yet received a live update.  Live data is never replaced.  A
// missing, empty or corrupt cache file is treated as having no cache.  It
// returns whether anything was loaded.
func (s *Store) LoadFromDisk() bool {
	if s.diskCache == nil {
		return false
	}

	loaded := false

	clusterItems, err := s.diskCache.readClusters(s.logger)
	if err != nil {
		s.logger.Info("not loading clusters from disk cache", zap.Error(err))
	} else if s.restoreClusters(clusterItems) {
		loaded = true
	} else {
		s.logger.Info("not loading clusters from disk cache, live clusters already applied")
	}

	endpointItems, err := s.diskCache.readEndpoints(s.logger)
	if err != nil {
		s.logger.Info("not loading endpoints from disk cache", zap.Error(err))
	} else if s.restoreEndpoints(endpointItems) {
		loaded = true
	} else {
		s.logger.Info("not loading endpoints from disk cache, live endpoints already applied")
	}

	if loaded {
		s.updateGen.Inc()
		s.servable.Store(true)
	}

	return loaded
}

func (s *Store) restoreClusters(items []*ClusterItem) bool {
	clusters := buildClusterMap(items)

	s.clusterLock.Lock()
	defer s.clusterLock.Unlock()

	if s.clustersLive {
		return false
	}
	s.clusters = clusters
	return true
}

func (s *Store) restoreEndpoints(items []*EndpointItem) bool {
	endpoints := buildEndpointMap(items)

	s.endpointLock.Lock()
	defer s.endpointLock.Unlock()

	if s.endpointsLive {
		return false
	}
	s.endpoints = endpoints
	return true
}
