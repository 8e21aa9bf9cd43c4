package snapshotstore

import (
	"sort"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/structpb"

	clusterv3 "github.com/envoyproxy/go-control-plane/envoy/config/cluster/v3"
	corev3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"

	"github.com/couchbase/stellar-discovery/common/topology"
)

func testRecord(svc, addr string, port uint32) *topology.EndpointRecord {
	return &topology.EndpointRecord{
		ServiceName: svc,
		Weight:      1,
		Address:     addr,
		Ports:       map[string]uint32{DefaultProtocol: port},
		Valid:       true,
	}
}

func clusterItem(t *testing.T, name string, attrs map[string]string, tombstone bool) *ClusterItem {
	res, err := EncodeCluster(name, attrs, tombstone)
	require.NoError(t, err)

	item, err := DecodeCluster(res, zaptest.NewLogger(t))
	require.NoError(t, err)
	return item
}

func endpointItem(t *testing.T, name string, records ...*topology.EndpointRecord) *EndpointItem {
	res, err := EncodeEndpoints(name, records)
	require.NoError(t, err)

	item, err := DecodeEndpoints(res, zaptest.NewLogger(t))
	require.NoError(t, err)
	return item
}

func clusterNames(s *Store) []string {
	clusters := s.copyClusters()
	var names []string
	for name := range clusters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func snapshotKeys(s *Store) []string {
	var acc []*topology.EndpointRecord
	s.GetSnapshot(&acc)

	keys := make([]string, 0, len(acc))
	for _, record := range acc {
		keys = append(keys, record.Key())
	}
	sort.Strings(keys)
	return keys
}

func newTestStore(t *testing.T) *Store {
	return NewStore(&StoreOptions{Logger: zaptest.NewLogger(t)})
}

func TestFullClusterUpdateReplacesEverything(t *testing.T) {
	s := newTestStore(t)

	s.UpdateClusters(true, []*ClusterItem{
		clusterItem(t, "svcA", nil, false),
		clusterItem(t, "svcB", nil, false),
	})
	require.Equal(t, []string{"svcA", "svcB"}, clusterNames(s))

	s.UpdateClusters(true, []*ClusterItem{
		clusterItem(t, "svcC", nil, false),
	})
	require.Equal(t, []string{"svcC"}, clusterNames(s))

	s.UpdateClusters(true, nil)
	require.Empty(t, clusterNames(s))
}

func TestIncrementalClusterUpsert(t *testing.T) {
	s := newTestStore(t)

	s.UpdateClusters(true, []*ClusterItem{
		clusterItem(t, "svcA", map[string]string{"zone": "a"}, false),
	})
	res := s.UpdateClusters(false, []*ClusterItem{
		clusterItem(t, "svcA", map[string]string{"zone": "b"}, false),
		clusterItem(t, "svcB", nil, false),
	})
	require.True(t, res.OK())
	require.Equal(t, 2, res.Applied)

	require.Equal(t, []string{"svcA", "svcB"}, clusterNames(s))

	entry, ok := s.GetCluster("svcA")
	require.True(t, ok)
	zone, _ := entry.Attributes.Get("zone")
	assert.Equal(t, "b", zone)
}

func TestClusterTombstoneDeletesEndpoints(t *testing.T) {
	s := newTestStore(t)

	s.UpdateClusters(true, []*ClusterItem{
		clusterItem(t, "svcA", nil, false),
		clusterItem(t, "svcB", nil, false),
	})
	s.UpdateEndpoints(true, []*EndpointItem{
		endpointItem(t, "svcA", testRecord("svcA", "10.0.0.1", 8080)),
		endpointItem(t, "svcB", testRecord("svcB", "10.0.0.9", 9090)),
	})

	res := s.UpdateClusters(false, []*ClusterItem{
		clusterItem(t, "svcA", nil, true),
	})
	require.Equal(t, 1, res.Deleted)

	_, ok := s.GetCluster("svcA")
	require.False(t, ok)
	_, ok = s.GetEndpoints("svcA")
	require.False(t, ok)

	_, ok = s.GetEndpoints("svcB")
	require.True(t, ok)
}

func TestIncrementalEndpointReplaceAndDelete(t *testing.T) {
	s := newTestStore(t)

	s.UpdateEndpoints(true, []*EndpointItem{
		endpointItem(t, "svcA",
			testRecord("svcA", "10.0.0.1", 8080),
			testRecord("svcA", "10.0.0.2", 8081)),
		endpointItem(t, "svcB", testRecord("svcB", "10.0.0.9", 9090)),
	})

	s.UpdateEndpoints(false, []*EndpointItem{
		endpointItem(t, "svcA", testRecord("svcA", "10.0.0.1", 8080)),
		endpointItem(t, "svcB"),
	})

	records, ok := s.GetEndpoints("svcA")
	require.True(t, ok)
	require.Len(t, records, 1)
	require.Equal(t, "10.0.0.1", records[0].Address)

	_, ok = s.GetEndpoints("svcB")
	require.False(t, ok)
}

func TestSnapshotAppendsAndIsIdempotent(t *testing.T) {
	s := newTestStore(t)

	s.UpdateEndpoints(true, []*EndpointItem{
		endpointItem(t, "svcA",
			testRecord("svcA", "10.0.0.1", 8080),
			testRecord("svcA", "10.0.0.2", 8081)),
	})

	acc := []*topology.EndpointRecord{testRecord("other", "192.168.0.1", 1)}
	s.GetSnapshot(&acc)
	require.Len(t, acc, 3)
	require.Equal(t, "other", acc[0].ServiceName)

	require.Equal(t, snapshotKeys(s), snapshotKeys(s))
}

func TestSnapshotFillsPartitionCountFromCluster(t *testing.T) {
	s := newTestStore(t)

	s.UpdateClusters(true, []*ClusterItem{
		clusterItem(t, "svcA", map[string]string{"partitionNum": "2"}, false),
	})
	s.UpdateEndpoints(true, []*EndpointItem{
		endpointItem(t, "svcA", testRecord("svcA", "10.0.0.1", 8080)),
	})

	var acc []*topology.EndpointRecord
	s.GetSnapshot(&acc)
	require.Len(t, acc, 1)
	require.EqualValues(t, 2, acc[0].PartitionCount)

	// the stored record itself stays untouched
	records, _ := s.GetEndpoints("svcA")
	require.EqualValues(t, 0, records[0].PartitionCount)
}

func TestNeedsRefresh(t *testing.T) {
	s := newTestStore(t)
	require.False(t, s.NeedsRefresh())
	require.False(t, s.IsServable())

	s.UpdateClusters(true, nil)
	require.True(t, s.NeedsRefresh())
	require.True(t, s.IsServable())

	var acc []*topology.EndpointRecord
	s.GetSnapshot(&acc)
	require.False(t, s.NeedsRefresh())

	s.UpdateEndpoints(false, []*EndpointItem{
		endpointItem(t, "svcA", testRecord("svcA", "10.0.0.1", 8080)),
	})
	require.True(t, s.NeedsRefresh())

	s.GetSnapshot(&acc)
	require.False(t, s.NeedsRefresh())

	s.Clear("svcA")
	require.True(t, s.NeedsRefresh())
}

func TestClear(t *testing.T) {
	s := newTestStore(t)

	s.UpdateClusters(true, []*ClusterItem{clusterItem(t, "svcA", nil, false)})
	s.UpdateEndpoints(true, []*EndpointItem{
		endpointItem(t, "svcA", testRecord("svcA", "10.0.0.1", 8080)),
	})

	s.Clear("svcA")

	numClusters, numEndpoints := s.Stats()
	require.Zero(t, numClusters)
	require.Zero(t, numEndpoints)
}

func TestBadMetadataFieldUsesDefault(t *testing.T) {
	md, err := structpb.NewStruct(map[string]interface{}{
		"partitionNum": "not-a-number",
		"zone":         "a",
	})
	require.NoError(t, err)

	res, err := anypb.New(&clusterv3.Cluster{
		Name: "svcA",
		Metadata: &corev3.Metadata{
			FilterMetadata: map[string]*structpb.Struct{MetadataNamespace: md},
		},
	})
	require.NoError(t, err)

	item, err := DecodeCluster(res, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.False(t, item.Tombstone)
	require.EqualValues(t, 0, item.Entry.PartitionNum)

	zone, ok := item.Entry.Attributes.Get("zone")
	require.True(t, ok)
	require.Equal(t, "a", zone)
}

func TestEndpointMetadataDecoding(t *testing.T) {
	record := &topology.EndpointRecord{
		ServiceName:       "svcA",
		PartitionCount:    4,
		PartitionID:       3,
		Version:           "v2",
		Weight:            50,
		Address:           "10.0.0.1",
		Ports:             map[string]uint32{"http": 8080, "transport": 9000},
		Valid:             false,
		SupportsHeartbeat: true,
		NodeMeta:          map[string]string{"rack": "r1"},
	}

	item := endpointItem(t, "svcA", record)
	require.False(t, item.Delete)
	require.Len(t, item.Set.Records, 1)

	decoded := item.Set.Records[0]
	assert.EqualValues(t, 4, decoded.PartitionCount)
	assert.EqualValues(t, 3, decoded.PartitionID)
	assert.Equal(t, "v2", decoded.Version)
	assert.EqualValues(t, 50, decoded.Weight)
	assert.Equal(t, "10.0.0.1", decoded.Address)
	assert.Equal(t, map[string]uint32{"http": 8080, "transport": 9000}, decoded.Ports)
	assert.False(t, decoded.Valid)
	assert.True(t, decoded.SupportsHeartbeat)
	assert.Equal(t, map[string]string{"rack": "r1"}, decoded.NodeMeta)
}

func TestDecodeRejectsWrongType(t *testing.T) {
	res, err := EncodeCluster("svcA", nil, false)
	require.NoError(t, err)

	_, err = DecodeEndpoints(res, zaptest.NewLogger(t))
	require.ErrorIs(t, err, ErrWrongResourceType)
}

func TestDiskCacheRoundTrip(t *testing.T) {
	fs := afero.NewMemMapFs()
	newStore := func() *Store {
		return NewStore(&StoreOptions{
			Logger: zaptest.NewLogger(t),
			DiskCache: NewDiskCache(&DiskCacheOptions{
				Fs:   fs,
				Path: "/var/cache/discovery",
			}),
		})
	}

	s := newStore()
	s.UpdateClusters(true, []*ClusterItem{
		clusterItem(t, "svcA", map[string]string{"partitionNum": "2"}, false),
		clusterItem(t, "svcB", nil, false),
	})
	s.UpdateEndpoints(true, []*EndpointItem{
		endpointItem(t, "svcA",
			testRecord("svcA", "10.0.0.1", 8080),
			testRecord("svcA", "10.0.0.2", 8081)),
		endpointItem(t, "svcB", testRecord("svcB", "10.0.0.9", 9090)),
	})
	require.True(t, s.Dirty())

	require.NoError(t, s.PersistToDisk())
	require.False(t, s.Dirty())

	restored := newStore()
	require.False(t, restored.IsServable())
	require.True(t, restored.LoadFromDisk())
	require.True(t, restored.IsServable())
	require.False(t, restored.Dirty())

	require.Equal(t, snapshotKeys(s), snapshotKeys(restored))
	require.Equal(t, clusterNames(s), clusterNames(restored))
}

func TestDiskCacheNeverReplacesLiveData(t *testing.T) {
	fs := afero.NewMemMapFs()
	newStore := func() *Store {
		return NewStore(&StoreOptions{
			Logger: zaptest.NewLogger(t),
			DiskCache: NewDiskCache(&DiskCacheOptions{
				Fs:   fs,
				Path: "/var/cache/discovery",
			}),
		})
	}

	cached := newStore()
	cached.UpdateClusters(true, []*ClusterItem{
		clusterItem(t, "svcA", map[string]string{"partitionNum": "4"}, false),
	})
	cached.UpdateEndpoints(true, []*EndpointItem{
		endpointItem(t, "svcA", testRecord("svcA", "10.0.0.9", 8080)),
	})
	require.NoError(t, cached.PersistToDisk())

	s := newStore()
	s.UpdateEndpoints(true, []*EndpointItem{
		endpointItem(t, "svcA", testRecord("svcA", "10.0.0.1", 8080)),
	})

	// only the clusters, which have seen no live update, come from the cache
	require.True(t, s.LoadFromDisk())
	require.Equal(t, []string{"svcA"}, clusterNames(s))

	records, ok := s.GetEndpoints("svcA")
	require.True(t, ok)
	require.Len(t, records, 1)
	assert.Equal(t, "10.0.0.1", records[0].Address)

	s.UpdateClusters(false, []*ClusterItem{
		clusterItem(t, "svcB", nil, false),
	})
	require.False(t, s.LoadFromDisk())
	require.Equal(t, []string{"svcA", "svcB"}, clusterNames(s))
}

func TestDiskCacheMissingOrCorrupt(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := NewStore(&StoreOptions{
		Logger: zaptest.NewLogger(t),
		DiskCache: NewDiskCache(&DiskCacheOptions{
			Fs:   fs,
			Path: "/cache/topology",
		}),
	})

	require.False(t, s.LoadFromDisk())

	require.NoError(t, afero.WriteFile(fs, "/cache/topology.clusters", nil, 0644))
	require.NoError(t, afero.WriteFile(fs, "/cache/topology.endpoints", []byte("garbage!"), 0644))
	require.False(t, s.LoadFromDisk())
	require.False(t, s.IsServable())
}

func TestPersistWithoutCache(t *testing.T) {
	s := newTestStore(t)
	require.ErrorIs(t, s.PersistToDisk(), ErrNoDiskCache)
	require.False(t, s.LoadFromDisk())
}
