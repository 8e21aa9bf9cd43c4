package snapshotstore

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	discoveryv3 "github.com/envoyproxy/go-control-plane/envoy/service/discovery/v3"
	"github.com/golang/snappy"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"

	"github.com/couchbase/stellar-discovery/common/topology"
)

var (
	ErrNoDiskCache   = errors.New("no disk cache configured")
	ErrNoCache       = errors.New("no cache present")
	ErrCorruptCache  = errors.New("cache file is corrupt")
	errCacheMismatch = errors.New("cache file holds the wrong resource type")
)

type DiskCacheOptions struct {
	Fs   afero.Fs
	Path string
}

// DiskCache stores the last known good resources of each type as a snappy
// compressed DiscoveryResponse, one file per resource type.
type DiskCache struct {
	fs   afero.Fs
	path string
}

func NewDiskCache(opts *DiskCacheOptions) *DiskCache {
	fs := opts.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}

	return &DiskCache{
		fs:   fs,
		path: opts.Path,
	}
}

func (c *DiskCache) clustersPath() string {
	return c.path + ".clusters"
}

func (c *DiskCache) endpointsPath() string {
	return c.path + ".endpoints"
}

func (c *DiskCache) writeResponse(path string, typeURL string, resources []*anypb.Any) error {
	resp := &discoveryv3.DiscoveryResponse{
		VersionInfo: "1/" + strconv.FormatInt(time.Now().UnixNano(), 10) + "/0",
		TypeUrl:     typeURL,
		Resources:   resources,
	}

	respBytes, err := proto.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to marshal cache response: %w", err)
	}

	compressed := snappy.Encode(nil, respBytes)

	// write to a temporary file first so a crash never leaves a truncated cache
	tmpPath := path + ".tmp"
	err = afero.WriteFile(c.fs, tmpPath, compressed, 0644)
	if err != nil {
		return fmt.Errorf("failed to write cache file: %w", err)
	}

	err = c.fs.Rename(tmpPath, path)
	if err != nil {
		return fmt.Errorf("failed to move cache file into place: %w", err)
	}

	return nil
}

func (c *DiskCache) readResponse(path string, typeURL string) (*discoveryv3.DiscoveryResponse, error) {
	compressed, err := afero.ReadFile(c.fs, path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoCache
		}
		return nil, fmt.Errorf("failed to read cache file: %w", err)
	}

	if len(compressed) == 0 {
		return nil, ErrNoCache
	}

	respBytes, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrCorruptCache, err)
	}

	resp := &discoveryv3.DiscoveryResponse{}
	err = proto.Unmarshal(respBytes, resp)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrCorruptCache, err)
	}

	if resp.GetTypeUrl() != typeURL {
		return nil, fmt.Errorf("%w: %s", ErrCorruptCache, errCacheMismatch)
	}

	return resp, nil
}

func (c *DiskCache) writeClusters(clusters map[topology.ResourceName]*ClusterEntry) error {
	resources := make([]*anypb.Any, 0, len(clusters))
	for _, entry := range clusters {
		if entry.raw != nil {
			resources = append(resources, entry.raw)
		}
	}
	return c.writeResponse(c.clustersPath(), ClusterTypeURL, resources)
}

func (c *DiskCache) writeEndpoints(endpoints map[topology.ResourceName]*EndpointSet) error {
	resources := make([]*anypb.Any, 0, len(endpoints))
	for _, set := range endpoints {
		if set.raw != nil {
			resources = append(resources, set.raw)
		}
	}
	return c.writeResponse(c.endpointsPath(), EndpointTypeURL, resources)
}

func (c *DiskCache) readClusters(logger *zap.Logger) ([]*ClusterItem, error) {
	resp, err := c.readResponse(c.clustersPath(), ClusterTypeURL)
	if err != nil {
		return nil, err
	}

	items := make([]*ClusterItem, 0, len(resp.GetResources()))
	for _, res := range resp.GetResources() {
		item, err := DecodeCluster(res, logger)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrCorruptCache, err)
		}
		items = append(items, item)
	}

	return items, nil
}

func (c *DiskCache) readEndpoints(logger *zap.Logger) ([]*EndpointItem, error) {
	resp, err := c.readResponse(c.endpointsPath(), EndpointTypeURL)
	if err != nil {
		return nil, err
	}

	items := make([]*EndpointItem, 0, len(resp.GetResources()))
	for _, res := range resp.GetResources() {
		item, err := DecodeEndpoints(res, logger)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrCorruptCache, err)
		}
		items = append(items, item)
	}

	return items, nil
}
