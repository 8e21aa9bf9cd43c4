package topology

import (
	"fmt"
	"sort"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// ResourceName identifies one logical service.  It is the key used for both the
// cluster and the endpoint resource types.
type ResourceName = string

// ClusterAttributes is the per-cluster extension metadata, kept in key order.
type ClusterAttributes = orderedmap.OrderedMap[string, string]

// NewClusterAttributes builds an attribute map with its keys inserted in sorted
// order so that two maps built from the same data iterate identically.
func NewClusterAttributes(values map[string]string) *ClusterAttributes {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	attrs := orderedmap.New[string, string](len(keys))
	for _, key := range keys {
		attrs.Set(key, values[key])
	}
	return attrs
}

// EndpointRecord is one routable instance of a service.  Records are treated as
// immutable once they have been published by a store or adapter.
type EndpointRecord struct {
	ServiceName    ResourceName
	PartitionCount uint32
	PartitionID    uint32
	Version        string
	Weight         uint32
	Address        string
	Ports          map[string]uint32

	// Valid reflects the externally supplied liveness of the instance, no
	// health checking is performed by this module.
	Valid             bool
	SupportsHeartbeat bool

	NodeMeta map[string]string
}

// Key returns a string uniquely identifying the record within its service.
func (r *EndpointRecord) Key() string {
	ports := make([]string, 0, len(r.Ports))
	for proto, port := range r.Ports {
		ports = append(ports, fmt.Sprintf("%s=%d", proto, port))
	}
	sort.Strings(ports)

	return fmt.Sprintf("%s|%s|%v", r.ServiceName, r.Address, ports)
}

// Port returns the port registered for a protocol, or 0.
func (r *EndpointRecord) Port(protocol string) uint32 {
	return r.Ports[protocol]
}
