package snapshotstore

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"

	clusterv3 "github.com/envoyproxy/go-control-plane/envoy/config/cluster/v3"
	corev3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	endpointv3 "github.com/envoyproxy/go-control-plane/envoy/config/endpoint/v3"
	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/couchbase/stellar-discovery/common/topology"
)

const (
	ClusterTypeURL  = "type.googleapis.com/envoy.config.cluster.v3.Cluster"
	EndpointTypeURL = "type.googleapis.com/envoy.config.endpoint.v3.ClusterLoadAssignment"

	// MetadataNamespace is the filter-metadata namespace carrying our
	// extension fields on both resource types.
	MetadataNamespace = "stellar.discovery"

	DefaultProtocol = "grpc"
)

// metadata keys
const (
	keyDeleted        = "deleted"
	keyPartitionNum   = "partitionNum"
	keyPartitionCount = "partition_count"
	keyPartitionID    = "partition_id"
	keyVersion        = "version"
	keyWeight         = "weight"
	keyHeartbeat      = "heartbeat"
	keyTransportPort  = "transport_port"
	keyProtocol       = "protocol"
	keyOnline         = "online"
	keyNodeMeta       = "node_meta"
)

var (
	ErrWrongResourceType = errors.New("resource has an unexpected type")
)

// ClusterEntry is the stored form of one cluster resource.
type ClusterEntry struct {
	Name         topology.ResourceName
	Attributes   *topology.ClusterAttributes
	PartitionNum uint32

	raw *anypb.Any
}

// EndpointSet is the stored form of one endpoint resource.
type EndpointSet struct {
	Name    topology.ResourceName
	Records []*topology.EndpointRecord

	raw *anypb.Any
}

// ClusterItem is a single entry of a cluster update.  Tombstoned items carry no
// entry and request deletion of the resource from both maps.
type ClusterItem struct {
	Name      topology.ResourceName
	Tombstone bool
	Entry     *ClusterEntry
}

// EndpointItem is a single entry of an endpoint update.  Delete is set when the
// wire resource lists no endpoints at all.
type EndpointItem struct {
	Name   topology.ResourceName
	Delete bool
	Set    *EndpointSet
}

func metadataFields(md *corev3.Metadata) map[string]*structpb.Value {
	if md == nil {
		return nil
	}
	ns := md.GetFilterMetadata()[MetadataNamespace]
	if ns == nil {
		return nil
	}
	return ns.GetFields()
}

func valueString(v *structpb.Value) (string, error) {
	switch kind := v.GetKind().(type) {
	case *structpb.Value_StringValue:
		return kind.StringValue, nil
	case *structpb.Value_NumberValue:
		return strconv.FormatFloat(kind.NumberValue, 'f', -1, 64), nil
	case *structpb.Value_BoolValue:
		return strconv.FormatBool(kind.BoolValue), nil
	}
	return "", fmt.Errorf("cannot represent %T as a string", v.GetKind())
}

func valueUint32(v *structpb.Value) (uint32, error) {
	switch kind := v.GetKind().(type) {
	case *structpb.Value_NumberValue:
		n := kind.NumberValue
		if n < 0 || n > math.MaxUint32 || n != math.Trunc(n) {
			return 0, fmt.Errorf("%v is not a valid uint32", n)
		}
		return uint32(n), nil
	case *structpb.Value_StringValue:
		n, err := strconv.ParseUint(kind.StringValue, 10, 32)
		if err != nil {
			return 0, err
		}
		return uint32(n), nil
	}
	return 0, fmt.Errorf("cannot represent %T as a uint32", v.GetKind())
}

func valueBool(v *structpb.Value) (bool, error) {
	switch kind := v.GetKind().(type) {
	case *structpb.Value_BoolValue:
		return kind.BoolValue, nil
	case *structpb.Value_StringValue:
		return strconv.ParseBool(kind.StringValue)
	case *structpb.Value_NumberValue:
		return kind.NumberValue != 0, nil
	}
	return false, fmt.Errorf("cannot represent %T as a bool", v.GetKind())
}

// fieldReader reads typed metadata fields, substituting defaults for anything
// that fails to parse.  A bad field never fails the resource.
type fieldReader struct {
	logger   *zap.Logger
	resource string
	fields   map[string]*structpb.Value
}

func (r *fieldReader) warn(key string, err error) {
	r.logger.Warn("ignoring unparsable metadata field",
		zap.String("resource", r.resource),
		zap.String("field", key),
		zap.Error(err))
}

func (r *fieldReader) Uint32(key string, def uint32) uint32 {
	v, ok := r.fields[key]
	if !ok {
		return def
	}
	n, err := valueUint32(v)
	if err != nil {
		r.warn(key, err)
		return def
	}
	return n
}

func (r *fieldReader) Bool(key string, def bool) bool {
	v, ok := r.fields[key]
	if !ok {
		return def
	}
	b, err := valueBool(v)
	if err != nil {
		r.warn(key, err)
		return def
	}
	return b
}

func (r *fieldReader) String(key string, def string) string {
	v, ok := r.fields[key]
	if !ok {
		return def
	}
	s, err := valueString(v)
	if err != nil {
		r.warn(key, err)
		return def
	}
	return s
}

func (r *fieldReader) NodeMeta(key string) map[string]string {
	v, ok := r.fields[key]
	if !ok {
		return nil
	}

	encoded, err := valueString(v)
	if err != nil {
		r.warn(key, err)
		return nil
	}

	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		r.warn(key, err)
		return nil
	}

	var raw map[string]interface{}
	err = json.Unmarshal(decoded, &raw)
	if err != nil {
		r.warn(key, err)
		return nil
	}

	meta := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			meta[k] = s
		} else {
			meta[k] = fmt.Sprint(v)
		}
	}
	return meta
}

// DecodeCluster converts a wire cluster resource into a cluster item.  An error
// is only returned when the resource itself cannot be unmarshalled.
func DecodeCluster(res *anypb.Any, logger *zap.Logger) (*ClusterItem, error) {
	if res.GetTypeUrl() != ClusterTypeURL {
		return nil, ErrWrongResourceType
	}

	cluster := &clusterv3.Cluster{}
	err := res.UnmarshalTo(cluster)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal cluster: %w", err)
	}

	reader := &fieldReader{
		logger:   logger,
		resource: cluster.GetName(),
		fields:   metadataFields(cluster.GetMetadata()),
	}

	if reader.Bool(keyDeleted, false) {
		return &ClusterItem{
			Name:      cluster.GetName(),
			Tombstone: true,
		}, nil
	}

	attrs := make(map[string]string, len(reader.fields))
	for key := range reader.fields {
		if key == keyDeleted {
			continue
		}
		attrs[key] = reader.String(key, "")
	}

	return &ClusterItem{
		Name: cluster.GetName(),
		Entry: &ClusterEntry{
			Name:         cluster.GetName(),
			Attributes:   topology.NewClusterAttributes(attrs),
			PartitionNum: reader.Uint32(keyPartitionNum, 0),
			raw:          res,
		},
	}, nil
}

func decodeLbEndpoint(
	serviceName string,
	lbEp *endpointv3.LbEndpoint,
	logger *zap.Logger,
) *topology.EndpointRecord {
	sockAddr := lbEp.GetEndpoint().GetAddress().GetSocketAddress()
	if sockAddr == nil {
		logger.Warn("skipping endpoint without a socket address",
			zap.String("resource", serviceName))
		return nil
	}

	reader := &fieldReader{
		logger:   logger,
		resource: serviceName,
		fields:   metadataFields(lbEp.GetMetadata()),
	}

	defaultWeight := uint32(1)
	if lbEp.GetLoadBalancingWeight() != nil {
		defaultWeight = lbEp.GetLoadBalancingWeight().GetValue()
	}

	protocol := reader.String(keyProtocol, DefaultProtocol)
	ports := map[string]uint32{
		protocol: sockAddr.GetPortValue(),
	}
	if transportPort := reader.Uint32(keyTransportPort, 0); transportPort != 0 {
		ports["transport"] = transportPort
	}

	healthy := false
	switch lbEp.GetHealthStatus() {
	case corev3.HealthStatus_UNKNOWN, corev3.HealthStatus_HEALTHY:
		healthy = true
	}

	return &topology.EndpointRecord{
		ServiceName:       serviceName,
		PartitionCount:    reader.Uint32(keyPartitionCount, 0),
		PartitionID:       reader.Uint32(keyPartitionID, 0),
		Version:           reader.String(keyVersion, ""),
		Weight:            reader.Uint32(keyWeight, defaultWeight),
		Address:           sockAddr.GetAddress(),
		Ports:             ports,
		Valid:             healthy && reader.Bool(keyOnline, true),
		SupportsHeartbeat: reader.Bool(keyHeartbeat, false),
		NodeMeta:          reader.NodeMeta(keyNodeMeta),
	}
}

// DecodeEndpoints converts a wire load assignment into an endpoint item.
func DecodeEndpoints(res *anypb.Any, logger *zap.Logger) (*EndpointItem, error) {
	if res.GetTypeUrl() != EndpointTypeURL {
		return nil, ErrWrongResourceType
	}

	cla := &endpointv3.ClusterLoadAssignment{}
	err := res.UnmarshalTo(cla)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal load assignment: %w", err)
	}

	name := cla.GetClusterName()

	var records []*topology.EndpointRecord
	numWireEndpoints := 0
	for _, locality := range cla.GetEndpoints() {
		for _, lbEp := range locality.GetLbEndpoints() {
			numWireEndpoints++

			record := decodeLbEndpoint(name, lbEp, logger)
			if record != nil {
				records = append(records, record)
			}
		}
	}

	return &EndpointItem{
		Name:   name,
		Delete: numWireEndpoints == 0,
		Set: &EndpointSet{
			Name:    name,
			Records: records,
			raw:     res,
		},
	}, nil
}

// EncodeCluster builds the wire form of a cluster resource.
func EncodeCluster(name string, attrs map[string]string, tombstone bool) (*anypb.Any, error) {
	fields := make(map[string]interface{}, len(attrs)+1)
	for k, v := range attrs {
		fields[k] = v
	}
	if tombstone {
		fields[keyDeleted] = true
	}

	md, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}

	return anypb.New(&clusterv3.Cluster{
		Name: name,
		Metadata: &corev3.Metadata{
			FilterMetadata: map[string]*structpb.Struct{
				MetadataNamespace: md,
			},
		},
	})
}

// EncodeEndpoints builds the wire form of an endpoint resource.  The first port
// of each record that is not the transport port becomes the socket port.
func EncodeEndpoints(name string, records []*topology.EndpointRecord) (*anypb.Any, error) {
	lbEps := make([]*endpointv3.LbEndpoint, 0, len(records))
	for _, record := range records {
		protocol := DefaultProtocol
		port := record.Ports[DefaultProtocol]
		if port == 0 {
			for proto, p := range record.Ports {
				if proto == "transport" {
					continue
				}
				protocol, port = proto, p
				break
			}
		}

		fields := map[string]interface{}{
			keyPartitionCount: float64(record.PartitionCount),
			keyPartitionID:    float64(record.PartitionID),
			keyVersion:        record.Version,
			keyWeight:         float64(record.Weight),
			keyHeartbeat:      record.SupportsHeartbeat,
			keyProtocol:       protocol,
			keyOnline:         record.Valid,
		}
		if transportPort := record.Ports["transport"]; transportPort != 0 {
			fields[keyTransportPort] = float64(transportPort)
		}
		if len(record.NodeMeta) > 0 {
			metaBytes, err := json.Marshal(record.NodeMeta)
			if err != nil {
				return nil, err
			}
			fields[keyNodeMeta] = base64.StdEncoding.EncodeToString(metaBytes)
		}

		md, err := structpb.NewStruct(fields)
		if err != nil {
			return nil, err
		}

		lbEps = append(lbEps, &endpointv3.LbEndpoint{
			HostIdentifier: &endpointv3.LbEndpoint_Endpoint{
				Endpoint: &endpointv3.Endpoint{
					Address: &corev3.Address{
						Address: &corev3.Address_SocketAddress{
							SocketAddress: &corev3.SocketAddress{
								Address: record.Address,
								PortSpecifier: &corev3.SocketAddress_PortValue{
									PortValue: port,
								},
							},
						},
					},
				},
			},
			LoadBalancingWeight: wrapperspb.UInt32(record.Weight),
			Metadata: &corev3.Metadata{
				FilterMetadata: map[string]*structpb.Struct{
					MetadataNamespace: md,
				},
			},
		})
	}

	cla := &endpointv3.ClusterLoadAssignment{
		ClusterName: name,
	}
	if len(lbEps) > 0 {
		cla.Endpoints = []*endpointv3.LocalityLbEndpoints{
			{LbEndpoints: lbEps},
		}
	}

	return anypb.New(cla)
}
