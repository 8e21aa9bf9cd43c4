package backends

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"go.uber.org/atomic"

	"github.com/couchbase/stellar-discovery/common/topology"
)

// StaticAdapter serves a fixed list of records taken from configuration.
type StaticAdapter struct {
	enableFlag

	records []*topology.EndpointRecord
	read    atomic.Bool
}

var _ Adapter = (*StaticAdapter)(nil)

func NewStaticAdapter(records []*topology.EndpointRecord) *StaticAdapter {
	return &StaticAdapter{
		records: records,
	}
}

// ParseStaticEndpoints parses entries of the form "service=host:port" into
// records using the default protocol.
func ParseStaticEndpoints(entries []string) ([]*topology.EndpointRecord, error) {
	records := make([]*topology.EndpointRecord, 0, len(entries))
	for _, entry := range entries {
		service, hostPort, ok := strings.Cut(strings.TrimSpace(entry), "=")
		if !ok || service == "" {
			return nil, fmt.Errorf("invalid static endpoint %q: expected service=host:port", entry)
		}

		host, portStr, err := net.SplitHostPort(hostPort)
		if err != nil {
			return nil, fmt.Errorf("invalid static endpoint %q: %w", entry, err)
		}

		port, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid static endpoint port %q: %w", entry, err)
		}

		records = append(records, &topology.EndpointRecord{
			ServiceName: service,
			Weight:      1,
			Address:     host,
			Ports:       map[string]uint32{"grpc": uint32(port)},
			Valid:       true,
		})
	}
	return records, nil
}

func (a *StaticAdapter) Init(ctx context.Context) error {
	return nil
}

func (a *StaticAdapter) Kind() Kind {
	return KindStatic
}

func (a *StaticAdapter) ClusterInfoNeedUpdate() bool {
	return !a.read.Load()
}

func (a *StaticAdapter) GetClusterInfoMap(acc *[]*topology.EndpointRecord, hb *[]*topology.EndpointRecord) error {
	a.read.Store(true)

	*acc = append(*acc, a.records...)
	appendHeartbeat(hb, a.records)

	return nil
}

// Static records are not subscription driven.
func (a *StaticAdapter) AddSubscribe(names []string) error {
	return nil
}

func (a *StaticAdapter) DeleteSubscribe(names []string) error {
	return nil
}

func (a *StaticAdapter) Close() error {
	return nil
}
