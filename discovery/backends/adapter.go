package backends

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/atomic"

	"github.com/couchbase/stellar-discovery/common/topology"
)

// Kind identifies a backend adapter type.  The set of kinds is closed.
type Kind int

const (
	KindDiscovery Kind = iota + 1
	KindEtcd
	KindRedis
	KindStatic
)

func (k Kind) String() string {
	switch k {
	case KindDiscovery:
		return "discovery"
	case KindEtcd:
		return "etcd"
	case KindRedis:
		return "redis"
	case KindStatic:
		return "static"
	}
	return fmt.Sprintf("unknown(%d)", int(k))
}

func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(s) {
	case "discovery", "ads":
		return KindDiscovery, nil
	case "etcd":
		return KindEtcd, nil
	case "redis":
		return KindRedis, nil
	case "static":
		return KindStatic, nil
	}
	return 0, fmt.Errorf("%w: %q", topology.ErrUnknownKind, s)
}

// Adapter is one source of endpoint records.  Records appended into the
// accumulators must not be modified afterwards.
type Adapter interface {
	Init(ctx context.Context) error
	Kind() Kind

	ClusterInfoNeedUpdate() bool
	GetClusterInfoMap(acc *[]*topology.EndpointRecord, hb *[]*topology.EndpointRecord) error

	AddSubscribe(names []string) error
	DeleteSubscribe(names []string) error

	Enable()
	Disable()
	Enabled() bool

	Close() error
}

// enableFlag provides the Enable/Disable half of an Adapter.  Adapters start
// out enabled.
type enableFlag struct {
	disabled atomic.Bool
}

func (f *enableFlag) Enable() {
	f.disabled.Store(false)
}

func (f *enableFlag) Disable() {
	f.disabled.Store(true)
}

func (f *enableFlag) Enabled() bool {
	return !f.disabled.Load()
}

// appendHeartbeat adds every record which supports heartbeats to hb.
func appendHeartbeat(hb *[]*topology.EndpointRecord, records []*topology.EndpointRecord) {
	if hb == nil {
		return
	}
	for _, record := range records {
		if record.SupportsHeartbeat {
			*hb = append(*hb, record)
		}
	}
}
