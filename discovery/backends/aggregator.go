package backends

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/couchbase/stellar-discovery/common/topology"
)

type AggregatorOptions struct {
	Logger *zap.Logger
}

// Aggregator presents every registered adapter as a single source of
// endpoint records.  It owns no goroutines.
type Aggregator struct {
	logger *zap.Logger

	lock     sync.RWMutex
	adapters []Adapter
}

func NewAggregator(opts *AggregatorOptions) *Aggregator {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Aggregator{
		logger: logger,
	}
}

// Register adds an adapter.  Adapters are consulted in registration order.
func (a *Aggregator) Register(adapter Adapter) {
	a.lock.Lock()
	a.adapters = append(a.adapters, adapter)
	a.lock.Unlock()

	a.logger.Debug("registered backend adapter", zap.Stringer("kind", adapter.Kind()))
}

func (a *Aggregator) snapshotAdapters() []Adapter {
	a.lock.RLock()
	adapters := make([]Adapter, len(a.adapters))
	copy(adapters, a.adapters)
	a.lock.RUnlock()
	return adapters
}

func (a *Aggregator) adaptersOfKind(kind Kind) []Adapter {
	var adapters []Adapter
	for _, adapter := range a.snapshotAdapters() {
		if adapter.Kind() == kind {
			adapters = append(adapters, adapter)
		}
	}
	return adapters
}

// Init checks that every declared kind has an adapter and then initializes
// all adapters.  Any failure fails the whole aggregator.
func (a *Aggregator) Init(ctx context.Context, declaredKinds []Kind) error {
	for _, kind := range declaredKinds {
		if len(a.adaptersOfKind(kind)) == 0 {
			return fmt.Errorf("%w: no adapter registered for declared kind %s",
				topology.ErrUnknownKind, kind)
		}
	}

	for _, adapter := range a.snapshotAdapters() {
		err := adapter.Init(ctx)
		if err != nil {
			return fmt.Errorf("failed to initialize %s adapter: %w", adapter.Kind(), err)
		}
	}

	return nil
}

// GetClusterInfoMap appends the records of every enabled adapter into acc, and
// those supporting heartbeats into hb.  On error nothing is appended to
// either.
func (a *Aggregator) GetClusterInfoMap(acc *[]*topology.EndpointRecord, hb *[]*topology.EndpointRecord) error {
	accLen := len(*acc)
	hbLen := 0
	if hb != nil {
		hbLen = len(*hb)
	}

	for _, adapter := range a.snapshotAdapters() {
		if !adapter.Enabled() {
			continue
		}

		err := adapter.GetClusterInfoMap(acc, hb)
		if err != nil {
			*acc = (*acc)[:accLen]
			if hb != nil {
				*hb = (*hb)[:hbLen]
			}
			return fmt.Errorf("%s adapter failed: %w", adapter.Kind(), err)
		}
	}

	return nil
}

// ClusterInfoNeedUpdate reports whether any enabled adapter has changed since
// it was last read.
func (a *Aggregator) ClusterInfoNeedUpdate() bool {
	for _, adapter := range a.snapshotAdapters() {
		if adapter.Enabled() && adapter.ClusterInfoNeedUpdate() {
			return true
		}
	}
	return false
}

func (a *Aggregator) AddSubscribe(kind Kind, names []string) error {
	adapters := a.adaptersOfKind(kind)
	if len(adapters) == 0 {
		return fmt.Errorf("%w: %s", topology.ErrUnknownKind, kind)
	}

	var errs []error
	for _, adapter := range adapters {
		errs = append(errs, adapter.AddSubscribe(names))
	}
	return errors.Join(errs...)
}

func (a *Aggregator) DeleteSubscribe(kind Kind, names []string) error {
	adapters := a.adaptersOfKind(kind)
	if len(adapters) == 0 {
		return fmt.Errorf("%w: %s", topology.ErrUnknownKind, kind)
	}

	var errs []error
	for _, adapter := range adapters {
		errs = append(errs, adapter.DeleteSubscribe(names))
	}
	return errors.Join(errs...)
}

// Kinds returns the distinct kinds registered, in registration order.
func (a *Aggregator) Kinds() []Kind {
	var kinds []Kind
	seen := make(map[Kind]bool)
	for _, adapter := range a.snapshotAdapters() {
		if !seen[adapter.Kind()] {
			seen[adapter.Kind()] = true
			kinds = append(kinds, adapter.Kind())
		}
	}
	return kinds
}

func (a *Aggregator) EnableKind(kind Kind) error {
	adapters := a.adaptersOfKind(kind)
	if len(adapters) == 0 {
		return fmt.Errorf("%w: %s", topology.ErrUnknownKind, kind)
	}
	for _, adapter := range adapters {
		adapter.Enable()
	}
	return nil
}

func (a *Aggregator) DisableKind(kind Kind) error {
	adapters := a.adaptersOfKind(kind)
	if len(adapters) == 0 {
		return fmt.Errorf("%w: %s", topology.ErrUnknownKind, kind)
	}
	for _, adapter := range adapters {
		adapter.Disable()
	}
	return nil
}

// Servable reports whether at least one enabled adapter can serve records.
func (a *Aggregator) Servable() bool {
	for _, adapter := range a.snapshotAdapters() {
		if !adapter.Enabled() {
			continue
		}
		if sa, ok := adapter.(interface{ IsServable() bool }); ok && !sa.IsServable() {
			continue
		}
		return true
	}
	return false
}

func (a *Aggregator) Close() error {
	var errs []error
	for _, adapter := range a.snapshotAdapters() {
		errs = append(errs, adapter.Close())
	}
	return errors.Join(errs...)
}
