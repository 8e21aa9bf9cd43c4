package adsclient

import (
	"context"
	"fmt"
	"time"

	discoveryv3 "github.com/envoyproxy/go-control-plane/envoy/service/discovery/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	rpcstatus "google.golang.org/genproto/googleapis/rpc/status"
	grpccodes "google.golang.org/grpc/codes"

	"github.com/couchbase/stellar-discovery/discovery/snapshotstore"
)

var tracer = otel.Tracer("com.couchbase.stellar-discovery/adsclient")

func (c *Client) handleResponse(stream Stream, resp *discoveryv3.DiscoveryResponse) {
	ctx, span := tracer.Start(context.Background(), "adsclient.apply",
		trace.WithAttributes(
			attribute.String("type_url", resp.GetTypeUrl()),
			attribute.String("version_info", resp.GetVersionInfo()),
			attribute.Int("resources", len(resp.GetResources())),
		))
	defer span.End()

	logger := c.logger.With(
		zap.String("typeUrl", resp.GetTypeUrl()),
		zap.String("versionInfo", resp.GetVersionInfo()),
		zap.String("nonce", resp.GetNonce()))

	result, err := c.applyResponse(logger, resp)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		logger.Warn("rejecting discovery response", zap.Error(err))
		c.metrics.Rejections.Add(ctx, 1, c.attrs)
		c.sendNack(ctx, logger, stream, resp, err)
		return
	}

	logger.Debug("applied discovery response",
		zap.Int("applied", result.Applied),
		zap.Int("deleted", result.Deleted))
	c.sendAck(ctx, logger, stream, resp)
}

// applyResponse validates and applies a response.  Nothing is written to the
// store unless every resource in the response decodes.
func (c *Client) applyResponse(logger *zap.Logger, resp *discoveryv3.DiscoveryResponse) (snapshotstore.Result, error) {
	ts := c.typeStates[resp.GetTypeUrl()]
	if ts == nil {
		return snapshotstore.Result{}, fmt.Errorf("%w: %s", ErrUnknownTypeURL, resp.GetTypeUrl())
	}

	token, err := ParseVersionToken(resp.GetVersionInfo())
	if err != nil {
		return snapshotstore.Result{}, err
	}

	if !token.Full && !ts.fullSynced.Load() {
		return snapshotstore.Result{}, ErrIncrementalBeforeFull
	}

	// full resyncs are accepted whatever their sequence, incremental updates
	// that are not newer than the last applied one are applied but counted
	lastSeq := ts.lastSeq.Load()
	regressed := !token.Full && token.Sequence <= lastSeq

	var result snapshotstore.Result
	switch resp.GetTypeUrl() {
	case snapshotstore.ClusterTypeURL:
		items := make([]*snapshotstore.ClusterItem, 0, len(resp.GetResources()))
		for _, res := range resp.GetResources() {
			item, err := snapshotstore.DecodeCluster(res, logger)
			if err != nil {
				return snapshotstore.Result{}, err
			}
			items = append(items, item)
		}
		result = c.store.UpdateClusters(token.Full, items)

	case snapshotstore.EndpointTypeURL:
		items := make([]*snapshotstore.EndpointItem, 0, len(resp.GetResources()))
		for _, res := range resp.GetResources() {
			item, err := snapshotstore.DecodeEndpoints(res, logger)
			if err != nil {
				return snapshotstore.Result{}, err
			}
			items = append(items, item)
		}
		result = c.store.UpdateEndpoints(token.Full, items)
	}

	if !result.OK() {
		return result, result.Err
	}

	if token.Full {
		ts.fullSynced.Store(true)
	}
	if regressed {
		logger.Warn("applied incremental discovery response which is not newer than the last one",
			zap.Uint64("lastSequence", lastSeq),
			zap.Uint64("sequence", token.Sequence))
		c.metrics.SequenceRegressions.Add(context.Background(), 1, c.attrs)
	}

	ts.lastSeq.Store(token.Sequence)
	ts.lastVersion.Store(resp.GetVersionInfo())
	ts.lastSynced.Store(time.Now().UnixNano())

	return result, nil
}

func (c *Client) sendAck(
	ctx context.Context,
	logger *zap.Logger,
	stream Stream,
	resp *discoveryv3.DiscoveryResponse,
) {
	req := &discoveryv3.DiscoveryRequest{
		VersionInfo:   resp.GetVersionInfo(),
		Node:          c.node,
		ResourceNames: c.watchSet.List(),
		TypeUrl:       resp.GetTypeUrl(),
		ResponseNonce: resp.GetNonce(),
	}

	err := c.sendOn(stream, req)
	if err != nil {
		logger.Debug("failed to send ack", zap.Error(err))
		return
	}

	c.metrics.Acks.Add(ctx, 1, c.attrs)
}

func (c *Client) sendNack(
	ctx context.Context,
	logger *zap.Logger,
	stream Stream,
	resp *discoveryv3.DiscoveryResponse,
	cause error,
) {
	// a nack re-states the last version we accepted for the type, if any
	var lastVersion string
	if ts := c.typeStates[resp.GetTypeUrl()]; ts != nil {
		lastVersion = ts.lastVersion.Load()
	}

	req := &discoveryv3.DiscoveryRequest{
		VersionInfo:   lastVersion,
		Node:          c.node,
		ResourceNames: c.watchSet.List(),
		TypeUrl:       resp.GetTypeUrl(),
		ResponseNonce: resp.GetNonce(),
		ErrorDetail: &rpcstatus.Status{
			Code:    int32(grpccodes.InvalidArgument),
			Message: cause.Error(),
		},
	}

	err := c.sendOn(stream, req)
	if err != nil {
		logger.Debug("failed to send nack", zap.Error(err))
		return
	}

	c.metrics.Nacks.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", resp.GetTypeUrl())))
}
