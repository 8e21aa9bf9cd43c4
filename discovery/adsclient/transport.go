package adsclient

import (
	"context"
	"fmt"

	discoveryv3 "github.com/envoyproxy/go-control-plane/envoy/service/discovery/v3"
	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/logging"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Stream is one bidirectional aggregated discovery stream.
type Stream interface {
	Send(*discoveryv3.DiscoveryRequest) error
	Recv() (*discoveryv3.DiscoveryResponse, error)
	CloseSend() error
}

// StreamBuilder opens new streams to the discovery server.  Cancelling the
// context passed to BuildStream must abort any blocking Recv on the stream.
type StreamBuilder interface {
	BuildStream(ctx context.Context) (Stream, error)
	Close() error
}

type GrpcStreamBuilderOptions struct {
	Logger      *zap.Logger
	Address     string
	DialOptions []grpc.DialOption
}

// GrpcStreamBuilder opens aggregated discovery streams over a single grpc
// client connection.
type GrpcStreamBuilder struct {
	conn   *grpc.ClientConn
	client discoveryv3.AggregatedDiscoveryServiceClient
}

var _ StreamBuilder = (*GrpcStreamBuilder)(nil)

func zapGrpcLogger(logger *zap.Logger) logging.Logger {
	return logging.LoggerFunc(func(ctx context.Context, lvl logging.Level, msg string, fields ...any) {
		zapFields := make([]zap.Field, 0, len(fields)/2)
		for i := 0; i+1 < len(fields); i += 2 {
			key, ok := fields[i].(string)
			if !ok {
				continue
			}
			zapFields = append(zapFields, zap.Any(key, fields[i+1]))
		}

		switch lvl {
		case logging.LevelDebug:
			logger.Debug(msg, zapFields...)
		case logging.LevelInfo:
			logger.Info(msg, zapFields...)
		case logging.LevelWarn:
			logger.Warn(msg, zapFields...)
		default:
			logger.Error(msg, zapFields...)
		}
	})
}

func NewGrpcStreamBuilder(opts *GrpcStreamBuilderOptions) (*GrpcStreamBuilder, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
		grpc.WithChainStreamInterceptor(
			logging.StreamClientInterceptor(zapGrpcLogger(logger),
				logging.WithLogOnEvents(logging.StartCall, logging.FinishCall)),
		),
	}
	dialOpts = append(dialOpts, opts.DialOptions...)

	conn, err := grpc.NewClient(opts.Address, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create discovery client connection: %w", err)
	}

	return &GrpcStreamBuilder{
		conn:   conn,
		client: discoveryv3.NewAggregatedDiscoveryServiceClient(conn),
	}, nil
}

func (b *GrpcStreamBuilder) BuildStream(ctx context.Context) (Stream, error) {
	return b.client.StreamAggregatedResources(ctx)
}

func (b *GrpcStreamBuilder) Close() error {
	return b.conn.Close()
}
