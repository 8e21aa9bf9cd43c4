// This file is to handle things such as metrics/health/topology, etc

package webapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/couchbase/stellar-discovery/common/topology"
)

// TopologySource is what the web api reads the current topology from.
type TopologySource interface {
	GetClusterInfoMap(acc *[]*topology.EndpointRecord, hb *[]*topology.EndpointRecord) error
	Servable() bool
}

type WebServerOptions struct {
	Logger        *zap.Logger
	LogLevel      *zap.AtomicLevel
	ListenAddress string
	Topology      TopologySource
}

type WebServer struct {
	logger        *zap.Logger
	logLevel      *zap.AtomicLevel
	listenAddress string
	topology      TopologySource
	httpServer    *http.Server
}

func NewWebServer(opts WebServerOptions) *WebServer {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &WebServer{
		logger:        logger,
		logLevel:      opts.LogLevel,
		listenAddress: opts.ListenAddress,
		topology:      opts.Topology,
	}
}

func (w *WebServer) handleRoot(rw http.ResponseWriter, r *http.Request) {
	rw.WriteHeader(200)
	_, err := rw.Write([]byte("Welcome to the stellar discovery internal webapi"))
	if err != nil {
		w.logger.Debug("failed to write generic root response", zap.Error(err))
	}
}

func (w *WebServer) handleHealth(rw http.ResponseWriter, r *http.Request) {
	if w.topology == nil || !w.topology.Servable() {
		rw.WriteHeader(http.StatusServiceUnavailable)
		_, _ = rw.Write([]byte("not servable"))
		return
	}

	rw.WriteHeader(http.StatusOK)
	_, _ = rw.Write([]byte("ok"))
}

type jsonEndpoint struct {
	Address           string            `json:"address"`
	Ports             map[string]uint32 `json:"ports"`
	Weight            uint32            `json:"weight"`
	PartitionCount    uint32            `json:"partitionCount"`
	PartitionID       uint32            `json:"partitionId"`
	Version           string            `json:"version,omitempty"`
	Valid             bool              `json:"valid"`
	SupportsHeartbeat bool              `json:"supportsHeartbeat"`
	NodeMeta          map[string]string `json:"nodeMeta,omitempty"`
}

type jsonTopology struct {
	Services map[string][]jsonEndpoint `json:"services"`
}

func (w *WebServer) handleTopology(rw http.ResponseWriter, r *http.Request) {
	if w.topology == nil {
		http.Error(rw, "no topology source", http.StatusServiceUnavailable)
		return
	}

	var records []*topology.EndpointRecord
	err := w.topology.GetClusterInfoMap(&records, nil)
	if err != nil {
		w.logger.Warn("failed to read topology", zap.Error(err))
		http.Error(rw, err.Error(), http.StatusInternalServerError)
		return
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].Key() < records[j].Key()
	})

	out := jsonTopology{
		Services: make(map[string][]jsonEndpoint),
	}
	for _, record := range records {
		out.Services[record.ServiceName] = append(out.Services[record.ServiceName], jsonEndpoint{
			Address:           record.Address,
			Ports:             record.Ports,
			Weight:            record.Weight,
			PartitionCount:    record.PartitionCount,
			PartitionID:       record.PartitionID,
			Version:           record.Version,
			Valid:             record.Valid,
			SupportsHeartbeat: record.SupportsHeartbeat,
			NodeMeta:          record.NodeMeta,
		})
	}

	rw.Header().Set("Content-Type", "application/json")
	err = json.NewEncoder(rw).Encode(out)
	if err != nil {
		w.logger.Debug("failed to write topology response", zap.Error(err))
	}
}

// Handler builds the router serving every web api endpoint.
func (w *WebServer) Handler() http.Handler {
	r := mux.NewRouter()

	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/healthz", w.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/topology", w.handleTopology).Methods(http.MethodGet)
	if w.logLevel != nil {
		r.Handle("/log-level", w.logLevel).Methods(http.MethodGet, http.MethodPut)
	}
	r.HandleFunc("/", w.handleRoot)

	handler := cors.New(cors.Options{
		AllowedMethods: []string{http.MethodGet},
	}).Handler(r)

	return otelhttp.NewHandler(handler, "webapi")
}

func (w *WebServer) ListenAndServe() error {
	w.httpServer = &http.Server{
		Handler:      w.Handler(),
		Addr:         w.listenAddress,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return w.httpServer.ListenAndServe()
}

func (w *WebServer) Shutdown(ctx context.Context) error {
	if w.httpServer == nil {
		return nil
	}
	return w.httpServer.Shutdown(ctx)
}

var globalWebLock sync.Mutex
var globalWebServer *WebServer = nil

func InitializeWebServer(opts WebServerOptions) *WebServer {
	globalWebLock.Lock()
	if globalWebServer != nil {
		globalWebLock.Unlock()
		return globalWebServer
	}

	server := NewWebServer(opts)
	globalWebServer = server
	globalWebLock.Unlock()

	go func() {
		err := server.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			server.logger.Error("Failed to listen and serve web server", zap.Error(err))
		}
	}()

	return server
}
