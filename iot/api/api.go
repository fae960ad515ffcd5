/*Package api is the status endpoint of the bridge

It serves the health of the source, the pipeline counters, the recorded
measurement kinds and the prometheus metrics:

	GET /health   200 if the source is consuming, 503 otherwise
	GET /stats    pipeline counters
	GET /kinds    recorded measurement kinds
	GET /metrics  prometheus exposition
*/
package api

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relabs-tech/sensorbridge/core/logger"
	"github.com/relabs-tech/sensorbridge/iot/bridge"
	"github.com/relabs-tech/sensorbridge/iot/measurement"
	"github.com/relabs-tech/sensorbridge/iot/source"
)

// Pipeline is the part of the pipeline the status endpoint reports on
type Pipeline interface {
	Stats() bridge.Stats
	Kinds() []measurement.Kind
}

// Supervisor is the part of the source supervisor the status endpoint reports on
type Supervisor interface {
	State() source.State
	Restarts() int64
}

// Builder is a builder helper for the Service
type Builder struct {
	// Router is mandatory
	Router *mux.Router
	// Pipeline is mandatory
	Pipeline Pipeline
	// Supervisor is mandatory
	Supervisor Supervisor
	// Gatherer serves /metrics. Defaults to prometheus.DefaultGatherer
	Gatherer prometheus.Gatherer
}

// Service is the status endpoint
type Service struct {
	pipeline   Pipeline
	supervisor Supervisor
}

// Health is the body of the health endpoint
type Health struct {
	State    string       `json:"state"`
	Restarts int64        `json:"restarts"`
	Stats    bridge.Stats `json:"stats"`
}

// New creates the status endpoint and adds its routes to the router
func New(bb *Builder) *Service {
	if bb.Router == nil {
		panic("Router is missing")
	}
	if bb.Pipeline == nil {
		panic("Pipeline is missing")
	}
	if bb.Supervisor == nil {
		panic("Supervisor is missing")
	}
	gatherer := bb.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s := &Service{
		pipeline:   bb.Pipeline,
		supervisor: bb.Supervisor,
	}
	s.handleRoutes(bb.Router, gatherer)
	return s
}

// Health returns the health of the bridge. It is healthy if the source is
// consuming.
func (s *Service) Health() (Health, bool) {
	state := s.supervisor.State()
	return Health{
		State:    state.String(),
		Restarts: s.supervisor.Restarts(),
		Stats:    s.pipeline.Stats(),
	}, state == source.Consuming
}

func (s *Service) handleRoutes(router *mux.Router, gatherer prometheus.Gatherer) {
	logger.Default().Debugln("status api")
	logger.Default().Debugln("  handle status route: /health GET")
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Debugln("called route for", r.URL, r.Method)
		health, ok := s.Health()
		status := http.StatusOK
		if !ok {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, r, status, health)
	}).Methods(http.MethodOptions, http.MethodGet)

	logger.Default().Debugln("  handle status route: /stats GET")
	router.Handle("/stats", handlers.CompressHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Debugln("called route for", r.URL, r.Method)
		writeJSON(w, r, http.StatusOK, s.pipeline.Stats())
	}))).Methods(http.MethodOptions, http.MethodGet)

	logger.Default().Debugln("  handle status route: /kinds GET")
	router.Handle("/kinds", handlers.CompressHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Debugln("called route for", r.URL, r.Method)
		kinds := s.pipeline.Kinds()
		if kinds == nil {
			kinds = []measurement.Kind{} // do not return null in json, but empty array
		}
		writeJSON(w, r, http.StatusOK, kinds)
	}))).Methods(http.MethodOptions, http.MethodGet)

	logger.Default().Debugln("  handle status route: /metrics GET")
	router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, body interface{}) {
	jsonData, err := json.Marshal(body)
	if err != nil {
		logger.FromContext(r.Context()).WithError(err).Errorln("cannot encode response")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(jsonData)
}

// Serve serves router on listener until ctx is done
func Serve(ctx context.Context, listener net.Listener, router *mux.Router) error {
	logger.AddRequestID(router)
	srv := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	logger.FromContext(ctx).Infoln("status api listening on", listener.Addr().String())
	err := srv.Serve(listener)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}
