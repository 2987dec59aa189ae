// Package dashboard serves the governor's live state over HTTP: per-process
// throughput for a controlling UI, rule inspection and editing, and
// Prometheus metrics.
package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MarwanHany97/NetThrottle/pkg/engine"
	"github.com/MarwanHany97/NetThrottle/pkg/policy"
)

var httpRequestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "governor_http_requests_total",
		Help: "Total number of HTTP requests",
	},
	[]string{"method", "endpoint"},
)

func init() {
	prometheus.MustRegister(httpRequestsTotal)
}

// Server exposes the control/observation API over an engine.
type Server struct {
	Router *mux.Router
	server *http.Server
	addr   string
	engine *engine.Engine
}

// NewServer creates a dashboard server bound to addr.
func NewServer(addr string, eng *engine.Engine) *Server {
	s := &Server{
		Router: mux.NewRouter(),
		addr:   addr,
		engine: eng,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.Router.Use(s.corsMiddleware)
	s.Router.Use(s.metricsMiddleware)

	api := s.Router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", s.handleHealth).Methods("GET", "OPTIONS")
	api.HandleFunc("/throughput", s.handleThroughput).Methods("GET")
	api.HandleFunc("/processes", s.handleProcesses).Methods("GET")
	api.HandleFunc("/rules", s.handleListRules).Methods("GET")
	api.HandleFunc("/rules/global", s.handleGetGlobalRule).Methods("GET")
	api.HandleFunc("/rules/global", s.handleSetGlobalRule).Methods("PUT")
	api.HandleFunc("/rules/{pid}", s.handleGetRule).Methods("GET")
	api.HandleFunc("/rules/{pid}", s.handleSetRule).Methods("PUT")

	s.Router.Handle("/metrics", promhttp.Handler())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"running":           s.engine.IsRunning(),
		"packets_processed": s.engine.PacketsProcessed(),
		"packets_dropped":   s.engine.PacketsDropped(),
	})
}

// throughputRow is one process in the live feed, rates in bytes/sec.
type throughputRow struct {
	PID      uint32  `json:"pid"`
	Download float64 `json:"download_bps"`
	Upload   float64 `json:"upload_bps"`
}

func (s *Server) handleThroughput(w http.ResponseWriter, r *http.Request) {
	rates := s.engine.Throughput()
	rows := make([]throughputRow, 0, len(rates))
	for pid, rate := range rates {
		rows = append(rows, throughputRow{PID: pid, Download: rate.Download, Upload: rate.Upload})
	}
	writeJSON(w, rows)
}

func (s *Server) handleProcesses(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.engine.ListNetworkProcesses())
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.engine.Rules())
}

func (s *Server) handleGetGlobalRule(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.engine.GetGlobalRule())
}

func (s *Server) handleSetGlobalRule(w http.ResponseWriter, r *http.Request) {
	var rule policy.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		http.Error(w, "invalid rule", http.StatusBadRequest)
		return
	}
	s.engine.SetGlobalRule(rule)
	writeJSON(w, s.engine.GetGlobalRule())
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	pid, ok := pidVar(w, r)
	if !ok {
		return
	}
	rule, found := s.engine.GetRule(pid)
	if !found {
		http.Error(w, "no rule for pid", http.StatusNotFound)
		return
	}
	writeJSON(w, rule)
}

func (s *Server) handleSetRule(w http.ResponseWriter, r *http.Request) {
	pid, ok := pidVar(w, r)
	if !ok {
		return
	}
	var rule policy.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		http.Error(w, "invalid rule", http.StatusBadRequest)
		return
	}
	s.engine.SetRule(pid, rule)
	w.WriteHeader(http.StatusNoContent)
}

func pidVar(w http.ResponseWriter, r *http.Request) (uint32, bool) {
	pid, err := strconv.ParseUint(mux.Vars(r)["pid"], 10, 32)
	if err != nil || pid == 0 {
		http.Error(w, "invalid pid", http.StatusBadRequest)
		return 0, false
	}
	return uint32(pid), true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpRequestsTotal.WithLabelValues(r.Method, r.URL.Path).Inc()
		next.ServeHTTP(w, r)
	})
}

// Start serves until Stop. Blocks; run in a goroutine.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop shuts the server down gracefully within ctx's deadline.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}
