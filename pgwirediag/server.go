// Package pgwirediag is a small optional HTTP server exposing Prometheus
// metrics and a JSON pool snapshot for operators running a pgwire-based
// client. It manages one Pool, not a fleet of tenants.
package pgwirediag

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dbbouncer/pgwire/pgmetrics"
	"github.com/dbbouncer/pgwire/pool"
)

// Server is the debug/metrics HTTP server.
type Server struct {
	pool        *pool.Pool
	metrics     *pgmetrics.Collector
	httpServer  *http.Server
	startTime   time.Time
	log         *slog.Logger
	stopRefresh chan struct{}
}

// NewServer builds a Server for p that serves m's metrics from m's own
// Prometheus registry (see pgmetrics.New).
func NewServer(p *pool.Pool, m *pgmetrics.Collector, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{pool: p, metrics: m, startTime: time.Now(), log: log}
}

// Start begins serving on the given port. It returns once the listener
// is established; errors after that point are logged, not returned,
// matching the fire-and-forget shape of a background diagnostics server.
func (s *Server) Start(port int) error {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	r.HandleFunc("/debug/pool", s.poolSnapshotHandler).Methods("GET")
	r.HandleFunc("/debug/uptime", s.uptimeHandler).Methods("GET")

	addr := fmt.Sprintf("127.0.0.1:%d", port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	s.log.Info("diagnostics server listening", "addr", addr)
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error("diagnostics server stopped", "error", err)
		}
	}()

	s.stopRefresh = make(chan struct{})
	go s.refreshLoop(2 * time.Second)
	return nil
}

// refreshLoop periodically pulls the pool's counters into the Prometheus
// collector so /metrics reflects recent activity rather than only what
// was true at NewServer time.
func (s *Server) refreshLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.metrics.Refresh()
		case <-s.stopRefresh:
			return
		}
	}
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() error {
	close(s.stopRefresh)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

type poolSnapshotResponse struct {
	Total                                 int     `json:"total"`
	Idle                                  int     `json:"idle"`
	Pending                               int     `json:"pending"`
	ConnectionsCreated                    uint64  `json:"connections_created"`
	ConnectionsAtStart                    int     `json:"connections_at_start"`
	ConnectionsAtEnd                      int     `json:"connections_at_end"`
	SuccessfulRequests                    uint64  `json:"successful_requests"`
	UnsuccessfulRequestsTooBusy           uint64  `json:"unsuccessful_requests_too_busy"`
	UnsuccessfulRequestsTimedOut          uint64  `json:"unsuccessful_requests_timed_out"`
	UnsuccessfulRequestsError             uint64  `json:"unsuccessful_requests_error"`
	AverageTimeToAcquireSeconds           float64 `json:"average_time_to_acquire_seconds"`
	MaxPendingRequestsHighWater           int     `json:"max_pending_requests_high_water"`
	MinPendingRequestsLowWater            int     `json:"min_pending_requests_low_water"`
	AllocatedConnectionsTimedOut          uint64  `json:"allocated_connections_timed_out"`
	AllocatedConnectionsClosedByRequestor uint64  `json:"allocated_connections_closed_by_requestor"`
}

func (s *Server) poolSnapshotHandler(w http.ResponseWriter, r *http.Request) {
	m := s.pool.ComputeMetrics(false)
	resp := poolSnapshotResponse{
		Total:                                 m.Total,
		Idle:                                  m.Idle,
		Pending:                               m.Pending,
		ConnectionsCreated:                    m.ConnectionsCreated,
		ConnectionsAtStart:                    m.ConnectionsAtStart,
		ConnectionsAtEnd:                      m.ConnectionsAtEnd,
		SuccessfulRequests:                    m.SuccessfulRequests,
		UnsuccessfulRequestsTooBusy:           m.UnsuccessfulRequestsTooBusy,
		UnsuccessfulRequestsTimedOut:          m.UnsuccessfulRequestsTimedOut,
		UnsuccessfulRequestsError:             m.UnsuccessfulRequestsError,
		AverageTimeToAcquireSeconds:           m.AverageTimeToAcquire.Seconds(),
		MaxPendingRequestsHighWater:           m.MaxPendingRequestsHighWater,
		MinPendingRequestsLowWater:            m.MinPendingRequestsLowWater,
		AllocatedConnectionsTimedOut:          m.AllocatedConnectionsTimedOut,
		AllocatedConnectionsClosedByRequestor: m.AllocatedConnectionsClosedByRequestor,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) uptimeHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"uptime": time.Since(s.startTime).String(),
	})
}
