package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"xrplalerts/internal/eventbus"
	"xrplalerts/internal/ingester"
	"xrplalerts/internal/notifier"
	"xrplalerts/internal/xrpl"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StatusRepo is the repository slice the status endpoints read from.
type StatusRepo interface {
	Ping(ctx context.Context) error
	LastProcessedLedger(ctx context.Context) (uint32, error)
	EnrichmentQueueDepths(ctx context.Context) (map[string]int64, error)
}

type Server struct {
	repo       StatusRepo
	supervisor *xrpl.Supervisor
	ingester   *ingester.Service
	dispatcher *notifier.Dispatcher
	bus        *eventbus.Bus
	hub        *hub
	httpServer *http.Server

	statusCache struct {
		mu        sync.Mutex
		payload   []byte
		expiresAt time.Time
	}
}

func NewServer(repo StatusRepo, supervisor *xrpl.Supervisor, ing *ingester.Service,
	dispatcher *notifier.Dispatcher, bus *eventbus.Bus, port string) *Server {
	s := &Server{
		repo:       repo,
		supervisor: supervisor,
		ingester:   ing,
		dispatcher: dispatcher,
		bus:        bus,
		hub:        newHub(),
	}

	r := mux.NewRouter()
	r.Use(commonMiddleware)

	r.HandleFunc("/health", s.handleHealth).Methods("GET", "OPTIONS")
	r.HandleFunc("/api/status", s.handleStatus).Methods("GET", "OPTIONS")
	r.HandleFunc("/api/stats", s.handleStats).Methods("GET", "OPTIONS")
	r.HandleFunc("/ws", s.handleWebSocket).Methods("GET", "OPTIONS")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	s.httpServer = &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	return s
}

// Start runs the hub broadcast loop and blocks on the HTTP listener.
func (s *Server) Start(ctx context.Context) error {
	go s.hub.run(ctx)
	go s.pumpActivities(ctx)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.repo.Ping(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"status": "degraded", "error": err.Error()})
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	s.statusCache.mu.Lock()
	if now.Before(s.statusCache.expiresAt) && len(s.statusCache.payload) > 0 {
		cached := append([]byte(nil), s.statusCache.payload...)
		s.statusCache.mu.Unlock()
		w.Write(cached)
		return
	}
	s.statusCache.mu.Unlock()

	payload, err := s.buildStatusPayload(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	s.statusCache.mu.Lock()
	s.statusCache.payload = payload
	s.statusCache.expiresAt = time.Now().Add(5 * time.Second)
	s.statusCache.mu.Unlock()

	w.Write(payload)
}

func (s *Server) buildStatusPayload(ctx context.Context) ([]byte, error) {
	health := s.supervisor.Health()

	lastLedger, err := s.repo.LastProcessedLedger(ctx)
	if err != nil {
		lastLedger = 0
	}

	enrichQueue, err := s.repo.EnrichmentQueueDepths(ctx)
	if err != nil {
		enrichQueue = map[string]int64{}
	}

	notifications, err := s.dispatcher.Stats(ctx)
	if err != nil {
		notifications = map[string]int64{}
	}

	healthyNodes := 0
	for _, n := range health.Nodes {
		if n.State == xrpl.StateConnected {
			healthyNodes++
		}
	}

	status := "ok"
	if healthyNodes == 0 {
		status = "degraded"
	}

	resp := map[string]interface{}{
		"status":                status,
		"nodes":                 health.Nodes,
		"healthy_nodes":         healthyNodes,
		"last_stream_ledger":    health.LastLedger,
		"ledger_gaps":           s.supervisor.DetectLedgerGaps(),
		"last_processed_ledger": lastLedger,
		"ingester":              s.ingester.Stats(),
		"notifications":         notifications,
		"enrichment_queue":      enrichQueue,
		"ws_clients":            s.hub.clientCount(),
		"generated_at":          time.Now().UTC().Format(time.RFC3339),
	}
	return json.Marshal(resp)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	notifications, err := s.dispatcher.Stats(r.Context())
	if err != nil {
		notifications = map[string]int64{}
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"ingester":       s.ingester.Stats(),
		"notifications":  notifications,
		"events_dropped": s.bus.Dropped(),
	})
}

func commonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
