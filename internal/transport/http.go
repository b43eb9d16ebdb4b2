// Package transport provides HTTP API handlers.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gateway-fm/txfleet/internal/fleet"
	"github.com/gateway-fm/txfleet/internal/storage"
)

// Input validation constants
const (
	defaultResultLimit = 50
	maxResultLimit     = 1000
	maxTPS             = 100000
	readyTimeout       = 5 * time.Second
)

// FleetAPI defines what the handlers need from a running fleet.
type FleetAPI interface {
	Status() fleet.Status
	Proxies() []fleet.ProxyStatus
	BanProxy(idx int) error
	UnbanProxy(idx int) error
	ProxyStats(ctx context.Context) ([]storage.ProxyStat, error)
	RecentResults(ctx context.Context, limit int) ([]storage.TaskResult, error)
	TaskCounts(ctx context.Context) ([]storage.TaskCount, error)
	NonceStatus(addr common.Address) (fleet.NonceStatus, bool)
	TaskNames() []string
	RunTask(ctx context.Context, name string, index int) (storage.TaskResult, error)
	SetTPS(tps float64) error
	CheckRPC(ctx context.Context) error
}

// RunTaskRequest is the body of POST /v1/tasks/run.
type RunTaskRequest struct {
	Task   string `json:"task"`
	Wallet int    `json:"wallet"`
}

// RunTaskResponse reports a one-off task execution.
type RunTaskResponse struct {
	Result storage.TaskResult `json:"result"`
	Error  string             `json:"error,omitempty"`
}

// RateRequest is the body of POST /v1/rate.
type RateRequest struct {
	TPS float64 `json:"tps"`
}

// Server handles HTTP requests for the fleet.
type Server struct {
	api       FleetAPI
	logger    *slog.Logger
	startTime time.Time
	wsServer  *WebSocketServer

	// CORS configuration
	corsAllowedOrigins []string // Parsed list of allowed origins
	corsAllowAll       bool     // True if "*" or empty (allow all origins)
}

// NewServer creates a new HTTP server.
func NewServer(api FleetAPI, logger *slog.Logger, corsAllowedOrigins string) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	// Streams fleet status to websocket clients
	wsServer := NewWebSocketServer(api, logger)
	wsServer.Start()

	s := &Server{
		api:       api,
		logger:    logger,
		startTime: time.Now(),
		wsServer:  wsServer,
	}

	origins := strings.TrimSpace(corsAllowedOrigins)
	if origins == "" || origins == "*" {
		s.corsAllowAll = true
	} else {
		s.corsAllowedOrigins = strings.Split(origins, ",")
		for i, o := range s.corsAllowedOrigins {
			s.corsAllowedOrigins[i] = strings.TrimSpace(o)
		}
	}

	return s
}

// Close stops the websocket broadcaster and disconnects its clients.
func (s *Server) Close() {
	s.wsServer.Stop()
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/status", s.corsMiddleware(s.handleStatus))
	mux.HandleFunc("/v1/proxies", s.corsMiddleware(s.handleProxies))
	mux.HandleFunc("/v1/proxies/stats", s.corsMiddleware(s.handleProxyStats))
	mux.HandleFunc("/v1/proxies/", s.corsMiddleware(s.handleProxyAction))
	mux.HandleFunc("/v1/results", s.corsMiddleware(s.handleResults))
	mux.HandleFunc("/v1/results/counts", s.corsMiddleware(s.handleResultCounts))
	mux.HandleFunc("/v1/nonces/", s.corsMiddleware(s.handleNonce))
	mux.HandleFunc("/v1/tasks", s.corsMiddleware(s.handleTasks))
	mux.HandleFunc("/v1/tasks/run", s.corsMiddleware(s.handleRunTask))
	mux.HandleFunc("/v1/rate", s.corsMiddleware(s.handleRate))
	mux.HandleFunc("/v1/ws", s.wsServer.Handler())

	// Health endpoints (unversioned - standard Kubernetes probes)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)

	mux.Handle("/metrics", promhttp.Handler())

	return mux
}

// corsMiddleware adds CORS headers based on the configured allowed origins.
func (s *Server) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		if s.corsAllowAll {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		} else if origin != "" {
			allowed := false
			for _, o := range s.corsAllowedOrigins {
				if o == origin {
					allowed = true
					break
				}
			}
			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
			}
		}

		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, s.api.Status())
}

func (s *Server) handleProxies(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	proxies := s.api.Proxies()
	if proxies == nil {
		proxies = []fleet.ProxyStatus{}
	}
	s.writeJSON(w, proxies)
}

func (s *Server) handleProxyStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	stats, err := s.api.ProxyStats(r.Context())
	if err != nil {
		s.writeStoreError(w, "Failed to get proxy stats", err)
		return
	}
	s.writeJSON(w, stats)
}

// handleProxyAction handles POST /v1/proxies/{idx}/ban and /unban.
func (s *Server) handleProxyAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/v1/proxies/"), "/")
	if len(parts) != 2 {
		s.writeJSONError(w, "Expected /v1/proxies/{index}/ban or /unban", http.StatusNotFound)
		return
	}
	idx, err := strconv.Atoi(parts[0])
	if err != nil || idx < 0 {
		s.writeJSONError(w, "Invalid proxy index: "+parts[0], http.StatusBadRequest)
		return
	}

	switch parts[1] {
	case "ban":
		err = s.api.BanProxy(idx)
	case "unban":
		err = s.api.UnbanProxy(idx)
	default:
		s.writeJSONError(w, "Unknown proxy action: "+parts[1], http.StatusNotFound)
		return
	}
	if err != nil {
		s.writeJSONError(w, err.Error(), http.StatusNotFound)
		return
	}
	s.writeJSON(w, map[string]any{"proxy": idx, "status": parts[1] + "ned"})
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := defaultResultLimit
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 && l <= maxResultLimit {
		limit = l
	}

	results, err := s.api.RecentResults(r.Context(), limit)
	if err != nil {
		s.writeStoreError(w, "Failed to get results", err)
		return
	}
	if results == nil {
		results = []storage.TaskResult{}
	}
	s.writeJSON(w, results)
}

func (s *Server) handleResultCounts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	counts, err := s.api.TaskCounts(r.Context())
	if err != nil {
		s.writeStoreError(w, "Failed to get task counts", err)
		return
	}
	if counts == nil {
		counts = []storage.TaskCount{}
	}
	s.writeJSON(w, counts)
}

// handleNonce handles GET /v1/nonces/{address}.
func (s *Server) handleNonce(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	raw := strings.TrimPrefix(r.URL.Path, "/v1/nonces/")
	if !common.IsHexAddress(raw) {
		s.writeJSONError(w, "Invalid address: "+raw, http.StatusBadRequest)
		return
	}
	st, ok := s.api.NonceStatus(common.HexToAddress(raw))
	if !ok {
		s.writeJSONError(w, "Wallet not tracked", http.StatusNotFound)
		return
	}
	s.writeJSON(w, st)
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, s.api.TaskNames())
}

func (s *Server) handleRunTask(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req RunTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := validateRunTask(req, s.api.TaskNames()); err != nil {
		s.writeJSONError(w, "Validation error: "+err.Error(), http.StatusBadRequest)
		return
	}

	res, err := s.api.RunTask(r.Context(), req.Task, req.Wallet)
	resp := RunTaskResponse{Result: res}
	if err != nil {
		if res.TaskName == "" {
			// never ran: bad wallet index or no client
			s.writeJSONError(w, err.Error(), http.StatusBadRequest)
			return
		}
		resp.Error = err.Error()
	}
	s.writeJSON(w, resp)
}

func validateRunTask(req RunTaskRequest, known []string) error {
	if req.Task == "" {
		return errors.New("task is required")
	}
	if req.Wallet < 0 {
		return fmt.Errorf("wallet cannot be negative, got %d", req.Wallet)
	}
	for _, name := range known {
		if name == req.Task {
			return nil
		}
	}
	return fmt.Errorf("unknown task %q (valid: %s)", req.Task, strings.Join(known, ", "))
}

func (s *Server) handleRate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req RateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.TPS <= 0 || req.TPS > maxTPS {
		s.writeJSONError(w, fmt.Sprintf("Validation error: tps must be in (0, %d]", maxTPS), http.StatusBadRequest)
		return
	}
	if err := s.api.SetTPS(req.TPS); err != nil {
		s.writeJSONError(w, err.Error(), http.StatusConflict)
		return
	}
	s.writeJSON(w, map[string]any{"status": "updated", "tps": req.TPS})
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// writeJSONError writes a JSON error response
func (s *Server) writeJSONError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func (s *Server) writeStoreError(w http.ResponseWriter, prefix string, err error) {
	if errors.Is(err, fleet.ErrNoStore) {
		s.writeJSONError(w, err.Error(), http.StatusNotImplemented)
		return
	}
	s.logger.Error(prefix, slog.String("error", err.Error()))
	s.writeJSONError(w, prefix+": "+err.Error(), http.StatusInternalServerError)
}

// handleHealth handles liveness probes.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]interface{}{
		"status":         "healthy",
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"uptime_seconds": time.Since(s.startTime).Seconds(),
	})
}

// ReadinessCheck represents a single readiness check result.
type ReadinessCheck struct {
	Name      string `json:"name"`
	Status    string `json:"status"` // "ok", "degraded", "failed"
	LatencyMs int64  `json:"latency_ms,omitempty"`
	Error     string `json:"error,omitempty"`
}

// handleReady handles readiness probes. The fleet is not ready when the node
// does not answer; all proxies banned only degrades it.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	checks := []ReadinessCheck{}
	ready := true

	start := time.Now()
	check := ReadinessCheck{Name: "rpc", Status: "ok"}
	if err := s.api.CheckRPC(ctx); err != nil {
		check.Status = "failed"
		check.Error = err.Error()
		ready = false
	}
	check.LatencyMs = time.Since(start).Milliseconds()
	checks = append(checks, check)

	st := s.api.Status()
	if st.ProxiesTotal > 0 {
		check := ReadinessCheck{Name: "proxies", Status: "ok"}
		if st.ProxiesHealthy == 0 {
			check.Status = "degraded"
			check.Error = fmt.Sprintf("all %d proxies banned", st.ProxiesTotal)
		}
		checks = append(checks, check)
	}

	w.Header().Set("Content-Type", "application/json")
	if ready {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"ready":  ready,
		"checks": checks,
	})
}
