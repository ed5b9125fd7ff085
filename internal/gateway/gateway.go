// Package gateway exposes the coordinator over HTTP: JSON routing
// endpoints, a health probe, a metrics snapshot, and a WebSocket event
// stream backed by the internal bus.
package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/classmesh/classmesh/internal/audit"
	"github.com/classmesh/classmesh/internal/orchestrator"
	cmotel "github.com/classmesh/classmesh/internal/otel"
	"github.com/classmesh/classmesh/internal/router"
)

const maxBodyBytes = 1 << 20 // routing payloads are short; 1MB is generous

type Config struct {
	System *orchestrator.System
	Logger *slog.Logger

	// AuthToken guards everything except /healthz. Empty disables auth;
	// the default bind address is loopback-only.
	AuthToken string

	// AllowOrigins controls accepted Origin headers for browser WS
	// connections. Empty list means same-origin only.
	AllowOrigins []string

	// ConfigFingerprint is the hash of the active config, exposed in
	// /healthz so operators can confirm which config a node runs.
	ConfigFingerprint string

	// MaxConcurrentRoutes caps in-flight routing requests across the
	// three routing endpoints. Zero means unbounded.
	MaxConcurrentRoutes int

	Metrics *cmotel.Metrics
}

type Server struct {
	cfg    Config
	logger *slog.Logger

	// routeSem is nil when MaxConcurrentRoutes is zero.
	routeSem chan struct{}

	clientsMu sync.RWMutex
	clients   map[*client]struct{}
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:     cfg,
		logger:  logger,
		clients: map[*client]struct{}{},
	}
	if cfg.MaxConcurrentRoutes > 0 {
		s.routeSem = make(chan struct{}, cfg.MaxConcurrentRoutes)
	}
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/v1/route", s.handleRoute)
	mux.HandleFunc("/v1/student", s.handleStudent)
	mux.HandleFunc("/v1/admin", s.handleAdmin)
	mux.HandleFunc("/v1/emergency", s.handleEmergency)
	mux.HandleFunc("/v1/emergency/clear", s.handleEmergencyClear)
	mux.HandleFunc("/v1/agents", s.handleAgents)
	mux.HandleFunc("/v1/audit", s.handleAudit)
	return s.instrument(mux)
}

// instrument records per-request latency when metrics are configured.
func (s *Server) instrument(next http.Handler) http.Handler {
	if s.cfg.Metrics == nil || s.cfg.Metrics.RequestDuration == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.cfg.Metrics.RequestDuration.Record(r.Context(),
			time.Since(start).Seconds(),
			metric.WithAttributes(
				attribute.String("http.route", r.URL.Path),
				attribute.String("http.method", r.Method),
			))
	})
}

func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return true
	}
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	return token != "" && token == s.cfg.AuthToken
}

// acquireRouteSlot reserves one routing slot, or reports saturation.
func (s *Server) acquireRouteSlot() bool {
	if s.routeSem == nil {
		return true
	}
	select {
	case s.routeSem <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *Server) releaseRouteSlot() {
	if s.routeSem != nil {
		<-s.routeSem
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

// guardRoutingPost runs the shared preamble for the routing POST handlers.
func (s *Server) guardRoutingPost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return false
	}
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return false
	}
	if !s.acquireRouteSlot() {
		writeError(w, http.StatusTooManyRequests, "routing queue saturated")
		return false
	}
	return true
}

// routeStatus maps a routing outcome to an HTTP status. The body always
// carries the full result; the status is a coarse summary for clients that
// only look at the code.
func routeStatus(res router.Result) int {
	if res.Success {
		return http.StatusOK
	}
	switch res.Code {
	case router.CodeRejected:
		return http.StatusForbidden
	case router.CodeTargetNotFound:
		return http.StatusNotFound
	default:
		return http.StatusBadGateway
	}
}

// routeFailureStatus maps routing errors to an HTTP status. An audit write
// failure is surfaced as 500; everything else means the system is not
// accepting traffic.
func (s *Server) routeFailureStatus(err error) int {
	var we *audit.WriteError
	if errors.As(err, &we) {
		return http.StatusInternalServerError
	}
	return http.StatusServiceUnavailable
}

func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	if !s.guardRoutingPost(w, r) {
		return
	}
	defer s.releaseRouteSlot()

	var req struct {
		From    string `json:"from"`
		To      string `json:"to"`
		Content string `json:"content"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.From == "" || req.To == "" {
		writeError(w, http.StatusBadRequest, "from and to are required")
		return
	}
	res, err := s.cfg.System.RouteMessage(r.Context(), req.From, req.To, req.Content)
	if err != nil {
		s.logger.Error("gateway: route failed", "from", req.From, "to", req.To, "error", err)
		writeError(w, s.routeFailureStatus(err), err.Error())
		return
	}
	writeJSON(w, routeStatus(res), res)
}

func (s *Server) handleStudent(w http.ResponseWriter, r *http.Request) {
	if !s.guardRoutingPost(w, r) {
		return
	}
	defer s.releaseRouteSlot()

	var req struct {
		StudentID   string `json:"student_id"`
		Interaction string `json:"interaction"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.StudentID == "" || req.Interaction == "" {
		writeError(w, http.StatusBadRequest, "student_id and interaction are required")
		return
	}
	res, err := s.cfg.System.ProcessStudentInteraction(r.Context(), req.StudentID, req.Interaction)
	if err != nil {
		s.logger.Error("gateway: student interaction failed", "student_id", req.StudentID, "error", err)
		writeError(w, s.routeFailureStatus(err), err.Error())
		return
	}
	writeJSON(w, routeStatus(res.Result), res)
}

func (s *Server) handleAdmin(w http.ResponseWriter, r *http.Request) {
	if !s.guardRoutingPost(w, r) {
		return
	}
	defer s.releaseRouteSlot()

	var req struct {
		Source  string `json:"source"`
		Message string `json:"message"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Source == "" || req.Message == "" {
		writeError(w, http.StatusBadRequest, "source and message are required")
		return
	}
	res, err := s.cfg.System.ProcessAdminMessage(r.Context(), req.Source, req.Message)
	if err != nil {
		s.logger.Error("gateway: admin message failed", "source", req.Source, "error", err)
		writeError(w, s.routeFailureStatus(err), err.Error())
		return
	}
	writeJSON(w, routeStatus(res), res)
}

func (s *Server) handleEmergency(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req struct {
		Kind   string `json:"kind"`
		Detail string `json:"detail"`
		Actor  string `json:"actor"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Kind == "" {
		writeError(w, http.StatusBadRequest, "kind is required")
		return
	}
	report, err := s.cfg.System.HandleEmergency(r.Context(), req.Kind, req.Detail, req.Actor)
	if err != nil {
		s.logger.Error("gateway: emergency activation failed", "kind", req.Kind, "error", err)
		writeError(w, s.routeFailureStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleEmergencyClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req struct {
		Actor string `json:"actor"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Actor == "" {
		writeError(w, http.StatusBadRequest, "actor is required")
		return
	}
	cleared := s.cfg.System.ClearEmergency(r.Context(), req.Actor)
	writeJSON(w, http.StatusOK, map[string]bool{"cleared": cleared})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	snap := s.cfg.System.SystemHealth()
	healthy := snap.Status == string(orchestrator.StatusOperational) &&
		snap.GuardianActive && snap.BlackBoxActive

	payload := map[string]any{
		"healthy":            healthy,
		"status":             snap.Status,
		"agent_counts":       snap.AgentCounts,
		"guardian_active":    snap.GuardianActive,
		"black_box_active":   snap.BlackBoxActive,
		"emergency_mode":     snap.EmergencyMode,
		"total_interactions": snap.TotalInteractions,
		"config_fingerprint": s.cfg.ConfigFingerprint,
	}
	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	ctx := r.Context()
	trail := s.cfg.System.Trail()
	snap := s.cfg.System.SystemHealth()

	mem := &runtime.MemStats{}
	runtime.ReadMemStats(mem)

	var auditRows int64
	if trail != nil {
		if n, err := trail.StoredCount(ctx); err == nil {
			auditRows = n
		}
	}

	payload := map[string]any{
		"status":              snap.Status,
		"total_interactions":  snap.TotalInteractions,
		"average_response_ms": snap.AverageResponseMS,
		"emergency_mode":      snap.EmergencyMode,
		"agent_counts":        snap.AgentCounts,
		"audit_records":       trailCount(trail),
		"audit_rejected":      trailRejected(trail),
		"audit_rows_stored":   auditRows,
		"ws_clients":          s.clientCount(),
		"alloc_bytes":         mem.Alloc,
		"goroutines":          runtime.NumGoroutine(),
	}
	writeJSON(w, http.StatusOK, payload)
}

func trailCount(t *audit.Trail) int64 {
	if t == nil {
		return 0
	}
	return t.Count()
}

func trailRejected(t *audit.Trail) int64 {
	if t == nil {
		return 0
	}
	return t.RejectedCount()
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	agents := s.cfg.System.Registry().List()
	out := make([]map[string]any, 0, len(agents))
	for _, a := range agents {
		md := a.Metadata()
		out = append(out, map[string]any{
			"id":                a.ID,
			"name":              a.Name,
			"type":              a.Type,
			"role":              string(a.Role),
			"priority":          a.Priority,
			"immutable":         a.Immutable,
			"status":            string(a.Status()),
			"interaction_count": md.InteractionCount,
			"success_rate":      md.SuccessRate,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": out})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			writeError(w, http.StatusBadRequest, "limit must be in 1..1000")
			return
		}
		limit = n
	}
	trail := s.cfg.System.Trail()
	if trail == nil {
		writeError(w, http.StatusServiceUnavailable, "audit trail not available")
		return
	}
	records, err := trail.Recent(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

func (s *Server) clientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}
