package apihttp

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"parkgrid-cloud/internal/tenancy"
)

// StateCounter aggregates spaces by current state.
type StateCounter interface {
	CountByState(ctx context.Context, scope tenancy.Scope) (map[string]int, error)
}

// QueueDepth reports pending downlink commands.
type QueueDepth interface {
	Depth(ctx context.Context) (int, error)
}

// StatsHandler serves the operator dashboard summary.
type StatsHandler struct {
	spaces   StateCounter
	downlink QueueDepth
}

// NewStatsHandler constructs a StatsHandler.
func NewStatsHandler(spaces StateCounter, downlink QueueDepth) *StatsHandler {
	return &StatsHandler{spaces: spaces, downlink: downlink}
}

type statsResponse struct {
	States        map[string]int `json:"states"`
	TotalSpaces   int            `json:"total_spaces"`
	DownlinkQueue int            `json:"downlink_queue"`
	GeneratedAt   time.Time      `json:"generated_at"`
}

// ServeHTTP handles GET /api/v1/stats.
func (h *StatsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h == nil || h.spaces == nil {
		http.Error(w, "server not ready", http.StatusServiceUnavailable)
		return
	}

	scope := tenancy.FromContext(r.Context())
	states, err := h.spaces.CountByState(r.Context(), scope)
	if err != nil {
		http.Error(w, "query stats error", http.StatusInternalServerError)
		return
	}

	total := 0
	for _, count := range states {
		total += count
	}
	resp := statsResponse{
		States:      states,
		TotalSpaces: total,
		GeneratedAt: time.Now().UTC(),
	}
	if h.downlink != nil {
		if depth, err := h.downlink.Depth(r.Context()); err == nil {
			resp.DownlinkQueue = depth
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// HealthHandler serves liveness and readiness checks.
type HealthHandler struct {
	db *sql.DB
}

// NewHealthHandler constructs a HealthHandler.
func NewHealthHandler(db *sql.DB) *HealthHandler {
	return &HealthHandler{db: db}
}

// ServeHTTP handles GET /healthz. The database ping runs with a short
// deadline so a stalled pool never hangs the probe.
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	status := map[string]string{"status": "ok"}
	code := http.StatusOK
	if h != nil && h.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.db.PingContext(ctx); err != nil {
			status["status"] = "degraded"
			status["database"] = "unreachable"
			code = http.StatusServiceUnavailable
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(status)
}
