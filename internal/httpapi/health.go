package httpapi

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/oilsignal/oilsignal/internal/netresil/budget"
	"github.com/oilsignal/oilsignal/internal/netresil/circuit"
)

// HealthResponse is the /healthz payload: process vitals plus the
// resilience state of every registered upstream provider.
type HealthResponse struct {
	Status    string                     `json:"status"`
	Timestamp time.Time                  `json:"timestamp"`
	Uptime    string                     `json:"uptime"`
	System    SystemInfo                 `json:"system"`
	Breakers  map[string]circuit.Stats   `json:"breakers"`
	Budgets   map[string]budget.Stats    `json:"budgets"`
}

// SystemInfo is a lightweight process snapshot.
type SystemInfo struct {
	GoVersion     string `json:"go_version"`
	NumGoroutines int    `json:"num_goroutines"`
	MemAllocMB    uint64 `json:"mem_alloc_mb"`
}

// HealthHandler serves HealthResponse from the orchestrator's resilience
// managers.
type HealthHandler struct {
	breakers  *circuit.Manager
	budgets   *budget.Manager
	startTime time.Time
}

// NewHealthHandler constructs a HealthHandler.
func NewHealthHandler(breakers *circuit.Manager, budgets *budget.Manager) *HealthHandler {
	return &HealthHandler{breakers: breakers, budgets: budgets, startTime: time.Now()}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	status := "healthy"
	var breakerStats map[string]circuit.Stats
	if h.breakers != nil {
		breakerStats = h.breakers.Stats()
		if len(h.breakers.GetUnhealthyProviders()) > 0 {
			status = "degraded"
		}
	}
	var budgetStats map[string]budget.Stats
	if h.budgets != nil {
		budgetStats = h.budgets.Stats()
	}

	resp := HealthResponse{
		Status:    status,
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(h.startTime).String(),
		System: SystemInfo{
			GoVersion:     runtime.Version(),
			NumGoroutines: runtime.NumGoroutine(),
			MemAllocMB:    mem.Alloc / (1024 * 1024),
		},
		Breakers: breakerStats,
		Budgets:  budgetStats,
	}

	w.Header().Set("Content-Type", "application/json")
	if status != "healthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(resp)
}
