package metrics

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// SessionStatus is one upstream session's view of its own health.
type SessionStatus struct {
	Exchange     string    `json:"exchange"`
	ContractType string    `json:"contract_type"`
	State        string    `json:"state"`
	BreakerState string    `json:"circuit_breaker"`
	Symbols      int       `json:"symbols"`
	LastMessage  time.Time `json:"last_message"`
	Healthy      bool      `json:"healthy"`
}

// HealthStatus aggregates per-session probes for the health endpoints.
// Sessions register a probe on start and remove it when they close.
type HealthStatus struct {
	mu        sync.RWMutex
	probes    map[string]func() SessionStatus
	startedAt time.Time
}

// NewHealthStatus returns an empty health registry.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		probes:    make(map[string]func() SessionStatus),
		startedAt: time.Now(),
	}
}

// Register adds a session probe under a unique id.
func (h *HealthStatus) Register(id string, probe func() SessionStatus) {
	h.mu.Lock()
	h.probes[id] = probe
	h.mu.Unlock()
}

// Unregister removes a session probe.
func (h *HealthStatus) Unregister(id string) {
	h.mu.Lock()
	delete(h.probes, id)
	h.mu.Unlock()
}

// Snapshot evaluates every probe, sorted by id for stable output.
func (h *HealthStatus) Snapshot() []SessionStatus {
	h.mu.RLock()
	ids := make([]string, 0, len(h.probes))
	for id := range h.probes {
		ids = append(ids, id)
	}
	probes := make([]func() SessionStatus, 0, len(ids))
	sort.Strings(ids)
	for _, id := range ids {
		probes = append(probes, h.probes[id])
	}
	h.mu.RUnlock()

	statuses := make([]SessionStatus, 0, len(probes))
	for _, probe := range probes {
		statuses = append(statuses, probe())
	}
	return statuses
}

// AnyHealthy reports whether at least one session is healthy. With no
// sessions registered there is nothing unhealthy to report either; an idle
// gateway is ready.
func (h *HealthStatus) AnyHealthy() bool {
	statuses := h.Snapshot()
	if len(statuses) == 0 {
		return true
	}
	for _, st := range statuses {
		if st.Healthy {
			return true
		}
	}
	return false
}

// ServeHealth handles /health: the liveness probe. Always 200 while the
// process serves requests; session detail lives on /ready.
func (h *HealthStatus) ServeHealth(w http.ResponseWriter, r *http.Request) {
	body := struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
		Uptime    string `json:"uptime"`
	}{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Uptime:    time.Since(h.startedAt).Round(time.Second).String(),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(body)
}

// ServeReady handles /ready: 200 when at least one session is healthy (or
// none exist), 503 otherwise, with the per-session snapshot either way.
func (h *HealthStatus) ServeReady(w http.ResponseWriter, r *http.Request) {
	ready := h.AnyHealthy()
	body := struct {
		Ready    bool            `json:"ready"`
		Sessions []SessionStatus `json:"sessions"`
	}{
		Ready:    ready,
		Sessions: h.Snapshot(),
	}
	w.Header().Set("Content-Type", "application/json")
	if !ready {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(body)
}
