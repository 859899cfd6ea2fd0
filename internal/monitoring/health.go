package monitoring

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/longbow-whittle/internal/logger"
	"github.com/23skdu/longbow-whittle/internal/prune"
)

// HealthStatus is the full status document served at /status.
type HealthStatus struct {
	Status    string        `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
	Version   string        `json:"version"`
	Uptime    time.Duration `json:"uptime"`
	System    SystemInfo    `json:"system"`
	Run       RunInfo       `json:"run"`
	Training  TrainingInfo  `json:"training"`
	Alerts    []Alert       `json:"alerts"`
}

// SystemInfo contains process-level information
type SystemInfo struct {
	GoVersion      string  `json:"go_version"`
	OS             string  `json:"os"`
	Arch           string  `json:"arch"`
	NumCPU         int     `json:"num_cpu"`
	MemoryMB       int     `json:"memory_mb"`
	MemoryUsedMB   int     `json:"memory_used_mb"`
	MemoryUsagePct float64 `json:"memory_usage_pct"`
}

// RunInfo describes the discovery run the process is executing.
type RunInfo struct {
	Algorithm    string `json:"algorithm"`
	Task         string `json:"task"`
	EdgeCount    int    `json:"edge_count"`
	CacheBytes   int64  `json:"cache_bytes"`
	CacheEntries int    `json:"cache_entries"`
}

// TrainingInfo summarizes the mask-training curve seen so far.
type TrainingInfo struct {
	EpochsDone       int       `json:"epochs_done"`
	LastLoss         float64   `json:"last_loss"`
	LastFaithfulness float64   `json:"last_faithfulness"`
	LastOpenFraction float64   `json:"last_open_fraction"`
	NonFinite        int       `json:"non_finite"`
	LastUpdate       time.Time `json:"last_update"`
}

// Alert represents a condition worth surfacing on the status page
type Alert struct {
	Level      string     `json:"level"`     // info, warning, error, critical
	Component  string     `json:"component"` // training, cache, memory
	Message    string     `json:"message"`
	Timestamp  time.Time  `json:"timestamp"`
	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// Monitor serves /health, /status and /metrics for one process.
type Monitor struct {
	startTime time.Time
	server    *http.Server
	mu        sync.RWMutex
	run       RunInfo
	training  TrainingInfo
	alerts    []Alert
}

// NewMonitor creates a monitor with no run attached yet.
func NewMonitor() *Monitor {
	return &Monitor{
		startTime: time.Now(),
		alerts:    make([]Alert, 0),
	}
}

// SetRun attaches the run description shown under /status.
func (m *Monitor) SetRun(algorithm, task string, edges int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.run.Algorithm = algorithm
	m.run.Task = task
	m.run.EdgeCount = edges
}

// Start serves the endpoints until Stop or a listener error.
func (m *Monitor) Start(addr string) error {
	mux := http.NewServeMux()

	// Health endpoint
	mux.HandleFunc("/health", m.handleHealth)
	mux.HandleFunc("/healthz", m.handleHealth) // Kubernetes compatibility

	// Metrics endpoint (Prometheus)
	mux.Handle("/metrics", promhttp.Handler())

	// Detailed status endpoint
	mux.HandleFunc("/status", m.handleStatus)

	// Admin endpoints
	mux.HandleFunc("/admin/alerts", m.handleAlerts)
	mux.HandleFunc("/admin/clear-alerts", m.handleClearAlerts)

	m.server = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	logger.Log.With("monitoring").Info("status server starting", "addr", addr)
	return m.server.ListenAndServe()
}

// Stop stops the status server.
func (m *Monitor) Stop(ctx context.Context) error {
	if m.server != nil {
		return m.server.Shutdown(ctx)
	}
	return nil
}

// RecordEpoch folds one epoch of a training curve into the status page.
func (m *Monitor) RecordEpoch(e prune.EpochStats) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.training.EpochsDone++
	m.training.LastLoss = e.Loss
	m.training.LastFaithfulness = e.Faithfulness
	m.training.LastOpenFraction = e.OpenFraction
	m.training.LastUpdate = time.Now()

	if math.IsNaN(e.Loss) || math.IsInf(e.Loss, 0) {
		m.training.NonFinite++
		m.addAlertLocked("error", "training",
			fmt.Sprintf("non-finite loss at epoch %d", e.Epoch))
	}
}

// RecordHistory folds a finished curve in at once.
func (m *Monitor) RecordHistory(h *prune.History) {
	for _, e := range h.Epochs {
		m.RecordEpoch(e)
	}
}

// RecordCacheStats mirrors activation-cache usage into the status page.
func (m *Monitor) RecordCacheStats(bytes int64, entries int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.run.CacheBytes = bytes
	m.run.CacheEntries = entries

	if bytes > 512<<20 { // 512 MB of cached activations
		m.addAlertLocked("warning", "cache",
			fmt.Sprintf("activation cache at %d MB", bytes>>20))
	}
}

// AddAlert adds a new alert
func (m *Monitor) AddAlert(level, component, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.addAlertLocked(level, component, message)
}

func (m *Monitor) addAlertLocked(level, component, message string) {
	m.alerts = append(m.alerts, Alert{
		Level:     level,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
	})

	// Keep only the last 100 alerts
	if len(m.alerts) > 100 {
		m.alerts = m.alerts[1:]
	}

	logger.Log.With("monitoring").Warn("alert",
		"level", level, "component", component, "message", message)
}

// ResolveAlert resolves the alert at index.
func (m *Monitor) ResolveAlert(index int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if index >= 0 && index < len(m.alerts) {
		now := time.Now()
		m.alerts[index].Resolved = true
		m.alerts[index].ResolvedAt = &now
	}
}

// HTTP Handlers

func (m *Monitor) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := m.snapshot()

	if status.Status == "healthy" {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	json.NewEncoder(w).Encode(map[string]string{
		"status":    status.Status,
		"timestamp": status.Timestamp.Format(time.RFC3339),
	})
}

func (m *Monitor) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(m.snapshot())
}

func (m *Monitor) handleAlerts(w http.ResponseWriter, r *http.Request) {
	m.mu.RLock()
	alerts := make([]Alert, len(m.alerts))
	copy(alerts, m.alerts)
	m.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(alerts)
}

func (m *Monitor) handleClearAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	m.mu.Lock()
	m.alerts = m.alerts[:0] // Clear all alerts
	m.mu.Unlock()

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"message": "alerts cleared"})
}

// Health status calculation

func (m *Monitor) snapshot() HealthStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := "healthy"

	// Check for unresolved alerts
	for _, alert := range m.alerts {
		if alert.Level == "critical" && !alert.Resolved {
			status = "critical"
			break
		} else if alert.Level == "error" && !alert.Resolved {
			status = "degraded"
		}
	}

	return HealthStatus{
		Status:    status,
		Timestamp: time.Now(),
		Version:   "1.0.0",
		Uptime:    time.Since(m.startTime),
		System:    systemInfo(),
		Run:       m.run,
		Training:  m.training,
		Alerts:    append([]Alert(nil), m.alerts...),
	}
}

func systemInfo() SystemInfo {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	return SystemInfo{
		GoVersion:      runtime.Version(),
		OS:             runtime.GOOS,
		Arch:           runtime.GOARCH,
		NumCPU:         runtime.NumCPU(),
		MemoryMB:       int(ms.Sys / 1024 / 1024),
		MemoryUsedMB:   int(ms.Alloc / 1024 / 1024),
		MemoryUsagePct: float64(ms.Alloc) / float64(ms.Sys) * 100,
	}
}
