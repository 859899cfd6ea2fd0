package monitoring

import (
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/23skdu/longbow-whittle/internal/prune"
)

func TestStatusFollowsAlerts(t *testing.T) {
	m := NewMonitor()

	if got := m.snapshot().Status; got != "healthy" {
		t.Fatalf("fresh monitor status = %q, want healthy", got)
	}

	m.AddAlert("error", "training", "loss spiked")
	if got := m.snapshot().Status; got != "degraded" {
		t.Fatalf("status after error alert = %q, want degraded", got)
	}

	m.AddAlert("critical", "memory", "out of headroom")
	if got := m.snapshot().Status; got != "critical" {
		t.Fatalf("status after critical alert = %q, want critical", got)
	}

	m.ResolveAlert(0)
	m.ResolveAlert(1)
	if got := m.snapshot().Status; got != "healthy" {
		t.Fatalf("status after resolving = %q, want healthy", got)
	}
}

func TestRecordEpochTracksCurve(t *testing.T) {
	m := NewMonitor()
	m.RecordEpoch(prune.EpochStats{Epoch: 0, Loss: 2.5, OpenFraction: 0.9})
	m.RecordEpoch(prune.EpochStats{Epoch: 1, Loss: 1.25, Faithfulness: 1.0, OpenFraction: 0.4})

	st := m.snapshot()
	if st.Training.EpochsDone != 2 {
		t.Fatalf("EpochsDone = %d, want 2", st.Training.EpochsDone)
	}
	if st.Training.LastLoss != 1.25 || st.Training.LastOpenFraction != 0.4 {
		t.Fatalf("last epoch not reflected: %+v", st.Training)
	}
	if st.Training.NonFinite != 0 {
		t.Fatalf("finite losses counted as non-finite: %+v", st.Training)
	}
}

func TestNonFiniteLossRaisesAlert(t *testing.T) {
	m := NewMonitor()
	m.RecordEpoch(prune.EpochStats{Epoch: 3, Loss: math.NaN()})

	st := m.snapshot()
	if st.Training.NonFinite != 1 {
		t.Fatalf("NonFinite = %d, want 1", st.Training.NonFinite)
	}
	if st.Status != "degraded" {
		t.Fatalf("status = %q, want degraded", st.Status)
	}
}

func TestHealthEndpoint(t *testing.T) {
	m := NewMonitor()

	rec := httptest.NewRecorder()
	m.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthy monitor returned %d", rec.Code)
	}

	m.AddAlert("critical", "memory", "oom imminent")
	rec = httptest.NewRecorder()
	m.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("critical monitor returned %d", rec.Code)
	}

	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "critical" {
		t.Fatalf("body status = %q, want critical", body["status"])
	}
}

func TestSetRunShowsOnStatusPage(t *testing.T) {
	m := NewMonitor()
	m.SetRun("acdc", "planted", 46)

	rec := httptest.NewRecorder()
	m.handleStatus(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	var st HealthStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if st.Run.Algorithm != "acdc" || st.Run.Task != "planted" || st.Run.EdgeCount != 46 {
		t.Fatalf("run info = %+v", st.Run)
	}
}

func TestClearAlertsRequiresPost(t *testing.T) {
	m := NewMonitor()
	m.AddAlert("warning", "cache", "large cache")

	rec := httptest.NewRecorder()
	m.handleClearAlerts(rec, httptest.NewRequest(http.MethodGet, "/admin/clear-alerts", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET clear-alerts returned %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	m.handleClearAlerts(rec, httptest.NewRequest(http.MethodPost, "/admin/clear-alerts", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("POST clear-alerts returned %d", rec.Code)
	}
	if n := len(m.snapshot().Alerts); n != 0 {
		t.Fatalf("alerts after clear = %d, want 0", n)
	}
}

func TestCacheStatsAlertThreshold(t *testing.T) {
	m := NewMonitor()

	m.RecordCacheStats(64<<20, 12)
	st := m.snapshot()
	if st.Run.CacheBytes != 64<<20 || st.Run.CacheEntries != 12 {
		t.Fatalf("cache stats not recorded: %+v", st.Run)
	}
	if len(st.Alerts) != 0 {
		t.Fatalf("small cache raised %d alerts", len(st.Alerts))
	}

	m.RecordCacheStats(600<<20, 48)
	st = m.snapshot()
	if len(st.Alerts) != 1 {
		t.Fatalf("oversized cache raised %d alerts, want 1", len(st.Alerts))
	}
}
