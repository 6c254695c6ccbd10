package metrics

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"

	"github.com/vbmedia/packline/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func counterValue(t *testing.T, m *Metrics, get func() (float64, error)) float64 {
	t.Helper()
	v, err := get()
	if err != nil {
		t.Fatal(err)
	}
	return v
}

func TestNew(t *testing.T) {
	m := New()
	if m == nil {
		t.Fatal("New() returned nil")
	}
	if m.Registry() == nil {
		t.Error("Registry() returned nil")
	}
	if m.TransitionsTotal == nil || m.TasksTotal == nil || m.DeliveriesTotal == nil {
		t.Error("core metrics are nil")
	}
}

func TestGlobalHelpers(t *testing.T) {
	m := New()
	SetGlobal(m)
	defer SetGlobal(nil)

	IncTransition("produced")
	IncTransition("produced")
	IncTask("publish", "done")
	IncDelivery("email", "sent")
	IncRenderJob("renderfarm", "submitted")

	counter, err := m.TransitionsTotal.GetMetricWithLabelValues("produced")
	if err != nil {
		t.Fatal(err)
	}
	var out dto.Metric
	if err := counter.Write(&out); err != nil {
		t.Fatal(err)
	}
	if got := out.GetCounter().GetValue(); got != 2 {
		t.Errorf("transitions(produced) = %v, want 2", got)
	}
}

func TestGlobalHelpersNilSafe(t *testing.T) {
	SetGlobal(nil)
	IncTransition("sent")
	IncTask("deliver", "failed")
	IncDelivery("sms", "bounced")
	IncRenderJob("storyboard", "error")
}

type fakeQueueStats struct{ stats QueueStats }

func (f *fakeQueueStats) QueueStats(ctx context.Context) (*QueueStats, error) {
	return &f.stats, nil
}

type fakePackageStats struct{ counts map[model.Status]int }

func (f *fakePackageStats) StatusCounts() (map[model.Status]int, error) {
	return f.counts, nil
}

func TestCollectorRefresh(t *testing.T) {
	m := New()
	c := NewCollector(m,
		&fakeQueueStats{stats: QueueStats{Pending: 4, Deferred: 2, Failed: 1}},
		&fakePackageStats{counts: map[model.Status]int{
			model.StatusPending: 3,
			model.StatusSent:    7,
		}},
		time.Hour,
	)

	c.refresh(context.Background())

	var out dto.Metric
	if err := m.QueuePending.Write(&out); err != nil {
		t.Fatal(err)
	}
	if got := out.GetGauge().GetValue(); got != 4 {
		t.Errorf("queue pending gauge = %v, want 4", got)
	}

	gauge, err := m.PackagesByStatus.GetMetricWithLabelValues("sent")
	if err != nil {
		t.Fatal(err)
	}
	out.Reset()
	if err := gauge.Write(&out); err != nil {
		t.Fatal(err)
	}
	if got := out.GetGauge().GetValue(); got != 7 {
		t.Errorf("packages(sent) gauge = %v, want 7", got)
	}
}

func TestCollectorStartStop(t *testing.T) {
	c := NewCollector(New(), nil, nil, 10*time.Millisecond)
	c.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	c.Stop()
}

func TestServerIPFiltering(t *testing.T) {
	m := New()
	s := NewServerWithAllowedIPs(m, ":0", "/metrics", []string{"10.0.0.0/8", "192.168.1.5", "bogus"}, testLogger())

	if len(s.allowedIPs) != 2 {
		t.Fatalf("parsed %d networks, want 2", len(s.allowedIPs))
	}

	tests := []struct {
		remote string
		want   bool
	}{
		{"10.1.2.3:9999", true},
		{"192.168.1.5:1234", true},
		{"192.168.1.6:1234", false},
		{"8.8.8.8:53", false},
	}
	for _, tt := range tests {
		if got := s.isIPAllowed(tt.remote); got != tt.want {
			t.Errorf("isIPAllowed(%s) = %v, want %v", tt.remote, got, tt.want)
		}
	}

	open := NewServer(m, ":0", "/metrics", testLogger())
	if !open.isIPAllowed("8.8.8.8:53") {
		t.Error("empty allow list should admit everyone")
	}
}

func TestHTTPMiddleware(t *testing.T) {
	m := New()
	SetGlobal(m)
	defer SetGlobal(nil)

	handler := HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	req := httptest.NewRequest("GET", "/api/v1/packages/42", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}

	counter := counterValue(t, m, func() (float64, error) {
		c, err := m.APIErrorsTotal.GetMetricWithLabelValues("not_found")
		if err != nil {
			return 0, err
		}
		var out dto.Metric
		if err := c.Write(&out); err != nil {
			return 0, err
		}
		return out.GetCounter().GetValue(), nil
	})
	if counter != 1 {
		t.Errorf("api errors(not_found) = %v, want 1", counter)
	}
}

func TestHTTPMiddlewareNoMetrics(t *testing.T) {
	SetGlobal(nil)

	handler := HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/test", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
}
