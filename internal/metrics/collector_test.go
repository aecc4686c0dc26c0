package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollectorRecordsSaveAndDeliveryOutcomes(t *testing.T) {
	collector := NewCollector("")
	collector.ObserveSave("saved", 10*time.Millisecond)
	collector.ObserveSave("saved", 5*time.Millisecond)
	collector.ObserveSave("conflict", time.Millisecond)
	collector.ObserveDelivery("delivered")
	collector.ObserveDelivery("dropped")

	if got := testutil.ToFloat64(collector.SaveOutcomes.WithLabelValues("saved")); got != 2 {
		t.Fatalf("expected 2 saved, got %v", got)
	}
	if got := testutil.ToFloat64(collector.SaveOutcomes.WithLabelValues("conflict")); got != 1 {
		t.Fatalf("expected 1 conflict, got %v", got)
	}
	if got := testutil.ToFloat64(collector.BroadcastDeliveries.WithLabelValues("dropped")); got != 1 {
		t.Fatalf("expected 1 dropped delivery, got %v", got)
	}
}

func TestCollectorTracksOpenConnections(t *testing.T) {
	collector := NewCollector("test")
	collector.ConnectionOpened()
	collector.ConnectionOpened()
	collector.ConnectionClosed()
	if got := testutil.ToFloat64(collector.OpenConnections); got != 1 {
		t.Fatalf("expected 1 open connection, got %v", got)
	}
}

func TestCollectorHandlerExposesMetrics(t *testing.T) {
	collector := NewCollector("")
	collector.ObserveHTTP(http.MethodPost, "/dashboard/save", http.StatusConflict, time.Millisecond)

	recorder := httptest.NewRecorder()
	collector.Handler().ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	body, err := io.ReadAll(recorder.Body)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !strings.Contains(string(body), `dashsync_http_requests_total{method="POST",route="/dashboard/save",status="409"} 1`) {
		t.Fatalf("expected http request counter in output:\n%s", body)
	}
}
