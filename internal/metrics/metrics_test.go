package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.RequestCreated("APROBADA")
	m.Decision("approve")
	m.DuplicateOutcome("warned")
	m.Reception(true)
	m.Webhook("failed")
	m.ObserveHTTP("GET", "/v0/health", 200, time.Millisecond)
}

func TestCounters(t *testing.T) {
	m := New()
	m.RequestCreated("PENDIENTE_APROBACION")
	m.RequestCreated("PENDIENTE_APROBACION")
	m.Reception(false)
	m.Reception(true)
	m.ObserveHTTP("POST", "/v0/requests", 201, 5*time.Millisecond)

	if got := counterValue(t, m.Created.WithLabelValues("PENDIENTE_APROBACION")); got != 2 {
		t.Fatalf("created = %v", got)
	}
	if got := counterValue(t, m.Receptions); got != 2 {
		t.Fatalf("receptions = %v", got)
	}
	if got := counterValue(t, m.OverReceived); got != 1 {
		t.Fatalf("over received = %v", got)
	}
	if got := counterValue(t, m.HTTPRequests.WithLabelValues("POST", "/v0/requests", "201")); got != 1 {
		t.Fatalf("http requests = %v", got)
	}
}
