package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollectorRecords(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := New(reg)
	if err != nil {
		t.Fatalf("New: %s", err)
	}

	c.SetDevices(3)
	c.CycleFinished("complete")
	c.PhaseFinished(2, ResultTimeout, 0.5)
	c.Malformed(2)
	c.Malformed(0)
	c.Solved(true)
	c.Solved(false)
	c.Solved(false)

	if got := testutil.ToFloat64(c.DevicesConnected); got != 3 {
		t.Errorf("devices = %v", got)
	}
	if got := testutil.ToFloat64(c.Cycles.WithLabelValues("complete")); got != 1 {
		t.Errorf("cycles = %v", got)
	}
	if got := testutil.ToFloat64(c.PhaseReports.WithLabelValues("2", ResultTimeout)); got != 1 {
		t.Errorf("phase reports = %v", got)
	}
	if got := testutil.ToFloat64(c.MalformedLines); got != 2 {
		t.Errorf("malformed = %v", got)
	}
	if got := testutil.ToFloat64(c.Fixes.WithLabelValues("nofix")); got != 2 {
		t.Errorf("nofix = %v", got)
	}
}

func TestNilCollector(t *testing.T) {
	var c *Collector
	c.SetDevices(1)
	c.CycleFinished("aborted")
	c.PhaseFinished(1, ResultReported, 1)
	c.Malformed(1)
	c.Solved(true)
}

func TestReRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := New(reg)
	if err != nil {
		t.Fatalf("New: %s", err)
	}
	second, err := New(reg)
	if err != nil {
		t.Fatalf("Second New: %s", err)
	}
	second.SetDevices(2)
	if got := testutil.ToFloat64(first.DevicesConnected); got != 2 {
		t.Errorf("Collectors should be shared; got %v", got)
	}
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := New(reg)
	if err != nil {
		t.Fatalf("New: %s", err)
	}
	c.CycleFinished("aborted")

	rr := httptest.NewRecorder()
	c.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("Status %d", rr.Code)
	}
	if body := rr.Body.String(); !strings.Contains(body, `rangerd_cycles_total{outcome="aborted"} 1`) {
		t.Errorf("Body lacks cycle counter:\n%s", body)
	}
}
