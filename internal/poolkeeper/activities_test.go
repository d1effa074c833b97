package poolkeeper

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestReapContainersCallsTheDaemon(t *testing.T) {
	var method, path string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method, path = r.Method, r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"reaped":3}`))
	}))
	defer ts.Close()

	a := NewActivities(ts.URL + "/")
	n, err := a.ReapContainers(context.Background())
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 reaped, got %d", n)
	}
	if method != http.MethodPost || path != "/internal/reap" {
		t.Fatalf("unexpected call %s %s", method, path)
	}
}

func TestProbeHealthDecodesReport(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"Backend":"docker","Allocated":2,"Warm":1,"Capacity":4,"ReapedLastPeriod":0}`))
	}))
	defer ts.Close()

	a := NewActivities(ts.URL)
	report, err := a.ProbeOrchestratorHealth(context.Background())
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if report.Backend != "docker" || report.Allocated != 2 || report.Capacity != 4 {
		t.Fatalf("bad report: %+v", report)
	}
}

func TestActivitiesSurfaceNon200AsError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	a := NewActivities(ts.URL)
	if _, err := a.ReapContainers(context.Background()); err == nil {
		t.Fatalf("expected error on 503")
	}
	if _, err := a.ProbeOrchestratorHealth(context.Background()); err == nil {
		t.Fatalf("expected error on 503")
	}
}
