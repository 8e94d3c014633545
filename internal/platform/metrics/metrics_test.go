package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ValidationIssue("CircularImport")
	m.AuditFinding("Missing", "cpu")
	m.Resolution("image")
	m.Transition("ACTIVE")
	m.Classification("Unknown")
	m.ServiceCall("get_run", "ok", time.Millisecond)
	h := m.Instrument(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
}

func TestHandlerExposesCounters(t *testing.T) {
	m := New("test")
	m.ValidationIssue("CircularImport")
	m.Transition("ACTIVE")

	mux := http.NewServeMux()
	mux.HandleFunc("GET /workflows/{workflow_id}/versions", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	h := m.Instrument(mux)
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/workflows/wf-1/versions", nil))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{
		`omicsflow_bundle_validation_issues_total{kind="CircularImport",service="test"} 1`,
		`omicsflow_version_transitions_total{service="test",state="ACTIVE"} 1`,
		`route="GET /workflows/{workflow_id}/versions"`,
		`status="418"`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %q in metrics output", want)
		}
	}
}
