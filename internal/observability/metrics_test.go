package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestMiddlewareRecordsRequests(t *testing.T) {
	metrics := NewMetrics()
	handler := metrics.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusTeapot {
		t.Fatalf("expected status passthrough, got %d", rec.Code)
	}

	body := scrape(t, metrics)
	if !strings.Contains(body, `fieldstone_http_requests_total{code="418",route="unknown"} 1`) {
		t.Fatalf("request counter missing from scrape:\n%s", body)
	}
}

func TestRecordAuthzDecision(t *testing.T) {
	metrics := NewMetrics()
	metrics.RecordAuthzDecision("assets:write", "deny")
	metrics.RecordAuthzDecision("assets:write", "deny")
	metrics.RecordAuthzDecision("assets:write", "allow")

	body := scrape(t, metrics)
	if !strings.Contains(body, `fieldstone_authz_decisions_total{outcome="deny",permission="assets:write"} 2`) {
		t.Fatalf("deny counter missing from scrape:\n%s", body)
	}
	if !strings.Contains(body, `fieldstone_authz_decisions_total{outcome="allow",permission="assets:write"} 1`) {
		t.Fatalf("allow counter missing from scrape:\n%s", body)
	}
}

func TestNilMetricsAreInert(t *testing.T) {
	var metrics *Metrics
	metrics.RecordAuthzDecision("assets:read", "allow")

	rec := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 from nil metrics handler, got %d", rec.Code)
	}
}

func scrape(t *testing.T, metrics *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	return rec.Body.String()
}
