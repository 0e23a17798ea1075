// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fleet License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package observability

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nishisan-dev/n-fleet/internal/breaker"
	"github.com/nishisan-dev/n-fleet/internal/gateway"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func localhostACL(t *testing.T) *ACL {
	t.Helper()
	return NewACL(parseCIDRs(t, "127.0.0.1/32"))
}

func doGet(t *testing.T, router http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("GET", path, nil)
	req.RemoteAddr = "127.0.0.1:12345"
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHealth_ReturnsOK(t *testing.T) {
	router := NewRouter(Options{Service: "nfleet-gateway"}, localhostACL(t))

	rec := doGet(t, router, "/api/v1/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("expected status 'ok', got %v", resp.Status)
	}
	if resp.Service != "nfleet-gateway" {
		t.Errorf("expected service 'nfleet-gateway', got %q", resp.Service)
	}
	if resp.Uptime == "" {
		t.Error("expected uptime field")
	}
	if resp.Version == "" {
		t.Error("expected version field")
	}
	if resp.Runtime == nil {
		t.Fatal("expected runtime field in health response")
	}
	if resp.Runtime.GoRoutines <= 0 {
		t.Errorf("expected goroutines > 0, got %d", resp.Runtime.GoRoutines)
	}
	if resp.Runtime.CPUCores <= 0 {
		t.Errorf("expected cpu_cores > 0, got %d", resp.Runtime.CPUCores)
	}
	if resp.Runtime.HeapAllocMB <= 0 {
		t.Errorf("expected heap_alloc_mb > 0, got %f", resp.Runtime.HeapAllocMB)
	}
}

func TestReady_AllChecksPass(t *testing.T) {
	checks := []ReadyCheck{
		{Name: "database", Probe: func(ctx context.Context) error { return nil }},
		{Name: "broker", Probe: func(ctx context.Context) error { return nil }},
	}
	router := NewRouter(Options{Service: "nfleet-consumer", Checks: checks}, localhostACL(t))

	rec := doGet(t, router, "/api/v1/ready")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp ReadyResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if resp.Status != "ready" {
		t.Errorf("expected status 'ready', got %q", resp.Status)
	}
	if resp.Checks["database"] != "ok" || resp.Checks["broker"] != "ok" {
		t.Errorf("expected both checks ok, got %v", resp.Checks)
	}
}

func TestReady_FailingCheckReturns503(t *testing.T) {
	checks := []ReadyCheck{
		{Name: "database", Probe: func(ctx context.Context) error { return nil }},
		{Name: "broker", Probe: func(ctx context.Context) error { return errors.New("not connected") }},
	}
	router := NewRouter(Options{Service: "nfleet-consumer", Checks: checks}, localhostACL(t))

	rec := doGet(t, router, "/api/v1/ready")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}

	var resp ReadyResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if resp.Status != "unavailable" {
		t.Errorf("expected status 'unavailable', got %q", resp.Status)
	}
	if resp.Checks["database"] != "ok" {
		t.Errorf("expected database check ok, got %q", resp.Checks["database"])
	}
	if resp.Checks["broker"] != "not connected" {
		t.Errorf("expected broker failure message, got %q", resp.Checks["broker"])
	}
}

func TestMetrics_PrometheusTextFormat(t *testing.T) {
	st := &gateway.Stats{}
	st.ActiveConns.Store(3)
	st.RecordsIn.Add(42)
	st.RecordsPublished.Add(40)

	reg := prometheus.NewRegistry()
	reg.MustRegister(NewGatewayCollector(st, func() int64 { return 7 }))
	reg.MustRegister(NewBreakerCollector(func() []*breaker.Breaker {
		return []*breaker.Breaker{
			breaker.New(breaker.NameDatabase, testLogger(), nil),
			breaker.New(breaker.NameBroker, testLogger(), nil),
		}
	}))

	router := NewRouter(Options{Service: "nfleet-gateway", Gatherer: reg}, localhostACL(t))

	rec := doGet(t, router, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); !strings.Contains(got, "text/plain") {
		t.Fatalf("expected text/plain content type, got %q", got)
	}

	body := rec.Body.String()
	for _, want := range []string{
		"# HELP nfleet_gateway_connections_active",
		"nfleet_gateway_connections_active 3",
		"nfleet_gateway_records_in_total 42",
		"nfleet_gateway_records_published_total 40",
		"nfleet_gateway_staging_depth 7",
		`nfleet_breaker_state{name="database"} 0`,
		`nfleet_breaker_state{name="broker"} 0`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected metrics body to contain %q\nbody:\n%s", want, body)
		}
	}
}

func TestMetrics_AbsentWithoutGatherer(t *testing.T) {
	router := NewRouter(Options{Service: "nfleet-consumer"}, localhostACL(t))

	rec := doGet(t, router, "/metrics")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 without a registry, got %d", rec.Code)
	}
}

func TestConnections_ReturnsSnapshot(t *testing.T) {
	now := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)
	conns := []gateway.ConnInfo{
		{Identity: "352094081234567", Remote: "10.0.0.1:40112", State: "streaming", ConnectedAt: now, LastSeenAt: now},
	}
	router := NewRouter(Options{
		Service:     "nfleet-gateway",
		Connections: func() []gateway.ConnInfo { return conns },
	}, localhostACL(t))

	rec := doGet(t, router, "/api/v1/connections")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp []gateway.ConnInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if len(resp) != 1 {
		t.Fatalf("expected 1 connection, got %d", len(resp))
	}
	if resp[0].Identity != "352094081234567" {
		t.Errorf("expected identity 352094081234567, got %q", resp[0].Identity)
	}
	if resp[0].State != "streaming" {
		t.Errorf("expected state streaming, got %q", resp[0].State)
	}
}

func TestConnections_AbsentOnOtherDaemons(t *testing.T) {
	router := NewRouter(Options{Service: "nfleet-engine"}, localhostACL(t))

	rec := doGet(t, router, "/api/v1/connections")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 without a connection table, got %d", rec.Code)
	}
}

func TestEvents_ReturnsRecentWithLimit(t *testing.T) {
	ring := NewEventRing(10)
	ring.PushEvent("info", "connect", "352094081234567", "10.0.0.1:40112")
	ring.PushEvent("info", "disconnect", "352094081234567", "eof")
	ring.PushEvent("warn", "handshake_reject", "", "short identity")

	router := NewRouter(Options{Service: "nfleet-gateway", Events: ring}, localhostACL(t))

	rec := doGet(t, router, "/api/v1/events")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var all []EventEntry
	if err := json.Unmarshal(rec.Body.Bytes(), &all); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 events, got %d", len(all))
	}

	rec = doGet(t, router, "/api/v1/events?limit=1")
	var limited []EventEntry
	if err := json.Unmarshal(rec.Body.Bytes(), &limited); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if len(limited) != 1 {
		t.Fatalf("expected 1 event with limit, got %d", len(limited))
	}
	if limited[0].Type != "handshake_reject" {
		t.Errorf("expected most recent event, got %q", limited[0].Type)
	}

	rec = doGet(t, router, "/api/v1/events?limit=bogus")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid limit, got %d", rec.Code)
	}
}

func TestACL_BlocksHealthEndpoint(t *testing.T) {
	// ACL só permite 10.0.0.0/8
	acl := NewACL(mustParseCIDRs("10.0.0.0/8"))
	router := NewRouter(Options{Service: "nfleet-gateway"}, acl)

	req := httptest.NewRequest("GET", "/api/v1/health", nil)
	req.RemoteAddr = "192.168.1.1:12345" // não permitido
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", rec.Code)
	}
}

func TestNotFound_Returns404(t *testing.T) {
	router := NewRouter(Options{Service: "nfleet-gateway"}, localhostACL(t))

	rec := doGet(t, router, "/nonexistent")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	var result []*net.IPNet
	for _, s := range cidrs {
		_, cidr, err := net.ParseCIDR(s)
		if err != nil {
			panic(err)
		}
		result = append(result, cidr)
	}
	return result
}
