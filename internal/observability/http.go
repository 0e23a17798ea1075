// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fleet License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nishisan-dev/n-fleet/internal/gateway"
)

// startTime registra quando o processo iniciou (para cálculo de uptime).
var startTime = time.Now()

// Version é preenchida via ldflags no build (-X ...Version=x.y.z).
var Version = "dev"

// probeTimeout limita cada sonda de readiness.
const probeTimeout = 5 * time.Second

// ReadyCheck é uma sonda de dependência externa avaliada por GET /api/v1/ready
// e pelo collector de readiness.
type ReadyCheck struct {
	Name  string
	Probe func(ctx context.Context) error
}

// HealthResponse é retornado por GET /api/v1/health.
type HealthResponse struct {
	Status  string        `json:"status"`
	Service string        `json:"service"`
	Uptime  string        `json:"uptime"`
	Version string        `json:"version"`
	Go      string        `json:"go"`
	Runtime *RuntimeStats `json:"runtime,omitempty"`
}

// RuntimeStats resume o estado do processo no health.
type RuntimeStats struct {
	GoRoutines  int     `json:"goroutines"`
	CPUCores    int     `json:"cpu_cores"`
	HeapAllocMB float64 `json:"heap_alloc_mb"`
}

// ReadyResponse é retornado por GET /api/v1/ready.
type ReadyResponse struct {
	Status string            `json:"status"` // ready | unavailable
	Checks map[string]string `json:"checks"`
}

// Options agrupa o que o router serve. Campos nil desligam o endpoint
// correspondente; cada daemon monta só o que tem.
type Options struct {
	Service     string                    // nome do daemon no health
	Gatherer    prometheus.Gatherer       // registry de GET /metrics
	Checks      []ReadyCheck              // sondas de GET /api/v1/ready
	Connections func() []gateway.ConnInfo // GET /api/v1/connections
	Events      Journal                   // GET /api/v1/events
}

// NewRouter cria o http.Handler da API de observabilidade.
// Aplica o middleware ACL em todas as rotas.
func NewRouter(opts Options, acl *ACL) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/health", makeHealthHandler(opts.Service))
	mux.HandleFunc("GET /api/v1/ready", makeReadyHandler(opts.Checks))
	if opts.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}
	if opts.Connections != nil {
		mux.HandleFunc("GET /api/v1/connections", makeConnectionsHandler(opts.Connections))
	}
	if opts.Events != nil {
		mux.HandleFunc("GET /api/v1/events", makeEventsHandler(opts.Events))
	}

	return acl.Middleware(mux)
}

// makeHealthHandler retorna status do processo, uptime e versão. Liveness
// puro: não toca banco nem broker.
func makeHealthHandler(service string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)

		resp := HealthResponse{
			Status:  "ok",
			Service: service,
			Uptime:  time.Since(startTime).String(),
			Version: Version,
			Go:      runtime.Version(),
			Runtime: &RuntimeStats{
				GoRoutines:  runtime.NumGoroutine(),
				CPUCores:    runtime.NumCPU(),
				HeapAllocMB: float64(ms.HeapAlloc) / (1024 * 1024),
			},
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// makeReadyHandler sonda as dependências externas. Qualquer falha responde
// 503 para o balanceador tirar a instância da rotação.
func makeReadyHandler(checks []ReadyCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := ReadyResponse{Status: "ready", Checks: make(map[string]string, len(checks))}
		status := http.StatusOK

		for _, check := range checks {
			ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
			err := check.Probe(ctx)
			cancel()
			if err != nil {
				resp.Status = "unavailable"
				resp.Checks[check.Name] = err.Error()
				status = http.StatusServiceUnavailable
				continue
			}
			resp.Checks[check.Name] = "ok"
		}
		writeJSON(w, status, resp)
	}
}

// makeConnectionsHandler serve a visão corrente da tabela de conexões.
func makeConnectionsHandler(connections func() []gateway.ConnInfo) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, connections())
	}
}

// makeEventsHandler serve os eventos recentes do journal em ordem
// cronológica; ?limit=N restringe aos últimos N.
func makeEventsHandler(events Journal) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 0
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				http.Error(w, "invalid limit", http.StatusBadRequest)
				return
			}
			limit = n
		}
		writeJSON(w, http.StatusOK, events.Recent(limit))
	}
}

// writeJSON serializa v como JSON e envia com status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}
