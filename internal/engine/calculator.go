// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fleet License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package engine

import (
	"fmt"
	"time"

	"github.com/nishisan-dev/n-fleet/internal/protocol"
	"github.com/nishisan-dev/n-fleet/internal/store"
)

// Context é o contexto de enriquecimento entregue aos calculators junto
// com cada registro. Config pode ser nil quando o dispositivo não tem
// cadastro; State carrega o estado ANTERIOR ao registro corrente e pode
// ser mutado pelos calculators que mantêm campos próprios.
type Context struct {
	Config *store.DeviceConfig
	State  *store.DeviceState
	Now    time.Time
}

// Result agrega os efeitos de um calculator sobre um registro.
type Result struct {
	Metrics    []*store.MetricEvent
	Violations []*store.Violation
}

// Calculator é uma unidade nomeada e versionada do fan-out do engine.
// Process deve ser determinístico em relação ao registro e ao contexto;
// toda escrita em banco fica a cargo do engine, nunca do calculator.
type Calculator interface {
	Name() string
	Version() int
	Process(rec *protocol.Record, ectx *Context) (Result, error)
}

// Rechecker reavalia um registro histórico sem acesso a estado. É o
// contrato usado pelo recompute de violações: calculators com regras
// puras (registro + cadastro) o implementam.
type Rechecker interface {
	Recheck(rec *protocol.Record, cfg *store.DeviceConfig) *store.Violation
}

// Registry é o conjunto de calculators ativos do engine, em ordem fixa
// de execução.
type Registry struct {
	calcs []Calculator
}

// NewRegistry monta um registry validando que não há nomes duplicados.
func NewRegistry(calcs ...Calculator) (*Registry, error) {
	seen := make(map[string]struct{}, len(calcs))
	for _, c := range calcs {
		if c.Name() == "" {
			return nil, fmt.Errorf("calculator with empty name")
		}
		if _, dup := seen[c.Name()]; dup {
			return nil, fmt.Errorf("duplicate calculator %q", c.Name())
		}
		seen[c.Name()] = struct{}{}
	}
	return &Registry{calcs: calcs}, nil
}

// DefaultRegistry retorna o registry com os calculators de produção.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(Overspeed{}, Ignition{}, Mileage{})
	if err != nil {
		panic(err)
	}
	return r
}

// All retorna os calculators na ordem de execução.
func (r *Registry) All() []Calculator {
	return r.calcs
}

// Versions retorna o mapa nome -> versão de fórmula dos calculators
// registrados.
func (r *Registry) Versions() map[string]int {
	out := make(map[string]int, len(r.calcs))
	for _, c := range r.calcs {
		out[c.Name()] = c.Version()
	}
	return out
}

// newMetric preenche os campos comuns de um evento de métrica.
func newMetric(rec *protocol.Record, calculator, metric string, value float64, now time.Time, details map[string]any) *store.MetricEvent {
	return &store.MetricEvent{
		Identity:   rec.Identity,
		Calculator: calculator,
		Metric:     metric,
		Value:      value,
		OccurredAt: rec.Timestamp,
		Details:    details,
		CreatedAt:  now,
	}
}
