// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fleet License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package engine

import (
	"github.com/nishisan-dev/n-fleet/internal/protocol"
	"github.com/nishisan-dev/n-fleet/internal/store"
)

// Mileage acumula o hodômetro da frota a partir do delta do contador de
// quilometragem reportado. Deltas negativos indicam reset ou troca do
// dispositivo e são descartados; o próximo registro vira o novo baseline.
type Mileage struct{}

func (Mileage) Name() string { return "mileage" }

func (Mileage) Version() int { return 1 }

func (m Mileage) Process(rec *protocol.Record, ectx *Context) (Result, error) {
	cur := int64(rec.Mileage)
	if cur <= 0 {
		// Dispositivo sem leitura de hodômetro.
		return Result{}, nil
	}
	st := ectx.State
	if st.LastMileage <= 0 {
		// Baseline: o espelho de estado registra LastMileage ao final.
		return Result{}, nil
	}
	delta := cur - st.LastMileage
	if delta <= 0 {
		return Result{}, nil
	}
	st.Odometer += delta
	metric := newMetric(rec, m.Name(), "distance_m", float64(delta), ectx.Now, map[string]any{
		"odometer_m": st.Odometer,
	})
	return Result{Metrics: []*store.MetricEvent{metric}}, nil
}
