// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fleet License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package engine

import (
	"time"

	"github.com/nishisan-dev/n-fleet/internal/protocol"
	"github.com/nishisan-dev/n-fleet/internal/store"
)

// Ignition materializa transições de ignição em métricas e mantém no
// estado o timestamp da última partida. A primeira leitura de um
// dispositivo só estabelece o baseline, sem emitir transição.
type Ignition struct{}

func (Ignition) Name() string { return "ignition" }

func (Ignition) Version() int { return 1 }

func (g Ignition) Process(rec *protocol.Record, ectx *Context) (Result, error) {
	st := ectx.State
	var metrics []*store.MetricEvent

	switch {
	case st.LastSeenAt.IsZero():
		// Primeira leitura do dispositivo: sem transição a reportar.
		if rec.Ignition {
			st.IgnitionOnAt = rec.Timestamp
		}
	case rec.Ignition && !st.LastIgnition:
		st.IgnitionOnAt = rec.Timestamp
		metrics = append(metrics, newMetric(rec, g.Name(), "ignition_on", 1, ectx.Now, nil))
	case !rec.Ignition && st.LastIgnition:
		metrics = append(metrics, newMetric(rec, g.Name(), "ignition_off", 1, ectx.Now, nil))
		if !st.IgnitionOnAt.IsZero() {
			dur := rec.Timestamp.Sub(st.IgnitionOnAt)
			if dur > 0 {
				metrics = append(metrics, newMetric(rec, g.Name(), "ignition_duration_seconds", dur.Seconds(), ectx.Now, map[string]any{
					"started_at": st.IgnitionOnAt.Format(time.RFC3339),
					"ended_at":   rec.Timestamp.Format(time.RFC3339),
				}))
			}
			st.IgnitionOnAt = time.Time{}
		}
	}
	return Result{Metrics: metrics}, nil
}
