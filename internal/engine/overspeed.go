// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fleet License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package engine

import (
	"time"

	"github.com/nishisan-dev/n-fleet/internal/protocol"
	"github.com/nishisan-dev/n-fleet/internal/store"
)

// Overspeed emite uma violação quando a velocidade reportada excede o
// limite cadastrado do dispositivo. Dispositivo sem cadastro ou sem
// limite configurado não é avaliado.
type Overspeed struct{}

func (Overspeed) Name() string { return "overspeed" }

func (Overspeed) Version() int { return 1 }

func (o Overspeed) Process(rec *protocol.Record, ectx *Context) (Result, error) {
	v := o.check(rec, ectx.Config, ectx.Now)
	if v == nil {
		return Result{}, nil
	}
	return Result{Violations: []*store.Violation{v}}, nil
}

// Recheck reavalia um registro histórico. A regra depende só do registro
// e do cadastro, então a reavaliação é idêntica ao processamento online.
func (o Overspeed) Recheck(rec *protocol.Record, cfg *store.DeviceConfig) *store.Violation {
	return o.check(rec, cfg, time.Now().UTC())
}

func (o Overspeed) check(rec *protocol.Record, cfg *store.DeviceConfig, now time.Time) *store.Violation {
	if cfg == nil || cfg.SpeedLimit <= 0 {
		return nil
	}
	speed := int32(rec.Position.Speed)
	if speed <= cfg.SpeedLimit {
		return nil
	}
	return &store.Violation{
		Identity:       rec.Identity,
		Tenant:         cfg.Tenant,
		Calculator:     o.Name(),
		FormulaVersion: o.Version(),
		Value:          float64(speed),
		Threshold:      float64(cfg.SpeedLimit),
		OccurredAt:     rec.Timestamp,
		Details: map[string]any{
			"speed":       speed,
			"speed_limit": cfg.SpeedLimit,
			"latitude":    rec.Position.Latitude,
			"longitude":   rec.Position.Longitude,
		},
		CreatedAt: now,
	}
}
