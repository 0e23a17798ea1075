// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fleet License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package consumer

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Stats agrega os contadores do Consumer. Todos os campos são acumulados
// (nunca zeram); o reporter faz a diferença entre snapshots para logar as
// taxas do período.
type Stats struct {
	Consumed     atomic.Int64
	Redelivered  atomic.Int64
	Batches      atomic.Int64
	Inserted     atomic.Int64
	DedupL1      atomic.Int64
	DedupL2      atomic.Int64
	Acked        atomic.Int64
	Resubscribes atomic.Int64

	RejectedIdentity  atomic.Int64
	RejectedTimestamp atomic.Int64
	RejectedPosition  atomic.Int64
	DecodeFailures    atomic.Int64
	DeadLettered      atomic.Int64
	NackFallbacks     atomic.Int64

	WriteRetries  atomic.Int64
	WriteFailures atomic.Int64
}

// countRejection incrementa o contador do campo recusado pelo validator.
func (s *Stats) countRejection(field string) {
	switch field {
	case "identity":
		s.RejectedIdentity.Add(1)
	case "timestamp":
		s.RejectedTimestamp.Add(1)
	default:
		s.RejectedPosition.Add(1)
	}
}

// rejected soma as recusas de validação.
func (s *Stats) rejected() int64 {
	return s.RejectedIdentity.Load() + s.RejectedTimestamp.Load() + s.RejectedPosition.Load()
}

type statsSnapshot struct {
	consumed int64
	inserted int64
	dedup    int64
	rejected int64
	dead     int64
	acked    int64
}

func (s *Stats) snapshot() statsSnapshot {
	return statsSnapshot{
		consumed: s.Consumed.Load(),
		inserted: s.Inserted.Load(),
		dedup:    s.DedupL1.Load() + s.DedupL2.Load(),
		rejected: s.rejected(),
		dead:     s.DeadLettered.Load(),
		acked:    s.Acked.Load(),
	}
}

// StartReporter loga um resumo do período a cada intervalo. Períodos sem
// consumo não geram linha.
func (s *Stats) StartReporter(ctx context.Context, logger *slog.Logger, interval time.Duration, dedupLen func() int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := s.snapshot()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cur := s.snapshot()
			if cur.consumed == last.consumed && cur.inserted == last.inserted {
				last = cur
				continue
			}

			secs := interval.Seconds()
			logger.Info("Consumer stats",
				"consumed_rate", rate(cur.consumed-last.consumed, secs),
				"inserted_rate", rate(cur.inserted-last.inserted, secs),
				"dedup_dropped", cur.dedup-last.dedup,
				"rejected", cur.rejected-last.rejected,
				"dead_lettered", cur.dead-last.dead,
				"acked", cur.acked-last.acked,
				"dedup_len", dedupLen(),
			)
			last = cur
		}
	}
}

// rate formata um delta por período como taxa por segundo.
func rate(delta int64, secs float64) float64 {
	if secs <= 0 {
		return 0
	}
	return float64(delta) / secs
}
