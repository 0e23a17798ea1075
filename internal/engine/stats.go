// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fleet License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package engine

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Stats acumula os contadores operacionais do engine. Todos os campos
// são cumulativos desde o boot.
type Stats struct {
	Consumed       atomic.Int64
	Redelivered    atomic.Int64
	Batches        atomic.Int64
	Processed      atomic.Int64
	InvalidSkipped atomic.Int64
	DecodeFailures atomic.Int64

	EnrichHits     atomic.Int64
	EnrichMisses   atomic.Int64
	EnrichFailures atomic.Int64

	MetricsEmitted    atomic.Int64
	ViolationsEmitted atomic.Int64
	CalcErrors        atomic.Int64

	DBRetries        atomic.Int64
	FlushFailures    atomic.Int64
	ShadowSuppressed atomic.Int64

	AlarmsPublished      atomic.Int64
	AlarmPublishFailures atomic.Int64

	Acked        atomic.Int64
	DeadLettered atomic.Int64
	Resubscribes atomic.Int64

	JobsClaimed    atomic.Int64
	JobsDone       atomic.Int64
	JobsFailed     atomic.Int64
	ViewsRefreshed atomic.Int64
}

// StartReporter loga um resumo periódico da atividade do engine. Janelas
// sem tráfego e sem jobs não geram linha de log.
func (s *Stats) StartReporter(ctx context.Context, logger *slog.Logger, interval time.Duration, cacheLen func() int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastConsumed, lastProcessed, lastMetrics, lastViolations, lastJobs int64
	lastTick := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			consumed := s.Consumed.Load()
			processed := s.Processed.Load()
			metrics := s.MetricsEmitted.Load()
			violations := s.ViolationsEmitted.Load()
			jobs := s.JobsDone.Load() + s.JobsFailed.Load()

			dConsumed := consumed - lastConsumed
			dJobs := jobs - lastJobs
			if dConsumed == 0 && dJobs == 0 {
				lastTick = now
				continue
			}
			secs := now.Sub(lastTick).Seconds()

			logger.Info("Engine stats",
				"consumed_rate", rate(dConsumed, secs),
				"processed", processed-lastProcessed,
				"metrics", metrics-lastMetrics,
				"violations", violations-lastViolations,
				"jobs", dJobs,
				"enrich_hits", s.EnrichHits.Load(),
				"enrich_misses", s.EnrichMisses.Load(),
				"cache_len", cacheLen(),
			)

			lastConsumed = consumed
			lastProcessed = processed
			lastMetrics = metrics
			lastViolations = violations
			lastJobs = jobs
			lastTick = now
		}
	}
}

func rate(delta int64, secs float64) float64 {
	if secs <= 0 {
		return 0
	}
	return float64(delta) / secs
}
