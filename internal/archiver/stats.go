// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fleet License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package archiver

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Stats agrega os contadores do Archiver. Todos os campos são acumulados
// (nunca zeram); o reporter faz a diferença entre snapshots.
type Stats struct {
	Archived       atomic.Int64
	SegmentsClosed atomic.Int64
	Uploads        atomic.Int64
	UploadFailures atomic.Int64
	SpoolFailures  atomic.Int64
	Requeued       atomic.Int64
	Resubscribes   atomic.Int64
}

type statsSnapshot struct {
	archived    int64
	closed      int64
	uploads     int64
	uploadFails int64
	spoolFails  int64
}

func (s *Stats) snapshot() statsSnapshot {
	return statsSnapshot{
		archived:    s.Archived.Load(),
		closed:      s.SegmentsClosed.Load(),
		uploads:     s.Uploads.Load(),
		uploadFails: s.UploadFailures.Load(),
		spoolFails:  s.SpoolFailures.Load(),
	}
}

// StartReporter loga um resumo do período a cada intervalo. DLQs saudáveis
// ficam vazias, então períodos sem movimento não geram linha.
func (s *Stats) StartReporter(ctx context.Context, logger *slog.Logger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := s.snapshot()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cur := s.snapshot()
			if cur == last {
				continue
			}
			logger.Info("Archiver stats",
				"archived", cur.archived-last.archived,
				"segments_closed", cur.closed-last.closed,
				"uploads", cur.uploads-last.uploads,
				"upload_failures", cur.uploadFails-last.uploadFails,
				"spool_failures", cur.spoolFails-last.spoolFails,
			)
			last = cur
		}
	}
}
