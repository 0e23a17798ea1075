// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fleet License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package gateway

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Stats agrega os contadores do Gateway. Todos os campos são acumulados
// (nunca zeram), o que permite exportá-los como counters; o reporter faz a
// diferença entre snapshots para logar as taxas do período.
type Stats struct {
	ActiveConns atomic.Int32

	Handshakes       atomic.Int64
	HandshakeRejects atomic.Int64
	Replaced         atomic.Int64
	Disconnects      atomic.Int64
	IdleCloses       atomic.Int64

	FramesIn       atomic.Int64
	BytesIn        atomic.Int64
	KeepAlives     atomic.Int64
	RecordsIn      atomic.Int64
	InvalidRecords atomic.Int64
	NoFixDropped   atomic.Int64
	AcksOut        atomic.Int64
	ProtocolErrors atomic.Int64

	RecordsPublished atomic.Int64
	PublishRetries   atomic.Int64

	CommandsSent       atomic.Int64
	CommandsFailed     atomic.Int64
	ResponsesIn        atomic.Int64
	ResponsesMatched   atomic.Int64
	ResponsesUnmatched atomic.Int64
	SweepOutboxFailed  atomic.Int64
	SweepNoReply       atomic.Int64
}

type statsSnapshot struct {
	framesIn  int64
	bytesIn   int64
	recordsIn int64
	published int64
	acksOut   int64
	commands  int64
	responses int64
}

func (s *Stats) snapshot() statsSnapshot {
	return statsSnapshot{
		framesIn:  s.FramesIn.Load(),
		bytesIn:   s.BytesIn.Load(),
		recordsIn: s.RecordsIn.Load(),
		published: s.RecordsPublished.Load(),
		acksOut:   s.AcksOut.Load(),
		commands:  s.CommandsSent.Load(),
		responses: s.ResponsesIn.Load(),
	}
}

// StartReporter loga um resumo do período a cada intervalo:
// conexões ativas, frames/registros recebidos, registros publicados,
// profundidade do staging e comandos. Períodos ociosos não geram linha.
func (s *Stats) StartReporter(ctx context.Context, logger *slog.Logger, interval time.Duration, stagingDepth func() int64) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := s.snapshot()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cur := s.snapshot()
			active := s.ActiveConns.Load()
			if active == 0 && cur.framesIn == last.framesIn && cur.published == last.published {
				last = cur
				continue
			}

			secs := interval.Seconds()
			logger.Info("Gateway stats",
				"active_conns", active,
				"frames_in_rate", rate(cur.framesIn-last.framesIn, secs),
				"records_in_rate", rate(cur.recordsIn-last.recordsIn, secs),
				"bytes_in_rate", rate(cur.bytesIn-last.bytesIn, secs),
				"published_rate", rate(cur.published-last.published, secs),
				"staging_depth", stagingDepth(),
				"acks_out", cur.acksOut-last.acksOut,
				"commands_sent", cur.commands-last.commands,
				"responses_in", cur.responses-last.responses,
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
