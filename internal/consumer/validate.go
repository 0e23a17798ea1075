// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fleet License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package consumer

import (
	"time"

	"github.com/nishisan-dev/n-fleet/internal/protocol"
	"github.com/nishisan-dev/n-fleet/internal/store"
)

// Razões de dead-letter publicadas no header x-reason.
const (
	ReasonMissingIdentity  = "missing_identity"
	ReasonInvalidTimestamp = "invalid_timestamp"
	ReasonInvalidPosition  = "invalid_position"
	ReasonDecodeFailure    = "decode_failure"
	ReasonDBWriteFailure   = "db_write_failure"
)

// rejection é o diagnóstico de um registro recusado pelo validator. Field
// vai no header x-field da mensagem dead-letter.
type rejection struct {
	Reason string
	Field  string
}

// validateRecord aplica as barreiras de faixa do pipeline. Retorna nil para
// registros aceitáveis. Registros com a flag invalid (timestamp implausível
// marcado no decode) passam: eles são persistidos marcados e filtrados nas
// consultas, não rejeitados.
func validateRecord(rec *protocol.Record) *rejection {
	if rec.Identity == "" {
		return &rejection{Reason: ReasonMissingIdentity, Field: "identity"}
	}
	if rec.Timestamp.IsZero() {
		return &rejection{Reason: ReasonInvalidTimestamp, Field: "timestamp"}
	}
	if rec.Position.Latitude < -90 || rec.Position.Latitude > 90 {
		return &rejection{Reason: ReasonInvalidPosition, Field: "latitude"}
	}
	if rec.Position.Longitude < -180 || rec.Position.Longitude > 180 {
		return &rejection{Reason: ReasonInvalidPosition, Field: "longitude"}
	}
	return nil
}

// toPosition converte um registro do wire na linha de telemetria. receivedAt
// vem do timestamp de publicação da mensagem; o fallback é o relógio local.
func toPosition(rec *protocol.Record, receivedAt time.Time) *store.Position {
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}
	return &store.Position{
		Identity:    rec.Identity,
		Sequence:    int64(rec.Sequence),
		RecordedAt:  rec.Timestamp,
		ReceivedAt:  receivedAt.UTC(),
		Priority:    int16(rec.Priority),
		Latitude:    rec.Position.Latitude,
		Longitude:   rec.Position.Longitude,
		Altitude:    rec.Position.Altitude,
		Heading:     int32(rec.Position.Heading),
		Satellites:  int16(rec.Position.Satellites),
		Speed:       int32(rec.Position.Speed),
		EventID:     int16(rec.EventID),
		Ignition:    rec.Ignition,
		Mileage:     int64(rec.Mileage),
		NetworkType: rec.NetworkType,
		IO:          rec.IO,
		Fingerprint: rec.Fingerprint,
		Invalid:     rec.Invalid,
	}
}
