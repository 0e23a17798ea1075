// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fleet License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package protocol implementa o protocolo binário dos rastreadores GPS/MDVR:
// handshake de identidade, frames de telemetria (codec de dados) e frames de
// comando/resposta (codec de comando) sobre TCP.
package protocol

import (
	"errors"
	"time"
)

// Codec ids transportados no primeiro byte da região de dados de um frame.
const (
	CodecData    byte = 0x08 // telemetria (posições, I/O)
	CodecCommand byte = 0x0C // comando texto e resposta do dispositivo
)

// Tipos de mensagem dentro do codec de comando.
const (
	CommandTypeRequest  byte = 0x05 // Gateway → dispositivo
	CommandTypeResponse byte = 0x06 // dispositivo → Gateway
)

// Resposta de handshake (Gateway → dispositivo).
const (
	HandshakeAccept byte = 0x01
	HandshakeReject byte = 0x00
)

// IdentityLen é o tamanho exato da identidade numérica do dispositivo.
const IdentityLen = 15

// MaxDataLen limita a região de dados de um frame. Frames maiores indicam
// stream corrompido e são fatais para a conexão.
const MaxDataLen = 64 * 1024

// Erros do protocolo.
var (
	ErrInvalidPreamble  = errors.New("protocol: invalid frame preamble")
	ErrInvalidIdentity  = errors.New("protocol: identity must be exactly 15 digits")
	ErrFrameTooLarge    = errors.New("protocol: frame exceeds max data length")
	ErrCRCMismatch      = errors.New("protocol: crc mismatch")
	ErrTruncatedFrame   = errors.New("protocol: truncated frame")
	ErrUnknownCodec     = errors.New("protocol: unknown codec id")
	ErrRecordCount      = errors.New("protocol: record count trailer mismatch")
	ErrCommandQuantity  = errors.New("protocol: unsupported command quantity")
	ErrEmptyCommand     = errors.New("protocol: empty command payload")
	ErrInvalidFixValues = errors.New("protocol: position out of representable range")
)

// Frame é uma região de dados já validada (preamble, tamanho e CRC conferidos).
// Data inclui o byte de codec; KeepAlive indica frame de tamanho zero.
type Frame struct {
	Codec     byte
	Data      []byte // região completa, Data[0] == Codec quando !KeepAlive
	KeepAlive bool
}

// Position é a leitura GNSS de um registro.
type Position struct {
	Latitude   float64 `json:"lat"`
	Longitude  float64 `json:"lon"`
	Altitude   int16   `json:"alt"`
	Heading    uint16  `json:"heading"`
	Speed      uint16  `json:"speed"`
	Satellites uint8   `json:"sats"`
}

// NoFix informa se a leitura deve ser tratada como "sem fix" (descartada
// antes da publicação): latitude E longitude com módulo menor que 0.1.
func (p Position) NoFix() bool {
	return p.Latitude > -0.1 && p.Latitude < 0.1 &&
		p.Longitude > -0.1 && p.Longitude < 0.1
}

// Record é um registro de telemetria decodificado do codec de dados.
// Identity e Sequence são preenchidos pelo Gateway após o decode.
type Record struct {
	Identity    string           `json:"identity"`
	Sequence    uint64           `json:"sequence"`
	Timestamp   time.Time        `json:"timestamp"` // normalizado para UTC
	Priority    uint8            `json:"priority"`
	Position    Position         `json:"position"`
	IO          map[uint8]uint64 `json:"io,omitempty"`
	EventID     uint8            `json:"event_id"`
	Ignition    bool             `json:"ignition"`
	Mileage     uint64           `json:"mileage"`
	NetworkType string           `json:"network_type"`
	Fingerprint string           `json:"fingerprint"`
	// Invalid marca timestamp fora dos limites plausíveis. O registro ainda é
	// emitido para observabilidade; filtros seguintes podem descartá-lo.
	Invalid bool `json:"invalid,omitempty"`
}

// RecordKind é a fila de destino de um registro no broker.
type RecordKind string

const (
	KindTelemetry RecordKind = "telemetry"
	KindAlarm     RecordKind = "alarms"
	KindEvent     RecordKind = "events"
)

// Prioridade mínima a partir da qual um registro é tratado como alarme.
const alarmPriority = 2

// Kind classifica o registro: prioridade alta vira alarme, registro com
// event id de I/O vira evento, o restante é telemetria pura.
func (r *Record) Kind() RecordKind {
	switch {
	case r.Priority >= alarmPriority:
		return KindAlarm
	case r.EventID != 0:
		return KindEvent
	default:
		return KindTelemetry
	}
}

// AlarmKind é o classificador de alarme: o canal de I/O que disparou o
// registro. Só tem significado quando Kind() == KindAlarm.
func (r *Record) AlarmKind() uint8 { return r.EventID }

// Severity é a severidade de um alarme (a prioridade do registro).
func (r *Record) Severity() uint8 { return r.Priority }

// Command é um comando ou resposta transportado no codec de comando.
type Command struct {
	Type    byte
	Payload string
}

// ValidateIdentity confere o formato da identidade: exatamente 15 dígitos.
func ValidateIdentity(identity string) error {
	if len(identity) != IdentityLen {
		return ErrInvalidIdentity
	}
	for i := 0; i < len(identity); i++ {
		if identity[i] < '0' || identity[i] > '9' {
			return ErrInvalidIdentity
		}
	}
	return nil
}
