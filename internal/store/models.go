// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fleet License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package store

import (
	"time"

	"github.com/uptrace/bun"
)

// Métodos de entrega de comandos. O gateway atende apenas gprs; sms fica a
// cargo de integrações externas que compartilham as mesmas tabelas.
const (
	MethodGPRS = "gprs"
	MethodSMS  = "sms"
)

// Direções de uma entrada de histórico.
const (
	DirectionOutgoing = "outgoing"
	DirectionIncoming = "incoming"
)

// Estados do ciclo de vida de um comando.
const (
	CommandStatusSent       = "sent"
	CommandStatusSuccessful = "successful"
	CommandStatusNoReply    = "no_reply"
	CommandStatusFailed     = "failed"
	CommandStatusReceived   = "received"
)

// CommandOutbox é um comando aguardando entrega, inserido pela API de
// operação. O gateway consome as linhas cujos dispositivos estão conectados
// localmente.
type CommandOutbox struct {
	bun.BaseModel `bun:"table:command_outbox,alias:co"`

	ID         int64     `bun:"id,pk,autoincrement"`
	Identity   string    `bun:"identity,notnull"`
	Method     string    `bun:"method,notnull"`
	Payload    string    `bun:"payload,notnull"`
	ConfigID   int64     `bun:"config_id,nullzero"`
	UserID     int64     `bun:"user_id,nullzero"`
	RetryCount int       `bun:"retry_count"`
	CreatedAt  time.Time `bun:"created_at,notnull"`
}

// CommandSent é um comando já escrito no socket, aguardando a resposta do
// dispositivo até o timeout de réplica.
type CommandSent struct {
	bun.BaseModel `bun:"table:command_sent,alias:cs"`

	ID        int64     `bun:"id,pk,autoincrement"`
	Identity  string    `bun:"identity,notnull"`
	Method    string    `bun:"method,notnull"`
	Payload   string    `bun:"payload,notnull"`
	Status    string    `bun:"status,notnull"`
	CreatedAt time.Time `bun:"created_at,notnull"`
	SentAt    time.Time `bun:"sent_at,nullzero"`
	Error     string    `bun:"error,nullzero"`
}

// CommandHistory registra cada transição do ciclo de vida de comandos, nas
// duas direções.
type CommandHistory struct {
	bun.BaseModel `bun:"table:command_history,alias:ch"`

	ID         int64     `bun:"id,pk,autoincrement"`
	Identity   string    `bun:"identity,notnull"`
	Direction  string    `bun:"direction,notnull"`
	Payload    string    `bun:"payload,notnull"`
	Status     string    `bun:"status,notnull"`
	Method     string    `bun:"method,notnull"`
	CreatedAt  time.Time `bun:"created_at,notnull"`
	SentAt     time.Time `bun:"sent_at,nullzero"`
	ArchivedAt time.Time `bun:"archived_at,nullzero"`
}

// Position é uma linha de telemetria persistida. O fingerprint tem índice
// único e é a barreira durável de deduplicação.
type Position struct {
	bun.BaseModel `bun:"table:positions,alias:p"`

	ID          int64            `bun:"id,pk,autoincrement"`
	Identity    string           `bun:"identity,notnull"`
	Sequence    int64            `bun:"sequence"`
	RecordedAt  time.Time        `bun:"recorded_at,notnull"`
	ReceivedAt  time.Time        `bun:"received_at,notnull"`
	Priority    int16            `bun:"priority"`
	Latitude    float64          `bun:"latitude,notnull"`
	Longitude   float64          `bun:"longitude,notnull"`
	Altitude    int16            `bun:"altitude"`
	Heading     int32            `bun:"heading"`
	Satellites  int16            `bun:"satellites"`
	Speed       int32            `bun:"speed"`
	EventID     int16            `bun:"event_id"`
	Ignition    bool             `bun:"ignition"`
	Mileage     int64            `bun:"mileage"`
	NetworkType string           `bun:"network_type"`
	IO          map[uint8]uint64 `bun:"io,type:jsonb"`
	Fingerprint string           `bun:"fingerprint,notnull,unique"`
	Invalid     bool             `bun:"invalid"`
}

// Violation é uma violação de regra emitida por um calculator.
type Violation struct {
	bun.BaseModel `bun:"table:violations,alias:v"`

	ID             int64          `bun:"id,pk,autoincrement"`
	Identity       string         `bun:"identity,notnull"`
	Tenant         string         `bun:"tenant,nullzero"`
	Calculator     string         `bun:"calculator,notnull"`
	FormulaVersion int            `bun:"formula_version,notnull"`
	Value          float64        `bun:"value"`
	Threshold      float64        `bun:"threshold"`
	OccurredAt     time.Time      `bun:"occurred_at,notnull"`
	Details        map[string]any `bun:"details,type:jsonb"`
	CreatedAt      time.Time      `bun:"created_at,notnull"`
}

// MetricEvent é uma métrica pontual emitida por um calculator.
type MetricEvent struct {
	bun.BaseModel `bun:"table:metric_events,alias:me"`

	ID         int64          `bun:"id,pk,autoincrement"`
	Identity   string         `bun:"identity,notnull"`
	Calculator string         `bun:"calculator,notnull"`
	Metric     string         `bun:"metric,notnull"`
	Value      float64        `bun:"value"`
	OccurredAt time.Time      `bun:"occurred_at,notnull"`
	Details    map[string]any `bun:"details,type:jsonb"`
	CreatedAt  time.Time      `bun:"created_at,notnull"`
}

// DeviceState é o snapshot por dispositivo mantido pelos calculators.
type DeviceState struct {
	bun.BaseModel `bun:"table:device_state,alias:ds"`

	Identity      string    `bun:"identity,pk"`
	LastLatitude  float64   `bun:"last_latitude"`
	LastLongitude float64   `bun:"last_longitude"`
	LastSpeed     int32     `bun:"last_speed"`
	LastIgnition  bool      `bun:"last_ignition"`
	LastMileage   int64     `bun:"last_mileage"`
	LastSeenAt    time.Time `bun:"last_seen_at,nullzero"`
	IgnitionOnAt  time.Time `bun:"ignition_on_at,nullzero"`
	Odometer      int64     `bun:"odometer"`
	UpdatedAt     time.Time `bun:"updated_at,notnull"`
}

// DeviceConfig é o cadastro de um dispositivo, fonte do enriquecimento.
type DeviceConfig struct {
	bun.BaseModel `bun:"table:device_config,alias:dc"`

	Identity   string    `bun:"identity,pk"`
	Tenant     string    `bun:"tenant,nullzero"`
	Label      string    `bun:"label,nullzero"`
	SpeedLimit int32     `bun:"speed_limit"`
	UpdatedAt  time.Time `bun:"updated_at,notnull"`
}

// CatalogEntry guarda a última versão conhecida de cada calculator e seus
// parâmetros. A comparação com as versões registradas em código dispara o
// recompute por mudança de fórmula.
type CatalogEntry struct {
	bun.BaseModel `bun:"table:calculator_catalog,alias:cc"`

	Name      string         `bun:"name,pk"`
	Version   int            `bun:"version,notnull"`
	Enabled   bool           `bun:"enabled,notnull"`
	Params    map[string]any `bun:"params,type:jsonb"`
	UpdatedAt time.Time      `bun:"updated_at,notnull"`
}

// Estados de um job de recálculo.
const (
	JobStatusPending = "pending"
	JobStatusRunning = "running"
	JobStatusDone    = "done"
	JobStatusFailed  = "failed"
)

// Tipos de job reconhecidos pelos workers de recálculo.
const (
	JobRecomputeViolations = "recompute_violations"
	JobRefreshSingleView   = "refresh_single_view"
	JobRefreshAllViews     = "refresh_all_views"
)

// Gatilhos de enfileiramento.
const (
	TriggerManual               = "manual"
	TriggerConfigurationChange  = "configuration_change"
	TriggerFormulaVersionChange = "formula_version_change"
	TriggerScheduled            = "scheduled"
)

// RecalcJob é uma entrada da fila durável de recálculo. Jobs running com
// lease vencido voltam a ser visíveis para claim.
type RecalcJob struct {
	bun.BaseModel `bun:"table:recalculation_queue,alias:rq"`

	ID             int64     `bun:"id,pk,autoincrement"`
	JobKind        string    `bun:"job_kind,notnull"`
	Trigger        string    `bun:"trigger,notnull"`
	Status         string    `bun:"status,notnull"`
	Priority       int       `bun:"priority,notnull"`
	Reason         string    `bun:"reason,nullzero"`
	ScopeIdentity  string    `bun:"scope_identity,nullzero"`
	ScopeTenant    string    `bun:"scope_tenant,nullzero"`
	ScopeDateFrom  time.Time `bun:"scope_date_from,nullzero"`
	ScopeDateTo    time.Time `bun:"scope_date_to,nullzero"`
	ScopeView      string    `bun:"scope_view,nullzero"`
	CreatedAt      time.Time `bun:"created_at,notnull"`
	ClaimedAt      time.Time `bun:"claimed_at,nullzero"`
	LeaseExpiresAt time.Time `bun:"lease_expires_at,nullzero"`
	Error          string    `bun:"error,nullzero"`
}

// Scope delimita o alcance de um job de recálculo. Campos zerados não
// filtram.
type Scope struct {
	Identity string
	Tenant   string
	DateFrom time.Time
	DateTo   time.Time
}

// IsZero informa se o escopo não restringe nada (recálculo global).
func (sc Scope) IsZero() bool {
	return sc.Identity == "" && sc.Tenant == "" && sc.DateFrom.IsZero() && sc.DateTo.IsZero()
}
