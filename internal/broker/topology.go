// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fleet License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package broker

import (
	"fmt"

	"github.com/streadway/amqp"

	"github.com/nishisan-dev/n-fleet/internal/protocol"
)

// Routing keys da exchange principal, uma por classe de registro.
const (
	KeyTelemetry = "telemetry"
	KeyAlarms    = "alarms"
	KeyEvents    = "events"
	KeyRecalc    = "recalc"
)

// KeyViolations é a routing key das notificações de violação emitidas
// pelo engine. Nenhuma fila da topologia faz bind nela; sistemas de
// alerta externos criam as próprias filas.
const KeyViolations = "violations"

// Filas duráveis do pipeline.
const (
	QueueTelemetry       = "nfleet.telemetry"
	QueueAlarms          = "nfleet.alarms"
	QueueEvents          = "nfleet.events"
	QueueEngineTelemetry = "nfleet.engine.telemetry"
	QueueRecalc          = "nfleet.recalc"
)

// DLQSuffix é o sufixo das filas de dead-letter.
const DLQSuffix = ".dlq"

// DLXName retorna o nome da dead-letter exchange derivada da exchange
// principal.
func DLXName(exchange string) string {
	return exchange + ".dlx"
}

// DLQName retorna o nome da fila de dead-letter de uma fila.
func DLQName(queue string) string {
	return queue + DLQSuffix
}

// RoutingKeyFor mapeia a classe de um registro para a routing key de
// publicação. Alarmes e eventos têm filas próprias; todo o resto é
// telemetria.
func RoutingKeyFor(kind protocol.RecordKind) string {
	switch kind {
	case protocol.KindAlarm:
		return KeyAlarms
	case protocol.KindEvent:
		return KeyEvents
	default:
		return KeyTelemetry
	}
}

// queueBindings relaciona cada fila à routing key que a alimenta. A fila do
// engine é um segundo binding da key de telemetria, de modo que persistência
// e cálculo consomem cópias independentes do mesmo fluxo.
var queueBindings = []struct {
	Queue string
	Key   string
}{
	{QueueTelemetry, KeyTelemetry},
	{QueueAlarms, KeyAlarms},
	{QueueEvents, KeyEvents},
	{QueueEngineTelemetry, KeyTelemetry},
	{QueueRecalc, KeyRecalc},
}

// DeclareTopology declara a exchange principal, a DLX, todas as filas com
// seus bindings e as respectivas DLQs. Todas as declarações são duráveis e
// idempotentes; redeclarar uma topologia existente é seguro.
func DeclareTopology(ch *amqp.Channel, exchange string) error {
	if err := ch.ExchangeDeclare(exchange, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declaring exchange %s: %w", exchange, err)
	}

	dlx := DLXName(exchange)
	if err := ch.ExchangeDeclare(dlx, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declaring dead-letter exchange %s: %w", dlx, err)
	}

	for _, b := range queueBindings {
		args := amqp.Table{
			"x-dead-letter-exchange":    dlx,
			"x-dead-letter-routing-key": b.Queue,
		}
		if _, err := ch.QueueDeclare(b.Queue, true, false, false, false, args); err != nil {
			return fmt.Errorf("declaring queue %s: %w", b.Queue, err)
		}
		if err := ch.QueueBind(b.Queue, b.Key, exchange, false, nil); err != nil {
			return fmt.Errorf("binding queue %s to %s: %w", b.Queue, b.Key, err)
		}

		dlq := DLQName(b.Queue)
		if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declaring dead-letter queue %s: %w", dlq, err)
		}
		if err := ch.QueueBind(dlq, b.Queue, dlx, false, nil); err != nil {
			return fmt.Errorf("binding dead-letter queue %s: %w", dlq, err)
		}
	}
	return nil
}
