// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fleet License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package observability

import (
	"sync"
	"time"
)

// EventEntry representa um evento operacional no journal: ciclo de vida de
// conexões do Gateway, comandos e erros de protocolo.
type EventEntry struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"` // info | warn | error
	Type      string `json:"type"`  // connect | disconnect | replaced | handshake_reject | protocol_error | command_sent | command_reply
	Identity  string `json:"identity,omitempty"`
	Message   string `json:"message"`
}

// Journal é o que o resto do sistema precisa do armazenamento de eventos.
// EventRing (só memória) e EventStore (memória + JSONL) implementam ambos.
type Journal interface {
	PushEvent(level, eventType, identity, message string)
	Recent(limit int) []EventEntry
	Len() int
}

// EventRing é um ring buffer thread-safe de eventos operacionais.
// Quando cheio, eventos novos sobrescrevem os mais antigos.
type EventRing struct {
	mu  sync.RWMutex
	buf []EventEntry
	pos int
	cap int
	len int
}

// NewEventRing cria um ring com a capacidade dada (mínimo 1).
func NewEventRing(capacity int) *EventRing {
	if capacity <= 0 {
		capacity = 512
	}
	return &EventRing{
		buf: make([]EventEntry, capacity),
		cap: capacity,
	}
}

// Push adiciona um evento ao ring. Se Timestamp estiver vazio, preenche com o
// horário atual em RFC3339.
func (r *EventRing) Push(e EventEntry) {
	if e.Timestamp == "" {
		e.Timestamp = time.Now().Format(time.RFC3339)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.buf[r.pos] = e
	r.pos = (r.pos + 1) % r.cap
	if r.len < r.cap {
		r.len++
	}
}

// PushEvent é um helper para criar e inserir um evento com os campos comuns.
func (r *EventRing) PushEvent(level, eventType, identity, message string) {
	r.Push(EventEntry{
		Level:    level,
		Type:     eventType,
		Identity: identity,
		Message:  message,
	})
}

// Recent retorna os últimos N eventos em ordem cronológica (mais antigo
// primeiro). Com limit <= 0 retorna tudo que está no ring.
func (r *EventRing) Recent(limit int) []EventEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := r.len
	if limit > 0 && limit < n {
		n = limit
	}
	if n == 0 {
		return []EventEntry{}
	}

	out := make([]EventEntry, 0, n)
	start := (r.pos - n + r.cap) % r.cap
	for i := 0; i < n; i++ {
		out = append(out, r.buf[(start+i)%r.cap])
	}
	return out
}

// Len retorna o número de eventos atualmente no ring.
func (r *EventRing) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.len
}
