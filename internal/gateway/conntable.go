// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fleet License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package gateway

import (
	"errors"
	"io"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nishisan-dev/n-fleet/internal/protocol"
)

// Estados de uma conexão de dispositivo.
const (
	StateAwaitingHandshake = "awaiting_handshake"
	StateAuthenticated     = "authenticated"
	StateStreaming         = "streaming"
	StateClosing           = "closing"
)

// ErrTableFull indica que a tabela atingiu max_concurrent_connections.
var ErrTableFull = errors.New("gateway: connection table full")

// Timeout de escrita no socket do dispositivo (acks, replies e comandos).
const socketWriteTimeout = 10 * time.Second

// Conn é o registro de uma conexão autenticada: o write handle do socket e
// os metadados consultados pela tabela e pelo caminho de comandos.
type Conn struct {
	identity string
	remote   string
	connID   string
	created  time.Time

	netConn net.Conn

	// lastSeen é UnixNano; atualizado a cada frame, sem lock da tabela.
	lastSeen atomic.Int64
	state    atomic.Value // string

	// writeMu serializa todas as escritas no socket: os acks do read loop
	// e os comandos do sender compartilham o mesmo handle.
	writeMu sync.Mutex

	closeOnce sync.Once
	trace     io.Closer // trace por conexão, fechado junto com o socket
}

func newConn(identity, connID string, nc net.Conn, now time.Time) *Conn {
	c := &Conn{
		identity: identity,
		remote:   nc.RemoteAddr().String(),
		connID:   connID,
		created:  now,
		netConn:  nc,
	}
	c.state.Store(StateAuthenticated)
	c.lastSeen.Store(now.UnixNano())
	return c
}

// Identity retorna a identidade autenticada da conexão.
func (c *Conn) Identity() string { return c.identity }

// Remote retorna o endereço remoto do socket.
func (c *Conn) Remote() string { return c.remote }

// ID retorna o identificador da conexão (usado em logs e no trace).
func (c *Conn) ID() string { return c.connID }

// State retorna o estado corrente da máquina de estados da conexão.
func (c *Conn) State() string { return c.state.Load().(string) }

func (c *Conn) setState(s string) { c.state.Store(s) }

// Touch registra atividade na conexão.
func (c *Conn) Touch(now time.Time) { c.lastSeen.Store(now.UnixNano()) }

// LastSeen retorna o instante do último frame recebido.
func (c *Conn) LastSeen() time.Time { return time.Unix(0, c.lastSeen.Load()) }

// WriteDataAck escreve a contagem de registros aceitos de um frame de dados.
func (c *Conn) WriteDataAck(count uint32) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.netConn.SetWriteDeadline(time.Now().Add(socketWriteTimeout))
	return protocol.WriteDataAck(c.netConn, count)
}

// WriteCommand envia um comando texto ao dispositivo.
func (c *Conn) WriteCommand(payload string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.netConn.SetWriteDeadline(time.Now().Add(socketWriteTimeout))
	return protocol.WriteCommandFrame(c.netConn, protocol.CommandTypeRequest, payload)
}

// Close fecha o socket e o trace da conexão. Idempotente: a conexão pode
// ser fechada pelo read loop, pelo sweep ou por uma substituição.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.setState(StateClosing)
		c.netConn.Close()
		if c.trace != nil {
			c.trace.Close()
		}
	})
}

// ConnInfo é a visão de uma conexão exposta pela API de observabilidade.
type ConnInfo struct {
	Identity    string    `json:"identity"`
	Remote      string    `json:"remote"`
	State       string    `json:"state"`
	ConnectedAt time.Time `json:"connected_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}

// Table é a tabela de conexões: a fonte única da verdade sobre "este
// dispositivo está conectado neste Gateway?". No máximo uma conexão por
// identidade; registrar outra substitui e devolve a anterior. O mutex
// protege apenas o mapa; nenhuma operação de socket acontece com ele held.
type Table struct {
	mu       sync.Mutex
	conns    map[string]*Conn
	capacity int
}

// NewTable cria a tabela com o limite de conexões simultâneas.
func NewTable(capacity int) *Table {
	return &Table{
		conns:    make(map[string]*Conn),
		capacity: capacity,
	}
}

// Register instala c como a conexão corrente da identidade. Retorna a
// conexão substituída, se houver, para o chamador fechar fora do lock.
// Retorna ErrTableFull se a tabela está no limite e a identidade é nova.
func (t *Table) Register(c *Conn) (*Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	old := t.conns[c.identity]
	if old == nil && len(t.conns) >= t.capacity {
		return nil, ErrTableFull
	}
	t.conns[c.identity] = c
	return old, nil
}

// Remove retira c da tabela se ainda for a conexão corrente da identidade.
// Uma conexão que foi substituída não remove a substituta.
func (t *Table) Remove(c *Conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if cur, ok := t.conns[c.identity]; ok && cur == c {
		delete(t.conns, c.identity)
		return true
	}
	return false
}

// Lookup retorna a conexão corrente da identidade, se conectada.
func (t *Table) Lookup(identity string) (*Conn, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.conns[identity]
	return c, ok
}

// Len retorna o número de conexões registradas.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

// Identities retorna o conjunto de identidades conectadas. O poller de
// comandos filtra o outbox por este conjunto.
func (t *Table) Identities() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := make([]string, 0, len(t.conns))
	for id := range t.conns {
		ids = append(ids, id)
	}
	return ids
}

// Sweep remove e devolve as conexões sem atividade há mais de maxIdle.
// O fechamento fica com o chamador, fora do lock.
func (t *Table) Sweep(maxIdle time.Duration, now time.Time) []*Conn {
	t.mu.Lock()
	defer t.mu.Unlock()

	var idle []*Conn
	for id, c := range t.conns {
		if now.Sub(c.LastSeen()) > maxIdle {
			delete(t.conns, id)
			idle = append(idle, c)
		}
	}
	return idle
}

// CloseAll esvazia a tabela e devolve todas as conexões para fechamento.
// Hook de shutdown.
func (t *Table) CloseAll() []*Conn {
	t.mu.Lock()
	defer t.mu.Unlock()

	all := make([]*Conn, 0, len(t.conns))
	for _, c := range t.conns {
		all = append(all, c)
	}
	t.conns = make(map[string]*Conn)
	return all
}

// Snapshot devolve uma visão ordenada das conexões para a API de
// observabilidade.
func (t *Table) Snapshot() []ConnInfo {
	t.mu.Lock()
	infos := make([]ConnInfo, 0, len(t.conns))
	for _, c := range t.conns {
		infos = append(infos, ConnInfo{
			Identity:    c.identity,
			Remote:      c.remote,
			State:       c.State(),
			ConnectedAt: c.created,
			LastSeenAt:  c.LastSeen(),
		})
	}
	t.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].Identity < infos[j].Identity })
	return infos
}
