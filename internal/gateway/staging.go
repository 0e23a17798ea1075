// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fleet License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package gateway

import (
	"errors"
	"sync"

	"github.com/nishisan-dev/n-fleet/internal/protocol"
)

// Erros do staging ring.
var (
	ErrStagingClosed = errors.New("gateway: staging closed")
	ErrOffsetExpired = errors.New("gateway: offset no longer staged")
	ErrBatchTooLarge = errors.New("gateway: batch larger than staging capacity")
)

// Staging é o ring de registros entre os read loops das conexões e o
// publisher. Os decoders escrevem via Append() (bloqueia quando cheio,
// backpressure sobre as leituras de rede). O publisher lê via Next() a
// partir de offsets absolutos e avança o tail via Advance() somente depois
// do confirm do broker; queda do broker reapresenta o que ainda está no ring.
type Staging struct {
	buf  []protocol.Record
	size int64

	// Offsets absolutos no stream de registros (nunca resetam)
	head int64 // próxima posição de escrita
	tail int64 // posição mais antiga ainda no ring (avançada por Advance)

	// paused segura os produtores depois de um cheio até o ring drenar
	// abaixo da marca baixa, evitando flapping do backpressure.
	paused   bool
	lowWater int64

	closed   bool
	mu       sync.Mutex
	notFull  sync.Cond
	notEmpty sync.Cond
}

// NewStaging cria um staging ring com capacidade para size registros.
func NewStaging(size int) *Staging {
	st := &Staging{
		buf:      make([]protocol.Record, size),
		size:     int64(size),
		lowWater: int64(size) / 2,
	}
	st.notFull.L = &st.mu
	st.notEmpty.L = &st.mu
	return st
}

// Append adiciona os registros ao ring na ordem dada. Bloqueia enquanto não
// há espaço (backpressure). Retorna ErrStagingClosed se o ring foi fechado.
func (st *Staging) Append(recs []protocol.Record) error {
	if int64(len(recs)) > st.size {
		return ErrBatchTooLarge
	}

	written := 0
	for written < len(recs) {
		st.mu.Lock()

		// Espera até ter espaço ou ser fechado
		for st.writable() == 0 && !st.closed {
			st.notFull.Wait()
		}

		if st.closed {
			st.mu.Unlock()
			return ErrStagingClosed
		}

		chunk := len(recs) - written
		if avail := st.writable(); int64(chunk) > avail {
			chunk = int(avail)
		}

		for i := 0; i < chunk; i++ {
			st.buf[(st.head+int64(i))%st.size] = recs[written+i]
		}
		st.head += int64(chunk)
		written += chunk

		st.notEmpty.Broadcast()
		st.mu.Unlock()
	}

	return nil
}

// Next devolve até max registros a partir do offset absoluto dado,
// bloqueando até haver dados. Não avança o tail: o batch continua staged
// até Advance. Com o ring fechado e drenado retorna ErrStagingClosed.
func (st *Staging) Next(offset int64, max int) ([]protocol.Record, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if offset < st.tail {
		return nil, ErrOffsetExpired
	}

	for offset >= st.head && !st.closed {
		st.notEmpty.Wait()
	}

	if offset >= st.head {
		return nil, ErrStagingClosed
	}

	n := int(st.head - offset)
	if n > max {
		n = max
	}

	out := make([]protocol.Record, n)
	for i := 0; i < n; i++ {
		out[i] = st.buf[(offset+int64(i))%st.size]
	}
	return out, nil
}

// Advance move o tail para o offset dado, liberando espaço. Chamado quando
// o broker confirma a publicação de tudo abaixo do offset.
func (st *Staging) Advance(offset int64) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if offset > st.tail {
		if offset > st.head {
			offset = st.head // não avança além do que foi escrito
		}
		st.tail = offset
		st.notFull.Broadcast()
	}
}

// Depth retorna quantos registros aguardam confirm no ring.
func (st *Staging) Depth() int64 {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.head - st.tail
}

// Tail retorna o offset absoluto do registro mais antigo ainda no ring.
func (st *Staging) Tail() int64 {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.tail
}

// Head retorna o offset absoluto da próxima posição de escrita.
func (st *Staging) Head() int64 {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.head
}

// Close fecha o ring. Append retorna erro; Next entrega o restante e então
// retorna ErrStagingClosed, permitindo o drain no shutdown.
func (st *Staging) Close() {
	st.mu.Lock()
	defer st.mu.Unlock()

	st.closed = true
	st.notFull.Broadcast()
	st.notEmpty.Broadcast()
}

// writable retorna quanto pode ser escrito respeitando a histerese: depois
// de encher, os produtores só retomam quando o ring drena até a marca
// baixa. Deve ser chamada com st.mu held.
func (st *Staging) writable() int64 {
	depth := st.head - st.tail
	avail := st.size - depth
	if avail == 0 {
		st.paused = true
	}
	if st.paused && depth > st.lowWater {
		return 0
	}
	st.paused = false
	return avail
}
