// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fleet License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package consumer

import (
	"strconv"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Dedup é a barreira L1 de deduplicação: um conjunto LRU limitado, em
// processo, consultado antes do insert. A barreira L2 é o índice único de
// fingerprint no banco.
//
// Uma chave só entra no conjunto depois do commit do lote que a gravou.
// Entrar antes perderia dados: um hit de L1 descarta o registro, então a
// presença da chave precisa implicar presença no banco.
type Dedup struct {
	cache *lru.Cache[string, struct{}]
}

// NewDedup cria a barreira L1 com a capacidade dada.
func NewDedup(size int) (*Dedup, error) {
	cache, err := lru.New[string, struct{}](size)
	if err != nil {
		return nil, err
	}
	return &Dedup{cache: cache}, nil
}

// Seen consulta a chave sem inserir. Um hit promove a entrada na ordem LRU.
func (d *Dedup) Seen(key string) bool {
	_, ok := d.cache.Get(key)
	return ok
}

// Commit insere as chaves de um lote gravado com sucesso.
func (d *Dedup) Commit(keys []string) {
	for _, k := range keys {
		d.cache.Add(k, struct{}{})
	}
}

// Len retorna o número de chaves retidas.
func (d *Dedup) Len() int {
	return d.cache.Len()
}

// dedupKey monta a chave L1 de um registro: identidade, timestamp do
// dispositivo em milissegundos (a precisão do wire) e fingerprint do span.
func dedupKey(identity string, ts time.Time, fingerprint string) string {
	return identity + "|" + strconv.FormatInt(ts.UnixMilli(), 10) + "|" + fingerprint
}
