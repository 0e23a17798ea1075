// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fleet License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package store é a camada de persistência: abre o pool Postgres via
// bun/pgdriver e implementa as operações transacionais do pipeline
// (comandos, telemetria, fila de recálculo, estado do engine).
package store

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"github.com/nishisan-dev/n-fleet/internal/config"
)

// Store encapsula o acesso ao banco. Seguro para uso concorrente; o pool
// subjacente é gerenciado por database/sql.
type Store struct {
	db     *bun.DB
	logger *slog.Logger
}

// Open cria o pool de conexões a partir da configuração e retorna o Store.
// A conexão não é verificada aqui; use Ping para o probe de readiness.
func Open(cfg config.DatabaseInfo, logger *slog.Logger) *Store {
	sqldb := sql.OpenDB(pgdriver.NewConnector(
		pgdriver.WithNetwork("tcp"),
		pgdriver.WithAddr(cfg.Addr()),
		pgdriver.WithInsecure(true),
		pgdriver.WithUser(cfg.User),
		pgdriver.WithPassword(cfg.Password),
		pgdriver.WithDatabase(cfg.Name),
		pgdriver.WithApplicationName("n-fleet"),
	))
	sqldb.SetMaxOpenConns(cfg.PoolMax)
	sqldb.SetMaxIdleConns(cfg.PoolMin)
	sqldb.SetConnMaxIdleTime(5 * time.Minute)

	return NewWithDB(sqldb, logger)
}

// NewWithDB monta o Store sobre um *sql.DB já construído. Usado pelos
// testes com driver mock.
func NewWithDB(sqldb *sql.DB, logger *slog.Logger) *Store {
	return &Store{
		db:     bun.NewDB(sqldb, pgdialect.New()),
		logger: logger.With("component", "store"),
	}
}

// Ping verifica a conectividade com o banco.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close fecha o pool.
func (s *Store) Close() error {
	return s.db.Close()
}
