package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// scheduleEnqueueTimeout limita a escrita do job agendado no banco.
const scheduleEnqueueTimeout = 30 * time.Second

// Scheduler enfileira periodicamente o refresh das views derivadas via
// cron expression.
type Scheduler struct {
	cron      *cron.Cron
	logger    *slog.Logger
	enqueueFn func(ctx context.Context) error
	mu        sync.Mutex // garante apenas um enqueue por vez
	running   bool
}

// NewScheduler cria um Scheduler que dispara fn a cada intervalo.
func NewScheduler(interval time.Duration, logger *slog.Logger, fn func(ctx context.Context) error) (*Scheduler, error) {
	s := &Scheduler{
		logger:    logger,
		enqueueFn: fn,
	}

	c := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelDebug))))
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", interval), s.execute); err != nil {
		return nil, err
	}

	s.cron = c
	return s, nil
}

// Start inicia o scheduler.
func (s *Scheduler) Start() {
	s.logger.Info("view refresh scheduler started")
	s.cron.Start()
}

// Stop para o scheduler e aguarda execuções em andamento.
func (s *Scheduler) Stop(ctx context.Context) {
	s.logger.Info("view refresh scheduler stopping")
	stopCtx := s.cron.Stop()

	select {
	case <-stopCtx.Done():
		s.logger.Info("view refresh scheduler stopped gracefully")
	case <-ctx.Done():
		s.logger.Warn("view refresh scheduler stop timed out")
	}
}

func (s *Scheduler) execute() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Warn("scheduled refresh already running, skipping execution")
		return
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), scheduleEnqueueTimeout)
	defer cancel()

	s.logger.Info("scheduled view refresh triggered")
	if err := s.enqueueFn(ctx); err != nil {
		s.logger.Error("scheduled refresh enqueue failed", "error", err)
	}
}
