// Package reconcile periodically retries billing for completed alerts whose
// bill was never acknowledged by the payment service.
package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"roadside-backend/pkg/logger"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Reconciler re-emits pending bills. It returns how many were acknowledged.
type Reconciler interface {
	ReconcileBilling(ctx context.Context, grace time.Duration, batch int) (int, error)
}

type Scheduler struct {
	cron   *cron.Cron
	job    cron.Job
	target Reconciler
	grace  time.Duration
	batch  int
	log    zerolog.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	startup sync.WaitGroup
}

// New builds a scheduler for a standard 5-field cron expression. Runs never
// overlap; a tick that fires while a pass is in flight is skipped.
func New(target Reconciler, schedule string, grace time.Duration, batch int) (*Scheduler, error) {
	log := logger.New("billing-reconcile")
	s := &Scheduler{
		target: target,
		grace:  grace,
		batch:  batch,
		log:    log,
	}

	cl := cronLogger{log}
	// The startup pass and scheduled ticks share one skip guard.
	s.job = cron.NewChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)).Then(cron.FuncJob(s.tick))
	s.cron = cron.New(cron.WithLogger(cl))
	if _, err := s.cron.AddJob(schedule, s.job); err != nil {
		return nil, fmt.Errorf("invalid reconcile schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Start runs one pass immediately, then follows the schedule until ctx is
// cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.log.Info().Dur("grace", s.grace).Int("batch", s.batch).Msg("starting billing reconciliation")
	s.startup.Add(1)
	go func() {
		defer s.startup.Done()
		s.job.Run()
	}()
	s.cron.Start()
}

// Stop halts the schedule and waits for a running pass to finish or for ctx
// to expire.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	s.mu.Lock()
	if s.cancel != nil {
		defer s.cancel()
	}
	s.mu.Unlock()

	idle := make(chan struct{})
	go func() {
		<-done.Done()
		s.startup.Wait()
		close(idle)
	}()

	select {
	case <-idle:
	case <-ctx.Done():
	}
	s.log.Info().Msg("stopped billing reconciliation")
}

// RunOnce performs a single pass.
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	return s.target.ReconcileBilling(ctx, s.grace, s.batch)
}

func (s *Scheduler) tick() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}

	n, err := s.RunOnce(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("billing reconciliation failed")
		return
	}
	if n > 0 {
		s.log.Info().Int("billed", n).Msg("reconciled pending bills")
	}
}

// cronLogger routes cron's internal logging through zerolog.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
