package pipeline

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Supervisor owns the three worker lifecycles: it ensures the Store schema
// exists, starts the workers, and cancels them on shutdown.
type Supervisor struct {
	store      Store
	scheduler  *PollingScheduler
	scoring    *ScoringDispatcher
	publishing *PublishingDispatcher
	log        zerolog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSupervisor builds a Supervisor over the three already-constructed workers.
func NewSupervisor(store Store, scheduler *PollingScheduler, scoring *ScoringDispatcher, publishing *PublishingDispatcher, log zerolog.Logger) *Supervisor {
	return &Supervisor{
		store:      store,
		scheduler:  scheduler,
		scoring:    scoring,
		publishing: publishing,
		log:        log.With().Str("component", "supervisor").Logger(),
	}
}

// Start ensures the schema exists and arms the three workers as goroutines.
// It returns once the schema bootstrap succeeds; the workers keep running
// until Stop is called.
func (s *Supervisor) Start(ctx context.Context) error {
	if err := s.store.EnsureSchema(ctx); err != nil {
		return err
	}

	workerCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(3)
	go func() {
		defer s.wg.Done()
		s.scheduler.Run(workerCtx)
	}()
	go func() {
		defer s.wg.Done()
		s.scoring.Run(workerCtx)
	}()
	go func() {
		defer s.wg.Done()
		s.publishing.Run(workerCtx)
	}()

	s.log.Info().Msg("pipeline workers started")
	return nil
}

// Stop cancels the workers and waits for them to exit, or for ctx to expire.
func (s *Supervisor) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info().Msg("pipeline workers stopped")
		return nil
	case <-ctx.Done():
		s.log.Warn().Msg("timed out waiting for pipeline workers to stop")
		return ctx.Err()
	}
}
