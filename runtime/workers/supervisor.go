package workers

import (
	"campus-chat/contract"
	"campus-chat/errors"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const waitTimeBeforeRestart = 200 * time.Millisecond

// Supervisor owns the context of its workers.
// Each worker runs in its own goroutine, a panic or an error restarts it,
// a nil return ends it for good. Canceling the parent context stops them all.
type Supervisor struct {
	Cancel   context.CancelFunc
	wg       *sync.WaitGroup
	log      *slog.Logger
	workers  []contract.Worker
	mu       sync.Mutex
	restarts map[string]int
}

func NewSupervisor(log *slog.Logger) *Supervisor {
	return &Supervisor{wg: &sync.WaitGroup{}, log: log, restarts: make(map[string]int)}
}

// Run blocks until every worker has returned.
// Canceling the parent cancels the workers, calling Stop cancels only them.
func (s *Supervisor) Run(ctx context.Context) {
	supervisedCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.Cancel = cancel
	s.mu.Unlock()
	defer cancel()

	for _, worker := range s.workers {
		s.Start(supervisedCtx, worker)
	}
	s.wg.Wait()
}

func (s *Supervisor) Add(worker ...contract.Worker) contract.ISupervisor {
	s.workers = append(s.workers, worker...)
	return s
}

// Start runs a worker under supervision. A failure in one worker never stops
// the supervisor itself.
func (s *Supervisor) Start(ctx context.Context, worker contract.Worker) {
	s.wg.Add(1)
	workerName := contract.GetWorkerName(worker)

	go func() {
		defer s.wg.Done()

		for {
			if ctx.Err() != nil {
				s.log.Info(fmt.Sprintf("Stopping : %s", workerName))
				return
			}

			err := runOnce(ctx, worker)
			if err == nil {
				s.log.Info(fmt.Sprintf("Worker finished : %s", workerName))
				return
			}
			if ctx.Err() != nil {
				s.log.Info("Worker stopped (context canceled)", "name", workerName)
				return
			}

			s.mu.Lock()
			s.restarts[workerName]++
			s.mu.Unlock()
			s.log.Warn("Worker crashed, restarting", "name", workerName, "error", err)

			select {
			case <-ctx.Done():
				return
			case <-time.After(waitTimeBeforeRestart):
			}
		}
	}()
}

// runOnce turns a panic into errors.ErrWorkerPanic.
func runOnce(ctx context.Context, worker contract.Worker) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", errors.ErrWorkerPanic, r)
		}
	}()
	return worker.Run(ctx)
}

// Restarts returns how many times each worker was restarted.
func (s *Supervisor) Restarts() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	restarts := make(map[string]int, len(s.restarts))
	for name, n := range s.restarts {
		restarts[name] = n
	}
	return restarts
}

// Stop cancels every supervised worker, Run returns once they are all done.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	cancel := s.Cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
