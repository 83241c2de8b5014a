// Package scheduler runs named maintenance jobs on fixed intervals.
// The API process uses it for periodic changelog compaction; anything
// else that needs a background cadence registers here rather than
// hand-rolling its own ticker goroutine.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/linuxmuster-net/dc-authority/internal/logging"
)

// Job is one periodic task. Run is invoked with a context that carries
// the job Timeout (when set) and is cancelled on Stop.
type Job struct {
	Name     string
	Interval time.Duration
	Timeout  time.Duration
	Run      func(ctx context.Context) error
}

// Scheduler owns one goroutine per job between Start and Stop.
type Scheduler struct {
	logger *logging.Logger

	mu      sync.Mutex
	jobs    []Job
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

func New(logger *logging.Logger) *Scheduler {
	return &Scheduler{logger: logger.WithComponent("scheduler")}
}

// Add registers a job. Jobs added after Start are ignored until the
// next Start.
func (s *Scheduler) Add(j Job) error {
	if j.Interval <= 0 {
		return fmt.Errorf("job %q: interval must be positive", j.Name)
	}
	if j.Run == nil {
		return fmt.Errorf("job %q: no run func", j.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, j)
	return nil
}

// Start launches every registered job. The first run happens one full
// interval after Start, not immediately.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	for _, j := range s.jobs {
		s.wg.Add(1)
		go s.loop(ctx, j)
	}
	s.logger.Debug("started", "jobs", len(s.jobs))
}

func (s *Scheduler) loop(ctx context.Context, j Job) {
	defer s.wg.Done()
	ticker := time.NewTicker(j.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.run(ctx, j)
		}
	}
}

func (s *Scheduler) run(ctx context.Context, j Job) {
	if j.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.Timeout)
		defer cancel()
	}
	start := time.Now()
	if err := j.Run(ctx); err != nil {
		s.logger.Warn("job failed", "job", j.Name, "elapsed", time.Since(start), "err", err)
		return
	}
	s.logger.Debug("job ran", "job", j.Name, "elapsed", time.Since(start))
}

// Stop cancels all jobs and waits for in-flight runs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
}
