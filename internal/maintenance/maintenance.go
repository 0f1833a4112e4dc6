// Package maintenance runs the periodic housekeeping sweeps: gate retention
// eviction, dispatch-history trimming and audit pruning.
package maintenance

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"

	"wagate/pkg/logx"
)

// DefaultSweepSpec is used when the config leaves the cron spec empty.
const DefaultSweepSpec = "@every 5m"

type Job struct {
	Name string
	Run  func(ctx context.Context) error
}

// Service schedules all registered jobs on one shared cron spec. Jobs must be
// short and idempotent; a failing job is logged and retried on the next tick.
type Service struct {
	spec string
	log  logx.Logger

	mu      sync.Mutex
	jobs    []Job
	cr      *cron.Cron
	cancel  context.CancelFunc
	started bool
}

func New(spec string, log logx.Logger) *Service {
	if spec == "" {
		spec = DefaultSweepSpec
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{spec: spec, log: log.With(logx.String("comp", "maintenance"))}
}

// Add registers a job. Must be called before Start.
func (s *Service) Add(name string, run func(ctx context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, Job{Name: name, Run: run})
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	jobCtx, cancel := context.WithCancel(ctx)
	cr := cron.New(cron.WithChain(cron.Recover(cronLogger{s.log})))
	for _, j := range s.jobs {
		j := j
		if _, err := cr.AddFunc(s.spec, func() {
			if err := j.Run(jobCtx); err != nil {
				s.log.Warn("sweep job failed", logx.String("job", j.Name), logx.Err(err))
			}
		}); err != nil {
			cancel()
			return fmt.Errorf("maintenance: bad sweep spec %q: %w", s.spec, err)
		}
	}

	cr.Start()
	s.cr = cr
	s.cancel = cancel
	s.started = true
	s.log.Info("maintenance started", logx.String("spec", s.spec), logx.Int("jobs", len(s.jobs)))
	return nil
}

// Stop halts scheduling and waits for in-flight jobs, bounded by ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	cr := s.cr
	cancel := s.cancel
	s.cr = nil
	s.cancel = nil
	s.started = false
	s.mu.Unlock()
	if cr == nil {
		return
	}
	done := cr.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
	if cancel != nil {
		cancel()
	}
}

// cronLogger adapts logx to cron's logger so recovered job panics end up in
// the structured log.
type cronLogger struct{ log logx.Logger }

func (c cronLogger) Info(msg string, kv ...interface{}) {
	c.log.Debug(msg, logx.Any("kv", kv))
}

func (c cronLogger) Error(err error, msg string, kv ...interface{}) {
	c.log.Error(msg, logx.Err(err), logx.Any("kv", kv))
}
