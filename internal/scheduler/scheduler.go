// Package scheduler drives the named tick schedules. It wraps
// robfig/cron with per-job logging and panic isolation so one
// misbehaving tick handler cannot take down the process or its
// sibling jobs.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Job names of the three built-in schedules.
const (
	JobBudgetCheck   = "budget-check"
	JobRecurring     = "recurring-trigger"
	JobMonthlyReport = "monthly-report"
)

type Service struct {
	cron *cron.Cron

	mu         sync.Mutex
	ctx        context.Context
	jobs       []string
	reportHook func(context.Context) error
}

func New() *Service {
	return &Service{
		cron: cron.New(),
		ctx:  context.Background(),
	}
}

// AddJob registers fn under a named cron spec. The spec uses the
// standard five-field syntax plus descriptors like @daily.
func (s *Service) AddJob(name, spec string, fn func(context.Context) error) error {
	if _, err := s.cron.AddFunc(spec, s.wrap(name, fn)); err != nil {
		return fmt.Errorf("add job %s (%q): %w", name, spec, err)
	}
	s.mu.Lock()
	s.jobs = append(s.jobs, name)
	s.mu.Unlock()
	return nil
}

// wrap isolates one tick: panics are recovered and logged, errors are
// logged, neighbors keep running.
func (s *Service) wrap(name string, fn func(context.Context) error) func() {
	return func() {
		s.mu.Lock()
		ctx := s.ctx
		s.mu.Unlock()

		started := time.Now()
		defer func() {
			if r := recover(); r != nil {
				slog.Error("Scheduled job panicked",
					"job", name,
					"panic", r,
					"duration", time.Since(started))
			}
		}()

		slog.Debug("Scheduled job starting", "job", name)
		if err := fn(ctx); err != nil {
			slog.Error("Scheduled job failed",
				"job", name,
				"error", err,
				"duration", time.Since(started))
			return
		}
		slog.Info("Scheduled job complete",
			"job", name,
			"duration", time.Since(started))
	}
}

// OnMonthlyReport registers the first-of-month report hook. The
// scheduler only fires the trigger; report generation is the hook
// owner's concern.
func (s *Service) OnMonthlyReport(fn func(context.Context) error) {
	s.mu.Lock()
	s.reportHook = fn
	s.mu.Unlock()
}

// MonthlyReport runs the registered report hook, or logs that none is
// registered.
func (s *Service) MonthlyReport(ctx context.Context) error {
	s.mu.Lock()
	hook := s.reportHook
	s.mu.Unlock()

	if hook == nil {
		slog.Info("Monthly report triggered, no hook registered")
		return nil
	}
	return hook(ctx)
}

// Jobs returns the names of registered jobs in registration order.
func (s *Service) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.jobs...)
}

// Start begins firing schedules. ctx is handed to every tick handler;
// cancelling it aborts in-flight handlers at their next store call.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	s.cron.Start()
	slog.Info("Scheduler started", "jobs", len(s.Jobs()))
}

// Stop stops firing new ticks and returns a context that is done once
// in-flight jobs finish.
func (s *Service) Stop() context.Context {
	return s.cron.Stop()
}
