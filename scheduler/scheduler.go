// Package scheduler periodically re-invokes a compiled graph's root
// task(s) on a cron schedule. It supplements the event-driven graph
// runner with the recurring-workflow idiom the pack's orchestrator
// names scheduleDailyTasks/scheduleHourlyTasks; the core graph runner
// itself has no cron dependency, and this package is optional.
package scheduler

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/smallnest/taskgraph/graph"
	"github.com/smallnest/taskgraph/graphrunner"
	"github.com/smallnest/taskgraph/log"
)

// Scheduler drives zero or more cron-triggered graph runs, each against
// its own compiled graph and input factory.
type Scheduler struct {
	cron   *cron.Cron
	logger log.Logger
}

// New builds a Scheduler with second-precision cron expressions,
// matching the pack orchestrator's cron.WithSeconds() configuration.
func New(logger log.Logger) *Scheduler {
	if logger == nil {
		logger = &log.NoOpLogger{}
	}
	return &Scheduler{
		cron:   cron.New(cron.WithSeconds()),
		logger: log.Named(logger, "scheduler"),
	}
}

// InputsFunc builds the per-node initial inputs for one scheduled run,
// called fresh on every tick (e.g. to stamp a "scheduled at" timestamp
// into a root node's input).
type InputsFunc func() map[string]map[string]any

// AddGraph registers compiled to run on cronExpr against runner,
// invoking inputs() fresh each tick. Returns the cron entry ID, usable
// with Remove.
func (s *Scheduler) AddGraph(cronExpr string, runner *graphrunner.Runner, compiled *graph.Compiled, inputs InputsFunc) (cron.EntryID, error) {
	if inputs == nil {
		inputs = func() map[string]map[string]any { return nil }
	}
	id, err := s.cron.AddFunc(cronExpr, func() {
		_, err := runner.Run(context.Background(), compiled, inputs())
		if err != nil {
			s.logger.Error("graph run failed: %v", err)
		}
	})
	if err != nil {
		return 0, fmt.Errorf("scheduler: add cron schedule %q: %w", cronExpr, err)
	}
	return id, nil
}

// Remove unregisters a previously added schedule.
func (s *Scheduler) Remove(id cron.EntryID) {
	s.cron.Remove(id)
}

// Start begins dispatching scheduled runs in background goroutines.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops dispatching new runs and returns a context that is done
// once every already-dispatched cron job function has returned (not
// the graph runs they launched, which run to completion independently).
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// Entries returns the currently scheduled cron entries, for
// introspection/health reporting.
func (s *Scheduler) Entries() []cron.Entry {
	return s.cron.Entries()
}
