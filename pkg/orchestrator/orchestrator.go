// Package orchestrator runs one motion program per robot concurrently and
// collects the outcome of each without letting one robot's fault affect
// another.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/teslashibe/go-rmi/pkg/robot"
)

// Program is one robot's body of work.
type Program struct {
	Handle *robot.Handle
	Run    func(ctx context.Context, h *robot.Handle) error
}

// Result is the outcome of one program.
type Result struct {
	Robot    string
	Err      error
	Duration time.Duration
}

// Report holds one Result per program, in the order the programs were
// passed.
type Report struct {
	Results []Result
}

// OK reports whether every program completed without error.
func (r Report) OK() bool {
	for _, res := range r.Results {
		if res.Err != nil {
			return false
		}
	}
	return true
}

// Failed returns the names of the robots whose program failed.
func (r Report) Failed() []string {
	var names []string
	for _, res := range r.Results {
		if res.Err != nil {
			names = append(names, res.Robot)
		}
	}
	return names
}

// Err joins every failure into one error, or returns nil.
func (r Report) Err() error {
	var errs []error
	for _, res := range r.Results {
		if res.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", res.Robot, res.Err))
		}
	}
	return errors.Join(errs...)
}

// RunConcurrently starts every program on its own goroutine, waits for
// each Run to return and for its handle to finish dispatching, and reports
// per-robot results. A failing program never cancels its siblings; only
// ctx does.
func RunConcurrently(ctx context.Context, programs ...Program) Report {
	return RunConcurrentlyWithLogger(ctx, nil, programs...)
}

// RunConcurrentlyWithLogger is RunConcurrently with an explicit logger.
// If logger is nil, slog.Default() is used.
func RunConcurrentlyWithLogger(ctx context.Context, logger *slog.Logger, programs ...Program) Report {
	if logger == nil {
		logger = slog.Default()
	}

	results := make([]Result, len(programs))

	// Plain Group: a failure must not cancel the other robots.
	var g errgroup.Group
	for i, p := range programs {
		i, p := i, p
		g.Go(func() error {
			results[i] = run(ctx, logger, p)
			return nil
		})
	}
	_ = g.Wait()

	report := Report{Results: results}
	if failed := report.Failed(); len(failed) > 0 {
		logger.Warn("programs finished with failures", "failed", failed, "total", len(programs))
	} else {
		logger.Info("all programs finished", "total", len(programs))
	}
	return report
}

func run(ctx context.Context, logger *slog.Logger, p Program) (res Result) {
	start := time.Now()
	if p.Handle == nil {
		return Result{Err: errors.New("program has no robot handle")}
	}
	res.Robot = p.Handle.Name()
	log := logger.With("robot", res.Robot)

	defer func() {
		if r := recover(); r != nil {
			res.Err = fmt.Errorf("program panicked: %v", r)
		}
		res.Duration = time.Since(start)
		if res.Err != nil {
			log.Error("program failed", "error", res.Err, "duration", res.Duration)
		} else {
			log.Info("program finished", "duration", res.Duration)
		}
	}()

	if p.Run == nil {
		res.Err = errors.New("program has no body")
		return res
	}

	log.Debug("program starting")
	if err := p.Run(ctx, p.Handle); err != nil {
		res.Err = err
		return res
	}
	res.Err = p.Handle.Wait(ctx)
	return res
}
