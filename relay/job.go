package relay

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Schedule controls StartPollJob timing.
type Schedule struct {
	// Interval between poll cycles. Default: 90s.
	Interval time.Duration
	// StartDelay is the wait between the baseline and the first cycle. Default: 30s.
	StartDelay time.Duration
	// SkipBaseline disables the startup baseline.
	SkipBaseline bool
}

func (s *Schedule) defaults() {
	if s.Interval <= 0 {
		s.Interval = 90 * time.Second
	}
	if s.StartDelay < 0 {
		s.StartDelay = 0
	}
}

// StartPollJob baselines every active account once and then runs a poll cycle
// every Interval until ctx is cancelled. Cycle errors are logged and the loop
// keeps going. It blocks, so callers normally run it in a goroutine.
func StartPollJob(ctx context.Context, e *Engine, sched Schedule) {
	sched.defaults()
	logger := e.opts.Logger.With(slog.String("component", "relay_job"))
	logger.Info("poll job starting",
		slog.Duration("interval", sched.Interval),
		slog.Duration("start_delay", sched.StartDelay),
		slog.Int("fetch_cap", e.opts.FetchCap),
		slog.Int("concurrency", e.opts.Concurrency))

	if !sched.SkipBaseline {
		if _, err := e.InitializeBaselines(ctx); err != nil {
			logger.Warn("baseline failed; continuing with stored watermarks", slog.Any("err", err))
		}
	}

	if sched.StartDelay > 0 {
		timer := time.NewTimer(sched.StartDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.Info("poll job stopped")
			return
		case <-timer.C:
		}
	}

	runOnce := func() {
		if _, err := e.RunCycle(ctx); err != nil {
			if errors.Is(err, ErrCycleInProgress) {
				logger.Debug("previous cycle still running; skipping tick")
				return
			}
			if ctx.Err() != nil {
				return
			}
			logger.Warn("poll cycle failed", slog.Any("err", err))
		}
	}

	runOnce()
	ticker := time.NewTicker(sched.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("poll job stopped")
			return
		case <-ticker.C:
			runOnce()
		}
	}
}
