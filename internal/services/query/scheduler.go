package query

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/wip-weather/wip-gateway/internal/core/ports"
)

// Scheduler drives the Query Server's two background refresh cycles: a
// daily full weather pull at each configured wall-clock time, and a
// shorter-period retry for areas a previous daily pull skipped. Both run
// against an injected clockwork.Clock so tests can drive them without
// real sleeps.
type Scheduler struct {
	trigger           ports.RefreshTrigger
	dailyTimes        []string // "HH:MM", 24-hour, local to the clock's location
	skipRetryInterval time.Duration
	clock             clockwork.Clock
	logger            *zap.Logger
}

// NewScheduler builds a Scheduler. clock defaults to the real wall clock
// when nil.
func NewScheduler(trigger ports.RefreshTrigger, dailyTimes []string, skipRetryInterval time.Duration, clock clockwork.Clock, logger *zap.Logger) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Scheduler{
		trigger:           trigger,
		dailyTimes:        dailyTimes,
		skipRetryInterval: skipRetryInterval,
		clock:             clock,
		logger:            logger,
	}
}

// Run blocks until ctx is cancelled, running one goroutine per configured
// daily time plus the skip-retry loop.
func (s *Scheduler) Run(ctx context.Context) {
	for _, hhmm := range s.dailyTimes {
		go s.runDaily(ctx, hhmm)
	}
	go s.runSkipRetry(ctx)
	<-ctx.Done()
}

func (s *Scheduler) runDaily(ctx context.Context, hhmm string) {
	for {
		next, err := nextOccurrence(s.clock.Now(), hhmm)
		if err != nil {
			s.logger.Error("invalid daily weather update time, refresh disabled for it", zap.String("time", hhmm), zap.Error(err))
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(next.Sub(s.clock.Now())):
			s.refresh(ctx, "daily")
		}
	}
}

func (s *Scheduler) runSkipRetry(ctx context.Context) {
	if s.skipRetryInterval <= 0 {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(s.skipRetryInterval):
			s.refresh(ctx, "skip-retry")
		}
	}
}

func (s *Scheduler) refresh(ctx context.Context, cycle string) {
	refreshCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()
	if err := s.trigger.RefreshWeather(refreshCtx); err != nil {
		s.logger.Warn("weather refresh cycle failed", zap.String("cycle", cycle), zap.Error(err))
	}
}

// nextOccurrence returns the next time hh:mm occurs strictly after from,
// rolling over to the next day when hh:mm is exactly now or has already
// passed today.
func nextOccurrence(from time.Time, hhmm string) (time.Time, error) {
	var hour, minute int
	if _, err := fmt.Sscanf(hhmm, "%d:%d", &hour, &minute); err != nil {
		return time.Time{}, fmt.Errorf("malformed HH:MM %q: %w", hhmm, err)
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return time.Time{}, fmt.Errorf("out-of-range HH:MM %q", hhmm)
	}

	candidate := time.Date(from.Year(), from.Month(), from.Day(), hour, minute, 0, 0, from.Location())
	if !candidate.After(from) {
		candidate = candidate.AddDate(0, 0, 1)
	}
	return candidate, nil
}
