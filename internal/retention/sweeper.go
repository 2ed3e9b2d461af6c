// Package retention runs the periodic purge of old terminal experiments on
// a cron schedule.
package retention

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Purger is the retention entry point, satisfied by the lifecycle manager.
type Purger interface {
	Purge(ctx context.Context, days int) (int64, error)
}

// Config holds the dependencies for the retention sweeper.
type Config struct {
	Purger   Purger
	Logger   *slog.Logger
	Schedule string        // cron expression; defaults to daily at 03:00
	Days     int           // retention window in days; defaults to 30
	Interval time.Duration // tick interval; defaults to 1 minute if zero
}

// Sweeper fires the purge whenever the cron schedule comes due.
type Sweeper struct {
	purger   Purger
	logger   *slog.Logger
	schedule cronlib.Schedule
	interval time.Duration

	daysMu sync.Mutex
	days   int

	nextRun time.Time
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewSweeper parses the schedule and builds a sweeper. An unparsable
// schedule is an error: silently never purging would defeat retention.
func NewSweeper(cfg Config) (*Sweeper, error) {
	expr := cfg.Schedule
	if expr == "" {
		expr = "0 3 * * *"
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, err
	}
	days := cfg.Days
	if days <= 0 {
		days = 30
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		purger:   cfg.Purger,
		logger:   logger,
		schedule: sched,
		days:     days,
		interval: interval,
		nextRun:  sched.Next(time.Now()),
	}, nil
}

// SetDays updates the retention window, typically after a config reload.
// Values <= 0 are ignored; use Stop to disable sweeping.
func (s *Sweeper) SetDays(days int) {
	if days <= 0 {
		return
	}
	s.daysMu.Lock()
	s.days = days
	s.daysMu.Unlock()
}

// Days returns the active retention window.
func (s *Sweeper) Days() int {
	s.daysMu.Lock()
	defer s.daysMu.Unlock()
	return s.days
}

// Start begins the sweeper loop. It runs in a background goroutine and
// respects the provided context for shutdown.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("retention sweeper started",
		"days", s.Days(), "next_run", s.nextRun)
}

// Stop cancels the sweeper loop and waits for it to exit.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("retention sweeper stopped")
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, time.Now())
		}
	}
}

// tick fires the purge when the schedule has come due and advances the next
// run time past now.
func (s *Sweeper) tick(ctx context.Context, now time.Time) {
	if now.Before(s.nextRun) {
		return
	}
	s.nextRun = s.schedule.Next(now)

	days := s.Days()
	purged, err := s.purger.Purge(ctx, days)
	if err != nil {
		s.logger.Error("retention sweep failed", "error", err)
		return
	}
	s.logger.Info("retention sweep complete",
		"purged", purged, "days", days, "next_run", s.nextRun)
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
