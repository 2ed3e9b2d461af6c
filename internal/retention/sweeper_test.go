package retention

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

type fakePurger struct {
	calls atomic.Int64
	days  atomic.Int64
}

func (f *fakePurger) Purge(ctx context.Context, days int) (int64, error) {
	f.calls.Add(1)
	f.days.Store(int64(days))
	return 2, nil
}

func TestNewSweeper(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	t.Run("defaults applied", func(t *testing.T) {
		s, err := NewSweeper(Config{Purger: &fakePurger{}, Logger: logger})
		if err != nil {
			t.Fatalf("NewSweeper: %v", err)
		}
		if s.days != 30 {
			t.Errorf("expected default 30 days, got %d", s.days)
		}
		if s.nextRun.IsZero() {
			t.Error("expected next run to be scheduled")
		}
	})

	t.Run("bad schedule rejected", func(t *testing.T) {
		_, err := NewSweeper(Config{Purger: &fakePurger{}, Logger: logger, Schedule: "every day at noon"})
		if err == nil {
			t.Error("expected error for invalid cron expression")
		}
	})
}

func TestSweeperTick(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	purger := &fakePurger{}
	s, err := NewSweeper(Config{
		Purger:   purger,
		Logger:   logger,
		Schedule: "* * * * *",
		Days:     7,
	})
	if err != nil {
		t.Fatalf("NewSweeper: %v", err)
	}

	before := s.nextRun
	// Not yet due: nothing fires.
	s.tick(context.Background(), before.Add(-time.Second))
	if purger.calls.Load() != 0 {
		t.Fatal("tick fired before the schedule was due")
	}

	// Due: fires once and reschedules.
	s.tick(context.Background(), before.Add(time.Second))
	if purger.calls.Load() != 1 {
		t.Fatalf("expected 1 purge, got %d", purger.calls.Load())
	}
	if purger.days.Load() != 7 {
		t.Errorf("expected purge with 7 days, got %d", purger.days.Load())
	}
	if !s.nextRun.After(before) {
		t.Error("next run not advanced")
	}

	// Same moment again: already rescheduled, does not fire twice.
	s.tick(context.Background(), before.Add(2*time.Second))
	if purger.calls.Load() != 1 {
		t.Errorf("expected still 1 purge, got %d", purger.calls.Load())
	}
}

func TestNextRunTime(t *testing.T) {
	after := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)
	next, err := NextRunTime("0 3 * * *", after)
	if err != nil {
		t.Fatalf("NextRunTime: %v", err)
	}
	want := time.Date(2026, 3, 2, 3, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("NextRunTime = %v, want %v", next, want)
	}
}
