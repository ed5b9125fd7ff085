// Package retention prunes aged audit records on a cron schedule.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/classmesh/classmesh/internal/persistence"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// NextRunTime computes the next firing after from for a cron expression.
func NextRunTime(expr string, from time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expr %q: %w", expr, err)
	}
	return sched.Next(from), nil
}

// Config holds the dependencies for the retention sweeper.
type Config struct {
	Store *persistence.Store
	// Schedule is a cron expression for the sweep. Defaults to 03:00 daily.
	Schedule string
	// KeepDays is the audit retention window. 0 disables pruning.
	KeepDays int
	Logger   *slog.Logger
	// Interval is the scheduler tick; defaults to 1 minute.
	Interval time.Duration
}

// Sweeper deletes audit rows older than the retention window whenever the
// cron schedule comes due. The JSONL trail is append-only and untouched;
// only the queryable sqlite copy is bounded.
type Sweeper struct {
	store    *persistence.Store
	schedule string
	keepDays int
	logger   *slog.Logger
	interval time.Duration

	mu      sync.Mutex
	nextRun time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSweeper creates a Sweeper. It fails fast on an unparsable schedule.
func NewSweeper(cfg Config) (*Sweeper, error) {
	schedule := cfg.Schedule
	if schedule == "" {
		schedule = "0 3 * * *"
	}
	if _, err := cronParser.Parse(schedule); err != nil {
		return nil, fmt.Errorf("parse retention schedule %q: %w", schedule, err)
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:    cfg.Store,
		schedule: schedule,
		keepDays: cfg.KeepDays,
		logger:   logger,
		interval: interval,
	}, nil
}

// Start begins the sweep loop in a background goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	if s.keepDays <= 0 || s.store == nil {
		s.logger.Info("audit retention disabled")
		return
	}
	next, _ := NextRunTime(s.schedule, time.Now())
	s.mu.Lock()
	s.nextRun = next
	s.mu.Unlock()

	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("audit retention sweeper started", "schedule", s.schedule, "keep_days", s.keepDays)
}

// Stop cancels the loop and waits for it to exit.
func (s *Sweeper) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.wg.Wait()
	s.logger.Info("audit retention sweeper stopped")
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.mu.Lock()
			due := !s.nextRun.IsZero() && !now.Before(s.nextRun)
			s.mu.Unlock()
			if !due {
				continue
			}
			s.Sweep(ctx)
			next, _ := NextRunTime(s.schedule, now)
			s.mu.Lock()
			s.nextRun = next
			s.mu.Unlock()
		}
	}
}

// Sweep prunes once, immediately. It is safe to call outside the schedule.
func (s *Sweeper) Sweep(ctx context.Context) {
	if s.keepDays <= 0 || s.store == nil {
		return
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -s.keepDays)
	removed, err := s.store.PruneAudit(ctx, cutoff)
	if err != nil {
		s.logger.Error("audit retention sweep failed", "error", err)
		return
	}
	if removed > 0 {
		s.logger.Info("audit retention sweep completed", "removed", removed, "cutoff", cutoff.Format(time.RFC3339))
	}
}

// NextRun reports when the next sweep fires.
func (s *Sweeper) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextRun
}
