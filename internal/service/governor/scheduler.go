package governor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// SchedulerConfig holds the cron schedules of the background jobs. An empty
// schedule disables its job.
type SchedulerConfig struct {
	SweepSchedule   string
	PendingTTL      time.Duration
	SummarySchedule string
}

// Scheduler runs periodic housekeeping for a governor: sweeping abandoned
// pending requests and logging a spend summary.
type Scheduler struct {
	governor *Governor
	config   SchedulerConfig
	cron     *cron.Cron
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
}

// NewScheduler creates a scheduler for the governor
func NewScheduler(g *Governor, cfg SchedulerConfig, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		governor: g,
		config:   cfg,
		cron:     cron.New(),
		logger:   logger.With(slog.String("component", "scheduler")),
	}
}

// Start registers the configured jobs and starts the cron loop. The
// scheduler stops when ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs := 0
	if s.config.SweepSchedule != "" && s.config.PendingTTL > 0 {
		if _, err := s.cron.AddFunc(s.config.SweepSchedule, func() { s.runSweep() }); err != nil {
			return fmt.Errorf("invalid sweep schedule %q: %w", s.config.SweepSchedule, err)
		}
		jobs++
	}
	if s.config.SummarySchedule != "" {
		if _, err := s.cron.AddFunc(s.config.SummarySchedule, func() { s.runSummary(ctx) }); err != nil {
			return fmt.Errorf("invalid summary schedule %q: %w", s.config.SummarySchedule, err)
		}
		jobs++
	}

	if jobs == 0 {
		s.logger.Info("no schedules configured, skipping scheduler")
		return nil
	}

	s.cron.Start()
	s.running = true

	s.logger.Info("scheduler started",
		slog.String("sweep_schedule", s.config.SweepSchedule),
		slog.Duration("pending_ttl", s.config.PendingTTL),
		slog.String("summary_schedule", s.config.SummarySchedule))

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	return nil
}

// Stop stops the cron loop and waits for running jobs
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		done := s.cron.Stop()
		<-done.Done()
		s.running = false
		s.logger.Info("scheduler stopped")
	}
}

// IsRunning returns true if the scheduler is running
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Jobs returns the number of registered jobs
func (s *Scheduler) Jobs() int {
	return len(s.cron.Entries())
}

func (s *Scheduler) runSweep() {
	removed := s.governor.SweepPending(s.config.PendingTTL)
	s.logger.Debug("pending sweep completed", slog.Int("removed", removed))
}

func (s *Scheduler) runSummary(ctx context.Context) {
	status, err := s.governor.Status(ctx)
	if err != nil {
		s.logger.Error("scheduled summary failed", slog.String("error", err.Error()))
		return
	}

	attrs := []any{
		slog.String("breaker", string(status.Breaker)),
		slog.Int("pending_requests", status.Pending),
	}
	for _, t := range status.Tiers {
		attrs = append(attrs, slog.Group(string(t.Tier),
			slog.Float64("used", t.Used),
			slog.Float64("limit", t.Limit),
			slog.Int("percent_used", t.PercentUsed),
			slog.String("classification", string(t.Classification))))
	}
	s.logger.Info("spend summary", attrs...)
}
