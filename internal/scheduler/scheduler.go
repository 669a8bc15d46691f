// Package scheduler runs the wall-clock maintenance jobs: daily and
// monthly quota resets, hourly pause revival and weekly history cleanup.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hsn0918/serptrack/internal/logger"
)

// QuotaResetter is the pool surface the scheduler drives.
type QuotaResetter interface {
	ResetDaily(ctx context.Context)
	ResetMonthly(ctx context.Context)
	ReviveExpired()
	CheckMonthlyStale(ctx context.Context)
}

// HistoryCleaner prunes old ranking rows.
type HistoryCleaner interface {
	DeleteRankingsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Scheduler 定时任务调度器：所有任务按本地时间墙钟触发。
type Scheduler struct {
	pool          QuotaResetter
	cleaner       HistoryCleaner
	retentionDays int
	log           *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
	now    func() time.Time
}

func New(pool QuotaResetter, cleaner HistoryCleaner, retentionDays int) *Scheduler {
	return &Scheduler{
		pool:          pool,
		cleaner:       cleaner,
		retentionDays: retentionDays,
		log:           logger.Get().With("component", "scheduler"),
		now:           time.Now,
	}
}

// Start launches the job loops. Call Stop to shut them down.
func (s *Scheduler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.loop(ctx, "daily_reset", s.nextMidnight, func(ctx context.Context) {
		s.pool.ResetDaily(ctx)
	})
	s.loop(ctx, "monthly_reset", s.nextMonthStart, func(ctx context.Context) {
		s.pool.ResetMonthly(ctx)
	})
	s.loop(ctx, "hourly_revive", s.nextHour, func(ctx context.Context) {
		s.pool.ReviveExpired()
		s.pool.CheckMonthlyStale(ctx)
	})
	if s.cleaner != nil && s.retentionDays > 0 {
		s.loop(ctx, "weekly_cleanup", s.nextSundayCleanup, s.cleanup)
	}

	s.log.Info("scheduler started", "retention_days", s.retentionDays)
}

// Stop cancels all job loops and waits for them to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.log.Info("scheduler stopped")
}

// loop sleeps until the next scheduled instant, runs the job and repeats.
// A panicking job is logged and the loop keeps going.
func (s *Scheduler) loop(ctx context.Context, name string, next func() time.Time, job func(context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			wait := time.Until(next())
			if wait < time.Second {
				wait = time.Second
			}
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			s.runJob(ctx, name, job)
		}
	}()
}

func (s *Scheduler) runJob(ctx context.Context, name string, job func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("scheduled job panicked", "job", name, "panic", r)
		}
	}()
	s.log.Info("running scheduled job", "job", name)
	job(ctx)
}

func (s *Scheduler) cleanup(ctx context.Context) {
	cutoff := s.now().AddDate(0, 0, -s.retentionDays)
	dropped, err := s.cleaner.DeleteRankingsBefore(ctx, cutoff)
	if err != nil {
		s.log.Error("history cleanup failed", "error", err)
		return
	}
	s.log.Info("history cleanup finished", "dropped", dropped, "cutoff", cutoff)
}

// nextMidnight is the next local 00:00.
func (s *Scheduler) nextMidnight() time.Time {
	now := s.now()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).AddDate(0, 0, 1)
}

// nextMonthStart is 00:00 on the first of the next month.
func (s *Scheduler) nextMonthStart() time.Time {
	now := s.now()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location()).AddDate(0, 1, 0)
}

// nextHour is the top of the next hour.
func (s *Scheduler) nextHour() time.Time {
	return s.now().Truncate(time.Hour).Add(time.Hour)
}

// nextSundayCleanup is the next Sunday 02:00 local time.
func (s *Scheduler) nextSundayCleanup() time.Time {
	now := s.now()
	day := time.Date(now.Year(), now.Month(), now.Day(), 2, 0, 0, 0, now.Location())
	days := (int(time.Sunday) - int(now.Weekday()) + 7) % 7
	candidate := day.AddDate(0, 0, days)
	if !candidate.After(now) {
		candidate = candidate.AddDate(0, 0, 7)
	}
	return candidate
}
