// Package scheduler persists room snapshots: on a fixed cron schedule for
// every dirty live room, and on demand when a room drains.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"codecollab/internal/metrics"
	"codecollab/internal/store"
)

const DefaultSchedule = "@every 50s"

var ErrPersistence = errors.New("snapshot flush failed")

// SaveFunc writes a room's materialized text to durable storage.
type SaveFunc func(ctx context.Context, roomID, content string) error

type Stats struct {
	Flushed int
	Failed  int
}

// Source is the set of rooms a sweep visits. FlushDirty saves every dirty
// room through save and clears the flag of those that were written.
type Source interface {
	FlushDirty(ctx context.Context, save SaveFunc) Stats
}

type Scheduler struct {
	repo     store.Repository
	schedule string
	timeout  time.Duration
	cron     *cron.Cron
	log      *zap.Logger
}

func New(repo store.Repository, schedule string, log *zap.Logger) *Scheduler {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		repo:     repo,
		schedule: schedule,
		timeout:  30 * time.Second,
		log:      log.Named("scheduler"),
	}
}

// Save writes one snapshot. Failures are logged, counted and wrapped in
// ErrPersistence; the caller keeps the room dirty so the next tick retries.
func (s *Scheduler) Save(ctx context.Context, roomID, content string) error {
	if err := s.repo.SaveSnapshot(ctx, roomID, content); err != nil {
		metrics.FlushFailed()
		s.log.Warn("snapshot flush failed", zap.String("room", roomID), zap.Error(err))
		return fmt.Errorf("%w: room %s: %v", ErrPersistence, roomID, err)
	}
	metrics.FlushSucceeded()
	s.log.Debug("snapshot flushed", zap.String("room", roomID), zap.Int("bytes", len(content)))
	return nil
}

// Sweep runs one flush pass over src.
func (s *Scheduler) Sweep(ctx context.Context, src Source) Stats {
	stats := src.FlushDirty(ctx, s.Save)
	if stats.Flushed > 0 || stats.Failed > 0 {
		s.log.Info("snapshot sweep", zap.Int("flushed", stats.Flushed), zap.Int("failed", stats.Failed))
	}
	return stats
}

// Start schedules sweeps over src. A sweep still running when the next tick
// fires makes that tick a no-op.
func (s *Scheduler) Start(src Source) error {
	s.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := s.cron.AddFunc(s.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		s.Sweep(ctx, src)
	})
	if err != nil {
		return fmt.Errorf("snapshot schedule %q: %w", s.schedule, err)
	}
	s.cron.Start()
	s.log.Info("snapshot scheduler started", zap.String("schedule", s.schedule))
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Scheduler) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.log.Info("snapshot scheduler stopped")
}
