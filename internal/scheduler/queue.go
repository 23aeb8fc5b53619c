package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tinywideclouds/go-presence-service/pkg/presence"
)

func epochMillis(t time.Time) float64 {
	return float64(t.UnixMilli())
}

// Enqueue pushes a job onto the main or priority lane for asynchronous
// processing by the sweep loop. The full scheduling pipeline (preferences,
// quiet hours, batching, rate limits) runs at dequeue time.
func (s *Scheduler) Enqueue(ctx context.Context, job presence.NotificationJob) error {
	if job.UserID == "" || job.TemplateID == "" {
		return errors.New("scheduler: userId and templateId are required")
	}
	s.normalize(&job)

	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("scheduler: marshal job: %w", err)
	}
	lane := presence.KeyMainLane
	if job.Priority == presence.PriorityHigh {
		lane = presence.KeyPriorityLane
	}
	if err := s.store.ListPush(ctx, lane, string(payload)); err != nil {
		return fmt.Errorf("scheduler: enqueue to %s: %w", lane, err)
	}
	return nil
}

// pushDelayed parks a job in the delayed lane scored by its due time.
func (s *Scheduler) pushDelayed(ctx context.Context, job presence.NotificationJob, at time.Time) error {
	job.ScheduledFor = at
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("scheduler: marshal delayed job: %w", err)
	}
	if err := s.store.SortedAdd(ctx, presence.KeyDelayedLane, epochMillis(at), string(payload)); err != nil {
		return fmt.Errorf("scheduler: park delayed job: %w", err)
	}
	return nil
}

// ProcessDueNotifications drains every delayed-lane entry whose due time has
// passed. Each entry is removed before the attempt, so a job that fails again
// re-enters the lane only through the retry path with an incremented count.
func (s *Scheduler) ProcessDueNotifications(ctx context.Context) presence.ProcessSummary {
	var summary presence.ProcessSummary

	due, err := s.store.SortedRangeByScore(ctx, presence.KeyDelayedLane, 0, epochMillis(s.now()))
	if err != nil {
		s.errCount.Add(1)
		s.logger.Warn().Err(err).Msg("Delayed lane sweep failed.")
		return summary
	}

	for _, member := range due {
		if err := s.store.SortedRemove(ctx, presence.KeyDelayedLane, member); err != nil {
			s.logger.Warn().Err(err).Msg("Could not remove due entry from delayed lane.")
			continue
		}
		summary.Processed++

		var job presence.NotificationJob
		if err := json.Unmarshal([]byte(member), &job); err != nil {
			summary.Failed++
			s.errCount.Add(1)
			s.logger.Error().Err(err).Msg("Discarding corrupt delayed lane entry.")
			continue
		}

		if s.redeliver(ctx, job).Success {
			summary.Successful++
		} else {
			summary.Failed++
		}
	}
	return summary
}

// redeliver re-runs policy for a job coming back from the delayed lane.
// Preferences may have changed while the job was parked, so the type toggle
// and quiet hours are checked again; rate limit counters were already charged
// on the original schedule call.
func (s *Scheduler) redeliver(ctx context.Context, job presence.NotificationJob) presence.ScheduleResult {
	enabled, err := s.prefs.IsNotificationTypeEnabled(ctx, job.UserID, job.TemplateID)
	if err != nil {
		s.logger.Warn().Err(err).Str("user_id", job.UserID).Msg("Preferences unavailable on redelivery, failing open.")
		enabled = true
	}
	if !enabled {
		return presence.ScheduleResult{Success: true, Skipped: true, SkipReason: presence.SkipReasonTypeDisabled}
	}

	if res, deferred := s.deferForQuietHours(ctx, job); deferred {
		return res
	}
	return s.attemptDelivery(ctx, job)
}

// drainLanes processes every job waiting on the priority lane, then the main
// lane. Dequeued jobs run the full scheduling pipeline.
func (s *Scheduler) drainLanes(ctx context.Context) int {
	drained := 0
	for _, lane := range []string{presence.KeyPriorityLane, presence.KeyMainLane} {
		for {
			raw, err := s.store.ListPop(ctx, lane)
			if errors.Is(err, presence.ErrNotFound) {
				break
			}
			if err != nil {
				s.errCount.Add(1)
				s.logger.Warn().Err(err).Str("lane", lane).Msg("Lane drain failed.")
				return drained
			}

			var job presence.NotificationJob
			if err := json.Unmarshal([]byte(raw), &job); err != nil {
				s.errCount.Add(1)
				s.logger.Error().Err(err).Str("lane", lane).Msg("Discarding corrupt lane entry.")
				continue
			}
			s.ScheduleNotification(ctx, job)
			drained++
		}
	}
	return drained
}

// GetQueueStats reports per-lane pending counts from the shared store.
func (s *Scheduler) GetQueueStats(ctx context.Context) (presence.QueueStats, error) {
	var stats presence.QueueStats

	priority, err := s.store.ListLen(ctx, presence.KeyPriorityLane)
	if err != nil {
		return stats, fmt.Errorf("scheduler: priority lane length: %w", err)
	}
	main, err := s.store.ListLen(ctx, presence.KeyMainLane)
	if err != nil {
		return stats, fmt.Errorf("scheduler: main lane length: %w", err)
	}
	delayed, err := s.store.SortedCard(ctx, presence.KeyDelayedLane)
	if err != nil {
		return stats, fmt.Errorf("scheduler: delayed lane cardinality: %w", err)
	}

	stats.Priority = priority
	stats.Main = main
	stats.Delayed = delayed
	stats.TotalPending = priority + main + delayed
	return stats, nil
}
