package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/tinywideclouds/go-presence-service/pkg/presence"
)

// BatchConfig controls low-priority consolidation. Templates lists the
// template IDs eligible for batching; jobs carrying an explicit BatchKey are
// always eligible.
type BatchConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Window    time.Duration `yaml:"window"`
	Templates []string      `yaml:"templates"`
}

// batchEntry is one accumulated job, stored as a single list element so
// concurrent accumulates on the same key never overwrite each other.
type batchEntry struct {
	JobID      string            `json:"jobId"`
	UserID     string            `json:"userId"`
	TemplateID string            `json:"templateId"`
	Variables  map[string]string `json:"variables"`
}

func (s *Scheduler) batchable(job presence.NotificationJob) bool {
	if !s.cfg.Batching.Enabled || job.Priority == presence.PriorityHigh {
		return false
	}
	if job.BatchKey != "" {
		return true
	}
	for _, t := range s.cfg.Batching.Templates {
		if t == job.TemplateID {
			return true
		}
	}
	return false
}

// batchWindowEnd aligns windows to wall-clock buckets so every instance
// computes the same end for the same key without coordination.
func (s *Scheduler) batchWindowEnd(now time.Time) time.Time {
	return now.Truncate(s.cfg.Batching.Window).Add(s.cfg.Batching.Window)
}

// accumulate folds a job into its batch window with one atomic list push per
// job. Returns false when the store is unavailable, in which case the caller
// delivers the job directly instead of losing it.
func (s *Scheduler) accumulate(ctx context.Context, job presence.NotificationJob) (presence.ScheduleResult, bool) {
	key := job.BatchKey
	if key == "" {
		key = presence.BatchKey(job.UserID, job.TemplateID)
	}

	windowEnd := s.batchWindowEnd(s.now())
	payload, err := json.Marshal(batchEntry{
		JobID:      job.ID,
		UserID:     job.UserID,
		TemplateID: job.TemplateID,
		Variables:  job.Variables,
	})
	if err != nil {
		return presence.ScheduleResult{}, false
	}

	// Push before registering the window: an entry pushed after a sweep
	// drained the list is re-indexed by the SortedAdd below, whereas an
	// index entry for a not-yet-pushed job could be removed and drained
	// empty, stranding the late push. The add is idempotent: same key and
	// score within a bucket.
	if err := s.store.ListPush(ctx, key, string(payload)); err != nil {
		s.logger.Warn().Err(err).Str("batch_key", key).Msg("Could not accumulate batch entry, delivering directly.")
		return presence.ScheduleResult{}, false
	}
	if err := s.store.SortedAdd(ctx, presence.KeyBatchWindows, epochMillis(windowEnd), key); err != nil {
		// The entry stays in the list and flushes with the next registered
		// window for this key; delivering directly as well keeps the job
		// at-least-once rather than stranded.
		s.logger.Warn().Err(err).Str("batch_key", key).Msg("Could not register batch window, delivering directly.")
		return presence.ScheduleResult{}, false
	}

	return presence.ScheduleResult{Success: true, Batched: true, BatchWindowEnd: &windowEnd}, true
}

// processBatchWindows flushes every window whose end has passed.
func (s *Scheduler) processBatchWindows(ctx context.Context) int {
	due, err := s.store.SortedRangeByScore(ctx, presence.KeyBatchWindows, 0, epochMillis(s.now()))
	if err != nil {
		s.errCount.Add(1)
		s.logger.Warn().Err(err).Msg("Batch window sweep failed.")
		return 0
	}

	flushed := 0
	for _, key := range due {
		if err := s.store.SortedRemove(ctx, presence.KeyBatchWindows, key); err != nil {
			s.logger.Warn().Err(err).Str("batch_key", key).Msg("Could not remove batch window entry.")
			continue
		}
		if s.flushBatch(ctx, key) {
			flushed++
		}
	}
	return flushed
}

// flushBatch drains one accumulator list and delivers the consolidated
// notification. Each entry is popped atomically, so across concurrently
// sweeping instances every accumulated job is flushed exactly once.
func (s *Scheduler) flushBatch(ctx context.Context, key string) bool {
	var entries []batchEntry
	var drainErr error
	for {
		raw, err := s.store.ListPop(ctx, key)
		if errors.Is(err, presence.ErrNotFound) {
			break
		}
		if err != nil {
			drainErr = err
			break
		}
		var entry batchEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			s.errCount.Add(1)
			s.logger.Error().Err(err).Str("batch_key", key).Msg("Discarding corrupt batch entry.")
			continue
		}
		entries = append(entries, entry)
	}
	if drainErr != nil {
		s.errCount.Add(1)
		s.logger.Error().Err(drainErr).Str("batch_key", key).Msg("Batch drain interrupted, window rescheduled.")
		// Entries may remain in the list; put the window back so the next
		// sweep retries them.
		if err := s.store.SortedAdd(ctx, presence.KeyBatchWindows, epochMillis(s.now()), key); err != nil {
			s.logger.Error().Err(err).Str("batch_key", key).Msg("Could not reschedule batch window.")
		}
	}
	if len(entries) == 0 {
		return false
	}

	variables := make([]map[string]string, 0, len(entries))
	for _, entry := range entries {
		variables = append(variables, entry.Variables)
	}
	rendered := &presence.RenderedNotification{
		ID:         uuid.NewString(),
		UserID:     entries[0].UserID,
		TemplateID: entries[0].TemplateID,
		Variables:  variables,
		Batched:    true,
		Priority:   presence.PriorityNormal,
	}
	s.processed.Add(1)

	if s.cluster.IsUserOnline(ctx, rendered.UserID) {
		s.cluster.DistributeEvent(ctx, presence.ScopeUser, presence.EventNotificationBatch, notificationPayload(rendered), rendered.UserID)
		return true
	}
	s.pushToDevices(ctx, rendered.UserID, rendered)
	return true
}

// pushToDevices is the best-effort push path for batch flushes. Individual
// device failures are logged; a flushed batch is never re-queued.
func (s *Scheduler) pushToDevices(ctx context.Context, userID string, rendered *presence.RenderedNotification) {
	tokens, err := s.prefs.GetUserDeviceTokens(ctx, userID)
	if err != nil {
		s.errCount.Add(1)
		s.logger.Warn().Err(err).Str("user_id", userID).Msg("Could not load device tokens for batch delivery.")
		return
	}
	for _, token := range tokens {
		if !token.IsActive {
			continue
		}
		if res := s.gateway.SendToDevice(ctx, token, rendered); !res.Success {
			s.logger.Warn().Str("user_id", userID).Str("platform", token.Platform).
				Str("error", res.Error).Msg("Batch push delivery failed.")
		}
	}
}
