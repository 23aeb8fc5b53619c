// Package scheduler implements the notification scheduling pipeline: per-user
// preference and quiet-hours policy, low-priority batching, cluster-wide rate
// limiting, delivery channel selection, and retry with exponential backoff.
// Pending work lives in shared-store lanes so any instance can make progress.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-presence-service/pkg/presence"
)

// EventDistributor is the slice of the cluster coordinator the scheduler needs
// for in-app delivery.
type EventDistributor interface {
	IsUserOnline(ctx context.Context, userID string) bool
	DistributeEvent(ctx context.Context, scope presence.EventScope, name string, payload map[string]any, targetID string)
}

// Config holds the scheduler's tunables. Zero values take the defaults below.
type Config struct {
	RateLimits       RateLimitConfig `yaml:"rate_limits"`
	Batching         BatchConfig     `yaml:"batching"`
	MaxRetries       int             `yaml:"max_retries"`
	RetryBackoffBase time.Duration   `yaml:"retry_backoff_base"`
	SweepInterval    time.Duration   `yaml:"sweep_interval"`
}

func (c *Config) applyDefaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoffBase <= 0 {
		c.RetryBackoffBase = time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 5 * time.Second
	}
	if c.Batching.Window <= 0 {
		c.Batching.Window = 5 * time.Minute
	}
}

// Scheduler coordinates notification delivery for one instance. All shared
// state (lanes, counters, batch accumulators) lives in the coordination store,
// so multiple instances can run schedulers concurrently.
type Scheduler struct {
	cfg     Config
	store   presence.CoordinationStore
	prefs   presence.PreferencesGateway
	gateway presence.DeliveryGateway
	cluster EventDistributor
	limiter *rateLimiter
	logger  zerolog.Logger

	mu        sync.Mutex
	running   bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startedAt time.Time

	processed atomic.Int64
	errCount  atomic.Int64

	now func() time.Time
}

// New creates a Scheduler. Start must be called for the background sweeps;
// ScheduleNotification works without them.
func New(cfg Config, store presence.CoordinationStore, prefs presence.PreferencesGateway,
	gateway presence.DeliveryGateway, cluster EventDistributor, logger zerolog.Logger) *Scheduler {
	cfg.applyDefaults()
	s := &Scheduler{
		cfg:     cfg,
		store:   store,
		prefs:   prefs,
		gateway: gateway,
		cluster: cluster,
		logger:  logger.With().Str("component", "scheduler").Logger(),
		now:     time.Now,
	}
	s.limiter = newRateLimiter(cfg.RateLimits, store, s.logger)
	return s
}

// ScheduleNotification runs one job through the full pipeline and returns a
// structured result. It never panics and never returns an error value: every
// outcome, including terminal delivery failure, is expressed in the result.
func (s *Scheduler) ScheduleNotification(ctx context.Context, job presence.NotificationJob) presence.ScheduleResult {
	if job.UserID == "" || job.TemplateID == "" {
		s.errCount.Add(1)
		return presence.ScheduleResult{Error: "userId and templateId are required"}
	}
	s.normalize(&job)

	// Future-dated jobs are parked as-is; policy runs when they come due.
	if job.ScheduledFor.Sub(s.now()) > time.Second {
		at := job.ScheduledFor
		if err := s.pushDelayed(ctx, job, at); err != nil {
			s.errCount.Add(1)
			s.logger.Error().Err(err).Str("job_id", job.ID).Msg("Could not park future-dated job.")
			return presence.ScheduleResult{Error: "scheduling failed"}
		}
		return presence.ScheduleResult{
			Success:      true,
			Delayed:      true,
			DelayReason:  presence.DelayReasonScheduled,
			DelayedUntil: &at,
		}
	}

	enabled, err := s.prefs.IsNotificationTypeEnabled(ctx, job.UserID, job.TemplateID)
	if err != nil {
		s.logger.Warn().Err(err).Str("user_id", job.UserID).Msg("Preferences unavailable, failing open.")
		enabled = true
	}
	if !enabled {
		return presence.ScheduleResult{Success: true, Skipped: true, SkipReason: presence.SkipReasonTypeDisabled}
	}

	if res, deferred := s.deferForQuietHours(ctx, job); deferred {
		return res
	}

	if s.batchable(job) {
		if res, ok := s.accumulate(ctx, job); ok {
			return res
		}
	}

	bypassed := false
	if !s.limiter.allow(ctx, job.UserID, job.TemplateID) {
		if job.Priority != presence.PriorityHigh || !s.cfg.RateLimits.HighPriorityBypass {
			return presence.ScheduleResult{Success: true, RateLimited: true}
		}
		bypassed = true
	}

	res := s.attemptDelivery(ctx, job)
	res.BypassedRateLimit = bypassed
	return res
}

func (s *Scheduler) normalize(job *presence.NotificationJob) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Priority == "" {
		job.Priority = presence.PriorityNormal
	}
	if job.MaxRetries <= 0 {
		job.MaxRetries = s.cfg.MaxRetries
	}
	if job.ScheduledFor.IsZero() {
		job.ScheduledFor = s.now()
	}
}

// deferForQuietHours parks a normal-priority job until the user's quiet-hours
// window closes. High-priority jobs and explicit overrides go through. When
// the check or the window end cannot be determined the job is still deferred,
// to a fixed fallback: uncertainty must not push notifications into quiet
// hours.
func (s *Scheduler) deferForQuietHours(ctx context.Context, job presence.NotificationJob) (presence.ScheduleResult, bool) {
	if job.Priority == presence.PriorityHigh || job.OverrideQuietHours {
		return presence.ScheduleResult{}, false
	}

	now := s.now()
	quiet, err := s.prefs.IsInQuietHours(ctx, job.UserID, now)
	if err != nil {
		// Uncertainty defers, same as an unreadable window end below:
		// never wake a user because the preferences store was down.
		s.logger.Warn().Err(err).Str("user_id", job.UserID).Msg("Quiet-hours check unavailable, deferring.")
		quiet = true
	}
	if !quiet {
		return presence.ScheduleResult{}, false
	}

	end, err := s.prefs.QuietHoursEnd(ctx, job.UserID, now)
	if err != nil || !end.After(now) {
		end = now.Add(time.Hour)
	}
	if err := s.pushDelayed(ctx, job, end); err != nil {
		s.errCount.Add(1)
		s.logger.Error().Err(err).Str("job_id", job.ID).Msg("Could not defer job for quiet hours.")
		return presence.ScheduleResult{Error: "quiet-hours deferral failed"}, true
	}
	return presence.ScheduleResult{
		Success:      true,
		Delayed:      true,
		DelayReason:  presence.DelayReasonQuietHours,
		DelayedUntil: &end,
	}, true
}

// attemptDelivery picks a channel and makes one delivery attempt. Users online
// anywhere in the cluster get the in-app channel; everyone else gets push.
// Transient failures go to the retry path, permanent ones are terminal.
func (s *Scheduler) attemptDelivery(ctx context.Context, job presence.NotificationJob) presence.ScheduleResult {
	s.processed.Add(1)
	rendered := renderJob(job)

	if s.cluster.IsUserOnline(ctx, job.UserID) {
		s.cluster.DistributeEvent(ctx, presence.ScopeUser, presence.EventNotificationNew, notificationPayload(rendered), job.UserID)
		return presence.ScheduleResult{Success: true, Delivered: true, Channel: presence.ChannelInApp}
	}

	tokens, err := s.prefs.GetUserDeviceTokens(ctx, job.UserID)
	if err != nil {
		return s.scheduleRetry(ctx, job, err.Error())
	}

	attempted := false
	permanentOnly := true
	lastErr := ""
	for _, token := range tokens {
		if !token.IsActive {
			continue
		}
		attempted = true
		res := s.gateway.SendToDevice(ctx, token, rendered)
		if res.Success {
			return presence.ScheduleResult{Success: true, Delivered: true, Channel: presence.ChannelPush}
		}
		lastErr = res.Error
		if !res.Permanent {
			permanentOnly = false
		}
	}
	if !attempted {
		return presence.ScheduleResult{Success: true, Skipped: true, SkipReason: presence.SkipReasonNoActiveDevices}
	}
	if permanentOnly {
		s.errCount.Add(1)
		return presence.ScheduleResult{Error: lastErr, FinalAttempt: true}
	}
	return s.scheduleRetry(ctx, job, lastErr)
}

// scheduleRetry parks a transiently failed job with exponential backoff, or
// resolves it terminally once the retry budget is spent.
func (s *Scheduler) scheduleRetry(ctx context.Context, job presence.NotificationJob, cause string) presence.ScheduleResult {
	if job.RetryCount >= job.MaxRetries {
		s.errCount.Add(1)
		s.logger.Error().Str("job_id", job.ID).Str("user_id", job.UserID).
			Str("cause", cause).Msg("Notification delivery exhausted retries.")
		return presence.ScheduleResult{Error: "Max retries exceeded", FinalAttempt: true}
	}

	job.RetryCount++
	at := s.now().Add(backoffDelay(s.cfg.RetryBackoffBase, job.RetryCount))
	if err := s.pushDelayed(ctx, job, at); err != nil {
		s.errCount.Add(1)
		s.logger.Error().Err(err).Str("job_id", job.ID).Msg("Could not park job for retry.")
		return presence.ScheduleResult{Error: cause}
	}
	s.logger.Debug().Str("job_id", job.ID).Int("retry_count", job.RetryCount).
		Time("retry_at", at).Str("cause", cause).Msg("Delivery failed, retry scheduled.")
	return presence.ScheduleResult{
		Success:      true,
		Delayed:      true,
		DelayReason:  presence.DelayReasonRetryBackoff,
		DelayedUntil: &at,
	}
}

// backoffDelay is base * 2^retryCount.
func backoffDelay(base time.Duration, retryCount int) time.Duration {
	if retryCount > 16 {
		retryCount = 16
	}
	return base << uint(retryCount)
}

func renderJob(job presence.NotificationJob) *presence.RenderedNotification {
	return &presence.RenderedNotification{
		ID:         job.ID,
		UserID:     job.UserID,
		TemplateID: job.TemplateID,
		Variables:  []map[string]string{job.Variables},
		Priority:   job.Priority,
	}
}

func notificationPayload(n *presence.RenderedNotification) map[string]any {
	return map[string]any{
		"id":         n.ID,
		"userId":     n.UserID,
		"templateId": n.TemplateID,
		"variables":  n.Variables,
		"batched":    n.Batched,
		"priority":   n.Priority,
	}
}

// Start launches the background sweep loop. Safe to call once; subsequent
// calls while running are no-ops.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.running = true
	s.startedAt = s.now()

	s.wg.Add(1)
	go s.sweepLoop(loopCtx)

	s.logger.Info().Dur("sweep_interval", s.cfg.SweepInterval).Msg("Notification scheduler started.")
	return nil
}

func (s *Scheduler) sweepLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.drainLanes(ctx)
			s.ProcessDueNotifications(ctx)
			s.processBatchWindows(ctx)
		}
	}
}

// Stop halts the sweep loop and waits for the in-flight pass to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	s.logger.Info().Msg("Notification scheduler stopped.")
}

// IsRunning reports whether the sweep loop is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// GetHealthStatus summarises the scheduler for the health endpoint.
func (s *Scheduler) GetHealthStatus(ctx context.Context) presence.HealthStatus {
	s.mu.Lock()
	running := s.running
	startedAt := s.startedAt
	s.mu.Unlock()

	status := presence.HealthStatus{
		Status:    "ok",
		Running:   running,
		Processed: s.processed.Load(),
		Errors:    s.errCount.Load(),
	}
	if running {
		status.Uptime = s.now().Sub(startedAt)
	}

	stats, err := s.GetQueueStats(ctx)
	if err != nil {
		status.Status = "degraded"
		s.logger.Warn().Err(err).Msg("Queue stats unavailable for health report.")
		return status
	}
	status.QueueStats = stats
	return status
}
