// Package scheduler implements proactive token refresh. It keeps an
// in-memory job map keyed by "tenantId:integration", scans it on a fixed
// tick, and runs due refreshes through a caller-supplied callback with
// exponential-backoff retry. Every refresh execution holds the same keyed
// mutex the proxy's forced refresh uses, so the two trigger paths can never
// refresh the same pair at once.
package scheduler

import (
	"context"
	"sync"
	"time"

	"connectors-gateway/internal/common/logging"
	"connectors-gateway/internal/locks"
	"connectors-gateway/internal/oauth"
	"connectors-gateway/internal/vault"
)

// RefreshCallback exchanges the current credentials for fresh ones, e.g. by
// calling the provider's token endpoint.
type RefreshCallback func(ctx context.Context, tenantID, integration string, creds *oauth.Credentials) (*oauth.TokenResponse, error)

// EventType names a refresh lifecycle event.
type EventType string

const (
	EventScheduled EventType = "scheduled"
	EventSuccess   EventType = "success"
	EventRetry     EventType = "retry"
	EventFailed    EventType = "failed"
)

// Event is a refresh lifecycle notification.
type Event struct {
	Type        EventType
	TenantID    string
	Integration string
	RetryCount  int
	Err         error
}

// Subscription is a handle to an event subscription. Owners must Close it
// on shutdown; the scheduler outlives individual consumers.
type Subscription struct {
	id        int
	scheduler *Scheduler
	once      sync.Once
}

// Close detaches the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.scheduler.mu.Lock()
		delete(s.scheduler.subscribers, s.id)
		s.scheduler.mu.Unlock()
	})
}

// Config holds scheduler tuning. Zero values take defaults: 60s tick, 5min
// refresh buffer, 3 retries, 1s backoff unit.
type Config struct {
	// TickInterval is how often pending jobs are scanned
	TickInterval time.Duration
	// RefreshBuffer is the margin before expiry at which refresh runs
	RefreshBuffer time.Duration
	// MaxRetries is the retry budget per job before it fails terminally
	MaxRetries int
	// BackoffUnit scales the 2^n retry delays
	BackoffUnit time.Duration
}

func (c *Config) applyDefaults() {
	if c.TickInterval <= 0 {
		c.TickInterval = 60 * time.Second
	}
	if c.RefreshBuffer <= 0 {
		c.RefreshBuffer = 5 * time.Minute
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BackoffUnit <= 0 {
		c.BackoffUnit = time.Second
	}
}

// Scheduler maintains refresh jobs and executes them when due. Safe for
// concurrent use.
type Scheduler struct {
	store   *vault.Client
	refresh RefreshCallback
	locks   *locks.Registry
	config  Config
	logger  logging.Logger

	mu          sync.Mutex
	jobs        map[string]*oauth.RefreshJob
	subscribers map[int]func(Event)
	nextSubID   int
	running     bool
	stopCh      chan struct{}
}

// New creates a scheduler. The locks registry must be the same instance the
// owning proxy serializes forced refreshes with.
func New(store *vault.Client, refresh RefreshCallback, registry *locks.Registry, config Config, logger logging.Logger) *Scheduler {
	config.applyDefaults()
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &Scheduler{
		store:       store,
		refresh:     refresh,
		locks:       registry,
		config:      config,
		logger:      logger,
		jobs:        make(map[string]*oauth.RefreshJob),
		subscribers: make(map[int]func(Event)),
	}
}

// Subscribe registers a lifecycle event handler and returns its handle.
// Handlers run synchronously on the emitting goroutine and must not block.
func (s *Scheduler) Subscribe(fn func(Event)) *Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = fn
	return &Subscription{id: id, scheduler: s}
}

func (s *Scheduler) emit(event Event) {
	s.mu.Lock()
	handlers := make([]func(Event), 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		handlers = append(handlers, fn)
	}
	s.mu.Unlock()

	for _, fn := range handlers {
		fn(event)
	}
}

// ScheduleRefresh arms a refresh for the pair at expiresAt minus the
// refresh buffer. A token already inside the buffer is refreshed
// immediately in the background instead of queued. Scheduling again for the
// same pair replaces the existing job.
func (s *Scheduler) ScheduleRefresh(ctx context.Context, tenantID, integration string, expiresAt time.Time) {
	runAt := expiresAt.Add(-s.config.RefreshBuffer)

	if !runAt.After(time.Now()) {
		s.logger.Info("Token already inside refresh buffer, refreshing now",
			logging.Field{Key: "tenant_id", Value: tenantID},
			logging.Field{Key: "integration", Value: integration},
		)
		go func() {
			job := &oauth.RefreshJob{
				ID:          oauth.JobID(tenantID, integration),
				TenantID:    tenantID,
				Integration: integration,
				RunAt:       time.Now(),
				Status:      oauth.JobStatusRunning,
			}
			if err := s.executeRefresh(context.WithoutCancel(ctx), job); err != nil {
				s.logger.Error("Immediate refresh failed", err,
					logging.Field{Key: "tenant_id", Value: tenantID},
					logging.Field{Key: "integration", Value: integration},
				)
			}
		}()
		return
	}

	id := oauth.JobID(tenantID, integration)
	s.mu.Lock()
	s.jobs[id] = &oauth.RefreshJob{
		ID:          id,
		TenantID:    tenantID,
		Integration: integration,
		RunAt:       runAt,
		Status:      oauth.JobStatusPending,
	}
	s.mu.Unlock()

	s.logger.Info("Scheduled token refresh",
		logging.Field{Key: "tenant_id", Value: tenantID},
		logging.Field{Key: "integration", Value: integration},
		logging.Field{Key: "run_at", Value: runAt.UTC().Format(time.RFC3339)},
	)
	s.emit(Event{Type: EventScheduled, TenantID: tenantID, Integration: integration})
}

// CancelRefresh removes the job for the pair if one exists. Idempotent.
func (s *Scheduler) CancelRefresh(tenantID, integration string) {
	id := oauth.JobID(tenantID, integration)
	s.mu.Lock()
	_, existed := s.jobs[id]
	delete(s.jobs, id)
	s.mu.Unlock()

	if existed {
		s.logger.Info("Cancelled token refresh",
			logging.Field{Key: "tenant_id", Value: tenantID},
			logging.Field{Key: "integration", Value: integration},
		)
	}
}

// Start arms the periodic scan. Calling Start on a running scheduler warns
// and does nothing.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Warn("Refresh scheduler already running")
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh
	s.mu.Unlock()

	go s.run(stopCh)
	s.logger.Info("Refresh scheduler started",
		logging.Field{Key: "tick_interval", Value: s.config.TickInterval.String()},
	)
}

// Stop disarms the periodic scan. In-flight refreshes are not cancelled.
// Stopping a stopped scheduler is a no-op.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.logger.Info("Refresh scheduler stopped")
}

func (s *Scheduler) run(stopCh chan struct{}) {
	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

// tick claims every due pending job and executes the batch concurrently.
func (s *Scheduler) tick() {
	now := time.Now()

	s.mu.Lock()
	var due []*oauth.RefreshJob
	for _, job := range s.jobs {
		if job.Status == oauth.JobStatusPending && !job.RunAt.After(now) {
			job.Status = oauth.JobStatusRunning
			claimed := *job
			due = append(due, &claimed)
		}
	}
	s.mu.Unlock()

	for _, job := range due {
		go func(job *oauth.RefreshJob) {
			if err := s.executeRefresh(context.Background(), job); err != nil {
				s.logger.Error("Scheduled refresh failed", err,
					logging.Field{Key: "tenant_id", Value: job.TenantID},
					logging.Field{Key: "integration", Value: job.Integration},
				)
			}
		}(job)
	}
}

// executeRefresh runs one refresh under the pair's keyed mutex: fetch
// current credentials, call the refresh callback, persist the new
// credentials, and schedule the next cycle. On failure the job is
// rescheduled with 2^retryCount backoff until the retry budget runs out,
// then removed with a terminal RefreshExhaustedError.
func (s *Scheduler) executeRefresh(ctx context.Context, job *oauth.RefreshJob) error {
	return s.locks.RunExclusive(ctx, job.ID, func() error {
		creds, err := s.store.GetCredentials(ctx, job.TenantID, job.Integration)
		if err != nil {
			return s.handleFailure(ctx, job, err)
		}

		resp, err := s.refresh(ctx, job.TenantID, job.Integration, creds)
		if err != nil {
			return s.handleFailure(ctx, job, err)
		}

		newCreds := oauth.CredentialsFromTokenResponse(job.Integration, resp)
		if newCreds.RefreshToken == "" {
			// Providers may omit the refresh token on rotation; keep the old one.
			newCreds.RefreshToken = creds.RefreshToken
		}

		if err := s.store.StoreCredentials(ctx, job.TenantID, job.Integration, newCreds); err != nil {
			return s.handleFailure(ctx, job, err)
		}

		s.mu.Lock()
		delete(s.jobs, job.ID)
		s.mu.Unlock()

		s.logger.Info("Token refreshed",
			logging.Field{Key: "tenant_id", Value: job.TenantID},
			logging.Field{Key: "integration", Value: job.Integration},
			logging.Field{Key: "expires_at", Value: newCreds.ExpiresAt.UTC().Format(time.RFC3339)},
		)
		s.emit(Event{Type: EventSuccess, TenantID: job.TenantID, Integration: job.Integration})

		s.ScheduleRefresh(ctx, job.TenantID, job.Integration, newCreds.ExpiresAt)
		return nil
	})
}

func (s *Scheduler) handleFailure(ctx context.Context, job *oauth.RefreshJob, cause error) error {
	if job.RetryCount < s.config.MaxRetries {
		delay := time.Duration(1<<uint(job.RetryCount)) * s.config.BackoffUnit
		retryCount := job.RetryCount + 1

		s.mu.Lock()
		s.jobs[job.ID] = &oauth.RefreshJob{
			ID:          job.ID,
			TenantID:    job.TenantID,
			Integration: job.Integration,
			RunAt:       time.Now().Add(delay),
			RetryCount:  retryCount,
			Status:      oauth.JobStatusPending,
		}
		s.mu.Unlock()

		s.logger.Warn("Token refresh failed, will retry",
			logging.Field{Key: "tenant_id", Value: job.TenantID},
			logging.Field{Key: "integration", Value: job.Integration},
			logging.Field{Key: "retry_count", Value: retryCount},
			logging.Field{Key: "delay", Value: delay.String()},
			logging.Err(cause),
		)
		s.emit(Event{Type: EventRetry, TenantID: job.TenantID, Integration: job.Integration, RetryCount: retryCount, Err: cause})
		return nil
	}

	s.mu.Lock()
	delete(s.jobs, job.ID)
	s.mu.Unlock()

	err := oauth.NewRefreshExhaustedError(job.Integration, job.TenantID, job.RetryCount, cause)
	s.logger.Error("Token refresh exhausted retries, removing job", cause,
		logging.Field{Key: "tenant_id", Value: job.TenantID},
		logging.Field{Key: "integration", Value: job.Integration},
		logging.Field{Key: "attempts", Value: job.RetryCount},
	)
	s.emit(Event{Type: EventFailed, TenantID: job.TenantID, Integration: job.Integration, RetryCount: job.RetryCount, Err: err})
	return err
}

// Jobs returns a snapshot of all jobs.
func (s *Scheduler) Jobs() []oauth.RefreshJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	jobs := make([]oauth.RefreshJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, *job)
	}
	return jobs
}

// Job returns a snapshot of the job for the pair, if any.
func (s *Scheduler) Job(tenantID, integration string) (oauth.RefreshJob, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[oauth.JobID(tenantID, integration)]
	if !ok {
		return oauth.RefreshJob{}, false
	}
	return *job, true
}
