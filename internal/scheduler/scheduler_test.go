package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"connectors-gateway/internal/locks"
	"connectors-gateway/internal/oauth"
	"connectors-gateway/internal/testutil"
	"connectors-gateway/internal/vault"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) record(event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *eventRecorder) byType(eventType EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

func newTestScheduler(t *testing.T, cfg Config, refresh RefreshCallback) (*Scheduler, *vault.Client) {
	t.Helper()
	fv := testutil.NewFakeVault()
	t.Cleanup(fv.Close)

	client, err := vault.NewClient(vault.Config{
		Address: fv.Address(),
		Token:   testutil.FakeVaultToken,
	}, nil)
	require.NoError(t, err)

	s := New(client, refresh, locks.NewRegistry(), cfg, nil)
	t.Cleanup(s.Stop)
	return s, client
}

func seedCredentials(t *testing.T, client *vault.Client, tenant, integration string) {
	t.Helper()
	require.NoError(t, client.StoreCredentials(context.Background(), tenant, integration, &oauth.Credentials{
		AccessToken:  "old-access",
		RefreshToken: "old-refresh",
		ExpiresAt:    time.Now().Add(time.Minute),
		TokenType:    "Bearer",
		Integration:  integration,
	}))
}

func succeedingCallback(calls *int32) RefreshCallback {
	return func(ctx context.Context, tenantID, integration string, creds *oauth.Credentials) (*oauth.TokenResponse, error) {
		atomic.AddInt32(calls, 1)
		return &oauth.TokenResponse{
			AccessToken:  "new-access",
			RefreshToken: "new-refresh",
			ExpiresIn:    3600,
			TokenType:    "Bearer",
		}, nil
	}
}

func TestScheduleRefreshSetsRunAtBeforeExpiry(t *testing.T) {
	var calls int32
	s, _ := newTestScheduler(t, Config{}, succeedingCallback(&calls))

	recorder := &eventRecorder{}
	sub := s.Subscribe(recorder.record)
	defer sub.Close()

	expiresAt := time.Now().Add(time.Hour)
	s.ScheduleRefresh(context.Background(), "tenant-1", "github", expiresAt)

	job, ok := s.Job("tenant-1", "github")
	require.True(t, ok)
	assert.Equal(t, "tenant-1:github", job.ID)
	assert.Equal(t, oauth.JobStatusPending, job.Status)
	assert.WithinDuration(t, expiresAt.Add(-5*time.Minute), job.RunAt, time.Second)

	assert.Len(t, recorder.byType(EventScheduled), 1)
	assert.Zero(t, atomic.LoadInt32(&calls), "nothing should run before runAt")
}

func TestScheduleRefreshReplacesExistingJob(t *testing.T) {
	var calls int32
	s, _ := newTestScheduler(t, Config{}, succeedingCallback(&calls))

	s.ScheduleRefresh(context.Background(), "tenant-1", "github", time.Now().Add(time.Hour))
	s.ScheduleRefresh(context.Background(), "tenant-1", "github", time.Now().Add(2*time.Hour))

	assert.Len(t, s.Jobs(), 1)
	job, ok := s.Job("tenant-1", "github")
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(2*time.Hour-5*time.Minute), job.RunAt, time.Second)
}

func TestScheduleRefreshInsideBufferRunsImmediately(t *testing.T) {
	var calls int32
	s, client := newTestScheduler(t, Config{}, succeedingCallback(&calls))
	seedCredentials(t, client, "tenant-1", "github")

	// Expiry inside the 5min buffer: refresh fires now, without a queued job.
	s.ScheduleRefresh(context.Background(), "tenant-1", "github", time.Now().Add(time.Minute))

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&calls) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		creds, err := client.GetCredentials(context.Background(), "tenant-1", "github")
		return err == nil && creds.AccessToken == "new-access"
	}, 2*time.Second, 10*time.Millisecond)

	// The successful refresh scheduled the next cycle.
	job, ok := s.Job("tenant-1", "github")
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(55*time.Minute), job.RunAt, 5*time.Second)
}

func TestDueJobRefreshesAndReschedules(t *testing.T) {
	var calls int32
	s, client := newTestScheduler(t, Config{TickInterval: 10 * time.Millisecond}, succeedingCallback(&calls))
	seedCredentials(t, client, "tenant-1", "github")

	recorder := &eventRecorder{}
	sub := s.Subscribe(recorder.record)
	defer sub.Close()

	s.ScheduleRefresh(context.Background(), "tenant-1", "github", time.Now().Add(5*time.Minute+50*time.Millisecond))
	s.Start()

	require.Eventually(t, func() bool {
		return len(recorder.byType(EventSuccess)) == 1
	}, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	creds, err := client.GetCredentials(context.Background(), "tenant-1", "github")
	require.NoError(t, err)
	assert.Equal(t, "new-access", creds.AccessToken)
	assert.Equal(t, "new-refresh", creds.RefreshToken)

	// Next cycle is queued for the new expiry.
	job, ok := s.Job("tenant-1", "github")
	require.True(t, ok)
	assert.Equal(t, oauth.JobStatusPending, job.Status)
}

func TestFailingRefreshRetriesThenExhausts(t *testing.T) {
	var calls int32
	failing := func(ctx context.Context, tenantID, integration string, creds *oauth.Credentials) (*oauth.TokenResponse, error) {
		atomic.AddInt32(&calls, 1)
		return nil, fmt.Errorf("provider down")
	}

	s, client := newTestScheduler(t, Config{
		TickInterval: 10 * time.Millisecond,
		BackoffUnit:  time.Millisecond,
	}, failing)
	seedCredentials(t, client, "tenant-1", "github")

	recorder := &eventRecorder{}
	sub := s.Subscribe(recorder.record)
	defer sub.Close()

	s.ScheduleRefresh(context.Background(), "tenant-1", "github", time.Now().Add(5*time.Minute+30*time.Millisecond))
	s.Start()

	require.Eventually(t, func() bool {
		return len(recorder.byType(EventFailed)) == 1
	}, 5*time.Second, 10*time.Millisecond)

	// Initial attempt plus exactly 3 retries.
	assert.Equal(t, int32(4), atomic.LoadInt32(&calls))
	assert.Len(t, recorder.byType(EventRetry), 3)

	failed := recorder.byType(EventFailed)[0]
	var exhausted *oauth.RefreshExhaustedError
	require.ErrorAs(t, failed.Err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)

	// The exhausted job is gone.
	_, ok := s.Job("tenant-1", "github")
	assert.False(t, ok)
}

func TestCancelRefreshIsIdempotent(t *testing.T) {
	var calls int32
	s, _ := newTestScheduler(t, Config{}, succeedingCallback(&calls))

	s.ScheduleRefresh(context.Background(), "tenant-1", "github", time.Now().Add(time.Hour))
	require.Len(t, s.Jobs(), 1)

	s.CancelRefresh("tenant-1", "github")
	assert.Empty(t, s.Jobs())

	// Cancelling again, or cancelling something never scheduled, is fine.
	s.CancelRefresh("tenant-1", "github")
	s.CancelRefresh("tenant-2", "slack")
}

func TestStartTwiceAndStopTwice(t *testing.T) {
	var calls int32
	s, _ := newTestScheduler(t, Config{TickInterval: 10 * time.Millisecond}, succeedingCallback(&calls))

	s.Start()
	s.Start() // warns, no-op
	s.Stop()
	s.Stop() // no-op
}

func TestSubscriptionCloseStopsDelivery(t *testing.T) {
	var calls int32
	s, _ := newTestScheduler(t, Config{}, succeedingCallback(&calls))

	recorder := &eventRecorder{}
	sub := s.Subscribe(recorder.record)

	s.ScheduleRefresh(context.Background(), "tenant-1", "github", time.Now().Add(time.Hour))
	require.Len(t, recorder.byType(EventScheduled), 1)

	sub.Close()
	sub.Close() // safe to close twice

	s.ScheduleRefresh(context.Background(), "tenant-1", "slack", time.Now().Add(time.Hour))
	assert.Len(t, recorder.byType(EventScheduled), 1, "closed subscription must not receive events")
}

func TestRefreshHoldsKeyedMutex(t *testing.T) {
	var calls int32
	registry := locks.NewRegistry()

	fv := testutil.NewFakeVault()
	t.Cleanup(fv.Close)
	client, err := vault.NewClient(vault.Config{Address: fv.Address(), Token: testutil.FakeVaultToken}, nil)
	require.NoError(t, err)
	seedCredentials(t, client, "tenant-1", "github")

	s := New(client, succeedingCallback(&calls), registry, Config{TickInterval: 10 * time.Millisecond}, nil)
	t.Cleanup(s.Stop)

	// Hold the pair's mutex, as the proxy's forced refresh would.
	release := make(chan struct{})
	held := make(chan struct{})
	go func() {
		_ = registry.RunExclusive(context.Background(), "tenant-1:github", func() error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	s.ScheduleRefresh(context.Background(), "tenant-1", "github", time.Now().Add(5*time.Minute+20*time.Millisecond))
	s.Start()

	// The due job queues behind the held mutex instead of refreshing.
	time.Sleep(150 * time.Millisecond)
	assert.Zero(t, atomic.LoadInt32(&calls))

	close(release)
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&calls) == 1
	}, 2*time.Second, 10*time.Millisecond)
}
