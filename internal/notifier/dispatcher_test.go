package notifier

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"xrplalerts/internal/config"
	"xrplalerts/internal/models"
)

type fakeDispatchStore struct {
	mu      sync.Mutex
	nextID  int64
	rows    map[int64]*models.Notification
	details map[int64]models.ActivityDetail
	delays  map[int64]time.Duration
	claims  map[int64]time.Time
}

func newFakeDispatchStore() *fakeDispatchStore {
	return &fakeDispatchStore{
		rows:    make(map[int64]*models.Notification),
		details: make(map[int64]models.ActivityDetail),
		delays:  make(map[int64]time.Duration),
		claims:  make(map[int64]time.Time),
	}
}

func (f *fakeDispatchStore) InsertNotifications(_ context.Context, notifications []models.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, n := range notifications {
		f.nextID++
		n.ID = f.nextID
		n.Status = models.NotificationPending
		n.ScheduledAt = time.Now()
		row := n
		f.rows[n.ID] = &row
	}
	return nil
}

func (f *fakeDispatchStore) ClaimDueNotification(context.Context) (*models.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.rows {
		if row.Status == models.NotificationPending && !row.ScheduledAt.After(time.Now()) {
			row.Status = models.NotificationInFlight
			f.claims[row.ID] = time.Now()
			claimed := *row
			return &claimed, nil
		}
	}
	return nil, nil
}

func (f *fakeDispatchStore) MarkNotificationSent(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[id].Status = models.NotificationSent
	now := time.Now()
	f.rows[id].SentAt = &now
	f.rows[id].ErrorMessage = ""
	return nil
}

func (f *fakeDispatchStore) RescheduleNotification(_ context.Context, id int64, delay time.Duration, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	row := f.rows[id]
	row.Status = models.NotificationPending
	row.RetryCount++
	row.ScheduledAt = time.Now().Add(delay)
	row.ErrorMessage = errMsg
	f.delays[id] = delay
	return nil
}

func (f *fakeDispatchStore) MarkNotificationFailed(_ context.Context, id int64, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[id].Status = models.NotificationFailed
	f.rows[id].ErrorMessage = errMsg
	return nil
}

func (f *fakeDispatchStore) NotificationStats(context.Context) (map[string]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stats := make(map[string]int64)
	for _, row := range f.rows {
		stats[row.Status]++
	}
	return stats, nil
}

func (f *fakeDispatchStore) DeleteNotificationsOlderThan(context.Context, time.Duration) (int64, error) {
	return 0, nil
}

func (f *fakeDispatchStore) ReclaimStaleNotifications(_ context.Context, age time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var reclaimed int64
	for id, row := range f.rows {
		if row.Status == models.NotificationInFlight && f.claims[id].Before(time.Now().Add(-age)) {
			row.Status = models.NotificationPending
			row.ScheduledAt = time.Now()
			delete(f.claims, id)
			reclaimed++
		}
	}
	return reclaimed, nil
}

func (f *fakeDispatchStore) GetActivityDetails(_ context.Context, ids []int64) ([]models.ActivityDetail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.ActivityDetail
	for _, id := range ids {
		if d, ok := f.details[id]; ok {
			out = append(out, d)
		}
	}
	return out, nil
}

// makeDue rewinds a row's scheduledAt so the next claim picks it up.
func (f *fakeDispatchStore) makeDue(id int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[id].ScheduledAt = time.Now().Add(-time.Second)
}

// scriptedSender fails with the scripted errors, then succeeds.
type scriptedSender struct {
	mu       sync.Mutex
	failures []error
	attempts int
}

func (s *scriptedSender) Send(context.Context, Payload) (SendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	if len(s.failures) > 0 {
		err := s.failures[0]
		s.failures = s.failures[1:]
		return SendResult{}, err
	}
	return SendResult{MessageID: "msg-1"}, nil
}

func dispatcherWith(store Store, sender Sender) *Dispatcher {
	return NewDispatcher(config.DispatcherConfig{
		Workers:       1,
		MaxRetries:    3,
		RetryDelays:   []time.Duration{time.Second, 5 * time.Second, 15 * time.Second},
		SenderTimeout: time.Second,
		RetentionDays: 30,
	}, store, map[string]Sender{models.ChannelWebhook: sender})
}

func enqueueOne(t *testing.T, d *Dispatcher, store *fakeDispatchStore) int64 {
	t.Helper()
	detail := salePayload("").Detail
	store.details[detail.Activity.ID] = detail
	err := d.Enqueue(context.Background(), detail, models.AlertConfig{
		ID:     100,
		UserID: "user-1",
		NotificationChannels: []models.NotificationChannel{
			{Type: models.ChannelWebhook, Webhook: &models.WebhookChannel{URL: "https://example.com"}},
		},
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return store.nextID
}

// drive claims and processes until nothing is due.
func drive(t *testing.T, d *Dispatcher, store *fakeDispatchStore, id int64, maxRounds int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < maxRounds; i++ {
		n, err := store.ClaimDueNotification(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if n == nil {
			return
		}
		d.process(ctx, n)
		store.mu.Lock()
		status := store.rows[id].Status
		store.mu.Unlock()
		if status == models.NotificationPending {
			store.makeDue(id)
		}
	}
}

func TestDispatcherEnqueueOneRowPerChannel(t *testing.T) {
	store := newFakeDispatchStore()
	d := dispatcherWith(store, &scriptedSender{})

	detail := salePayload("").Detail
	err := d.Enqueue(context.Background(), detail, models.AlertConfig{
		ID: 100, UserID: "user-1",
		NotificationChannels: []models.NotificationChannel{
			{Type: models.ChannelDiscord, Discord: &models.DiscordChannel{WebhookURL: "https://discord.com/api/webhooks/1/t"}},
			{Type: models.ChannelEmail, Email: &models.EmailChannel{Recipients: []string{"u@example.com"}}},
			{Type: models.ChannelWebhook, Webhook: &models.WebhookChannel{URL: "https://example.com"}},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(store.rows) != 3 {
		t.Errorf("got %d rows, want one per channel", len(store.rows))
	}
	for _, row := range store.rows {
		if row.Status != models.NotificationPending || row.RetryCount != 0 {
			t.Errorf("row %d = %s/%d, want pending/0", row.ID, row.Status, row.RetryCount)
		}
	}
}

func TestDispatcherSuccessAfterRetries(t *testing.T) {
	store := newFakeDispatchStore()
	sender := &scriptedSender{failures: []error{
		fmt.Errorf("connection reset"),
		fmt.Errorf("connection reset"),
	}}
	d := dispatcherWith(store, sender)

	id := enqueueOne(t, d, store)
	drive(t, d, store, id, 10)

	row := store.rows[id]
	if row.Status != models.NotificationSent {
		t.Errorf("status = %s, want sent", row.Status)
	}
	if row.RetryCount != 2 {
		t.Errorf("retryCount = %d, want 2", row.RetryCount)
	}
	if sender.attempts != 3 {
		t.Errorf("attempts = %d, want 3", sender.attempts)
	}
}

func TestDispatcherExhaustedRetriesEndFailed(t *testing.T) {
	store := newFakeDispatchStore()
	sender := &scriptedSender{failures: []error{
		fmt.Errorf("boom"), fmt.Errorf("boom"), fmt.Errorf("boom"),
		fmt.Errorf("boom"), fmt.Errorf("boom"),
	}}
	d := dispatcherWith(store, sender)

	id := enqueueOne(t, d, store)
	drive(t, d, store, id, 10)

	row := store.rows[id]
	if row.Status != models.NotificationFailed {
		t.Errorf("status = %s, want failed", row.Status)
	}
	if row.RetryCount != 3 {
		t.Errorf("retryCount = %d, want maxRetries", row.RetryCount)
	}
	if row.ErrorMessage == "" {
		t.Error("errorMessage not recorded")
	}
}

func TestDispatcherRetryAfterOverridesBackoff(t *testing.T) {
	store := newFakeDispatchStore()
	sender := &scriptedSender{failures: []error{
		&SendError{RetryAfter: 5 * time.Second, Err: fmt.Errorf("rate limited")},
	}}
	d := dispatcherWith(store, sender)

	id := enqueueOne(t, d, store)
	ctx := context.Background()
	n, _ := store.ClaimDueNotification(ctx)
	d.process(ctx, n)

	if store.delays[id] != 5*time.Second {
		t.Errorf("delay = %s, want the server-provided 5s", store.delays[id])
	}
	if store.rows[id].RetryCount != 1 {
		t.Errorf("retryCount = %d, want 1", store.rows[id].RetryCount)
	}

	store.makeDue(id)
	drive(t, d, store, id, 5)
	if store.rows[id].Status != models.NotificationSent {
		t.Errorf("status = %s, want sent on the next attempt", store.rows[id].Status)
	}
}

func TestDispatcherPermanentErrorSkipsRetries(t *testing.T) {
	store := newFakeDispatchStore()
	sender := &scriptedSender{failures: []error{
		&SendError{Permanent: true, Err: fmt.Errorf("invalid Discord webhook URL")},
	}}
	d := dispatcherWith(store, sender)

	id := enqueueOne(t, d, store)
	drive(t, d, store, id, 5)

	row := store.rows[id]
	if row.Status != models.NotificationFailed {
		t.Errorf("status = %s, want failed", row.Status)
	}
	if row.RetryCount != 0 {
		t.Errorf("retryCount = %d, want 0 for a permanent failure", row.RetryCount)
	}
}

func TestDispatcherUnknownChannelFailsPermanently(t *testing.T) {
	store := newFakeDispatchStore()
	d := dispatcherWith(store, &scriptedSender{})

	detail := salePayload("").Detail
	store.details[detail.Activity.ID] = detail
	d.Enqueue(context.Background(), detail, models.AlertConfig{
		ID: 100, UserID: "user-1",
		NotificationChannels: []models.NotificationChannel{{Type: "pager"}},
	})

	ctx := context.Background()
	n, _ := store.ClaimDueNotification(ctx)
	d.process(ctx, n)

	row := store.rows[n.ID]
	if row.Status != models.NotificationFailed {
		t.Errorf("status = %s, want failed for unknown channel", row.Status)
	}
}

func TestDispatcherReclaimsAbandonedClaims(t *testing.T) {
	store := newFakeDispatchStore()
	d := dispatcherWith(store, &scriptedSender{})

	id := enqueueOne(t, d, store)
	ctx := context.Background()

	// A worker claims the row, then dies without reporting back.
	if n, _ := store.ClaimDueNotification(ctx); n == nil {
		t.Fatal("expected a claimable row")
	}

	// A fresh claim is left alone.
	d.reclaimStale(ctx)
	store.mu.Lock()
	status := store.rows[id].Status
	store.mu.Unlock()
	if status != models.NotificationInFlight {
		t.Fatalf("status = %s, fresh claims must not be reclaimed", status)
	}

	store.mu.Lock()
	store.claims[id] = time.Now().Add(-staleClaimAge - time.Minute)
	store.mu.Unlock()
	d.reclaimStale(ctx)

	store.mu.Lock()
	status, retries := store.rows[id].Status, store.rows[id].RetryCount
	store.mu.Unlock()
	if status != models.NotificationPending {
		t.Fatalf("status = %s, want pending after reclaim", status)
	}
	if retries != 0 {
		t.Errorf("retryCount = %d, want 0 since no delivery was attempted", retries)
	}

	// The reclaimed row then delivers normally.
	store.makeDue(id)
	drive(t, d, store, id, 5)
	if store.rows[id].Status != models.NotificationSent {
		t.Errorf("status = %s, want sent after reclaim", store.rows[id].Status)
	}
}

func TestDispatcherRetryDelayLadder(t *testing.T) {
	d := dispatcherWith(newFakeDispatchStore(), &scriptedSender{})
	cases := []struct {
		retryCount int
		want       time.Duration
	}{
		{0, time.Second},
		{1, 5 * time.Second},
		{2, 15 * time.Second},
		{5, 15 * time.Second}, // last value reused
	}
	for _, tc := range cases {
		if got := d.retryDelay(tc.retryCount); got != tc.want {
			t.Errorf("retryDelay(%d) = %s, want %s", tc.retryCount, got, tc.want)
		}
	}
}
