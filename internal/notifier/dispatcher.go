package notifier

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"xrplalerts/internal/config"
	"xrplalerts/internal/metrics"
	"xrplalerts/internal/models"
)

// Sender delivers one payload over one channel.
type Sender interface {
	Send(ctx context.Context, p Payload) (SendResult, error)
}

// Store is the repository slice the dispatcher needs.
type Store interface {
	InsertNotifications(ctx context.Context, notifications []models.Notification) error
	ClaimDueNotification(ctx context.Context) (*models.Notification, error)
	MarkNotificationSent(ctx context.Context, id int64) error
	RescheduleNotification(ctx context.Context, id int64, delay time.Duration, errMsg string) error
	MarkNotificationFailed(ctx context.Context, id int64, errMsg string) error
	NotificationStats(ctx context.Context) (map[string]int64, error)
	DeleteNotificationsOlderThan(ctx context.Context, age time.Duration) (int64, error)
	ReclaimStaleNotifications(ctx context.Context, age time.Duration) (int64, error)
	GetActivityDetails(ctx context.Context, activityIDs []int64) ([]models.ActivityDetail, error)
}

const claimPollInterval = 500 * time.Millisecond

// Claims older than this belong to a worker that died mid-delivery and go
// back to the queue.
const (
	staleClaimAge   = 5 * time.Minute
	reclaimInterval = time.Minute
)

// Dispatcher owns the durable notification queue: it enqueues one row per
// channel for every matched activity and runs a worker pool that claims,
// renders and delivers them with per-channel policy.
type Dispatcher struct {
	cfg     config.DispatcherConfig
	store   Store
	senders map[string]Sender

	wake chan struct{}
}

func NewDispatcher(cfg config.DispatcherConfig, store Store, senders map[string]Sender) *Dispatcher {
	return &Dispatcher{
		cfg:     cfg,
		store:   store,
		senders: senders,
		wake:    make(chan struct{}, 1),
	}
}

// DefaultSenders wires the three built-in channels.
func DefaultSenders(cfg config.DispatcherConfig) map[string]Sender {
	return map[string]Sender{
		models.ChannelDiscord: NewDiscordSender(cfg.SenderTimeout),
		models.ChannelEmail:   NewEmailSender(cfg),
		models.ChannelWebhook: NewWebhookSender(cfg.SenderTimeout),
	}
}

// Enqueue persists one pending notification per configured channel. Callers
// must only pass activities whose rows are already committed.
func (d *Dispatcher) Enqueue(ctx context.Context, detail models.ActivityDetail, alertCfg models.AlertConfig) error {
	if len(alertCfg.NotificationChannels) == 0 {
		return nil
	}
	rows := make([]models.Notification, 0, len(alertCfg.NotificationChannels))
	for _, ch := range alertCfg.NotificationChannels {
		rows = append(rows, models.Notification{
			UserID:        alertCfg.UserID,
			AlertConfigID: alertCfg.ID,
			ActivityID:    detail.Activity.ID,
			Channel:       ch.Type,
			ChannelConfig: ch,
		})
	}
	if err := d.store.InsertNotifications(ctx, rows); err != nil {
		return fmt.Errorf("enqueue notifications for activity %d: %w", detail.Activity.ID, err)
	}
	select {
	case d.wake <- struct{}{}:
	default:
	}
	return nil
}

// Run starts the worker pool and the retention cleanup, blocking until ctx
// is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < d.cfg.Workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			d.workerLoop(ctx, worker)
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.cleanupLoop(ctx)
	}()
	wg.Wait()
}

func (d *Dispatcher) workerLoop(ctx context.Context, worker int) {
	for ctx.Err() == nil {
		n, err := d.store.ClaimDueNotification(ctx)
		if err != nil {
			log.Printf("[dispatcher] worker %d claim: %v", worker, err)
			sleepOrDone(ctx, time.Second)
			continue
		}
		if n == nil {
			select {
			case <-ctx.Done():
				return
			case <-d.wake:
			case <-time.After(claimPollInterval):
			}
			continue
		}
		d.process(ctx, n)
	}
}

// process delivers one claimed notification and records the outcome.
func (d *Dispatcher) process(ctx context.Context, n *models.Notification) {
	payload, err := d.loadPayload(ctx, n)
	if err != nil {
		log.Printf("[dispatcher] notification %d: %v", n.ID, err)
		d.recordFailure(ctx, n, asSendError(err))
		return
	}

	sender, ok := d.senders[n.Channel]
	if !ok {
		d.recordFailure(ctx, n, &SendError{Permanent: true,
			Err: fmt.Errorf("unknown channel type: %s", n.Channel)})
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SenderTimeout)
	res, err := sender.Send(sendCtx, payload)
	cancel()
	if err != nil {
		d.recordFailure(ctx, n, asSendError(err))
		return
	}

	if err := d.store.MarkNotificationSent(ctx, n.ID); err != nil {
		log.Printf("[dispatcher] mark sent %d: %v", n.ID, err)
		return
	}
	metrics.NotificationsDelivered.WithLabelValues(n.Channel, models.NotificationSent).Inc()
	log.Printf("[dispatcher] notification %d sent over %s (message %s, attempt %d)",
		n.ID, n.Channel, res.MessageID, n.RetryCount+1)
}

func (d *Dispatcher) loadPayload(ctx context.Context, n *models.Notification) (Payload, error) {
	details, err := d.store.GetActivityDetails(ctx, []int64{n.ActivityID})
	if err != nil {
		return Payload{}, fmt.Errorf("load activity %d: %w", n.ActivityID, err)
	}
	if len(details) == 0 {
		return Payload{}, &SendError{Permanent: true,
			Err: fmt.Errorf("activity %d not found", n.ActivityID)}
	}
	return Payload{Notification: *n, Detail: details[0]}, nil
}

// recordFailure applies the retry policy: permanent errors and exhausted
// retries are terminal; everything else is rescheduled with either the
// server-provided Retry-After or the configured backoff ladder.
func (d *Dispatcher) recordFailure(ctx context.Context, n *models.Notification, se *SendError) {
	if se.Permanent || n.RetryCount >= d.cfg.MaxRetries {
		if err := d.store.MarkNotificationFailed(ctx, n.ID, se.Error()); err != nil {
			log.Printf("[dispatcher] mark failed %d: %v", n.ID, err)
			return
		}
		metrics.NotificationsDelivered.WithLabelValues(n.Channel, models.NotificationFailed).Inc()
		log.Printf("[dispatcher] notification %d failed permanently over %s: %v", n.ID, n.Channel, se.Err)
		return
	}

	delay := se.RetryAfter
	if delay <= 0 {
		delay = d.retryDelay(n.RetryCount)
	}
	if err := d.store.RescheduleNotification(ctx, n.ID, delay, se.Error()); err != nil {
		log.Printf("[dispatcher] reschedule %d: %v", n.ID, err)
		return
	}
	metrics.NotificationsDelivered.WithLabelValues(n.Channel, "retry").Inc()
	log.Printf("[dispatcher] notification %d retry %d over %s in %s: %v",
		n.ID, n.RetryCount+1, n.Channel, delay, se.Err)
}

// retryDelay indexes the ladder by retry count, reusing the last value for
// any further retries.
func (d *Dispatcher) retryDelay(retryCount int) time.Duration {
	delays := d.cfg.RetryDelays
	if len(delays) == 0 {
		delays = []time.Duration{time.Second, 5 * time.Second, 15 * time.Second}
	}
	if retryCount >= len(delays) {
		return delays[len(delays)-1]
	}
	return delays[retryCount]
}

func (d *Dispatcher) cleanupLoop(ctx context.Context) {
	retention := time.NewTicker(time.Hour)
	defer retention.Stop()
	reclaim := time.NewTicker(reclaimInterval)
	defer reclaim.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-reclaim.C:
			d.reclaimStale(ctx)
		case <-retention.C:
			age := time.Duration(d.cfg.RetentionDays) * 24 * time.Hour
			deleted, err := d.store.DeleteNotificationsOlderThan(ctx, age)
			if err != nil {
				log.Printf("[dispatcher] cleanup: %v", err)
				continue
			}
			if deleted > 0 {
				log.Printf("[dispatcher] cleaned up %d notifications older than %d days",
					deleted, d.cfg.RetentionDays)
			}
		}
	}
}

// reclaimStale requeues in-flight rows whose worker never reported back.
func (d *Dispatcher) reclaimStale(ctx context.Context) {
	reclaimed, err := d.store.ReclaimStaleNotifications(ctx, staleClaimAge)
	if err != nil {
		log.Printf("[dispatcher] reclaim stale claims: %v", err)
		return
	}
	if reclaimed > 0 {
		log.Printf("[dispatcher] requeued %d notifications abandoned in flight", reclaimed)
	}
}

// Stats returns queue counts by status.
func (d *Dispatcher) Stats(ctx context.Context) (map[string]int64, error) {
	return d.store.NotificationStats(ctx)
}

func sleepOrDone(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
