package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"xrplalerts/internal/models"
)

// InsertNotifications creates one pending row per (matched activity, config,
// channel), snapshotting the channel config so retries survive config edits.
func (r *Repository) InsertNotifications(ctx context.Context, notifications []models.Notification) error {
	if len(notifications) == 0 {
		return nil
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, n := range notifications {
		cfg, err := json.Marshal(n.ChannelConfig)
		if err != nil {
			return fmt.Errorf("encode channel config: %w", err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO notifications
				(user_id, alert_config_id, activity_id, channel, channel_config, status, scheduled_at)
			VALUES ($1, $2, $3, $4, $5, 'pending', now())
			ON CONFLICT (alert_config_id, activity_id, channel) DO NOTHING`,
			n.UserID, n.AlertConfigID, n.ActivityID, n.Channel, cfg)
		if err != nil {
			return fmt.Errorf("insert notification: %w", err)
		}
	}
	return tx.Commit(ctx)
}

// ClaimDueNotification atomically flips the oldest due pending row to
// in_flight and returns it. SKIP LOCKED keeps concurrent workers from
// claiming the same row. Returns (nil, nil) when nothing is due.
func (r *Repository) ClaimDueNotification(ctx context.Context) (*models.Notification, error) {
	var (
		n   models.Notification
		cfg []byte
	)
	err := r.pool.QueryRow(ctx, `
		UPDATE notifications SET status = 'in_flight', claimed_at = now()
		WHERE id = (
			SELECT id FROM notifications
			WHERE status = 'pending' AND scheduled_at <= now()
			ORDER BY scheduled_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, user_id, alert_config_id, activity_id, channel, channel_config,
		          status, retry_count, scheduled_at, sent_at, COALESCE(error_message,''), created_at`).
		Scan(&n.ID, &n.UserID, &n.AlertConfigID, &n.ActivityID, &n.Channel, &cfg,
			&n.Status, &n.RetryCount, &n.ScheduledAt, &n.SentAt, &n.ErrorMessage, &n.CreatedAt)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim notification: %w", err)
	}
	if err := json.Unmarshal(cfg, &n.ChannelConfig); err != nil {
		return nil, fmt.Errorf("decode channel config for notification %d: %w", n.ID, err)
	}
	return &n, nil
}

func (r *Repository) MarkNotificationSent(ctx context.Context, id int64) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE notifications SET status = 'sent', sent_at = now(), error_message = NULL
		WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark sent %d: %w", id, err)
	}
	return nil
}

// RescheduleNotification puts a failed attempt back to pending with an
// incremented retry count and a future due time.
func (r *Repository) RescheduleNotification(ctx context.Context, id int64, delay time.Duration, errMsg string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE notifications
		SET status = 'pending', retry_count = retry_count + 1,
		    scheduled_at = now() + $2::interval, error_message = $3
		WHERE id = $1`,
		id, delay.String(), truncateErr(errMsg))
	if err != nil {
		return fmt.Errorf("reschedule %d: %w", id, err)
	}
	return nil
}

// MarkNotificationFailed is terminal: retries are exhausted or the failure
// is permanent (4xx, malformed config).
func (r *Repository) MarkNotificationFailed(ctx context.Context, id int64, errMsg string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE notifications SET status = 'failed', error_message = $2
		WHERE id = $1`, id, truncateErr(errMsg))
	if err != nil {
		return fmt.Errorf("mark failed %d: %w", id, err)
	}
	return nil
}

func truncateErr(msg string) string {
	const max = 1024
	if len(msg) > max {
		return msg[:max]
	}
	return msg
}

// ReclaimStaleNotifications returns claims abandoned by crashed workers to
// the queue. The retry count is untouched; the crash was not a delivery
// failure.
func (r *Repository) ReclaimStaleNotifications(ctx context.Context, age time.Duration) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE notifications
		SET status = 'pending', scheduled_at = now(), claimed_at = NULL
		WHERE status = 'in_flight' AND claimed_at < now() - $1::interval`,
		age.String())
	if err != nil {
		return 0, fmt.Errorf("reclaim stale notifications: %w", err)
	}
	return tag.RowsAffected(), nil
}

// NotificationStats returns row counts grouped by status.
func (r *Repository) NotificationStats(ctx context.Context) (map[string]int64, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM notifications GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("query notification stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[string]int64)
	for rows.Next() {
		var (
			status string
			count  int64
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

// DeleteNotificationsOlderThan removes terminal rows past the retention
// window. In-flight and pending rows are never touched.
func (r *Repository) DeleteNotificationsOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM notifications
		WHERE status IN ('sent', 'failed') AND created_at < now() - $1::interval`,
		age.String())
	if err != nil {
		return 0, fmt.Errorf("delete old notifications: %w", err)
	}
	return tag.RowsAffected(), nil
}
