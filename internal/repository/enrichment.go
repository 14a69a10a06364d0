package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"time"

	"xrplalerts/internal/models"
)

// EnqueueEnrichment upserts a pending task for the NFT. Re-enqueueing a
// completed token resets it to pending (EnrichNow path); re-enqueueing a
// pending one is a no-op.
func (r *Repository) EnqueueEnrichment(ctx context.Context, nftID string) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO enrichment_queue (nft_id, status, next_retry_at)
		VALUES ($1, 'pending', now())
		ON CONFLICT (nft_id) DO UPDATE SET
			status = 'pending', retry_count = 0, next_retry_at = now(), last_error = NULL
		WHERE enrichment_queue.status <> 'pending'`,
		nftID)
	if err != nil {
		return fmt.Errorf("enqueue enrichment %s: %w", nftID, err)
	}
	return nil
}

// ListDueEnrichmentTasks returns up to limit pending tasks whose retry time
// has arrived, oldest first.
func (r *Repository) ListDueEnrichmentTasks(ctx context.Context, limit int) ([]models.EnrichmentTask, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT nft_id, status, retry_count, last_attempt_at, next_retry_at,
		       COALESCE(last_error,''), created_at
		FROM enrichment_queue
		WHERE status = 'pending' AND next_retry_at <= now()
		ORDER BY next_retry_at
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query enrichment queue: %w", err)
	}
	defer rows.Close()

	var tasks []models.EnrichmentTask
	for rows.Next() {
		var t models.EnrichmentTask
		err := rows.Scan(&t.NFTokenID, &t.Status, &t.RetryCount, &t.LastAttemptAt,
			&t.NextRetryAt, &t.LastError, &t.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan enrichment task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (r *Repository) MarkEnrichmentCompleted(ctx context.Context, nftID string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE enrichment_queue
		SET status = 'completed', last_attempt_at = now(), last_error = NULL
		WHERE nft_id = $1`, nftID)
	if err != nil {
		return fmt.Errorf("mark enrichment completed %s: %w", nftID, err)
	}
	return nil
}

// MarkEnrichmentAttemptFailed records a failed attempt. While attempts
// remain the task goes back to pending with the next backoff delay; after
// the last attempt it becomes failed.
func (r *Repository) MarkEnrichmentAttemptFailed(ctx context.Context, nftID string, delay time.Duration, terminal bool, errMsg string) error {
	status := "pending"
	if terminal {
		status = "failed"
	}
	_, err := r.pool.Exec(ctx, `
		UPDATE enrichment_queue
		SET status = $2, retry_count = retry_count + 1, last_attempt_at = now(),
		    next_retry_at = now() + $3::interval, last_error = $4
		WHERE nft_id = $1`,
		nftID, status, delay.String(), truncateErr(errMsg))
	if err != nil {
		return fmt.Errorf("mark enrichment failed %s: %w", nftID, err)
	}
	return nil
}

// GetNFTForEnrichment loads the NFT row by token id.
func (r *Repository) GetNFTForEnrichment(ctx context.Context, nftID string) (*models.NFT, error) {
	var n models.NFT
	err := r.pool.QueryRow(ctx, `
		SELECT id, nft_id, collection_id, owner_address, COALESCE(metadata_uri,''),
		       metadata, traits, COALESCE(image_url,''), COALESCE(cached_image_url,''),
		       metadata_fetched_at, image_fetched_at
		FROM nfts WHERE nft_id = $1`, nftID).
		Scan(&n.ID, &n.NFTokenID, &n.CollectionID, &n.OwnerAddress, &n.MetadataURI,
			&n.Metadata, &n.Traits, &n.ImageURL, &n.CachedImageURL,
			&n.MetadataFetchedAt, &n.ImageFetchedAt)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get nft %s: %w", nftID, err)
	}
	return &n, nil
}

// SetNFTMetadataURI records the decoded URI on first sight of the token.
func (r *Repository) SetNFTMetadataURI(ctx context.Context, nftID, uri string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE nfts SET metadata_uri = $2, updated_at = now()
		WHERE nft_id = $1 AND (metadata_uri IS NULL OR metadata_uri = '')`,
		nftID, uri)
	if err != nil {
		return fmt.Errorf("set metadata uri %s: %w", nftID, err)
	}
	return nil
}

// UpdateNFTMetadata stores the normalized metadata document and extracted
// traits after a successful fetch.
func (r *Repository) UpdateNFTMetadata(ctx context.Context, nftID string, metadata, traits json.RawMessage, imageURL string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE nfts
		SET metadata = $2, traits = $3, image_url = NULLIF($4,''),
		    metadata_fetched_at = now(), metadata_fetch_error = NULL, updated_at = now()
		WHERE nft_id = $1`,
		nftID, metadata, traits, imageURL)
	if err != nil {
		return fmt.Errorf("update nft metadata %s: %w", nftID, err)
	}
	return nil
}

func (r *Repository) SetNFTMetadataError(ctx context.Context, nftID, errMsg string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE nfts SET metadata_fetch_error = $2, updated_at = now()
		WHERE nft_id = $1`, nftID, truncateErr(errMsg))
	if err != nil {
		return fmt.Errorf("set metadata error %s: %w", nftID, err)
	}
	return nil
}

func (r *Repository) UpdateNFTCachedImage(ctx context.Context, nftID, cachedURL string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE nfts
		SET cached_image_url = $2, image_fetched_at = now(),
		    image_fetch_error = NULL, updated_at = now()
		WHERE nft_id = $1`, nftID, cachedURL)
	if err != nil {
		return fmt.Errorf("update cached image %s: %w", nftID, err)
	}
	return nil
}

func (r *Repository) SetNFTImageError(ctx context.Context, nftID, errMsg string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE nfts SET image_fetch_error = $2, updated_at = now()
		WHERE nft_id = $1`, nftID, truncateErr(errMsg))
	if err != nil {
		return fmt.Errorf("set image error %s: %w", nftID, err)
	}
	return nil
}

// WithEnrichmentLock runs fn while holding a transaction-scoped advisory
// lock keyed by the token id, so replicas never enrich the same NFT
// concurrently. Returns (false, nil) without running fn when another holder
// has the lock.
func (r *Repository) WithEnrichmentLock(ctx context.Context, nftID string, fn func(ctx context.Context) error) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var acquired bool
	if err := tx.QueryRow(ctx,
		`SELECT pg_try_advisory_xact_lock($1)`, lockKey(nftID)).Scan(&acquired); err != nil {
		return false, fmt.Errorf("acquire enrichment lock %s: %w", nftID, err)
	}
	if !acquired {
		return false, nil
	}
	if err := fn(ctx); err != nil {
		return true, err
	}
	return true, tx.Commit(ctx)
}

func lockKey(nftID string) int64 {
	h := fnv.New64a()
	h.Write([]byte("enrich:" + nftID))
	return int64(h.Sum64())
}

// EnrichmentQueueDepths returns pending/failed counts for the status API.
func (r *Repository) EnrichmentQueueDepths(ctx context.Context) (map[string]int64, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM enrichment_queue GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("query enrichment depths: %w", err)
	}
	defer rows.Close()

	depths := make(map[string]int64)
	for rows.Next() {
		var (
			status string
			count  int64
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		depths[status] = count
	}
	return depths, rows.Err()
}
