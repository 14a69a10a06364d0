package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"xrplalerts/internal/models"
	"xrplalerts/internal/xrpl"
)

// ActivityBatch is the unit the ingester commits: the activities of one or
// more ledgers plus the checkpoint rows for the ledgers they came from.
type ActivityBatch struct {
	Activities []models.NftActivity
	Ledgers    []models.LedgerSyncStatus
}

// SaveBatch persists a batch atomically: collections and NFTs are upserted
// first so activities can reference them, activity inserts rely on the
// (transaction_hash, activity_type, nft_id) unique constraint to drop
// replayed rows, and the ledger checkpoints land in the same transaction.
// It returns the activities that were actually inserted (replays excluded),
// with their row ids filled in.
func (r *Repository) SaveBatch(ctx context.Context, batch ActivityBatch) ([]models.NftActivity, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var inserted []models.NftActivity
	for i := range batch.Activities {
		act := batch.Activities[i]

		var collectionID *int64
		issuer, taxon, derr := deriveCollection(act.NFTokenID)
		if derr == nil {
			var id int64
			err = tx.QueryRow(ctx, `
				INSERT INTO collections (issuer_address, taxon)
				VALUES ($1, $2)
				ON CONFLICT (issuer_address, taxon) DO UPDATE SET taxon = EXCLUDED.taxon
				RETURNING id`,
				issuer, int64(taxon)).Scan(&id)
			if err != nil {
				return nil, fmt.Errorf("upsert collection %s/%d: %w", issuer, taxon, err)
			}
			collectionID = &id
		}

		owner := act.ToAddress
		if owner == "" {
			owner = act.FromAddress
		}
		var nftRowID int64
		err = tx.QueryRow(ctx, `
			INSERT INTO nfts (nft_id, collection_id, owner_address, last_activity_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (nft_id) DO UPDATE SET
				owner_address    = CASE WHEN EXCLUDED.last_activity_at >= COALESCE(nfts.last_activity_at, 'epoch') THEN EXCLUDED.owner_address ELSE nfts.owner_address END,
				collection_id    = COALESCE(nfts.collection_id, EXCLUDED.collection_id),
				last_activity_at = GREATEST(COALESCE(nfts.last_activity_at, 'epoch'), EXCLUDED.last_activity_at),
				updated_at       = now()
			RETURNING id`,
			act.NFTokenID, collectionID, owner, act.Timestamp).Scan(&nftRowID)
		if err != nil {
			return nil, fmt.Errorf("upsert nft %s: %w", act.NFTokenID, err)
		}

		meta := act.Metadata
		if len(meta) == 0 {
			meta = json.RawMessage(`{}`)
		}
		var activityID int64
		err = tx.QueryRow(ctx, `
			INSERT INTO nft_activities
				(nft_row_id, nft_id, transaction_hash, ledger_index, activity_type,
				 from_address, to_address, price_drops, currency, issuer, timestamp, metadata)
			VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8,'')::numeric, NULLIF($9,''), NULLIF($10,''), $11, $12)
			ON CONFLICT (transaction_hash, activity_type, nft_id) DO NOTHING
			RETURNING id`,
			nftRowID, act.NFTokenID, act.TransactionHash, int64(act.LedgerIndex),
			string(act.ActivityType), nullable(act.FromAddress), nullable(act.ToAddress),
			act.PriceDrops, act.Currency, act.Issuer, act.Timestamp, meta,
		).Scan(&activityID)
		if isNoRows(err) {
			continue // replay, already persisted
		}
		if err != nil {
			return nil, fmt.Errorf("insert activity %s/%s: %w", act.TransactionHash, act.ActivityType, err)
		}
		act.ID = activityID
		act.NFTRowID = &nftRowID
		inserted = append(inserted, act)
	}

	for _, l := range batch.Ledgers {
		_, err = tx.Exec(ctx, `
			INSERT INTO ledger_sync_status (ledger_index, ledger_hash, close_time, transaction_count)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (ledger_index) DO NOTHING`,
			int64(l.LedgerIndex), l.LedgerHash, l.CloseTime, l.TransactionCount)
		if err != nil {
			return nil, fmt.Errorf("checkpoint ledger %d: %w", l.LedgerIndex, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit batch: %w", err)
	}
	return inserted, nil
}

// deriveCollection extracts the (issuer, taxon) collection key embedded in
// every NFTokenID.
func deriveCollection(nftID string) (string, uint32, error) {
	parts, err := xrpl.DecodeNFTokenID(nftID)
	if err != nil {
		return "", 0, err
	}
	return parts.Issuer, parts.Taxon, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// GetActivityDetails loads activities with their NFT and collection rows in
// one joined query.
func (r *Repository) GetActivityDetails(ctx context.Context, activityIDs []int64) ([]models.ActivityDetail, error) {
	if len(activityIDs) == 0 {
		return nil, nil
	}
	rows, err := r.pool.Query(ctx, `
		SELECT a.id, a.nft_row_id, a.nft_id, a.transaction_hash, a.ledger_index,
		       a.activity_type, COALESCE(a.from_address,''), COALESCE(a.to_address,''),
		       COALESCE(a.price_drops::text,''), COALESCE(a.currency,''), COALESCE(a.issuer,''),
		       a.timestamp, a.metadata,
		       n.id, n.nft_id, n.collection_id, n.owner_address,
		       COALESCE(n.metadata_uri,''), n.metadata, n.traits,
		       COALESCE(n.image_url,''), COALESCE(n.cached_image_url,''),
		       c.id, c.issuer_address, c.taxon, COALESCE(c.name,'')
		FROM nft_activities a
		LEFT JOIN nfts n ON n.id = a.nft_row_id
		LEFT JOIN collections c ON c.id = n.collection_id
		WHERE a.id = ANY($1)
		ORDER BY a.id`,
		activityIDs)
	if err != nil {
		return nil, fmt.Errorf("query activity details: %w", err)
	}
	defer rows.Close()

	var details []models.ActivityDetail
	for rows.Next() {
		var (
			d        models.ActivityDetail
			nftID    *int64
			nftToken *string
			nftColl  *int64
			owner    *string
			metaURI  *string
			nftMeta  []byte
			traits   []byte
			imageURL *string
			cached   *string
			cID      *int64
			cIssuer  *string
			cTaxon   *int64
			cName    *string
		)
		err := rows.Scan(
			&d.Activity.ID, &d.Activity.NFTRowID, &d.Activity.NFTokenID,
			&d.Activity.TransactionHash, &d.Activity.LedgerIndex,
			&d.Activity.ActivityType, &d.Activity.FromAddress, &d.Activity.ToAddress,
			&d.Activity.PriceDrops, &d.Activity.Currency, &d.Activity.Issuer,
			&d.Activity.Timestamp, &d.Activity.Metadata,
			&nftID, &nftToken, &nftColl, &owner, &metaURI, &nftMeta, &traits,
			&imageURL, &cached,
			&cID, &cIssuer, &cTaxon, &cName)
		if err != nil {
			return nil, fmt.Errorf("scan activity detail: %w", err)
		}
		if nftID != nil {
			d.NFT = &models.NFT{
				ID:             *nftID,
				NFTokenID:      deref(nftToken),
				CollectionID:   nftColl,
				OwnerAddress:   deref(owner),
				MetadataURI:    deref(metaURI),
				Metadata:       nftMeta,
				Traits:         traits,
				ImageURL:       deref(imageURL),
				CachedImageURL: deref(cached),
			}
		}
		if cID != nil {
			d.Collection = &models.Collection{
				ID:            *cID,
				IssuerAddress: deref(cIssuer),
				Taxon:         uint32(derefInt(cTaxon)),
				Name:          deref(cName),
			}
		}
		details = append(details, d)
	}
	return details, rows.Err()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefInt(i *int64) int64 {
	if i == nil {
		return 0
	}
	return *i
}

// LastProcessedLedger returns the highest checkpointed ledger index, or 0
// when the database is empty.
func (r *Repository) LastProcessedLedger(ctx context.Context) (uint32, error) {
	var idx int64
	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(ledger_index), 0) FROM ledger_sync_status`).Scan(&idx)
	if err != nil {
		return 0, fmt.Errorf("query last ledger: %w", err)
	}
	return uint32(idx), nil
}
