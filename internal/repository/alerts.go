package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"xrplalerts/internal/models"
)

// ListCandidateAlertConfigs returns the active configs that could match an
// activity of the given type on the given collection: collection-scoped
// configs for that collection plus global (NULL collection) configs. The
// matcher applies price and trait filters afterwards.
func (r *Repository) ListCandidateAlertConfigs(ctx context.Context, activityType models.ActivityType, collectionID *int64) ([]models.AlertConfig, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, name, collection_id, activity_types,
		       COALESCE(min_price_drops::text,''), COALESCE(max_price_drops::text,''),
		       trait_filters, notification_channels, is_active, created_at, updated_at
		FROM alert_configs
		WHERE is_active
		  AND $1 = ANY(activity_types)
		  AND (collection_id IS NULL OR collection_id = $2)`,
		string(activityType), collectionID)
	if err != nil {
		return nil, fmt.Errorf("query alert configs: %w", err)
	}
	defer rows.Close()

	var configs []models.AlertConfig
	for rows.Next() {
		var (
			c        models.AlertConfig
			types    []string
			traits   []byte
			channels []byte
		)
		err := rows.Scan(&c.ID, &c.UserID, &c.Name, &c.CollectionID, &types,
			&c.MinPriceDrops, &c.MaxPriceDrops, &traits, &channels,
			&c.IsActive, &c.CreatedAt, &c.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan alert config: %w", err)
		}
		for _, t := range types {
			c.ActivityTypes = append(c.ActivityTypes, models.ActivityType(t))
		}
		if len(traits) > 0 {
			if err := json.Unmarshal(traits, &c.TraitFilters); err != nil {
				return nil, fmt.Errorf("decode trait filters for config %d: %w", c.ID, err)
			}
		}
		if err := json.Unmarshal(channels, &c.NotificationChannels); err != nil {
			return nil, fmt.Errorf("decode channels for config %d: %w", c.ID, err)
		}
		configs = append(configs, c)
	}
	return configs, rows.Err()
}
