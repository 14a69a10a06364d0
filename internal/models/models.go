package models

import (
	"encoding/json"
	"time"
)

// ActivityType classifies a single NFT-related ledger transaction.
type ActivityType string

const (
	ActivityMint           ActivityType = "mint"
	ActivitySale           ActivityType = "sale"
	ActivityOfferCreated   ActivityType = "offer_created"
	ActivityOfferAccepted  ActivityType = "offer_accepted"
	ActivityOfferCancelled ActivityType = "offer_cancelled"
	ActivityTransfer       ActivityType = "transfer"
	ActivityBurn           ActivityType = "burn"
)

// ValidActivityTypes lists every activity type an alert config may reference.
var ValidActivityTypes = []ActivityType{
	ActivityMint, ActivitySale, ActivityOfferCreated, ActivityOfferAccepted,
	ActivityOfferCancelled, ActivityTransfer, ActivityBurn,
}

// Collection represents the 'collections' table. A collection is identified
// by the (issuer, taxon) pair embedded in every NFTokenID and is created
// lazily on first sighting.
type Collection struct {
	ID            int64           `json:"id"`
	IssuerAddress string          `json:"issuer_address"`
	Taxon         uint32          `json:"taxon"`
	Name          string          `json:"name,omitempty"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// NFT represents the 'nfts' table. Metadata fields stay null until the
// enricher's first successful fetch; burns keep the row.
type NFT struct {
	ID                 int64           `json:"id"`
	NFTokenID          string          `json:"nft_id"` // 64-hex token id
	CollectionID       *int64          `json:"collection_id,omitempty"`
	OwnerAddress       string          `json:"owner_address"`
	MetadataURI        string          `json:"metadata_uri,omitempty"`
	Metadata           json.RawMessage `json:"metadata,omitempty"`
	Traits             json.RawMessage `json:"traits,omitempty"`
	ImageURL           string          `json:"image_url,omitempty"`
	CachedImageURL     string          `json:"cached_image_url,omitempty"`
	MetadataFetchedAt  *time.Time      `json:"metadata_fetched_at,omitempty"`
	ImageFetchedAt     *time.Time      `json:"image_fetched_at,omitempty"`
	MetadataFetchError string          `json:"metadata_fetch_error,omitempty"`
	ImageFetchError    string          `json:"image_fetch_error,omitempty"`
	LastActivityAt     *time.Time      `json:"last_activity_at,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// NftActivity is an append-only fact row in 'nft_activities'.
// (TransactionHash, ActivityType, NFTokenID) is unique.
type NftActivity struct {
	ID              int64           `json:"id"`
	NFTRowID        *int64          `json:"nft_row_id,omitempty"`
	NFTokenID       string          `json:"nft_id"`
	TransactionHash string          `json:"transaction_hash"`
	LedgerIndex     uint32          `json:"ledger_index"`
	ActivityType    ActivityType    `json:"activity_type"`
	FromAddress     string          `json:"from_address,omitempty"`
	ToAddress       string          `json:"to_address,omitempty"`
	// PriceDrops is a non-negative decimal string. Values routinely exceed
	// 64 bits; all comparisons go through math/big.
	PriceDrops string          `json:"price_drops,omitempty"`
	Currency   string          `json:"currency,omitempty"`
	Issuer     string          `json:"issuer,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// ActivityDetail is the pre-joined read model the matcher and dispatcher
// consume (activity + NFT + collection in one query, no N+1).
type ActivityDetail struct {
	Activity   NftActivity `json:"activity"`
	NFT        *NFT        `json:"nft,omitempty"`
	Collection *Collection `json:"collection,omitempty"`
}

// Trait filter operators.
const (
	OpEquals      = "equals"
	OpNotEquals   = "not_equals"
	OpGreaterThan = "greater_than"
	OpLessThan    = "less_than"
	OpContains    = "contains"
)

// TraitFilter is one structured predicate over an NFT trait.
type TraitFilter struct {
	TraitType string      `json:"trait_type"`
	Value     interface{} `json:"value"`
	Operator  string      `json:"operator"`
}

// Notification channel kinds.
const (
	ChannelDiscord = "discord"
	ChannelEmail   = "email"
	ChannelWebhook = "webhook"
)

// NotificationChannel is a tagged variant: exactly one of Discord, Email or
// Webhook is set, selected by Type.
type NotificationChannel struct {
	Type    string          `json:"type"`
	Discord *DiscordChannel `json:"discord,omitempty"`
	Email   *EmailChannel   `json:"email,omitempty"`
	Webhook *WebhookChannel `json:"webhook,omitempty"`
}

type DiscordChannel struct {
	WebhookURL string   `json:"webhook_url"`
	Mentions   []string `json:"mentions,omitempty"` // raw <@id> / <@&id> tokens
}

type EmailChannel struct {
	Recipients []string `json:"recipients"`
	Subject    string   `json:"subject,omitempty"`
}

type WebhookChannel struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"` // POST, PUT or PATCH
	Headers map[string]string `json:"headers,omitempty"`
	Auth    *WebhookAuth      `json:"auth,omitempty"`
}

// WebhookAuth kinds.
const (
	AuthBearer = "bearer"
	AuthBasic  = "basic"
	AuthAPIKey = "api-key"
)

type WebhookAuth struct {
	Type       string `json:"type"`
	Token      string `json:"token,omitempty"`
	Username   string `json:"username,omitempty"`
	Password   string `json:"password,omitempty"`
	HeaderName string `json:"header_name,omitempty"`
}

// AlertConfig represents the 'alert_configs' table. Rows are written by the
// external CRUD layer; the core only reads is_active=true rows.
type AlertConfig struct {
	ID                   int64                 `json:"id"`
	UserID               string                `json:"user_id"`
	Name                 string                `json:"name"`
	CollectionID         *int64                `json:"collection_id,omitempty"` // nil = global
	ActivityTypes        []ActivityType        `json:"activity_types"`
	MinPriceDrops        string                `json:"min_price_drops,omitempty"`
	MaxPriceDrops        string                `json:"max_price_drops,omitempty"`
	TraitFilters         []TraitFilter         `json:"trait_filters,omitempty"`
	NotificationChannels []NotificationChannel `json:"notification_channels"`
	IsActive             bool                  `json:"is_active"`
	CreatedAt            time.Time             `json:"created_at"`
	UpdatedAt            time.Time             `json:"updated_at"`
}

// Notification statuses. pending → in_flight → sent|pending(retry)|failed.
const (
	NotificationPending  = "pending"
	NotificationInFlight = "in_flight"
	NotificationSent     = "sent"
	NotificationFailed   = "failed"
)

// Notification represents the 'notifications' table: one row per
// (matched activity, alert config, channel), carrying delivery state.
// ChannelConfig is a snapshot taken at enqueue time so retries are not
// affected by later config edits.
type Notification struct {
	ID            int64               `json:"id"`
	UserID        string              `json:"user_id"`
	AlertConfigID int64               `json:"alert_config_id"`
	ActivityID    int64               `json:"activity_id"`
	Channel       string              `json:"channel"`
	ChannelConfig NotificationChannel `json:"channel_config"`
	Status        string              `json:"status"`
	RetryCount    int                 `json:"retry_count"`
	ScheduledAt   time.Time           `json:"scheduled_at"`
	SentAt        *time.Time          `json:"sent_at,omitempty"`
	ErrorMessage  string              `json:"error_message,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
}

// LedgerSyncStatus represents the 'ledger_sync_status' table: one row per
// fully processed ledger. Doubles as the restart checkpoint.
type LedgerSyncStatus struct {
	LedgerIndex      uint32    `json:"ledger_index"`
	LedgerHash       string    `json:"ledger_hash"`
	CloseTime        time.Time `json:"close_time"`
	TransactionCount int       `json:"transaction_count"`
	ProcessedAt      time.Time `json:"processed_at"`
}

// Enrichment queue statuses.
const (
	EnrichmentPending   = "pending"
	EnrichmentCompleted = "completed"
	EnrichmentFailed    = "failed"
)

// EnrichmentTask represents the 'enrichment_queue' table.
type EnrichmentTask struct {
	NFTokenID     string     `json:"nft_id"`
	Status        string     `json:"status"`
	RetryCount    int        `json:"retry_count"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	NextRetryAt   time.Time  `json:"next_retry_at"`
	LastError     string     `json:"last_error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}
