package notifier

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"

	"xrplalerts/internal/models"
)

// SendError carries the delivery policy for a failed attempt: permanent
// failures (bad config, 4xx) are never retried, and rate-limited failures
// override the default backoff with the server-provided delay.
type SendError struct {
	Permanent  bool
	RetryAfter time.Duration
	Err        error
}

func (e *SendError) Error() string { return e.Err.Error() }
func (e *SendError) Unwrap() error { return e.Err }

func permanentf(format string, args ...interface{}) error {
	return &SendError{Permanent: true, Err: fmt.Errorf(format, args...)}
}

func asSendError(err error) *SendError {
	var se *SendError
	if errors.As(err, &se) {
		return se
	}
	return &SendError{Err: err}
}

// SendResult is what a sender reports on success.
type SendResult struct {
	MessageID string
}

// Payload is the joined view a sender renders: the claimed notification
// plus its activity, NFT and collection rows.
type Payload struct {
	Notification models.Notification
	Detail       models.ActivityDetail
}

func (p Payload) nftName() string {
	if p.Detail.NFT != nil {
		if name := metadataString(p.Detail.NFT.Metadata, "name"); name != "" {
			return name
		}
	}
	return shortTokenID(p.Detail.Activity.NFTokenID)
}

func (p Payload) collectionName() string {
	if p.Detail.Collection != nil && p.Detail.Collection.Name != "" {
		return p.Detail.Collection.Name
	}
	return ""
}

func shortTokenID(id string) string {
	if len(id) <= 16 {
		return id
	}
	return id[:8] + "…" + id[len(id)-8:]
}

// PriceXRP renders a drops amount divided by 10⁶ with exactly six decimals,
// e.g. "1500000000000" → "1500000.000000". Returns "" for non-XRP or
// missing prices.
func PriceXRP(priceDrops, currency string) string {
	if priceDrops == "" || (currency != "" && currency != "XRP") {
		return ""
	}
	drops, ok := new(big.Rat).SetString(priceDrops)
	if !ok {
		return ""
	}
	return drops.Quo(drops, big.NewRat(1_000_000, 1)).FloatString(6)
}

// envelope is the canonical webhook body, version 1.0.
type envelope struct {
	Webhook  envelopeMeta     `json:"webhook"`
	Alert    envelopeAlert    `json:"alert"`
	Activity envelopeActivity `json:"activity"`
}

type envelopeMeta struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`
	Version   string    `json:"version"`
}

type envelopeAlert struct {
	ID          int64     `json:"id"`
	UserID      string    `json:"userId"`
	TriggeredAt time.Time `json:"triggeredAt"`
}

type envelopeActivity struct {
	ID              int64     `json:"id"`
	ActivityType    string    `json:"activityType"`
	TransactionHash string    `json:"transactionHash"`
	LedgerIndex     uint32    `json:"ledgerIndex"`
	NFTokenID       string    `json:"nftId"`
	FromAddress     string    `json:"fromAddress,omitempty"`
	ToAddress       string    `json:"toAddress,omitempty"`
	PriceDrops      string    `json:"priceDrops,omitempty"`
	PriceXRP        string    `json:"priceXRP,omitempty"`
	Currency        string    `json:"currency,omitempty"`
	NFTName         string    `json:"nftName,omitempty"`
	CollectionName  string    `json:"collectionName,omitempty"`
	ImageURL        string    `json:"imageUrl,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

func buildEnvelope(p Payload) envelope {
	a := p.Detail.Activity
	return envelope{
		Webhook: envelopeMeta{
			ID:        uuid.NewString(),
			Timestamp: time.Now().UTC(),
			Type:      "nft_activity_alert",
			Version:   "1.0",
		},
		Alert: envelopeAlert{
			ID:          p.Notification.AlertConfigID,
			UserID:      p.Notification.UserID,
			TriggeredAt: p.Notification.CreatedAt,
		},
		Activity: envelopeActivity{
			ID:              a.ID,
			ActivityType:    string(a.ActivityType),
			TransactionHash: a.TransactionHash,
			LedgerIndex:     a.LedgerIndex,
			NFTokenID:       a.NFTokenID,
			FromAddress:     a.FromAddress,
			ToAddress:       a.ToAddress,
			PriceDrops:      a.PriceDrops,
			PriceXRP:        PriceXRP(a.PriceDrops, a.Currency),
			Currency:        a.Currency,
			NFTName:         p.nftName(),
			CollectionName:  p.collectionName(),
			ImageURL:        imageURL(p.Detail.NFT),
			Timestamp:       a.Timestamp,
		},
	}
}

func imageURL(n *models.NFT) string {
	if n == nil {
		return ""
	}
	if n.CachedImageURL != "" {
		return n.CachedImageURL
	}
	return n.ImageURL
}

func metadataString(raw []byte, key string) string {
	if len(raw) == 0 {
		return ""
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return ""
	}
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}
