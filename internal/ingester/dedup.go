package ingester

import (
	"crypto/sha256"

	lru "github.com/hashicorp/golang-lru/v2"

	"xrplalerts/internal/models"
)

// deduper is the in-memory fast path for duplicate suppression. It is an
// optimization only: the unique constraint on
// (transaction_hash, activity_type, nft_id) remains the authority.
type deduper struct {
	cache *lru.Cache[[32]byte, struct{}]
}

func newDeduper(capacity int) (*deduper, error) {
	if capacity <= 0 {
		capacity = 4096
	}
	cache, err := lru.New[[32]byte, struct{}](capacity)
	if err != nil {
		return nil, err
	}
	return &deduper{cache: cache}, nil
}

func activityKey(a models.NftActivity) [32]byte {
	h := sha256.New()
	h.Write([]byte(a.TransactionHash))
	h.Write([]byte(a.ActivityType))
	h.Write([]byte(a.NFTokenID))
	var key [32]byte
	copy(key[:], h.Sum(nil))
	return key
}

// Seen records the activity and reports whether it was already present.
func (d *deduper) Seen(a models.NftActivity) bool {
	found, _ := d.cache.ContainsOrAdd(activityKey(a), struct{}{})
	return found
}

func (d *deduper) Len() int {
	return d.cache.Len()
}
