package ingester

import (
	"fmt"
	"testing"

	"xrplalerts/internal/models"
)

func TestDeduperSuppressesIdenticalKeys(t *testing.T) {
	d, err := newDeduper(16)
	if err != nil {
		t.Fatal(err)
	}
	a := models.NftActivity{
		TransactionHash: "HASH1",
		ActivityType:    models.ActivitySale,
		NFTokenID:       "TOKEN1",
	}
	if d.Seen(a) {
		t.Fatal("first sighting reported as duplicate")
	}
	if !d.Seen(a) {
		t.Fatal("second sighting not reported as duplicate")
	}
}

func TestDeduperKeyCoversAllThreeFields(t *testing.T) {
	d, err := newDeduper(16)
	if err != nil {
		t.Fatal(err)
	}
	base := models.NftActivity{
		TransactionHash: "HASH1",
		ActivityType:    models.ActivitySale,
		NFTokenID:       "TOKEN1",
	}
	d.Seen(base)

	otherType := base
	otherType.ActivityType = models.ActivityOfferCancelled
	if d.Seen(otherType) {
		t.Error("different activity type must not collide")
	}
	otherToken := base
	otherToken.NFTokenID = "TOKEN2"
	if d.Seen(otherToken) {
		t.Error("different nft id must not collide")
	}
	otherHash := base
	otherHash.TransactionHash = "HASH2"
	if d.Seen(otherHash) {
		t.Error("different tx hash must not collide")
	}
}

func TestDeduperEvictsOldEntries(t *testing.T) {
	d, err := newDeduper(4)
	if err != nil {
		t.Fatal(err)
	}
	first := models.NftActivity{TransactionHash: "H0", ActivityType: models.ActivityMint, NFTokenID: "T"}
	d.Seen(first)
	for i := 1; i <= 4; i++ {
		d.Seen(models.NftActivity{
			TransactionHash: fmt.Sprintf("H%d", i),
			ActivityType:    models.ActivityMint,
			NFTokenID:       "T",
		})
	}
	// Evicted from the LRU; the database constraint is the real authority.
	if d.Seen(first) {
		t.Error("evicted entry still reported as duplicate")
	}
	if d.Len() != 4 {
		t.Errorf("Len = %d, want capacity 4", d.Len())
	}
}
