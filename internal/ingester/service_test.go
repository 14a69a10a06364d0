package ingester

import (
	"context"
	"sync"
	"testing"

	"xrplalerts/internal/config"
	"xrplalerts/internal/eventbus"
	"xrplalerts/internal/models"
	"xrplalerts/internal/repository"
)

// fakeStore records batches and simulates the database-side unique
// constraint on (transaction_hash, activity_type, nft_id).
type fakeStore struct {
	mu        sync.Mutex
	nextID    int64
	inserted  map[string]models.NftActivity
	enriched  []string
	uris      map[string]string
	saveCalls int
}

func newFakeStore() *fakeStore {
	return &fakeStore{inserted: make(map[string]models.NftActivity), uris: make(map[string]string)}
}

func (f *fakeStore) SaveBatch(_ context.Context, batch repository.ActivityBatch) ([]models.NftActivity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saveCalls++
	var out []models.NftActivity
	for _, a := range batch.Activities {
		key := a.TransactionHash + "|" + string(a.ActivityType) + "|" + a.NFTokenID
		if _, dup := f.inserted[key]; dup {
			continue
		}
		f.nextID++
		a.ID = f.nextID
		f.inserted[key] = a
		out = append(out, a)
	}
	return out, nil
}

func (f *fakeStore) GetActivityDetails(_ context.Context, ids []int64) ([]models.ActivityDetail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var details []models.ActivityDetail
	for _, id := range ids {
		for _, a := range f.inserted {
			if a.ID == id {
				details = append(details, models.ActivityDetail{
					Activity: a,
					NFT:      &models.NFT{NFTokenID: a.NFTokenID},
				})
			}
		}
	}
	return details, nil
}

func (f *fakeStore) SetNFTMetadataURI(_ context.Context, nftID, uri string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uris[nftID] = uri
	return nil
}

func (f *fakeStore) EnqueueEnrichment(_ context.Context, nftID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enriched = append(f.enriched, nftID)
	return nil
}

func newTestService(t *testing.T, store Store, batchSize int) (*Service, *eventbus.Bus) {
	t.Helper()
	bus := eventbus.New(64)
	svc, err := NewService(config.IngesterConfig{
		BatchSize:     batchSize,
		DedupCapacity: 64,
	}, store, bus)
	if err != nil {
		t.Fatal(err)
	}
	return svc, bus
}

func TestIngestDuplicateYieldsOneRow(t *testing.T) {
	store := newFakeStore()
	svc, bus := newTestService(t, store, 100)
	defer bus.Close()

	ts := rawTx(t, map[string]interface{}{
		"TransactionType": "NFTokenBurn",
		"hash":            "BURN1",
		"Account":         "rAlice",
		"NFTokenID":       testTokenID,
	}, nil, "tesSUCCESS")

	ctx := context.Background()
	// The same transaction arriving twice (two upstream nodes, replayed
	// backfill) must persist exactly once.
	svc.Ingest(ctx, ts)
	svc.Ingest(ctx, ts)
	svc.ForceFlush(ctx)

	if len(store.inserted) != 1 {
		t.Errorf("store holds %d activities, want 1", len(store.inserted))
	}
	if got := svc.Stats().DedupHits; got != 1 {
		t.Errorf("DedupHits = %d, want 1", got)
	}
}

func TestBatchFlushesAtSizeThreshold(t *testing.T) {
	store := newFakeStore()
	svc, bus := newTestService(t, store, 2)
	defer bus.Close()

	ctx := context.Background()
	for _, hash := range []string{"A", "B"} {
		svc.Ingest(ctx, rawTx(t, map[string]interface{}{
			"TransactionType": "NFTokenBurn",
			"hash":            hash,
			"Account":         "rAlice",
			"NFTokenID":       testTokenID,
		}, nil, "tesSUCCESS"))
	}

	if store.saveCalls != 1 {
		t.Errorf("saveCalls = %d, want 1 (size-triggered flush)", store.saveCalls)
	}
	if got := svc.Stats().QueueSize; got != 0 {
		t.Errorf("QueueSize = %d, want 0 after flush", got)
	}
}

func TestFlushFansOutPostCommit(t *testing.T) {
	store := newFakeStore()
	svc, bus := newTestService(t, store, 100)
	defer bus.Close()

	sub, cancel := bus.Subscribe()
	defer cancel()

	ctx := context.Background()
	svc.Ingest(ctx, rawTx(t, map[string]interface{}{
		"TransactionType": "NFTokenMint",
		"hash":            "MINT1",
		"Account":         "rAlice",
		"URI":             "68747470733A2F2F6578616D706C652E636F6D2F312E6A736F6E",
	}, map[string]interface{}{"nftoken_id": testTokenID}, "tesSUCCESS"))
	svc.ForceFlush(ctx)

	select {
	case d := <-sub:
		if d.Activity.ID == 0 {
			t.Error("published activity has no committed row id")
		}
	default:
		t.Fatal("no activity published on the bus after flush")
	}

	if len(store.enriched) != 1 || store.enriched[0] != testTokenID {
		t.Errorf("enrichment queue = %v, want the minted token", store.enriched)
	}
	if store.uris[testTokenID] == "" {
		t.Error("mint URI was not recorded on the NFT")
	}
}

func TestForceFlushEmptyBatchIsNoop(t *testing.T) {
	store := newFakeStore()
	svc, bus := newTestService(t, store, 100)
	defer bus.Close()

	svc.ForceFlush(context.Background())
	if store.saveCalls != 0 {
		t.Errorf("saveCalls = %d, want 0 for an empty batch", store.saveCalls)
	}
}
