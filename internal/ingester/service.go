package ingester

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"xrplalerts/internal/config"
	"xrplalerts/internal/eventbus"
	"xrplalerts/internal/metrics"
	"xrplalerts/internal/models"
	"xrplalerts/internal/repository"
	"xrplalerts/internal/xrpl"
)

// Store is the slice of the repository the ingester needs; tests provide
// an in-memory fake.
type Store interface {
	SaveBatch(ctx context.Context, batch repository.ActivityBatch) ([]models.NftActivity, error)
	GetActivityDetails(ctx context.Context, activityIDs []int64) ([]models.ActivityDetail, error)
	SetNFTMetadataURI(ctx context.Context, nftID, uri string) error
	EnqueueEnrichment(ctx context.Context, nftID string) error
}

// Stats is the classifier/batcher counters block for the status API.
type Stats struct {
	QueueSize      int    `json:"queue_size"`
	ProcessedCount uint64 `json:"processed_count"`
	DedupHits      uint64 `json:"dedup_hits"`
	DedupCacheSize int    `json:"dedup_cache_size"`
	BatchesFlushed uint64 `json:"batches_flushed"`
}

// Service classifies raw transactions, deduplicates, batches and commits
// them, then fans committed activities out to the bus (matcher, live API)
// and the enrichment queue.
type Service struct {
	cfg   config.IngesterConfig
	store Store
	bus   *eventbus.Bus
	dedup *deduper

	mu             sync.Mutex
	pending        []models.NftActivity
	pendingLedgers []models.LedgerSyncStatus
	pendingURIs    map[string]string // nftId → raw mint URI

	processed atomic.Uint64
	dedupHits atomic.Uint64
	flushes   atomic.Uint64
}

func NewService(cfg config.IngesterConfig, store Store, bus *eventbus.Bus) (*Service, error) {
	dedup, err := newDeduper(cfg.DedupCapacity)
	if err != nil {
		return nil, fmt.Errorf("create dedup cache: %w", err)
	}
	return &Service{
		cfg:         cfg,
		store:       store,
		bus:         bus,
		dedup:       dedup,
		pendingURIs: make(map[string]string),
	}, nil
}

// Run pumps the supervisor streams into the batcher until ctx is cancelled,
// then force-flushes what is left.
func (s *Service) Run(ctx context.Context, ledgers <-chan xrpl.LedgerClosed, txs <-chan xrpl.TransactionStream) {
	interval := s.cfg.FlushInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			s.ForceFlush(flushCtx)
			cancel()
			return
		case lc, ok := <-ledgers:
			if !ok {
				return
			}
			s.RecordLedger(lc)
		case ts, ok := <-txs:
			if !ok {
				return
			}
			s.Ingest(ctx, ts)
		case <-ticker.C:
			s.ForceFlush(ctx)
		}
	}
}

// Ingest classifies one raw transaction into the pending batch. It never
// blocks on I/O except when the batch fills and triggers a flush.
func (s *Service) Ingest(ctx context.Context, ts xrpl.TransactionStream) {
	classified, err := Classify(ts)
	if err != nil {
		log.Printf("[classifier] ledger %d: dropping malformed transaction: %v", ts.LedgerIndex, err)
		return
	}

	var full bool
	s.mu.Lock()
	for _, c := range classified {
		if s.dedup.Seen(c.Activity) {
			s.dedupHits.Add(1)
			metrics.DedupHits.Inc()
			continue
		}
		s.pending = append(s.pending, c.Activity)
		if c.MintURI != "" {
			s.pendingURIs[c.Activity.NFTokenID] = c.MintURI
		}
		metrics.ActivitiesClassified.WithLabelValues(string(c.Activity.ActivityType)).Inc()
	}
	full = len(s.pending) >= s.cfg.BatchSize
	s.mu.Unlock()

	if full {
		s.ForceFlush(ctx)
	}
}

// RecordLedger queues the ledger checkpoint for the next flush.
func (s *Service) RecordLedger(lc xrpl.LedgerClosed) {
	s.mu.Lock()
	s.pendingLedgers = append(s.pendingLedgers, models.LedgerSyncStatus{
		LedgerIndex:      lc.LedgerIndex,
		LedgerHash:       lc.LedgerHash,
		CloseTime:        xrpl.RippleTime(lc.LedgerTime),
		TransactionCount: lc.TxnCount,
	})
	s.mu.Unlock()
	metrics.LedgersProcessed.Inc()
}

// ForceFlush commits the pending batch. Safe to call with an empty batch.
func (s *Service) ForceFlush(ctx context.Context) {
	s.mu.Lock()
	activities := s.pending
	ledgers := s.pendingLedgers
	uris := s.pendingURIs
	s.pending = nil
	s.pendingLedgers = nil
	s.pendingURIs = make(map[string]string)
	s.mu.Unlock()

	if len(activities) == 0 && len(ledgers) == 0 {
		return
	}

	inserted, err := s.store.SaveBatch(ctx, repository.ActivityBatch{
		Activities: activities,
		Ledgers:    ledgers,
	})
	if err != nil {
		// Re-queue and let the next flush retry; duplicates are absorbed by
		// the unique constraint.
		log.Printf("[classifier] batch flush failed (%d activities): %v", len(activities), err)
		s.mu.Lock()
		s.pending = append(activities, s.pending...)
		s.pendingLedgers = append(ledgers, s.pendingLedgers...)
		for id, uri := range uris {
			s.pendingURIs[id] = uri
		}
		s.mu.Unlock()
		return
	}

	s.flushes.Add(1)
	s.processed.Add(uint64(len(inserted)))
	metrics.BatchesFlushed.Inc()
	metrics.BatchFlushSize.Observe(float64(len(inserted)))

	// Post-commit only: the activity rows are durable before anything
	// downstream can reference them.
	s.fanOut(ctx, inserted, uris)
}

func (s *Service) fanOut(ctx context.Context, inserted []models.NftActivity, uris map[string]string) {
	for nftID, uri := range uris {
		if err := s.store.SetNFTMetadataURI(ctx, nftID, uri); err != nil {
			log.Printf("[classifier] record mint uri for %s: %v", nftID, err)
		}
	}

	if len(inserted) == 0 {
		return
	}
	ids := make([]int64, 0, len(inserted))
	for _, a := range inserted {
		ids = append(ids, a.ID)
	}
	details, err := s.store.GetActivityDetails(ctx, ids)
	if err != nil {
		log.Printf("[classifier] load activity details: %v", err)
		return
	}
	for _, d := range details {
		if d.NFT != nil && len(d.NFT.Metadata) == 0 {
			if err := s.store.EnqueueEnrichment(ctx, d.Activity.NFTokenID); err != nil {
				log.Printf("[classifier] enqueue enrichment %s: %v", d.Activity.NFTokenID, err)
			}
		}
		s.bus.Publish(d)
	}
}

func (s *Service) Stats() Stats {
	s.mu.Lock()
	queued := len(s.pending)
	s.mu.Unlock()
	return Stats{
		QueueSize:      queued,
		ProcessedCount: s.processed.Load(),
		DedupHits:      s.dedupHits.Load(),
		DedupCacheSize: s.dedup.Len(),
		BatchesFlushed: s.flushes.Load(),
	}
}
