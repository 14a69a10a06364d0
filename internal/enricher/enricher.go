package enricher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"xrplalerts/internal/config"
	"xrplalerts/internal/metrics"
	"xrplalerts/internal/models"
)

const maxAttempts = 3

// retryBackoff is indexed by the retry count before the failed attempt.
var retryBackoff = []time.Duration{60 * time.Second, 300 * time.Second, 1800 * time.Second}

// Store is the repository slice the enricher needs.
type Store interface {
	EnqueueEnrichment(ctx context.Context, nftID string) error
	ListDueEnrichmentTasks(ctx context.Context, limit int) ([]models.EnrichmentTask, error)
	MarkEnrichmentCompleted(ctx context.Context, nftID string) error
	MarkEnrichmentAttemptFailed(ctx context.Context, nftID string, delay time.Duration, terminal bool, errMsg string) error
	GetNFTForEnrichment(ctx context.Context, nftID string) (*models.NFT, error)
	UpdateNFTMetadata(ctx context.Context, nftID string, metadata, traits json.RawMessage, imageURL string) error
	SetNFTMetadataError(ctx context.Context, nftID, errMsg string) error
	UpdateNFTCachedImage(ctx context.Context, nftID, cachedURL string) error
	SetNFTImageError(ctx context.Context, nftID, errMsg string) error
	WithEnrichmentLock(ctx context.Context, nftID string, fn func(ctx context.Context) error) (bool, error)
}

// Result is what EnrichNow reports for one NFT.
type Result struct {
	NFTokenID       string `json:"nft_id"`
	MetadataFetched bool   `json:"metadata_fetched"`
	ImageCached     bool   `json:"image_cached"`
}

// Enricher fetches off-chain metadata and images for NFTs, normalizes the
// JSON and caches images in the object store. Fetched metadata is treated
// as immutable: a success is never refetched.
type Enricher struct {
	cfg     config.EnricherConfig
	store   Store
	objects ObjectStore // nil disables image caching
	client  *http.Client

	limMu    sync.Mutex
	limiters map[string]*rate.Limiter
}

func New(cfg config.EnricherConfig, store Store, objects ObjectStore) *Enricher {
	return &Enricher{
		cfg:     cfg,
		store:   store,
		objects: objects,
		client: &http.Client{
			Timeout: cfg.FetchTimeout,
		},
		limiters: make(map[string]*rate.Limiter),
	}
}

// EnqueueNFT is the non-blocking entry point used by the ingest path.
func (e *Enricher) EnqueueNFT(ctx context.Context, nftID string) error {
	return e.store.EnqueueEnrichment(ctx, nftID)
}

// Run polls the durable queue until ctx is cancelled.
func (e *Enricher) Run(ctx context.Context) {
	interval := e.cfg.ProcessInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Printf("[enricher] started (batch %d, every %s)", e.cfg.BatchSize, interval)
	for {
		select {
		case <-ctx.Done():
			log.Printf("[enricher] stopped")
			return
		case <-ticker.C:
			e.processDue(ctx)
		}
	}
}

func (e *Enricher) processDue(ctx context.Context) {
	tasks, err := e.store.ListDueEnrichmentTasks(ctx, e.cfg.BatchSize)
	if err != nil {
		log.Printf("[enricher] list due tasks: %v", err)
		return
	}
	for _, task := range tasks {
		if ctx.Err() != nil {
			return
		}
		e.processTask(ctx, task)
	}
}

func (e *Enricher) processTask(ctx context.Context, task models.EnrichmentTask) {
	nftID := task.NFTokenID
	acquired, err := e.store.WithEnrichmentLock(ctx, nftID, func(ctx context.Context) error {
		_, err := e.EnrichNow(ctx, nftID)
		return err
	})
	if !acquired && err == nil {
		return // another replica is on it
	}
	if err == nil {
		if markErr := e.store.MarkEnrichmentCompleted(ctx, nftID); markErr != nil {
			log.Printf("[enricher] mark completed %s: %v", nftID, markErr)
		}
		metrics.EnrichmentOutcomes.WithLabelValues("completed").Inc()
		return
	}

	terminal := task.RetryCount+1 >= maxAttempts
	delay := retryBackoff[min(task.RetryCount, len(retryBackoff)-1)]
	outcome := "retry"
	if terminal {
		outcome = "failed"
	}
	metrics.EnrichmentOutcomes.WithLabelValues(outcome).Inc()
	log.Printf("[enricher] nft %s attempt %d failed (%s): %v", nftID, task.RetryCount+1, outcome, err)
	if markErr := e.store.MarkEnrichmentAttemptFailed(ctx, nftID, delay, terminal, err.Error()); markErr != nil {
		log.Printf("[enricher] mark failed %s: %v", nftID, markErr)
	}
}

// EnrichNow fetches metadata (and the image when possible) for one NFT
// synchronously. Image failures are recorded on the row but do not fail
// the enrichment; a metadata failure does.
func (e *Enricher) EnrichNow(ctx context.Context, nftID string) (Result, error) {
	res := Result{NFTokenID: nftID}

	nft, err := e.store.GetNFTForEnrichment(ctx, nftID)
	if err != nil {
		return res, err
	}
	if nft == nil {
		return res, fmt.Errorf("nft %s not found", nftID)
	}
	if len(nft.Metadata) > 0 && nft.MetadataFetchedAt != nil {
		// Immutable: already fetched.
		res.MetadataFetched = true
		return res, nil
	}

	uri, err := NormalizeURI(nft.MetadataURI)
	if err != nil {
		ferr := fmt.Errorf("nft %s: %w", nftID, err)
		if serr := e.store.SetNFTMetadataError(ctx, nftID, ferr.Error()); serr != nil {
			log.Printf("[enricher] record metadata error %s: %v", nftID, serr)
		}
		return res, ferr
	}

	raw, err := e.fetchFirst(ctx, uri, e.cfg.MaxJSONBytes)
	if err != nil {
		if serr := e.store.SetNFTMetadataError(ctx, nftID, err.Error()); serr != nil {
			log.Printf("[enricher] record metadata error %s: %v", nftID, serr)
		}
		return res, err
	}

	doc, traits, imageURL, err := NormalizeMetadata(raw)
	if err != nil {
		if serr := e.store.SetNFTMetadataError(ctx, nftID, err.Error()); serr != nil {
			log.Printf("[enricher] record metadata error %s: %v", nftID, serr)
		}
		return res, err
	}
	traitsJSON, err := json.Marshal(traits)
	if err != nil {
		return res, fmt.Errorf("encode traits: %w", err)
	}
	if err := e.store.UpdateNFTMetadata(ctx, nftID, doc, traitsJSON, imageURL); err != nil {
		return res, err
	}
	res.MetadataFetched = true

	if imageURL != "" && e.objects != nil && nft.ImageFetchedAt == nil {
		if err := e.cacheImage(ctx, nftID, imageURL); err != nil {
			log.Printf("[enricher] cache image for %s: %v", nftID, err)
			if serr := e.store.SetNFTImageError(ctx, nftID, err.Error()); serr != nil {
				log.Printf("[enricher] record image error %s: %v", nftID, serr)
			}
		} else {
			res.ImageCached = true
		}
	}
	return res, nil
}

func (e *Enricher) cacheImage(ctx context.Context, nftID, imageURL string) error {
	uri, err := NormalizeURI(imageURL)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, e.cfg.ImageTimeout)
	defer cancel()

	var lastErr error
	for _, candidate := range CandidateURLs(uri, e.cfg.IPFSGateways) {
		resp, err := e.get(ctx, candidate)
		if err != nil {
			lastErr = err
			continue
		}
		contentType := resp.Header.Get("Content-Type")
		ext := extFromContentType(contentType)
		key := fmt.Sprintf("images/%s.%s", nftID, ext)
		body := io.LimitReader(resp.Body, e.cfg.MaxImageBytes)
		cachedURL, err := e.objects.Put(ctx, key, contentType, body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		return e.store.UpdateNFTCachedImage(ctx, nftID, cachedURL)
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no gateway produced the image")
	}
	return lastErr
}

// fetchFirst tries the candidate URLs in order and returns the first body
// that is valid JSON.
func (e *Enricher) fetchFirst(ctx context.Context, uri string, maxBytes int64) ([]byte, error) {
	var lastErr error
	for _, candidate := range CandidateURLs(uri, e.cfg.IPFSGateways) {
		resp, err := e.get(ctx, candidate)
		if err != nil {
			lastErr = err
			continue
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes))
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("read %s: %w", candidate, err)
			continue
		}
		if !json.Valid(body) {
			lastErr = fmt.Errorf("%s returned invalid JSON", candidate)
			continue
		}
		return body, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no candidate URL for %q", uri)
	}
	return nil, lastErr
}

func (e *Enricher) get(ctx context.Context, rawURL string) (*http.Response, error) {
	if err := e.waitLimiter(ctx, rawURL); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request %s: %w", rawURL, err)
	}
	req.Header.Set("Accept", "application/json, image/*, */*")
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, fmt.Errorf("fetch %s: HTTP %d", rawURL, resp.StatusCode)
	}
	return resp, nil
}

// waitLimiter applies a per-host rate limit so a burst of mints cannot
// hammer a single gateway.
func (e *Enricher) waitLimiter(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse %s: %w", rawURL, err)
	}
	e.limMu.Lock()
	lim, ok := e.limiters[u.Host]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(10), 20)
		e.limiters[u.Host] = lim
	}
	e.limMu.Unlock()
	return lim.Wait(ctx)
}
