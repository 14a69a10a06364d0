package xrpl

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"sort"
	"strconv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"xrplalerts/internal/config"
	"xrplalerts/internal/metrics"
)

// Node connection states reported by Health.
const (
	StateConnecting   = "connecting"
	StateConnected    = "connected"
	StateDisconnected = "disconnected"
)

// NodeHealth is the per-node block of the supervisor health report.
type NodeHealth struct {
	URL                 string        `json:"url"`
	Priority            int           `json:"priority"`
	State               string        `json:"state"`
	Breaker             string        `json:"breaker"`
	PingRTT             time.Duration `json:"ping_rtt_ns"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	ConnectedAt         *time.Time    `json:"connected_at,omitempty"`
	LastCheck           *time.Time    `json:"last_check,omitempty"`
}

// Health is the full supervisor report.
type Health struct {
	Nodes      []NodeHealth `json:"nodes"`
	LastLedger uint32       `json:"last_ledger"`
}

type managedNode struct {
	cfg     config.Node
	breaker *breaker

	mu          sync.Mutex
	client      *nodeClient
	state       string
	pingRTT     time.Duration
	failures    int
	connectedAt time.Time
	lastCheck   time.Time
}

func (n *managedNode) notePingSuccess(rtt time.Duration, at time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pingRTT = rtt
	n.failures = 0
	n.lastCheck = at
}

func (n *managedNode) notePingFailure(at time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failures++
	n.lastCheck = at
}

func (n *managedNode) snapshot() NodeHealth {
	n.mu.Lock()
	defer n.mu.Unlock()
	h := NodeHealth{
		URL:                 n.cfg.URL,
		Priority:            n.cfg.Priority,
		State:               n.state,
		Breaker:             n.breaker.State(),
		PingRTT:             n.pingRTT,
		ConsecutiveFailures: n.failures,
	}
	if !n.connectedAt.IsZero() {
		t := n.connectedAt
		h.ConnectedAt = &t
	}
	if !n.lastCheck.IsZero() {
		t := n.lastCheck
		h.LastCheck = &t
	}
	return h
}

// Supervisor maintains one session per configured node, merges their
// subscription streams into a single deduplicated event flow, watches the
// ledger sequence for gaps and backfills them over the best healthy node.
type Supervisor struct {
	cfg config.SupervisorConfig

	nodes []*managedNode
	gaps  *gapTracker

	// first-copy-wins: every node pushes everything, only the first copy
	// of a ledger or transaction passes through.
	seen *lru.Cache[string, struct{}]

	subMu      sync.RWMutex
	nextSubID  int
	ledgerSubs map[int]chan LedgerClosed
	txSubs     map[int]chan TransactionStream

	gapCh chan GapRange
}

func NewSupervisor(cfg config.SupervisorConfig) (*Supervisor, error) {
	window := cfg.DedupLedgerWindow
	if window <= 0 {
		window = 1024
	}
	// Each ledger contributes one ledger key and up to a few hundred tx
	// keys; size the ring generously so replays from a lagging node still
	// hit it.
	seen, err := lru.New[string, struct{}](window * 64)
	if err != nil {
		return nil, fmt.Errorf("create dedup cache: %w", err)
	}
	s := &Supervisor{
		cfg:        cfg,
		gaps:       newGapTracker(),
		seen:       seen,
		ledgerSubs: make(map[int]chan LedgerClosed),
		txSubs:     make(map[int]chan TransactionStream),
		gapCh:      make(chan GapRange, 16),
	}
	for _, n := range cfg.Nodes {
		s.nodes = append(s.nodes, &managedNode{
			cfg:     n,
			breaker: newBreaker(cfg.MaxConsecutiveFailures, cfg.BreakerResetTimeout),
			state:   StateDisconnected,
		})
	}
	return s, nil
}

// SeedCheckpoint primes gap detection with the last ledger processed before
// a restart, so the downtime window is reported as a normal gap.
func (s *Supervisor) SeedCheckpoint(ledgerIndex uint32) {
	s.gaps.Seed(ledgerIndex)
}

// Run starts one connection manager per node plus the health-check and
// gap-backfill loops, and blocks until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, node := range s.nodes {
		wg.Add(1)
		go func(n *managedNode) {
			defer wg.Done()
			s.manageNode(ctx, n)
		}(node)
	}
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.healthCheckLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		s.backfillLoop(ctx)
	}()
	wg.Wait()
	s.closeSubs()
}

// manageNode is the reconnect loop for one node: breaker gate, dial,
// subscribe, pump until the session dies, back off and repeat.
func (s *Supervisor) manageNode(ctx context.Context, n *managedNode) {
	backoff := time.Second
	for ctx.Err() == nil {
		if !n.breaker.Allow() {
			if !sleepCtx(ctx, time.Second) {
				return
			}
			continue
		}

		n.mu.Lock()
		n.state = StateConnecting
		n.mu.Unlock()

		client, err := dialNode(ctx, n.cfg.URL, s.cfg.ConnectTimeout)
		if err == nil {
			err = client.Subscribe(ctx)
			if err != nil {
				client.Close()
			}
		}
		if err != nil {
			n.breaker.Failure()
			n.mu.Lock()
			n.state = StateDisconnected
			n.failures++
			n.mu.Unlock()
			log.Printf("[supervisor] connect %s failed: %v (retry in %s)", n.cfg.URL, err, backoff)
			if !sleepCtx(ctx, withJitter(backoff)) {
				return
			}
			backoff = nextBackoff(backoff, s.cfg.ReconnectMaxTimeout)
			continue
		}

		n.breaker.Success()
		n.mu.Lock()
		n.client = client
		n.state = StateConnected
		n.failures = 0
		n.connectedAt = time.Now()
		n.mu.Unlock()
		backoff = time.Second
		log.Printf("[supervisor] connected to %s", n.cfg.URL)
		s.updateHealthyGauge()

		s.pump(ctx, n, client)

		n.mu.Lock()
		n.client = nil
		n.state = StateDisconnected
		n.mu.Unlock()
		s.updateHealthyGauge()
		if ctx.Err() == nil {
			n.breaker.Failure()
			log.Printf("[supervisor] lost %s, reconnecting", n.cfg.URL)
		}
	}
}

// pump forwards one session's stream into the merged flow until it ends.
func (s *Supervisor) pump(ctx context.Context, n *managedNode, client *nodeClient) {
	for {
		select {
		case <-ctx.Done():
			client.Close()
			return
		case <-client.Done():
			return
		case lc, ok := <-client.ledgers:
			if !ok {
				return
			}
			s.handleLedger(lc)
		case ts, ok := <-client.txs:
			if !ok {
				return
			}
			s.handleTransaction(ts)
		}
	}
}

func (s *Supervisor) handleLedger(lc LedgerClosed) {
	key := "ledger:" + strconv.FormatUint(uint64(lc.LedgerIndex), 10)
	if found, _ := s.seen.ContainsOrAdd(key, struct{}{}); found {
		return
	}
	if gap, gapped := s.gaps.Observe(lc.LedgerIndex); gapped {
		metrics.LedgerGapsDetected.Inc()
		log.Printf("[supervisor] ledger gap [%d,%d] detected at %d", gap.From, gap.To, lc.LedgerIndex)
		// The gap itself lives in the tracker; this is only a wake-up for
		// the backfill loop, which sweeps the tracker on its own timer.
		select {
		case s.gapCh <- gap:
		default:
		}
	}
	s.subMu.RLock()
	for _, ch := range s.ledgerSubs {
		select {
		case ch <- lc:
		default:
		}
	}
	s.subMu.RUnlock()
}

func (s *Supervisor) handleTransaction(ts TransactionStream) {
	// Only validated transactions enter the pipeline.
	if !ts.Validated {
		return
	}
	hash := txHash(ts.Transaction)
	if hash == "" {
		return
	}
	if found, _ := s.seen.ContainsOrAdd("tx:"+hash, struct{}{}); found {
		return
	}
	s.subMu.RLock()
	for _, ch := range s.txSubs {
		select {
		case ch <- ts:
		default:
		}
	}
	s.subMu.RUnlock()
}

func txHash(raw json.RawMessage) string {
	var t struct {
		Hash string `json:"hash"`
	}
	if err := json.Unmarshal(raw, &t); err != nil {
		return ""
	}
	return t.Hash
}

// LedgerSubscription delivers deduplicated ledgerClosed events.
type LedgerSubscription struct {
	C      <-chan LedgerClosed
	cancel func()
}

func (s *LedgerSubscription) Unsubscribe() { s.cancel() }

// TxSubscription delivers deduplicated validated transaction events.
type TxSubscription struct {
	C      <-chan TransactionStream
	cancel func()
}

func (s *TxSubscription) Unsubscribe() { s.cancel() }

func (s *Supervisor) SubscribeLedgers() *LedgerSubscription {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.nextSubID
	s.nextSubID++
	ch := make(chan LedgerClosed, 64)
	s.ledgerSubs[id] = ch
	var once sync.Once
	return &LedgerSubscription{C: ch, cancel: func() {
		once.Do(func() {
			s.subMu.Lock()
			defer s.subMu.Unlock()
			if sub, ok := s.ledgerSubs[id]; ok {
				delete(s.ledgerSubs, id)
				close(sub)
			}
		})
	}}
}

func (s *Supervisor) SubscribeTransactions() *TxSubscription {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.nextSubID
	s.nextSubID++
	ch := make(chan TransactionStream, 1024)
	s.txSubs[id] = ch
	var once sync.Once
	return &TxSubscription{C: ch, cancel: func() {
		once.Do(func() {
			s.subMu.Lock()
			defer s.subMu.Unlock()
			if sub, ok := s.txSubs[id]; ok {
				delete(s.txSubs, id)
				close(sub)
			}
		})
	}}
}

func (s *Supervisor) closeSubs() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for id, ch := range s.ledgerSubs {
		delete(s.ledgerSubs, id)
		close(ch)
	}
	for id, ch := range s.txSubs {
		delete(s.txSubs, id)
		close(ch)
	}
}

// healthCheckLoop pings every connected node on the configured interval.
// A node that fails the ping is closed so its manage loop reconnects.
func (s *Supervisor) healthCheckLoop(ctx context.Context) {
	interval := s.cfg.HealthCheckInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for _, n := range s.nodes {
			n.mu.Lock()
			client := n.client
			n.mu.Unlock()
			if client == nil {
				continue
			}
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			rtt, err := client.Ping(pingCtx)
			cancel()
			if err != nil {
				// Counting the failure here and tearing the session down
				// feeds the breaker through the reconnect path, so repeated
				// ping failures trip it like connect failures do.
				n.notePingFailure(time.Now())
				log.Printf("[supervisor] ping %s failed: %v", n.cfg.URL, err)
				client.Close()
				continue
			}
			n.notePingSuccess(rtt, time.Now())
		}
	}
}

// bestClient returns the connected client with the lowest priority value,
// ties broken by ping RTT.
func (s *Supervisor) bestClient() *nodeClient {
	type candidate struct {
		client   *nodeClient
		priority int
		rtt      time.Duration
	}
	var cands []candidate
	for _, n := range s.nodes {
		n.mu.Lock()
		if n.client != nil && n.state == StateConnected {
			cands = append(cands, candidate{n.client, n.cfg.Priority, n.pingRTT})
		}
		n.mu.Unlock()
	}
	if len(cands) == 0 {
		return nil
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].priority != cands[j].priority {
			return cands[i].priority < cands[j].priority
		}
		return cands[i].rtt < cands[j].rtt
	})
	return cands[0].client
}

const maxBackfillBackoff = 5 * time.Minute

// backfillLoop drains the outstanding gap set. A gap is removed only after
// its whole range backfilled successfully; failed ranges stay put and are
// retried on the next sweep, with the sweep interval backing off while
// backfills keep failing.
func (s *Supervisor) backfillLoop(ctx context.Context) {
	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.gapCh:
			backoff = time.Second
		case <-time.After(backoff):
		}

		gaps := s.gaps.Outstanding()
		failed := false
		for _, gap := range gaps {
			if ctx.Err() != nil {
				return
			}
			if err := s.BackfillRange(ctx, gap.From, gap.To); err != nil {
				log.Printf("[supervisor] backfill [%d,%d]: %v (gap kept for retry)", gap.From, gap.To, err)
				failed = true
				continue
			}
			s.gaps.Resolve(gap)
		}
		if failed || len(gaps) == 0 {
			backoff = nextBackoff(backoff, maxBackfillBackoff)
		} else {
			backoff = time.Second
		}
	}
}

// DetectLedgerGaps reports the ledger ranges that were observed missing and
// have not yet been drained by backfill.
func (s *Supervisor) DetectLedgerGaps() []GapRange {
	return s.gaps.Outstanding()
}

// BackfillRange fetches the inclusive ledger range over the best healthy
// node and replays its transactions through the ordinary merged flow, so
// downstream consumers cannot tell backfill from live traffic.
func (s *Supervisor) BackfillRange(ctx context.Context, from, to uint32) error {
	if from > to {
		return fmt.Errorf("backfill range [%d,%d] is inverted", from, to)
	}
	for idx := from; idx <= to; idx++ {
		client := s.bestClient()
		if client == nil {
			return fmt.Errorf("no healthy node for backfill at ledger %d", idx)
		}
		result, err := client.FetchLedger(ctx, idx)
		if err != nil {
			return err
		}
		closeTime := result.Ledger.CloseTime
		for _, tx := range result.Ledger.Transactions {
			txJSON := tx.Tx
			if tx.Hash != "" && txHash(txJSON) == "" {
				txJSON = injectHash(txJSON, tx.Hash)
			}
			s.handleTransaction(TransactionStream{
				Validated:    true,
				EngineResult: metaResult(tx.Meta),
				LedgerIndex:  idx,
				Transaction:  txJSON,
				Meta:         tx.Meta,
			})
		}
		s.handleLedger(LedgerClosed{
			LedgerIndex: idx,
			LedgerHash:  result.Ledger.LedgerHash,
			LedgerTime:  closeTime,
			TxnCount:    len(result.Ledger.Transactions),
		})
		log.Printf("[supervisor] backfilled ledger %d (%d txs)", idx, len(result.Ledger.Transactions))
	}
	return nil
}

func metaResult(meta json.RawMessage) string {
	var m struct {
		TransactionResult string `json:"TransactionResult"`
	}
	if err := json.Unmarshal(meta, &m); err != nil {
		return ""
	}
	return m.TransactionResult
}

// injectHash adds the top-level hash field the `ledger` command returns
// outside tx_json.
func injectHash(txJSON json.RawMessage, hash string) json.RawMessage {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(txJSON, &obj); err != nil {
		return txJSON
	}
	h, _ := json.Marshal(hash)
	obj["hash"] = h
	out, err := json.Marshal(obj)
	if err != nil {
		return txJSON
	}
	return out
}

// Health reports every node plus the last merged ledger index.
func (s *Supervisor) Health() Health {
	h := Health{LastLedger: s.gaps.Last()}
	for _, n := range s.nodes {
		h.Nodes = append(h.Nodes, n.snapshot())
	}
	return h
}

func (s *Supervisor) updateHealthyGauge() {
	healthy := 0
	for _, n := range s.nodes {
		n.mu.Lock()
		if n.state == StateConnected {
			healthy++
		}
		n.mu.Unlock()
	}
	metrics.HealthyNodes.Set(float64(healthy))
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func nextBackoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if max > 0 && next > max {
		return max
	}
	return next
}

// withJitter spreads reconnect attempts by up to 25%.
func withJitter(d time.Duration) time.Duration {
	return d + time.Duration(rand.Int63n(int64(d)/4+1))
}
