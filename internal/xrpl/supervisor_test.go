package xrpl

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"xrplalerts/internal/config"
)

func newTestSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	s, err := NewSupervisor(config.SupervisorConfig{
		Nodes:             []config.Node{{URL: "wss://example.invalid", Priority: 1}},
		DedupLedgerWindow: 16,
	})
	if err != nil {
		t.Fatalf("NewSupervisor: %v", err)
	}
	return s
}

func txMsg(hash string, ledger uint32) TransactionStream {
	raw, _ := json.Marshal(map[string]string{"hash": hash, "TransactionType": "NFTokenMint"})
	return TransactionStream{
		Validated:    true,
		EngineResult: "tesSUCCESS",
		LedgerIndex:  ledger,
		Transaction:  raw,
		Meta:         json.RawMessage(`{}`),
	}
}

func TestSupervisorFirstCopyWins(t *testing.T) {
	s := newTestSupervisor(t)
	sub := s.SubscribeTransactions()
	defer sub.Unsubscribe()

	// The same transaction arriving from two nodes passes through once.
	s.handleTransaction(txMsg("AAA", 100))
	s.handleTransaction(txMsg("AAA", 100))
	s.handleTransaction(txMsg("BBB", 100))

	var hashes []string
	for len(sub.C) > 0 {
		ts := <-sub.C
		hashes = append(hashes, txHash(ts.Transaction))
	}
	if len(hashes) != 2 || hashes[0] != "AAA" || hashes[1] != "BBB" {
		t.Errorf("delivered %v, want [AAA BBB]", hashes)
	}
}

func TestSupervisorDropsUnvalidated(t *testing.T) {
	s := newTestSupervisor(t)
	sub := s.SubscribeTransactions()
	defer sub.Unsubscribe()

	ts := txMsg("CCC", 100)
	ts.Validated = false
	s.handleTransaction(ts)

	if len(sub.C) != 0 {
		t.Error("unvalidated transaction must not be delivered")
	}
}

func TestSupervisorLedgerDedupAndGapReport(t *testing.T) {
	s := newTestSupervisor(t)
	sub := s.SubscribeLedgers()
	defer sub.Unsubscribe()

	s.handleLedger(LedgerClosed{LedgerIndex: 100})
	s.handleLedger(LedgerClosed{LedgerIndex: 100}) // second node's copy
	s.handleLedger(LedgerClosed{LedgerIndex: 101})
	s.handleLedger(LedgerClosed{LedgerIndex: 104})

	var indexes []uint32
	for len(sub.C) > 0 {
		indexes = append(indexes, (<-sub.C).LedgerIndex)
	}
	if len(indexes) != 3 {
		t.Fatalf("delivered %v, want exactly [100 101 104]", indexes)
	}

	select {
	case gap := <-s.gapCh:
		if gap.From != 102 || gap.To != 103 {
			t.Errorf("gap = [%d,%d], want [102,103]", gap.From, gap.To)
		}
	default:
		t.Error("expected a gap report for 102-103")
	}
}

func TestSupervisorHealthReportsAllNodes(t *testing.T) {
	s, err := NewSupervisor(config.SupervisorConfig{
		Nodes: []config.Node{
			{URL: "wss://a.invalid", Priority: 1},
			{URL: "wss://b.invalid", Priority: 2},
		},
	})
	if err != nil {
		t.Fatalf("NewSupervisor: %v", err)
	}
	h := s.Health()
	if len(h.Nodes) != 2 {
		t.Fatalf("Health reported %d nodes, want 2", len(h.Nodes))
	}
	for _, n := range h.Nodes {
		if n.State != StateDisconnected {
			t.Errorf("node %s state = %q, want disconnected", n.URL, n.State)
		}
		if n.Breaker != "closed" {
			t.Errorf("node %s breaker = %q, want closed", n.URL, n.Breaker)
		}
	}
}

func TestBackfillRangeRejectsInvertedRange(t *testing.T) {
	s := newTestSupervisor(t)
	if err := s.BackfillRange(context.Background(), 10, 5); err == nil {
		t.Error("expected error for inverted range")
	}
}

func TestDetectLedgerGapsSurvivesFailedBackfill(t *testing.T) {
	s := newTestSupervisor(t)

	s.handleLedger(LedgerClosed{LedgerIndex: 100})
	s.handleLedger(LedgerClosed{LedgerIndex: 104})

	want := GapRange{From: 101, To: 103}
	gaps := s.DetectLedgerGaps()
	if len(gaps) != 1 || gaps[0] != want {
		t.Fatalf("DetectLedgerGaps = %v, want [%v]", gaps, want)
	}

	// No node is connected, so the backfill fails. The gap must stay
	// reported until a backfill actually drains it.
	if err := s.BackfillRange(context.Background(), want.From, want.To); err == nil {
		t.Fatal("backfill with no healthy node should fail")
	}
	gaps = s.DetectLedgerGaps()
	if len(gaps) != 1 || gaps[0] != want {
		t.Errorf("after failed backfill, DetectLedgerGaps = %v, want [%v]", gaps, want)
	}

	s.gaps.Resolve(want)
	if got := s.DetectLedgerGaps(); len(got) != 0 {
		t.Errorf("after resolve, DetectLedgerGaps = %v, want empty", got)
	}
}

func TestNodePingFailuresCountAndTimestamp(t *testing.T) {
	s := newTestSupervisor(t)
	n := s.nodes[0]

	n.notePingFailure(time.Now())
	n.notePingFailure(time.Now())

	h := n.snapshot()
	if h.ConsecutiveFailures != 2 {
		t.Errorf("consecutive failures = %d, want 2 after two failed pings", h.ConsecutiveFailures)
	}
	if h.LastCheck == nil {
		t.Fatal("last check timestamp not recorded")
	}

	n.notePingSuccess(25*time.Millisecond, time.Now())
	h = n.snapshot()
	if h.ConsecutiveFailures != 0 {
		t.Errorf("consecutive failures = %d, want reset on a healthy ping", h.ConsecutiveFailures)
	}
	if h.PingRTT != 25*time.Millisecond {
		t.Errorf("ping rtt = %s, want 25ms", h.PingRTT)
	}
}
