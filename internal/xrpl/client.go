package xrpl

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// nodeClient is one live WebSocket session to an XRPL node. It multiplexes
// request/response commands (id-correlated) with the subscription stream
// push messages, which it forwards on the two channels.
type nodeClient struct {
	url  string
	conn *websocket.Conn

	writeMu sync.Mutex // gorilla allows one concurrent writer

	mu      sync.Mutex
	nextID  int
	pending map[int]chan streamMessage
	closed  bool

	ledgers chan LedgerClosed
	txs     chan TransactionStream
	done    chan struct{}
}

func dialNode(ctx context.Context, url string, timeout time.Duration) (*nodeClient, error) {
	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	c := &nodeClient{
		url:     url,
		conn:    conn,
		pending: make(map[int]chan streamMessage),
		ledgers: make(chan LedgerClosed, 16),
		txs:     make(chan TransactionStream, 256),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Subscribe asks the node for the ledger and transactions streams.
func (c *nodeClient) Subscribe(ctx context.Context) error {
	result, err := c.request(ctx, map[string]interface{}{
		"command": "subscribe",
		"streams": []string{"ledger", "transactions"},
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", c.url, err)
	}
	_ = result // the subscribe result carries the current ledger; unused
	return nil
}

// Ping round-trips the protocol-level ping command and returns the latency.
func (c *nodeClient) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if _, err := c.request(ctx, map[string]interface{}{"command": "ping"}); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// FetchLedger requests one validated ledger with expanded transactions.
func (c *nodeClient) FetchLedger(ctx context.Context, ledgerIndex uint32) (*LedgerResult, error) {
	raw, err := c.request(ctx, map[string]interface{}{
		"command":      "ledger",
		"ledger_index": ledgerIndex,
		"transactions": true,
		"expand":       true,
	})
	if err != nil {
		return nil, fmt.Errorf("ledger %d from %s: %w", ledgerIndex, c.url, err)
	}
	var result LedgerResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode ledger %d: %w", ledgerIndex, err)
	}
	return &result, nil
}

func (c *nodeClient) request(ctx context.Context, cmd map[string]interface{}) (json.RawMessage, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("connection to %s is closed", c.url)
	}
	c.nextID++
	id := c.nextID
	cmd["id"] = id
	reply := make(chan streamMessage, 1)
	c.pending[id] = reply
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	c.writeMu.Lock()
	err := c.conn.WriteJSON(cmd)
	c.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("write to %s: %w", c.url, err)
	}

	select {
	case msg := <-reply:
		if msg.Status != "success" {
			return nil, fmt.Errorf("node %s returned %q: %s", c.url, msg.Status, msg.Error)
		}
		return msg.Result, nil
	case <-c.done:
		return nil, fmt.Errorf("connection to %s lost", c.url)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *nodeClient) readLoop() {
	defer c.shutdown()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			log.Printf("[supervisor] read from %s: %v", c.url, err)
			return
		}
		var envelope streamMessage
		if err := json.Unmarshal(data, &envelope); err != nil {
			log.Printf("[supervisor] malformed message from %s: %v", c.url, err)
			continue
		}
		switch envelope.Type {
		case "response":
			c.mu.Lock()
			reply, ok := c.pending[envelope.ID]
			c.mu.Unlock()
			if ok {
				reply <- envelope
			}
		case "ledgerClosed":
			var lc LedgerClosed
			if err := json.Unmarshal(data, &lc); err != nil {
				log.Printf("[supervisor] malformed ledgerClosed from %s: %v", c.url, err)
				continue
			}
			select {
			case c.ledgers <- lc:
			default:
				log.Printf("[supervisor] ledger buffer full for %s, dropping %d", c.url, lc.LedgerIndex)
			}
		case "transaction":
			var ts TransactionStream
			if err := json.Unmarshal(data, &ts); err != nil {
				log.Printf("[supervisor] malformed transaction from %s: %v", c.url, err)
				continue
			}
			select {
			case c.txs <- ts:
			default:
				log.Printf("[supervisor] tx buffer full for %s, dropping", c.url)
			}
		}
	}
}

func (c *nodeClient) shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	close(c.done)
	c.conn.Close()
	close(c.ledgers)
	close(c.txs)
}

func (c *nodeClient) Close() {
	c.conn.Close() // readLoop exits and runs shutdown
}

// Done is closed when the session has ended for any reason.
func (c *nodeClient) Done() <-chan struct{} {
	return c.done
}
