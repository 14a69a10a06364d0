package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"xrplalerts/internal/models"

	"github.com/gorilla/websocket"
)

// hub fans committed activities out to connected WebSocket clients. Slow
// clients are dropped rather than allowed to stall the broadcast.
type hub struct {
	clients    map[*wsClient]bool
	broadcast  chan []byte
	register   chan *wsClient
	unregister chan *wsClient
	mu         sync.Mutex
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

func newHub() *hub {
	return &hub{
		clients:    make(map[*wsClient]bool),
		broadcast:  make(chan []byte, 64),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
	}
}

func (h *hub) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *hub) clientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[api] websocket upgrade: %v", err)
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 256),
	}
	s.hub.register <- client

	go func() {
		defer conn.Close()
		for {
			message, ok := <-client.send
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			wr, err := conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			wr.Write(message)
			wr.Close()
		}
	}()

	// The stream is read-only; any inbound frame keeps the connection alive
	// and a read error tears it down.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	s.hub.unregister <- client
}

type wsMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

type wsActivity struct {
	ID              int64     `json:"id"`
	NFTokenID       string    `json:"nftokenId"`
	TransactionHash string    `json:"transactionHash"`
	LedgerIndex     uint32    `json:"ledgerIndex"`
	ActivityType    string    `json:"activityType"`
	FromAddress     string    `json:"fromAddress,omitempty"`
	ToAddress       string    `json:"toAddress,omitempty"`
	PriceDrops      string    `json:"priceDrops,omitempty"`
	Currency        string    `json:"currency,omitempty"`
	Issuer          string    `json:"issuer,omitempty"`
	CollectionID    *int64    `json:"collectionId,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// pumpActivities feeds the hub from the committed-activity bus.
func (s *Server) pumpActivities(ctx context.Context) {
	events, cancel := s.bus.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case detail, ok := <-events:
			if !ok {
				return
			}
			s.broadcastActivity(detail)
		}
	}
}

// buildActivityMessage flattens a committed activity into the wire shape the
// stream clients consume. The collection id comes from the joined NFT row
// when it is already known.
func buildActivityMessage(detail models.ActivityDetail) wsMessage {
	a := detail.Activity
	payload := wsActivity{
		ID:              a.ID,
		NFTokenID:       a.NFTokenID,
		TransactionHash: a.TransactionHash,
		LedgerIndex:     a.LedgerIndex,
		ActivityType:    string(a.ActivityType),
		FromAddress:     a.FromAddress,
		ToAddress:       a.ToAddress,
		PriceDrops:      a.PriceDrops,
		Currency:        a.Currency,
		Issuer:          a.Issuer,
		Timestamp:       a.Timestamp,
	}
	if detail.NFT != nil {
		payload.CollectionID = detail.NFT.CollectionID
	}
	return wsMessage{Type: "nft_activity", Payload: payload}
}

func (s *Server) broadcastActivity(detail models.ActivityDetail) {
	data, err := json.Marshal(buildActivityMessage(detail))
	if err != nil {
		return
	}
	select {
	case s.hub.broadcast <- data:
	default:
	}
}
