package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/dsr1111/toko-auction/shared/models"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// AllItems is the topic of clients that follow every item
const AllItems int64 = 0

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 256
)

// Manager fans notifications out to connected clients. Run owns the client
// set; everything else talks to it over channels.
type Manager struct {
	mu      sync.RWMutex
	clients map[int64]map[*Client]struct{}

	register   chan *Client
	unregister chan *Client
	broadcast  chan models.Envelope
	done       chan struct{}

	log zerolog.Logger
}

// Client represents a WebSocket client connection
type Client struct {
	ID     string
	ItemID int64 // AllItems for the global feed
	Conn   *websocket.Conn
	Send   chan []byte
}

// NewManager creates a new WebSocket manager
func NewManager(log zerolog.Logger) *Manager {
	return &Manager{
		clients:    make(map[int64]map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan models.Envelope, 256),
		done:       make(chan struct{}),
		log:        log.With().Str("component", "ws-manager").Logger(),
	}
}

// Run processes registrations and broadcasts until ctx ends, then closes
// every connection
func (m *Manager) Run(ctx context.Context) {
	defer close(m.done)
	for {
		select {
		case <-ctx.Done():
			m.closeAll()
			return
		case client := <-m.register:
			m.registerClient(client)
		case client := <-m.unregister:
			m.unregisterClient(client)
		case env := <-m.broadcast:
			m.deliver(env)
		}
	}
}

// Broadcast queues a notification for delivery
func (m *Manager) Broadcast(env models.Envelope) {
	select {
	case m.broadcast <- env:
	case <-m.done:
	}
}

// Register hands a client to the manager and starts its pumps. It reports
// false once the manager has stopped.
func (m *Manager) Register(client *Client) bool {
	select {
	case m.register <- client:
		return true
	case <-m.done:
		return false
	}
}

func (m *Manager) registerClient(client *Client) {
	m.mu.Lock()
	set, ok := m.clients[client.ItemID]
	if !ok {
		set = make(map[*Client]struct{})
		m.clients[client.ItemID] = set
	}
	set[client] = struct{}{}
	m.mu.Unlock()

	m.log.Debug().Str("client", client.ID).Int64("item_id", client.ItemID).Msg("client subscribed")

	go client.writePump()
	go client.readPump(m)
}

func (m *Manager) unregisterClient(client *Client) {
	m.mu.Lock()
	set, ok := m.clients[client.ItemID]
	if ok {
		if _, ok = set[client]; ok {
			delete(set, client)
			if len(set) == 0 {
				delete(m.clients, client.ItemID)
			}
		}
	}
	m.mu.Unlock()

	// a client can be dropped for being slow and then report its own
	// disconnect; only the first removal closes it
	if ok {
		close(client.Send)
		m.log.Debug().Str("client", client.ID).Int64("item_id", client.ItemID).Msg("client unsubscribed")
	}
}

// deliver sends env to the global feed and to the item's watchers. Clients
// whose buffer is full are dropped.
func (m *Manager) deliver(env models.Envelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		m.log.Error().Err(err).Msg("failed to marshal notification")
		return
	}

	topics := []int64{AllItems}
	if env.ItemID != nil && *env.ItemID != AllItems {
		topics = append(topics, *env.ItemID)
	}

	var slow []*Client
	count := 0
	m.mu.RLock()
	for _, topic := range topics {
		for client := range m.clients[topic] {
			select {
			case client.Send <- payload:
				count++
			default:
				slow = append(slow, client)
			}
		}
	}
	m.mu.RUnlock()

	for _, client := range slow {
		m.log.Warn().Str("client", client.ID).Msg("dropping slow client")
		m.unregisterClient(client)
	}
	m.log.Debug().Str("action", string(env.Action)).Int("clients", count).Msg("broadcast")
}

func (m *Manager) closeAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for topic, set := range m.clients {
		for client := range set {
			close(client.Send)
		}
		delete(m.clients, topic)
	}
}

// SubscriberCount returns the number of clients watching an item
func (m *Manager) SubscriberCount(itemID int64) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients[itemID])
}

// ClientCount returns the number of connected clients
func (m *Manager) ClientCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, set := range m.clients {
		n += len(set)
	}
	return n
}

// writePump pumps messages from the Send channel to the websocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump keeps the read deadline fresh and reports the disconnect.
// Clients have nothing to say; anything they send is discarded.
func (c *Client) readPump(m *Manager) {
	defer func() {
		select {
		case m.unregister <- c:
		case <-m.done:
		}
	}()

	c.Conn.SetReadLimit(512)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				m.log.Warn().Err(err).Str("client", c.ID).Msg("websocket error")
			}
			return
		}
	}
}
