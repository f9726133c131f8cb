package websocket

import (
	"encoding/json"
	"log/slog"
	"sync"

	"trafficwatch-dashboard/internal/aggregate"
	"trafficwatch-dashboard/internal/dashboard"
	"trafficwatch-dashboard/internal/data"
	"trafficwatch-dashboard/internal/metrics"
)

// Message types sent to the browser.
const (
	TypeDashboard = "dashboard"
	TypeAlert     = "alert"
	TypeStatus    = "status"
)

// Message is the envelope of every frame sent to a client.
type Message struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// Status reports the live channel of one view.
type Status struct {
	Scope string `json:"scope"`
	State string `json:"state"` // "degraded" or "recovered"
	Error string `json:"error,omitempty"`
}

type granularityChange struct {
	client      *Client
	granularity aggregate.Granularity
}

type scopedMessage struct {
	scope string
	all   bool
	msg   []byte
}

// Hub maintains the set of active clients. Each client watches one view at its
// own granularity and gets a fresh dashboard whenever that view changes.
type Hub struct {
	clients     map[*Client]bool
	broadcast   chan scopedMessage
	register    chan *Client
	unregister  chan *Client
	granularity chan granularityChange
	quit        chan struct{}
	stopOnce    sync.Once

	// Views changed since the last render, coalesced.
	dirtyMu sync.Mutex
	dirty   map[*dashboard.View]struct{}
	wake    chan struct{}

	metrics *metrics.Metrics
}

func NewHub(m *metrics.Metrics) *Hub {
	return &Hub{
		clients:     make(map[*Client]bool),
		broadcast:   make(chan scopedMessage, 64),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		granularity: make(chan granularityChange),
		quit:        make(chan struct{}),
		dirty:       make(map[*dashboard.View]struct{}),
		wake:        make(chan struct{}, 1),
		metrics:     m,
	}
}

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.clients[client] = true
			h.gauge(1)
			slog.Info("websocket client registered", "client", client.ID, "scope", client.View.Scope())
			h.sendDashboard(client, nil)

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				h.remove(client)
				slog.Info("websocket client unregistered", "client", client.ID)
			}

		case ch := <-h.granularity:
			if _, ok := h.clients[ch.client]; ok {
				ch.client.granularity = ch.granularity
				h.sendDashboard(ch.client, nil)
			}

		case <-h.wake:
			h.dirtyMu.Lock()
			views := h.dirty
			h.dirty = make(map[*dashboard.View]struct{})
			h.dirtyMu.Unlock()

			for v := range views {
				rendered := make(map[aggregate.Granularity][]byte)
				for client := range h.clients {
					if client.View == v {
						h.sendDashboard(client, rendered)
					}
				}
			}

		case m := <-h.broadcast:
			for client := range h.clients {
				if m.all || client.View.Scope() == m.scope {
					h.send(client, m.msg)
				}
			}

		case <-h.quit:
			for client := range h.clients {
				h.remove(client)
			}
			return
		}
	}
}

// Stop ends Run and closes every client.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.quit) })
}

// Register adds a client; it immediately receives the current dashboard.
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.quit:
		close(client.Send)
	}
}

func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.quit:
	}
}

func (h *Hub) SetGranularity(client *Client, g aggregate.Granularity) {
	select {
	case h.granularity <- granularityChange{client: client, granularity: g}:
	case <-h.quit:
	}
}

// ViewChanged schedules a fresh dashboard for the clients of v. It never blocks.
func (h *Hub) ViewChanged(v *dashboard.View) {
	h.dirtyMu.Lock()
	h.dirty[v] = struct{}{}
	h.dirtyMu.Unlock()
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

// BroadcastAlert sends an alert to every client.
func (h *Hub) BroadcastAlert(alert data.Alert) {
	h.publish(scopedMessage{all: true}, Message{Type: TypeAlert, Payload: alert})
}

// BroadcastStatus sends a channel status to the clients of status.Scope.
func (h *Hub) BroadcastStatus(status Status) {
	h.publish(scopedMessage{scope: status.Scope}, Message{Type: TypeStatus, Payload: status})
}

func (h *Hub) publish(m scopedMessage, msg Message) {
	b, err := json.Marshal(msg)
	if err != nil {
		slog.Error("error marshalling broadcast", "type", msg.Type, "error", err)
		return
	}
	m.msg = b
	select {
	case h.broadcast <- m:
	case <-h.quit:
	}
}

// sendDashboard renders the client's view at its granularity. rendered caches
// payloads across clients of the same view within one pass.
func (h *Hub) sendDashboard(client *Client, rendered map[aggregate.Granularity][]byte) {
	b, ok := rendered[client.granularity]
	if !ok {
		var err error
		b, err = json.Marshal(Message{Type: TypeDashboard, Payload: client.View.Aggregates(client.granularity)})
		if err != nil {
			slog.Error("error marshalling dashboard", "scope", client.View.Scope(), "error", err)
			return
		}
		if rendered != nil {
			rendered[client.granularity] = b
		}
	}
	h.send(client, b)
}

// send drops clients whose buffer is full.
func (h *Hub) send(client *Client, msg []byte) {
	select {
	case client.Send <- msg:
	default:
		slog.Warn("websocket client send buffer full, removing", "client", client.ID)
		h.remove(client)
	}
}

func (h *Hub) remove(client *Client) {
	delete(h.clients, client)
	close(client.Send)
	h.gauge(-1)
}

func (h *Hub) gauge(delta float64) {
	if h.metrics != nil {
		h.metrics.WebSocketClients.Add(delta)
	}
}
