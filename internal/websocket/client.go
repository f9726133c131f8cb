package websocket

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"trafficwatch-dashboard/internal/aggregate"
	"trafficwatch-dashboard/internal/dashboard"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod     = (pongWait * 9) / 10 // Send pings to peer with this period. Must be less than pongWait.
	maxMessageSize = 512                 // Maximum message size allowed from peer.
	sendBuffer     = 16
)

// control is a message sent by the browser.
type control struct {
	Type        string `json:"type"`
	Granularity string `json:"granularity"`
}

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	ID   string
	Hub  *Hub
	Conn *websocket.Conn
	Send chan []byte // Buffered channel of outbound messages.
	View *dashboard.View

	// granularity is owned by the hub goroutine.
	granularity aggregate.Granularity
	release     func()
}

// NewClient builds a client watching view at granularity g. release is called
// once the client disconnects.
func NewClient(hub *Hub, conn *websocket.Conn, view *dashboard.View, g aggregate.Granularity, release func()) *Client {
	return &Client{
		ID:          uuid.NewString(),
		Hub:         hub,
		Conn:        conn,
		Send:        make(chan []byte, sendBuffer),
		View:        view,
		granularity: g,
		release:     release,
	}
}

// ReadPump reads control messages until the connection closes.
func (c *Client) ReadPump() {
	defer func() {
		c.Hub.Unregister(c)
		c.Conn.Close()
		if c.release != nil {
			c.release()
		}
		slog.Debug("websocket readPump finished", "client", c.ID)
	}()
	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error { c.Conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Warn("websocket read error", "client", c.ID, "error", err)
			}
			break
		}
		c.handle(message)
	}
}

func (c *Client) handle(message []byte) {
	var ctl control
	if err := json.Unmarshal(message, &ctl); err != nil {
		slog.Debug("ignoring websocket message", "client", c.ID, "error", err)
		return
	}
	switch ctl.Type {
	case "granularity":
		g, err := aggregate.ParseGranularity(ctl.Granularity)
		if err != nil {
			slog.Debug("ignoring granularity change", "client", c.ID, "error", err)
			return
		}
		c.Hub.SetGranularity(c, g)
	default:
		slog.Debug("unknown websocket message type", "client", c.ID, "type", ctl.Type)
	}
}

// WritePump pumps messages from the hub to the websocket connection.
func (c *Client) WritePump() {
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
				// The hub closed the channel.
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			// One JSON document per frame; the browser parses each frame on its own.
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				slog.Debug("websocket write error", "client", c.ID, "error", err)
				return
			}
		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				slog.Debug("websocket ping error", "client", c.ID, "error", err)
				return
			}
		}
	}
}
