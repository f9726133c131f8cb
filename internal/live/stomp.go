package live

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/go-stomp/stomp/v3"
	"github.com/gorilla/websocket"
)

// STOMPTransport subscribes to a STOMP destination over a WebSocket, the channel
// the traffic backend exposes at ws://<host>/ws.
type STOMPTransport struct {
	URL         string
	Destination string
	Login       string
	Passcode    string
	HeartBeat   time.Duration
	Dialer      *websocket.Dialer
}

func (t *STOMPTransport) Name() string { return "stomp" }

func (t *STOMPTransport) Run(ctx context.Context, onConnect func(), deliver func(Message)) error {
	dialer := websocket.DefaultDialer
	if t.Dialer != nil {
		dialer = t.Dialer
	}
	d := *dialer
	d.Subprotocols = []string{"v12.stomp", "v11.stomp", "v10.stomp"}

	ws, _, err := d.DialContext(ctx, t.URL, nil)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", t.URL, err)
	}
	defer ws.Close()
	// Closing the socket unblocks the STOMP reader when ctx ends.
	stop := context.AfterFunc(ctx, func() { ws.Close() })
	defer stop()

	opts := []func(*stomp.Conn) error{stomp.ConnOpt.Host("/")}
	if t.Login != "" {
		opts = append(opts, stomp.ConnOpt.Login(t.Login, t.Passcode))
	}
	if t.HeartBeat > 0 {
		opts = append(opts, stomp.ConnOpt.HeartBeat(t.HeartBeat, t.HeartBeat))
	}
	conn, err := stomp.Connect(newWSStream(ws), opts...)
	if err != nil {
		return fmt.Errorf("stomp connect: %w", err)
	}

	sub, err := conn.Subscribe(t.Destination, stomp.AckAuto)
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", t.Destination, err)
	}
	onConnect()

	for msg := range sub.C {
		if msg.Err != nil {
			return msg.Err
		}
		deliver(Message{Topic: msg.Destination, Key: lastSegment(msg.Destination), Body: msg.Body})
	}
	return errors.New("stomp subscription closed")
}

// wsStream presents a WebSocket as the byte stream go-stomp expects. Each write
// becomes one text message; reads concatenate inbound messages.
type wsStream struct {
	conn *websocket.Conn
	r    io.Reader
	wmu  sync.Mutex
}

func newWSStream(conn *websocket.Conn) *wsStream {
	return &wsStream{conn: conn}
}

func (s *wsStream) Read(p []byte) (int, error) {
	for {
		if s.r == nil {
			_, r, err := s.conn.NextReader()
			if err != nil {
				return 0, err
			}
			s.r = r
		}
		n, err := s.r.Read(p)
		if err == io.EOF {
			s.r = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (s *wsStream) Write(p []byte) (int, error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if err := s.conn.WriteMessage(websocket.TextMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *wsStream) Close() error {
	return s.conn.Close()
}
