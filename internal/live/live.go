// Package live subscribes to the publish/subscribe channel that pushes detection
// records (and camera frames) as they happen.
//
// A Subscription owns one connection at a time. When the connection drops it waits
// a fixed delay and dials again, forever, until Close is called.
package live

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"trafficwatch-dashboard/internal/data"
	"trafficwatch-dashboard/internal/metrics"
)

// DefaultDelay is the pause between a lost connection and the next attempt.
const DefaultDelay = 5 * time.Second

// Message is one inbound message. Key is the camera the message belongs to when
// the transport carries it (Kafka key, last topic segment otherwise).
type Message struct {
	Topic string
	Key   string
	Body  []byte
}

// Transport performs a single connection attempt. Run calls onConnect once the
// subscription is established, then deliver for every message in arrival order,
// and returns when the connection is lost or ctx is done. onConnect must be
// called from the goroutine running Run.
type Transport interface {
	Name() string
	Run(ctx context.Context, onConnect func(), deliver func(Message)) error
}

type Options struct {
	Delay time.Duration
	// EscalateAfter consecutive failed attempts trigger OnDegraded once;
	// OnRecovered fires on the next successful connect.
	EscalateAfter int
	OnDegraded    func(err error)
	OnRecovered   func()
	Metrics       *metrics.Metrics
}

type Subscription struct {
	transport Transport
	opts      Options
	handler   func(Message)

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	connected atomic.Bool
}

// Subscribe starts the connect/reconnect loop in the background.
func Subscribe(ctx context.Context, t Transport, opts Options, handler func(Message)) *Subscription {
	if opts.Delay <= 0 {
		opts.Delay = DefaultDelay
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &Subscription{
		transport: t,
		opts:      opts,
		handler:   handler,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go s.run(ctx)
	return s
}

func (s *Subscription) run(ctx context.Context) {
	defer close(s.done)

	name := s.transport.Name()
	failures := 0
	degraded := false

	for {
		err := s.transport.Run(ctx, func() {
			s.connected.Store(true)
			failures = 0
			slog.Info("live channel connected", "transport", name)
			if degraded {
				degraded = false
				if s.opts.OnRecovered != nil {
					s.opts.OnRecovered()
				}
			}
		}, s.handler)
		s.connected.Store(false)

		if ctx.Err() != nil {
			return
		}

		failures++
		slog.Warn("live channel lost, reconnecting",
			"transport", name,
			"error", err,
			"retry_in", s.opts.Delay,
			"consecutive_failures", failures)
		if s.opts.Metrics != nil {
			s.opts.Metrics.LiveReconnects.WithLabelValues(name).Inc()
		}
		if !degraded && s.opts.EscalateAfter > 0 && failures >= s.opts.EscalateAfter {
			degraded = true
			if s.opts.OnDegraded != nil {
				s.opts.OnDegraded(err)
			}
		}

		timer := time.NewTimer(s.opts.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// Close stops retrying, closes the open connection and waits for the loop to exit.
// It is safe to call more than once.
func (s *Subscription) Close() {
	s.closeOnce.Do(s.cancel)
	<-s.done
}

func (s *Subscription) Connected() bool {
	return s.connected.Load()
}

// RecordHandler decodes each message into a DetectionRecord. Messages that do not
// parse are logged and dropped.
func RecordHandler(loc *time.Location, m *metrics.Metrics, onRecord func(data.DetectionRecord)) func(Message) {
	return func(msg Message) {
		rec, err := data.ParseRecord(msg.Body, loc)
		if err != nil {
			slog.Warn("dropping live message", "topic", msg.Topic, "error", err)
			if m != nil {
				m.RecordsRejected.WithLabelValues(metrics.OriginLive).Inc()
			}
			return
		}
		onRecord(rec)
	}
}

func lastSegment(topic string) string {
	if i := strings.LastIndex(topic, "/"); i >= 0 {
		return topic[i+1:]
	}
	return topic
}
