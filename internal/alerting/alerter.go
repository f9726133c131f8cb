package alerting

import (
	"log/slog"
	"sync"
	"time"

	"trafficwatch-dashboard/internal/data"
	"trafficwatch-dashboard/internal/websocket"
)

// Broadcaster delivers alerts and channel status to connected dashboards.
type Broadcaster interface {
	BroadcastAlert(alert data.Alert)
	BroadcastStatus(status websocket.Status)
}

type alertKey struct {
	camera   string
	category data.Category
}

// Alerter forwards alerts to the dashboards. Repeated alerts for the same camera
// and category are suppressed for Cooldown.
type Alerter struct {
	out      Broadcaster
	Cooldown time.Duration

	mu   sync.Mutex
	last map[alertKey]time.Time
	now  func() time.Time
}

func NewAlerter(out Broadcaster, cooldown time.Duration) *Alerter {
	return &Alerter{out: out, Cooldown: cooldown, last: make(map[alertKey]time.Time), now: time.Now}
}

// ProcessAlerts sends alerts via configured channels (currently WebSocket)
func (a *Alerter) ProcessAlerts(alerts []data.Alert) {
	if len(alerts) == 0 || a.out == nil {
		return
	}
	for _, alert := range alerts {
		if a.suppressed(alert) {
			continue
		}
		slog.Warn("alert", "camera", alert.Camera, "category", alert.Category, "value", alert.Value, "message", alert.Message)
		a.out.BroadcastAlert(alert)
	}
}

func (a *Alerter) suppressed(alert data.Alert) bool {
	if a.Cooldown <= 0 {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	key := alertKey{camera: alert.Camera, category: alert.Category}
	now := a.now()
	if last, ok := a.last[key]; ok && now.Sub(last) < a.Cooldown {
		return true
	}
	a.last[key] = now
	return false
}

// ChannelDegraded tells the dashboards of scope that live updates keep failing.
func (a *Alerter) ChannelDegraded(scope string, err error) {
	if a.out == nil {
		return
	}
	st := websocket.Status{Scope: scope, State: "degraded"}
	if err != nil {
		st.Error = err.Error()
	}
	slog.Error("live channel degraded", "scope", scope, "error", err)
	a.out.BroadcastStatus(st)
}

// ChannelRecovered tells the dashboards of scope that live updates are back.
func (a *Alerter) ChannelRecovered(scope string) {
	if a.out == nil {
		return
	}
	slog.Info("live channel recovered", "scope", scope)
	a.out.BroadcastStatus(websocket.Status{Scope: scope, State: "recovered"})
}
