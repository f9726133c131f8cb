package alerting

import (
	"errors"
	"testing"
	"time"

	"trafficwatch-dashboard/internal/data"
	"trafficwatch-dashboard/internal/websocket"
)

type recorder struct {
	alerts   []data.Alert
	statuses []websocket.Status
}

func (r *recorder) BroadcastAlert(a data.Alert) { r.alerts = append(r.alerts, a) }
func (r *recorder) BroadcastStatus(s websocket.Status) { r.statuses = append(r.statuses, s) }

func TestProcessAlertsCooldown(t *testing.T) {
	out := &recorder{}
	a := NewAlerter(out, time.Minute)
	now := time.Date(2024, 3, 11, 10, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return now }

	bus := data.Alert{Camera: "north", Category: data.Bus, Value: 9}
	car := data.Alert{Camera: "north", Category: data.Car, Value: 90}

	a.ProcessAlerts([]data.Alert{bus, car})
	a.ProcessAlerts([]data.Alert{bus})
	if len(out.alerts) != 2 {
		t.Fatalf("sent %d alerts, want 2", len(out.alerts))
	}

	now = now.Add(2 * time.Minute)
	a.ProcessAlerts([]data.Alert{bus})
	if len(out.alerts) != 3 {
		t.Errorf("alert not re-sent after the cooldown")
	}
}

func TestNoCooldownSendsEverything(t *testing.T) {
	out := &recorder{}
	a := NewAlerter(out, 0)
	alert := data.Alert{Camera: "north", Category: data.Bus}
	a.ProcessAlerts([]data.Alert{alert, alert, alert})
	if len(out.alerts) != 3 {
		t.Errorf("sent %d alerts, want 3", len(out.alerts))
	}
}

func TestChannelStatus(t *testing.T) {
	out := &recorder{}
	a := NewAlerter(out, 0)
	a.ChannelDegraded("7", errors.New("connection refused"))
	a.ChannelRecovered("7")

	if len(out.statuses) != 2 {
		t.Fatalf("got %d statuses", len(out.statuses))
	}
	if s := out.statuses[0]; s.Scope != "7" || s.State != "degraded" || s.Error != "connection refused" {
		t.Errorf("degraded = %+v", s)
	}
	if s := out.statuses[1]; s.State != "recovered" || s.Error != "" {
		t.Errorf("recovered = %+v", s)
	}
}
