package websocket

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"trafficwatch-dashboard/internal/aggregate"
	"trafficwatch-dashboard/internal/dashboard"
	"trafficwatch-dashboard/internal/data"
)

type staticSource []data.WireCamera

func (s staticSource) Cameras(context.Context, string) ([]data.WireCamera, error) {
	return s, nil
}

func openView(t *testing.T, scope string) *dashboard.View {
	t.Helper()
	src := staticSource{{ID: "7", Label: "north", Records: []data.WireRecord{
		{Timestamp: "2024-03-11T10:00:05Z", Categories: []data.WireCategory{{Category: "Car", ObjectsDetected: 2}}},
		{Timestamp: "2024-03-11T10:00:09Z", Categories: []data.WireCategory{{Category: "Bus", ObjectsDetected: 1}}},
	}}}
	v := dashboard.NewView(scope, dashboard.Options{Source: src, Location: time.UTC})
	if err := v.Open(context.Background()); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(v.Close)
	return v
}

func testClient(h *Hub, v *dashboard.View, g aggregate.Granularity) *Client {
	return &Client{ID: "c-" + string(g), Hub: h, Send: make(chan []byte, sendBuffer), View: v, granularity: g}
}

type received struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func next(t *testing.T, c *Client) received {
	t.Helper()
	select {
	case b, ok := <-c.Send:
		if !ok {
			t.Fatalf("client %s was closed", c.ID)
		}
		var r received
		if err := json.Unmarshal(b, &r); err != nil {
			t.Fatalf("bad message %s: %v", b, err)
		}
		return r
	case <-time.After(2 * time.Second):
		t.Fatalf("client %s got nothing", c.ID)
	}
	return received{}
}

func expectNothing(t *testing.T, c *Client) {
	t.Helper()
	select {
	case b := <-c.Send:
		t.Fatalf("client %s got unexpected %s", c.ID, b)
	case <-time.After(50 * time.Millisecond):
	}
}

func dashboardOf(t *testing.T, r received) dashboard.Snapshot {
	t.Helper()
	if r.Type != TypeDashboard {
		t.Fatalf("type = %q, want dashboard", r.Type)
	}
	var s dashboard.Snapshot
	if err := json.Unmarshal(r.Payload, &s); err != nil {
		t.Fatalf("bad dashboard payload: %v", err)
	}
	return s
}

func TestRegisterSendsCurrentDashboard(t *testing.T) {
	h := NewHub(nil)
	go h.Run()
	defer h.Stop()

	c := testClient(h, openView(t, ""), aggregate.Second)
	h.Register(c)

	s := dashboardOf(t, next(t, c))
	if s.State != dashboard.StateReady || s.Views.Granularity != aggregate.Second {
		t.Fatalf("snapshot = %+v", s)
	}
	if len(s.Views.Total) != 2 {
		t.Errorf("second buckets = %d, want 2", len(s.Views.Total))
	}
}

func TestViewChangedReachesOnlyItsClients(t *testing.T) {
	h := NewHub(nil)
	go h.Run()
	defer h.Stop()

	global := openView(t, "")
	camera := openView(t, "7")
	a := testClient(h, global, aggregate.Minute)
	b := testClient(h, global, aggregate.Hour)
	other := testClient(h, camera, aggregate.Minute)
	for _, c := range []*Client{a, b, other} {
		h.Register(c)
		next(t, c)
	}

	global.Store().Upsert(data.DetectionRecord{
		CameraLabel: "north", Timestamp: "2024-03-11T11:00:00Z",
		At: time.Date(2024, 3, 11, 11, 0, 0, 0, time.UTC), Counts: data.Counts{Motorbike: 1},
	})
	h.ViewChanged(global)

	if s := dashboardOf(t, next(t, a)); s.Views.Granularity != aggregate.Minute || len(s.Views.Total) != 2 {
		t.Errorf("minute client got %+v", s.Views)
	}
	if s := dashboardOf(t, next(t, b)); s.Views.Granularity != aggregate.Hour || len(s.Views.Total) != 2 {
		t.Errorf("hour client got %+v", s.Views)
	}
	expectNothing(t, other)
}

func TestGranularityControlMessage(t *testing.T) {
	h := NewHub(nil)
	go h.Run()
	defer h.Stop()

	c := testClient(h, openView(t, ""), aggregate.Day)
	h.Register(c)
	next(t, c)

	c.handle([]byte(`{"type":"granularity","granularity":"second"}`))
	if s := dashboardOf(t, next(t, c)); s.Views.Granularity != aggregate.Second {
		t.Errorf("granularity = %s, want second", s.Views.Granularity)
	}

	c.handle([]byte(`{"type":"granularity","granularity":"fortnight"}`))
	c.handle([]byte(`not json`))
	expectNothing(t, c)
}

func TestAlertsAndStatus(t *testing.T) {
	h := NewHub(nil)
	go h.Run()
	defer h.Stop()

	g := testClient(h, openView(t, ""), aggregate.Minute)
	cam := testClient(h, openView(t, "7"), aggregate.Minute)
	for _, c := range []*Client{g, cam} {
		h.Register(c)
		next(t, c)
	}

	h.BroadcastAlert(data.Alert{Severity: "WARN", Category: data.Bus, Value: 40})
	for _, c := range []*Client{g, cam} {
		if r := next(t, c); r.Type != TypeAlert {
			t.Errorf("client %s got %q, want alert", c.ID, r.Type)
		}
	}

	h.BroadcastStatus(Status{Scope: "7", State: "degraded", Error: "connection refused"})
	r := next(t, cam)
	var st Status
	if err := json.Unmarshal(r.Payload, &st); err != nil || r.Type != TypeStatus || st.State != "degraded" {
		t.Errorf("status message = %s %s", r.Type, r.Payload)
	}
	expectNothing(t, g)
}

func TestSlowClientIsDropped(t *testing.T) {
	h := NewHub(nil)
	go h.Run()
	defer h.Stop()

	c := testClient(h, openView(t, ""), aggregate.Minute)
	c.Send = make(chan []byte, 1)
	c.Send <- []byte(`{"type":"stale"}`) // buffer already full
	h.Register(c)
	// Returns once Run has finished handling the registration.
	h.SetGranularity(c, aggregate.Hour)

	if b := <-c.Send; string(b) != `{"type":"stale"}` {
		t.Fatalf("unexpected message %s", b)
	}
	if _, ok := <-c.Send; ok {
		t.Fatal("slow client was not dropped")
	}
}

func TestStopClosesClients(t *testing.T) {
	h := NewHub(nil)
	done := make(chan struct{})
	go func() { h.Run(); close(done) }()

	c := testClient(h, openView(t, ""), aggregate.Minute)
	h.Register(c)
	next(t, c)
	h.Stop()
	<-done

	if _, ok := <-c.Send; ok {
		t.Error("client channel still open after Stop")
	}
	h.BroadcastAlert(data.Alert{}) // must not block once stopped
}
