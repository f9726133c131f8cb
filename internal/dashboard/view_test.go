package dashboard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"trafficwatch-dashboard/internal/aggregate"
	"trafficwatch-dashboard/internal/data"
	"trafficwatch-dashboard/internal/frames"
	"trafficwatch-dashboard/internal/live"
)

// gatedSource returns its cameras once release is closed.
type gatedSource struct {
	cams    []data.WireCamera
	err     error
	release chan struct{}
	calls   atomic.Int32
}

func newGatedSource(cams []data.WireCamera, err error) *gatedSource {
	return &gatedSource{cams: cams, err: err, release: make(chan struct{})}
}

func (s *gatedSource) Cameras(ctx context.Context, cameraID string) ([]data.WireCamera, error) {
	s.calls.Add(1)
	select {
	case <-s.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if s.err != nil {
		return nil, s.err
	}
	if cameraID == "" {
		return s.cams, nil
	}
	for _, c := range s.cams {
		if c.ID == cameraID {
			return []data.WireCamera{c}, nil
		}
	}
	return nil, fmt.Errorf("camera %q not found", cameraID)
}

// chanTransport delivers whatever is sent on msgs while ctx is alive.
type chanTransport struct {
	msgs      chan live.Message
	connected chan struct{}
	once      sync.Once
	attempts  atomic.Int32
}

func newChanTransport() *chanTransport {
	return &chanTransport{msgs: make(chan live.Message), connected: make(chan struct{})}
}

func (t *chanTransport) Name() string { return "fake" }

func (t *chanTransport) Run(ctx context.Context, onConnect func(), deliver func(live.Message)) error {
	t.attempts.Add(1)
	onConnect()
	t.once.Do(func() { close(t.connected) })
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m := <-t.msgs:
			deliver(m)
		}
	}
}

func sendRecord(t *testing.T, tr *chanTransport, label, ts string, car int) {
	t.Helper()
	body := fmt.Sprintf(`{"label":%q,"timestamp":%q,"categories":[{"category":"Car","objectsDetected":%d}]}`, label, ts, car)
	select {
	case tr.msgs <- live.Message{Topic: "records", Body: []byte(body)}:
	case <-time.After(2 * time.Second):
		t.Fatal("transport not reading")
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func wireRec(ts string, car int) data.WireRecord {
	return data.WireRecord{Timestamp: ts, Categories: []data.WireCategory{{Category: "Car", ObjectsDetected: car}}}
}

var testCameras = []data.WireCamera{
	{ID: "7", Label: "north", Status: "Active", Records: []data.WireRecord{
		wireRec("2024-03-11T10:00:05Z", 1),
		wireRec("2024-03-11T10:00:47Z", 2),
	}},
	{ID: "8", Label: "south", Status: "Active", Records: []data.WireRecord{
		wireRec("2024-03-11T10:01:10Z", 4),
	}},
}

func TestOpenAppliesBufferedPushesAfterSnapshot(t *testing.T) {
	src := newGatedSource(testCameras, nil)
	tr := newChanTransport()
	var recorded []data.DetectionRecord
	var changes atomic.Int32
	v := NewView("", Options{
		Source:    src,
		Location:  time.UTC,
		Transport: tr,
		Live:      live.Options{Delay: 10 * time.Millisecond},
		Hooks: Hooks{
			Changed: func(*View) { changes.Add(1) },
			Record:  func(_ *View, r data.DetectionRecord) { recorded = append(recorded, r) },
		},
	})
	defer v.Close()

	done := make(chan error, 1)
	go func() { done <- v.Open(context.Background()) }()

	<-tr.connected
	sendRecord(t, tr, "north", "2024-03-11T10:00:05Z", 9) // same key as a snapshot record
	sendRecord(t, tr, "south", "2024-03-11T10:02:00Z", 3)
	waitFor(t, "buffered pushes", func() bool {
		v.mu.Lock()
		defer v.mu.Unlock()
		return len(v.pending) == 2
	})
	if state, _ := v.State(); state != StateLoading {
		t.Fatalf("state = %s while snapshot pending", state)
	}

	close(src.release)
	if err := <-done; err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	if state, _ := v.State(); state != StateReady {
		t.Fatalf("state = %s, want ready", state)
	}
	if v.Store().Len() != 4 {
		t.Fatalf("store has %d records, want 4", v.Store().Len())
	}
	got, _ := v.Store().Get(data.RecordKey{CameraLabel: "north", Timestamp: "2024-03-11T10:00:05Z"})
	if got.Counts.Car != 9 {
		t.Errorf("pushed record should win over the snapshot, car = %d", got.Counts.Car)
	}
	if len(recorded) != 2 {
		t.Errorf("record hook saw %d records, want 2", len(recorded))
	}
	if changes.Load() != 1 {
		t.Errorf("changed fired %d times during load, want 1", changes.Load())
	}

	sendRecord(t, tr, "north", "2024-03-11T10:03:00Z", 1)
	waitFor(t, "live push", func() bool { return v.Store().Len() == 5 })
	waitFor(t, "changed", func() bool { return changes.Load() == 2 })
}

func TestFailedSnapshotIsTerminal(t *testing.T) {
	src := newGatedSource(nil, errors.New("backend down"))
	close(src.release)
	tr := newChanTransport()
	var changed atomic.Bool
	v := NewView("", Options{
		Source:    src,
		Transport: tr,
		Live:      live.Options{Delay: 10 * time.Millisecond},
		Hooks:     Hooks{Changed: func(*View) { changed.Store(true) }},
	})
	defer v.Close()

	if err := v.Open(context.Background()); err == nil {
		t.Fatal("expected the snapshot error")
	}

	state, err := v.State()
	if state != StateFailed || err == nil || err.Error() != "backend down" {
		t.Fatalf("state = %s, err = %v", state, err)
	}
	// fail closes the subscription synchronously, so no reconnect can follow.
	attempts := tr.attempts.Load()
	time.Sleep(30 * time.Millisecond)
	if tr.attempts.Load() != attempts || v.sub.Connected() {
		t.Fatal("subscription still running after a failed load")
	}
	if !changed.Load() {
		t.Error("changed hook not fired on failure")
	}

	snap := v.Aggregates(aggregate.Minute)
	if snap.State != StateFailed || snap.Error != "backend down" || snap.Connected {
		t.Errorf("snapshot = %+v", snap)
	}
	if src.calls.Load() != 1 {
		t.Errorf("snapshot fetched %d times, want 1", src.calls.Load())
	}
}

func TestCameraViewFiltersOtherCameras(t *testing.T) {
	src := newGatedSource(testCameras, nil)
	close(src.release)
	tr := newChanTransport()
	v := NewView("7", Options{Source: src, Location: time.UTC, Transport: tr, Live: live.Options{Delay: 10 * time.Millisecond}})
	defer v.Close()

	if err := v.Open(context.Background()); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if label := v.Aggregates(aggregate.Minute).Label; label != "north" {
		t.Fatalf("label = %q", label)
	}
	if v.Store().Len() != 2 {
		t.Fatalf("camera view loaded %d records, want 2", v.Store().Len())
	}

	<-tr.connected
	sendRecord(t, tr, "south", "2024-03-11T10:05:00Z", 1)
	sendRecord(t, tr, "north", "2024-03-11T10:05:00Z", 1)
	waitFor(t, "north record", func() bool { return v.Store().Len() == 3 })
	if _, ok := v.Store().Get(data.RecordKey{CameraLabel: "south", Timestamp: "2024-03-11T10:05:00Z"}); ok {
		t.Error("record of another camera reached the camera view")
	}
}

func TestSameKeyPushIntoReadyView(t *testing.T) {
	src := newGatedSource(testCameras, nil)
	close(src.release)
	tr := newChanTransport()
	v := NewView("", Options{Source: src, Location: time.UTC, Transport: tr, Live: live.Options{Delay: 10 * time.Millisecond}})
	defer v.Close()
	if err := v.Open(context.Background()); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	before := v.Aggregates(aggregate.Minute)
	if before.Views.Total[0].Total != 3 || before.Views.Distribution.Total != 7 {
		t.Fatalf("initial views = %+v", before.Views)
	}
	size := v.Store().Len()

	<-tr.connected
	sendRecord(t, tr, "north", "2024-03-11T10:00:05Z", 10)
	waitFor(t, "replacement", func() bool {
		r, _ := v.Store().Get(data.RecordKey{CameraLabel: "north", Timestamp: "2024-03-11T10:00:05Z"})
		return r.Counts.Car == 10
	})

	if v.Store().Len() != size {
		t.Errorf("store grew from %d to %d on a same-key push", size, v.Store().Len())
	}
	after := v.Aggregates(aggregate.Minute)
	if after.Views.Total[0].Total != 12 || len(after.Views.Total) != len(before.Views.Total) {
		t.Errorf("total series after replacement = %+v", after.Views.Total)
	}
	if after.Views.Distribution.Total != 16 {
		t.Errorf("distribution total = %d, want 16", after.Views.Distribution.Total)
	}
}

func TestCloseDropsRecords(t *testing.T) {
	src := newGatedSource(testCameras, nil)
	close(src.release)
	v := NewView("", Options{Source: src, Location: time.UTC})
	if err := v.Open(context.Background()); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if v.Store().Len() != 3 {
		t.Fatalf("store has %d records", v.Store().Len())
	}
	v.Close()
	if v.Store().Len() != 0 {
		t.Errorf("closed view kept %d records", v.Store().Len())
	}
}

func TestAggregatesMemoizedPerVersion(t *testing.T) {
	src := newGatedSource(testCameras, nil)
	close(src.release)
	v := NewView("", Options{Source: src, Location: time.UTC})
	defer v.Close()
	if err := v.Open(context.Background()); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	first := v.Aggregates(aggregate.Minute)
	if first.State != StateReady || len(first.Cameras) != 2 {
		t.Fatalf("snapshot = %+v", first)
	}
	if len(first.Views.Total) != 2 || first.Views.Total[0].Total != 3 || first.Views.Total[1].Total != 4 {
		t.Fatalf("total series = %+v", first.Views.Total)
	}
	if m := v.memos[aggregate.Minute]; m.version != v.Store().Version() {
		t.Fatalf("memo version %d, store version %d", m.version, v.Store().Version())
	}

	v.Store().Upsert(data.DetectionRecord{CameraLabel: "north", Timestamp: "x", At: time.Date(2024, 3, 11, 10, 0, 30, 0, time.UTC), Counts: data.Counts{Bus: 5}})
	second := v.Aggregates(aggregate.Minute)
	if second.Views.Total[0].Total != 8 {
		t.Errorf("memo not invalidated, first bucket = %d", second.Views.Total[0].Total)
	}

	hours := v.Aggregates(aggregate.Hour)
	if len(hours.Views.Total) != 1 || hours.Views.Granularity != aggregate.Hour {
		t.Errorf("hour view = %+v", hours.Views)
	}
}

func TestCloseCancelsPendingSnapshot(t *testing.T) {
	src := newGatedSource(testCameras, nil)
	v := NewView("", Options{Source: src})

	done := make(chan error, 1)
	go func() { done <- v.Open(context.Background()) }()
	waitFor(t, "snapshot fetch", func() bool { return src.calls.Load() == 1 })

	v.Close()
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("Open should report the cancellation")
		}
	case <-time.After(time.Second):
		t.Fatal("Open did not return after Close")
	}
	if state, _ := v.State(); state == StateReady {
		t.Error("closed view became ready")
	}
}

func TestCameraViewFeedsFrames(t *testing.T) {
	src := newGatedSource(testCameras, nil)
	close(src.release)
	ft := newChanTransport()
	var subscribed []string
	cache := frames.NewCache()
	v := NewView("7", Options{
		Source: src,
		FrameTransport: func(label string) (live.Transport, error) {
			subscribed = append(subscribed, label)
			return ft, nil
		},
		Frames: cache,
		Live:   live.Options{Delay: 10 * time.Millisecond},
	})
	defer v.Close()
	if err := v.Open(context.Background()); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if len(subscribed) != 1 || subscribed[0] != "north" {
		t.Fatalf("frame channel built for %v, want the camera label", subscribed)
	}

	<-ft.connected
	ft.msgs <- live.Message{Key: "south", Body: []byte("other")}
	ft.msgs <- live.Message{Key: "north", Body: []byte("jpeg")}
	waitFor(t, "frame", func() bool {
		f, ok := cache.Latest("north")
		return ok && string(f.Data) == "jpeg"
	})
	if _, ok := cache.Latest("south"); ok {
		t.Error("frame of another camera was cached")
	}
}

// listSource answers every query with all of its cameras.
type listSource []data.WireCamera

func (s listSource) Cameras(context.Context, string) ([]data.WireCamera, error) { return s, nil }

func TestFramesSkippedWithoutLabel(t *testing.T) {
	var built atomic.Bool
	v := NewView("7", Options{
		Source: listSource(testCameras),
		FrameTransport: func(string) (live.Transport, error) {
			built.Store(true)
			return newChanTransport(), nil
		},
		Frames: frames.NewCache(),
	})
	defer v.Close()
	if err := v.Open(context.Background()); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if built.Load() {
		t.Error("frame channel opened for a camera with no known label")
	}
}
