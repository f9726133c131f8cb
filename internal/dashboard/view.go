// Package dashboard ties a record store, its snapshot and its live subscription
// together into a view that the outer surfaces render.
//
// A view subscribes to the live channel before it fetches the snapshot. Records
// pushed while the snapshot is loading are buffered and applied, in arrival
// order, on top of the snapshot once it is in. A failed snapshot is terminal for
// the view: its subscription is closed and the load is not retried.
package dashboard

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"trafficwatch-dashboard/internal/aggregate"
	"trafficwatch-dashboard/internal/data"
	"trafficwatch-dashboard/internal/frames"
	"trafficwatch-dashboard/internal/live"
	"trafficwatch-dashboard/internal/metrics"
	"trafficwatch-dashboard/internal/snapshot"
	"trafficwatch-dashboard/internal/storage"
)

type State string

const (
	StateLoading State = "loading"
	StateReady   State = "ready"
	StateFailed  State = "failed"
)

// Hooks are called from the goroutine that changed the view. They must not
// block for long.
type Hooks struct {
	// Changed fires after the snapshot is applied, after every accepted live
	// record and when the load fails.
	Changed func(v *View)
	// Loaded receives the snapshot once it has been applied. Loaded and Record
	// may only call Scope on the view they are given.
	Loaded func(v *View, cameras []data.CameraDetails, records []data.DetectionRecord)
	// Record receives every live record accepted into the store.
	Record    func(v *View, rec data.DetectionRecord)
	Degraded  func(v *View, err error)
	Recovered func(v *View)
}

// Snapshot is the rendered state of a view at one granularity.
type Snapshot struct {
	Scope string `json:"scope"`
	// Label is the camera label of a camera view once its snapshot is in; the
	// frame endpoint is keyed by it.
	Label     string               `json:"label,omitempty"`
	State     State                `json:"state"`
	Error     string               `json:"error,omitempty"`
	Connected bool                 `json:"connected"`
	Cameras   []data.CameraDetails `json:"cameras"`
	Views     aggregate.Views      `json:"views"`
}

// Options configure a single view.
type Options struct {
	Source   snapshot.Source
	Location *time.Location
	// Transport carries detection records. Nil disables live updates.
	Transport live.Transport
	// FrameTransport builds the frame channel of a camera view once its label is
	// known, since frames are published under the label. Nil disables frames.
	FrameTransport func(label string) (live.Transport, error)
	Frames         *frames.Cache
	Live           live.Options
	Metrics        *metrics.Metrics
	Hooks          Hooks
}

type memo struct {
	version uint64
	views   aggregate.Views
}

type View struct {
	cameraID string
	opts     Options
	store    *storage.RecordStore

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	state   State
	loadErr error
	cameras []data.CameraDetails
	label   string
	pending []data.DetectionRecord
	closed  bool

	sub      *live.Subscription
	frameSub *live.Subscription

	// hookMu keeps Loaded and Record hooks in store order. It is taken while
	// mu is held, so those hooks must not call back into the view.
	hookMu sync.Mutex

	memoMu sync.Mutex
	memos  map[aggregate.Granularity]memo
}

// NewView builds a view in the loading state. cameraID "" is the global view.
func NewView(cameraID string, opts Options) *View {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &View{
		cameraID: cameraID,
		opts:     opts,
		store:    storage.NewRecordStore(),
		ctx:      ctx,
		cancel:   cancel,
		state:    StateLoading,
		memos:    make(map[aggregate.Granularity]memo),
	}
}

// Scope is the camera id of the view, or "" for the global view.
func (v *View) Scope() string { return v.cameraID }

// Store is the record store of the view. Writes bypass the hooks.
func (v *View) Store() *storage.RecordStore { return v.store }

func (v *View) State() (State, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state, v.loadErr
}

// Open subscribes to the live channel, loads the snapshot and applies the
// records buffered in between. It returns the snapshot error, if any.
func (v *View) Open(ctx context.Context) error {
	if v.opts.Transport != nil {
		opts := v.opts.Live
		opts.Metrics = v.opts.Metrics
		opts.OnDegraded = func(err error) {
			if v.opts.Hooks.Degraded != nil {
				v.opts.Hooks.Degraded(v, err)
			}
		}
		opts.OnRecovered = func() {
			if v.opts.Hooks.Recovered != nil {
				v.opts.Hooks.Recovered(v)
			}
		}
		handler := live.RecordHandler(v.opts.Location, v.opts.Metrics, v.push)
		sub := live.Subscribe(v.ctx, v.opts.Transport, opts, handler)
		v.mu.Lock()
		v.sub = sub
		v.mu.Unlock()
	}

	ctx, stop := context.WithCancel(ctx)
	defer stop()
	defer context.AfterFunc(v.ctx, stop)()

	cams, err := v.opts.Source.Cameras(ctx, v.cameraID)
	if err != nil {
		v.fail(err)
		return err
	}

	details, records, dropped := snapshot.Flatten(cams, v.opts.Location)
	if m := v.opts.Metrics; m != nil {
		m.RecordsRejected.WithLabelValues(metrics.OriginSnapshot).Add(float64(dropped))
		m.RecordsIngested.WithLabelValues(metrics.OriginSnapshot).Add(float64(len(records)))
	}

	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return context.Canceled
	}
	v.cameras = details
	if v.cameraID != "" && len(details) == 1 {
		v.label = details[0].Label
	}
	v.store.LoadSnapshot(records)
	var replayed []data.DetectionRecord
	for _, r := range v.pending {
		if v.acceptsLocked(r) {
			v.store.Upsert(r)
			replayed = append(replayed, r)
		}
	}
	v.pending = nil
	v.state = StateReady
	label := v.label
	v.hookMu.Lock()
	v.mu.Unlock()

	slog.Info("view ready",
		"scope", v.scopeName(),
		"cameras", len(details),
		"records", len(records),
		"dropped", dropped,
		"replayed", len(replayed))

	if v.opts.Hooks.Loaded != nil {
		v.opts.Hooks.Loaded(v, details, records)
	}
	for _, r := range replayed {
		v.accepted(r)
	}
	v.hookMu.Unlock()
	v.startFrames(label)
	v.changed()
	return nil
}

func (v *View) fail(err error) {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.state = StateFailed
	v.loadErr = err
	v.pending = nil
	sub := v.sub
	v.mu.Unlock()

	slog.Error("view load failed", "scope", v.scopeName(), "error", err)
	if sub != nil {
		sub.Close()
	}
	v.changed()
}

// push is the live record handler. It runs on the subscription goroutine.
func (v *View) push(rec data.DetectionRecord) {
	v.mu.Lock()
	switch v.state {
	case StateLoading:
		v.pending = append(v.pending, rec)
		v.mu.Unlock()
		return
	case StateFailed:
		v.mu.Unlock()
		return
	}
	if !v.acceptsLocked(rec) {
		v.mu.Unlock()
		return
	}
	v.store.Upsert(rec)
	v.hookMu.Lock()
	v.mu.Unlock()

	v.accepted(rec)
	v.hookMu.Unlock()
	v.changed()
}

func (v *View) accepted(rec data.DetectionRecord) {
	if v.opts.Metrics != nil {
		v.opts.Metrics.RecordsIngested.WithLabelValues(metrics.OriginLive).Inc()
	}
	if v.opts.Hooks.Record != nil {
		v.opts.Hooks.Record(v, rec)
	}
}

// acceptsLocked filters records of other cameras out of a camera view.
func (v *View) acceptsLocked(rec data.DetectionRecord) bool {
	return v.cameraID == "" || v.label == "" || rec.CameraLabel == v.label
}

func (v *View) startFrames(label string) {
	if v.cameraID == "" || label == "" || v.opts.FrameTransport == nil || v.opts.Frames == nil {
		return
	}
	t, err := v.opts.FrameTransport(label)
	if err != nil {
		slog.Warn("frame transport unavailable", "scope", v.scopeName(), "label", label, "error", err)
		return
	}
	if t == nil {
		return
	}
	opts := v.opts.Live
	opts.Metrics = v.opts.Metrics
	opts.OnDegraded, opts.OnRecovered = nil, nil
	sub := live.Subscribe(v.ctx, t, opts, func(msg live.Message) {
		// Shared frame topics carry every camera; the key names the sender.
		if msg.Key != "" && msg.Key != label {
			return
		}
		v.opts.Frames.Publish(label, msg.Body)
	})

	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		sub.Close()
		return
	}
	v.frameSub = sub
	v.mu.Unlock()
}

func (v *View) changed() {
	if v.opts.Hooks.Changed != nil {
		v.opts.Hooks.Changed(v)
	}
}

// Aggregates renders the view at granularity g. Results are cached until the
// store changes.
func (v *View) Aggregates(g aggregate.Granularity) Snapshot {
	v.mu.Lock()
	snap := Snapshot{
		Scope:   v.cameraID,
		Label:   v.label,
		State:   v.state,
		Cameras: append([]data.CameraDetails(nil), v.cameras...),
	}
	if v.loadErr != nil {
		snap.Error = v.loadErr.Error()
	}
	sub := v.sub
	v.mu.Unlock()
	snap.Connected = sub != nil && sub.Connected()

	v.memoMu.Lock()
	defer v.memoMu.Unlock()
	records, version := v.store.Snapshot()
	if m, ok := v.memos[g]; ok && m.version == version {
		snap.Views = m.views
		return snap
	}

	start := time.Now()
	views := aggregate.Compute(records, g, v.opts.Location)
	if v.opts.Metrics != nil {
		v.opts.Metrics.AggregationTime.Observe(time.Since(start).Seconds())
	}
	v.memos[g] = memo{version: version, views: views}
	snap.Views = views
	return snap
}

// Close stops the live subscriptions and drops the records. A snapshot still
// in flight is cancelled and its result discarded.
func (v *View) Close() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.closed = true
	sub, frameSub := v.sub, v.frameSub
	v.mu.Unlock()

	v.cancel()
	if sub != nil {
		sub.Close()
	}
	if frameSub != nil {
		frameSub.Close()
	}
	v.store.Reset()
}

func (v *View) scopeName() string {
	if v.cameraID == "" {
		return "global"
	}
	return "camera:" + v.cameraID
}
