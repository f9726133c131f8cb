package dashboard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"trafficwatch-dashboard/internal/frames"
	"trafficwatch-dashboard/internal/live"
	"trafficwatch-dashboard/internal/metrics"
	"trafficwatch-dashboard/internal/snapshot"
)

var ErrManagerClosed = errors.New("dashboard manager closed")

// TransportFunc builds a live transport. For records scope is the camera id of
// the view ("" for the global view); for frames (frames true) it is the camera
// label, the key frames are published under. A nil transport disables that
// channel.
type TransportFunc func(scope string, frames bool) (live.Transport, error)

type ManagerConfig struct {
	Source     snapshot.Source
	Location   *time.Location
	Transports TransportFunc
	// Frames enables frame subscriptions for camera views when set.
	Frames *frames.Cache
	Live   live.Options
	// Linger keeps a view open after its last release, so a client that comes
	// back quickly finds it ready.
	Linger  time.Duration
	Metrics *metrics.Metrics
	Hooks   Hooks
}

type entry struct {
	view  *View
	refs  int
	timer *time.Timer
}

// Manager shares one view per scope between everybody looking at it.
type Manager struct {
	cfg ManagerConfig

	mu     sync.Mutex
	views  map[string]*entry
	closed bool
}

func NewManager(cfg ManagerConfig) *Manager {
	return &Manager{cfg: cfg, views: make(map[string]*entry)}
}

// Acquire returns the view of cameraID ("" for the global view), opening it if
// nobody holds it. The returned release func must be called exactly once; the
// view closes when the last holder releases it and the linger period expires.
func (m *Manager) Acquire(cameraID string) (*View, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, nil, ErrManagerClosed
	}

	if e, ok := m.views[cameraID]; ok {
		state, _ := e.view.State()
		if state != StateFailed || e.refs > 0 {
			if e.timer != nil {
				e.timer.Stop()
				e.timer = nil
			}
			e.refs++
			return e.view, m.releaser(cameraID, e), nil
		}
		// A failed view nobody holds is replaced by a fresh one.
		m.removeLocked(cameraID, e)
		go e.view.Close()
	}

	opts := Options{
		Source:   m.cfg.Source,
		Location: m.cfg.Location,
		Frames:   m.cfg.Frames,
		Live:     m.cfg.Live,
		Metrics:  m.cfg.Metrics,
		Hooks:    m.cfg.Hooks,
	}
	if m.cfg.Transports != nil {
		t, err := m.cfg.Transports(cameraID, false)
		if err != nil {
			return nil, nil, fmt.Errorf("live transport: %w", err)
		}
		opts.Transport = t
		if cameraID != "" && m.cfg.Frames != nil {
			transports := m.cfg.Transports
			opts.FrameTransport = func(label string) (live.Transport, error) {
				return transports(label, true)
			}
		}
	}

	v := NewView(cameraID, opts)
	e := &entry{view: v, refs: 1}
	m.views[cameraID] = e
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.ViewsActive.Inc()
	}
	go v.Open(context.Background())

	return v, m.releaser(cameraID, e), nil
}

func (m *Manager) releaser(cameraID string, e *entry) func() {
	var once sync.Once
	return func() {
		once.Do(func() { m.release(cameraID, e) })
	}
}

func (m *Manager) release(cameraID string, e *entry) {
	m.mu.Lock()
	e.refs--
	if e.refs > 0 || m.views[cameraID] != e {
		m.mu.Unlock()
		return
	}
	if m.cfg.Linger > 0 {
		e.timer = time.AfterFunc(m.cfg.Linger, func() { m.expire(cameraID, e) })
		m.mu.Unlock()
		return
	}
	m.removeLocked(cameraID, e)
	m.mu.Unlock()
	e.view.Close()
}

func (m *Manager) expire(cameraID string, e *entry) {
	m.mu.Lock()
	if m.views[cameraID] != e || e.refs > 0 {
		m.mu.Unlock()
		return
	}
	m.removeLocked(cameraID, e)
	m.mu.Unlock()
	e.view.Close()
}

func (m *Manager) removeLocked(cameraID string, e *entry) {
	delete(m.views, cameraID)
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.ViewsActive.Dec()
	}
}

// Lookup returns an open view without taking a reference.
func (m *Manager) Lookup(cameraID string) (*View, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.views[cameraID]
	if !ok {
		return nil, false
	}
	return e.view, true
}

// Len returns the number of open views.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.views)
}

// Close closes every view. Acquire fails afterwards.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	entries := make([]*entry, 0, len(m.views))
	for id, e := range m.views {
		m.removeLocked(id, e)
		entries = append(entries, e)
	}
	m.mu.Unlock()

	for _, e := range entries {
		e.view.Close()
	}
}
