// Package frames keeps the most recent video frame of each camera.
//
// Frames are never queued: a newer frame replaces the previous one whether or
// not anybody looked at it. Frame data must not be modified after Publish.
package frames

import (
	"sync"
	"time"
)

type Frame struct {
	Camera     string
	Data       []byte
	ReceivedAt time.Time
	Seq        uint64
}

type Cache struct {
	mu     sync.RWMutex
	latest map[string]Frame
	seq    uint64
	drops  uint64
	now    func() time.Time
}

func NewCache() *Cache {
	return &Cache{latest: make(map[string]Frame), now: time.Now}
}

// Publish stores data as the latest frame of camera. Empty frames are ignored.
func (c *Cache) Publish(camera string, data []byte) {
	if len(data) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	if _, ok := c.latest[camera]; ok {
		c.drops++
	}
	c.latest[camera] = Frame{Camera: camera, Data: data, ReceivedAt: c.now(), Seq: c.seq}
}

// Latest returns the newest frame of camera.
func (c *Cache) Latest(camera string) (Frame, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	f, ok := c.latest[camera]
	return f, ok
}

// Overwritten counts frames replaced by a newer one.
func (c *Cache) Overwritten() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.drops
}
