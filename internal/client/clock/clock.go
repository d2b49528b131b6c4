// Package clock interpolates the host's playback position between device
// events so the UI can show a moving position without polling the device.
//
// Position is derived, never stored: p0 is the last authoritative position,
// t0 the moment it was observed, and while playing the current position is
// p0 + (now - t0). Only Observe, Seek, SetPlaying and Stop move p0/t0.
package clock

import (
	"sync"
	"time"
)

// Snapshot is an immutable view of playback at CapturedAt.
type Snapshot struct {
	TrackURI   string
	PositionMs int64
	Playing    bool
	CapturedAt time.Time
}

type Clock struct {
	mu      sync.Mutex
	now     func() time.Time
	uri     string
	p0      int64
	t0      time.Time
	playing bool
}

type Option func(*Clock)

// WithNow replaces the time source.
func WithNow(now func() time.Time) Option {
	return func(c *Clock) { c.now = now }
}

func New(opts ...Option) *Clock {
	c := &Clock{now: time.Now}
	for _, o := range opts {
		o(c)
	}
	c.t0 = c.now()
	return c
}

// Position returns the current position in milliseconds.
func (c *Clock) Position() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.positionLocked(c.now())
}

func (c *Clock) positionLocked(now time.Time) int64 {
	if !c.playing {
		return c.p0
	}
	return c.p0 + now.Sub(c.t0).Milliseconds()
}

// Observe records an authoritative report from the device.
func (c *Clock) Observe(uri string, positionMs int64, paused bool) Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.uri = uri
	c.p0 = positionMs
	c.t0 = now
	c.playing = !paused
	return c.snapshotLocked(now)
}

// Seek moves the position optimistically, ahead of the device confirming it.
func (c *Clock) Seek(positionMs int64) Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.p0 = positionMs
	c.t0 = now
	return c.snapshotLocked(now)
}

// SetPlaying flips the playing flag optimistically. Pausing folds the elapsed
// time into p0 so the position does not jump back.
func (c *Clock) SetPlaying(playing bool) Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.p0 = c.positionLocked(now)
	c.t0 = now
	c.playing = playing
	return c.snapshotLocked(now)
}

// Stop marks playback as ended: no track, not playing, position frozen.
func (c *Clock) Stop() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.p0 = c.positionLocked(now)
	c.t0 = now
	c.uri = ""
	c.playing = false
	return c.snapshotLocked(now)
}

// Snapshot captures the current state.
func (c *Clock) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked(c.now())
}

func (c *Clock) Playing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.playing
}

func (c *Clock) snapshotLocked(now time.Time) Snapshot {
	return Snapshot{
		TrackURI:   c.uri,
		PositionMs: c.positionLocked(now),
		Playing:    c.playing,
		CapturedAt: now,
	}
}
