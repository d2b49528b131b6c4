// Package engine runs one hosting session: it feeds device events into the
// playback clock, publishes every resulting transition to the store and owns
// the timers (position tick, volume poll, volume debounce) for the session's
// lifetime.
//
// All device events are handled on a single goroutine. Publishes run on their
// own goroutines and never block event handling; Close waits for them.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dmitrijs2005/listenalong/internal/client/clock"
	"github.com/dmitrijs2005/listenalong/internal/client/device"
	"github.com/dmitrijs2005/listenalong/internal/client/publisher"
	"github.com/dmitrijs2005/listenalong/internal/logging"
)

var (
	ErrClosed      = errors.New("engine closed")
	ErrNotStarted  = errors.New("engine not started")
	ErrUnsupported = errors.New("device does not support this command")
	ErrVolumeRange = errors.New("volume must be within [0, 1]")
)

type Config struct {
	// TickInterval drives position observers while playing.
	TickInterval time.Duration
	// VolumePollInterval is how often the device volume is read back.
	VolumePollInterval time.Duration
	// VolumeWait and VolumeMaxWait debounce SetVolume.
	VolumeWait    time.Duration
	VolumeMaxWait time.Duration
}

func DefaultConfig() Config {
	return Config{
		TickInterval:       500 * time.Millisecond,
		VolumePollInterval: 100 * time.Millisecond,
		VolumeWait:         50 * time.Millisecond,
		VolumeMaxWait:      100 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.TickInterval <= 0 {
		c.TickInterval = d.TickInterval
	}
	if c.VolumePollInterval <= 0 {
		c.VolumePollInterval = d.VolumePollInterval
	}
	if c.VolumeWait <= 0 {
		c.VolumeWait = d.VolumeWait
	}
	if c.VolumeMaxWait <= 0 {
		c.VolumeMaxWait = d.VolumeMaxWait
	}
	return c
}

type Publisher interface {
	Publish(ctx context.Context, snap clock.Snapshot) error
}

// SessionRunner is the scheduled part of the session manager.
type SessionRunner interface {
	Start(ctx context.Context)
	Stop()
}

// Status is what the host UI shows.
type Status struct {
	Snapshot   clock.Snapshot
	Track      device.Track
	DurationMs int64
	Volume     float64
	DeviceID   string
	Ready      bool
}

type Engine struct {
	dev      device.Adapter
	clk      *clock.Clock
	pub      Publisher
	sessions SessionRunner
	cfg      Config
	log      logging.Logger
	onError  func(error)
	onTick   func(Status)
	volume   *debouncer

	mu       sync.Mutex
	track    device.Track
	duration int64
	level    float64
	deviceID string
	ready    bool
	hadState bool

	// life serializes Start and Close; the fields below it are set once under
	// life before started is stored.
	life      sync.Mutex
	started   atomic.Bool
	closed    atomic.Bool
	kick      chan struct{}
	cancel    context.CancelFunc
	loopDone  chan struct{}
	pubCtx    context.Context
	pubCancel context.CancelFunc
	inflight  sync.WaitGroup
}

type Option func(*Engine)

func WithConfig(c Config) Option {
	return func(e *Engine) { e.cfg = c }
}

func WithLogger(l logging.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithErrorHandler receives device failures and publish errors. It is called
// from engine goroutines and must not block.
func WithErrorHandler(fn func(error)) Option {
	return func(e *Engine) { e.onError = fn }
}

// WithTickHandler is called on every position tick while playing.
func WithTickHandler(fn func(Status)) Option {
	return func(e *Engine) { e.onTick = fn }
}

// WithSessions ties the session refresh schedule to the engine lifetime.
func WithSessions(s SessionRunner) Option {
	return func(e *Engine) { e.sessions = s }
}

func New(dev device.Adapter, clk *clock.Clock, pub Publisher, opts ...Option) *Engine {
	e := &Engine{
		dev:     dev,
		clk:     clk,
		pub:     pub,
		cfg:     DefaultConfig(),
		log:     logging.Nop(),
		onError: func(error) {},
		onTick:  func(Status) {},
		kick:    make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(e)
	}
	e.cfg = e.cfg.withDefaults()
	e.log = e.log.With("module", "engine")
	e.volume = newDebouncer(e.cfg.VolumeWait, e.cfg.VolumeMaxWait, e.applyVolume)
	return e
}

// Start begins consuming device events, connects the device and starts the
// session refresh schedule. The event loop is running even when Start fails
// to connect, so the caller must Close the engine after a failed Start.
func (e *Engine) Start(ctx context.Context) error {
	e.life.Lock()
	if e.closed.Load() {
		e.life.Unlock()
		return ErrClosed
	}
	if e.started.Load() {
		e.life.Unlock()
		return nil
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.cancel = cancel
	e.pubCtx, e.pubCancel = context.WithCancel(context.WithoutCancel(ctx))
	e.loopDone = make(chan struct{})
	e.started.Store(true)
	go e.loop(loopCtx)
	e.life.Unlock()

	if err := e.dev.Connect(ctx); err != nil {
		return fmt.Errorf("connect device: %w", err)
	}

	e.life.Lock()
	defer e.life.Unlock()
	if e.closed.Load() {
		return ErrClosed
	}
	if e.sessions != nil {
		e.sessions.Start(e.pubCtx)
	}

	e.log.Info(ctx, "engine started", "device", e.dev.DeviceID())
	return nil
}

// Close stops timers and the session schedule, publishes a final stopped
// update, waits for in-flight publishes (bounded by ctx) and disconnects the
// device. It is safe to call more than once.
func (e *Engine) Close(ctx context.Context) error {
	e.life.Lock()
	if !e.closed.CompareAndSwap(false, true) || !e.started.Load() {
		e.life.Unlock()
		return nil
	}
	e.life.Unlock()

	e.cancel()
	<-e.loopDone
	e.volume.stop()
	if e.sessions != nil {
		e.sessions.Stop()
	}

	e.publish(e.clk.Stop())

	done := make(chan struct{})
	go func() {
		e.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		e.log.Warn(ctx, "abandoning in-flight publishes", "error", ctx.Err())
	}
	e.pubCancel()

	err := e.dev.Disconnect(ctx)
	e.log.Info(ctx, "engine closed")
	return err
}

func (e *Engine) loop(ctx context.Context) {
	defer close(e.loopDone)

	tick := time.NewTicker(e.cfg.TickInterval)
	tick.Stop()
	ticking := false
	defer tick.Stop()

	vol := time.NewTicker(e.cfg.VolumePollInterval)
	defer vol.Stop()

	// the tick runs only while playing
	syncTick := func() {
		playing := e.clk.Playing()
		switch {
		case playing && !ticking:
			tick.Reset(e.cfg.TickInterval)
			ticking = true
		case !playing && ticking:
			tick.Stop()
			ticking = false
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-e.dev.Events():
			e.handle(ctx, ev)
			syncTick()
		case <-e.kick:
			syncTick()
		case <-tick.C:
			e.onTick(e.Status())
		case <-vol.C:
			e.pollVolume(ctx)
		}
	}
}

func (e *Engine) handle(ctx context.Context, ev device.Event) {
	switch ev := ev.(type) {
	case device.Ready:
		e.mu.Lock()
		e.ready = true
		e.deviceID = ev.DeviceID
		e.mu.Unlock()
		e.log.Info(ctx, "device ready", "device", ev.DeviceID)

	case device.Failure:
		e.report(ctx, ev.Err)

	case device.StateChanged:
		if ev.State == nil {
			e.mu.Lock()
			had := e.hadState
			e.mu.Unlock()
			if !had {
				return
			}
			e.log.Info(ctx, "playback ended")
			e.publish(e.clk.Stop())
			return
		}

		st := ev.State
		e.mu.Lock()
		e.hadState = true
		e.track = st.Track
		e.duration = st.DurationMs
		e.mu.Unlock()

		e.publish(e.clk.Observe(st.TrackURI, st.PositionMs, st.Paused))
	}
}

func (e *Engine) pollVolume(ctx context.Context) {
	if e.volume.pending() {
		return
	}
	v, err := e.dev.Volume(ctx)
	if err != nil {
		e.log.Debug(ctx, "volume read failed", "error", err)
		return
	}
	e.mu.Lock()
	e.level = v
	e.mu.Unlock()
}

func (e *Engine) publish(snap clock.Snapshot) {
	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()
		err := e.pub.Publish(e.pubCtx, snap)
		if err == nil || errors.Is(err, publisher.ErrSuperseded) || errors.Is(err, context.Canceled) {
			return
		}
		e.report(e.pubCtx, err)
	}()
}

func (e *Engine) report(ctx context.Context, err error) {
	var de *device.Error
	if errors.As(err, &de) {
		e.log.Error(ctx, "device error", "kind", de.Kind, "error", err)
	} else {
		e.log.Error(ctx, "engine error", "error", err)
	}
	e.onError(err)
}

func (e *Engine) wake() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

func (e *Engine) checkRunning() error {
	if e.closed.Load() {
		return ErrClosed
	}
	if !e.started.Load() {
		return ErrNotStarted
	}
	return nil
}

// Resume starts playback and publishes the optimistic state.
func (e *Engine) Resume(ctx context.Context) error {
	if err := e.checkRunning(); err != nil {
		return err
	}
	if err := e.dev.Resume(ctx); err != nil {
		return err
	}
	e.publish(e.clk.SetPlaying(true))
	e.wake()
	return nil
}

func (e *Engine) Pause(ctx context.Context) error {
	if err := e.checkRunning(); err != nil {
		return err
	}
	if err := e.dev.Pause(ctx); err != nil {
		return err
	}
	e.publish(e.clk.SetPlaying(false))
	e.wake()
	return nil
}

func (e *Engine) Toggle(ctx context.Context) error {
	if e.clk.Playing() {
		return e.Pause(ctx)
	}
	return e.Resume(ctx)
}

func (e *Engine) Seek(ctx context.Context, positionMs int64) error {
	if err := e.checkRunning(); err != nil {
		return err
	}
	if positionMs < 0 {
		positionMs = 0
	}
	if err := e.dev.Seek(ctx, positionMs); err != nil {
		return err
	}
	e.publish(e.clk.Seek(positionMs))
	return nil
}

// PlayTrack starts uri at positionMs on devices that support it.
func (e *Engine) PlayTrack(ctx context.Context, uri string, positionMs int64) error {
	if err := e.checkRunning(); err != nil {
		return err
	}
	tp, ok := e.dev.(device.TrackPlayer)
	if !ok {
		return ErrUnsupported
	}
	if err := tp.PlayTrack(ctx, uri, positionMs); err != nil {
		return err
	}
	e.publish(e.clk.Observe(uri, positionMs, false))
	e.wake()
	return nil
}

// SetVolume records level at once and forwards it to the device through the
// debouncer. Device errors go to the error handler.
func (e *Engine) SetVolume(level float64) error {
	if err := e.checkRunning(); err != nil {
		return err
	}
	if level < 0 || level > 1 {
		return ErrVolumeRange
	}
	e.mu.Lock()
	e.level = level
	e.mu.Unlock()
	e.volume.call(level)
	return nil
}

func (e *Engine) applyVolume(level float64) {
	ctx := e.pubCtx
	if err := e.dev.SetVolume(ctx, level); err != nil {
		e.report(ctx, err)
	}
}

func (e *Engine) Status() Status {
	snap := e.clk.Snapshot()
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		Snapshot:   snap,
		Track:      e.track,
		DurationMs: e.duration,
		Volume:     e.level,
		DeviceID:   e.deviceID,
		Ready:      e.ready,
	}
}
