// Package device is the narrow contract the engine uses to drive a remote
// playback device, plus a Web API implementation of it.
//
// Devices report back through a single event channel. Events form a closed
// set: Ready, Failure and StateChanged.
package device

import (
	"context"
	"fmt"
)

type ErrorKind string

const (
	KindInitialization ErrorKind = "initialization"
	KindAuthentication ErrorKind = "authentication"
	KindAccount        ErrorKind = "account"
	KindPlayback       ErrorKind = "playback"
)

// Error is a device-side failure. Commands return it and the event stream
// carries it inside Failure.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s error: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Track describes the current item. Display only.
type Track struct {
	Name        string
	Album       string
	Artists     []string
	CoverArtURL string
}

// State is one authoritative playback report.
type State struct {
	TrackURI   string
	PositionMs int64
	DurationMs int64
	Paused     bool
	Track      Track
}

// Event is one of Ready, Failure or StateChanged.
type Event interface {
	isEvent()
}

// Ready is emitted once the device accepts commands.
type Ready struct {
	DeviceID string
}

// Failure reports an asynchronous device error.
type Failure struct {
	Err *Error
}

// StateChanged carries a new playback state. A nil State means playback
// ended or the device went away.
type StateChanged struct {
	State *State
}

func (Ready) isEvent()        {}
func (Failure) isEvent()      {}
func (StateChanged) isEvent() {}

// Adapter drives one playback device. Commands are fire-and-report: the
// engine never retries them.
type Adapter interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Resume(ctx context.Context) error
	Pause(ctx context.Context) error
	Seek(ctx context.Context, positionMs int64) error
	// SetVolume takes a level in [0, 1].
	SetVolume(ctx context.Context, level float64) error
	// Volume returns the last known level in [0, 1].
	Volume(ctx context.Context) (float64, error)
	DeviceID() string
	Events() <-chan Event
}

// TrackPlayer is implemented by adapters that can start a specific item.
type TrackPlayer interface {
	PlayTrack(ctx context.Context, uri string, positionMs int64) error
}

// TokenSource hands out media-service access tokens.
type TokenSource interface {
	GetValidAccessToken(ctx context.Context) (string, error)
}
