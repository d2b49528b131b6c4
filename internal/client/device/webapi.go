package device

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dmitrijs2005/listenalong/internal/common"
	"github.com/dmitrijs2005/listenalong/internal/logging"
)

const (
	DefaultAPIBaseURL   = "https://api.spotify.com/v1"
	defaultPollInterval = time.Second
	defaultDrift        = 1500 * time.Millisecond
	eventBuffer         = 32
)

var ErrNoDevice = errors.New("no playback device available")

type WebAPIConfig struct {
	BaseURL string
	// DeviceName selects a device by name; empty picks the active device,
	// else the first one listed.
	DeviceName   string
	PollInterval time.Duration
	// Drift is how far a reported position may stray from the expected one
	// before it counts as a change (a seek made elsewhere).
	Drift time.Duration
}

// WebAPIAdapter drives an existing Connect device through the media
// service's Web API. State is learned by polling the player endpoint.
type WebAPIAdapter struct {
	cfg    WebAPIConfig
	tokens TokenSource
	http   *http.Client
	log    logging.Logger
	now    func() time.Time
	events chan Event

	mu       sync.Mutex
	deviceID string
	volume   float64
	last     *State
	lastAt   time.Time
	ended    bool
	failing  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

type WebAPIOption func(*WebAPIAdapter)

func WithHTTPClient(c *http.Client) WebAPIOption {
	return func(a *WebAPIAdapter) { a.http = c }
}

func WithLogger(l logging.Logger) WebAPIOption {
	return func(a *WebAPIAdapter) { a.log = l }
}

func WithNow(now func() time.Time) WebAPIOption {
	return func(a *WebAPIAdapter) { a.now = now }
}

func NewWebAPIAdapter(cfg WebAPIConfig, tokens TokenSource, opts ...WebAPIOption) *WebAPIAdapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultAPIBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.Drift <= 0 {
		cfg.Drift = defaultDrift
	}

	a := &WebAPIAdapter{
		cfg:    cfg,
		tokens: tokens,
		http:   &http.Client{Timeout: 10 * time.Second},
		log:    logging.Nop(),
		now:    time.Now,
		events: make(chan Event, eventBuffer),
	}
	for _, o := range opts {
		o(a)
	}
	a.log = a.log.With("module", "device")
	return a
}

type apiDevice struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	IsActive      bool   `json:"is_active"`
	VolumePercent *int   `json:"volume_percent"`
}

type apiPlayer struct {
	Device     apiDevice `json:"device"`
	ProgressMs int64     `json:"progress_ms"`
	IsPlaying  bool      `json:"is_playing"`
	Item       *struct {
		URI        string `json:"uri"`
		Name       string `json:"name"`
		DurationMs int64  `json:"duration_ms"`
		Album      struct {
			Name   string `json:"name"`
			Images []struct {
				URL string `json:"url"`
			} `json:"images"`
		} `json:"album"`
		Artists []struct {
			Name string `json:"name"`
		} `json:"artists"`
	} `json:"item"`
}

// Connect selects the device, transfers playback to it without starting it,
// emits Ready and starts polling.
func (a *WebAPIAdapter) Connect(ctx context.Context) error {
	var list struct {
		Devices []apiDevice `json:"devices"`
	}
	if err := a.call(ctx, http.MethodGet, "/me/player/devices", nil, nil, &list); err != nil {
		return a.fail(ctx, KindInitialization, err)
	}

	dev, ok := pickDevice(list.Devices, a.cfg.DeviceName)
	if !ok {
		return a.fail(ctx, KindInitialization, ErrNoDevice)
	}

	body := map[string]any{"device_ids": []string{dev.ID}, "play": false}
	if err := a.call(ctx, http.MethodPut, "/me/player", nil, body, nil); err != nil {
		return a.fail(ctx, KindInitialization, err)
	}

	pollCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	a.mu.Lock()
	if a.cancel != nil {
		a.cancel()
	}
	a.deviceID = dev.ID
	if dev.VolumePercent != nil {
		a.volume = float64(*dev.VolumePercent) / 100
	}
	a.last = nil
	a.ended = false
	a.cancel = cancel
	a.mu.Unlock()

	a.log.Info(ctx, "device connected", "device_id", dev.ID, "name", dev.Name)
	a.emit(ctx, Ready{DeviceID: dev.ID})

	a.wg.Add(1)
	go a.pollLoop(pollCtx)
	return nil
}

func pickDevice(devices []apiDevice, name string) (apiDevice, bool) {
	if len(devices) == 0 {
		return apiDevice{}, false
	}
	if name != "" {
		for _, d := range devices {
			if strings.EqualFold(d.Name, name) {
				return d, true
			}
		}
		return apiDevice{}, false
	}
	for _, d := range devices {
		if d.IsActive {
			return d, true
		}
	}
	return devices[0], true
}

// Disconnect stops polling. The device itself is left as is.
func (a *WebAPIAdapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	cancel := a.cancel
	a.cancel = nil
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	a.wg.Wait()
	a.log.Info(ctx, "device disconnected")
	return nil
}

func (a *WebAPIAdapter) Resume(ctx context.Context) error {
	return a.command(ctx, http.MethodPut, "/me/player/play", nil, nil)
}

func (a *WebAPIAdapter) Pause(ctx context.Context) error {
	return a.command(ctx, http.MethodPut, "/me/player/pause", nil, nil)
}

func (a *WebAPIAdapter) Seek(ctx context.Context, positionMs int64) error {
	q := url.Values{"position_ms": {strconv.FormatInt(positionMs, 10)}}
	return a.command(ctx, http.MethodPut, "/me/player/seek", q, nil)
}

func (a *WebAPIAdapter) SetVolume(ctx context.Context, level float64) error {
	level = min(max(level, 0), 1)
	q := url.Values{"volume_percent": {strconv.Itoa(int(level*100 + 0.5))}}
	if err := a.command(ctx, http.MethodPut, "/me/player/volume", q, nil); err != nil {
		return err
	}
	a.mu.Lock()
	a.volume = level
	a.mu.Unlock()
	return nil
}

func (a *WebAPIAdapter) Volume(context.Context) (float64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.volume, nil
}

// PlayTrack starts uri at positionMs on the connected device.
func (a *WebAPIAdapter) PlayTrack(ctx context.Context, uri string, positionMs int64) error {
	body := map[string]any{"uris": []string{uri}, "position_ms": positionMs}
	return a.command(ctx, http.MethodPut, "/me/player/play", nil, body)
}

func (a *WebAPIAdapter) DeviceID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.deviceID
}

func (a *WebAPIAdapter) Events() <-chan Event {
	return a.events
}

func (a *WebAPIAdapter) command(ctx context.Context, method, path string, q url.Values, body any) error {
	id := a.DeviceID()
	if id == "" {
		return &Error{Kind: KindPlayback, Message: "device not connected"}
	}
	if q == nil {
		q = url.Values{}
	}
	q.Set("device_id", id)

	if err := a.call(ctx, method, path, q, body, nil); err != nil {
		return toDeviceError(KindPlayback, err)
	}
	return nil
}

func (a *WebAPIAdapter) pollLoop(ctx context.Context) {
	defer a.wg.Done()

	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()

	a.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.poll(ctx)
		}
	}
}

func (a *WebAPIAdapter) poll(ctx context.Context) {
	var p apiPlayer
	status, err := a.callStatus(ctx, http.MethodGet, "/me/player", nil, nil, &p)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		a.mu.Lock()
		first := !a.failing
		a.failing = true
		a.mu.Unlock()
		if first {
			a.emit(ctx, Failure{Err: toDeviceError(KindPlayback, err)})
		}
		return
	}

	a.mu.Lock()
	a.failing = false
	if p.Device.VolumePercent != nil {
		a.volume = float64(*p.Device.VolumePercent) / 100
	}
	ours := status == http.StatusOK && p.Item != nil && p.Device.ID == a.deviceID
	a.mu.Unlock()

	if !ours {
		a.observe(ctx, nil)
		return
	}

	st := &State{
		TrackURI:   p.Item.URI,
		PositionMs: p.ProgressMs,
		DurationMs: p.Item.DurationMs,
		Paused:     !p.IsPlaying,
		Track: Track{
			Name:  p.Item.Name,
			Album: p.Item.Album.Name,
		},
	}
	for _, ar := range p.Item.Artists {
		st.Track.Artists = append(st.Track.Artists, ar.Name)
	}
	if len(p.Item.Album.Images) > 0 {
		st.Track.CoverArtURL = p.Item.Album.Images[0].URL
	}
	a.observe(ctx, st)
}

// observe emits StateChanged when st differs meaningfully from the last
// report. A nil state is emitted once per stretch of inactivity.
func (a *WebAPIAdapter) observe(ctx context.Context, st *State) {
	now := a.now()

	a.mu.Lock()
	if st == nil {
		if a.ended {
			a.mu.Unlock()
			return
		}
		a.ended = true
		a.last = nil
		a.mu.Unlock()
		a.emit(ctx, StateChanged{State: nil})
		return
	}

	changed := a.last == nil ||
		a.last.TrackURI != st.TrackURI ||
		a.last.Paused != st.Paused ||
		a.drifted(st, now)
	if changed {
		cp := *st
		a.last = &cp
		a.lastAt = now
		a.ended = false
	}
	a.mu.Unlock()

	if changed {
		a.emit(ctx, StateChanged{State: st})
	}
}

func (a *WebAPIAdapter) drifted(st *State, now time.Time) bool {
	expected := a.last.PositionMs
	if !a.last.Paused {
		expected += now.Sub(a.lastAt).Milliseconds()
	}
	diff := st.PositionMs - expected
	if diff < 0 {
		diff = -diff
	}
	return diff > a.cfg.Drift.Milliseconds()
}

func (a *WebAPIAdapter) emit(ctx context.Context, ev Event) {
	select {
	case a.events <- ev:
	case <-ctx.Done():
	}
}

func (a *WebAPIAdapter) fail(ctx context.Context, kind ErrorKind, err error) error {
	de := toDeviceError(kind, err)
	a.log.Error(ctx, "device failure", "kind", de.Kind, "error", de.Message)
	a.emit(ctx, Failure{Err: de})
	return de
}

type apiStatusError struct {
	status int
	body   string
}

func (e *apiStatusError) Error() string {
	return fmt.Sprintf("web api status %d: %s", e.status, e.body)
}

// toDeviceError maps transport failures onto device error kinds: 401 and
// missing credentials are authentication, 403 is account, the rest keep
// fallback.
func toDeviceError(fallback ErrorKind, err error) *Error {
	var de *Error
	if errors.As(err, &de) {
		return de
	}

	kind := fallback
	var se *apiStatusError
	switch {
	case errors.Is(err, common.ErrReauthRequired), errors.Is(err, common.ErrAuthExchangeFailed):
		kind = KindAuthentication
	case errors.As(err, &se) && se.status == http.StatusUnauthorized:
		kind = KindAuthentication
	case errors.As(err, &se) && se.status == http.StatusForbidden:
		kind = KindAccount
	}
	return &Error{Kind: kind, Message: err.Error(), Err: err}
}

func (a *WebAPIAdapter) call(ctx context.Context, method, path string, q url.Values, body, out any) error {
	_, err := a.callStatus(ctx, method, path, q, body, out)
	return err
}

func (a *WebAPIAdapter) callStatus(ctx context.Context, method, path string, q url.Values, body, out any) (int, error) {
	token, err := a.tokens.GetValidAccessToken(ctx)
	if err != nil {
		return 0, err
	}

	u := a.cfg.BaseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		rdr = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", common.BearerPrefix+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return resp.StatusCode, &apiStatusError{status: resp.StatusCode, body: strings.TrimSpace(string(b))}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("decode %s: %w", path, err)
	}
	return resp.StatusCode, nil
}
