package cli

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/dmitrijs2005/listenalong/internal/client/device"
	"github.com/dmitrijs2005/listenalong/internal/common"
)

var errNotHosting = errors.New("not hosting; run 'host' first")

// Host joins the stored session (or creates one) and starts the engine.
func (a *App) Host(ctx context.Context) error {
	if a.isHosting() {
		printlnFn("Already hosting session", a.sessions.Current().SessionID)
		return nil
	}

	ok, err := a.auth.Authorized(ctx)
	if err != nil {
		printlnFn("Cannot read stored credential:", err)
		return err
	}
	if !ok {
		printlnFn("Not authorized; run 'login' first")
		return common.ErrReauthRequired
	}

	tok, err := a.sessions.Bootstrap(ctx)
	if err != nil {
		printlnFn("Cannot load session:", err)
		return err
	}
	if tok.Token == "" {
		if tok, err = a.sessions.Create(ctx); err != nil {
			printlnFn("Cannot create session:", err)
			return err
		}
	}

	eng := a.newEngine()
	if err := eng.Start(ctx); err != nil {
		_ = eng.Close(ctx)
		printlnFn("Cannot start playback:", err)
		return err
	}
	a.setEngine(eng)

	printlnFn("Hosting session", tok.SessionID)
	return nil
}

// Leave stops the engine and forgets the session.
func (a *App) Leave(ctx context.Context) error {
	eng := a.currentEngine()
	if eng == nil {
		printlnFn(errNotHosting)
		return errNotHosting
	}

	a.setEngine(nil)
	if err := eng.Close(ctx); err != nil {
		a.log.Warn(ctx, "engine close failed", "error", err)
	}
	if err := a.sessions.Forget(ctx); err != nil {
		printlnFn("Cannot forget session:", err)
		return err
	}
	printlnFn("Left the session")
	return nil
}

func (a *App) withEngine(fn func(hostEngine) error) error {
	eng := a.currentEngine()
	if eng == nil {
		printlnFn(errNotHosting)
		return errNotHosting
	}
	if err := fn(eng); err != nil {
		printlnFn("Error:", err)
		return err
	}
	return nil
}

func (a *App) Resume(ctx context.Context) error {
	return a.withEngine(func(e hostEngine) error { return e.Resume(ctx) })
}

func (a *App) Pause(ctx context.Context) error {
	return a.withEngine(func(e hostEngine) error { return e.Pause(ctx) })
}

func (a *App) Toggle(ctx context.Context) error {
	return a.withEngine(func(e hostEngine) error { return e.Toggle(ctx) })
}

// Seek accepts seconds ("90") or minutes and seconds ("1:30").
func (a *App) Seek(ctx context.Context, args []string) error {
	if len(args) != 1 {
		printlnFn("Usage: seek <seconds|m:ss>")
		return nil
	}
	pos, err := parsePosition(args[0])
	if err != nil {
		printlnFn("Invalid position:", err)
		return err
	}
	return a.withEngine(func(e hostEngine) error { return e.Seek(ctx, pos) })
}

// Volume accepts a percentage.
func (a *App) Volume(_ context.Context, args []string) error {
	if len(args) != 1 {
		printlnFn("Usage: volume <0-100>")
		return nil
	}
	pct, err := strconv.Atoi(args[0])
	if err != nil || pct < 0 || pct > 100 {
		printlnFn("Volume must be a number between 0 and 100")
		return fmt.Errorf("invalid volume %q", args[0])
	}
	return a.withEngine(func(e hostEngine) error { return e.SetVolume(float64(pct) / 100) })
}

// Play starts a track: play <uri> [position].
func (a *App) Play(ctx context.Context, args []string) error {
	if len(args) == 0 || len(args) > 2 {
		printlnFn("Usage: play <uri> [seconds|m:ss]")
		return nil
	}
	var pos int64
	if len(args) == 2 {
		p, err := parsePosition(args[1])
		if err != nil {
			printlnFn("Invalid position:", err)
			return err
		}
		pos = p
	}
	return a.withEngine(func(e hostEngine) error { return e.PlayTrack(ctx, args[0], pos) })
}

func (a *App) Status(context.Context) error {
	return a.withEngine(func(e hostEngine) error {
		printlnFn(formatStatus(e))
		return nil
	})
}

func (a *App) onEngineError(err error) {
	var de *device.Error
	switch {
	case errors.As(err, &de) && de.Kind == device.KindAuthentication:
		printlnFn("! device authorization lost; run 'login' again:", de.Message)
	case errors.As(err, &de):
		printlnFn("! device error:", de)
	case errors.Is(err, common.ErrSessionExpired):
		printlnFn("! session expired; run 'leave' then 'host' to start a new one")
	default:
		printlnFn("! update not delivered:", err)
	}
}

func formatStatus(e hostEngine) string {
	st := e.Status()
	snap := st.Snapshot

	if snap.TrackURI == "" {
		return fmt.Sprintf("stopped · volume %d%%", int(st.Volume*100+0.5))
	}

	state := "paused"
	if snap.Playing {
		state = "playing"
	}

	title := snap.TrackURI
	if st.Track.Name != "" {
		title = st.Track.Name
		if len(st.Track.Artists) > 0 {
			title += " - " + strings.Join(st.Track.Artists, ", ")
		}
	}

	return fmt.Sprintf("%s %s / %s · %s · volume %d%%",
		title, formatMs(snap.PositionMs), formatMs(st.DurationMs), state, int(st.Volume*100+0.5))
}

func formatMs(ms int64) string {
	if ms < 0 {
		ms = 0
	}
	s := ms / 1000
	return fmt.Sprintf("%d:%02d", s/60, s%60)
}

func parsePosition(s string) (int64, error) {
	if m, sec, ok := strings.Cut(s, ":"); ok {
		mins, err := strconv.ParseInt(m, 10, 64)
		if err != nil || mins < 0 {
			return 0, fmt.Errorf("bad minutes in %q", s)
		}
		secs, err := strconv.ParseInt(sec, 10, 64)
		if err != nil || secs < 0 || secs > 59 {
			return 0, fmt.Errorf("bad seconds in %q", s)
		}
		return (mins*60 + secs) * 1000, nil
	}

	secs, err := strconv.ParseFloat(s, 64)
	if err != nil || secs < 0 {
		return 0, fmt.Errorf("bad position %q", s)
	}
	return int64(secs * 1000), nil
}
