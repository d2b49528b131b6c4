package cli

import (
	"bufio"
	"context"
	"fmt"
	"strings"
)

// printlnFn is a test seam for user-facing output. In tests, replace it with a stub.
var printlnFn = fmt.Println

// execIface defines the minimal command surface the REPL needs to operate.
// The real App type satisfies this interface; tests can provide a lightweight stub.
type execIface interface {
	isHosting() bool
	Login(ctx context.Context) error
	Logout(ctx context.Context) error
	Reset(ctx context.Context) error
	Host(ctx context.Context) error
	Leave(ctx context.Context) error
	Play(ctx context.Context, args []string) error
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Toggle(ctx context.Context) error
	Seek(ctx context.Context, args []string) error
	Volume(ctx context.Context, args []string) error
	Status(ctx context.Context) error
}

// runREPL reads commands line by line and dispatches them to a until the
// scanner is exhausted or the user types "exit" or "quit".
//
//	Not hosting:
//	  - help           show available commands
//	  - login          authorize playback control
//	  - host           start or resume hosting a session
//	  - logout         forget the stored authorization
//	  - reset          logout and wipe all local state
//	  - exit | quit    leave the program
//
//	Hosting:
//	  - play <uri> [pos], pause, resume, toggle (t)
//	  - seek <pos>, volume <0-100>, status (s)
//	  - leave          stop hosting and forget the session
//
// Errors returned by handlers are ignored here; handlers report their own
// failures to the user.
func runREPL(ctx context.Context, a execIface, statusFn func() string, scanner *bufio.Scanner) {
	for {
		printlnFn(fmt.Sprintf("la %s> ", statusFn()))
		if !scanner.Scan() {
			return
		}
		parts := strings.Fields(scanner.Text())
		if len(parts) == 0 {
			continue
		}
		cmd, args := parts[0], parts[1:]

		switch cmd {
		case "help":
			if a.isHosting() {
				printlnFn("Available commands: play, pause, resume, (t)oggle, seek, volume, (s)tatus, leave, logout, reset, exit")
			} else {
				printlnFn("Available commands: login, host, logout, reset, exit")
			}

		case "login":
			_ = a.Login(ctx)

		case "logout":
			_ = a.Logout(ctx)

		case "reset":
			_ = a.Reset(ctx)

		case "host":
			_ = a.Host(ctx)

		case "leave":
			_ = a.Leave(ctx)

		case "play":
			_ = a.Play(ctx, args)

		case "pause":
			_ = a.Pause(ctx)

		case "resume":
			_ = a.Resume(ctx)

		case "t", "toggle":
			_ = a.Toggle(ctx)

		case "seek":
			_ = a.Seek(ctx, args)

		case "volume", "vol":
			_ = a.Volume(ctx, args)

		case "s", "status":
			_ = a.Status(ctx)

		case "exit", "quit":
			printlnFn("Bye!")
			return

		default:
			printlnFn("Unknown command:", cmd)
		}
	}
}

func (a *App) getStatus() string {
	s := ""
	if a.isHosting() {
		if id := a.sessions.Current().SessionID; id != "" {
			s = id + " "
		}
	}
	if m := a.mode(); m != "" {
		s += string(m)
	}
	if s != "" {
		s = fmt.Sprintf("(%s)", s)
	}
	return s
}
