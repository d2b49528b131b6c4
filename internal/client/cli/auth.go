package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/dmitrijs2005/listenalong/internal/common"
	"github.com/go-chi/chi/v5"
)

// callbackTimeout bounds how long Login waits for the browser redirect.
const callbackTimeout = 5 * time.Minute

var errNoCode = errors.New("redirect carries no authorization code")

// getSecret and waitForCallback are indirections used to facilitate testing.
var (
	getSecret       = GetSecret
	waitForCallback = listenForCallback
)

type callbackResult struct {
	state string
	code  string
	err   error
}

// Login runs the PKCE authorization flow. The redirect is captured by a local
// HTTP listener on the redirect URI; when that cannot be started the user
// pastes the redirected URL instead.
func (a *App) Login(ctx context.Context) error {
	authURL, err := a.auth.BeginAuthorization("/")
	if err != nil {
		printlnFn("Login failed:", err)
		return err
	}

	printlnFn("Open this URL in a browser to authorize playback control:")
	printlnFn(authURL)

	state, code, err := waitForCallback(ctx, a.config.RedirectURI)
	if err != nil {
		a.log.Info(ctx, "callback listener unavailable, asking for the redirect URL", "error", err)
		state, code, err = a.pasteRedirect()
	}
	if err != nil {
		printlnFn("Login failed:", err)
		return err
	}

	if _, _, err := a.auth.CompleteAuthorization(ctx, state, code); err != nil {
		printlnFn("Login failed:", err)
		return err
	}

	printlnFn("Login successful")
	return nil
}

// Logout stops hosting and forgets the media-service credential.
func (a *App) Logout(ctx context.Context) error {
	if a.isHosting() {
		if err := a.Leave(ctx); err != nil {
			return err
		}
	}
	if err := a.auth.Logout(ctx); err != nil {
		printlnFn("Logout failed:", err)
		return err
	}
	printlnFn("Logged out")
	return nil
}

// Reset logs out and wipes every value the host stored locally, including
// the key-derivation salt.
func (a *App) Reset(ctx context.Context) error {
	if err := a.Logout(ctx); err != nil {
		return err
	}

	stored, err := a.local.List(ctx)
	if err != nil {
		printlnFn("Reset failed:", err)
		return err
	}
	if err := a.local.Clear(ctx); err != nil {
		printlnFn("Reset failed:", err)
		return err
	}

	printlnFn(fmt.Sprintf("Removed %d stored values", len(stored)))
	return nil
}

func (a *App) pasteRedirect() (string, string, error) {
	raw, err := getSecret(a.reader, "Paste the URL the browser was redirected to", os.Stdout)
	if err != nil {
		return "", "", err
	}
	defer common.WipeByteArray(raw)
	return parseRedirect(string(raw))
}

// parseRedirect extracts state and code from a redirect URL.
func parseRedirect(raw string) (state, code string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("parse redirect: %w", err)
	}
	q := u.Query()
	if e := q.Get("error"); e != "" {
		return "", "", fmt.Errorf("%w: %s", common.ErrAuthExchangeFailed, e)
	}
	if q.Get("code") == "" {
		return "", "", errNoCode
	}
	return q.Get("state"), q.Get("code"), nil
}

// callbackRouter answers the authorization redirect on path and hands the
// first result to out.
func callbackRouter(path string, out chan<- callbackResult) http.Handler {
	r := chi.NewRouter()
	r.Get(path, func(w http.ResponseWriter, req *http.Request) {
		state, code, err := parseRedirect(req.URL.String())

		select {
		case out <- callbackResult{state: state, code: code, err: err}:
		default:
		}

		if err != nil {
			http.Error(w, "Authorization failed: "+err.Error(), http.StatusBadRequest)
			return
		}
		_, _ = fmt.Fprintln(w, "Authorization complete. You can close this window.")
	})
	return r
}

func listenForCallback(ctx context.Context, redirectURI string) (string, string, error) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return "", "", fmt.Errorf("parse redirect uri: %w", err)
	}
	if u.Scheme != "http" {
		return "", "", fmt.Errorf("redirect uri %q is not served locally", redirectURI)
	}

	path := u.Path
	if path == "" {
		path = "/"
	}

	ln, err := net.Listen("tcp", u.Host)
	if err != nil {
		return "", "", fmt.Errorf("listen on %s: %w", u.Host, err)
	}

	results := make(chan callbackResult, 1)
	srv := &http.Server{
		Handler:           callbackRouter(path, results),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() { _ = srv.Serve(ln) }()
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	ctx, cancel := context.WithTimeout(ctx, callbackTimeout)
	defer cancel()

	select {
	case r := <-results:
		return r.state, r.code, r.err
	case <-ctx.Done():
		return "", "", ctx.Err()
	}
}
