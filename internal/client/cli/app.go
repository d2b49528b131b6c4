package cli

import (
	"bufio"
	"context"
	"log"
	"os"
	"sync"
	"time"

	"github.com/dmitrijs2005/listenalong/internal/client/client"
	"github.com/dmitrijs2005/listenalong/internal/client/clock"
	"github.com/dmitrijs2005/listenalong/internal/client/config"
	"github.com/dmitrijs2005/listenalong/internal/client/device"
	"github.com/dmitrijs2005/listenalong/internal/client/engine"
	"github.com/dmitrijs2005/listenalong/internal/client/identity"
	"github.com/dmitrijs2005/listenalong/internal/client/publisher"
	"github.com/dmitrijs2005/listenalong/internal/client/repositories/metadata"
	"github.com/dmitrijs2005/listenalong/internal/client/session"
	"github.com/dmitrijs2005/listenalong/internal/client/vault"
	"github.com/dmitrijs2005/listenalong/internal/logging"
	"github.com/dmitrijs2005/listenalong/internal/retryx"
)

type Mode string

const (
	ModeOffline Mode = "offline"
	ModeOnline  Mode = "online"
)

// hostEngine is the engine surface the CLI drives.
type hostEngine interface {
	Start(ctx context.Context) error
	Close(ctx context.Context) error
	Resume(ctx context.Context) error
	Pause(ctx context.Context) error
	Toggle(ctx context.Context) error
	Seek(ctx context.Context, positionMs int64) error
	SetVolume(level float64) error
	PlayTrack(ctx context.Context, uri string, positionMs int64) error
	Status() engine.Status
}

type authorizer interface {
	BeginAuthorization(returnPath string) (string, error)
	CompleteAuthorization(ctx context.Context, state, code string) (*vault.Credential, string, error)
	Authorized(ctx context.Context) (bool, error)
	Logout(ctx context.Context) error
}

type sessionManager interface {
	Bootstrap(ctx context.Context) (session.Token, error)
	Create(ctx context.Context) (session.Token, error)
	Current() session.Token
	Forget(ctx context.Context) error
}

type pinger interface {
	Ping(ctx context.Context) error
}

type App struct {
	config    *config.Config
	log       logging.Logger
	auth      authorizer
	sessions  sessionManager
	health    pinger
	local     metadata.Repository
	newEngine func() hostEngine
	closers   []func() error
	reader    *bufio.Reader

	mu     sync.Mutex
	Mode   Mode
	engine hostEngine
}

// NewApp opens the local database and wires the vault, the session manager
// and the engine factory from c.
func NewApp(c *config.Config) (*App, error) {
	ctx := context.Background()
	logger := logging.New(c.LogLevel, c.LogFormat)

	db, err := client.InitDatabase(ctx, c.DBPath)
	if err != nil {
		log.Printf("error initializing database: %s", err.Error())
		return nil, err
	}
	repo := metadata.NewSQLiteRepository(db)

	v := vault.New(vault.Config{
		ClientID:     c.ClientID,
		RedirectURI:  c.RedirectURI,
		Scopes:       c.Scopes,
		AuthorizeURL: c.AuthorizeURL,
		TokenURL:     c.TokenURL,
	}, vault.NewSealedStore(repo, c.Passphrase), vault.WithLogger(logger))

	store := client.NewStoreClient(c.StoreURL, nil)
	id := identity.NewAnonymous(identity.Config{
		Endpoint: c.IdentityEndpoint,
		APIKey:   c.IdentityAPIKey,
	}, identity.WithLogger(logger))

	sessions := session.NewManager(store, id, repo,
		session.WithRefreshInterval(c.SessionRefreshInterval),
		session.WithLogger(logger),
	)

	health, err := client.NewHealthClient(c.StoreGRPCAddr)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	a := &App{
		config:   c,
		log:      logger.With("module", "cli"),
		auth:     v,
		sessions: sessions,
		health:   health,
		local:    repo,
		closers:  []func() error{health.Close, db.Close},
		reader:   bufio.NewReader(os.Stdin),
	}

	a.newEngine = func() hostEngine {
		dev := device.NewWebAPIAdapter(device.WebAPIConfig{
			BaseURL:      c.APIBaseURL,
			DeviceName:   c.DeviceName,
			PollInterval: c.DevicePollInterval,
		}, v, device.WithLogger(logger))

		pub := publisher.New(store, sessions, id,
			publisher.WithRetryPolicy(retryx.Fixed(c.PublishAttempts, c.PublishDelay)),
			publisher.WithLogger(logger),
		)

		return engine.New(dev, clock.New(), pub,
			engine.WithConfig(engine.Config{
				TickInterval:       c.TickInterval,
				VolumePollInterval: c.VolumePollInterval,
			}),
			engine.WithLogger(logger),
			engine.WithSessions(sessions),
			engine.WithErrorHandler(a.onEngineError),
		)
	}

	return a, nil
}

func (a *App) setMode(mode Mode) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.Mode != mode {
		a.Mode = mode
		log.Printf("Switched to %s mode\n", mode)
	}
}

func (a *App) mode() Mode {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.Mode
}

// Run starts the online watcher and blocks in the REPL until the user quits
// or stdin closes.
func (a *App) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer a.Close(context.Background())

	go a.StartOnlineStatusWatcher(ctx, a.config.OnlineCheckInterval)

	printlnFn("Welcome to listenalong (type 'help' for commands)")
	runREPL(ctx, a, a.getStatus, bufio.NewScanner(a.reader))
}

// Close ends hosting and releases local resources.
func (a *App) Close(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if eng := a.currentEngine(); eng != nil {
		if err := eng.Close(ctx); err != nil {
			a.log.Warn(ctx, "engine close failed", "error", err)
		}
		a.setEngine(nil)
	}
	for _, c := range a.closers {
		if err := c(); err != nil {
			a.log.Warn(ctx, "close failed", "error", err)
		}
	}
}

// StartOnlineStatusWatcher probes the store health endpoint every interval
// and flips Mode accordingly.
func (a *App) StartOnlineStatusWatcher(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	check := func() {
		pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if err := a.health.Ping(pctx); err != nil {
			a.setMode(ModeOffline)
			return
		}
		a.setMode(ModeOnline)
	}

	check()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			check()
		case <-ctx.Done():
			return
		}
	}
}

func (a *App) currentEngine() hostEngine {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.engine
}

func (a *App) setEngine(e hostEngine) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.engine = e
}

func (a *App) isHosting() bool {
	return a.currentEngine() != nil
}
