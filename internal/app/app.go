// Package app wires the proxy together and owns the process lifetime: the
// backend child, the display socket, the router between them and the
// optional metrics endpoint.
package app

import (
	"context"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/tliron/commonlog"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/goalproxy/internal/backend"
	"github.com/dshills/goalproxy/internal/broadcast"
	"github.com/dshills/goalproxy/internal/config"
	"github.com/dshills/goalproxy/internal/logging"
	"github.com/dshills/goalproxy/internal/lsp"
	"github.com/dshills/goalproxy/internal/metrics"
	"github.com/dshills/goalproxy/internal/router"
	"github.com/dshills/goalproxy/internal/session"
)

var log = commonlog.GetLogger("goalproxy")

// Options configures the application.
type Options struct {
	// ConfigPath is the configuration file; empty means none.
	ConfigPath string

	// WorkDir is the project directory the backend runs in.
	WorkDir string

	// Overrides applies command-line flags on top of the loaded settings.
	// It runs again on every reload.
	Overrides func(*config.Config)

	// Editor streams; stdin and stdout when nil.
	Stdin  io.Reader
	Stdout io.Writer

	// Stderr receives backend stderr; os.Stderr when nil.
	Stderr io.Writer
}

// Application runs one proxy session.
type Application struct {
	opts Options

	mu  sync.Mutex
	cfg config.Config

	metrics *metrics.Metrics
	running atomic.Bool
}

// New loads the configuration and creates the application.
func New(opts Options) (*Application, error) {
	if opts.Stdin == nil {
		opts.Stdin = os.Stdin
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	app := &Application{opts: opts, metrics: metrics.New()}
	cfg, err := app.load()
	if err != nil {
		return nil, &InitError{Component: "config", Err: err}
	}
	app.cfg = cfg
	return app, nil
}

func (app *Application) load() (config.Config, error) {
	cfg, err := config.Load(app.opts.ConfigPath)
	if err != nil {
		return config.Config{}, err
	}
	if app.opts.Overrides != nil {
		app.opts.Overrides(&cfg)
		if err := cfg.Validate(); err != nil {
			return config.Config{}, err
		}
	}
	return cfg, nil
}

// Config returns the settings in effect.
func (app *Application) Config() config.Config {
	app.mu.Lock()
	defer app.mu.Unlock()
	return app.cfg
}

// SocketPath returns the display socket path for the current settings.
func (app *Application) SocketPath() string {
	return SocketPath(app.Config(), app.opts.WorkDir)
}

// SocketPath resolves the display socket path for cfg.
func SocketPath(cfg config.Config, workDir string) string {
	switch {
	case cfg.Broadcast.Socket != "":
		return cfg.Broadcast.Socket
	case cfg.Broadcast.PerProject:
		return broadcast.ProjectSocketPath(workDir)
	default:
		return broadcast.DefaultSocketPath()
	}
}

// Run proxies until the editor disconnects, the backend exits or ctx is
// cancelled. It returns router.ErrBackendExited when the backend went away
// on its own.
func (app *Application) Run(ctx context.Context) error {
	if !app.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	cfg := app.Config()

	if dest, err := logging.Configure(cfg.Log.Verbosity, cfg.Log.Path); err != nil {
		log.Warningf("logging to stderr: %s", err.Error())
	} else if dest != "" {
		log.Infof("logging to %s", dest)
	}

	dir := cfg.Backend.Dir
	if dir == "" {
		dir = app.opts.WorkDir
	}
	proc, err := backend.Start(backend.Config{
		Command:  cfg.BackendCommand(),
		Dir:      dir,
		UnsetEnv: cfg.Backend.UnsetEnv,
		Env:      cfg.BackendEnv(),
		Stderr:   app.opts.Stderr,
	})
	if err != nil {
		return &InitError{Component: "backend", Err: err}
	}
	defer proc.Stop(cfg.Proxy.ShutdownGrace.Std())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	var r *router.Router
	b := broadcast.New(
		broadcast.WithQueueSize(cfg.Broadcast.QueueSize),
		broadcast.WithWriteTimeout(cfg.Broadcast.WriteTimeout.Std()),
		broadcast.WithObserver(app.metrics),
		broadcast.WithCommandHandler(func(cmd broadcast.Command) { r.HandleCommand(cmd) }),
	)
	defer b.Close()

	r = router.New(
		router.Endpoint{Reader: app.opts.Stdin, Writer: app.opts.Stdout},
		router.Endpoint{Reader: proc.Stdout, Writer: proc.Stdin, Closer: proc},
		routerConfig(cfg),
		router.WithPublisher(b),
		router.WithMetrics(app.metrics),
	)

	if !cfg.Broadcast.Disabled {
		path := SocketPath(cfg, app.opts.WorkDir)
		if err := b.Listen(path); err != nil {
			log.Warningf("display socket unavailable, continuing without it: %s", err.Error())
		} else {
			log.Infof("display socket %s", path)
			g.Go(func() error { return b.Serve(gctx) })
		}
	}

	if cfg.Metrics.Addr != "" {
		g.Go(func() error {
			if err := app.metrics.Serve(gctx, cfg.Metrics.Addr); err != nil {
				log.Warningf("metrics endpoint: %s", err.Error())
			}
			return nil
		})
	}

	if app.opts.ConfigPath != "" {
		w, err := config.Watch(app.opts.ConfigPath, app.load, func(next config.Config) {
			app.reload(r, next)
		})
		if err != nil {
			log.Warningf("not watching %s: %s", app.opts.ConfigPath, err.Error())
		} else {
			defer w.Close()
		}
	}

	err = r.Run(ctx)
	cancel()
	if werr := g.Wait(); werr != nil && err == nil {
		log.Warningf("shutdown: %s", werr.Error())
	}
	return err
}

func (app *Application) reload(r *router.Router, next config.Config) {
	app.mu.Lock()
	prev := app.cfg
	app.cfg = next
	app.mu.Unlock()

	if next.Tracker.Debounce != prev.Tracker.Debounce {
		r.SetDebounce(next.Tracker.Debounce.Std())
		log.Infof("debounce window now %s", next.Tracker.Debounce.Std())
	}
	if next.Log.Verbosity != prev.Log.Verbosity {
		logging.SetVerbosity(next.Log.Verbosity)
	}
	if config.RestartRequired(prev, next) {
		log.Notice("some changed settings take effect after a restart")
	}
}

func routerConfig(cfg config.Config) router.Config {
	return router.Config{
		Debounce: cfg.Tracker.Debounce.Std(),
		Session: session.Config{
			KeepAliveInterval: cfg.Session.KeepAlive.Std(),
			KeepAliveMode:     session.KeepAliveMode(cfg.Session.KeepAliveMode),
		},
		GoalsMethod:   lsp.MethodInteractiveGoals,
		KeepRaw:       cfg.Proxy.KeepRaw,
		ShutdownGrace: cfg.Proxy.ShutdownGrace.Std(),
	}
}
