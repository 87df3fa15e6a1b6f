package router

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/tliron/commonlog"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/goalproxy/internal/broadcast"
	"github.com/dshills/goalproxy/internal/lsp"
	"github.com/dshills/goalproxy/internal/proof"
	"github.com/dshills/goalproxy/internal/session"
	"github.com/dshills/goalproxy/internal/tracker"
)

var log = commonlog.GetLogger("goalproxy.router")

// ErrBackendExited is returned by Run when the backend connection is lost
// while the editor still expects it.
var ErrBackendExited = errors.New("backend exited")

// Endpoint is one side of the proxy. Closer, when set, releases both
// directions.
type Endpoint struct {
	Reader io.Reader
	Writer io.Writer
	Closer io.Closer
}

// Publisher receives proof-state output. *broadcast.Broadcaster implements it.
type Publisher interface {
	Publish(key string, snap proof.Snapshot) bool
	PublishCursor(c broadcast.Cursor)
	Forget(key, uri string)
}

// Config configures a Router.
type Config struct {
	// Debounce is the live-typing debounce window.
	Debounce time.Duration

	// Session configures the side-channel sessions.
	Session session.Config

	// GoalsMethod is the RPC method used to extract proof state.
	GoalsMethod string

	// KeepRaw attaches the undecoded extraction result to snapshots.
	KeepRaw bool

	// ShutdownGrace bounds how long queued frames may take to flush on exit.
	ShutdownGrace time.Duration
}

// DefaultConfig returns the default router configuration.
func DefaultConfig() Config {
	return Config{
		Debounce:      tracker.DefaultDebounce,
		Session:       session.DefaultConfig(),
		GoalsMethod:   lsp.MethodInteractiveGoals,
		ShutdownGrace: 2 * time.Second,
	}
}

// Option configures a Router.
type Option func(*Router)

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(r *Router) {
		if m != nil {
			r.metrics = m
		}
	}
}

// WithPublisher sets the proof-state publisher.
func WithPublisher(p Publisher) Option {
	return func(r *Router) {
		if p != nil {
			r.pub = p
		}
	}
}

type side int

const (
	sideEditor side = iota
	sideBackend
)

func (s side) String() string {
	if s == sideEditor {
		return "editor"
	}
	return "backend"
}

// Router proxies one editor connection to one backend connection.
type Router struct {
	cfg     Config
	up      Endpoint
	down    Endpoint
	upOut   *lsp.Outbox
	downOut *lsp.Outbox
	pub     Publisher
	metrics Metrics

	events   chan func()
	done     chan struct{}
	doneOnce sync.Once

	// Everything below is owned by the loop goroutine.
	state *loopState
}

// New creates a router between the editor and backend endpoints.
func New(editor, backend Endpoint, cfg Config, opts ...Option) *Router {
	if cfg.GoalsMethod == "" {
		cfg.GoalsMethod = lsp.MethodInteractiveGoals
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = DefaultConfig().ShutdownGrace
	}
	r := &Router{
		cfg:     cfg,
		up:      editor,
		down:    backend,
		upOut:   lsp.NewOutbox(editor.Writer),
		downOut: lsp.NewOutbox(backend.Writer),
		pub:     nopPublisher{},
		metrics: nopMetrics{},
		events:  make(chan func(), 256),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.state = newLoopState(r)
	return r
}

// Run proxies until the editor disconnects, the backend is lost or ctx is
// cancelled. It returns nil when the editor disconnected or asked the backend
// to exit, ErrBackendExited when the backend went away on its own, and
// ctx.Err() on cancellation.
func (r *Router) Run(ctx context.Context) error {
	writeCtx, cancelWrites := context.WithCancel(context.Background())
	defer cancelWrites()

	var writers errgroup.Group
	writers.Go(func() error { return r.runOutbox(writeCtx, r.upOut, sideEditor) })
	writers.Go(func() error { return r.runOutbox(writeCtx, r.downOut, sideBackend) })

	go r.readLoop(r.up.Reader, sideEditor)
	go r.readLoop(r.down.Reader, sideBackend)

	err := r.loop(ctx)

	r.upOut.Close()
	r.downOut.Close()
	flushed := make(chan struct{})
	go func() {
		writers.Wait()
		close(flushed)
	}()
	select {
	case <-flushed:
	case <-time.After(r.cfg.ShutdownGrace):
		log.Warning("timed out flushing outbound frames")
		cancelWrites()
	}

	if r.down.Closer != nil {
		r.down.Closer.Close()
	}
	if r.up.Closer != nil {
		r.up.Closer.Close()
	}
	return err
}

// SetDebounce changes the live-typing debounce window.
func (r *Router) SetDebounce(d time.Duration) {
	r.post(func() { r.state.debounce.SetWindow(d) })
}

// HandleCommand queues a display-client command for the loop.
func (r *Router) HandleCommand(cmd broadcast.Command) {
	r.post(func() { r.state.command(cmd) })
}

// Stats is a point-in-time view of the loop state.
type Stats struct {
	Documents   int
	PendingDown int
	PendingUp   int
	Sessions    map[session.State]int
}

// Stats returns loop statistics, or false once the loop has stopped.
func (r *Router) Stats() (Stats, bool) {
	result := make(chan Stats, 1)
	if !r.post(func() { result <- r.state.stats() }) {
		return Stats{}, false
	}
	select {
	case s := <-result:
		return s, true
	case <-r.done:
		return Stats{}, false
	}
}

// post queues fn for the loop. It returns false once the loop has stopped.
func (r *Router) post(fn func()) bool {
	select {
	case <-r.done:
		return false
	default:
	}
	select {
	case r.events <- fn:
		return true
	case <-r.done:
		return false
	}
}

func (r *Router) loop(ctx context.Context) error {
	defer r.doneOnce.Do(func() { close(r.done) })

	for {
		select {
		case fn := <-r.events:
			fn()
		case <-ctx.Done():
			r.state.upstreamClosed(ctx.Err())
			r.state.finish(ctx.Err())
		}
		if r.state.stopped {
			r.state.teardown()
			return r.state.result
		}
	}
}

func (r *Router) readLoop(reader io.Reader, from side) {
	frames := lsp.NewReader(reader)
	for {
		body, err := frames.Read()
		if err != nil {
			if errors.Is(err, lsp.ErrMalformedFrame) || errors.Is(err, lsp.ErrFrameTooLarge) {
				log.Warningf("%s: %s", from, err.Error())
				r.metrics.Dropped(from.String(), "frame")
				if errors.Is(err, lsp.ErrMalformedFrame) {
					continue
				}
			}
			r.post(func() { r.state.closed(from, err) })
			return
		}
		if !r.post(func() { r.state.inbound(from, body) }) {
			return
		}
	}
}

func (r *Router) runOutbox(ctx context.Context, out *lsp.Outbox, to side) error {
	err := out.Run(ctx)
	if err != nil && ctx.Err() == nil {
		r.post(func() { r.state.closed(to, fmt.Errorf("write: %w", err)) })
	}
	return err
}

type nopPublisher struct{}

func (nopPublisher) Publish(string, proof.Snapshot) bool { return false }
func (nopPublisher) PublishCursor(broadcast.Cursor)      {}
func (nopPublisher) Forget(string, string)               {}
