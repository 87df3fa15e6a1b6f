// Package broadcast fans proof-state snapshots out to display clients over a
// local socket.
//
// Each subscriber gets its own bounded queue and writer goroutine, so a slow
// client never blocks Publish or other clients. Lines are newline-delimited
// JSON. On connect a client receives a "connected" line followed by the
// latest snapshot of every open document. A client is unsubscribed as soon as
// its side of the connection reaches end of input, so listen-only clients
// keep their write side open.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"

	"github.com/dshills/goalproxy/internal/proof"
)

var log = commonlog.GetLogger("goalproxy.broadcast")

// DefaultQueueSize is the default per-subscriber queue capacity.
const DefaultQueueSize = 32

// DefaultWriteTimeout bounds a single line write to a client.
const DefaultWriteTimeout = 5 * time.Second

// Observer receives subscriber lifecycle events.
type Observer interface {
	Subscribed(id string)
	Unsubscribed(id string, evicted bool)
	Coalesced(id string)
}

type nopObserver struct{}

func (nopObserver) Subscribed(string)         {}
func (nopObserver) Unsubscribed(string, bool) {}
func (nopObserver) Coalesced(string)          {}

// Option configures a Broadcaster.
type Option func(*Broadcaster)

// WithQueueSize sets the per-subscriber queue capacity.
func WithQueueSize(n int) Option {
	return func(b *Broadcaster) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

// WithWriteTimeout sets the per-line write deadline.
func WithWriteTimeout(d time.Duration) Option {
	return func(b *Broadcaster) {
		if d > 0 {
			b.writeTimeout = d
		}
	}
}

// WithCommandHandler sets the function receiving client commands. It is
// called from subscriber reader goroutines and must not block.
func WithCommandHandler(fn func(Command)) Option {
	return func(b *Broadcaster) {
		b.onCommand = fn
	}
}

// WithObserver sets the subscriber lifecycle observer.
func WithObserver(o Observer) Option {
	return func(b *Broadcaster) {
		if o != nil {
			b.observer = o
		}
	}
}

// Broadcaster holds the latest snapshot per document and the set of
// connected subscribers. It is safe for concurrent use.
type Broadcaster struct {
	queueSize    int
	writeTimeout time.Duration
	onCommand    func(Command)
	observer     Observer

	mu       sync.Mutex
	latest   map[string]proof.Snapshot
	cursor   []byte
	subs     map[string]*subscriber
	closed   bool
	listener net.Listener
	path     string

	wg sync.WaitGroup
}

// New creates a broadcaster.
func New(opts ...Option) *Broadcaster {
	b := &Broadcaster{
		queueSize:    DefaultQueueSize,
		writeTimeout: DefaultWriteTimeout,
		observer:     nopObserver{},
		latest:       make(map[string]proof.Snapshot),
		subs:         make(map[string]*subscriber),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Listen binds the Unix socket at path, replacing a stale socket file. If
// another process is accepting on path, ErrSocketInUse is returned.
func (b *Broadcaster) Listen(path string) error {
	if _, err := os.Stat(path); err == nil {
		if conn, err := net.DialTimeout("unix", path, 200*time.Millisecond); err == nil {
			conn.Close()
			return fmt.Errorf("%w: %s", ErrSocketInUse, path)
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove stale socket %s: %w", path, err)
		}
	}

	l, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("listen %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		log.Warningf("chmod %s: %s", path, err.Error())
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		l.Close()
		os.Remove(path)
		return ErrClosed
	}
	b.listener = l
	b.path = path
	log.Infof("display socket listening on %s", path)
	return nil
}

// Addr returns the bound socket path, or "" before Listen.
func (b *Broadcaster) Addr() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.path
}

// Serve accepts display clients until ctx is done or the broadcaster is
// closed.
func (b *Broadcaster) Serve(ctx context.Context) error {
	b.mu.Lock()
	l := b.listener
	b.mu.Unlock()
	if l == nil {
		return errors.New("broadcast: Serve called before Listen")
	}

	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil || b.isClosed() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		b.Subscribe(conn)
	}
}

// Subscribe attaches a client connection, queues the catch-up snapshots and
// starts its writer and reader. It returns the subscriber id.
func (b *Broadcaster) Subscribe(conn net.Conn) string {
	id := uuid.NewString()
	s := newSubscriber(id, conn, b)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		conn.Close()
		return ""
	}

	keys := make([]string, 0, len(b.latest))
	for key := range b.latest {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	docs := make([]string, 0, len(keys))
	for _, key := range keys {
		docs = append(docs, b.latest[key].URI)
	}
	if hello, err := encodeLine(&helloMessage{Type: TypeConnected, Subscriber: id, Documents: docs}); err == nil {
		s.queue.entries = append(s.queue.entries, entry{kind: entryControl, line: hello})
	}
	// Catch-up is not subject to the queue bound.
	for _, key := range keys {
		snap := b.latest[key]
		line, err := encodeLine(&snapshotMessage{Type: TypeSnapshot, Snapshot: snap})
		if err != nil {
			continue
		}
		s.queue.entries = append(s.queue.entries, entry{kind: entrySnapshot, key: key, version: snap.Version, line: line})
	}
	if b.cursor != nil {
		s.queue.entries = append(s.queue.entries, entry{kind: entryCursor, line: b.cursor})
	}
	b.subs[id] = s
	b.wg.Add(2)
	b.mu.Unlock()

	log.Infof("subscriber %s connected", id)
	b.observer.Subscribed(id)

	go s.writeLoop()
	go s.readLoop()
	return id
}

// Publish replaces the latest snapshot for key and queues it to every
// subscriber. Snapshots not newer than the current one are ignored and
// Publish returns false.
func (b *Broadcaster) Publish(key string, snap proof.Snapshot) bool {
	line, err := encodeLine(&snapshotMessage{Type: TypeSnapshot, Snapshot: snap})
	if err != nil {
		log.Errorf("encode snapshot for %s: %s", snap.URI, err.Error())
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	if prev, ok := b.latest[key]; ok && snap.Version <= prev.Version {
		return false
	}
	b.latest[key] = snap
	b.deliverLocked(entry{kind: entrySnapshot, key: key, version: snap.Version, line: line})
	return true
}

// PublishCursor replaces the latest cursor and queues it to every
// subscriber. Only the newest cursor is ever queued.
func (b *Broadcaster) PublishCursor(c Cursor) {
	line, err := encodeLine(&cursorMessage{Type: TypeCursor, Cursor: c})
	if err != nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.cursor = line
	b.deliverLocked(entry{kind: entryCursor, line: line})
}

// Forget drops the snapshot for a closed document and tells subscribers.
func (b *Broadcaster) Forget(key, uri string) {
	line, err := encodeLine(&closedMessage{Type: TypeClosed, URI: uri})
	if err != nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	if _, ok := b.latest[key]; !ok {
		return
	}
	delete(b.latest, key)
	b.deliverLocked(entry{kind: entryControl, key: key, line: line})
}

// Latest returns the current snapshot for key.
func (b *Broadcaster) Latest(key string) (proof.Snapshot, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	snap, ok := b.latest[key]
	return snap, ok
}

// Subscribers returns the number of connected subscribers.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close stops accepting, disconnects every subscriber and removes the socket
// file.
func (b *Broadcaster) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	l := b.listener
	path := b.path
	subs := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	var err error
	if l != nil {
		err = l.Close()
	}
	for _, s := range subs {
		s.close()
	}
	b.wg.Wait()

	if path != "" {
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) && err == nil {
			err = rmErr
		}
	}
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}

func (b *Broadcaster) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// capacityLocked is the effective queue bound: one entry per open document
// always fits, plus a cursor and a control line.
func (b *Broadcaster) capacityLocked() int {
	return max(b.queueSize, len(b.latest)+2)
}

func (b *Broadcaster) deliverLocked(e entry) {
	capacity := b.capacityLocked()
	for id, s := range b.subs {
		switch s.push(e, capacity) {
		case pushCoalesced:
			b.observer.Coalesced(id)
		case pushOverflow:
			log.Warningf("subscriber %s evicted: %s", id, ErrQueueOverflow.Error())
			delete(b.subs, id)
			s.close()
			b.observer.Unsubscribed(id, true)
		}
	}
}

// remove detaches s after its connection ended.
func (b *Broadcaster) remove(s *subscriber, reason error) {
	b.mu.Lock()
	current, ok := b.subs[s.id]
	if ok && current == s {
		delete(b.subs, s.id)
	}
	b.mu.Unlock()

	s.close()
	if ok && current == s {
		if reason != nil {
			log.Infof("subscriber %s disconnected: %s", s.id, reason.Error())
		} else {
			log.Infof("subscriber %s disconnected", s.id)
		}
		b.observer.Unsubscribed(s.id, false)
	}
}
