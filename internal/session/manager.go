package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tliron/commonlog"
	protocol "github.com/tliron/glsp/protocol_3_16"

	"github.com/dshills/goalproxy/internal/lsp"
)

var log = commonlog.GetLogger("goalproxy.session")

type call struct {
	pos     protocol.Position
	method  string
	params  any
	reply   Reply
	retried bool
}

type connectParams struct {
	URI string `json:"uri"`
}

type keepAliveParams struct {
	URI       string `json:"uri"`
	SessionID string `json:"sessionId"`
}

// callParams is the $/lean/rpc/call payload. The document and position are
// repeated inside Params by the caller; the backend expects both.
type callParams struct {
	TextDocument protocol.TextDocumentIdentifier `json:"textDocument"`
	Position     protocol.Position               `json:"position"`
	SessionID    string                          `json:"sessionId"`
	Method       string                          `json:"method"`
	Params       any                             `json:"params"`
}

// PositionParams builds the inner params of a position-based RPC method:
// the same document and position as the outer call.
func PositionParams(uri string, pos protocol.Position) protocol.TextDocumentPositionParams {
	return protocol.TextDocumentPositionParams{
		TextDocument: protocol.TextDocumentIdentifier{URI: protocol.DocumentUri(uri)},
		Position:     pos,
	}
}

// StateObserver is notified of every session state transition.
type StateObserver func(key string, from, to State)

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the clock used for activity timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithStateObserver registers a transition observer.
func WithStateObserver(fn StateObserver) Option {
	return func(m *Manager) {
		m.observer = fn
	}
}

// Manager owns all sessions. It is not safe for concurrent use; every method
// and every Sender reply or Scheduler callback must run on the same loop.
type Manager struct {
	cfg      Config
	send     Sender
	sched    Scheduler
	sessions map[string]*Session
	now      func() time.Time
	observer StateObserver
}

// NewManager creates a session manager.
func NewManager(cfg Config, send Sender, sched Scheduler, opts ...Option) *Manager {
	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = DefaultConfig().KeepAliveInterval
	}
	if cfg.KeepAliveMode == "" {
		cfg.KeepAliveMode = KeepAliveRequest
	}
	m := &Manager{
		cfg:      cfg,
		send:     send,
		sched:    sched,
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Stats returns the number of sessions in each state.
func (m *Manager) Stats() map[State]int {
	stats := make(map[State]int, 4)
	for _, s := range m.sessions {
		stats[s.State]++
	}
	return stats
}

// Call invokes an RPC method for the document identified by key, at pos.
// The session is created or re-established as needed. reply runs exactly
// once.
func (m *Manager) Call(uri, key string, pos protocol.Position, method string, params any, reply Reply) {
	s := m.session(uri, key)
	c := &call{pos: pos, method: method, params: params, reply: reply}

	switch s.State {
	case StateActive:
		m.issue(s, c)
	case StateConnecting:
		m.enqueue(s, c)
	case StateDisconnected, StateExpired:
		m.enqueue(s, c)
		m.connect(s)
	}
}

// enqueue holds c until the session is active. Only the newest call per
// method is kept; a retried call never displaces a newer one.
func (m *Manager) enqueue(s *Session, c *call) {
	for i, queued := range s.queue {
		if queued.method != c.method {
			continue
		}
		if c.retried {
			c.reply(nil, ErrSuperseded)
			return
		}
		s.queue = append(s.queue[:i], s.queue[i+1:]...)
		queued.reply(nil, ErrSuperseded)
		break
	}
	s.queue = append(s.queue, c)
}

// Close tears down the session for key. Queued calls fail with
// ErrSessionClosed.
func (m *Manager) Close(key string) {
	s, ok := m.sessions[key]
	if !ok {
		return
	}
	delete(m.sessions, key)
	m.teardown(s)
}

// CloseAll tears down every session, as on backend loss.
func (m *Manager) CloseAll() {
	for key, s := range m.sessions {
		delete(m.sessions, key)
		m.teardown(s)
	}
}

func (m *Manager) teardown(s *Session) {
	s.gen++
	m.stopTimer(s)
	m.transition(s, StateDisconnected)
	s.ID = ""
	queued := s.queue
	s.queue = nil
	for _, c := range queued {
		c.reply(nil, ErrSessionClosed)
	}
}

func (m *Manager) session(uri, key string) *Session {
	s, ok := m.sessions[key]
	if !ok {
		s = &Session{URI: uri, Key: key, State: StateDisconnected}
		m.sessions[key] = s
	}
	return s
}

func (m *Manager) transition(s *Session, to State) {
	from := s.State
	if from == to {
		return
	}
	s.State = to
	log.Debugf("session %s: %s -> %s", s.URI, from, to)
	if m.observer != nil {
		m.observer(s.Key, from, to)
	}
}

func (m *Manager) connect(s *Session) {
	m.stopTimer(s)
	s.gen++
	gen := s.gen
	s.ID = ""
	s.awaitingAck = false
	m.transition(s, StateConnecting)

	s.timer = m.sched.AfterFunc(m.cfg.KeepAliveInterval, func() {
		if m.current(s, gen) && s.State == StateConnecting {
			m.connectFailed(s, ErrConnectTimeout)
		}
	})
	err := m.send.Request(lsp.MethodRPCConnect, &connectParams{URI: s.URI}, func(result json.RawMessage, err error) {
		if !m.current(s, gen) {
			return
		}
		if err == nil {
			var id string
			id, err = parseSessionID(result)
			if err == nil {
				m.activate(s, id)
				return
			}
		}
		m.connectFailed(s, err)
	})
	if err != nil {
		m.connectFailed(s, err)
	}
}

func (m *Manager) connectFailed(s *Session, err error) {
	log.Warningf("rpc connect for %s: %s", s.URI, err.Error())
	s.gen++
	m.stopTimer(s)
	m.transition(s, StateDisconnected)
	queued := s.queue
	s.queue = nil
	for _, c := range queued {
		c.reply(nil, fmt.Errorf("%w: %w", ErrConnectFailed, err))
	}
}

func (m *Manager) activate(s *Session, id string) {
	s.ID = id
	s.LastActivity = m.now()
	m.transition(s, StateActive)
	log.Infof("rpc session %s for %s", id, s.URI)
	m.stopTimer(s)
	m.armKeepAlive(s)

	queued := s.queue
	s.queue = nil
	for _, c := range queued {
		m.issue(s, c)
	}
}

func (m *Manager) issue(s *Session, c *call) {
	s.Calls++
	s.LastActivity = m.now()
	gen := s.gen

	params := &callParams{
		TextDocument: protocol.TextDocumentIdentifier{URI: protocol.DocumentUri(s.URI)},
		Position:     c.pos,
		SessionID:    s.ID,
		Method:       c.method,
		Params:       c.params,
	}
	err := m.send.Request(lsp.MethodRPCCall, params, func(result json.RawMessage, err error) {
		if m.sessions[s.Key] != s {
			c.reply(nil, ErrSessionClosed)
			return
		}
		outdated := lsp.IsCode(err, lsp.CodeRPCNeedsReconnect) && !c.retried
		if !m.current(s, gen) {
			// A reconnect already happened; retry on the new incarnation.
			if outdated {
				m.retry(s, c)
				return
			}
			c.reply(result, err)
			return
		}
		s.LastActivity = m.now()
		if outdated {
			log.Infof("rpc session %s for %s outdated, reconnecting", s.ID, s.URI)
			m.expire(s)
			m.retry(s, c)
			return
		}
		c.reply(result, err)
	})
	if err != nil {
		c.reply(nil, err)
	}
}

func (m *Manager) retry(s *Session, c *call) {
	c.retried = true
	switch s.State {
	case StateActive:
		m.issue(s, c)
	case StateConnecting:
		m.enqueue(s, c)
	case StateDisconnected, StateExpired:
		m.enqueue(s, c)
		m.connect(s)
	}
}

func (m *Manager) expire(s *Session) {
	m.stopTimer(s)
	s.awaitingAck = false
	m.transition(s, StateExpired)
}

func (m *Manager) armKeepAlive(s *Session) {
	gen := s.gen
	s.timer = m.sched.AfterFunc(m.cfg.KeepAliveInterval, func() {
		m.tick(s, gen)
	})
}

func (m *Manager) tick(s *Session, gen uint64) {
	if !m.current(s, gen) || s.State != StateActive {
		return
	}
	params := &keepAliveParams{URI: s.URI, SessionID: s.ID}

	if m.cfg.KeepAliveMode == KeepAliveRequest && s.awaitingAck {
		log.Infof("rpc session %s for %s missed its keep-alive", s.ID, s.URI)
		m.expire(s)
		return
	}

	if err := m.send.Notify(lsp.MethodRPCKeepAlive, params); err != nil {
		log.Warningf("keep-alive for %s: %s", s.URI, err.Error())
		m.expire(s)
		return
	}
	if m.cfg.KeepAliveMode == KeepAliveNotification {
		m.armKeepAlive(s)
		return
	}

	s.awaitingAck = true
	err := m.send.Request(lsp.MethodRPCKeepAlive, params, func(_ json.RawMessage, err error) {
		if !m.current(s, gen) || s.State != StateActive {
			return
		}
		s.awaitingAck = false
		if !acknowledged(err) {
			log.Infof("rpc session %s for %s rejected keep-alive: %s", s.ID, s.URI, err.Error())
			m.expire(s)
			return
		}
		s.LastActivity = m.now()
	})
	if err != nil {
		m.expire(s)
		return
	}
	m.armKeepAlive(s)
}

// current reports whether s is still the live incarnation that issued gen.
func (m *Manager) current(s *Session, gen uint64) bool {
	return s.gen == gen && m.sessions[s.Key] == s
}

func (m *Manager) stopTimer(s *Session) {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// acknowledged reports whether a keep-alive reply confirms the session. A
// session-lost code, or a backend that does not understand the keep-alive
// request at all, is a missed acknowledgment.
func acknowledged(err error) bool {
	if err == nil {
		return true
	}
	var rpcErr *lsp.RPCError
	if !errors.As(err, &rpcErr) {
		return false
	}
	switch rpcErr.Code {
	case lsp.CodeRPCNeedsReconnect, lsp.CodeWorkerExited, lsp.CodeWorkerCrashed,
		lsp.CodeMethodNotFound, lsp.CodeInvalidParams:
		return false
	default:
		return true
	}
}

func parseSessionID(result json.RawMessage) (string, error) {
	id := gjson.GetBytes(result, "sessionId")
	switch id.Type {
	case gjson.String:
		if id.Str != "" {
			return id.Str, nil
		}
	case gjson.Number:
		return id.Raw, nil
	}
	return "", fmt.Errorf("no sessionId in %s", string(result))
}
