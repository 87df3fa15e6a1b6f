package router

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	protocol "github.com/tliron/glsp/protocol_3_16"

	"github.com/dshills/goalproxy/internal/broadcast"
	"github.com/dshills/goalproxy/internal/lsp"
	"github.com/dshills/goalproxy/internal/proof"
	"github.com/dshills/goalproxy/internal/session"
	"github.com/dshills/goalproxy/internal/tracker"
)

// Document is an editor document known to the proxy.
type Document struct {
	URI        string
	Key        string
	Version    int32
	LanguageID string

	// opened identifies this open of the document; extractions from an
	// earlier open are never applied.
	opened uint64
}

// pendingCall is an outstanding request awaiting its response. origID is the
// id the originating peer used; reply is set instead for requests the proxy
// originated itself.
type pendingCall struct {
	origID []byte
	method string
	reply  session.Reply
	sent   time.Time
}

type loopState struct {
	r *Router

	nextID int64

	// pendingDown holds requests sent to the backend, pendingUp requests
	// sent to the editor, both keyed by router-local id.
	pendingDown map[int64]*pendingCall
	pendingUp   map[int64]*pendingCall

	// Original request ids by peer, for $/cancelRequest translation.
	editorIDs  map[string]int64
	backendIDs map[string]int64

	docs     map[string]*Document
	opens    uint64
	versions map[string]uint64
	issued   map[string]uint64
	applied  map[string]uint64

	debounce *tracker.Debouncer
	sessions *session.Manager

	exiting bool
	stopped bool
	result  error
}

func newLoopState(r *Router) *loopState {
	st := &loopState{
		r:           r,
		pendingDown: make(map[int64]*pendingCall),
		pendingUp:   make(map[int64]*pendingCall),
		editorIDs:   make(map[string]int64),
		backendIDs:  make(map[string]int64),
		docs:        make(map[string]*Document),
		versions:    make(map[string]uint64),
		issued:      make(map[string]uint64),
		applied:     make(map[string]uint64),
		debounce:    tracker.NewDebouncer(r.cfg.Debounce),
	}
	st.sessions = session.NewManager(r.cfg.Session, backendSender{st}, loopScheduler{r},
		session.WithStateObserver(func(key string, from, to session.State) {
			log.Debugf("session %s: %s -> %s", key, from, to)
			r.metrics.SessionTransition(from, to)
		}))
	return st
}

func (st *loopState) nextLocalID() int64 {
	st.nextID++
	return st.nextID
}

func (st *loopState) reportPending() {
	st.r.metrics.Pending(len(st.pendingDown), len(st.pendingUp))
}

func (st *loopState) inbound(from side, raw []byte) {
	if st.stopped {
		return
	}
	msg, err := lsp.Parse(raw)
	if err != nil {
		log.Warningf("%s: dropping message: %s", from, err.Error())
		st.r.metrics.Dropped(from.String(), "malformed")
		return
	}
	switch from {
	case sideEditor:
		st.fromEditor(msg)
	case sideBackend:
		st.fromBackend(msg)
	}
}

func (st *loopState) fromEditor(msg lsp.Message) {
	r := st.r
	switch msg.Kind {
	case lsp.KindRequest:
		if !st.relayRequest(msg, r.downOut, st.pendingDown, st.editorIDs) {
			r.metrics.Dropped(sideEditor.String(), "rewrite")
			return
		}
	case lsp.KindResponse:
		st.relayResponse(msg, sideEditor, r.downOut, st.pendingUp, st.backendIDs)
		return
	case lsp.KindNotification:
		raw := msg.Raw
		switch msg.Method {
		case lsp.MethodCancelRequest:
			raw = st.translateCancel(msg, st.editorIDs)
		case lsp.MethodExit:
			st.exiting = true
		}
		r.downOut.Send(raw)
	}
	r.metrics.Forwarded(sideEditor.String(), msg.Kind.String())
	st.observe(msg)
}

func (st *loopState) fromBackend(msg lsp.Message) {
	r := st.r
	switch msg.Kind {
	case lsp.KindRequest:
		if !st.relayRequest(msg, r.upOut, st.pendingUp, st.backendIDs) {
			r.metrics.Dropped(sideBackend.String(), "rewrite")
			return
		}
	case lsp.KindResponse:
		st.relayResponse(msg, sideBackend, r.upOut, st.pendingDown, st.editorIDs)
		return
	case lsp.KindNotification:
		raw := msg.Raw
		if msg.Method == lsp.MethodCancelRequest {
			raw = st.translateCancel(msg, st.backendIDs)
		}
		r.upOut.Send(raw)
	}
	r.metrics.Forwarded(sideBackend.String(), msg.Kind.String())
}

// relayRequest forwards a peer request under a fresh router-local id.
func (st *loopState) relayRequest(msg lsp.Message, out *lsp.Outbox, pending map[int64]*pendingCall, ids map[string]int64) bool {
	id := st.nextLocalID()
	raw, err := lsp.WithNumericID(msg.Raw, id)
	if err != nil {
		log.Warningf("dropping %s request: %s", msg.Method, err.Error())
		return false
	}
	pending[id] = &pendingCall{origID: msg.ID, method: msg.Method, sent: time.Now()}
	ids[string(msg.ID)] = id
	out.Send(raw)
	st.reportPending()
	return true
}

// relayResponse completes a pending call. Responses to proxy-originated
// requests are consumed; others are returned to their originator under the
// original id. ids is the originator's id index.
func (st *loopState) relayResponse(msg lsp.Message, from side, out *lsp.Outbox, pending map[int64]*pendingCall, ids map[string]int64) {
	id, ok := msg.NumericID()
	call, found := pending[id]
	if !ok || !found {
		log.Warningf("%s: dropping response with unknown id %s", from, string(msg.ID))
		st.r.metrics.Dropped(from.String(), "unmatched")
		return
	}
	delete(pending, id)
	st.reportPending()

	if call.reply != nil {
		result, rpcErr := msg.Result()
		if rpcErr != nil {
			call.reply(nil, rpcErr)
		} else {
			call.reply(result, nil)
		}
		return
	}

	delete(ids, string(call.origID))
	raw, err := lsp.WithID(msg.Raw, call.origID)
	if err != nil {
		log.Warningf("%s: dropping %s response: %s", from, call.method, err.Error())
		st.r.metrics.Dropped(from.String(), "rewrite")
		return
	}
	out.Send(raw)
	st.r.metrics.Forwarded(from.String(), msg.Kind.String())
}

// translateCancel points a $/cancelRequest at the router-local id of the
// request it cancels. Unknown targets are forwarded unchanged.
func (st *loopState) translateCancel(msg lsp.Message, ids map[string]int64) []byte {
	target, ok := lsp.CancelTarget(msg.Params)
	if !ok {
		return msg.Raw
	}
	local, ok := ids[string(target)]
	if !ok {
		return msg.Raw
	}
	raw, err := lsp.WithCancelTarget(msg.Raw, []byte(fmt.Sprint(local)))
	if err != nil {
		return msg.Raw
	}
	return raw
}

// observe feeds an editor message that has already been forwarded to the
// position tracker and the document table.
func (st *loopState) observe(msg lsp.Message) {
	switch tracker.Classify(msg.Method, msg.Params) {
	case tracker.KindTransparent:
	case tracker.KindLifecycle:
		st.lifecycle(msg.Method, msg.Params)
	case tracker.KindPosition:
		if msg.Method == lsp.MethodDidChange {
			st.lifecycle(msg.Method, msg.Params)
		}
		if c, ok := tracker.Extract(msg.Method, msg.Params); ok {
			st.cursor(c)
		}
	}
}

func (st *loopState) lifecycle(method string, params []byte) {
	ev, ok := tracker.Lifecycle(method, params)
	if !ok {
		log.Debugf("ignoring undecodable %s", method)
		return
	}
	switch ev.Op {
	case tracker.OpOpen:
		st.opens++
		st.docs[ev.Key] = &Document{URI: ev.URI, Key: ev.Key, Version: ev.Version, LanguageID: ev.LanguageID, opened: st.opens}
		log.Infof("opened %s", ev.URI)
	case tracker.OpChange:
		if doc, ok := st.docs[ev.Key]; ok {
			doc.Version = ev.Version
		}
	case tracker.OpClose:
		doc, ok := st.docs[ev.Key]
		if !ok {
			return
		}
		delete(st.docs, ev.Key)
		delete(st.issued, ev.Key)
		delete(st.applied, ev.Key)
		st.debounce.Cancel(ev.Key)
		st.sessions.Close(ev.Key)
		st.r.pub.Forget(ev.Key, doc.URI)
		log.Infof("closed %s", doc.URI)
	}
}

func (st *loopState) cursor(c tracker.Cursor) {
	if _, ok := st.docs[c.Key]; !ok {
		log.Debugf("cursor in unopened document %s", c.URI)
		return
	}
	if !c.IsEdit() {
		st.debounce.Cancel(c.Key)
		st.extract(c)
		return
	}

	window := st.debounce.Window()
	if window <= 0 {
		st.extract(c)
		return
	}
	token, arm := st.debounce.Offer(c)
	if !arm {
		return
	}
	key := c.Key
	loopScheduler{st.r}.AfterFunc(window, func() {
		if fired, ok := st.debounce.Fire(key, token); ok {
			st.extract(fired)
		}
	})
}

// extract requests the proof state at c. Replies are applied only if no
// newer extraction for the document has already been applied.
func (st *loopState) extract(c tracker.Cursor) {
	doc, ok := st.docs[c.Key]
	if !ok {
		return
	}
	st.r.pub.PublishCursor(broadcast.Cursor{URI: doc.URI, Position: c.Position, Method: c.Method})

	st.issued[c.Key]++
	seq := st.issued[c.Key]
	opened := doc.opened
	params := session.PositionParams(doc.URI, c.Position)
	st.sessions.Call(doc.URI, c.Key, c.Position, st.r.cfg.GoalsMethod, params, func(result json.RawMessage, err error) {
		st.goals(c, opened, seq, result, err)
	})
}

func (st *loopState) goals(c tracker.Cursor, opened, seq uint64, result json.RawMessage, err error) {
	r := st.r
	if errors.Is(err, session.ErrSuperseded) || errors.Is(err, session.ErrSessionClosed) {
		log.Debugf("extraction at %s:%d:%d dropped: %s", c.URI, c.Position.Line, c.Position.Character, err.Error())
		r.metrics.Extraction(OutcomeStale)
		return
	}
	if err != nil {
		log.Warningf("extraction at %s:%d:%d failed: %s", c.URI, c.Position.Line, c.Position.Character, err.Error())
		r.metrics.Extraction(OutcomeFailed)
		return
	}
	doc, ok := st.docs[c.Key]
	if !ok || doc.opened != opened || seq < st.applied[c.Key] {
		r.metrics.Extraction(OutcomeStale)
		return
	}
	goals, err := proof.DecodeGoals(result)
	if err != nil {
		log.Warningf("extraction at %s: %s", c.URI, err.Error())
		r.metrics.Extraction(OutcomeMalformed)
		return
	}

	st.applied[c.Key] = seq
	st.versions[c.Key]++
	snap := proof.Snapshot{
		URI:      doc.URI,
		Version:  st.versions[c.Key],
		Position: c.Position,
		Goals:    goals,
	}
	if r.cfg.KeepRaw {
		snap.Raw = result
	}
	r.pub.Publish(c.Key, snap)
	r.metrics.Extraction(OutcomePublished)
	log.Debugf("snapshot %s v%d: %d goals, %d hypotheses", doc.URI, snap.Version, len(goals), snap.HypothesisCount())
}

type goToParams struct {
	Kind string          `json:"kind"`
	Info json.RawMessage `json:"info"`
}

func (st *loopState) command(cmd broadcast.Command) {
	if st.stopped {
		return
	}
	switch cmd.Type {
	case broadcast.CommandNavigate:
		st.showDocument(cmd.URI, protocol.Range{Start: cmd.Position, End: cmd.Position})
	case broadcast.CommandHypothesisLocation:
		key := tracker.NormalizeURI(cmd.URI)
		doc, ok := st.docs[key]
		if !ok {
			log.Warningf("hypothesis location in unopened document %s", cmd.URI)
			return
		}
		params := goToParams{Kind: "definition", Info: cmd.Info}
		st.sessions.Call(doc.URI, key, cmd.Position, lsp.MethodGoToLocation, params, func(result json.RawMessage, err error) {
			if err != nil {
				log.Warningf("hypothesis location: %s", err.Error())
				return
			}
			uri, rng, ok := proof.FirstLocation(result)
			if !ok {
				log.Info("hypothesis location: no definition")
				return
			}
			st.showDocument(uri, rng)
		})
	}
}

// showDocument asks the editor to reveal rng in uri.
func (st *loopState) showDocument(uri string, rng protocol.Range) {
	takeFocus := true
	params := protocol.ShowDocumentParams{
		URI:       protocol.URI(uri),
		TakeFocus: &takeFocus,
		Selection: &rng,
	}
	st.requestEditor(lsp.MethodShowDocument, params, func(result json.RawMessage, err error) {
		if err != nil {
			log.Warningf("show document %s: %s", uri, err.Error())
		}
	})
}

func (st *loopState) requestEditor(method string, params any, reply session.Reply) {
	id := st.nextLocalID()
	body, err := lsp.NewRequest(id, method, params)
	if err != nil {
		log.Error(err.Error())
		return
	}
	st.pendingUp[id] = &pendingCall{method: method, reply: reply, sent: time.Now()}
	if !st.r.upOut.Send(body) {
		delete(st.pendingUp, id)
		return
	}
	st.reportPending()
}

// closed handles the loss of either connection.
func (st *loopState) closed(from side, err error) {
	if st.stopped {
		return
	}
	if from == sideEditor {
		st.upstreamClosed(err)
		st.finish(nil)
		return
	}
	if st.exiting {
		log.Info("backend exited")
		st.finish(nil)
		return
	}
	log.Errorf("backend connection lost: %s", err.Error())
	if body, nerr := lsp.NewNotification(lsp.MethodShowMessage, protocol.ShowMessageParams{
		Type:    protocol.MessageTypeError,
		Message: "Lean server exited unexpectedly; the proxy is shutting down.",
	}); nerr == nil {
		st.r.upOut.Send(body)
	}
	st.finish(fmt.Errorf("%w: %w", ErrBackendExited, err))
}

// upstreamClosed asks the backend to exit unless the editor already did.
func (st *loopState) upstreamClosed(err error) {
	if st.stopped {
		return
	}
	if err != nil && !errors.Is(err, io.EOF) {
		log.Infof("editor connection closed: %s", err.Error())
	} else {
		log.Info("editor connection closed")
	}
	if st.exiting {
		return
	}
	st.exiting = true
	if body, nerr := lsp.NewNotification(lsp.MethodExit, nil); nerr == nil {
		st.r.downOut.Send(body)
	}
}

func (st *loopState) finish(result error) {
	if st.stopped {
		return
	}
	st.stopped = true
	st.result = result
}

// teardown closes every session and fails every proxy-originated call.
// Peer requests still in flight are abandoned.
func (st *loopState) teardown() {
	st.sessions.CloseAll()
	for _, pending := range []map[int64]*pendingCall{st.pendingDown, st.pendingUp} {
		for id, call := range pending {
			delete(pending, id)
			if call.reply != nil {
				call.reply(nil, lsp.ErrClosed)
			}
		}
	}
	st.reportPending()
}

func (st *loopState) stats() Stats {
	return Stats{
		Documents:   len(st.docs),
		PendingDown: len(st.pendingDown),
		PendingUp:   len(st.pendingUp),
		Sessions:    st.sessions.Stats(),
	}
}

// backendSender issues session traffic on the backend connection.
type backendSender struct {
	st *loopState
}

func (s backendSender) Request(method string, params any, reply session.Reply) error {
	st := s.st
	if st.stopped {
		return lsp.ErrClosed
	}
	id := st.nextLocalID()
	body, err := lsp.NewRequest(id, method, params)
	if err != nil {
		return err
	}
	st.pendingDown[id] = &pendingCall{method: method, reply: reply, sent: time.Now()}
	if !st.r.downOut.Send(body) {
		delete(st.pendingDown, id)
		return lsp.ErrClosed
	}
	st.reportPending()
	return nil
}

func (s backendSender) Notify(method string, params any) error {
	if s.st.stopped {
		return lsp.ErrClosed
	}
	body, err := lsp.NewNotification(method, params)
	if err != nil {
		return err
	}
	if !s.st.r.downOut.Send(body) {
		return lsp.ErrClosed
	}
	return nil
}

// loopScheduler runs timer callbacks on the loop goroutine.
type loopScheduler struct {
	r *Router
}

func (s loopScheduler) AfterFunc(d time.Duration, f func()) session.Timer {
	return time.AfterFunc(d, func() { s.r.post(f) })
}
