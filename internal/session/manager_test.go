package session

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	protocol "github.com/tliron/glsp/protocol_3_16"

	"github.com/dshills/goalproxy/internal/lsp"
)

type sentRequest struct {
	method string
	params any
	reply  Reply
}

type sentNote struct {
	method string
	params any
}

type fakeSender struct {
	requests []*sentRequest
	notes    []sentNote
	fail     error
}

func (f *fakeSender) Request(method string, params any, reply Reply) error {
	if f.fail != nil {
		return f.fail
	}
	f.requests = append(f.requests, &sentRequest{method: method, params: params, reply: reply})
	return nil
}

func (f *fakeSender) Notify(method string, params any) error {
	if f.fail != nil {
		return f.fail
	}
	f.notes = append(f.notes, sentNote{method: method, params: params})
	return nil
}

// take removes and returns the oldest request for method.
func (f *fakeSender) take(t *testing.T, method string) *sentRequest {
	t.Helper()
	for i, r := range f.requests {
		if r.method == method {
			f.requests = append(f.requests[:i], f.requests[i+1:]...)
			return r
		}
	}
	t.Fatalf("no %s request sent", method)
	return nil
}

func (f *fakeSender) count(method string) int {
	n := 0
	for _, r := range f.requests {
		if r.method == method {
			n++
		}
	}
	return n
}

type fakeTimer struct {
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

type fakeScheduler struct {
	timers []*fakeTimer
}

func (s *fakeScheduler) AfterFunc(_ time.Duration, f func()) Timer {
	t := &fakeTimer{f: f}
	s.timers = append(s.timers, t)
	return t
}

// pending counts timers that are neither stopped nor fired.
func (s *fakeScheduler) pending() int {
	n := 0
	for _, t := range s.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// tick fires every timer armed so far that is still pending.
func (s *fakeScheduler) tick() {
	armed := s.timers
	for _, t := range armed {
		if t.stopped || t.fired {
			continue
		}
		t.fired = true
		t.f()
	}
}

type result struct {
	raw   json.RawMessage
	err   error
	calls int
}

func (r *result) reply() Reply {
	return func(raw json.RawMessage, err error) {
		r.calls++
		r.raw = raw
		r.err = err
	}
}

const fooURI = "file:///proj/Foo.lean"

func newTestManager(cfg Config) (*Manager, *fakeSender, *fakeScheduler) {
	send := &fakeSender{}
	sched := &fakeScheduler{}
	return NewManager(cfg, send, sched), send, sched
}

func goalsCall(m *Manager, line, char uint32, r *result) {
	pos := protocol.Position{Line: line, Character: char}
	m.Call(fooURI, fooURI, pos, lsp.MethodInteractiveGoals, PositionParams(fooURI, pos), r.reply())
}

func TestManager_ConnectThenCall(t *testing.T) {
	m, send, _ := newTestManager(DefaultConfig())

	var r result
	goalsCall(m, 5, 10, &r)

	info, ok := m.sessions[fooURI]
	require.True(t, ok)
	assert.Equal(t, StateConnecting, info.State)

	connect := send.take(t, lsp.MethodRPCConnect)
	params, _ := json.Marshal(connect.params)
	assert.JSONEq(t, `{"uri":"file:///proj/Foo.lean"}`, string(params))
	assert.Equal(t, 0, send.count(lsp.MethodRPCCall), "call must wait for the session")

	connect.reply(json.RawMessage(`{"sessionId":"S1"}`), nil)

	info = m.sessions[fooURI]
	assert.Equal(t, StateActive, info.State)
	assert.Equal(t, "S1", info.ID)

	rpc := send.take(t, lsp.MethodRPCCall)
	params, _ = json.Marshal(rpc.params)
	assert.JSONEq(t, `{
		"textDocument": {"uri": "file:///proj/Foo.lean"},
		"position": {"line": 5, "character": 10},
		"sessionId": "S1",
		"method": "Lean.Widget.getInteractiveGoals",
		"params": {
			"textDocument": {"uri": "file:///proj/Foo.lean"},
			"position": {"line": 5, "character": 10}
		}
	}`, string(params))

	rpc.reply(json.RawMessage(`{"goals":[]}`), nil)
	assert.Equal(t, 1, r.calls)
	assert.NoError(t, r.err)
	assert.JSONEq(t, `{"goals":[]}`, string(r.raw))

	info = m.sessions[fooURI]
	assert.EqualValues(t, 1, info.Calls)
}

func TestManager_NumericSessionID(t *testing.T) {
	m, send, _ := newTestManager(DefaultConfig())
	var r result
	goalsCall(m, 0, 0, &r)

	send.take(t, lsp.MethodRPCConnect).reply(json.RawMessage(`{"sessionId":12345678901234567890}`), nil)

	info := m.sessions[fooURI]
	assert.Equal(t, "12345678901234567890", info.ID)

	rpc := send.take(t, lsp.MethodRPCCall)
	assert.Equal(t, "12345678901234567890", rpc.params.(*callParams).SessionID)
}

func TestManager_ConcurrentCallsCompleteOutOfOrder(t *testing.T) {
	m, send, _ := newTestManager(DefaultConfig())

	var first, second result
	goalsCall(m, 1, 0, &first)
	send.take(t, lsp.MethodRPCConnect).reply(json.RawMessage(`{"sessionId":"S1"}`), nil)
	goalsCall(m, 2, 0, &second)
	require.Equal(t, 2, send.count(lsp.MethodRPCCall))

	a := send.take(t, lsp.MethodRPCCall)
	b := send.take(t, lsp.MethodRPCCall)
	b.reply(json.RawMessage(`"second"`), nil)
	a.reply(json.RawMessage(`"first"`), nil)

	assert.Equal(t, `"first"`, string(first.raw))
	assert.Equal(t, `"second"`, string(second.raw))

	var third result
	goalsCall(m, 3, 0, &third)
	assert.Equal(t, 0, send.count(lsp.MethodRPCConnect), "an active session is reused")
	assert.Equal(t, 1, send.count(lsp.MethodRPCCall))
}

func TestManager_KeepAliveExpiryAndReentry(t *testing.T) {
	m, send, sched := newTestManager(DefaultConfig())

	var r result
	goalsCall(m, 0, 0, &r)
	send.take(t, lsp.MethodRPCConnect).reply(json.RawMessage(`{"sessionId":"S1"}`), nil)
	send.take(t, lsp.MethodRPCCall).reply(json.RawMessage(`null`), nil)

	sched.tick()
	ka := send.take(t, lsp.MethodRPCKeepAlive)
	params, _ := json.Marshal(ka.params)
	assert.JSONEq(t, `{"uri":"file:///proj/Foo.lean","sessionId":"S1"}`, string(params))

	// No acknowledgment before the next tick.
	sched.tick()
	info := m.sessions[fooURI]
	assert.Equal(t, StateExpired, info.State)

	// A late ack for the expired session changes nothing.
	ka.reply(json.RawMessage(`null`), nil)
	info = m.sessions[fooURI]
	assert.Equal(t, StateExpired, info.State)

	var again result
	goalsCall(m, 4, 2, &again)
	info = m.sessions[fooURI]
	assert.Equal(t, StateConnecting, info.State)

	send.take(t, lsp.MethodRPCConnect).reply(json.RawMessage(`{"sessionId":"S2"}`), nil)
	rpc := send.take(t, lsp.MethodRPCCall)
	assert.Equal(t, "S2", rpc.params.(*callParams).SessionID)
	rpc.reply(json.RawMessage(`{"goals":[]}`), nil)

	assert.Equal(t, 1, again.calls)
	assert.NoError(t, again.err)
}

func TestManager_KeepAliveAcknowledged(t *testing.T) {
	m, send, sched := newTestManager(DefaultConfig())
	var r result
	goalsCall(m, 0, 0, &r)
	send.take(t, lsp.MethodRPCConnect).reply(json.RawMessage(`{"sessionId":"S1"}`), nil)

	for i := 0; i < 3; i++ {
		sched.tick()
		send.take(t, lsp.MethodRPCKeepAlive).reply(json.RawMessage(`null`), nil)
	}
	info := m.sessions[fooURI]
	assert.Equal(t, StateActive, info.State)

	sched.tick()
	send.take(t, lsp.MethodRPCKeepAlive).reply(nil, &lsp.RPCError{Code: lsp.CodeInternalError, Message: "busy"})
	assert.Equal(t, StateActive, info.State, "an unrelated error still reached the session")
}

func TestManager_KeepAliveRequestAlsoNotifies(t *testing.T) {
	m, send, sched := newTestManager(DefaultConfig())
	var r result
	goalsCall(m, 0, 0, &r)
	send.take(t, lsp.MethodRPCConnect).reply(json.RawMessage(`{"sessionId":"S1"}`), nil)

	sched.tick()
	require.Len(t, send.notes, 1)
	assert.Equal(t, lsp.MethodRPCKeepAlive, send.notes[0].method)
	params, _ := json.Marshal(send.notes[0].params)
	assert.JSONEq(t, `{"uri":"file:///proj/Foo.lean","sessionId":"S1"}`, string(params))
	assert.Equal(t, 1, send.count(lsp.MethodRPCKeepAlive))
}

func TestManager_KeepAliveRejected(t *testing.T) {
	tests := []struct {
		name string
		code int
	}{
		{"session outdated", lsp.CodeRPCNeedsReconnect},
		{"worker crashed", lsp.CodeWorkerCrashed},
		{"method not found", lsp.CodeMethodNotFound},
		{"invalid params", lsp.CodeInvalidParams},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, send, sched := newTestManager(DefaultConfig())
			var r result
			goalsCall(m, 0, 0, &r)
			send.take(t, lsp.MethodRPCConnect).reply(json.RawMessage(`{"sessionId":"S1"}`), nil)

			sched.tick()
			send.take(t, lsp.MethodRPCKeepAlive).reply(nil, &lsp.RPCError{Code: tt.code, Message: "no"})
			assert.Equal(t, StateExpired, m.sessions[fooURI].State)
		})
	}
}

func TestManager_KeepAliveNotificationMode(t *testing.T) {
	m, send, sched := newTestManager(Config{KeepAliveInterval: time.Second, KeepAliveMode: KeepAliveNotification})
	var r result
	goalsCall(m, 0, 0, &r)
	send.take(t, lsp.MethodRPCConnect).reply(json.RawMessage(`{"sessionId":"S1"}`), nil)

	sched.tick()
	sched.tick()
	require.Len(t, send.notes, 2)
	assert.Equal(t, lsp.MethodRPCKeepAlive, send.notes[0].method)
	assert.Equal(t, 0, send.count(lsp.MethodRPCKeepAlive), "no request keep-alives")

	info := m.sessions[fooURI]
	assert.Equal(t, StateActive, info.State)
}

func TestManager_OutdatedSessionRetriesOnce(t *testing.T) {
	m, send, _ := newTestManager(DefaultConfig())
	var r result
	goalsCall(m, 7, 1, &r)
	send.take(t, lsp.MethodRPCConnect).reply(json.RawMessage(`{"sessionId":"S1"}`), nil)

	outdated := &lsp.RPCError{Code: lsp.CodeRPCNeedsReconnect, Message: "Outdated RPC session"}
	send.take(t, lsp.MethodRPCCall).reply(nil, outdated)
	assert.Equal(t, 0, r.calls, "the caller does not see the first outdated error")

	send.take(t, lsp.MethodRPCConnect).reply(json.RawMessage(`{"sessionId":"S2"}`), nil)
	retry := send.take(t, lsp.MethodRPCCall)
	assert.Equal(t, "S2", retry.params.(*callParams).SessionID)

	retry.reply(nil, outdated)
	assert.Equal(t, 1, r.calls)
	assert.True(t, lsp.IsCode(r.err, lsp.CodeRPCNeedsReconnect))
}

func TestManager_ConnectFailure(t *testing.T) {
	m, send, _ := newTestManager(DefaultConfig())
	var r result
	goalsCall(m, 0, 0, &r)

	send.take(t, lsp.MethodRPCConnect).reply(nil, &lsp.RPCError{Code: lsp.CodeInternalError, Message: "file not open"})

	assert.Equal(t, 1, r.calls)
	assert.True(t, errors.Is(r.err, ErrConnectFailed))
	info := m.sessions[fooURI]
	assert.Equal(t, StateDisconnected, info.State)

	var missingID result
	goalsCall(m, 0, 0, &missingID)
	send.take(t, lsp.MethodRPCConnect).reply(json.RawMessage(`{}`), nil)
	assert.True(t, errors.Is(missingID.err, ErrConnectFailed))
}

func TestManager_SendFailure(t *testing.T) {
	m, send, _ := newTestManager(DefaultConfig())
	send.fail = lsp.ErrClosed

	var r result
	goalsCall(m, 0, 0, &r)
	assert.Equal(t, 1, r.calls)
	assert.True(t, errors.Is(r.err, lsp.ErrClosed))
}

func TestManager_CloseFailsQueuedCalls(t *testing.T) {
	m, send, sched := newTestManager(DefaultConfig())
	var r result
	goalsCall(m, 0, 0, &r)
	connect := send.take(t, lsp.MethodRPCConnect)

	m.Close(fooURI)
	assert.Equal(t, 1, r.calls)
	assert.True(t, errors.Is(r.err, ErrSessionClosed))
	_, ok := m.sessions[fooURI]
	assert.False(t, ok)

	// The late connect reply belongs to a dead session.
	connect.reply(json.RawMessage(`{"sessionId":"S1"}`), nil)
	assert.Empty(t, m.sessions)
	assert.Equal(t, 0, send.count(lsp.MethodRPCCall))
	assert.Equal(t, 0, sched.pending(), "the connect timeout is cancelled")
}

func TestManager_LateReplyAfterClose(t *testing.T) {
	m, send, _ := newTestManager(DefaultConfig())
	var r result
	goalsCall(m, 9, 9, &r)
	send.take(t, lsp.MethodRPCConnect).reply(json.RawMessage(`{"sessionId":"S1"}`), nil)
	rpc := send.take(t, lsp.MethodRPCCall)

	m.Close(fooURI)
	var reopened result
	goalsCall(m, 0, 0, &reopened)

	rpc.reply(json.RawMessage(`{"goals":[]}`), nil)
	assert.Equal(t, 1, r.calls)
	assert.ErrorIs(t, r.err, ErrSessionClosed)
	assert.Nil(t, r.raw)
	assert.Equal(t, 0, reopened.calls)
}

func TestManager_ConnectTimeout(t *testing.T) {
	m, send, sched := newTestManager(DefaultConfig())
	var r result
	goalsCall(m, 0, 0, &r)
	connect := send.take(t, lsp.MethodRPCConnect)

	sched.tick()
	assert.Equal(t, 1, r.calls)
	assert.ErrorIs(t, r.err, ErrConnectFailed)
	assert.ErrorIs(t, r.err, ErrConnectTimeout)
	assert.Equal(t, StateDisconnected, m.sessions[fooURI].State)

	// The backend answers after giving up; the answer is ignored.
	connect.reply(json.RawMessage(`{"sessionId":"S1"}`), nil)
	assert.Equal(t, StateDisconnected, m.sessions[fooURI].State)
	assert.Equal(t, 0, send.count(lsp.MethodRPCCall))

	var next result
	goalsCall(m, 1, 0, &next)
	assert.Equal(t, 1, send.count(lsp.MethodRPCConnect), "the next call reconnects")
}

func TestManager_QueuedCallsCoalesce(t *testing.T) {
	m, send, _ := newTestManager(DefaultConfig())

	results := make([]result, 200)
	for i := range results {
		goalsCall(m, uint32(i), 0, &results[i])
	}
	var loc result
	m.Call(fooURI, fooURI, protocol.Position{}, lsp.MethodGoToLocation, nil, loc.reply())
	assert.Equal(t, 1, send.count(lsp.MethodRPCConnect), "one connect for every call")

	for i := 0; i < len(results)-1; i++ {
		require.Equal(t, 1, results[i].calls)
		assert.ErrorIs(t, results[i].err, ErrSuperseded)
	}
	assert.Equal(t, 0, results[len(results)-1].calls)

	send.take(t, lsp.MethodRPCConnect).reply(json.RawMessage(`{"sessionId":"S1"}`), nil)
	require.Equal(t, 2, send.count(lsp.MethodRPCCall), "newest goals call and the location call")
	rpc := send.take(t, lsp.MethodRPCCall)
	assert.Equal(t, protocol.Position{Line: 199}, rpc.params.(*callParams).Position)
	assert.Equal(t, lsp.MethodInteractiveGoals, rpc.params.(*callParams).Method)
}

func TestManager_CloseAllStopsKeepAlive(t *testing.T) {
	var transitions []State
	send := &fakeSender{}
	sched := &fakeScheduler{}
	m := NewManager(DefaultConfig(), send, sched, WithStateObserver(func(_ string, _, to State) {
		transitions = append(transitions, to)
	}))

	var r result
	goalsCall(m, 0, 0, &r)
	send.take(t, lsp.MethodRPCConnect).reply(json.RawMessage(`{"sessionId":"S1"}`), nil)
	send.take(t, lsp.MethodRPCCall)

	m.CloseAll()
	assert.Empty(t, m.sessions)
	assert.Equal(t, []State{StateConnecting, StateActive, StateDisconnected}, transitions)

	sched.tick()
	assert.Equal(t, 0, send.count(lsp.MethodRPCKeepAlive))
}

func TestManager_Stats(t *testing.T) {
	m, send, _ := newTestManager(DefaultConfig())
	var a, b result
	m.Call("file:///A.lean", "file:///A.lean", protocol.Position{}, lsp.MethodInteractiveGoals, nil, a.reply())
	m.Call("file:///B.lean", "file:///B.lean", protocol.Position{}, lsp.MethodInteractiveGoals, nil, b.reply())
	send.take(t, lsp.MethodRPCConnect).reply(json.RawMessage(`{"sessionId":"1"}`), nil)

	stats := m.Stats()
	assert.Equal(t, 1, stats[StateActive])
	assert.Equal(t, 1, stats[StateConnecting])
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateDisconnected, "disconnected"},
		{StateConnecting, "connecting"},
		{StateActive, "active"},
		{StateExpired, "expired"},
		{State(42), "unknown(42)"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.state.String())
	}
}
