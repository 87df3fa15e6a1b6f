// Package session manages the Lean RPC side channel, one session per open
// document.
//
// A Manager is driven entirely from the router loop: requests go out through a
// Sender, replies and timer ticks come back as calls on that same loop, so
// no state here is ever touched concurrently.
//
// State machine:
//
//	Disconnected ──connect──▶ Connecting ──ok──▶ Active ──no ack──▶ Expired
//	      ▲                       │                 │                 │
//	      └──────── failure ──────┘◀── close/loss ──┴─────────────────┘
//
// A call issued while Disconnected or Expired reconnects first; callers never
// see expiry.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// State is the lifecycle state of a Session.
type State int

const (
	// StateDisconnected means no backend session exists.
	StateDisconnected State = iota
	// StateConnecting means a connect request is in flight.
	StateConnecting
	// StateActive means the session id is usable and keep-alives are running.
	StateActive
	// StateExpired means the backend has likely dropped the session.
	StateExpired
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateExpired:
		return "expired"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// Errors returned to call replies.
var (
	// ErrSessionClosed is returned for calls pending when their session closed.
	ErrSessionClosed = errors.New("rpc session closed")

	// ErrConnectFailed is returned when the backend refuses a session.
	ErrConnectFailed = errors.New("rpc connect failed")

	// ErrConnectTimeout is wrapped by ErrConnectFailed when the backend does
	// not answer a connect within one keep-alive interval.
	ErrConnectTimeout = errors.New("rpc connect timed out")

	// ErrSuperseded is returned for a queued call replaced by a newer call
	// for the same method.
	ErrSuperseded = errors.New("rpc call superseded")
)

// Reply receives the result of a call exactly once.
type Reply func(result json.RawMessage, err error)

// Sender issues requests and notifications on the backend connection. Request
// replies must be delivered on the caller's loop.
type Sender interface {
	Request(method string, params any, reply Reply) error
	Notify(method string, params any) error
}

// Timer is a stoppable scheduled callback.
type Timer interface {
	Stop() bool
}

// Scheduler runs f on the caller's loop after d.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

// KeepAliveMode selects how keep-alives are sent.
type KeepAliveMode string

const (
	// KeepAliveRequest sends the keep-alive notification followed by a
	// request whose reply is the acknowledgment.
	KeepAliveRequest KeepAliveMode = "request"
	// KeepAliveNotification sends keep-alives as notifications, as Lean
	// clients do. Expiry is then only detected from call errors.
	KeepAliveNotification KeepAliveMode = "notification"
)

// Config configures a Manager.
type Config struct {
	// KeepAliveInterval is the period between keep-alives. It also bounds
	// how long a connect may stay unanswered.
	KeepAliveInterval time.Duration

	// KeepAliveMode selects request or notification keep-alives.
	KeepAliveMode KeepAliveMode
}

// DefaultConfig returns the default session configuration.
func DefaultConfig() Config {
	return Config{
		KeepAliveInterval: 20 * time.Second,
		KeepAliveMode:     KeepAliveRequest,
	}
}

// Session is the side-channel handle for one document.
type Session struct {
	// URI is the document URI as the editor sent it.
	URI string
	// Key is the normalized document identity.
	Key string

	State        State
	ID           string
	LastActivity time.Time
	Calls        uint64

	// gen changes on every connect and close so that replies belonging to a
	// previous incarnation are recognized.
	gen         uint64
	timer       Timer
	awaitingAck bool
	queue       []*call
}
