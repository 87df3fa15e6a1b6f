package broadcast

import "errors"

var (
	// ErrClosed indicates the broadcaster has been closed.
	ErrClosed = errors.New("broadcaster closed")

	// ErrSocketInUse indicates another process is serving the socket path.
	ErrSocketInUse = errors.New("socket already in use")

	// ErrQueueOverflow is the reason a subscriber is evicted.
	ErrQueueOverflow = errors.New("subscriber queue overflow")

	// ErrBadCommand indicates an unparseable client command.
	ErrBadCommand = errors.New("bad command")
)
