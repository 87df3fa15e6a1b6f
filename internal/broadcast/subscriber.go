package broadcast

import (
	"bufio"
	"errors"
	"net"
	"sync"
	"time"
)

// maxCommandLine bounds a single command line from a client.
const maxCommandLine = 1 << 20

type subscriber struct {
	id   string
	conn net.Conn
	b    *Broadcaster

	mu    sync.Mutex
	queue queue

	// lastSent is owned by the writer goroutine.
	lastSent map[string]uint64

	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func newSubscriber(id string, conn net.Conn, b *Broadcaster) *subscriber {
	return &subscriber{
		id:       id,
		conn:     conn,
		b:        b,
		lastSent: make(map[string]uint64),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

func (s *subscriber) push(e entry, capacity int) pushResult {
	s.mu.Lock()
	res := s.queue.push(e, capacity)
	s.mu.Unlock()

	if res != pushOverflow {
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
	return res
}

func (s *subscriber) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

// next blocks until an entry is queued or the subscriber is closed.
func (s *subscriber) next() (entry, bool) {
	for {
		s.mu.Lock()
		e, ok := s.queue.pop()
		s.mu.Unlock()
		if ok {
			return e, true
		}

		select {
		case <-s.wake:
		case <-s.done:
			return entry{}, false
		}
	}
}

func (s *subscriber) writeLoop() {
	defer s.b.wg.Done()

	for {
		e, ok := s.next()
		if !ok {
			return
		}

		switch e.kind {
		case entrySnapshot:
			// Per-document delivery never goes backwards.
			if e.version <= s.lastSent[e.key] {
				continue
			}
			s.lastSent[e.key] = e.version
		case entryControl:
			if e.key != "" {
				delete(s.lastSent, e.key)
			}
		}

		if s.b.writeTimeout > 0 {
			s.conn.SetWriteDeadline(time.Now().Add(s.b.writeTimeout))
		}
		if _, err := s.conn.Write(e.line); err != nil {
			s.b.remove(s, err)
			return
		}
	}
}

func (s *subscriber) readLoop() {
	defer s.b.wg.Done()

	scanner := bufio.NewScanner(s.conn)
	scanner.Buffer(make([]byte, 0, 4096), maxCommandLine)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		cmd, err := ParseCommand(line)
		if err != nil {
			log.Warningf("subscriber %s: %s", s.id, err.Error())
			continue
		}
		cmd.Subscriber = s.id
		if s.b.onCommand != nil {
			s.b.onCommand(cmd)
		}
	}

	// End of input ends the subscription, so a client that only listens
	// must keep its write side open.
	err := scanner.Err()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	s.b.remove(s, err)
}
