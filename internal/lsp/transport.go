package lsp

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
)

// MaxFrameSize bounds the body of a single frame.
const MaxFrameSize = 256 << 20

// Reader reads Content-Length framed messages from a byte stream.
// Bodies are returned exactly as received.
type Reader struct {
	reader *bufio.Reader
}

// NewReader creates a frame reader over r.
func NewReader(r io.Reader) *Reader {
	return &Reader{reader: bufio.NewReaderSize(r, 64*1024)}
}

// Read reads a single frame body.
//
// It returns io.EOF when the stream ends cleanly between frames. A frame with
// an unusable header yields an error wrapping ErrMalformedFrame; the stream is
// still positioned after that header, so callers may keep reading.
func (r *Reader) Read() ([]byte, error) {
	contentLength := -1
	sawHeader := false
	for {
		line, err := r.reader.ReadString('\n')
		if err != nil {
			if err == io.EOF && !sawHeader && line == "" {
				return nil, io.EOF
			}
			if err == io.EOF {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			if !sawHeader {
				// Stray blank line between frames.
				continue
			}
			break
		}
		sawHeader = true
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(name), "content-length") {
			n, err := strconv.Atoi(strings.TrimSpace(value))
			if err == nil {
				contentLength = n
			}
		}
		// Content-Type and unknown headers are ignored.
	}

	if contentLength < 0 {
		return nil, fmt.Errorf("%w: missing Content-Length header", ErrMalformedFrame)
	}
	if contentLength > MaxFrameSize {
		return nil, fmt.Errorf("%w: body of %d bytes", ErrFrameTooLarge, contentLength)
	}

	body := make([]byte, contentLength)
	if _, err := io.ReadFull(r.reader, body); err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

// WriteFrame writes body with an LSP content-length header.
func WriteFrame(w io.Writer, body []byte) error {
	header := "Content-Length: " + strconv.Itoa(len(body)) + "\r\n\r\n"
	if _, err := io.WriteString(w, header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("write body: %w", err)
	}
	return nil
}

// Outbox is an unbounded outbound frame queue drained by a single writer.
//
// Send never blocks, so an event loop can hand frames to a slow peer without
// stalling. Frames are written in the order they were sent.
type Outbox struct {
	w io.Writer

	mu     sync.Mutex
	queue  [][]byte
	closed bool

	wake chan struct{}
}

// NewOutbox creates an outbox writing frames to w.
func NewOutbox(w io.Writer) *Outbox {
	return &Outbox{
		w:    w,
		wake: make(chan struct{}, 1),
	}
}

// Send queues a frame body. It returns false once the outbox is closed or
// the writer has failed.
func (o *Outbox) Send(body []byte) bool {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return false
	}
	o.queue = append(o.queue, body)
	o.mu.Unlock()

	select {
	case o.wake <- struct{}{}:
	default:
	}
	return true
}

// Len returns the number of frames waiting to be written.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue)
}

// Close stops accepting frames. Frames already queued are still written.
func (o *Outbox) Close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// Run writes queued frames until the outbox is closed and drained, the
// context is cancelled, or a write fails.
func (o *Outbox) Run(ctx context.Context) error {
	for {
		o.mu.Lock()
		batch := o.queue
		o.queue = nil
		closed := o.closed
		o.mu.Unlock()

		for _, body := range batch {
			if err := WriteFrame(o.w, body); err != nil {
				o.fail()
				return err
			}
		}

		if len(batch) > 0 {
			continue
		}
		if closed {
			return nil
		}

		select {
		case <-o.wake:
		case <-ctx.Done():
			o.fail()
			return ctx.Err()
		}
	}
}

func (o *Outbox) fail() {
	o.mu.Lock()
	o.closed = true
	o.queue = nil
	o.mu.Unlock()
}
