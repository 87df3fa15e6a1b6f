package tracker

import "time"

// DefaultDebounce is the default live-typing debounce window.
const DefaultDebounce = 150 * time.Millisecond

// Debouncer collapses bursts of edit cursors per document to the latest one.
//
// A burst starts with the first Offer for a document and lasts one window;
// the caller arms a timer when Offer says so and calls Fire with the returned
// burst token when it expires. Positions within the burst are never queued,
// only the latest is kept. Debouncer is not safe for concurrent use.
type Debouncer struct {
	window  time.Duration
	next    uint64
	pending map[string]*burst
}

type burst struct {
	token  uint64
	cursor Cursor
}

// NewDebouncer creates a debouncer with the given window.
func NewDebouncer(window time.Duration) *Debouncer {
	if window < 0 {
		window = 0
	}
	return &Debouncer{
		window:  window,
		pending: make(map[string]*burst),
	}
}

// Window returns the current debounce window.
func (d *Debouncer) Window() time.Duration {
	return d.window
}

// SetWindow changes the window for bursts started afterwards.
func (d *Debouncer) SetWindow(window time.Duration) {
	if window < 0 {
		window = 0
	}
	d.window = window
}

// Offer records c as the latest cursor for its document. When c starts a new
// burst it returns the burst token and true; the caller must then call Fire
// with that token after Window.
func (d *Debouncer) Offer(c Cursor) (uint64, bool) {
	if b, ok := d.pending[c.Key]; ok {
		b.cursor = c
		return b.token, false
	}
	d.next++
	d.pending[c.Key] = &burst{token: d.next, cursor: c}
	return d.next, true
}

// Fire ends the burst identified by key and token and returns its latest
// cursor. Tokens of cancelled or already fired bursts return false.
func (d *Debouncer) Fire(key string, token uint64) (Cursor, bool) {
	b, ok := d.pending[key]
	if !ok || b.token != token {
		return Cursor{}, false
	}
	delete(d.pending, key)
	return b.cursor, true
}

// Cancel discards any pending burst for key.
func (d *Debouncer) Cancel(key string) bool {
	if _, ok := d.pending[key]; !ok {
		return false
	}
	delete(d.pending, key)
	return true
}

// Pending returns the number of documents with an open burst.
func (d *Debouncer) Pending() int {
	return len(d.pending)
}
