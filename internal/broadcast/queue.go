package broadcast

type entryKind int

const (
	entrySnapshot entryKind = iota
	entryCursor
	entryControl
)

type entry struct {
	kind    entryKind
	key     string
	version uint64
	line    []byte
}

type pushResult int

const (
	pushed pushResult = iota
	pushCoalesced
	pushOverflow
)

// queue is a bounded FIFO of encoded lines with per-document coalescing.
// It is guarded by its subscriber's mutex.
type queue struct {
	entries []entry
}

func (q *queue) len() int {
	return len(q.entries)
}

func (q *queue) pop() (entry, bool) {
	if len(q.entries) == 0 {
		return entry{}, false
	}
	e := q.entries[0]
	q.entries[0] = entry{}
	q.entries = q.entries[1:]
	return e, true
}

// push adds e, keeping at most capacity entries. When full, the oldest
// queued snapshot of the same document is dropped in favour of e; failing
// that, the queue is compacted to one snapshot per document. pushOverflow
// means e still did not fit and the subscriber must be dropped.
func (q *queue) push(e entry, capacity int) pushResult {
	result := pushed

	switch e.kind {
	case entryCursor:
		if q.removeFirst(func(x entry) bool { return x.kind == entryCursor }) {
			result = pushCoalesced
		}
	case entryControl:
		if q.removeAll(func(x entry) bool { return x.kind == entrySnapshot && x.key == e.key }) {
			result = pushCoalesced
		}
	case entrySnapshot:
		if len(q.entries) >= capacity {
			if q.removeFirst(func(x entry) bool { return x.kind == entrySnapshot && x.key == e.key }) {
				result = pushCoalesced
			}
		}
	}

	if len(q.entries) >= capacity {
		q.compact()
		result = pushCoalesced
		if len(q.entries) >= capacity {
			return pushOverflow
		}
	}

	q.entries = append(q.entries, e)
	return result
}

// compact keeps only the newest snapshot per document and the newest cursor.
func (q *queue) compact() {
	newest := make(map[string]int)
	cursor := -1
	for i, e := range q.entries {
		switch e.kind {
		case entrySnapshot:
			newest[e.key] = i
		case entryCursor:
			cursor = i
		}
	}

	kept := q.entries[:0]
	for i, e := range q.entries {
		switch e.kind {
		case entrySnapshot:
			if newest[e.key] != i {
				continue
			}
		case entryCursor:
			if cursor != i {
				continue
			}
		}
		kept = append(kept, e)
	}
	for i := len(kept); i < len(q.entries); i++ {
		q.entries[i] = entry{}
	}
	q.entries = kept
}

func (q *queue) removeFirst(match func(entry) bool) bool {
	for i, e := range q.entries {
		if match(e) {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return true
		}
	}
	return false
}

func (q *queue) removeAll(match func(entry) bool) bool {
	kept := q.entries[:0]
	removed := false
	for _, e := range q.entries {
		if match(e) {
			removed = true
			continue
		}
		kept = append(kept, e)
	}
	q.entries = kept
	return removed
}
