// Package common contains the transaction core: the write-set buffer, the
// speculative atomic operation, the durable transaction and its recovery.
package common

import (
	"github.com/sharedcode/acid"
)

// ToggleQueue is the write-set buffer: an ordered sequence of pending
// writes that cancels logically-opposing writes to the same topic before
// they ever reach storage. A flip-flopping transaction (ADD X, REMOVE X,
// ADD X, ...) therefore produces a compact durability record and bounded
// commit I/O.
//
// The queue is confined to the atomic operation that owns it; the owner's
// mutex is the synchronization boundary.
type ToggleQueue struct {
	writes []acid.Write
	// last uncommitted position per topic; -1 or absence means none.
	index map[acid.Topic]int
	// topics observed by a read of this operation. An observed toggle is
	// never cancelled, so the applied history stays faithful to what the
	// operation's own reads saw.
	sealed map[acid.Topic]struct{}
}

func NewToggleQueue(capacity int) *ToggleQueue {
	return &ToggleQueue{
		writes: make([]acid.Write, 0, capacity),
		index:  make(map[acid.Topic]int),
		sealed: make(map[acid.Topic]struct{}),
	}
}

// Insert appends w, first attempting cancellation: if the most recent
// uncommitted write on the same (key, record, value) topic is w's exact
// inverse and no read observed it, both are dropped. Returns whether w was
// appended. The whole uncommitted buffer is consulted via the topic index,
// not just the adjacent entry.
func (q *ToggleQueue) Insert(w acid.Write) bool {
	topic := w.Topic()
	if pos, ok := q.index[topic]; ok {
		if _, observed := q.sealed[topic]; !observed && q.writes[pos].IsInverseOf(w) {
			q.removeAt(pos)
			delete(q.index, topic)
			return false
		}
	}
	q.writes = append(q.writes, w)
	q.index[topic] = len(q.writes) - 1
	return true
}

// Writes exposes the buffered entries in insertion order, for commit
// application and serialization.
func (q *ToggleQueue) Writes() []acid.Write {
	return q.writes
}

func (q *ToggleQueue) Len() int {
	return len(q.writes)
}

func (q *ToggleQueue) IsEmpty() bool {
	return len(q.writes) == 0
}

// WritesFor returns the buffered entries affecting (key, record) in order,
// for overlaying reads on top of the destination's view.
func (q *ToggleQueue) WritesFor(key string, record int64) []acid.Write {
	var out []acid.Write
	for _, w := range q.writes {
		if w.Key == key && w.Record == record {
			out = append(out, w)
		}
	}
	return out
}

// WritesForKey returns the buffered entries under key in order.
func (q *ToggleQueue) WritesForKey(key string) []acid.Write {
	var out []acid.Write
	for _, w := range q.writes {
		if w.Key == key {
			out = append(out, w)
		}
	}
	return out
}

// WritesForRecord returns the buffered entries under record in order.
func (q *ToggleQueue) WritesForRecord(record int64) []acid.Write {
	var out []acid.Write
	for _, w := range q.writes {
		if w.Record == record {
			out = append(out, w)
		}
	}
	return out
}

// SealField marks the topics under (key, record) as observed by a read.
func (q *ToggleQueue) SealField(key string, record int64) {
	for topic := range q.index {
		if topic.Key == key && topic.Record == record {
			q.sealed[topic] = struct{}{}
		}
	}
}

// SealKey marks every topic under key as observed.
func (q *ToggleQueue) SealKey(key string) {
	for topic := range q.index {
		if topic.Key == key {
			q.sealed[topic] = struct{}{}
		}
	}
}

// SealRecord marks every topic under record as observed.
func (q *ToggleQueue) SealRecord(record int64) {
	for topic := range q.index {
		if topic.Record == record {
			q.sealed[topic] = struct{}{}
		}
	}
}

// removeAt splices out position pos and repairs the topic index entries
// shifted by the splice.
func (q *ToggleQueue) removeAt(pos int) {
	q.writes = append(q.writes[:pos], q.writes[pos+1:]...)
	for topic, p := range q.index {
		if p > pos {
			q.index[topic] = p - 1
		}
	}
}
