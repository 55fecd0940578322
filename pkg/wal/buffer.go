package wal

import (
	"sync/atomic"

	"github.com/vergedb/verge/pkg/types"
)

// maxNodeLength is how many records one buffer node holds.
const maxNodeLength = 64

// defaultBufferCapacity bounds the total byte size of buffered records.
const defaultBufferCapacity = 8 << 20

// node is one fixed-capacity segment of the buffer chain. The writer
// fills records[0..pos); readers load pos with acquire semantics and never
// touch a slot at or past it. next points toward older nodes.
type node struct {
	firstLogID types.LogID
	records    [maxNodeLength]Record
	pos        atomic.Int32
	deleted    atomic.Bool
	next       atomic.Pointer[node]
	prev       atomic.Pointer[node]
}

func (n *node) full() bool {
	return n.pos.Load() == maxNodeLength
}

// rec returns the record for id, or nil when the node does not hold it.
func (n *node) rec(id types.LogID) *Record {
	idx := id - n.firstLogID
	if idx < 0 || idx >= types.LogID(n.pos.Load()) {
		return nil
	}
	return &n.records[idx]
}

// AtomicLogBuffer keeps the most recent log records in memory. One writer
// pushes strictly increasing log ids; many readers follow the node chain
// through atomically published pointers. A reader that lands on a deleted
// node falls back to the file WAL.
type AtomicLogBuffer struct {
	head     atomic.Pointer[node]
	tail     atomic.Pointer[node]
	size     atomic.Int64
	first    atomic.Int64
	last     atomic.Int64
	capacity int64
}

// NewAtomicLogBuffer creates a buffer bounded at capacity bytes.
func NewAtomicLogBuffer(capacity int64) *AtomicLogBuffer {
	if capacity <= 0 {
		capacity = defaultBufferCapacity
	}
	b := &AtomicLogBuffer{capacity: capacity}
	b.first.Store(-1)
	b.last.Store(-1)
	return b
}

// FirstLogID returns the oldest retained id, or -1 when empty.
func (b *AtomicLogBuffer) FirstLogID() types.LogID {
	return b.first.Load()
}

// LastLogID returns the newest pushed id, or -1 when empty.
func (b *AtomicLogBuffer) LastLogID() types.LogID {
	return b.last.Load()
}

// Push appends a record. Ids must be strictly increasing; after Reset the
// next push starts a fresh chain.
func (b *AtomicLogBuffer) Push(id types.LogID, rec Record) {
	head := b.head.Load()
	if head == nil || head.full() || head.deleted.Load() {
		n := &node{firstLogID: id}
		if head != nil && !head.deleted.Load() {
			n.next.Store(head)
			head.prev.Store(n)
		} else {
			// fresh chain: the old nodes stay visible to existing
			// iterators through their own references until collected
			b.tail.Store(n)
			b.first.Store(id)
		}
		n.records[0] = rec
		n.pos.Store(1)
		b.head.Store(n)
		b.afterPush(id, &rec)
		return
	}
	pos := head.pos.Load()
	head.records[pos] = rec
	head.pos.Store(pos + 1)
	b.afterPush(id, &rec)
}

func (b *AtomicLogBuffer) afterPush(id types.LogID, rec *Record) {
	if b.first.Load() < 0 {
		b.first.Store(id)
	}
	b.last.Store(id)
	newSize := b.size.Add(int64(rec.Size()))
	for newSize > b.capacity {
		tail := b.tail.Load()
		if tail == nil || tail == b.head.Load() {
			break
		}
		var freed int64
		cnt := int(tail.pos.Load())
		for i := 0; i < cnt; i++ {
			freed += int64(tail.records[i].Size())
		}
		tail.deleted.Store(true)
		prev := tail.prev.Load()
		b.tail.Store(prev)
		if prev != nil {
			b.first.Store(prev.firstLogID)
		}
		newSize = b.size.Add(-freed)
	}
}

// Reset marks every node deleted and empties the buffer. Iterators created
// before the reset observe the deleted markers and degrade to the WAL.
func (b *AtomicLogBuffer) Reset() {
	for n := b.head.Load(); n != nil; n = n.next.Load() {
		n.deleted.Store(true)
	}
	b.size.Store(0)
	b.first.Store(-1)
	b.last.Store(-1)
}

// seek returns the node holding id, or nil when the id has been evicted,
// reset away, or never pushed.
func (b *AtomicLogBuffer) seek(id types.LogID) *node {
	if id > b.last.Load() {
		return nil
	}
	for n := b.head.Load(); n != nil; n = n.next.Load() {
		if n.deleted.Load() {
			return nil
		}
		if id >= n.firstLogID {
			if n.rec(id) == nil {
				return nil
			}
			return n
		}
	}
	return nil
}

// BufferIterator walks [from, to] inside the buffer.
type BufferIterator struct {
	buf  *AtomicLogBuffer
	curr *node
	id   types.LogID
	end  types.LogID
	ok   bool
}

// Iterator creates an iterator over [from, min(to, last)]. It is invalid
// when from is ahead of the head or has already been evicted.
func (b *AtomicLogBuffer) Iterator(from, to types.LogID) *BufferIterator {
	it := &BufferIterator{buf: b, id: from, end: to}
	last := b.last.Load()
	if last < 0 || from > last {
		return it
	}
	if it.end > last {
		it.end = last
	}
	it.curr = b.seek(from)
	it.ok = it.curr != nil && from <= it.end
	return it
}

func (it *BufferIterator) Valid() bool {
	if it.ok && it.curr.deleted.Load() {
		it.ok = false
	}
	return it.ok
}

func (it *BufferIterator) Next() {
	if !it.ok {
		return
	}
	it.id++
	if it.id > it.end {
		it.ok = false
		return
	}
	if it.curr.rec(it.id) != nil {
		return
	}
	// the next id lives in a newer node: walk toward the head
	prev := it.curr.prev.Load()
	if prev == nil || prev.deleted.Load() || prev.rec(it.id) == nil {
		it.ok = false
		return
	}
	it.curr = prev
}

func (it *BufferIterator) record() *Record {
	if !it.ok {
		return nil
	}
	// slots are never rewritten once published, so a node deleted after
	// Valid still holds the record Valid vouched for
	return it.curr.rec(it.id)
}

func (it *BufferIterator) LogID() types.LogID { return it.id }

func (it *BufferIterator) Term() types.TermID {
	if r := it.record(); r != nil {
		return r.Term
	}
	return 0
}

func (it *BufferIterator) Cluster() types.ClusterID {
	if r := it.record(); r != nil {
		return r.Cluster
	}
	return 0
}

func (it *BufferIterator) Msg() []byte {
	if r := it.record(); r != nil {
		return r.Msg
	}
	return nil
}
