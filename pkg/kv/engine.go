// Package kv is the multi-space key-value façade: an LSM engine per space
// with raft-replicated partitions on top. Mutations travel through each
// partition's raft group as encoded atomic batches; the commit callback
// applies them to the engine.
package kv

import (
	"encoding/binary"

	"github.com/vergedb/verge/pkg/status"
)

// OpKind discriminates batch operations.
type OpKind uint8

const (
	OpPut OpKind = iota + 1
	OpRemove
	OpRemoveRange
)

// Op is one mutation inside an atomic batch. For OpRemoveRange, Key is
// the start and Value the exclusive end.
type Op struct {
	Kind  OpKind
	Key   []byte
	Value []byte
}

// Batch is the unit of consistency: all operations of one batch apply to
// one partition atomically, or not at all.
type Batch struct {
	ops []Op
}

// NewBatch creates an empty batch.
func NewBatch() *Batch { return &Batch{} }

// Put queues a write.
func (b *Batch) Put(key, value []byte) *Batch {
	b.ops = append(b.ops, Op{Kind: OpPut, Key: key, Value: value})
	return b
}

// Remove queues a point delete.
func (b *Batch) Remove(key []byte) *Batch {
	b.ops = append(b.ops, Op{Kind: OpRemove, Key: key})
	return b
}

// RemoveRange queues a delete of [start, end).
func (b *Batch) RemoveRange(start, end []byte) *Batch {
	b.ops = append(b.ops, Op{Kind: OpRemoveRange, Key: start, Value: end})
	return b
}

// Len returns the operation count.
func (b *Batch) Len() int { return len(b.ops) }

// Ops exposes the queued operations.
func (b *Batch) Ops() []Op { return b.ops }

// Encode packs the batch for the raft log.
func (b *Batch) Encode() []byte {
	var out []byte
	for _, op := range b.ops {
		out = append(out, byte(op.Kind))
		out = binary.AppendUvarint(out, uint64(len(op.Key)))
		out = append(out, op.Key...)
		out = binary.AppendUvarint(out, uint64(len(op.Value)))
		out = append(out, op.Value...)
	}
	return out
}

// DecodeBatch unpacks a raft log payload.
func DecodeBatch(data []byte) (*Batch, error) {
	b := NewBatch()
	pos := 0
	for pos < len(data) {
		kind := OpKind(data[pos])
		pos++
		kl, n := binary.Uvarint(data[pos:])
		if n <= 0 || pos+n+int(kl) > len(data) {
			return nil, status.New(status.ErrBufferOverflow, "corrupt batch at byte %d", pos)
		}
		pos += n
		key := data[pos : pos+int(kl)]
		pos += int(kl)
		vl, n := binary.Uvarint(data[pos:])
		if n <= 0 || pos+n+int(vl) > len(data) {
			return nil, status.New(status.ErrBufferOverflow, "corrupt batch at byte %d", pos)
		}
		pos += n
		val := data[pos : pos+int(vl)]
		pos += int(vl)
		b.ops = append(b.ops, Op{Kind: kind, Key: key, Value: val})
	}
	return b, nil
}

// Engine is one space's storage backend. Implementations must support
// concurrent readers with a single writer per partition (the raft apply
// path).
type Engine interface {
	Get(key []byte) ([]byte, error)
	MultiGet(keys [][]byte) ([][]byte, error)
	Put(key, value []byte) error
	Remove(key []byte) error
	RemoveRange(start, end []byte) error
	// Prefix streams key/value pairs under prefix in key order. The
	// callback borrows both slices; returning an error stops the scan.
	Prefix(prefix []byte, fn func(key, value []byte) error) error
	// Range streams [start, end) in key order.
	Range(start, end []byte, fn func(key, value []byte) error) error
	// ApplyBatch applies every op atomically.
	ApplyBatch(b *Batch) error
	Flush() error
	Compact() error
	Close() error
}
