// Package wal implements the per-partition append-only log: bounded,
// rotated files on disk with an in-memory atomic log buffer in front that
// readers can follow without locks.
package wal

import (
	"github.com/vergedb/verge/pkg/types"
)

// Record is one replicated log payload.
type Record struct {
	Cluster types.ClusterID
	Term    types.TermID
	Msg     []byte
}

// Size is the accounting size of a record inside the buffer: the two
// fixed headers plus the payload.
func (r *Record) Size() int {
	return 16 + len(r.Msg)
}

// LogIterator walks a closed range [from, to] of log records in id order. It is
// finite and non-restartable.
type LogIterator interface {
	Valid() bool
	Next()
	LogID() types.LogID
	Term() types.TermID
	Cluster() types.ClusterID
	// Msg borrows the record payload; it is valid until the next call to
	// Next.
	Msg() []byte
}

// invalidIterator is the empty range.
type invalidIterator struct{}

func (invalidIterator) Valid() bool              { return false }
func (invalidIterator) Next()                    {}
func (invalidIterator) LogID() types.LogID       { return 0 }
func (invalidIterator) Term() types.TermID       { return 0 }
func (invalidIterator) Cluster() types.ClusterID { return 0 }
func (invalidIterator) Msg() []byte              { return nil }
