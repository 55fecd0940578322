package wal

import (
	"fmt"
	"os"
	"sync"

	"github.com/vergedb/verge/pkg/types"
)

// Options tunes one partition's log.
type Options struct {
	// MaxSegmentSize bounds one on-disk file before rotation.
	MaxSegmentSize int64
	// BufferCapacity bounds the in-memory buffer in bytes.
	BufferCapacity int64
	// Sync forces an fsync after every appended record.
	Sync bool
}

// Wal is one partition's write-ahead log: the durable segment files plus
// the atomic in-memory buffer in front of them. Reads prefer the buffer
// and degrade to the files when the range has been evicted.
//
// Appends are serialized by the owning partition; iterators are safe from
// any goroutine.
type Wal struct {
	mu   sync.Mutex
	file *fileWal
	buf  *AtomicLogBuffer
	opts Options
}

// Open creates or recovers a partition log under dir.
func Open(dir string, opts Options) (*Wal, error) {
	fw, err := openFileWal(dir, opts.MaxSegmentSize)
	if err != nil {
		return nil, err
	}
	return &Wal{
		file: fw,
		buf:  NewAtomicLogBuffer(opts.BufferCapacity),
		opts: opts,
	}, nil
}

// FirstLogID returns the oldest durable id, or -1 when empty.
func (w *Wal) FirstLogID() types.LogID {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.firstID
}

// LastLogID returns the newest id, or -1 when empty.
func (w *Wal) LastLogID() types.LogID {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.lastID
}

// LastLogTerm returns the term of the newest record.
func (w *Wal) LastLogTerm() types.TermID {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.lastTerm
}

// Append writes one record durably and publishes it to the buffer.
func (w *Wal) Append(id types.LogID, term types.TermID, cluster types.ClusterID, msg []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.file.AppendRecord(id, term, cluster, msg); err != nil {
		return err
	}
	if w.opts.Sync {
		if err := w.file.Sync(); err != nil {
			return err
		}
	}
	w.buf.Push(id, Record{Cluster: cluster, Term: term, Msg: msg})
	return nil
}

// AppendBatch drains an iterator into the log.
func (w *Wal) AppendBatch(it LogIterator) error {
	for ; it.Valid(); it.Next() {
		msg := make([]byte, len(it.Msg()))
		copy(msg, it.Msg())
		if err := w.Append(it.LogID(), it.Term(), it.Cluster(), msg); err != nil {
			return err
		}
	}
	return nil
}

// TermAt returns the term of a stored record, or -1 when absent.
func (w *Wal) TermAt(id types.LogID) types.TermID {
	it := w.Iterator(id, id)
	if fit, ok := it.(*fileIterator); ok {
		defer fit.close()
	}
	if !it.Valid() {
		return -1
	}
	return it.Term()
}

// Iterator walks [from, to], preferring the buffer.
func (w *Wal) Iterator(from, to types.LogID) LogIterator {
	if bufIt := w.buf.Iterator(from, to); bufIt.Valid() {
		return bufIt
	}
	w.mu.Lock()
	files := make([]fileInfo, len(w.file.files))
	copy(files, w.file.files)
	last := w.file.lastID
	w.mu.Unlock()
	if to > last {
		to = last
	}
	if from > to {
		return invalidIterator{}
	}
	it, err := newFileIterator(files, from, to)
	if err != nil {
		return invalidIterator{}
	}
	return it
}

// RollbackTo discards every record after id.
func (w *Wal) RollbackTo(id types.LogID) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.file.RollbackTo(id); err != nil {
		return err
	}
	// buffered suffix is now stale; readers degrade to the files
	w.buf.Reset()
	return nil
}

// TruncateBefore drops whole segments older than the snapshot frontier.
func (w *Wal) TruncateBefore(id types.LogID) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.TruncateBefore(id)
}

// ResetAll discards the whole log, files and buffer both. Used when a
// snapshot replaces the entire local prefix.
func (w *Wal) ResetAll() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.file.rotate(); err != nil {
		return err
	}
	for _, fi := range w.file.files {
		if err := os.Remove(fi.path); err != nil {
			return fmt.Errorf("drop wal segment: %w", err)
		}
	}
	w.file.files = nil
	w.file.firstID = -1
	w.file.lastID = -1
	w.file.lastTerm = 0
	w.buf.Reset()
	return nil
}

// Close flushes and closes the active segment.
func (w *Wal) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}
