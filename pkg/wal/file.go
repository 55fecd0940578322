package wal

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/vergedb/verge/pkg/types"
)

// frameFixed is the byte size of the fixed part of one on-disk record: term, log id and
// cluster id, little-endian, followed by the payload. The frame itself is
// prefixed with a uvarint of the body length.
const frameFixed = 24

const walSuffix = ".wal"

// fileInfo describes one rotated segment. Segments are named after their
// first log id.
type fileInfo struct {
	path    string
	firstID types.LogID
	lastID  types.LogID
	size    int64
}

// fileWal is the durable half of the log: bounded, sequentially numbered
// segment files. The current segment is appended until it crosses
// maxFileSize, then rotated.
type fileWal struct {
	dir         string
	maxFileSize int64

	files   []fileInfo
	curr    *os.File
	written int64

	firstID  types.LogID
	lastID   types.LogID
	lastTerm types.TermID
}

func openFileWal(dir string, maxFileSize int64) (*fileWal, error) {
	if maxFileSize <= 0 {
		maxFileSize = 16 << 20
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create wal dir: %w", err)
	}
	w := &fileWal{dir: dir, maxFileSize: maxFileSize, firstID: -1, lastID: -1}
	if err := w.scan(); err != nil {
		return nil, err
	}
	return w, nil
}

// scan rebuilds segment metadata from disk on open.
func (w *fileWal) scan() error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("read wal dir: %w", err)
	}
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, walSuffix) {
			continue
		}
		first, err := strconv.ParseInt(strings.TrimSuffix(name, walSuffix), 10, 64)
		if err != nil {
			continue
		}
		path := filepath.Join(w.dir, name)
		last, size, err := scanSegment(path, first)
		if err != nil {
			return err
		}
		w.files = append(w.files, fileInfo{path: path, firstID: first, lastID: last, size: size})
	}
	sort.Slice(w.files, func(i, j int) bool { return w.files[i].firstID < w.files[j].firstID })
	if len(w.files) > 0 {
		w.firstID = w.files[0].firstID
		last := w.files[len(w.files)-1]
		w.lastID = last.lastID
		// recover the term of the newest record
		it, err := newFileIterator(w.files[len(w.files)-1:], w.lastID, w.lastID)
		if err != nil {
			return err
		}
		if it.Valid() {
			w.lastTerm = it.Term()
		}
		it.close()
	}
	return nil
}

// scanSegment walks a segment once, returning its last id and valid size.
func scanSegment(path string, first types.LogID) (types.LogID, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, fmt.Errorf("open wal segment: %w", err)
	}
	defer f.Close()
	r := &frameReader{r: f}
	last := first - 1
	var size int64
	for {
		_, id, _, _, n, err := r.next()
		if err == io.EOF {
			return last, size, nil
		}
		if err != nil {
			// a torn tail from a crash: keep the valid prefix
			return last, size, nil
		}
		last = id
		size += n
	}
}

func segmentName(first types.LogID) string {
	return fmt.Sprintf("%019d%s", first, walSuffix)
}

// AppendRecord writes one framed record, rotating first when the current
// segment is over the size bound.
func (w *fileWal) AppendRecord(id types.LogID, term types.TermID, cluster types.ClusterID, msg []byte) error {
	if w.lastID >= 0 && id != w.lastID+1 {
		return fmt.Errorf("out of order wal append: got %d, want %d", id, w.lastID+1)
	}
	if w.curr != nil && w.written >= w.maxFileSize {
		if err := w.rotate(); err != nil {
			return err
		}
	}
	if w.curr == nil {
		path := filepath.Join(w.dir, segmentName(id))
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("create wal segment: %w", err)
		}
		w.curr = f
		w.written = 0
		w.files = append(w.files, fileInfo{path: path, firstID: id, lastID: id - 1})
	}

	frame := make([]byte, 0, binary.MaxVarintLen32+frameFixed+len(msg))
	frame = binary.AppendUvarint(frame, uint64(frameFixed+len(msg)))
	frame = binary.LittleEndian.AppendUint64(frame, uint64(term))
	frame = binary.LittleEndian.AppendUint64(frame, uint64(id))
	frame = binary.LittleEndian.AppendUint64(frame, uint64(cluster))
	frame = append(frame, msg...)
	if _, err := w.curr.Write(frame); err != nil {
		return fmt.Errorf("append wal record: %w", err)
	}
	w.written += int64(len(frame))
	last := &w.files[len(w.files)-1]
	last.lastID = id
	last.size += int64(len(frame))
	if w.firstID < 0 {
		w.firstID = id
	}
	w.lastID = id
	w.lastTerm = term
	return nil
}

func (w *fileWal) rotate() error {
	if w.curr == nil {
		return nil
	}
	if err := w.curr.Sync(); err != nil {
		return fmt.Errorf("sync wal segment: %w", err)
	}
	if err := w.curr.Close(); err != nil {
		return fmt.Errorf("close wal segment: %w", err)
	}
	w.curr = nil
	w.written = 0
	return nil
}

// Sync flushes the current segment.
func (w *fileWal) Sync() error {
	if w.curr == nil {
		return nil
	}
	return w.curr.Sync()
}

// TruncateBefore drops whole segments whose records all precede id. Used
// once a snapshot covering them is durable on every voter.
func (w *fileWal) TruncateBefore(id types.LogID) error {
	kept := w.files[:0]
	for i, fi := range w.files {
		// never drop the active tail segment
		if fi.lastID < id && i < len(w.files)-1 {
			if err := os.Remove(fi.path); err != nil {
				return fmt.Errorf("drop wal segment: %w", err)
			}
			continue
		}
		kept = append(kept, fi)
	}
	w.files = kept
	if len(w.files) > 0 {
		w.firstID = w.files[0].firstID
	}
	return nil
}

// RollbackTo discards every record after id, keeping id itself. The raft
// layer uses it when a divergent suffix must be replaced.
func (w *fileWal) RollbackTo(id types.LogID) error {
	if err := w.rotate(); err != nil {
		return err
	}
	kept := w.files[:0]
	for _, fi := range w.files {
		switch {
		case fi.firstID > id:
			if err := os.Remove(fi.path); err != nil {
				return fmt.Errorf("drop wal segment: %w", err)
			}
		case fi.lastID > id:
			if err := truncateSegment(&fi, id); err != nil {
				return err
			}
			kept = append(kept, fi)
		default:
			kept = append(kept, fi)
		}
	}
	w.files = kept
	w.lastID = id
	if len(w.files) == 0 {
		w.firstID = -1
		w.lastID = -1
		w.lastTerm = 0
		return nil
	}
	// recover the term at the new tail
	it, err := newFileIterator(w.files[len(w.files)-1:], id, id)
	if err != nil {
		return err
	}
	defer it.close()
	if it.Valid() {
		w.lastTerm = it.Term()
	}
	return nil
}

// truncateSegment rewrites a segment keeping records up to and including id.
func truncateSegment(fi *fileInfo, id types.LogID) error {
	f, err := os.Open(fi.path)
	if err != nil {
		return fmt.Errorf("open wal segment: %w", err)
	}
	r := &frameReader{r: f}
	var keep int64
	last := fi.firstID - 1
	for {
		_, recID, _, _, n, err := r.next()
		if err != nil || recID > id {
			break
		}
		keep += n
		last = recID
	}
	f.Close()
	if err := os.Truncate(fi.path, keep); err != nil {
		return fmt.Errorf("truncate wal segment: %w", err)
	}
	fi.lastID = last
	fi.size = keep
	return nil
}

func (w *fileWal) Close() error {
	return w.rotate()
}

// frameReader decodes frames from a sequential reader.
type frameReader struct {
	r   io.Reader
	buf []byte
}

// next returns (term, id, cluster, msg, frameBytes, err).
func (fr *frameReader) next() (types.TermID, types.LogID, types.ClusterID, []byte, int64, error) {
	var lenBuf [binary.MaxVarintLen32]byte
	i := 0
	for {
		if _, err := io.ReadFull(fr.r, lenBuf[i:i+1]); err != nil {
			if i == 0 {
				return 0, 0, 0, nil, 0, io.EOF
			}
			return 0, 0, 0, nil, 0, err
		}
		if lenBuf[i] < 0x80 {
			break
		}
		i++
		if i >= len(lenBuf) {
			return 0, 0, 0, nil, 0, fmt.Errorf("corrupt wal frame length")
		}
	}
	bodyLen, n := binary.Uvarint(lenBuf[:i+1])
	if n <= 0 || bodyLen < frameFixed {
		return 0, 0, 0, nil, 0, fmt.Errorf("corrupt wal frame")
	}
	if cap(fr.buf) < int(bodyLen) {
		fr.buf = make([]byte, bodyLen)
	}
	body := fr.buf[:bodyLen]
	if _, err := io.ReadFull(fr.r, body); err != nil {
		return 0, 0, 0, nil, 0, err
	}
	term := types.TermID(binary.LittleEndian.Uint64(body))
	id := types.LogID(binary.LittleEndian.Uint64(body[8:]))
	cluster := types.ClusterID(binary.LittleEndian.Uint64(body[16:]))
	return term, id, cluster, body[frameFixed:], int64(i+1) + int64(bodyLen), nil
}

// fileIterator walks [from, to] across segments.
type fileIterator struct {
	files []fileInfo
	idx   int
	f     *os.File
	fr    *frameReader

	from, to types.LogID
	ok       bool

	term    types.TermID
	id      types.LogID
	cluster types.ClusterID
	msg     []byte
}

func newFileIterator(files []fileInfo, from, to types.LogID) (*fileIterator, error) {
	it := &fileIterator{files: files, from: from, to: to, id: from - 1}
	// skip segments entirely before from
	for it.idx < len(files) && files[it.idx].lastID < from {
		it.idx++
	}
	it.ok = it.idx < len(files) && from >= files[it.idx].firstID
	if it.ok {
		it.advance()
	}
	return it, nil
}

// advance reads frames until the next id in range, or invalidates.
func (it *fileIterator) advance() {
	want := it.id + 1
	if want < it.from {
		want = it.from
	}
	if want > it.to {
		it.invalidate()
		return
	}
	for {
		if it.fr == nil {
			if it.idx >= len(it.files) {
				it.invalidate()
				return
			}
			f, err := os.Open(it.files[it.idx].path)
			if err != nil {
				it.invalidate()
				return
			}
			it.f = f
			it.fr = &frameReader{r: f}
		}
		term, id, cluster, msg, _, err := it.fr.next()
		if err != nil {
			it.f.Close()
			it.f, it.fr = nil, nil
			it.idx++
			continue
		}
		if id < want {
			continue
		}
		if id != want {
			it.invalidate()
			return
		}
		it.term, it.id, it.cluster = term, id, cluster
		it.msg = append(it.msg[:0], msg...)
		return
	}
}

func (it *fileIterator) invalidate() {
	it.ok = false
	if it.f != nil {
		it.f.Close()
		it.f, it.fr = nil, nil
	}
}

func (it *fileIterator) close() { it.invalidate() }

func (it *fileIterator) Valid() bool { return it.ok }

func (it *fileIterator) Next() {
	if !it.ok {
		return
	}
	it.advance()
}

func (it *fileIterator) LogID() types.LogID       { return it.id }
func (it *fileIterator) Term() types.TermID       { return it.term }
func (it *fileIterator) Cluster() types.ClusterID { return it.cluster }
func (it *fileIterator) Msg() []byte              { return it.msg }
