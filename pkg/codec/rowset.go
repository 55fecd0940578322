package codec

import (
	"encoding/binary"

	"github.com/vergedb/verge/pkg/schema"
	"github.com/vergedb/verge/pkg/status"
)

// RowSetWriter frames encoded rows back to back, each with a uvarint
// length prefix.
type RowSetWriter struct {
	schema schema.Provider
	data   []byte
	rows   int
}

// NewRowSetWriter creates a writer for rows of one schema.
func NewRowSetWriter(sp schema.Provider) *RowSetWriter {
	return &RowSetWriter{schema: sp}
}

// AddEncoded appends an already-encoded row.
func (w *RowSetWriter) AddEncoded(row []byte) {
	w.data = binary.AppendUvarint(w.data, uint64(len(row)))
	w.data = append(w.data, row...)
	w.rows++
}

// AddRow encodes and appends a row writer's current state.
func (w *RowSetWriter) AddRow(rw *RowWriter) error {
	row, err := rw.Encode()
	if err != nil {
		return err
	}
	w.AddEncoded(row)
	return nil
}

// Data returns the framed bytes. The row set owns them.
func (w *RowSetWriter) Data() []byte { return w.data }

// NumRows returns the row count.
func (w *RowSetWriter) NumRows() int { return w.rows }

// Schema returns the row schema.
func (w *RowSetWriter) Schema() schema.Provider { return w.schema }

// RowSetReader iterates framed rows. It is finite and non-restartable over
// a single backing slice; returned readers borrow that slice.
type RowSetReader struct {
	schema schema.Provider
	data   []byte
	pos    int
}

// NewRowSetReader wraps framed row bytes.
func NewRowSetReader(sp schema.Provider, data []byte) *RowSetReader {
	return &RowSetReader{schema: sp, data: data}
}

// Schema returns the row schema.
func (r *RowSetReader) Schema() schema.Provider { return r.schema }

// Next returns the next row, or nil at the end of the set.
func (r *RowSetReader) Next() (*RowReader, error) {
	if r.pos >= len(r.data) {
		return nil, nil
	}
	l, n := binary.Uvarint(r.data[r.pos:])
	if n <= 0 || r.pos+n+int(l) > len(r.data) {
		return nil, status.New(status.ErrIncompatibleType, "row set truncated at byte %d", r.pos)
	}
	row := r.data[r.pos+n : r.pos+n+int(l)]
	r.pos += n + int(l)
	return NewRowReader(row, r.schema, r.schema)
}
