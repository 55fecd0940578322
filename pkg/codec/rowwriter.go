package codec

import (
	"github.com/vergedb/verge/pkg/schema"
	"github.com/vergedb/verge/pkg/status"
	"github.com/vergedb/verge/pkg/types"
)

// RowWriter encodes one row under a schema. Values may be appended in
// schema order or assigned by name; the header width and block offsets are
// computed once at Encode.
type RowWriter struct {
	schema schema.Provider
	values []types.Value
	set    []bool
	cursor int
}

// NewRowWriter creates a writer for the given schema.
func NewRowWriter(sp schema.Provider) *RowWriter {
	return &RowWriter{
		schema: sp,
		values: make([]types.Value, sp.NumFields()),
		set:    make([]bool, sp.NumFields()),
	}
}

// Write appends v at the cursor position.
func (w *RowWriter) Write(v types.Value) error {
	if w.cursor >= w.schema.NumFields() {
		return status.New(status.ErrIndexOutOfRange, "write past column %d", w.cursor)
	}
	w.values[w.cursor] = v
	w.set[w.cursor] = true
	w.cursor++
	return nil
}

// WriteBool and friends are typed conveniences over Write.
func (w *RowWriter) WriteBool(b bool) error      { return w.Write(types.BoolValue(b)) }
func (w *RowWriter) WriteInt(i int64) error      { return w.Write(types.IntValue(i)) }
func (w *RowWriter) WriteFloat(f float32) error  { return w.Write(types.FloatValue(f)) }
func (w *RowWriter) WriteDouble(d float64) error { return w.Write(types.DoubleValue(d)) }
func (w *RowWriter) WriteString(s string) error  { return w.Write(types.StringValue(s)) }
func (w *RowWriter) WriteVid(v int64) error      { return w.Write(types.IntValue(v)) }

// WriteTo assigns a column by name and moves the cursor past it.
func (w *RowWriter) WriteTo(name string, v types.Value) error {
	i := w.schema.FieldIndex(name)
	if i < 0 {
		return status.New(status.ErrNameNotFound, "column %q not in schema", name)
	}
	w.values[i] = v
	w.set[i] = true
	w.cursor = i + 1
	return nil
}

// Skip advances the cursor by n columns, leaving them unset.
func (w *RowWriter) Skip(n int) {
	w.cursor += n
}

// Encode produces the wire form. Every schema column is encoded; unset
// columns take the schema default (typed zero when none). A zero-column
// schema therefore encodes to just the header byte.
func (w *RowWriter) Encode() ([]byte, error) {
	n := w.schema.NumFields()

	var body []byte
	blockStarts := make([]int, 0, numBlockOffsets(n))
	var err error
	for i := 0; i < n; i++ {
		if i > 0 && i%blockSize == 0 {
			blockStarts = append(blockStarts, len(body))
		}
		f := w.schema.Field(i)
		v := w.values[i]
		if !w.set[i] {
			v = defaultFor(f)
		}
		body, err = encodeValue(body, v, f.Type)
		if err != nil {
			return nil, status.New(status.CodeOf(err), "column %q: %v", f.Name, err)
		}
	}

	offsetBytes := occupiedBytes(uint64(len(body)))
	if offsetBytes > offsetBytesMax {
		return nil, status.New(status.ErrBufferOverflow, "row body of %d bytes too large", len(body))
	}

	ver := uint64(w.schema.Version())
	verBytes := 0
	if ver > 0 {
		verBytes = occupiedBytes(ver)
		if verBytes > 3 {
			return nil, status.New(status.ErrBufferOverflow, "schema version %d too large", ver)
		}
	}

	out := make([]byte, 0, 1+verBytes+len(blockStarts)*offsetBytes+len(body))
	out = append(out, byte(verBytes<<verBytesShift)|byte(offsetBytes-1))
	for i := 0; i < verBytes; i++ {
		out = append(out, byte(ver>>(8*i)))
	}
	for _, off := range blockStarts {
		for i := 0; i < offsetBytes; i++ {
			out = append(out, byte(off>>(8*i)))
		}
	}
	return append(out, body...), nil
}
