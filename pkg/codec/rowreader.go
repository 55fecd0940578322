package codec

import (
	"github.com/vergedb/verge/pkg/schema"
	"github.com/vergedb/verge/pkg/status"
	"github.com/vergedb/verge/pkg/types"
)

// RowReader decodes one row. The reader borrows the byte slice; it owns
// nothing and must not outlive the buffer (typically the enclosing
// response or iterator).
//
// rowSchema is the schema the row was written under (it fixes the layout);
// readSchema is the possibly newer version the caller wants to see.
// Columns present only in readSchema yield their default value.
type RowReader struct {
	data       []byte
	rowSchema  schema.Provider
	readSchema schema.Provider

	bodyStart   int
	offsetBytes int
	numOffsets  int
}

// NewRowReader wraps data. rowSchema must match the version encoded in the
// header; pass the same provider twice when no newer version is in play.
func NewRowReader(data []byte, rowSchema, readSchema schema.Provider) (*RowReader, error) {
	if len(data) == 0 {
		return nil, status.New(status.ErrIncompatibleType, "empty row")
	}
	ver, err := PeekVersion(data)
	if err != nil {
		return nil, err
	}
	if ver != rowSchema.Version() {
		return nil, status.New(status.ErrIncompatibleType,
			"row encoded under version %d, schema is version %d", ver, rowSchema.Version())
	}
	if readSchema.Version() < rowSchema.Version() {
		return nil, status.New(status.ErrIncompatibleType,
			"cannot read version-%d row under older version %d", rowSchema.Version(), readSchema.Version())
	}
	verBytes := int(data[0] >> verBytesShift)
	offsetBytes := int(data[0]&0x07) + 1
	numOffsets := numBlockOffsets(rowSchema.NumFields())
	bodyStart := 1 + verBytes + numOffsets*offsetBytes
	if bodyStart > len(data) {
		return nil, status.New(status.ErrIncompatibleType, "row shorter than its header")
	}
	return &RowReader{
		data:        data,
		rowSchema:   rowSchema,
		readSchema:  readSchema,
		bodyStart:   bodyStart,
		offsetBytes: offsetBytes,
		numOffsets:  numOffsets,
	}, nil
}

// NumFields returns the visible column count.
func (r *RowReader) NumFields() int {
	return r.readSchema.NumFields()
}

// Schema returns the read-side schema.
func (r *RowReader) Schema() schema.Provider {
	return r.readSchema
}

// blockOffset returns the body-relative start of block b.
func (r *RowReader) blockOffset(b int) int {
	if b == 0 {
		return 0
	}
	pos := 1 + int(r.data[0]>>verBytesShift) + (b-1)*r.offsetBytes
	off := 0
	for i := 0; i < r.offsetBytes; i++ {
		off |= int(r.data[pos+i]) << (8 * i)
	}
	return off
}

// Value returns column i decoded as its schema type. Columns added after
// the row was written return the read schema's default.
func (r *RowReader) Value(i int) (types.Value, error) {
	if i < 0 || i >= r.readSchema.NumFields() {
		return types.NullValue(), status.New(status.ErrIndexOutOfRange,
			"column %d out of range, schema has %d", i, r.readSchema.NumFields())
	}
	if i >= r.rowSchema.NumFields() {
		return defaultFor(r.readSchema.Field(i)), nil
	}
	body := r.data[r.bodyStart:]
	b := i / blockSize
	if b > r.numOffsets {
		b = r.numOffsets
	}
	pos := r.blockOffset(b)
	for j := b * blockSize; j < i; j++ {
		n := skipValue(body, pos, r.rowSchema.Field(j).Type)
		if n < 0 {
			return types.NullValue(), errShortRow
		}
		pos += n
	}
	v, _, err := decodeValue(body, pos, r.rowSchema.Field(i).Type)
	return v, err
}

// ValueByName returns the named column's value.
func (r *RowReader) ValueByName(name string) (types.Value, error) {
	i := r.readSchema.FieldIndex(name)
	if i < 0 {
		return types.NullValue(), status.New(status.ErrNameNotFound, "column %q not in schema", name)
	}
	return r.Value(i)
}

// Typed accessors below apply the cast lattice from the value package.

func (r *RowReader) GetBool(i int) (bool, error) {
	v, err := r.Value(i)
	if err != nil {
		return false, err
	}
	return v.Bool()
}

func (r *RowReader) GetInt(i int) (int64, error) {
	v, err := r.Value(i)
	if err != nil {
		return 0, err
	}
	return v.Int()
}

func (r *RowReader) GetFloat(i int) (float32, error) {
	v, err := r.Value(i)
	if err != nil {
		return 0, err
	}
	return v.Float()
}

func (r *RowReader) GetDouble(i int) (float64, error) {
	v, err := r.Value(i)
	if err != nil {
		return 0, err
	}
	return v.Double()
}

func (r *RowReader) GetString(i int) (string, error) {
	v, err := r.Value(i)
	if err != nil {
		return "", err
	}
	return v.Str()
}

func (r *RowReader) GetBoolByName(name string) (bool, error) {
	v, err := r.ValueByName(name)
	if err != nil {
		return false, err
	}
	return v.Bool()
}

func (r *RowReader) GetIntByName(name string) (int64, error) {
	v, err := r.ValueByName(name)
	if err != nil {
		return 0, err
	}
	return v.Int()
}

func (r *RowReader) GetDoubleByName(name string) (float64, error) {
	v, err := r.ValueByName(name)
	if err != nil {
		return 0, err
	}
	return v.Double()
}

func (r *RowReader) GetStringByName(name string) (string, error) {
	v, err := r.ValueByName(name)
	if err != nil {
		return "", err
	}
	return v.Str()
}

// Values decodes every visible column in schema order.
func (r *RowReader) Values() ([]types.Value, error) {
	out := make([]types.Value, r.readSchema.NumFields())
	body := r.data[r.bodyStart:]
	pos := 0
	for i := 0; i < r.rowSchema.NumFields(); i++ {
		v, n, err := decodeValue(body, pos, r.rowSchema.Field(i).Type)
		if err != nil {
			return nil, err
		}
		out[i] = v
		pos += n
	}
	for i := r.rowSchema.NumFields(); i < r.readSchema.NumFields(); i++ {
		out[i] = defaultFor(r.readSchema.Field(i))
	}
	return out, nil
}
