// Package codec implements the compact binary row encoding shared by the
// storage engine and the wire. A row is a header byte, an optional
// little-endian schema version (1..3 bytes), block offsets every 16 columns,
// and the column values back to back in schema order.
package codec

import (
	"encoding/binary"
	"math"

	"github.com/vergedb/verge/pkg/schema"
	"github.com/vergedb/verge/pkg/status"
	"github.com/vergedb/verge/pkg/types"
)

// Header byte layout: bits 5..7 carry the number of schema-version bytes
// (0..3), bits 0..2 carry offsetBytes-1 (1..4 bytes per block offset).
const (
	verBytesShift  = 5
	offsetBytesMax = 4
	blockSize      = 16
)

// occupiedBytes returns how many bytes are needed to represent v (1..4,
// or up to 8 for versions, capped by the caller).
func occupiedBytes(v uint64) int {
	n := 1
	for v > 0xFF {
		v >>= 8
		n++
	}
	return n
}

// numBlockOffsets returns the offset count for a row of n columns.
func numBlockOffsets(n int) int {
	if n == 0 {
		return 0
	}
	return (n - 1) / blockSize
}

// PeekVersion returns the schema version encoded in a row's header.
func PeekVersion(data []byte) (types.SchemaVer, error) {
	if len(data) == 0 {
		return 0, status.New(status.ErrIncompatibleType, "empty row")
	}
	verBytes := int(data[0] >> verBytesShift)
	if verBytes == 0 {
		return 0, nil
	}
	if len(data) < 1+verBytes {
		return 0, status.New(status.ErrIncompatibleType, "row shorter than its version field")
	}
	var ver uint64
	for i := 0; i < verBytes; i++ {
		ver |= uint64(data[1+i]) << (8 * i)
	}
	return types.SchemaVer(ver), nil
}

// skipValue returns the encoded width of the value at data[pos:] for the
// given column type, or -1 when the buffer ends early.
func skipValue(data []byte, pos int, t types.PropertyType) int {
	switch t {
	case types.PropBool:
		if pos+1 > len(data) {
			return -1
		}
		return 1
	case types.PropInt:
		_, n := binary.Uvarint(data[pos:])
		if n <= 0 {
			return -1
		}
		return n
	case types.PropFloat:
		if pos+4 > len(data) {
			return -1
		}
		return 4
	case types.PropDouble, types.PropVid, types.PropTimestamp:
		if pos+8 > len(data) {
			return -1
		}
		return 8
	case types.PropString:
		l, n := binary.Uvarint(data[pos:])
		if n <= 0 || pos+n+int(l) > len(data) {
			return -1
		}
		return n + int(l)
	}
	return -1
}

// decodeValue decodes one value of type t at data[pos:]. The returned
// string values alias the backing buffer; their lifetime is bounded by the
// enclosing row set.
func decodeValue(data []byte, pos int, t types.PropertyType) (types.Value, int, error) {
	switch t {
	case types.PropBool:
		if pos+1 > len(data) {
			return types.NullValue(), 0, errShortRow
		}
		return types.BoolValue(data[pos] != 0), 1, nil
	case types.PropInt:
		u, n := binary.Uvarint(data[pos:])
		if n <= 0 {
			return types.NullValue(), 0, errShortRow
		}
		return types.IntValue(int64(u)), n, nil
	case types.PropVid, types.PropTimestamp:
		if pos+8 > len(data) {
			return types.NullValue(), 0, errShortRow
		}
		return types.IntValue(int64(binary.LittleEndian.Uint64(data[pos:]))), 8, nil
	case types.PropFloat:
		if pos+4 > len(data) {
			return types.NullValue(), 0, errShortRow
		}
		bits := binary.LittleEndian.Uint32(data[pos:])
		return types.FloatValue(math.Float32frombits(bits)), 4, nil
	case types.PropDouble:
		if pos+8 > len(data) {
			return types.NullValue(), 0, errShortRow
		}
		bits := binary.LittleEndian.Uint64(data[pos:])
		return types.DoubleValue(math.Float64frombits(bits)), 8, nil
	case types.PropString:
		l, n := binary.Uvarint(data[pos:])
		if n <= 0 || pos+n+int(l) > len(data) {
			return types.NullValue(), 0, errShortRow
		}
		return types.StringValue(string(data[pos+n : pos+n+int(l)])), n + int(l), nil
	}
	return types.NullValue(), 0, status.New(status.ErrIncompatibleType, "cannot decode type %s", t)
}

var errShortRow = status.New(status.ErrIncompatibleType, "row body ends inside a value")

// encodeValue appends the wire form of v, cast to column type t.
func encodeValue(buf []byte, v types.Value, t types.PropertyType) ([]byte, error) {
	switch t {
	case types.PropBool:
		b, err := v.Bool()
		if err != nil {
			return nil, err
		}
		if b {
			return append(buf, 1), nil
		}
		return append(buf, 0), nil
	case types.PropInt:
		i, err := v.Int()
		if err != nil {
			return nil, err
		}
		return binary.AppendUvarint(buf, uint64(i)), nil
	case types.PropVid, types.PropTimestamp:
		i, err := v.Int()
		if err != nil {
			return nil, err
		}
		return binary.LittleEndian.AppendUint64(buf, uint64(i)), nil
	case types.PropFloat:
		f, err := v.Float()
		if err != nil {
			return nil, err
		}
		return binary.LittleEndian.AppendUint32(buf, math.Float32bits(f)), nil
	case types.PropDouble:
		d, err := v.Double()
		if err != nil {
			return nil, err
		}
		return binary.LittleEndian.AppendUint64(buf, math.Float64bits(d)), nil
	case types.PropString:
		s, err := v.Str()
		if err != nil {
			return nil, err
		}
		buf = binary.AppendUvarint(buf, uint64(len(s)))
		return append(buf, s...), nil
	}
	return nil, status.New(status.ErrIncompatibleType, "cannot encode type %s", t)
}

// defaultFor returns the declared default or typed zero for a field.
func defaultFor(f *schema.Field) types.Value {
	return f.DefaultOrZero()
}
