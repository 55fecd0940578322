package codec

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vergedb/verge/pkg/schema"
	"github.com/vergedb/verge/pkg/status"
	"github.com/vergedb/verge/pkg/types"
)

func allIntSchema(t *testing.T, n int, ver types.SchemaVer) *schema.Schema {
	t.Helper()
	b := schema.NewBuilder(ver)
	for i := 0; i < n; i++ {
		b.Append(fmt.Sprintf("col%02d", i), types.PropInt)
	}
	s, err := b.Build()
	require.NoError(t, err)
	return s
}

func TestRowSetAllIntsRoundTrip(t *testing.T) {
	s := allIntSchema(t, 33, 0)
	rsw := NewRowSetWriter(s)
	for k := 0; k < 10; k++ {
		w := NewRowWriter(s)
		for i := 0; i < 33; i++ {
			require.NoError(t, w.WriteInt(int64(100*k+i+1)))
		}
		require.NoError(t, rsw.AddRow(w))
	}

	rsr := NewRowSetReader(s, rsw.Data())
	for k := 0; k < 10; k++ {
		row, err := rsr.Next()
		require.NoError(t, err)
		require.NotNil(t, row, "row %d missing", k)
		for i := 0; i < 33; i++ {
			got, err := row.GetInt(i)
			require.NoError(t, err)
			require.Equal(t, int64(100*k+i+1), got)
		}
	}
	row, err := rsr.Next()
	require.NoError(t, err)
	require.Nil(t, row)
}

func TestSchemaVersionReadThrough(t *testing.T) {
	v0 := schema.NewBuilder(0)
	for i := 0; i < 8; i++ {
		v0.Append(fmt.Sprintf("col%d", i), types.PropInt)
	}
	s0 := v0.MustBuild()

	v1 := schema.NewBuilder(1)
	for i := 0; i < 8; i++ {
		v1.Append(fmt.Sprintf("col%d", i), types.PropInt)
	}
	v1.AppendWithDefault("col9", types.PropString, types.StringValue(""))
	s1 := v1.MustBuild()

	w := NewRowWriter(s0)
	for i := 0; i < 8; i++ {
		require.NoError(t, w.WriteInt(int64(i*7)))
	}
	encoded, err := w.Encode()
	require.NoError(t, err)

	ver, err := PeekVersion(encoded)
	require.NoError(t, err)
	require.Equal(t, types.SchemaVer(0), ver)

	r, err := NewRowReader(encoded, s0, s1)
	require.NoError(t, err)
	for i := 0; i < 8; i++ {
		got, err := r.GetInt(i)
		require.NoError(t, err)
		require.Equal(t, int64(i*7), got)
	}
	str, err := r.GetStringByName("col9")
	require.NoError(t, err)
	require.Equal(t, "", str)
}

func TestZeroColumnRowIsOneHeaderByte(t *testing.T) {
	s := schema.NewBuilder(0).MustBuild()
	encoded, err := NewRowWriter(s).Encode()
	require.NoError(t, err)
	require.Len(t, encoded, 1)
}

func TestThirtyThreeColumnsHaveTwoBlockOffsets(t *testing.T) {
	s := allIntSchema(t, 33, 0)
	w := NewRowWriter(s)
	for i := 0; i < 33; i++ {
		require.NoError(t, w.WriteInt(1))
	}
	encoded, err := w.Encode()
	require.NoError(t, err)
	// header(1) + two 1-byte offsets + 33 one-byte varints
	require.Len(t, encoded, 1+2+33)
}

func TestVersionedHeader(t *testing.T) {
	s := allIntSchema(t, 1, 7)
	w := NewRowWriter(s)
	require.NoError(t, w.WriteInt(42))
	encoded, err := w.Encode()
	require.NoError(t, err)

	ver, err := PeekVersion(encoded)
	require.NoError(t, err)
	require.Equal(t, types.SchemaVer(7), ver)

	r, err := NewRowReader(encoded, s, s)
	require.NoError(t, err)
	got, err := r.GetInt(0)
	require.NoError(t, err)
	require.Equal(t, int64(42), got)
}

func TestTypedColumnsRoundTrip(t *testing.T) {
	s := schema.NewBuilder(0).
		Append("b", types.PropBool).
		Append("i", types.PropInt).
		Append("f", types.PropFloat).
		Append("d", types.PropDouble).
		Append("s", types.PropString).
		Append("v", types.PropVid).
		Append("ts", types.PropTimestamp).
		MustBuild()

	w := NewRowWriter(s)
	require.NoError(t, w.WriteBool(true))
	require.NoError(t, w.WriteInt(-12345))
	require.NoError(t, w.WriteFloat(3.25))
	require.NoError(t, w.WriteDouble(-2.75e100))
	require.NoError(t, w.WriteString("hello graph"))
	require.NoError(t, w.WriteVid(0x1122334455667788))
	require.NoError(t, w.WriteInt(1700000000))
	encoded, err := w.Encode()
	require.NoError(t, err)

	r, err := NewRowReader(encoded, s, s)
	require.NoError(t, err)
	b, err := r.GetBool(0)
	require.NoError(t, err)
	require.True(t, b)
	i, err := r.GetInt(1)
	require.NoError(t, err)
	require.Equal(t, int64(-12345), i)
	f, err := r.GetFloat(2)
	require.NoError(t, err)
	require.Equal(t, float32(3.25), f)
	d, err := r.GetDouble(3)
	require.NoError(t, err)
	require.Equal(t, -2.75e100, d)
	str, err := r.GetString(4)
	require.NoError(t, err)
	require.Equal(t, "hello graph", str)
	vid, err := r.GetInt(5)
	require.NoError(t, err)
	require.Equal(t, int64(0x1122334455667788), vid)
	ts, err := r.GetInt(6)
	require.NoError(t, err)
	require.Equal(t, int64(1700000000), ts)
}

func TestCastRules(t *testing.T) {
	s := schema.NewBuilder(0).
		Append("i", types.PropInt).
		Append("d", types.PropDouble).
		Append("s", types.PropString).
		Append("b", types.PropBool).
		MustBuild()

	w := NewRowWriter(s)
	require.NoError(t, w.WriteInt(7))
	require.NoError(t, w.WriteDouble(-3.9))
	require.NoError(t, w.WriteString("42"))
	require.NoError(t, w.WriteBool(true))
	encoded, err := w.Encode()
	require.NoError(t, err)
	r, err := NewRowReader(encoded, s, s)
	require.NoError(t, err)

	// int -> bool: non-zero is true
	b, err := r.GetBool(0)
	require.NoError(t, err)
	require.True(t, b)

	// double -> int: truncation toward zero
	i, err := r.GetInt(1)
	require.NoError(t, err)
	require.Equal(t, int64(-3), i)

	// string -> numeric: parse
	i, err = r.GetInt(2)
	require.NoError(t, err)
	require.Equal(t, int64(42), i)

	// bool -> numeric
	i, err = r.GetInt(3)
	require.NoError(t, err)
	require.Equal(t, int64(1), i)

	// numeric column read as string is incompatible
	_, err = r.GetString(0)
	require.Equal(t, status.ErrIncompatibleType, status.CodeOf(err))
}

func TestReaderErrors(t *testing.T) {
	s := allIntSchema(t, 2, 0)
	w := NewRowWriter(s)
	require.NoError(t, w.WriteInt(1))
	require.NoError(t, w.WriteInt(2))
	encoded, err := w.Encode()
	require.NoError(t, err)
	r, err := NewRowReader(encoded, s, s)
	require.NoError(t, err)

	_, err = r.GetInt(5)
	require.Equal(t, status.ErrIndexOutOfRange, status.CodeOf(err))

	_, err = r.GetIntByName("nope")
	require.Equal(t, status.ErrNameNotFound, status.CodeOf(err))
}

func TestUnparsableStringCast(t *testing.T) {
	s := schema.NewBuilder(0).Append("s", types.PropString).MustBuild()
	w := NewRowWriter(s)
	require.NoError(t, w.WriteString("not-a-number"))
	encoded, err := w.Encode()
	require.NoError(t, err)
	r, err := NewRowReader(encoded, s, s)
	require.NoError(t, err)

	_, err = r.GetInt(0)
	require.Equal(t, status.ErrIncompatibleType, status.CodeOf(err))
}
