package codec

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vergedb/verge/pkg/schema"
	"github.com/vergedb/verge/pkg/status"
	"github.com/vergedb/verge/pkg/types"
)

func updaterSchema(t *testing.T) *schema.Schema {
	t.Helper()
	s, err := schema.NewBuilder(0).
		Append("name", types.PropString).
		Append("age", types.PropInt).
		Append("score", types.PropFloat).
		Append("weight", types.PropDouble).
		AppendWithDefault("active", types.PropBool, types.BoolValue(true)).
		Build()
	require.NoError(t, err)
	return s
}

func TestUpdaterFreshRow(t *testing.T) {
	s := updaterSchema(t)
	u := NewRowUpdater(s, nil)
	require.NoError(t, u.SetString("name", "ada"))
	require.NoError(t, u.SetInt("age", 36))

	encoded, err := u.Encode()
	require.NoError(t, err)
	r, err := NewRowReader(encoded, s, s)
	require.NoError(t, err)

	name, err := r.GetStringByName("name")
	require.NoError(t, err)
	require.Equal(t, "ada", name)
	age, err := r.GetIntByName("age")
	require.NoError(t, err)
	require.Equal(t, int64(36), age)

	// untouched columns: typed zero or declared default
	score, err := r.GetFloat(2)
	require.NoError(t, err)
	require.Equal(t, float32(0), score)
	active, err := r.GetBoolByName("active")
	require.NoError(t, err)
	require.True(t, active)
}

func TestUpdaterOverlayReadsThrough(t *testing.T) {
	s := updaterSchema(t)
	w := NewRowWriter(s)
	require.NoError(t, w.WriteString("grace"))
	require.NoError(t, w.WriteInt(45))
	require.NoError(t, w.WriteFloat(9.5))
	require.NoError(t, w.WriteDouble(60.5))
	require.NoError(t, w.WriteBool(false))
	base, err := w.Encode()
	require.NoError(t, err)
	baseReader, err := NewRowReader(base, s, s)
	require.NoError(t, err)

	u := NewRowUpdater(s, baseReader)
	require.NoError(t, u.SetInt("age", 46))

	// overlay wins, everything else reads from the base
	v, err := u.Get("age")
	require.NoError(t, err)
	i, err := v.Int()
	require.NoError(t, err)
	require.Equal(t, int64(46), i)
	v, err = u.Get("name")
	require.NoError(t, err)
	nm, err := v.Str()
	require.NoError(t, err)
	require.Equal(t, "grace", nm)

	encoded, err := u.Encode()
	require.NoError(t, err)
	r, err := NewRowReader(encoded, s, s)
	require.NoError(t, err)
	age, err := r.GetIntByName("age")
	require.NoError(t, err)
	require.Equal(t, int64(46), age)
	weight, err := r.GetDoubleByName("weight")
	require.NoError(t, err)
	require.Equal(t, 60.5, weight)
	active, err := r.GetBoolByName("active")
	require.NoError(t, err)
	require.False(t, active)
}

func TestUpdaterFloatWidening(t *testing.T) {
	s := updaterSchema(t)
	u := NewRowUpdater(s, nil)

	// float value on a double column widens
	require.NoError(t, u.SetFloat("weight", 1.5))
	v, err := u.Get("weight")
	require.NoError(t, err)
	require.Equal(t, types.KindDouble, v.Kind())

	// double value on a float column narrows when it fits
	require.NoError(t, u.SetDouble("score", 2.5))
	v, err = u.Get("score")
	require.NoError(t, err)
	require.Equal(t, types.KindFloat, v.Kind())
}

func TestUpdaterDoubleNarrowingOverflow(t *testing.T) {
	s := updaterSchema(t)
	u := NewRowUpdater(s, nil)

	err := u.SetDouble("score", math.MaxFloat64/2)
	require.Equal(t, status.ErrValueOutOfRange, status.CodeOf(err))
}

func TestUpdaterTypeMismatch(t *testing.T) {
	s := updaterSchema(t)
	u := NewRowUpdater(s, nil)

	err := u.SetString("age", "not an int")
	require.Equal(t, status.ErrIncompatibleType, status.CodeOf(err))
	err = u.SetInt("missing", 1)
	require.Equal(t, status.ErrNameNotFound, status.CodeOf(err))
}
