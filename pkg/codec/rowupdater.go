package codec

import (
	"math"

	"github.com/vergedb/verge/pkg/schema"
	"github.com/vergedb/verge/pkg/status"
	"github.com/vergedb/verge/pkg/types"
)

// RowUpdater is a reader plus an overlay: reads come from the underlying
// row unless overridden, and Encode emits a full new row in schema order,
// filling untouched fields from the base row or the schema default.
type RowUpdater struct {
	schema  schema.Provider
	base    *RowReader
	updated map[string]types.Value
}

// NewRowUpdater wraps an optional base reader. base may be nil when the
// updater inserts a fresh row.
func NewRowUpdater(sp schema.Provider, base *RowReader) *RowUpdater {
	return &RowUpdater{
		schema:  sp,
		base:    base,
		updated: make(map[string]types.Value),
	}
}

func (u *RowUpdater) field(name string) (*schema.Field, error) {
	f := u.schema.FieldByName(name)
	if f == nil {
		return nil, status.New(status.ErrNameNotFound, "column %q not in schema", name)
	}
	return f, nil
}

// Set assigns a value, checking it against the column type.
func (u *RowUpdater) Set(name string, v types.Value) error {
	f, err := u.field(name)
	if err != nil {
		return err
	}
	if !v.MatchesType(f.Type) {
		return status.New(status.ErrIncompatibleType,
			"column %q is %s, value is %s", name, f.Type, v.Kind())
	}
	u.updated[name] = v
	return nil
}

func (u *RowUpdater) SetBool(name string, v bool) error {
	return u.Set(name, types.BoolValue(v))
}

func (u *RowUpdater) SetInt(name string, v int64) error {
	return u.Set(name, types.IntValue(v))
}

func (u *RowUpdater) SetString(name string, v string) error {
	return u.Set(name, types.StringValue(v))
}

// SetFloat stores a float; on a double column the value widens.
func (u *RowUpdater) SetFloat(name string, v float32) error {
	f, err := u.field(name)
	if err != nil {
		return err
	}
	switch f.Type {
	case types.PropFloat:
		u.updated[name] = types.FloatValue(v)
	case types.PropDouble:
		u.updated[name] = types.DoubleValue(float64(v))
	default:
		return status.New(status.ErrIncompatibleType, "column %q is %s, value is float", name, f.Type)
	}
	return nil
}

// SetDouble stores a double; on a float column the narrowing is explicit
// and values outside float range are rejected rather than silently
// saturated.
func (u *RowUpdater) SetDouble(name string, v float64) error {
	f, err := u.field(name)
	if err != nil {
		return err
	}
	switch f.Type {
	case types.PropDouble:
		u.updated[name] = types.DoubleValue(v)
	case types.PropFloat:
		if !math.IsInf(v, 0) && math.Abs(v) > math.MaxFloat32 {
			return status.New(status.ErrValueOutOfRange,
				"column %q is float, %g overflows", name, v)
		}
		u.updated[name] = types.FloatValue(float32(v))
	default:
		return status.New(status.ErrIncompatibleType, "column %q is %s, value is double", name, f.Type)
	}
	return nil
}

// Get reads through the overlay: overridden value first, then the base
// row, then the schema default.
func (u *RowUpdater) Get(name string) (types.Value, error) {
	if v, ok := u.updated[name]; ok {
		return v, nil
	}
	f, err := u.field(name)
	if err != nil {
		return types.NullValue(), err
	}
	if u.base != nil {
		return u.base.ValueByName(name)
	}
	return defaultFor(f), nil
}

// Encode writes the merged row.
func (u *RowUpdater) Encode() ([]byte, error) {
	w := NewRowWriter(u.schema)
	for i := 0; i < u.schema.NumFields(); i++ {
		f := u.schema.Field(i)
		v, err := u.Get(f.Name)
		if err != nil {
			return nil, err
		}
		if err := w.Write(v); err != nil {
			return nil, err
		}
	}
	return w.Encode()
}
