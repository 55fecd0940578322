package types

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/vergedb/verge/pkg/status"
)

// GraphSpaceID identifies a space, the top-level container of schemas and
// partitions.
type GraphSpaceID = uint32

// PartitionID identifies one partition (one replica group) inside a space.
// Partitions are numbered from 1.
type PartitionID = uint32

// TagID identifies a vertex tag schema within a space.
type TagID = int32

// EdgeType identifies an edge schema within a space. Positive values are
// out-edges; the negated value addresses the mirrored in-edge.
type EdgeType = int32

// EdgeRanking is the user-supplied tiebreaker between parallel edges.
type EdgeRanking = int64

// VertexID is the fixed 64-bit vertex identifier.
type VertexID = int64

// EdgeVersion orders row versions of one logical key.
type EdgeVersion = uint64

// SchemaVer is the monotonically increasing version of a tag or edge schema.
type SchemaVer = int32

// IndexID identifies a secondary index within a space.
type IndexID = int32

// LogID is a raft log position, strictly increasing within a partition.
type LogID = int64

// TermID is a raft term.
type TermID = int64

// ClusterID is the 64-bit id minted by the meta service on first start.
type ClusterID = int64

// SessionID identifies a client session on the graph service.
type SessionID = int64

// JobID identifies an admin job.
type JobID = int32

// HostAddr is a service endpoint.
type HostAddr struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

func (h HostAddr) String() string {
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}

// PropertyType enumerates the supported column types.
type PropertyType int8

const (
	PropUnknown PropertyType = iota
	PropBool
	PropInt
	PropFloat
	PropDouble
	PropString
	PropVid
	PropTimestamp
)

func (t PropertyType) String() string {
	switch t {
	case PropBool:
		return "bool"
	case PropInt:
		return "int"
	case PropFloat:
		return "float"
	case PropDouble:
		return "double"
	case PropString:
		return "string"
	case PropVid:
		return "vid"
	case PropTimestamp:
		return "timestamp"
	}
	return "unknown"
}

// ParsePropertyType maps a type name to its PropertyType.
func ParsePropertyType(s string) (PropertyType, error) {
	switch s {
	case "bool":
		return PropBool, nil
	case "int":
		return PropInt, nil
	case "float":
		return PropFloat, nil
	case "double":
		return PropDouble, nil
	case "string":
		return PropString, nil
	case "vid":
		return PropVid, nil
	case "timestamp":
		return PropTimestamp, nil
	}
	return PropUnknown, status.New(status.ErrUnsupported, "unknown property type %q", s)
}

// ValueKind discriminates Value. Vid and timestamp values carry KindInt.
type ValueKind int8

const (
	KindNull ValueKind = iota
	KindBool
	KindInt
	KindFloat
	KindDouble
	KindString
)

// Value is the variant carried by rows, defaults, expression results and
// interim result columns. A field is either unset (KindNull) or holds
// exactly one of the typed arms; "unset" is never conflated with a zero
// value.
type Value struct {
	kind ValueKind
	b    bool
	i    int64
	d    float64
	s    string
}

func NullValue() Value            { return Value{kind: KindNull} }
func BoolValue(b bool) Value      { return Value{kind: KindBool, b: b} }
func IntValue(i int64) Value      { return Value{kind: KindInt, i: i} }
func FloatValue(f float32) Value  { return Value{kind: KindFloat, d: float64(f)} }
func DoubleValue(d float64) Value { return Value{kind: KindDouble, d: d} }
func StringValue(s string) Value  { return Value{kind: KindString, s: s} }

func (v Value) Kind() ValueKind { return v.kind }
func (v Value) IsNull() bool    { return v.kind == KindNull }

// Bool returns the value as a bool, applying the cast lattice:
// numerics are true when non-zero, strings are rejected.
func (v Value) Bool() (bool, error) {
	switch v.kind {
	case KindBool:
		return v.b, nil
	case KindInt:
		return v.i != 0, nil
	case KindFloat, KindDouble:
		return v.d != 0, nil
	}
	return false, status.New(status.ErrIncompatibleType, "cannot read %s as bool", v.kind)
}

// Int returns the value as int64. Doubles truncate toward zero; strings
// parse or fail with IncompatibleType; bools map to 0/1.
func (v Value) Int() (int64, error) {
	switch v.kind {
	case KindInt:
		return v.i, nil
	case KindBool:
		if v.b {
			return 1, nil
		}
		return 0, nil
	case KindFloat, KindDouble:
		return int64(v.d), nil
	case KindString:
		i, err := strconv.ParseInt(v.s, 10, 64)
		if err != nil {
			return 0, status.New(status.ErrIncompatibleType, "cannot parse %q as int", v.s)
		}
		return i, nil
	}
	return 0, status.New(status.ErrIncompatibleType, "cannot read %s as int", v.kind)
}

// Double returns the value as float64.
func (v Value) Double() (float64, error) {
	switch v.kind {
	case KindFloat, KindDouble:
		return v.d, nil
	case KindInt:
		return float64(v.i), nil
	case KindBool:
		if v.b {
			return 1, nil
		}
		return 0, nil
	case KindString:
		d, err := strconv.ParseFloat(v.s, 64)
		if err != nil {
			return 0, status.New(status.ErrIncompatibleType, "cannot parse %q as double", v.s)
		}
		return d, nil
	}
	return 0, status.New(status.ErrIncompatibleType, "cannot read %s as double", v.kind)
}

// Float returns the value as float32.
func (v Value) Float() (float32, error) {
	d, err := v.Double()
	return float32(d), err
}

// Str returns the string arm; non-strings are rejected.
func (v Value) Str() (string, error) {
	if v.kind != KindString {
		return "", status.New(status.ErrIncompatibleType, "cannot read %s as string", v.kind)
	}
	return v.s, nil
}

// String renders the value for display. Doubles use the shortest form that
// round-trips.
func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return "NULL"
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		return strconv.FormatFloat(v.d, 'g', -1, 32)
	case KindDouble:
		return strconv.FormatFloat(v.d, 'g', -1, 64)
	case KindString:
		return v.s
	}
	return "NULL"
}

func (k ValueKind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindDouble:
		return "double"
	case KindString:
		return "string"
	}
	return "unknown"
}

// Equal compares two values. Int and floating values of equal magnitude
// compare equal across kinds, matching set-operation semantics.
func (v Value) Equal(o Value) bool {
	if v.kind == KindNull || o.kind == KindNull {
		return v.kind == o.kind
	}
	switch v.kind {
	case KindBool:
		ob, err := o.Bool()
		return err == nil && v.b == ob
	case KindInt:
		if o.kind == KindInt {
			return v.i == o.i
		}
		od, err := o.Double()
		return err == nil && float64(v.i) == od
	case KindFloat, KindDouble:
		od, err := o.Double()
		return err == nil && v.d == od
	case KindString:
		return o.kind == KindString && v.s == o.s
	}
	return false
}

// MatchesType reports whether the value can be stored in a column of the
// given property type without an explicit cast.
func (v Value) MatchesType(t PropertyType) bool {
	switch t {
	case PropBool:
		return v.kind == KindBool
	case PropInt, PropVid, PropTimestamp:
		return v.kind == KindInt
	case PropFloat:
		return v.kind == KindFloat || v.kind == KindDouble
	case PropDouble:
		return v.kind == KindDouble || v.kind == KindFloat
	case PropString:
		return v.kind == KindString
	}
	return false
}

// valueWire is the JSON envelope of a Value. Kind travels explicitly so
// an unset field never collapses into a zero value.
type valueWire struct {
	Kind ValueKind `json:"kind"`
	B    bool      `json:"b,omitempty"`
	I    int64     `json:"i,omitempty"`
	D    float64   `json:"d,omitempty"`
	S    string    `json:"s,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(valueWire{Kind: v.kind, B: v.b, I: v.i, D: v.d, S: v.s})
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(data []byte) error {
	var w valueWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*v = Value{kind: w.Kind, b: w.B, i: w.I, d: w.D, s: w.S}
	return nil
}

// ZeroValue returns the typed zero for a column type, used when an older
// payload misses a column that has no declared default.
func ZeroValue(t PropertyType) Value {
	switch t {
	case PropBool:
		return BoolValue(false)
	case PropInt, PropVid, PropTimestamp:
		return IntValue(0)
	case PropFloat:
		return FloatValue(0)
	case PropDouble:
		return DoubleValue(0)
	case PropString:
		return StringValue("")
	}
	return NullValue()
}
