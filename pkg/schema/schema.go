package schema

import (
	"github.com/cespare/xxhash/v2"

	"github.com/vergedb/verge/pkg/types"
)

// Field describes one column of a tag or edge schema.
type Field struct {
	Name     string
	Type     types.PropertyType
	Nullable bool
	// Default is nil when the column has no declared default; readers then
	// fall back to the typed zero.
	Default *types.Value
}

// HasDefault reports whether the column declares a default value.
func (f *Field) HasDefault() bool {
	return f.Default != nil
}

// DefaultOrZero returns the declared default, or the typed zero.
func (f *Field) DefaultOrZero() types.Value {
	if f.Default != nil {
		return *f.Default
	}
	return types.ZeroValue(f.Type)
}

// Provider is the read-only view of a schema consumed by the row codec.
type Provider interface {
	Version() types.SchemaVer
	NumFields() int
	// Field returns the i-th column, or nil when out of range.
	Field(i int) *Field
	// FieldIndex resolves a column name to its index, or -1.
	FieldIndex(name string) int
	// FieldByName is FieldIndex followed by Field.
	FieldByName(name string) *Field
}

// Schema is the single concrete Provider: an immutable, versioned column
// set with O(1) lookup by index and by name hash.
type Schema struct {
	version   types.SchemaVer
	fields    []Field
	nameIndex map[uint64]int

	// ttl semantics: when ttlCol >= 0, rows whose ttlCol value plus
	// ttlDuration precedes the read time are invisible.
	ttlCol      int
	ttlDuration int64
}

func (s *Schema) Version() types.SchemaVer { return s.version }
func (s *Schema) NumFields() int           { return len(s.fields) }

func (s *Schema) Field(i int) *Field {
	if i < 0 || i >= len(s.fields) {
		return nil
	}
	return &s.fields[i]
}

func (s *Schema) FieldIndex(name string) int {
	if i, ok := s.nameIndex[hashName(name)]; ok {
		return i
	}
	return -1
}

func (s *Schema) FieldByName(name string) *Field {
	i := s.FieldIndex(name)
	if i < 0 {
		return nil
	}
	return &s.fields[i]
}

// TTL returns the TTL column index (or -1) and duration in seconds.
func (s *Schema) TTL() (int, int64) {
	return s.ttlCol, s.ttlDuration
}

// hashName is the 64-bit non-cryptographic hash used for name lookup on
// every hot path; collisions are rejected at build time.
func hashName(name string) uint64 {
	return xxhash.Sum64String(name)
}
