package schema

import (
	"github.com/vergedb/verge/pkg/status"
	"github.com/vergedb/verge/pkg/types"
)

// Builder assembles a Schema column by column. It replaces the provider
// inheritance chain of older designs: the builder is write-only and Build
// produces the one concrete read-only type.
type Builder struct {
	version     types.SchemaVer
	fields      []Field
	ttlCol      string
	ttlDuration int64
}

// NewBuilder starts a builder for the given schema version.
func NewBuilder(version types.SchemaVer) *Builder {
	return &Builder{version: version, ttlDuration: 0}
}

// AppendField adds a column in schema order.
func (b *Builder) AppendField(f Field) *Builder {
	b.fields = append(b.fields, f)
	return b
}

// Append adds a column with no default.
func (b *Builder) Append(name string, t types.PropertyType) *Builder {
	return b.AppendField(Field{Name: name, Type: t})
}

// AppendWithDefault adds a column with a declared default value.
func (b *Builder) AppendWithDefault(name string, t types.PropertyType, def types.Value) *Builder {
	return b.AppendField(Field{Name: name, Type: t, Default: &def})
}

// WithTTL declares the TTL column and duration in seconds.
func (b *Builder) WithTTL(col string, seconds int64) *Builder {
	b.ttlCol = col
	b.ttlDuration = seconds
	return b
}

// Build validates and freezes the schema. It fails when two column names
// collide (by name or by hash), or when a default's dynamic type disagrees
// with the declared column type.
func (b *Builder) Build() (*Schema, error) {
	s := &Schema{
		version:   b.version,
		fields:    make([]Field, len(b.fields)),
		nameIndex: make(map[uint64]int, len(b.fields)),
		ttlCol:    -1,
	}
	copy(s.fields, b.fields)
	for i := range s.fields {
		f := &s.fields[i]
		if f.Type == types.PropUnknown {
			return nil, status.New(status.ErrIncompatibleType, "column %q has no type", f.Name)
		}
		if f.Default != nil && !f.Default.MatchesType(f.Type) {
			return nil, status.New(status.ErrIncompatibleType,
				"default for column %q is %s, column is %s", f.Name, f.Default.Kind(), f.Type)
		}
		h := hashName(f.Name)
		if prev, ok := s.nameIndex[h]; ok {
			return nil, status.New(status.ErrExisted,
				"column %q collides with column %q", f.Name, s.fields[prev].Name)
		}
		s.nameIndex[h] = i
	}
	if b.ttlCol != "" {
		i := s.FieldIndex(b.ttlCol)
		if i < 0 {
			return nil, status.New(status.ErrNameNotFound, "ttl column %q not in schema", b.ttlCol)
		}
		switch s.fields[i].Type {
		case types.PropInt, types.PropTimestamp:
		default:
			return nil, status.New(status.ErrIncompatibleType,
				"ttl column %q must be int or timestamp", b.ttlCol)
		}
		s.ttlCol = i
		s.ttlDuration = b.ttlDuration
	}
	return s, nil
}

// MustBuild is Build for statically known-good schemas, mostly in tests.
func (b *Builder) MustBuild() *Schema {
	s, err := b.Build()
	if err != nil {
		panic(err)
	}
	return s
}
