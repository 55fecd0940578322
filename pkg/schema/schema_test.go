package schema

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vergedb/verge/pkg/status"
	"github.com/vergedb/verge/pkg/types"
)

func TestBuilderLookup(t *testing.T) {
	s, err := NewBuilder(3).
		Append("name", types.PropString).
		Append("age", types.PropInt).
		AppendWithDefault("city", types.PropString, types.StringValue("unknown")).
		Build()
	require.NoError(t, err)

	require.Equal(t, types.SchemaVer(3), s.Version())
	require.Equal(t, 3, s.NumFields())
	require.Equal(t, 1, s.FieldIndex("age"))
	require.Equal(t, -1, s.FieldIndex("nope"))
	require.Nil(t, s.Field(9))

	f := s.FieldByName("city")
	require.NotNil(t, f)
	require.True(t, f.HasDefault())
	def := f.DefaultOrZero()
	got, err := def.Str()
	require.NoError(t, err)
	require.Equal(t, "unknown", got)

	// no declared default falls back to the typed zero
	zero := s.FieldByName("age").DefaultOrZero()
	i, err := zero.Int()
	require.NoError(t, err)
	require.Equal(t, int64(0), i)
}

func TestBuilderRejectsDuplicateName(t *testing.T) {
	_, err := NewBuilder(0).
		Append("a", types.PropInt).
		Append("a", types.PropString).
		Build()
	require.Equal(t, status.ErrExisted, status.CodeOf(err))
}

func TestBuilderRejectsMistypedDefault(t *testing.T) {
	_, err := NewBuilder(0).
		AppendWithDefault("a", types.PropInt, types.StringValue("oops")).
		Build()
	require.Equal(t, status.ErrIncompatibleType, status.CodeOf(err))
}

func TestBuilderTTL(t *testing.T) {
	s, err := NewBuilder(0).
		Append("inserted", types.PropTimestamp).
		Append("payload", types.PropString).
		WithTTL("inserted", 3600).
		Build()
	require.NoError(t, err)
	col, dur := s.TTL()
	require.Equal(t, 0, col)
	require.Equal(t, int64(3600), dur)

	_, err = NewBuilder(0).
		Append("payload", types.PropString).
		WithTTL("payload", 10).
		Build()
	require.Equal(t, status.ErrIncompatibleType, status.CodeOf(err))
}

func TestRegistryVersions(t *testing.T) {
	r := NewRegistry()
	const space = types.GraphSpaceID(1)

	v0 := NewBuilder(0).Append("a", types.PropInt).MustBuild()
	v1 := NewBuilder(1).Append("a", types.PropInt).Append("b", types.PropString).MustBuild()

	require.NoError(t, r.RegisterTag(space, "person", 10, v0))
	require.NoError(t, r.RegisterTag(space, "person", 10, v1))

	// re-register and stale versions are rejected; old versions stay readable
	err := r.RegisterTag(space, "person", 10, v1)
	require.Error(t, err)

	got, err := r.Tag(space, 10, 0)
	require.NoError(t, err)
	require.Equal(t, 1, got.NumFields())
	latest, err := r.LatestTag(space, 10)
	require.NoError(t, err)
	require.Equal(t, types.SchemaVer(1), latest.Version())

	id, err := r.TagID(space, "person")
	require.NoError(t, err)
	require.Equal(t, types.TagID(10), id)
}

func TestRegistryEdgeSignInsensitive(t *testing.T) {
	r := NewRegistry()
	const space = types.GraphSpaceID(7)
	s := NewBuilder(0).Append("likeness", types.PropDouble).MustBuild()
	require.NoError(t, r.RegisterEdge(space, "like", 5, s))

	out, err := r.LatestEdge(space, 5)
	require.NoError(t, err)
	in, err := r.LatestEdge(space, -5)
	require.NoError(t, err)
	require.Same(t, out, in)
}
