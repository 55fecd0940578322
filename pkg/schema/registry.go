package schema

import (
	"sync"

	"github.com/vergedb/verge/pkg/status"
	"github.com/vergedb/verge/pkg/types"
)

// Registry maps (space, tag | edge, version) to column sets. It is
// read-mostly: installs take an exclusive lock on a single space's table,
// readers share it. Versions are append-only per tag/edge; altering a
// schema installs a new version and never mutates an old one.
type Registry struct {
	mu     sync.RWMutex
	spaces map[types.GraphSpaceID]*spaceSchemas
}

type spaceSchemas struct {
	mu    sync.RWMutex
	tags  map[types.TagID]map[types.SchemaVer]*Schema
	edges map[types.EdgeType]map[types.SchemaVer]*Schema

	latestTag  map[types.TagID]types.SchemaVer
	latestEdge map[types.EdgeType]types.SchemaVer

	tagNames  map[string]types.TagID
	edgeNames map[string]types.EdgeType
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{spaces: make(map[types.GraphSpaceID]*spaceSchemas)}
}

func (r *Registry) space(id types.GraphSpaceID, create bool) *spaceSchemas {
	r.mu.RLock()
	ss := r.spaces[id]
	r.mu.RUnlock()
	if ss != nil || !create {
		return ss
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if ss = r.spaces[id]; ss == nil {
		ss = &spaceSchemas{
			tags:       make(map[types.TagID]map[types.SchemaVer]*Schema),
			edges:      make(map[types.EdgeType]map[types.SchemaVer]*Schema),
			latestTag:  make(map[types.TagID]types.SchemaVer),
			latestEdge: make(map[types.EdgeType]types.SchemaVer),
			tagNames:   make(map[string]types.TagID),
			edgeNames:  make(map[string]types.EdgeType),
		}
		r.spaces[id] = ss
	}
	return ss
}

// RegisterTag installs a tag schema version. Re-registering an existing
// version fails; versions below the latest are rejected as stale.
func (r *Registry) RegisterTag(space types.GraphSpaceID, name string, tag types.TagID, s *Schema) error {
	ss := r.space(space, true)
	ss.mu.Lock()
	defer ss.mu.Unlock()
	vers := ss.tags[tag]
	if vers == nil {
		vers = make(map[types.SchemaVer]*Schema)
		ss.tags[tag] = vers
	}
	if _, ok := vers[s.Version()]; ok {
		return status.New(status.ErrExisted, "tag %d version %d already registered", tag, s.Version())
	}
	if latest, ok := ss.latestTag[tag]; ok && s.Version() <= latest {
		return status.New(status.ErrLogStale, "tag %d version %d is not newer than %d", tag, s.Version(), latest)
	}
	vers[s.Version()] = s
	ss.latestTag[tag] = s.Version()
	if name != "" {
		ss.tagNames[name] = tag
	}
	return nil
}

// RegisterEdge installs an edge schema version; the same schema serves the
// positive and negative edge type.
func (r *Registry) RegisterEdge(space types.GraphSpaceID, name string, edge types.EdgeType, s *Schema) error {
	if edge < 0 {
		edge = -edge
	}
	ss := r.space(space, true)
	ss.mu.Lock()
	defer ss.mu.Unlock()
	vers := ss.edges[edge]
	if vers == nil {
		vers = make(map[types.SchemaVer]*Schema)
		ss.edges[edge] = vers
	}
	if _, ok := vers[s.Version()]; ok {
		return status.New(status.ErrExisted, "edge %d version %d already registered", edge, s.Version())
	}
	if latest, ok := ss.latestEdge[edge]; ok && s.Version() <= latest {
		return status.New(status.ErrLogStale, "edge %d version %d is not newer than %d", edge, s.Version(), latest)
	}
	vers[s.Version()] = s
	ss.latestEdge[edge] = s.Version()
	if name != "" {
		ss.edgeNames[name] = edge
	}
	return nil
}

// Tag returns the exact schema version for a tag.
func (r *Registry) Tag(space types.GraphSpaceID, tag types.TagID, ver types.SchemaVer) (*Schema, error) {
	ss := r.space(space, false)
	if ss == nil {
		return nil, status.New(status.ErrNotFound, "space %d unknown", space)
	}
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	if s, ok := ss.tags[tag][ver]; ok {
		return s, nil
	}
	return nil, status.New(status.ErrNotFound, "tag %d version %d not found", tag, ver)
}

// LatestTag returns the newest schema version for a tag.
func (r *Registry) LatestTag(space types.GraphSpaceID, tag types.TagID) (*Schema, error) {
	ss := r.space(space, false)
	if ss == nil {
		return nil, status.New(status.ErrNotFound, "space %d unknown", space)
	}
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	ver, ok := ss.latestTag[tag]
	if !ok {
		return nil, status.New(status.ErrNotFound, "tag %d not found", tag)
	}
	return ss.tags[tag][ver], nil
}

// Edge returns the exact schema version for an edge type (sign ignored).
func (r *Registry) Edge(space types.GraphSpaceID, edge types.EdgeType, ver types.SchemaVer) (*Schema, error) {
	if edge < 0 {
		edge = -edge
	}
	ss := r.space(space, false)
	if ss == nil {
		return nil, status.New(status.ErrNotFound, "space %d unknown", space)
	}
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	if s, ok := ss.edges[edge][ver]; ok {
		return s, nil
	}
	return nil, status.New(status.ErrNotFound, "edge %d version %d not found", edge, ver)
}

// LatestEdge returns the newest schema version for an edge type.
func (r *Registry) LatestEdge(space types.GraphSpaceID, edge types.EdgeType) (*Schema, error) {
	if edge < 0 {
		edge = -edge
	}
	ss := r.space(space, false)
	if ss == nil {
		return nil, status.New(status.ErrNotFound, "space %d unknown", space)
	}
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	ver, ok := ss.latestEdge[edge]
	if !ok {
		return nil, status.New(status.ErrNotFound, "edge %d not found", edge)
	}
	return ss.edges[edge][ver], nil
}

// TagID resolves a tag name within a space.
func (r *Registry) TagID(space types.GraphSpaceID, name string) (types.TagID, error) {
	ss := r.space(space, false)
	if ss == nil {
		return 0, status.New(status.ErrNotFound, "space %d unknown", space)
	}
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	if id, ok := ss.tagNames[name]; ok {
		return id, nil
	}
	return 0, status.New(status.ErrNotFound, "tag %q not found", name)
}

// EdgeTypeByName resolves an edge name within a space.
func (r *Registry) EdgeTypeByName(space types.GraphSpaceID, name string) (types.EdgeType, error) {
	ss := r.space(space, false)
	if ss == nil {
		return 0, status.New(status.ErrNotFound, "space %d unknown", space)
	}
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	if et, ok := ss.edgeNames[name]; ok {
		return et, nil
	}
	return 0, status.New(status.ErrNotFound, "edge %q not found", name)
}

// DropSpace discards every schema of a space.
func (r *Registry) DropSpace(space types.GraphSpaceID) {
	r.mu.Lock()
	delete(r.spaces, space)
	r.mu.Unlock()
}
