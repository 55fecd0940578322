package storaged

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/vergedb/verge/pkg/codec"
	"github.com/vergedb/verge/pkg/index"
	"github.com/vergedb/verge/pkg/keys"
	"github.com/vergedb/verge/pkg/kv"
	"github.com/vergedb/verge/pkg/log"
	"github.com/vergedb/verge/pkg/schema"
	"github.com/vergedb/verge/pkg/status"
	"github.com/vergedb/verge/pkg/types"
)

// Service is the storage request surface of one host.
type Service struct {
	store   *kv.Store
	reg     *schema.Registry
	indexes *index.Manager
	logger  zerolog.Logger

	mu         sync.RWMutex
	partCounts map[types.GraphSpaceID]uint32

	// version is the per-host row version source; monotonic so that the
	// newest write of a logical key wins the version_desc sort.
	version atomic.Uint64
}

// NewService assembles the handler surface.
func NewService(store *kv.Store, reg *schema.Registry, idx *index.Manager) *Service {
	s := &Service{
		store:      store,
		reg:        reg,
		indexes:    idx,
		logger:     log.WithComponent("storaged"),
		partCounts: make(map[types.GraphSpaceID]uint32),
	}
	s.version.Store(uint64(time.Now().UnixNano()))
	return s
}

// RegisterSpace records a space's partition count for routing checks.
func (s *Service) RegisterSpace(space types.GraphSpaceID, partCount uint32) {
	s.mu.Lock()
	s.partCounts[space] = partCount
	s.mu.Unlock()
}

// PartCount returns a space's fixed partition count.
func (s *Service) PartCount(space types.GraphSpaceID) (uint32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n, ok := s.partCounts[space]; ok {
		return n, nil
	}
	return 0, status.New(status.ErrNotFound, "space %d unknown", space)
}

// Registry exposes the schema registry for meta sync.
func (s *Service) Registry() *schema.Registry { return s.reg }

// Indexes exposes the index manager for meta sync.
func (s *Service) Indexes() *index.Manager { return s.indexes }

// Store exposes the kv façade for admin handlers.
func (s *Service) Store() *kv.Store { return s.store }

// nextVersion mints a strictly increasing row version.
func (s *Service) nextVersion() uint64 {
	return s.version.Add(1)
}

// tagSchemas resolves the row's own schema version and the latest one.
func (s *Service) tagSchemas(space types.GraphSpaceID, tag types.TagID, data []byte) (*schema.Schema, *schema.Schema, error) {
	ver, err := codec.PeekVersion(data)
	if err != nil {
		return nil, nil, err
	}
	rowSchema, err := s.reg.Tag(space, tag, ver)
	if err != nil {
		return nil, nil, err
	}
	latest, err := s.reg.LatestTag(space, tag)
	if err != nil {
		return nil, nil, err
	}
	return rowSchema, latest, nil
}

// edgeSchemas resolves the row's own schema version and the latest one.
func (s *Service) edgeSchemas(space types.GraphSpaceID, et types.EdgeType, data []byte) (*schema.Schema, *schema.Schema, error) {
	ver, err := codec.PeekVersion(data)
	if err != nil {
		return nil, nil, err
	}
	rowSchema, err := s.reg.Edge(space, et, ver)
	if err != nil {
		return nil, nil, err
	}
	latest, err := s.reg.LatestEdge(space, et)
	if err != nil {
		return nil, nil, err
	}
	return rowSchema, latest, nil
}

// expired applies TTL visibility: a row whose TTL column value plus the
// schema duration precedes now is invisible.
func expired(r *codec.RowReader, sp *schema.Schema, now int64) bool {
	col, dur := sp.TTL()
	if col < 0 || dur <= 0 {
		return false
	}
	v, err := r.GetInt(col)
	if err != nil {
		return false
	}
	return v+dur < now
}

// readNewestTagRow returns the newest visible row of (vid, tag), or nil
// when none exists.
func (s *Service) readNewestTagRow(space types.GraphSpaceID, part types.PartitionID,
	vid types.VertexID, tag types.TagID, stale bool) (*codec.RowReader, error) {
	prefix := keys.VertexTagPrefix(part, vid, tag)
	now := time.Now().Unix()
	var reader *codec.RowReader
	var readErr error
	stop := status.New(status.Succeeded, "stop")
	err := s.store.PrefixScan(space, part, prefix, stale, func(key, value []byte) error {
		rowSchema, latest, err := s.tagSchemas(space, tag, value)
		if err != nil {
			readErr = err
			return stop
		}
		r, err := codec.NewRowReader(append([]byte(nil), value...), rowSchema, latest)
		if err != nil {
			readErr = err
			return stop
		}
		if !expired(r, latest, now) {
			reader = r
		}
		// only the first (newest) version counts
		return stop
	})
	if err != nil && err != stop {
		return nil, err
	}
	if readErr != nil {
		return nil, readErr
	}
	return reader, nil
}

// readNewestEdgeRow returns the newest visible row of one logical edge.
func (s *Service) readNewestEdgeRow(space types.GraphSpaceID, part types.PartitionID,
	ref EdgeKeyRef, stale bool) (*codec.RowReader, error) {
	prefix := keys.EdgeVersionPrefix(part, ref.Src, ref.Type, ref.Rank, ref.Dst)
	now := time.Now().Unix()
	var reader *codec.RowReader
	var readErr error
	stop := status.New(status.Succeeded, "stop")
	err := s.store.PrefixScan(space, part, prefix, stale, func(key, value []byte) error {
		rowSchema, latest, err := s.edgeSchemas(space, ref.Type, value)
		if err != nil {
			readErr = err
			return stop
		}
		r, err := codec.NewRowReader(append([]byte(nil), value...), rowSchema, latest)
		if err != nil {
			readErr = err
			return stop
		}
		if !expired(r, latest, now) {
			reader = r
		}
		return stop
	})
	if err != nil && err != stop {
		return nil, err
	}
	if readErr != nil {
		return nil, readErr
	}
	return reader, nil
}

// encodeProps writes props (in schema order, short rows allowed) under the
// latest schema.
func encodeProps(latest *schema.Schema, props []types.Value) ([]byte, error) {
	if len(props) > latest.NumFields() {
		return nil, status.New(status.ErrIndexOutOfRange,
			"%d props for %d columns", len(props), latest.NumFields())
	}
	w := codec.NewRowWriter(latest)
	for _, v := range props {
		if err := w.Write(v); err != nil {
			return nil, err
		}
	}
	return w.Encode()
}
