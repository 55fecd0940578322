package kv

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vergedb/verge/pkg/log"
	"github.com/vergedb/verge/pkg/raftex"
	"github.com/vergedb/verge/pkg/status"
	"github.com/vergedb/verge/pkg/types"
)

// StoreOptions tunes one storage host.
type StoreOptions struct {
	ClusterID types.ClusterID
	Local     types.HostAddr
	// DataRoot holds one directory per space: <root>/<space>/data for the
	// LSM, <root>/<space>/wal/<part> for the logs.
	DataRoot string
	// InMemory skips disk for the LSM engines (tests).
	InMemory bool

	ElectionTimeout   time.Duration
	HeartbeatInterval time.Duration
	WalSync           bool
}

type spaceStore struct {
	engine Engine
	parts  map[types.PartitionID]*Part
}

// Store is the host-wide façade: spaces, their engines, and the raft parts
// served from this host.
type Store struct {
	opts   StoreOptions
	tr     raftex.Transport
	svc    *raftex.Service
	logger zerolog.Logger

	mu     sync.RWMutex
	spaces map[types.GraphSpaceID]*spaceStore
}

// NewStore creates the host façade around a raft service and transport.
func NewStore(opts StoreOptions, svc *raftex.Service, tr raftex.Transport) *Store {
	return &Store{
		opts:   opts,
		tr:     tr,
		svc:    svc,
		logger: log.WithComponent("kvstore"),
		spaces: make(map[types.GraphSpaceID]*spaceStore),
	}
}

// AddSpace opens the engine for a space. Adding an existing space is a
// no-op so meta sync can be idempotent.
func (s *Store) AddSpace(space types.GraphSpaceID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.spaces[space]; ok {
		return nil
	}
	dir := ""
	if !s.opts.InMemory {
		dir = filepath.Join(s.opts.DataRoot, fmt.Sprintf("%d", space), "data")
	}
	eng, err := OpenEngine(dir)
	if err != nil {
		return err
	}
	s.spaces[space] = &spaceStore{engine: eng, parts: make(map[types.PartitionID]*Part)}
	s.logger.Info().Uint32("space", space).Msg("Space engine opened")
	return nil
}

// AddPart starts serving one partition of a space on this host.
func (s *Store) AddPart(space types.GraphSpaceID, part types.PartitionID,
	peers []types.HostAddr, asLearner bool) error {
	s.mu.Lock()
	ss, ok := s.spaces[space]
	s.mu.Unlock()
	if !ok {
		return status.New(status.ErrNotFound, "space %d not served here", space)
	}
	s.mu.Lock()
	if _, ok := ss.parts[part]; ok {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	walDir := filepath.Join(s.opts.DataRoot, fmt.Sprintf("%d", space), "wal", fmt.Sprintf("%d", part))
	p, err := NewPart(raftex.Config{
		ClusterID:         s.opts.ClusterID,
		Space:             space,
		Part:              part,
		Local:             s.opts.Local,
		Peers:             peers,
		ElectionTimeout:   s.opts.ElectionTimeout,
		HeartbeatInterval: s.opts.HeartbeatInterval,
		WalDir:            walDir,
		WalSync:           s.opts.WalSync,
	}, ss.engine, s.tr, asLearner)
	if err != nil {
		return err
	}
	if err := s.svc.AddPart(p.Raft()); err != nil {
		p.Raft().Stop()
		return err
	}
	s.mu.Lock()
	ss.parts[part] = p
	s.mu.Unlock()
	return nil
}

// RemovePart stops serving a partition.
func (s *Store) RemovePart(space types.GraphSpaceID, part types.PartitionID) {
	s.mu.Lock()
	ss := s.spaces[space]
	var p *Part
	if ss != nil {
		p = ss.parts[part]
		delete(ss.parts, part)
	}
	s.mu.Unlock()
	if p != nil {
		s.svc.RemovePart(space, part)
	}
}

// Part resolves one served partition.
func (s *Store) Part(space types.GraphSpaceID, part types.PartitionID) (*Part, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ss, ok := s.spaces[space]
	if !ok {
		return nil, status.New(status.ErrNotFound, "space %d not served here", space)
	}
	p, ok := ss.parts[part]
	if !ok {
		return nil, status.New(status.ErrPartNotFound, "part %d/%d not served here", space, part)
	}
	return p, nil
}

// Parts lists the partitions of a space served here.
func (s *Store) Parts(space types.GraphSpaceID) []*Part {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ss, ok := s.spaces[space]
	if !ok {
		return nil
	}
	out := make([]*Part, 0, len(ss.parts))
	for _, p := range ss.parts {
		out = append(out, p)
	}
	return out
}

// Engine exposes a space's engine for local admin work.
func (s *Store) Engine(space types.GraphSpaceID) (Engine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ss, ok := s.spaces[space]
	if !ok {
		return nil, status.New(status.ErrNotFound, "space %d not served here", space)
	}
	return ss.engine, nil
}

// Get reads one key through the partition's leadership gate.
func (s *Store) Get(space types.GraphSpaceID, part types.PartitionID, key []byte, stale bool) ([]byte, error) {
	p, err := s.Part(space, part)
	if err != nil {
		return nil, err
	}
	return p.Get(key, stale)
}

// MultiGet reads several keys of one partition.
func (s *Store) MultiGet(space types.GraphSpaceID, part types.PartitionID, keys [][]byte, stale bool) ([][]byte, error) {
	p, err := s.Part(space, part)
	if err != nil {
		return nil, err
	}
	return p.MultiGet(keys, stale)
}

// Put replicates a single write.
func (s *Store) Put(ctx context.Context, space types.GraphSpaceID, part types.PartitionID, key, value []byte) error {
	return s.AtomicBatch(ctx, space, part, NewBatch().Put(key, value))
}

// MultiPut replicates several writes atomically.
func (s *Store) MultiPut(ctx context.Context, space types.GraphSpaceID, part types.PartitionID, kvs map[string][]byte) error {
	b := NewBatch()
	for k, v := range kvs {
		b.Put([]byte(k), v)
	}
	return s.AtomicBatch(ctx, space, part, b)
}

// Remove replicates a point delete.
func (s *Store) Remove(ctx context.Context, space types.GraphSpaceID, part types.PartitionID, key []byte) error {
	return s.AtomicBatch(ctx, space, part, NewBatch().Remove(key))
}

// RemoveRange replicates a range delete.
func (s *Store) RemoveRange(ctx context.Context, space types.GraphSpaceID, part types.PartitionID, start, end []byte) error {
	return s.AtomicBatch(ctx, space, part, NewBatch().RemoveRange(start, end))
}

// AtomicBatch replicates a batch through the partition's raft group.
func (s *Store) AtomicBatch(ctx context.Context, space types.GraphSpaceID, part types.PartitionID, b *Batch) error {
	p, err := s.Part(space, part)
	if err != nil {
		return err
	}
	return p.AsyncBatch(ctx, b)
}

// PrefixScan streams a partition's keys under prefix.
func (s *Store) PrefixScan(space types.GraphSpaceID, part types.PartitionID, prefix []byte,
	stale bool, fn func(key, value []byte) error) error {
	p, err := s.Part(space, part)
	if err != nil {
		return err
	}
	return p.Prefix(prefix, stale, fn)
}

// RangeScan streams [start, end) of one partition.
func (s *Store) RangeScan(space types.GraphSpaceID, part types.PartitionID, start, end []byte,
	stale bool, fn func(key, value []byte) error) error {
	p, err := s.Part(space, part)
	if err != nil {
		return err
	}
	return p.Range(start, end, stale, fn)
}

// Flush syncs a space's engine.
func (s *Store) Flush(space types.GraphSpaceID) error {
	eng, err := s.Engine(space)
	if err != nil {
		return err
	}
	return eng.Flush()
}

// Compact flattens a space's engine.
func (s *Store) Compact(space types.GraphSpaceID) error {
	eng, err := s.Engine(space)
	if err != nil {
		return err
	}
	return eng.Compact()
}

// CountParts reports how many partitions this host serves and leads.
func (s *Store) CountParts() (total, leading int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ss := range s.spaces {
		for _, p := range ss.parts {
			total++
			if p.IsLeader() {
				leading++
			}
		}
	}
	return total, leading
}

// Stop halts every part and closes every engine.
func (s *Store) Stop() {
	s.mu.Lock()
	spaces := s.spaces
	s.spaces = make(map[types.GraphSpaceID]*spaceStore)
	s.mu.Unlock()
	for space, ss := range spaces {
		for part := range ss.parts {
			s.svc.RemovePart(space, part)
		}
		if err := ss.engine.Close(); err != nil {
			s.logger.Error().Err(err).Uint32("space", space).Msg("Engine close failed")
		}
	}
}
