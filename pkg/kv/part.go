package kv

import (
	"context"
	"encoding/binary"

	"github.com/rs/zerolog"

	"github.com/vergedb/verge/pkg/keys"
	"github.com/vergedb/verge/pkg/log"
	"github.com/vergedb/verge/pkg/raftex"
	"github.com/vergedb/verge/pkg/status"
	"github.com/vergedb/verge/pkg/types"
)

const snapshotChunkRows = 128

// committedMarker is the system key suffix holding the apply frontier.
const committedMarker = "committed_log_id"

// Part couples one partition's raft group with the space engine: proposals
// carry encoded batches, and the commit callback applies them atomically.
type Part struct {
	space  types.GraphSpaceID
	part   types.PartitionID
	engine Engine
	raft   *raftex.Part
	logger zerolog.Logger
}

// NewPart builds the replica. The caller registers the returned raft part
// with its raftex.Service.
func NewPart(cfg raftex.Config, engine Engine, tr raftex.Transport, asLearner bool) (*Part, error) {
	p := &Part{
		space:  cfg.Space,
		part:   cfg.Part,
		engine: engine,
		logger: log.WithPart(cfg.Space, cfg.Part),
	}
	r, err := raftex.NewPart(cfg, tr, p, asLearner)
	if err != nil {
		return nil, err
	}
	p.raft = r
	return p, nil
}

// Raft exposes the consensus half for membership and admin operations.
func (p *Part) Raft() *raftex.Part { return p.raft }

// IsLeader reports whether this replica serves strong reads and writes.
func (p *Part) IsLeader() bool { return p.raft.IsLeader() }

// Leader returns the last known leader.
func (p *Part) Leader() types.HostAddr { return p.raft.Leader() }

// AsyncBatch replicates and applies an atomic batch.
func (p *Part) AsyncBatch(ctx context.Context, b *Batch) error {
	if b.Len() == 0 {
		return nil
	}
	return p.raft.Propose(ctx, b.Encode())
}

// checkRead gates reads: strong reads are leader-only, stale reads are an
// explicit opt-in.
func (p *Part) checkRead(stale bool) error {
	if stale || p.raft.IsLeader() {
		return nil
	}
	return status.New(status.ErrLeaderChanged, "part %d: not leader, try %s", p.part, p.raft.Leader())
}

// Get reads one key.
func (p *Part) Get(key []byte, stale bool) ([]byte, error) {
	if err := p.checkRead(stale); err != nil {
		return nil, err
	}
	return p.engine.Get(key)
}

// MultiGet reads several keys; absent keys yield nil slots.
func (p *Part) MultiGet(ks [][]byte, stale bool) ([][]byte, error) {
	if err := p.checkRead(stale); err != nil {
		return nil, err
	}
	return p.engine.MultiGet(ks)
}

// Prefix streams keys under prefix.
func (p *Part) Prefix(prefix []byte, stale bool, fn func(key, value []byte) error) error {
	if err := p.checkRead(stale); err != nil {
		return err
	}
	return p.engine.Prefix(prefix, fn)
}

// Range streams [start, end).
func (p *Part) Range(start, end []byte, stale bool, fn func(key, value []byte) error) error {
	if err := p.checkRead(stale); err != nil {
		return err
	}
	return p.engine.Range(start, end, fn)
}

// Stop halts the raft group.
func (p *Part) Stop() { p.raft.Stop() }

// --- raftex.StateMachine ---

// Apply commits replicated batches. The commit frontier is folded into the
// same engine batch so a crash never splits them.
func (p *Part) Apply(payloads [][]byte, committed types.LogID) error {
	merged := NewBatch()
	for _, payload := range payloads {
		b, err := DecodeBatch(payload)
		if err != nil {
			return err
		}
		merged.ops = append(merged.ops, b.ops...)
	}
	var idBuf [8]byte
	binary.BigEndian.PutUint64(idBuf[:], uint64(committed))
	merged.Put(keys.SystemKey(p.part, committedMarker), idBuf[:])
	return p.engine.ApplyBatch(merged)
}

// CommittedLogID reads the durable apply frontier.
func (p *Part) CommittedLogID() (types.LogID, error) {
	v, err := p.engine.Get(keys.SystemKey(p.part, committedMarker))
	if err != nil {
		if status.CodeOf(err) == status.ErrKeyNotFound {
			return 0, nil
		}
		return 0, err
	}
	return types.LogID(binary.BigEndian.Uint64(v)), nil
}

// Snapshot streams every key of the partition in chunks.
func (p *Part) Snapshot(sink func(rows [][]byte, done bool) error) (types.LogID, types.TermID, error) {
	committed, err := p.CommittedLogID()
	if err != nil {
		return 0, 0, err
	}
	var rows [][]byte
	err = p.engine.Prefix(keys.PartAllPrefix(p.part), func(key, value []byte) error {
		rows = append(rows, encodeSnapshotRow(key, value))
		if len(rows) >= snapshotChunkRows {
			if err := sink(rows, false); err != nil {
				return err
			}
			rows = nil
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	if len(rows) > 0 {
		if err := sink(rows, false); err != nil {
			return 0, 0, err
		}
	}
	return committed, 0, nil
}

// ApplySnapshot ingests streamed rows on a lagging replica.
func (p *Part) ApplySnapshot(rows [][]byte, committedID types.LogID, committedTerm types.TermID, done bool) error {
	b := NewBatch()
	for _, row := range rows {
		key, value, err := decodeSnapshotRow(row)
		if err != nil {
			return err
		}
		b.Put(key, value)
	}
	if done {
		var idBuf [8]byte
		binary.BigEndian.PutUint64(idBuf[:], uint64(committedID))
		b.Put(keys.SystemKey(p.part, committedMarker), idBuf[:])
	}
	if b.Len() == 0 {
		return nil
	}
	return p.engine.ApplyBatch(b)
}

// OnRoleChange logs transitions; leader-only caches would hook in here.
func (p *Part) OnRoleChange(role raftex.Role, term types.TermID) {
	p.logger.Info().Str("role", role.String()).Int64("term", term).Msg("Role changed")
}

func encodeSnapshotRow(key, value []byte) []byte {
	row := binary.AppendUvarint(nil, uint64(len(key)))
	row = append(row, key...)
	row = binary.AppendUvarint(row, uint64(len(value)))
	return append(row, value...)
}

func decodeSnapshotRow(row []byte) ([]byte, []byte, error) {
	kl, n := binary.Uvarint(row)
	if n <= 0 || n+int(kl) > len(row) {
		return nil, nil, status.New(status.ErrBufferOverflow, "corrupt snapshot row")
	}
	key := row[n : n+int(kl)]
	rest := row[n+int(kl):]
	vl, n := binary.Uvarint(rest)
	if n <= 0 || n+int(vl) > len(rest) {
		return nil, nil, status.New(status.ErrBufferOverflow, "corrupt snapshot row")
	}
	return key, rest[n : n+int(vl)], nil
}
