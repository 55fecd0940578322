// Package raftex drives per-partition replication: leader election, log
// replication, one-at-a-time membership change, learner catch-up and
// snapshot transfer. Every partition of a space is one raft group; a host
// runs many parts behind a single Service.
package raftex

import (
	"context"
	"time"

	"github.com/vergedb/verge/pkg/status"
	"github.com/vergedb/verge/pkg/types"
)

// Role is the state of one part replica.
type Role int32

const (
	RoleFollower Role = iota
	RoleCandidate
	RoleLeader
	RoleLearner
)

func (r Role) String() string {
	switch r {
	case RoleFollower:
		return "follower"
	case RoleCandidate:
		return "candidate"
	case RoleLeader:
		return "leader"
	case RoleLearner:
		return "learner"
	}
	return "unknown"
}

// EntryKind separates user payloads from raftex-internal records.
type EntryKind uint8

const (
	EntryNormal EntryKind = iota
	EntryConfigChange
	EntryHeartbeat
)

// LogEntry is one replicated record on the wire.
type LogEntry struct {
	LogID   types.LogID     `json:"log_id"`
	Term    types.TermID    `json:"term"`
	Cluster types.ClusterID `json:"cluster"`
	Kind    EntryKind       `json:"kind"`
	Payload []byte          `json:"payload"`
}

// VoteRequest asks a peer for its vote in an election.
type VoteRequest struct {
	Space       types.GraphSpaceID `json:"space"`
	Part        types.PartitionID  `json:"part"`
	Candidate   types.HostAddr     `json:"candidate"`
	Term        types.TermID       `json:"term"`
	LastLogID   types.LogID        `json:"last_log_id"`
	LastLogTerm types.TermID       `json:"last_log_term"`
}

// VoteResponse carries the grant decision and the voter's term.
type VoteResponse struct {
	Granted bool         `json:"granted"`
	Term    types.TermID `json:"term"`
}

// AppendRequest replicates a batch of entries (possibly empty, as a
// heartbeat) from the leader.
type AppendRequest struct {
	Space       types.GraphSpaceID `json:"space"`
	Part        types.PartitionID  `json:"part"`
	Leader      types.HostAddr     `json:"leader"`
	Term        types.TermID       `json:"term"`
	PrevLogID   types.LogID        `json:"prev_log_id"`
	PrevLogTerm types.TermID       `json:"prev_log_term"`
	Committed   types.LogID        `json:"committed"`
	Entries     []LogEntry         `json:"entries"`
}

// AppendResponse acknowledges with the follower's match point so the
// leader can walk next ids back on divergence.
type AppendResponse struct {
	Code      status.Code  `json:"code"`
	Term      types.TermID `json:"term"`
	MatchID   types.LogID  `json:"match_id"`
	MatchTerm types.TermID `json:"match_term"`
}

// SnapshotRequest streams state machine rows to a peer whose log prefix
// has been truncated away.
type SnapshotRequest struct {
	Space         types.GraphSpaceID `json:"space"`
	Part          types.PartitionID  `json:"part"`
	Leader        types.HostAddr     `json:"leader"`
	Term          types.TermID       `json:"term"`
	Rows          [][]byte           `json:"rows"`
	CommittedID   types.LogID        `json:"committed_id"`
	CommittedTerm types.TermID       `json:"committed_term"`
	Done          bool               `json:"done"`
}

// SnapshotResponse acknowledges one snapshot chunk.
type SnapshotResponse struct {
	Code status.Code  `json:"code"`
	Term types.TermID `json:"term"`
}

// Transport sends raft RPCs to peers. Implementations must be safe for
// concurrent use; calls honor the context deadline.
type Transport interface {
	AskForVote(ctx context.Context, target types.HostAddr, req *VoteRequest) (*VoteResponse, error)
	AppendLog(ctx context.Context, target types.HostAddr, req *AppendRequest) (*AppendResponse, error)
	SendSnapshot(ctx context.Context, target types.HostAddr, req *SnapshotRequest) (*SnapshotResponse, error)
}

// StateMachine is the replicated application under one part. Apply is
// invoked in commit order from a single goroutine per part.
type StateMachine interface {
	// Apply commits a batch of user payloads at the given log position.
	Apply(payloads [][]byte, committed types.LogID) error
	// Snapshot streams the full state as opaque rows; it returns the log
	// position the snapshot covers.
	Snapshot(sink func(rows [][]byte, done bool) error) (types.LogID, types.TermID, error)
	// ApplySnapshot ingests snapshot rows on a follower; done marks the
	// final chunk.
	ApplySnapshot(rows [][]byte, committedID types.LogID, committedTerm types.TermID, done bool) error
	// OnRoleChange observes role transitions, mainly for leader-only
	// caches.
	OnRoleChange(role Role, term types.TermID)
}

// Config tunes one part.
type Config struct {
	ClusterID types.ClusterID
	Space     types.GraphSpaceID
	Part      types.PartitionID
	Local     types.HostAddr

	// Peers is the initial voter set, local address included. Learners
	// join later through AddLearner.
	Peers []types.HostAddr

	// ElectionTimeout is T; actual timeouts randomize within [T, 2T).
	ElectionTimeout time.Duration
	// HeartbeatInterval defaults to ElectionTimeout / 3.
	HeartbeatInterval time.Duration
	// ExpiredFactor: a leader that cannot reach a quorum for
	// ExpiredFactor heartbeat intervals steps down.
	ExpiredFactor int
	// MaxBatchSize bounds how many proposals replicate in one append.
	MaxBatchSize int

	WalDir string
	// WalSync forces fsync per append.
	WalSync bool
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.ElectionTimeout <= 0 {
		out.ElectionTimeout = 500 * time.Millisecond
	}
	if out.HeartbeatInterval <= 0 {
		out.HeartbeatInterval = out.ElectionTimeout / 3
	}
	if out.ExpiredFactor <= 0 {
		out.ExpiredFactor = 3
	}
	if out.MaxBatchSize <= 0 {
		out.MaxBatchSize = 256
	}
	return out
}
