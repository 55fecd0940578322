package meta

import (
	"time"

	"github.com/vergedb/verge/pkg/types"
)

// ColumnDef is one column of a tag or edge schema as stored in meta.
type ColumnDef struct {
	Name     string             `json:"name"`
	Type     types.PropertyType `json:"type"`
	Nullable bool               `json:"nullable,omitempty"`
	Default  *types.Value       `json:"default,omitempty"`
}

// SpaceDesc describes a space. PartitionNum fixes the hash space for
// the life of the space; only charset-level tweaks are mutable.
type SpaceDesc struct {
	ID            types.GraphSpaceID `json:"id"`
	Name          string             `json:"name"`
	PartitionNum  uint32             `json:"partition_num"`
	ReplicaFactor int                `json:"replica_factor"`
	Charset       string             `json:"charset,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
}

// SchemaVersionDesc is one immutable version of a tag or edge schema.
type SchemaVersionDesc struct {
	Version     types.SchemaVer `json:"version"`
	Columns     []ColumnDef     `json:"columns"`
	TTLColumn   string          `json:"ttl_column,omitempty"`
	TTLDuration int64           `json:"ttl_duration,omitempty"`
}

// TagDesc is a tag with its version history, append-only.
type TagDesc struct {
	Space    types.GraphSpaceID  `json:"space"`
	ID       types.TagID         `json:"id"`
	Name     string              `json:"name"`
	Versions []SchemaVersionDesc `json:"versions"`
}

// EdgeDesc is an edge type with its version history.
type EdgeDesc struct {
	Space    types.GraphSpaceID  `json:"space"`
	Type     types.EdgeType      `json:"type"`
	Name     string              `json:"name"`
	Versions []SchemaVersionDesc `json:"versions"`
}

// IndexDesc describes one secondary index.
type IndexDesc struct {
	Space   types.GraphSpaceID `json:"space"`
	ID      types.IndexID      `json:"id"`
	Name    string             `json:"name"`
	IsEdge  bool               `json:"is_edge"`
	TagID   types.TagID        `json:"tag_id,omitempty"`
	Edge    types.EdgeType     `json:"edge,omitempty"`
	Columns []string           `json:"columns"`
}

// HostRole labels registered cluster members.
type HostRole string

const (
	RoleStorage  HostRole = "storage"
	RoleGraph    HostRole = "graph"
	RoleListener HostRole = "listener"
)

// HostInfo is one registered host with its liveness state.
type HostInfo struct {
	Addr          types.HostAddr    `json:"addr"`
	Role          HostRole          `json:"role"`
	LastHeartbeat time.Time         `json:"last_heartbeat"`
	DirUsage      map[string]uint64 `json:"dir_usage,omitempty"`
}

// PartAlloc maps one partition to its replica hosts.
type PartAlloc struct {
	Space types.GraphSpaceID `json:"space"`
	Part  types.PartitionID  `json:"part"`
	Hosts []types.HostAddr   `json:"hosts"`
}

// ListenerDesc binds an external log consumer to a partition.
type ListenerDesc struct {
	Space types.GraphSpaceID `json:"space"`
	Part  types.PartitionID  `json:"part"`
	Type  string             `json:"type"`
	Host  types.HostAddr     `json:"host"`
}

// JobStatus is the admin-job state machine.
type JobStatus string

const (
	JobQueued   JobStatus = "queued"
	JobRunning  JobStatus = "running"
	JobFinished JobStatus = "finished"
	JobFailed   JobStatus = "failed"
	JobStopped  JobStatus = "stopped"
)

// JobDesc is one admin job (rebuild-index, compact, flush, stats).
type JobDesc struct {
	ID        types.JobID        `json:"id"`
	Space     types.GraphSpaceID `json:"space"`
	Command   string             `json:"command"`
	Params    []string           `json:"params,omitempty"`
	Status    JobStatus          `json:"status"`
	CreatedAt time.Time          `json:"created_at"`
	StoppedAt time.Time          `json:"stopped_at,omitempty"`
}

// HeartbeatRequest is what storage and graph hosts report periodically.
type HeartbeatRequest struct {
	Host      types.HostAddr    `json:"host"`
	Role      HostRole          `json:"role"`
	ClusterID types.ClusterID   `json:"cluster_id"`
	DirUsage  map[string]uint64 `json:"dir_usage,omitempty"`
}

// HeartbeatResponse returns the cluster id for first-contact hosts.
type HeartbeatResponse struct {
	ClusterID types.ClusterID `json:"cluster_id"`
}
