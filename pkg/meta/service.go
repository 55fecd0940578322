package meta

import (
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/rs/zerolog"

	"github.com/vergedb/verge/pkg/log"
	"github.com/vergedb/verge/pkg/schema"
	"github.com/vergedb/verge/pkg/status"
	"github.com/vergedb/verge/pkg/types"
)

const applyTimeout = 10 * time.Second

// hostExpiry marks a host inactive when its heartbeat is older than this.
const hostExpiry = 60 * time.Second

// Config holds configuration for creating a meta Service.
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string

	HeartbeatTimeout time.Duration
	ElectionTimeout  time.Duration
}

// Service is the metadata authority: spaces, schemas, indexes, hosts,
// listeners, the cluster id and admin jobs, replicated with hashicorp
// raft over the bolt-backed store.
type Service struct {
	nodeID   string
	bindAddr string
	dataDir  string
	cfg      Config

	raft   *raft.Raft
	fsm    *MetaFSM
	store  *Store
	jobs   *JobManager
	logger zerolog.Logger
}

// NewService creates a meta Service instance.
func NewService(cfg Config) (*Service, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	store, err := NewStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	s := &Service{
		nodeID:   cfg.NodeID,
		bindAddr: cfg.BindAddr,
		dataDir:  cfg.DataDir,
		cfg:      cfg,
		fsm:      NewMetaFSM(store),
		store:    store,
		logger:   log.WithComponent("metad"),
	}
	s.jobs = NewJobManager(s)
	return s, nil
}

// Store exposes read access for handlers.
func (s *Service) Store() *Store { return s.store }

// Jobs exposes the admin-job manager.
func (s *Service) Jobs() *JobManager { return s.jobs }

func (s *Service) raftConfig() *raft.Config {
	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(s.nodeID)
	config.LogOutput = io.Discard
	if s.cfg.HeartbeatTimeout > 0 {
		config.HeartbeatTimeout = s.cfg.HeartbeatTimeout
	} else {
		config.HeartbeatTimeout = 500 * time.Millisecond
	}
	if s.cfg.ElectionTimeout > 0 {
		config.ElectionTimeout = s.cfg.ElectionTimeout
	} else {
		config.ElectionTimeout = 500 * time.Millisecond
	}
	config.LeaderLeaseTimeout = config.HeartbeatTimeout / 2
	config.CommitTimeout = 50 * time.Millisecond
	return config
}

func (s *Service) openRaft() error {
	addr, err := net.ResolveTCPAddr("tcp", s.bindAddr)
	if err != nil {
		return fmt.Errorf("failed to resolve bind address: %w", err)
	}
	transport, err := raft.NewTCPTransport(s.bindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return fmt.Errorf("failed to create transport: %w", err)
	}
	snapshotStore, err := raft.NewFileSnapshotStore(s.dataDir, 2, os.Stderr)
	if err != nil {
		return fmt.Errorf("failed to create snapshot store: %w", err)
	}
	logStore, err := raftboltdb.NewBoltStore(filepath.Join(s.dataDir, "raft-log.db"))
	if err != nil {
		return fmt.Errorf("failed to create log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(s.dataDir, "raft-stable.db"))
	if err != nil {
		return fmt.Errorf("failed to create stable store: %w", err)
	}
	r, err := raft.NewRaft(s.raftConfig(), s.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return fmt.Errorf("failed to create raft: %w", err)
	}
	s.raft = r
	return nil
}

// Bootstrap initializes a new single-node meta cluster and mints the
// cluster id.
func (s *Service) Bootstrap() error {
	if err := s.openRaft(); err != nil {
		return err
	}
	configuration := raft.Configuration{
		Servers: []raft.Server{{
			ID:      raft.ServerID(s.nodeID),
			Address: raft.ServerAddress(s.bindAddr),
		}},
	}
	if err := s.raft.BootstrapCluster(configuration).Error(); err != nil {
		return fmt.Errorf("failed to bootstrap cluster: %w", err)
	}

	// wait for leadership, then mint the cluster id exactly once
	deadline := time.Now().Add(10 * time.Second)
	for s.raft.State() != raft.Leader {
		if time.Now().After(deadline) {
			return fmt.Errorf("bootstrap node never became leader")
		}
		time.Sleep(50 * time.Millisecond)
	}
	if _, err := s.store.GetClusterID(); err != nil {
		id := rand.Int63()
		if _, err := s.apply("set_cluster_id", id); err != nil {
			return fmt.Errorf("failed to mint cluster id: %w", err)
		}
		s.logger.Info().Int64("cluster_id", id).Msg("Cluster id minted")
	}
	return nil
}

// Join attaches this node to an existing meta cluster; the leader must
// add it with AddVoter.
func (s *Service) Join() error {
	return s.openRaft()
}

// AddVoter adds a meta replica, leader only.
func (s *Service) AddVoter(nodeID, address string) error {
	if !s.IsLeader() {
		return status.New(status.ErrNotLeader, "not the meta leader")
	}
	f := s.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 10*time.Second)
	if err := f.Error(); err != nil {
		return fmt.Errorf("failed to add voter: %w", err)
	}
	return nil
}

// IsLeader reports meta leadership.
func (s *Service) IsLeader() bool {
	return s.raft != nil && s.raft.State() == raft.Leader
}

// Stop shuts the raft node and the store down.
func (s *Service) Stop() error {
	s.jobs.Stop()
	if s.raft != nil {
		if err := s.raft.Shutdown().Error(); err != nil {
			return err
		}
	}
	return s.store.Close()
}

// apply proposes one command and decodes the FSM result.
func (s *Service) apply(op string, payload interface{}) (int32, error) {
	if !s.IsLeader() {
		return 0, status.New(status.ErrNotLeader, "not the meta leader")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}
	cmd, err := json.Marshal(Command{Op: op, Data: data})
	if err != nil {
		return 0, err
	}
	f := s.raft.Apply(cmd, applyTimeout)
	if err := f.Error(); err != nil {
		return 0, fmt.Errorf("raft apply: %w", err)
	}
	res, ok := f.Response().(applyResult)
	if !ok {
		return 0, fmt.Errorf("unexpected fsm response %T", f.Response())
	}
	return res.Value, res.Err
}

// CreateSpace registers a space and allocates its partitions round-robin
// across the active storage hosts.
func (s *Service) CreateSpace(name string, partitionNum uint32, replicaFactor int) (*SpaceDesc, error) {
	if _, err := s.store.GetSpaceByName(name); err == nil {
		return nil, status.New(status.ErrExisted, "space %q exists", name)
	}
	hosts := s.ActiveStorageHosts()
	if len(hosts) < replicaFactor {
		return nil, status.New(status.ErrUnsupported,
			"%d active hosts for replica factor %d", len(hosts), replicaFactor)
	}
	desc := SpaceDesc{
		Name:          name,
		PartitionNum:  partitionNum,
		ReplicaFactor: replicaFactor,
		CreatedAt:     time.Now().UTC(),
	}
	id, err := s.apply("create_space", &desc)
	if err != nil {
		return nil, err
	}
	desc.ID = uint32(id)

	sort.Slice(hosts, func(i, j int) bool { return hosts[i].String() < hosts[j].String() })
	for part := types.PartitionID(1); part <= partitionNum; part++ {
		alloc := PartAlloc{Space: desc.ID, Part: part}
		for r := 0; r < replicaFactor; r++ {
			alloc.Hosts = append(alloc.Hosts, hosts[(int(part)+r)%len(hosts)])
		}
		if _, err := s.apply("save_part", &alloc); err != nil {
			return nil, err
		}
	}
	return &desc, nil
}

// DropSpace removes a space and everything scoped to it.
func (s *Service) DropSpace(name string) error {
	desc, err := s.store.GetSpaceByName(name)
	if err != nil {
		return err
	}
	_, err = s.apply("drop_space", desc.ID)
	return err
}

// CreateTag installs version 0 of a tag schema.
func (s *Service) CreateTag(space types.GraphSpaceID, name string, ver SchemaVersionDesc) (*TagDesc, error) {
	tags, err := s.store.ListTags(space)
	if err != nil {
		return nil, err
	}
	for _, t := range tags {
		if t.Name == name {
			return nil, status.New(status.ErrExisted, "tag %q exists", name)
		}
	}
	ver.Version = 0
	desc := TagDesc{Space: space, Name: name, Versions: []SchemaVersionDesc{ver}}
	id, err := s.apply("save_tag", &desc)
	if err != nil {
		return nil, err
	}
	desc.ID = id
	return &desc, nil
}

// AlterTag appends a new schema version; old versions stay readable
// forever.
func (s *Service) AlterTag(space types.GraphSpaceID, name string, addColumns []ColumnDef) (*TagDesc, error) {
	desc, err := s.tagByName(space, name)
	if err != nil {
		return nil, err
	}
	last := desc.Versions[len(desc.Versions)-1]
	next := SchemaVersionDesc{
		Version:     last.Version + 1,
		Columns:     append(append([]ColumnDef{}, last.Columns...), addColumns...),
		TTLColumn:   last.TTLColumn,
		TTLDuration: last.TTLDuration,
	}
	desc.Versions = append(desc.Versions, next)
	if _, err := s.apply("save_tag", desc); err != nil {
		return nil, err
	}
	return desc, nil
}

// CreateEdge installs version 0 of an edge schema.
func (s *Service) CreateEdge(space types.GraphSpaceID, name string, ver SchemaVersionDesc) (*EdgeDesc, error) {
	edges, err := s.store.ListEdges(space)
	if err != nil {
		return nil, err
	}
	for _, e := range edges {
		if e.Name == name {
			return nil, status.New(status.ErrExisted, "edge %q exists", name)
		}
	}
	ver.Version = 0
	desc := EdgeDesc{Space: space, Name: name, Versions: []SchemaVersionDesc{ver}}
	et, err := s.apply("save_edge", &desc)
	if err != nil {
		return nil, err
	}
	desc.Type = et
	return &desc, nil
}

// AlterEdge appends a new schema version.
func (s *Service) AlterEdge(space types.GraphSpaceID, name string, addColumns []ColumnDef) (*EdgeDesc, error) {
	edges, err := s.store.ListEdges(space)
	if err != nil {
		return nil, err
	}
	var desc *EdgeDesc
	for _, e := range edges {
		if e.Name == name {
			desc = e
			break
		}
	}
	if desc == nil {
		return nil, status.New(status.ErrNotFound, "edge %q not found", name)
	}
	last := desc.Versions[len(desc.Versions)-1]
	next := SchemaVersionDesc{
		Version:     last.Version + 1,
		Columns:     append(append([]ColumnDef{}, last.Columns...), addColumns...),
		TTLColumn:   last.TTLColumn,
		TTLDuration: last.TTLDuration,
	}
	desc.Versions = append(desc.Versions, next)
	if _, err := s.apply("save_edge", desc); err != nil {
		return nil, err
	}
	return desc, nil
}

// CreateIndex registers a composite index over tag or edge columns.
func (s *Service) CreateIndex(desc IndexDesc) (*IndexDesc, error) {
	id, err := s.apply("create_index", &desc)
	if err != nil {
		return nil, err
	}
	desc.ID = id
	return &desc, nil
}

// DropIndex removes an index definition.
func (s *Service) DropIndex(space types.GraphSpaceID, id types.IndexID) error {
	_, err := s.apply("drop_index", struct {
		Space uint32 `json:"space"`
		ID    int32  `json:"id"`
	}{space, id})
	return err
}

// AddListener binds a log listener to a partition.
func (s *Service) AddListener(desc ListenerDesc) error {
	_, err := s.apply("save_listener", &desc)
	return err
}

// RemoveListener unbinds a log listener.
func (s *Service) RemoveListener(desc ListenerDesc) error {
	_, err := s.apply("delete_listener", &desc)
	return err
}

// Heartbeat records a host's liveness and verifies its cluster id. A host
// reporting a different cluster id is rejected outright.
func (s *Service) Heartbeat(req *HeartbeatRequest) (*HeartbeatResponse, error) {
	clusterID, err := s.store.GetClusterID()
	if err != nil {
		return nil, err
	}
	if req.ClusterID != 0 && req.ClusterID != clusterID {
		return nil, status.New(status.ErrRPCFailure,
			"cluster id mismatch: host has %d, cluster is %d", req.ClusterID, clusterID)
	}
	info := HostInfo{
		Addr:          req.Host,
		Role:          req.Role,
		LastHeartbeat: time.Now().UTC(),
		DirUsage:      req.DirUsage,
	}
	if _, err := s.apply("save_host", &info); err != nil {
		return nil, err
	}
	return &HeartbeatResponse{ClusterID: clusterID}, nil
}

// ActiveStorageHosts lists storage hosts with a fresh heartbeat.
func (s *Service) ActiveStorageHosts() []types.HostAddr {
	hosts, err := s.store.ListHosts()
	if err != nil {
		return nil
	}
	var out []types.HostAddr
	cutoff := time.Now().Add(-hostExpiry)
	for _, h := range hosts {
		if h.Role == RoleStorage && h.LastHeartbeat.After(cutoff) {
			out = append(out, h.Addr)
		}
	}
	return out
}

func (s *Service) tagByName(space types.GraphSpaceID, name string) (*TagDesc, error) {
	tags, err := s.store.ListTags(space)
	if err != nil {
		return nil, err
	}
	for _, t := range tags {
		if t.Name == name {
			return t, nil
		}
	}
	return nil, status.New(status.ErrNotFound, "tag %q not found", name)
}

// BuildSchema converts one stored schema version into the registry form.
func BuildSchema(ver SchemaVersionDesc) (*schema.Schema, error) {
	b := schema.NewBuilder(ver.Version)
	for _, col := range ver.Columns {
		f := schema.Field{Name: col.Name, Type: col.Type, Nullable: col.Nullable, Default: col.Default}
		b.AppendField(f)
	}
	if ver.TTLColumn != "" {
		b.WithTTL(ver.TTLColumn, ver.TTLDuration)
	}
	return b.Build()
}

// SyncRegistry loads every schema version of a space into a registry,
// the way storage and graph hosts refresh from meta.
func (s *Service) SyncRegistry(space types.GraphSpaceID, reg *schema.Registry) error {
	tags, err := s.store.ListTags(space)
	if err != nil {
		return err
	}
	for _, t := range tags {
		for _, ver := range t.Versions {
			sc, err := BuildSchema(ver)
			if err != nil {
				return err
			}
			if err := reg.RegisterTag(space, t.Name, t.ID, sc); err != nil &&
				status.CodeOf(err) != status.ErrExisted && status.CodeOf(err) != status.ErrLogStale {
				return err
			}
		}
	}
	edges, err := s.store.ListEdges(space)
	if err != nil {
		return err
	}
	for _, e := range edges {
		for _, ver := range e.Versions {
			sc, err := BuildSchema(ver)
			if err != nil {
				return err
			}
			if err := reg.RegisterEdge(space, e.Name, e.Type, sc); err != nil &&
				status.CodeOf(err) != status.ErrExisted && status.CodeOf(err) != status.ErrLogStale {
				return err
			}
		}
	}
	return nil
}
