package meta

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/raft"
)

// MetaFSM implements the Raft finite state machine over the meta store.
// Every mutation of cluster metadata flows through Apply so all replicas
// hold identical state.
type MetaFSM struct {
	mu    sync.RWMutex
	store *Store
}

// NewMetaFSM creates a new FSM instance.
func NewMetaFSM(store *Store) *MetaFSM {
	return &MetaFSM{store: store}
}

// Command represents a state change operation in the Raft log.
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

// applyResult lets Apply return a value (e.g. a freshly minted id)
// alongside an error through raft's interface{} return.
type applyResult struct {
	Value int32
	Err   error
}

// Apply applies a Raft log entry to the FSM.
func (f *MetaFSM) Apply(entry *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(entry.Data, &cmd); err != nil {
		return applyResult{Err: fmt.Errorf("failed to unmarshal command: %w", err)}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case "create_space":
		var desc SpaceDesc
		if err := json.Unmarshal(cmd.Data, &desc); err != nil {
			return applyResult{Err: err}
		}
		id, err := f.store.NextID("space")
		if err != nil {
			return applyResult{Err: err}
		}
		desc.ID = uint32(id)
		if err := f.store.SaveSpace(&desc); err != nil {
			return applyResult{Err: err}
		}
		return applyResult{Value: id}

	case "drop_space":
		var id uint32
		if err := json.Unmarshal(cmd.Data, &id); err != nil {
			return applyResult{Err: err}
		}
		return applyResult{Err: f.store.DeleteSpace(id)}

	case "save_tag":
		var desc TagDesc
		if err := json.Unmarshal(cmd.Data, &desc); err != nil {
			return applyResult{Err: err}
		}
		if desc.ID == 0 {
			id, err := f.store.NextID("schema")
			if err != nil {
				return applyResult{Err: err}
			}
			desc.ID = id
		}
		if err := f.store.SaveTag(&desc); err != nil {
			return applyResult{Err: err}
		}
		return applyResult{Value: desc.ID}

	case "save_edge":
		var desc EdgeDesc
		if err := json.Unmarshal(cmd.Data, &desc); err != nil {
			return applyResult{Err: err}
		}
		if desc.Type == 0 {
			id, err := f.store.NextID("schema")
			if err != nil {
				return applyResult{Err: err}
			}
			desc.Type = id
		}
		if err := f.store.SaveEdge(&desc); err != nil {
			return applyResult{Err: err}
		}
		return applyResult{Value: desc.Type}

	case "create_index":
		var desc IndexDesc
		if err := json.Unmarshal(cmd.Data, &desc); err != nil {
			return applyResult{Err: err}
		}
		id, err := f.store.NextID("index")
		if err != nil {
			return applyResult{Err: err}
		}
		desc.ID = id
		if err := f.store.SaveIndex(&desc); err != nil {
			return applyResult{Err: err}
		}
		return applyResult{Value: id}

	case "drop_index":
		var ref struct {
			Space uint32 `json:"space"`
			ID    int32  `json:"id"`
		}
		if err := json.Unmarshal(cmd.Data, &ref); err != nil {
			return applyResult{Err: err}
		}
		return applyResult{Err: f.store.DeleteIndex(ref.Space, ref.ID)}

	case "save_host":
		var info HostInfo
		if err := json.Unmarshal(cmd.Data, &info); err != nil {
			return applyResult{Err: err}
		}
		return applyResult{Err: f.store.SaveHost(&info)}

	case "save_part":
		var alloc PartAlloc
		if err := json.Unmarshal(cmd.Data, &alloc); err != nil {
			return applyResult{Err: err}
		}
		return applyResult{Err: f.store.SavePart(&alloc)}

	case "save_listener":
		var desc ListenerDesc
		if err := json.Unmarshal(cmd.Data, &desc); err != nil {
			return applyResult{Err: err}
		}
		return applyResult{Err: f.store.SaveListener(&desc)}

	case "delete_listener":
		var desc ListenerDesc
		if err := json.Unmarshal(cmd.Data, &desc); err != nil {
			return applyResult{Err: err}
		}
		return applyResult{Err: f.store.DeleteListener(&desc)}

	case "save_job":
		var job JobDesc
		if err := json.Unmarshal(cmd.Data, &job); err != nil {
			return applyResult{Err: err}
		}
		if job.ID == 0 {
			id, err := f.store.NextID("job")
			if err != nil {
				return applyResult{Err: err}
			}
			job.ID = id
		}
		if err := f.store.SaveJob(&job); err != nil {
			return applyResult{Err: err}
		}
		return applyResult{Value: job.ID}

	case "set_cluster_id":
		var id int64
		if err := json.Unmarshal(cmd.Data, &id); err != nil {
			return applyResult{Err: err}
		}
		return applyResult{Err: f.store.SaveClusterID(id)}

	default:
		return applyResult{Err: fmt.Errorf("unknown command: %s", cmd.Op)}
	}
}

// Snapshot captures the full meta state.
func (f *MetaFSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	dump, err := f.store.Export()
	if err != nil {
		return nil, fmt.Errorf("failed to export store: %w", err)
	}
	return &metaSnapshot{Dump: dump}, nil
}

// Restore replaces the FSM state from a snapshot.
func (f *MetaFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snap metaSnapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.store.Import(snap.Dump)
}

// metaSnapshot is a point-in-time dump of every bucket.
type metaSnapshot struct {
	Dump map[string]map[string][]byte
}

// Persist writes the snapshot to the given SnapshotSink.
func (s *metaSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
	}
	return err
}

// Release releases the snapshot resources.
func (s *metaSnapshot) Release() {}
