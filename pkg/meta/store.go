package meta

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/vergedb/verge/pkg/status"
	"github.com/vergedb/verge/pkg/types"
)

var (
	// Bucket names
	bucketSpaces    = []byte("spaces")
	bucketTags      = []byte("tags")
	bucketEdges     = []byte("edges")
	bucketIndexes   = []byte("indexes")
	bucketHosts     = []byte("hosts")
	bucketParts     = []byte("parts")
	bucketListeners = []byte("listeners")
	bucketJobs      = []byte("jobs")
	bucketSystem    = []byte("system")
)

var keyClusterID = []byte("cluster_id")

// Store persists the meta state machine in BoltDB.
type Store struct {
	db *bolt.DB
}

// NewStore opens the meta database under dataDir.
func NewStore(dataDir string) (*Store, error) {
	dbPath := filepath.Join(dataDir, "meta.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketSpaces,
			bucketTags,
			bucketEdges,
			bucketIndexes,
			bucketHosts,
			bucketParts,
			bucketListeners,
			bucketJobs,
			bucketSystem,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func spaceKey(space types.GraphSpaceID) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], space)
	return b[:]
}

func scopedKey(space types.GraphSpaceID, id int32) []byte {
	var b [8]byte
	binary.BigEndian.PutUint32(b[:4], space)
	binary.BigEndian.PutUint32(b[4:], uint32(id))
	return b[:]
}

func (s *Store) putJSON(bucket, key []byte, v interface{}) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return tx.Bucket(bucket).Put(key, data)
	})
}

func (s *Store) getJSON(bucket, key []byte, v interface{}) error {
	return s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucket).Get(key)
		if data == nil {
			return status.New(status.ErrNotFound, "%s/%x not found", bucket, key)
		}
		return json.Unmarshal(data, v)
	})
}

// Space operations
func (s *Store) SaveSpace(desc *SpaceDesc) error {
	return s.putJSON(bucketSpaces, spaceKey(desc.ID), desc)
}

func (s *Store) GetSpace(id types.GraphSpaceID) (*SpaceDesc, error) {
	var desc SpaceDesc
	if err := s.getJSON(bucketSpaces, spaceKey(id), &desc); err != nil {
		return nil, err
	}
	return &desc, nil
}

func (s *Store) GetSpaceByName(name string) (*SpaceDesc, error) {
	var found *SpaceDesc
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSpaces).ForEach(func(k, v []byte) error {
			var desc SpaceDesc
			if err := json.Unmarshal(v, &desc); err != nil {
				return err
			}
			if desc.Name == name {
				found = &desc
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, status.New(status.ErrNotFound, "space %q not found", name)
	}
	return found, nil
}

func (s *Store) ListSpaces() ([]*SpaceDesc, error) {
	var spaces []*SpaceDesc
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSpaces).ForEach(func(k, v []byte) error {
			var desc SpaceDesc
			if err := json.Unmarshal(v, &desc); err != nil {
				return err
			}
			spaces = append(spaces, &desc)
			return nil
		})
	})
	return spaces, err
}

func (s *Store) DeleteSpace(id types.GraphSpaceID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketSpaces).Delete(spaceKey(id)); err != nil {
			return err
		}
		// drop the space's schemas, indexes and part allocations
		for _, bucket := range [][]byte{bucketTags, bucketEdges, bucketIndexes, bucketParts, bucketListeners} {
			b := tx.Bucket(bucket)
			c := b.Cursor()
			prefix := spaceKey(id)
			for k, _ := c.Seek(prefix); k != nil && len(k) >= 4 &&
				binary.BigEndian.Uint32(k[:4]) == id; k, _ = c.Next() {
				if err := b.Delete(k); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// Tag operations
func (s *Store) SaveTag(desc *TagDesc) error {
	return s.putJSON(bucketTags, scopedKey(desc.Space, desc.ID), desc)
}

func (s *Store) GetTag(space types.GraphSpaceID, id types.TagID) (*TagDesc, error) {
	var desc TagDesc
	if err := s.getJSON(bucketTags, scopedKey(space, id), &desc); err != nil {
		return nil, err
	}
	return &desc, nil
}

func (s *Store) ListTags(space types.GraphSpaceID) ([]*TagDesc, error) {
	var tags []*TagDesc
	err := s.forEachScoped(bucketTags, space, func(v []byte) error {
		var desc TagDesc
		if err := json.Unmarshal(v, &desc); err != nil {
			return err
		}
		tags = append(tags, &desc)
		return nil
	})
	return tags, err
}

// Edge operations
func (s *Store) SaveEdge(desc *EdgeDesc) error {
	return s.putJSON(bucketEdges, scopedKey(desc.Space, desc.Type), desc)
}

func (s *Store) GetEdge(space types.GraphSpaceID, et types.EdgeType) (*EdgeDesc, error) {
	if et < 0 {
		et = -et
	}
	var desc EdgeDesc
	if err := s.getJSON(bucketEdges, scopedKey(space, et), &desc); err != nil {
		return nil, err
	}
	return &desc, nil
}

func (s *Store) ListEdges(space types.GraphSpaceID) ([]*EdgeDesc, error) {
	var edges []*EdgeDesc
	err := s.forEachScoped(bucketEdges, space, func(v []byte) error {
		var desc EdgeDesc
		if err := json.Unmarshal(v, &desc); err != nil {
			return err
		}
		edges = append(edges, &desc)
		return nil
	})
	return edges, err
}

// Index operations
func (s *Store) SaveIndex(desc *IndexDesc) error {
	return s.putJSON(bucketIndexes, scopedKey(desc.Space, desc.ID), desc)
}

func (s *Store) GetIndex(space types.GraphSpaceID, id types.IndexID) (*IndexDesc, error) {
	var desc IndexDesc
	if err := s.getJSON(bucketIndexes, scopedKey(space, id), &desc); err != nil {
		return nil, err
	}
	return &desc, nil
}

func (s *Store) ListIndexes(space types.GraphSpaceID) ([]*IndexDesc, error) {
	var indexes []*IndexDesc
	err := s.forEachScoped(bucketIndexes, space, func(v []byte) error {
		var desc IndexDesc
		if err := json.Unmarshal(v, &desc); err != nil {
			return err
		}
		indexes = append(indexes, &desc)
		return nil
	})
	return indexes, err
}

func (s *Store) DeleteIndex(space types.GraphSpaceID, id types.IndexID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketIndexes).Delete(scopedKey(space, id))
	})
}

// Host operations
func (s *Store) SaveHost(info *HostInfo) error {
	return s.putJSON(bucketHosts, []byte(info.Addr.String()), info)
}

func (s *Store) GetHost(addr types.HostAddr) (*HostInfo, error) {
	var info HostInfo
	if err := s.getJSON(bucketHosts, []byte(addr.String()), &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (s *Store) ListHosts() ([]*HostInfo, error) {
	var hosts []*HostInfo
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketHosts).ForEach(func(k, v []byte) error {
			var info HostInfo
			if err := json.Unmarshal(v, &info); err != nil {
				return err
			}
			hosts = append(hosts, &info)
			return nil
		})
	})
	return hosts, err
}

// Part allocations
func (s *Store) SavePart(alloc *PartAlloc) error {
	return s.putJSON(bucketParts, scopedKey(alloc.Space, int32(alloc.Part)), alloc)
}

func (s *Store) ListParts(space types.GraphSpaceID) ([]*PartAlloc, error) {
	var parts []*PartAlloc
	err := s.forEachScoped(bucketParts, space, func(v []byte) error {
		var alloc PartAlloc
		if err := json.Unmarshal(v, &alloc); err != nil {
			return err
		}
		parts = append(parts, &alloc)
		return nil
	})
	return parts, err
}

// Listener bindings
func (s *Store) SaveListener(desc *ListenerDesc) error {
	key := append(scopedKey(desc.Space, int32(desc.Part)), desc.Host.String()...)
	return s.putJSON(bucketListeners, key, desc)
}

func (s *Store) DeleteListener(desc *ListenerDesc) error {
	key := append(scopedKey(desc.Space, int32(desc.Part)), desc.Host.String()...)
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketListeners).Delete(key)
	})
}

func (s *Store) ListListeners(space types.GraphSpaceID) ([]*ListenerDesc, error) {
	var listeners []*ListenerDesc
	err := s.forEachScoped(bucketListeners, space, func(v []byte) error {
		var desc ListenerDesc
		if err := json.Unmarshal(v, &desc); err != nil {
			return err
		}
		listeners = append(listeners, &desc)
		return nil
	})
	return listeners, err
}

// Job operations
func (s *Store) SaveJob(job *JobDesc) error {
	var key [4]byte
	binary.BigEndian.PutUint32(key[:], uint32(job.ID))
	return s.putJSON(bucketJobs, key[:], job)
}

func (s *Store) GetJob(id types.JobID) (*JobDesc, error) {
	var key [4]byte
	binary.BigEndian.PutUint32(key[:], uint32(id))
	var job JobDesc
	if err := s.getJSON(bucketJobs, key[:], &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *Store) ListJobs() ([]*JobDesc, error) {
	var jobs []*JobDesc
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(k, v []byte) error {
			var job JobDesc
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			jobs = append(jobs, &job)
			return nil
		})
	})
	return jobs, err
}

// Cluster id
func (s *Store) SaveClusterID(id types.ClusterID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(id))
		return tx.Bucket(bucketSystem).Put(keyClusterID, b[:])
	})
}

func (s *Store) GetClusterID() (types.ClusterID, error) {
	var id types.ClusterID
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSystem).Get(keyClusterID)
		if data == nil {
			return status.New(status.ErrNotFound, "cluster id not minted yet")
		}
		id = types.ClusterID(binary.BigEndian.Uint64(data))
		return nil
	})
	return id, err
}

// Counters mint monotonically increasing ids for spaces, schemas, indexes
// and jobs. They live in the system bucket and advance through the FSM,
// so every replica allocates identically.
func (s *Store) NextID(counter string) (int32, error) {
	var next int32
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSystem)
		key := []byte("counter_" + counter)
		curr := int32(0)
		if data := b.Get(key); data != nil {
			curr = int32(binary.BigEndian.Uint32(data))
		}
		next = curr + 1
		var buf [4]byte
		binary.BigEndian.PutUint32(buf[:], uint32(next))
		return b.Put(key, buf[:])
	})
	return next, err
}

func (s *Store) forEachScoped(bucket []byte, space types.GraphSpaceID, fn func(v []byte) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucket).Cursor()
		prefix := spaceKey(space)
		for k, v := c.Seek(prefix); k != nil && len(k) >= 4 &&
			binary.BigEndian.Uint32(k[:4]) == space; k, v = c.Next() {
			if err := fn(v); err != nil {
				return err
			}
		}
		return nil
	})
}

// Export dumps every bucket for raft snapshots.
func (s *Store) Export() (map[string]map[string][]byte, error) {
	out := make(map[string]map[string][]byte)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, b *bolt.Bucket) error {
			m := make(map[string][]byte)
			if err := b.ForEach(func(k, v []byte) error {
				m[string(k)] = append([]byte(nil), v...)
				return nil
			}); err != nil {
				return err
			}
			out[string(name)] = m
			return nil
		})
	})
	return out, err
}

// Import replaces the store contents from a snapshot dump.
func (s *Store) Import(dump map[string]map[string][]byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for name, entries := range dump {
			if err := tx.DeleteBucket([]byte(name)); err != nil && err != bolt.ErrBucketNotFound {
				return err
			}
			b, err := tx.CreateBucketIfNotExists([]byte(name))
			if err != nil {
				return err
			}
			for k, v := range entries {
				if err := b.Put([]byte(k), v); err != nil {
					return err
				}
			}
		}
		return nil
	})
}
