package kv

import (
	"bytes"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/vergedb/verge/pkg/status"
)

// badgerEngine backs one space with a Badger LSM instance.
type badgerEngine struct {
	db *badger.DB
}

// OpenEngine opens (or creates) the LSM under dir. In-memory engines are
// used by tests via dir == "".
func OpenEngine(dir string) (Engine, error) {
	var opts badger.Options
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(dir)
	}
	opts = opts.WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open lsm at %q: %w", dir, err)
	}
	return &badgerEngine{db: db}, nil
}

func (e *badgerEngine) Get(key []byte) ([]byte, error) {
	var out []byte
	err := e.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return nil, status.New(status.ErrKeyNotFound, "key absent")
	}
	if err != nil {
		return nil, fmt.Errorf("lsm get: %w", err)
	}
	return out, nil
}

func (e *badgerEngine) MultiGet(keys [][]byte) ([][]byte, error) {
	out := make([][]byte, len(keys))
	err := e.db.View(func(txn *badger.Txn) error {
		for i, key := range keys {
			item, err := txn.Get(key)
			if err == badger.ErrKeyNotFound {
				continue
			}
			if err != nil {
				return err
			}
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			out[i] = v
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("lsm multi get: %w", err)
	}
	return out, nil
}

func (e *badgerEngine) Put(key, value []byte) error {
	return e.ApplyBatch(NewBatch().Put(key, value))
}

func (e *badgerEngine) Remove(key []byte) error {
	return e.ApplyBatch(NewBatch().Remove(key))
}

func (e *badgerEngine) RemoveRange(start, end []byte) error {
	return e.ApplyBatch(NewBatch().RemoveRange(start, end))
}

func (e *badgerEngine) Prefix(prefix []byte, fn func(key, value []byte) error) error {
	return e.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := fn(item.Key(), val); err != nil {
				return err
			}
		}
		return nil
	})
}

func (e *badgerEngine) Range(start, end []byte, fn func(key, value []byte) error) error {
	return e.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(start); it.Valid(); it.Next() {
			item := it.Item()
			if bytes.Compare(item.Key(), end) >= 0 {
				return nil
			}
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := fn(item.Key(), val); err != nil {
				return err
			}
		}
		return nil
	})
}

func (e *badgerEngine) ApplyBatch(b *Batch) error {
	err := e.db.Update(func(txn *badger.Txn) error {
		for _, op := range b.Ops() {
			switch op.Kind {
			case OpPut:
				if err := txn.Set(append([]byte(nil), op.Key...), append([]byte(nil), op.Value...)); err != nil {
					return err
				}
			case OpRemove:
				if err := txn.Delete(append([]byte(nil), op.Key...)); err != nil {
					return err
				}
			case OpRemoveRange:
				// collect the range first: deleting under an open
				// iterator invalidates it
				var doomed [][]byte
				it := txn.NewIterator(badger.IteratorOptions{})
				for it.Seek(op.Key); it.Valid(); it.Next() {
					k := it.Item().KeyCopy(nil)
					if bytes.Compare(k, op.Value) >= 0 {
						break
					}
					doomed = append(doomed, k)
				}
				it.Close()
				for _, k := range doomed {
					if err := txn.Delete(k); err != nil {
						return err
					}
				}
			default:
				return fmt.Errorf("unknown batch op %d", op.Kind)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("lsm batch: %w", err)
	}
	return nil
}

func (e *badgerEngine) Flush() error {
	if e.db.IsClosed() {
		return nil
	}
	if e.db.Opts().InMemory {
		return nil
	}
	return e.db.Sync()
}

func (e *badgerEngine) Compact() error {
	err := e.db.Flatten(2)
	if err != nil && err != badger.ErrNoRewrite {
		return fmt.Errorf("lsm compact: %w", err)
	}
	return nil
}

func (e *badgerEngine) Close() error {
	return e.db.Close()
}
