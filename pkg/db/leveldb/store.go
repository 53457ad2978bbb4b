package leveldb

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/eigerco/approval-voting/pkg/db"
)

var syncWrite = &opt.WriteOptions{Sync: true}

// KVStore is a db.KVStore backed by goleveldb.
type KVStore struct {
	conn   *leveldb.DB
	closed bool
	mu     sync.RWMutex
}

// NewKVStore opens (or creates) a LevelDB instance at the given path.
func NewKVStore(path string) (*KVStore, error) {
	conn, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb at %q: %w", path, err)
	}
	return &KVStore{conn: conn}, nil
}

// NewMemKVStore returns a store kept entirely in memory.
func NewMemKVStore() (*KVStore, error) {
	conn, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("open in-memory leveldb: %w", err)
	}
	return &KVStore{conn: conn}, nil
}

func (l *KVStore) Get(key []byte) ([]byte, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return nil, db.ErrClosed
	}
	val, err := l.conn.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, db.ErrNotFound
	}
	return val, err
}

func (l *KVStore) Put(key, value []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return db.ErrClosed
	}
	return l.conn.Put(key, value, syncWrite)
}

func (l *KVStore) Delete(key []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return db.ErrClosed
	}
	return l.conn.Delete(key, syncWrite)
}

func (l *KVStore) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.conn.Close()
}

type Batch struct {
	store *KVStore
	batch leveldb.Batch
	done  atomic.Bool
}

func (l *KVStore) NewBatch() db.Batch {
	return &Batch{store: l}
}

func (b *Batch) Put(key, value []byte) error {
	if b.done.Load() {
		return db.ErrBatchDone
	}
	b.batch.Put(key, value)
	return nil
}

func (b *Batch) Delete(key []byte) error {
	if b.done.Load() {
		return db.ErrBatchDone
	}
	b.batch.Delete(key)
	return nil
}

func (b *Batch) Commit() error {
	if b.done.Load() {
		return db.ErrBatchDone
	}
	b.store.mu.Lock()
	defer b.store.mu.Unlock()
	if b.store.closed {
		return db.ErrClosed
	}
	if err := b.store.conn.Write(&b.batch, syncWrite); err != nil {
		return err
	}
	b.done.Store(true)
	return nil
}

func (b *Batch) Close() error {
	if b.done.CompareAndSwap(false, true) {
		b.batch.Reset()
	}
	return nil
}

type Iterator struct {
	iter iterator.Iterator
}

func (l *KVStore) NewIterator(start, end []byte) (db.Iterator, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return nil, db.ErrClosed
	}
	return &Iterator{iter: l.conn.NewIterator(&util.Range{Start: start, Limit: end}, nil)}, nil
}

func (it *Iterator) Next() bool { return it.iter.Next() }

func (it *Iterator) Key() []byte {
	key := it.iter.Key()
	result := make([]byte, len(key))
	copy(result, key)
	return result
}

func (it *Iterator) Value() ([]byte, error) {
	if !it.iter.Valid() {
		return nil, db.ErrIteratorInvalid
	}
	val := it.iter.Value()
	result := make([]byte, len(val))
	copy(result, val)
	return result, it.iter.Error()
}

func (it *Iterator) Valid() bool { return it.iter.Valid() }

func (it *Iterator) Close() error {
	err := it.iter.Error()
	it.iter.Release()
	return err
}
