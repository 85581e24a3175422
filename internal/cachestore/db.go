package cachestore

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Persisted layout:
//
//	e:<store>\x00<key>  gob(StoredEntry)
//	m:<store>\x00<key>  gob(entryMeta)
//	r:<kind>\x00<id>    opaque record bytes
//
// <store> is the full versioned name (name#token).
const (
	entryPrefix  = "e:"
	metaPrefix   = "m:"
	recordPrefix = "r:"
	keySep       = "\x00"
)

// errStorageFull is the raw capacity signal; Store turns it into
// errs.ErrQuotaExceeded once its purge-and-retry is exhausted.
var errStorageFull = errors.New("storage full")

// DB is the leveldb-backed home of every named store. It keeps an in-memory
// index of entry sizes and timestamps, rebuilt from the meta records on open.
type DB struct {
	ldb      *leveldb.DB
	maxBytes int64

	mu        sync.Mutex
	index     map[string]map[string]entryMeta
	totalSize int64
}

// Open opens (or creates) the database under path. maxBytes <= 0 disables the quota.
func Open(path string, maxBytes int64) (*DB, error) {
	ldb, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open cache db %s: %w", path, err)
	}
	return newDB(ldb, maxBytes)
}

// OpenStorage opens the database on an arbitrary leveldb storage, e.g.
// storage.NewMemStorage() in tests.
func OpenStorage(stor storage.Storage, maxBytes int64) (*DB, error) {
	ldb, err := leveldb.Open(stor, nil)
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	return newDB(ldb, maxBytes)
}

func newDB(ldb *leveldb.DB, maxBytes int64) (*DB, error) {
	d := &DB{ldb: ldb, maxBytes: maxBytes, index: map[string]map[string]entryMeta{}}
	if err := d.loadIndex(); err != nil {
		_ = ldb.Close()
		return nil, err
	}
	return d, nil
}

func (d *DB) Close() error {
	return d.ldb.Close()
}

// LevelDB exposes the underlying handle so other components can share the
// same database file under their own key prefixes.
func (d *DB) LevelDB() *leveldb.DB {
	return d.ldb
}

func (d *DB) loadIndex() error {
	it := d.ldb.NewIterator(util.BytesPrefix([]byte(metaPrefix)), nil)
	defer it.Release()

	var total int64
	idx := map[string]map[string]entryMeta{}
	for it.Next() {
		store, key, ok := splitStoreKey(bytes.TrimPrefix(it.Key(), []byte(metaPrefix)))
		if !ok {
			continue
		}
		var meta entryMeta
		if err := decodeGob(it.Value(), &meta); err != nil {
			continue
		}
		if idx[store] == nil {
			idx[store] = map[string]entryMeta{}
		}
		idx[store][key] = meta
		total += meta.Size
	}
	if err := it.Error(); err != nil {
		return fmt.Errorf("load cache index: %w", err)
	}
	d.mu.Lock()
	d.index = idx
	d.totalSize = total
	d.mu.Unlock()
	return nil
}

func storeKey(prefix, store, key string) []byte {
	return []byte(prefix + store + keySep + key)
}

func splitStoreKey(b []byte) (store, key string, ok bool) {
	store, key, ok = strings.Cut(string(b), keySep)
	return
}

func (d *DB) get(store, key string) (StoredEntry, bool, error) {
	b, err := d.ldb.Get(storeKey(entryPrefix, store, key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return StoredEntry{}, false, nil
	}
	if err != nil {
		return StoredEntry{}, false, fmt.Errorf("get %s: %w", store, err)
	}
	var ent StoredEntry
	if err := decodeGob(b, &ent); err != nil {
		return StoredEntry{}, false, fmt.Errorf("decode entry in %s: %w", store, err)
	}
	return ent, true, nil
}

// writeOp describes one atomic store mutation: an optional put plus the
// deletions chosen by plan against the state current at commit time.
type writeOp struct {
	put *StoredEntry
	// guard vetoes the put given the existing meta for the same key.
	guard func(existing entryMeta, exists bool) bool
	// plan selects keys to remove; it sees the index with the put applied.
	plan func(metas map[string]entryMeta, incoming string) []string
}

// commit applies op to store atomically. It returns the removed keys and
// whether the put happened.
func (d *DB) commit(store string, op writeOp) (removed []string, written bool, err error) {
	var (
		putKey  string
		putVal  []byte
		putMeta entryMeta
	)
	if op.put != nil {
		putKey = op.put.Key.String()
		putVal, err = encodeGob(op.put)
		if err != nil {
			return nil, false, fmt.Errorf("encode entry: %w", err)
		}
		putMeta = entryMeta{Size: int64(len(putVal)), StoredAt: op.put.StoredAt.UnixNano()}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	cur := d.index[store]
	view := make(map[string]entryMeta, len(cur)+1)
	for k, m := range cur {
		view[k] = m
	}
	if op.put != nil {
		old, exists := cur[putKey]
		if op.guard != nil && !op.guard(old, exists) {
			return nil, false, nil
		}
		view[putKey] = putMeta
	}
	if op.plan != nil {
		removed = op.plan(view, putKey)
	}

	var freed int64
	for _, k := range removed {
		if m, ok := cur[k]; ok {
			freed += m.Size
		}
	}
	if op.put != nil {
		if old, ok := cur[putKey]; ok {
			freed += old.Size
		}
		if d.maxBytes > 0 && d.totalSize-freed+putMeta.Size > d.maxBytes {
			return nil, false, errStorageFull
		}
	}

	batch := new(leveldb.Batch)
	if op.put != nil {
		mb, err := encodeGob(putMeta)
		if err != nil {
			return nil, false, fmt.Errorf("encode meta: %w", err)
		}
		batch.Put(storeKey(entryPrefix, store, putKey), putVal)
		batch.Put(storeKey(metaPrefix, store, putKey), mb)
	}
	for _, k := range removed {
		batch.Delete(storeKey(entryPrefix, store, k))
		batch.Delete(storeKey(metaPrefix, store, k))
	}
	if err := d.ldb.Write(batch, nil); err != nil {
		return nil, false, fmt.Errorf("write %s: %w", store, err)
	}

	if cur == nil {
		cur = map[string]entryMeta{}
		d.index[store] = cur
	}
	for _, k := range removed {
		if m, ok := cur[k]; ok {
			d.totalSize -= m.Size
			delete(cur, k)
		}
	}
	if op.put != nil {
		if old, ok := cur[putKey]; ok {
			d.totalSize -= old.Size
		}
		cur[putKey] = putMeta
		d.totalSize += putMeta.Size
	}
	if len(cur) == 0 {
		delete(d.index, store)
	}
	return removed, op.put != nil, nil
}

// purgeOldest removes the oldest fraction of store (at least one entry).
func (d *DB) purgeOldest(store string, fraction float64) (int, error) {
	removed, _, err := d.commit(store, writeOp{
		plan: func(metas map[string]entryMeta, _ string) []string {
			n := int(float64(len(metas)) * fraction)
			if n < 1 {
				n = 1
			}
			ordered := orderedKeys(metas)
			if n > len(ordered) {
				n = len(ordered)
			}
			return ordered[:n]
		},
	})
	return len(removed), err
}

func (d *DB) deleteKeys(store string, keys ...string) error {
	_, _, err := d.commit(store, writeOp{
		plan: func(metas map[string]entryMeta, _ string) []string {
			out := make([]string, 0, len(keys))
			for _, k := range keys {
				if _, ok := metas[k]; ok {
					out = append(out, k)
				}
			}
			return out
		},
	})
	return err
}

// deleteIfStoredAt removes key only while its meta still carries storedAt,
// so a newer write that landed in between survives.
func (d *DB) deleteIfStoredAt(store, key string, storedAt int64) (bool, error) {
	removed, _, err := d.commit(store, writeOp{
		plan: func(metas map[string]entryMeta, _ string) []string {
			if m, ok := metas[key]; ok && m.StoredAt == storedAt {
				return []string{key}
			}
			return nil
		},
	})
	return len(removed) > 0, err
}

// DeleteStore removes every entry of store in a single batch, so callers see
// either the whole store or nothing.
func (d *DB) DeleteStore(store string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	batch := new(leveldb.Batch)
	for _, prefix := range []string{entryPrefix, metaPrefix} {
		it := d.ldb.NewIterator(util.BytesPrefix(storeKey(prefix, store, "")), nil)
		for it.Next() {
			batch.Delete(bytes.Clone(it.Key()))
		}
		it.Release()
		if err := it.Error(); err != nil {
			return fmt.Errorf("scan %s: %w", store, err)
		}
	}
	if err := d.ldb.Write(batch, nil); err != nil {
		return fmt.Errorf("delete store %s: %w", store, err)
	}
	for _, m := range d.index[store] {
		d.totalSize -= m.Size
	}
	delete(d.index, store)
	return nil
}

// Names lists every store holding at least one entry, sorted.
func (d *DB) Names() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.index))
	for name := range d.index {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (d *DB) Count(store string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.index[store])
}

// Keys returns the encoded keys of store, oldest first.
func (d *DB) Keys(store string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return orderedKeys(d.index[store])
}

func (d *DB) TotalSize() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.totalSize
}

// PutRecord stores an opaque record under kind/id.
func (d *DB) PutRecord(kind, id string, value []byte) error {
	return d.ldb.Put(storeKey(recordPrefix, kind, id), value, nil)
}

// Records returns every record of kind keyed by id.
func (d *DB) Records(kind string) (map[string][]byte, error) {
	it := d.ldb.NewIterator(util.BytesPrefix(storeKey(recordPrefix, kind, "")), nil)
	defer it.Release()
	out := map[string][]byte{}
	for it.Next() {
		_, id, ok := splitStoreKey(bytes.TrimPrefix(it.Key(), []byte(recordPrefix)))
		if !ok {
			continue
		}
		out[id] = bytes.Clone(it.Value())
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("load %s records: %w", kind, err)
	}
	return out, nil
}

func (d *DB) DeleteRecord(kind, id string) error {
	return d.ldb.Delete(storeKey(recordPrefix, kind, id), nil)
}

// orderedKeys sorts by storedAt, ties by key, oldest first.
func orderedKeys(metas map[string]entryMeta) []string {
	out := make([]string, 0, len(metas))
	for k := range metas {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := metas[out[i]], metas[out[j]]
		if a.StoredAt != b.StoredAt {
			return a.StoredAt < b.StoredAt
		}
		return out[i] < out[j]
	})
	return out
}
