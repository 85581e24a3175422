package retry

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Keys are q:<queue>\x00<enqueuedAt big-endian uint64 nanos><id>, so bytewise
// leveldb order is FIFO order within a queue.
const (
	queuePrefix = "q:"
	queueSep    = "\x00"
)

// LevelDBBackend keeps queues in a leveldb database, either its own or one
// shared with the cache store under a distinct prefix.
type LevelDBBackend struct {
	db    *leveldb.DB
	owned bool
}

// NewLevelDBBackend uses an already open database; Close leaves it open.
func NewLevelDBBackend(db *leveldb.DB) *LevelDBBackend {
	return &LevelDBBackend{db: db}
}

// OpenLevelDBBackend opens a dedicated database at path.
func OpenLevelDBBackend(path string) (*LevelDBBackend, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open retry db %s: %w", path, err)
	}
	return &LevelDBBackend{db: db, owned: true}, nil
}

func (b *LevelDBBackend) Close() error {
	if b.owned {
		return b.db.Close()
	}
	return nil
}

func queueKeyPrefix(queue string) []byte {
	return []byte(queuePrefix + queue + queueSep)
}

func entryKey(e Entry) []byte {
	k := queueKeyPrefix(e.Queue)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(e.EnqueuedAt.UnixNano()))
	k = append(k, ts[:]...)
	return append(k, e.ID...)
}

func encodeEntry(e Entry) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(e); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeEntry(b []byte) (Entry, error) {
	var e Entry
	err := gob.NewDecoder(bytes.NewReader(b)).Decode(&e)
	return e, err
}

func (b *LevelDBBackend) put(e Entry) error {
	v, err := encodeEntry(e)
	if err != nil {
		return fmt.Errorf("encode retry entry: %w", err)
	}
	if err := b.db.Put(entryKey(e), v, nil); err != nil {
		return fmt.Errorf("store retry entry: %w", err)
	}
	return nil
}

func (b *LevelDBBackend) Append(_ context.Context, e Entry) error {
	return b.put(e)
}

func (b *LevelDBBackend) Head(_ context.Context, queue string) (Entry, bool, error) {
	it := b.db.NewIterator(util.BytesPrefix(queueKeyPrefix(queue)), nil)
	defer it.Release()
	if !it.First() {
		return Entry{}, false, it.Error()
	}
	e, err := decodeEntry(it.Value())
	if err != nil {
		return Entry{}, false, fmt.Errorf("decode retry entry: %w", err)
	}
	return e, true, nil
}

func (b *LevelDBBackend) Remove(_ context.Context, e Entry) error {
	if err := b.db.Delete(entryKey(e), nil); err != nil {
		return fmt.Errorf("remove retry entry: %w", err)
	}
	return nil
}

func (b *LevelDBBackend) Tail(_ context.Context, queue string) (Entry, bool, error) {
	it := b.db.NewIterator(util.BytesPrefix(queueKeyPrefix(queue)), nil)
	defer it.Release()
	if !it.Last() {
		return Entry{}, false, it.Error()
	}
	e, err := decodeEntry(it.Value())
	if err != nil {
		return Entry{}, false, fmt.Errorf("decode retry entry: %w", err)
	}
	return e, true, nil
}

func (b *LevelDBBackend) List(_ context.Context, queue string) ([]Entry, error) {
	it := b.db.NewIterator(util.BytesPrefix(queueKeyPrefix(queue)), nil)
	defer it.Release()
	var out []Entry
	for it.Next() {
		e, err := decodeEntry(it.Value())
		if err != nil {
			return nil, fmt.Errorf("decode retry entry: %w", err)
		}
		out = append(out, e)
	}
	return out, it.Error()
}

func (b *LevelDBBackend) Queues(_ context.Context) ([]string, error) {
	it := b.db.NewIterator(util.BytesPrefix([]byte(queuePrefix)), nil)
	defer it.Release()
	var out []string
	for ok := it.First(); ok; {
		rest := bytes.TrimPrefix(it.Key(), []byte(queuePrefix))
		i := bytes.Index(rest, []byte(queueSep))
		if i < 0 {
			return nil, errors.New("malformed retry key")
		}
		name := string(rest[:i])
		out = append(out, name)
		// jump past every key of this queue
		ok = it.Seek([]byte(queuePrefix + name + "\x01"))
	}
	return out, it.Error()
}
