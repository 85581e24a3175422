package cachestore

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/syndtr/goleveldb/leveldb/storage"

	"offline0/internal/errs"
	"offline0/internal/fetch"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestManager(t *testing.T, maxBytes int64, opts ...Option) (*Manager, *testClock) {
	t.Helper()
	db, err := OpenStorage(storage.NewMemStorage(), maxBytes)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	clock := newTestClock()
	return NewManager(db, append([]Option{WithClock(clock.Now)}, opts...)...), clock
}

func mustKey(t *testing.T, path string) Key {
	t.Helper()
	k, err := NewKey(http.MethodGet, "https://example.com"+path, nil, nil)
	require.NoError(t, err)
	return k
}

func body(s string) *fetch.Response {
	return &fetch.Response{Status: http.StatusOK, Header: http.Header{"Content-Type": {"text/plain"}}, Body: []byte(s)}
}

func TestStore_PutIsIdempotent(t *testing.T) {
	mgr, _ := newTestManager(t, 0)
	s := mgr.Store("pages", "v1", Expiration{})
	k := mustKey(t, "/a")

	require.NoError(t, s.Put(k, body("one")))
	require.NoError(t, s.Put(k, body("one")))

	assert.Equal(t, 1, s.Len())
	ent, ok, err := s.Match(k)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "one", string(ent.Response.Body))
	assert.Equal(t, "pages#v1", ent.CacheName)
	assert.Equal(t, k, ent.Key)
}

func TestStore_LastWriteWins(t *testing.T) {
	mgr, _ := newTestManager(t, 0)
	s := mgr.Store("pages", "v1", Expiration{})
	k := mustKey(t, "/a")

	require.NoError(t, s.Put(k, body("first")))
	require.NoError(t, s.Put(k, body("second")))

	ent, ok, err := s.Match(k)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "second", string(ent.Response.Body))
}

func TestStore_MaxEntriesEvictsOldest(t *testing.T) {
	mgr, clock := newTestManager(t, 0)
	s := mgr.Store("images", "v1", Expiration{MaxEntries: 2})

	for _, p := range []string{"/A", "/B", "/C"} {
		require.NoError(t, s.Put(mustKey(t, p), body(p)))
		clock.Advance(time.Millisecond)
	}

	assert.Equal(t, []Key{mustKey(t, "/B"), mustKey(t, "/C")}, s.Keys())
	_, ok, err := s.Match(mustKey(t, "/A"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_MaxEntriesWithIdenticalTimestamps(t *testing.T) {
	mgr, _ := newTestManager(t, 0)
	s := mgr.Store("images", "v1", Expiration{MaxEntries: 1})

	require.NoError(t, s.Put(mustKey(t, "/z"), body("z")))
	require.NoError(t, s.Put(mustKey(t, "/a"), body("a")))

	// the entry just written is never the one evicted by the count rule
	assert.Equal(t, []Key{mustKey(t, "/a")}, s.Keys())
}

func TestStore_AgeEvictionOnRead(t *testing.T) {
	mgr, clock := newTestManager(t, 0)
	s := mgr.Store("api", "v1", Expiration{MaxAge: 10 * time.Second})
	k := mustKey(t, "/data")

	require.NoError(t, s.Put(k, body("x")))
	clock.Advance(10*time.Second + time.Second)

	_, ok, err := s.Match(k)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, s.Len())
}

func TestStore_ExpiredDropSparesNewerWrite(t *testing.T) {
	mgr, clock := newTestManager(t, 0)
	s := mgr.Store("api", "v1", Expiration{MaxAge: 10 * time.Second})
	k := mustKey(t, "/data")

	require.NoError(t, s.Put(k, body("stale")))
	seen, ok, err := mgr.db.get(s.Name(), k.String())
	require.NoError(t, err)
	require.True(t, ok)

	// a fresh write lands after the reader saw the expired entry
	clock.Advance(11 * time.Second)
	require.NoError(t, s.Put(k, body("fresh")))

	dropped, err := mgr.db.deleteIfStoredAt(s.Name(), k.String(), seen.StoredAt.UnixNano())
	require.NoError(t, err)
	assert.False(t, dropped)

	ent, ok, err := s.Match(k)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "fresh", string(ent.Response.Body))
}

func TestStore_AgeEvictionOnWrite(t *testing.T) {
	mgr, clock := newTestManager(t, 0)
	s := mgr.Store("api", "v1", Expiration{MaxAge: time.Minute, MaxEntries: 10})

	require.NoError(t, s.Put(mustKey(t, "/old"), body("old")))
	clock.Advance(2 * time.Minute)
	require.NoError(t, s.Put(mustKey(t, "/new"), body("new")))

	assert.Equal(t, []Key{mustKey(t, "/new")}, s.Keys())
}

func TestStore_PutUnlessNewer(t *testing.T) {
	mgr, clock := newTestManager(t, 0)
	s := mgr.Store("pages", "v1", Expiration{})
	k := mustKey(t, "/a")

	started := clock.Now()
	clock.Advance(time.Second)
	require.NoError(t, s.Put(k, body("fresh")))

	written, err := s.PutUnlessNewer(k, body("late"), started)
	require.NoError(t, err)
	assert.False(t, written)

	ent, _, _ := s.Match(k)
	assert.Equal(t, "fresh", string(ent.Response.Body))

	written, err = s.PutUnlessNewer(k, body("later"), clock.Now())
	require.NoError(t, err)
	assert.True(t, written)
	ent, _, _ = s.Match(k)
	assert.Equal(t, "later", string(ent.Response.Body))
}

func TestStore_QuotaPurgeAndRetry(t *testing.T) {
	entrySize := func() int64 {
		mgr, _ := newTestManager(t, 0)
		s := mgr.Store("s", "v1", Expiration{})
		require.NoError(t, s.Put(mustKey(t, "/0"), body("0123456789")))
		return mgr.DB().TotalSize()
	}()

	// room for roughly ten entries
	mgr, clock := newTestManager(t, entrySize*10+entrySize/2)
	s := mgr.Store("s", "v1", Expiration{})
	for i := 0; i < 10; i++ {
		require.NoError(t, s.Put(mustKey(t, fmt.Sprintf("/%d", i)), body("0123456789")))
		clock.Advance(time.Millisecond)
	}
	require.Equal(t, 10, s.Len())

	require.NoError(t, s.Put(mustKey(t, "/10"), body("0123456789")))
	_, ok, _ := s.Match(mustKey(t, "/0"))
	assert.False(t, ok, "oldest entry purged on quota error")
	_, ok, _ = s.Match(mustKey(t, "/10"))
	assert.True(t, ok)
}

func TestStore_QuotaExceededSurfaced(t *testing.T) {
	mgr, _ := newTestManager(t, 64)
	s := mgr.Store("s", "v1", Expiration{})

	err := s.Put(mustKey(t, "/big"), body(string(make([]byte, 1024))))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrQuotaExceeded))
	assert.Equal(t, 0, s.Len())
}

func TestStore_QuotaWithoutPurge(t *testing.T) {
	mgr, _ := newTestManager(t, 600, WithoutQuotaPurge())
	s := mgr.Store("s", "v1", Expiration{})
	var err error
	for i := 0; i < 20 && err == nil; i++ {
		err = s.Put(mustKey(t, fmt.Sprintf("/%d", i)), body("0123456789"))
	}
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrQuotaExceeded))
}

func TestManager_DeleteOtherVersions(t *testing.T) {
	mgr, _ := newTestManager(t, 0)
	k := mustKey(t, "/a")
	require.NoError(t, mgr.Store("static", "v1", Expiration{}).Put(k, body("1")))
	require.NoError(t, mgr.Store("pages", "v1", Expiration{}).Put(k, body("1")))
	require.NoError(t, mgr.Store("static", "v2", Expiration{}).Put(k, body("2")))

	deleted, err := mgr.DeleteOtherVersions("v2")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"static#v1", "pages#v1"}, deleted)
	assert.Equal(t, []string{"static#v2"}, mgr.Names())
	assert.Equal(t, 0, mgr.Store("static", "v1", Expiration{}).Len())
}

func TestManager_RetiredTokenTakesNoWrites(t *testing.T) {
	mgr, _ := newTestManager(t, 0)
	k := mustKey(t, "/a")
	old := mgr.Store("docs", "v1", Expiration{})
	require.NoError(t, old.Put(k, body("1")))

	mgr.Retire("v1")
	_, err := mgr.DeleteOtherVersions("v2")
	require.NoError(t, err)

	// a write still in flight for the retired version
	require.NoError(t, old.Put(k, body("late")))
	written, err := old.PutUnlessNewer(k, body("late"), time.Time{})
	require.NoError(t, err)
	assert.False(t, written)
	assert.Empty(t, mgr.Names())

	mgr.Revive("v1")
	require.NoError(t, mgr.Store("docs", "v1", Expiration{}).Put(k, body("again")))
	assert.Equal(t, []string{"docs#v1"}, mgr.Names())
}

func TestDB_IndexSurvivesReopen(t *testing.T) {
	stor := storage.NewMemStorage()
	db, err := OpenStorage(stor, 0)
	require.NoError(t, err)
	mgr := NewManager(db)
	k := mustKey(t, "/persist")
	require.NoError(t, mgr.Store("pages", "v1", Expiration{}).Put(k, body("kept")))
	size := db.TotalSize()
	require.NoError(t, db.Close())

	db, err = OpenStorage(stor, 0)
	require.NoError(t, err)
	defer db.Close()
	assert.Equal(t, size, db.TotalSize())
	assert.Equal(t, []string{"pages#v1"}, db.Names())

	ent, ok, err := NewManager(db).Store("pages", "v1", Expiration{}).Match(k)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "kept", string(ent.Response.Body))
}

func TestDB_Records(t *testing.T) {
	db, err := OpenStorage(storage.NewMemStorage(), 0)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.PutRecord("version", "v1", []byte("a")))
	require.NoError(t, db.PutRecord("version", "v2", []byte("b")))
	require.NoError(t, db.PutRecord("other", "v1", []byte("c")))

	recs, err := db.Records("version")
	require.NoError(t, err)
	assert.Equal(t, map[string][]byte{"v1": []byte("a"), "v2": []byte("b")}, recs)

	require.NoError(t, db.DeleteRecord("version", "v1"))
	recs, err = db.Records("version")
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestStore_ConcurrentWritesRespectLimit(t *testing.T) {
	mgr, _ := newTestManager(t, 0)
	s := mgr.Store("pages", "v1", Expiration{MaxEntries: 5})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, s.Put(mustKey(t, fmt.Sprintf("/%d", i)), body("x")))
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 5, s.Len())
}

func TestSplitName(t *testing.T) {
	name, token := SplitName(FullName("pages", "v3"))
	assert.Equal(t, "pages", name)
	assert.Equal(t, "v3", token)

	name, token = SplitName("legacy")
	assert.Equal(t, "legacy", name)
	assert.Empty(t, token)
}
