// Package cachestore implements the versioned, named response stores and the
// eviction policy enforced on every write.
//
// A store is addressed by its full name, "<name>#<token>", where the token is
// the version token of the worker version that owns it. Stores outlive the
// version that created them until explicitly deleted.
package cachestore

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"offline0/internal/errs"
	"offline0/internal/fetch"
)

const versionSep = "#"

// FullName joins a logical store name and a version token.
func FullName(name, token string) string {
	return name + versionSep + token
}

// SplitName splits a full store name into its logical name and version token.
func SplitName(full string) (name, token string) {
	i := strings.LastIndex(full, versionSep)
	if i < 0 {
		return full, ""
	}
	return full[:i], full[i+1:]
}

// Store is one named, versioned store bound to its expiration policy.
// Store is safe for concurrent use; concurrent writes to one key are
// last-write-wins.
type Store struct {
	full  string
	token string
	exp   Expiration
	mgr   *Manager
	purge bool
}

func (s *Store) Name() string { return s.full }

func (s *Store) Expiration() Expiration { return s.exp }

// Match returns the entry stored under key. An entry past MaxAge is removed
// and reported as absent, whether or not any write happened since.
func (s *Store) Match(key Key) (StoredEntry, bool, error) {
	ks := key.String()
	ent, ok, err := s.mgr.db.get(s.full, ks)
	if err != nil || !ok {
		return StoredEntry{}, false, err
	}
	if s.exp.expired(ent.StoredAt, s.mgr.now()) {
		if _, err := s.mgr.db.deleteIfStoredAt(s.full, ks, ent.StoredAt.UnixNano()); err != nil {
			s.mgr.log.Error().Err(err).Str("store", s.full).Msg("drop expired entry")
		}
		return StoredEntry{}, false, nil
	}
	return ent, true, nil
}

// Put stores resp under key, overwriting any previous entry, and applies the
// store's expiration before the entry becomes visible.
func (s *Store) Put(key Key, resp *fetch.Response) error {
	_, err := s.put(key, resp, nil)
	return err
}

// PutUnlessNewer stores resp only if no entry for key was stored after
// since. It reports whether the write happened.
func (s *Store) PutUnlessNewer(key Key, resp *fetch.Response, since time.Time) (bool, error) {
	cutoff := since.UnixNano()
	return s.put(key, resp, func(existing entryMeta, exists bool) bool {
		return !exists || existing.StoredAt <= cutoff
	})
}

func (s *Store) put(key Key, resp *fetch.Response, guard func(entryMeta, bool) bool) (bool, error) {
	if key.IsZero() {
		return false, fmt.Errorf("put into %s: zero key", s.full)
	}
	if s.mgr.isRetired(s.token) {
		return false, nil
	}
	now := s.mgr.now()
	ent := &StoredEntry{
		Key:       key,
		Response:  resp.Clone(),
		StoredAt:  now,
		CacheName: s.full,
	}
	op := writeOp{
		put:   ent,
		guard: guard,
		plan: func(metas map[string]entryMeta, incoming string) []string {
			return s.exp.victims(metas, incoming, now)
		},
	}

	removed, written, err := s.mgr.db.commit(s.full, op)
	if errors.Is(err, errStorageFull) && s.purge {
		n, perr := s.mgr.db.purgeOldest(s.full, quotaPurgeFraction)
		s.mgr.quotaLog.Warn().
			Str("store", s.full).
			Int("purged", n).
			Msg("storage quota reached, purged oldest entries")
		if perr != nil {
			return false, perr
		}
		removed, written, err = s.mgr.db.commit(s.full, op)
	}
	if errors.Is(err, errStorageFull) {
		return false, errs.Wrap(errs.ErrQuotaExceeded, nil, "put %s into %s", key.URL(), s.full)
	}
	if err != nil {
		return false, err
	}
	if len(removed) > 0 {
		s.mgr.log.Debug().Str("store", s.full).Int("evicted", len(removed)).Msg("evicted entries")
	}
	// the token may have been retired and swept while this write was in flight
	if written && s.mgr.isRetired(s.token) {
		if err := s.mgr.DeleteStore(s.full); err != nil {
			return false, err
		}
		return false, nil
	}
	return written, nil
}

// Delete removes the entry stored under key, if any.
func (s *Store) Delete(key Key) error {
	return s.mgr.db.deleteKeys(s.full, key.String())
}

// Len is the current number of entries, including any not yet aged out.
func (s *Store) Len() int {
	return s.mgr.db.Count(s.full)
}

// Keys returns the stored keys, oldest first.
func (s *Store) Keys() []Key {
	raw := s.mgr.db.Keys(s.full)
	out := make([]Key, 0, len(raw))
	for _, r := range raw {
		k, err := ParseKey(r)
		if err != nil {
			continue
		}
		out = append(out, k)
	}
	return out
}

// Manager is the eviction manager: it hands out Store handles bound to their
// expiration policy and owns store-level cleanup.
type Manager struct {
	db       *DB
	now      func() time.Time
	log      zerolog.Logger
	quotaLog *rateLimitedLogger
	noPurge  bool

	mu      sync.Mutex
	stores  map[string]*Store
	retired map[string]struct{}
}

type Option func(*Manager)

// WithClock overrides the time source used for timestamps and age checks.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithLogger(log zerolog.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// WithoutQuotaPurge makes quota errors fail the write immediately.
func WithoutQuotaPurge() Option {
	return func(m *Manager) { m.noPurge = true }
}

func NewManager(db *DB, opts ...Option) *Manager {
	m := &Manager{
		db:      db,
		now:     time.Now,
		log:     zerolog.Nop(),
		stores:  map[string]*Store{},
		retired: map[string]struct{}{},
	}
	for _, o := range opts {
		o(m)
	}
	m.log = m.log.With().Str("component", "cachestore").Logger()
	m.quotaLog = newRateLimitedLogger(m.log, time.Minute)
	return m
}

func (m *Manager) DB() *DB { return m.db }

// Store returns the handle for name at version token. Registering an
// existing store with a different policy replaces the policy.
func (m *Manager) Store(name, token string, exp Expiration) *Store {
	full := FullName(name, token)
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.stores[full]; ok && s.exp == exp {
		return s
	}
	s := &Store{full: full, token: token, exp: exp, mgr: m, purge: !m.noPurge}
	m.stores[full] = s
	return s
}

// Retire marks token as owned by a version that never serves again. Writes
// into its stores are dropped from then on, and a write that raced the mark
// removes its store afterwards. Retire before sweeping the token's stores.
func (m *Manager) Retire(token string) {
	m.mu.Lock()
	m.retired[token] = struct{}{}
	m.mu.Unlock()
}

// Revive lifts Retire for a token that is being installed again.
func (m *Manager) Revive(token string) {
	m.mu.Lock()
	delete(m.retired, token)
	m.mu.Unlock()
}

func (m *Manager) isRetired(token string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.retired[token]
	return ok
}

// Names lists every persisted store by full name.
func (m *Manager) Names() []string {
	return m.db.Names()
}

// DeleteStore removes a whole store atomically.
func (m *Manager) DeleteStore(full string) error {
	if err := m.db.DeleteStore(full); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.stores, full)
	m.mu.Unlock()
	return nil
}

// DeleteOtherVersions removes every store whose version token is not token
// and returns the deleted names. Each store is removed atomically; a failure
// stops the sweep and is returned together with what was already deleted.
func (m *Manager) DeleteOtherVersions(token string) ([]string, error) {
	var deleted []string
	for _, full := range m.db.Names() {
		if _, t := SplitName(full); t == token {
			continue
		}
		if err := m.DeleteStore(full); err != nil {
			return deleted, err
		}
		deleted = append(deleted, full)
	}
	return deleted, nil
}
