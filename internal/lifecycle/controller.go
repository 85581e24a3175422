// Package lifecycle gates which worker version serves traffic. Versions
// live in an arena keyed by id; exactly one may be active at a time and the
// active pointer is swapped atomically on activation.
package lifecycle

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"offline0/internal/cachestore"
	"offline0/internal/dispatch"
	"offline0/internal/errs"
	"offline0/internal/fetch"
)

const recordKind = "version"

// DefaultPrecacheConcurrency bounds parallel precache fetches.
const DefaultPrecacheConcurrency = 8

// Precache is the manifest written into a store during install.
type Precache struct {
	CacheName  string
	Expiration cachestore.Expiration
	// Vary must match the routes reading CacheName so keys line up.
	Vary       []string
	URLs       []string
}

// VersionSpec describes a version to install.
type VersionSpec struct {
	Dispatcher *dispatch.Dispatcher
	Precache   Precache
	// SkipWaiting activates right after install.
	SkipWaiting bool
	// Claim activates without waiting for clients of the previous version.
	Claim bool
}

// Info is a point-in-time view of a version.
type Info struct {
	ID        string
	Token     string
	State     State
	Clients   int
	CreatedAt time.Time
}

type version struct {
	id        string
	token     string
	spec      VersionSpec
	state     State
	clients   int
	createdAt time.Time
}

type record struct {
	ID        string
	Token     string
	State     State
	CreatedAt time.Time
}

// RecordStore persists version records. *cachestore.DB implements it.
type RecordStore interface {
	PutRecord(kind, id string, value []byte) error
	Records(kind string) (map[string][]byte, error)
	DeleteRecord(kind, id string) error
}

type Controller struct {
	stores   *cachestore.Manager
	records  RecordStore
	fetcher  fetch.Fetcher
	log      zerolog.Logger
	now      func() time.Time
	parallel int
	onChange func(info Info, from State)

	// seq serializes install and activate sequences
	seq sync.Mutex

	mu       sync.Mutex
	versions map[string]*version
	waiting  *version
	active   atomic.Pointer[version]
}

type Option func(*Controller)

func WithLogger(l zerolog.Logger) Option {
	return func(c *Controller) { c.log = l }
}

func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

func WithPrecacheConcurrency(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.parallel = n
		}
	}
}

// WithStateHook is called after every state change, outside any lock.
func WithStateHook(fn func(info Info, from State)) Option {
	return func(c *Controller) { c.onChange = fn }
}

func NewController(stores *cachestore.Manager, records RecordStore, fetcher fetch.Fetcher, opts ...Option) *Controller {
	c := &Controller{
		stores:   stores,
		records:  records,
		fetcher:  fetcher,
		log:      zerolog.Nop(),
		now:      time.Now,
		parallel: DefaultPrecacheConcurrency,
		versions: map[string]*version{},
	}
	for _, o := range opts {
		o(c)
	}
	c.log = c.log.With().Str("component", "lifecycle").Logger()
	return c
}

func (c *Controller) newVersion(spec VersionSpec, state State) (*version, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	v := &version{
		id:        id.String(),
		token:     spec.Dispatcher.Token(),
		spec:      spec,
		state:     state,
		createdAt: c.now(),
	}
	c.mu.Lock()
	c.versions[v.id] = v
	c.mu.Unlock()
	c.stores.Revive(v.token)
	c.persist(v)
	return v, nil
}

func (c *Controller) info(v *version) Info {
	return Info{ID: v.id, Token: v.token, State: v.state, Clients: v.clients, CreatedAt: v.createdAt}
}

// setState moves v along the transition table.
func (c *Controller) setState(v *version, to State) error {
	c.mu.Lock()
	from := v.state
	if err := checkTransition(v.id, from, to); err != nil {
		c.mu.Unlock()
		c.log.Error().Err(err).Msg("lifecycle defect")
		return err
	}
	v.state = to
	info := c.info(v)
	c.mu.Unlock()

	c.persist(v)
	c.log.Info().Str("version", v.id).Str("token", v.token).Stringer("from", from).Stringer("to", to).Msg("state change")
	if c.onChange != nil {
		c.onChange(info, from)
	}
	return nil
}

func (c *Controller) persist(v *version) {
	if c.records == nil {
		return
	}
	c.mu.Lock()
	rec := record{ID: v.id, Token: v.token, State: v.state, CreatedAt: v.createdAt}
	c.mu.Unlock()

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(rec); err != nil {
		c.log.Error().Err(err).Str("version", v.id).Msg("encode version record")
		return
	}
	if err := c.records.PutRecord(recordKind, v.id, buf.Bytes()); err != nil {
		c.log.Error().Err(err).Str("version", v.id).Msg("persist version record")
	}
}

// Install runs the precache step of spec and, when it succeeds, either
// activates the version or leaves it waiting. A failed install leaves the
// active version untouched.
func (c *Controller) Install(ctx context.Context, spec VersionSpec) (Info, error) {
	if spec.Dispatcher == nil {
		return Info{}, fmt.Errorf("version without dispatcher")
	}
	c.seq.Lock()
	defer c.seq.Unlock()

	v, err := c.newVersion(spec, Installing)
	if err != nil {
		return Info{}, err
	}
	c.log.Info().Str("version", v.id).Str("token", v.token).Int("precache", len(spec.Precache.URLs)).Msg("installing")

	if err := c.precache(ctx, v); err != nil {
		c.discard(v)
		if serr := c.setState(v, InstallFailed); serr != nil {
			return c.snapshot(v), serr
		}
		return c.snapshot(v), errs.Wrap(errs.ErrInstallFailed, err, "version %s", v.id)
	}

	c.mu.Lock()
	superseded := c.waiting
	c.waiting = nil
	cur := c.active.Load()
	activateNow := spec.SkipWaiting || spec.Claim || cur == nil || cur.clients == 0
	c.mu.Unlock()

	if superseded != nil {
		if err := c.setState(superseded, Redundant); err != nil {
			return c.snapshot(v), err
		}
	}

	if !activateNow {
		if err := c.setState(v, Waiting); err != nil {
			return c.snapshot(v), err
		}
		c.mu.Lock()
		c.waiting = v
		c.mu.Unlock()
		return c.snapshot(v), nil
	}
	if err := c.setState(v, Activating); err != nil {
		return c.snapshot(v), err
	}
	if err := c.activate(v); err != nil {
		return c.snapshot(v), err
	}
	return c.snapshot(v), nil
}

func (c *Controller) precache(ctx context.Context, v *version) error {
	pc := v.spec.Precache
	if len(pc.URLs) == 0 {
		return nil
	}
	if pc.CacheName == "" {
		return fmt.Errorf("precache without cache name")
	}
	store := c.stores.Store(pc.CacheName, v.token, pc.Expiration)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.parallel)
	for _, u := range pc.URLs {
		g.Go(func() error {
			req := &fetch.Request{Method: http.MethodGet, URL: u, Header: http.Header{}}
			key, err := cachestore.NewKey(req.Method, req.URL, req.Header, pc.Vary)
			if err != nil {
				return err
			}
			resp, err := c.fetcher.Fetch(gctx, req)
			if err != nil {
				return fmt.Errorf("precache %s: %w", u, err)
			}
			if !resp.OK() {
				return fmt.Errorf("precache %s: status %d", u, resp.Status)
			}
			if err := store.Put(key, resp); err != nil {
				return fmt.Errorf("precache %s: %w", u, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// discard removes what a failed install wrote, unless the store is shared
// with the active version through an identical token.
func (c *Controller) discard(v *version) {
	pc := v.spec.Precache
	if pc.CacheName == "" {
		return
	}
	if cur := c.active.Load(); cur != nil && cur.token == v.token {
		return
	}
	if err := c.stores.DeleteStore(cachestore.FullName(pc.CacheName, v.token)); err != nil {
		c.log.Error().Err(err).Str("version", v.id).Msg("discard precache")
	}
}

// activate runs with seq held and v in Activating.
func (c *Controller) activate(v *version) error {
	// retiring first keeps in-flight writes of the outgoing version from
	// recreating what the sweep removes
	if cur := c.active.Load(); cur != nil && cur.token != v.token {
		c.stores.Retire(cur.token)
	}
	deleted, err := c.stores.DeleteOtherVersions(v.token)
	if err != nil {
		// stores that were not swept are caught by the next activation
		c.log.Error().Err(err).Str("version", v.id).Msg("cache cleanup")
	}
	if len(deleted) > 0 {
		c.log.Info().Strs("stores", deleted).Str("version", v.id).Msg("deleted stale stores")
	}

	c.mu.Lock()
	old := c.active.Swap(v)
	// clients follow the active version; the old one never serves again
	if old != nil {
		v.clients += old.clients
		old.clients = 0
	}
	c.mu.Unlock()

	if err := c.setState(v, Active); err != nil {
		return err
	}
	if old != nil {
		if err := c.setState(old, Redundant); err != nil {
			return err
		}
	}
	return nil
}

// ForceActivate moves the waiting version with id to active regardless of
// attached clients.
func (c *Controller) ForceActivate(id string) error {
	c.seq.Lock()
	defer c.seq.Unlock()

	c.mu.Lock()
	v, ok := c.versions[id]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("unknown version %s", id)
	}
	if v.state != Waiting {
		st := v.state
		c.mu.Unlock()
		return errs.Wrap(errs.ErrInvalidTransition, nil, "version %s is %s, not waiting", id, st)
	}
	c.waiting = nil
	c.mu.Unlock()

	if err := c.setState(v, Activating); err != nil {
		return err
	}
	return c.activate(v)
}

// ActivateWaiting force-activates the waiting version, if any, and reports
// whether one was activated.
func (c *Controller) ActivateWaiting() (bool, error) {
	c.mu.Lock()
	w := c.waiting
	c.mu.Unlock()
	if w == nil {
		return false, nil
	}
	if err := c.ForceActivate(w.id); err != nil {
		return false, err
	}
	return true, nil
}

// activateIfIdle promotes the waiting version once the active one has no
// clients left.
func (c *Controller) activateIfIdle() {
	c.seq.Lock()
	defer c.seq.Unlock()

	c.mu.Lock()
	w := c.waiting
	cur := c.active.Load()
	if w == nil || (cur != nil && cur.clients > 0) {
		c.mu.Unlock()
		return
	}
	c.waiting = nil
	c.mu.Unlock()

	if err := c.setState(w, Activating); err != nil {
		return
	}
	if err := c.activate(w); err != nil {
		c.log.Error().Err(err).Str("version", w.id).Msg("activate waiting version")
	}
}

// Dispatch routes req through the active version.
func (c *Controller) Dispatch(ctx context.Context, req *fetch.Request) (dispatch.Result, error) {
	v := c.active.Load()
	if v == nil {
		return dispatch.Result{}, errs.ErrNoActiveVersion
	}
	return v.spec.Dispatcher.Dispatch(ctx, req)
}

// Active returns the active version's dispatcher, or nil.
func (c *Controller) Active() *dispatch.Dispatcher {
	if v := c.active.Load(); v != nil {
		return v.spec.Dispatcher
	}
	return nil
}

func (c *Controller) snapshot(v *version) Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info(v)
}

// Version returns the current view of version id.
func (c *Controller) Version(id string) (Info, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.versions[id]
	if !ok {
		return Info{}, false
	}
	return c.info(v), true
}

// Versions lists known versions, oldest first.
func (c *Controller) Versions() []Info {
	c.mu.Lock()
	out := make([]Info, 0, len(c.versions))
	for _, v := range c.versions {
		out = append(out, c.info(v))
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Resume restores spec as the active version when the persisted records say
// a version with the same token was active before a restart. It skips the
// precache step. Records of every other version are dropped. It reports
// false when nothing could be resumed and the caller should Install.
func (c *Controller) Resume(spec VersionSpec) (Info, bool, error) {
	if spec.Dispatcher == nil {
		return Info{}, false, fmt.Errorf("version without dispatcher")
	}
	if c.records == nil {
		return Info{}, false, nil
	}
	c.seq.Lock()
	defer c.seq.Unlock()

	raw, err := c.records.Records(recordKind)
	if err != nil {
		return Info{}, false, err
	}
	token := spec.Dispatcher.Token()
	var found *record
	for id, b := range raw {
		var rec record
		if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&rec); err != nil {
			c.log.Warn().Err(err).Str("version", id).Msg("unreadable version record")
			_ = c.records.DeleteRecord(recordKind, id)
			continue
		}
		if found == nil && rec.State == Active && rec.Token == token {
			found = &rec
			continue
		}
		if err := c.records.DeleteRecord(recordKind, id); err != nil {
			c.log.Warn().Err(err).Str("version", id).Msg("drop version record")
		}
	}
	if found == nil {
		return Info{}, false, nil
	}

	v := &version{id: found.ID, token: token, spec: spec, state: Active, createdAt: found.CreatedAt}
	c.mu.Lock()
	c.versions[v.id] = v
	c.mu.Unlock()
	c.active.Store(v)

	if deleted, err := c.stores.DeleteOtherVersions(token); err != nil {
		c.log.Error().Err(err).Msg("cache cleanup")
	} else if len(deleted) > 0 {
		c.log.Info().Strs("stores", deleted).Msg("deleted stale stores")
	}
	c.log.Info().Str("version", v.id).Str("token", token).Msg("resumed active version")
	return c.snapshot(v), true, nil
}

// Client is a consumer bound to the active version. Clients move to each
// new active version; a waiting version activates once the active one has
// none left.
type Client struct {
	c      *Controller
	closed atomic.Bool
}

// Attach binds a new client to the active version.
func (c *Controller) Attach() (*Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := c.active.Load()
	if v == nil {
		return nil, errs.ErrNoActiveVersion
	}
	v.clients++
	return &Client{c: c}, nil
}

// Close detaches the client. It may activate a waiting version.
func (cl *Client) Close() error {
	if !cl.closed.CompareAndSwap(false, true) {
		return nil
	}
	c := cl.c
	c.mu.Lock()
	idle := false
	if v := c.active.Load(); v != nil && v.clients > 0 {
		v.clients--
		idle = v.clients == 0
	}
	hasWaiting := c.waiting != nil
	c.mu.Unlock()

	if idle && hasWaiting {
		c.activateIfIdle()
	}
	return nil
}

// Dispatch routes req through the version the client is bound to.
func (cl *Client) Dispatch(ctx context.Context, req *fetch.Request) (dispatch.Result, error) {
	if cl.closed.Load() {
		return dispatch.Result{}, fmt.Errorf("client closed")
	}
	return cl.c.Dispatch(ctx, req)
}
