// Package offline0 hosts the proxy as an HTTP service in front of an
// origin: it owns storage, builds worker versions from configuration and
// exposes the control endpoints.
package offline0

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"offline0/internal/cachestore"
	"offline0/internal/dispatch"
	"offline0/internal/errs"
	"offline0/internal/fetch"
	"offline0/internal/lifecycle"
	"offline0/internal/retry"
	"offline0/internal/router"
	"offline0/internal/strategy"
)

const (
	// SourceHeader tells clients how a response was produced.
	SourceHeader = "X-Offline0"
	// ClientHeader binds a request to a client registered at /_offline0/clients.
	ClientHeader = "X-Offline0-Client"

	controlPrefix = "/_offline0"
	maxBodyBytes  = 32 << 20
)

type Service struct {
	log zerolog.Logger

	db      *cachestore.DB
	stores  *cachestore.Manager
	fetcher fetch.Fetcher
	engine  *strategy.Engine
	queue   *retry.Queue
	ctrl    *lifecycle.Controller

	mu sync.RWMutex
	// configs by version token; the active token selects the offline fallback
	configs map[string]*Config
	origin  string
	// registered consumers by id; a waiting version activates once the
	// active one has none left
	clients map[string]*lifecycle.Client

	stopCh chan struct{}
	wg     sync.WaitGroup

	stats *statsCollector
}

// Option customizes a Service, mostly for tests.
type Option func(*Service)

// WithFetcher replaces the origin HTTP fetcher.
func WithFetcher(f fetch.Fetcher) Option {
	return func(s *Service) { s.fetcher = f }
}

// WithDB supplies an already open cache database. The service closes it.
func WithDB(db *cachestore.DB) Option {
	return func(s *Service) { s.db = db }
}

func NewService(cfg Config, log zerolog.Logger, opts ...Option) (*Service, error) {
	s := &Service{
		log:     log.With().Str("component", "service").Logger(),
		configs: map[string]*Config{},
		clients: map[string]*lifecycle.Client{},
		origin:  cfg.Server.Origin,
		stopCh:  make(chan struct{}),
		stats:   newStatsCollector(),
	}
	for _, o := range opts {
		o(s)
	}

	if s.db == nil {
		db, err := cachestore.Open(cfg.Storage.Path, cfg.Storage.diskMaxBytes)
		if err != nil {
			return nil, err
		}
		s.db = db
	}
	if s.fetcher == nil {
		s.fetcher = fetch.NewHTTPFetcher(cfg.Server.requestTimeoutDur)
	}
	s.stores = cachestore.NewManager(s.db, cachestore.WithLogger(log))
	s.engine = strategy.NewEngine(s.fetcher, strategy.WithLogger(log), strategy.WithBackgroundTimeout(cfg.Server.requestTimeoutDur))

	var backend retry.Backend
	switch cfg.Storage.RetryBackend {
	case retryBackendSQLite:
		b, err := retry.OpenSQLiteBackend(cfg.Storage.SQLitePath)
		if err != nil {
			_ = s.db.Close()
			return nil, err
		}
		backend = b
	default:
		if cfg.Storage.RetryPath == "" {
			backend = retry.NewLevelDBBackend(s.db.LevelDB())
			break
		}
		b, err := retry.OpenLevelDBBackend(cfg.Storage.RetryPath)
		if err != nil {
			_ = s.db.Close()
			return nil, err
		}
		backend = b
	}
	s.queue = retry.New(backend, s.fetcher,
		retry.WithMaxRetention(cfg.Retry.maxRetentionDur),
		retry.WithLogger(log),
		retry.WithExpiredHook(func(retry.Entry) { s.stats.expired.Add(1) }),
	)
	s.ctrl = lifecycle.NewController(s.stores, s.db, s.fetcher,
		lifecycle.WithLogger(log),
		lifecycle.WithPrecacheConcurrency(cfg.Server.PrecacheConcurrency),
	)

	if every := cfg.Logging.statsEveryDur; every > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(every)
		}()
	}
	if every := cfg.Retry.replayEveryDur; every > 0 {
		s.log.Info().Dur("every", every).Msg("periodic replay enabled")
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.replayLoop(every)
		}()
	}

	return s, nil
}

// Start brings up the configured version: it resumes the version that was
// active before a restart, or installs it.
func (s *Service) Start(ctx context.Context, cfg Config) error {
	spec := s.buildVersion(&cfg)
	if info, ok, err := s.ctrl.Resume(spec); err != nil {
		s.log.Warn().Err(err).Msg("resume failed, installing")
	} else if ok {
		s.log.Info().Str("version", info.ID).Str("token", info.Token).Msg("resumed")
		return nil
	}
	return s.install(ctx, &cfg, spec)
}

// Reload installs cfg as a new version next to the active one. Storage and
// server settings keep their startup values.
func (s *Service) Reload(ctx context.Context, cfg Config) error {
	return s.install(ctx, &cfg, s.buildVersion(&cfg))
}

func (s *Service) install(ctx context.Context, cfg *Config, spec lifecycle.VersionSpec) error {
	urls, err := s.precacheManifest(ctx, cfg, spec.Dispatcher.Router())
	if err != nil {
		return errs.Wrap(errs.ErrInstallFailed, err, "discover precache")
	}
	spec.Precache.URLs = urls

	info, err := s.ctrl.Install(ctx, spec)
	if err != nil {
		return err
	}
	s.log.Info().Str("version", info.ID).Str("token", info.Token).Stringer("state", info.State).Int("precached", len(urls)).Msg("installed")
	return nil
}

func (s *Service) buildVersion(cfg *Config) lifecycle.VersionSpec {
	s.mu.Lock()
	s.configs[cfg.Version.Token] = cfg
	s.mu.Unlock()

	rt := router.New(cfg.defaultAction, cfg.RouterRoutes()...)
	d := dispatch.New(dispatch.Params{
		Router: rt,
		Engine: s.engine,
		Stores: s.stores,
		Queue:  s.queue,
		Token:  cfg.Version.Token,
		Logger: s.log,
	})
	pc := cfg.Version.Precache
	return lifecycle.VersionSpec{
		Dispatcher:  d,
		SkipWaiting: cfg.Version.SkipWaiting,
		Claim:       cfg.Version.Claim,
		Precache: lifecycle.Precache{
			CacheName:  pc.CacheName,
			Expiration: cfg.expiration(pc.CacheName),
			Vary:       cfg.vary(pc.CacheName),
		},
	}
}

func (s *Service) Close() {
	close(s.stopCh)
	s.wg.Wait()
	s.engine.Wait()
	if err := s.queue.Close(); err != nil {
		s.log.Warn().Err(err).Msg("close retry queue")
	}
	if err := s.db.Close(); err != nil {
		s.log.Warn().Err(err).Msg("close cache db")
	}
}

func (s *Service) Handler() http.Handler {
	r := chi.NewRouter()
	r.Post(controlPrefix+"/sync/{queue}", s.handleSync)
	r.Post(controlPrefix+"/activate", s.handleActivate)
	r.Post(controlPrefix+"/clients", s.handleAttach)
	r.Delete(controlPrefix+"/clients/{id}", s.handleDetach)
	r.Get(controlPrefix+"/status", s.handleStatus)
	r.HandleFunc("/*", s.handle)
	return r
}

func (s *Service) handle(w http.ResponseWriter, r *http.Request) {
	req, err := s.fetchRequest(w, r)
	if err != nil {
		http.Error(w, "request too large", http.StatusRequestEntityTooLarge)
		return
	}

	res, err := s.dispatch(r.Context(), r.Header.Get(ClientHeader), req)
	switch {
	case err == nil:
	case errors.Is(err, errs.ErrNoActiveVersion):
		s.fail(w, http.StatusServiceUnavailable, "no-version", err)
		return
	case errors.Is(err, errs.ErrRejected):
		s.fail(w, http.StatusForbidden, "rejected", err)
		return
	case errs.IsMiss(err):
		if fb, ok := s.offlineFallback(); ok {
			s.log.Debug().Err(err).Str("url", req.URL).Msg("serving offline fallback")
			s.write(w, fb, outcomeFallback)
			return
		}
		s.fail(w, http.StatusGatewayTimeout, "offline", err)
		return
	default:
		s.fail(w, http.StatusBadGateway, "bad-gateway", err)
		return
	}

	if res.Source == dispatch.SourcePassthrough {
		resp, err := s.fetcher.Fetch(r.Context(), req)
		if err != nil {
			s.fail(w, http.StatusBadGateway, "bad-gateway", err)
			return
		}
		s.write(w, resp, string(res.Source))
		return
	}
	s.write(w, res.Response, string(res.Source))
}

func (s *Service) dispatch(ctx context.Context, clientID string, req *fetch.Request) (dispatch.Result, error) {
	s.mu.RLock()
	cl := s.clients[clientID]
	s.mu.RUnlock()
	if cl != nil {
		return cl.Dispatch(ctx, req)
	}
	return s.ctrl.Dispatch(ctx, req)
}

func (s *Service) fetchRequest(w http.ResponseWriter, r *http.Request) (*fetch.Request, error) {
	req := &fetch.Request{
		Method: r.Method,
		URL:    s.origin + r.URL.RequestURI(),
		Header: fetch.CloneHeader(r.Header),
	}
	req.Header.Del(ClientHeader)
	if r.Body != nil && r.Body != http.NoBody {
		b, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			return nil, err
		}
		req.Body = b
	}
	return req, nil
}

// offlineFallback looks up the substitute entry of the active version.
func (s *Service) offlineFallback() (*fetch.Response, bool) {
	d := s.ctrl.Active()
	if d == nil {
		return nil, false
	}
	s.mu.RLock()
	cfg := s.configs[d.Token()]
	s.mu.RUnlock()
	if cfg == nil || cfg.OfflineFallback.URL == "" {
		return nil, false
	}
	fb := cfg.OfflineFallback
	key, err := cachestore.NewKey(http.MethodGet, fb.URL, nil, nil)
	if err != nil {
		return nil, false
	}
	ent, ok, err := s.stores.Store(fb.CacheName, d.Token(), cfg.expiration(fb.CacheName)).Match(key)
	if err != nil {
		s.log.Error().Err(err).Str("url", fb.URL).Msg("read offline fallback")
		return nil, false
	}
	return ent.Response, ok
}

func (s *Service) fail(w http.ResponseWriter, status int, kind string, err error) {
	s.stats.Count(outcomeFailed)
	s.log.Debug().Err(err).Int("status", status).Msg("request failed")
	setSourceHeaders(w.Header(), kind)
	http.Error(w, http.StatusText(status), status)
}

func (s *Service) write(w http.ResponseWriter, resp *fetch.Response, source string) {
	for k, vs := range resp.Header {
		if strings.EqualFold(k, SourceHeader) {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setSourceHeaders(w.Header(), source)
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)

	s.stats.Count(source)
	s.stats.Observe(len(resp.Body))
}

func setSourceHeaders(h http.Header, source string) {
	if source != "" {
		h.Set(SourceHeader, source)
	}
	// custom headers are hidden from cross-origin scripts unless exposed
	ensureExposedHeader(h, SourceHeader)
}

func ensureExposedHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}
	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

type syncReport struct {
	Queue    string   `json:"queue"`
	Replayed int      `json:"replayed"`
	Expired  []string `json:"expired,omitempty"`
	Failed   string   `json:"failed,omitempty"`
	Error    string   `json:"error,omitempty"`
	Skipped  bool     `json:"skipped,omitempty"`
}

func (s *Service) handleSync(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "queue")
	rep, err := s.queue.Replay(r.Context(), name)
	if err != nil {
		s.log.Error().Err(err).Str("queue", name).Msg("replay")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := syncReport{Queue: rep.Queue, Replayed: rep.Replayed, Skipped: rep.Skipped}
	for _, e := range rep.Expired {
		out.Expired = append(out.Expired, e.ID)
	}
	if rep.Failed != nil {
		out.Failed = rep.Failed.ID
		out.Error = rep.Err.Error()
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Service) handleActivate(w http.ResponseWriter, _ *http.Request) {
	ok, err := s.ctrl.ActivateWaiting()
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	status := http.StatusOK
	if !ok {
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]bool{"activated": ok})
}

func (s *Service) handleAttach(w http.ResponseWriter, _ *http.Request) {
	cl, err := s.ctrl.Attach()
	if err != nil {
		s.fail(w, http.StatusServiceUnavailable, "no-version", err)
		return
	}
	id, err := uuid.NewV7()
	if err != nil {
		_ = cl.Close()
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.mu.Lock()
	s.clients[id.String()] = cl
	s.mu.Unlock()
	writeJSON(w, http.StatusCreated, map[string]string{"id": id.String()})
}

func (s *Service) handleDetach(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.mu.Lock()
	cl, ok := s.clients[id]
	delete(s.clients, id)
	s.mu.Unlock()
	if !ok {
		http.Error(w, "unknown client", http.StatusNotFound)
		return
	}
	_ = cl.Close()
	w.WriteHeader(http.StatusNoContent)
}

type versionStatus struct {
	ID      string `json:"id"`
	Token   string `json:"token"`
	State   string `json:"state"`
	Clients int    `json:"clients"`
}

type status struct {
	Versions []versionStatus `json:"versions"`
	Stores   map[string]int  `json:"stores"`
	Queues   map[string]int  `json:"queues"`
	Disk     string          `json:"disk"`
	Stats    statsSnapshot   `json:"stats"`
}

func (s *Service) status(ctx context.Context) (status, error) {
	out := status{
		Stores: map[string]int{},
		Queues: map[string]int{},
		Disk:   formatBytes(uint64(s.db.TotalSize())),
		Stats:  s.stats.Snapshot(),
	}
	for _, v := range s.ctrl.Versions() {
		out.Versions = append(out.Versions, versionStatus{ID: v.ID, Token: v.Token, State: v.State.String(), Clients: v.Clients})
	}
	for _, name := range s.stores.Names() {
		out.Stores[name] = s.db.Count(name)
	}
	names, err := s.queue.Queues(ctx)
	if err != nil {
		return out, err
	}
	for _, q := range names {
		entries, err := s.queue.Entries(ctx, q)
		if err != nil {
			return out, err
		}
		out.Queues[q] = len(entries)
	}
	return out, nil
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.status(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Service) replayLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), every)
			if _, err := s.queue.ReplayAll(ctx); err != nil {
				s.log.Warn().Err(err).Msg("periodic replay")
			}
			cancel()
		}
	}
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			ss := s.stats.Snapshot()
			s.log.Info().
				Uint64("cache", ss.Cache).
				Uint64("network", ss.Network).
				Uint64("passthrough", ss.Passthrough).
				Uint64("queued", ss.Queued).
				Uint64("fallback", ss.Fallback).
				Uint64("failed", ss.Failed).
				Uint64("expired", ss.Expired).
				Int("stores", len(s.stores.Names())).
				Msgf("Disk usage: %s, Resp min/avg/max %s/%s/%s",
					formatBytes(uint64(s.db.TotalSize())),
					formatBytes(ss.MinRespBytes),
					formatBytes(ss.AvgRespBytes),
					formatBytes(ss.MaxRespBytes),
				)
		}
	}
}
