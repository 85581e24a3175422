package offline0

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/syndtr/goleveldb/leveldb/storage"

	"offline0/internal/cachestore"
	"offline0/internal/fetch"
	"offline0/internal/retry"
)

func get(u string) *fetch.Request { return &fetch.Request{Method: http.MethodGet, URL: u} }

func put(u string) *fetch.Request { return &fetch.Request{Method: http.MethodPut, URL: u} }

// testOrigin serves a few pages and can drop connections to look offline.
type testOrigin struct {
	srv     *httptest.Server
	down    atomic.Bool
	version atomic.Value

	mu       sync.Mutex
	posts    []string
	requests map[string]int
}

func newTestOrigin(t *testing.T) *testOrigin {
	o := &testOrigin{requests: map[string]int{}}
	o.version.Store("1")
	o.srv = httptest.NewServer(http.HandlerFunc(o.serve))
	t.Cleanup(o.srv.Close)
	return o
}

func (o *testOrigin) serve(w http.ResponseWriter, r *http.Request) {
	if o.down.Load() {
		hj, ok := w.(http.Hijacker)
		if ok {
			if conn, _, err := hj.Hijack(); err == nil {
				_ = conn.Close()
				return
			}
		}
		w.WriteHeader(http.StatusBadGateway)
		return
	}
	o.mu.Lock()
	o.requests[r.URL.Path]++
	if r.Method == http.MethodPost {
		b, _ := io.ReadAll(r.Body)
		o.posts = append(o.posts, string(b))
	}
	o.mu.Unlock()

	switch r.URL.Path {
	case "/sitemap.xml":
		fmt.Fprint(w, `<?xml version="1.0"?><sitemapindex><sitemap><loc>/pages.xml.gz</loc></sitemap></sitemapindex>`)
	case "/pages.xml.gz":
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		fmt.Fprintf(gz, `<urlset><url><loc>%s/docs/a</loc></url><url><loc>/docs/b</loc></url><url><loc>/admin</loc></url></urlset>`, o.srv.URL)
		_ = gz.Close()
		_, _ = w.Write(buf.Bytes())
	case "/missing":
		http.NotFound(w, r)
	default:
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprintf(w, "%s v%s", r.URL.Path, o.version.Load())
	}
}

func (o *testOrigin) hits(path string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.requests[path]
}

func serviceConfig(t *testing.T, origin, token string) Config {
	t.Helper()
	doc := fmt.Sprintf(`
server:
  origin: %s
version:
  token: %s
  precache:
    cacheName: shell
    urls: [/, /offline.html]
routes:
  - name: shell
    match: Path(/) | Path(/offline.html)
    strategy: cache-first
    cacheName: shell
  - name: docs
    match: PathPrefix(/docs/)
    strategy: stale-while-revalidate
    cacheName: docs
  - name: api
    match: PathPrefix(/api/)
    strategy: network-first
    cacheName: api
    queue: outbox
offlineFallback:
  url: /offline.html
default: reject
`, origin, token)
	cfg, err := ParseConfig([]byte(doc))
	require.NoError(t, err)
	return cfg
}

func newTestService(t *testing.T, stor storage.Storage, cfg Config) *Service {
	t.Helper()
	db, err := cachestore.OpenStorage(stor, 0)
	require.NoError(t, err)
	svc, err := NewService(cfg, zerolog.Nop(), WithDB(db))
	require.NoError(t, err)
	return svc
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(method, path, rd))
	return rr
}

func TestService_ServesOfflineAfterInstall(t *testing.T) {
	o := newTestOrigin(t)
	cfg := serviceConfig(t, o.srv.URL, "v1")
	svc := newTestService(t, storage.NewMemStorage(), cfg)
	defer svc.Close()
	require.NoError(t, svc.Start(context.Background(), cfg))
	h := svc.Handler()

	assert.Equal(t, 1, o.hits("/"), "precached during install")

	rr := do(t, h, http.MethodGet, "/", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "cache", rr.Header().Get(SourceHeader))
	assert.Contains(t, rr.Header().Get("Access-Control-Expose-Headers"), SourceHeader)
	assert.Equal(t, 1, o.hits("/"))

	rr = do(t, h, http.MethodGet, "/api/items", "")
	assert.Equal(t, "network", rr.Header().Get(SourceHeader))

	o.down.Store(true)

	rr = do(t, h, http.MethodGet, "/api/items", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "cache", rr.Header().Get(SourceHeader))

	rr = do(t, h, http.MethodGet, "/api/other", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, outcomeFallback, rr.Header().Get(SourceHeader))
	assert.Equal(t, "/offline.html v1", rr.Body.String())

	rr = do(t, h, http.MethodGet, "/elsewhere", "")
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestService_NoFallbackIsGatewayTimeout(t *testing.T) {
	o := newTestOrigin(t)
	cfg, err := ParseConfig([]byte(fmt.Sprintf(`
server: {origin: %s}
version: {token: v1}
routes: [{match: "*", strategy: network-first, cacheName: pages}]`, o.srv.URL)))
	require.NoError(t, err)
	svc := newTestService(t, storage.NewMemStorage(), cfg)
	defer svc.Close()

	rr := do(t, svc.Handler(), http.MethodGet, "/", "")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code, "nothing installed yet")

	require.NoError(t, svc.Start(context.Background(), cfg))
	o.down.Store(true)
	rr = do(t, svc.Handler(), http.MethodGet, "/never-seen", "")
	assert.Equal(t, http.StatusGatewayTimeout, rr.Code)
	assert.Equal(t, "offline", rr.Header().Get(SourceHeader))
}

func TestService_QueuesAndReplaysMutations(t *testing.T) {
	o := newTestOrigin(t)
	cfg := serviceConfig(t, o.srv.URL, "v1")
	svc := newTestService(t, storage.NewMemStorage(), cfg)
	defer svc.Close()
	require.NoError(t, svc.Start(context.Background(), cfg))
	h := svc.Handler()

	o.down.Store(true)
	for _, body := range []string{`{"n":1}`, `{"n":2}`} {
		rr := do(t, h, http.MethodPost, "/api/items", body)
		require.Equal(t, http.StatusAccepted, rr.Code)
		assert.Equal(t, "queued", rr.Header().Get(SourceHeader))
	}

	st, err := svc.status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, st.Queues["outbox"])

	rr := do(t, h, http.MethodPost, "/_offline0/sync/outbox", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var rep syncReport
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &rep))
	assert.Zero(t, rep.Replayed)
	assert.NotEmpty(t, rep.Failed)

	o.down.Store(false)
	rr = do(t, h, http.MethodPost, "/_offline0/sync/outbox", "")
	var rep2 syncReport
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &rep2))
	assert.Equal(t, 2, rep2.Replayed)
	assert.Empty(t, rep2.Failed)

	o.mu.Lock()
	assert.Equal(t, []string{`{"n":1}`, `{"n":2}`}, o.posts)
	o.mu.Unlock()
}

func TestService_DedicatedRetryDatabase(t *testing.T) {
	o := newTestOrigin(t)
	cfg := serviceConfig(t, o.srv.URL, "v1")
	cfg.Storage.RetryPath = filepath.Join(t.TempDir(), "retry")
	svc := newTestService(t, storage.NewMemStorage(), cfg)
	require.NoError(t, svc.Start(context.Background(), cfg))

	o.down.Store(true)
	rr := do(t, svc.Handler(), http.MethodPost, "/api/items", `{"n":1}`)
	require.Equal(t, http.StatusAccepted, rr.Code)
	svc.Close()

	b, err := retry.OpenLevelDBBackend(cfg.Storage.RetryPath)
	require.NoError(t, err)
	defer b.Close()
	entries, err := b.List(context.Background(), "outbox")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, rr.Header().Get("X-Offline0-Queued"), entries[0].ID)
	assert.Equal(t, []byte(`{"n":1}`), entries[0].Request.Body)
}

func TestService_ReloadActivatesNewVersion(t *testing.T) {
	o := newTestOrigin(t)
	ctx := context.Background()
	cfg := serviceConfig(t, o.srv.URL, "v1")
	svc := newTestService(t, storage.NewMemStorage(), cfg)
	defer svc.Close()
	require.NoError(t, svc.Start(ctx, cfg))
	h := svc.Handler()

	assert.Equal(t, "/ v1", do(t, h, http.MethodGet, "/", "").Body.String())

	o.version.Store("2")
	require.NoError(t, svc.Reload(ctx, serviceConfig(t, o.srv.URL, "v2")))

	assert.Equal(t, "/ v2", do(t, h, http.MethodGet, "/", "").Body.String())

	rr := do(t, h, http.MethodGet, "/_offline0/status", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var st status
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &st))
	require.Len(t, st.Versions, 2)
	assert.Equal(t, "redundant", st.Versions[0].State)
	assert.Equal(t, "active", st.Versions[1].State)
	for name := range st.Stores {
		_, token := cachestore.SplitName(name)
		assert.Equal(t, "v2", token, name)
	}
}

func TestService_ReloadWaitsThenForceActivates(t *testing.T) {
	o := newTestOrigin(t)
	ctx := context.Background()
	cfg := serviceConfig(t, o.srv.URL, "v1")
	svc := newTestService(t, storage.NewMemStorage(), cfg)
	defer svc.Close()
	require.NoError(t, svc.Start(ctx, cfg))
	h := svc.Handler()

	attachClient(t, h)

	require.NoError(t, svc.Reload(ctx, serviceConfig(t, o.srv.URL, "v2")))
	assert.Equal(t, "v1", svc.ctrl.Active().Token())

	rr := do(t, h, http.MethodPost, "/_offline0/activate", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "v2", svc.ctrl.Active().Token())

	rr = do(t, h, http.MethodPost, "/_offline0/activate", "")
	assert.Equal(t, http.StatusConflict, rr.Code, "nothing waiting")
}

func attachClient(t *testing.T, h http.Handler) string {
	t.Helper()
	rr := do(t, h, http.MethodPost, "/_offline0/clients", "")
	require.Equal(t, http.StatusCreated, rr.Code)
	var out struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	require.NotEmpty(t, out.ID)
	return out.ID
}

func TestService_ReloadWaitsForRegisteredClients(t *testing.T) {
	o := newTestOrigin(t)
	ctx := context.Background()
	cfg := serviceConfig(t, o.srv.URL, "v1")
	svc := newTestService(t, storage.NewMemStorage(), cfg)
	defer svc.Close()
	require.NoError(t, svc.Start(ctx, cfg))
	h := svc.Handler()

	id := attachClient(t, h)

	o.version.Store("2")
	require.NoError(t, svc.Reload(ctx, serviceConfig(t, o.srv.URL, "v2")))
	assert.Equal(t, "v1", svc.ctrl.Active().Token())

	st, err := svc.status(ctx)
	require.NoError(t, err)
	require.Len(t, st.Versions, 2)
	assert.Equal(t, "active", st.Versions[0].State)
	assert.Equal(t, 1, st.Versions[0].Clients)
	assert.Equal(t, "waiting", st.Versions[1].State)

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set(ClientHeader, id)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, r)
	assert.Equal(t, "/ v1", rr.Body.String())

	rr = do(t, h, http.MethodDelete, "/_offline0/clients/"+id, "")
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, "v2", svc.ctrl.Active().Token(), "last client left")
	assert.Equal(t, "/ v2", do(t, h, http.MethodGet, "/", "").Body.String())

	rr = do(t, h, http.MethodDelete, "/_offline0/clients/"+id, "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestService_AttachWithoutActiveVersion(t *testing.T) {
	o := newTestOrigin(t)
	cfg := serviceConfig(t, o.srv.URL, "v1")
	svc := newTestService(t, storage.NewMemStorage(), cfg)
	defer svc.Close()

	rr := do(t, svc.Handler(), http.MethodPost, "/_offline0/clients", "")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestService_FailedReloadKeepsServing(t *testing.T) {
	o := newTestOrigin(t)
	ctx := context.Background()
	cfg := serviceConfig(t, o.srv.URL, "v1")
	svc := newTestService(t, storage.NewMemStorage(), cfg)
	defer svc.Close()
	require.NoError(t, svc.Start(ctx, cfg))

	bad := serviceConfig(t, o.srv.URL, "v2")
	bad.Version.Precache.URLs = append(bad.Version.Precache.URLs, o.srv.URL+"/missing")
	require.Error(t, svc.Reload(ctx, bad))

	assert.Equal(t, "v1", svc.ctrl.Active().Token())
	rr := do(t, svc.Handler(), http.MethodGet, "/", "")
	assert.Equal(t, "/ v1", rr.Body.String())
}

func TestService_ResumesAfterRestart(t *testing.T) {
	o := newTestOrigin(t)
	ctx := context.Background()
	stor := storage.NewMemStorage()
	cfg := serviceConfig(t, o.srv.URL, "v1")

	svc := newTestService(t, stor, cfg)
	require.NoError(t, svc.Start(ctx, cfg))
	svc.Close()

	o.down.Store(true)
	svc = newTestService(t, stor, cfg)
	defer svc.Close()
	require.NoError(t, svc.Start(ctx, cfg), "resume needs no network")

	rr := do(t, svc.Handler(), http.MethodGet, "/", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "cache", rr.Header().Get(SourceHeader))
}

func TestService_PrecacheFromSitemaps(t *testing.T) {
	o := newTestOrigin(t)
	cfg := serviceConfig(t, o.srv.URL, "v1")
	cfg.Version.Precache.Sitemaps = []string{"/sitemap.xml"}
	svc := newTestService(t, storage.NewMemStorage(), cfg)
	defer svc.Close()
	require.NoError(t, svc.Start(context.Background(), cfg))

	assert.Equal(t, 1, o.hits("/docs/a"))
	assert.Equal(t, 1, o.hits("/docs/b"))
	assert.Zero(t, o.hits("/admin"), "no route serves it")

	st, err := svc.status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, st.Stores["shell#v1"])
}
