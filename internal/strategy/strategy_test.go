package strategy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"offline0/internal/cachestore"
)

var errOffline = errors.New("dial tcp: connect: network is unreachable")

type fakeNet struct {
	mu      sync.Mutex
	calls   []string
	respond func(*http.Request) (*http.Response, error)
}

func (f *fakeNet) Do(req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req.Method+" "+req.URL.String())
	f.mu.Unlock()
	return f.respond(req)
}

func (f *fakeNet) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func offline() *fakeNet {
	return &fakeNet{respond: func(*http.Request) (*http.Response, error) { return nil, errOffline }}
}

func serving(status int, body string) *fakeNet {
	return &fakeNet{respond: func(req *http.Request) (*http.Response, error) {
		return response(req, status, body), nil
	}}
}

func response(req *http.Request, status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": {"text/plain"}},
		Body:       io.NopCloser(bytes.NewBufferString(body)),
		Request:    req,
	}
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

func seed(t *testing.T, store cachestore.Store, ns, method, url, body string) {
	t.Helper()
	ent := cachestore.Entry{Status: http.StatusOK, Header: http.Header{}, Body: []byte(body)}
	require.NoError(t, store.Put(context.Background(), ns, cachestore.Signature(method, url), ent))
}

func stored(t *testing.T, store cachestore.Store, ns, url string) (string, bool) {
	t.Helper()
	ent, ok, err := store.Match(context.Background(), ns, cachestore.Signature(http.MethodGet, url))
	require.NoError(t, err)
	return string(ent.Body), ok
}

const appJS = "https://app.example/assets/app.js"

func TestCacheFirst_HitSkipsNetwork(t *testing.T) {
	store := cachestore.NewMemory()
	net := serving(http.StatusOK, "fresh")
	s := &CacheFirst{Store: store, Net: net}
	ctx := context.Background()

	first, err := s.Handle(ctx, httptest.NewRequest(http.MethodGet, appJS, nil), "static")
	require.NoError(t, err)
	assert.Equal(t, "fresh", readBody(t, first))
	require.Equal(t, 1, net.Calls())

	for i := 0; i < 3; i++ {
		resp, err := s.Handle(ctx, httptest.NewRequest(http.MethodGet, appJS, nil), "static")
		require.NoError(t, err)
		assert.Equal(t, "fresh", readBody(t, resp))
		assert.Equal(t, SourceCache, resp.Header.Get(SourceHeader))
	}
	assert.Equal(t, 1, net.Calls(), "hits never touch the network")
}

func TestCacheFirst_ColdMissOffline(t *testing.T) {
	s := &CacheFirst{Store: cachestore.NewMemory(), Net: offline()}
	_, err := s.Handle(context.Background(), httptest.NewRequest(http.MethodGet, appJS, nil), "static")
	require.Error(t, err)
	assert.True(t, IsNetworkError(err))
	assert.ErrorIs(t, err, errOffline)
}

func TestCacheFirst_NonOKNotStored(t *testing.T) {
	store := cachestore.NewMemory()
	s := &CacheFirst{Store: store, Net: serving(http.StatusNotFound, "missing")}

	resp, err := s.Handle(context.Background(), httptest.NewRequest(http.MethodGet, appJS, nil), "static")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "missing", readBody(t, resp))

	_, ok := stored(t, store, "static", appJS)
	assert.False(t, ok)
}

func TestNetworkFirst_StoresAndPrefersNetwork(t *testing.T) {
	store := cachestore.NewMemory()
	seed(t, store, "dynamic", http.MethodGet, "https://app.example/mapa", "old")
	s := &NetworkFirst{Store: store, Net: serving(http.StatusOK, "new")}

	resp, err := s.Handle(context.Background(), httptest.NewRequest(http.MethodGet, "https://app.example/mapa", nil), "dynamic")
	require.NoError(t, err)
	assert.Equal(t, "new", readBody(t, resp))
	assert.Empty(t, resp.Header.Get(SourceHeader))

	body, ok := stored(t, store, "dynamic", "https://app.example/mapa")
	require.True(t, ok)
	assert.Equal(t, "new", body)
}

func TestNetworkFirst_FallsBackOnNetworkError(t *testing.T) {
	store := cachestore.NewMemory()
	seed(t, store, "dynamic", http.MethodGet, "https://app.example/mapa", "cached")
	s := &NetworkFirst{Store: store, Net: offline()}

	resp, err := s.Handle(context.Background(), httptest.NewRequest(http.MethodGet, "https://app.example/mapa", nil), "dynamic")
	require.NoError(t, err)
	assert.Equal(t, "cached", readBody(t, resp))
	assert.Equal(t, SourceCache, resp.Header.Get(SourceHeader))
}

func TestNetworkFirst_ServerErrorIsNotAFallback(t *testing.T) {
	store := cachestore.NewMemory()
	seed(t, store, "api-reads", http.MethodGet, "https://app.example/api/tipos", "cached")
	s := &NetworkFirst{Store: store, Net: serving(http.StatusInternalServerError, "boom")}

	resp, err := s.Handle(context.Background(), httptest.NewRequest(http.MethodGet, "https://app.example/api/tipos", nil), "api-reads")
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "boom", readBody(t, resp))

	body, _ := stored(t, store, "api-reads", "https://app.example/api/tipos")
	assert.Equal(t, "cached", body, "error responses never overwrite the stored copy")
}

func TestNetworkFirst_MissOfflinePropagates(t *testing.T) {
	s := &NetworkFirst{Store: cachestore.NewMemory(), Net: offline()}
	_, err := s.Handle(context.Background(), httptest.NewRequest(http.MethodGet, "https://app.example/api/tipos", nil), "api-reads")
	require.Error(t, err)
	assert.True(t, IsNetworkError(err))
}

func TestNetworkFirst_WriteMethodsNeverStored(t *testing.T) {
	store := cachestore.NewMemory()
	s := &NetworkFirst{Store: store, Net: serving(http.StatusOK, "ok")}

	resp, err := s.Handle(context.Background(), httptest.NewRequest(http.MethodPost, "https://app.example/login", nil), "dynamic")
	require.NoError(t, err)
	assert.Equal(t, "ok", readBody(t, resp))

	_, ok, err := store.Match(context.Background(), "dynamic", cachestore.Signature(http.MethodPost, "https://app.example/login"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOfflineFallback(t *testing.T) {
	ctx := context.Background()
	store := cachestore.NewMemory()
	nav := func() *http.Request { return httptest.NewRequest(http.MethodGet, "https://app.example/reportes/7", nil) }

	s := &OfflineFallback{Next: &NetworkFirst{Store: store, Net: offline()}, Store: store, Page: "/offline.html"}
	_, err := s.Handle(ctx, nav(), "static")
	require.Error(t, err, "no page stored yet")

	seed(t, store, "static", http.MethodGet, "https://app.example/offline.html", "<h1>Sin conexión</h1>")
	resp, err := s.Handle(ctx, nav(), "static")
	require.NoError(t, err)
	assert.Equal(t, "<h1>Sin conexión</h1>", readBody(t, resp))
	assert.Equal(t, SourceOfflinePage, resp.Header.Get(SourceHeader))

	// A stored copy of the page itself wins over the offline page.
	seed(t, store, "static", http.MethodGet, "https://app.example/reportes/7", "reporte 7")
	resp, err = s.Handle(ctx, nav(), "static")
	require.NoError(t, err)
	assert.Equal(t, "reporte 7", readBody(t, resp))
}

func TestStaleWhileRevalidate_ReturnsCachedWithoutWaiting(t *testing.T) {
	const tile = "https://tile.openstreetmap.org/3/4/2.png"
	store := cachestore.NewMemory()
	seed(t, store, "tiles", http.MethodGet, tile, "stale")

	release := make(chan struct{})
	var started atomic.Int32
	net := &fakeNet{respond: func(req *http.Request) (*http.Response, error) {
		started.Add(1)
		<-release
		return response(req, http.StatusOK, "fresh"), nil
	}}
	s := NewStaleWhileRevalidate(store, net, 4, 0)

	done := make(chan *http.Response, 1)
	go func() {
		resp, err := s.Handle(context.Background(), httptest.NewRequest(http.MethodGet, tile, nil), "tiles")
		assert.NoError(t, err)
		done <- resp
	}()

	select {
	case resp := <-done:
		assert.Equal(t, "stale", readBody(t, resp))
		assert.Equal(t, SourceCache, resp.Header.Get(SourceHeader))
	case <-time.After(2 * time.Second):
		t.Fatal("stale-while-revalidate waited for the network")
	}

	close(release)
	s.Wait()
	assert.Equal(t, int32(1), started.Load())
	body, _ := stored(t, store, "tiles", tile)
	assert.Equal(t, "fresh", body)
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestStaleWhileRevalidate_SaturatedRefreshIsLogged(t *testing.T) {
	var out lockedBuffer
	log.SetOutput(&out)
	t.Cleanup(func() { log.SetOutput(os.Stderr) })

	tiles := []string{
		"https://tile.openstreetmap.org/3/4/2.png",
		"https://tile.openstreetmap.org/3/4/3.png",
		"https://tile.openstreetmap.org/3/4/4.png",
	}
	store := cachestore.NewMemory()
	for _, tile := range tiles {
		seed(t, store, "tiles", http.MethodGet, tile, "stale")
	}

	release := make(chan struct{})
	net := &fakeNet{respond: func(req *http.Request) (*http.Response, error) {
		<-release
		return response(req, http.StatusOK, "fresh"), nil
	}}
	s := NewStaleWhileRevalidate(store, net, 1, 0)

	for _, tile := range tiles {
		resp, err := s.Handle(context.Background(), httptest.NewRequest(http.MethodGet, tile, nil), "tiles")
		require.NoError(t, err)
		assert.Equal(t, "stale", readBody(t, resp))
	}
	assert.Equal(t, int64(2), s.Skipped())
	assert.Equal(t, 1, strings.Count(out.String(), "refresh skipped"))

	close(release)
	s.Wait()
	assert.Equal(t, 1, net.Calls())
}

func TestStaleWhileRevalidate_FailedRefreshKeepsEntry(t *testing.T) {
	const tile = "https://tile.openstreetmap.org/1/1/1.png"
	store := cachestore.NewMemory()
	seed(t, store, "tiles", http.MethodGet, tile, "stale")
	s := NewStaleWhileRevalidate(store, offline(), 4, time.Second)

	resp, err := s.Handle(context.Background(), httptest.NewRequest(http.MethodGet, tile, nil), "tiles")
	require.NoError(t, err)
	assert.Equal(t, "stale", readBody(t, resp))
	s.Wait()

	body, ok := stored(t, store, "tiles", tile)
	require.True(t, ok)
	assert.Equal(t, "stale", body)
}

func TestStaleWhileRevalidate_MissAwaitsNetwork(t *testing.T) {
	const tile = "https://tile.openstreetmap.org/2/2/2.png"
	store := cachestore.NewMemory()

	s := NewStaleWhileRevalidate(store, serving(http.StatusOK, "tile"), 4, 0)
	resp, err := s.Handle(context.Background(), httptest.NewRequest(http.MethodGet, tile, nil), "tiles")
	require.NoError(t, err)
	assert.Equal(t, "tile", readBody(t, resp))
	body, ok := stored(t, store, "tiles", tile)
	require.True(t, ok)
	assert.Equal(t, "tile", body)

	s = NewStaleWhileRevalidate(cachestore.NewMemory(), offline(), 4, 0)
	_, err = s.Handle(context.Background(), httptest.NewRequest(http.MethodGet, tile, nil), "tiles")
	require.Error(t, err)
	assert.True(t, IsNetworkError(err))
}

func TestStaleWhileRevalidate_CallerCancelDoesNotAbortRefresh(t *testing.T) {
	const tile = "https://tile.openstreetmap.org/5/5/5.png"
	store := cachestore.NewMemory()
	seed(t, store, "tiles", http.MethodGet, tile, "stale")

	release := make(chan struct{})
	net := &fakeNet{respond: func(req *http.Request) (*http.Response, error) {
		<-release
		if err := req.Context().Err(); err != nil {
			return nil, err
		}
		return response(req, http.StatusOK, "fresh"), nil
	}}
	s := NewStaleWhileRevalidate(store, net, 4, 0)

	ctx, cancel := context.WithCancel(context.Background())
	resp, err := s.Handle(ctx, httptest.NewRequest(http.MethodGet, tile, nil), "tiles")
	require.NoError(t, err)
	resp.Body.Close()
	cancel()
	close(release)
	s.Wait()

	body, _ := stored(t, store, "tiles", tile)
	assert.Equal(t, "fresh", body)
}
