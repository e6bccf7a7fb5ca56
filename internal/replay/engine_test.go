package replay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"offline0/internal/queuestore"
	"offline0/internal/strategy"
)

type sent struct {
	Method string
	URL    string
	Header http.Header
	Body   string
}

// origin is a scripted network. status returns the status for a request or
// zero to fail it with a connectivity error.
type origin struct {
	mu     sync.Mutex
	seen   []sent
	status func(n int, req *http.Request) int
}

func (o *origin) Do(req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil {
		body, _ = io.ReadAll(req.Body)
	}
	o.mu.Lock()
	n := len(o.seen)
	o.seen = append(o.seen, sent{Method: req.Method, URL: req.URL.String(), Header: req.Header.Clone(), Body: string(body)})
	o.mu.Unlock()

	status := o.status(n, req)
	if status == 0 {
		return nil, errors.New("connection refused")
	}
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": {"application/json"}},
		Body:       io.NopCloser(strings.NewReader(`{"id":1}`)),
		Request:    req,
	}, nil
}

func (o *origin) Seen() []sent {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]sent(nil), o.seen...)
}

func always(status int) *origin {
	return &origin{status: func(int, *http.Request) int { return status }}
}

type registrar struct {
	mu   sync.Mutex
	tags []string
}

func (r *registrar) Register(_ context.Context, tag string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tags = append(r.tags, tag)
	return nil
}

type announcer struct {
	mu     sync.Mutex
	titles []string
	bodies []string
}

func (a *announcer) Announce(_ context.Context, title, body string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.titles = append(a.titles, title)
	a.bodies = append(a.bodies, body)
	return nil
}

func (a *announcer) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.titles)
}

func postReport(n int) *http.Request {
	body := `{"tipo":"bache","descripcion":"reporte ` + string(rune('0'+n)) + `"}`
	req := httptest.NewRequest(http.MethodPost, "https://app.example/api/reportes", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer token-abc")
	return req
}

func queueOffline(t *testing.T, q queuestore.Store, n int) {
	t.Helper()
	e := New(Deps{Queue: q, Net: always(0)})
	for i := 1; i <= n; i++ {
		resp, err := e.Handle(context.Background(), postReport(i))
		require.NoError(t, err)
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
		resp.Body.Close()
	}
}

func TestHandle_OnlinePassesResponseThrough(t *testing.T) {
	q := queuestore.NewMemory()
	net := always(http.StatusCreated)
	e := New(Deps{Queue: q, Net: net})

	resp, err := e.Handle(context.Background(), postReport(1))
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Empty(t, resp.Header.Get(strategy.SourceHeader))

	n, err := q.Len(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	require.Len(t, net.Seen(), 1)
	assert.Equal(t, `{"tipo":"bache","descripcion":"reporte 1"}`, net.Seen()[0].Body)
}

func TestHandle_RejectionIsNotQueued(t *testing.T) {
	q := queuestore.NewMemory()
	e := New(Deps{Queue: q, Net: always(http.StatusUnprocessableEntity)})

	resp, err := e.Handle(context.Background(), postReport(1))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	n, err := q.Len(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestHandle_OfflineQueuesAndAcknowledges(t *testing.T) {
	q := queuestore.NewMemory()
	reg := &registrar{}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e := New(Deps{Queue: q, Net: always(0), Sync: reg, Now: func() time.Time { return now }})

	resp, err := e.Handle(context.Background(), postReport(1))
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Equal(t, strategy.SourceQueued, resp.Header.Get(strategy.SourceHeader))

	var ack Ack
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ack))
	assert.Equal(t, Ack{OK: true, Offline: true, Message: QueuedMessage}, ack)

	recs, err := q.List(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, http.MethodPost, recs[0].Method)
	assert.Equal(t, "https://app.example/api/reportes", recs[0].URL)
	assert.Equal(t, "Bearer token-abc", recs[0].Header.Get("Authorization"))
	assert.Equal(t, `{"tipo":"bache","descripcion":"reporte 1"}`, string(recs[0].Body))
	assert.True(t, now.Equal(recs[0].EnqueuedAt))

	assert.Equal(t, []string{DefaultTag}, reg.tags)
}

func TestHandle_CancelledCallerIsNotQueued(t *testing.T) {
	q := queuestore.NewMemory()
	e := New(Deps{Queue: q, Net: always(0)})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.Handle(ctx, postReport(1))
	require.Error(t, err)

	n, err := q.Len(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReplay_FIFOAndEmptiesQueue(t *testing.T) {
	ctx := context.Background()
	q := queuestore.NewMemory()
	queueOffline(t, q, 3)

	net := always(http.StatusCreated)
	ann := &announcer{}
	e := New(Deps{Queue: q, Net: net, Announcer: ann})

	pass, err := e.Replay(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, pass.Attempted)
	assert.Equal(t, 3, pass.Resolved)
	assert.Empty(t, pass.Pending)

	seen := net.Seen()
	require.Len(t, seen, 3)
	for i, s := range seen {
		assert.Equal(t, http.MethodPost, s.Method)
		assert.Equal(t, "https://app.example/api/reportes", s.URL)
		assert.Equal(t, "Bearer token-abc", s.Header.Get("Authorization"))
		assert.Equal(t, `{"tipo":"bache","descripcion":"reporte `+string(rune('1'+i))+`"}`, s.Body)
	}

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, []string{CompletedTitle}, ann.titles)
	assert.Equal(t, "Tus reportes se han sincronizado correctamente", ann.bodies[0])
}

func TestReplay_PartialFailureRetainsOnlyFailed(t *testing.T) {
	for name, failure := range map[string]int{"network": 0, "rejected": http.StatusInternalServerError} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			q := queuestore.NewMemory()
			queueOffline(t, q, 3)
			before, err := q.List(ctx)
			require.NoError(t, err)

			net := &origin{status: func(n int, _ *http.Request) int {
				if n == 1 {
					return failure
				}
				return http.StatusOK
			}}
			ann := &announcer{}
			e := New(Deps{Queue: q, Net: net, Announcer: ann})

			pass, err := e.Replay(ctx)
			require.NoError(t, err)
			assert.Equal(t, 3, pass.Attempted)
			assert.Equal(t, 2, pass.Resolved)
			assert.Equal(t, []int64{before[1].ID}, pass.Pending)

			after, err := q.List(ctx)
			require.NoError(t, err)
			require.Len(t, after, 1)
			assert.Equal(t, before[1], after[0])
			assert.Equal(t, 1, ann.Count())
			assert.Equal(t, "2 de 3 reportes sincronizados; el resto se reintentará", ann.bodies[0])
		})
	}
}

func TestReplay_NothingResolvedIsNotAnnounced(t *testing.T) {
	for name, status := range map[string]int{"offline": 0, "rejected": http.StatusServiceUnavailable} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			q := queuestore.NewMemory()
			queueOffline(t, q, 1)
			ann := &announcer{}
			e := New(Deps{Queue: q, Net: always(status), Announcer: ann})

			for range 3 {
				pass, err := e.Replay(ctx)
				require.NoError(t, err)
				assert.Equal(t, 1, pass.Attempted)
				assert.Zero(t, pass.Resolved)
			}
			assert.Zero(t, ann.Count())
			n, err := q.Len(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, n)
		})
	}
}

func TestReplay_EmptyQueueIsNoop(t *testing.T) {
	net := always(http.StatusOK)
	ann := &announcer{}
	e := New(Deps{Queue: queuestore.NewMemory(), Net: net, Announcer: ann})

	pass, err := e.Replay(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Pass{}, pass)
	assert.Empty(t, net.Seen())
	assert.Zero(t, ann.Count())
}

func TestReplay_ConcurrentPasses(t *testing.T) {
	ctx := context.Background()
	q := queuestore.NewMemory()
	queueOffline(t, q, 4)

	// Hold both passes on the network until each has taken its snapshot.
	gate := make(chan struct{})
	net := &origin{status: func(int, *http.Request) int {
		<-gate
		return http.StatusOK
	}}
	e := New(Deps{Queue: q, Net: net})

	var wg sync.WaitGroup
	passes := make([]Pass, 2)
	errs := make([]error, 2)
	for i := range passes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			passes[i], errs[i] = e.Replay(ctx)
		}(i)
	}
	require.Eventually(t, func() bool { return len(net.Seen()) == 2 }, 2*time.Second, 5*time.Millisecond)
	close(gate)
	wg.Wait()

	for i := range passes {
		require.NoError(t, errs[i])
		assert.Empty(t, passes[i].Pending)
	}
	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReplay_StopsWhenCancelled(t *testing.T) {
	q := queuestore.NewMemory()
	queueOffline(t, q, 2)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e := New(Deps{Queue: q, Net: always(http.StatusOK), Announcer: &announcer{}})

	pass, err := e.Replay(ctx)
	require.NoError(t, err)
	assert.Zero(t, pass.Attempted)
	assert.Len(t, pass.Pending, 2)
}

func TestReplay_EmptyBody(t *testing.T) {
	ctx := context.Background()
	q := queuestore.NewMemory()
	_, err := q.Append(ctx, queuestore.Record{Method: http.MethodDelete, URL: "https://app.example/api/reportes/9"})
	require.NoError(t, err)

	net := always(http.StatusNoContent)
	pass, err := New(Deps{Queue: q, Net: net}).Replay(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pass.Resolved)
	require.Len(t, net.Seen(), 1)
	assert.Equal(t, http.MethodDelete, net.Seen()[0].Method)
	assert.Empty(t, net.Seen()[0].Body)
}

func TestStatusCode(t *testing.T) {
	assert.Equal(t, "UNAUTHORIZED", string(statusCode(401)))
	assert.Equal(t, "SERVICE_UNAVAILABLE", string(statusCode(503)))
	assert.Equal(t, "INVALID_INPUT", string(statusCode(400)))
}
