package strategy

import (
	"context"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"offline0/internal/cachestore"
	"offline0/internal/observe"
)

// StaleWhileRevalidate returns the stored copy immediately and refreshes it
// in the background. Without a stored copy the caller waits for the network.
//
// Background refreshes are bounded by a semaphore; when it is full the
// refresh is skipped and the next read tries again. Concurrent refreshes of
// the same signature share one network call.
type StaleWhileRevalidate struct {
	store   cachestore.Store
	net     Fetcher
	timeout time.Duration

	group singleflight.Group
	sem   chan struct{}
	wg    sync.WaitGroup

	skipped atomic.Int64
	skipLog *observe.RateLimitedLogger
}

// NewStaleWhileRevalidate allows up to maxBackground concurrent refreshes,
// each bounded by timeout when it is positive.
func NewStaleWhileRevalidate(store cachestore.Store, net Fetcher, maxBackground int, timeout time.Duration) *StaleWhileRevalidate {
	if maxBackground <= 0 {
		maxBackground = 32
	}
	return &StaleWhileRevalidate{
		store:   store,
		net:     net,
		timeout: timeout,
		sem:     make(chan struct{}, maxBackground),
		skipLog: observe.NewRateLimitedLogger(10 * time.Second),
	}
}

func (s *StaleWhileRevalidate) Handle(ctx context.Context, req *http.Request, ns string) (*http.Response, error) {
	sig := cachestore.RequestSignature(req)
	ent, ok := match(ctx, s.store, ns, sig)
	if !ok {
		return fetchAndKeep(ctx, s.store, s.net, ns, sig, req)
	}
	s.revalidateAsync(ctx, req, ns, sig)
	return fromCache(ent, req, SourceCache), nil
}

func (s *StaleWhileRevalidate) revalidateAsync(ctx context.Context, req *http.Request, ns, sig string) {
	select {
	case s.sem <- struct{}{}:
	default:
		n := s.skipped.Add(1)
		s.skipLog.Printf("strategy: background refreshes saturated (%d), refresh skipped sig=%q total_skipped=%d", cap(s.sem), sig, n)
		return
	}

	bgCtx := context.WithoutCancel(ctx)
	cancel := context.CancelFunc(func() {})
	if s.timeout > 0 {
		bgCtx, cancel = context.WithTimeout(bgCtx, s.timeout)
	}
	bgReq := req.Clone(bgCtx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { <-s.sem }()
		defer cancel()

		_, err, _ := s.group.Do(ns+"\x00"+sig, func() (any, error) {
			resp, err := fetchAndKeep(bgCtx, s.store, s.net, ns, sig, bgReq)
			if err != nil {
				return nil, err
			}
			resp.Body.Close()
			return nil, nil
		})
		if err != nil {
			log.Printf("strategy: revalidation failed, keeping stored copy sig=%q: %v", sig, err)
		}
	}()
}

// Skipped reports how many refreshes were dropped because the background
// limit was reached.
func (s *StaleWhileRevalidate) Skipped() int64 { return s.skipped.Load() }

// Wait blocks until in-flight background refreshes finish.
func (s *StaleWhileRevalidate) Wait() {
	s.wg.Wait()
}
