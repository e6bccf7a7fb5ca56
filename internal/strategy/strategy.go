// Package strategy implements the caching strategies the router dispatches
// to. Each strategy produces a response for a request and a target
// namespace, and opportunistically refreshes the cache store.
package strategy

import (
	"context"
	"log"
	"net/http"

	"github.com/jmgilman/go/errors"

	"offline0/internal/cachestore"
	"offline0/internal/router"
)

// SourceHeader marks responses the layer produced itself. Responses passed
// through from the network do not carry it.
const SourceHeader = "X-Offline0"

const (
	SourceCache       = "cache"
	SourceNetwork     = "network"
	SourceOfflinePage = "offline-page"
	SourceQueued      = "queued"
)

// Fetcher performs a network round trip. *http.Client satisfies it.
type Fetcher interface {
	Do(req *http.Request) (*http.Response, error)
}

type Strategy interface {
	Handle(ctx context.Context, req *http.Request, ns string) (*http.Response, error)
}

// IsNetworkError reports whether err is a connectivity failure as opposed to
// an origin response.
func IsNetworkError(err error) bool {
	return errors.GetCode(err) == errors.CodeNetwork
}

// fetch sends a copy of req bound to ctx. Any transport error, including a
// body that cannot be read, is a network error.
func fetch(ctx context.Context, net Fetcher, req *http.Request) (*http.Response, error) {
	resp, err := net.Do(req.Clone(ctx))
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeNetwork, "fetch %s %s", req.Method, req.URL)
	}
	return resp, nil
}

func cacheable(req *http.Request, status int) bool {
	return router.IsReadOnly(req.Method) && status >= 200 && status < 300
}

// fetchAndKeep fetches req and, when the response is cacheable, stores a
// snapshot under sig before returning it.
func fetchAndKeep(ctx context.Context, store cachestore.Store, net Fetcher, ns, sig string, req *http.Request) (*http.Response, error) {
	resp, err := fetch(ctx, net, req)
	if err != nil {
		return nil, err
	}
	if !cacheable(req, resp.StatusCode) {
		return resp, nil
	}
	ent, err := cachestore.Capture(resp)
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeNetwork, "read %s", req.URL)
	}
	if err := store.Put(ctx, ns, sig, ent); err != nil {
		log.Printf("strategy: store failed ns=%s sig=%q: %v", ns, sig, err)
	}
	return ent.Response(req), nil
}

// match treats store errors as misses; the cache is an optimization.
func match(ctx context.Context, store cachestore.Store, ns, sig string) (cachestore.Entry, bool) {
	ent, ok, err := store.Match(ctx, ns, sig)
	if err != nil {
		log.Printf("strategy: cache lookup failed ns=%s sig=%q: %v", ns, sig, err)
		return cachestore.Entry{}, false
	}
	return ent, ok
}

func fromCache(ent cachestore.Entry, req *http.Request, source string) *http.Response {
	resp := ent.Response(req)
	resp.Header.Set(SourceHeader, source)
	return resp
}
