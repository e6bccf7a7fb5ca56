package strategy

import (
	"context"
	"log"
	"net/http"
	"net/url"

	"offline0/internal/cachestore"
)

// NetworkFirst prefers a fresh response and falls back to the stored copy
// only when the network itself fails. A non-2xx response is returned as is.
type NetworkFirst struct {
	Store cachestore.Store
	Net   Fetcher
}

func (s *NetworkFirst) Handle(ctx context.Context, req *http.Request, ns string) (*http.Response, error) {
	sig := cachestore.RequestSignature(req)
	resp, err := fetchAndKeep(ctx, s.Store, s.Net, ns, sig, req)
	if err == nil {
		return resp, nil
	}
	if ent, ok := match(ctx, s.Store, ns, sig); ok {
		log.Printf("strategy: network failed, serving cached copy sig=%q", sig)
		return fromCache(ent, req, SourceCache), nil
	}
	return nil, err
}

// OfflineFallback serves a stored offline page when Next fails outright.
type OfflineFallback struct {
	Next  Strategy
	Store cachestore.Store
	// Page is the root-relative path of the offline page, stored in the
	// same namespace the wrapped strategy uses.
	Page string
}

func (s *OfflineFallback) Handle(ctx context.Context, req *http.Request, ns string) (*http.Response, error) {
	resp, err := s.Next.Handle(ctx, req, ns)
	if err == nil {
		return resp, nil
	}
	pageURL := req.URL.ResolveReference(&url.URL{Path: s.Page})
	if ent, ok := match(ctx, s.Store, ns, cachestore.Signature(http.MethodGet, pageURL.String())); ok {
		return fromCache(ent, req, SourceOfflinePage), nil
	}
	return nil, err
}
