package strategy

import (
	"context"
	"log"
	"net/http"

	"offline0/internal/cachestore"
)

// CacheFirst answers from the namespace when it can and touches the network
// only on a miss. Static assets are fingerprinted per build, so a hit is
// always current for the active version.
type CacheFirst struct {
	Store cachestore.Store
	Net   Fetcher
}

func (s *CacheFirst) Handle(ctx context.Context, req *http.Request, ns string) (*http.Response, error) {
	sig := cachestore.RequestSignature(req)
	if ent, ok := match(ctx, s.Store, ns, sig); ok {
		return fromCache(ent, req, SourceCache), nil
	}
	resp, err := fetchAndKeep(ctx, s.Store, s.Net, ns, sig, req)
	if err != nil {
		log.Printf("strategy: cache-first miss and network failed sig=%q: %v", sig, err)
		return nil, err
	}
	return resp, nil
}
