// Package offline0 wires the offline layer together: it routes each request
// to a caching strategy or the mutation queue, gates intercepted traffic on
// cache activation, and exposes the result as a RoundTripper and as an HTTP
// handler with control endpoints for push, click and sync events.
package offline0

import (
	"context"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jmgilman/go/errors"
	"go.opentelemetry.io/otel/metric"

	"offline0/internal/cachestore"
	"offline0/internal/config"
	"offline0/internal/lifecycle"
	"offline0/internal/notify"
	"offline0/internal/observe"
	"offline0/internal/queuestore"
	"offline0/internal/replay"
	"offline0/internal/router"
	"offline0/internal/strategy"
	"offline0/internal/syncer"
)

// Source values the service adds on top of the strategy ones.
const (
	SourcePass       = "pass"
	SourceBadGateway = "bad-gateway"
)

// Deps are the collaborators a Service is built from. Cache, Queue and Net
// are required.
type Deps struct {
	Cache   cachestore.Store
	Queue   queuestore.Store
	Net     strategy.Fetcher
	Surface notify.Surface
	Meter   metric.Meter
}

type Service struct {
	cfg    config.Config
	origin *url.URL

	cache cachestore.Store
	queue queuestore.Store
	net   strategy.Fetcher

	router    *router.Router
	lifecycle *lifecycle.Manager

	cacheFirst   strategy.Strategy
	networkFirst strategy.Strategy
	navigation   strategy.Strategy
	swr          *strategy.StaleWhileRevalidate

	replay   *replay.Engine
	syncer   *syncer.Syncer
	views    *notify.ViewRegistry
	notifier *notify.Deliverer

	metrics *observe.Metrics
	stats   *observe.SizeStats

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

func New(cfg config.Config, d Deps) (*Service, error) {
	if d.Cache == nil || d.Queue == nil || d.Net == nil {
		return nil, errors.New(errors.CodeInvalidConfig, "cache, queue and network are required")
	}
	origin, err := url.Parse(cfg.Server.Origin)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInvalidConfig, "server.origin")
	}

	rt, err := router.New(cfg.Server.Origin, cfg.Routing)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInvalidConfig, "routing")
	}

	lc, err := lifecycle.New(d.Cache, d.Net, lifecycle.Options{
		Origin:        cfg.Server.Origin,
		Prefix:        cfg.Cache.Prefix,
		Version:       cfg.Cache.Version,
		Assets:        cfg.Precache.Assets,
		OfflinePage:   cfg.Precache.OfflinePage,
		BuildManifest: cfg.Precache.BuildManifest,
		Concurrency:   cfg.Precache.Concurrency,
	})
	if err != nil {
		return nil, err
	}

	metrics, err := observe.NewMetrics(d.Meter)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "create instruments")
	}

	views := notify.NewViewRegistry()
	deliverer, err := notify.NewDeliverer(d.Surface, views, metrics, notify.Options{
		Origin: cfg.Server.Origin,
		Icon:   cfg.Notifications.Icon,
		Badge:  cfg.Notifications.Badge,
	})
	if err != nil {
		return nil, err
	}

	engine := replay.New(replay.Deps{
		Queue:     d.Queue,
		Net:       d.Net,
		Announcer: deliverer,
		Metrics:   metrics,
		Tag:       cfg.Sync.Tag,
	})
	sy := syncer.New(engine, d.Net, syncer.Options{
		Tag:          cfg.Sync.Tag,
		ProbeURL:     origin.ResolveReference(&url.URL{Path: cfg.Sync.ProbePath}).String(),
		Every:        cfg.SyncEvery(),
		ProbeInitial: cfg.ProbeInitial(),
		ProbeMax:     cfg.ProbeMax(),
	})
	engine.SetRegistrar(sy)

	networkFirst := &strategy.NetworkFirst{Store: d.Cache, Net: d.Net}
	s := &Service{
		cfg:          cfg,
		origin:       origin,
		cache:        d.Cache,
		queue:        d.Queue,
		net:          d.Net,
		router:       rt,
		lifecycle:    lc,
		cacheFirst:   &strategy.CacheFirst{Store: d.Cache, Net: d.Net},
		networkFirst: networkFirst,
		navigation: &strategy.OfflineFallback{
			Next:  networkFirst,
			Store: d.Cache,
			Page:  cfg.Precache.OfflinePage,
		},
		swr:      strategy.NewStaleWhileRevalidate(d.Cache, d.Net, 32, cfg.OriginTimeout()),
		replay:   engine,
		syncer:   sy,
		views:    views,
		notifier: deliverer,
		metrics:  metrics,
		stats:    observe.NewSizeStats(),
		stopCh:   make(chan struct{}),
	}
	return s, nil
}

// Start activates the cache in the background and starts the sync loop.
// Intercepted requests wait until activation completes.
func (s *Service) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		<-s.stopCh
		cancel()
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.activate(ctx)
	}()

	s.syncer.Start(ctx)

	if every := s.cfg.LogStatsEvery(); every > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(every)
		}()
	}
}

// activate runs the lifecycle until it succeeds. Install only fails when the
// cache store does, which may be transient.
func (s *Service) activate(ctx context.Context) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = time.Minute
	b.Reset()
	for {
		err := s.lifecycle.Run(ctx)
		if err == nil {
			return
		}
		d := b.NextBackOff()
		log.Printf("offline0: activation failed, retrying in %s: %v", d, err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(d):
		}
	}
}

// Ready blocks until the current cache version is active.
func (s *Service) Ready(ctx context.Context) error {
	return s.lifecycle.Wait(ctx)
}

func (s *Service) Close() {
	s.once.Do(func() { close(s.stopCh) })
	s.syncer.Close()
	s.wg.Wait()
	s.swr.Wait()
}

// Fetch answers req the way the layer would: pass-through traffic goes
// straight to the network and comes back untouched, everything else is
// served by its route's strategy once the cache is active. req.URL must be
// absolute.
func (s *Service) Fetch(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	route := s.router.Route(req)

	if !route.Intercepted() {
		resp, err := s.net.Do(req)
		if err != nil {
			s.metrics.Fetch(ctx, string(route.Class), SourceBadGateway)
			return nil, errors.Wrapf(err, errors.CodeNetwork, "pass %s %s", req.Method, req.URL)
		}
		s.metrics.Fetch(ctx, string(route.Class), SourcePass)
		return resp, nil
	}

	if err := s.lifecycle.Wait(ctx); err != nil {
		return nil, err
	}

	var (
		resp *http.Response
		err  error
	)
	switch route.Strategy {
	case router.StrategyMutationQueue:
		resp, err = s.replay.Handle(ctx, req)
	default:
		resp, err = s.strategyFor(route).Handle(ctx, req, s.lifecycle.Namespace(route.Namespace))
	}
	if err != nil {
		s.metrics.Fetch(ctx, string(route.Class), SourceBadGateway)
		return nil, err
	}
	if resp.Header.Get(strategy.SourceHeader) == "" {
		resp.Header.Set(strategy.SourceHeader, strategy.SourceNetwork)
	}
	s.metrics.Fetch(ctx, string(route.Class), resp.Header.Get(strategy.SourceHeader))
	return resp, nil
}

func (s *Service) strategyFor(route router.Route) strategy.Strategy {
	switch route.Strategy {
	case router.StrategyCacheFirst:
		return s.cacheFirst
	case router.StrategyStaleWhileRevalidate:
		return s.swr
	}
	if route.OfflineFallback {
		return s.navigation
	}
	return s.networkFirst
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

// Transport returns a RoundTripper that sends requests through the layer,
// for in-process clients.
func (s *Service) Transport() http.RoundTripper {
	return roundTripFunc(s.Fetch)
}

// Trigger delivers a sync trigger for tag.
func (s *Service) Trigger(ctx context.Context, tag string) (replay.Pass, error) {
	return s.syncer.Trigger(ctx, tag)
}

// Push shows a notification for a raw push payload.
func (s *Service) Push(ctx context.Context, raw []byte) (notify.Notification, error) {
	return s.notifier.Push(ctx, raw)
}

func (s *Service) Views() *notify.ViewRegistry { return s.views }
