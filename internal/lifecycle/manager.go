// Package lifecycle installs and activates one version of the cache: it
// precaches the application shell, retires namespaces left by other
// versions and then opens the barrier intercepted requests wait on.
package lifecycle

import (
	"context"
	"log"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/jmgilman/go/errors"
	"golang.org/x/sync/errgroup"

	"offline0/internal/cachestore"
	"offline0/internal/router"
	"offline0/internal/strategy"
)

type Options struct {
	Origin  string
	Prefix  string
	Version string
	// Assets are root-relative paths stored in the static namespace.
	Assets      []string
	OfflinePage string
	// BuildManifest is an optional root-relative path to a Vite manifest
	// whose entries extend Assets.
	BuildManifest string
	Concurrency   int
}

type Manager struct {
	store  cachestore.Store
	net    strategy.Fetcher
	opts   Options
	origin *url.URL

	ready chan struct{}
	once  sync.Once
}

func New(store cachestore.Store, net strategy.Fetcher, opts Options) (*Manager, error) {
	origin, err := url.Parse(strings.TrimRight(opts.Origin, "/"))
	if err != nil || origin.Scheme == "" || origin.Host == "" {
		return nil, errors.Newf(errors.CodeInvalidConfig, "origin %q must be an absolute URL", opts.Origin)
	}
	if opts.Prefix == "" || opts.Version == "" {
		return nil, errors.New(errors.CodeInvalidConfig, "namespace prefix and version are required")
	}
	if strings.Contains(opts.Version, "-") {
		return nil, errors.Newf(errors.CodeInvalidConfig, "version %q must not contain '-'", opts.Version)
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	return &Manager{
		store:  store,
		net:    net,
		opts:   opts,
		origin: origin,
		ready:  make(chan struct{}),
	}, nil
}

// Namespace returns the versioned name for a namespace kind, for example
// citizen-reports-static-v3.
func (m *Manager) Namespace(kind string) string {
	return m.opts.Prefix + "-" + kind + "-" + m.opts.Version
}

// Namespaces lists the current version's namespaces.
func (m *Manager) Namespaces() []string {
	out := make([]string, 0, len(router.NamespaceKinds))
	for _, kind := range router.NamespaceKinds {
		out = append(out, m.Namespace(kind))
	}
	return out
}

func (m *Manager) Version() string { return m.opts.Version }

// InstallReport summarizes Install.
type InstallReport struct {
	Stored  int
	Skipped []string
}

// Install opens the current namespaces and precaches the asset list into
// the static namespace. Assets that cannot be fetched are logged and
// skipped; Install fails only when the store does or ctx ends.
func (m *Manager) Install(ctx context.Context) (InstallReport, error) {
	for _, ns := range m.Namespaces() {
		if err := m.store.Open(ctx, ns); err != nil {
			return InstallReport{}, errors.Wrapf(err, errors.CodeDatabase, "open namespace %s", ns)
		}
	}

	assets := m.assets(ctx)
	static := m.Namespace(router.NamespaceStatic)

	var (
		mu     sync.Mutex
		report InstallReport
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.Concurrency)
	for _, p := range assets {
		g.Go(func() error {
			if err := m.precache(gctx, static, p); err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				log.Printf("lifecycle: precache skipped %s: %v", p, err)
				mu.Lock()
				report.Skipped = append(report.Skipped, p)
				mu.Unlock()
				return nil
			}
			mu.Lock()
			report.Stored++
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, errors.Wrap(err, errors.CodeUnavailable, "install interrupted")
	}
	sort.Strings(report.Skipped)
	log.Printf("lifecycle: installed version=%s stored=%d skipped=%d", m.opts.Version, report.Stored, len(report.Skipped))
	return report, nil
}

func (m *Manager) assets(ctx context.Context) []string {
	list := append([]string(nil), m.opts.Assets...)
	if m.opts.OfflinePage != "" {
		list = append(list, m.opts.OfflinePage)
	}
	if m.opts.BuildManifest != "" {
		found, err := m.discoverBuildAssets(ctx)
		if err != nil {
			log.Printf("lifecycle: build manifest %s: %v", m.opts.BuildManifest, err)
		}
		list = append(list, found...)
	}

	seen := make(map[string]struct{}, len(list))
	out := list[:0]
	for _, p := range list {
		p = normalizePath(p)
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

func (m *Manager) precache(ctx context.Context, ns, p string) error {
	target := m.resolve(p)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	resp, err := m.net.Do(req)
	if err != nil {
		return errors.Wrap(err, errors.CodeNetwork, "fetch")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return errors.Newf(errors.CodeNotFound, "unexpected status %d", resp.StatusCode)
	}
	ent, err := cachestore.Capture(resp)
	if err != nil {
		return errors.Wrap(err, errors.CodeNetwork, "read body")
	}
	return m.store.Put(ctx, ns, cachestore.Signature(http.MethodGet, target), ent)
}

// Activate deletes every namespace under the prefix that belongs to another
// version. Namespaces outside the prefix are left alone.
func (m *Manager) Activate(ctx context.Context) ([]string, error) {
	all, err := m.store.Namespaces(ctx)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeDatabase, "list namespaces")
	}
	var deleted []string
	for _, ns := range all {
		version, ok := m.versionOf(ns)
		if !ok || version == m.opts.Version {
			continue
		}
		if _, err := m.store.DeleteNamespace(ctx, ns); err != nil {
			return deleted, errors.Wrapf(err, errors.CodeDatabase, "delete namespace %s", ns)
		}
		log.Printf("lifecycle: retired namespace %s", ns)
		deleted = append(deleted, ns)
	}
	return deleted, nil
}

// versionOf extracts the version tag from a prefixed namespace name. The
// tag is the last dash-separated segment.
func (m *Manager) versionOf(ns string) (string, bool) {
	rest, ok := strings.CutPrefix(ns, m.opts.Prefix+"-")
	if !ok || rest == "" {
		return "", false
	}
	if i := strings.LastIndexByte(rest, '-'); i >= 0 {
		return rest[i+1:], true
	}
	return rest, true
}

// Run installs, activates and opens the barrier. A failed activation leaves
// stale namespaces behind but does not keep the barrier closed, since the
// router only addresses current names.
func (m *Manager) Run(ctx context.Context) error {
	if _, err := m.Install(ctx); err != nil {
		return err
	}
	if _, err := m.Activate(ctx); err != nil {
		log.Printf("lifecycle: activate: %v", err)
	}
	m.once.Do(func() { close(m.ready) })
	log.Printf("lifecycle: version %s active", m.opts.Version)
	return nil
}

// Wait blocks until Run has opened the barrier or ctx ends.
func (m *Manager) Wait(ctx context.Context) error {
	select {
	case <-m.ready:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), errors.CodeUnavailable, "waiting for activation")
	}
}

func (m *Manager) Active() bool {
	select {
	case <-m.ready:
		return true
	default:
		return false
	}
}

func (m *Manager) resolve(p string) string {
	if strings.HasPrefix(p, "http://") || strings.HasPrefix(p, "https://") {
		return p
	}
	return m.origin.ResolveReference(&url.URL{Path: p}).String()
}

func normalizePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	if strings.HasPrefix(p, "http://") || strings.HasPrefix(p, "https://") {
		return p
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}
