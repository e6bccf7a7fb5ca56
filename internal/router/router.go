// Package router classifies intercepted requests into resource classes and
// maps each class to exactly one strategy and namespace.
package router

import (
	"net/http"
	"net/url"
	"path"
	"strings"

	"offline0/internal/config"
)

type Class string

const (
	ClassPass       Class = "pass"
	ClassStatic     Class = "static"
	ClassTile       Class = "tile"
	ClassAPIRead    Class = "api-read"
	ClassAPIWrite   Class = "api-write"
	ClassNavigation Class = "navigation"
	ClassDynamic    Class = "dynamic"
)

type StrategyKind string

const (
	StrategyNone                 StrategyKind = ""
	StrategyCacheFirst           StrategyKind = "cache-first"
	StrategyNetworkFirst         StrategyKind = "network-first"
	StrategyStaleWhileRevalidate StrategyKind = "stale-while-revalidate"
	StrategyMutationQueue        StrategyKind = "mutation-queue"
)

// Namespace kinds. The lifecycle manager turns these into versioned names.
const (
	NamespaceNone     = ""
	NamespaceStatic   = "static"
	NamespaceDynamic  = "dynamic"
	NamespaceAPIReads = "api-reads"
	NamespaceTiles    = "tiles"
)

// NamespaceKinds lists every namespace kind the routing table uses.
var NamespaceKinds = []string{NamespaceStatic, NamespaceDynamic, NamespaceAPIReads, NamespaceTiles}

// Route is the routing decision for one request.
type Route struct {
	Class     Class
	Strategy  StrategyKind
	Namespace string
	// OfflineFallback serves the stored offline page when the strategy fails.
	OfflineFallback bool
}

// Intercepted reports whether the layer handles the request at all.
func (r Route) Intercepted() bool { return r.Class != ClassPass }

var table = map[Class]Route{
	ClassPass:       {Class: ClassPass},
	ClassStatic:     {Class: ClassStatic, Strategy: StrategyCacheFirst, Namespace: NamespaceStatic},
	ClassTile:       {Class: ClassTile, Strategy: StrategyStaleWhileRevalidate, Namespace: NamespaceTiles},
	ClassAPIRead:    {Class: ClassAPIRead, Strategy: StrategyNetworkFirst, Namespace: NamespaceAPIReads},
	ClassAPIWrite:   {Class: ClassAPIWrite, Strategy: StrategyMutationQueue},
	ClassNavigation: {Class: ClassNavigation, Strategy: StrategyNetworkFirst, Namespace: NamespaceStatic, OfflineFallback: true},
	ClassDynamic:    {Class: ClassDynamic, Strategy: StrategyNetworkFirst, Namespace: NamespaceDynamic},
}

// RouteFor returns the fixed route for a class.
func RouteFor(c Class) (Route, bool) {
	r, ok := table[c]
	return r, ok
}

type Router struct {
	origin  *url.URL
	rules   config.Routing
	statics map[string]struct{}
}

// New builds a router for the application origin (scheme://host[:port]).
func New(origin string, rules config.Routing) (*Router, error) {
	u, err := url.Parse(origin)
	if err != nil {
		return nil, err
	}
	statics := make(map[string]struct{}, len(rules.StaticExtensions))
	for _, ext := range rules.StaticExtensions {
		statics["."+strings.ToLower(strings.TrimPrefix(ext, "."))] = struct{}{}
	}
	return &Router{origin: u, rules: rules, statics: statics}, nil
}

// Route classifies req and returns its route. First match wins.
func (r *Router) Route(req *http.Request) Route {
	route, _ := RouteFor(r.Classify(req))
	return route
}

func (r *Router) Classify(req *http.Request) Class {
	u := req.URL
	p := u.Path

	if !r.sameOrigin(u) {
		if r.isTile(u) {
			return ClassTile
		}
		return ClassPass
	}
	for _, m := range r.rules.DevMarkers {
		if m != "" && strings.Contains(p, m) {
			return ClassPass
		}
	}
	if strings.HasPrefix(p, r.rules.APIPrefix) {
		if IsReadOnly(req.Method) {
			return ClassAPIRead
		}
		return ClassAPIWrite
	}
	if _, ok := r.statics[strings.ToLower(path.Ext(p))]; ok {
		return ClassStatic
	}
	if isNavigation(req) {
		return ClassNavigation
	}
	return ClassDynamic
}

func (r *Router) sameOrigin(u *url.URL) bool {
	if u.Host == "" {
		return true
	}
	return strings.EqualFold(u.Scheme, r.origin.Scheme) && strings.EqualFold(u.Host, r.origin.Host)
}

func (r *Router) isTile(u *url.URL) bool {
	host := strings.ToLower(u.Hostname())
	for _, m := range r.rules.TileMarkers {
		if m != "" && strings.Contains(host, strings.ToLower(m)) {
			return true
		}
	}
	return r.rules.TilePathSegment != "" && strings.Contains(u.Path, r.rules.TilePathSegment)
}

// IsReadOnly reports whether a method never mutates origin state.
func IsReadOnly(method string) bool {
	switch strings.ToUpper(method) {
	case "", http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

// isNavigation detects a top-level document load. Fetch metadata headers are
// authoritative; without them a GET asking for HTML counts.
func isNavigation(req *http.Request) bool {
	if mode := req.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return strings.EqualFold(mode, "navigate")
	}
	if req.Method != "" && req.Method != http.MethodGet {
		return false
	}
	return strings.Contains(req.Header.Get("Accept"), "text/html")
}
