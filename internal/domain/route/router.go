// Package route selects the upstream that handles a request path.
package route

import (
	"fmt"
	"sort"
	"strings"
)

// TransportKind names the transport used to reach an upstream.
type TransportKind string

const (
	// TransportStdio spawns the upstream as a subprocess.
	TransportStdio TransportKind = "stdio"
	// TransportHTTP posts each envelope to an HTTP endpoint.
	TransportHTTP TransportKind = "http"
	// TransportSSE streams replies over Server-Sent Events.
	TransportSSE TransportKind = "sse"
)

// Route describes one upstream and the path prefix that selects it.
type Route struct {
	// Name identifies the route in logs, metrics, and audit entries.
	Name string

	// PathPrefix selects this route. Must start with "/".
	PathPrefix string

	// Transport is how the upstream is reached.
	Transport TransportKind

	// Command and Args spawn a stdio upstream.
	Command string
	Args    []string

	// URL is the endpoint of an http or sse upstream.
	URL string

	// StripPrefix removes PathPrefix from the path before forwarding.
	StripPrefix bool
}

// NoRouteError reports that no route's prefix matched the request path.
type NoRouteError struct {
	Path string
}

// Error implements the error interface.
func (e *NoRouteError) Error() string {
	return fmt.Sprintf("no route for path %q", e.Path)
}

// Router matches request paths to routes by longest prefix.
//
// Routes are held sorted by descending prefix length; equal-length prefixes
// keep their configuration order, so the first configured wins a tie.
type Router struct {
	routes []Route
}

// NewRouter builds a router from the configured routes. Duplicate prefixes
// and prefixes not starting with "/" are rejected.
func NewRouter(routes []Route) (*Router, error) {
	seen := make(map[string]string, len(routes))
	for _, rt := range routes {
		if !strings.HasPrefix(rt.PathPrefix, "/") {
			return nil, fmt.Errorf("route %q: path prefix %q must start with /", rt.Name, rt.PathPrefix)
		}
		if prev, ok := seen[rt.PathPrefix]; ok {
			return nil, fmt.Errorf("route %q: duplicate path prefix %q (already used by %q)", rt.Name, rt.PathPrefix, prev)
		}
		seen[rt.PathPrefix] = rt.Name
	}

	sorted := make([]Route, len(routes))
	copy(sorted, routes)
	// Stable keeps configuration order for equal-length prefixes.
	sort.SliceStable(sorted, func(i, j int) bool {
		return len(sorted[i].PathPrefix) > len(sorted[j].PathPrefix)
	})

	return &Router{routes: sorted}, nil
}

// Find returns the route with the longest prefix matching path. When no
// prefix matches, a "/" route acts as the default; without one Find returns
// a NoRouteError.
func (r *Router) Find(path string) (*Route, error) {
	if path == "" {
		path = "/"
	}
	for i := range r.routes {
		if strings.HasPrefix(path, r.routes[i].PathPrefix) {
			return &r.routes[i], nil
		}
	}
	return nil, &NoRouteError{Path: path}
}

// Default returns the catch-all "/" route, or nil when none is configured.
func (r *Router) Default() *Route {
	for i := range r.routes {
		if r.routes[i].PathPrefix == "/" {
			return &r.routes[i]
		}
	}
	return nil
}

// TransformPath strips the route's prefix from path when StripPrefix is set.
// The stripped path always starts with "/".
func (rt *Route) TransformPath(path string) string {
	if !rt.StripPrefix {
		return path
	}
	stripped := strings.TrimPrefix(path, rt.PathPrefix)
	if !strings.HasPrefix(stripped, "/") {
		stripped = "/" + stripped
	}
	return stripped
}

// Routes returns the routes in match order. The slice is shared; callers
// must not modify it.
func (r *Router) Routes() []Route {
	return r.routes
}
