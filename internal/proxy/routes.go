package proxy

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/org/vxlgateway/internal/config"
	"github.com/org/vxlgateway/internal/policy"
)

// Upstream is a resolved internal service.
type Upstream struct {
	Name    string
	URL     *url.URL
	Timeout time.Duration
}

// Route is a resolved route table entry.
type Route struct {
	Prefix      string
	Upstream    string
	Resource    string
	Auth        string
	Requirement policy.Requirement
	StripPrefix bool
}

// Table matches request paths to routes by longest prefix.
type Table struct {
	routes []Route
}

// BuildTable resolves configured upstreams and routes.
func BuildTable(cfg config.Config) (*Table, map[string]Upstream, error) {
	ups := make(map[string]Upstream, len(cfg.Upstreams))
	for name, u := range cfg.Upstreams {
		parsed, err := url.Parse(u.URL)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return nil, nil, fmt.Errorf("upstream %s: invalid url %q", name, u.URL)
		}
		ups[name] = Upstream{Name: name, URL: parsed, Timeout: u.Timeout()}
	}

	routes := make([]Route, 0, len(cfg.Routes))
	for _, rc := range cfg.Routes {
		req, bad := policy.NewRequirement(rc.Permissions, rc.AnyPermission)
		if len(bad) > 0 {
			return nil, nil, fmt.Errorf("route %s: malformed permissions %v", rc.Prefix, bad)
		}
		if _, ok := ups[rc.Upstream]; !ok {
			return nil, nil, fmt.Errorf("route %s: unknown upstream %q", rc.Prefix, rc.Upstream)
		}
		routes = append(routes, Route{
			Prefix:      strings.TrimSuffix(rc.Prefix, "/"),
			Upstream:    rc.Upstream,
			Resource:    rc.Resource,
			Auth:        rc.Auth,
			Requirement: req,
			StripPrefix: rc.StripPrefix,
		})
	}
	return NewTable(routes), ups, nil
}

// NewTable sorts routes so the most specific prefix wins.
func NewTable(routes []Route) *Table {
	cp := append([]Route(nil), routes...)
	sort.SliceStable(cp, func(i, j int) bool { return len(cp[i].Prefix) > len(cp[j].Prefix) })
	return &Table{routes: cp}
}

// Match returns the route whose prefix covers path on a segment boundary.
func (t *Table) Match(path string) (Route, bool) {
	for _, rt := range t.routes {
		if rt.Prefix == "" || path == rt.Prefix || strings.HasPrefix(path, rt.Prefix+"/") {
			return rt, true
		}
	}
	return Route{}, false
}

// Routes returns the table in match order.
func (t *Table) Routes() []Route {
	return append([]Route(nil), t.routes...)
}
