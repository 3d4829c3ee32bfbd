// Package resolver maps an incoming request's (host:port, path) pair to a
// logical repository plus the remaining path inside it (§4.7, §3.4).
//
// When a repository is found, the caller switches into "backend mode" and
// the Download Agent selects one of the repository's mirror URLs,
// fails over across them on error, and rewrites X-Original-Source /
// Release-file snapshot bookkeeping accordingly. When no repository
// matches, the URL is used verbatim as an "explicit target" (passthrough
// proxying of arbitrary upstream hosts, e.g. for custom backends that
// were never entered in the remap table).
package resolver

import (
	"sort"
	"strings"
)

// RepoDescriptor is §3.4's "per logical repository" record: an ordered
// list of mirror URLs, an optional dedicated proxy, and the keyfile
// suffixes used for the mirror health check described in SPEC_FULL §5.
type RepoDescriptor struct {
	Name            string   `yaml:"name"`
	Backends        []string `yaml:"backends"`
	Proxy           string   `yaml:"proxy,omitempty"`
	KeyfileSuffixes []string `yaml:"keyfile_suffixes,omitempty"`
	DeltaSource     string   `yaml:"delta_source,omitempty"`
}

// route is one (host:port, path_prefix) -> repo_name entry from the remap
// table.
type route struct {
	hostPort   string
	pathPrefix string
	repoName   string
}

// Table is the read-only resolver built from configuration. It is safe
// for concurrent use after construction: it is never mutated.
type Table struct {
	routes []route
	repos  map[string]*RepoDescriptor
}

// Entry is one source row used to build a Table, matching the
// "(host:port, path_prefix, repo_name)" triples from §6.4.
type Entry struct {
	HostPort   string `yaml:"host_port"`
	PathPrefix string `yaml:"path_prefix"`
	Repo       string `yaml:"repo"`
}

// NewTable builds a Table from routing entries and the named repository
// descriptors they reference. Routes for repositories that aren't present
// in repos are kept but will simply never match a lookup that could
// resolve them to a descriptor.
func NewTable(entries []Entry, repos []RepoDescriptor) *Table {
	t := &Table{repos: make(map[string]*RepoDescriptor, len(repos))}
	for i := range repos {
		r := repos[i]
		t.repos[r.Name] = &r
	}
	for _, e := range entries {
		t.routes = append(t.routes, route{
			hostPort:   strings.ToLower(e.HostPort),
			pathPrefix: e.PathPrefix,
			repoName:   e.Repo,
		})
	}
	// Longest prefix first so Resolve's linear scan picks the most
	// specific match deterministically regardless of input order (§8.1
	// "canonical routing" invariant).
	sort.SliceStable(t.routes, func(i, j int) bool {
		return len(t.routes[i].pathPrefix) > len(t.routes[j].pathPrefix)
	})
	return t
}

// Resolve looks up hostPort among the configured routes and returns the
// repository descriptor and remaining path for the longest matching
// prefix. ok is false when no repository applies and the caller should
// treat the URL as an explicit target.
func (t *Table) Resolve(hostPort, path string) (repo *RepoDescriptor, rest string, ok bool) {
	if t == nil {
		return nil, "", false
	}
	hostPort = strings.ToLower(hostPort)
	for _, r := range t.routes {
		if r.hostPort != hostPort {
			continue
		}
		if !strings.HasPrefix(path, r.pathPrefix) {
			continue
		}
		desc, found := t.repos[r.repoName]
		if !found {
			continue
		}
		return desc, strings.TrimPrefix(path, r.pathPrefix), true
	}
	return nil, "", false
}
