package clientjob

import "regexp"

// Classification is the operator-configured bucket a request URL falls
// into (§4.6.1 step 6). The regex sets themselves are config inputs,
// out of scope for this core (spec.md §1); Classifier below is the
// injectable seam the rest of the Job drives off of.
type Classification int

const (
	// FileVolatile is the default when nothing more specific matches:
	// the resource may change upstream (indexes, Release files) and
	// uses the volatile sharing/validation rules (§4.2).
	FileVolatile Classification = iota
	// FileSolid resources are immutable once published (e.g. .deb
	// files): no remote validation once fully cached.
	FileSolid
	// FileWhitelist resources are always allowed regardless of other
	// nasty-path heuristics (operator override).
	FileWhitelist
	// Nasty paths (traversal, internal-prefix patterns) are rejected
	// with 403 before any registry/agent work happens.
	Nasty
	// Passthrough resources are never persisted to disk; bytes stream
	// straight from upstream to the client (§4.2 Variants).
	Passthrough
	// FileSpecialDirectory requests a synthesized directory listing for
	// a configured local-directory mapping.
	FileSpecialDirectory
	// FileSpecialLocal serves a file from a configured local directory
	// mapping directly off the local filesystem.
	FileSpecialLocal
)

// Classifier buckets a request path into a Classification. The default
// implementation matches solid-looking package suffixes and treats
// everything else as volatile; operators plug in the real regex sets
// from configuration by implementing this interface themselves.
type Classifier interface {
	Classify(path string) Classification
}

// DefaultClassifier is a minimal, sane-default Classifier grounded on the
// apt repository layout: .deb/.udeb/.tar.* artifacts are solid, anything
// under a "Packages"/"Release"/"Sources" index name is volatile.
type DefaultClassifier struct {
	solid     *regexp.Regexp
	noCache   *regexp.Regexp
	whitelist *regexp.Regexp
}

// NewDefaultClassifier builds a DefaultClassifier. noCacheTarget matches
// the "no-cache-target" pattern from §4.6.1 step 8, forcing
// pass-through even for what would otherwise classify as cacheable.
func NewDefaultClassifier(noCacheTarget string) *DefaultClassifier {
	c := &DefaultClassifier{
		solid: regexp.MustCompile(`\.(deb|udeb|tar\.(gz|xz|bz2|zst)|diff\.gz|dsc|buildinfo|changes)$`),
	}
	if noCacheTarget != "" {
		c.noCache = regexp.MustCompile(noCacheTarget)
	}
	return c
}

func (c *DefaultClassifier) Classify(path string) Classification {
	if isNastyPath(path) {
		return Nasty
	}
	if c.noCache != nil && c.noCache.MatchString(path) {
		return Passthrough
	}
	if c.solid.MatchString(path) {
		return FileSolid
	}
	return FileVolatile
}

// isNastyPath rejects traversal attempts and the internal-prefix
// patterns the original program refuses to ever serve (§4.6.1 step 4).
func isNastyPath(path string) bool {
	if path == "" {
		return true
	}
	depth := 0
	for _, seg := range splitPath(path) {
		switch seg {
		case "..":
			depth--
			if depth < 0 {
				return true
			}
		case ".", "":
			// no-op
		default:
			depth++
		}
	}
	for _, prefix := range []string{"/_xstore/", "_xstore/"} {
		if len(path) >= len(prefix) && path[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}

func splitPath(path string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(path); i++ {
		if i == len(path) || path[i] == '/' {
			if i > start {
				out = append(out, path[start:i])
			}
			start = i + 1
		}
	}
	return out
}
