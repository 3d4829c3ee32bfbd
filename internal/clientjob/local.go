package clientjob

import (
	"fmt"
	"html"
	"io"
	"mime"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/danielloader/acng-core/internal/fileitem"
)

// buildLocalItem serves the operator's local-directory mapping feature
// (§4.6.1 step 3): rest under root is either a directory (synthesize a
// listing page, §4.2 Variants: Generated) or a file (serve it directly,
// §4.2 Variants: Local).
func buildLocalItem(root, rest string) (*fileitem.Item, error) {
	full := filepath.Join(root, filepath.FromSlash(path.Clean("/"+rest)))
	if !strings.HasPrefix(full, filepath.Clean(root)) {
		return nil, statusError{code: 403, msg: "path escapes local mapping root"}
	}

	info, err := os.Stat(full)
	if err != nil {
		return nil, statusError{code: 404, msg: "not found in local mapping"}
	}

	if info.IsDir() {
		body, err := renderDirectoryListing(full, rest)
		if err != nil {
			return nil, err
		}
		return fileitem.NewGenerated(root+rest, fileitem.ResponseStatus{Code: 200, Message: "OK"}, "text/html; charset=UTF-8", body), nil
	}

	ct := mime.TypeByExtension(filepath.Ext(full))
	if ct == "" {
		ct = "application/octet-stream"
	}
	size := info.Size()
	return fileitem.NewLocal(root+rest, size, ct, func() (io.ReadCloser, error) {
		return os.Open(full)
	}), nil
}

// renderDirectoryListing synthesizes a minimal HTML directory listing,
// grounded on the spirit of apt-cacher-ng's generated index pages (the
// real admin/report HTML templates stay out of scope, spec.md §1).
func renderDirectoryListing(dir, urlPath string) ([]byte, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading local directory: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	fmt.Fprintf(&b, "<html><head><title>Index of %s</title></head><body><h1>Index of %s</h1><ul>", html.EscapeString(urlPath), html.EscapeString(urlPath))
	fmt.Fprint(&b, `<li><a href="../">../</a></li>`)
	for _, n := range names {
		fmt.Fprintf(&b, `<li><a href="%s">%s</a></li>`, html.EscapeString(n), html.EscapeString(n))
	}
	fmt.Fprint(&b, "</ul></body></html>")
	return []byte(b.String()), nil
}
