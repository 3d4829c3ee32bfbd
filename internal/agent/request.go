package agent

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/danielloader/acng-core/internal/config"
)

// forwardedHeaderBlocklist lists request headers that are never copied
// from a pass-through client request onto the upstream request (§4.5.2).
var forwardedHeaderBlocklist = map[string]bool{
	"Host":                true,
	"Cache-Control":       true,
	"Proxy-Authorization": true,
	"Accept":              true,
	"User-Agent":          true,
}

// buildRequest constructs the upstream *http.Request for job, choosing
// GET or HEAD, attaching Range/If-Range for resumable or probe
// downloads, and appending operator and (for pass-through jobs)
// client-forwarded headers (§4.5.2).
func buildRequest(job *Job, target *url.URL, cfg config.Config) (*http.Request, error) {
	method := http.MethodGet
	if job.Item.Attrs().HeadOnly {
		method = http.MethodHead
	}

	req, err := http.NewRequest(method, target.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("building upstream request: %w", err)
	}
	req.Header.Set("Host", target.Host)
	req.Header.Set("User-Agent", "acng-core")
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Accept-Encoding", "identity")
	req.Header.Set("Connection", "keep-alive")

	if job.Item.Attrs().Volatile {
		req.Header.Set("Cache-Control", "max-age=0")
	}

	// The resume offset is the prefix Setup found already on disk, not
	// SizeChecked: size_checked only advances once this item instance's
	// own download has validated bytes, but what we're resuming (or
	// probing, for a volatile item) is exactly that on-disk prefix
	// (§3.2 size_cached_initial, §4.5.2).
	cachedSize := job.Item.CachedInitialSize()
	modDate := job.Item.ResponseModDate()
	nonVolatileResumable := !job.Item.Attrs().Volatile
	volatileResumable := job.Item.Attrs().Volatile && modDate.IsSet()

	if cachedSize > 0 && (nonVolatileResumable || volatileResumable) {
		contentLength := job.Item.ContentLength()
		if job.Item.Attrs().Volatile && contentLength >= 0 && cachedSize == contentLength {
			// Probe-minus-one trick (§4.2, §8.3 scenario 3): confirm
			// freshness with a single-byte range at the last known byte
			// instead of a full re-download.
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", cachedSize-1, cachedSize-1))
		} else {
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-", cachedSize))
		}
		if modDate.IsSet() {
			req.Header.Set("If-Range", modDate.String())
		}
		job.RangeStartUsed = cachedSize
	}

	for k, vs := range job.ExtraHeaders {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	if job.IsPassthrough {
		for k, vs := range job.ClientForwardedHeaders {
			if forwardedHeaderBlocklist[http.CanonicalHeaderKey(k)] {
				continue
			}
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
	}

	return req, nil
}

// resolveTarget computes the absolute URL a job should currently be
// requested against: its explicit URL, or the current backend of its
// repo target joined with the rest-path (§3.4, §4.5 step 2).
func resolveTarget(job *Job) (*url.URL, error) {
	if job.Repo == nil {
		if job.ExplicitURL == nil {
			return nil, fmt.Errorf("agent: job has neither a repo target nor an explicit URL")
		}
		return job.ExplicitURL, nil
	}
	backend := job.Repo.currentBackend()
	if backend == "" {
		return nil, fmt.Errorf("agent: repo %q has no backends left to try", job.Repo.Name)
	}
	base, err := url.Parse(strings.TrimSuffix(backend, "/") + "/" + strings.TrimPrefix(job.RestPath, "/"))
	if err != nil {
		return nil, fmt.Errorf("agent: building target URL for repo %q: %w", job.Repo.Name, err)
	}
	return base, nil
}
