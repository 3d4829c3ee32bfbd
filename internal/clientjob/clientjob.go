// Package clientjob implements the Client Job (§4.6): the per-request
// state machine that parses an incoming request, obtains or creates a
// file-item via the registry, synthesizes response headers, and streams
// the body to the client in cooperation with the file-item.
package clientjob

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/danielloader/acng-core/internal/agent"
	"github.com/danielloader/acng-core/internal/config"
	"github.com/danielloader/acng-core/internal/fileitem"
	"github.com/danielloader/acng-core/internal/httpdate"
	"github.com/danielloader/acng-core/internal/registry"
	"github.com/danielloader/acng-core/internal/resolver"
	"github.com/danielloader/acng-core/internal/store"
)

// State is the Client Job's state machine (§4.6): NOT_STARTED →
// SEND_DATA | SEND_CHUNK_HEADER → SEND_CHUNK_DATA → DONE |
// SEND_BUF_NOT_FITEM → DONE | DISCO_ASAP.
type State int

const (
	NotStarted State = iota
	SendData
	SendChunkHeader
	SendChunkData
	SendBufNotFitem
	Done
	DiscoASAP
)

// Deps are the collaborators a Job needs, constructed once at startup
// and shared across every request (§9 "Context value constructed in
// main").
type Deps struct {
	Registry   *registry.Registry
	Agent      *agent.Agent
	Resolver   *resolver.Table
	Store      store.Store
	Config     config.Config
	Classifier Classifier

	// LocalDirs maps a URL path prefix to a local filesystem directory
	// for the operator's local-directory mapping feature (§4.6.1 step 3).
	LocalDirs map[string]string

	// ServerBanner is the value of the synthesized Server: header.
	ServerBanner string
}

// Job is the per-request instance. It is not safe for concurrent use;
// one Job serves exactly one HTTP request/response.
type Job struct {
	deps *Deps

	state State

	method     string
	urlPath    string
	keepAlive  bool
	rangeFrom  int64
	rangeTo    int64 // -1 means "to end"
	hasRange   bool
	ifModSince httpdate.Date

	holder *registry.Holder
	sendPos int64

	bytesSent bool
}

// New builds a Job bound to deps. Call Serve to run it to completion.
func New(deps *Deps) *Job {
	return &Job{deps: deps, state: NotStarted, rangeTo: -1}
}

// Serve drives the Job's full lifecycle for one request: preparation
// (§4.6.1), header synthesis (§4.6.2) and body streaming (§4.6.3/4.6.4).
func (j *Job) Serve(w http.ResponseWriter, r *http.Request) {
	if err := j.prepare(r); err != nil {
		j.failBeforeBytes(w, err)
		return
	}
	defer j.release()

	status, respStatus := j.holder.Item().WaitForFinish(j.netTimeout(), nil)
	if status < fileitem.DLGotHead {
		j.failBeforeBytes(w, fmt.Errorf("clientjob: timed out waiting for response head (last status %s)", status))
		return
	}

	j.cookResponseHeader(w, respStatus)
	j.stream(w)
}

func (j *Job) netTimeout() time.Duration {
	secs := j.deps.Config.NetTimeoutSeconds
	if secs <= 0 {
		secs = 30
	}
	return time.Duration(secs) * time.Second
}

func (j *Job) release() {
	if j.holder != nil {
		j.holder.Close()
	}
}

// prepare implements §4.6.1 NOT_STARTED.
func (j *Job) prepare(r *http.Request) error {
	j.method = r.Method
	j.urlPath = r.URL.Path

	// Step 1: method check.
	if j.method != http.MethodGet && j.method != http.MethodHead {
		return statusError{code: http.StatusForbidden, msg: "method not allowed"}
	}

	// Step 2: Connection header → keep-alive decision.
	j.keepAlive = decideKeepAlive(r)

	// Step 3: local-directory mapping takes priority over caching and
	// over the nasty-path check below (it has its own traversal guard,
	// see buildLocalItem).
	if localRoot, rest, ok := matchLocalDir(j.deps.LocalDirs, j.urlPath); ok {
		return j.serveLocalMapping(localRoot, rest)
	}

	// Step 4/6: classify (also rejects nasty paths).
	class := j.deps.Classifier.Classify(j.urlPath)
	if class == Nasty {
		return statusError{code: http.StatusForbidden, msg: "not a valid cache path"}
	}

	// Step 12: parse the client's Range header ahead of acquiring the
	// item, so a malformed range fails fast.
	if rh := r.Header.Get("Range"); rh != "" {
		from, to, ok := parseRange(rh)
		if !ok {
			return statusError{code: http.StatusBadRequest, msg: "malformed Range header"}
		}
		j.rangeFrom, j.rangeTo, j.hasRange = from, to, true
	}
	j.ifModSince = httpdate.Parse(r.Header.Get("If-Modified-Since"))

	// Steps 7/8: pass-through selection.
	noStore := strings.Contains(strings.ToLower(r.Header.Get("Cache-Control")), "no-store")
	passthrough := class == Passthrough || noStore

	attrs := fileitem.SpecialAttrs{
		Volatile: class != FileSolid,
		HeadOnly: j.method == http.MethodHead,
		NoStore:  passthrough,
	}

	key := canonicalKey(j.deps.Resolver, r.Host, j.urlPath)

	var holder *registry.Holder
	var err error
	if passthrough {
		item := fileitem.New(key, attrs, fileitem.KindPassThrough, j.deps.Store)
		holder = j.deps.Registry.CreateCustom(key, item, false)
	} else {
		holder, err = j.deps.Registry.Create(key, registry.AlwaysTrySharing, attrs, fileitem.KindStorage)
		if err != nil {
			return fmt.Errorf("acquiring file-item: %w", err)
		}
	}
	j.holder = holder

	// Step 10: setup(); skip the downloader if already COMPLETE.
	status, err := holder.Item().Setup()
	if err != nil {
		return fmt.Errorf("setting up file-item: %w", err)
	}
	if status == fileitem.Complete {
		if j.deps.Config.TrackFileUse {
			holder.Item().TouchUse()
		}
		return nil
	}

	// Step 11: enqueue a download job at the shared Agent.
	job, err := j.buildDownloadJob(r, key, passthrough)
	if err != nil {
		return err
	}
	j.deps.Agent.Submit(job)
	return nil
}

func (j *Job) buildDownloadJob(r *http.Request, key string, passthrough bool) (*agent.Job, error) {
	job := &agent.Job{
		Item:          j.holder.Item(),
		IsPassthrough: passthrough,
		RedirBudget:   j.deps.Config.RedirMax,
	}
	if passthrough {
		job.ClientForwardedHeaders = r.Header.Clone()
	}

	hostPort := r.Host
	if repo, rest, ok := j.deps.Resolver.Resolve(hostPort, j.urlPath); ok {
		job.Repo = &agent.RepoTarget{
			Name:            repo.Name,
			Backends:        repo.Backends,
			Proxy:           repo.Proxy,
			KeyfileSuffixes: repo.KeyfileSuffixes,
		}
		job.RestPath = rest
		return job, nil
	}

	u := *r.URL
	u.Scheme = "http"
	u.Host = hostPort
	job.ExplicitURL = &u
	return job, nil
}

// decideKeepAlive implements §4.6.1 step 2: HTTP/1.1 defaults to
// keep-alive unless Connection: close is present; HTTP/1.0 defaults to
// close unless Connection: keep-alive is present.
func decideKeepAlive(r *http.Request) bool {
	conn := strings.ToLower(r.Header.Get("Connection"))
	if strings.Contains(conn, "close") {
		return false
	}
	if r.ProtoAtLeast(1, 1) {
		return true
	}
	return strings.Contains(conn, "keep-alive")
}

// parseRange parses a single-range "bytes=A-B" or "bytes=A-" header,
// returning -1 for an open-ended end.
func parseRange(h string) (from, to int64, ok bool) {
	h = strings.TrimSpace(h)
	const prefix = "bytes="
	if !strings.HasPrefix(h, prefix) {
		return 0, 0, false
	}
	h = h[len(prefix):]
	if strings.Contains(h, ",") {
		return 0, 0, false // multi-range not supported (non-goal, spec.md §1)
	}
	parts := strings.SplitN(h, "-", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	a, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	if parts[1] == "" {
		return a, -1, true
	}
	b, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || b < a {
		return 0, 0, false
	}
	return a, b, true
}

// canonicalKey derives the canonical cache key (§3.1): resolve against
// the repo table to get (repo_name, rest_path), falling back to
// host+path when no route matches.
func canonicalKey(t *resolver.Table, host, path string) string {
	if repo, rest, ok := t.Resolve(host, path); ok {
		return repo.Name + "/" + strings.TrimPrefix(rest, "/")
	}
	return strings.TrimPrefix(host+path, "/")
}

// matchLocalDir finds the longest configured local-directory prefix that
// path starts with.
func matchLocalDir(dirs map[string]string, path string) (root, rest string, ok bool) {
	bestLen := -1
	for prefix, dir := range dirs {
		if strings.HasPrefix(path, prefix) && len(prefix) > bestLen {
			root, rest, ok = dir, strings.TrimPrefix(path, prefix), true
			bestLen = len(prefix)
		}
	}
	return
}

// statusError carries a canned HTTP status for failBeforeBytes.
type statusError struct {
	code int
	msg  string
}

func (e statusError) Error() string { return e.msg }

// failBeforeBytes implements §4.6.4: compose and send an HTML error page
// when nothing has been committed to the client yet.
func (j *Job) failBeforeBytes(w http.ResponseWriter, err error) {
	if j.bytesSent {
		slog.Warn("clientjob: failure after bytes committed, disconnecting", "path", j.urlPath, "error", err)
		return
	}

	code := http.StatusInternalServerError
	msg := "internal error"
	var se statusError
	if errors.As(err, &se) {
		code, msg = se.code, se.msg
	} else if j.holder != nil {
		if rs := j.holder.Item().ResponseStatus(); rs.Code != 0 {
			code, msg = rs.Code, rs.Message
		}
	}
	slog.Debug("clientjob: failing request", "path", j.urlPath, "code", code, "error", err)

	w.Header().Set("Content-Type", "text/html; charset=UTF-8")
	w.Header().Set("Connection", "close")
	w.WriteHeader(code)
	fmt.Fprintf(w, "<html><head><title>%d %s</title></head><body><h1>%d %s</h1><p>%s</p><hr><address>%s</address></body></html>",
		code, http.StatusText(code), code, http.StatusText(code), htmlEscape(msg), j.serverBanner())
}

func (j *Job) serverBanner() string {
	if j.deps.ServerBanner != "" {
		return j.deps.ServerBanner
	}
	return "acng-core"
}

func htmlEscape(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	return r.Replace(s)
}

// serveLocalMapping implements the local-directory branch of §4.6.1 step
// 3: either a synthesized directory listing or a direct local file
// serve, both built as already-COMPLETE generated/local file-items so
// the rest of Serve's normal flow (header synthesis, streaming) handles
// them without a special case.
func (j *Job) serveLocalMapping(root, rest string) error {
	item, err := buildLocalItem(root, rest)
	if err != nil {
		return err
	}
	j.holder = j.deps.Registry.CreateCustom(root+rest, item, false)
	return nil
}
