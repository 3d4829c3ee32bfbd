// Package agent implements the Download Agent (§4.5): a single-threaded,
// event-driven engine that owns upstream connections, pipelines HTTP/1.1
// requests, drives each job's response state machine, and implements
// per-mirror blacklisting, backend fail-over, and adaptive rate
// limiting.
package agent

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/danielloader/acng-core/internal/config"
	"github.com/danielloader/acng-core/internal/connpool"
	"github.com/danielloader/acng-core/internal/fileitem"
)

// Agent is the single-threaded download engine. Construct with New and
// run its event loop with Run in its own goroutine; Submit and Stop are
// the only methods safe to call from other goroutines.
type Agent struct {
	cfg       config.Config
	pool      *connpool.Pool
	blacklist *Blacklist
	rateLimiter *RateLimiter
	dlBufSize int

	mu      sync.Mutex
	newJobs []*Job
	wake    chan struct{}
	stopCh  chan struct{}
	stopped bool
}

// New constructs an Agent. pool supplies pooled upstream connections;
// cfg carries pipeline depth, timeouts, and retry limits (§6.4).
func New(cfg config.Config, pool *connpool.Pool) *Agent {
	return &Agent{
		cfg:         cfg,
		pool:        pool,
		blacklist:   NewBlacklist(10 * time.Minute),
		rateLimiter: NewRateLimiter(cfg.MaxDLSpeedKiBs),
		dlBufSize:   cfg.DLBufSizeBytes,
		wake:        make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
	}
}

// Submit hands job to the Agent from any goroutine (§5 Cross-thread
// hand-off: a mutex-protected list plus a wake signal, never a blocking
// handoff).
func (a *Agent) Submit(job *Job) {
	a.mu.Lock()
	a.newJobs = append(a.newJobs, job)
	a.mu.Unlock()
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

// Stop signals the event loop to return after finishing or dropping any
// in-flight work (§5 Cancellation).
func (a *Agent) Stop() {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}
	a.stopped = true
	a.mu.Unlock()
	close(a.stopCh)
}

// Blacklist exposes the mirror blacklist for metrics polling.
func (a *Agent) Blacklist() *Blacklist { return a.blacklist }

func (a *Agent) drainNewJobs() []*Job {
	a.mu.Lock()
	defer a.mu.Unlock()
	jobs := a.newJobs
	a.newJobs = nil
	return jobs
}

// Run is the Agent's main loop (§4.5 Main loop per cycle). It owns at
// most one active connection at a time and exits when Stop is called
// and no work remains.
func (a *Agent) Run(ctx context.Context) {
	var pending []*Job

	for {
		pending = append(pending, a.drainNewJobs()...)
		pending = normalizeBackendSelection(pending, a.blacklist)

		if len(pending) == 0 {
			select {
			case <-a.stopCh:
				return
			case <-a.wake:
				continue
			case <-time.After(a.nettimeout()):
				continue
			}
		}

		front := pending[0]
		target, err := resolveTarget(front)
		if err != nil {
			front.fail(err)
			pending = pending[1:]
			continue
		}

		conn, key, err := a.connect(ctx, front, target)
		if err != nil {
			a.onConnectFailure(front, key, err)
			pending = pending[1:]
			continue
		}

		batch, rest := a.selectPipelineBatch(pending, target.Host)
		pending = rest

		remaining := a.runBatch(ctx, conn, key, batch, target)
		pending = append(remaining, pending...)

		select {
		case <-a.stopCh:
			if len(pending) == 0 {
				return
			}
		default:
		}
	}
}

func (a *Agent) nettimeout() time.Duration {
	if a.cfg.NetTimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(a.cfg.NetTimeoutSeconds) * time.Second
}

// normalizeBackendSelection drops jobs whose repo has no non-blacklisted
// backend left, failing them; a job whose current backend is blacklisted
// is advanced to the next backend that is not (§4.5 step 1).
func normalizeBackendSelection(jobs []*Job, bl *Blacklist) []*Job {
	out := jobs[:0]
	for _, j := range jobs {
		if j.Repo == nil {
			out = append(out, j)
			continue
		}
		if !bl.IsBlacklisted(j.Repo.currentBackend()) {
			out = append(out, j)
			continue
		}
		advanced := false
		for j.Repo.advanceBackend() {
			if !bl.IsBlacklisted(j.Repo.currentBackend()) {
				advanced = true
				break
			}
		}
		if advanced {
			out = append(out, j)
			continue
		}
		j.fail(fmt.Errorf("agent: every backend for repo %q is blacklisted", j.Repo.Name))
	}
	return out
}

// connect dials (or reuses, via the pool) a connection for job's current
// target (§4.5 step 2).
func (a *Agent) connect(ctx context.Context, job *Job, target *url.URL) (net.Conn, connpool.Key, error) {
	host, port := splitHostPort(target)
	key := connpool.Key{Host: host, Port: port, SSL: target.Scheme == "https"}
	conn, err := a.pool.Get(ctx, key)
	return conn, key, err
}

func splitHostPort(u *url.URL) (host, port string) {
	host = u.Hostname()
	port = u.Port()
	if port != "" {
		return host, port
	}
	if u.Scheme == "https" {
		return host, "443"
	}
	return host, "80"
}

func (a *Agent) onConnectFailure(job *Job, key connpool.Key, err error) {
	slog.Warn("upstream connect failed", "target", key.String(), "error", err)
	if job.Repo != nil {
		a.blacklist.Add(job.Repo.currentBackend(), err.Error())
		if job.Repo.advanceBackend() {
			a.Submit(job) // retry against the next backend on a future cycle
			return
		}
	}
	job.fail(err)
}

// selectPipelineBatch pops off the front of pending every job that
// targets host, up to the configured pipeline depth (§4.5 step 3).
func (a *Agent) selectPipelineBatch(pending []*Job, host string) (batch, rest []*Job) {
	limit := a.cfg.PipelineLen
	if limit <= 0 {
		limit = 1
	}
	i := 0
	for i < len(pending) && i < limit {
		target, err := resolveTarget(pending[i])
		if err != nil || target.Host != host {
			break
		}
		i++
	}
	return pending[:i], pending[i:]
}

// runBatch writes every job's request back-to-back on conn, then reads
// and drives each response in order (§4.5 step 3-4). It returns the jobs
// left unanswered when the connection failed or was recycled; jobs whose
// target changed or whose mirror was blacklisted are resubmitted directly.
func (a *Agent) runBatch(ctx context.Context, conn net.Conn, key connpool.Key, batch []*Job, firstTarget *url.URL) []*Job {
	br := bufio.NewReader(conn)
	targets := make([]*url.URL, len(batch))
	targets[0] = firstTarget

	closeConn := func() { conn.Close() }

	for i, job := range batch {
		target := targets[i]
		if target == nil {
			t, err := resolveTarget(job)
			if err != nil {
				job.fail(err)
				batch[i] = nil
				continue
			}
			target = t
			targets[i] = t
		}
		req, err := buildRequest(job, target, a.cfg)
		if err != nil {
			job.fail(err)
			batch[i] = nil
			continue
		}
		if err := req.Write(conn); err != nil {
			closeConn()
			return a.requeueFrom(batch, i, err)
		}
	}

	var retry []*Job
	for i, job := range batch {
		if job == nil {
			continue
		}
		req, _ := http.NewRequest(http.MethodGet, targets[i].String(), nil)
		resp, err := http.ReadResponse(br, req)
		if err != nil {
			closeConn()
			retry = append(retry, a.requeueFrom(batch, i, err)...)
			break
		}

		switch a.handleResponse(ctx, job, targets[i], resp) {
		case outcomeDone:
		case outcomeTargetChanged:
			a.Submit(job)
		case outcomeReconnectNow, outcomeReconnectSoon:
			closeConn()
			a.Submit(job)
			retry = append(retry, a.requeueFrom(batch, i+1, fmt.Errorf("connection recycled"))...)
			return retry
		case outcomeBlacklistMirror:
			if job.Repo != nil {
				a.blacklist.Add(job.Repo.currentBackend(), "keyfile suffix returned an error status")
			}
			a.Submit(job)
		case outcomeJobBroken:
			// job already recorded its own error via DlSetError
		}
	}

	a.pool.Put(key, conn)
	return retry
}

func (a *Agent) requeueFrom(batch []*Job, from int, cause error) []*Job {
	var out []*Job
	for _, j := range batch[from:] {
		if j != nil {
			out = append(out, j)
		}
	}
	if len(out) > 0 {
		slog.Debug("requeuing jobs after connection error", "count", len(out), "error", cause)
	}
	return out
}

// fail records a terminal, non-upstream failure (e.g. bad job
// construction, every backend blacklisted) directly on the file-item.
func (j *Job) fail(err error) {
	j.Item.DlSetError(fileitem.ResponseStatus{Code: 0, Message: err.Error()}, fileitem.Truncate)
	if j.onDone != nil {
		j.onDone(err)
	}
}
