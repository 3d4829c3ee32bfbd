package agent

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/danielloader/acng-core/internal/config"
	"github.com/danielloader/acng-core/internal/connpool"
	"github.com/danielloader/acng-core/internal/fileitem"
	"github.com/danielloader/acng-core/internal/store"
)

func testConfig() config.Config {
	return config.Config{
		NetTimeoutSeconds:  2,
		FastTimeoutSeconds: 1,
		PipelineLen:        4,
		RedirMax:           5,
		DLRetriesMax:       5,
		DLBufSizeBytes:     4096,
	}
}

func newTestAgent(t *testing.T) *Agent {
	t.Helper()
	dialer := connpool.NewDialer(200*time.Millisecond, 2*time.Second, nil)
	pool := connpool.NewPool(dialer, 4, time.Minute)
	t.Cleanup(pool.Stop)
	return New(testConfig(), pool)
}

func waitFinish(t *testing.T, it *fileitem.Item) fileitem.Status {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		status, _ := it.WaitForMoreData(time.Until(deadline), it.SizeChecked())
		if status >= fileitem.Complete || !time.Now().Before(deadline) {
			return status
		}
	}
}

func TestAgentSingleJobEndToEnd(t *testing.T) {
	const body = "hello from upstream"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Last-Modified", "Mon, 02 Jan 2006 15:04:05 GMT")
		w.Write([]byte(body))
	}))
	defer srv.Close()

	st := store.NewFSStore(t.TempDir(), 0755, 0644)
	it := fileitem.New("pkg/a.deb", fileitem.SpecialAttrs{}, fileitem.KindStorage, st)
	if _, err := it.Setup(); err != nil {
		t.Fatalf("Setup: %v", err)
	}

	a := newTestAgent(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)
	defer a.Stop()

	target, _ := url.Parse(srv.URL)
	job := &Job{
		Item:        it,
		ExplicitURL: target,
		RedirBudget: 5,
	}
	a.Submit(job)

	if status := waitFinish(t, it); status != fileitem.Complete {
		t.Fatalf("expected Complete, got %v (err=%v)", status, it.Err())
	}
	if it.ContentLength() != int64(len(body)) {
		t.Fatalf("ContentLength = %d, want %d", it.ContentLength(), len(body))
	}
}

func TestAgentBlacklistsDeadMirrorAndFailsOverToSecondBackend(t *testing.T) {
	const body = "served by the good mirror"
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	}))
	defer good.Close()

	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	deadURL := dead.URL
	dead.Close() // connections to this address now refuse

	st := store.NewFSStore(t.TempDir(), 0755, 0644)
	it := fileitem.New("pkg/b.deb", fileitem.SpecialAttrs{}, fileitem.KindStorage, st)
	if _, err := it.Setup(); err != nil {
		t.Fatalf("Setup: %v", err)
	}

	a := newTestAgent(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)
	defer a.Stop()

	job := &Job{
		Item: it,
		Repo: &RepoTarget{
			Name:     "debian",
			Backends: []string{deadURL, good.URL},
		},
		RestPath:    "/pkg/b.deb",
		RedirBudget: 5,
	}
	a.Submit(job)

	if status := waitFinish(t, it); status != fileitem.Complete {
		t.Fatalf("expected Complete after fail-over, got %v (err=%v)", status, it.Err())
	}
	if a.Blacklist().Len() == 0 {
		t.Fatalf("expected the dead mirror to be blacklisted")
	}
}

func TestAgentFollowsRedirectToExplicitURL(t *testing.T) {
	const body = "redirected payload"
	final := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	}))
	defer final.Close()

	redirector := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, final.URL+"/moved.deb", http.StatusFound)
	}))
	defer redirector.Close()

	st := store.NewFSStore(t.TempDir(), 0755, 0644)
	it := fileitem.New("pkg/c.deb", fileitem.SpecialAttrs{}, fileitem.KindStorage, st)
	if _, err := it.Setup(); err != nil {
		t.Fatalf("Setup: %v", err)
	}

	a := newTestAgent(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)
	defer a.Stop()

	target, _ := url.Parse(redirector.URL)
	job := &Job{
		Item:        it,
		ExplicitURL: target,
		RedirBudget: 5,
	}
	a.Submit(job)

	if status := waitFinish(t, it); status != fileitem.Complete {
		t.Fatalf("expected Complete after redirect, got %v (err=%v)", status, it.Err())
	}
	if it.ContentLength() != int64(len(body)) {
		t.Fatalf("ContentLength = %d, want %d", it.ContentLength(), len(body))
	}
}

func TestAgentRateLimiterThrottlesThroughput(t *testing.T) {
	payload := make([]byte, 64*1024)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	st := store.NewFSStore(t.TempDir(), 0755, 0644)
	it := fileitem.New("pkg/d.deb", fileitem.SpecialAttrs{}, fileitem.KindStorage, st)
	if _, err := it.Setup(); err != nil {
		t.Fatalf("Setup: %v", err)
	}

	cfg := testConfig()
	cfg.MaxDLSpeedKiBs = 16 // 16 KiB/s, payload is 64KiB
	dialer := connpool.NewDialer(200*time.Millisecond, 2*time.Second, nil)
	pool := connpool.NewPool(dialer, 4, time.Minute)
	defer pool.Stop()
	a := New(cfg, pool)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)
	defer a.Stop()

	target, _ := url.Parse(srv.URL)
	start := time.Now()
	job := &Job{Item: it, ExplicitURL: target, RedirBudget: 5}
	a.Submit(job)

	if status := waitFinish(t, it); status != fileitem.Complete {
		t.Fatalf("expected Complete, got %v (err=%v)", status, it.Err())
	}
	if elapsed := time.Since(start); elapsed < time.Second {
		t.Fatalf("expected rate limiting to stretch the transfer past 1s, took %v", elapsed)
	}
}

func TestAgentSubmitIsSafeFromConcurrentGoroutines(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	a := newTestAgent(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)
	defer a.Stop()

	st := store.NewFSStore(t.TempDir(), 0755, 0644)
	target, _ := url.Parse(srv.URL)

	var wg sync.WaitGroup
	items := make([]*fileitem.Item, 8)
	for i := range items {
		it := fileitem.New(urlSuffixKey(i), fileitem.SpecialAttrs{}, fileitem.KindStorage, st)
		it.Setup()
		items[i] = it
		wg.Add(1)
		go func(it *fileitem.Item) {
			defer wg.Done()
			a.Submit(&Job{Item: it, ExplicitURL: target, RedirBudget: 5})
		}(it)
	}
	wg.Wait()

	for _, it := range items {
		if status := waitFinish(t, it); status != fileitem.Complete {
			t.Fatalf("expected Complete, got %v (err=%v)", status, it.Err())
		}
	}
}

func urlSuffixKey(i int) string {
	return "pkg/concurrent-" + string(rune('a'+i)) + ".deb"
}
