package agent

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/danielloader/acng-core/internal/fileitem"
	"github.com/danielloader/acng-core/internal/header"
	"github.com/danielloader/acng-core/internal/httpdate"
	"github.com/danielloader/acng-core/internal/store"
	"github.com/stretchr/testify/require"
)

func TestAgentPersistsUpstreamContentType(t *testing.T) {
	const body = "Package: foo\n"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-debian-package")
		w.Write([]byte(body))
	}))
	defer srv.Close()

	st := store.NewFSStore(t.TempDir(), 0755, 0644)
	require.NoError(t, st.Init())
	it := fileitem.New("pkg/a.deb", fileitem.SpecialAttrs{}, fileitem.KindStorage, st)
	_, err := it.Setup()
	require.NoError(t, err)

	a := newTestAgent(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)
	defer a.Stop()

	target, _ := url.Parse(srv.URL)
	job := &Job{Item: it, ExplicitURL: target, RedirBudget: 5}
	a.Submit(job)

	status := waitFinish(t, it)
	require.Equal(t, fileitem.Complete, status)
	require.Equal(t, "application/x-debian-package", it.ContentType())

	meta, err := st.ReadHeadMeta("pkg/a.deb")
	require.NoError(t, err)
	require.Equal(t, "application/x-debian-package", meta.ContentType)
}

func TestAgentProbeMinusOneConfirmsVolatileItemWithoutTruncating(t *testing.T) {
	const body = "0123456789"
	key := "debian/dists/stable/Release"

	st := store.NewFSStore(t.TempDir(), 0755, 0644)
	require.NoError(t, st.Init())
	f, err := st.OpenBodyRW(key)
	require.NoError(t, err)
	_, err = f.WriteString(body)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, st.WriteHeadMeta(key, header.Meta{ContentLength: int64(len(body)), LastModified: httpdate.FromUnix(1700000000)}))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rng := r.Header.Get("Range")
		require.Equal(t, "bytes=9-9", rng, "a fully-cached volatile item must probe only its last byte")
		w.Header().Set("Content-Range", "bytes 9-9/10")
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte(body[9:]))
	}))
	defer srv.Close()

	it := fileitem.New(key, fileitem.SpecialAttrs{Volatile: true}, fileitem.KindStorage, st)
	_, err = it.Setup()
	require.NoError(t, err)

	a := newTestAgent(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)
	defer a.Stop()

	target, _ := url.Parse(srv.URL)
	job := &Job{Item: it, ExplicitURL: target, RedirBudget: 5}
	a.Submit(job)

	status := waitFinish(t, it)
	require.Equal(t, fileitem.Complete, status)
	require.Equal(t, int64(len(body)), it.SizeChecked(), "a confirmed probe must report the full cached size, not just the probed byte")
}
