package agent

import (
	"net/url"
	"testing"

	"github.com/danielloader/acng-core/internal/config"
	"github.com/danielloader/acng-core/internal/fileitem"
	"github.com/danielloader/acng-core/internal/header"
	"github.com/danielloader/acng-core/internal/httpdate"
	"github.com/danielloader/acng-core/internal/store"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s := store.NewFSStore(t.TempDir(), 0o755, 0o644)
	require.NoError(t, s.Init())
	return s
}

func TestBuildRequestResumesNonVolatileWithRangeAndIfRange(t *testing.T) {
	st := newTestStore(t)
	key := "debian/pool/a.deb"

	f, err := st.OpenBodyRW(key)
	require.NoError(t, err)
	_, err = f.WriteString("0123456789")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, st.WriteHeadMeta(key, header.Meta{ContentLength: 2000, LastModified: httpdate.FromUnix(1700000000)}))

	it := fileitem.New(key, fileitem.SpecialAttrs{}, fileitem.KindStorage, st)
	status, err := it.Setup()
	require.NoError(t, err)
	require.Equal(t, fileitem.Inited, status, "content length mismatch (10 cached vs 2000 total) must not short-circuit to COMPLETE")

	job := &Job{Item: it}
	target, err := url.Parse("http://mirror.example/debian/pool/a.deb")
	require.NoError(t, err)

	req, err := buildRequest(job, target, config.Config{})
	require.NoError(t, err)
	require.Equal(t, "bytes=10-", req.Header.Get("Range"))
	require.NotEmpty(t, req.Header.Get("If-Range"))
	require.Equal(t, int64(10), job.RangeStartUsed)
}

func TestBuildRequestProbesMinusOneForFullyCachedVolatileItem(t *testing.T) {
	st := newTestStore(t)
	key := "debian/dists/stable/Release"

	f, err := st.OpenBodyRW(key)
	require.NoError(t, err)
	_, err = f.WriteString("01234")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, st.WriteHeadMeta(key, header.Meta{ContentLength: 5, LastModified: httpdate.FromUnix(1700000000)}))

	it := fileitem.New(key, fileitem.SpecialAttrs{Volatile: true}, fileitem.KindStorage, st)
	status, err := it.Setup()
	require.NoError(t, err)
	require.Equal(t, fileitem.Inited, status)

	job := &Job{Item: it}
	target, err := url.Parse("http://mirror.example/debian/dists/stable/Release")
	require.NoError(t, err)

	req, err := buildRequest(job, target, config.Config{})
	require.NoError(t, err)
	require.Equal(t, "bytes=4-4", req.Header.Get("Range"), "a fully-cached volatile item probes its last byte instead of re-downloading")
	require.NotEmpty(t, req.Header.Get("If-Range"))
}

func TestBuildRequestNoResumeWithoutCachedPrefix(t *testing.T) {
	st := newTestStore(t)
	it := fileitem.New("debian/pool/c.deb", fileitem.SpecialAttrs{}, fileitem.KindStorage, st)
	_, err := it.Setup()
	require.NoError(t, err)

	job := &Job{Item: it}
	target, err := url.Parse("http://mirror.example/debian/pool/c.deb")
	require.NoError(t, err)

	req, err := buildRequest(job, target, config.Config{})
	require.NoError(t, err)
	require.Empty(t, req.Header.Get("Range"))
	require.Empty(t, req.Header.Get("If-Range"))
}
