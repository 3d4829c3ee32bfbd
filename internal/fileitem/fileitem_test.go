package fileitem

import (
	"bytes"
	"testing"
	"time"

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

func TestSetupFreshItemGoesToInited(t *testing.T) {
	it := New("debian/pool/a.deb", SpecialAttrs{}, KindStorage, newTestStore(t))
	status, err := it.Setup()
	require.NoError(t, err)
	require.Equal(t, Inited, status)
}

func TestSetupAlreadyCachedNonVolatileGoesStraightToComplete(t *testing.T) {
	st := newTestStore(t)
	key := "debian/pool/a.deb"

	f, err := st.OpenBodyRW(key)
	require.NoError(t, err)
	_, err = f.WriteString("0123456789")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, st.WriteHeadMeta(key, header.Meta{ContentLength: 10}))

	it := New(key, SpecialAttrs{}, KindStorage, st)
	status, err := it.Setup()
	require.NoError(t, err)
	require.Equal(t, Complete, status)
	require.Equal(t, int64(10), it.ContentLength())
	require.Equal(t, int64(10), it.SizeChecked())
}

func TestSetupVolatileItemDoesNotShortCircuit(t *testing.T) {
	st := newTestStore(t)
	key := "debian/dists/stable/Release"

	f, err := st.OpenBodyRW(key)
	require.NoError(t, err)
	_, err = f.WriteString("stale")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, st.WriteHeadMeta(key, header.Meta{ContentLength: 5}))

	it := New(key, SpecialAttrs{Volatile: true}, KindStorage, st)
	status, err := it.Setup()
	require.NoError(t, err)
	require.Equal(t, Inited, status)
	require.Equal(t, int64(5), it.sizeCachedInitial)
}

func TestDownloadLifecycleStorageBacked(t *testing.T) {
	st := newTestStore(t)
	key := "debian/pool/b.deb"
	it := New(key, SpecialAttrs{}, KindStorage, st)

	_, err := it.Setup()
	require.NoError(t, err)

	modDate := httpdate.FromTime(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	err = it.DlStarted(nil, modDate, "http://mirror/b.deb", ResponseStatus{Code: 200, Message: "OK"}, 0, 12, "")
	require.NoError(t, err)
	require.Equal(t, DLGotHead, it.Status())

	require.NoError(t, it.DlAddData([]byte("hello ")))
	require.NoError(t, it.DlAddData([]byte("world!")))
	require.Equal(t, DLReceiving, it.Status())
	require.Equal(t, int64(12), it.SizeChecked())

	require.NoError(t, it.DlFinish())
	require.Equal(t, Complete, it.Status())

	var buf bytes.Buffer
	var pos int64
	n, err := it.SendData(&buf, &pos, 1024)
	require.NoError(t, err)
	require.Equal(t, int64(12), n)
	require.Equal(t, "hello world!", buf.String())
}

func TestVolatileResumeRewrittenFromScratchOn200(t *testing.T) {
	st := newTestStore(t)
	key := "debian/dists/stable/Release"

	f, err := st.OpenBodyRW(key)
	require.NoError(t, err)
	_, err = f.WriteString("0123456789") // 10 stale bytes cached from a previous fetch
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, st.WriteHeadMeta(key, header.Meta{ContentLength: 10}))

	it := New(key, SpecialAttrs{Volatile: true}, KindStorage, st)
	_, err = it.Setup()
	require.NoError(t, err)
	require.Equal(t, int64(10), it.sizeCachedInitial)

	// Server answered the resume attempt with a fresh 200 instead of a
	// 206, so the whole body must be rewritten from offset 0.
	require.NoError(t, it.DlStarted(nil, httpdate.Zero, "", ResponseStatus{Code: 200}, 0, 4, ""))
	require.True(t, it.needsFullReplace)
	require.Equal(t, int64(0), it.SizeChecked())

	require.NoError(t, it.DlAddData([]byte("new!")))
	require.NoError(t, it.DlFinish())
	require.Equal(t, Complete, it.Status())

	size, err := st.BodySize(key)
	require.NoError(t, err)
	require.Equal(t, int64(4), size, "stale tail bytes from the old 10-byte body must not survive the replace")

	var buf bytes.Buffer
	var pos int64
	n, err := it.SendData(&buf, &pos, 1024)
	require.NoError(t, err)
	require.Equal(t, int64(4), n)
	require.Equal(t, "new!", buf.String())
}

func TestDlStartedRejectsContradictingSecondCall(t *testing.T) {
	st := newTestStore(t)
	it := New("x/y", SpecialAttrs{}, KindStorage, st)
	_, err := it.Setup()
	require.NoError(t, err)

	require.NoError(t, it.DlStarted(nil, httpdate.Zero, "", ResponseStatus{Code: 200}, 0, 10, ""))
	err = it.DlStarted(nil, httpdate.Zero, "", ResponseStatus{Code: 404}, 0, 10, "")
	require.ErrorIs(t, err, ErrHeadMismatch)
}

func TestDlSetErrorMergesToMostSevereDestroyMode(t *testing.T) {
	st := newTestStore(t)
	it := New("x/y", SpecialAttrs{}, KindStorage, st)
	_, err := it.Setup()
	require.NoError(t, err)

	it.DlSetError(ResponseStatus{Code: 503}, Truncate)
	require.Equal(t, Truncate, it.DestroyMode())

	it.DlSetError(ResponseStatus{Code: 503}, Keep)
	require.Equal(t, Truncate, it.DestroyMode(), "a later, less destructive mode must not downgrade the recorded one")

	it.DlSetError(ResponseStatus{Code: 503}, Delete)
	require.Equal(t, Delete, it.DestroyMode())
}

func TestPassThroughLifecycle(t *testing.T) {
	it := New("passthrough/x", SpecialAttrs{NoStore: true}, KindPassThrough, nil)
	_, err := it.Setup()
	require.NoError(t, err)
	require.NoError(t, it.DlStarted(nil, httpdate.Zero, "", ResponseStatus{Code: 200}, 0, -1, ""))

	var pos int64
	var buf bytes.Buffer
	require.NoError(t, it.DlAddData([]byte("abc")))
	n, err := it.SendData(&buf, &pos, 1024)
	require.NoError(t, err)
	require.Equal(t, int64(3), n)
	require.Equal(t, "abc", buf.String())

	require.NoError(t, it.DlFinish())
	require.Equal(t, Complete, it.Status())
}

func TestWaitForFinishReturnsOnceHeadArrives(t *testing.T) {
	st := newTestStore(t)
	it := New("x/y", SpecialAttrs{}, KindStorage, st)
	_, err := it.Setup()
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = it.DlStarted(nil, httpdate.Zero, "", ResponseStatus{Code: 200}, 0, 0, "")
		close(done)
	}()

	status, resp := it.WaitForFinish(time.Second, nil)
	<-done
	require.Equal(t, DLGotHead, status)
	require.Equal(t, 200, resp.Code)
}

func TestGeneratedItemIsImmediatelyComplete(t *testing.T) {
	it := NewGenerated("generated/listing", ResponseStatus{Code: 200, Message: "OK"}, "text/html", []byte("<html></html>"))
	require.Equal(t, Complete, it.Status())

	var buf bytes.Buffer
	var pos int64
	n, err := it.SendData(&buf, &pos, 1024)
	require.NoError(t, err)
	require.Equal(t, int64(len("<html></html>")), n)
}
