package store

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/danielloader/acng-core/internal/header"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *FSStore {
	t.Helper()
	root := t.TempDir()
	s := NewFSStore(root, 0o755, 0o644)
	require.NoError(t, s.Init())
	return s
}

func TestWriteReadHeadMeta(t *testing.T) {
	s := newTestStore(t)
	want := header.Meta{ContentLength: 42, OriginSource: "http://mirror/x"}
	require.NoError(t, s.WriteHeadMeta("debian/pool/a.deb", want))

	got, err := s.ReadHeadMeta("debian/pool/a.deb")
	require.NoError(t, err)
	require.Equal(t, want.ContentLength, got.ContentLength)
	require.Equal(t, want.OriginSource, got.OriginSource)
}

func TestOpenBodyRWCreatesParentDirs(t *testing.T) {
	s := newTestStore(t)
	f, err := s.OpenBodyRW("ubuntu/dists/jammy/Release")
	require.NoError(t, err)
	defer f.Close()

	_, err = f.WriteString("hello")
	require.NoError(t, err)

	size, err := s.BodySize("ubuntu/dists/jammy/Release")
	require.NoError(t, err)
	require.Equal(t, int64(5), size)
}

func TestReplaceBodyIsCrashSafeForExistingReaders(t *testing.T) {
	s := newTestStore(t)
	key := "debian/dists/stable/Release"

	f, err := s.OpenBodyRW(key)
	require.NoError(t, err)
	_, err = f.WriteString("old contents")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reader, err := s.OpenBodyRO(key)
	require.NoError(t, err)
	defer reader.Close()

	pending, err := s.ReplaceBody(key)
	require.NoError(t, err)
	_, err = pending.File.WriteString("new contents, much longer than old")
	require.NoError(t, err)
	require.NoError(t, pending.Commit())

	old, err := io.ReadAll(reader)
	require.NoError(t, err)
	require.Equal(t, "old contents", string(old))

	fresh, err := s.OpenBodyRO(key)
	require.NoError(t, err)
	defer fresh.Close()
	data, err := io.ReadAll(fresh)
	require.NoError(t, err)
	require.Equal(t, "new contents, much longer than old", string(data))
}

func TestReplaceBodyArchivesPriorReleaseContents(t *testing.T) {
	s := newTestStore(t)
	key := "debian/dists/stable/Release"

	f, err := s.OpenBodyRW(key)
	require.NoError(t, err)
	_, err = f.WriteString("release v1")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	pending, err := s.ReplaceBody(key)
	require.NoError(t, err)
	_, err = pending.File.WriteString("release v2")
	require.NoError(t, err)
	require.NoError(t, pending.Commit())

	snapDir := filepath.Join(s.root, "_xstore", "rsnap", "debian/dists/stable")
	entries, err := os.ReadDir(snapDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestAbortLeavesOriginalBodyUntouched(t *testing.T) {
	s := newTestStore(t)
	key := "centos/repodata/x.xml"

	f, err := s.OpenBodyRW(key)
	require.NoError(t, err)
	_, err = f.WriteString("original")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	pending, err := s.ReplaceBody(key)
	require.NoError(t, err)
	_, err = pending.File.WriteString("should never be seen")
	require.NoError(t, err)
	pending.Abort()

	body, err := s.OpenBodyRO(key)
	require.NoError(t, err)
	defer body.Close()
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	require.Equal(t, "original", string(data))
}

func TestRemoveKeepHeadClearsLengthOnly(t *testing.T) {
	s := newTestStore(t)
	key := "fedora/pkg.rpm"

	f, err := s.OpenBodyRW(key)
	require.NoError(t, err)
	_, err = f.WriteString("bytes")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, s.WriteHeadMeta(key, header.Meta{ContentLength: 5}))

	require.NoError(t, s.RemoveKeepHead(key))

	_, err = s.OpenBodyRO(key)
	require.Error(t, err)

	m, err := s.ReadHeadMeta(key)
	require.NoError(t, err)
	require.Equal(t, header.Unknown, m.ContentLength)
}
