package fileitem

import (
	"os"

	"github.com/danielloader/acng-core/internal/store"
)

// fileWriter holds the body file descriptor a storage-backed item keeps
// open for the duration of one download (§4.2 Storage-backed variant).
// When replace is non-nil, the download is a full from-offset-0 rewrite
// going through the store's crash-safe rename dance (§4.1 ReplaceBody)
// rather than an in-place continuation of an existing body file; f then
// aliases replace.File so writeBodyLocked doesn't need to care which.
type fileWriter struct {
	f       *os.File
	replace *store.PendingReplace
}

// finish publishes (storage continuation: syncs and closes; full
// replace: commits the crash-safe rename) the body file this writer
// owns, per whichever path DlAddData's first write took.
func (w *fileWriter) finish() error {
	if w.replace != nil {
		return w.replace.Commit()
	}
	if err := w.f.Sync(); err != nil {
		w.f.Close()
		return err
	}
	return w.f.Close()
}

// abort discards the body file this writer owns without publishing it.
func (w *fileWriter) abort() {
	if w.replace != nil {
		w.replace.Abort()
		return
	}
	w.f.Close()
}
