// Package fileitem implements the File-Item (§4.2): the shared
// coordinator object that turns N concurrent requests for the same
// artifact into at-most-one upstream download, persists both payload and
// response metadata, and hands consumers a monotonically growing view of
// the bytes it has validated so far.
package fileitem

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/danielloader/acng-core/internal/header"
	"github.com/danielloader/acng-core/internal/httpdate"
	"github.com/danielloader/acng-core/internal/store"
)

// Status is the file-item lifecycle state (§3.2). Values only increase
// through the happy path; DL_ERROR and DL_STOPPED are terminal.
type Status int

const (
	Fresh Status = iota
	Inited
	DLPending
	DLGotHead
	DLReceiving
	Complete
	DLError
	DLStopped
)

func (s Status) String() string {
	switch s {
	case Fresh:
		return "FRESH"
	case Inited:
		return "INITED"
	case DLPending:
		return "DL_PENDING"
	case DLGotHead:
		return "DL_GOT_HEAD"
	case DLReceiving:
		return "DL_RECEIVING"
	case Complete:
		return "COMPLETE"
	case DLError:
		return "DL_ERROR"
	case DLStopped:
		return "DL_STOPPED"
	default:
		return "UNKNOWN"
	}
}

// DestroyMode records what should happen to on-disk data when the last
// holder drops a file-item (§4.2 Destruction). Values are ordered from
// least to most destructive; DlSetError keeps the numerically larger
// (more destructive) value across repeated calls.
type DestroyMode int

const (
	Keep DestroyMode = iota
	DeleteKeepHead
	Truncate
	Abandoned
	Delete
)

// SpecialAttrs partitions sharing compatibility between concurrent
// requests for the same key (§3.2, §4.2 Sharing policy).
type SpecialAttrs struct {
	Volatile    bool
	HeadOnly    bool
	NoStore     bool
	RangeLimit  int64 // 0 = unlimited
	Credentials string
}

// Compatible reports whether two requests' attributes allow sharing one
// item, per §4.2's sharing policy (credentials and range limit must
// match exactly; head-only is allowed to differ since a HEAD requester
// can be satisfied by a GET-backed item).
func (a SpecialAttrs) Compatible(b SpecialAttrs) bool {
	return a.RangeLimit == b.RangeLimit && a.Credentials == b.Credentials
}

// ErrAborted is returned by DlAddData when the consumer side has asked
// the downloader to stop (e.g. the last client disconnected and no
// prolonged-queue policy applies).
var ErrAborted = errors.New("fileitem: download aborted")

// ErrHeadMismatch is returned by DlStarted when a second head arrives
// that contradicts a previously frozen one (§3.2 invariant).
var ErrHeadMismatch = errors.New("fileitem: contradicting response head")

// ResponseStatus is the upstream status frozen once DlStarted succeeds.
type ResponseStatus struct {
	Code    int
	Message string
}

// Item is the shared, reference-counted coordinator for one artifact.
// Exported methods are safe for concurrent use; the zero value is not
// usable, use New.
type Item struct {
	mu   sync.Mutex
	cond *sync.Cond

	key   string
	attrs SpecialAttrs
	kind  Kind

	status Status

	sizeCachedInitial int64
	sizeChecked       int64
	contentLength     int64 // -1 until known

	responseStatus  ResponseStatus
	responseModDate httpdate.Date
	responseOrigin  string
	contentType     string
	rawHeader       []byte // pass-through only

	dlRefCount int
	userCount  int
	destroyMode DestroyMode

	timeDLStarted      time.Time
	incomingByteCount  int64

	store store.Store
	body  *fileWriter // nil for pass-through/generated, open only while downloading

	needsFullReplace bool // set by DlStarted when resuming got a fresh 200 instead of 206

	pt *passThroughQueue // non-nil only for Kind == PassThrough

	generatedBody []byte                         // Kind == KindGenerated
	openLocal     func() (io.ReadCloser, error) // Kind == KindLocal

	firstErr error
}

// Kind distinguishes the four file-item variants from §4.2.
type Kind int

const (
	KindStorage Kind = iota
	KindPassThrough
	KindGenerated
	KindLocal
)

// New constructs an item for key, backed by st, with the given variant
// kind and sharing attributes. It does not touch disk; call Setup for
// that.
func New(key string, attrs SpecialAttrs, kind Kind, st store.Store) *Item {
	it := &Item{
		key:           key,
		attrs:         attrs,
		kind:          kind,
		status:        Fresh,
		contentLength: -1,
		store:         st,
		destroyMode:   Keep,
	}
	it.cond = sync.NewCond(&it.mu)
	if kind == KindPassThrough {
		it.pt = newPassThroughQueue(64 * 1024)
	}
	return it
}

// Key returns the canonical cache key this item coordinates.
func (it *Item) Key() string { return it.key }

// Attrs returns the sharing attributes this item was created with.
func (it *Item) Attrs() SpecialAttrs { return it.attrs }

// Status returns the current lifecycle state.
func (it *Item) Status() Status {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.status
}

// ContentLength returns the known content length, or -1 if unknown.
func (it *Item) ContentLength() int64 {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.contentLength
}

// SizeChecked returns the number of bytes validated/received so far.
func (it *Item) SizeChecked() int64 {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.sizeChecked
}

// CachedInitialSize returns the number of bytes Setup found already on
// disk for this key, before any download for this item instance started
// (§3.2 size_cached_initial). The download request builder uses this,
// not SizeChecked, to decide a resume offset: size_checked only advances
// once DlStarted/DlAddData have validated bytes against this specific
// upstream response, but an already-cached prefix is exactly what a
// Range/If-Range resume (or the probe-minus-one freshness check) is
// trying to validate in the first place (§4.5.2).
func (it *Item) CachedInitialSize() int64 {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.sizeCachedInitial
}

// ResponseStatus returns the frozen upstream status, valid once Status()
// is at least DLGotHead.
func (it *Item) ResponseStatus() ResponseStatus {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.responseStatus
}

// ResponseModDate returns the frozen Last-Modified date, if any.
func (it *Item) ResponseModDate() httpdate.Date {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.responseModDate
}

// ResponseOrigin returns X-Original-Source or a redirect Location.
func (it *Item) ResponseOrigin() string {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.responseOrigin
}

// ContentType returns the upstream content type, if known.
func (it *Item) ContentType() string {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.contentType
}

// RawHeader returns the verbatim upstream header block, non-empty only
// for pass-through items.
func (it *Item) RawHeader() []byte {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.rawHeader
}

// StartedAt returns when dl_started was first called, the zero time if
// the download hasn't begun yet. Used by the registry's sharing policy
// to judge whether an in-flight item looks "stuck" (§4.2 Sharing policy).
func (it *Item) StartedAt() time.Time {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.timeDLStarted
}

// DestroyMode reports the currently recorded destroy mode.
func (it *Item) DestroyMode() DestroyMode {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.destroyMode
}

// Setup transitions FRESH → INITED, reading any existing on-disk state.
// If the body is already fully cached and the item is not volatile, it
// transitions straight to COMPLETE (§4.2). Calling Setup more than once
// is a no-op returning the current status.
func (it *Item) Setup() (Status, error) {
	it.mu.Lock()
	defer it.mu.Unlock()

	if it.status != Fresh {
		return it.status, nil
	}

	if it.kind != KindStorage {
		it.status = Inited
		return it.status, nil
	}

	meta, err := it.store.ReadHeadMeta(it.key)
	if err != nil {
		// No existing head: this is a normal first download, not an error.
		it.status = Inited
		return it.status, nil
	}
	size, err := it.store.BodySize(it.key)
	if err != nil {
		it.status = Inited
		return it.status, nil
	}

	it.sizeCachedInitial = size
	if meta.ContentLength >= 0 {
		// Remember the sidecar's mod-date/origin/length even when we
		// can't short-circuit to COMPLETE below: the download-request
		// builder needs them to decide a Range/If-Range resume (§4.5.2)
		// or the volatile probe-minus-one check (§4.2), both of which
		// run before any response has arrived to freeze these fields
		// for real. DlStarted overwrites all of this once the upstream
		// response lands.
		it.responseModDate = meta.LastModified
		it.responseOrigin = meta.OriginSource
		it.contentLength = meta.ContentLength
		it.contentType = meta.ContentType

		if !it.attrs.Volatile && meta.ContentLength == size {
			it.sizeChecked = size
			it.responseStatus = ResponseStatus{Code: 200, Message: "OK"}
			it.status = Complete
			return it.status, nil
		}
	}

	it.status = Inited
	return it.status, nil
}

// TouchUse rewrites the item's head sidecar with its own already-known
// metadata, refreshing its on-disk mtime without altering content. It is
// the equivalent of the original program's head-timestamp update on
// cache reuse, letting an external LRU scanner (out of scope here) find
// cold entries. Call only on an item Setup already resolved to COMPLETE.
func (it *Item) TouchUse() {
	it.mu.Lock()
	meta := header.Meta{
		ContentLength: it.contentLength,
		LastModified:  it.responseModDate,
		OriginSource:  it.responseOrigin,
		ContentType:   it.contentType,
	}
	key := it.key
	kind := it.kind
	it.mu.Unlock()

	if kind != KindStorage {
		return
	}
	if err := it.store.WriteHeadMeta(key, meta); err != nil {
		slog.Debug("touch-use head rewrite failed", "key", key, "error", err)
	}
}

// DlStarted is called by the downloader once response headers have
// arrived (§4.2). seekPos is the byte offset the body will continue
// from (0 for a full response). On the first call it transitions
// INITED → DL_GOT_HEAD; a later call on an already-frozen item must
// agree with what was frozen, or it returns ErrHeadMismatch.
func (it *Item) DlStarted(rawHead []byte, modDate httpdate.Date, origin string, status ResponseStatus, seekPos, announcedLen int64, contentType string) error {
	it.mu.Lock()
	defer it.mu.Unlock()

	if it.status >= DLGotHead {
		if it.responseStatus.Code != status.Code || !it.responseModDate.Equal(modDate) {
			return ErrHeadMismatch
		}
		if seekPos < it.sizeChecked {
			return ErrHeadMismatch
		}
		return nil
	}

	if seekPos > it.sizeCachedInitial {
		return fmt.Errorf("fileitem: seek position %d beyond cached initial size %d", seekPos, it.sizeCachedInitial)
	}

	// A resume attempt (sizeCachedInitial > 0) that comes back as seekPos
	// 0 means the server answered with a fresh 200 instead of a 206: the
	// body must be rewritten from scratch through the store's crash-safe
	// replace path rather than overwritten in place, so concurrent readers
	// of the old bytes keep a valid view until the new body is ready
	// (§4.1 replace_body, §4.2 "on a 200, the file is replaced from
	// offset 0").
	if it.kind == KindStorage && seekPos == 0 && it.sizeCachedInitial > 0 {
		it.needsFullReplace = true
	}

	it.responseStatus = status
	it.responseModDate = modDate
	it.responseOrigin = origin
	it.contentLength = announcedLen
	it.sizeChecked = seekPos
	it.rawHeader = rawHead
	if contentType != "" {
		it.contentType = contentType
	}
	it.timeDLStarted = time.Now()
	it.status = DLGotHead
	it.cond.Broadcast()
	return nil
}

// DlAddData appends chunk to the body, starting at the current
// size_checked, and wakes any waiters. Returns ErrAborted if a previous
// DlSetError or external stop request means the downloader should give
// up. The file-item, not the caller, is responsible for persisting the
// bytes.
func (it *Item) DlAddData(chunk []byte) error {
	it.mu.Lock()
	defer it.mu.Unlock()

	if it.status == DLError || it.status == DLStopped {
		return ErrAborted
	}
	if it.status == DLGotHead {
		it.status = DLReceiving
	}

	switch it.kind {
	case KindStorage:
		if err := it.writeBodyLocked(chunk); err != nil {
			it.setErrorLocked(err, Truncate)
			return err
		}
	case KindPassThrough:
		if !it.pt.push(chunk) {
			return ErrAborted
		}
	case KindGenerated, KindLocal:
		return fmt.Errorf("fileitem: DlAddData not valid for kind %v", it.kind)
	}

	it.sizeChecked += int64(len(chunk))
	it.incomingByteCount += int64(len(chunk))
	it.cond.Broadcast()
	return nil
}

func (it *Item) writeBodyLocked(chunk []byte) error {
	if it.body == nil {
		if it.needsFullReplace {
			pending, err := it.store.ReplaceBody(it.key)
			if err != nil {
				return fmt.Errorf("opening replacement body for write: %w", err)
			}
			it.body = &fileWriter{f: pending.File, replace: pending}
		} else {
			f, err := it.store.OpenBodyRW(it.key)
			if err != nil {
				return fmt.Errorf("opening body for write: %w", err)
			}
			if _, err := f.Seek(it.sizeChecked, io.SeekStart); err != nil {
				f.Close()
				return fmt.Errorf("seeking body to %d: %w", it.sizeChecked, err)
			}
			it.body = &fileWriter{f: f}
		}
	}
	_, err := it.body.f.Write(chunk)
	return err
}

// DlConfirmUnchanged marks a volatile item's already-cached bytes as
// fully validated without any new data having been downloaded: the
// probe-minus-one check (§4.2) confirmed the cached copy is still
// fresh, so size_checked must catch up to the full content length
// instead of being left at the single byte DlStarted recorded from the
// probe's seek position (§8.3 scenario 3, "client sees 200 with 5000
// bytes from disk").
func (it *Item) DlConfirmUnchanged() error {
	it.mu.Lock()
	if it.contentLength >= 0 && it.sizeChecked < it.contentLength {
		it.sizeChecked = it.contentLength
	}
	it.mu.Unlock()
	return it.DlFinish()
}

// DlFinish transitions to COMPLETE, fixing up an unknown (chunked)
// content length to the final size_checked and rewriting the head
// sidecar so a later Setup call can find this item already cached
// (§4.2).
func (it *Item) DlFinish() error {
	it.mu.Lock()
	defer it.mu.Unlock()

	if it.body != nil {
		err := it.body.finish()
		it.body = nil
		if err != nil {
			return fmt.Errorf("publishing body on finish: %w", err)
		}
	}

	if it.contentLength < 0 {
		it.contentLength = it.sizeChecked
	}

	if it.kind == KindStorage {
		meta := header.Meta{
			ContentLength: it.contentLength,
			LastModified:  it.responseModDate,
			OriginSource:  it.responseOrigin,
			ContentType:   it.contentType,
		}
		if err := it.store.WriteHeadMeta(it.key, meta); err != nil {
			return fmt.Errorf("rewriting head on finish: %w", err)
		}
	}

	if it.pt != nil {
		it.pt.close()
	}

	it.status = Complete
	it.cond.Broadcast()
	return nil
}

// DlSetError transitions to DL_ERROR, recording status and merging mode
// with any previously recorded destroy mode by keeping the numerically
// larger (more destructive) value — a repeated failure never cleans up
// less than an earlier one decided.
func (it *Item) DlSetError(status ResponseStatus, mode DestroyMode) {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.setErrorLocked(fmt.Errorf("fileitem: upstream error %d %s", status.Code, status.Message), mode)
	it.responseStatus = status
}

func (it *Item) setErrorLocked(err error, mode DestroyMode) {
	if it.firstErr == nil {
		it.firstErr = err
	}
	if it.status != DLError {
		it.status = DLError
	}
	if mode > it.destroyMode {
		it.destroyMode = mode
	}
	if it.body != nil {
		it.body.abort()
		it.body = nil
	}
	if it.pt != nil {
		it.pt.abort()
	}
	it.cond.Broadcast()
}

// Err returns the first error recorded against this item, if any.
func (it *Item) Err() error {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.firstErr
}

// WaitForFinish blocks until the item reaches a terminal-for-waiters
// state (DL_GOT_HEAD or later), timeout elapses, or keepWaiting (if
// non-nil) returns false. Returns the current status and response
// status.
func (it *Item) WaitForFinish(timeout time.Duration, keepWaiting func() bool) (Status, ResponseStatus) {
	it.mu.Lock()
	defer it.mu.Unlock()

	deadline := time.Now().Add(timeout)
	for it.status < DLGotHead {
		if timeout <= 0 {
			break
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		if keepWaiting != nil && !keepWaiting() {
			break
		}
		it.waitWithTimeoutLocked(remaining)
	}
	return it.status, it.responseStatus
}

// WaitForMoreData blocks until size_checked advances past havePos, the
// item reaches a terminal state (COMPLETE, DL_ERROR, DL_STOPPED), or
// timeout elapses. It is the consumer-side counterpart of WaitForFinish
// used while streaming a body that is still being downloaded (§4.6.3
// "await enough bytes in the item to make progress").
func (it *Item) WaitForMoreData(timeout time.Duration, havePos int64) (Status, int64) {
	it.mu.Lock()
	defer it.mu.Unlock()

	deadline := time.Now().Add(timeout)
	for it.sizeChecked <= havePos && it.status < Complete {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		it.waitWithTimeoutLocked(remaining)
	}
	return it.status, it.sizeChecked
}

// waitWithTimeoutLocked waits on the condition variable for at most d,
// re-acquiring it.mu before returning (sync.Cond has no native timeout,
// so this nudges the waiter with a timer goroutine).
func (it *Item) waitWithTimeoutLocked(d time.Duration) {
	done := make(chan struct{})
	timer := time.AfterFunc(d, func() {
		it.mu.Lock()
		it.cond.Broadcast()
		it.mu.Unlock()
		close(done)
	})
	it.cond.Wait()
	timer.Stop()
	select {
	case <-done:
	default:
	}
}

// AddUser increments the outstanding-holder count (§3.2 user_count).
func (it *Item) AddUser() {
	it.mu.Lock()
	it.userCount++
	it.mu.Unlock()
}

// DropUser decrements the outstanding-holder count and returns the new
// value; the registry uses a zero result to decide whether to prolong or
// destroy the item.
func (it *Item) DropUser() int {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.userCount--
	return it.userCount
}

// AddDLRef/DropDLRef track the download-agent attachment count
// (dl_ref_count, §3.2); in practice 0 or 1.
func (it *Item) AddDLRef() {
	it.mu.Lock()
	it.dlRefCount++
	it.mu.Unlock()
}

func (it *Item) DropDLRef() {
	it.mu.Lock()
	if it.dlRefCount > 0 {
		it.dlRefCount--
	}
	it.mu.Unlock()
}

// SendData copies up to maxBytes bytes starting at *sendPos into w,
// returning the number of bytes written. It blocks the caller's
// progress decision to the registry/job layer: SendData itself never
// blocks, callers should use WaitForFinish or poll SizeChecked first
// (§4.2 send_data).
func (it *Item) SendData(w io.Writer, sendPos *int64, maxBytes int64) (int64, error) {
	it.mu.Lock()
	available := it.sizeChecked - *sendPos
	kind := it.kind
	it.mu.Unlock()

	if available <= 0 {
		return 0, nil
	}
	n := maxBytes
	if available < n {
		n = available
	}

	switch kind {
	case KindStorage:
		f, err := it.store.OpenBodyRO(it.key)
		if err != nil {
			return 0, err
		}
		defer f.Close()
		if _, err := f.Seek(*sendPos, io.SeekStart); err != nil {
			return 0, err
		}
		written, err := io.CopyN(w, f, n)
		*sendPos += written
		if err == io.EOF {
			err = nil
		}
		return written, err
	case KindLocal:
		return it.sendLocal(w, sendPos, n)
	case KindGenerated:
		return it.sendGenerated(w, sendPos, n)
	case KindPassThrough:
		it.pt.attach(sendPos)
		written, err := it.pt.sendFrom(w, *sendPos, n)
		*sendPos += written
		it.pt.advance(sendPos, *sendPos)
		return written, err
	default:
		return 0, fmt.Errorf("fileitem: unknown kind %v", kind)
	}
}
