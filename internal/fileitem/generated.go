package fileitem

import (
	"fmt"
	"io"
	"sync"
)

// NewGenerated builds a file-item whose entire body is produced in
// memory by the caller (directory listings, redirect/error pages,
// §4.2 Variants: Generated). The item is COMPLETE immediately.
func NewGenerated(key string, status ResponseStatus, contentType string, body []byte) *Item {
	it := &Item{
		key:           key,
		kind:          KindGenerated,
		status:        Complete,
		contentLength: int64(len(body)),
		sizeChecked:   int64(len(body)),
		contentType:   contentType,
		responseStatus: status,
		generatedBody: body,
	}
	it.cond = sync.NewCond(&it.mu)
	return it
}

// NewLocal builds a file-item that serves an already-open local file
// descriptor directly (§4.2 Variants: Local), used for the operator's
// local-directory mapping feature.
func NewLocal(key string, size int64, contentType string, open func() (io.ReadCloser, error)) *Item {
	it := &Item{
		key:           key,
		kind:          KindLocal,
		status:        Complete,
		contentLength: size,
		sizeChecked:   size,
		contentType:   contentType,
		responseStatus: ResponseStatus{Code: 200, Message: "OK"},
		openLocal:     open,
	}
	it.cond = sync.NewCond(&it.mu)
	return it
}

// GeneratedBody returns the in-memory body of a generated item.
func (it *Item) GeneratedBody() []byte {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.generatedBody
}

func (it *Item) sendGenerated(w io.Writer, sendPos *int64, max int64) (int64, error) {
	it.mu.Lock()
	body := it.generatedBody
	it.mu.Unlock()

	if *sendPos >= int64(len(body)) {
		return 0, nil
	}
	end := *sendPos + max
	if end > int64(len(body)) {
		end = int64(len(body))
	}
	n, err := w.Write(body[*sendPos:end])
	*sendPos += int64(n)
	return int64(n), err
}

func (it *Item) sendLocal(w io.Writer, sendPos *int64, max int64) (int64, error) {
	if it.openLocal == nil {
		return 0, fmt.Errorf("fileitem: local item %q has no opener", it.key)
	}
	rc, err := it.openLocal()
	if err != nil {
		return 0, err
	}
	defer rc.Close()

	if seeker, ok := rc.(io.Seeker); ok {
		if _, err := seeker.Seek(*sendPos, io.SeekStart); err != nil {
			return 0, err
		}
	} else if *sendPos > 0 {
		if _, err := io.CopyN(io.Discard, rc, *sendPos); err != nil {
			return 0, err
		}
	}

	n, err := io.CopyN(w, rc, max)
	*sendPos += n
	if err == io.EOF {
		err = nil
	}
	return n, err
}
