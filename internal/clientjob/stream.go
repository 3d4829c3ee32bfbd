package clientjob

import (
	"bufio"
	"fmt"
	"net/http"

	"github.com/danielloader/acng-core/internal/fileitem"
)

// maxWriteChunk is the per-call SendData bound used when DLBufSizeBytes
// is not configured; otherwise DLBufSizeBytes bounds each call, so a Job
// periodically re-checks the item's growing SizeChecked (§4.6.3).
const maxWriteChunk = 64 * 1024

// stream implements §4.6.3: drive SEND_DATA or the chunked variant until
// the response is complete, blocking on the item's condition between
// writes as needed.
func (j *Job) stream(w http.ResponseWriter) {
	flusher, _ := w.(http.Flusher)

	switch j.state {
	case SendData:
		j.streamRaw(w, flusher)
	case SendChunkHeader:
		j.streamChunked(w, flusher)
	case Done:
		// 304/416/redirect: no body.
	}
}

func (j *Job) streamRaw(w http.ResponseWriter, flusher http.Flusher) {
	item := j.holder.Item()
	limit := item.ContentLength()
	if j.hasRange {
		limit = j.rangeTo + 1
	}

	bufSize := int64(j.deps.Config.DLBufSizeBytes)
	if bufSize <= 0 {
		bufSize = maxWriteChunk
	}

	for {
		if limit >= 0 && j.sendPos >= limit {
			return
		}
		status, _ := item.WaitForMoreData(j.netTimeout(), j.sendPos)

		bound := bufSize
		if limit >= 0 {
			if remain := limit - j.sendPos; remain < bound {
				bound = remain
			}
		}
		if avail := item.SizeChecked() - j.sendPos; avail < bound {
			bound = avail
		}
		if bound <= 0 {
			if status >= fileitem.Complete {
				return
			}
			if status == fileitem.DLError || status == fileitem.DLStopped {
				j.disconnect()
				return
			}
			continue
		}

		n, err := item.SendData(w, &j.sendPos, bound)
		if n > 0 {
			j.bytesSent = true
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			j.disconnect()
			return
		}
		if status >= fileitem.Complete && item.SizeChecked()-j.sendPos <= 0 {
			return
		}
	}
}

// streamChunked implements the chunked-transfer variant of §4.6.3:
// "<hex>\r\n" framing per run, a trailing "0\r\n\r\n" at finish.
func (j *Job) streamChunked(w http.ResponseWriter, flusher http.Flusher) {
	item := j.holder.Item()
	bw := bufio.NewWriter(w)
	bufSize := int64(j.deps.Config.DLBufSizeBytes)
	if bufSize <= 0 {
		bufSize = maxWriteChunk
	}

	for {
		status, _ := item.WaitForMoreData(j.netTimeout(), j.sendPos)

		bound := item.SizeChecked() - j.sendPos
		if bound > bufSize {
			bound = bufSize
		}
		if bound > 0 {
			var buf countingBuffer
			n, err := item.SendData(&buf, &j.sendPos, bound)
			if n > 0 {
				fmt.Fprintf(bw, "%x\r\n", n)
				bw.Write(buf.data)
				bw.WriteString("\r\n")
				j.bytesSent = true
			}
			if err != nil {
				j.disconnect()
				return
			}
			if flusher != nil {
				bw.Flush()
				flusher.Flush()
			}
			continue
		}

		if status == fileitem.DLError || status == fileitem.DLStopped {
			j.disconnect()
			return
		}
		if status >= fileitem.Complete {
			bw.WriteString("0\r\n\r\n")
			bw.Flush()
			if flusher != nil {
				flusher.Flush()
			}
			return
		}
	}
}

func (j *Job) disconnect() {
	j.state = DiscoASAP
}

// countingBuffer is a tiny io.Writer sink used to pull bytes out of
// SendData before framing them as a chunk (SendData writes directly to
// an io.Writer, and the chunk size must be known before the chunk body
// is written).
type countingBuffer struct {
	data []byte
}

func (c *countingBuffer) Write(p []byte) (int, error) {
	c.data = append(c.data, p...)
	return len(p), nil
}
