package clientjob

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/danielloader/acng-core/internal/fileitem"
)

// cookResponseHeader implements §4.6.2: synthesize the response status
// line and headers once the item has reached at least DL_GOT_HEAD.
func (j *Job) cookResponseHeader(w http.ResponseWriter, respStatus fileitem.ResponseStatus) {
	item := j.holder.Item()
	h := w.Header()
	h.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	h.Set("Server", j.serverBanner())
	if j.keepAlive {
		h.Set("Connection", "keep-alive")
	} else {
		h.Set("Connection", "close")
	}

	if len(item.RawHeader()) > 0 {
		j.cookPassthroughHeader(w, item)
		return
	}

	if isRedirectStatus(respStatus.Code) {
		h.Set("Location", item.ResponseOrigin())
		w.WriteHeader(respStatus.Code)
		return
	}

	modDate := item.ResponseModDate()
	if modDate.IsSet() && j.ifModSince.IsSet() && !modDate.After(j.ifModSince) {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	contentLength := item.ContentLength()

	if contentLength < 0 && item.Status() == fileitem.DLReceiving && (!j.hasRange || !rangeAvailable(item, j.rangeFrom)) {
		h.Set("Transfer-Encoding", "chunked")
		if ct := item.ContentType(); ct != "" {
			h.Set("Content-Type", ct)
		}
		j.state = SendChunkHeader
		w.WriteHeader(http.StatusOK)
		return
	}

	if j.hasRange {
		from, to, ok := resolveRange(j.rangeFrom, j.rangeTo, contentLength)
		if !ok {
			h.Set("Content-Range", "bytes */"+formatLen(contentLength))
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			j.state = Done
			return
		}
		j.rangeFrom, j.rangeTo = from, to
		j.sendPos = from
		h.Set("Content-Range", formatContentRange(from, to, contentLength))
		h.Set("Content-Length", strconv.FormatInt(to-from+1, 10))
		setBodyHeaders(h, item)
		j.state = SendData
		w.WriteHeader(http.StatusPartialContent)
		return
	}

	if contentLength >= 0 {
		h.Set("Content-Length", strconv.FormatInt(contentLength, 10))
	}
	setBodyHeaders(h, item)
	j.state = SendData
	w.WriteHeader(respStatusOr200(respStatus))
}

// cookPassthroughHeader forwards the raw upstream header block, stripped
// of Transfer-Encoding (the Job always re-frames chunking itself) and
// honoring an upstream Connection: close (§4.6.2).
func (j *Job) cookPassthroughHeader(w http.ResponseWriter, item *fileitem.Item) {
	h := w.Header()
	upstream, status, closeConn := parsePassthroughHeader(item.RawHeader())
	for k, vs := range upstream {
		if k == "Transfer-Encoding" || k == "Connection" || k == "Content-Length" {
			continue
		}
		for _, v := range vs {
			h.Add(k, v)
		}
	}
	if closeConn {
		h.Set("Connection", "close")
		j.keepAlive = false
	}
	contentLength := item.ContentLength()
	if contentLength >= 0 {
		h.Set("Content-Length", strconv.FormatInt(contentLength, 10))
		j.state = SendData
	} else {
		h.Set("Transfer-Encoding", "chunked")
		j.state = SendChunkHeader
	}
	w.WriteHeader(status)
}

func setBodyHeaders(h http.Header, item *fileitem.Item) {
	if ct := item.ContentType(); ct != "" {
		h.Set("Content-Type", ct)
	}
	if md := item.ResponseModDate(); md.IsSet() {
		h.Set("Last-Modified", md.String())
	}
	if o := item.ResponseOrigin(); o != "" {
		h.Set("X-Original-Source", o)
	}
}

func isRedirectStatus(code int) bool {
	switch code {
	case 301, 302, 303, 307, 308:
		return true
	default:
		return false
	}
}

func respStatusOr200(rs fileitem.ResponseStatus) int {
	if rs.Code == 0 {
		return http.StatusOK
	}
	return rs.Code
}

func rangeAvailable(item *fileitem.Item, from int64) bool {
	return item.SizeChecked() > from
}

// resolveRange clamps a client-requested [from, to] range against the
// known content length, per §4.6.2's 416/206 decision.
func resolveRange(from, to, contentLength int64) (int64, int64, bool) {
	if contentLength < 0 {
		return from, to, true // can't validate yet; caller already gated on DL_RECEIVING
	}
	if from >= contentLength {
		return 0, 0, false
	}
	if to < 0 || to >= contentLength {
		to = contentLength - 1
	}
	if to < from {
		return 0, 0, false
	}
	return from, to, true
}

func formatContentRange(from, to, total int64) string {
	return "bytes " + strconv.FormatInt(from, 10) + "-" + strconv.FormatInt(to, 10) + "/" + formatLen(total)
}

func formatLen(n int64) string {
	if n < 0 {
		return "*"
	}
	return strconv.FormatInt(n, 10)
}

// parsePassthroughHeader re-parses the raw upstream header block stored
// on a pass-through item so individual lines can be filtered before
// replay (§4.6.2).
func parsePassthroughHeader(raw []byte) (http.Header, int, bool) {
	h := make(http.Header)
	status := http.StatusOK
	closeConn := false
	lines := strings.Split(string(raw), "\r\n")
	for i, line := range lines {
		if line == "" {
			continue
		}
		if i == 0 && strings.HasPrefix(line, "HTTP/") {
			fields := strings.SplitN(line, " ", 3)
			if len(fields) >= 2 {
				if n, err := strconv.Atoi(fields[1]); err == nil {
					status = n
				}
			}
			continue
		}
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		k = http.CanonicalHeaderKey(strings.TrimSpace(k))
		v = strings.TrimSpace(v)
		h.Add(k, v)
		if k == "Connection" && strings.EqualFold(v, "close") {
			closeConn = true
		}
	}
	return h, status, closeConn
}
