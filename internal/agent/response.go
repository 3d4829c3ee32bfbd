package agent

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/danielloader/acng-core/internal/fileitem"
	"github.com/danielloader/acng-core/internal/httpdate"
)

// outcome tells the event loop what to do after a job's response has
// been driven to completion or failure (§4.5 step 5).
type outcome int

const (
	outcomeDone outcome = iota
	outcomeReconnectNow
	outcomeReconnectSoon
	outcomeBlacklistMirror
	outcomeJobBroken
	outcomeTargetChanged
)

// handleResponse drives job's state machine for one upstream response
// (§4.5.1). It consumes resp.Body fully (or fails fast) before
// returning, since pipelined responses must be read in order.
func (a *Agent) handleResponse(ctx context.Context, job *Job, reqTarget *url.URL, resp *http.Response) outcome {
	job.DLState = GetHeader
	defer resp.Body.Close()

	for resp.StatusCode/100 == 1 {
		// 1xx: informational, keep using this response object only if
		// the server actually gave us a final status after it; in
		// practice net/http already folds these away, this guards the
		// unexpected case of manual proxies duplicating informational
		// lines into Body.
		break
	}

	if isRedirect(resp.StatusCode) {
		return a.handleRedirect(job, reqTarget, resp)
	}

	if resp.StatusCode == http.StatusRequestedRangeNotSatisfiable {
		return a.handle416(job, resp)
	}

	modDate := httpdate.Parse(resp.Header.Get("Last-Modified"))
	origin := resp.Header.Get("X-Original-Source")
	if origin == "" {
		origin = reqTarget.String()
	}
	status := fileitem.ResponseStatus{Code: resp.StatusCode, Message: resp.Status}

	seekPos := int64(0)
	announcedLen := resp.ContentLength
	if resp.StatusCode == http.StatusPartialContent {
		start, _, total, err := parseContentRange(resp.Header.Get("Content-Range"))
		if err != nil {
			job.Item.DlSetError(status, fileitem.Truncate)
			return outcomeJobBroken
		}
		if start != job.RangeStartUsed {
			job.Item.DlSetError(status, fileitem.Truncate)
			return outcomeJobBroken
		}
		seekPos = start
		announcedLen = total
	} else if resp.StatusCode != http.StatusOK {
		if job.Repo != nil && isKeyfileMissing(job, resp.StatusCode) {
			return outcomeBlacklistMirror
		}
		job.Item.DlSetError(status, fileitem.Truncate)
		return a.classifyFailureOutcome(job, resp.StatusCode)
	}

	var rawHead []byte
	if job.IsPassthrough {
		rawHead = rawResponseHeader(resp)
	}
	contentType := resp.Header.Get("Content-Type")

	if err := job.Item.DlStarted(rawHead, modDate, origin, status, seekPos, announcedLen, contentType); err != nil {
		job.Item.DlSetError(status, fileitem.Truncate)
		return outcomeJobBroken
	}

	if job.Item.Attrs().Volatile && resp.StatusCode == http.StatusPartialContent &&
		seekPos == job.Item.ContentLength()-1 {
		// Probe-minus-one succeeded: the item is confirmed fresh without
		// re-downloading any bytes (§4.2, §8.3 scenario 3).
		job.DLState = Finish
		if err := job.Item.DlConfirmUnchanged(); err != nil {
			return outcomeJobBroken
		}
		return outcomeDone
	}

	job.DLState = ProcessData
	body := io.Reader(resp.Body)
	if a.rateLimiter != nil {
		body = newLimitedReader(ctx, body, a.rateLimiter)
	}

	buf := make([]byte, a.dlBufSize)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if addErr := job.Item.DlAddData(buf[:n]); addErr != nil {
				return outcomeJobBroken
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			if job.Item.Status() != fileitem.Complete {
				return outcomeReconnectNow
			}
			break
		}
	}

	job.DLState = Finish
	if err := job.Item.DlFinish(); err != nil {
		return outcomeJobBroken
	}

	if resp.Close || resp.Header.Get("Connection") == "close" {
		return outcomeReconnectSoon
	}
	return outcomeDone
}

// rawResponseHeader serializes resp's status line and headers into the
// pseudo-HTTP/1.1 block a pass-through item keeps verbatim so the client
// job can replay it later (§4.6.2). Transfer-Encoding is dropped here
// since the client job re-frames the body itself; Connection is kept so
// the client job can honour an upstream "Connection: close".
func rawResponseHeader(resp *http.Response) []byte {
	var buf bytes.Buffer
	status := resp.Status
	if status == "" {
		status = fmt.Sprintf("%d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}
	fmt.Fprintf(&buf, "HTTP/%d.%d %s\r\n", resp.ProtoMajor, resp.ProtoMinor, status)
	for k, vs := range resp.Header {
		if k == "Transfer-Encoding" {
			continue
		}
		for _, v := range vs {
			fmt.Fprintf(&buf, "%s: %s\r\n", k, v)
		}
	}
	buf.WriteString("\r\n")
	return buf.Bytes()
}

func isRedirect(code int) bool {
	switch code {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	default:
		return false
	}
}

// handleRedirect applies a 3xx Location to the job, switching it to
// explicit-URL mode and decrementing its redirect budget (§4.5.1, §4.5
// step 5 target-change). Only the redirected job is retargeted: the
// caller resubmits it on outcomeTargetChanged, and other jobs pipelined
// on the same connection keep their own targets. A pass-through job is
// resubmitted here and reported as outcomeDone.
func (a *Agent) handleRedirect(job *Job, reqTarget *url.URL, resp *http.Response) outcome {
	job.RedirBudget--
	if job.RedirBudget < 0 {
		job.Item.DlSetError(fileitem.ResponseStatus{Code: resp.StatusCode, Message: "redirect budget exhausted"}, fileitem.Truncate)
		return outcomeJobBroken
	}

	loc := resp.Header.Get("Location")
	if loc == "" {
		job.Item.DlSetError(fileitem.ResponseStatus{Code: resp.StatusCode, Message: "redirect without Location"}, fileitem.Truncate)
		return outcomeJobBroken
	}
	next, err := reqTarget.Parse(loc)
	if err != nil {
		job.Item.DlSetError(fileitem.ResponseStatus{Code: resp.StatusCode, Message: "invalid redirect Location"}, fileitem.Truncate)
		return outcomeJobBroken
	}

	job.Repo = nil
	job.ExplicitURL = next

	if job.IsPassthrough {
		a.Submit(job) // resubmitted here alone; no speculative retarget of siblings
		return outcomeDone
	}
	return outcomeTargetChanged
}

// handle416 implements §4.5.1's asymmetric fallback: if nothing has ever
// been validated for this item, clear the cached-initial size and retry
// as a fresh full download; if bytes were already streamed to a
// consumer, the job fails outright (this spec's resolution of the
// source's documented ambiguity, see SPEC_FULL.md Open Questions).
func (a *Agent) handle416(job *Job, resp *http.Response) outcome {
	if job.Item.SizeChecked() == 0 {
		job.RangeStartUsed = 0
		return outcomeReconnectNow
	}
	job.Item.DlSetError(fileitem.ResponseStatus{Code: 416, Message: resp.Status}, fileitem.Truncate)
	return outcomeJobBroken
}

func (a *Agent) classifyFailureOutcome(job *Job, code int) outcome {
	if code >= 500 {
		return outcomeReconnectSoon
	}
	return outcomeJobBroken
}

func isKeyfileMissing(job *Job, code int) bool {
	if code < 400 {
		return false
	}
	for _, suffix := range job.Repo.KeyfileSuffixes {
		if strings.HasSuffix(job.RestPath, suffix) {
			return true
		}
	}
	return false
}

// parseContentRange parses "bytes A-B/T" into (A, B, T).
func parseContentRange(v string) (start, end, total int64, err error) {
	v = strings.TrimPrefix(v, "bytes ")
	slash := strings.IndexByte(v, '/')
	if slash < 0 {
		return 0, 0, 0, fmt.Errorf("malformed Content-Range %q", v)
	}
	rangePart, totalPart := v[:slash], v[slash+1:]
	dash := strings.IndexByte(rangePart, '-')
	if dash < 0 {
		return 0, 0, 0, fmt.Errorf("malformed Content-Range %q", v)
	}
	start, err = strconv.ParseInt(rangePart[:dash], 10, 64)
	if err != nil {
		return 0, 0, 0, err
	}
	end, err = strconv.ParseInt(rangePart[dash+1:], 10, 64)
	if err != nil {
		return 0, 0, 0, err
	}
	if totalPart == "*" {
		total = -1
	} else {
		total, err = strconv.ParseInt(totalPart, 10, 64)
		if err != nil {
			return 0, 0, 0, err
		}
	}
	return start, end, total, nil
}
