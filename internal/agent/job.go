package agent

import (
	"net/http"
	"net/url"

	"github.com/danielloader/acng-core/internal/fileitem"
)

// DLState is the per-job response state machine (§3.5, §4.5.1).
type DLState int

const (
	GetHeader DLState = iota
	ProcessData
	GetChunkHead
	ProcessChunkData
	GetChunkTrailer
	Finish
)

func (s DLState) String() string {
	switch s {
	case GetHeader:
		return "GETHEADER"
	case ProcessData:
		return "PROCESS_DATA"
	case GetChunkHead:
		return "GETCHUNKHEAD"
	case ProcessChunkData:
		return "PROCESS_CHUNKDATA"
	case GetChunkTrailer:
		return "GET_CHUNKTRAILER"
	case Finish:
		return "FINISH"
	default:
		return "UNKNOWN"
	}
}

// Job is the ephemeral record the Agent holds for one in-flight download
// (§3.5 Download Job).
type Job struct {
	Item *fileitem.Item

	// Target resolution: either Repo+RestPath (backend mode, eligible
	// for mirror fail-over) or an explicit absolute URL.
	Repo      *RepoTarget
	RestPath  string
	ExplicitURL *url.URL

	ExtraHeaders           http.Header
	ClientForwardedHeaders http.Header // set only for pass-through jobs
	IsPassthrough          bool
	RangeStartUsed int64
	RedirBudget    int
	DLState        DLState

	onDone func(err error)
}

// RepoTarget names the set of mirror backends a backend-mode job may be
// retried against, and the per-repo proxy/keyfile-suffix policy from the
// resolver (§3.4).
type RepoTarget struct {
	Name            string
	Backends        []string
	Proxy           string
	KeyfileSuffixes []string
	backendIdx      int
}

// currentBackend returns the mirror URL currently selected for this job.
func (r *RepoTarget) currentBackend() string {
	if r == nil || len(r.Backends) == 0 {
		return ""
	}
	return r.Backends[r.backendIdx%len(r.Backends)]
}

// advanceBackend moves to the next backend, wrapping around; returns
// false once every backend has been tried once (the caller should then
// fail the job rather than loop forever).
func (r *RepoTarget) advanceBackend() bool {
	r.backendIdx++
	return r.backendIdx < len(r.Backends)
}
