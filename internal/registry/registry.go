// Package registry implements the Item Registry (§4.3): the process-wide
// map from canonical cache key to shared file-item, the sharing policy
// that decides when a new request can reuse an in-flight item versus
// forcing the old one out of the way, and the prolonged-item queue that
// keeps recently-finished volatile items alive for a grace period.
package registry

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/danielloader/acng-core/internal/fileitem"
	"github.com/danielloader/acng-core/internal/store"
)

// SharingMode controls how Create resolves a collision with an
// already-registered item at the same key (§4.3).
type SharingMode int

const (
	// AlwaysTrySharing reuses a compatible existing item; an incompatible
	// one is evicted by moving its disk files aside, and the caller is
	// served from a freshly created item.
	AlwaysTrySharing SharingMode = iota
	// AutoMoveOutOfTheWay behaves like AlwaysTrySharing and additionally
	// evicts a compatible existing item that looks stuck past the
	// configured stall threshold.
	AutoMoveOutOfTheWay
	// ForceMoveOutOfTheWay always evicts the existing item, compatible or
	// not, regardless of how long it has been running.
	ForceMoveOutOfTheWay
)

// Holder is a scoped strong reference to a file-item (§3.6, §9 "holder
// value type"). The zero value is not usable; obtain one from Create.
// Close must be called exactly once to release the reference; Item may
// be called any number of times before that.
type Holder struct {
	reg  *Registry
	item *fileitem.Item
	key  string
	done bool
}

// Item returns the held file-item.
func (h *Holder) Item() *fileitem.Item { return h.item }

// Close drops this holder's reference. When the last holder for a key
// drops, the registry either destroys the item immediately or, for a
// completed volatile item under a configured prolongation window,
// parks it on the prolonged queue instead (§4.2 Destruction, §4.3).
func (h *Holder) Close() {
	if h.done {
		return
	}
	h.done = true
	h.reg.release(h.key, h.item)
}

// entry is the registry's bookkeeping record for one live key.
type entry struct {
	item *fileitem.Item
}

// Registry is the process-wide file-item map.
type Registry struct {
	mu      sync.Mutex
	items   map[string]*entry
	st      store.Store
	prolong time.Duration // how long a completed volatile item survives with zero holders
	stale   time.Duration // §4.2 Sharing policy "stuck" threshold

	prolongedMu sync.Mutex
	prolonged   []prolongedEntry
}

type prolongedEntry struct {
	key    string
	item   *fileitem.Item
	expiry time.Time
}

// New constructs an empty Registry backed by st. prolongWindow is how
// long a COMPLETE volatile item is kept warm after its last holder
// drops; staleAfter is the §4.2 sharing-policy stall threshold.
func New(st store.Store, prolongWindow, staleAfter time.Duration) *Registry {
	return &Registry{
		items:   make(map[string]*entry),
		st:      st,
		prolong: prolongWindow,
		stale:   staleAfter,
	}
}

// Create looks up or creates the file-item for key under the given
// sharing mode and attributes (§4.3 create). kind governs
// what kind of item gets built if none exists or the existing one must
// be moved aside.
func (r *Registry) Create(key string, mode SharingMode, attrs fileitem.SpecialAttrs, kind fileitem.Kind) (*Holder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.items[key]; ok {
		if r.compatibleLocked(e, attrs, mode) {
			e.item.AddUser()
			return &Holder{reg: r, item: e.item, key: key}, nil
		}
		if err := r.moveOutOfTheWayLocked(key, e); err != nil {
			return nil, err
		}
	}

	it := fileitem.New(key, attrs, kind, r.st)
	r.items[key] = &entry{item: it}
	it.AddUser()
	return &Holder{reg: r, item: it, key: key}, nil
}

// CreateCustom registers an already-built item (pass-through or
// generated, §4.3 "create(custom_item, shareable)"), inserting it only
// if shareable and the key is currently unused. If the key is in use and
// shareable is false, or the existing item isn't compatible, the caller
// still gets a private holder over its own item — it simply isn't
// published in the map for others to find.
func (r *Registry) CreateCustom(key string, item *fileitem.Item, shareable bool) *Holder {
	r.mu.Lock()
	defer r.mu.Unlock()

	item.AddUser()
	if shareable {
		if _, taken := r.items[key]; !taken {
			r.items[key] = &entry{item: item}
		}
	}
	return &Holder{reg: r, item: item, key: key}
}

func (r *Registry) compatibleLocked(e *entry, attrs fileitem.SpecialAttrs, mode SharingMode) bool {
	if mode == ForceMoveOutOfTheWay {
		return false
	}
	if !e.item.Attrs().Compatible(attrs) {
		return false
	}
	if mode == AutoMoveOutOfTheWay && r.looksStuckLocked(e) {
		return false
	}
	return true
}

func (r *Registry) looksStuckLocked(e *entry) bool {
	if r.stale <= 0 {
		return false
	}
	status := e.item.Status()
	if status == fileitem.Complete || status == fileitem.DLError || status == fileitem.DLStopped {
		return false
	}
	return time.Since(e.item.StartedAt()) > r.stale
}

// moveOutOfTheWayLocked unregisters the incompatible existing entry so a
// fresh one can be created on the same key, renaming its on-disk files
// aside under a timestamp suffix per §4.2 Sharing policy.
func (r *Registry) moveOutOfTheWayLocked(key string, e *entry) error {
	delete(r.items, key)
	e.item.DropDLRef()

	ts := time.Now().UnixNano()
	asideKey := fmt.Sprintf("%s.%d", key, ts)
	if err := r.st.RenameAside(key, asideKey); err != nil {
		slog.Warn("failed to move colliding item aside, proceeding anyway", "key", key, "error", err)
	}
	return nil
}

// release is called by Holder.Close. On the last reference it either
// destroys the item per its destroy_mode or, for a completed volatile
// item, parks it on the prolonged queue for r.prolong.
func (r *Registry) release(key string, it *fileitem.Item) {
	remaining := it.DropUser()
	if remaining > 0 {
		return
	}

	r.mu.Lock()
	if e, ok := r.items[key]; ok && e.item == it {
		delete(r.items, key)
	}
	r.mu.Unlock()

	if it.Status() == fileitem.Complete && it.Attrs().Volatile && r.prolong > 0 {
		r.addToProlongedQueue(key, it, time.Now().Add(r.prolong))
		return
	}

	r.destroy(key, it)
}

// addToProlongedQueue keeps a dying item's holder alive until expiry,
// re-publishing it in the live map so late-arriving requests can still
// find it without re-downloading (§4.3).
func (r *Registry) addToProlongedQueue(key string, it *fileitem.Item, expiry time.Time) {
	it.AddUser()

	r.mu.Lock()
	if _, taken := r.items[key]; !taken {
		r.items[key] = &entry{item: it}
	}
	r.mu.Unlock()

	r.prolongedMu.Lock()
	r.prolonged = append(r.prolonged, prolongedEntry{key: key, item: it, expiry: expiry})
	r.prolongedMu.Unlock()
}

// BackgroundCleanup pops expired entries from the prolonged queue,
// releasing their extra holder reference so they fall through to
// destroy(), and returns the next due time (or the zero time if the
// queue is empty, the "end of time" sentinel referenced in §4.3).
func (r *Registry) BackgroundCleanup() time.Time {
	now := time.Now()

	r.prolongedMu.Lock()
	var due []prolongedEntry
	remaining := r.prolonged[:0]
	for _, pe := range r.prolonged {
		if !pe.expiry.After(now) {
			due = append(due, pe)
		} else {
			remaining = append(remaining, pe)
		}
	}
	r.prolonged = remaining
	var next time.Time
	if len(r.prolonged) > 0 {
		next = r.prolonged[0].expiry
		for _, pe := range r.prolonged[1:] {
			if pe.expiry.Before(next) {
				next = pe.expiry
			}
		}
	}
	r.prolongedMu.Unlock()

	for _, pe := range due {
		if pe.item.DropUser() > 0 {
			continue
		}
		r.mu.Lock()
		if e, ok := r.items[pe.key]; ok && e.item == pe.item {
			delete(r.items, pe.key)
		}
		r.mu.Unlock()
		r.destroy(pe.key, pe.item)
	}
	return next
}

// destroy performs the item's recorded destroy_mode against the store
// (§4.2 Destruction).
func (r *Registry) destroy(key string, it *fileitem.Item) {
	var err error
	switch it.DestroyMode() {
	case fileitem.Keep:
		// nothing to do; on-disk bytes already reflect the item.
	case fileitem.Truncate:
		err = r.st.Truncate(key)
	case fileitem.Abandoned:
		err = r.st.Remove(key)
	case fileitem.Delete:
		err = r.st.Remove(key)
	case fileitem.DeleteKeepHead:
		err = r.st.RemoveKeepHead(key)
	}
	if err != nil {
		slog.Warn("destroy_mode cleanup failed", "key", key, "mode", it.DestroyMode(), "error", err)
	}
}

// Snapshot returns a point-in-time view of every live and prolonged
// entry, replacing the source's dump_status() (§5 supplemented
// features); internal/metrics polls this to populate gauges.
type Snapshot struct {
	Key       string
	Status    fileitem.Status
	Prolonged bool
}

func (r *Registry) Snapshot() []Snapshot {
	prolongedKeys := make(map[string]bool)
	r.prolongedMu.Lock()
	for _, pe := range r.prolonged {
		prolongedKeys[pe.key] = true
	}
	r.prolongedMu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Snapshot, 0, len(r.items))
	for k, e := range r.items {
		out = append(out, Snapshot{Key: k, Status: e.item.Status(), Prolonged: prolongedKeys[k]})
	}
	return out
}

// ProlongedQueueDepth reports the current size of the prolonged queue,
// exposed as a metrics gauge.
func (r *Registry) ProlongedQueueDepth() int {
	r.prolongedMu.Lock()
	defer r.prolongedMu.Unlock()
	return len(r.prolonged)
}
