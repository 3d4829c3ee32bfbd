package agent

import (
	"sync"
	"time"
)

// Blacklist tracks mirrors that recently failed, so the Agent stops
// retrying them within a single session (§4.5 step 5, §8.1 "Blacklist
// convergence"). The Agent keys entries by backend URL as configured, not
// by host:port, so two backends on the same host:port are tracked
// separately.
type Blacklist struct {
	mu      sync.Mutex
	entries map[string]blacklistEntry
	ttl     time.Duration
}

type blacklistEntry struct {
	reason    string
	expiresAt time.Time
}

// NewBlacklist builds a Blacklist whose entries expire after ttl (0
// means entries never expire for the lifetime of the process).
func NewBlacklist(ttl time.Duration) *Blacklist {
	return &Blacklist{entries: make(map[string]blacklistEntry), ttl: ttl}
}

// Add marks hostPort unusable, recording reason for operator visibility
// (§8.1 Boundary scenario 5).
func (b *Blacklist) Add(hostPort, reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := blacklistEntry{reason: reason}
	if b.ttl > 0 {
		e.expiresAt = time.Now().Add(b.ttl)
	}
	b.entries[hostPort] = e
}

// IsBlacklisted reports whether hostPort is currently blacklisted,
// lazily expiring entries whose ttl has elapsed.
func (b *Blacklist) IsBlacklisted(hostPort string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[hostPort]
	if !ok {
		return false
	}
	if b.ttl > 0 && time.Now().After(e.expiresAt) {
		delete(b.entries, hostPort)
		return false
	}
	return true
}

// Reason returns the recorded blacklist reason for hostPort, if any.
func (b *Blacklist) Reason(hostPort string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[hostPort]
	return e.reason, ok
}

// Len reports the number of currently blacklisted mirrors, exposed as a
// metrics gauge.
func (b *Blacklist) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	now := time.Now()
	for _, e := range b.entries {
		if b.ttl <= 0 || !now.After(e.expiresAt) {
			n++
		}
	}
	return n
}
