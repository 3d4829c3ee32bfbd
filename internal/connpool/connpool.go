// Package connpool implements the Connection Pool & Connector (§4.4): a
// map from (host, port, ssl) to a small list of idle streams, periodic
// idle eviction, and a happy-eyeballs dialer that races multiple
// candidate addresses and keeps only the first to connect.
package connpool

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

// Key identifies one pooled-connection bucket.
type Key struct {
	Host string
	Port string
	SSL  bool
}

func (k Key) String() string {
	scheme := "tcp"
	if k.SSL {
		scheme = "tls"
	}
	return fmt.Sprintf("%s://%s:%s", scheme, k.Host, k.Port)
}

type idleConn struct {
	net.Conn
	insertedAt time.Time
}

// Pool is a bounded cache of idle upstream connections keyed by
// (host, port, ssl_flag) (§3.6 Ownership, §4.4).
type Pool struct {
	mu       sync.Mutex
	buckets  map[Key][]idleConn
	perKey   int
	maxIdle  time.Duration
	dialer   *Dialer

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewPool creates a Pool backed by dialer, keeping at most perKeyCap
// idle connections per key and evicting any idle longer than maxIdle.
func NewPool(dialer *Dialer, perKeyCap int, maxIdle time.Duration) *Pool {
	p := &Pool{
		buckets: make(map[Key][]idleConn),
		perKey:  perKeyCap,
		maxIdle: maxIdle,
		dialer:  dialer,
		stopCh:  make(chan struct{}),
	}
	return p
}

// RunReaper evicts stale idle connections every interval until Stop is
// called; run it in its own goroutine.
func (p *Pool) RunReaper(interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			p.reapOnce()
		case <-p.stopCh:
			return
		}
	}
}

// Stop ends RunReaper and closes every pooled connection.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })

	p.mu.Lock()
	defer p.mu.Unlock()
	for key, conns := range p.buckets {
		for _, c := range conns {
			c.Close()
		}
		delete(p.buckets, key)
	}
}

func (p *Pool) reapOnce() {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	for key, conns := range p.buckets {
		kept := conns[:0]
		for _, c := range conns {
			if now.Sub(c.insertedAt) > p.maxIdle {
				c.Close()
				continue
			}
			kept = append(kept, c)
		}
		if len(kept) == 0 {
			delete(p.buckets, key)
		} else {
			p.buckets[key] = kept
		}
	}
}

// Get returns an idle connection for key if one is usable, discarding
// any that a zero-byte probe read shows the peer already closed, or
// dials a fresh one via the pool's Dialer.
func (p *Pool) Get(ctx context.Context, key Key) (net.Conn, error) {
	p.mu.Lock()
	conns := p.buckets[key]
	for len(conns) > 0 {
		c := conns[len(conns)-1]
		conns = conns[:len(conns)-1]
		p.buckets[key] = conns
		if probeAlive(c.Conn) {
			p.mu.Unlock()
			return c.Conn, nil
		}
		slog.Debug("discarding dead pooled connection", "key", key.String())
		c.Close()
	}
	p.mu.Unlock()

	return p.dialer.Dial(ctx, key)
}

// Put returns c to the idle pool for reuse, or closes it if the bucket
// is already at capacity.
func (p *Pool) Put(key Key, c net.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.buckets[key]) >= p.perKey {
		c.Close()
		return
	}
	p.buckets[key] = append(p.buckets[key], idleConn{Conn: c, insertedAt: time.Now()})
}

// probeAlive does a non-blocking zero-byte read to detect a peer that
// already closed the connection while it sat idle (§4.4 "probe read").
func probeAlive(c net.Conn) bool {
	if err := c.SetReadDeadline(time.Now().Add(time.Millisecond)); err != nil {
		return true // can't probe, optimistically assume alive
	}
	defer c.SetReadDeadline(time.Time{})

	one := make([]byte, 1)
	n, err := c.Read(one)
	if n > 0 {
		return false // unexpected data queued, treat as unusable
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true // no data ready, still alive
	}
	return err == nil
}

// TLSConfigFunc produces the client TLS configuration for a given host,
// allowing the caller to inject certificate pinning or a custom root
// pool without connpool depending on the rest of the config surface.
type TLSConfigFunc func(host string) *tls.Config
