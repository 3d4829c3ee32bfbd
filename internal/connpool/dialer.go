package connpool

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"
)

// Dialer resolves a host to one or more addresses and races connection
// attempts against them with a staggered "happy-eyeballs" strategy
// (§4.4): the first candidate gets fastTimeout to connect; if it hasn't,
// the next candidate starts in parallel; the first to succeed wins and
// the rest are abandoned.
type Dialer struct {
	Resolver    *net.Resolver
	FastTimeout time.Duration
	NetTimeout  time.Duration
	TLSConfig   TLSConfigFunc
}

// NewDialer builds a Dialer using the given timeouts and an optional
// TLS config factory (nil uses tls.Config{} defaults per host).
func NewDialer(fastTimeout, netTimeout time.Duration, tlsConfig TLSConfigFunc) *Dialer {
	if tlsConfig == nil {
		tlsConfig = func(host string) *tls.Config { return &tls.Config{ServerName: host} }
	}
	return &Dialer{
		Resolver:    net.DefaultResolver,
		FastTimeout: fastTimeout,
		NetTimeout:  netTimeout,
		TLSConfig:   tlsConfig,
	}
}

// Dial connects to key, racing every resolved address.
func (d *Dialer) Dial(ctx context.Context, key Key) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, d.NetTimeout)
	defer cancel()

	addrs, err := d.Resolver.LookupHost(ctx, key.Host)
	if err != nil {
		return nil, fmt.Errorf("resolving %q: %w", key.Host, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("no addresses found for %q", key.Host)
	}

	conn, err := d.race(ctx, addrs, key.Port)
	if err != nil {
		return nil, err
	}
	if !key.SSL {
		return conn, nil
	}

	tlsConn := tls.Client(conn, d.TLSConfig(key.Host))
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("TLS handshake with %s: %w", key.Host, err)
	}
	return tlsConn, nil
}

type dialResult struct {
	conn net.Conn
	err  error
}

// race staggers TCP connect attempts across addrs: the first gets
// FastTimeout to win outright; if it hasn't, the next address is
// started without cancelling the first. The first winner's connection
// is kept; every other attempt in flight is closed.
func (d *Dialer) race(ctx context.Context, addrs []string, port string) (net.Conn, error) {
	var dialer net.Dialer
	results := make(chan dialResult, len(addrs))
	inFlight := 0

	start := func(addr string) {
		inFlight++
		go func() {
			c, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(addr, port))
			results <- dialResult{conn: c, err: err}
		}()
	}

	start(addrs[0])
	next := 1
	var lastErr error

	ticker := time.NewTicker(d.FastTimeout)
	defer ticker.Stop()

	for inFlight > 0 {
		select {
		case res := <-results:
			inFlight--
			if res.err == nil {
				go drainRemaining(results, inFlight)
				return res.conn, nil
			}
			lastErr = res.err
			if next < len(addrs) {
				start(addrs[next])
				next++
			}
		case <-ticker.C:
			if next < len(addrs) {
				start(addrs[next])
				next++
			}
		case <-ctx.Done():
			go drainRemaining(results, inFlight)
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, ctx.Err()
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("connpool: no candidate address for port %s succeeded", port)
	}
	return nil, lastErr
}

// drainRemaining closes any connections that win the race after we've
// already committed to an earlier winner (or given up).
func drainRemaining(results chan dialResult, n int) {
	for i := 0; i < n; i++ {
		res := <-results
		if res.conn != nil {
			res.conn.Close()
		}
	}
}
