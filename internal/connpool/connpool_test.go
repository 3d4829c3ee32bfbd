package connpool

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func pipePair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	a, b := net.Pipe()
	return a, b
}

func TestPoolPutGetRoundTrip(t *testing.T) {
	p := NewPool(nil, 4, time.Minute)
	key := Key{Host: "mirror1", Port: "80"}

	client, server := pipePair(t)
	defer server.Close()

	p.Put(key, client)

	got, err := p.Get(context.Background(), key)
	require.NoError(t, err)
	require.Same(t, client, got)
}

func TestPoolCapsPerKeyAndClosesOverflow(t *testing.T) {
	p := NewPool(nil, 1, time.Minute)
	key := Key{Host: "mirror1", Port: "80"}

	c1, s1 := pipePair(t)
	defer s1.Close()
	c2, s2 := pipePair(t)
	defer s2.Close()
	defer c2.Close()

	p.Put(key, c1)
	p.Put(key, c2) // exceeds cap of 1, should be closed immediately

	_, err := c2.Write([]byte("x"))
	require.Error(t, err, "overflowed connection should already be closed")
}

func TestPoolReaperEvictsStaleConnections(t *testing.T) {
	p := NewPool(nil, 4, 10*time.Millisecond)
	key := Key{Host: "mirror1", Port: "80"}

	client, server := pipePair(t)
	defer server.Close()
	defer client.Close()

	p.Put(key, client)
	time.Sleep(30 * time.Millisecond)
	p.reapOnce()

	p.mu.Lock()
	n := len(p.buckets[key])
	p.mu.Unlock()
	require.Equal(t, 0, n)
}
