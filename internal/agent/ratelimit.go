package agent

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// RateLimiter caps the aggregate bandwidth shared across every active
// downloader (§4.5.3). A RateLimiter with no inner limiter (built when
// maxdlspeed is unconfigured), or a nil *RateLimiter, short-circuits to
// an unlimited pass-through.
type RateLimiter struct {
	limiter *rate.Limiter
}

// NewRateLimiter builds a limiter capped at kibPerSecond KiB/s, burst
// sized to one second's worth of traffic. A kibPerSecond of 0 disables
// limiting entirely.
func NewRateLimiter(kibPerSecond int) *RateLimiter {
	if kibPerSecond <= 0 {
		return &RateLimiter{}
	}
	bytesPerSec := kibPerSecond * 1024
	return &RateLimiter{limiter: rate.NewLimiter(rate.Limit(bytesPerSec), bytesPerSec)}
}

// WaitN blocks until n bytes' worth of allowance is available. A no-op
// when limiting is disabled.
func (r *RateLimiter) WaitN(ctx context.Context, n int) error {
	if r == nil || r.limiter == nil {
		return nil
	}
	return r.limiter.WaitN(ctx, n)
}

// limitedReader throttles reads from an underlying body to the shared
// rate limiter, so every active download cooperatively shares the
// configured ceiling instead of each connection bursting independently.
type limitedReader struct {
	ctx  context.Context
	r    io.Reader
	rl   *RateLimiter
}

func newLimitedReader(ctx context.Context, r io.Reader, rl *RateLimiter) io.Reader {
	if rl == nil || rl.limiter == nil {
		return r
	}
	return &limitedReader{ctx: ctx, r: r, rl: rl}
}

func (l *limitedReader) Read(p []byte) (int, error) {
	// Bound each individual read so WaitN's burst parameter (one
	// second's allowance) stays meaningful even for a huge buffer.
	const maxChunk = 32 * 1024
	if len(p) > maxChunk {
		p = p[:maxChunk]
	}
	if b := l.rl.limiter.Burst(); len(p) > b {
		p = p[:b]
	}
	n, err := l.r.Read(p)
	if n > 0 {
		if werr := l.rl.WaitN(l.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}
