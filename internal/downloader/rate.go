package downloader

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// newRateLimitedReader wraps r so that reads consume tokens from the shared byte
// budget before delivering data downstream.
func newRateLimitedReader(ctx context.Context, r io.Reader, limiter *rate.Limiter) io.Reader {
	return &rateLimitedReader{ctx: ctx, r: r, limiter: limiter}
}

type rateLimitedReader struct {
	ctx     context.Context
	r       io.Reader
	limiter *rate.Limiter
}

func (r *rateLimitedReader) Read(p []byte) (int, error) {
	if burst := r.limiter.Burst(); len(p) > burst {
		p = p[:burst]
	}
	n, err := r.r.Read(p)
	if n > 0 {
		if waitErr := r.limiter.WaitN(r.ctx, n); waitErr != nil {
			return n, waitErr
		}
	}
	return n, err
}
