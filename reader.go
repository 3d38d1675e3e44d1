package video_archiver

import (
	"context"
	"io"
)

// NewContextReader wraps r so that reads fail as soon as ctx is cancelled, making
// io.Copy over a network stream interruptible at read granularity.
func NewContextReader(ctx context.Context, r io.Reader) io.Reader {
	return &readerContext{ctx: ctx, r: r}
}

type readerContext struct {
	ctx context.Context
	r   io.Reader
}

func (r *readerContext) Read(p []byte) (n int, err error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}
