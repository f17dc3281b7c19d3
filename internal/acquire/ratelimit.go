package acquire

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// limitedReader caps throughput at the limiter's rate. Reads are shortened
// to the limiter's burst so WaitN never fails on an oversized request.
type limitedReader struct {
	ctx context.Context
	r   io.Reader
	lim *rate.Limiter
}

func newLimitedReader(ctx context.Context, r io.Reader, bytesPerSec int64) io.Reader {
	if bytesPerSec <= 0 {
		return r
	}
	burst := int(bytesPerSec)
	if burst > 1<<20 {
		burst = 1 << 20
	}
	return &limitedReader{ctx: ctx, r: r, lim: rate.NewLimiter(rate.Limit(bytesPerSec), burst)}
}

func (l *limitedReader) Read(p []byte) (int, error) {
	if b := l.lim.Burst(); len(p) > b {
		p = p[:b]
	}
	n, err := l.r.Read(p)
	if n > 0 {
		if werr := l.lim.WaitN(l.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}
