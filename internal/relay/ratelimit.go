package relay

import (
	"context"

	"golang.org/x/time/rate"
)

// limitedEndpoint applies a token-bucket cap to each direction of an
// endpoint. The burst matches the copy buffer so a full read is never
// split by the limiter.
type limitedEndpoint struct {
	Endpoint
	ctx     context.Context
	limiter *rate.Limiter
}

// limitEndpoint wraps ep so reads and writes together stay under
// bytesPerSecond.
func limitEndpoint(ctx context.Context, ep Endpoint, bytesPerSecond int64) Endpoint {
	if bytesPerSecond <= 0 {
		return ep
	}
	burst := DefaultBufferSize
	if int64(burst) > bytesPerSecond {
		burst = int(bytesPerSecond)
	}
	return &limitedEndpoint{
		Endpoint: ep,
		ctx:      ctx,
		limiter:  rate.NewLimiter(rate.Limit(bytesPerSecond), burst),
	}
}

func (l *limitedEndpoint) Read(p []byte) (int, error) {
	if len(p) > l.limiter.Burst() {
		p = p[:l.limiter.Burst()]
	}
	n, err := l.Endpoint.Read(p)
	if n > 0 {
		if waitErr := l.limiter.WaitN(l.ctx, n); waitErr != nil {
			return n, waitErr
		}
	}
	return n, err
}

func (l *limitedEndpoint) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > l.limiter.Burst() {
			chunk = chunk[:l.limiter.Burst()]
		}
		if err := l.limiter.WaitN(l.ctx, len(chunk)); err != nil {
			return written, err
		}
		n, err := l.Endpoint.Write(chunk)
		written += n
		if err != nil {
			return written, err
		}
		p = p[n:]
	}
	return written, nil
}
