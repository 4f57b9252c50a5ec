package sync

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/time/rate"
)

// limiterBurst is the per-wait chunk granted by the rate limiter. Small
// enough to keep the observed rate smooth, large enough to avoid
// per-read limiter overhead dominating transfer time.
const limiterBurst = 256 * 1024

// NewBandwidthLimiter parses a human size string like "10MB" or "512KB"
// (bytes per second) into a limiter. Empty or "0" means unlimited (nil).
func NewBandwidthLimiter(limit string) (*rate.Limiter, error) {
	if limit == "" {
		return nil, nil
	}

	bytesPerSec, err := parseByteSize(limit)
	if err != nil {
		return nil, fmt.Errorf("sync: bandwidth limit %q: %w", limit, err)
	}

	if bytesPerSec == 0 {
		return nil, nil
	}

	burst := limiterBurst
	if bytesPerSec < int64(burst) {
		burst = int(bytesPerSec)
	}

	return rate.NewLimiter(rate.Limit(bytesPerSec), burst), nil
}

// limitedReader wraps r so reads wait on the limiter. A nil limiter
// passes reads through untouched.
type limitedReader struct {
	ctx     context.Context
	r       io.Reader
	limiter *rate.Limiter
}

// newLimitedReader wraps a transfer stream with the bandwidth limiter.
func newLimitedReader(ctx context.Context, r io.Reader, limiter *rate.Limiter) io.Reader {
	if limiter == nil {
		return r
	}

	return &limitedReader{ctx: ctx, r: r, limiter: limiter}
}

// Read caps each read at the limiter burst and waits for that many tokens
// before passing the data on.
func (lr *limitedReader) Read(p []byte) (int, error) {
	if len(p) > lr.limiter.Burst() {
		p = p[:lr.limiter.Burst()]
	}

	n, err := lr.r.Read(p)
	if n > 0 {
		if waitErr := lr.limiter.WaitN(lr.ctx, n); waitErr != nil {
			return n, waitErr
		}
	}

	return n, err
}

// parseByteSize parses "10MB", "512kb", or a bare byte count.
func parseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToUpper(s))

	multiplier := int64(1)

	switch {
	case strings.HasSuffix(s, "GB"):
		multiplier = 1 << 30
		s = strings.TrimSuffix(s, "GB")
	case strings.HasSuffix(s, "MB"):
		multiplier = 1 << 20
		s = strings.TrimSuffix(s, "MB")
	case strings.HasSuffix(s, "KB"):
		multiplier = 1 << 10
		s = strings.TrimSuffix(s, "KB")
	case strings.HasSuffix(s, "B"):
		s = strings.TrimSuffix(s, "B")
	}

	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, err
	}

	if n < 0 {
		return 0, fmt.Errorf("negative size")
	}

	return n * multiplier, nil
}
