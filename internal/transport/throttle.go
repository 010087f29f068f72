package transport

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"dev.c0redev.blockwire/internal/region"
)

// Throttle is a Channel that accepts only as many bytes as its token bucket
// holds and reports 0 when empty, the same way a full socket buffer would.
type Throttle struct {
	w      region.Channel
	lim    *rate.Limiter
	credit int
}

// NewThrottle limits w to bytesPerSec with the given burst (<= 0 = one second's worth).
func NewThrottle(w region.Channel, bytesPerSec float64, burst int) *Throttle {
	if burst <= 0 {
		burst = int(bytesPerSec)
	}
	if burst < 1 {
		burst = 1
	}
	return &Throttle{w: w, lim: rate.NewLimiter(rate.Limit(bytesPerSec), burst)}
}

func (t *Throttle) Write(p []byte) (int, error) {
	now := time.Now()
	avail := int(t.lim.TokensAt(now)) + t.credit
	if avail <= 0 || len(p) == 0 {
		return 0, nil
	}
	if len(p) > avail {
		p = p[:avail]
	}
	n, err := t.w.Write(p)
	if fromBucket := n - t.credit; fromBucket > 0 {
		t.lim.AllowN(now, fromBucket)
		t.credit = 0
	} else {
		t.credit -= n
	}
	return n, err
}

// Wait blocks until at least one byte may be written.
func (t *Throttle) Wait(ctx context.Context) error {
	if t.credit > 0 {
		return nil
	}
	if err := t.lim.WaitN(ctx, 1); err != nil {
		return err
	}
	t.credit = 1
	return nil
}

// Unwrap returns the throttled channel.
func (t *Throttle) Unwrap() region.Channel { return t.w }
