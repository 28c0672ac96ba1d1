package exchange

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// DefaultSubscribeInterval is the minimum spacing between two subscribe
// requests on one connection.
const DefaultSubscribeInterval = 300 * time.Millisecond

// Throttle spaces out subscribe requests.
type Throttle struct {
	limiter *rate.Limiter
}

func NewThrottle(interval time.Duration) *Throttle {
	return &Throttle{limiter: rate.NewLimiter(rate.Every(durationOr(interval, DefaultSubscribeInterval)), 1)}
}

// Wait blocks until the next request may be sent.
func (t *Throttle) Wait(ctx context.Context) error {
	return t.limiter.Wait(ctx)
}
