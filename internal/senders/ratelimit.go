package senders

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// sendLimiter paces outbound API calls per platform so one busy tenant
// cannot trip platform-wide rate limits for everyone.
type sendLimiter struct {
	limiter *rate.Limiter
}

// newSendLimiter allows `rps` sends per second with a small burst.
func newSendLimiter(rps float64) *sendLimiter {
	if rps <= 0 {
		rps = 5
	}
	return &sendLimiter{limiter: rate.NewLimiter(rate.Limit(rps), 5)}
}

// wait blocks until a send slot is available or the context is done.
func (l *sendLimiter) wait(ctx context.Context) error {
	if err := l.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("send rate limit: %w", err)
	}
	return nil
}
