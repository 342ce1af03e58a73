package provider

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Throttle enforces a gateway's per-second, per-minute, and per-hour send
// budgets. Zero budgets mean unlimited at that granularity.
type Throttle struct {
	limiters []*rate.Limiter
}

func NewThrottle(perSecond, perMinute, perHour int) *Throttle {
	t := &Throttle{}
	if perSecond > 0 {
		t.limiters = append(t.limiters, rate.NewLimiter(rate.Limit(perSecond), perSecond))
	}
	if perMinute > 0 {
		t.limiters = append(t.limiters, rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute))
	}
	if perHour > 0 {
		t.limiters = append(t.limiters, rate.NewLimiter(rate.Every(time.Hour/time.Duration(perHour)), perHour))
	}
	return t
}

// Wait blocks until every budget permits one send, or ctx is done.
func (t *Throttle) Wait(ctx context.Context) error {
	for _, l := range t.limiters {
		if err := l.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}
