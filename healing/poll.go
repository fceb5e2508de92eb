package healing

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/hazyhaar/selfheal/healclient"
)

// PollPolicy bounds POLL_RESULT by attempt count and wall-clock time.
type PollPolicy struct {
	MaxAttempts int
	Interval    time.Duration
	Timeout     time.Duration
}

// DefaultPollPolicy: 10 polls, 1s apart, 15s overall.
func DefaultPollPolicy() PollPolicy {
	return PollPolicy{MaxAttempts: 10, Interval: time.Second, Timeout: 15 * time.Second}
}

func (p PollPolicy) normalize() PollPolicy {
	d := DefaultPollPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.Interval < 0 {
		p.Interval = 0
	}
	if p.Timeout <= 0 {
		p.Timeout = d.Timeout
	}
	return p
}

// pollHealed polls until the service returns a healed locator or the
// policy is exhausted. Exhaustion, including the wall-clock timeout,
// yields nil, nil. A poll error or cancellation of ctx is returned.
func (h *Healer) pollHealed(ctx context.Context, sessionID, token string) (*healclient.HealedLocator, int, error) {
	p := h.poll
	pctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	limit := rate.Inf
	if p.Interval > 0 {
		limit = rate.Every(p.Interval)
	}
	lim := rate.NewLimiter(limit, 1)

	attempts := 0
	for attempts < p.MaxAttempts {
		if err := lim.Wait(pctx); err != nil {
			return nil, attempts, ctx.Err()
		}
		attempts++
		healed, err := h.remote.Poll(pctx, sessionID, token)
		if err != nil {
			if ctx.Err() == nil && pctx.Err() != nil {
				return nil, attempts, nil
			}
			return nil, attempts, err
		}
		if healed != nil {
			return healed, attempts, nil
		}
	}
	return nil, attempts, nil
}
