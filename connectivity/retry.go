package connectivity

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// routeConfig is parsed from the route config JSON.
type routeConfig struct {
	TimeoutMs        int64 `json:"timeout_ms"`
	MaxRetries       int   `json:"max_retries"`
	BackoffMs        int64 `json:"backoff_ms"`
	BreakerThreshold int   `json:"breaker_threshold"`
	BreakerResetMs   int64 `json:"breaker_reset_ms"`
}

func parseRouteConfig(cfg json.RawMessage) routeConfig {
	var rc routeConfig
	if len(cfg) > 0 {
		_ = json.Unmarshal(cfg, &rc)
	}
	return rc
}

func (rc routeConfig) timeout() time.Duration {
	return time.Duration(rc.TimeoutMs) * time.Millisecond
}

func (rc routeConfig) backoff() time.Duration {
	if rc.BackoffMs <= 0 {
		return 100 * time.Millisecond
	}
	return time.Duration(rc.BackoffMs) * time.Millisecond
}

func (rc routeConfig) breakerReset() time.Duration {
	if rc.BreakerResetMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(rc.BreakerResetMs) * time.Millisecond
}

// WithRetry returns a HandlerMiddleware that retries failed calls with
// exponential backoff. It respects context cancellation between retries
// and only retries outages: never a 4xx answer, an open circuit or a panic.
func WithRetry(maxRetries int, baseBackoff time.Duration, logger *slog.Logger) HandlerMiddleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, payload []byte) ([]byte, error) {
			var lastErr error
			for attempt := 0; attempt <= maxRetries; attempt++ {
				resp, err := next(ctx, payload)
				if err == nil {
					return resp, nil
				}
				lastErr = err

				if ctx.Err() != nil || !retryable(err) {
					return nil, lastErr
				}

				if attempt < maxRetries {
					wait := baseBackoff * (1 << uint(attempt))
					if logger != nil {
						logger.WarnContext(ctx, "retrying call",
							"attempt", attempt+1,
							"max_retries", maxRetries,
							"backoff_ms", wait.Milliseconds(),
							"failure", Classify(err),
							"error", err)
					}
					select {
					case <-ctx.Done():
						return nil, lastErr
					case <-time.After(wait):
					}
				}
			}
			return nil, lastErr
		}
	}
}

func retryable(err error) bool {
	return Classify(err) == FailureUnavailable
}
