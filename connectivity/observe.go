package connectivity

import (
	"context"
	"log/slog"
	"time"

	"github.com/hazyhaar/selfheal/observability"
)

// WithObservability returns a HandlerMiddleware that records call duration
// and errors in the metrics store. Labels carry service and strategy.
func WithObservability(mm *observability.MetricsManager, service, strategy string) HandlerMiddleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, payload []byte) ([]byte, error) {
			start := time.Now()
			resp, err := next(ctx, payload)

			labels := map[string]string{"service": service, "strategy": strategy}
			mm.Record(&observability.Metric{
				Name:      observability.MetricCallDurationMs,
				Timestamp: start,
				Value:     float64(time.Since(start).Milliseconds()),
				Labels:    labels,
				Unit:      "milliseconds",
			})
			if err != nil {
				mm.Record(&observability.Metric{
					Name:      observability.MetricCallError,
					Timestamp: start,
					Value:     1,
					Labels: map[string]string{
						"service": service, "strategy": strategy, "failure": string(Classify(err)),
					},
					Unit: "count",
				})
			}
			return resp, err
		}
	}
}

// WithCallLogging returns a HandlerMiddleware that logs every call with
// duration and sizes. Outages log at warn. Answers the service chose to
// give (4xx, upgrade required) and cancellations log at info.
func WithCallLogging(logger *slog.Logger, service string) HandlerMiddleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, payload []byte) ([]byte, error) {
			start := time.Now()
			resp, err := next(ctx, payload)
			dur := time.Since(start)

			if err != nil {
				f := Classify(err)
				level := slog.LevelInfo
				if f.Outage() || f == FailureCircuitOpen {
					level = slog.LevelWarn
				}
				logger.Log(ctx, level, "connectivity: call failed",
					"service", service,
					"failure", f,
					"duration_ms", dur.Milliseconds(),
					"payload_bytes", len(payload),
					"error", err)
			} else {
				logger.DebugContext(ctx, "connectivity: call ok",
					"service", service,
					"duration_ms", dur.Milliseconds(),
					"payload_bytes", len(payload),
					"response_bytes", len(resp))
			}
			return resp, err
		}
	}
}
