// Package connectivity routes named service calls to a handler, either an
// in-process function or a remote transport, with the per-route call policy
// (timeout, retry, circuit breaker) built from the route's config JSON.
//
// selfheal uses it to reach the remote healing service: every remote
// operation (init, token, log, heal, poll) is a named service whose
// endpoint can be repointed from configuration or from a SQLite routes
// table without touching the client.
//
//	router := connectivity.New()
//	router.RegisterTransport("http", connectivity.HTTPFactory())
//	router.Apply(ctx, []connectivity.Route{{Service: "selfheal.poll", Strategy: "http", Endpoint: url}})
//	resp, err := router.Call(ctx, "selfheal.poll", payload)
package connectivity

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hazyhaar/selfheal/observability"
)

// Handler is a transport-agnostic service function: bytes in, bytes out.
// Both local Go functions and remote clients implement this signature.
type Handler func(ctx context.Context, payload []byte) ([]byte, error)

// TransportFactory creates a Handler for a given remote endpoint.
// The returned close function is called when the route is removed or
// replaced; it may be nil.
type TransportFactory func(endpoint string, config json.RawMessage) (handler Handler, close func(), err error)

// Route maps a service name to a dispatch strategy.
//
// Strategies:
//   - "local": dispatch to a handler registered via RegisterLocal.
//   - "http":  dispatch via the HTTP transport factory.
//   - "noop":  silently succeed without doing anything.
type Route struct {
	Service  string
	Strategy string
	Endpoint string
	Config   json.RawMessage
}

// fingerprint returns a string that changes when the route config changes.
func (rt Route) fingerprint() string {
	return rt.Strategy + "|" + rt.Endpoint + "|" + string(rt.Config)
}

// remoteEntry holds a handler and its optional cleanup function.
type remoteEntry struct {
	handler Handler
	close   func()
}

// Router dispatches service calls. Thread-safe: reads use RLock,
// route changes use full Lock.
type Router struct {
	mu            sync.RWMutex
	localHandlers map[string]Handler
	remoteEntries map[string]remoteEntry
	routeSnap     map[string]Route
	factories     map[string]TransportFactory
	breakers      map[string]*CircuitBreaker
	metrics       *observability.MetricsManager
	logger        *slog.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets a custom logger for the router.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// WithMetrics records call durations and errors for every remote route.
func WithMetrics(mm *observability.MetricsManager) Option {
	return func(r *Router) { r.metrics = mm }
}

// New creates a Router with no routes.
func New(opts ...Option) *Router {
	r := &Router{
		localHandlers: make(map[string]Handler),
		remoteEntries: make(map[string]remoteEntry),
		routeSnap:     make(map[string]Route),
		factories:     make(map[string]TransportFactory),
		breakers:      make(map[string]*CircuitBreaker),
		logger:        slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// RegisterLocal registers an in-process handler for a service.
func (r *Router) RegisterLocal(service string, h Handler) {
	r.mu.Lock()
	r.localHandlers[service] = h
	r.mu.Unlock()
}

// RegisterTransport registers a factory for a transport protocol ("http").
func (r *Router) RegisterTransport(protocol string, f TransportFactory) {
	r.mu.Lock()
	r.factories[protocol] = f
	r.mu.Unlock()
}

// Call dispatches a service call. The resolution order is:
//  1. Noop route: silently succeeds.
//  2. Remote route.
//  3. Local handler.
//  4. ErrServiceNotFound.
func (r *Router) Call(ctx context.Context, service string, payload []byte) ([]byte, error) {
	r.mu.RLock()
	entry, hasRemote := r.remoteEntries[service]
	localH := r.localHandlers[service]
	snap, hasRoute := r.routeSnap[service]
	r.mu.RUnlock()

	if hasRoute && snap.Strategy == "noop" {
		r.logger.DebugContext(ctx, "routing noop", "service", service)
		return nil, nil
	}

	if hasRemote {
		r.logger.DebugContext(ctx, "routing remote",
			"service", service, "strategy", snap.Strategy, "endpoint", snap.Endpoint)
		return entry.handler(ctx, payload)
	}

	if localH != nil {
		r.logger.DebugContext(ctx, "routing local", "service", service)
		return localH(ctx, payload)
	}

	return nil, &ErrServiceNotFound{Service: service}
}

// Apply replaces the route set. Only routes whose (strategy, endpoint,
// config) changed are rebuilt; unchanged routes keep their handler and
// connections. Routes whose factory is missing or fails are skipped and
// logged, so one bad route never disables the others.
func (r *Router) Apply(ctx context.Context, routes []Route) {
	newRoutes := make(map[string]Route, len(routes))
	for _, rt := range routes {
		newRoutes[rt.Service] = rt
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	newEntries := make(map[string]remoteEntry, len(newRoutes))
	for name, rt := range newRoutes {
		switch rt.Strategy {
		case "local", "noop":
			continue
		}

		if old, ok := r.routeSnap[name]; ok && old.fingerprint() == rt.fingerprint() {
			if existing, exists := r.remoteEntries[name]; exists {
				newEntries[name] = existing
				continue
			}
		}

		factory, ok := r.factories[rt.Strategy]
		if !ok {
			r.logger.WarnContext(ctx, "no transport factory for strategy",
				"service", name, "strategy", rt.Strategy)
			continue
		}

		h, closeFn, err := factory(rt.Endpoint, rt.Config)
		if err != nil {
			r.logger.ErrorContext(ctx, "factory failed",
				"service", name, "strategy", rt.Strategy,
				"endpoint", rt.Endpoint, "error", &ErrFactoryFailed{
					Service: name, Strategy: rt.Strategy, Endpoint: rt.Endpoint, Cause: err,
				})
			continue
		}
		newEntries[name] = remoteEntry{handler: r.policyLocked(rt)(h), close: closeFn}
		r.logger.InfoContext(ctx, "route built",
			"service", name, "strategy", rt.Strategy, "endpoint", rt.Endpoint)
	}

	for name, old := range r.remoteEntries {
		if old.close == nil {
			continue
		}
		if _, stillExists := newEntries[name]; !stillExists {
			old.close()
			continue
		}
		if r.routeSnap[name].fingerprint() != newRoutes[name].fingerprint() {
			old.close()
		}
	}

	r.remoteEntries = newEntries
	r.routeSnap = newRoutes
}

// policyLocked builds the middleware chain for a remote route from its
// config JSON. Breakers survive route rebuilds so a flapping endpoint
// stays tripped. Must be called with mu held.
func (r *Router) policyLocked(rt Route) HandlerMiddleware {
	pc := parseRouteConfig(rt.Config)

	mws := []HandlerMiddleware{Recovery(r.logger)}
	if r.metrics != nil {
		mws = append(mws, WithObservability(r.metrics, rt.Service, rt.Strategy))
	}
	mws = append(mws, WithCallLogging(r.logger, rt.Service))
	if pc.BreakerThreshold > 0 {
		cb, ok := r.breakers[rt.Service]
		if !ok {
			cb = NewCircuitBreaker(
				WithBreakerThreshold(pc.BreakerThreshold),
				WithBreakerResetTimeout(pc.breakerReset()))
			r.breakers[rt.Service] = cb
		}
		mws = append(mws, WithCircuitBreaker(cb, rt.Service))
	}
	if pc.MaxRetries > 0 {
		mws = append(mws, WithRetry(pc.MaxRetries, pc.backoff(), r.logger))
	}
	if pc.TimeoutMs > 0 {
		mws = append(mws, Timeout(pc.timeout()))
	}
	return Chain(mws...)
}

// Reload reads the routes table from db and applies it.
func (r *Router) Reload(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx,
		`SELECT service_name, strategy, COALESCE(endpoint, ''), COALESCE(config, '{}') FROM routes`)
	if err != nil {
		return fmt.Errorf("connectivity: query routes: %w", err)
	}
	defer rows.Close()

	var routes []Route
	for rows.Next() {
		var rt Route
		var cfgStr string
		if err := rows.Scan(&rt.Service, &rt.Strategy, &rt.Endpoint, &cfgStr); err != nil {
			return fmt.Errorf("connectivity: scan route: %w", err)
		}
		rt.Config = json.RawMessage(cfgStr)
		routes = append(routes, rt)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("connectivity: rows: %w", err)
	}

	r.Apply(ctx, routes)
	r.logger.InfoContext(ctx, "routes reloaded", "total", len(routes))
	return nil
}

// Routes returns a copy of the current route set.
func (r *Router) Routes() []Route {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Route, 0, len(r.routeSnap))
	for _, rt := range r.routeSnap {
		out = append(out, rt)
	}
	return out
}

// Close shuts down all remote handlers.
func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, entry := range r.remoteEntries {
		if entry.close != nil {
			entry.close()
		}
	}
	r.remoteEntries = make(map[string]remoteEntry)
	r.routeSnap = make(map[string]Route)
	return nil
}
