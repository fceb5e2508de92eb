// Package healclient talks to the remote healing service. Every remote
// operation is a named connectivity service, so its endpoint and call
// policy (timeout, retries, breaker) can be repointed per service.
package healclient

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hazyhaar/selfheal/connectivity"
	"github.com/hazyhaar/selfheal/horosafe"
	"github.com/hazyhaar/selfheal/observability"
)

// Service names routed through connectivity.
const (
	ServiceInit  = "selfheal.init"
	ServiceToken = "selfheal.token"
	ServiceLog   = "selfheal.log"
	ServiceHeal  = "selfheal.heal"
	ServicePoll  = "selfheal.poll"
)

// Version is sent as client_version on init.
const Version = "1.4.0"

// Config configures a Client.
type Config struct {
	// Endpoint is the service base URL; operations live under /v1/.
	Endpoint      string
	ClientVersion string
	// Timeout bounds one remote call. Default: 10s.
	Timeout time.Duration
	// MaxRetries applies to token, log, heal and poll. Init is never
	// retried here.
	MaxRetries       int
	BreakerThreshold int
	// AllowPrivate disables the SSRF guard (local stubs, tests).
	AllowPrivate bool
	Logger       *slog.Logger
	Metrics      *observability.MetricsManager
}

func (c *Config) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.ClientVersion == "" {
		c.ClientVersion = Version
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	c.Endpoint = strings.TrimRight(c.Endpoint, "/")
}

// Client is safe for concurrent use.
type Client struct {
	cfg    Config
	router *connectivity.Router
	logger *slog.Logger
}

// New builds a Client and routes every service to cfg.Endpoint.
func New(cfg Config) (*Client, error) {
	cfg.defaults()
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("healclient: endpoint is required")
	}
	var urlOpts []horosafe.URLOption
	if cfg.AllowPrivate {
		urlOpts = append(urlOpts, horosafe.AllowPrivate())
	}
	if err := horosafe.ValidateURL(cfg.Endpoint, urlOpts...); err != nil {
		return nil, fmt.Errorf("healclient: endpoint: %w", err)
	}

	router := connectivity.New(
		connectivity.WithLogger(cfg.Logger),
		connectivity.WithMetrics(cfg.Metrics),
	)
	httpOpts := []connectivity.HTTPOption{
		connectivity.WithHeader("X-Selfheal-Client", "selfheal-go/"+cfg.ClientVersion),
	}
	if cfg.AllowPrivate {
		httpOpts = append(httpOpts, connectivity.WithPrivateEndpoints())
	}
	router.RegisterTransport("http", connectivity.HTTPFactory(httpOpts...))

	router.Apply(context.Background(), DefaultRoutes(cfg))
	return &Client{cfg: cfg, router: router, logger: cfg.Logger}, nil
}

// DefaultRoutes maps each service to <endpoint>/v1/<op>.
func DefaultRoutes(cfg Config) []connectivity.Route {
	ops := []struct {
		service, path string
		retries       int
	}{
		{ServiceInit, "init", 0},
		{ServiceToken, "token", cfg.MaxRetries},
		{ServiceLog, "log", cfg.MaxRetries},
		{ServiceHeal, "heal", cfg.MaxRetries},
		{ServicePoll, "poll", 0},
	}
	routes := make([]connectivity.Route, 0, len(ops))
	for _, op := range ops {
		policy := map[string]int64{"timeout_ms": cfg.Timeout.Milliseconds()}
		if op.retries > 0 {
			policy["max_retries"] = int64(op.retries)
		}
		if cfg.BreakerThreshold > 0 && op.service != ServiceInit {
			policy["breaker_threshold"] = int64(cfg.BreakerThreshold)
		}
		raw, _ := json.Marshal(policy)
		routes = append(routes, connectivity.Route{
			Service:  op.service,
			Strategy: "http",
			Endpoint: cfg.Endpoint + "/v1/" + op.path,
			Config:   raw,
		})
	}
	return routes
}

// Reload overlays the routes table in db on top of the default routes.
func (c *Client) Reload(ctx context.Context, db *sql.DB) error {
	overrides, err := loadOverrides(ctx, db)
	if err != nil {
		return err
	}
	routes := DefaultRoutes(c.cfg)
	for i, rt := range routes {
		if o, ok := overrides[rt.Service]; ok {
			routes[i] = o
			delete(overrides, rt.Service)
		}
	}
	for _, o := range overrides {
		routes = append(routes, o)
	}
	c.router.Apply(ctx, routes)
	c.logger.InfoContext(ctx, "healclient: routes reloaded", "total", len(routes))
	return nil
}

func loadOverrides(ctx context.Context, db *sql.DB) (map[string]connectivity.Route, error) {
	tmp := connectivity.New(connectivity.WithLogger(slog.New(slog.DiscardHandler)))
	defer tmp.Close()
	if err := tmp.Reload(ctx, db); err != nil {
		return nil, fmt.Errorf("healclient: reload: %w", err)
	}
	out := make(map[string]connectivity.Route)
	for _, rt := range tmp.Routes() {
		out[rt.Service] = rt
	}
	return out, nil
}

// Router exposes the underlying router, e.g. to register local handlers.
func (c *Client) Router() *connectivity.Router { return c.router }

// Close releases transport resources.
func (c *Client) Close() error { return c.router.Close() }

func (c *Client) call(ctx context.Context, service string, req, resp any) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("healclient: %s: encode: %w", service, err)
	}
	body, err := c.router.Call(ctx, service, payload)
	if err != nil {
		return fmt.Errorf("healclient: %s: %w", service, err)
	}
	if resp == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, resp); err != nil {
		return fmt.Errorf("healclient: %s: decode: %w", service, err)
	}
	return nil
}

// Init authenticates user/key. Non-2xx answers surface as
// *connectivity.ErrHTTPStatus in the error chain.
func (c *Client) Init(ctx context.Context, user, key string) (*InitResponse, error) {
	var resp InitResponse
	err := c.call(ctx, ServiceInit, InitRequest{
		User:          user,
		Key:           key,
		Endpoint:      c.cfg.Endpoint,
		ClientVersion: c.cfg.ClientVersion,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// SetToken binds a session to a healing token.
func (c *Client) SetToken(ctx context.Context, sessionID, token string) error {
	return c.call(ctx, ServiceToken, TokenRequest{SessionID: sessionID, Token: token}, nil)
}

// LogData reports a lookup and returns the capture script to run in the
// session, or "" when none is needed.
func (c *Client) LogData(ctx context.Context, r LocatorReport) (string, error) {
	var d Directive
	if err := c.call(ctx, ServiceLog, r, &d); err != nil {
		return "", err
	}
	return RenderScript(d, r), nil
}

// HealFailure asks the service to heal a failed lookup and returns the
// capture script to run, or "" when the service declines.
func (c *Client) HealFailure(ctx context.Context, r LocatorReport) (string, error) {
	r.Failed = true
	var d Directive
	if err := c.call(ctx, ServiceHeal, r, &d); err != nil {
		return "", err
	}
	return RenderScript(d, r), nil
}

// Poll asks once for the healed locator. It returns nil, nil while the
// service is still working.
func (c *Client) Poll(ctx context.Context, sessionID, token string) (*HealedLocator, error) {
	var resp PollResponse
	if err := c.call(ctx, ServicePoll, PollRequest{SessionID: sessionID, Token: token}, &resp); err != nil {
		return nil, err
	}
	if !resp.Ready || resp.Selector == "" {
		return nil, nil
	}
	return &HealedLocator{Selector: resp.Selector, Value: resp.Value}, nil
}

// StatusCode extracts the HTTP status from an error returned by Client,
// or 0 when the call never got an HTTP answer.
func StatusCode(err error) int {
	var status *connectivity.ErrHTTPStatus
	if errors.As(err, &status) {
		return status.Code
	}
	return 0
}
