package connectivity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hazyhaar/selfheal/horosafe"
)

// maxHTTPResponseBody caps the amount of response data read from remote
// HTTP endpoints (10 MiB).
const maxHTTPResponseBody int64 = 10 << 20

// httpConfig is the per-route config parsed from the route config JSON.
type httpConfig struct {
	ContentType string `json:"content_type"`
}

type httpOptions struct {
	allowPrivate bool
	headers      http.Header
	client       *http.Client
}

// HTTPOption configures HTTPFactory.
type HTTPOption func(*httpOptions)

// WithPrivateEndpoints disables the SSRF guard. Only for local stubs and
// tests.
func WithPrivateEndpoints() HTTPOption {
	return func(o *httpOptions) { o.allowPrivate = true }
}

// WithHeader adds a header to every request.
func WithHeader(key, value string) HTTPOption {
	return func(o *httpOptions) {
		if o.headers == nil {
			o.headers = make(http.Header)
		}
		o.headers.Add(key, value)
	}
}

// WithHTTPClient sets the client used for requests. Per-call deadlines
// come from the route's timeout_ms, not from the client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(o *httpOptions) { o.client = c }
}

// HTTPFactory creates Handlers that POST the payload to a remote HTTP
// endpoint. Non-2xx responses become *ErrHTTPStatus so callers can tell
// 4xx from 5xx.
//
// SSRF prevention: the endpoint URL is validated against private/loopback
// addresses at factory creation time unless WithPrivateEndpoints is set.
func HTTPFactory(opts ...HTTPOption) TransportFactory {
	o := httpOptions{}
	for _, fn := range opts {
		fn(&o)
	}
	return func(endpoint string, config json.RawMessage) (Handler, func(), error) {
		var urlOpts []horosafe.URLOption
		if o.allowPrivate {
			urlOpts = append(urlOpts, horosafe.AllowPrivate())
		}
		if err := horosafe.ValidateURL(endpoint, urlOpts...); err != nil {
			return nil, nil, fmt.Errorf("connectivity/http: %w", err)
		}

		var cfg httpConfig
		if len(config) > 0 {
			_ = json.Unmarshal(config, &cfg)
		}
		contentType := "application/json"
		if cfg.ContentType != "" {
			contentType = cfg.ContentType
		}

		client := o.client
		if client == nil {
			client = &http.Client{Timeout: 60 * time.Second}
		}

		handler := func(ctx context.Context, payload []byte) ([]byte, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
			if err != nil {
				return nil, fmt.Errorf("connectivity/http: create request: %w", err)
			}
			req.Header.Set("Content-Type", contentType)
			for k, vs := range o.headers {
				for _, v := range vs {
					req.Header.Add(k, v)
				}
			}

			resp, err := client.Do(req)
			if err != nil {
				return nil, fmt.Errorf("connectivity/http: do request: %w", err)
			}
			defer resp.Body.Close()

			body, err := horosafe.LimitedReadAll(resp.Body, maxHTTPResponseBody)
			if err != nil {
				return nil, fmt.Errorf("connectivity/http: read response: %w", err)
			}

			if resp.StatusCode < 200 || resp.StatusCode >= 300 {
				return nil, &ErrHTTPStatus{Code: resp.StatusCode, Body: string(body)}
			}
			return body, nil
		}

		closeFn := func() {
			client.CloseIdleConnections()
		}

		return handler, closeFn, nil
	}
}
