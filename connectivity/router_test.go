package connectivity

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/selfheal/dbopen"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db := dbopen.OpenMemory(t)
	if err := Init(db); err != nil {
		t.Fatalf("init schema: %v", err)
	}
	return db
}

func echoFactory(built *int32) TransportFactory {
	return func(endpoint string, config json.RawMessage) (Handler, func(), error) {
		if built != nil {
			atomic.AddInt32(built, 1)
		}
		return func(ctx context.Context, payload []byte) ([]byte, error) {
			return []byte("remote:" + endpoint), nil
		}, nil, nil
	}
}

func TestRegisterLocal_and_Call(t *testing.T) {
	r := New()
	r.RegisterLocal("selfheal.poll", func(ctx context.Context, payload []byte) ([]byte, error) {
		return payload, nil
	})

	resp, err := r.Call(context.Background(), "selfheal.poll", []byte("hello"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(resp) != "hello" {
		t.Fatalf("got %q, want %q", resp, "hello")
	}
}

func TestCall_ServiceNotFound(t *testing.T) {
	r := New()
	_, err := r.Call(context.Background(), "selfheal.heal", nil)
	var snf *ErrServiceNotFound
	if !errors.As(err, &snf) {
		t.Fatalf("expected ErrServiceNotFound, got %T: %v", err, err)
	}
	if snf.Service != "selfheal.heal" {
		t.Fatalf("got service %q", snf.Service)
	}
}

func TestApply_NoopStrategy(t *testing.T) {
	r := New()
	r.RegisterLocal("selfheal.log", func(ctx context.Context, payload []byte) ([]byte, error) {
		t.Fatal("local handler should not be called for noop")
		return nil, nil
	})
	r.Apply(context.Background(), []Route{{Service: "selfheal.log", Strategy: "noop"}})

	resp, err := r.Call(context.Background(), "selfheal.log", []byte("x"))
	if err != nil || resp != nil {
		t.Fatalf("noop: got %q, %v", resp, err)
	}
}

func TestApply_RemoteOverridesLocal(t *testing.T) {
	r := New()
	r.RegisterLocal("selfheal.heal", func(ctx context.Context, payload []byte) ([]byte, error) {
		return []byte("local"), nil
	})
	r.RegisterTransport("http", echoFactory(nil))
	r.Apply(context.Background(), []Route{{Service: "selfheal.heal", Strategy: "http", Endpoint: "http://a"}})

	resp, err := r.Call(context.Background(), "selfheal.heal", nil)
	if err != nil {
		t.Fatal(err)
	}
	if string(resp) != "remote:http://a" {
		t.Fatalf("expected remote to override local, got %q", resp)
	}
}

func TestApply_UnchangedRoutePreservesHandler(t *testing.T) {
	r := New()
	var built int32
	r.RegisterTransport("http", echoFactory(&built))
	routes := []Route{{Service: "svc", Strategy: "http", Endpoint: "http://a"}}

	r.Apply(context.Background(), routes)
	r.Apply(context.Background(), routes)
	if c := atomic.LoadInt32(&built); c != 1 {
		t.Fatalf("expected 1 build, got %d", c)
	}
}

func TestApply_ChangedRouteClosesOld(t *testing.T) {
	r := New()
	closed := false
	r.RegisterTransport("http", func(endpoint string, config json.RawMessage) (Handler, func(), error) {
		return func(ctx context.Context, payload []byte) ([]byte, error) {
			return []byte(endpoint), nil
		}, func() { closed = true }, nil
	})

	r.Apply(context.Background(), []Route{{Service: "svc", Strategy: "http", Endpoint: "http://old"}})
	r.Apply(context.Background(), []Route{{Service: "svc", Strategy: "http", Endpoint: "http://new"}})

	if !closed {
		t.Fatal("old handler close function not called")
	}
	resp, err := r.Call(context.Background(), "svc", nil)
	if err != nil {
		t.Fatal(err)
	}
	if string(resp) != "http://new" {
		t.Fatalf("expected new endpoint, got %q", resp)
	}
}

func TestApply_FactoryFailureSkipsOnlyThatRoute(t *testing.T) {
	r := New()
	r.RegisterTransport("http", func(endpoint string, config json.RawMessage) (Handler, func(), error) {
		if endpoint == "http://bad" {
			return nil, nil, errors.New("boom")
		}
		return echoFactory(nil)(endpoint, config)
	})
	r.Apply(context.Background(), []Route{
		{Service: "bad", Strategy: "http", Endpoint: "http://bad"},
		{Service: "good", Strategy: "http", Endpoint: "http://good"},
	})

	if _, err := r.Call(context.Background(), "bad", nil); err == nil {
		t.Fatal("expected error for failed route")
	}
	if _, err := r.Call(context.Background(), "good", nil); err != nil {
		t.Fatalf("sibling route broken: %v", err)
	}
}

func TestApply_RouteConfigRetries(t *testing.T) {
	r := New()
	var calls int32
	r.RegisterTransport("http", func(endpoint string, config json.RawMessage) (Handler, func(), error) {
		return func(ctx context.Context, payload []byte) ([]byte, error) {
			if atomic.AddInt32(&calls, 1) < 3 {
				return nil, &ErrHTTPStatus{Code: 503}
			}
			return []byte("ok"), nil
		}, nil, nil
	})
	r.Apply(context.Background(), []Route{{
		Service:  "selfheal.poll",
		Strategy: "http",
		Endpoint: "http://a",
		Config:   json.RawMessage(`{"max_retries": 3, "backoff_ms": 1}`),
	}})

	resp, err := r.Call(context.Background(), "selfheal.poll", nil)
	if err != nil {
		t.Fatal(err)
	}
	if string(resp) != "ok" || atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("got %q after %d calls", resp, calls)
	}
}

func TestReload_FromRoutesTable(t *testing.T) {
	db := setupTestDB(t)
	r := New()
	r.RegisterTransport("http", echoFactory(nil))

	if _, err := db.Exec(`INSERT INTO routes (service_name, strategy, endpoint) VALUES ('selfheal.init', 'http', 'http://override')`); err != nil {
		t.Fatal(err)
	}
	if err := r.Reload(context.Background(), db); err != nil {
		t.Fatal(err)
	}

	resp, err := r.Call(context.Background(), "selfheal.init", nil)
	if err != nil {
		t.Fatal(err)
	}
	if string(resp) != "remote:http://override" {
		t.Fatalf("got %q", resp)
	}
	if len(r.Routes()) != 1 {
		t.Fatalf("routes: got %d", len(r.Routes()))
	}
}

func TestClose(t *testing.T) {
	r := New()
	closed := false
	r.remoteEntries["svc"] = remoteEntry{
		handler: func(ctx context.Context, payload []byte) ([]byte, error) { return nil, nil },
		close:   func() { closed = true },
	}
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}
	if !closed {
		t.Fatal("close not called")
	}
	if len(r.remoteEntries) != 0 {
		t.Fatal("entries not cleared")
	}
}

// --- breaker ---

func TestCircuitBreaker_OpensAndRecovers(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker(
		WithBreakerThreshold(3),
		WithBreakerResetTimeout(100*time.Millisecond),
		WithBreakerClock(func() time.Time { return now }),
	)

	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	if cb.State() != BreakerOpen {
		t.Fatal("expected open after 3 failures")
	}
	if cb.Allow() {
		t.Fatal("should not allow when open")
	}

	now = now.Add(200 * time.Millisecond)
	if cb.State() != BreakerHalfOpen {
		t.Fatal("expected half-open after reset timeout")
	}
	cb.RecordSuccess()
	cb.RecordSuccess()
	if cb.State() != BreakerClosed {
		t.Fatal("expected closed after successes in half-open")
	}
}

func TestWithCircuitBreaker_RejectsWhenOpen(t *testing.T) {
	cb := NewCircuitBreaker(WithBreakerThreshold(1))
	failing := func(ctx context.Context, payload []byte) ([]byte, error) {
		return nil, errors.New("down")
	}
	h := WithCircuitBreaker(cb, "selfheal.heal")(failing)

	h(context.Background(), nil)
	_, err := h(context.Background(), nil)
	var open *ErrCircuitOpen
	if !errors.As(err, &open) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
}

// --- retry / middleware ---

func TestWithRetry_SkipsClientErrors(t *testing.T) {
	var calls int32
	h := WithRetry(5, time.Millisecond, nil)(func(ctx context.Context, payload []byte) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		return nil, &ErrHTTPStatus{Code: 401, Body: "bad key"}
	})
	if _, err := h(context.Background(), nil); err == nil {
		t.Fatal("expected error")
	}
	if c := atomic.LoadInt32(&calls); c != 1 {
		t.Fatalf("4xx must not be retried, got %d calls", c)
	}
}

func TestWithRetry_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls int32
	h := WithRetry(10, 50*time.Millisecond, nil)(func(ctx context.Context, payload []byte) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		cancel()
		return nil, errors.New("fail")
	})
	if _, err := h(ctx, nil); err == nil {
		t.Fatal("expected error")
	}
	if c := atomic.LoadInt32(&calls); c != 1 {
		t.Fatalf("expected 1 call after cancel, got %d", c)
	}
}

func TestChain(t *testing.T) {
	var order []string
	mw := func(name string) HandlerMiddleware {
		return func(next Handler) Handler {
			return func(ctx context.Context, payload []byte) ([]byte, error) {
				order = append(order, name+"-before")
				resp, err := next(ctx, payload)
				order = append(order, name+"-after")
				return resp, err
			}
		}
	}
	base := func(ctx context.Context, payload []byte) ([]byte, error) {
		order = append(order, "handler")
		return nil, nil
	}

	Chain(mw("mw1"), mw("mw2"))(base)(context.Background(), nil)

	expected := []string{"mw1-before", "mw2-before", "handler", "mw2-after", "mw1-after"}
	if len(order) != len(expected) {
		t.Fatalf("got %v, want %v", order, expected)
	}
	for i, v := range expected {
		if order[i] != v {
			t.Fatalf("at index %d: got %q, want %q", i, order[i], v)
		}
	}
}

func TestRecovery(t *testing.T) {
	wrapped := Recovery(slog.Default())(func(ctx context.Context, payload []byte) ([]byte, error) {
		panic("boom")
	})
	_, err := wrapped(context.Background(), nil)
	var ep *ErrPanic
	if !errors.As(err, &ep) {
		t.Fatalf("expected ErrPanic, got %T: %v", err, err)
	}
}

// --- HTTP transport ---

func TestHTTPFactory_PostsAndReturnsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method: got %s", r.Method)
		}
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("content-type: got %q", r.Header.Get("Content-Type"))
		}
		if r.Header.Get("X-Selfheal-Client") != "test/1" {
			t.Errorf("custom header missing")
		}
		body, _ := io.ReadAll(r.Body)
		w.Write(append([]byte("echo:"), body...))
	}))
	defer srv.Close()

	h, closeFn, err := HTTPFactory(WithPrivateEndpoints(), WithHeader("X-Selfheal-Client", "test/1"))(srv.URL, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer closeFn()

	resp, err := h(context.Background(), []byte(`{"a":1}`))
	if err != nil {
		t.Fatal(err)
	}
	if string(resp) != `echo:{"a":1}` {
		t.Fatalf("got %q", resp)
	}
}

func TestHTTPFactory_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upgrade required", http.StatusUpgradeRequired)
	}))
	defer srv.Close()

	h, _, err := HTTPFactory(WithPrivateEndpoints())(srv.URL, nil)
	if err != nil {
		t.Fatal(err)
	}
	_, err = h(context.Background(), nil)
	var status *ErrHTTPStatus
	if !errors.As(err, &status) {
		t.Fatalf("expected ErrHTTPStatus, got %v", err)
	}
	if status.Code != http.StatusUpgradeRequired || status.Retryable() {
		t.Fatalf("unexpected status error: %+v", status)
	}
}

func TestHTTPFactory_RejectsPrivateURL(t *testing.T) {
	f := HTTPFactory()
	if _, _, err := f("http://127.0.0.1:8080", nil); err == nil {
		t.Fatal("expected SSRF error for loopback URL")
	}
	if _, _, err := f("http://10.0.0.1:8080", nil); err == nil {
		t.Fatal("expected SSRF error for private URL")
	}
}

func TestFingerprint(t *testing.T) {
	r1 := Route{Strategy: "http", Endpoint: "http://a", Config: json.RawMessage(`{}`)}
	r2 := Route{Strategy: "http", Endpoint: "http://a", Config: json.RawMessage(`{}`)}
	r3 := Route{Strategy: "http", Endpoint: "http://b", Config: json.RawMessage(`{}`)}

	if r1.fingerprint() != r2.fingerprint() {
		t.Fatal("same routes should have same fingerprint")
	}
	if r1.fingerprint() == r3.fingerprint() {
		t.Fatal("different routes should have different fingerprint")
	}
}
