package healing

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hazyhaar/selfheal/capability"
	"github.com/hazyhaar/selfheal/healclient"
	"github.com/hazyhaar/selfheal/observability"
	"github.com/hazyhaar/selfheal/session"
)

// fakeRemote scripts the healing service.
type fakeRemote struct {
	initResp *healclient.InitResponse
	initErr  error

	tokenErr error

	healScript string
	healErr    error
	healPanic  bool

	pollAfter int // ready on this poll (1-based); 0 = never
	pollErr   error
	healed    *healclient.HealedLocator

	logScript string
	logPanic  bool

	mu       sync.Mutex
	tokens   map[string]string
	reports  []healclient.LocatorReport
	logs     []healclient.LocatorReport
	polls    int32
	inits    int32
}

func (f *fakeRemote) Init(ctx context.Context, user, key string) (*healclient.InitResponse, error) {
	atomic.AddInt32(&f.inits, 1)
	return f.initResp, f.initErr
}

func (f *fakeRemote) SetToken(ctx context.Context, sessionID, token string) error {
	if f.tokenErr != nil {
		return f.tokenErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tokens == nil {
		f.tokens = make(map[string]string)
	}
	f.tokens[sessionID] = token
	return nil
}

func (f *fakeRemote) LogData(ctx context.Context, r healclient.LocatorReport) (string, error) {
	if f.logPanic {
		panic("log data exploded")
	}
	f.mu.Lock()
	f.logs = append(f.logs, r)
	f.mu.Unlock()
	return f.logScript, nil
}

func (f *fakeRemote) HealFailure(ctx context.Context, r healclient.LocatorReport) (string, error) {
	if f.healPanic {
		panic("heal exploded")
	}
	f.mu.Lock()
	f.reports = append(f.reports, r)
	f.mu.Unlock()
	return f.healScript, f.healErr
}

func (f *fakeRemote) Poll(ctx context.Context, sessionID, token string) (*healclient.HealedLocator, error) {
	n := atomic.AddInt32(&f.polls, 1)
	if f.pollErr != nil {
		return nil, f.pollErr
	}
	if f.pollAfter > 0 && int(n) >= f.pollAfter {
		return f.healed, nil
	}
	return nil, nil
}

// fakeSession is an in-memory page: elements maps "using=value" to a handle.
type fakeSession struct {
	id       string
	caps     capability.Capability
	elements map[string]string
	execErr  error
	addOnErr error
	done     chan struct{}

	mu       sync.Mutex
	scripts  []string
	addOns   int
	lookups  int
	finder   *session.Finder
	lookupFn func(ctx context.Context, using, value string) session.LookupResult
}

func newFakeSession(id, browser string, elements map[string]string) *fakeSession {
	s := &fakeSession{
		id:       id,
		caps:     capability.Capability{capability.KeyBrowserName: browser},
		elements: elements,
		done:     make(chan struct{}),
	}
	s.finder = session.NewFinder(s.lookup)
	return s
}

func (s *fakeSession) lookup(ctx context.Context, using, value string) session.LookupResult {
	s.mu.Lock()
	s.lookups++
	fn := s.lookupFn
	s.mu.Unlock()
	if fn != nil {
		return fn(ctx, using, value)
	}
	if el, ok := s.elements[using+"="+value]; ok {
		return session.Found(el)
	}
	return session.NotFound(using, value)
}

func (s *fakeSession) ID() string                             { return s.id }
func (s *fakeSession) Capabilities() capability.Capability    { return s.caps }
func (s *fakeSession) Finder() *session.Finder                { return s.finder }
func (s *fakeSession) Done() <-chan struct{}                  { return s.done }

func (s *fakeSession) Execute(ctx context.Context, script string) (any, error) {
	s.mu.Lock()
	s.scripts = append(s.scripts, script)
	s.mu.Unlock()
	return nil, s.execErr
}

func (s *fakeSession) InstallAddOn(ctx context.Context, b64 string, temporary bool) error {
	s.mu.Lock()
	s.addOns++
	s.mu.Unlock()
	return s.addOnErr
}

func (s *fakeSession) lookupCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookups
}

// captureSink records events synchronously.
type captureSink struct {
	mu     sync.Mutex
	events []observability.Event
}

func (c *captureSink) Emit(_ context.Context, ev observability.Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *captureSink) kinds(k observability.EventKind) []observability.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []observability.Event
	for _, ev := range c.events {
		if ev.Kind == k {
			out = append(out, ev)
		}
	}
	return out
}

// syncBuffer guards a bytes.Buffer written from several goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type fixture struct {
	remote *fakeRemote
	sink   *captureSink
	logs   *syncBuffer
	healer *Healer
}

func newFixture(t *testing.T, remote *fakeRemote, opts ...Option) *fixture {
	t.Helper()
	logs := &syncBuffer{}
	sink := &captureSink{}
	logger := slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	base := []Option{
		WithLogger(logger),
		WithSink(sink),
		WithPollPolicy(PollPolicy{MaxAttempts: 5, Interval: time.Millisecond, Timeout: time.Second}),
		WithInjector(capability.Injector{Extension: "ZXh0"}),
		WithCompanion(StaticCompanion("eHBp")),
	}
	return &fixture{
		remote: remote,
		sink:   sink,
		logs:   logs,
		healer: New(remote, append(base, opts...)...),
	}
}

var healingAuth = AuthResult{
	IsAuthenticated:  true,
	Status:           200,
	UserID:           "u1",
	GroupID:          "g1",
	SessionToken:     "tok",
	IsHealingEnabled: true,
}

var errNetwork = errors.New("dial tcp 10.0.0.1:443: connection refused")
