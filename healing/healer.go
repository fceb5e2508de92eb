// Package healing recovers failed element lookups on live automation
// sessions. A Healer authenticates against the healing service, augments
// capability descriptors before sessions exist, binds and decorates
// sessions once they do, and runs the recovery state machine on every
// failed lookup. Nothing in this package ever surfaces an error to the
// lookup caller: every failure degrades to the unmodified lookup result.
package healing

import (
	"context"
	"log/slog"

	"github.com/hazyhaar/selfheal/capability"
	"github.com/hazyhaar/selfheal/healclient"
	"github.com/hazyhaar/selfheal/observability"
)

// Remote is the healing service as seen by this package.
// *healclient.Client implements it.
type Remote interface {
	Init(ctx context.Context, user, key string) (*healclient.InitResponse, error)
	SetToken(ctx context.Context, sessionID, token string) error
	LogData(ctx context.Context, r healclient.LocatorReport) (string, error)
	HealFailure(ctx context.Context, r healclient.LocatorReport) (string, error)
	Poll(ctx context.Context, sessionID, token string) (*healclient.HealedLocator, error)
}

// Options are per-run healing settings.
type Options struct {
	// SelfHeal is the user's explicit opt-in.
	SelfHeal bool
	// LegacyListAugment touches only element 0 of list descriptors.
	LegacyListAugment bool
	// Degraded keeps a session on logging only: failed lookups are never
	// sent for healing. SelfHeal still drives logging and log levels.
	Degraded bool
}

// Healer carries the collaborators shared by every component.
// Safe for concurrent use across sessions.
type Healer struct {
	remote          Remote
	sink            observability.Sink
	metrics         *observability.MetricsManager
	logger          *slog.Logger
	poll            PollPolicy
	region          string
	injector        capability.Injector
	providerDomains []string
	companion       CompanionSource
	locks           *keyedLocks
}

// Option configures a Healer.
type Option func(*Healer)

func WithLogger(l *slog.Logger) Option { return func(h *Healer) { h.logger = l } }

// WithSink sets the instrumentation sink. Default: observability.Nop.
func WithSink(s observability.Sink) Option { return func(h *Healer) { h.sink = s } }

func WithMetrics(mm *observability.MetricsManager) Option {
	return func(h *Healer) { h.metrics = mm }
}

func WithPollPolicy(p PollPolicy) Option { return func(h *Healer) { h.poll = p.normalize() } }

// WithRegion sets the region info reported with every heal request.
func WithRegion(r string) Option { return func(h *Healer) { h.region = r } }

// WithInjector sets the capability metadata written by Augment.
func WithInjector(in capability.Injector) Option { return func(h *Healer) { h.injector = in } }

// WithProviderDomains lists the healing provider's own domains. Remotes
// pointed at them are never instrumented.
func WithProviderDomains(domains ...string) Option {
	return func(h *Healer) {
		for _, d := range domains {
			if d = normalizeHost(d); d != "" {
				h.providerDomains = append(h.providerDomains, d)
			}
		}
	}
}

// WithCompanion sets where companion extensions are loaded from.
func WithCompanion(c CompanionSource) Option { return func(h *Healer) { h.companion = c } }

// New returns a Healer talking to remote.
func New(remote Remote, opts ...Option) *Healer {
	h := &Healer{
		remote: remote,
		sink:   observability.Nop{},
		logger: slog.Default(),
		poll:   DefaultPollPolicy(),
		locks:  newKeyedLocks(),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

func (h *Healer) emit(ctx context.Context, ev observability.Event) {
	h.sink.Emit(ctx, ev)
}
