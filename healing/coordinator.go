package healing

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/selfheal/capability"
	"github.com/hazyhaar/selfheal/kit"
	"github.com/hazyhaar/selfheal/observability"
	"github.com/hazyhaar/selfheal/session"
)

// SetupOutcome is what happened to one session during setup.
type SetupOutcome string

const (
	OutcomeHealing  SetupOutcome = "healing"   // bound, intercepted, full protocol
	OutcomeDegraded SetupOutcome = "degraded"  // intercepted, logging only
	OutcomeSkipped  SetupOutcome = "skipped"   // not eligible or healing inactive
	OutcomeFailed   SetupOutcome = "failed"    // setup error, session untouched
)

// Report lists per-session setup outcomes keyed by remote name ("" for a
// single session).
type Report struct {
	mu       sync.Mutex
	Outcomes map[string]SetupOutcome
	Errors   map[string]error
}

func newReport() *Report {
	return &Report{Outcomes: make(map[string]SetupOutcome), Errors: make(map[string]error)}
}

func (r *Report) set(name string, o SetupOutcome, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Outcomes[name] = o
	if err != nil {
		r.Errors[name] = err
	}
}

// Names returns the names with outcome o, sorted.
func (r *Report) Names(o SetupOutcome) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for n, got := range r.Outcomes {
		if got == o {
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out
}

// SetupAll sets up every named session of a multi-remote run
// concurrently. Eligible entries get their capabilities augmented, then
// are bound and intercepted exactly as a single session. Ineligible
// entries are skipped without error. One entry's failure never affects
// its siblings.
func (h *Healer) SetupAll(ctx context.Context, auth AuthResult, desc capability.Descriptor, opts Options, sessions map[string]session.Session) *Report {
	report := newReport()
	if desc.Shape() != capability.ShapeNamed {
		h.logger.WarnContext(ctx, "healing: multi-remote setup on non-named descriptor", "shape", desc.Shape())
		return report
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, name := range desc.Names() {
		g.Go(func() error {
			ectx := kit.WithRemoteName(gctx, name)
			o, err := h.setupEntry(ectx, auth, desc, opts, name, sessions[name])
			report.set(name, o, err)
			return nil // don't propagate errors to errgroup
		})
	}
	_ = g.Wait()

	h.logger.InfoContext(ctx, "healing: multi-remote setup done",
		"healing", report.Names(OutcomeHealing),
		"degraded", report.Names(OutcomeDegraded),
		"skipped", report.Names(OutcomeSkipped),
		"failed", report.Names(OutcomeFailed))
	return report
}

func (h *Healer) setupEntry(ctx context.Context, auth AuthResult, desc capability.Descriptor, opts Options, name string, sess session.Session) (o SetupOutcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("healing: setup %s panic: %v", name, r)
			o = OutcomeFailed
			h.logger.ErrorContext(ctx, "healing: remote setup failed", "remote", name, "class", SetupFailure, "error", err)
			h.emit(ctx, observability.Event{Kind: observability.EventSetupFailure, Message: err.Error(),
				Attrs: map[string]string{"remote": name}})
		}
	}()

	remote, ok := desc.Remote(name)
	if !ok || !h.Eligible(*remote) {
		h.logger.DebugContext(ctx, "healing: remote not eligible", "remote", name)
		return OutcomeSkipped, nil
	}

	if shouldAugment(auth, opts) {
		h.Augment(ctx, auth, opts, capability.Single(remote.Capabilities))
	}

	if sess == nil {
		return OutcomeSkipped, nil
	}
	return h.SetupSession(ctx, auth, opts, sess), nil
}

// SetupSession binds sess, installs its companion extension when needed
// and attaches the interceptor.
func (h *Healer) SetupSession(ctx context.Context, auth AuthResult, opts Options, sess session.Session) SetupOutcome {
	if !shouldAugment(auth, opts) {
		return OutcomeSkipped
	}
	ctx = kit.WithSessionID(ctx, sess.ID())

	if !h.Bind(ctx, sess.ID(), auth.SessionToken) {
		return OutcomeFailed
	}

	outcome := OutcomeHealing
	if !h.InstallCompanionExtension(ctx, sess) {
		opts.Degraded = true
		outcome = OutcomeDegraded
	}
	h.Intercept(sess, auth, opts)
	return outcome
}
