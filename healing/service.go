package healing

import (
	"context"
	"sync"

	"github.com/hazyhaar/selfheal/capability"
	"github.com/hazyhaar/selfheal/session"
)

// RunConfig carries launch credentials.
type RunConfig struct {
	User string
	Key  string
}

// Target is the session, or the named sessions of a multi-remote run,
// that SelfHeal decorates.
type Target struct {
	Single session.Session
	Named  map[string]session.Session
}

// One targets a single session.
func One(s session.Session) Target { return Target{Single: s} }

// Many targets the named sessions of a multi-remote run.
func Many(m map[string]session.Session) Target { return Target{Named: m} }

// Service is the entry point used by a test-runner integration: Setup
// before sessions are created, SelfHeal after.
type Service struct {
	healer *Healer

	mu     sync.Mutex
	auth   AuthResult
	authed bool
	warned sync.Once
}

// NewService wraps h.
func NewService(h *Healer) *Service {
	return &Service{healer: h}
}

// Auth returns the run's AuthResult, authenticating with run's
// credentials on first use. A worker process picks up the launcher's
// result from the environment instead.
func (s *Service) Auth(ctx context.Context, run RunConfig) AuthResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.authed {
		return s.auth
	}
	if a, ok := AuthFromEnv(); ok {
		s.auth = a
	} else {
		s.auth = s.healer.Authenticate(ctx, run.User, run.Key)
	}
	s.authed = true
	return s.auth
}

// UseAuth installs a rehydrated AuthResult.
func (s *Service) UseAuth(a AuthResult) {
	s.mu.Lock()
	s.auth, s.authed = a, true
	s.mu.Unlock()
}

// Setup authenticates and augments desc. isMultiremote marks a named
// descriptor whose entries are filtered by eligibility.
func (s *Service) Setup(ctx context.Context, run RunConfig, opts Options, desc capability.Descriptor, isMultiremote bool) (capability.Descriptor, AuthResult) {
	auth := s.Auth(ctx, run)
	if auth.UpgradeRequired {
		s.warnUpgrade(ctx, auth)
		return desc, auth
	}
	if isMultiremote && desc.Shape() != capability.ShapeNamed {
		s.healer.logger.WarnContext(ctx, "healing: multiremote run with non-named capabilities",
			"shape", desc.Shape())
	}
	return s.healer.Augment(ctx, auth, opts, desc), auth
}

// SelfHeal attaches healing to the target session(s).
func (s *Service) SelfHeal(ctx context.Context, opts Options, desc capability.Descriptor, t Target) *Report {
	s.mu.Lock()
	auth := s.auth
	s.mu.Unlock()

	if auth.UpgradeRequired {
		s.warnUpgrade(ctx, auth)
		return newReport()
	}
	if t.Named != nil {
		return s.healer.SetupAll(ctx, auth, desc, opts, t.Named)
	}
	report := newReport()
	if t.Single != nil {
		report.set("", s.healer.SetupSession(ctx, auth, opts, t.Single), nil)
	}
	return report
}

func (s *Service) warnUpgrade(ctx context.Context, auth AuthResult) {
	s.warned.Do(func() {
		s.healer.logger.WarnContext(ctx, "healing: client upgrade required, healing disabled for this run",
			"class", UpgradeRequired, "status", auth.Status, "message", auth.Message)
	})
}
