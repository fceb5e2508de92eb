package healing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/selfheal/connectivity"
	"github.com/hazyhaar/selfheal/healclient"
	"github.com/hazyhaar/selfheal/idgen"
	"github.com/hazyhaar/selfheal/kit"
	"github.com/hazyhaar/selfheal/observability"
	"github.com/hazyhaar/selfheal/session"
)

// State is a step of the recovery state machine.
type State int

const (
	StateAttemptOriginal State = iota
	StateLogAndReturn
	StateAttemptHeal
	StateExecuteScript
	StatePollResult
	StateRetryWithHealedLocator
	StateReturnOriginalFailure
	StateReturnHealedResult
	// StateFallback re-invokes the untouched lookup once after an
	// internal error and returns whatever it yields.
	StateFallback
)

var stateNames = [...]string{
	StateAttemptOriginal:        "ATTEMPT_ORIGINAL",
	StateLogAndReturn:           "LOG_AND_RETURN",
	StateAttemptHeal:            "ATTEMPT_HEAL",
	StateExecuteScript:          "EXECUTE_SCRIPT",
	StatePollResult:             "POLL_RESULT",
	StateRetryWithHealedLocator: "RETRY_WITH_HEALED_LOCATOR",
	StateReturnOriginalFailure:  "RETURN_ORIGINAL_FAILURE",
	StateReturnHealedResult:     "RETURN_HEALED_RESULT",
	StateFallback:               "FALLBACK",
}

func (s State) String() string {
	if int(s) >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether s ends an attempt.
func (s State) Terminal() bool {
	switch s {
	case StateLogAndReturn, StateReturnOriginalFailure, StateReturnHealedResult, StateFallback:
		return true
	}
	return false
}

// Attempt is one lookup going through the protocol. Perform is the
// undecorated driver lookup.
type Attempt struct {
	Using     string
	Value     string
	SessionID string
	Perform   session.LookupFunc
}

// AttemptContext describes a failed lookup to the healing service. It
// lives for one attempt.
type AttemptContext struct {
	LocatorType      string
	LocatorValue     string
	SessionID        string
	UserID           string
	GroupID          string
	IsGroupAIEnabled bool
	Region           string
}

func (a AttemptContext) report() healclient.LocatorReport {
	return healclient.LocatorReport{
		LocatorType:      a.LocatorType,
		LocatorValue:     a.LocatorValue,
		SessionID:        a.SessionID,
		UserID:           a.UserID,
		GroupID:          a.GroupID,
		IsGroupAIEnabled: a.IsGroupAIEnabled,
		Region:           a.Region,
	}
}

// machine is the state of one attempt.
type machine struct {
	h      *Healer
	sess   session.Session
	auth   AuthResult
	opts   Options
	att    Attempt
	logger *slog.Logger

	state    State
	trace    []State
	original session.LookupResult
	actx     AttemptContext
	script   string
	healed   *healclient.HealedLocator
	retried  session.LookupResult
	healing  bool
	err      error
	failure  connectivity.Failure
	started  time.Time
}

// Run drives one attempt to a terminal state. It never panics and never
// returns an error: internal failures resolve to the original lookup.
func (h *Healer) Run(ctx context.Context, sess session.Session, auth AuthResult, opts Options, att Attempt) session.LookupResult {
	res, _ := h.run(ctx, sess, auth, opts, att)
	return res
}

func (h *Healer) run(parent context.Context, sess session.Session, auth AuthResult, opts Options, att Attempt) (session.LookupResult, []State) {
	parent = kit.WithSessionID(parent, att.SessionID)
	parent = kit.WithAttemptID(parent, idgen.Attempt())

	// Session teardown abandons the attempt.
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	if sess != nil {
		go func() {
			select {
			case <-sess.Done():
				cancel()
			case <-ctx.Done():
			}
		}()
	}

	release, err := h.locks.acquire(ctx, att.SessionID)
	if err != nil {
		return safePerform(parent, att.Perform, att.Using, att.Value), nil
	}
	defer release()

	m := &machine{
		h: h, sess: sess, auth: auth, opts: opts, att: att,
		logger:  kit.Logger(parent, h.logger),
		started: time.Now(),
	}
	m.enter(StateAttemptOriginal)

	for !m.state.Terminal() {
		next := m.safeStep(ctx)
		m.enter(next)
	}
	return m.safeFinish(parent), m.trace
}

func (m *machine) enter(s State) {
	m.state = s
	m.trace = append(m.trace, s)
}

// safeStep routes panics raised inside a step to the fallback.
func (m *machine) safeStep(ctx context.Context) (next State) {
	defer func() {
		if r := recover(); r != nil {
			m.err = fmt.Errorf("healing: panic in %s: %v", m.state, r)
			m.failure = connectivity.FailurePanic
			next = StateFallback
		}
	}()
	return m.step(ctx)
}

func (m *machine) step(ctx context.Context) State {
	switch m.state {
	case StateAttemptOriginal:
		m.original = m.att.Perform(ctx, m.att.Using, m.att.Value)
		if !m.original.Failed() {
			return StateLogAndReturn
		}
		if !m.opts.SelfHeal || m.opts.Degraded || !m.auth.IsAuthenticated || !m.auth.IsHealingEnabled {
			return StateReturnOriginalFailure
		}
		return StateAttemptHeal

	case StateAttemptHeal:
		m.healing = true
		m.actx = AttemptContext{
			LocatorType:      m.att.Using,
			LocatorValue:     m.att.Value,
			SessionID:        m.att.SessionID,
			UserID:           m.auth.UserID,
			GroupID:          m.auth.GroupID,
			IsGroupAIEnabled: m.auth.IsGroupAIEnabled,
			Region:           m.h.region,
		}
		m.h.emit(ctx, observability.Event{
			Kind: observability.EventHealAttempt, SessionID: m.att.SessionID,
			Attrs: map[string]string{"using": m.att.Using, "value": m.att.Value},
		})
		script, err := m.h.remote.HealFailure(ctx, m.actx.report())
		if err != nil {
			return m.fail(ctx, err)
		}
		if script == "" {
			return StateReturnOriginalFailure
		}
		m.script = script
		return StateExecuteScript

	case StateExecuteScript:
		if _, err := m.sess.Execute(ctx, m.script); err != nil {
			return m.fail(ctx, err)
		}
		return StatePollResult

	case StatePollResult:
		healed, n, err := m.h.pollHealed(ctx, m.att.SessionID, m.auth.SessionToken)
		m.h.metrics.RecordSimple(observability.MetricPollAttempts, float64(n), "count", nil)
		if err != nil {
			return m.fail(ctx, err)
		}
		if healed == nil {
			m.logger.DebugContext(ctx, "healing: no healed locator", "polls", n)
			return StateReturnOriginalFailure
		}
		m.healed = healed
		return StateRetryWithHealedLocator

	case StateRetryWithHealedLocator:
		m.retried = m.att.Perform(ctx, m.healed.Selector, m.healed.Value)
		if m.retried.Failed() {
			m.logger.DebugContext(ctx, "healing: retry with healed locator failed",
				"selector", m.healed.Selector, "value", m.healed.Value, "error", m.retried.Err)
			return StateReturnOriginalFailure
		}
		return StateReturnHealedResult
	}
	return StateFallback
}

// fail records an internal error. A cancelled attempt resolves to the
// original failure; anything else goes through the fallback.
func (m *machine) fail(ctx context.Context, err error) State {
	m.err = err
	m.failure = connectivity.Classify(err)
	if ctx.Err() != nil {
		return StateReturnOriginalFailure
	}
	return StateFallback
}

// safeFinish runs the terminal side effects. A panic there still yields
// the result the machine settled on.
func (m *machine) safeFinish(ctx context.Context) (res session.LookupResult) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.ErrorContext(ctx, "healing: panic while finishing attempt",
				"class", HealingAttemptFailure, "state", m.state.String(), "panic", fmt.Sprint(r))
			res = m.settled(ctx)
		}
	}()
	return m.finish(ctx)
}

// settled is the result of the terminal state without side effects.
func (m *machine) settled(ctx context.Context) session.LookupResult {
	switch m.state {
	case StateReturnHealedResult:
		return m.retried
	case StateFallback:
		return safePerform(ctx, m.att.Perform, m.att.Using, m.att.Value)
	}
	return m.original
}

func (m *machine) finish(ctx context.Context) session.LookupResult {
	switch m.state {
	case StateLogAndReturn:
		m.logUsage(ctx)
		m.outcome("found")
		return m.original

	case StateReturnHealedResult:
		m.logger.InfoContext(ctx, "healing worked",
			"using", m.att.Using, "value", m.att.Value,
			"selector", m.healed.Selector, "healed_value", m.healed.Value)
		m.h.emit(ctx, observability.Event{
			Kind: observability.EventHealSuccess, SessionID: m.att.SessionID,
			Attrs: map[string]string{"selector": m.healed.Selector, "value": m.healed.Value},
		})
		m.h.metrics.RecordSimple(observability.MetricHealDurationMs,
			float64(time.Since(m.started).Milliseconds()), "milliseconds", nil)
		m.outcome("healed")
		return m.retried

	case StateFallback:
		m.logFailure(ctx)
		m.outcome("fallback")
		return safePerform(ctx, m.att.Perform, m.att.Using, m.att.Value)
	}

	switch {
	case m.healing:
		m.logFailure(ctx)
	case m.opts.Degraded:
		m.logger.Log(ctx, m.failureLevel(), "healing: lookup failed, session degraded to logging only",
			"class", SetupFailure, "using", m.att.Using, "value", m.att.Value)
	default:
		m.logger.DebugContext(ctx, "healing: lookup failed, healing not active",
			"using", m.att.Using, "value", m.att.Value)
	}
	m.outcome("original_failure")
	return m.original
}

// logUsage reports a successful lookup and runs the capture script the
// service hands back. Errors are only logged.
func (m *machine) logUsage(ctx context.Context) {
	if !m.auth.IsAuthenticated || !(m.opts.SelfHeal || m.auth.DefaultLogDataEnabled) {
		return
	}
	script, err := m.h.remote.LogData(ctx, healclient.LocatorReport{
		LocatorType:  m.att.Using,
		LocatorValue: m.att.Value,
		SessionID:    m.att.SessionID,
		GroupID:      m.auth.GroupID,
		Region:       m.h.region,
	})
	if err != nil {
		m.logger.DebugContext(ctx, "healing: log data failed", "error", err)
		return
	}
	if script == "" || m.sess == nil {
		return
	}
	if _, err := m.sess.Execute(ctx, script); err != nil {
		m.logger.DebugContext(ctx, "healing: capture script failed", "error", err)
	}
}

func (m *machine) logFailure(ctx context.Context) {
	level := m.failureLevel()
	msg := "no healed locator"
	if m.err != nil {
		msg = m.err.Error()
	}
	m.logger.Log(ctx, level, "healing: attempt failed, returning original result",
		"class", HealingAttemptFailure, "using", m.att.Using, "value", m.att.Value,
		"state_path", fmt.Sprint(m.trace), "failure", m.failure, "error", msg)
	m.h.emit(ctx, observability.Event{
		Kind: observability.EventHealFailure, SessionID: m.att.SessionID, Message: msg,
	})
}

func (m *machine) outcome(o string) {
	m.h.metrics.RecordSimple(observability.MetricLookupOutcome, 1, "count", map[string]string{"outcome": o})
}

// safePerform calls a driver lookup, turning a panic into a failed result.
func safePerform(ctx context.Context, fn session.LookupFunc, using, value string) (res session.LookupResult) {
	defer func() {
		if r := recover(); r != nil {
			res = session.Failure(fmt.Errorf("lookup panic: %v", r))
		}
	}()
	return fn(ctx, using, value)
}

// failureLevel is warn when the user asked for healing, debug otherwise.
func (m *machine) failureLevel() slog.Level {
	if m.opts.SelfHeal {
		return slog.LevelWarn
	}
	return slog.LevelDebug
}
