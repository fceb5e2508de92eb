package healing

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/hazyhaar/selfheal/capability"
	"github.com/hazyhaar/selfheal/healclient"
	"github.com/hazyhaar/selfheal/session"
)

// panicSession blows up as soon as setup touches it.
type panicSession struct{ *fakeSession }

func (panicSession) ID() string { panic("session handle lost") }

func TestSetupAll_OnlyEligibleAugmented(t *testing.T) {
	fx := newFixture(t, &fakeRemote{})
	desc := capability.Named(map[string]capability.Remote{
		"browserA": {Capabilities: chrome()},
		"browserB": {Capabilities: capability.Capability{capability.KeyBrowserName: "safari"}},
	})
	sessA := newFakeSession("sa", "chrome", nil)
	sessB := newFakeSession("sb", "safari", nil)

	report := fx.healer.SetupAll(context.Background(), healingAuth, desc, Options{SelfHeal: true},
		map[string]session.Session{"browserA": sessA, "browserB": sessB})

	a, _ := desc.Remote("browserA")
	b, _ := desc.Remote("browserB")
	if !capability.Injected(a.Capabilities) {
		t.Fatal("eligible remote not augmented")
	}
	if len(b.Capabilities) != 1 {
		t.Fatalf("ineligible remote touched: %v", b.Capabilities)
	}
	if !reflect.DeepEqual(report.Names(OutcomeHealing), []string{"browserA"}) ||
		!reflect.DeepEqual(report.Names(OutcomeSkipped), []string{"browserB"}) {
		t.Fatalf("report: %+v", report.Outcomes)
	}
	if len(report.Errors) != 0 {
		t.Fatalf("unexpected errors: %v", report.Errors)
	}
	if !sessA.Finder().Installed(InterceptorName) || sessB.Finder().Installed(InterceptorName) {
		t.Fatal("interceptor placement wrong")
	}
	if fx.remote.tokens["sa"] != "tok" {
		t.Fatalf("session not bound: %v", fx.remote.tokens)
	}
}

func TestSetupAll_FailureIsolated(t *testing.T) {
	fx := newFixture(t, &fakeRemote{})
	desc := capability.Named(map[string]capability.Remote{
		"good": {Capabilities: chrome()},
		"bad":  {Capabilities: chrome()},
	})
	good := newFakeSession("sg", "chrome", nil)
	bad := panicSession{newFakeSession("sx", "chrome", nil)}

	report := fx.healer.SetupAll(context.Background(), healingAuth, desc, Options{SelfHeal: true},
		map[string]session.Session{"good": good, "bad": bad})

	if report.Outcomes["good"] != OutcomeHealing {
		t.Fatalf("sibling affected: %v", report.Outcomes)
	}
	if report.Outcomes["bad"] != OutcomeFailed || report.Errors["bad"] == nil {
		t.Fatalf("failure not recorded: %+v", report)
	}
}

func TestSetupSession_CompanionInstalledForFirefox(t *testing.T) {
	fx := newFixture(t, &fakeRemote{})
	s := newFakeSession("sf", "firefox", nil)

	if o := fx.healer.SetupSession(context.Background(), healingAuth, Options{SelfHeal: true}, s); o != OutcomeHealing {
		t.Fatalf("outcome: %s", o)
	}
	if s.addOns != 1 {
		t.Fatalf("companion installs: %d", s.addOns)
	}
}

func TestSetupSession_CompanionFailureDegrades(t *testing.T) {
	fx := newFixture(t, &fakeRemote{healScript: "return 1;"})
	s := newFakeSession("sf", "firefox", map[string]string{"css selector=#ok": "el-ok"})
	s.addOnErr = errors.New("addon signature rejected")

	if o := fx.healer.SetupSession(context.Background(), healingAuth, Options{SelfHeal: true}, s); o != OutcomeDegraded {
		t.Fatalf("outcome: %s", o)
	}
	res := s.Finder().Find(context.Background(), session.UsingCSS, "#gone")
	if !res.Failed() {
		t.Fatal("expected original failure")
	}
	if len(fx.remote.reports) != 0 {
		t.Fatal("degraded session must not attempt healing")
	}
	if !strings.Contains(fx.logs.String(), "level=WARN msg=\"healing: lookup failed, session degraded to logging only\"") {
		t.Fatalf("degraded failure should warn when self-heal was requested:\n%s", fx.logs.String())
	}

	// Usage logging survives the downgrade even without the log-data default.
	if res := s.Finder().Find(context.Background(), session.UsingCSS, "#ok"); res.Failed() {
		t.Fatalf("find: %+v", res.Err)
	}
	fx.remote.mu.Lock()
	logs := append([]healclient.LocatorReport(nil), fx.remote.logs...)
	fx.remote.mu.Unlock()
	if len(logs) != 1 || logs[0].LocatorValue != "#ok" || logs[0].SessionID != "sf" {
		t.Fatalf("degraded session logged %+v, want one report for #ok", logs)
	}
}

func TestSetupSession_BindFailureSkipsInterception(t *testing.T) {
	fx := newFixture(t, &fakeRemote{tokenErr: errNetwork})
	s := newFakeSession("s1", "chrome", nil)

	if o := fx.healer.SetupSession(context.Background(), healingAuth, Options{SelfHeal: true}, s); o != OutcomeFailed {
		t.Fatalf("outcome: %s", o)
	}
	if s.Finder().Installed(InterceptorName) {
		t.Fatal("interceptor installed on unbound session")
	}
}

func TestSetupSession_InactiveSkipped(t *testing.T) {
	fx := newFixture(t, &fakeRemote{})
	s := newFakeSession("s1", "chrome", nil)
	if o := fx.healer.SetupSession(context.Background(), AuthResult{}, Options{SelfHeal: true}, s); o != OutcomeSkipped {
		t.Fatalf("outcome: %s", o)
	}
}
