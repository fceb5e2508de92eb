package healing

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/hazyhaar/selfheal/capability"
	"github.com/hazyhaar/selfheal/observability"
)

func chrome() capability.Capability {
	return capability.Capability{capability.KeyBrowserName: "chrome"}
}

func TestAugment_LogDataDefaultAloneAugments(t *testing.T) {
	fx := newFixture(t, &fakeRemote{})
	desc := capability.Single(chrome())
	auth := AuthResult{IsAuthenticated: true, DefaultLogDataEnabled: true}

	out := fx.healer.Augment(context.Background(), auth, Options{SelfHeal: false}, desc)

	if !capability.Injected(out.SingleCap()) {
		t.Fatal("capabilities not augmented")
	}
	if len(fx.sink.kinds(observability.EventAugmented)) != 1 {
		t.Fatal("augmented event missing")
	}
}

func TestAugment_UnauthenticatedSelfHealWarns(t *testing.T) {
	fx := newFixture(t, &fakeRemote{})
	desc := capability.Single(chrome())
	auth := AuthResult{IsAuthenticated: false, Message: "bad key"}

	out := fx.healer.Augment(context.Background(), auth, Options{SelfHeal: true}, desc)

	if capability.Injected(out.SingleCap()) || len(out.SingleCap()) != 1 {
		t.Fatalf("capabilities touched: %v", out.SingleCap())
	}
	warnings := fx.sink.kinds(observability.EventSelfHealWarning)
	if len(warnings) != 1 || !strings.Contains(warnings[0].Message, "bad key") {
		t.Fatalf("warning events: %+v", warnings)
	}
}

func TestAugment_NothingRequestedIsSilent(t *testing.T) {
	fx := newFixture(t, &fakeRemote{})
	desc := capability.Single(chrome())

	fx.healer.Augment(context.Background(), healingAuth, Options{}, desc)

	if capability.Injected(desc.SingleCap()) {
		t.Fatal("augmented without opt-in or log-data default")
	}
	if len(fx.sink.events) != 0 {
		t.Fatalf("unexpected events: %+v", fx.sink.events)
	}
}

func TestAugment_UpgradeRequiredUntouched(t *testing.T) {
	fx := newFixture(t, &fakeRemote{})
	desc := capability.Single(chrome())
	auth := healingAuth
	auth.UpgradeRequired = true

	fx.healer.Augment(context.Background(), auth, Options{SelfHeal: true}, desc)
	if capability.Injected(desc.SingleCap()) {
		t.Fatal("augmented despite upgrade required")
	}
}

func TestAugment_ListAllVersusLegacy(t *testing.T) {
	fx := newFixture(t, &fakeRemote{})

	all := capability.List(chrome(), chrome())
	fx.healer.Augment(context.Background(), healingAuth, Options{SelfHeal: true}, all)
	for i, c := range all.ListCaps() {
		if !capability.Injected(c) {
			t.Fatalf("entry %d not augmented", i)
		}
	}

	legacy := capability.List(chrome(), chrome())
	fx.healer.Augment(context.Background(), healingAuth, Options{SelfHeal: true, LegacyListAugment: true}, legacy)
	if !capability.Injected(legacy.ListCaps()[0]) || capability.Injected(legacy.ListCaps()[1]) {
		t.Fatal("legacy mode should touch element 0 only")
	}
}

func TestAugment_NamedSkipsProviderInfrastructure(t *testing.T) {
	fx := newFixture(t, &fakeRemote{}, WithProviderDomains(ProviderDomain("https://api.heal.example.com/v1")))
	desc := capability.Named(map[string]capability.Remote{
		"local": {Hostname: "localhost", Capabilities: chrome()},
		"cloud": {Hostname: "hub.example.com:443", Capabilities: chrome()},
	})

	fx.healer.Augment(context.Background(), healingAuth, Options{SelfHeal: true}, desc)

	local, _ := desc.Remote("local")
	cloud, _ := desc.Remote("cloud")
	if !capability.Injected(local.Capabilities) {
		t.Fatal("local remote should be augmented")
	}
	if capability.Injected(cloud.Capabilities) {
		t.Fatal("provider-hosted remote must not be augmented")
	}
}

func TestAugment_LocalEndpointKeepsLocalRemotesEligible(t *testing.T) {
	fx := newFixture(t, &fakeRemote{}, WithProviderDomains(ProviderDomain("http://localhost:8089")))
	desc := capability.Named(map[string]capability.Remote{
		"local": {Hostname: "localhost:4444", Capabilities: chrome()},
		"loop":  {Hostname: "127.0.0.1", Capabilities: chrome()},
	})

	fx.healer.Augment(context.Background(), healingAuth, Options{SelfHeal: true}, desc)

	for _, name := range desc.Names() {
		r, _ := desc.Remote(name)
		if !capability.Injected(r.Capabilities) {
			t.Fatalf("%s should be augmented next to a local healing service", name)
		}
	}
}

func TestProviderDomain(t *testing.T) {
	cases := map[string]string{
		"https://api.heal.example.com/v1": "example.com",
		"http://127.0.0.1:8080":           "",
		"http://localhost:8089":           "",
		"http://[::1]:8089/v1":            "",
		"hub.service.co.uk":               "service.co.uk",
		"":                                "",
	}
	for in, want := range cases {
		if got := ProviderDomain(in); got != want {
			t.Errorf("%q: got %q, want %q", in, got, want)
		}
	}
}

func TestProperty_AugmentTwiceEqualsOnce(t *testing.T) {
	properties := gopter.NewProperties(nil)
	names := []string{"chrome", "firefox", "MicrosoftEdge", "safari"}

	properties.Property("Augment is idempotent", prop.ForAll(
		func(a, b int, selfHeal, logData bool) bool {
			fx := newFixture(t, &fakeRemote{})
			auth := healingAuth
			auth.DefaultLogDataEnabled = logData
			opts := Options{SelfHeal: selfHeal}
			mk := func() capability.Descriptor {
				return capability.List(
					capability.Capability{capability.KeyBrowserName: names[a]},
					capability.Capability{capability.KeyBrowserName: names[b]},
				)
			}
			once := fx.healer.Augment(context.Background(), auth, opts, mk())
			twice := fx.healer.Augment(context.Background(), auth, opts,
				fx.healer.Augment(context.Background(), auth, opts, mk()))
			x, _ := json.Marshal(once)
			y, _ := json.Marshal(twice)
			return string(x) == string(y)
		},
		gen.IntRange(0, 3),
		gen.IntRange(0, 3),
		gen.Bool(),
		gen.Bool(),
	))

	properties.TestingRun(t, gopter.ConsoleReporter(false))
}
