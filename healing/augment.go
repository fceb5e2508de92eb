package healing

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"golang.org/x/net/publicsuffix"

	"github.com/hazyhaar/selfheal/capability"
	"github.com/hazyhaar/selfheal/observability"
)

// Augment injects healing-support metadata into desc before sessions are
// created and returns it with the same shape:
//
//  1. authenticated and (log-data default or SelfHeal): inject into every
//     eligible entry (only element 0 of a list under LegacyListAugment);
//  2. otherwise, SelfHeal requested: warn with the auth message;
//  3. otherwise leave desc alone.
//
// Single and named entries are mutated in place.
func (h *Healer) Augment(ctx context.Context, auth AuthResult, opts Options, desc capability.Descriptor) capability.Descriptor {
	if shouldAugment(auth, opts) {
		res, err := h.inject(opts, desc)
		if err != nil {
			h.logger.WarnContext(ctx, "healing: capability augmentation failed",
				"class", SetupFailure, "error", err)
			h.emit(ctx, observability.Event{Kind: observability.EventSetupFailure, Message: err.Error()})
			return desc
		}
		h.logger.DebugContext(ctx, "healing: capabilities augmented",
			"shape", desc.Shape(), "augmented", res.Augmented, "skipped", res.Skipped)
		h.emit(ctx, observability.Event{
			Kind:   observability.EventAugmented,
			Status: auth.Status,
			Attrs: map[string]string{
				"shape":     desc.Shape().String(),
				"augmented": strconv.Itoa(len(res.Augmented)),
				"skipped":   strconv.Itoa(len(res.Skipped)),
			},
		})
		return desc
	}

	if opts.SelfHeal {
		h.logger.WarnContext(ctx, "healing: self-heal requested but unavailable",
			"class", AuthFailure, "status", auth.Status, "message", auth.Message)
		h.emit(ctx, observability.Event{
			Kind:    observability.EventSelfHealWarning,
			Status:  auth.Status,
			Message: auth.Message,
		})
	}
	return desc
}

func shouldAugment(auth AuthResult, opts Options) bool {
	return auth.IsAuthenticated && !auth.UpgradeRequired && (auth.DefaultLogDataEnabled || opts.SelfHeal)
}

func (h *Healer) inject(opts Options, desc capability.Descriptor) (res capability.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("healing: augment panic: %v", r)
		}
	}()
	plan := capability.Plan{
		Injector:           h.injector,
		FirstListEntryOnly: opts.LegacyListAugment,
		RemoteEligible: func(_ string, r capability.Remote) bool {
			return h.Eligible(r)
		},
	}
	_, res = plan.Apply(desc)
	return res, nil
}

// Eligible reports whether a remote may be instrumented: its browser
// family is recognized and it does not point at the provider's own
// infrastructure.
func (h *Healer) Eligible(r capability.Remote) bool {
	if r.Capabilities.Family() == capability.FamilyUnknown {
		return false
	}
	return !h.isProviderHost(r.Hostname)
}

func (h *Healer) isProviderHost(host string) bool {
	host = normalizeHost(host)
	if host == "" {
		return false
	}
	site := registrableDomain(host)
	for _, d := range h.providerDomains {
		if host == d || site == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

// registrableDomain returns the eTLD+1 of host, or host itself for IPs
// and single-label names.
func registrableDomain(host string) string {
	if net.ParseIP(host) != nil {
		return host
	}
	site, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	return site
}

// normalizeHost lowercases and strips scheme, port and trailing dot.
func normalizeHost(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	if i := strings.Index(h, "://"); i >= 0 {
		h = h[i+3:]
	}
	if i := strings.IndexAny(h, "/?#"); i >= 0 {
		h = h[:i]
	}
	if host, _, err := net.SplitHostPort(h); err == nil {
		h = host
	}
	return strings.TrimSuffix(h, ".")
}

// ProviderDomain returns the registrable domain of the service endpoint,
// suitable for WithProviderDomains. IPs, localhost and other hosts with no
// eTLD+1 yield "": a local service says nothing about which remotes belong
// to the provider.
func ProviderDomain(endpoint string) string {
	host := normalizeHost(endpoint)
	if host == "" || net.ParseIP(host) != nil {
		return ""
	}
	site, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return ""
	}
	return site
}
