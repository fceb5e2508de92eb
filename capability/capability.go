// Package capability models the capability descriptors handed to an
// automation driver before a session is created, and injects the
// healing-support metadata into them without changing their shape.
//
// A descriptor is one of three shapes: a single W3C capability map, an
// ordered list of them (parallel sessions), or a name → remote mapping
// (multi-remote). See Descriptor.
package capability

import "strings"

// Extension-related capability keys.
const (
	KeyBrowserName   = "browserName"
	KeyChromeOptions = "goog:chromeOptions"
	KeyEdgeOptions   = "ms:edgeOptions"
	KeyExtensions    = "extensions"
	KeyHealOptions   = "selfheal:options"
)

// Family is a normalized browser engine family.
type Family string

const (
	FamilyUnknown Family = ""
	FamilyChrome  Family = "chrome"
	FamilyEdge    Family = "edge"
	FamilyFirefox Family = "firefox"
)

// Chromium reports whether the family runs a Chromium engine.
func (f Family) Chromium() bool { return f == FamilyChrome || f == FamilyEdge }

// Capability is a W3C capability map.
type Capability map[string]any

// BrowserName returns the browserName entry, or "" when absent.
func (c Capability) BrowserName() string {
	s, _ := c[KeyBrowserName].(string)
	return s
}

// Family resolves the browser family from browserName.
func (c Capability) Family() Family {
	switch strings.ToLower(strings.TrimSpace(c.BrowserName())) {
	case "chrome", "chromium", "googlechrome", "chrome-headless-shell":
		return FamilyChrome
	case "microsoftedge", "msedge", "edge":
		return FamilyEdge
	case "firefox", "mozilla firefox":
		return FamilyFirefox
	}
	return FamilyUnknown
}

// Clone returns a deep copy of c.
func (c Capability) Clone() Capability {
	if c == nil {
		return nil
	}
	out := make(Capability, len(c))
	for k, v := range c {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case Capability:
		return t.Clone()
	case map[string]any:
		return map[string]any(Capability(t).Clone())
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	}
	return v
}

// asMap accepts both plain maps (decoded JSON) and Capability values
// nested by Go callers.
func asMap(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case map[string]any:
		return t, true
	case Capability:
		return t, true
	}
	return nil, false
}
