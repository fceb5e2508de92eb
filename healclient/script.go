package healclient

import (
	"encoding/json"
	"strings"
)

// QuoteScript returns s as a double-quoted JavaScript string literal.
// Quotes, backslashes, control characters, '<', '>', '&', U+2028 and
// U+2029 are escaped, and single quotes become \u0027, so the literal is
// safe inside any script template.
func QuoteScript(s string) string {
	b, _ := json.Marshal(s)
	return strings.ReplaceAll(string(b), "'", `\u0027`)
}

// captureTemplate is the body of a synchronous script: it queues the
// capture request on the page for the companion extension.
const captureTemplate = `var q = window.__selfhealQueue = window.__selfhealQueue || [];
q.push({requestId: %REQUEST%, sessionId: %SESSION%, locatorType: %TYPE%, locatorValue: %VALUE%, region: %REGION%, failed: %FAILED%});
window.dispatchEvent(new CustomEvent("selfheal:capture", {detail: q.length}));
return q.length;`

// RenderScript renders the in-session capture script for d, or "" when
// the directive asks for nothing.
func RenderScript(d Directive, r LocatorReport) string {
	if !d.Capture {
		return ""
	}
	failed := "false"
	if r.Failed {
		failed = "true"
	}
	return strings.NewReplacer(
		"%REQUEST%", QuoteScript(d.RequestID),
		"%SESSION%", QuoteScript(r.SessionID),
		"%TYPE%", QuoteScript(r.LocatorType),
		"%VALUE%", QuoteScript(r.LocatorValue),
		"%REGION%", QuoteScript(r.Region),
		"%FAILED%", failed,
	).Replace(captureTemplate)
}
