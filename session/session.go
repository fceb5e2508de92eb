// Package session defines what the healing layer needs from a live
// automation session: identity, capabilities, script execution, add-on
// installation and a replaceable element lookup.
//
// Drivers hand their undecorated lookup to NewFinder; decorators are
// layered on top with Finder.Use, once per name.
package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/hazyhaar/selfheal/capability"
)

// W3C locator strategies.
const (
	UsingCSS             = "css selector"
	UsingXPath           = "xpath"
	UsingLinkText        = "link text"
	UsingPartialLinkText = "partial link text"
	UsingTagName         = "tag name"
)

// W3C lookup error codes.
const (
	CodeNoSuchElement   = "no such element"
	CodeInvalidSelector = "invalid selector"
	CodeUnknownError    = "unknown error"
)

// LookupError is the failure half of a LookupResult.
type LookupError struct {
	Code    string
	Message string
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// LookupResult is either a located element or a tagged failure. Callers
// only ever test Failed; the element handle is opaque.
type LookupResult struct {
	Element any
	Err     *LookupError
}

// Failed reports whether the result carries an error.
func (r LookupResult) Failed() bool { return r.Err != nil }

// Found wraps a located element.
func Found(el any) LookupResult { return LookupResult{Element: el} }

// NotFound builds the standard "no such element" failure.
func NotFound(using, value string) LookupResult {
	return LookupResult{Err: &LookupError{
		Code:    CodeNoSuchElement,
		Message: fmt.Sprintf("unable to locate element: %s=%s", using, value),
	}}
}

// Failure wraps an arbitrary driver error as an "unknown error" result.
func Failure(err error) LookupResult {
	return LookupResult{Err: &LookupError{Code: CodeUnknownError, Message: err.Error()}}
}

// LookupFunc finds one element.
type LookupFunc func(ctx context.Context, using, value string) LookupResult

// LookupMiddleware wraps a LookupFunc with additional behaviour.
type LookupMiddleware func(next LookupFunc) LookupFunc

// Finder owns a session's element lookup and the named decorators layered
// on it. Safe for concurrent use.
type Finder struct {
	mu      sync.RWMutex
	base    LookupFunc
	current LookupFunc
	names   map[string]bool
}

// NewFinder returns a Finder that dispatches to base until decorated.
func NewFinder(base LookupFunc) *Finder {
	return &Finder{base: base, current: base, names: make(map[string]bool)}
}

// Find runs the decorated lookup.
func (f *Finder) Find(ctx context.Context, using, value string) LookupResult {
	f.mu.RLock()
	fn := f.current
	f.mu.RUnlock()
	return fn(ctx, using, value)
}

// Original returns the undecorated driver lookup.
func (f *Finder) Original() LookupFunc {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.base
}

// Use layers mw over the current lookup under name. It returns false and
// leaves the chain untouched if name is already installed.
func (f *Finder) Use(name string, mw LookupMiddleware) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.names[name] {
		return false
	}
	f.current = mw(f.current)
	f.names[name] = true
	return true
}

// Installed reports whether a decorator named name is in the chain.
func (f *Finder) Installed(name string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.names[name]
}

// Session is a live automation session.
type Session interface {
	ID() string
	Capabilities() capability.Capability
	// Execute runs a synchronous script in the page and returns its value.
	Execute(ctx context.Context, script string) (any, error)
	// InstallAddOn installs a base64-encoded browser extension.
	InstallAddOn(ctx context.Context, b64 string, temporary bool) error
	Finder() *Finder
	// Done is closed when the session is torn down.
	Done() <-chan struct{}
}

// ErrUnsupported is returned by drivers for operations their engine lacks.
type ErrUnsupported struct {
	Op      string
	Browser string
}

func (e *ErrUnsupported) Error() string {
	return fmt.Sprintf("session: %s not supported on %s", e.Op, e.Browser)
}
