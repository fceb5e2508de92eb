package browser

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/cdp"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/hazyhaar/selfheal/capability"
	"github.com/hazyhaar/selfheal/session"
)

// Session is one Rod page driven as a healable automation session.
type Session struct {
	page      *rod.Page
	id        string
	caps      capability.Capability
	mgr       *Manager
	finder    *session.Finder
	hijack    *rod.HijackRouter
	done      chan struct{}
	closeOnce sync.Once
}

var _ session.Session = (*Session)(nil)

// Open creates a tab, navigates to pageURL and returns it as a Session.
// caps is what the session was negotiated with; a missing browserName
// defaults to chrome.
func Open(ctx context.Context, mgr *Manager, caps capability.Capability, pageURL string) (*Session, error) {
	b := mgr.Browser()
	if b == nil {
		return nil, fmt.Errorf("browser: no active browser")
	}

	var page *rod.Page
	var err error
	if mgr.cfg.Stealth {
		page, err = stealth.Page(b)
	} else {
		page, err = b.Page(proto.TargetCreateTarget{URL: ""})
	}
	if err != nil {
		return nil, fmt.Errorf("browser: create tab: %w", err)
	}

	s := &Session{
		page: page,
		id:   string(page.TargetID),
		caps: caps.Clone(),
		mgr:  mgr,
		done: make(chan struct{}),
	}
	if s.caps == nil {
		s.caps = capability.Capability{}
	}
	if s.caps.BrowserName() == "" {
		s.caps[capability.KeyBrowserName] = "chrome"
	}
	s.finder = session.NewFinder(s.lookup)

	if len(mgr.cfg.ResourceBlocking) > 0 {
		s.hijack = applyResourceBlocking(page, mgr.cfg.ResourceBlocking)
	}

	if pageURL != "" {
		navCtx, cancel := context.WithTimeout(ctx, mgr.cfg.NavigateTimeout)
		defer cancel()
		if err := page.Context(navCtx).Navigate(pageURL); err != nil {
			s.Close()
			return nil, fmt.Errorf("browser: navigate %s: %w", pageURL, err)
		}
		if err := page.Context(navCtx).WaitLoad(); err != nil {
			mgr.cfg.Logger.Warn("browser: wait load timeout", "url", pageURL, "error", err)
		}
	}
	return s, nil
}

func (s *Session) ID() string                          { return s.id }
func (s *Session) Capabilities() capability.Capability { return s.caps }
func (s *Session) Finder() *session.Finder             { return s.finder }
func (s *Session) Done() <-chan struct{}               { return s.done }

// Page exposes the underlying Rod page.
func (s *Session) Page() *rod.Page { return s.page }

// Execute runs script as the body of a function in the page.
func (s *Session) Execute(ctx context.Context, script string) (any, error) {
	res, err := s.page.Context(ctx).Eval("() => {" + script + "}")
	if err != nil {
		return nil, fmt.Errorf("browser: execute: %w", err)
	}
	return res.Value.Val(), nil
}

// InstallAddOn is not available over CDP; Chromium extensions are loaded
// at launch instead.
func (s *Session) InstallAddOn(context.Context, string, bool) error {
	return &session.ErrUnsupported{Op: "install add-on", Browser: s.caps.BrowserName()}
}

// Close closes the tab and signals Done. Safe to call more than once.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.hijack != nil {
			s.hijack.Stop()
		}
		err = s.page.Close()
		close(s.done)
	})
	return err
}

// lookup is the undecorated driver lookup.
func (s *Session) lookup(ctx context.Context, using, value string) session.LookupResult {
	p := s.page.Context(ctx).Timeout(s.mgr.cfg.FindTimeout)
	defer p.CancelTimeout()

	var (
		el  *rod.Element
		err error
	)
	switch using {
	case session.UsingCSS, session.UsingTagName:
		el, err = p.Element(value)
	case session.UsingXPath:
		el, err = p.ElementX(value)
	case session.UsingLinkText:
		el, err = p.ElementR("a", linkTextPattern(value, false))
	case session.UsingPartialLinkText:
		el, err = p.ElementR("a", linkTextPattern(value, true))
	default:
		return session.LookupResult{Err: &session.LookupError{
			Code:    session.CodeInvalidSelector,
			Message: "unsupported locator strategy: " + using,
		}}
	}
	if err != nil {
		return classify(ctx, using, value, err)
	}
	return session.Found(el)
}

// linkTextPattern builds the regex ElementR matches against link text.
func linkTextPattern(text string, partial bool) string {
	q := regexp.QuoteMeta(text)
	if partial {
		return "/" + q + "/"
	}
	return `/^\s*` + q + `\s*$/`
}

// classify maps a Rod lookup error onto a W3C lookup failure. A lookup
// that ran out of its own time budget is "no such element"; a caller
// cancellation stays an unknown error.
func classify(ctx context.Context, using, value string, err error) session.LookupResult {
	var cdpErr *cdp.Error
	var notFound *rod.ElementNotFoundError
	switch {
	case errors.As(err, &notFound):
		return session.NotFound(using, value)
	case ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded):
		return session.NotFound(using, value)
	case errors.As(err, &cdpErr):
		return session.LookupResult{Err: &session.LookupError{
			Code:    session.CodeInvalidSelector,
			Message: fmt.Sprintf("%s=%s: %s", using, value, cdpErr.Message),
		}}
	}
	return session.Failure(err)
}
