package browser

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"testing"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/cdp"

	"github.com/hazyhaar/selfheal/session"
)

func TestShouldBlock(t *testing.T) {
	set := map[string]bool{"images": true, "fonts": true}
	cases := map[string]bool{
		"Image":      true,
		"font":       true,
		"Media":      false,
		"Stylesheet": false,
		"Document":   false,
	}
	for typ, want := range cases {
		if got := shouldBlock(set, typ); got != want {
			t.Errorf("shouldBlock(%q) = %v, want %v", typ, got, want)
		}
	}
}

func TestLinkTextPattern(t *testing.T) {
	exact := linkTextPattern("Sign in (beta)", false)
	re := regexp.MustCompile(exact[1 : len(exact)-1])
	if !re.MatchString("  Sign in (beta) ") {
		t.Fatalf("%s should match padded text", exact)
	}
	if re.MatchString("Sign in (beta) now") {
		t.Fatalf("%s should not match longer text", exact)
	}

	partial := linkTextPattern("in (b", true)
	re = regexp.MustCompile(partial[1 : len(partial)-1])
	if !re.MatchString("Sign in (beta)") {
		t.Fatalf("%s should match substring", partial)
	}
}

func TestClassify(t *testing.T) {
	ctx := context.Background()

	res := classify(ctx, "css selector", "#x", &rod.ElementNotFoundError{})
	if res.Err == nil || res.Err.Code != session.CodeNoSuchElement {
		t.Fatalf("not found: %+v", res.Err)
	}

	res = classify(ctx, "css selector", "#x", fmt.Errorf("wait: %w", context.DeadlineExceeded))
	if res.Err == nil || res.Err.Code != session.CodeNoSuchElement {
		t.Fatalf("own timeout: %+v", res.Err)
	}

	res = classify(ctx, "css selector", "##", &cdp.Error{Code: -32000, Message: "DOM Error while querying"})
	if res.Err == nil || res.Err.Code != session.CodeInvalidSelector {
		t.Fatalf("cdp: %+v", res.Err)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	res = classify(cancelled, "css selector", "#x", context.Canceled)
	if res.Err == nil || res.Err.Code != session.CodeUnknownError {
		t.Fatalf("cancelled: %+v", res.Err)
	}

	res = classify(ctx, "xpath", "//a", errors.New("websocket closed"))
	if res.Err == nil || res.Err.Code != session.CodeUnknownError {
		t.Fatalf("other: %+v", res.Err)
	}
}

func TestManagerStartAfterClose(t *testing.T) {
	m := NewManager(Config{})
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	if err := m.Start(context.Background()); err == nil {
		t.Fatal("Start after Close should fail")
	}
	if m.cfg.FindTimeout == 0 || m.cfg.Logger == nil {
		t.Fatalf("defaults not applied: %+v", m.cfg)
	}
}

func TestOpenWithoutBrowser(t *testing.T) {
	if _, err := Open(context.Background(), NewManager(Config{}), nil, ""); err == nil {
		t.Fatal("Open without Start should fail")
	}
}
