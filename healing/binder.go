package healing

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hazyhaar/selfheal/capability"
	"github.com/hazyhaar/selfheal/horosafe"
	"github.com/hazyhaar/selfheal/observability"
	"github.com/hazyhaar/selfheal/session"
)

// CompanionSource resolves the packaged companion extension for a family,
// base64-encoded.
type CompanionSource interface {
	Companion(fam capability.Family) (string, error)
}

// CompanionDir loads <dir>/selfheal-<family>.xpi.
type CompanionDir string

func (d CompanionDir) Companion(fam capability.Family) (string, error) {
	name := "selfheal-" + string(fam) + ".xpi"
	if err := horosafe.ValidateIdentifier(name); err != nil {
		return "", fmt.Errorf("healing: companion name: %w", err)
	}
	path, err := horosafe.SafePath(string(d), name)
	if err != nil {
		return "", fmt.Errorf("healing: companion path: %w", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("healing: read companion %s: %w", filepath.Base(path), err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// StaticCompanion serves one pre-encoded extension for every family.
type StaticCompanion string

func (s StaticCompanion) Companion(capability.Family) (string, error) {
	if s == "" {
		return "", fmt.Errorf("healing: no companion extension configured")
	}
	return string(s), nil
}

// NeedsCompanion reports whether the engine must get the companion
// extension installed into the running session. Chromium browsers load
// it from capabilities at launch instead.
func NeedsCompanion(c capability.Capability) bool {
	return c.Family() == capability.FamilyFirefox
}

// Bind registers sessionID with the service under token so later log and
// heal calls are attributed. It reports false on failure.
func (h *Healer) Bind(ctx context.Context, sessionID, token string) bool {
	if err := h.remote.SetToken(ctx, sessionID, token); err != nil {
		h.logger.WarnContext(ctx, "healing: session binding failed",
			"class", SetupFailure, "session", sessionID, "error", err)
		h.emit(ctx, observability.Event{
			Kind: observability.EventSetupFailure, SessionID: sessionID, Message: err.Error(),
		})
		return false
	}
	return true
}

// InstallCompanionExtension installs the companion extension when the
// session's engine needs one. It reports false when the install was needed
// and failed: that session should run with logging only.
func (h *Healer) InstallCompanionExtension(ctx context.Context, sess session.Session) bool {
	caps := sess.Capabilities()
	if !NeedsCompanion(caps) {
		return true
	}
	err := h.installCompanion(ctx, sess, caps.Family())
	if err == nil {
		h.logger.DebugContext(ctx, "healing: companion extension installed", "session", sess.ID())
		return true
	}
	h.logger.WarnContext(ctx, "healing: companion install failed, session degraded to logging",
		"class", SetupFailure, "session", sess.ID(), "error", err)
	h.emit(ctx, observability.Event{
		Kind: observability.EventSetupFailure, SessionID: sess.ID(), Message: err.Error(),
		Attrs: map[string]string{"stage": "companion"},
	})
	return false
}

func (h *Healer) installCompanion(ctx context.Context, sess session.Session, fam capability.Family) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("healing: companion install panic: %v", r)
		}
	}()
	if h.companion == nil {
		return fmt.Errorf("healing: no companion source")
	}
	b64, err := h.companion.Companion(fam)
	if err != nil {
		return err
	}
	return sess.InstallAddOn(ctx, b64, true)
}
