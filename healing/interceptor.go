package healing

import (
	"context"
	"fmt"

	"github.com/hazyhaar/selfheal/session"
)

// InterceptorName is the Finder decorator name; installing it twice is a
// no-op.
const InterceptorName = "selfheal"

// Intercept decorates sess's element lookup with the recovery protocol.
// It reports whether the decorator was newly installed. The decorated
// lookup always returns a LookupResult and never panics: a defect in the
// protocol falls back to one more call of the undecorated lookup.
func (h *Healer) Intercept(sess session.Session, auth AuthResult, opts Options) bool {
	sessionID := sess.ID()
	installed := sess.Finder().Use(InterceptorName, func(next session.LookupFunc) session.LookupFunc {
		return func(ctx context.Context, using, value string) (res session.LookupResult) {
			defer func() {
				if r := recover(); r != nil {
					h.logger.ErrorContext(ctx, "healing: interceptor recovered panic",
						"class", HealingAttemptFailure, "session", sessionID,
						"panic", fmt.Sprint(r))
					res = safePerform(ctx, next, using, value)
				}
			}()
			return h.Run(ctx, sess, auth, opts, Attempt{
				Using:     using,
				Value:     value,
				SessionID: sessionID,
				Perform:   next,
			})
		}
	})
	if installed {
		h.logger.Debug("healing: interceptor installed",
			"session", sessionID, "self_heal", opts.SelfHeal, "degraded", opts.Degraded)
	}
	return installed
}
