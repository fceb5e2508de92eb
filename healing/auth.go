package healing

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/hazyhaar/selfheal/connectivity"
	"github.com/hazyhaar/selfheal/healclient"
	"github.com/hazyhaar/selfheal/observability"
)

// EnvAuthResult carries the encoded AuthResult from the launcher to
// worker processes.
const EnvAuthResult = "SELFHEAL_AUTH_RESULT"

// AuthResult is the outcome of authenticating against the healing
// service. It is a value: once built it is only copied, never mutated.
type AuthResult struct {
	IsAuthenticated       bool   `json:"is_authenticated"`
	Status                int    `json:"status,omitempty"`
	Message               string `json:"message,omitempty"`
	UserID                string `json:"user_id,omitempty"`
	GroupID               string `json:"group_id,omitempty"`
	SessionToken          string `json:"session_token,omitempty"`
	IsHealingEnabled      bool   `json:"is_healing_enabled,omitempty"`
	IsGroupAIEnabled      bool   `json:"is_group_ai_enabled,omitempty"`
	DefaultLogDataEnabled bool   `json:"default_log_data_enabled,omitempty"`
	UpgradeRequired       bool   `json:"upgrade_required,omitempty"`
}

// Encode serializes a for a worker process environment.
func (a AuthResult) Encode() (string, error) {
	b, err := json.Marshal(a)
	if err != nil {
		return "", fmt.Errorf("healing: encode auth: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// DecodeAuthResult reverses Encode.
func DecodeAuthResult(s string) (AuthResult, error) {
	var a AuthResult
	b, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return a, fmt.Errorf("healing: decode auth: %w", err)
	}
	if err := json.Unmarshal(b, &a); err != nil {
		return a, fmt.Errorf("healing: decode auth: %w", err)
	}
	return a, nil
}

// AuthFromEnv rehydrates the launcher's AuthResult, if one was exported.
func AuthFromEnv() (AuthResult, bool) {
	v := os.Getenv(EnvAuthResult)
	if v == "" {
		return AuthResult{}, false
	}
	a, err := DecodeAuthResult(v)
	if err != nil {
		return AuthResult{}, false
	}
	return a, true
}

// Authenticate contacts the service's init operation. It never fails:
// rejections and network errors come back as IsAuthenticated=false with
// Status and Message set. There are no retries at this layer.
func (h *Healer) Authenticate(ctx context.Context, user, key string) AuthResult {
	if user == "" || key == "" {
		res := AuthResult{Message: "healing: missing username or access key"}
		h.logger.WarnContext(ctx, "healing: authentication skipped", "reason", res.Message)
		h.emit(ctx, observability.Event{Kind: observability.EventInitFailure, Message: res.Message})
		return res
	}

	resp, err := h.remote.Init(ctx, user, key)
	if err != nil {
		return h.authFailure(ctx, err)
	}

	if resp.UpgradeRequired {
		res := AuthResult{Status: http.StatusUpgradeRequired, Message: resp.Message, UpgradeRequired: true}
		h.emit(ctx, observability.Event{Kind: observability.EventUpgradeRequired, Status: res.Status, Message: res.Message})
		return res
	}

	res := AuthResult{
		IsAuthenticated:       true,
		Status:                http.StatusOK,
		Message:               resp.Message,
		UserID:                resp.UserID,
		GroupID:               resp.GroupID,
		SessionToken:          resp.SessionToken,
		IsHealingEnabled:      resp.IsHealingEnabled,
		IsGroupAIEnabled:      resp.IsGroupAIEnabled,
		DefaultLogDataEnabled: resp.DefaultLogDataEnabled,
	}
	h.logger.InfoContext(ctx, "healing: authenticated",
		"user_id", res.UserID, "group_id", res.GroupID,
		"healing_enabled", res.IsHealingEnabled, "log_data", res.DefaultLogDataEnabled)
	h.emit(ctx, observability.Event{Kind: observability.EventAuthSuccess, Status: res.Status})
	return res
}

func (h *Healer) authFailure(ctx context.Context, err error) AuthResult {
	code := healclient.StatusCode(err)
	res := AuthResult{Status: code, Message: failureMessage(err)}

	var kind observability.EventKind
	switch {
	case code == http.StatusUpgradeRequired:
		res.UpgradeRequired = true
		kind = observability.EventUpgradeRequired
	case code >= 500:
		kind = observability.EventAuthFailure5xx
	case code >= 400:
		kind = observability.EventAuthFailure4xx
	default:
		kind = observability.EventInitFailure
	}

	h.logger.WarnContext(ctx, "healing: authentication failed",
		"status", code, "class", kind, "failure", connectivity.Classify(err), "error", err)
	h.emit(ctx, observability.Event{Kind: kind, Status: code, Message: res.Message})
	return res
}

// failureMessage prefers the service's own "message" field.
func failureMessage(err error) string {
	var status *connectivity.ErrHTTPStatus
	if errors.As(err, &status) {
		var body struct {
			Message string `json:"message"`
		}
		if json.Unmarshal([]byte(status.Body), &body) == nil && body.Message != "" {
			return body.Message
		}
		if b := strings.TrimSpace(status.Body); b != "" {
			return b
		}
		return http.StatusText(status.Code)
	}
	return err.Error()
}
