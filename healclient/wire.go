package healclient

// Wire types for the healing service. All payloads are JSON.

type InitRequest struct {
	User          string `json:"user"`
	Key           string `json:"key"`
	Endpoint      string `json:"endpoint,omitempty"`
	ClientVersion string `json:"client_version"`
}

type InitResponse struct {
	UserID                string `json:"user_id"`
	GroupID               string `json:"group_id"`
	SessionToken          string `json:"session_token"`
	IsHealingEnabled      bool   `json:"is_healing_enabled"`
	IsGroupAIEnabled      bool   `json:"is_group_ai_enabled"`
	DefaultLogDataEnabled bool   `json:"default_log_data_enabled"`
	UpgradeRequired       bool   `json:"upgrade_required,omitempty"`
	Message               string `json:"message,omitempty"`
}

type TokenRequest struct {
	SessionID string `json:"session_id"`
	Token     string `json:"token"`
}

// LocatorReport describes one lookup sent to the log or heal services.
type LocatorReport struct {
	LocatorType      string `json:"locator_type"`
	LocatorValue     string `json:"locator_value"`
	SessionID        string `json:"session_id"`
	UserID           string `json:"user_id,omitempty"`
	GroupID          string `json:"group_id,omitempty"`
	IsGroupAIEnabled bool   `json:"is_group_ai_enabled,omitempty"`
	Region           string `json:"region,omitempty"`
	Failed           bool   `json:"failed,omitempty"`
}

// Directive tells the client whether to capture the page for a request.
type Directive struct {
	Capture   bool   `json:"capture"`
	RequestID string `json:"request_id,omitempty"`
}

type PollRequest struct {
	SessionID string `json:"session_id"`
	Token     string `json:"token"`
}

type PollResponse struct {
	Ready    bool   `json:"ready"`
	Selector string `json:"selector,omitempty"`
	Value    string `json:"value,omitempty"`
}

// HealedLocator is a replacement locator returned by the service.
type HealedLocator struct {
	Selector string
	Value    string
}
