package healing

// FailureClass names the error taxonomy used in logs and events. None of
// these ever reach a lookup caller.
type FailureClass string

const (
	// AuthFailure: credentials rejected or service unreachable.
	AuthFailure FailureClass = "auth_failure"
	// UpgradeRequired: client too old; healing off for the run.
	UpgradeRequired FailureClass = "upgrade_required"
	// HealingAttemptFailure: heal, execute or poll failed; the lookup
	// degrades to its original result.
	HealingAttemptFailure FailureClass = "healing_attempt_failure"
	// SetupFailure: augmentation, binding or companion install failed;
	// the session runs without (full) healing.
	SetupFailure FailureClass = "setup_failure"
)
