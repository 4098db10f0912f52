package fleet

import "errors"

// Error kinds shared across the control loops. Callers classify with
// errors.Is and pick retry policy from the kind, not the message.
var (
	// ErrNotFound marks an unknown pool or instance. Caller bug or stale
	// reference; never retried.
	ErrNotFound = errors.New("not found")

	// ErrConflict marks an optimistic-concurrency loss: the record changed
	// between snapshot and commit. Re-read and decide again.
	ErrConflict = errors.New("version conflict")

	// ErrTransient marks a rate-limited or timed-out call to the CI
	// platform or container runtime. Retried with backoff, bounded.
	ErrTransient = errors.New("transient platform error")

	// ErrCredentialExhausted marks a token refresh that ran out of attempts
	// before expiry. Triggers forced re-registration.
	ErrCredentialExhausted = errors.New("credential refresh exhausted")

	// ErrCapacityExceeded marks a scale-up blocked by the dynamic ceiling.
	// Backpressure to the router, not a failure.
	ErrCapacityExceeded = errors.New("dynamic ceiling reached")

	// ErrUnrecoverable marks an instance that failed recovery repeatedly
	// and is quarantined for operator attention.
	ErrUnrecoverable = errors.New("instance unrecoverable")

	// Driver create failures split in two so upstream retry policy can
	// differ: exhaustion clears on its own, a bad spec never does.
	ErrResourceExhausted = errors.New("runtime resources exhausted")
	ErrBadSpec           = errors.New("invalid unit spec")
)
