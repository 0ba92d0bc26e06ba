package notification

import "errors"

// Sentinel errors returned by the senders. Callers use errors.Is.
var (
	// ErrSendFailed wraps any transport-level delivery failure. The queue
	// retries it until the attempt budget runs out.
	ErrSendFailed = errors.New("notification: send failed")

	// ErrInvalidConfig marks a channel whose stored config is missing or
	// malformed. Retrying cannot fix it, but the attempt budget still
	// bounds the job.
	ErrInvalidConfig = errors.New("notification: invalid channel config")
)
