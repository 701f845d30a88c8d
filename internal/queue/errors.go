package queue

import "errors"

// Validation errors are rejected before any persistence happens and are never
// retried automatically.
var (
	ErrEmptyQueueName   = errors.New("duraq: queue name must not be empty")
	ErrInvalidQueueName = errors.New("duraq: queue name contains invalid characters")
	ErrEmptyType        = errors.New("duraq: message type must not be empty")
	ErrEmptyBody        = errors.New("duraq: body must not be empty")
	ErrNegativeRetries  = errors.New("duraq: max retries must be >= 0")
	ErrEmptyClaimantID  = errors.New("duraq: claimant id must not be empty")
)

// State errors guard the lifecycle invariants.
var (
	// ErrNotFound means no active message (or dead-letter record) has the
	// given id.
	ErrNotFound = errors.New("duraq: message not found")

	// ErrNotProcessing means Complete was called on a message that is not
	// currently claimed — including a second Complete on an already terminal
	// message. Repeated completions are rejected, never silently absorbed.
	ErrNotProcessing = errors.New("duraq: message is not in processing state")
)

// IsValidation reports whether err is one of the pre-persistence argument
// errors.
func IsValidation(err error) bool {
	return errors.Is(err, ErrEmptyQueueName) ||
		errors.Is(err, ErrInvalidQueueName) ||
		errors.Is(err, ErrEmptyType) ||
		errors.Is(err, ErrEmptyBody) ||
		errors.Is(err, ErrNegativeRetries) ||
		errors.Is(err, ErrEmptyClaimantID)
}
