package queue

import "strings"

// queue names travel as bind parameters, never as SQL text, but arbitrary
// names still leak into metrics labels and HTTP paths. Keep them boring.
const maxQueueNameLen = 128

func validQueueNameChar(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z':
		return true
	case r >= 'A' && r <= 'Z':
		return true
	case r >= '0' && r <= '9':
		return true
	case r == '-' || r == '_' || r == '.':
		return true
	}
	return false
}

// ValidateQueueName rejects empty names and names with characters outside
// [A-Za-z0-9._-].
func ValidateQueueName(name string) error {
	if strings.TrimSpace(name) == "" {
		return ErrEmptyQueueName
	}
	if len(name) > maxQueueNameLen {
		return ErrInvalidQueueName
	}
	for _, r := range name {
		if !validQueueNameChar(r) {
			return ErrInvalidQueueName
		}
	}
	return nil
}

// ValidateEnqueue checks the arguments of an enqueue before anything is
// persisted.
func ValidateEnqueue(m *Message) error {
	if err := ValidateQueueName(m.Queue); err != nil {
		return err
	}
	if strings.TrimSpace(m.Type) == "" {
		return ErrEmptyType
	}
	if len(m.Body) == 0 {
		return ErrEmptyBody
	}
	if m.MaxRetries < 0 {
		return ErrNegativeRetries
	}
	return nil
}

// ValidateClaim checks the arguments of a claim.
func ValidateClaim(opts ClaimOptions) error {
	if err := ValidateQueueName(opts.Queue); err != nil {
		return err
	}
	if strings.TrimSpace(opts.ClaimantID) == "" {
		return ErrEmptyClaimantID
	}
	return nil
}
