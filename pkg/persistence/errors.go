package persistence

import "errors"

// Standard persistence error types that all implementations return.
var (
	ErrInstanceNotFound     = errors.New("instance not found")
	ErrContactNotFound      = errors.New("contact not found")
	ErrFlowNotFound         = errors.New("flow not found")
	ErrSessionNotFound      = errors.New("session not found")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrDelayJobNotFound     = errors.New("delay job not found")

	// ErrDuplicateMessage indicates a message with the same
	// (contact_id, remote_id) is already stored. Webhook ingestion relies
	// on this for at-least-once dedup.
	ErrDuplicateMessage = errors.New("duplicate message")
)

func IsNotFound(err error) bool {
	return errors.Is(err, ErrInstanceNotFound) ||
		errors.Is(err, ErrContactNotFound) ||
		errors.Is(err, ErrFlowNotFound) ||
		errors.Is(err, ErrSessionNotFound) ||
		errors.Is(err, ErrConversationNotFound) ||
		errors.Is(err, ErrDelayJobNotFound)
}

func IsDuplicateMessage(err error) bool {
	return errors.Is(err, ErrDuplicateMessage)
}
