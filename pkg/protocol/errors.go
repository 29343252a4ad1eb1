package protocol

import "github.com/pkg/errors"

var (
	// ErrUnauthorized is returned when the remote service rejects the identity.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrMalformed marks a payload that cannot be mapped to a canonical record.
	ErrMalformed = errors.New("malformed payload")

	// ErrInvalidConversation is returned for a conversation id the remote
	// service does not know or the caller may not read.
	ErrInvalidConversation = errors.New("invalid conversation")
)
