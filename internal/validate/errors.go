package validate

import "errors"

var (
	// ErrInvalidChannelID is returned when a channel id does not match
	// the channel naming rules (1-32 lowercase alphanumeric, '-' or
	// '_', not starting with the reserved "__" prefix).
	ErrInvalidChannelID = errors.New("invalid channel id")

	// ErrInvalidNodeID is returned when a node id is not a 24-char
	// lowercase hex string.
	ErrInvalidNodeID = errors.New("invalid node id")

	// ErrInvalidSecret is returned when a circle secret is not 64 hex
	// chars (32 bytes).
	ErrInvalidSecret = errors.New("invalid circle secret")

	// ErrInvalidEndpoint is returned when a peer endpoint is not a
	// dialable host:port pair.
	ErrInvalidEndpoint = errors.New("invalid endpoint")
)
