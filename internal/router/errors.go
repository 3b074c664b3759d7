package router

import "formbar/pkg/types"

// Errors returned to the sender of an event that never reached a service.
var (
	ErrUnknownEvent      = types.Validation("unknown_event", "unknown event")
	ErrInvalidPayload    = types.Validation("invalid_payload", "event payload could not be decoded")
	ErrRateLimitExceeded = types.Validation("rate_limited", "too many events, slow down")
)
