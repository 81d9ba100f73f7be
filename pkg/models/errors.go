package models

import "errors"

var (
	// ErrConfigRejected is returned when the headset refuses a proposed StreamConfig.
	// The negotiator retries with a fallback configuration.
	ErrConfigRejected = errors.New("stream config rejected")

	// ErrFrameTimeout marks a frame that exceeded its processing budget.
	ErrFrameTimeout = errors.New("frame exceeded its budget")

	// ErrSessionInvalidated is returned for work tagged with a session that is no longer active.
	ErrSessionInvalidated = errors.New("session invalidated")

	// ErrMalformedFeedback is returned for acknowledgments that are out of order,
	// reference unknown frames, or carry impossible values.
	ErrMalformedFeedback = errors.New("malformed feedback")

	// ErrSessionEstablishment is returned when negotiation fails after all fallbacks.
	ErrSessionEstablishment = errors.New("session establishment failed")

	// ErrInvalidConfig is returned when a StreamConfig violates its invariants.
	ErrInvalidConfig = errors.New("invalid configuration")
)
