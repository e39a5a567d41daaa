package milter

import "errors"

// Errors returned by the framing codec (internal/wire) and surfaced to session
// handling. TruncatedFrame at a packet boundary on a clean disconnect is not
// treated as an error further up the stack; see ignoreError.
var (
	// ErrTruncatedFrame is returned when the stream closed in the middle of a
	// packet (length or code/body bytes already consumed but the frame never
	// completed).
	ErrTruncatedFrame = errors.New("milter: truncated frame")

	// ErrMalformedFrame is returned for a frame with a declared length of zero
	// (a frame always carries at least the one-byte command code).
	ErrMalformedFrame = errors.New("milter: malformed frame")

	// ErrFrameTooLarge is returned when a frame's declared length exceeds the
	// configured maximum body size.
	ErrFrameTooLarge = errors.New("milter: frame exceeds maximum body size")
)

// ErrProtocolViolation is returned when a command arrives that the session's
// current stage does not expect (see the stage graph in session.go).
var ErrProtocolViolation = errors.New("milter: protocol violation")

// ErrUnsupportedVersion is returned during negotiation when the MTA offers a
// milter protocol version below the minimum this library supports.
var ErrUnsupportedVersion = errors.New("milter: unsupported protocol version")

// ErrActionNotOffered is returned during negotiation when the backend
// requires an action the MTA did not offer.
var ErrActionNotOffered = errors.New("milter: MTA does not offer a required action")

// ErrActionNotPermitted is a programming-error diagnostic: the backend tried
// to send a manipulation that was not part of the negotiated action set. The
// offending manipulation is not written to the wire ([Modifier] methods
// return this error instead); the rest of the response sequence proceeds.
// It is the same error value as [ErrModificationNotAllowed].
var ErrActionNotPermitted = ErrModificationNotAllowed

// ErrHookDeadline is surfaced (via LogWarning) when an application hook did
// not return within its per-command deadline.
var ErrHookDeadline = errors.New("milter: hook exceeded its deadline")

// ErrHookFailure wraps a non-nil error returned by an application hook.
var ErrHookFailure = errors.New("milter: hook reported a failure")

// ErrShutdown is the cause attached to session cancellation during a
// graceful server shutdown.
var ErrShutdown = errors.New("milter: server is shutting down")
