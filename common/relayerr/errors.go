// Package relayerr holds the error taxonomy shared by the relay components.
//
// Components wrap one of the sentinel errors with detail; callers classify with
// errors.Is or ReasonOf and never parse error strings.
package relayerr

import "errors"

// ReasonCode is the stable, loggable name of a failure class.
type ReasonCode string

const (
	ReasonNone                ReasonCode = ""
	ReasonAuthMismatch        ReasonCode = "AuthMismatch"
	ReasonStaleMessage        ReasonCode = "StaleMessage"
	ReasonMalformedProof      ReasonCode = "MalformedProof"
	ReasonUnauthorizedSubject ReasonCode = "UnauthorizedSubject"
	ReasonExternalCallFailure ReasonCode = "ExternalCallFailure"
	ReasonMalformedMessage    ReasonCode = "MalformedMessage"
	ReasonNotRelayMessage     ReasonCode = "NotRelayMessage"
	ReasonUnknown             ReasonCode = "Unknown"
)

var (
	// ErrAuthMismatch covers both a tampered message and a wrong secret.
	ErrAuthMismatch = errors.New("authentication tag mismatch")
	// ErrStaleMessage means the timestamp is outside the freshness window.
	ErrStaleMessage = errors.New("stale message")
	// ErrMalformedProof means the proof does not fit the verifier calling convention.
	ErrMalformedProof = errors.New("malformed proof")
	// ErrUnauthorizedSubject means the subject is not in the registry.
	ErrUnauthorizedSubject = errors.New("unauthorized subject")
	// ErrExternalCallFailure wraps any failure of the external verifier call.
	ErrExternalCallFailure = errors.New("external verifier call failed")
	// ErrMalformedMessage means a ZKP_DATA envelope failed schema validation.
	ErrMalformedMessage = errors.New("malformed relay message")
	// ErrNotRelayMessage means the broadcast is not addressed to the relay at all.
	ErrNotRelayMessage = errors.New("not a relay message")
)

// ReasonOf classifies err. A nil error yields ReasonNone.
func ReasonOf(err error) ReasonCode {
	switch {
	case err == nil:
		return ReasonNone
	case errors.Is(err, ErrAuthMismatch):
		return ReasonAuthMismatch
	case errors.Is(err, ErrStaleMessage):
		return ReasonStaleMessage
	case errors.Is(err, ErrMalformedProof):
		return ReasonMalformedProof
	case errors.Is(err, ErrUnauthorizedSubject):
		return ReasonUnauthorizedSubject
	case errors.Is(err, ErrExternalCallFailure):
		return ReasonExternalCallFailure
	case errors.Is(err, ErrMalformedMessage):
		return ReasonMalformedMessage
	case errors.Is(err, ErrNotRelayMessage):
		return ReasonNotRelayMessage
	default:
		return ReasonUnknown
	}
}

// IsSecurityRejection reports whether err belongs to a class whose details must not
// be shown to the user.
func IsSecurityRejection(err error) bool {
	switch ReasonOf(err) {
	case ReasonAuthMismatch, ReasonStaleMessage, ReasonMalformedProof,
		ReasonUnauthorizedSubject, ReasonMalformedMessage:
		return true
	default:
		return false
	}
}
