package verification

// State is a step of the receiver's verification pipeline.
type State int

const (
	StateAwaitingMessage State = iota
	StateMessageReceived
	StateAuthenticated
	StateRejected
	StateFresh
	StateStale
	StateAuthorized
	StateUnauthorized
	StateStructurallyValid
	StateMalformed
	StatePendingExternalVerification
	StateVerified
	StateVerificationFailed
)

var stateNames = map[State]string{
	StateAwaitingMessage:             "AwaitingMessage",
	StateMessageReceived:             "MessageReceived",
	StateAuthenticated:               "Authenticated",
	StateRejected:                    "Rejected",
	StateFresh:                       "Fresh",
	StateStale:                       "Stale",
	StateAuthorized:                  "Authorized",
	StateUnauthorized:                "Unauthorized",
	StateStructurallyValid:           "StructurallyValid",
	StateMalformed:                   "Malformed",
	StatePendingExternalVerification: "PendingExternalVerification",
	StateVerified:                    "Verified",
	StateVerificationFailed:          "VerificationFailed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// IsRejection reports whether s is one of the security rejection terminals. They
// all look the same from the outside.
func (s State) IsRejection() bool {
	switch s {
	case StateRejected, StateStale, StateUnauthorized, StateMalformed:
		return true
	default:
		return false
	}
}

// IsFinal reports whether the session has been decided by the external verifier.
// A final session ignores further messages.
func (s State) IsFinal() bool {
	return s == StateVerified || s == StateVerificationFailed
}

// IsTerminal reports whether processing of a message stops in s.
func (s State) IsTerminal() bool {
	return s.IsRejection() || s.IsFinal()
}

const (
	StatusAwaiting         = "Waiting for ZKP and user ID..."
	StatusRejected         = "Proof message rejected."
	StatusChecking         = "Checking proof message..."
	StatusPending          = "Verifying proof on-chain..."
	StatusInvalid          = "ZKP invalid."
	statusVerifiedFormat   = "ZKP verified successfully! Welcome %s. You have %s. Enjoy decentralized streaming!"
	statusCallFailedFormat = "Verification failed: %s"
)
