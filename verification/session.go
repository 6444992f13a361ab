package verification

import (
	"github.com/pilacorp/go-proof-relay/common/canonical"
	"github.com/pilacorp/go-proof-relay/common/model"
	"github.com/pilacorp/go-proof-relay/common/relayerr"
	"github.com/pilacorp/go-proof-relay/registry"
)

// Subject is the identity a verified session belongs to.
type Subject struct {
	ID          string
	DisplayName string
	AccessTier  registry.AccessTier
}

// Session is the per-page-load verification state. It starts empty and is
// populated once, by the first message that passes every check.
type Session struct {
	ID     string
	State  State
	Status string
	// Reason is the failure class of the last processed message. It is for logs
	// and diagnostics only and is never part of Status.
	Reason relayerr.ReasonCode

	// Payload and Subject are set only once a message passed every check.
	Payload *model.ProofPayload
	Subject *Subject
}

// Populated reports whether a message has been accepted into the session.
func (s Session) Populated() bool {
	return s.Payload != nil
}

func (s Session) clone() Session {
	out := s
	if s.Payload != nil {
		p := *s.Payload
		p.OnchainProof = canonical.Clone(s.Payload.OnchainProof)
		out.Payload = &p
	}
	if s.Subject != nil {
		sub := *s.Subject
		out.Subject = &sub
	}
	return out
}
