// Package authenticator binds a proof payload to its issue time with a keyed tag.
//
// The signing input is the canonical payload bytes followed by the decimal issue
// time in milliseconds. The default scheme is HMAC-SHA256 with a shared secret;
// an asymmetric secp256k1 scheme is available for deployments that can distribute
// a public key to the receiver instead of a secret.
package authenticator

import (
	"fmt"
	"strconv"

	"github.com/pilacorp/go-proof-relay/common/model"
	"github.com/pilacorp/go-proof-relay/common/relayerr"
)

// Signer produces a transport-encoded tag over a message.
type Signer interface {
	Sign(message []byte) (string, error)
}

// Verifier checks a transport-encoded tag. Any malformed tag verifies false.
type Verifier interface {
	Verify(message []byte, tag string) bool
}

// SigningInput returns canonical(payload) || decimal(issuedAt).
func SigningInput(payload *model.ProofPayload, issuedAt int64) ([]byte, error) {
	if payload == nil {
		return nil, fmt.Errorf("payload is nil")
	}
	body, err := payload.Canonicalize()
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize payload: %w", err)
	}
	return strconv.AppendInt(body, issuedAt, 10), nil
}

// SignPayload computes the tag for payload at issuedAt.
func SignPayload(s Signer, payload *model.ProofPayload, issuedAt int64) (string, error) {
	input, err := SigningInput(payload, issuedAt)
	if err != nil {
		return "", err
	}
	return s.Sign(input)
}

// VerifyPayload recomputes the signing input and checks tag against it.
func VerifyPayload(v Verifier, payload *model.ProofPayload, issuedAt int64, tag string) bool {
	input, err := SigningInput(payload, issuedAt)
	if err != nil {
		return false
	}
	return v.Verify(input, tag)
}

// CheckMessage verifies msg and returns an error wrapping relayerr.ErrAuthMismatch
// when the tag does not match.
func CheckMessage(v Verifier, msg *model.SignedMessage) error {
	if msg == nil || !VerifyPayload(v, &msg.Payload, msg.IssuedAt, msg.Tag) {
		return relayerr.ErrAuthMismatch
	}
	return nil
}

// Sign is the shared-secret form of SignPayload.
func Sign(payload *model.ProofPayload, issuedAt int64, secret []byte) (string, error) {
	h, err := NewHMAC(secret)
	if err != nil {
		return "", err
	}
	return SignPayload(h, payload, issuedAt)
}

// Verify is the shared-secret form of VerifyPayload.
func Verify(payload *model.ProofPayload, issuedAt int64, tag string, secret []byte) bool {
	h, err := NewHMAC(secret)
	if err != nil {
		return false
	}
	return VerifyPayload(h, payload, issuedAt, tag)
}
