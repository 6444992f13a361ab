package model

import (
	"math/big"

	"github.com/pilacorp/go-proof-relay/common/canonical"
)

// MessageTypeZKPData is the discriminator carried by every relay envelope.
const MessageTypeZKPData = "ZKP_DATA"

// ProofPayload is the body a sender authenticates and a receiver decodes.
//
// OnchainProof is kept as generic JSON (maps, slices, json.Number, strings) until
// the structure validator turns it into a ProofTriple, so a malformed proof can
// still be authenticated and then rejected for its shape.
type ProofPayload struct {
	OnchainProof interface{} `json:"onchain_proof"`
	SubjectID    string      `json:"user_id"`
}

// Canonicalize returns the bytes the authentication tag is computed over.
func (p *ProofPayload) Canonicalize() ([]byte, error) {
	return canonical.Marshal(p)
}

// SignedMessage is a payload bound to its issue time by a tag.
type SignedMessage struct {
	Payload ProofPayload
	// IssuedAt is milliseconds since the Unix epoch.
	IssuedAt int64
	// Tag is the transport-encoded (base64) authentication code.
	Tag string
}

// ProofTriple is a Groth16 proof in the verifier contract's positional calling
// convention: verifyProof(a, b, c, publicSignals).
type ProofTriple struct {
	A             [2]*big.Int
	B             [2][2]*big.Int
	C             [2]*big.Int
	PublicSignals []*big.Int
}
