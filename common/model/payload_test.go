package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProofPayloadCanonicalize(t *testing.T) {
	p := &ProofPayload{
		SubjectID: "Venky123",
		OnchainProof: map[string]interface{}{
			"publicSignals": []string{"7"},
			"c":             []string{"5", "6"},
			"b":             [][]string{{"1", "2"}, {"3", "4"}},
			"a":             []string{"8", "9"},
		},
	}

	out, err := p.Canonicalize()
	require.NoError(t, err)
	assert.Equal(t,
		`{"onchain_proof":{"a":["8","9"],"b":[["1","2"],["3","4"]],"c":["5","6"],"publicSignals":["7"]},"user_id":"Venky123"}`,
		string(out))
}

func TestProofPayloadCanonicalizeNilProof(t *testing.T) {
	p := &ProofPayload{SubjectID: "x"}
	out, err := p.Canonicalize()
	require.NoError(t, err)
	assert.Equal(t, `{"onchain_proof":null,"user_id":"x"}`, string(out))
}
