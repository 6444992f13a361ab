// Package groth16 verifies proofs in the verifier contract's calling convention
// locally, against a snarkjs verification key on the bn128 (BN254) curve.
//
// It answers the same question as the deployed contract and accepts the same
// encoding: b's G2 coordinates are in the contract's swapped (c1, c0) order.
package groth16

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"

	"github.com/consensys/gnark-crypto/ecc/bn254"
	"github.com/consensys/gnark-crypto/ecc/bn254/fp"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/pilacorp/go-proof-relay/common/model"
	"github.com/pilacorp/go-proof-relay/common/relayerr"
)

// VerifyingKeyJSON is snarkjs' verification_key.json.
type VerifyingKeyJSON struct {
	Protocol string     `json:"protocol"`
	Curve    string     `json:"curve"`
	NPublic  int        `json:"nPublic"`
	Alpha1   []string   `json:"vk_alpha_1"`
	Beta2    [][]string `json:"vk_beta_2"`
	Gamma2   [][]string `json:"vk_gamma_2"`
	Delta2   [][]string `json:"vk_delta_2"`
	IC       [][]string `json:"IC"`
}

// VerifyingKey is a parsed, curve-checked verification key.
type VerifyingKey struct {
	alpha bn254.G1Affine
	beta  bn254.G2Affine
	gamma bn254.G2Affine
	delta bn254.G2Affine
	ic    []bn254.G1Affine
}

// NPublic returns the number of public signals the key expects.
func (vk *VerifyingKey) NPublic() int {
	return len(vk.ic) - 1
}

// LoadVerifyingKey reads a snarkjs verification key file.
func LoadVerifyingKey(path string) (*VerifyingKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read verification key: %w", err)
	}
	return ParseVerifyingKey(data)
}

func ParseVerifyingKey(data []byte) (*VerifyingKey, error) {
	var raw VerifyingKeyJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to unmarshal verification key: %w", err)
	}
	if raw.Protocol != "groth16" {
		return nil, fmt.Errorf("unsupported protocol %q", raw.Protocol)
	}
	if raw.Curve != "bn128" && raw.Curve != "bn254" {
		return nil, fmt.Errorf("unsupported curve %q", raw.Curve)
	}
	if len(raw.IC) == 0 || len(raw.IC) != raw.NPublic+1 {
		return nil, fmt.Errorf("verification key has %d IC points for %d public signals", len(raw.IC), raw.NPublic)
	}

	vk := &VerifyingKey{ic: make([]bn254.G1Affine, len(raw.IC))}
	var err error
	if vk.alpha, err = g1FromStrings(raw.Alpha1); err != nil {
		return nil, fmt.Errorf("vk_alpha_1: %w", err)
	}
	if vk.beta, err = g2FromStrings(raw.Beta2); err != nil {
		return nil, fmt.Errorf("vk_beta_2: %w", err)
	}
	if vk.gamma, err = g2FromStrings(raw.Gamma2); err != nil {
		return nil, fmt.Errorf("vk_gamma_2: %w", err)
	}
	if vk.delta, err = g2FromStrings(raw.Delta2); err != nil {
		return nil, fmt.Errorf("vk_delta_2: %w", err)
	}
	for i, p := range raw.IC {
		if vk.ic[i], err = g1FromStrings(p); err != nil {
			return nil, fmt.Errorf("IC[%d]: %w", i, err)
		}
	}
	return vk, nil
}

// Verifier checks proofs against one verification key.
type Verifier struct {
	vk *VerifyingKey
}

func NewVerifier(vk *VerifyingKey) (*Verifier, error) {
	if vk == nil {
		return nil, errors.New("verification key is required")
	}
	return &Verifier{vk: vk}, nil
}

// VerifyProof returns false for a proof that does not satisfy the pairing
// equation, including one with points off the curve or public signals outside the
// scalar field, as the contract does. A public signal count that does not match
// the key is an error.
func (v *Verifier) VerifyProof(ctx context.Context, proof *model.ProofTriple) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, fmt.Errorf("%w: %w", relayerr.ErrExternalCallFailure, err)
	}
	if proof == nil {
		return false, fmt.Errorf("%w: proof is nil", relayerr.ErrExternalCallFailure)
	}
	if len(proof.PublicSignals) != v.vk.NPublic() {
		return false, fmt.Errorf("%w: verification key expects %d public signals, got %d",
			relayerr.ErrExternalCallFailure, v.vk.NPublic(), len(proof.PublicSignals))
	}

	a, err := g1FromInts(proof.A[0], proof.A[1])
	if err != nil {
		return false, nil
	}
	// The contract convention lists each G2 coordinate as (c1, c0).
	b, err := g2FromInts(proof.B[0][1], proof.B[0][0], proof.B[1][1], proof.B[1][0])
	if err != nil {
		return false, nil
	}
	c, err := g1FromInts(proof.C[0], proof.C[1])
	if err != nil {
		return false, nil
	}

	r := fr.Modulus()
	vkx := v.vk.ic[0]
	for i, s := range proof.PublicSignals {
		if s == nil || s.Sign() < 0 || s.Cmp(r) >= 0 {
			return false, nil
		}
		var term bn254.G1Affine
		term.ScalarMultiplication(&v.vk.ic[i+1], s)
		vkx.Add(&vkx, &term)
	}

	// e(-A, B) * e(alpha, beta) * e(vk_x, gamma) * e(C, delta) == 1
	var negA bn254.G1Affine
	negA.Neg(&a)
	ok, err := bn254.PairingCheck(
		[]bn254.G1Affine{negA, v.vk.alpha, vkx, c},
		[]bn254.G2Affine{b, v.vk.beta, v.vk.gamma, v.vk.delta},
	)
	if err != nil {
		return false, fmt.Errorf("%w: pairing: %w", relayerr.ErrExternalCallFailure, err)
	}
	return ok, nil
}

func parseCoord(s string) (*big.Int, error) {
	x, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid coordinate %q", s)
	}
	return x, nil
}

// g1FromStrings accepts [x, y] or projective [x, y, "1"].
func g1FromStrings(p []string) (bn254.G1Affine, error) {
	if len(p) == 3 && p[2] != "1" {
		return bn254.G1Affine{}, errors.New("only normalized points are supported")
	}
	if len(p) != 2 && len(p) != 3 {
		return bn254.G1Affine{}, fmt.Errorf("G1 point has %d coordinates", len(p))
	}
	x, err := parseCoord(p[0])
	if err != nil {
		return bn254.G1Affine{}, err
	}
	y, err := parseCoord(p[1])
	if err != nil {
		return bn254.G1Affine{}, err
	}
	return g1FromInts(x, y)
}

// g2FromStrings accepts snarkjs [[x0, x1], [y0, y1]] with an optional [1, 0] third
// row.
func g2FromStrings(p [][]string) (bn254.G2Affine, error) {
	if len(p) == 3 && (len(p[2]) != 2 || p[2][0] != "1" || p[2][1] != "0") {
		return bn254.G2Affine{}, errors.New("only normalized points are supported")
	}
	if (len(p) != 2 && len(p) != 3) || len(p[0]) != 2 || len(p[1]) != 2 {
		return bn254.G2Affine{}, errors.New("G2 point must be [[x0,x1],[y0,y1]]")
	}
	coords := make([]*big.Int, 0, 4)
	for _, s := range []string{p[0][0], p[0][1], p[1][0], p[1][1]} {
		v, err := parseCoord(s)
		if err != nil {
			return bn254.G2Affine{}, err
		}
		coords = append(coords, v)
	}
	return g2FromInts(coords[0], coords[1], coords[2], coords[3])
}

func g1FromInts(x, y *big.Int) (bn254.G1Affine, error) {
	var p bn254.G1Affine
	if !inBaseField(x) || !inBaseField(y) {
		return p, errors.New("coordinate outside the base field")
	}
	p.X.SetBigInt(x)
	p.Y.SetBigInt(y)
	if !p.IsOnCurve() || !p.IsInSubGroup() {
		return p, errors.New("point is not in G1")
	}
	return p, nil
}

func g2FromInts(x0, x1, y0, y1 *big.Int) (bn254.G2Affine, error) {
	var p bn254.G2Affine
	for _, c := range []*big.Int{x0, x1, y0, y1} {
		if !inBaseField(c) {
			return p, errors.New("coordinate outside the base field")
		}
	}
	p.X.A0.SetBigInt(x0)
	p.X.A1.SetBigInt(x1)
	p.Y.A0.SetBigInt(y0)
	p.Y.A1.SetBigInt(y1)
	if !p.IsOnCurve() || !p.IsInSubGroup() {
		return p, errors.New("point is not in G2")
	}
	return p, nil
}

func inBaseField(x *big.Int) bool {
	return x != nil && x.Sign() >= 0 && x.Cmp(fp.Modulus()) < 0
}
