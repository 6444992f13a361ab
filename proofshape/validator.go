// Package proofshape checks that a decoded proof matches the verifier contract's
// positional calling convention before anything is sent across that boundary.
package proofshape

import (
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"strings"

	"github.com/pilacorp/go-proof-relay/common/canonical"
	"github.com/pilacorp/go-proof-relay/common/model"
	"github.com/pilacorp/go-proof-relay/common/relayerr"
)

// MaxScalarBits is the width of a uint256 contract argument.
const MaxScalarBits = 256

// Validator satisfies the state machine's proof parser dependency.
type Validator struct{}

func (Validator) Parse(proof interface{}) (*model.ProofTriple, error) {
	return Parse(proof)
}

// Validate reports whether proof has the required shape.
func Validate(proof interface{}) bool {
	_, err := Parse(proof)
	return err == nil
}

// Parse checks, in order and stopping at the first failure: a is a 2-element
// sequence, b is a 2-element sequence of 2-element sequences, c is a 2-element
// sequence, publicSignals is present and non-empty. Every leaf must be a
// non-negative integer of at most 256 bits given as a JSON number or a decimal or
// 0x-hex string. Errors wrap relayerr.ErrMalformedProof.
func Parse(proof interface{}) (*model.ProofTriple, error) {
	obj, err := asObject(proof)
	if err != nil {
		return nil, err
	}

	var out model.ProofTriple

	a, err := pair(obj, "a")
	if err != nil {
		return nil, err
	}
	out.A = a

	bRaw, err := sequence(obj["b"], "b", 2)
	if err != nil {
		return nil, err
	}
	for i, row := range bRaw {
		name := fmt.Sprintf("b[%d]", i)
		elems, err := sequence(row, name, 2)
		if err != nil {
			return nil, err
		}
		for j, e := range elems {
			v, err := scalar(e, fmt.Sprintf("%s[%d]", name, j))
			if err != nil {
				return nil, err
			}
			out.B[i][j] = v
		}
	}

	c, err := pair(obj, "c")
	if err != nil {
		return nil, err
	}
	out.C = c

	signalsRaw, ok := obj["publicSignals"]
	if !ok || signalsRaw == nil {
		return nil, malformed("publicSignals is missing")
	}
	signals, err := sequence(signalsRaw, "publicSignals", -1)
	if err != nil {
		return nil, err
	}
	if len(signals) == 0 {
		return nil, malformed("publicSignals is empty")
	}
	out.PublicSignals = make([]*big.Int, len(signals))
	for i, e := range signals {
		v, err := scalar(e, fmt.Sprintf("publicSignals[%d]", i))
		if err != nil {
			return nil, err
		}
		out.PublicSignals[i] = v
	}

	return &out, nil
}

func malformed(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", relayerr.ErrMalformedProof, fmt.Sprintf(format, args...))
}

// asObject accepts generic JSON directly and normalizes anything else (typed
// structs, typed slices) through JSON first.
func asObject(proof interface{}) (map[string]interface{}, error) {
	if proof == nil {
		return nil, malformed("proof is missing")
	}
	if obj, ok := proof.(map[string]interface{}); ok {
		return obj, nil
	}
	normalized, err := canonical.Normalize(proof)
	if err != nil {
		return nil, malformed("proof is not JSON: %v", err)
	}
	obj, ok := normalized.(map[string]interface{})
	if !ok {
		return nil, malformed("proof is %T, want object", proof)
	}
	return obj, nil
}

func pair(obj map[string]interface{}, name string) ([2]*big.Int, error) {
	var out [2]*big.Int
	elems, err := sequence(obj[name], name, 2)
	if err != nil {
		return out, err
	}
	for i, e := range elems {
		v, err := scalar(e, fmt.Sprintf("%s[%d]", name, i))
		if err != nil {
			return out, err
		}
		out[i] = v
	}
	return out, nil
}

// sequence requires v to be a JSON array, of exactly want elements unless want < 0.
func sequence(v interface{}, name string, want int) ([]interface{}, error) {
	if v == nil {
		return nil, malformed("%s is missing", name)
	}
	seq, ok := v.([]interface{})
	if !ok {
		normalized, err := canonical.Normalize(v)
		if err != nil {
			return nil, malformed("%s is not a sequence", name)
		}
		if seq, ok = normalized.([]interface{}); !ok {
			return nil, malformed("%s is not a sequence", name)
		}
	}
	if want >= 0 && len(seq) != want {
		return nil, malformed("%s has %d elements, want %d", name, len(seq), want)
	}
	return seq, nil
}

func scalar(v interface{}, name string) (*big.Int, error) {
	var (
		n  *big.Int
		ok bool
	)
	switch x := v.(type) {
	case json.Number:
		n, ok = new(big.Int).SetString(x.String(), 10)
	case string:
		n, ok = parseIntString(x)
	case float64:
		if !math.IsInf(x, 0) && !math.IsNaN(x) && x == math.Trunc(x) {
			n, _ = new(big.Float).SetFloat64(x).Int(nil)
			ok = true
		}
	case int:
		n, ok = big.NewInt(int64(x)), true
	case int64:
		n, ok = big.NewInt(x), true
	case *big.Int:
		if x != nil {
			n, ok = new(big.Int).Set(x), true
		}
	}
	if !ok {
		return nil, malformed("%s is not an integer", name)
	}
	if n.Sign() < 0 {
		return nil, malformed("%s is negative", name)
	}
	if n.BitLen() > MaxScalarBits {
		return nil, malformed("%s exceeds %d bits", name, MaxScalarBits)
	}
	return n, nil
}

func parseIntString(s string) (*big.Int, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, false
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		if len(s) == 2 {
			return nil, false
		}
		return new(big.Int).SetString(s[2:], 16)
	}
	return new(big.Int).SetString(s, 10)
}
