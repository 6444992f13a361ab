// Package contract calls a deployed Groth16 verifier contract.
package contract

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/pilacorp/go-proof-relay/common/model"
	"github.com/pilacorp/go-proof-relay/common/relayerr"
)

const (
	methodVerifyProof = "verifyProof"

	DefaultCallTimeout = 30 * time.Second
)

//go:embed artifacts/Groth16Verifier.json
var verifierArtifact []byte

var (
	parsedABI    abi.ABI
	parseABIOnce sync.Once
	errParseABI  error
)

// loadABI parses the embedded artifact exactly once.
func loadABI() (abi.ABI, error) {
	parseABIOnce.Do(func() {
		parsedABI, errParseABI = parseArtifact(verifierArtifact)
	})
	return parsedABI, errParseABI
}

func parseArtifact(data []byte) (abi.ABI, error) {
	type hardhatArtifact struct {
		ABI json.RawMessage `json:"abi"`
	}
	var artifact hardhatArtifact
	if err := json.Unmarshal(data, &artifact); err != nil {
		return abi.ABI{}, fmt.Errorf("failed to unmarshal artifact JSON: %w", err)
	}
	if len(artifact.ABI) == 0 {
		return abi.ABI{}, errors.New("artifact has no abi")
	}
	parsed, err := abi.JSON(strings.NewReader(string(artifact.ABI)))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("failed to parse verifier ABI: %w", err)
	}
	if _, ok := parsed.Methods[methodVerifyProof]; !ok {
		return abi.ABI{}, fmt.Errorf("verifier ABI has no %s method", methodVerifyProof)
	}
	return parsed, nil
}

// Verifier is a read-only client of a verifyProof(a, b, c, publicSignals) contract.
type Verifier struct {
	contract    *bind.BoundContract
	address     common.Address
	abi         abi.ABI
	from        common.Address
	callTimeout time.Duration
	closer      func()
}

type Option func(*options)

type options struct {
	artifact    []byte
	from        common.Address
	callTimeout time.Duration
}

// WithArtifact replaces the embedded hardhat artifact, for verifiers generated
// with a different number of public signals.
func WithArtifact(artifact []byte) Option {
	return func(o *options) { o.artifact = artifact }
}

// WithFrom sets the caller address used for eth_call.
func WithFrom(addr common.Address) Option {
	return func(o *options) { o.from = addr }
}

func WithCallTimeout(d time.Duration) Option {
	return func(o *options) { o.callTimeout = d }
}

// NewVerifier binds the verifier at address to caller.
func NewVerifier(caller bind.ContractCaller, address string, opts ...Option) (*Verifier, error) {
	if caller == nil {
		return nil, errors.New("contract caller is required")
	}
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("invalid verifier address %q", address)
	}

	o := options{callTimeout: DefaultCallTimeout}
	for _, opt := range opts {
		opt(&o)
	}

	var (
		parsed abi.ABI
		err    error
	)
	if o.artifact != nil {
		parsed, err = parseArtifact(o.artifact)
	} else {
		parsed, err = loadABI()
	}
	if err != nil {
		return nil, err
	}

	addr := common.HexToAddress(address)
	return &Verifier{
		contract:    bind.NewBoundContract(addr, parsed, caller, nil, nil),
		address:     addr,
		abi:         parsed,
		from:        o.from,
		callTimeout: o.callTimeout,
	}, nil
}

// Dial connects to rpcURL and binds the verifier at address. Close releases the
// connection.
func Dial(ctx context.Context, rpcURL, address string, opts ...Option) (*Verifier, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", rpcURL, err)
	}
	v, err := NewVerifier(client, address, opts...)
	if err != nil {
		client.Close()
		return nil, err
	}
	v.closer = client.Close
	return v, nil
}

func (v *Verifier) Address() common.Address {
	return v.address
}

// PublicSignalCount returns how many public signals the contract expects, or -1
// when the ABI takes a dynamic array.
func (v *Verifier) PublicSignalCount() int {
	inputs := v.abi.Methods[methodVerifyProof].Inputs
	if len(inputs) != 4 || inputs[3].Type.T != abi.ArrayTy {
		return -1
	}
	return inputs[3].Type.Size
}

// VerifyProof asks the contract whether proof is valid. Every failure, including
// a revert, is wrapped in relayerr.ErrExternalCallFailure.
func (v *Verifier) VerifyProof(ctx context.Context, proof *model.ProofTriple) (bool, error) {
	if proof == nil {
		return false, fmt.Errorf("%w: proof is nil", relayerr.ErrExternalCallFailure)
	}
	if want := v.PublicSignalCount(); want >= 0 && len(proof.PublicSignals) != want {
		return false, fmt.Errorf("%w: verifier expects %d public signals, got %d",
			relayerr.ErrExternalCallFailure, want, len(proof.PublicSignals))
	}

	if v.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.callTimeout)
		defer cancel()
	}

	var out []interface{}
	err := v.contract.Call(&bind.CallOpts{Context: ctx, From: v.from}, &out, methodVerifyProof,
		proof.A, proof.B, proof.C, proof.PublicSignals)
	if err != nil {
		return false, fmt.Errorf("%w: %s: %w", relayerr.ErrExternalCallFailure, methodVerifyProof, err)
	}
	if len(out) != 1 {
		return false, fmt.Errorf("%w: %s returned %d values", relayerr.ErrExternalCallFailure, methodVerifyProof, len(out))
	}
	ok, isBool := out[0].(bool)
	if !isBool {
		return false, fmt.Errorf("%w: %s returned %T", relayerr.ErrExternalCallFailure, methodVerifyProof, out[0])
	}
	return ok, nil
}

func (v *Verifier) Close() {
	if v.closer != nil {
		v.closer()
	}
}

// PackVerifyProof returns the calldata for proof. Used by tooling that submits the
// call through another signer.
func (v *Verifier) PackVerifyProof(proof *model.ProofTriple) ([]byte, error) {
	if proof == nil {
		return nil, errors.New("proof is nil")
	}
	return v.abi.Pack(methodVerifyProof, proof.A, proof.B, proof.C, proof.PublicSignals)
}
