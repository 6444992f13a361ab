package authenticator

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/ethereum/go-ethereum/crypto"
)

// ECDSASigner signs with a secp256k1 private key. The tag is base64 of the
// 64-byte r||s signature over SHA-256 of the message.
type ECDSASigner struct {
	priv *ecdsa.PrivateKey
}

// NewECDSASigner parses a hex private key, with or without 0x prefix.
func NewECDSASigner(privKeyHex string) (*ECDSASigner, error) {
	priv, err := crypto.HexToECDSA(strings.TrimPrefix(privKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return &ECDSASigner{priv: priv}, nil
}

func (s *ECDSASigner) Sign(message []byte) (string, error) {
	hash := sha256.Sum256(message)
	sig, err := crypto.Sign(hash[:], s.priv)
	if err != nil {
		return "", fmt.Errorf("signing failed: %w", err)
	}
	// drop the recovery id
	return base64.StdEncoding.EncodeToString(sig[:64]), nil
}

// PublicKeyHex returns the compressed public key as 0x-prefixed hex, the form
// NewECDSAVerifier expects.
func (s *ECDSASigner) PublicKeyHex() string {
	return "0x" + hex.EncodeToString(crypto.CompressPubkey(&s.priv.PublicKey))
}

// ECDSAVerifier checks tags produced by ECDSASigner.
type ECDSAVerifier struct {
	pubKey []byte
}

// NewECDSAVerifier accepts a compressed (33 bytes) or uncompressed (65 bytes)
// public key in hex.
func NewECDSAVerifier(pubKeyHex string) (*ECDSAVerifier, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(pubKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to decode public key hex: %w", err)
	}
	pub, err := btcec.ParsePubKey(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	return &ECDSAVerifier{pubKey: pub.SerializeCompressed()}, nil
}

func (v *ECDSAVerifier) Verify(message []byte, tag string) bool {
	sig, err := base64.StdEncoding.DecodeString(tag)
	if err != nil {
		return false
	}
	if len(sig) == 65 {
		sig = sig[:64]
	}
	if len(sig) != 64 {
		return false
	}
	hash := sha256.Sum256(message)
	return crypto.VerifySignature(v.pubKey, hash[:], sig)
}
