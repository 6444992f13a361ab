package authenticator

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
)

// HMAC is the shared-secret scheme: base64(HMAC-SHA256(secret, message)).
type HMAC struct {
	secret []byte
}

// NewHMAC copies secret. An empty secret is rejected.
func NewHMAC(secret []byte) (*HMAC, error) {
	if len(secret) == 0 {
		return nil, errors.New("hmac secret is empty")
	}
	return &HMAC{secret: append([]byte(nil), secret...)}, nil
}

func (h *HMAC) Sign(message []byte) (string, error) {
	return base64.StdEncoding.EncodeToString(h.mac(message)), nil
}

// Verify compares in constant time. Tags that are not valid base64 fail.
func (h *HMAC) Verify(message []byte, tag string) bool {
	got, err := base64.StdEncoding.DecodeString(tag)
	if err != nil {
		return false
	}
	return hmac.Equal(got, h.mac(message))
}

func (h *HMAC) mac(message []byte) []byte {
	m := hmac.New(sha256.New, h.secret)
	m.Write(message)
	return m.Sum(nil)
}
