// Package message encodes and decodes the relay envelope carried on the channel:
//
//	{"type":"ZKP_DATA","payload":{"onchain_proof":...,"user_id":"..."},"timestamp":<ms>,"hmac":"<base64>"}
package message

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/pilacorp/go-proof-relay/common/canonical"
	"github.com/pilacorp/go-proof-relay/common/model"
	"github.com/pilacorp/go-proof-relay/common/relayerr"
	"github.com/xeipuuv/gojsonschema"
)

// Envelope is the wire form of a SignedMessage.
type Envelope struct {
	Type      string             `json:"type"`
	Payload   model.ProofPayload `json:"payload"`
	Timestamp int64              `json:"timestamp"`
	HMAC      string             `json:"hmac"`
}

const envelopeSchema = `{
	"type": "object",
	"required": ["type", "payload", "timestamp", "hmac"],
	"properties": {
		"type": {"enum": ["ZKP_DATA"]},
		"payload": {
			"type": "object",
			"required": ["onchain_proof", "user_id"],
			"properties": {
				"user_id": {"type": "string"}
			}
		},
		"timestamp": {"type": "integer"},
		"hmac": {"type": "string"}
	}
}`

var (
	schemaOnce sync.Once
	schema     *gojsonschema.Schema
	schemaErr  error
)

func loadSchema() (*gojsonschema.Schema, error) {
	schemaOnce.Do(func() {
		schema, schemaErr = gojsonschema.NewSchema(gojsonschema.NewStringLoader(envelopeSchema))
		if schemaErr != nil {
			schemaErr = fmt.Errorf("failed to compile envelope schema: %w", schemaErr)
		}
	})
	return schema, schemaErr
}

// Encode returns the wire bytes for msg.
func Encode(msg *model.SignedMessage) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("message is nil")
	}
	env := Envelope{
		Type:      model.MessageTypeZKPData,
		Payload:   msg.Payload,
		Timestamp: msg.IssuedAt,
		HMAC:      msg.Tag,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	return data, nil
}

// IsRelayMessage reports whether data is a JSON object whose type is ZKP_DATA.
// Nothing else in the message is inspected.
func IsRelayMessage(data []byte) bool {
	_, err := relayObject(data)
	return err == nil
}

// Decode parses a relay envelope.
//
// Anything that is not a ZKP_DATA object yields relayerr.ErrNotRelayMessage; a
// ZKP_DATA object that fails the envelope schema yields relayerr.ErrMalformedMessage.
// The proof is left as generic JSON with numbers kept verbatim, so it
// canonicalizes to the bytes the sender signed.
func Decode(data []byte) (*model.SignedMessage, error) {
	obj, err := relayObject(data)
	if err != nil {
		return nil, err
	}

	s, err := loadSchema()
	if err != nil {
		return nil, err
	}
	result, err := s.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", relayerr.ErrMalformedMessage, err)
	}
	if !result.Valid() {
		return nil, fmt.Errorf("%w: %s", relayerr.ErrMalformedMessage, describe(result.Errors()))
	}

	payload := obj["payload"].(map[string]interface{})
	ts, err := obj["timestamp"].(json.Number).Int64()
	if err != nil {
		return nil, fmt.Errorf("%w: timestamp out of range", relayerr.ErrMalformedMessage)
	}

	return &model.SignedMessage{
		Payload: model.ProofPayload{
			OnchainProof: payload["onchain_proof"],
			SubjectID:    payload["user_id"].(string),
		},
		IssuedAt: ts,
		Tag:      obj["hmac"].(string),
	}, nil
}

func relayObject(data []byte) (map[string]interface{}, error) {
	doc, err := canonical.Decode(data)
	if err != nil {
		return nil, relayerr.ErrNotRelayMessage
	}
	obj, ok := doc.(map[string]interface{})
	if !ok {
		return nil, relayerr.ErrNotRelayMessage
	}
	if typ, _ := obj["type"].(string); typ != model.MessageTypeZKPData {
		return nil, relayerr.ErrNotRelayMessage
	}
	return obj, nil
}

func describe(errs []gojsonschema.ResultError) string {
	parts := make([]string, 0, len(errs))
	for _, e := range errs {
		parts = append(parts, e.String())
	}
	return strings.Join(parts, "; ")
}
