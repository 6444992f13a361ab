// Package sender stamps, signs and publishes proof payloads onto a relay channel.
package sender

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pilacorp/go-proof-relay/authenticator"
	"github.com/pilacorp/go-proof-relay/channel"
	"github.com/pilacorp/go-proof-relay/common/logger"
	"github.com/pilacorp/go-proof-relay/common/model"
	"github.com/pilacorp/go-proof-relay/issuer"
	"github.com/pilacorp/go-proof-relay/message"
)

// Sender is the sending context: it turns a proof and a user id into a signed
// relay message.
type Sender struct {
	signer    authenticator.Signer
	publisher channel.Publisher
	now       func() time.Time
	logger    *logger.Logger
}

// Option configures a Sender.
type Option func(*Sender)

// WithClock replaces time.Now as the source of issuedAt.
func WithClock(now func() time.Time) Option {
	return func(s *Sender) { s.now = now }
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *logger.Logger) Option {
	return func(s *Sender) { s.logger = l }
}

// New returns a Sender that signs with signer and publishes to publisher.
func New(signer authenticator.Signer, publisher channel.Publisher, opts ...Option) (*Sender, error) {
	if signer == nil {
		return nil, errors.New("signer is required")
	}
	if publisher == nil {
		return nil, errors.New("publisher is required")
	}
	s := &Sender{
		signer:    signer,
		publisher: publisher,
		now:       time.Now,
		logger:    logger.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Seal builds the signed message for proof and userID, stamped with the current
// time. The user id is sanitized the same way the issuing service input is.
func (s *Sender) Seal(onchainProof interface{}, userID string) (*model.SignedMessage, error) {
	subject := issuer.SanitizeInput(userID)
	if subject == "" {
		return nil, errors.New("user id is required")
	}
	if onchainProof == nil {
		return nil, errors.New("onchain proof is required")
	}

	msg := &model.SignedMessage{
		Payload: model.ProofPayload{
			OnchainProof: onchainProof,
			SubjectID:    subject,
		},
		IssuedAt: s.now().UnixMilli(),
	}
	tag, err := authenticator.SignPayload(s.signer, &msg.Payload, msg.IssuedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to sign payload: %w", err)
	}
	msg.Tag = tag
	return msg, nil
}

// Relay seals the proof and publishes its envelope. The message is returned even
// when publishing fails.
func (s *Sender) Relay(ctx context.Context, onchainProof interface{}, userID string) (*model.SignedMessage, error) {
	msg, err := s.Seal(onchainProof, userID)
	if err != nil {
		return nil, err
	}
	data, err := message.Encode(msg)
	if err != nil {
		return nil, err
	}
	if err := s.publisher.Publish(ctx, data); err != nil {
		return msg, fmt.Errorf("failed to publish relay message: %w", err)
	}
	s.logger.Infof("relayed proof for %s issued at %d", msg.Payload.SubjectID, msg.IssuedAt)
	return msg, nil
}
