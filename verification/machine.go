// Package verification decides whether a relayed proof message is accepted.
//
// A message passes authentication, freshness, authorization and proof structure
// checks in that order; the first failing check ends processing. A message that
// passes all of them populates the session and is handed to the external
// verifier, whose answer is final.
package verification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pilacorp/go-proof-relay/authenticator"
	"github.com/pilacorp/go-proof-relay/common/logger"
	"github.com/pilacorp/go-proof-relay/common/model"
	"github.com/pilacorp/go-proof-relay/common/relayerr"
	"github.com/pilacorp/go-proof-relay/message"
	"github.com/pilacorp/go-proof-relay/registry"
	"github.com/rs/zerolog"
)

const DefaultVerifyTimeout = 30 * time.Second

// FreshnessChecker rejects timestamps outside the accepted window.
type FreshnessChecker interface {
	Check(issuedAt int64) error
}

// SubjectRegistry resolves a subject id to its identity record.
type SubjectRegistry interface {
	Lookup(subjectID string) (registry.IdentityRecord, error)
}

// ProofParser turns a generic proof into the verifier calling convention.
type ProofParser interface {
	Parse(proof interface{}) (*model.ProofTriple, error)
}

// ProofVerifier is the external verifier capability supplied by the host.
type ProofVerifier interface {
	VerifyProof(ctx context.Context, proof *model.ProofTriple) (bool, error)
}

// Config holds the collaborators of a Machine. All are required.
type Config struct {
	Authenticator authenticator.Verifier
	Freshness     FreshnessChecker
	Registry      SubjectRegistry
	Parser        ProofParser
	Verifier      ProofVerifier
}

// Outcome describes what processing one message did.
type Outcome struct {
	// State is the state processing stopped in, or the unchanged session state
	// when the message was ignored.
	State  State
	Status string
	Reason relayerr.ReasonCode
	// Err is the internal cause. It must not be shown to users for rejections.
	Err error
	// Ignored is true when the message did not change the session: it was not a
	// relay message or the session was already final.
	Ignored bool
}

// Machine runs relay messages through the verification pipeline and owns the
// page's single Session. It is safe for concurrent use; messages are processed
// one at a time.
type Machine struct {
	cfg           Config
	verifyTimeout time.Duration
	observer      func(State)
	logger        *logger.Logger

	// handleMu serializes message processing; mu guards session.
	handleMu sync.Mutex
	mu       sync.RWMutex
	session  Session
}

// Option configures a Machine.
type Option func(*Machine)

// WithObserver registers fn to be called with every state the machine enters.
func WithObserver(fn func(State)) Option {
	return func(m *Machine) { m.observer = fn }
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *logger.Logger) Option {
	return func(m *Machine) { m.logger = l }
}

// WithVerifyTimeout bounds the external verifier call. Zero disables the bound.
func WithVerifyTimeout(d time.Duration) Option {
	return func(m *Machine) { m.verifyTimeout = d }
}

// NewMachine returns a Machine in AwaitingMessage with a fresh session id. Every
// collaborator in cfg is required.
func NewMachine(cfg Config, opts ...Option) (*Machine, error) {
	switch {
	case cfg.Authenticator == nil:
		return nil, errors.New("authenticator is required")
	case cfg.Freshness == nil:
		return nil, errors.New("freshness checker is required")
	case cfg.Registry == nil:
		return nil, errors.New("subject registry is required")
	case cfg.Parser == nil:
		return nil, errors.New("proof parser is required")
	case cfg.Verifier == nil:
		return nil, errors.New("proof verifier is required")
	}

	m := &Machine{
		cfg:           cfg,
		verifyTimeout: DefaultVerifyTimeout,
		logger:        logger.Nop(),
		session: Session{
			ID:     uuid.NewString(),
			State:  StateAwaitingMessage,
			Status: StatusAwaiting,
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.WithField("session", m.session.ID)
	return m, nil
}

// Session returns a copy of the current session.
func (m *Machine) Session() Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session.clone()
}

// HandleMessage decodes raw and processes it. Broadcast traffic that is not a
// relay message is ignored without touching the session.
func (m *Machine) HandleMessage(ctx context.Context, raw []byte) Outcome {
	msg, err := message.Decode(raw)
	if errors.Is(err, relayerr.ErrNotRelayMessage) {
		return m.ignore(relayerr.ReasonNotRelayMessage, err)
	}

	m.handleMu.Lock()
	defer m.handleMu.Unlock()

	if out, final := m.ignoreIfFinal(); final {
		return out
	}
	m.enter(StateMessageReceived, StatusChecking)
	if err != nil {
		return m.reject(StateRejected, err)
	}
	return m.process(ctx, msg)
}

// Handle processes an already decoded message.
func (m *Machine) Handle(ctx context.Context, msg *model.SignedMessage) Outcome {
	m.handleMu.Lock()
	defer m.handleMu.Unlock()

	if out, final := m.ignoreIfFinal(); final {
		return out
	}
	m.enter(StateMessageReceived, StatusChecking)
	return m.process(ctx, msg)
}

func (m *Machine) process(ctx context.Context, msg *model.SignedMessage) Outcome {
	if err := authenticator.CheckMessage(m.cfg.Authenticator, msg); err != nil {
		return m.reject(StateRejected, err)
	}
	m.enter(StateAuthenticated, StatusChecking)

	if err := m.cfg.Freshness.Check(msg.IssuedAt); err != nil {
		return m.reject(StateStale, err)
	}
	m.enter(StateFresh, StatusChecking)

	record, err := m.cfg.Registry.Lookup(msg.Payload.SubjectID)
	if err != nil {
		return m.reject(StateUnauthorized, err)
	}
	m.enter(StateAuthorized, StatusChecking)

	proof, err := m.cfg.Parser.Parse(msg.Payload.OnchainProof)
	if err != nil {
		return m.reject(StateMalformed, err)
	}
	m.enter(StateStructurallyValid, StatusChecking)

	payload := msg.Payload
	subject := &Subject{
		ID:          msg.Payload.SubjectID,
		DisplayName: record.DisplayName,
		AccessTier:  record.AccessTier,
	}
	m.mu.Lock()
	m.session.Payload = &payload
	m.session.Subject = subject
	m.mu.Unlock()
	m.enter(StatePendingExternalVerification, StatusPending)

	return m.verify(ctx, proof, subject)
}

func (m *Machine) verify(ctx context.Context, proof *model.ProofTriple, subject *Subject) Outcome {
	if m.verifyTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.verifyTimeout)
		defer cancel()
	}

	ok, err := m.cfg.Verifier.VerifyProof(ctx, proof)
	if err != nil {
		if !errors.Is(err, relayerr.ErrExternalCallFailure) {
			err = fmt.Errorf("%w: %w", relayerr.ErrExternalCallFailure, err)
		}
		status := fmt.Sprintf(statusCallFailedFormat, callFailureReason(err))
		m.finish(StateVerificationFailed, status, relayerr.ReasonExternalCallFailure)
		m.logger.Errorf(err, "external verification of %s failed", subject.ID)
		return Outcome{State: StateVerificationFailed, Status: status, Reason: relayerr.ReasonExternalCallFailure, Err: err}
	}
	if !ok {
		m.finish(StateVerificationFailed, StatusInvalid, relayerr.ReasonNone)
		m.logger.Warnf("proof for %s rejected by verifier", subject.ID)
		return Outcome{State: StateVerificationFailed, Status: StatusInvalid}
	}

	status := fmt.Sprintf(statusVerifiedFormat, subject.DisplayName, subject.AccessTier)
	m.finish(StateVerified, status, relayerr.ReasonNone)
	m.logger.Infof("proof for %s verified", subject.ID)
	return Outcome{State: StateVerified, Status: status}
}

// callFailureReason returns the underlying cause without the taxonomy prefix.
func callFailureReason(err error) string {
	return strings.TrimPrefix(err.Error(), relayerr.ErrExternalCallFailure.Error()+": ")
}

func (m *Machine) reject(state State, err error) Outcome {
	reason := relayerr.ReasonOf(err)

	m.mu.Lock()
	m.session.State = state
	m.session.Status = StatusRejected
	m.session.Reason = reason
	m.session.Payload = nil
	m.session.Subject = nil
	m.mu.Unlock()
	m.notify(state)

	m.logger.Event(zerolog.WarnLevel).
		Str("state", state.String()).
		Str("reason", string(reason)).
		Err(err).
		Msg("relay message rejected")

	return Outcome{State: state, Status: StatusRejected, Reason: reason, Err: err}
}

func (m *Machine) ignoreIfFinal() (Outcome, bool) {
	m.mu.RLock()
	state, status := m.session.State, m.session.Status
	m.mu.RUnlock()
	if !state.IsFinal() {
		return Outcome{}, false
	}
	m.logger.Debugf("session already %s, message ignored", state)
	return Outcome{State: state, Status: status, Ignored: true}, true
}

func (m *Machine) ignore(reason relayerr.ReasonCode, err error) Outcome {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Outcome{State: m.session.State, Status: m.session.Status, Reason: reason, Err: err, Ignored: true}
}

func (m *Machine) enter(state State, status string) {
	m.mu.Lock()
	m.session.State = state
	m.session.Status = status
	m.session.Reason = relayerr.ReasonNone
	m.mu.Unlock()
	m.notify(state)
}

func (m *Machine) finish(state State, status string, reason relayerr.ReasonCode) {
	m.mu.Lock()
	m.session.State = state
	m.session.Status = status
	m.session.Reason = reason
	m.mu.Unlock()
	m.notify(state)
}

func (m *Machine) notify(state State) {
	if m.observer != nil {
		m.observer(state)
	}
}
