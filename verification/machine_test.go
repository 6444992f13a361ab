package verification

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pilacorp/go-proof-relay/authenticator"
	"github.com/pilacorp/go-proof-relay/channel"
	"github.com/pilacorp/go-proof-relay/common/canonical"
	"github.com/pilacorp/go-proof-relay/common/model"
	"github.com/pilacorp/go-proof-relay/common/relayerr"
	"github.com/pilacorp/go-proof-relay/freshness"
	"github.com/pilacorp/go-proof-relay/message"
	"github.com/pilacorp/go-proof-relay/proofshape"
	"github.com/pilacorp/go-proof-relay/registry"
	"github.com/pilacorp/go-proof-relay/sender"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	secret    = []byte("page-secret")
	fixedNow  = time.UnixMilli(1700000000000)
	fixedTime = func() time.Time { return fixedNow }
)

type countingFreshness struct {
	guard *freshness.Guard
	calls int
}

func (c *countingFreshness) Check(issuedAt int64) error {
	c.calls++
	return c.guard.Check(issuedAt)
}

type fakeVerifier struct {
	mu     sync.Mutex
	result bool
	err    error
	block  bool
	calls  int
	got    *model.ProofTriple
}

func (f *fakeVerifier) VerifyProof(ctx context.Context, proof *model.ProofTriple) (bool, error) {
	f.mu.Lock()
	f.calls++
	f.got = proof
	f.mu.Unlock()
	if f.block {
		<-ctx.Done()
		return false, ctx.Err()
	}
	return f.result, f.err
}

func (f *fakeVerifier) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fixture struct {
	machine   *Machine
	freshness *countingFreshness
	verifier  *fakeVerifier
	states    []State
}

func newFixture(t *testing.T, v *fakeVerifier, opts ...Option) *fixture {
	t.Helper()
	h, err := authenticator.NewHMAC(secret)
	require.NoError(t, err)
	reg, err := registry.New(map[string]registry.IdentityRecord{
		"Sai123":   {DisplayName: "Sainithin", AccessTier: registry.AccessTierFull},
		"Venky123": {DisplayName: "Venkatesh", AccessTier: registry.AccessTierLimited},
	})
	require.NoError(t, err)

	f := &fixture{
		freshness: &countingFreshness{guard: freshness.NewGuard(freshness.WithClock(fixedTime))},
		verifier:  v,
	}
	opts = append(opts, WithObserver(func(s State) { f.states = append(f.states, s) }))
	f.machine, err = NewMachine(Config{
		Authenticator: h,
		Freshness:     f.freshness,
		Registry:      reg,
		Parser:        proofshape.Validator{},
		Verifier:      v,
	}, opts...)
	require.NoError(t, err)
	return f
}

func wellFormedProof() map[string]interface{} {
	return map[string]interface{}{
		"a":             []interface{}{"1", "2"},
		"b":             []interface{}{[]interface{}{"3", "4"}, []interface{}{"5", "6"}},
		"c":             []interface{}{"7", "8"},
		"publicSignals": []interface{}{"9"},
	}
}

// envelope signs proof for userID with key at the given time and returns the wire
// bytes.
func envelope(t *testing.T, key []byte, at time.Time, proof interface{}, userID string) []byte {
	t.Helper()
	h, err := authenticator.NewHMAC(key)
	require.NoError(t, err)
	s, err := sender.New(h, channel.NewBroadcast(), sender.WithClock(func() time.Time { return at }))
	require.NoError(t, err)
	msg, err := s.Seal(proof, userID)
	require.NoError(t, err)
	data, err := message.Encode(msg)
	require.NoError(t, err)
	return data
}

func TestNewMachineStartsAwaiting(t *testing.T) {
	f := newFixture(t, &fakeVerifier{})
	s := f.machine.Session()
	assert.Equal(t, StateAwaitingMessage, s.State)
	assert.Equal(t, StatusAwaiting, s.Status)
	assert.NotEmpty(t, s.ID)
	assert.False(t, s.Populated())
}

func TestNewMachineRequiresCollaborators(t *testing.T) {
	_, err := NewMachine(Config{})
	assert.Error(t, err)
}

func TestVerifiedEndToEnd(t *testing.T) {
	v := &fakeVerifier{result: true}
	f := newFixture(t, v)

	out := f.machine.HandleMessage(context.Background(), envelope(t, secret, fixedNow, wellFormedProof(), "Sai123"))

	assert.Equal(t, StateVerified, out.State)
	assert.False(t, out.Ignored)
	assert.NoError(t, out.Err)
	assert.Equal(t, "ZKP verified successfully! Welcome Sainithin. You have Full access. Enjoy decentralized streaming!", out.Status)
	assert.Equal(t, []State{
		StateMessageReceived,
		StateAuthenticated,
		StateFresh,
		StateAuthorized,
		StateStructurallyValid,
		StatePendingExternalVerification,
		StateVerified,
	}, f.states)

	require.NotNil(t, v.got)
	assert.Equal(t, "9", v.got.PublicSignals[0].String())

	s := f.machine.Session()
	assert.True(t, s.Populated())
	assert.Equal(t, StateVerified, s.State)
	require.NotNil(t, s.Subject)
	assert.Equal(t, "Sainithin", s.Subject.DisplayName)
	assert.Equal(t, registry.AccessTierFull, s.Subject.AccessTier)
}

func TestWrongSecretRejectedBeforeFreshness(t *testing.T) {
	v := &fakeVerifier{result: true}
	f := newFixture(t, v)

	out := f.machine.HandleMessage(context.Background(), envelope(t, []byte("other-secret"), fixedNow, wellFormedProof(), "Sai123"))

	assert.Equal(t, StateRejected, out.State)
	assert.Equal(t, StatusRejected, out.Status)
	assert.Equal(t, relayerr.ReasonAuthMismatch, out.Reason)
	assert.ErrorIs(t, out.Err, relayerr.ErrAuthMismatch)
	assert.Equal(t, 0, f.freshness.calls)
	assert.Equal(t, 0, v.callCount())
	assert.Equal(t, []State{StateMessageReceived, StateRejected}, f.states)
	assert.False(t, f.machine.Session().Populated())
}

func TestRejectionsAreGeneric(t *testing.T) {
	tests := []struct {
		name   string
		raw    func(t *testing.T) []byte
		state  State
		reason relayerr.ReasonCode
	}{
		{
			name: "stale",
			raw: func(t *testing.T) []byte {
				return envelope(t, secret, fixedNow.Add(-freshness.DefaultMaxAge-time.Millisecond), wellFormedProof(), "Sai123")
			},
			state:  StateStale,
			reason: relayerr.ReasonStaleMessage,
		},
		{
			name: "future dated",
			raw: func(t *testing.T) []byte {
				return envelope(t, secret, fixedNow.Add(freshness.DefaultMaxAge+time.Millisecond), wellFormedProof(), "Sai123")
			},
			state:  StateStale,
			reason: relayerr.ReasonStaleMessage,
		},
		{
			name: "unknown subject",
			raw: func(t *testing.T) []byte {
				return envelope(t, secret, fixedNow, wellFormedProof(), "Mallory")
			},
			state:  StateUnauthorized,
			reason: relayerr.ReasonUnauthorizedSubject,
		},
		{
			name: "malformed proof",
			raw: func(t *testing.T) []byte {
				proof := wellFormedProof()
				proof["a"] = []interface{}{"1", "2", "3"}
				return envelope(t, secret, fixedNow, proof, "Sai123")
			},
			state:  StateMalformed,
			reason: relayerr.ReasonMalformedProof,
		},
		{
			name: "schema violation",
			raw: func(t *testing.T) []byte {
				return []byte(`{"type":"ZKP_DATA","payload":{"onchain_proof":{},"user_id":"Sai123"},"timestamp":"soon","hmac":"x"}`)
			},
			state:  StateRejected,
			reason: relayerr.ReasonMalformedMessage,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := &fakeVerifier{result: true}
			f := newFixture(t, v)

			out := f.machine.HandleMessage(context.Background(), tt.raw(t))

			assert.Equal(t, tt.state, out.State)
			assert.Equal(t, tt.reason, out.Reason)
			assert.Equal(t, StatusRejected, out.Status)
			assert.True(t, relayerr.IsSecurityRejection(out.Err))
			assert.Equal(t, 0, v.callCount())

			s := f.machine.Session()
			assert.Equal(t, tt.state, s.State)
			assert.Equal(t, StatusRejected, s.Status)
			assert.False(t, s.Populated())
		})
	}
}

func TestReplayIsIgnoredOnceFinal(t *testing.T) {
	v := &fakeVerifier{result: true}
	f := newFixture(t, v)
	raw := envelope(t, secret, fixedNow, wellFormedProof(), "Sai123")

	first := f.machine.HandleMessage(context.Background(), raw)
	require.Equal(t, StateVerified, first.State)

	second := f.machine.HandleMessage(context.Background(), raw)
	assert.True(t, second.Ignored)
	assert.Equal(t, StateVerified, second.State)
	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, 1, v.callCount())

	other := f.machine.HandleMessage(context.Background(), envelope(t, secret, fixedNow, wellFormedProof(), "Venky123"))
	assert.True(t, other.Ignored)
	assert.Equal(t, "Sainithin", f.machine.Session().Subject.DisplayName)
}

func TestMessageAfterRejectionIsProcessed(t *testing.T) {
	v := &fakeVerifier{result: true}
	f := newFixture(t, v)

	out := f.machine.HandleMessage(context.Background(), envelope(t, secret, fixedNow, wellFormedProof(), "Mallory"))
	require.Equal(t, StateUnauthorized, out.State)

	out = f.machine.HandleMessage(context.Background(), envelope(t, secret, fixedNow, wellFormedProof(), "Venky123"))
	assert.Equal(t, StateVerified, out.State)
	assert.Contains(t, out.Status, "Venkatesh")
	assert.Contains(t, out.Status, "Limited access")
}

func TestVerifierReturnsFalse(t *testing.T) {
	v := &fakeVerifier{result: false}
	f := newFixture(t, v)

	out := f.machine.HandleMessage(context.Background(), envelope(t, secret, fixedNow, wellFormedProof(), "Sai123"))
	assert.Equal(t, StateVerificationFailed, out.State)
	assert.Equal(t, StatusInvalid, out.Status)
	assert.NoError(t, out.Err)

	again := f.machine.HandleMessage(context.Background(), envelope(t, secret, fixedNow, wellFormedProof(), "Sai123"))
	assert.True(t, again.Ignored)
	assert.Equal(t, 1, v.callCount())
}

func TestVerifierErrorSurfacesReason(t *testing.T) {
	v := &fakeVerifier{err: errors.New("wallet not connected")}
	f := newFixture(t, v)

	out := f.machine.HandleMessage(context.Background(), envelope(t, secret, fixedNow, wellFormedProof(), "Sai123"))
	assert.Equal(t, StateVerificationFailed, out.State)
	assert.Equal(t, "Verification failed: wallet not connected", out.Status)
	assert.Equal(t, relayerr.ReasonExternalCallFailure, out.Reason)
	assert.ErrorIs(t, out.Err, relayerr.ErrExternalCallFailure)
	assert.False(t, relayerr.IsSecurityRejection(out.Err))
}

func TestVerifierTimeout(t *testing.T) {
	v := &fakeVerifier{block: true}
	f := newFixture(t, v, WithVerifyTimeout(10*time.Millisecond))

	out := f.machine.HandleMessage(context.Background(), envelope(t, secret, fixedNow, wellFormedProof(), "Sai123"))
	assert.Equal(t, StateVerificationFailed, out.State)
	assert.ErrorIs(t, out.Err, context.DeadlineExceeded)
	assert.Equal(t, "Verification failed: "+context.DeadlineExceeded.Error(), out.Status)
}

func TestNonRelayTrafficIgnored(t *testing.T) {
	v := &fakeVerifier{result: true}
	f := newFixture(t, v)

	for _, raw := range []string{`hello`, `{"type":"PING"}`, `{"source":"react-devtools"}`} {
		out := f.machine.HandleMessage(context.Background(), []byte(raw))
		assert.True(t, out.Ignored, raw)
		assert.Equal(t, relayerr.ReasonNotRelayMessage, out.Reason, raw)
	}
	assert.Empty(t, f.states)
	assert.Equal(t, StateAwaitingMessage, f.machine.Session().State)
}

func TestHandleDecodedMessage(t *testing.T) {
	v := &fakeVerifier{result: true}
	f := newFixture(t, v)

	msg, err := message.Decode(envelope(t, secret, fixedNow, wellFormedProof(), "Sai123"))
	require.NoError(t, err)

	out := f.machine.Handle(context.Background(), msg)
	assert.Equal(t, StateVerified, out.State)

	out = f.machine.Handle(context.Background(), nil)
	assert.True(t, out.Ignored)
}

func TestHandleNilMessageRejected(t *testing.T) {
	f := newFixture(t, &fakeVerifier{result: true})
	out := f.machine.Handle(context.Background(), nil)
	assert.Equal(t, StateRejected, out.State)
	assert.Equal(t, relayerr.ReasonAuthMismatch, out.Reason)
}

func TestSessionSnapshotIsCopy(t *testing.T) {
	f := newFixture(t, &fakeVerifier{result: true})
	f.machine.HandleMessage(context.Background(), envelope(t, secret, fixedNow, wellFormedProof(), "Sai123"))

	s := f.machine.Session()
	s.Subject.DisplayName = "Mallory"
	s.Payload.SubjectID = "Mallory"

	again := f.machine.Session()
	assert.Equal(t, "Sainithin", again.Subject.DisplayName)
	assert.Equal(t, "Sai123", again.Payload.SubjectID)
}

func TestSessionSnapshotCopiesProof(t *testing.T) {
	f := newFixture(t, &fakeVerifier{result: true})
	f.machine.HandleMessage(context.Background(), envelope(t, secret, fixedNow, wellFormedProof(), "Sai123"))

	s := f.machine.Session()
	proof, ok := s.Payload.OnchainProof.(map[string]interface{})
	require.True(t, ok)
	want, err := canonical.Marshal(proof)
	require.NoError(t, err)

	proof["a"] = "tampered"
	proof["c"].([]interface{})[0] = "tampered"

	got, err := canonical.Marshal(f.machine.Session().Payload.OnchainProof)
	require.NoError(t, err)
	assert.Equal(t, string(want), string(got))
}
