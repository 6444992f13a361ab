package pageserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pilacorp/go-proof-relay/authenticator"
	"github.com/pilacorp/go-proof-relay/channel"
	"github.com/pilacorp/go-proof-relay/common/model"
	"github.com/pilacorp/go-proof-relay/common/relayerr"
	"github.com/pilacorp/go-proof-relay/freshness"
	"github.com/pilacorp/go-proof-relay/proofshape"
	"github.com/pilacorp/go-proof-relay/registry"
	"github.com/pilacorp/go-proof-relay/sender"
	"github.com/pilacorp/go-proof-relay/verification"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type staticSessions struct {
	s verification.Session
}

func (f staticSessions) Session() verification.Session { return f.s }

type recordingBus struct {
	mu   sync.Mutex
	msgs [][]byte
}

func (r *recordingBus) Publish(_ context.Context, msg []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

func TestHealth(t *testing.T) {
	s, err := New(&recordingBus{}, staticSessions{})
	require.NoError(t, err)

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestRelayEndpoint(t *testing.T) {
	bus := &recordingBus{}
	s, err := New(bus, staticSessions{})
	require.NoError(t, err)

	tests := []struct {
		name     string
		body     string
		wantCode int
	}{
		{name: "relay envelope", body: `{"type":"ZKP_DATA","payload":{}}`, wantCode: http.StatusAccepted},
		{name: "other type", body: `{"type":"PING"}`, wantCode: http.StatusBadRequest},
		{name: "not json", body: `nope`, wantCode: http.StatusBadRequest},
		{name: "too large", body: `{"type":"ZKP_DATA","pad":"` + strings.Repeat("x", maxEnvelopeBytes) + `"}`, wantCode: http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/relay", strings.NewReader(tt.body)))
			assert.Equal(t, tt.wantCode, w.Code)
		})
	}

	require.Len(t, bus.msgs, 1)
	assert.JSONEq(t, `{"type":"ZKP_DATA","payload":{}}`, string(bus.msgs[0]))
}

func TestSessionViewHidesRejectionDetail(t *testing.T) {
	tests := []struct {
		state  verification.State
		reason relayerr.ReasonCode
	}{
		{state: verification.StateRejected, reason: relayerr.ReasonAuthMismatch},
		{state: verification.StateStale, reason: relayerr.ReasonStaleMessage},
		{state: verification.StateUnauthorized, reason: relayerr.ReasonUnauthorizedSubject},
		{state: verification.StateMalformed, reason: relayerr.ReasonMalformedProof},
	}

	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			s, err := New(&recordingBus{}, staticSessions{s: verification.Session{
				ID:     "abc",
				State:  tt.state,
				Status: verification.StatusRejected,
				Reason: tt.reason,
			}})
			require.NoError(t, err)

			w := httptest.NewRecorder()
			s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/session", nil))
			assert.Equal(t, http.StatusOK, w.Code)
			assert.JSONEq(t, `{"session_id":"abc","state":"Rejected","status":"Proof message rejected."}`, w.Body.String())
		})
	}
}

type acceptAll struct{}

func (acceptAll) VerifyProof(context.Context, *model.ProofTriple) (bool, error) { return true, nil }

func TestRelayThroughPageToVerifiedSession(t *testing.T) {
	secret := []byte("page-secret")
	h, err := authenticator.NewHMAC(secret)
	require.NoError(t, err)
	reg, err := registry.New(map[string]registry.IdentityRecord{
		"Sai123": {DisplayName: "Sainithin", AccessTier: registry.AccessTierFull},
	})
	require.NoError(t, err)

	machine, err := verification.NewMachine(verification.Config{
		Authenticator: h,
		Freshness:     freshness.NewGuard(),
		Registry:      reg,
		Parser:        proofshape.Validator{},
		Verifier:      acceptAll{},
	})
	require.NoError(t, err)

	bus := channel.NewBroadcast()
	receiver, err := verification.NewReceiver(machine, bus)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = receiver.Run(ctx) }()
	<-receiver.Ready()

	s, err := New(bus, machine)
	require.NoError(t, err)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	client, err := NewClient(srv.URL, WithHTTPClient(srv.Client()))
	require.NoError(t, err)

	snd, err := sender.New(h, client)
	require.NoError(t, err)
	_, err = snd.Relay(ctx, map[string]interface{}{
		"a":             []interface{}{"1", "2"},
		"b":             []interface{}{[]interface{}{"3", "4"}, []interface{}{"5", "6"}},
		"c":             []interface{}{"7", "8"},
		"publicSignals": []interface{}{"9"},
	}, "Sai123")
	require.NoError(t, err)

	var view *SessionView
	require.Eventually(t, func() bool {
		view, err = client.Session(ctx)
		return err == nil && view.State == "Verified"
	}, 2*time.Second, 10*time.Millisecond)

	require.NotNil(t, view.Subject)
	assert.Equal(t, "Sainithin", view.Subject.DisplayName)
	assert.Equal(t, "Full access", view.Subject.AccessTier)
	assert.Contains(t, view.Status, "Welcome Sainithin")
}

func TestRejectedSessionsLookAlike(t *testing.T) {
	h, err := authenticator.NewHMAC([]byte("page-secret"))
	require.NoError(t, err)
	reg, err := registry.New(map[string]registry.IdentityRecord{
		"Sai123": {DisplayName: "Sainithin", AccessTier: registry.AccessTierFull},
	})
	require.NoError(t, err)
	proof := map[string]interface{}{
		"a":             []interface{}{"1", "2"},
		"b":             []interface{}{[]interface{}{"3", "4"}, []interface{}{"5", "6"}},
		"c":             []interface{}{"7", "8"},
		"publicSignals": []interface{}{"9"},
	}

	tests := []struct {
		name    string
		issued  time.Time
		subject string
	}{
		{name: "stale", issued: time.Now().Add(-time.Hour), subject: "Sai123"},
		{name: "unknown subject", issued: time.Now(), subject: "Mallory"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			machine, err := verification.NewMachine(verification.Config{
				Authenticator: h,
				Freshness:     freshness.NewGuard(),
				Registry:      reg,
				Parser:        proofshape.Validator{},
				Verifier:      acceptAll{},
			})
			require.NoError(t, err)

			snd, err := sender.New(h, &recordingBus{}, sender.WithClock(func() time.Time { return tt.issued }))
			require.NoError(t, err)
			msg, err := snd.Seal(proof, tt.subject)
			require.NoError(t, err)
			out := machine.Handle(context.Background(), msg)
			require.True(t, out.State.IsRejection())

			s, err := New(&recordingBus{}, machine)
			require.NoError(t, err)
			w := httptest.NewRecorder()
			s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/session", nil))
			assert.Equal(t, http.StatusOK, w.Code)
			assert.Contains(t, w.Body.String(), `"state":"Rejected"`)
			assert.Contains(t, w.Body.String(), `"status":"Proof message rejected."`)
			assert.NotContains(t, w.Body.String(), "Stale")
			assert.NotContains(t, w.Body.String(), "Unauthorized")
		})
	}
}

func TestClientPublishError(t *testing.T) {
	s, err := New(&recordingBus{}, staticSessions{})
	require.NoError(t, err)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	client, err := NewClient(srv.URL)
	require.NoError(t, err)
	err = client.Publish(context.Background(), []byte(`{"type":"PING"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a relay message")
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(nil, staticSessions{})
	assert.Error(t, err)
	_, err = New(&recordingBus{}, nil)
	assert.Error(t, err)
	_, err = NewClient("")
	assert.Error(t, err)
}
