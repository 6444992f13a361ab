// Package issuer is a client for the OTP-gated proof issuing service.
package issuer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/pilacorp/go-proof-relay/common/canonical"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	DefaultTimeout = 10 * time.Second

	proofPath     = "/get_zkp"
	statusSuccess = "success"
	maxBodyBytes  = 1 << 20
)

var unsafeChars = regexp.MustCompile(`[^\w\-]`)

// SanitizeInput strips everything except letters, digits, underscore and dash.
func SanitizeInput(s string) string {
	return unsafeChars.ReplaceAllString(s, "")
}

// Error is a non-success answer from the issuing service.
type Error struct {
	StatusCode int
	Status     string
	Message    string
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "no message"
	}
	return fmt.Sprintf("issuer returned %q (http %d): %s", e.Status, e.StatusCode, msg)
}

type Client struct {
	baseURL string
	client  *http.Client
}

type Option func(*Client)

// WithHTTPClient replaces the instrumented default client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.client = c }
}

func NewClient(baseURL string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, fmt.Errorf("issuer base URL required")
	}

	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout:   DefaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type proofRequest struct {
	UserID string `json:"user_id"`
	OTP    string `json:"otp"`
}

// FetchProof exchanges a user id and OTP for the onchain_proof object.
//
// Both inputs are sanitized first; an input that is empty afterwards is an error
// and no request is made. The proof is returned as generic JSON with numbers kept
// verbatim.
func (c *Client) FetchProof(ctx context.Context, userID, otp string) (interface{}, error) {
	userID = SanitizeInput(userID)
	otp = SanitizeInput(otp)
	if userID == "" || otp == "" {
		return nil, errors.New("user id and otp are required")
	}

	reqBody, err := json.Marshal(proofRequest{UserID: userID, OTP: otp})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+proofPath, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to build issuer request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach issuer: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read issuer response: %w", err)
	}

	doc, err := canonical.Decode(body)
	if err != nil {
		return nil, fmt.Errorf("issuer http %d: invalid response body: %w", resp.StatusCode, err)
	}
	obj, ok := doc.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("issuer http %d: response is not an object", resp.StatusCode)
	}

	status, _ := obj["status"].(string)
	if status != statusSuccess {
		message, _ := obj["message"].(string)
		return nil, &Error{StatusCode: resp.StatusCode, Status: status, Message: message}
	}

	zkp, ok := obj["zkp"].(map[string]interface{})
	if !ok {
		return nil, errors.New("issuer response has no zkp object")
	}
	proof, ok := zkp["onchain_proof"]
	if !ok || proof == nil {
		return nil, errors.New("issuer response has no onchain_proof")
	}
	return proof, nil
}
