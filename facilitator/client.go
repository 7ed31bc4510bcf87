// Package facilitator implements the HTTP client for the verify and settle
// operations of an x402 facilitator service.
//
// Timeout policy: a verify or settle call that exceeds its time budget
// produces a negative result (isValid=false / success=false with a timeout
// reason), never an error. A settle whose response was lost may still have
// landed on-chain, so callers must treat the negative result as terminal
// rather than resubmit.
package facilitator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/agentpay/x402-go"
)

const (
	// DefaultBaseURL is the public facilitator operated by the x402 project.
	DefaultBaseURL = "https://x402.org/facilitator"

	// routeSegment is the fixed routing segment facilitator deployments hang
	// their endpoints under. Base URLs with or without it normalize to the
	// same endpoint paths.
	routeSegment = "/facilitator"

	// DefaultVerifyTimeout bounds verify calls. Verification is signature and
	// format checking, expected to be fast.
	DefaultVerifyTimeout = 30 * time.Second

	// DefaultSettleTimeout bounds settle calls. Settlement submits on-chain
	// and is given a longer budget than verify.
	DefaultSettleTimeout = 60 * time.Second
)

// Client talks to one facilitator deployment. It is stateless and safe for
// concurrent use.
type Client struct {
	BaseURL       string
	HTTPClient    *http.Client
	VerifyTimeout time.Duration
	SettleTimeout time.Duration
	Logger        *slog.Logger
}

// NewClient creates a Client for the given base URL with default timeouts.
// An empty baseURL selects DefaultBaseURL.
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		BaseURL:       baseURL,
		HTTPClient:    &http.Client{},
		VerifyTimeout: DefaultVerifyTimeout,
		SettleTimeout: DefaultSettleTimeout,
	}
}

type verifyRequest struct {
	X402Version         int                     `json:"x402Version"`
	PaymentPayload      x402.PaymentPayload     `json:"paymentPayload"`
	PaymentRequirements x402.PaymentRequirement `json:"paymentRequirements"`
}

type settleRequest struct {
	X402Version         int                     `json:"x402Version"`
	PaymentPayload      x402.PaymentPayload     `json:"paymentPayload"`
	PaymentRequirements x402.PaymentRequirement `json:"paymentRequirements"`
	Verification        *x402.VerifyResponse    `json:"verification,omitempty"`
}

// wireResponse is the tolerant superset of verify and settle response
// shapes. Facilitators differ in which human-readable fields they attach to
// failures; all of message/detail/error are folded into the reason.
type wireResponse struct {
	IsValid         bool   `json:"isValid"`
	InvalidReason   string `json:"invalidReason"`
	Payer           string `json:"payer"`
	Success         bool   `json:"success"`
	ErrorReason     string `json:"errorReason"`
	Transaction     string `json:"transaction"`
	TransactionHash string `json:"transactionHash"`
	Network         string `json:"network"`
	Message         string `json:"message"`
	Detail          string `json:"detail"`
	ErrorText       string `json:"error"`
}

// failureReason concatenates the primary reason with whatever human-readable
// extras the facilitator attached.
func (w *wireResponse) failureReason(primary string) string {
	parts := make([]string, 0, 4)
	for _, p := range []string{primary, w.Message, w.Detail, w.ErrorText} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) == 0 {
		return "facilitator returned no reason"
	}
	return strings.Join(parts, "; ")
}

// endpoint builds the URL for one facilitator operation. The configured base
// may or may not already carry the routing segment; both forms resolve to
// the same path without duplicating the segment.
func (c *Client) endpoint(operation string) string {
	base := strings.TrimRight(c.BaseURL, "/")
	if !strings.HasSuffix(base, routeSegment) {
		base += routeSegment
	}
	return base + "/" + operation
}

// Verify checks a payment payload against its requirement without executing
// it. The envelope's network and scheme are taken from the requirement; any
// copies the builder embedded are not trusted over the requirement's own
// values. A timeout yields isValid=false with a timeout reason, not an error.
func (c *Client) Verify(ctx context.Context, payment x402.PaymentPayload, requirement x402.PaymentRequirement) (*x402.VerifyResponse, error) {
	payment.Network = requirement.Network
	payment.Scheme = requirement.Scheme

	body, err := json.Marshal(verifyRequest{
		X402Version:         x402.X402Version,
		PaymentPayload:      payment,
		PaymentRequirements: requirement,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal verify request: %w", err)
	}

	wire, status, err := c.post(ctx, c.endpoint("verify"), body, c.verifyTimeout())
	if err != nil {
		if isTimeout(ctx, err) {
			return &x402.VerifyResponse{
				IsValid:       false,
				InvalidReason: fmt.Sprintf("facilitator verify timeout after %s", c.verifyTimeout()),
			}, nil
		}
		return nil, fmt.Errorf("%w: %v", x402.ErrFacilitatorUnavailable, err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d: %s",
			x402.ErrVerificationFailed, status, wire.failureReason(wire.InvalidReason))
	}

	resp := &x402.VerifyResponse{
		IsValid:       wire.IsValid,
		InvalidReason: wire.InvalidReason,
		Payer:         wire.Payer,
	}
	if !resp.IsValid {
		resp.InvalidReason = wire.failureReason(wire.InvalidReason)
	}
	c.logger().Debug("facilitator verify",
		"network", requirement.Network, "isValid", resp.IsValid, "reason", resp.InvalidReason)
	return resp, nil
}

// Settle submits a verified payment on-chain via the facilitator. The prior
// verification travels with the request. A timeout yields success=false with
// a timeout reason, never an error, and must not be retried.
func (c *Client) Settle(ctx context.Context, payment x402.PaymentPayload, requirement x402.PaymentRequirement, verification *x402.VerifyResponse) (*x402.SettlementResponse, error) {
	payment.Network = requirement.Network
	payment.Scheme = requirement.Scheme

	body, err := json.Marshal(settleRequest{
		X402Version:         x402.X402Version,
		PaymentPayload:      payment,
		PaymentRequirements: requirement,
		Verification:        verification,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal settle request: %w", err)
	}

	wire, status, err := c.post(ctx, c.endpoint("settle"), body, c.settleTimeout())
	if err != nil {
		if isTimeout(ctx, err) {
			return &x402.SettlementResponse{
				Success:     false,
				ErrorReason: fmt.Sprintf("facilitator settle timeout after %s", c.settleTimeout()),
				Network:     requirement.Network,
			}, nil
		}
		return nil, fmt.Errorf("%w: %v", x402.ErrFacilitatorUnavailable, err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d: %s",
			x402.ErrSettlementFailed, status, wire.failureReason(wire.ErrorReason))
	}

	resp := &x402.SettlementResponse{
		Success:         wire.Success,
		ErrorReason:     wire.ErrorReason,
		Transaction:     wire.Transaction,
		TransactionHash: wire.TransactionHash,
		Network:         wire.Network,
		Payer:           wire.Payer,
	}
	if resp.Network == "" {
		resp.Network = requirement.Network
	}
	if !resp.Success {
		resp.ErrorReason = wire.failureReason(wire.ErrorReason)
	}
	c.logger().Debug("facilitator settle",
		"network", requirement.Network, "success", resp.Success,
		"transaction", resp.Transaction, "reason", resp.ErrorReason)
	return resp, nil
}

// SupportedKind is one payment kind a facilitator can verify and settle.
type SupportedKind struct {
	X402Version int                    `json:"x402Version"`
	Scheme      string                 `json:"scheme"`
	Network     string                 `json:"network"`
	Extra       map[string]interface{} `json:"extra,omitempty"`
}

// SupportedResponse lists the payment kinds a facilitator supports.
type SupportedResponse struct {
	Kinds []SupportedKind `json:"kinds"`
}

// Supported queries the facilitator for the payment kinds it handles.
func (c *Client) Supported(ctx context.Context) (*SupportedResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.verifyTimeout())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("supported"), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", x402.ErrFacilitatorUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("supported endpoint failed: status %d", resp.StatusCode)
	}
	var supported SupportedResponse
	if err := json.NewDecoder(resp.Body).Decode(&supported); err != nil {
		return nil, fmt.Errorf("failed to decode supported response: %w", err)
	}
	return &supported, nil
}

// EnrichRequirements merges facilitator-provided extra data (such as the fee
// payer address for Solana networks) into requirements that lack it.
// Values already present in a requirement take precedence.
func (c *Client) EnrichRequirements(ctx context.Context, requirements []x402.PaymentRequirement) ([]x402.PaymentRequirement, error) {
	supported, err := c.Supported(ctx)
	if err != nil {
		return requirements, fmt.Errorf("failed to fetch supported payment kinds: %w", err)
	}

	byKind := make(map[string]SupportedKind, len(supported.Kinds))
	for _, kind := range supported.Kinds {
		byKind[kind.Network+"-"+kind.Scheme] = kind
	}

	enriched := make([]x402.PaymentRequirement, len(requirements))
	for i, req := range requirements {
		enriched[i] = req
		kind, ok := byKind[req.Network+"-"+req.Scheme]
		if !ok || kind.Extra == nil {
			continue
		}
		if enriched[i].Extra == nil {
			enriched[i].Extra = make(map[string]interface{}, len(kind.Extra))
		}
		for k, v := range kind.Extra {
			if _, exists := enriched[i].Extra[k]; !exists {
				enriched[i].Extra[k] = v
			}
		}
	}
	return enriched, nil
}

// post sends one JSON request and decodes the tolerant wire shape. The body
// is decoded for error statuses too, so failure extras survive.
func (c *Client) post(ctx context.Context, url string, body []byte, timeout time.Duration) (*wireResponse, int, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	var wire wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		if resp.StatusCode == http.StatusOK {
			return nil, 0, fmt.Errorf("failed to decode facilitator response: %w", err)
		}
		// Non-JSON error bodies still carry the status.
		return &wireResponse{}, resp.StatusCode, nil
	}
	return &wire, resp.StatusCode, nil
}

// isTimeout reports whether err is this call's own deadline expiring rather
// than the caller's cancellation.
func isTimeout(parent context.Context, err error) bool {
	if parent.Err() != nil {
		return false
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) verifyTimeout() time.Duration {
	if c.VerifyTimeout > 0 {
		return c.VerifyTimeout
	}
	return DefaultVerifyTimeout
}

func (c *Client) settleTimeout() time.Duration {
	if c.SettleTimeout > 0 {
		return c.SettleTimeout
	}
	return DefaultSettleTimeout
}

func (c *Client) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.New(slog.DiscardHandler)
}

// Compile-time check that Client satisfies the flow's facilitator contract.
var _ x402.Facilitator = (*Client)(nil)
