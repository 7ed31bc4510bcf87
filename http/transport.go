package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/agentpay/x402-go"
	"github.com/agentpay/x402-go/encoding"
)

// Header names used by the x402 HTTP binding.
const (
	// HeaderPayment carries the base64-encoded payment payload on requests.
	HeaderPayment = "X-PAYMENT"

	// HeaderPaymentResponse carries the base64-encoded settlement response.
	HeaderPaymentResponse = "X-PAYMENT-RESPONSE"
)

// X402Transport is an http.RoundTripper that handles x402 payment flows.
// It wraps an existing RoundTripper; when the server answers 402 Payment
// Required, it runs one payment cycle and re-issues the request carrying
// the payment proof in the X-PAYMENT header.
type X402Transport struct {
	// Base is the underlying RoundTripper (typically http.DefaultTransport).
	Base http.RoundTripper

	// Signers is the list of available payment signers.
	Signers []x402.Signer

	// Selector is used to choose the appropriate signer and create payments.
	Selector x402.PaymentSelector

	// Facilitator, when set, verifies and settles the payment client-side
	// before the paid retry. When nil, verification and settlement are left
	// to the resource server.
	Facilitator x402.Facilitator

	// MaxAttempts bounds transport-level retries of the underlying request.
	MaxAttempts int

	// Logger receives debug-level payment flow logs. Silent when nil.
	Logger *slog.Logger

	// OnPaymentAttempt is called when a payment attempt is made.
	OnPaymentAttempt x402.PaymentCallback

	// OnPaymentSuccess is called when a payment succeeds.
	OnPaymentSuccess x402.PaymentCallback

	// OnPaymentFailure is called when a payment fails.
	OnPaymentFailure x402.PaymentCallback
}

// RoundTrip implements http.RoundTripper. It makes the initial request, and
// if a 402 Payment Required response is received, it signs a payment and
// retries the request once with proof attached. A second 402 after payment
// is a terminal error, never a second payment.
func (t *X402Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}

	// The request may be issued more than once, so the body must be
	// rewindable.
	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to buffer request body: %w", err)
		}
	}

	var settlement *x402.SettlementResponse

	call := func(ctx context.Context, payment *x402.PaymentPayload) (*x402.CallResult, error) {
		attempt := req.Clone(ctx)
		if body != nil {
			attempt.Body = io.NopCloser(bytes.NewReader(body))
			attempt.ContentLength = int64(len(body))
		}
		if payment != nil {
			header, err := encoding.EncodePayment(*payment)
			if err != nil {
				return nil, x402.NewPaymentError(x402.ErrCodeSigningFailed, "failed to encode payment header", err)
			}
			attempt.Header.Set(HeaderPayment, header)
		}

		resp, err := base.RoundTrip(attempt)
		if err != nil {
			return nil, err
		}

		if resp.StatusCode != http.StatusPaymentRequired {
			if payment != nil {
				settlement = GetSettlement(resp)
			}
			return &x402.CallResult{Result: resp}, nil
		}

		required, err := decodePaymentRequired(resp)
		resp.Body.Close()
		if err != nil {
			return nil, x402.NewPaymentError(x402.ErrCodeInvalidRequirements, "failed to parse payment requirements", err)
		}
		return &x402.CallResult{PaymentRequired: required}, nil
	}

	url := req.URL.String()
	flow := &x402.Flow{
		Signers:          t.Signers,
		Selector:         t.Selector,
		Facilitator:      t.Facilitator,
		Method:           "HTTP",
		MaxAttempts:      t.MaxAttempts,
		Logger:           t.Logger,
		OnPaymentAttempt: wrapCallback(t.OnPaymentAttempt, url, &settlement),
		OnPaymentSuccess: wrapCallback(t.OnPaymentSuccess, url, &settlement),
		OnPaymentFailure: wrapCallback(t.OnPaymentFailure, url, &settlement),
	}

	result, err := flow.Execute(req.Context(), call)
	if err != nil {
		return nil, err
	}

	resp, ok := result.Result.(*http.Response)
	if !ok {
		return nil, fmt.Errorf("unexpected flow result type %T", result.Result)
	}
	return resp, nil
}

// wrapCallback decorates flow events with the request URL and, when the
// server reported settlement through the response header, the transaction
// reference the flow itself did not observe.
func wrapCallback(cb x402.PaymentCallback, url string, settlement **x402.SettlementResponse) x402.PaymentCallback {
	if cb == nil {
		return nil
	}
	return func(event x402.PaymentEvent) {
		event.URL = url
		if s := *settlement; s != nil {
			if event.Transaction == "" {
				event.Transaction = s.Transaction
				if event.Transaction == "" {
					event.Transaction = s.TransactionHash
				}
			}
			if event.Payer == "" {
				event.Payer = s.Payer
			}
		}
		cb(event)
	}
}

// decodePaymentRequired extracts the payment terms from a 402 response body.
func decodePaymentRequired(resp *http.Response) (*x402.PaymentRequired, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	var required x402.PaymentRequired
	if err := json.Unmarshal(body, &required); err != nil {
		return nil, fmt.Errorf("failed to parse payment requirements JSON: %w", err)
	}
	return &required, nil
}

// GetSettlement extracts settlement information from an HTTP response.
// Returns nil if no settlement header is present or if parsing fails.
func GetSettlement(resp *http.Response) *x402.SettlementResponse {
	header := resp.Header.Get(HeaderPaymentResponse)
	if header == "" {
		return nil
	}

	settlement, err := encoding.DecodeSettlement(header)
	if err != nil {
		return nil
	}
	return &settlement
}
