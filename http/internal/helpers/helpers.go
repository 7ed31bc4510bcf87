// Package helpers provides shared helper functions for x402 HTTP middleware
// implementations. The stdlib, Gin, and Chi middlewares all route through
// these so paywall behavior stays consistent across frameworks.
package helpers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/agentpay/x402-go"
	"github.com/agentpay/x402-go/encoding"
)

// ParsePaymentHeaderFromRequest parses the X-PAYMENT header from an
// http.Request and returns the payment payload.
//
// Returns x402.ErrMalformedHeader if the header is missing, invalid base64,
// or invalid JSON. Returns x402.ErrUnsupportedVersion for protocol versions
// other than 1.
func ParsePaymentHeaderFromRequest(r *http.Request) (x402.PaymentPayload, error) {
	var payment x402.PaymentPayload

	headerValue := r.Header.Get("X-PAYMENT")
	if headerValue == "" {
		return payment, x402.ErrMalformedHeader
	}

	payment, err := encoding.DecodePayment(headerValue)
	if err != nil {
		return payment, err
	}

	if payment.X402Version != x402.X402Version {
		return payment, fmt.Errorf("%w: %d", x402.ErrUnsupportedVersion, payment.X402Version)
	}

	return payment, nil
}

// FindMatchingRequirement finds a payment requirement that matches the
// provided payment's scheme and network.
//
// Returns x402.ErrUnsupportedScheme if no matching requirement is found.
func FindMatchingRequirement(payment x402.PaymentPayload, requirements []x402.PaymentRequirement) (x402.PaymentRequirement, error) {
	for _, req := range requirements {
		if req.Scheme == payment.Scheme && req.Network == payment.Network {
			return req, nil
		}
	}
	return x402.PaymentRequirement{}, fmt.Errorf("%w: no requirement accepts scheme %q on network %q",
		x402.ErrUnsupportedScheme, payment.Scheme, payment.Network)
}

// SendPaymentRequired sends a 402 Payment Required response with payment
// requirements in JSON format.
func SendPaymentRequired(w http.ResponseWriter, requirements []x402.PaymentRequirement) {
	response := x402.PaymentRequired{
		X402Version: x402.X402Version,
		Error:       "Payment required for this resource",
		Accepts:     requirements,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)
	// Headers are out with the 402 status already; an encoding error here can
	// only truncate the body.
	_ = json.NewEncoder(w).Encode(response)
}

// AddPaymentResponseHeader adds the X-PAYMENT-RESPONSE header with
// base64-encoded settlement information.
func AddPaymentResponseHeader(w http.ResponseWriter, settlement *x402.SettlementResponse) error {
	encoded, err := encoding.EncodeSettlement(*settlement)
	if err != nil {
		return err
	}

	w.Header().Set("X-PAYMENT-RESPONSE", encoded)
	return nil
}
