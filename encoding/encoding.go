// Package encoding provides the base64 JSON codecs for x402 wire artifacts:
// payment payloads in X-PAYMENT headers, settlements in X-PAYMENT-RESPONSE
// headers, and payment-required bodies embedded in tool results.
package encoding

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/agentpay/x402-go"
)

// EncodePayment converts a PaymentPayload to a base64-encoded JSON string
// for the X-PAYMENT header.
func EncodePayment(payment x402.PaymentPayload) (string, error) {
	paymentJSON, err := json.Marshal(payment)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payment: %w", err)
	}
	return base64.StdEncoding.EncodeToString(paymentJSON), nil
}

// DecodePayment converts a base64-encoded JSON string to a PaymentPayload.
func DecodePayment(encoded string) (x402.PaymentPayload, error) {
	var payment x402.PaymentPayload

	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return payment, fmt.Errorf("%w: %v", x402.ErrMalformedHeader, err)
	}
	if err := json.Unmarshal(decoded, &payment); err != nil {
		return payment, fmt.Errorf("%w: %v", x402.ErrMalformedHeader, err)
	}
	return payment, nil
}

// EncodeSettlement converts a SettlementResponse to a base64-encoded JSON
// string for the X-PAYMENT-RESPONSE header.
func EncodeSettlement(settlement x402.SettlementResponse) (string, error) {
	settlementJSON, err := json.Marshal(settlement)
	if err != nil {
		return "", fmt.Errorf("failed to marshal settlement: %w", err)
	}
	return base64.StdEncoding.EncodeToString(settlementJSON), nil
}

// DecodeSettlement converts a base64-encoded JSON string to a
// SettlementResponse.
func DecodeSettlement(encoded string) (x402.SettlementResponse, error) {
	var settlement x402.SettlementResponse

	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return settlement, fmt.Errorf("%w: %v", x402.ErrMalformedHeader, err)
	}
	if err := json.Unmarshal(decoded, &settlement); err != nil {
		return settlement, fmt.Errorf("%w: %v", x402.ErrMalformedHeader, err)
	}
	return settlement, nil
}

// EncodeRequirements converts a PaymentRequired body to base64-encoded JSON.
func EncodeRequirements(required x402.PaymentRequired) (string, error) {
	reqJSON, err := json.Marshal(required)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payment required body: %w", err)
	}
	return base64.StdEncoding.EncodeToString(reqJSON), nil
}

// DecodeRequirements converts base64-encoded JSON to a PaymentRequired body.
// The tolerant PaymentRequired unmarshaler absorbs object-or-array and
// alternate key shapes.
func DecodeRequirements(encoded string) (x402.PaymentRequired, error) {
	var required x402.PaymentRequired

	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return required, fmt.Errorf("%w: %v", x402.ErrMalformedHeader, err)
	}
	if err := json.Unmarshal(decoded, &required); err != nil {
		return required, fmt.Errorf("%w: %v", x402.ErrMalformedHeader, err)
	}
	return required, nil
}
