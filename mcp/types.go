// Package mcp provides x402 payment integration for MCP (Model Context Protocol).
package mcp

import (
	"encoding/json"
	"strings"

	"github.com/agentpay/x402-go"
)

// Metadata keys for carrying payment data through MCP messages.
const (
	// MetaKeyPayment is the key for payment data in MCP request params._meta.
	MetaKeyPayment = "x402/payment"

	// MetaKeyPaymentResponse is the key for the settlement response in MCP
	// result._meta.
	MetaKeyPaymentResponse = "x402/payment-response"
)

// PaymentRequiredCode is the JSON-RPC error code servers use to demand
// payment, mirroring the HTTP status code.
const PaymentRequiredCode = 402

// ExtractPaymentRequired parses the payment terms out of a JSON-RPC 402
// error's data field. It accepts any of the wire shapes tolerated by
// x402.PaymentRequired.
func ExtractPaymentRequired(data interface{}) (*x402.PaymentRequired, error) {
	if data == nil {
		return nil, ErrNoPaymentRequirements
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	var required x402.PaymentRequired
	if err := json.Unmarshal(raw, &required); err != nil {
		return nil, err
	}
	if len(required.Accepts) == 0 {
		return nil, ErrNoPaymentRequirements
	}
	return &required, nil
}

// DetectEmbeddedPaymentRequired scans a tool result's text content for a
// JSON-encoded payment demand. Some servers report 402 as ordinary tool
// output rather than a JSON-RPC error; both shapes carry the same
// requirements document.
func DetectEmbeddedPaymentRequired(text string) *x402.PaymentRequired {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "{") {
		return nil
	}
	if !strings.Contains(text, "x402Version") {
		return nil
	}

	var required x402.PaymentRequired
	if err := json.Unmarshal([]byte(text), &required); err != nil {
		return nil
	}
	if required.X402Version == 0 || len(required.Accepts) == 0 {
		return nil
	}
	return &required
}
