package mcp

import (
	"errors"
	"fmt"

	"github.com/agentpay/x402-go"
)

var (
	// ErrNoPaymentRequirements indicates a 402 error without parseable
	// payment requirements.
	ErrNoPaymentRequirements = errors.New("no payment requirements in 402 error")

	// ErrSessionTerminated indicates that the MCP session has ended.
	ErrSessionTerminated = errors.New("mcp session terminated")

	// ErrToolNotFound indicates that the requested tool does not exist.
	ErrToolNotFound = errors.New("tool not found")
)

// PaymentError wraps an x402 error with MCP-specific context.
type PaymentError struct {
	Err  error
	Tool string
}

func (e *PaymentError) Error() string {
	if e.Tool != "" {
		return fmt.Sprintf("payment error for tool %s: %v", e.Tool, e.Err)
	}
	return fmt.Sprintf("payment error: %v", e.Err)
}

func (e *PaymentError) Unwrap() error {
	return e.Err
}

// WrapToolError wraps a payment failure with the tool it occurred on.
func WrapToolError(err error, tool string) error {
	if err == nil {
		return nil
	}
	return &PaymentError{Err: err, Tool: tool}
}

// IsPaymentError checks if an error is payment-related.
func IsPaymentError(err error) bool {
	if err == nil {
		return false
	}
	var paymentErr *PaymentError
	var x402Err *x402.PaymentError
	return errors.As(err, &paymentErr) ||
		errors.As(err, &x402Err) ||
		errors.Is(err, ErrNoPaymentRequirements) ||
		errors.Is(err, x402.ErrNoValidSigner) ||
		errors.Is(err, x402.ErrSigningFailed) ||
		errors.Is(err, x402.ErrVerificationFailed) ||
		errors.Is(err, x402.ErrSettlementFailed) ||
		errors.Is(err, x402.ErrFacilitatorUnavailable) ||
		errors.Is(err, x402.ErrStillPaymentRequired)
}
