package x402

import (
	"errors"
	"fmt"
	"strings"
)

// Standard x402 error definitions

var (
	// ErrPaymentRequired indicates that payment is required to access the resource.
	ErrPaymentRequired = errors.New("payment required")

	// ErrInvalidPayment indicates that the provided payment is invalid.
	ErrInvalidPayment = errors.New("invalid payment")

	// ErrMalformedHeader indicates that the X-PAYMENT header is malformed.
	ErrMalformedHeader = errors.New("malformed payment header")

	// ErrUnsupportedVersion indicates an unsupported x402 protocol version.
	ErrUnsupportedVersion = errors.New("unsupported x402 version")

	// ErrUnsupportedScheme indicates an unsupported payment scheme.
	ErrUnsupportedScheme = errors.New("unsupported payment scheme")

	// ErrUnsupportedNetwork indicates an unsupported blockchain network.
	ErrUnsupportedNetwork = errors.New("unsupported network")

	// ErrInvalidNetwork indicates a malformed network identifier.
	ErrInvalidNetwork = errors.New("invalid network identifier")

	// ErrInvalidRequirements indicates malformed payment requirements.
	ErrInvalidRequirements = errors.New("invalid payment requirements")

	// ErrMissingRequirements indicates a payment-required response without
	// parseable requirements.
	ErrMissingRequirements = errors.New("missing payment requirements")

	// ErrInvalidRecipient indicates a missing or malformed payTo address.
	ErrInvalidRecipient = errors.New("invalid payTo address")

	// ErrInvalidKey indicates missing or malformed wallet key material.
	ErrInvalidKey = errors.New("invalid private key")

	// ErrInvalidKeystore indicates an unreadable or malformed keystore file.
	ErrInvalidKeystore = errors.New("invalid keystore")

	// ErrInvalidMnemonic indicates an invalid BIP39 mnemonic phrase.
	ErrInvalidMnemonic = errors.New("invalid mnemonic")

	// ErrInvalidAmount indicates a malformed payment amount.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrAmountExceeded indicates the payment exceeds a configured spending limit.
	ErrAmountExceeded = errors.New("amount exceeds configured limit")

	// ErrNoTokens indicates a signer was configured without any tokens.
	ErrNoTokens = errors.New("no tokens configured")

	// ErrNoValidSigner indicates no configured signer can satisfy the requirements.
	ErrNoValidSigner = errors.New("no valid signer")

	// ErrSigningFailed indicates payload signing failed.
	ErrSigningFailed = errors.New("signing failed")

	// ErrInvalidSignature indicates an invalid cryptographic signature.
	ErrInvalidSignature = errors.New("invalid signature")

	// ErrInvalidAuthorization indicates invalid payment authorization data.
	ErrInvalidAuthorization = errors.New("invalid authorization")

	// ErrInvalidNonce indicates an invalid or reused nonce.
	ErrInvalidNonce = errors.New("invalid nonce")

	// ErrFacilitatorUnavailable indicates the facilitator service is unavailable.
	ErrFacilitatorUnavailable = errors.New("facilitator unavailable")

	// ErrVerificationFailed indicates payment verification failed.
	ErrVerificationFailed = errors.New("verification failed")

	// ErrSettlementFailed indicates on-chain settlement failed.
	ErrSettlementFailed = errors.New("settlement failed")

	// ErrStillPaymentRequired indicates the server demanded payment again after
	// a paid retry. The flow never starts a second payment cycle for this.
	ErrStillPaymentRequired = errors.New("server still demands payment after settlement")

	// ErrMaxRetriesExceeded indicates the transport retry budget was exhausted.
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")

	// ErrTimeout indicates the operation timed out.
	ErrTimeout = errors.New("operation timed out")
)

// ErrorCode classifies a payment failure for programmatic handling.
type ErrorCode string

const (
	ErrCodeInvalidRequirements ErrorCode = "invalid_requirements"
	ErrCodeMissingRequirements ErrorCode = "missing_requirements"
	ErrCodeUnsupportedNetwork  ErrorCode = "unsupported_network"
	ErrCodeNoValidSigner       ErrorCode = "no_valid_signer"
	ErrCodeNoWalletConfigured  ErrorCode = "no_wallet_configured"
	ErrCodeSigningFailed       ErrorCode = "signing_failed"
	ErrCodeVerificationFailed  ErrorCode = "verification_failed"
	ErrCodeSettlementFailed    ErrorCode = "settlement_failed"
	ErrCodeStillRequired       ErrorCode = "still_payment_required"
	ErrCodeMaxRetriesExceeded  ErrorCode = "max_retries_exceeded"
	ErrCodeTransportFailure    ErrorCode = "transport_failure"
	ErrCodeTimeout             ErrorCode = "timeout"
)

// PaymentError is a structured payment failure carrying a machine-readable
// code, a human-readable message, and optional key/value details. All failures
// crossing the flow boundary resolve to this type; callers never observe the
// intermediate verify/settle choreography.
type PaymentError struct {
	Code    ErrorCode
	Message string
	Err     error
	Details map[string]string
}

// NewPaymentError creates a PaymentError wrapping err.
func NewPaymentError(code ErrorCode, message string, err error) *PaymentError {
	return &PaymentError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WithDetails attaches a key/value detail and returns the error for chaining.
func (e *PaymentError) WithDetails(key, value string) *PaymentError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

func (e *PaymentError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", e.Code, e.Message)
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	for k, v := range e.Details {
		fmt.Fprintf(&b, " (%s=%s)", k, v)
	}
	return b.String()
}

func (e *PaymentError) Unwrap() error {
	return e.Err
}

// IsConfigFault reports whether err is a configuration fault (missing wallet,
// malformed payTo, unsupported network). Configuration faults are surfaced
// immediately and never retried.
func IsConfigFault(err error) bool {
	var pe *PaymentError
	if errors.As(err, &pe) {
		switch pe.Code {
		case ErrCodeUnsupportedNetwork, ErrCodeNoWalletConfigured,
			ErrCodeNoValidSigner, ErrCodeInvalidRequirements, ErrCodeSigningFailed:
			return true
		}
	}
	return errors.Is(err, ErrInvalidRecipient) ||
		errors.Is(err, ErrInvalidKey) ||
		errors.Is(err, ErrUnsupportedNetwork)
}
