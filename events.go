package x402

import "time"

// PaymentEventType represents the type of payment lifecycle event.
type PaymentEventType string

const (
	PaymentEventAttempt PaymentEventType = "payment_attempt"
	PaymentEventSuccess PaymentEventType = "payment_success"
	PaymentEventFailure PaymentEventType = "payment_failure"
)

// PaymentEvent describes one payment lifecycle event, emitted by the flow at
// the attempt, success, and failure points of a payment cycle.
type PaymentEvent struct {
	// Type is the event type.
	Type PaymentEventType

	// Timestamp is when the event occurred.
	Timestamp time.Time

	// Method is the transport binding that initiated the cycle ("HTTP", "MCP").
	Method string

	// URL is the resource URL (HTTP binding).
	URL string

	// Tool is the tool name that required payment (MCP binding).
	Tool string

	// Network is the CAIP-2 network identifier.
	Network string

	// Scheme is the payment scheme.
	Scheme string

	// Amount is the payment amount in atomic units.
	Amount string

	// Asset is the token address.
	Asset string

	// Recipient is the payment recipient address.
	Recipient string

	// Transaction is the on-chain transaction reference (success events).
	Transaction string

	// Payer is the address that made the payment.
	Payer string

	// Error holds failure details (failure events).
	Error error

	// Duration is the elapsed time since the payment attempt started.
	Duration time.Duration
}

// PaymentCallback observes payment lifecycle events.
type PaymentCallback func(PaymentEvent)
