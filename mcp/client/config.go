package client

import (
	"log/slog"

	"github.com/agentpay/x402-go"
)

// Config holds configuration for the MCP client transport with x402 payment
// support.
type Config struct {
	// ServerURL is the MCP server endpoint.
	ServerURL string

	// Signers is the list of payment signers in priority order.
	Signers []x402.Signer

	// Selector chooses the signer for a requirement (optional, uses the
	// default priority-based selector if nil).
	Selector x402.PaymentSelector

	// Facilitator, when set, verifies and settles payments client-side
	// before the paid retry. When nil, verification and settlement are
	// left to the resource server.
	Facilitator x402.Facilitator

	// MaxAttempts bounds transport-level retries of the underlying call.
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

// Option is a functional option for configuring the Transport.
type Option func(*Config)

// WithSigner adds a payment signer to the configuration.
func WithSigner(signer x402.Signer) Option {
	return func(c *Config) {
		c.Signers = append(c.Signers, signer)
	}
}

// WithSelector sets a custom payment selector.
func WithSelector(selector x402.PaymentSelector) Option {
	return func(c *Config) {
		c.Selector = selector
	}
}

// WithFacilitator enables client-side verification and settlement through
// the given facilitator.
func WithFacilitator(facilitator x402.Facilitator) Option {
	return func(c *Config) {
		c.Facilitator = facilitator
	}
}

// WithMaxAttempts bounds transport-level retries of the underlying call.
func WithMaxAttempts(attempts int) Option {
	return func(c *Config) {
		c.MaxAttempts = attempts
	}
}

// WithLogger sets the logger for payment flow diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithPaymentCallback sets a unified payment callback for all events.
func WithPaymentCallback(callback x402.PaymentCallback) Option {
	return func(c *Config) {
		c.OnPaymentAttempt = callback
		c.OnPaymentSuccess = callback
		c.OnPaymentFailure = callback
	}
}

// WithPaymentCallbacks sets individual callbacks per event type. Any of the
// three may be nil.
func WithPaymentCallbacks(onAttempt, onSuccess, onFailure x402.PaymentCallback) Option {
	return func(c *Config) {
		c.OnPaymentAttempt = onAttempt
		c.OnPaymentSuccess = onSuccess
		c.OnPaymentFailure = onFailure
	}
}

// DefaultConfig returns a Config with default settings.
func DefaultConfig(serverURL string) *Config {
	return &Config{
		ServerURL: serverURL,
		Selector:  x402.NewDefaultPaymentSelector(),
		Signers:   make([]x402.Signer, 0),
	}
}
