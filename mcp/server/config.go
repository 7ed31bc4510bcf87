package server

import (
	"log/slog"

	"github.com/agentpay/x402-go"
)

// Config holds configuration for the MCP server with x402 payment support.
type Config struct {
	// FacilitatorURL is the URL of the x402 facilitator service.
	FacilitatorURL string

	// FallbackFacilitatorURL is tried when the primary facilitator is
	// unreachable. Optional.
	FallbackFacilitatorURL string

	// VerifyOnly when true skips payment settlement (useful for testing).
	VerifyOnly bool

	// Logger receives payment handling logs. Defaults to slog.Default().
	Logger *slog.Logger

	// PaymentTools maps tool names to their acceptable payment options.
	PaymentTools map[string][]x402.PaymentRequirement
}

// DefaultConfig returns a Config with default settings.
func DefaultConfig() *Config {
	return &Config{
		PaymentTools: make(map[string][]x402.PaymentRequirement),
	}
}

// AddPaymentTool adds payment requirements for a tool.
func (c *Config) AddPaymentTool(toolName string, requirements ...x402.PaymentRequirement) {
	if c.PaymentTools == nil {
		c.PaymentTools = make(map[string][]x402.PaymentRequirement)
	}
	c.PaymentTools[toolName] = requirements
}

// RequiresPayment checks if a tool requires payment.
func (c *Config) RequiresPayment(toolName string) bool {
	return len(c.PaymentTools[toolName]) > 0
}

// GetPaymentRequirements returns the payment requirements for a tool.
func (c *Config) GetPaymentRequirements(toolName string) []x402.PaymentRequirement {
	if c.PaymentTools == nil {
		return nil
	}
	return c.PaymentTools[toolName]
}

func (c *Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}
