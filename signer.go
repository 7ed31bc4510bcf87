package x402

import "math/big"

// Signer represents a payment payload builder for one blockchain network.
// Implementations handle family-specific signing: Aptos (delegated signed
// transactions), EVM (EIP-3009 authorizations), and SVM (partially signed
// transactions).
type Signer interface {
	// Network returns the CAIP-2 network identifier this signer serves.
	Network() string

	// Scheme returns the payment scheme identifier (currently "exact").
	Scheme() string

	// CanSign checks if this signer can satisfy the given payment requirement.
	CanSign(requirement *PaymentRequirement) bool

	// Sign builds a signed payment payload for the given requirement. Each
	// call produces a fresh payload; payloads are never reused across
	// attempts.
	Sign(requirement *PaymentRequirement) (*PaymentPayload, error)

	// GetPriority returns the signer's priority level.
	// Lower numbers indicate higher priority.
	GetPriority() int

	// GetTokens returns the list of tokens supported by this signer.
	GetTokens() []TokenConfig

	// GetMaxAmount returns the per-call spending limit, or nil if unlimited.
	GetMaxAmount() *big.Int
}
