package server

import (
	"fmt"

	"github.com/agentpay/x402-go"
	"github.com/agentpay/x402-go/validation"
)

// Helper constructors for common payment requirement configurations. Amounts
// are atomic units of the asset (USDC has 6 decimals, so "10000" is 0.01).

// RequireUSDCBase creates a payment requirement for USDC on Base mainnet.
func RequireUSDCBase(payTo, amount, description string) x402.PaymentRequirement {
	return x402.PaymentRequirement{
		Scheme:            x402.SchemeExact,
		Network:           x402.NetworkBase,
		Amount:            amount,
		Asset:             "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
		PayTo:             payTo,
		Description:       description,
		MaxTimeoutSeconds: 60,
	}
}

// RequireUSDCBaseSepolia creates a payment requirement for USDC on the Base
// Sepolia testnet.
func RequireUSDCBaseSepolia(payTo, amount, description string) x402.PaymentRequirement {
	return x402.PaymentRequirement{
		Scheme:            x402.SchemeExact,
		Network:           x402.NetworkBaseSepolia,
		Amount:            amount,
		Asset:             "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		PayTo:             payTo,
		Description:       description,
		MaxTimeoutSeconds: 60,
	}
}

// RequireUSDCPolygon creates a payment requirement for USDC on Polygon.
func RequireUSDCPolygon(payTo, amount, description string) x402.PaymentRequirement {
	return x402.PaymentRequirement{
		Scheme:            x402.SchemeExact,
		Network:           x402.NetworkPolygon,
		Amount:            amount,
		Asset:             "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359",
		PayTo:             payTo,
		Description:       description,
		MaxTimeoutSeconds: 60,
	}
}

// RequireUSDCSolana creates a payment requirement for USDC on Solana mainnet.
func RequireUSDCSolana(payTo, amount, description string) x402.PaymentRequirement {
	return x402.PaymentRequirement{
		Scheme:            x402.SchemeExact,
		Network:           x402.NetworkSolanaMainnet,
		Amount:            amount,
		Asset:             "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
		PayTo:             payTo,
		Description:       description,
		MaxTimeoutSeconds: 60,
	}
}

// RequireAptosTestnet creates a payment requirement for USDC on the Aptos
// testnet.
func RequireAptosTestnet(payTo, amount, description string) x402.PaymentRequirement {
	return x402.PaymentRequirement{
		Scheme:            x402.SchemeExact,
		Network:           x402.NetworkAptosTestnet,
		Amount:            amount,
		Asset:             "0x69091fbab5f7d635ee7ac5098cf0c1efbe31d68fec0f2cd565e8d168daf52832",
		PayTo:             payTo,
		Description:       description,
		MaxTimeoutSeconds: 60,
	}
}

// ValidateRequirement validates a complete payment requirement.
func ValidateRequirement(req x402.PaymentRequirement) error {
	if err := validation.ValidatePaymentRequirement(req); err != nil {
		return fmt.Errorf("invalid requirement: %w", err)
	}
	return nil
}

// ToolResource returns the canonical resource URI for a tool.
func ToolResource(toolName string) string {
	return fmt.Sprintf("mcp://tools/%s", toolName)
}
