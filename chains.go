// Package x402 implements the client side of the x402 payment protocol: the
// data model for payment requirements and payloads, chain-family dispatch,
// signer selection, and the flow state machine that turns a payment-required
// response into a verified, settled, paid retry.
package x402

import (
	"fmt"
	"math"
	"strconv"
)

// AptosNativeCoin is the Aptos native coin type. Requirements whose asset
// equals this value transfer APT instead of a fungible asset.
const AptosNativeCoin = "0x1::aptos_coin::AptosCoin"

// ChainConfig contains chain-specific configuration for USDC tokens and
// payment requirements. USDC addresses and EIP-3009 parameters were verified
// against the canonical Circle deployments.
type ChainConfig struct {
	// Network is the CAIP-2 network identifier.
	Network string

	// USDCAddress is the official Circle USDC contract, metadata object, or
	// mint address.
	USDCAddress string

	// Decimals is the number of decimal places for USDC (always 6).
	Decimals uint8

	// EIP3009Name is the EIP-3009 domain parameter "name" (empty for non-EVM
	// chains).
	EIP3009Name string

	// EIP3009Version is the EIP-3009 domain parameter "version" (empty for
	// non-EVM chains).
	EIP3009Version string

	// NodeURL is the default fullnode/RPC endpoint for the chain. Local
	// configuration; the payload builders never call it implicitly.
	NodeURL string
}

// Mainnet chain configurations
var (
	// AptosMainnet is the configuration for Aptos mainnet (chain id 1).
	AptosMainnet = ChainConfig{
		Network:     NetworkAptosMainnet,
		USDCAddress: "0xbae207659db88bea0cbead6da0ed00aac12edcdda169e591cd41c94180b46f3b",
		Decimals:    6,
		NodeURL:     "https://fullnode.mainnet.aptoslabs.com/v1",
	}

	// BaseMainnet is the configuration for Base mainnet.
	BaseMainnet = ChainConfig{
		Network:        NetworkBase,
		USDCAddress:    "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
		Decimals:       6,
		EIP3009Name:    "USD Coin",
		EIP3009Version: "2",
		NodeURL:        "https://mainnet.base.org",
	}

	// PolygonMainnet is the configuration for Polygon PoS mainnet.
	PolygonMainnet = ChainConfig{
		Network:        NetworkPolygon,
		USDCAddress:    "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359",
		Decimals:       6,
		EIP3009Name:    "USD Coin",
		EIP3009Version: "2",
		NodeURL:        "https://polygon-rpc.com",
	}

	// AvalancheMainnet is the configuration for Avalanche C-Chain mainnet.
	AvalancheMainnet = ChainConfig{
		Network:        NetworkAvalanche,
		USDCAddress:    "0xB97EF9Ef8734C71904D8002F8b6Bc66Dd9c48a6E",
		Decimals:       6,
		EIP3009Name:    "USD Coin",
		EIP3009Version: "2",
		NodeURL:        "https://api.avax.network/ext/bc/C/rpc",
	}

	// SolanaMainnet is the configuration for Solana mainnet.
	SolanaMainnet = ChainConfig{
		Network:     NetworkSolanaMainnet,
		USDCAddress: "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
		Decimals:    6,
	}
)

// Testnet chain configurations
var (
	// AptosTestnet is the configuration for Aptos testnet (chain id 2).
	AptosTestnet = ChainConfig{
		Network:     NetworkAptosTestnet,
		USDCAddress: "0x69091fbab5f7d635ee7ac5098cf0c1efbe31d68fec0f2cd565e8d168daf52832",
		Decimals:    6,
		NodeURL:     "https://fullnode.testnet.aptoslabs.com/v1",
	}

	// BaseSepolia is the configuration for Base Sepolia testnet.
	BaseSepolia = ChainConfig{
		Network:        NetworkBaseSepolia,
		USDCAddress:    "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		Decimals:       6,
		EIP3009Name:    "USDC",
		EIP3009Version: "2",
		NodeURL:        "https://sepolia.base.org",
	}

	// PolygonAmoy is the configuration for Polygon Amoy testnet.
	PolygonAmoy = ChainConfig{
		Network:        NetworkPolygonAmoy,
		USDCAddress:    "0x41E94Eb019C0762f9Bfcf9Fb1E58725BfB0e7582",
		Decimals:       6,
		EIP3009Name:    "USDC",
		EIP3009Version: "2",
		NodeURL:        "https://rpc-amoy.polygon.technology",
	}

	// AvalancheFuji is the configuration for Avalanche Fuji testnet.
	AvalancheFuji = ChainConfig{
		Network:        NetworkAvalancheFuji,
		USDCAddress:    "0x5425890298aed601595a70AB815c96711a31Bc65",
		Decimals:       6,
		EIP3009Name:    "USD Coin",
		EIP3009Version: "2",
		NodeURL:        "https://api.avax-test.network/ext/bc/C/rpc",
	}

	// SolanaDevnet is the configuration for Solana devnet.
	SolanaDevnet = ChainConfig{
		Network:     NetworkSolanaDevnet,
		USDCAddress: "4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU",
		Decimals:    6,
	}
)

// Chains maps CAIP-2 network identifiers to their configuration.
var Chains = map[string]ChainConfig{
	NetworkAptosMainnet:  AptosMainnet,
	NetworkAptosTestnet:  AptosTestnet,
	NetworkBase:          BaseMainnet,
	NetworkPolygon:       PolygonMainnet,
	NetworkAvalanche:     AvalancheMainnet,
	NetworkBaseSepolia:   BaseSepolia,
	NetworkPolygonAmoy:   PolygonAmoy,
	NetworkAvalancheFuji: AvalancheFuji,
	NetworkSolanaMainnet: SolanaMainnet,
	NetworkSolanaDevnet:  SolanaDevnet,
}

// USDCRequirementConfig is the configuration for creating a USDC
// PaymentRequirement. This is a convenience helper for USDC payments; for
// other tokens, construct PaymentRequirement directly.
type USDCRequirementConfig struct {
	// Chain is the chain configuration with USDC details (required).
	Chain ChainConfig

	// Amount is the human-readable USDC amount (e.g., "1.5" = 1.5 USDC).
	// Zero amounts are allowed for free-with-signature authorization flows.
	Amount string

	// RecipientAddress is the payment recipient address (required).
	RecipientAddress string

	// Scheme is the payment scheme (optional, defaults to "exact").
	Scheme string

	// MaxTimeoutSeconds is the maximum payment timeout (optional, defaults to 300).
	MaxTimeoutSeconds uint32

	// MimeType is the response MIME type (optional, defaults to "application/json").
	MimeType string
}

// NewUSDCTokenConfig creates a TokenConfig for USDC on the given chain with
// the specified priority.
func NewUSDCTokenConfig(chain ChainConfig, priority int) TokenConfig {
	return TokenConfig{
		Address:  chain.USDCAddress,
		Symbol:   "USDC",
		Decimals: 6,
		Priority: priority,
		Name:     "USD Coin",
	}
}

// NewUSDCPaymentRequirement creates a PaymentRequirement for USDC from the
// given configuration. It validates inputs, converts the amount to atomic
// units, applies defaults, and populates EIP-3009 parameters for EVM chains.
func NewUSDCPaymentRequirement(config USDCRequirementConfig) (PaymentRequirement, error) {
	if config.RecipientAddress == "" {
		return PaymentRequirement{}, fmt.Errorf("recipientAddress: cannot be empty")
	}
	if _, err := ParseNetwork(config.Chain.Network); err != nil {
		return PaymentRequirement{}, fmt.Errorf("network: %w", err)
	}

	amount, err := strconv.ParseFloat(config.Amount, 64)
	if err != nil {
		return PaymentRequirement{}, fmt.Errorf("amount: invalid format")
	}
	if amount < 0 {
		return PaymentRequirement{}, fmt.Errorf("amount: must be non-negative")
	}

	// USDC always has 6 decimals
	atomicUnits := uint64(math.RoundToEven(amount * 1e6))

	scheme := config.Scheme
	if scheme == "" {
		scheme = SchemeExact
	}

	maxTimeout := config.MaxTimeoutSeconds
	if maxTimeout == 0 {
		maxTimeout = 300
	}

	mimeType := config.MimeType
	if mimeType == "" {
		mimeType = "application/json"
	}

	req := PaymentRequirement{
		Scheme:            scheme,
		Network:           config.Chain.Network,
		Amount:            strconv.FormatUint(atomicUnits, 10),
		Asset:             config.Chain.USDCAddress,
		PayTo:             config.RecipientAddress,
		MimeType:          mimeType,
		MaxTimeoutSeconds: int(maxTimeout),
	}

	if config.Chain.EIP3009Name != "" {
		req.Extra = map[string]interface{}{
			"name":    config.Chain.EIP3009Name,
			"version": config.Chain.EIP3009Version,
		}
	}

	return req, nil
}
