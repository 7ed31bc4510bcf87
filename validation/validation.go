// Package validation provides syntactic checks for x402 requirements and
// payloads before any signing or network call happens. Address rules are
// per chain family: 0x hex for Aptos and EVM, base58 for Solana.
package validation

import (
	"fmt"
	"math/big"
	"regexp"

	"github.com/agentpay/x402-go"
)

var (
	// evmAddressRegex matches Ethereum addresses: 0x plus 40 hex chars.
	evmAddressRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)

	// aptosAddressRegex matches Aptos account addresses: 0x plus up to 64
	// hex chars (short forms with leading zeros stripped are legal).
	aptosAddressRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{1,64}$`)

	// solanaAddressRegex matches base58 Solana addresses.
	solanaAddressRegex = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]{32,44}$`)

	// aptosResourceRegex matches Move resource identifiers such as the
	// native coin type 0x1::aptos_coin::AptosCoin.
	aptosResourceRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{1,64}(::[A-Za-z_][A-Za-z0-9_]*){2}$`)
)

// ValidateAmount checks that an amount string is a positive base-10 integer.
func ValidateAmount(amount string) error {
	if amount == "" {
		return fmt.Errorf("amount cannot be empty")
	}

	amt, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return fmt.Errorf("invalid amount format: %s", amount)
	}
	if amt.Sign() <= 0 {
		return fmt.Errorf("amount must be greater than 0, got: %s", amount)
	}
	return nil
}

// ValidateAddress checks an address against the rules of the network's
// chain family.
func ValidateAddress(address string, network string) error {
	if address == "" {
		return fmt.Errorf("address cannot be empty")
	}

	family, err := x402.ValidateNetwork(network)
	if err != nil {
		return fmt.Errorf("cannot validate address: %w", err)
	}

	switch family {
	case x402.FamilyAptos:
		if !aptosAddressRegex.MatchString(address) {
			return fmt.Errorf("invalid Aptos address format: %s (expected 0x followed by up to 64 hex characters)", address)
		}
		return nil

	case x402.FamilyEVM:
		if !evmAddressRegex.MatchString(address) {
			return fmt.Errorf("invalid EVM address format: %s (expected 0x followed by 40 hex characters)", address)
		}
		return nil

	case x402.FamilySVM:
		if !solanaAddressRegex.MatchString(address) {
			return fmt.Errorf("invalid Solana address format: %s (expected base58 string of 32-44 chars)", address)
		}
		return nil

	default:
		return fmt.Errorf("unsupported chain family for address validation: %s", family)
	}
}

// validAsset checks the asset identifier for a family. Aptos accepts both
// fungible asset object addresses and Move resource types.
func validAsset(asset string, family x402.ChainFamily) error {
	switch family {
	case x402.FamilyAptos:
		if aptosAddressRegex.MatchString(asset) || aptosResourceRegex.MatchString(asset) {
			return nil
		}
		return fmt.Errorf("invalid Aptos asset identifier: %s", asset)
	case x402.FamilyEVM:
		if !evmAddressRegex.MatchString(asset) {
			return fmt.Errorf("invalid EVM asset address: %s", asset)
		}
		return nil
	case x402.FamilySVM:
		if !solanaAddressRegex.MatchString(asset) {
			return fmt.Errorf("invalid Solana mint address: %s", asset)
		}
		return nil
	default:
		return fmt.Errorf("unsupported chain family: %s", family)
	}
}

// ValidatePaymentRequirement checks a requirement end to end: amount,
// network, recipient, asset, scheme, and timeout.
func ValidatePaymentRequirement(req x402.PaymentRequirement) error {
	if err := ValidateAmount(req.Amount); err != nil {
		return fmt.Errorf("invalid requirement: %w", err)
	}

	if req.Network == "" {
		return fmt.Errorf("invalid requirement: network cannot be empty")
	}
	family, err := x402.ValidateNetwork(req.Network)
	if err != nil {
		return fmt.Errorf("invalid requirement: %w", err)
	}

	if err := ValidateAddress(req.PayTo, req.Network); err != nil {
		return fmt.Errorf("invalid requirement: payTo %w", err)
	}

	if req.Asset == "" {
		return fmt.Errorf("invalid requirement: asset cannot be empty")
	}
	if err := validAsset(req.Asset, family); err != nil {
		return fmt.Errorf("invalid requirement: %w", err)
	}

	if req.Scheme == "" {
		return fmt.Errorf("invalid requirement: scheme cannot be empty")
	}
	if req.Scheme != x402.SchemeExact {
		return fmt.Errorf("invalid requirement: unsupported scheme %s", req.Scheme)
	}

	if req.MaxTimeoutSeconds < 0 {
		return fmt.Errorf("invalid requirement: timeout cannot be negative: %d", req.MaxTimeoutSeconds)
	}

	if family == x402.FamilyEVM && req.Extra != nil {
		if name, ok := req.Extra["name"].(string); ok && name == "" {
			return fmt.Errorf("invalid requirement: EIP-3009 name cannot be empty")
		}
		if version, ok := req.Extra["version"].(string); ok && version == "" {
			return fmt.Errorf("invalid requirement: EIP-3009 version cannot be empty")
		}
	}

	return nil
}

// ValidatePaymentPayload checks a payment payload envelope.
func ValidatePaymentPayload(payment x402.PaymentPayload) error {
	if payment.X402Version != x402.X402Version {
		return fmt.Errorf("%w: %d", x402.ErrUnsupportedVersion, payment.X402Version)
	}
	if payment.Scheme == "" {
		return fmt.Errorf("scheme cannot be empty")
	}
	if payment.Network == "" {
		return fmt.Errorf("network cannot be empty")
	}
	if _, err := x402.ValidateNetwork(payment.Network); err != nil {
		return fmt.Errorf("invalid network: %w", err)
	}
	if payment.Payload == nil {
		return fmt.Errorf("payload cannot be nil")
	}
	return nil
}
