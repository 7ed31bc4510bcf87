// Package evm implements the payment payload builder for EVM-compatible
// chains. Payments are EIP-3009 transferWithAuthorization messages signed
// off-chain via EIP-712 typed data; the client never broadcasts a
// transaction, the facilitator submits the authorization to the token
// contract.
package evm

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/agentpay/x402-go"
)

// Signer implements the x402.Signer interface for EVM-compatible chains.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	network    string
	chainID    *big.Int
	tokens     []x402.TokenConfig
	priority   int
	maxAmount  *big.Int
}

// SignerOption configures a Signer.
type SignerOption func(*Signer) error

// NewSigner creates a new EVM signer with the given options. The network is
// a CAIP-2 identifier in the eip155 namespace; the chain id used for EIP-712
// domain separation is taken from its reference part.
func NewSigner(opts ...SignerOption) (*Signer, error) {
	s := &Signer{}

	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	if s.privateKey == nil {
		return nil, x402.ErrInvalidKey
	}
	if s.network == "" {
		return nil, x402.ErrInvalidNetwork
	}
	if len(s.tokens) == 0 {
		return nil, x402.ErrNoTokens
	}

	network, err := x402.ParseNetwork(s.network)
	if err != nil {
		return nil, err
	}
	if network.Family != x402.FamilyEVM {
		return nil, fmt.Errorf("%w: %s is not an eip155 network", x402.ErrInvalidNetwork, s.network)
	}
	chainID, err := network.ChainID()
	if err != nil {
		return nil, err
	}
	s.chainID = big.NewInt(chainID)
	s.address = crypto.PubkeyToAddress(s.privateKey.PublicKey)

	return s, nil
}

// WithPrivateKey sets the private key from a hex string.
func WithPrivateKey(hexKey string) SignerOption {
	return func(s *Signer) error {
		hexKey = strings.TrimPrefix(hexKey, "0x")
		privateKey, err := crypto.HexToECDSA(hexKey)
		if err != nil {
			return x402.ErrInvalidKey
		}
		s.privateKey = privateKey
		return nil
	}
}

// WithNetwork sets the CAIP-2 network identifier (e.g., "eip155:84532").
func WithNetwork(network string) SignerOption {
	return func(s *Signer) error {
		s.network = network
		return nil
	}
}

// WithToken adds a token configuration.
func WithToken(address, symbol string, decimals int) SignerOption {
	return func(s *Signer) error {
		s.tokens = append(s.tokens, x402.TokenConfig{
			Address:  address,
			Symbol:   symbol,
			Decimals: decimals,
		})
		return nil
	}
}

// WithTokenPriority adds a token configuration with a priority.
func WithTokenPriority(address, symbol string, decimals, priority int) SignerOption {
	return func(s *Signer) error {
		s.tokens = append(s.tokens, x402.TokenConfig{
			Address:  address,
			Symbol:   symbol,
			Decimals: decimals,
			Priority: priority,
		})
		return nil
	}
}

// WithUSDC adds the chain's canonical USDC token using the preset registry.
func WithUSDC() SignerOption {
	return func(s *Signer) error {
		config, ok := x402.Chains[s.network]
		if !ok {
			return fmt.Errorf("%w: no USDC preset for %s (set the network before WithUSDC)", x402.ErrInvalidNetwork, s.network)
		}
		s.tokens = append(s.tokens, x402.NewUSDCTokenConfig(config, 0))
		return nil
	}
}

// WithPriority sets the signer priority. Lower numbers win selection.
func WithPriority(priority int) SignerOption {
	return func(s *Signer) error {
		s.priority = priority
		return nil
	}
}

// WithMaxAmountPerCall sets the spending limit per payment, in atomic units.
func WithMaxAmountPerCall(amount string) SignerOption {
	return func(s *Signer) error {
		maxAmount, ok := new(big.Int).SetString(amount, 10)
		if !ok {
			return x402.ErrInvalidAmount
		}
		s.maxAmount = maxAmount
		return nil
	}
}

// Network implements x402.Signer.
func (s *Signer) Network() string {
	return s.network
}

// Scheme implements x402.Signer.
func (s *Signer) Scheme() string {
	return x402.SchemeExact
}

// CanSign implements x402.Signer.
func (s *Signer) CanSign(requirement *x402.PaymentRequirement) bool {
	if requirement.Network != s.network {
		return false
	}
	if requirement.Scheme != x402.SchemeExact {
		return false
	}
	for _, token := range s.tokens {
		if strings.EqualFold(token.Address, requirement.Asset) {
			return true
		}
	}
	return false
}

// Sign implements x402.Signer. It builds a fresh EIP-3009 authorization with
// a random 32-byte nonce, signs it over the token's EIP-712 domain, and
// returns the payload embedding the contract address the facilitator must
// submit to. No network call is made.
func (s *Signer) Sign(requirement *x402.PaymentRequirement) (*x402.PaymentPayload, error) {
	if !s.CanSign(requirement) {
		return nil, x402.ErrNoValidSigner
	}

	if !common.IsHexAddress(requirement.PayTo) {
		return nil, fmt.Errorf("%w: payTo %q is not a valid EVM address", x402.ErrInvalidRecipient, requirement.PayTo)
	}

	amount := new(big.Int)
	if _, ok := amount.SetString(requirement.Amount, 10); !ok {
		return nil, x402.ErrInvalidAmount
	}
	if s.maxAmount != nil && amount.Cmp(s.maxAmount) > 0 {
		return nil, x402.ErrAmountExceeded
	}

	tokenAddress := common.HexToAddress(requirement.Asset)
	name, version := s.domainParams(requirement)

	auth, err := NewAuthorization(s.address, common.HexToAddress(requirement.PayTo), amount, requirement.MaxTimeoutSeconds)
	if err != nil {
		return nil, err
	}

	signature, err := SignTransferAuthorization(s.privateKey, tokenAddress, s.chainID, auth, name, version)
	if err != nil {
		return nil, err
	}

	return &x402.PaymentPayload{
		X402Version: x402.X402Version,
		Scheme:      x402.SchemeExact,
		Network:     s.network,
		Payload: x402.EVMPayload{
			Signature: signature,
			Contract:  tokenAddress.Hex(),
			Authorization: x402.EVMAuthorization{
				From:        auth.From.Hex(),
				To:          auth.To.Hex(),
				Value:       auth.Value.String(),
				ValidAfter:  auth.ValidAfter.String(),
				ValidBefore: auth.ValidBefore.String(),
				Nonce:       auth.Nonce.Hex(),
			},
		},
	}, nil
}

// domainParams resolves the EIP-712 domain name and version for the asset.
// The requirement's extra data is authoritative; the preset registry covers
// known USDC deployments; the USDC v2 defaults close the gap.
func (s *Signer) domainParams(requirement *x402.PaymentRequirement) (string, string) {
	name, version := "USD Coin", "2"
	if config, ok := x402.Chains[s.network]; ok && strings.EqualFold(config.USDCAddress, requirement.Asset) {
		if config.EIP3009Name != "" {
			name = config.EIP3009Name
		}
		if config.EIP3009Version != "" {
			version = config.EIP3009Version
		}
	}
	if requirement.Extra != nil {
		if v, ok := requirement.Extra["name"].(string); ok && v != "" {
			name = v
		}
		if v, ok := requirement.Extra["version"].(string); ok && v != "" {
			version = v
		}
	}
	return name, version
}

// GetPriority implements x402.Signer.
func (s *Signer) GetPriority() int {
	return s.priority
}

// GetTokens implements x402.Signer.
func (s *Signer) GetTokens() []x402.TokenConfig {
	return s.tokens
}

// GetMaxAmount implements x402.Signer.
func (s *Signer) GetMaxAmount() *big.Int {
	return s.maxAmount
}

// Address returns the signer's Ethereum address.
func (s *Signer) Address() common.Address {
	return s.address
}

// ChainID returns the numeric chain id parsed from the network identifier.
func (s *Signer) ChainID() *big.Int {
	return s.chainID
}
