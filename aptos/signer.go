// Package aptos implements the payment payload builder for Aptos networks.
// A payment is a locally built transfer transaction plus the sender's
// authenticator over it, both BCS-serialized; the facilitator submits the
// pair on-chain. Building never contacts a fullnode: chain id and sequence
// number come from local configuration.
package aptos

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/aptos-labs/aptos-go-sdk"
	"github.com/aptos-labs/aptos-go-sdk/bcs"
	"github.com/aptos-labs/aptos-go-sdk/crypto"

	"github.com/agentpay/x402-go"
)

const (
	defaultMaxGasAmount  = 20_000
	defaultGasUnitPrice  = 100
	defaultExpirySeconds = 600

	fungibleAssetMetadataTag = "0x1::fungible_asset::Metadata"
)

// Signer implements the x402.Signer interface for Aptos networks.
type Signer struct {
	account        *aptos.Account
	network        string
	chainID        uint8
	tokens         []x402.TokenConfig
	priority       int
	maxAmount      *big.Int
	sequenceNumber uint64
	maxGasAmount   uint64
	gasUnitPrice   uint64
}

// SignerOption configures a Signer.
type SignerOption func(*Signer) error

// NewSigner creates a new Aptos signer with the given options. The network
// is a CAIP-2 identifier in the aptos namespace; its reference part is the
// on-chain chain id (1 for mainnet, 2 for testnet).
func NewSigner(opts ...SignerOption) (*Signer, error) {
	s := &Signer{
		maxGasAmount: defaultMaxGasAmount,
		gasUnitPrice: defaultGasUnitPrice,
	}

	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	if s.account == nil {
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
	if network.Family != x402.FamilyAptos {
		return nil, fmt.Errorf("%w: %s is not an aptos network", x402.ErrInvalidNetwork, s.network)
	}
	chainID, err := network.ChainID()
	if err != nil {
		return nil, err
	}
	s.chainID = uint8(chainID)

	return s, nil
}

// WithPrivateKey sets the Ed25519 private key from a hex string. A key of
// the wrong byte length is a configuration fault.
func WithPrivateKey(hexKey string) SignerOption {
	return func(s *Signer) error {
		priv := &crypto.Ed25519PrivateKey{}
		if err := priv.FromHex(hexKey); err != nil {
			return fmt.Errorf("%w: %v", x402.ErrInvalidKey, err)
		}
		account, err := aptos.NewAccountFromSigner(priv)
		if err != nil {
			return fmt.Errorf("%w: %v", x402.ErrInvalidKey, err)
		}
		s.account = account
		return nil
	}
}

// WithNetwork sets the CAIP-2 network identifier (e.g., "aptos:2").
func WithNetwork(network string) SignerOption {
	return func(s *Signer) error {
		s.network = network
		return nil
	}
}

// WithToken adds a token configuration. The address is the fungible asset
// metadata object address, or the native coin type for APT.
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

// WithNativeCoin adds the APT native coin to the supported tokens.
func WithNativeCoin() SignerOption {
	return WithToken(x402.AptosNativeCoin, "APT", 8)
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

// WithSequenceNumber sets the account sequence number used for the built
// transaction. The owner of the account state tracks it; building stays
// local either way.
func WithSequenceNumber(sequenceNumber uint64) SignerOption {
	return func(s *Signer) error {
		s.sequenceNumber = sequenceNumber
		return nil
	}
}

// WithGas overrides the max gas amount and gas unit price.
func WithGas(maxGasAmount, gasUnitPrice uint64) SignerOption {
	return func(s *Signer) error {
		s.maxGasAmount = maxGasAmount
		s.gasUnitPrice = gasUnitPrice
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

// Sign implements x402.Signer. It builds the transfer entry function for the
// requirement's asset, wraps it in a raw transaction against the signer's
// chain id, signs locally, and serializes both the transaction and the
// authenticator for transport.
func (s *Signer) Sign(requirement *x402.PaymentRequirement) (*x402.PaymentPayload, error) {
	if !s.CanSign(requirement) {
		return nil, x402.ErrNoValidSigner
	}

	recipient, err := parseRecipient(requirement.PayTo)
	if err != nil {
		return nil, err
	}

	amount, err := strconv.ParseUint(requirement.Amount, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", x402.ErrInvalidAmount, requirement.Amount)
	}
	if s.maxAmount != nil && new(big.Int).SetUint64(amount).Cmp(s.maxAmount) > 0 {
		return nil, x402.ErrAmountExceeded
	}

	entry, err := s.transferEntryFunction(requirement.Asset, recipient, amount)
	if err != nil {
		return nil, err
	}

	rawTxn := &aptos.RawTransaction{
		Sender:                     s.account.Address,
		SequenceNumber:             s.sequenceNumber,
		Payload:                    aptos.TransactionPayload{Payload: entry},
		MaxGasAmount:               s.maxGasAmount,
		GasUnitPrice:               s.gasUnitPrice,
		ExpirationTimestampSeconds: uint64(time.Now().Unix() + defaultExpirySeconds),
		ChainId:                    s.chainID,
	}

	authenticator, err := rawTxn.Sign(s.account)
	if err != nil {
		return nil, x402.NewPaymentError(x402.ErrCodeSigningFailed, "failed to sign transaction", err)
	}

	txnBytes, err := bcs.Serialize(rawTxn)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize transaction: %w", err)
	}
	authBytes, err := bcs.Serialize(authenticator)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize authenticator: %w", err)
	}

	return &x402.PaymentPayload{
		X402Version: x402.X402Version,
		Scheme:      x402.SchemeExact,
		Network:     s.network,
		Payload: x402.AptosPayload{
			Transaction:         txnBytes,
			SenderAuthenticator: authBytes,
		},
	}, nil
}

// transferEntryFunction selects the transfer call by asset type: the native
// coin goes through 0x1::aptos_account::transfer, everything else through
// the type-parameterized 0x1::primary_fungible_store::transfer with the
// asset's metadata object address as first argument.
func (s *Signer) transferEntryFunction(asset string, recipient aptos.AccountAddress, amount uint64) (*aptos.EntryFunction, error) {
	recipientBytes, err := bcs.Serialize(&recipient)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize recipient: %w", err)
	}
	amountBytes, err := bcs.SerializeU64(amount)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize amount: %w", err)
	}

	if strings.EqualFold(asset, x402.AptosNativeCoin) {
		return &aptos.EntryFunction{
			Module:   aptos.ModuleId{Address: aptos.AccountOne, Name: "aptos_account"},
			Function: "transfer",
			ArgTypes: []aptos.TypeTag{},
			Args:     [][]byte{recipientBytes, amountBytes},
		}, nil
	}

	var metadata aptos.AccountAddress
	if err := metadata.ParseStringRelaxed(asset); err != nil {
		return nil, fmt.Errorf("%w: asset %q is not a fungible asset address", x402.ErrInvalidRequirements, asset)
	}
	metadataBytes, err := bcs.Serialize(&metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize asset address: %w", err)
	}

	metadataTag, err := aptos.ParseTypeTag(fungibleAssetMetadataTag)
	if err != nil {
		return nil, fmt.Errorf("failed to parse metadata type tag: %w", err)
	}

	return &aptos.EntryFunction{
		Module:   aptos.ModuleId{Address: aptos.AccountOne, Name: "primary_fungible_store"},
		Function: "transfer",
		ArgTypes: []aptos.TypeTag{*metadataTag},
		Args:     [][]byte{metadataBytes, recipientBytes, amountBytes},
	}, nil
}

// parseRecipient validates the payTo address. An absent or malformed
// recipient is a server configuration fault, not a retryable condition.
func parseRecipient(payTo string) (aptos.AccountAddress, error) {
	var recipient aptos.AccountAddress
	if payTo == "" {
		return recipient, fmt.Errorf("%w: payTo is empty", x402.ErrInvalidRecipient)
	}
	if err := recipient.ParseStringRelaxed(payTo); err != nil {
		return recipient, fmt.Errorf("%w: payTo %q: %v", x402.ErrInvalidRecipient, payTo, err)
	}
	return recipient, nil
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

// Address returns the signer's account address.
func (s *Signer) Address() aptos.AccountAddress {
	return s.account.Address
}
