// Package svm implements the payment payload builder for Solana networks.
// A payment is a partially signed SPL token transfer: the client signs with
// its key and leaves the fee payer signature slot empty for the facilitator,
// whose address arrives in the requirement's extra data.
package svm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/agentpay/x402-go"
	solutil "github.com/agentpay/x402-go/internal/solana"
)

// blockhashTimeout bounds the single RPC call a payment build makes.
const blockhashTimeout = 30 * time.Second

// RPCClient is the subset of Solana RPC the signer needs. Injecting it keeps
// payment builds testable without a cluster.
type RPCClient interface {
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
}

// Signer implements the x402.Signer interface for Solana networks.
type Signer struct {
	privateKey solana.PrivateKey
	publicKey  solana.PublicKey
	network    string
	tokens     []x402.TokenConfig
	priority   int
	maxAmount  *big.Int
	rpcClient  RPCClient
}

// SignerOption configures a Signer.
type SignerOption func(*Signer) error

// NewSigner creates a new Solana signer with the given options. The network
// is a CAIP-2 identifier in the solana namespace.
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
	if network.Family != x402.FamilySVM {
		return nil, fmt.Errorf("%w: %s is not a solana network", x402.ErrInvalidNetwork, s.network)
	}
	s.publicKey = s.privateKey.PublicKey()

	return s, nil
}

// WithPrivateKey sets the private key from a base58 string.
func WithPrivateKey(base58Key string) SignerOption {
	return func(s *Signer) error {
		privateKey, err := solana.PrivateKeyFromBase58(base58Key)
		if err != nil {
			return x402.ErrInvalidKey
		}
		s.privateKey = privateKey
		return nil
	}
}

// WithKeygenFile loads the private key from a solana-keygen JSON file (a
// JSON array of the 64 ed25519 key bytes).
func WithKeygenFile(path string) SignerOption {
	return func(s *Signer) error {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("%w: %v", x402.ErrInvalidKey, err)
		}
		var keyBytes []byte
		if err := json.Unmarshal(data, &keyBytes); err != nil {
			return fmt.Errorf("%w: invalid JSON format", x402.ErrInvalidKey)
		}
		if len(keyBytes) != 64 {
			return fmt.Errorf("%w: expected 64 key bytes, got %d", x402.ErrInvalidKey, len(keyBytes))
		}
		s.privateKey = solana.PrivateKey(keyBytes)
		return nil
	}
}

// WithNetwork sets the CAIP-2 network identifier.
func WithNetwork(network string) SignerOption {
	return func(s *Signer) error {
		s.network = network
		return nil
	}
}

// WithToken adds a token configuration keyed by mint address.
func WithToken(mintAddress, symbol string, decimals int) SignerOption {
	return func(s *Signer) error {
		s.tokens = append(s.tokens, x402.TokenConfig{
			Address:  mintAddress,
			Symbol:   symbol,
			Decimals: decimals,
		})
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

// WithRPCClient injects the RPC client used for blockhash lookup.
func WithRPCClient(client RPCClient) SignerOption {
	return func(s *Signer) error {
		s.rpcClient = client
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

// CanSign implements x402.Signer. Mint matching is case-sensitive; base58
// addresses have no canonical case folding.
func (s *Signer) CanSign(requirement *x402.PaymentRequirement) bool {
	if requirement.Network != s.network {
		return false
	}
	if requirement.Scheme != x402.SchemeExact {
		return false
	}
	for _, token := range s.tokens {
		if token.Address == requirement.Asset {
			return true
		}
	}
	return false
}

// Sign implements x402.Signer. It fetches a recent blockhash, assembles the
// compute budget, idempotent ATA creation, and TransferChecked instructions,
// signs with the client key only, and returns the base64 transaction for the
// facilitator to co-sign and submit.
func (s *Signer) Sign(requirement *x402.PaymentRequirement) (*x402.PaymentPayload, error) {
	if !s.CanSign(requirement) {
		return nil, x402.ErrNoValidSigner
	}

	if requirement.PayTo == "" {
		return nil, fmt.Errorf("%w: payTo is empty", x402.ErrInvalidRecipient)
	}
	recipient, err := solana.PublicKeyFromBase58(requirement.PayTo)
	if err != nil {
		return nil, fmt.Errorf("%w: payTo %q: %v", x402.ErrInvalidRecipient, requirement.PayTo, err)
	}

	mint, err := solana.PublicKeyFromBase58(requirement.Asset)
	if err != nil {
		return nil, fmt.Errorf("%w: asset %q is not a mint address", x402.ErrInvalidRequirements, requirement.Asset)
	}

	amount := new(big.Int)
	if _, ok := amount.SetString(requirement.Amount, 10); !ok || amount.Sign() <= 0 {
		return nil, x402.ErrInvalidAmount
	}
	if s.maxAmount != nil && amount.Cmp(s.maxAmount) > 0 {
		return nil, x402.ErrAmountExceeded
	}
	if !amount.IsUint64() {
		return nil, x402.ErrAmountExceeded
	}

	decimals, err := s.tokenDecimals(requirement.Asset)
	if err != nil {
		return nil, err
	}

	feePayer, err := extractFeePayer(requirement)
	if err != nil {
		return nil, err
	}

	client := s.rpcClient
	if client == nil {
		rpcURL, err := solutil.GetRPCURL(s.network)
		if err != nil {
			return nil, err
		}
		client = rpc.New(rpcURL)
	}

	ctx, cancel := context.WithTimeout(context.Background(), blockhashTimeout)
	defer cancel()
	recent, err := client.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return nil, fmt.Errorf("failed to get blockhash: %w", err)
	}

	txBase64, err := s.buildPartiallySignedTransfer(mint, recipient, amount.Uint64(), decimals, feePayer, recent.Value.Blockhash)
	if err != nil {
		return nil, err
	}

	return &x402.PaymentPayload{
		X402Version: x402.X402Version,
		Scheme:      x402.SchemeExact,
		Network:     s.network,
		Payload: x402.SVMPayload{
			Transaction: txBase64,
		},
	}, nil
}

func (s *Signer) tokenDecimals(mint string) (uint8, error) {
	for _, token := range s.tokens {
		if token.Address == mint {
			if token.Decimals < 0 || token.Decimals > 255 {
				return 0, fmt.Errorf("%w: token decimals %d out of range", x402.ErrInvalidRequirements, token.Decimals)
			}
			return uint8(token.Decimals), nil
		}
	}
	return 0, x402.ErrNoTokens
}

// extractFeePayer reads the facilitator's fee payer address from the
// requirement's extra data. Without it no valid transaction can be built;
// callers typically obtain it via the facilitator's supported-kinds query.
func extractFeePayer(requirement *x402.PaymentRequirement) (solana.PublicKey, error) {
	if requirement.Extra == nil {
		return solana.PublicKey{}, fmt.Errorf("%w: missing extra.feePayer", x402.ErrInvalidRequirements)
	}
	feePayerStr, ok := requirement.Extra["feePayer"].(string)
	if !ok || feePayerStr == "" {
		return solana.PublicKey{}, fmt.Errorf("%w: missing extra.feePayer", x402.ErrInvalidRequirements)
	}
	feePayer, err := solana.PublicKeyFromBase58(feePayerStr)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("%w: feePayer %q: %v", x402.ErrInvalidRequirements, feePayerStr, err)
	}
	return feePayer, nil
}

// buildPartiallySignedTransfer assembles and client-signs the transfer. The
// fee payer signature slot stays empty for the facilitator.
func (s *Signer) buildPartiallySignedTransfer(
	mint, recipient solana.PublicKey,
	amount uint64,
	decimals uint8,
	feePayer solana.PublicKey,
	blockhash solana.Hash,
) (string, error) {
	sourceATA, err := solutil.DeriveAssociatedTokenAddress(s.publicKey, mint)
	if err != nil {
		return "", fmt.Errorf("failed to derive source ATA: %w", err)
	}
	destATA, err := solutil.DeriveAssociatedTokenAddress(recipient, mint)
	if err != nil {
		return "", fmt.Errorf("failed to derive destination ATA: %w", err)
	}

	createATA, err := solutil.BuildCreateIdempotentATAInstruction(feePayer, recipient, mint)
	if err != nil {
		return "", fmt.Errorf("failed to build ATA creation instruction: %w", err)
	}

	instructions := []solana.Instruction{
		solutil.BuildSetComputeUnitLimitInstruction(solutil.DefaultComputeUnits),
		solutil.BuildSetComputeUnitPriceInstruction(solutil.DefaultComputeUnitPrice),
		createATA,
		solutil.BuildTransferCheckedInstruction(sourceATA, mint, destATA, s.publicKey, amount, decimals),
	}

	tx, err := solana.NewTransaction(instructions, blockhash, solana.TransactionPayer(feePayer))
	if err != nil {
		return "", fmt.Errorf("failed to create transaction: %w", err)
	}

	_, err = tx.PartialSign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(s.publicKey) {
			return &s.privateKey
		}
		return nil
	})
	if err != nil {
		return "", x402.NewPaymentError(x402.ErrCodeSigningFailed, "failed to sign transaction", err)
	}

	txBytes, err := tx.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("failed to marshal transaction: %w", err)
	}
	return base64.StdEncoding.EncodeToString(txBytes), nil
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

// Address returns the signer's public key.
func (s *Signer) Address() solana.PublicKey {
	return s.publicKey
}
