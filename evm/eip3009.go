package evm

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/agentpay/x402-go"
)

// DefaultValiditySeconds is the authorization window when the requirement
// does not specify a timeout.
const DefaultValiditySeconds = 3600

// EIP3009Authorization holds the parameters of one transferWithAuthorization.
type EIP3009Authorization struct {
	From        common.Address
	To          common.Address
	Value       *big.Int
	ValidAfter  *big.Int
	ValidBefore *big.Int
	Nonce       common.Hash
}

// NewAuthorization creates an authorization valid from now until
// timeoutSeconds from now (DefaultValiditySeconds when zero). ValidAfter is
// always zero; the replay window is bounded by validBefore and the random
// nonce alone. The nonce is fresh per call and never reused.
func NewAuthorization(from, to common.Address, value *big.Int, timeoutSeconds int) (*EIP3009Authorization, error) {
	nonce, err := generateNonce()
	if err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	if timeoutSeconds <= 0 {
		timeoutSeconds = DefaultValiditySeconds
	}

	return &EIP3009Authorization{
		From:        from,
		To:          to,
		Value:       value,
		ValidAfter:  big.NewInt(0),
		ValidBefore: big.NewInt(time.Now().Unix() + int64(timeoutSeconds)),
		Nonce:       nonce,
	}, nil
}

// SignTransferAuthorization signs an EIP-3009 transferWithAuthorization via
// EIP-712. The domain binds the token's name, version, chain id, and
// contract address, so a signature for one deployment cannot be replayed
// against another.
func SignTransferAuthorization(privateKey *ecdsa.PrivateKey, tokenAddress common.Address, chainID *big.Int, auth *EIP3009Authorization, name, version string) (string, error) {
	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"TransferWithAuthorization": []apitypes.Type{
				{Name: "from", Type: "address"},
				{Name: "to", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "validAfter", Type: "uint256"},
				{Name: "validBefore", Type: "uint256"},
				{Name: "nonce", Type: "bytes32"},
			},
		},
		PrimaryType: "TransferWithAuthorization",
		Domain: apitypes.TypedDataDomain{
			Name:              name,
			Version:           version,
			ChainId:           (*math.HexOrDecimal256)(chainID),
			VerifyingContract: tokenAddress.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"from":        auth.From.Hex(),
			"to":          auth.To.Hex(),
			"value":       (*math.HexOrDecimal256)(auth.Value),
			"validAfter":  (*math.HexOrDecimal256)(auth.ValidAfter),
			"validBefore": (*math.HexOrDecimal256)(auth.ValidBefore),
			"nonce":       auth.Nonce.Hex(),
		},
	}

	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return "", fmt.Errorf("failed to hash domain: %w", err)
	}
	messageHash, err := typedData.HashStruct("TransferWithAuthorization", typedData.Message)
	if err != nil {
		return "", fmt.Errorf("failed to hash message: %w", err)
	}

	// digest = keccak256("\x19\x01" || domainSeparator || messageHash)
	rawData := append([]byte{0x19, 0x01}, append(domainSeparator, messageHash...)...)
	digest := crypto.Keccak256(rawData)

	signature, err := crypto.Sign(digest, privateKey)
	if err != nil {
		return "", x402.NewPaymentError(x402.ErrCodeSigningFailed, "failed to sign authorization", err)
	}

	// Recovery id to Ethereum convention (27 or 28).
	signature[64] += 27

	return "0x" + hex.EncodeToString(signature), nil
}

// generateNonce returns 32 cryptographically random bytes.
func generateNonce() (common.Hash, error) {
	var nonce [32]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return common.Hash{}, err
	}
	return common.BytesToHash(nonce[:]), nil
}
