package x402

import (
	"encoding/json"
	"math/big"
)

// X402Version is the protocol version this module speaks.
const X402Version = 1

// SchemeExact is the only payment scheme currently supported.
const SchemeExact = "exact"

// PaymentRequirement represents a single payment option from a 402 response.
type PaymentRequirement struct {
	// Scheme is the payment scheme identifier (e.g., "exact"). It must match
	// between requirement and payload throughout one payment cycle.
	Scheme string `json:"scheme"`

	// Network is the CAIP-2 network identifier (e.g., "aptos:2", "eip155:84532").
	Network string `json:"network"`

	// Amount is the payment amount in the asset's atomic units, as a decimal
	// string. Never a floating-point value.
	Amount string `json:"amount"`

	// Asset identifies the fungible asset: a token contract address for EVM,
	// a metadata object address for Aptos, a mint address for Solana.
	Asset string `json:"asset"`

	// PayTo is the recipient address in the chain-native format.
	PayTo string `json:"payTo"`

	// Resource is the URL or name of the protected resource. Informational.
	Resource string `json:"resource,omitempty"`

	// Description is an optional human-readable payment description.
	Description string `json:"description,omitempty"`

	// MimeType is the content type of the protected resource.
	MimeType string `json:"mimeType,omitempty"`

	// MaxTimeoutSeconds is the validity period for the payment authorization.
	MaxTimeoutSeconds int `json:"maxTimeoutSeconds,omitempty"`

	// Extra carries scheme-specific data: EIP-3009 domain name/version for
	// EVM assets, the facilitator feePayer for Solana.
	Extra map[string]interface{} `json:"extra,omitempty"`
}

// UnmarshalJSON accepts both the current "amount" key and the legacy
// "maxAmountRequired" key for the atomic amount.
func (r *PaymentRequirement) UnmarshalJSON(data []byte) error {
	type alias PaymentRequirement
	aux := struct {
		*alias
		MaxAmountRequired string `json:"maxAmountRequired"`
	}{alias: (*alias)(r)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if r.Amount == "" && aux.MaxAmountRequired != "" {
		r.Amount = aux.MaxAmountRequired
	}
	return nil
}

// PaymentRequired represents the body of a payment-required response.
type PaymentRequired struct {
	// X402Version is the protocol version (currently 1).
	X402Version int `json:"x402Version"`

	// Error is a human-readable error message from the server.
	Error string `json:"error,omitempty"`

	// Accepts lists the payment options the server will accept, in the
	// server's preference order. The engine always consumes the first entry.
	Accepts []PaymentRequirement `json:"accepts"`
}

// UnmarshalJSON tolerates the requirement list arriving as a single object or
// as an array, under either the "accepts" or "paymentRequirements" key. All
// shapes normalize to Accepts; nothing downstream sniffs shapes again.
func (p *PaymentRequired) UnmarshalJSON(data []byte) error {
	var raw struct {
		X402Version         int             `json:"x402Version"`
		Error               string          `json:"error"`
		Accepts             json.RawMessage `json:"accepts"`
		PaymentRequirements json.RawMessage `json:"paymentRequirements"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	p.X402Version = raw.X402Version
	p.Error = raw.Error

	list := raw.Accepts
	if len(list) == 0 {
		list = raw.PaymentRequirements
	}
	if len(list) == 0 || string(list) == "null" {
		p.Accepts = nil
		return nil
	}

	if list[0] == '[' {
		return json.Unmarshal(list, &p.Accepts)
	}
	var single PaymentRequirement
	if err := json.Unmarshal(list, &single); err != nil {
		return err
	}
	p.Accepts = []PaymentRequirement{single}
	return nil
}

// First returns the authoritative requirement of a payment-required response.
// The first entry is always selected; there is no bidding across offers.
func (p *PaymentRequired) First() (*PaymentRequirement, error) {
	if p == nil || len(p.Accepts) == 0 {
		return nil, ErrMissingRequirements
	}
	return &p.Accepts[0], nil
}

// PaymentPayload represents a signed payment that will be sent to the server
// and the facilitator.
type PaymentPayload struct {
	// X402Version is the protocol version (currently 1).
	X402Version int `json:"x402Version"`

	// Scheme is the payment scheme identifier, copied from the requirement.
	Scheme string `json:"scheme"`

	// Network is the CAIP-2 network identifier, copied byte-for-byte from the
	// requirement it was built for.
	Network string `json:"network"`

	// Payload contains the chain-family-specific signed payment data:
	// AptosPayload, EVMPayload, or SVMPayload.
	Payload interface{} `json:"payload"`
}

// AptosPayload is an Aptos payment: a locally built transfer transaction and
// the sender's authenticator over it, both BCS-serialized. The facilitator
// submits the pair on-chain on the client's behalf.
type AptosPayload struct {
	// Transaction is the BCS-serialized raw transaction.
	Transaction []byte `json:"transaction"`

	// SenderAuthenticator is the BCS-serialized account authenticator
	// (public key plus signature over the transaction).
	SenderAuthenticator []byte `json:"senderAuthenticator"`
}

// EVMPayload is an EVM payment: an EIP-3009 transferWithAuthorization signed
// off-chain. The client never broadcasts; the facilitator submits the
// authorization to the token contract.
type EVMPayload struct {
	// Signature is the hex-encoded ECDSA signature over the typed data.
	Signature string `json:"signature"`

	// Contract is the token contract the authorization domain was bound to.
	// The facilitator needs it to submit the authorization.
	Contract string `json:"contract"`

	// Authorization contains the transferWithAuthorization parameters.
	Authorization EVMAuthorization `json:"authorization"`
}

// EVMAuthorization represents EIP-3009 transferWithAuthorization parameters.
type EVMAuthorization struct {
	// From is the payer's address.
	From string `json:"from"`

	// To is the recipient's address.
	To string `json:"to"`

	// Value is the payment amount in atomic units.
	Value string `json:"value"`

	// ValidAfter is the unix timestamp after which the authorization is valid.
	ValidAfter string `json:"validAfter"`

	// ValidBefore is the unix timestamp before which the authorization is valid.
	ValidBefore string `json:"validBefore"`

	// Nonce is a unique 32-byte hex string scoping this authorization.
	Nonce string `json:"nonce"`
}

// SVMPayload is a Solana payment: a base64-encoded partially signed
// transaction. The client signs with its key; the facilitator adds the fee
// payer signature and submits.
type SVMPayload struct {
	Transaction string `json:"transaction"`
}

// VerifyResponse is the facilitator's attestation that a payload is
// well-formed and economically valid. Any non-true IsValid terminates the
// payment attempt without settlement.
type VerifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

// SettlementResponse is the facilitator's attestation that the payment was or
// will be submitted on-chain. The transaction reference is surfaced to the
// caller as payment proof metadata, not otherwise validated by this engine.
type SettlementResponse struct {
	Success         bool   `json:"success"`
	ErrorReason     string `json:"errorReason,omitempty"`
	Transaction     string `json:"transaction,omitempty"`
	TransactionHash string `json:"transactionHash,omitempty"`
	Network         string `json:"network,omitempty"`
	Payer           string `json:"payer,omitempty"`
}

// TokenConfig represents configuration for a supported token.
type TokenConfig struct {
	// Address is the token contract, metadata object, or mint address.
	Address string

	// Symbol is the token symbol (e.g., "USDC", "APT").
	Symbol string

	// Decimals is the number of decimal places for the token.
	Decimals int

	// Priority is the token's priority level within the signer.
	// Lower numbers indicate higher priority. Default is 0.
	Priority int

	// Name is an optional human-readable token name.
	Name string
}

// AmountToBigInt converts a decimal amount string to *big.Int in atomic units.
// For example, "1.5" with 6 decimals becomes 1500000.
func AmountToBigInt(amount string, decimals int) (*big.Int, error) {
	value := new(big.Float)
	if _, ok := value.SetString(amount); !ok {
		return nil, ErrInvalidAmount
	}

	multiplier := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	value.Mul(value, multiplier)

	result, accuracy := value.Int(nil)
	if accuracy != big.Exact {
		return nil, ErrInvalidAmount
	}
	return result, nil
}

// BigIntToAmount converts a *big.Int in atomic units to a decimal string.
// For example, 1500000 with 6 decimals becomes "1.5".
func BigIntToAmount(value *big.Int, decimals int) string {
	if value == nil {
		return "0"
	}

	f := new(big.Float).SetInt(value)
	divisor := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	f.Quo(f, divisor)

	return f.Text('f', decimals)
}
