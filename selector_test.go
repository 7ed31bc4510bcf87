package x402

import (
	"errors"
	"math/big"
	"strings"
	"testing"
)

// mockSigner implements Signer for selector and flow testing.
type mockSigner struct {
	network    string
	scheme     string
	tokens     []TokenConfig
	priority   int
	maxAmount  *big.Int
	refuse     bool
	signError  error
	signCalls  int
	payloadTag string
}

func (m *mockSigner) Network() string          { return m.network }
func (m *mockSigner) Scheme() string           { return m.scheme }
func (m *mockSigner) GetPriority() int         { return m.priority }
func (m *mockSigner) GetTokens() []TokenConfig { return m.tokens }
func (m *mockSigner) GetMaxAmount() *big.Int   { return m.maxAmount }

func (m *mockSigner) CanSign(req *PaymentRequirement) bool {
	if m.refuse || m.network != req.Network {
		return false
	}
	for _, token := range m.tokens {
		if strings.EqualFold(token.Address, req.Asset) {
			return true
		}
	}
	return false
}

func (m *mockSigner) Sign(req *PaymentRequirement) (*PaymentPayload, error) {
	m.signCalls++
	if m.signError != nil {
		return nil, m.signError
	}
	return &PaymentPayload{
		X402Version: X402Version,
		Scheme:      m.scheme,
		Network:     m.network,
		Payload:     map[string]interface{}{"tag": m.payloadTag},
	}, nil
}

func usdcBaseSepoliaRequirement() *PaymentRequirement {
	return &PaymentRequirement{
		Scheme:  SchemeExact,
		Network: NetworkBaseSepolia,
		Amount:  "10000",
		Asset:   "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		PayTo:   "0x209693Bc6afc0C5328bA36FaF03C514EF312287C",
	}
}

func baseSepoliaSigner(priority int, tag string) *mockSigner {
	return &mockSigner{
		network:    NetworkBaseSepolia,
		scheme:     SchemeExact,
		priority:   priority,
		payloadTag: tag,
		tokens: []TokenConfig{
			{Address: "0x036CbD53842c5426634e7929541eC2318f3dCF7e", Symbol: "USDC", Decimals: 6},
		},
	}
}

func TestSelectAndSignNoSigners(t *testing.T) {
	selector := NewDefaultPaymentSelector()
	_, err := selector.SelectAndSign(usdcBaseSepoliaRequirement(), []Signer{})

	var paymentErr *PaymentError
	if !errors.As(err, &paymentErr) {
		t.Fatalf("expected PaymentError, got %v", err)
	}
	if paymentErr.Code != ErrCodeNoWalletConfigured {
		t.Errorf("code = %s, want %s", paymentErr.Code, ErrCodeNoWalletConfigured)
	}
}

func TestSelectAndSignNoWalletForFamily(t *testing.T) {
	// An Aptos signer is configured, but the requirement is for an EVM
	// network. The failure must name the missing wallet, not a generic
	// no-valid-signer condition.
	aptosSigner := &mockSigner{
		network: NetworkAptosTestnet,
		scheme:  SchemeExact,
		tokens:  []TokenConfig{{Address: AptosNativeCoin, Symbol: "APT", Decimals: 8}},
	}

	selector := NewDefaultPaymentSelector()
	_, err := selector.SelectAndSign(usdcBaseSepoliaRequirement(), []Signer{aptosSigner})

	var paymentErr *PaymentError
	if !errors.As(err, &paymentErr) {
		t.Fatalf("expected PaymentError, got %v", err)
	}
	if paymentErr.Code != ErrCodeNoWalletConfigured {
		t.Errorf("code = %s, want %s", paymentErr.Code, ErrCodeNoWalletConfigured)
	}
}

func TestSelectAndSignNoValidSignerInFamily(t *testing.T) {
	// Same family, wrong token: the family has a wallet, so the failure is
	// no-valid-signer.
	signer := baseSepoliaSigner(0, "a")
	signer.tokens = []TokenConfig{{Address: "0xAnotherToken", Symbol: "DAI", Decimals: 18}}

	selector := NewDefaultPaymentSelector()
	_, err := selector.SelectAndSign(usdcBaseSepoliaRequirement(), []Signer{signer})

	var paymentErr *PaymentError
	if !errors.As(err, &paymentErr) {
		t.Fatalf("expected PaymentError, got %v", err)
	}
	if paymentErr.Code != ErrCodeNoValidSigner {
		t.Errorf("code = %s, want %s", paymentErr.Code, ErrCodeNoValidSigner)
	}
}

func TestSelectAndSignUnsupportedNetwork(t *testing.T) {
	req := usdcBaseSepoliaRequirement()
	req.Network = "bitcoin:mainnet"

	selector := NewDefaultPaymentSelector()
	_, err := selector.SelectAndSign(req, []Signer{baseSepoliaSigner(0, "a")})

	var paymentErr *PaymentError
	if !errors.As(err, &paymentErr) {
		t.Fatalf("expected PaymentError, got %v", err)
	}
	if paymentErr.Code != ErrCodeUnsupportedNetwork {
		t.Errorf("code = %s, want %s", paymentErr.Code, ErrCodeUnsupportedNetwork)
	}
}

func TestSelectAndSignInvalidAmount(t *testing.T) {
	req := usdcBaseSepoliaRequirement()
	req.Amount = "ten dollars"

	selector := NewDefaultPaymentSelector()
	_, err := selector.SelectAndSign(req, []Signer{baseSepoliaSigner(0, "a")})

	var paymentErr *PaymentError
	if !errors.As(err, &paymentErr) {
		t.Fatalf("expected PaymentError, got %v", err)
	}
	if paymentErr.Code != ErrCodeInvalidRequirements {
		t.Errorf("code = %s, want %s", paymentErr.Code, ErrCodeInvalidRequirements)
	}
}

func TestSelectAndSignPrefersLowerPriority(t *testing.T) {
	low := baseSepoliaSigner(5, "low")
	high := baseSepoliaSigner(1, "high")

	selector := NewDefaultPaymentSelector()
	payment, err := selector.SelectAndSign(usdcBaseSepoliaRequirement(), []Signer{low, high})
	if err != nil {
		t.Fatalf("SelectAndSign: %v", err)
	}
	if tag := payment.Payload.(map[string]interface{})["tag"]; tag != "high" {
		t.Errorf("selected signer %v, want the higher-priority one", tag)
	}
	if low.signCalls != 0 {
		t.Error("lower-priority signer was asked to sign")
	}
}

func TestSelectAndSignConfigurationOrderBreaksTies(t *testing.T) {
	first := baseSepoliaSigner(2, "first")
	second := baseSepoliaSigner(2, "second")

	selector := NewDefaultPaymentSelector()
	payment, err := selector.SelectAndSign(usdcBaseSepoliaRequirement(), []Signer{first, second})
	if err != nil {
		t.Fatalf("SelectAndSign: %v", err)
	}
	if tag := payment.Payload.(map[string]interface{})["tag"]; tag != "first" {
		t.Errorf("selected signer %v, want configuration order to break the tie", tag)
	}
}

func TestSelectAndSignRespectsMaxAmount(t *testing.T) {
	capped := baseSepoliaSigner(0, "capped")
	capped.maxAmount = big.NewInt(5000)
	fallback := baseSepoliaSigner(9, "fallback")

	selector := NewDefaultPaymentSelector()
	payment, err := selector.SelectAndSign(usdcBaseSepoliaRequirement(), []Signer{capped, fallback})
	if err != nil {
		t.Fatalf("SelectAndSign: %v", err)
	}
	if tag := payment.Payload.(map[string]interface{})["tag"]; tag != "fallback" {
		t.Errorf("selected signer %v, want the one whose limit covers the amount", tag)
	}
}

func TestSelectAndSignWrapsSignerFailure(t *testing.T) {
	broken := baseSepoliaSigner(0, "broken")
	broken.signError = errors.New("hardware wallet unplugged")

	selector := NewDefaultPaymentSelector()
	_, err := selector.SelectAndSign(usdcBaseSepoliaRequirement(), []Signer{broken})

	var paymentErr *PaymentError
	if !errors.As(err, &paymentErr) {
		t.Fatalf("expected PaymentError, got %v", err)
	}
	if paymentErr.Code != ErrCodeSigningFailed {
		t.Errorf("code = %s, want %s", paymentErr.Code, ErrCodeSigningFailed)
	}
	if !strings.Contains(paymentErr.Error(), "hardware wallet unplugged") {
		t.Errorf("error %q does not carry the signer's message", paymentErr.Error())
	}
}
