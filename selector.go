package x402

import (
	"math/big"
	"sort"
	"strings"
)

// PaymentSelector selects the appropriate signer for a requirement and
// creates a payment. The requirement itself is never negotiated: the caller
// passes the authoritative (first) requirement from the 402 response.
type PaymentSelector interface {
	// SelectAndSign chooses the best signer from the available signers and
	// creates a signed payment for the given requirement.
	SelectAndSign(requirement *PaymentRequirement, signers []Signer) (*PaymentPayload, error)
}

// DefaultPaymentSelector implements the standard signer selection algorithm:
// 1. Ability to satisfy the requirement (network and token match)
// 2. Signer priority (lower number = higher priority)
// 3. Token priority within the signer
// 4. Configuration order (for ties)
type DefaultPaymentSelector struct{}

// NewDefaultPaymentSelector creates a new DefaultPaymentSelector.
func NewDefaultPaymentSelector() *DefaultPaymentSelector {
	return &DefaultPaymentSelector{}
}

// SelectAndSign implements PaymentSelector.
func (s *DefaultPaymentSelector) SelectAndSign(requirement *PaymentRequirement, signers []Signer) (*PaymentPayload, error) {
	network, err := ParseNetwork(requirement.Network)
	if err != nil {
		return nil, NewPaymentError(ErrCodeUnsupportedNetwork, "unsupported network", err).
			WithDetails("network", requirement.Network)
	}

	requiredAmount := new(big.Int)
	if _, ok := requiredAmount.SetString(requirement.Amount, 10); !ok {
		return nil, NewPaymentError(ErrCodeInvalidRequirements, "invalid amount in requirements", ErrInvalidRequirements).
			WithDetails("amount", requirement.Amount)
	}

	var candidates []signerCandidate
	familySeen := false
	for _, signer := range signers {
		if sn, err := ParseNetwork(signer.Network()); err == nil && sn.Family == network.Family {
			familySeen = true
		}

		if !signer.CanSign(requirement) {
			continue
		}

		maxAmount := signer.GetMaxAmount()
		if maxAmount != nil && requiredAmount.Cmp(maxAmount) > 0 {
			continue
		}

		tokenPriority := 0
		for _, token := range signer.GetTokens() {
			if strings.EqualFold(token.Address, requirement.Asset) {
				tokenPriority = token.Priority
				break
			}
		}

		candidates = append(candidates, signerCandidate{
			signer:         signer,
			signerPriority: signer.GetPriority(),
			tokenPriority:  tokenPriority,
		})
	}

	if len(candidates) == 0 {
		if !familySeen {
			return nil, NewPaymentError(ErrCodeNoWalletConfigured, "no wallet configured for network family "+network.Family.String(), ErrNoValidSigner).
				WithDetails("network", requirement.Network)
		}
		return nil, NewPaymentError(ErrCodeNoValidSigner, "no signer can satisfy requirements", ErrNoValidSigner).
			WithDetails("network", requirement.Network).
			WithDetails("asset", requirement.Asset).
			WithDetails("amount", requirement.Amount)
	}

	// Lower priority numbers come first; signer priority dominates token
	// priority, configuration order breaks remaining ties.
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].signerPriority != candidates[j].signerPriority {
			return candidates[i].signerPriority < candidates[j].signerPriority
		}
		return candidates[i].tokenPriority < candidates[j].tokenPriority
	})

	payment, err := candidates[0].signer.Sign(requirement)
	if err != nil {
		return nil, NewPaymentError(ErrCodeSigningFailed, "failed to sign payment", err)
	}

	return payment, nil
}

// signerCandidate represents a signer that can satisfy the payment requirement.
type signerCandidate struct {
	signer         Signer
	signerPriority int
	tokenPriority  int
}
