package http

import (
	"context"
	"errors"

	"github.com/agentpay/x402-go"
)

// asPaymentError unwraps through url.Error layers added by http.Client.
func asPaymentError(err error, target **x402.PaymentError) bool {
	return errors.As(err, target)
}

type stubFacilitator struct {
	verify      *x402.VerifyResponse
	verifyErr   error
	settle      *x402.SettlementResponse
	settleErr   error
	verifyCalls int
	settleCalls int
}

func (s *stubFacilitator) Verify(ctx context.Context, payment x402.PaymentPayload, requirement x402.PaymentRequirement) (*x402.VerifyResponse, error) {
	s.verifyCalls++
	if s.verifyErr != nil {
		return nil, s.verifyErr
	}
	return s.verify, nil
}

func (s *stubFacilitator) Settle(ctx context.Context, payment x402.PaymentPayload, requirement x402.PaymentRequirement, verification *x402.VerifyResponse) (*x402.SettlementResponse, error) {
	s.settleCalls++
	if s.settleErr != nil {
		return nil, s.settleErr
	}
	return s.settle, nil
}
