package x402

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

// mockFacilitator records verify/settle calls for flow testing.
type mockFacilitator struct {
	verifyResp  *VerifyResponse
	verifyErr   error
	settleResp  *SettlementResponse
	settleErr   error
	verifyCalls int
	settleCalls int
}

func (m *mockFacilitator) Verify(ctx context.Context, payment PaymentPayload, requirement PaymentRequirement) (*VerifyResponse, error) {
	m.verifyCalls++
	return m.verifyResp, m.verifyErr
}

func (m *mockFacilitator) Settle(ctx context.Context, payment PaymentPayload, requirement PaymentRequirement, verification *VerifyResponse) (*SettlementResponse, error) {
	m.settleCalls++
	return m.settleResp, m.settleErr
}

func okFacilitator() *mockFacilitator {
	return &mockFacilitator{
		verifyResp: &VerifyResponse{IsValid: true, Payer: "0xpayer"},
		settleResp: &SettlementResponse{Success: true, Transaction: "0xabc"},
	}
}

// mockCall simulates a resource server that demands payment until a payload
// arrives.
type mockCall struct {
	demand     *PaymentRequired
	alwaysPay  bool
	freeCalls  int
	paidCalls  int
	callErrors []error
	totalCalls int
}

func (m *mockCall) fn(ctx context.Context, payment *PaymentPayload) (*CallResult, error) {
	m.totalCalls++
	if len(m.callErrors) > 0 {
		err := m.callErrors[0]
		m.callErrors = m.callErrors[1:]
		if err != nil {
			return nil, err
		}
	}
	if payment != nil {
		m.paidCalls++
		if m.alwaysPay {
			return &CallResult{PaymentRequired: m.demand}, nil
		}
		return &CallResult{Result: "paid content"}, nil
	}
	m.freeCalls++
	if m.demand != nil {
		return &CallResult{PaymentRequired: m.demand}, nil
	}
	return &CallResult{Result: "free content"}, nil
}

func paymentDemand() *PaymentRequired {
	return &PaymentRequired{
		X402Version: X402Version,
		Accepts:     []PaymentRequirement{*usdcBaseSepoliaRequirement()},
	}
}

func testFlow(fac Facilitator, signers ...Signer) *Flow {
	return &Flow{
		Signers:     signers,
		Facilitator: fac,
		Method:      "TEST",
		MaxAttempts: 1,
	}
}

func TestFlowFreeCallPassesThrough(t *testing.T) {
	call := &mockCall{}
	flow := testFlow(okFacilitator(), baseSepoliaSigner(0, "a"))

	result, err := flow.Execute(context.Background(), call.fn)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.State != StateSuccess {
		t.Errorf("state = %s, want success", result.State)
	}
	if result.Result != "free content" {
		t.Errorf("result = %v, want free content", result.Result)
	}
	if result.Payment != nil {
		t.Error("free call must not carry a payment")
	}
}

func TestFlowFullPaymentCycle(t *testing.T) {
	fac := okFacilitator()
	call := &mockCall{demand: paymentDemand()}
	signer := baseSepoliaSigner(0, "a")

	var events []PaymentEventType
	flow := testFlow(fac, signer)
	flow.OnPaymentAttempt = func(e PaymentEvent) { events = append(events, e.Type) }
	flow.OnPaymentSuccess = func(e PaymentEvent) {
		events = append(events, e.Type)
		if e.Transaction != "0xabc" {
			t.Errorf("success event transaction = %q, want 0xabc", e.Transaction)
		}
	}

	result, err := flow.Execute(context.Background(), call.fn)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Result != "paid content" {
		t.Errorf("result = %v, want the retried call's body", result.Result)
	}
	if fac.verifyCalls != 1 || fac.settleCalls != 1 {
		t.Errorf("verify/settle calls = %d/%d, want 1/1", fac.verifyCalls, fac.settleCalls)
	}
	if call.paidCalls != 1 {
		t.Errorf("paid calls = %d, want 1", call.paidCalls)
	}
	if result.Settlement == nil || result.Settlement.Transaction != "0xabc" {
		t.Error("settlement proof missing from result")
	}
	wantEvents := []PaymentEventType{PaymentEventAttempt, PaymentEventSuccess}
	if len(events) != len(wantEvents) {
		t.Fatalf("events = %v, want %v", events, wantEvents)
	}
	for i := range wantEvents {
		if events[i] != wantEvents[i] {
			t.Errorf("event[%d] = %v, want %v", i, events[i], wantEvents[i])
		}
	}
}

func TestFlowPayloadCarriesRequirementNetworkAndScheme(t *testing.T) {
	// The mock signer reports a stale network on its payload envelope; the
	// flow must overwrite it with the requirement's own values.
	signer := baseSepoliaSigner(0, "a")
	call := &mockCall{demand: paymentDemand()}
	flow := testFlow(okFacilitator(), signer)

	result, err := flow.Execute(context.Background(), call.fn)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Payment.Network != NetworkBaseSepolia {
		t.Errorf("payment network = %q, want %q", result.Payment.Network, NetworkBaseSepolia)
	}
	if result.Payment.Scheme != SchemeExact {
		t.Errorf("payment scheme = %q, want %q", result.Payment.Scheme, SchemeExact)
	}
}

func TestFlowInvalidVerifySkipsSettle(t *testing.T) {
	fac := &mockFacilitator{
		verifyResp: &VerifyResponse{IsValid: false, InvalidReason: "insufficient_funds"},
	}
	call := &mockCall{demand: paymentDemand()}
	flow := testFlow(fac, baseSepoliaSigner(0, "a"))

	_, err := flow.Execute(context.Background(), call.fn)
	var paymentErr *PaymentError
	if !errors.As(err, &paymentErr) {
		t.Fatalf("expected PaymentError, got %v", err)
	}
	if paymentErr.Code != ErrCodeVerificationFailed {
		t.Errorf("code = %s, want %s", paymentErr.Code, ErrCodeVerificationFailed)
	}
	if !strings.Contains(paymentErr.Error(), "insufficient_funds") {
		t.Errorf("error %q does not forward the facilitator's reason", paymentErr.Error())
	}
	if fac.settleCalls != 0 {
		t.Errorf("settle calls = %d, settlement must never follow an invalid verify", fac.settleCalls)
	}
	if call.paidCalls != 0 {
		t.Errorf("paid calls = %d, want 0", call.paidCalls)
	}
}

func TestFlowFailedSettleSkipsPaidRetry(t *testing.T) {
	fac := &mockFacilitator{
		verifyResp: &VerifyResponse{IsValid: true},
		settleResp: &SettlementResponse{Success: false, ErrorReason: "nonce_already_used"},
	}
	call := &mockCall{demand: paymentDemand()}
	flow := testFlow(fac, baseSepoliaSigner(0, "a"))

	_, err := flow.Execute(context.Background(), call.fn)
	var paymentErr *PaymentError
	if !errors.As(err, &paymentErr) {
		t.Fatalf("expected PaymentError, got %v", err)
	}
	if paymentErr.Code != ErrCodeSettlementFailed {
		t.Errorf("code = %s, want %s", paymentErr.Code, ErrCodeSettlementFailed)
	}
	if call.paidCalls != 0 {
		t.Errorf("paid calls = %d, a failed settle must not trigger the retry", call.paidCalls)
	}
}

func TestFlowStillPaymentRequiredIsTerminal(t *testing.T) {
	fac := okFacilitator()
	call := &mockCall{demand: paymentDemand(), alwaysPay: true}
	flow := testFlow(fac, baseSepoliaSigner(0, "a"))

	_, err := flow.Execute(context.Background(), call.fn)
	var paymentErr *PaymentError
	if !errors.As(err, &paymentErr) {
		t.Fatalf("expected PaymentError, got %v", err)
	}
	if paymentErr.Code != ErrCodeStillRequired {
		t.Errorf("code = %s, want %s", paymentErr.Code, ErrCodeStillRequired)
	}
	if !errors.Is(err, ErrStillPaymentRequired) {
		t.Error("error does not wrap ErrStillPaymentRequired")
	}
	// One payment cycle only: no second verify or settle, no third call.
	if fac.verifyCalls != 1 || fac.settleCalls != 1 {
		t.Errorf("verify/settle calls = %d/%d, want 1/1", fac.verifyCalls, fac.settleCalls)
	}
	if call.totalCalls != 2 {
		t.Errorf("total calls = %d, want 2", call.totalCalls)
	}
}

func TestFlowMissingRequirementsIsTerminal(t *testing.T) {
	call := &mockCall{demand: &PaymentRequired{X402Version: X402Version}}
	flow := testFlow(okFacilitator(), baseSepoliaSigner(0, "a"))

	_, err := flow.Execute(context.Background(), call.fn)
	var paymentErr *PaymentError
	if !errors.As(err, &paymentErr) {
		t.Fatalf("expected PaymentError, got %v", err)
	}
	if paymentErr.Code != ErrCodeMissingRequirements {
		t.Errorf("code = %s, want %s", paymentErr.Code, ErrCodeMissingRequirements)
	}
}

func TestFlowBuilderFailureConsumesNoRetry(t *testing.T) {
	broken := baseSepoliaSigner(0, "broken")
	broken.signError = errors.New("keystore locked")
	call := &mockCall{demand: paymentDemand()}
	flow := testFlow(okFacilitator(), broken)

	_, err := flow.Execute(context.Background(), call.fn)
	var paymentErr *PaymentError
	if !errors.As(err, &paymentErr) {
		t.Fatalf("expected PaymentError, got %v", err)
	}
	if paymentErr.Code != ErrCodeSigningFailed {
		t.Errorf("code = %s, want %s", paymentErr.Code, ErrCodeSigningFailed)
	}
	if call.totalCalls != 1 {
		t.Errorf("total calls = %d, a builder failure must not consume the retry", call.totalCalls)
	}
}

func TestFlowNoWalletConfiguredIsImmediate(t *testing.T) {
	aptosOnly := &mockSigner{
		network: NetworkAptosTestnet,
		scheme:  SchemeExact,
		tokens:  []TokenConfig{{Address: AptosNativeCoin, Symbol: "APT", Decimals: 8}},
	}
	call := &mockCall{demand: paymentDemand()}
	flow := testFlow(okFacilitator(), aptosOnly)

	_, err := flow.Execute(context.Background(), call.fn)
	var paymentErr *PaymentError
	if !errors.As(err, &paymentErr) {
		t.Fatalf("expected PaymentError, got %v", err)
	}
	if paymentErr.Code != ErrCodeNoWalletConfigured {
		t.Errorf("code = %s, want %s", paymentErr.Code, ErrCodeNoWalletConfigured)
	}
	if call.totalCalls != 1 {
		t.Errorf("total calls = %d, want 1", call.totalCalls)
	}
}

func TestFlowTransportRetryRecovers(t *testing.T) {
	call := &mockCall{
		callErrors: []error{errors.New("connection reset")},
	}
	flow := testFlow(okFacilitator(), baseSepoliaSigner(0, "a"))
	flow.MaxAttempts = 3

	result, err := flow.Execute(context.Background(), call.fn)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Result != "free content" {
		t.Errorf("result = %v, want free content", result.Result)
	}
	if call.totalCalls != 2 {
		t.Errorf("total calls = %d, want 2 (one failure, one success)", call.totalCalls)
	}
}

func TestFlowTransportRetryExhaustion(t *testing.T) {
	call := &mockCall{
		callErrors: []error{
			errors.New("connection reset"),
			errors.New("connection reset"),
			errors.New("connection reset"),
		},
	}
	flow := testFlow(okFacilitator(), baseSepoliaSigner(0, "a"))
	flow.MaxAttempts = 3

	_, err := flow.Execute(context.Background(), call.fn)
	var paymentErr *PaymentError
	if !errors.As(err, &paymentErr) {
		t.Fatalf("expected PaymentError, got %v", err)
	}
	if paymentErr.Code != ErrCodeMaxRetriesExceeded {
		t.Errorf("code = %s, want %s", paymentErr.Code, ErrCodeMaxRetriesExceeded)
	}
}

func TestFlowNilFacilitatorDelegatesToServer(t *testing.T) {
	call := &mockCall{demand: paymentDemand()}
	flow := testFlow(nil, baseSepoliaSigner(0, "a"))

	result, err := flow.Execute(context.Background(), call.fn)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Result != "paid content" {
		t.Errorf("result = %v, want paid content", result.Result)
	}
	if result.Verification != nil || result.Settlement != nil {
		t.Error("server-settled mode must not fabricate facilitator attestations")
	}
	if call.paidCalls != 1 {
		t.Errorf("paid calls = %d, want 1", call.paidCalls)
	}
}

func TestFlowConcurrentCyclesAreIndependent(t *testing.T) {
	const cycles = 8
	errs := make(chan error, cycles)
	for i := 0; i < cycles; i++ {
		go func() {
			call := &mockCall{demand: paymentDemand()}
			flow := testFlow(okFacilitator(), baseSepoliaSigner(0, "a"))
			_, err := flow.Execute(context.Background(), call.fn)
			errs <- err
		}()
	}
	for i := 0; i < cycles; i++ {
		select {
		case err := <-errs:
			if err != nil {
				t.Errorf("cycle failed: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("cycle did not finish")
		}
	}
}

func TestAdvanceTransitions(t *testing.T) {
	tests := []struct {
		state   FlowState
		event   FlowEvent
		want    FlowState
		wantErr bool
	}{
		{StateInitial, EventInvoke, StateAwaitingResponse, false},
		{StateAwaitingResponse, EventResult, StateSuccess, false},
		{StateAwaitingResponse, EventPaymentRequired, StatePaymentRequired, false},
		{StatePaymentRequired, EventRequirements, StateBuildingPayload, false},
		{StateBuildingPayload, EventPayloadBuilt, StateVerifying, false},
		{StateVerifying, EventVerified, StateSettling, false},
		{StateSettling, EventSettled, StateRetrying, false},
		{StateRetrying, EventInvoke, StateAwaitingResponse, false},
		{StateVerifying, EventFailure, StateFailed, false},
		{StateSettling, EventFailure, StateFailed, false},
		// Disallowed transitions.
		{StateInitial, EventResult, StateInitial, true},
		{StateVerifying, EventSettled, StateVerifying, true},
		{StateSettling, EventVerified, StateSettling, true},
		{StateSuccess, EventFailure, StateSuccess, true},
		{StateFailed, EventFailure, StateFailed, true},
		{StateSuccess, EventInvoke, StateSuccess, true},
	}
	for _, tt := range tests {
		got, err := advance(tt.state, tt.event)
		if tt.wantErr {
			if err == nil {
				t.Errorf("advance(%s, %s) allowed, want rejection", tt.state, tt.event)
			}
			continue
		}
		if err != nil {
			t.Errorf("advance(%s, %s): %v", tt.state, tt.event, err)
			continue
		}
		if got != tt.want {
			t.Errorf("advance(%s, %s) = %s, want %s", tt.state, tt.event, got, tt.want)
		}
	}
}

func TestFlowStateStrings(t *testing.T) {
	states := map[FlowState]string{
		StateInitial:          "initial",
		StateAwaitingResponse: "awaiting_response",
		StateSuccess:          "success",
		StatePaymentRequired:  "payment_required",
		StateBuildingPayload:  "building_payload",
		StateVerifying:        "verifying",
		StateSettling:         "settling",
		StateRetrying:         "retrying",
		StateFailed:           "failed",
	}
	for state, want := range states {
		if got := state.String(); got != want {
			t.Errorf("String() = %q, want %q", got, want)
		}
	}
}
