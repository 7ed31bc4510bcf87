package x402

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/agentpay/x402-go/retry"
)

// FlowState is a state of the payment flow machine.
type FlowState int

const (
	StateInitial FlowState = iota
	StateAwaitingResponse
	StateSuccess
	StatePaymentRequired
	StateBuildingPayload
	StateVerifying
	StateSettling
	StateRetrying
	StateFailed
)

func (s FlowState) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateAwaitingResponse:
		return "awaiting_response"
	case StateSuccess:
		return "success"
	case StatePaymentRequired:
		return "payment_required"
	case StateBuildingPayload:
		return "building_payload"
	case StateVerifying:
		return "verifying"
	case StateSettling:
		return "settling"
	case StateRetrying:
		return "retrying"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// FlowEvent is an observation that drives the payment flow machine.
type FlowEvent int

const (
	// EventInvoke fires when the underlying call is (re-)issued.
	EventInvoke FlowEvent = iota
	// EventResult fires when a response arrives without a payment demand.
	EventResult
	// EventPaymentRequired fires when a response demands payment.
	EventPaymentRequired
	// EventRequirements fires when the payment terms have been extracted.
	EventRequirements
	// EventPayloadBuilt fires when a signed payment payload exists.
	EventPayloadBuilt
	// EventVerified fires when the facilitator attested the payload valid.
	EventVerified
	// EventSettled fires when the facilitator accepted settlement.
	EventSettled
	// EventFailure fires on any terminal failure.
	EventFailure
)

func (e FlowEvent) String() string {
	switch e {
	case EventInvoke:
		return "invoke"
	case EventResult:
		return "result"
	case EventPaymentRequired:
		return "payment_required"
	case EventRequirements:
		return "requirements"
	case EventPayloadBuilt:
		return "payload_built"
	case EventVerified:
		return "verified"
	case EventSettled:
		return "settled"
	case EventFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// advance is the pure transition function of the payment flow machine. It maps
// (state, event) to the next state and rejects transitions the protocol does
// not allow. Side effects live in Flow.Execute; advance is directly testable
// without a network.
func advance(state FlowState, event FlowEvent) (FlowState, error) {
	if event == EventFailure {
		switch state {
		case StateSuccess, StateFailed:
			return state, fmt.Errorf("invalid transition: %s + %s", state, event)
		}
		return StateFailed, nil
	}

	switch {
	case state == StateInitial && event == EventInvoke:
		return StateAwaitingResponse, nil
	case state == StateAwaitingResponse && event == EventResult:
		return StateSuccess, nil
	case state == StateAwaitingResponse && event == EventPaymentRequired:
		return StatePaymentRequired, nil
	case state == StatePaymentRequired && event == EventRequirements:
		return StateBuildingPayload, nil
	case state == StateBuildingPayload && event == EventPayloadBuilt:
		return StateVerifying, nil
	case state == StateVerifying && event == EventVerified:
		return StateSettling, nil
	case state == StateSettling && event == EventSettled:
		return StateRetrying, nil
	case state == StateRetrying && event == EventInvoke:
		return StateAwaitingResponse, nil
	}
	return state, fmt.Errorf("invalid transition: %s + %s", state, event)
}

// CallResult is the transport's normalized view of one invocation response.
// The transport performs whatever shape-sniffing its wire format needs (status
// code, structured error, embedded JSON text) and reports the outcome through
// this single canonical shape.
type CallResult struct {
	// Result is the transport-specific successful response, passed through
	// to the caller untouched.
	Result interface{}

	// PaymentRequired holds the parsed payment terms when the response
	// demanded payment; nil otherwise.
	PaymentRequired *PaymentRequired
}

// CallFunc issues the underlying tool or resource call, attaching the payment
// proof when payment is non-nil. The carrying mechanism (request field or
// header) is the transport's choice and must be re-derivable from the same
// payload value.
type CallFunc func(ctx context.Context, payment *PaymentPayload) (*CallResult, error)

// Facilitator verifies and settles payment payloads on the client's behalf.
// Trusting its attestations is the engine's explicit trust boundary.
type Facilitator interface {
	// Verify checks that a payment payload is well-formed and economically
	// valid without executing it.
	Verify(ctx context.Context, payment PaymentPayload, requirement PaymentRequirement) (*VerifyResponse, error)

	// Settle submits a verified payment on-chain.
	Settle(ctx context.Context, payment PaymentPayload, requirement PaymentRequirement, verification *VerifyResponse) (*SettlementResponse, error)
}

// FlowResult is the uniform outcome of one paid (or free) invocation.
type FlowResult struct {
	// State is the terminal flow state (StateSuccess on the non-error path).
	State FlowState

	// Result is the transport response body.
	Result interface{}

	// Payment is the payload that unlocked the resource, nil for free calls.
	Payment *PaymentPayload

	// Verification is the facilitator's verify attestation, when one ran.
	Verification *VerifyResponse

	// Settlement is the facilitator's settlement attestation, when one ran.
	Settlement *SettlementResponse
}

// Flow drives the payment state machine for one invocation: issue the call,
// absorb a payment-required response, build and verify a payment, settle it,
// and re-issue the call carrying proof. Each Execute call runs at most one
// payment cycle; concurrent Execute calls are independent.
type Flow struct {
	// Signers is the list of configured payment signers.
	Signers []Signer

	// Selector chooses the signer for a requirement (default priority-based).
	Selector PaymentSelector

	// Facilitator verifies and settles payments. When nil, verification and
	// settlement are delegated to the resource server: the proof-carrying
	// retry itself triggers them server-side.
	Facilitator Facilitator

	// Method names the transport binding for events ("HTTP", "MCP").
	Method string

	// MaxAttempts bounds transport-level retries of the underlying call
	// (connection failures only, never payment steps). Default 3.
	MaxAttempts int

	// Logger receives debug-level transition logs. Silent when nil.
	Logger *slog.Logger

	// OnPaymentAttempt is called when a payment attempt starts.
	OnPaymentAttempt PaymentCallback

	// OnPaymentSuccess is called when a paid retry succeeds.
	OnPaymentSuccess PaymentCallback

	// OnPaymentFailure is called when a payment cycle fails.
	OnPaymentFailure PaymentCallback
}

// Execute runs the payment flow for one invocation. The caller receives
// either the call result or a single error; it never observes the
// intermediate 402/verify/settle choreography.
func (f *Flow) Execute(ctx context.Context, call CallFunc) (*FlowResult, error) {
	state := StateInitial
	logger := f.logger()

	step := func(event FlowEvent) error {
		next, err := advance(state, event)
		if err != nil {
			return err
		}
		logger.Debug("payment flow transition",
			"from", state.String(), "event", event.String(), "to", next.String())
		state = next
		return nil
	}

	if err := step(EventInvoke); err != nil {
		return nil, err
	}
	res, err := f.invoke(ctx, call, nil)
	if err != nil {
		_ = step(EventFailure)
		return nil, f.transportError(err)
	}

	if res.PaymentRequired == nil {
		if err := step(EventResult); err != nil {
			return nil, err
		}
		return &FlowResult{State: state, Result: res.Result}, nil
	}

	if err := step(EventPaymentRequired); err != nil {
		return nil, err
	}

	requirement, err := res.PaymentRequired.First()
	if err != nil {
		_ = step(EventFailure)
		return nil, NewPaymentError(ErrCodeMissingRequirements,
			"payment required response carries no parseable requirements", err)
	}
	if err := step(EventRequirements); err != nil {
		return nil, err
	}

	started := time.Now()
	f.emit(f.OnPaymentAttempt, PaymentEvent{
		Type:      PaymentEventAttempt,
		Timestamp: started,
		Method:    f.Method,
		Network:   requirement.Network,
		Scheme:    requirement.Scheme,
		Amount:    requirement.Amount,
		Asset:     requirement.Asset,
		Recipient: requirement.PayTo,
	})

	payment, err := f.selector().SelectAndSign(requirement, f.Signers)
	if err != nil {
		_ = step(EventFailure)
		f.failEvent(requirement, started, err)
		return nil, err
	}

	// Round-trip invariant: the envelope always carries the requirement's own
	// network and scheme, whatever the builder cached internally.
	payment.Network = requirement.Network
	payment.Scheme = requirement.Scheme
	if err := step(EventPayloadBuilt); err != nil {
		return nil, err
	}

	var verification *VerifyResponse
	var settlement *SettlementResponse
	if f.Facilitator != nil {
		verification, err = f.Facilitator.Verify(ctx, *payment, *requirement)
		if err != nil {
			_ = step(EventFailure)
			f.failEvent(requirement, started, err)
			return nil, NewPaymentError(ErrCodeVerificationFailed, "facilitator verify failed", err)
		}
		if !verification.IsValid {
			_ = step(EventFailure)
			reasonErr := NewPaymentError(ErrCodeVerificationFailed, verification.InvalidReason, ErrVerificationFailed)
			f.failEvent(requirement, started, reasonErr)
			return nil, reasonErr
		}
		if err := step(EventVerified); err != nil {
			return nil, err
		}

		// Settle is never retried: a lost response may follow an applied
		// side effect, and a blind resubmission risks paying twice.
		settlement, err = f.Facilitator.Settle(ctx, *payment, *requirement, verification)
		if err != nil {
			_ = step(EventFailure)
			f.failEvent(requirement, started, err)
			return nil, NewPaymentError(ErrCodeSettlementFailed, "facilitator settle failed", err)
		}
		if !settlement.Success {
			_ = step(EventFailure)
			reasonErr := NewPaymentError(ErrCodeSettlementFailed, settlement.ErrorReason, ErrSettlementFailed)
			f.failEvent(requirement, started, reasonErr)
			return nil, reasonErr
		}
		if err := step(EventSettled); err != nil {
			return nil, err
		}
	} else {
		// Server-side settlement mode: the proof-carrying retry triggers
		// verify and settle at the resource server.
		if err := step(EventVerified); err != nil {
			return nil, err
		}
		if err := step(EventSettled); err != nil {
			return nil, err
		}
	}

	if err := step(EventInvoke); err != nil {
		return nil, err
	}
	retried, err := f.invoke(ctx, call, payment)
	if err != nil {
		_ = step(EventFailure)
		terr := f.transportError(err)
		f.failEvent(requirement, started, terr)
		return nil, terr
	}

	if retried.PaymentRequired != nil {
		_ = step(EventFailure)
		stillErr := NewPaymentError(ErrCodeStillRequired,
			"server still demands payment after paid retry", ErrStillPaymentRequired).
			WithDetails("network", requirement.Network)
		f.failEvent(requirement, started, stillErr)
		return nil, stillErr
	}
	if err := step(EventResult); err != nil {
		return nil, err
	}

	event := PaymentEvent{
		Type:      PaymentEventSuccess,
		Timestamp: time.Now(),
		Method:    f.Method,
		Network:   requirement.Network,
		Scheme:    requirement.Scheme,
		Amount:    requirement.Amount,
		Asset:     requirement.Asset,
		Recipient: requirement.PayTo,
		Duration:  time.Since(started),
	}
	if settlement != nil {
		event.Transaction = settlement.Transaction
		if event.Transaction == "" {
			event.Transaction = settlement.TransactionHash
		}
		event.Payer = settlement.Payer
	}
	f.emit(f.OnPaymentSuccess, event)

	return &FlowResult{
		State:        state,
		Result:       retried.Result,
		Payment:      payment,
		Verification: verification,
		Settlement:   settlement,
	}, nil
}

// invoke issues the call with the transport retry budget. Only connectivity
// failures are retried; payment errors and deadline expiry are not.
func (f *Flow) invoke(ctx context.Context, call CallFunc, payment *PaymentPayload) (*CallResult, error) {
	cfg := retry.Config{
		MaxAttempts:  f.maxAttempts(),
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2.0,
	}
	return retry.WithRetry(ctx, cfg, transportRetryable, func() (*CallResult, error) {
		return call(ctx, payment)
	})
}

func transportRetryable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	var pe *PaymentError
	return !errors.As(err, &pe)
}

func (f *Flow) transportError(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return NewPaymentError(ErrCodeTimeout, "call exceeded its time budget", ErrTimeout)
	case errors.Is(err, retry.ErrExhausted):
		return NewPaymentError(ErrCodeMaxRetriesExceeded, "max retries exceeded", err)
	default:
		var pe *PaymentError
		if errors.As(err, &pe) {
			return pe
		}
		return NewPaymentError(ErrCodeTransportFailure, "call failed", err)
	}
}

func (f *Flow) failEvent(requirement *PaymentRequirement, started time.Time, err error) {
	f.emit(f.OnPaymentFailure, PaymentEvent{
		Type:      PaymentEventFailure,
		Timestamp: time.Now(),
		Method:    f.Method,
		Network:   requirement.Network,
		Scheme:    requirement.Scheme,
		Amount:    requirement.Amount,
		Asset:     requirement.Asset,
		Recipient: requirement.PayTo,
		Error:     err,
		Duration:  time.Since(started),
	})
}

func (f *Flow) emit(cb PaymentCallback, event PaymentEvent) {
	if cb != nil {
		cb(event)
	}
}

func (f *Flow) selector() PaymentSelector {
	if f.Selector != nil {
		return f.Selector
	}
	return NewDefaultPaymentSelector()
}

func (f *Flow) maxAttempts() int {
	if f.MaxAttempts > 0 {
		return f.MaxAttempts
	}
	return 3
}

func (f *Flow) logger() *slog.Logger {
	if f.Logger != nil {
		return f.Logger
	}
	return slog.New(slog.DiscardHandler)
}
