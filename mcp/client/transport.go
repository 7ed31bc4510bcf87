package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/client/transport"
	mcpproto "github.com/mark3labs/mcp-go/mcp"

	"github.com/agentpay/x402-go"
	"github.com/agentpay/x402-go/mcp"
)

const methodToolsCall = "tools/call"

// Transport wraps an MCP transport and adds x402 payment handling. When a
// request is answered with a payment demand, either as a JSON-RPC error with
// code 402 or as payment terms embedded in a tool result, it runs one payment
// cycle and re-issues the request carrying the proof in params._meta.
type Transport struct {
	base   transport.Interface
	config *Config
}

// NewTransport creates an x402-enabled MCP transport speaking streamable HTTP
// to the given server.
func NewTransport(serverURL string, opts ...Option) (*Transport, error) {
	base, err := transport.NewStreamableHTTP(serverURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create base transport: %w", err)
	}
	return NewTransportWithBase(base, append([]Option{func(c *Config) {
		c.ServerURL = serverURL
	}}, opts...)...), nil
}

// NewTransportWithBase wraps an existing MCP transport with payment handling.
func NewTransportWithBase(base transport.Interface, opts ...Option) *Transport {
	config := DefaultConfig("")
	for _, opt := range opts {
		opt(config)
	}
	return &Transport{base: base, config: config}
}

// Start starts the MCP connection.
func (t *Transport) Start(ctx context.Context) error {
	return t.base.Start(ctx)
}

// SendRequest implements transport.Interface. Payment demands are absorbed
// internally; the caller observes either the final response or a single error.
func (t *Transport) SendRequest(ctx context.Context, req transport.JSONRPCRequest) (*transport.JSONRPCResponse, error) {
	var settlement *x402.SettlementResponse

	call := func(ctx context.Context, payment *x402.PaymentPayload) (*x402.CallResult, error) {
		attempt := req
		if payment != nil {
			var err error
			attempt, err = injectPaymentMeta(req, payment)
			if err != nil {
				return nil, x402.NewPaymentError(x402.ErrCodeSigningFailed,
					"failed to attach payment to request", err)
			}
		}

		resp, err := t.base.SendRequest(ctx, attempt)
		if err != nil {
			return nil, err
		}

		if resp.Error != nil {
			if resp.Error.Code == mcp.PaymentRequiredCode {
				required, err := mcp.ExtractPaymentRequired(resp.Error.Data)
				if err != nil {
					return nil, x402.NewPaymentError(x402.ErrCodeInvalidRequirements,
						"failed to parse payment requirements from 402 error", err)
				}
				return &x402.CallResult{PaymentRequired: required}, nil
			}
			// Non-payment errors pass through for the caller to inspect.
			return &x402.CallResult{Result: resp}, nil
		}

		// Some servers deliver the payment demand inside a successful tool
		// result instead of a JSON-RPC error.
		if req.Method == methodToolsCall {
			if required := embeddedPaymentRequired(resp.Result); required != nil {
				return &x402.CallResult{PaymentRequired: required}, nil
			}
		}

		if payment != nil {
			if s := extractSettlement(resp.Result); s != nil {
				settlement = s
			}
		}
		return &x402.CallResult{Result: resp}, nil
	}

	tool := toolName(req)
	flow := &x402.Flow{
		Signers:          t.config.Signers,
		Selector:         t.config.Selector,
		Facilitator:      t.config.Facilitator,
		Method:           "MCP",
		MaxAttempts:      t.config.MaxAttempts,
		Logger:           t.config.Logger,
		OnPaymentAttempt: wrapCallback(t.config.OnPaymentAttempt, tool, &settlement),
		OnPaymentSuccess: wrapCallback(t.config.OnPaymentSuccess, tool, &settlement),
		OnPaymentFailure: wrapCallback(t.config.OnPaymentFailure, tool, &settlement),
	}

	result, err := flow.Execute(ctx, call)
	if err != nil {
		return nil, mcp.WrapToolError(err, tool)
	}

	resp, ok := result.Result.(*transport.JSONRPCResponse)
	if !ok {
		return nil, fmt.Errorf("unexpected flow result type %T", result.Result)
	}
	return resp, nil
}

// SendNotification sends a notification to the server.
func (t *Transport) SendNotification(ctx context.Context, notif mcpproto.JSONRPCNotification) error {
	return t.base.SendNotification(ctx, notif)
}

// SetNotificationHandler sets the notification handler.
func (t *Transport) SetNotificationHandler(handler func(mcpproto.JSONRPCNotification)) {
	t.base.SetNotificationHandler(handler)
}

// Close closes the transport.
func (t *Transport) Close() error {
	return t.base.Close()
}

// GetSessionId returns the session ID.
func (t *Transport) GetSessionId() string {
	return t.base.GetSessionId()
}

// wrapCallback decorates flow events with the tool name and, when the server
// reported settlement through the result metadata, the transaction reference
// the flow itself did not observe.
func wrapCallback(cb x402.PaymentCallback, tool string, settlement **x402.SettlementResponse) x402.PaymentCallback {
	if cb == nil {
		return nil
	}
	return func(event x402.PaymentEvent) {
		event.Tool = tool
		if s := *settlement; s != nil {
			if event.Transaction == "" {
				event.Transaction = s.Transaction
				if event.Transaction == "" {
					event.Transaction = s.TransactionHash
				}
			}
			if event.Payer == "" {
				event.Payer = s.Payer
			}
		}
		cb(event)
	}
}

// injectPaymentMeta returns a copy of the request with the payment payload
// placed in params._meta, preserving any existing params and metadata.
func injectPaymentMeta(req transport.JSONRPCRequest, payment *x402.PaymentPayload) (transport.JSONRPCRequest, error) {
	params, ok := req.Params.(map[string]interface{})
	if !ok {
		params = make(map[string]interface{})
		if req.Params != nil {
			data, err := json.Marshal(req.Params)
			if err != nil {
				return req, fmt.Errorf("failed to marshal params: %w", err)
			}
			if err := json.Unmarshal(data, &params); err != nil {
				return req, fmt.Errorf("failed to unmarshal params: %w", err)
			}
		}
	} else {
		// Copy so the original request is reusable without the payment.
		clone := make(map[string]interface{}, len(params)+1)
		for k, v := range params {
			clone[k] = v
		}
		params = clone
	}

	meta, ok := params["_meta"].(map[string]interface{})
	if !ok {
		meta = make(map[string]interface{})
	} else {
		clone := make(map[string]interface{}, len(meta)+1)
		for k, v := range meta {
			clone[k] = v
		}
		meta = clone
	}
	meta[mcp.MetaKeyPayment] = payment
	params["_meta"] = meta

	modified := req
	modified.Params = params
	return modified, nil
}

// embeddedPaymentRequired scans a tool result's text content for payment
// terms delivered in-band rather than as a JSON-RPC error.
func embeddedPaymentRequired(raw json.RawMessage) *x402.PaymentRequired {
	if len(raw) == 0 {
		return nil
	}
	var result struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil
	}
	for _, block := range result.Content {
		if block.Type != "text" {
			continue
		}
		if required := mcp.DetectEmbeddedPaymentRequired(block.Text); required != nil {
			return required
		}
	}
	return nil
}

// extractSettlement reads the settlement attestation a paying server places
// in the result metadata.
func extractSettlement(raw json.RawMessage) *x402.SettlementResponse {
	if len(raw) == 0 {
		return nil
	}
	var result struct {
		Meta map[string]json.RawMessage `json:"_meta"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil
	}
	data, ok := result.Meta[mcp.MetaKeyPaymentResponse]
	if !ok {
		return nil
	}
	var settlement x402.SettlementResponse
	if err := json.Unmarshal(data, &settlement); err != nil {
		return nil
	}
	return &settlement
}

// toolName extracts the tool name for event reporting. For non-tool requests
// the JSON-RPC method stands in.
func toolName(req transport.JSONRPCRequest) string {
	if req.Method != methodToolsCall {
		return req.Method
	}
	params, ok := req.Params.(map[string]interface{})
	if !ok {
		data, err := json.Marshal(req.Params)
		if err != nil {
			return req.Method
		}
		params = make(map[string]interface{})
		if err := json.Unmarshal(data, &params); err != nil {
			return req.Method
		}
	}
	if name, ok := params["name"].(string); ok && name != "" {
		return name
	}
	return req.Method
}
