package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/agentpay/x402-go"
	"github.com/agentpay/x402-go/facilitator"
	"github.com/agentpay/x402-go/mcp"
)

// X402Handler wraps an MCP HTTP handler and adds x402 payment verification.
// Payment demands are issued as JSON-RPC errors with code 402; accepted
// payments are verified before the tool runs and settled after it succeeds.
type X402Handler struct {
	mcpHandler http.Handler
	config     *Config
	primary    *facilitator.Client
	fallback   *facilitator.Client
}

// NewX402Handler creates a payment handler in front of an MCP HTTP handler.
func NewX402Handler(mcpHandler http.Handler, config *Config) *X402Handler {
	if config == nil {
		config = DefaultConfig()
	}

	primary := facilitator.NewClient(config.FacilitatorURL)
	primary.Logger = config.Logger

	var fallback *facilitator.Client
	if config.FallbackFacilitatorURL != "" {
		fallback = facilitator.NewClient(config.FallbackFacilitatorURL)
		fallback.Logger = config.Logger
	}

	return &X402Handler{
		mcpHandler: mcpHandler,
		config:     config,
		primary:    primary,
		fallback:   fallback,
	}
}

// ServeHTTP intercepts tools/call requests to enforce payment. Everything
// else passes straight through to the MCP handler.
func (h *X402Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := h.config.logger()

	if r.Method != http.MethodPost {
		h.mcpHandler.ServeHTTP(w, r)
		return
	}

	bodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeError(w, nil, -32700, "Parse error", nil)
		return
	}
	r.Body = io.NopCloser(bytes.NewReader(bodyBytes))

	var rpcReq struct {
		JSONRPC string          `json:"jsonrpc"`
		Method  string          `json:"method"`
		Params  json.RawMessage `json:"params"`
		ID      interface{}     `json:"id"`
	}
	if err := json.Unmarshal(bodyBytes, &rpcReq); err != nil {
		h.writeError(w, nil, -32700, "Parse error", nil)
		return
	}

	if rpcReq.Method != "tools/call" {
		h.mcpHandler.ServeHTTP(w, r)
		return
	}

	var toolParams struct {
		Name string                 `json:"name"`
		Meta map[string]interface{} `json:"_meta"`
	}
	if err := json.Unmarshal(rpcReq.Params, &toolParams); err != nil {
		h.writeError(w, rpcReq.ID, -32602, "Invalid params", nil)
		return
	}
	logger = logger.With("tool", toolParams.Name)

	requirements, needsPayment := h.paymentRequirements(toolParams.Name)
	if !needsPayment {
		h.mcpHandler.ServeHTTP(w, r)
		return
	}

	payment := extractPayment(toolParams.Meta)
	if payment == nil {
		h.sendPaymentRequired(w, rpcReq.ID, requirements)
		return
	}

	requirement, err := findMatchingRequirement(payment, requirements)
	if err != nil {
		h.writeError(w, rpcReq.ID, mcp.PaymentRequiredCode,
			fmt.Sprintf("Payment invalid: %v", err), nil)
		return
	}

	verifyCtx, cancel := context.WithTimeout(r.Context(), facilitator.DefaultVerifyTimeout)
	defer cancel()

	verifyResp, err := h.primary.Verify(verifyCtx, *payment, *requirement)
	if err != nil && h.fallback != nil {
		logger.Warn("primary facilitator verify failed, trying fallback", "error", err)
		verifyResp, err = h.fallback.Verify(verifyCtx, *payment, *requirement)
	}
	if err != nil {
		logger.Error("payment verification failed", "error", err)
		h.writeError(w, rpcReq.ID, -32603, fmt.Sprintf("Verification failed: %v", err), nil)
		return
	}
	if !verifyResp.IsValid {
		logger.Info("payment rejected", "reason", verifyResp.InvalidReason)
		h.writeError(w, rpcReq.ID, mcp.PaymentRequiredCode,
			fmt.Sprintf("Payment invalid: %s", verifyResp.InvalidReason), nil)
		return
	}

	h.forwardAndSettle(w, r, bodyBytes, rpcReq.ID, payment, requirement, verifyResp)
}

// paymentRequirements returns the payment options for a tool with the
// resource URI filled in, or false for free tools.
func (h *X402Handler) paymentRequirements(toolName string) ([]x402.PaymentRequirement, bool) {
	requirements := h.config.GetPaymentRequirements(toolName)
	if len(requirements) == 0 {
		return nil, false
	}

	// Work on a copy to avoid mutating shared config.
	reqCopy := make([]x402.PaymentRequirement, len(requirements))
	copy(reqCopy, requirements)
	for i := range reqCopy {
		if reqCopy[i].Resource == "" {
			reqCopy[i].Resource = ToolResource(toolName)
		}
	}
	return reqCopy, true
}

// extractPayment reads the payment payload from params._meta.
func extractPayment(meta map[string]interface{}) *x402.PaymentPayload {
	if meta == nil {
		return nil
	}
	paymentData, ok := meta[mcp.MetaKeyPayment]
	if !ok {
		return nil
	}

	paymentBytes, err := json.Marshal(paymentData)
	if err != nil {
		return nil
	}
	var payment x402.PaymentPayload
	if err := json.Unmarshal(paymentBytes, &payment); err != nil {
		return nil
	}
	return &payment
}

// findMatchingRequirement locates the requirement the payment was built for.
func findMatchingRequirement(payment *x402.PaymentPayload, requirements []x402.PaymentRequirement) (*x402.PaymentRequirement, error) {
	for i := range requirements {
		if requirements[i].Scheme == payment.Scheme && requirements[i].Network == payment.Network {
			return &requirements[i], nil
		}
	}
	return nil, fmt.Errorf("%w: no requirement matches scheme %q on network %q",
		x402.ErrUnsupportedScheme, payment.Scheme, payment.Network)
}

// sendPaymentRequired sends a 402 JSON-RPC error carrying the payment terms.
func (h *X402Handler) sendPaymentRequired(w http.ResponseWriter, id interface{}, requirements []x402.PaymentRequirement) {
	h.writeError(w, id, mcp.PaymentRequiredCode, "Payment required", x402.PaymentRequired{
		X402Version: x402.X402Version,
		Error:       "Payment required to access this resource",
		Accepts:     requirements,
	})
}

// forwardAndSettle executes the MCP handler and, on success, settles the
// payment and injects the settlement attestation into result._meta.
func (h *X402Handler) forwardAndSettle(w http.ResponseWriter, r *http.Request, requestBody []byte, requestID interface{}, payment *x402.PaymentPayload, requirement *x402.PaymentRequirement, verifyResp *x402.VerifyResponse) {
	logger := h.config.logger()

	recorder := &responseRecorder{
		headerMap:  make(http.Header),
		statusCode: http.StatusOK,
	}
	r.Body = io.NopCloser(bytes.NewReader(requestBody))
	h.mcpHandler.ServeHTTP(recorder, r)

	var rpcResp struct {
		JSONRPC string          `json:"jsonrpc"`
		Result  json.RawMessage `json:"result,omitempty"`
		Error   json.RawMessage `json:"error,omitempty"`
		ID      interface{}     `json:"id"`
	}
	if err := json.Unmarshal(recorder.body.Bytes(), &rpcResp); err != nil {
		logger.Error("failed to parse tool response, skipping settlement", "error", err)
		recorder.copyTo(w)
		return
	}

	// A failed tool call is never settled.
	if len(rpcResp.Error) > 0 && string(rpcResp.Error) != "null" {
		logger.Info("tool execution failed, payment not settled")
		recorder.copyTo(w)
		return
	}

	var settleResp *x402.SettlementResponse
	if !h.config.VerifyOnly {
		settleCtx, cancel := context.WithTimeout(r.Context(), facilitator.DefaultSettleTimeout)
		defer cancel()

		var err error
		settleResp, err = h.primary.Settle(settleCtx, *payment, *requirement, verifyResp)
		if err != nil && h.fallback != nil {
			logger.Warn("primary facilitator settle failed, trying fallback", "error", err)
			settleResp, err = h.fallback.Settle(settleCtx, *payment, *requirement, verifyResp)
		}
		if err != nil || settleResp == nil || !settleResp.Success {
			reason := "unknown reason"
			if err != nil {
				reason = err.Error()
			} else if settleResp != nil {
				reason = settleResp.ErrorReason
			}
			logger.Error("settlement failed", "reason", reason)
			h.writeError(w, requestID, -32603,
				fmt.Sprintf("Settlement failed: %v", reason), map[string]interface{}{
					mcp.MetaKeyPaymentResponse: x402.SettlementResponse{
						Success:     false,
						Network:     payment.Network,
						Payer:       verifyResp.Payer,
						ErrorReason: reason,
					},
				})
			return
		}
		logger.Info("payment settled", "transaction", settleResp.Transaction)
	}

	if len(rpcResp.Result) > 0 {
		var result map[string]interface{}
		if err := json.Unmarshal(rpcResp.Result, &result); err == nil {
			meta, ok := result["_meta"].(map[string]interface{})
			if !ok {
				meta = make(map[string]interface{})
			}
			if settleResp != nil {
				meta[mcp.MetaKeyPaymentResponse] = settleResp
			} else {
				// Verify-only mode: Success=false marks settlement as
				// skipped, not failed.
				meta[mcp.MetaKeyPaymentResponse] = x402.SettlementResponse{
					Success: false,
					Network: payment.Network,
					Payer:   verifyResp.Payer,
				}
			}
			result["_meta"] = meta
			if modified, err := json.Marshal(result); err == nil {
				rpcResp.Result = modified
			}
		}
	}

	responseBytes, err := json.Marshal(rpcResp)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	for k, v := range recorder.headerMap {
		w.Header()[k] = v
	}
	w.Header().Set("Content-Length", fmt.Sprint(len(responseBytes)))
	w.WriteHeader(recorder.statusCode)
	_, _ = w.Write(responseBytes)
}

// writeError writes a JSON-RPC error response. JSON-RPC errors ride on a 200
// HTTP status.
func (h *X402Handler) writeError(w http.ResponseWriter, id interface{}, code int, message string, data interface{}) {
	errObj := map[string]interface{}{
		"code":    code,
		"message": message,
	}
	if data != nil {
		errObj["data"] = data
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"error":   errObj,
	})
}

// responseRecorder captures the MCP handler's response for modification.
type responseRecorder struct {
	headerMap  http.Header
	body       bytes.Buffer
	statusCode int
}

func (r *responseRecorder) Header() http.Header {
	return r.headerMap
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	return r.body.Write(b)
}

func (r *responseRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
}

func (r *responseRecorder) copyTo(w http.ResponseWriter) {
	for k, v := range r.headerMap {
		w.Header()[k] = v
	}
	w.WriteHeader(r.statusCode)
	_, _ = w.Write(r.body.Bytes())
}
