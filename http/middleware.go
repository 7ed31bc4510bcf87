// Package http provides the x402 HTTP binding: a payment-aware client
// transport and server middleware for payment gating.
package http

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"

	"github.com/agentpay/x402-go"
	"github.com/agentpay/x402-go/facilitator"
)

// Config holds the configuration for the x402 middleware.
type Config struct {
	// FacilitatorURL is the primary facilitator endpoint.
	FacilitatorURL string

	// FallbackFacilitatorURL is the optional backup facilitator, tried when
	// the primary returns a transport error.
	FallbackFacilitatorURL string

	// PaymentRequirements defines the accepted payment methods.
	PaymentRequirements []x402.PaymentRequirement

	// VerifyOnly skips settlement if true (only verifies payments).
	VerifyOnly bool

	// Logger receives middleware logs. Defaults to slog.Default().
	Logger *slog.Logger
}

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

// PaymentContextKey is the context key for storing verified payment information.
const PaymentContextKey = contextKey("x402_payment")

// NewX402Middleware creates a new x402 payment middleware.
// It returns a middleware function that wraps HTTP handlers with payment
// gating. At construction the middleware asks the facilitator's /supported
// endpoint for network-specific requirement data (like the Solana feePayer)
// and merges it into the configured requirements.
func NewX402Middleware(config *Config) func(http.Handler) http.Handler {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	primary := facilitator.NewClient(config.FacilitatorURL)
	primary.Logger = logger

	var fallback *facilitator.Client
	if config.FallbackFacilitatorURL != "" {
		fallback = facilitator.NewClient(config.FallbackFacilitatorURL)
		fallback.Logger = logger
	}

	ctx, cancel := context.WithTimeout(context.Background(), facilitator.DefaultVerifyTimeout)
	defer cancel()
	enrichedRequirements, err := primary.EnrichRequirements(ctx, config.PaymentRequirements)
	if err != nil {
		logger.Warn("failed to enrich payment requirements from facilitator", "error", err)
		enrichedRequirements = config.PaymentRequirements
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			scheme := "http"
			if r.TLS != nil {
				scheme = "https"
			}
			resourceURL := scheme + "://" + r.Host + r.RequestURI

			requirements := make([]x402.PaymentRequirement, len(enrichedRequirements))
			for i, req := range enrichedRequirements {
				requirements[i] = req
				requirements[i].Resource = resourceURL
				if requirements[i].Description == "" {
					requirements[i].Description = "Payment required for " + r.URL.Path
				}
			}

			if r.Header.Get(HeaderPayment) == "" {
				logger.Info("no payment header provided", "path", r.URL.Path)
				sendPaymentRequiredWithRequirements(w, requirements)
				return
			}

			payment, err := parsePaymentHeader(r)
			if err != nil {
				logger.Warn("invalid payment header", "error", err)
				http.Error(w, "Invalid payment header", http.StatusBadRequest)
				return
			}

			requirement, err := findMatchingRequirement(payment, requirements)
			if err != nil {
				logger.Warn("no matching requirement", "error", err)
				sendPaymentRequiredWithRequirements(w, requirements)
				return
			}

			logger.Info("verifying payment", "scheme", payment.Scheme, "network", payment.Network)
			verifyResp, err := primary.Verify(r.Context(), payment, requirement)
			if err != nil && fallback != nil {
				logger.Warn("primary facilitator failed, trying fallback", "error", err)
				verifyResp, err = fallback.Verify(r.Context(), payment, requirement)
			}
			if err != nil {
				logger.Error("facilitator verification failed", "error", err)
				http.Error(w, "Payment verification failed", http.StatusServiceUnavailable)
				return
			}

			if !verifyResp.IsValid {
				logger.Warn("payment verification rejected", "reason", verifyResp.InvalidReason)
				sendPaymentRequiredWithRequirements(w, requirements)
				return
			}

			logger.Info("payment verified", "payer", verifyResp.Payer)

			ctx := context.WithValue(r.Context(), PaymentContextKey, verifyResp)
			r = r.WithContext(ctx)

			interceptor := &settlementInterceptor{
				w: w,
				settleFunc: func() bool {
					if config.VerifyOnly {
						return true
					}

					logger.Info("settling payment", "payer", verifyResp.Payer)
					settlementResp, err := primary.Settle(r.Context(), payment, requirement, verifyResp)
					if err != nil && fallback != nil {
						logger.Warn("primary facilitator settlement failed, trying fallback", "error", err)
						settlementResp, err = fallback.Settle(r.Context(), payment, requirement, verifyResp)
					}
					if err != nil {
						logger.Error("settlement failed", "error", err)
						http.Error(w, "Payment settlement failed", http.StatusServiceUnavailable)
						return false
					}

					if !settlementResp.Success {
						logger.Warn("settlement unsuccessful", "reason", settlementResp.ErrorReason)
						sendPaymentRequiredWithRequirements(w, requirements)
						return false
					}

					logger.Info("payment settled", "transaction", settlementResp.Transaction)

					if err := addPaymentResponseHeader(w, settlementResp); err != nil {
						// Payment went through; the client just loses the proof header.
						logger.Warn("failed to add payment response header", "error", err)
					}
					return true
				},
				onFailure: func(statusCode int) {
					logger.Warn("handler returned non-success, skipping payment settlement", "status", statusCode)
				},
			}
			next.ServeHTTP(interceptor, r)
		})
	}
}

// settlementInterceptor wraps the ResponseWriter to intercept the moment of
// commitment: settlement runs only once the handler commits to a success
// status, so a failing handler never charges the client.
type settlementInterceptor struct {
	w          http.ResponseWriter
	settleFunc func() bool
	onFailure  func(statusCode int)
	committed  bool
	hijacked   bool
}

func (i *settlementInterceptor) Header() http.Header {
	return i.w.Header()
}

func (i *settlementInterceptor) Write(b []byte) (int, error) {
	// Write without WriteHeader implies 200 OK, which must trigger settlement.
	if !i.committed {
		i.WriteHeader(http.StatusOK)
	}

	// After a failed settlement the error response is already written; the
	// handler's payload is discarded to avoid a mixed response.
	if i.hijacked {
		return len(b), nil
	}

	return i.w.Write(b)
}

func (i *settlementInterceptor) WriteHeader(statusCode int) {
	if i.committed {
		return
	}
	i.committed = true

	// Error statuses pass through without settlement.
	if statusCode >= 400 {
		if i.onFailure != nil {
			i.onFailure(statusCode)
		}
		i.w.WriteHeader(statusCode)
		return
	}

	if !i.settleFunc() {
		// settleFunc already wrote the error response.
		i.hijacked = true
		return
	}

	i.w.WriteHeader(statusCode)
}

// Flush implements http.Flusher to support streaming responses.
func (i *settlementInterceptor) Flush() {
	if flusher, ok := i.w.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Hijack implements http.Hijacker to support connection hijacking.
func (i *settlementInterceptor) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := i.w.(http.Hijacker); ok {
		return hijacker.Hijack()
	}
	return nil, nil, errors.New("hijacking not supported")
}

// Push implements http.Pusher to support HTTP/2 server push.
func (i *settlementInterceptor) Push(target string, opts *http.PushOptions) error {
	if pusher, ok := i.w.(http.Pusher); ok {
		return pusher.Push(target, opts)
	}
	return http.ErrNotSupported
}
