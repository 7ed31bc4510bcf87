// Package chi provides Chi-compatible middleware for x402 payment gating.
// This package is a thin adapter that uses the stdlib http.Handler interface
// and delegates payment verification and settlement to shared helpers.
package chi

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/agentpay/x402-go"
	"github.com/agentpay/x402-go/facilitator"
	httpx402 "github.com/agentpay/x402-go/http"
	"github.com/agentpay/x402-go/http/internal/helpers"
)

// NewChiX402Middleware creates a new x402 payment middleware for Chi.
// It returns a Chi-compatible middleware function that wraps handlers with
// payment gating.
//
// The middleware:
//   - Bypasses OPTIONS requests for CORS preflight support
//   - Returns 402 Payment Required when the X-PAYMENT header is missing
//   - Verifies payments with the facilitator, then settles them before the
//     handler runs (unless VerifyOnly is set)
//   - Stores payment information in request context via httpx402.PaymentContextKey
//
// Example usage:
//
//	config := &httpx402.Config{
//	    FacilitatorURL: "https://x402.org/facilitator",
//	    PaymentRequirements: []x402.PaymentRequirement{{
//	        Scheme:            "exact",
//	        Network:           "eip155:84532",
//	        Amount:            "10000",
//	        Asset:             "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
//	        PayTo:             "0x742d35Cc6634C0532925a3b844Bc9e7595f0bEb0",
//	        MaxTimeoutSeconds: 300,
//	    }},
//	}
//	r := chi.NewRouter()
//	r.Use(NewChiX402Middleware(config))
//	r.Get("/protected", func(w http.ResponseWriter, r *http.Request) {
//	    payment := r.Context().Value(httpx402.PaymentContextKey).(*x402.VerifyResponse)
//	    w.Write([]byte("Access granted! Payer: " + payment.Payer))
//	})
func NewChiX402Middleware(config *httpx402.Config) func(http.Handler) http.Handler {
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

	enrichCtx, cancel := context.WithTimeout(context.Background(), facilitator.DefaultVerifyTimeout)
	defer cancel()
	enrichedRequirements, err := primary.EnrichRequirements(enrichCtx, config.PaymentRequirements)
	if err != nil {
		logger.Warn("failed to enrich payment requirements from facilitator", "error", err)
		enrichedRequirements = config.PaymentRequirements
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// CORS preflight bypass.
			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

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

			if r.Header.Get(httpx402.HeaderPayment) == "" {
				logger.Warn("no payment header provided", "path", r.URL.Path)
				helpers.SendPaymentRequired(w, requirements)
				return
			}

			payment, err := helpers.ParsePaymentHeaderFromRequest(r)
			if err != nil {
				logger.Warn("invalid payment header", "error", err)
				sendErrorResponse(w, http.StatusBadRequest, "Invalid payment header")
				return
			}

			requirement, err := helpers.FindMatchingRequirement(payment, requirements)
			if err != nil {
				logger.Warn("no matching requirement", "error", err)
				helpers.SendPaymentRequired(w, requirements)
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
				sendErrorResponse(w, http.StatusServiceUnavailable, "Payment verification failed")
				return
			}

			if !verifyResp.IsValid {
				logger.Warn("payment verification rejected", "reason", verifyResp.InvalidReason)
				helpers.SendPaymentRequired(w, requirements)
				return
			}

			logger.Info("payment verified", "payer", verifyResp.Payer)

			if !config.VerifyOnly {
				logger.Info("settling payment", "payer", verifyResp.Payer)
				settlementResp, err := primary.Settle(r.Context(), payment, requirement, verifyResp)
				if err != nil && fallback != nil {
					logger.Warn("primary facilitator settlement failed, trying fallback", "error", err)
					settlementResp, err = fallback.Settle(r.Context(), payment, requirement, verifyResp)
				}
				if err != nil {
					logger.Error("settlement failed", "error", err)
					sendErrorResponse(w, http.StatusServiceUnavailable, "Payment settlement failed")
					return
				}

				if !settlementResp.Success {
					logger.Warn("settlement unsuccessful", "reason", settlementResp.ErrorReason)
					helpers.SendPaymentRequired(w, requirements)
					return
				}

				logger.Info("payment settled", "transaction", settlementResp.Transaction)

				if err := helpers.AddPaymentResponseHeader(w, settlementResp); err != nil {
					logger.Warn("failed to add payment response header", "error", err)
				}
			}

			ctx := context.WithValue(r.Context(), httpx402.PaymentContextKey, verifyResp)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// sendErrorResponse sends an error response with the x402Version field.
func sendErrorResponse(w http.ResponseWriter, statusCode int, errorMessage string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write([]byte(`{"x402Version":1,"error":"` + errorMessage + `"}`))
}
