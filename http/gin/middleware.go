// Package gin provides Gin-compatible middleware for x402 payment gating.
// This package is a thin adapter that translates gin.Context to stdlib http
// patterns and delegates verification and settlement to shared helpers.
package gin

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agentpay/x402-go"
	"github.com/agentpay/x402-go/facilitator"
	httpx402 "github.com/agentpay/x402-go/http"
	"github.com/agentpay/x402-go/http/internal/helpers"
)

// NewGinX402Middleware creates a new x402 payment middleware for Gin.
// It returns a Gin-compatible middleware function that wraps handlers with
// payment gating.
//
// The middleware:
//   - Returns 402 Payment Required when the X-PAYMENT header is missing
//   - Verifies payments with the facilitator, then settles them (unless
//     VerifyOnly is set)
//   - Stores payment information in Gin context via c.Set("x402_payment", verifyResp)
//   - Calls c.Abort() on payment failure to stop the handler chain
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
//	r := gin.Default()
//	r.Use(NewGinX402Middleware(config))
//	r.GET("/protected", func(c *gin.Context) {
//	    if payment, exists := c.Get("x402_payment"); exists {
//	        verifyResp := payment.(*x402.VerifyResponse)
//	        c.JSON(200, gin.H{"payer": verifyResp.Payer})
//	    }
//	})
func NewGinX402Middleware(config *httpx402.Config) gin.HandlerFunc {
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

	return func(c *gin.Context) {
		scheme := "http"
		if c.Request.TLS != nil {
			scheme = "https"
		}
		resourceURL := scheme + "://" + c.Request.Host + c.Request.RequestURI

		requirements := make([]x402.PaymentRequirement, len(enrichedRequirements))
		for i, req := range enrichedRequirements {
			requirements[i] = req
			requirements[i].Resource = resourceURL
			if requirements[i].Description == "" {
				requirements[i].Description = "Payment required for " + c.Request.URL.Path
			}
		}

		if c.GetHeader(httpx402.HeaderPayment) == "" {
			logger.Info("no payment header provided", "path", c.Request.URL.Path)
			sendPaymentRequiredGin(c, requirements)
			return
		}

		payment, err := helpers.ParsePaymentHeaderFromRequest(c.Request)
		if err != nil {
			logger.Warn("invalid payment header", "error", err)
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"x402Version": x402.X402Version,
				"error":       "Invalid payment header",
			})
			return
		}

		requirement, err := helpers.FindMatchingRequirement(payment, requirements)
		if err != nil {
			logger.Warn("no matching requirement", "error", err)
			sendPaymentRequiredGin(c, requirements)
			return
		}

		logger.Info("verifying payment", "scheme", payment.Scheme, "network", payment.Network)
		verifyResp, err := primary.Verify(c.Request.Context(), payment, requirement)
		if err != nil && fallback != nil {
			logger.Warn("primary facilitator failed, trying fallback", "error", err)
			verifyResp, err = fallback.Verify(c.Request.Context(), payment, requirement)
		}
		if err != nil {
			logger.Error("facilitator verification failed", "error", err)
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"x402Version": x402.X402Version,
				"error":       "Payment verification failed",
			})
			return
		}

		if !verifyResp.IsValid {
			logger.Warn("payment verification rejected", "reason", verifyResp.InvalidReason)
			sendPaymentRequiredGin(c, requirements)
			return
		}

		logger.Info("payment verified", "payer", verifyResp.Payer)

		if !config.VerifyOnly {
			logger.Info("settling payment", "payer", verifyResp.Payer)
			settlementResp, err := primary.Settle(c.Request.Context(), payment, requirement, verifyResp)
			if err != nil && fallback != nil {
				logger.Warn("primary facilitator settlement failed, trying fallback", "error", err)
				settlementResp, err = fallback.Settle(c.Request.Context(), payment, requirement, verifyResp)
			}
			if err != nil {
				logger.Error("settlement failed", "error", err)
				c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
					"x402Version": x402.X402Version,
					"error":       "Payment settlement failed",
				})
				return
			}

			if !settlementResp.Success {
				logger.Warn("settlement unsuccessful", "reason", settlementResp.ErrorReason)
				sendPaymentRequiredGin(c, requirements)
				return
			}

			logger.Info("payment settled", "transaction", settlementResp.Transaction)

			if err := helpers.AddPaymentResponseHeader(c.Writer, settlementResp); err != nil {
				logger.Warn("failed to add payment response header", "error", err)
			}
		}

		c.Set("x402_payment", verifyResp)

		// Also store in stdlib context so http package helpers see it.
		ctx := context.WithValue(c.Request.Context(), httpx402.PaymentContextKey, verifyResp)
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}
}

// sendPaymentRequiredGin sends a 402 Payment Required response using Gin's
// JSON methods and aborts the handler chain.
func sendPaymentRequiredGin(c *gin.Context, requirements []x402.PaymentRequirement) {
	response := x402.PaymentRequired{
		X402Version: x402.X402Version,
		Error:       "Payment required for this resource",
		Accepts:     requirements,
	}

	c.AbortWithStatusJSON(http.StatusPaymentRequired, response)
}
