package http

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/agentpay/x402-go"
)

// Client is an HTTP client that automatically handles x402 payment flows.
// It wraps a standard http.Client and adds payment handling via a custom RoundTripper.
type Client struct {
	*http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client) error

// NewClient creates a new x402-enabled HTTP client.
func NewClient(opts ...ClientOption) (*Client, error) {
	client := &Client{
		Client: &http.Client{},
	}
	if client.Transport == nil {
		client.Transport = http.DefaultTransport
	}

	for _, opt := range opts {
		if err := opt(client); err != nil {
			return nil, err
		}
	}

	return client, nil
}

// WithHTTPClient sets a custom underlying HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) error {
		c.Client = httpClient
		if c.Transport == nil {
			c.Transport = http.DefaultTransport
		}
		return nil
	}
}

// WithSigner adds a payment signer to the client.
// Multiple signers can be added; the client will select the appropriate one.
func WithSigner(signer x402.Signer) ClientOption {
	return func(c *Client) error {
		transport := getOrCreateTransport(c)
		transport.Signers = append(transport.Signers, signer)
		return nil
	}
}

// WithSelector sets a custom payment selector.
func WithSelector(selector x402.PaymentSelector) ClientOption {
	return func(c *Client) error {
		getOrCreateTransport(c).Selector = selector
		return nil
	}
}

// WithFacilitator makes the client verify and settle payments itself through
// the given facilitator before retrying the request. Without it, verification
// and settlement are left to the resource server.
func WithFacilitator(facilitator x402.Facilitator) ClientOption {
	return func(c *Client) error {
		getOrCreateTransport(c).Facilitator = facilitator
		return nil
	}
}

// WithMaxAttempts bounds transport-level retries of each underlying request.
func WithMaxAttempts(attempts int) ClientOption {
	return func(c *Client) error {
		if attempts <= 0 {
			return fmt.Errorf("max attempts must be positive, got %d", attempts)
		}
		getOrCreateTransport(c).MaxAttempts = attempts
		return nil
	}
}

// WithLogger sets the logger for payment flow debug logs.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) error {
		getOrCreateTransport(c).Logger = logger
		return nil
	}
}

// WithPaymentCallback sets a callback for a specific payment event type.
func WithPaymentCallback(eventType x402.PaymentEventType, callback x402.PaymentCallback) ClientOption {
	return func(c *Client) error {
		transport := getOrCreateTransport(c)

		switch eventType {
		case x402.PaymentEventAttempt:
			transport.OnPaymentAttempt = callback
		case x402.PaymentEventSuccess:
			transport.OnPaymentSuccess = callback
		case x402.PaymentEventFailure:
			transport.OnPaymentFailure = callback
		default:
			return fmt.Errorf("unknown payment event type: %s", eventType)
		}

		return nil
	}
}

// WithPaymentCallbacks sets all payment callbacks at once.
// Pass nil for any callback you don't want to set.
func WithPaymentCallbacks(onAttempt, onSuccess, onFailure x402.PaymentCallback) ClientOption {
	return func(c *Client) error {
		transport := getOrCreateTransport(c)

		if onAttempt != nil {
			transport.OnPaymentAttempt = onAttempt
		}
		if onSuccess != nil {
			transport.OnPaymentSuccess = onSuccess
		}
		if onFailure != nil {
			transport.OnPaymentFailure = onFailure
		}

		return nil
	}
}

// getOrCreateTransport gets the X402Transport or creates one if it doesn't exist.
func getOrCreateTransport(c *Client) *X402Transport {
	transport, ok := c.Transport.(*X402Transport)
	if !ok {
		transport = &X402Transport{
			Base:     c.Transport,
			Signers:  []x402.Signer{},
			Selector: x402.NewDefaultPaymentSelector(),
		}
		c.Transport = transport
	}
	return transport
}
