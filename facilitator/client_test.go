package facilitator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/agentpay/x402-go"
)

func testRequirement() x402.PaymentRequirement {
	return x402.PaymentRequirement{
		Scheme:  "exact",
		Network: "eip155:84532",
		Amount:  "10000",
		Asset:   "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		PayTo:   "0x209693Bc6afc0C5328bA36FaF03C514EF312287C",
	}
}

func testPayment() x402.PaymentPayload {
	return x402.PaymentPayload{
		X402Version: 1,
		Scheme:      "exact",
		Network:     "eip155:84532",
		Payload:     map[string]interface{}{"signature": "0xdeadbeef"},
	}
}

func TestEndpointNormalization(t *testing.T) {
	tests := []struct {
		name    string
		baseURL string
		want    string
	}{
		{"bare host", "https://example.com", "https://example.com/facilitator/verify"},
		{"with segment", "https://example.com/facilitator", "https://example.com/facilitator/verify"},
		{"with segment and slash", "https://example.com/facilitator/", "https://example.com/facilitator/verify"},
		{"trailing slash", "https://example.com/", "https://example.com/facilitator/verify"},
		{"nested path", "https://example.com/api/facilitator", "https://example.com/api/facilitator/verify"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewClient(tt.baseURL)
			if got := c.endpoint("verify"); got != tt.want {
				t.Errorf("endpoint(%q) = %q, want %q", tt.baseURL, got, tt.want)
			}
		})
	}
}

func TestVerifySuccess(t *testing.T) {
	var captured map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/facilitator/verify" {
			t.Errorf("path = %q, want /facilitator/verify", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"isValid": true,
			"payer":   "0x209693Bc6afc0C5328bA36FaF03C514EF312287C",
		})
	}))
	defer server.Close()

	c := NewClient(server.URL)
	resp, err := c.Verify(context.Background(), testPayment(), testRequirement())
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !resp.IsValid {
		t.Error("IsValid = false, want true")
	}
	if resp.Payer == "" {
		t.Error("Payer is empty")
	}
	if captured["x402Version"].(float64) != 1 {
		t.Errorf("x402Version = %v, want 1", captured["x402Version"])
	}
	if _, ok := captured["paymentRequirements"]; !ok {
		t.Error("request is missing paymentRequirements")
	}
}

func TestVerifyUsesRequirementNetworkAndScheme(t *testing.T) {
	var captured struct {
		PaymentPayload struct {
			Network string `json:"network"`
			Scheme  string `json:"scheme"`
		} `json:"paymentPayload"`
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&captured)
		json.NewEncoder(w).Encode(map[string]interface{}{"isValid": true})
	}))
	defer server.Close()

	payment := testPayment()
	payment.Network = "eip155:1"
	payment.Scheme = "stale"

	c := NewClient(server.URL)
	if _, err := c.Verify(context.Background(), payment, testRequirement()); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if captured.PaymentPayload.Network != "eip155:84532" {
		t.Errorf("sent network = %q, want requirement's eip155:84532", captured.PaymentPayload.Network)
	}
	if captured.PaymentPayload.Scheme != "exact" {
		t.Errorf("sent scheme = %q, want requirement's exact", captured.PaymentPayload.Scheme)
	}
}

func TestVerifyInvalidConcatenatesExtras(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"isValid":       false,
			"invalidReason": "insufficient_funds",
			"message":       "balance too low",
			"detail":        "need 10000 atomic units",
		})
	}))
	defer server.Close()

	c := NewClient(server.URL)
	resp, err := c.Verify(context.Background(), testPayment(), testRequirement())
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if resp.IsValid {
		t.Fatal("IsValid = true, want false")
	}
	for _, want := range []string{"insufficient_funds", "balance too low", "need 10000 atomic units"} {
		if !strings.Contains(resp.InvalidReason, want) {
			t.Errorf("InvalidReason %q does not contain %q", resp.InvalidReason, want)
		}
	}
}

func TestVerifyTimeoutIsNegativeResult(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		json.NewEncoder(w).Encode(map[string]interface{}{"isValid": true})
	}))
	defer server.Close()

	c := NewClient(server.URL)
	c.VerifyTimeout = 20 * time.Millisecond

	resp, err := c.Verify(context.Background(), testPayment(), testRequirement())
	if err != nil {
		t.Fatalf("timeout must be a negative result, got error: %v", err)
	}
	if resp.IsValid {
		t.Error("IsValid = true after timeout")
	}
	if !strings.Contains(resp.InvalidReason, "timeout") {
		t.Errorf("InvalidReason = %q, want it to contain %q", resp.InvalidReason, "timeout")
	}
}

func TestVerifyCallerCancellationIsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	c := NewClient(server.URL)
	_, err := c.Verify(ctx, testPayment(), testRequirement())
	if err == nil {
		t.Fatal("caller cancellation must surface as an error, not a negative result")
	}
}

func TestVerifyServerErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error": "malformed paymentPayload",
		})
	}))
	defer server.Close()

	c := NewClient(server.URL)
	_, err := c.Verify(context.Background(), testPayment(), testRequirement())
	if !errors.Is(err, x402.ErrVerificationFailed) {
		t.Fatalf("error = %v, want ErrVerificationFailed", err)
	}
	if !strings.Contains(err.Error(), "malformed paymentPayload") {
		t.Errorf("error %q does not carry the facilitator's message", err)
	}
}

func TestSettleCarriesVerification(t *testing.T) {
	var captured struct {
		Verification *x402.VerifyResponse `json:"verification"`
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/facilitator/settle" {
			t.Errorf("path = %q, want /facilitator/settle", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&captured)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success":     true,
			"transaction": "0xabc",
			"network":     "eip155:84532",
		})
	}))
	defer server.Close()

	verification := &x402.VerifyResponse{IsValid: true, Payer: "0xpayer"}
	c := NewClient(server.URL)
	resp, err := c.Settle(context.Background(), testPayment(), testRequirement(), verification)
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if !resp.Success {
		t.Error("Success = false, want true")
	}
	if resp.Transaction != "0xabc" {
		t.Errorf("Transaction = %q, want 0xabc", resp.Transaction)
	}
	if captured.Verification == nil || !captured.Verification.IsValid {
		t.Error("settle request did not carry the verification result")
	}
}

func TestSettleTimeoutIsNegativeResult(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		json.NewEncoder(w).Encode(map[string]interface{}{"success": true})
	}))
	defer server.Close()

	c := NewClient(server.URL)
	c.SettleTimeout = 20 * time.Millisecond

	resp, err := c.Settle(context.Background(), testPayment(), testRequirement(), nil)
	if err != nil {
		t.Fatalf("timeout must be a negative result, got error: %v", err)
	}
	if resp.Success {
		t.Error("Success = true after timeout")
	}
	if !strings.Contains(resp.ErrorReason, "timeout") {
		t.Errorf("ErrorReason = %q, want it to contain %q", resp.ErrorReason, "timeout")
	}
}

func TestSettleFailureConcatenatesExtras(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success":     false,
			"errorReason": "nonce_already_used",
			"message":     "authorization replayed",
		})
	}))
	defer server.Close()

	c := NewClient(server.URL)
	resp, err := c.Settle(context.Background(), testPayment(), testRequirement(), nil)
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if resp.Success {
		t.Fatal("Success = true, want false")
	}
	for _, want := range []string{"nonce_already_used", "authorization replayed"} {
		if !strings.Contains(resp.ErrorReason, want) {
			t.Errorf("ErrorReason %q does not contain %q", resp.ErrorReason, want)
		}
	}
}

func TestSupported(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/facilitator/supported" {
			t.Errorf("path = %q, want /facilitator/supported", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"kinds": []map[string]interface{}{
				{"x402Version": 1, "scheme": "exact", "network": "eip155:84532"},
				{"x402Version": 1, "scheme": "exact", "network": "solana:EtWTRABZaYq6iMfeYKouRu166VU2xqa1",
					"extra": map[string]interface{}{"feePayer": "FeePayer1111111111111111111111111111111111"}},
			},
		})
	}))
	defer server.Close()

	c := NewClient(server.URL)
	resp, err := c.Supported(context.Background())
	if err != nil {
		t.Fatalf("Supported: %v", err)
	}
	if len(resp.Kinds) != 2 {
		t.Fatalf("len(Kinds) = %d, want 2", len(resp.Kinds))
	}
}

func TestEnrichRequirements(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"kinds": []map[string]interface{}{
				{"x402Version": 1, "scheme": "exact", "network": "solana:EtWTRABZaYq6iMfeYKouRu166VU2xqa1",
					"extra": map[string]interface{}{"feePayer": "FeePayer1111111111111111111111111111111111"}},
			},
		})
	}))
	defer server.Close()

	requirements := []x402.PaymentRequirement{
		{
			Scheme:  "exact",
			Network: "solana:EtWTRABZaYq6iMfeYKouRu166VU2xqa1",
			Amount:  "10000",
		},
		{
			Scheme:  "exact",
			Network: "solana:EtWTRABZaYq6iMfeYKouRu166VU2xqa1",
			Amount:  "20000",
			Extra:   map[string]interface{}{"feePayer": "UserChosen111111111111111111111111111111111"},
		},
	}

	c := NewClient(server.URL)
	enriched, err := c.EnrichRequirements(context.Background(), requirements)
	if err != nil {
		t.Fatalf("EnrichRequirements: %v", err)
	}
	if got := enriched[0].Extra["feePayer"]; got != "FeePayer1111111111111111111111111111111111" {
		t.Errorf("enriched feePayer = %v, want facilitator's", got)
	}
	if got := enriched[1].Extra["feePayer"]; got != "UserChosen111111111111111111111111111111111" {
		t.Errorf("feePayer = %v, existing value must take precedence", got)
	}
}

func TestNewClientDefaults(t *testing.T) {
	c := NewClient("")
	if c.BaseURL != DefaultBaseURL {
		t.Errorf("BaseURL = %q, want %q", c.BaseURL, DefaultBaseURL)
	}
	if c.VerifyTimeout >= c.SettleTimeout {
		t.Errorf("verify timeout %s must be shorter than settle timeout %s",
			c.VerifyTimeout, c.SettleTimeout)
	}
}
