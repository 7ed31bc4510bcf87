package helpers

import (
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/agentpay/x402-go"
)

func TestParsePaymentHeaderFromRequest(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		wantErr error
	}{
		{
			name:    "missing header",
			header:  "",
			wantErr: x402.ErrMalformedHeader,
		},
		{
			name:    "invalid base64",
			header:  "not-valid-base64!@#",
			wantErr: x402.ErrMalformedHeader,
		},
		{
			name:    "invalid JSON",
			header:  base64.StdEncoding.EncodeToString([]byte("not json")),
			wantErr: x402.ErrMalformedHeader,
		},
		{
			name: "unsupported version",
			header: base64.StdEncoding.EncodeToString([]byte(`{
				"x402Version": 2,
				"scheme": "exact",
				"network": "eip155:84532"
			}`)),
			wantErr: x402.ErrUnsupportedVersion,
		},
		{
			name: "valid payment header",
			header: base64.StdEncoding.EncodeToString([]byte(`{
				"x402Version": 1,
				"scheme": "exact",
				"network": "eip155:84532",
				"payload": {"signature": "0xabcdef"}
			}`)),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				r.Header.Set("X-PAYMENT", tt.header)
			}

			payment, err := ParsePaymentHeaderFromRequest(r)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if payment.Network != "eip155:84532" {
				t.Errorf("network = %q", payment.Network)
			}
		})
	}
}

func TestFindMatchingRequirement(t *testing.T) {
	requirements := []x402.PaymentRequirement{
		{Scheme: "exact", Network: "aptos:2", Amount: "100"},
		{Scheme: "exact", Network: "eip155:84532", Amount: "200"},
	}

	payment := x402.PaymentPayload{Scheme: "exact", Network: "eip155:84532"}
	req, err := FindMatchingRequirement(payment, requirements)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.Amount != "200" {
		t.Errorf("matched amount = %q, want 200", req.Amount)
	}

	payment.Network = "solana:EtWTRABZaYq6iMfeYKouRu166VU2xqa1"
	if _, err := FindMatchingRequirement(payment, requirements); !errors.Is(err, x402.ErrUnsupportedScheme) {
		t.Errorf("error = %v, want %v", err, x402.ErrUnsupportedScheme)
	}
}

func TestSendPaymentRequired(t *testing.T) {
	rec := httptest.NewRecorder()
	SendPaymentRequired(rec, []x402.PaymentRequirement{
		{Scheme: "exact", Network: "eip155:84532", Amount: "100"},
	})

	if rec.Code != http.StatusPaymentRequired {
		t.Errorf("status = %d, want 402", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type = %q", ct)
	}

	var required x402.PaymentRequired
	if err := required.UnmarshalJSON(rec.Body.Bytes()); err != nil {
		t.Fatalf("parse body: %v", err)
	}
	if required.X402Version != x402.X402Version {
		t.Errorf("version = %d", required.X402Version)
	}
	if len(required.Accepts) != 1 {
		t.Errorf("accepts length = %d, want 1", len(required.Accepts))
	}
}

func TestAddPaymentResponseHeader(t *testing.T) {
	rec := httptest.NewRecorder()
	err := AddPaymentResponseHeader(rec, &x402.SettlementResponse{
		Success:     true,
		Transaction: "0xabc",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Header().Get("X-PAYMENT-RESPONSE") == "" {
		t.Error("missing settlement header")
	}
}
