package domain

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
)

func TestPaymentStatus(t *testing.T) {
	tests := []struct {
		status PaymentStatus
		final  bool
	}{
		{PaymentStatusPending, false},
		{PaymentStatusPaid, true},
		{PaymentStatusFailed, true},
	}

	for _, tt := range tests {
		if tt.status.IsFinal() != tt.final {
			t.Errorf("%s: expected IsFinal %v", tt.status, tt.final)
		}
	}
}

func TestPaymentJSON(t *testing.T) {
	p := Payment{
		ID:     "p1",
		Amount: decimal.NewFromInt(96),
		Status: PaymentStatusPending,
		Items:  []PaymentItem{{Name: "Diamond", Count: 6, Price: 16}},
	}

	data, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("Failed to marshal: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Failed to unmarshal: %v", err)
	}

	if decoded["amount"] != "96" {
		t.Errorf("Expected amount \"96\", got %v", decoded["amount"])
	}
	if _, ok := decoded["paid_at"]; ok {
		t.Error("Expected paid_at to be omitted while pending")
	}
	if _, ok := decoded["payer"]; ok {
		t.Error("Expected payer to be omitted while pending")
	}
}
