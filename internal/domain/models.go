// Package domain contains core domain models for the SPWorlds gateway
//
// The gateway keeps a local record of:
//   - payments created through the card (and their completion by webhook)
//   - every accepted webhook delivery
//   - audit events for operator actions and rejected deliveries
package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// PaymentStatus represents the lifecycle of a payment page
type PaymentStatus string

const (
	PaymentStatusPending PaymentStatus = "pending"
	PaymentStatusPaid    PaymentStatus = "paid"
	PaymentStatusFailed  PaymentStatus = "failed"
)

// IsFinal reports whether the payment can no longer change
func (s PaymentStatus) IsFinal() bool {
	return s == PaymentStatusPaid || s == PaymentStatusFailed
}

// PaymentItem is a stored line of a payment
type PaymentItem struct {
	Name    string `json:"name"`
	Count   int    `json:"count"`
	Price   int    `json:"price"`
	Comment string `json:"comment,omitempty"`
}

// Payment is a payment page created through the card
type Payment struct {
	ID          string          `json:"id" db:"id"`
	Reference   string          `json:"reference" db:"reference"` // sent as the data field
	Items       []PaymentItem   `json:"items" db:"items"`
	Amount      decimal.Decimal `json:"amount" db:"amount"`
	Data        string          `json:"data,omitempty" db:"data"` // caller supplied part of data
	RedirectURL string          `json:"redirect_url" db:"redirect_url"`
	URL         string          `json:"url,omitempty" db:"url"`
	Payer       string          `json:"payer,omitempty" db:"payer"`
	Status      PaymentStatus   `json:"status" db:"status"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	PaidAt      *time.Time      `json:"paid_at,omitempty" db:"paid_at"`
}

// WebhookKind identifies a stored webhook delivery
type WebhookKind string

const (
	WebhookKindTransaction WebhookKind = "transaction"
	WebhookKindPayment     WebhookKind = "payment"
)

// WebhookEvent is an accepted webhook delivery
type WebhookEvent struct {
	ID         string          `json:"id" db:"id"`
	Kind       WebhookKind     `json:"kind" db:"kind"`
	BodyHash   string          `json:"body_hash" db:"body_hash"`
	Payload    json.RawMessage `json:"payload" db:"payload"`
	ReceivedAt time.Time       `json:"received_at" db:"received_at"`
}

// EventSeverity represents audit event severity
type EventSeverity string

const (
	SeverityInfo     EventSeverity = "info"
	SeverityWarning  EventSeverity = "warning"
	SeverityError    EventSeverity = "error"
	SeverityCritical EventSeverity = "critical"
)

// AuditEvent represents a significant event
type AuditEvent struct {
	ID          string          `json:"id" db:"id"`
	Type        string          `json:"type" db:"type"`
	Severity    EventSeverity   `json:"severity" db:"severity"`
	Timestamp   time.Time       `json:"timestamp" db:"timestamp"`
	Actor       *string         `json:"actor,omitempty" db:"actor"`
	Reference   *string         `json:"reference,omitempty" db:"reference"`
	Description string          `json:"description" db:"description"`
	Data        json.RawMessage `json:"data,omitempty" db:"data"`
	IPAddress   string          `json:"ip_address" db:"ip_address"`
	Component   string          `json:"component" db:"component"`
}

// OperationsStatus reports whether money operations are paused
type OperationsStatus struct {
	Paused   bool       `json:"paused"`
	PausedAt *time.Time `json:"paused_at,omitempty"`
	PausedBy string     `json:"paused_by,omitempty"`
	Reason   string     `json:"reason,omitempty"`
}

// TransferLimit caps the AR sent from the card per UTC day. Zero means
// no cap. Raising or removing the cap only takes effect after a
// cooling-off period and waits in Pending until then.
type TransferLimit struct {
	Daily              int        `json:"daily" db:"daily"`
	Pending            *int       `json:"pending,omitempty" db:"pending"`
	PendingEffectiveAt *time.Time `json:"pending_effective_at,omitempty" db:"pending_effective_at"`
	UpdatedAt          time.Time  `json:"updated_at" db:"updated_at"`
}
