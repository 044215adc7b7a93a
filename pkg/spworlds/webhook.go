package spworlds

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/shopspring/decimal"
)

// maxWebhookBody caps the size of a buffered webhook delivery
const maxWebhookBody = 1 << 20

// ErrUnknownWebhook is returned by ParseWebhook for payloads that match
// neither notification shape
var ErrUnknownWebhook = errors.New("spworlds: unknown webhook payload")

// WebhookKind identifies the notification carried by a webhook
type WebhookKind string

const (
	WebhookTransaction WebhookKind = "transaction"
	WebhookPayment     WebhookKind = "payment"
)

// TransactionParty is the sender or receiver of a transfer
type TransactionParty struct {
	Username string `json:"username"`
	Number   string `json:"number"`
}

// TransactionNotification is sent to the card webhook for every transfer
type TransactionNotification struct {
	ID        string           `json:"id"`
	Amount    decimal.Decimal  `json:"amount"`
	Type      string           `json:"type"`
	Sender    TransactionParty `json:"sender"`
	Receiver  TransactionParty `json:"receiver"`
	Comment   string           `json:"comment"`
	CreatedAt string           `json:"createdAt"`
}

// PaymentNotification is sent to the payment webhookUrl once a payment succeeds
type PaymentNotification struct {
	Payer  string          `json:"payer"`
	Amount decimal.Decimal `json:"amount"`
	Data   string          `json:"data"`
}

// WebhookEvent is a decoded webhook delivery. Exactly one of Transaction
// and Payment is set, matching Kind.
type WebhookEvent struct {
	Kind        WebhookKind
	Transaction *TransactionNotification
	Payment     *PaymentNotification
}

// Sign computes base64(HMAC-SHA256(secret, body))
func Sign(secret string, body []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// VerifySignature compares the expected signature of body with the header
// value in constant time
func VerifySignature(secret string, body []byte, header string) bool {
	expected := Sign(secret, body)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(header)) == 1
}

// ValidateWebhook checks the X-Body-Hash value of a delivery against the
// raw body, keyed by the card token
func (c *Client) ValidateWebhook(body []byte, hashHeader string) bool {
	return VerifySignature(c.config.Token, body, hashHeader)
}

// ValidateWebhookJSON is ValidateWebhook for an already decoded body. The
// value is serialized with encoding/json, so it only matches when that
// reproduces the delivered bytes.
func (c *Client) ValidateWebhookJSON(v interface{}, hashHeader string) (bool, error) {
	if s, ok := v.(string); ok {
		return c.ValidateWebhook([]byte(s), hashHeader), nil
	}
	body, err := json.Marshal(v)
	if err != nil {
		return false, fmt.Errorf("failed to marshal webhook body: %w", err)
	}
	return c.ValidateWebhook(body, hashHeader), nil
}

// WebhookMiddleware rejects deliveries whose X-Body-Hash does not match
// the body. The body is restored before next runs.
func (c *Client) WebhookMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
		if err != nil {
			http.Error(w, "Bad request", http.StatusBadRequest)
			return
		}
		r.Body.Close()

		if !c.ValidateWebhook(body, r.Header.Get(HeaderBodyHash)) {
			http.Error(w, "Invalid signature", http.StatusUnauthorized)
			return
		}

		r.Body = io.NopCloser(bytes.NewReader(body))
		next.ServeHTTP(w, r)
	})
}

// ParseWebhook decodes a webhook body into a transaction or payment notification
func ParseWebhook(body []byte) (*WebhookEvent, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(body, &probe); err != nil {
		return nil, fmt.Errorf("failed to parse webhook: %w", err)
	}

	if _, ok := probe["payer"]; ok {
		var n PaymentNotification
		if err := json.Unmarshal(body, &n); err != nil {
			return nil, fmt.Errorf("failed to parse payment webhook: %w", err)
		}
		return &WebhookEvent{Kind: WebhookPayment, Payment: &n}, nil
	}

	_, hasID := probe["id"]
	_, hasSender := probe["sender"]
	if hasID && hasSender {
		var n TransactionNotification
		if err := json.Unmarshal(body, &n); err != nil {
			return nil, fmt.Errorf("failed to parse transaction webhook: %w", err)
		}
		return &WebhookEvent{Kind: WebhookTransaction, Transaction: &n}, nil
	}

	return nil, ErrUnknownWebhook
}
