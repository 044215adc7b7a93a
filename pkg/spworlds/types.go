package spworlds

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Base URLs of the public SPWorlds API
const (
	DefaultEndpoint = "https://spworlds.ru"
	MirrorEndpoint  = "https://spworlds.org"
)

// HeaderBodyHash carries the signature of webhook deliveries
const HeaderBodyHash = "X-Body-Hash"

// ClientConfig holds the configuration for the SPWorlds client
type ClientConfig struct {
	// ID is the card identifier
	ID string
	// Token is the card secret. It also keys webhook signatures.
	Token string
	// Timeout bounds each call. Zero means no timeout.
	Timeout time.Duration
	// Endpoint overrides the base URL. Takes priority over Mirror.
	Endpoint string
	// Mirror selects MirrorEndpoint when no Endpoint is set.
	Mirror bool
}

// BaseURL resolves the endpoint the client talks to
func (c ClientConfig) BaseURL() string {
	switch {
	case c.Endpoint != "":
		return c.Endpoint
	case c.Mirror:
		return MirrorEndpoint
	default:
		return DefaultEndpoint
	}
}

// CardInfo is the result of GET card
type CardInfo struct {
	Balance decimal.Decimal `json:"balance"`
	Webhook *string         `json:"webhook"`
}

// City describes the city a player belongs to
type City struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	X           int    `json:"x"`
	Z           int    `json:"z"`
	IsMayor     bool   `json:"isMayor"`
}

// Card is the minimal identity of a bank card
type Card struct {
	ID     string `json:"id,omitempty"`
	Name   string `json:"name"`
	Number string `json:"number"`
	Color  string `json:"color,omitempty"`
}

// CardList decodes the owner's cards. The API has returned both a single
// object and an array here; null stays an empty list.
type CardList []Card

// UnmarshalJSON accepts null, an object or an array
func (l *CardList) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*l = nil
		return nil
	}
	if data[0] == '{' {
		var card Card
		if err := json.Unmarshal(data, &card); err != nil {
			return err
		}
		*l = CardList{card}
		return nil
	}
	var cards []Card
	if err := json.Unmarshal(data, &cards); err != nil {
		return err
	}
	*l = cards
	return nil
}

// CardOwner is the result of GET accounts/me
type CardOwner struct {
	ID            string   `json:"id"`
	Username      string   `json:"username"`
	MinecraftUUID string   `json:"minecraftUUID,omitempty"`
	Status        string   `json:"status"`
	Roles         []string `json:"roles"`
	City          *City    `json:"city"`
	Cards         CardList `json:"cards"`
	CreatedAt     string   `json:"createdAt"`
}

// User is a Minecraft identity linked to a Discord account
type User struct {
	Username string `json:"username"`
	UUID     string `json:"uuid"`
}

// TransactionRequest is the request body for POST transactions
type TransactionRequest struct {
	Receiver string `json:"receiver"`
	Amount   int    `json:"amount"`
	Comment  string `json:"comment"`
}

// TransactionResult is the result of a transfer
type TransactionResult struct {
	Balance decimal.Decimal `json:"balance"`
}

// WebhookResult is the result of PUT card/webhook
type WebhookResult struct {
	ID      string `json:"id"`
	Webhook string `json:"webhook"`
}

// PaymentItem is a single line of a payment request
type PaymentItem struct {
	Name    string `json:"name" validate:"min=3,max=64"`
	Count   int    `json:"count" validate:"min=1,max=9999"`
	Price   int    `json:"price" validate:"min=1,max=1728"`
	Comment string `json:"comment,omitempty" validate:"max=100"`
}

// PaymentRequest is the request body for POST payments
type PaymentRequest struct {
	Items       []PaymentItem `json:"items"`
	RedirectURL string        `json:"redirectUrl"`
	WebhookURL  string        `json:"webhookUrl"`
	Data        string        `json:"data,omitempty"`
}

// Total returns the sum of count*price over all items
func (r *PaymentRequest) Total() int {
	total := 0
	for _, item := range r.Items {
		total += item.Count * item.Price
	}
	return total
}

// PaymentResult carries the page the payer has to be redirected to
type PaymentResult struct {
	URL string `json:"url"`
}
