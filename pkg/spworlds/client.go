package spworlds

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// HTTPDoer sends a single HTTP request. *http.Client satisfies it.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client is an SPWorlds public API client. It holds no mutable state and
// is safe for concurrent use.
type Client struct {
	config        ClientConfig
	baseURL       string
	authorization string
	httpClient    HTTPDoer
}

// NewClient creates a new SPWorlds API client
func NewClient(config ClientConfig) *Client {
	return NewClientWithHTTPClient(config, &http.Client{})
}

// NewClientWithHTTPClient creates a new SPWorlds API client with a custom transport
func NewClientWithHTTPClient(config ClientConfig, httpClient HTTPDoer) *Client {
	return &Client{
		config:        config,
		baseURL:       strings.TrimRight(config.BaseURL(), "/"),
		authorization: AuthorizationHeader(config.ID, config.Token),
		httpClient:    httpClient,
	}
}

// AuthorizationHeader builds the Authorization value for a card
func AuthorizationHeader(id, token string) string {
	return "Bearer " + base64.StdEncoding.EncodeToString([]byte(id+":"+token))
}

// BaseURL returns the resolved endpoint
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Request performs a single call against /api/public/<path> and returns the
// raw JSON body. Statuses 200, 201 and 404 are returned as results; any
// other status yields *APIError.
func (c *Client) Request(ctx context.Context, method, path string, reqBody interface{}) (json.RawMessage, error) {
	var body io.Reader
	if reqBody != nil {
		bodyBytes, err := json.Marshal(reqBody)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(bodyBytes)
	}

	parent := ctx
	if c.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/api/public/"+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", c.authorization)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, c.translateError(parent, ctx, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusNotFound:
	default:
		return nil, &APIError{StatusCode: resp.StatusCode, Status: statusText(resp)}
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, c.translateError(parent, ctx, err)
	}
	if !json.Valid(respBody) {
		return nil, fmt.Errorf("failed to parse response: invalid JSON (status %d)", resp.StatusCode)
	}

	return json.RawMessage(respBody), nil
}

// doRequest performs a call and decodes the body into result
func (c *Client) doRequest(ctx context.Context, method, path string, reqBody interface{}, result interface{}) error {
	raw, err := c.Request(ctx, method, path, reqBody)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, result); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// translateError turns expiry of the configured timeout into *TimeoutError.
// Cancellation by the caller and transport failures pass through unchanged.
func (c *Client) translateError(parent, ctx context.Context, err error) error {
	if c.config.Timeout > 0 && parent.Err() == nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &TimeoutError{Timeout: c.config.Timeout}
	}
	return err
}

func statusText(resp *http.Response) string {
	text := strings.TrimSpace(strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)))
	if text == "" {
		text = http.StatusText(resp.StatusCode)
	}
	return text
}

// Ping reports whether the API answers for this card. Errors are not returned.
func (c *Client) Ping(ctx context.Context) bool {
	_, err := c.GetCardInfo(ctx)
	return err == nil
}

// CreateTransaction transfers money from the card to the receiver card number
func (c *Client) CreateTransaction(ctx context.Context, req *TransactionRequest) (*TransactionResult, error) {
	var result TransactionResult
	if err := c.doRequest(ctx, http.MethodPost, "transactions", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetCardInfo returns the card balance and the configured webhook
func (c *Client) GetCardInfo(ctx context.Context) (*CardInfo, error) {
	var result CardInfo
	if err := c.doRequest(ctx, http.MethodGet, "card", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetCardOwner returns the account that owns the card
func (c *Client) GetCardOwner(ctx context.Context) (*CardOwner, error) {
	var result CardOwner
	if err := c.doRequest(ctx, http.MethodGet, "accounts/me", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetCards lists the cards of a player. Entries may be nil.
// An unknown player (an object body instead of a list) yields nil, nil.
func (c *Client) GetCards(ctx context.Context, nickname string) ([]*Card, error) {
	raw, err := c.Request(ctx, http.MethodGet, "accounts/"+url.PathEscape(nickname)+"/cards", nil)
	if err != nil {
		return nil, err
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '[' {
		return nil, nil
	}
	var result []*Card
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return result, nil
}

// FindUser looks up the Minecraft account linked to a Discord id.
// It returns nil, nil when no account is linked.
func (c *Client) FindUser(ctx context.Context, discordID string) (*User, error) {
	var result User
	if err := c.doRequest(ctx, http.MethodGet, "users/"+url.PathEscape(discordID), nil, &result); err != nil {
		return nil, err
	}
	if result.Username == "" && result.UUID == "" {
		return nil, nil
	}
	return &result, nil
}

// SetWebhook changes the URL that receives the card's transaction notifications
func (c *Client) SetWebhook(ctx context.Context, webhookURL string) (*WebhookResult, error) {
	var result WebhookResult
	body := map[string]string{"url": webhookURL}
	if err := c.doRequest(ctx, http.MethodPut, "card/webhook", body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// InitPayment creates a payment page. The request is validated first and
// nothing is sent when it returns *ValidationError.
func (c *Client) InitPayment(ctx context.Context, req *PaymentRequest) (*PaymentResult, error) {
	if err := ValidatePayment(req); err != nil {
		return nil, err
	}

	var result PaymentResult
	if err := c.doRequest(ctx, http.MethodPost, "payments", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
