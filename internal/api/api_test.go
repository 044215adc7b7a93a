package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alexbotov/spworlds/internal/audit"
	"github.com/alexbotov/spworlds/internal/auth"
	"github.com/alexbotov/spworlds/internal/config"
	"github.com/alexbotov/spworlds/internal/control"
	"github.com/alexbotov/spworlds/internal/limits"
	"github.com/alexbotov/spworlds/internal/metrics"
	"github.com/alexbotov/spworlds/internal/payments"
	"github.com/alexbotov/spworlds/internal/replay"
	"github.com/alexbotov/spworlds/internal/webhook"
	"github.com/alexbotov/spworlds/pkg/spworlds"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const (
	cardToken     = "card-secret"
	adminPassword = "hunter22"
)

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *APIError       `json:"error"`
}

type testEnv struct {
	router        http.Handler
	hub           *Hub
	upstreamCalls *atomic.Int32
}

// fakeSPWorlds answers the handful of public API paths the gateway uses
func fakeSPWorlds(t *testing.T, calls *atomic.Int32) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")

		switch r.URL.Path {
		case "/api/public/card":
			fmt.Fprint(w, `{"balance":100,"webhook":"https://old.example/hook"}`)
		case "/api/public/accounts/me":
			fmt.Fprint(w, `{"id":"acc","username":"Steve","status":"active","roles":["player"],"cards":[],"createdAt":"2026-01-01T00:00:00Z"}`)
		case "/api/public/users/42":
			fmt.Fprint(w, `{"username":"Steve","uuid":"8667ba71b85a4004af54457a9734eed7"}`)
		case "/api/public/users/404":
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"error":"not found"}`)
		case "/api/public/accounts/Steve/cards":
			fmt.Fprint(w, `[{"name":"Main","number":"00001"}]`)
		case "/api/public/accounts/broken/cards":
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprint(w, `{}`)
		case "/api/public/accounts/slow/cards":
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
			fmt.Fprint(w, `[]`)
		case "/api/public/card/webhook":
			var body map[string]string
			json.NewDecoder(r.Body).Decode(&body)
			fmt.Fprintf(w, `{"id":"card","webhook":%q}`, body["url"])
		case "/api/public/payments":
			fmt.Fprint(w, `{"url":"https://spworlds.ru/pay/abc"}`)
		case "/api/public/transactions":
			fmt.Fprint(w, `{"balance":90}`)
		default:
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{}`)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func setupTestAPI(t *testing.T) *testEnv {
	t.Helper()

	calls := &atomic.Int32{}
	upstream := fakeSPWorlds(t, calls)

	client := spworlds.NewClient(spworlds.ClientConfig{
		ID:       "card",
		Token:    cardToken,
		Endpoint: upstream.URL,
		Timeout:  200 * time.Millisecond,
	})

	hash, err := bcrypt.GenerateFromPassword([]byte(adminPassword), bcrypt.MinCost)
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	m := metrics.New()
	require.NoError(t, m.Register(reg))

	auditSvc := audit.NewWithStore(audit.NewMemoryStore())
	authSvc := auth.New(&config.AuthConfig{
		JWTSecret:     "test-secret",
		TokenExpiry:   time.Hour,
		AdminUser:     "admin",
		AdminPassHash: string(hash),
	}, auditSvc)

	webhookURL := "https://gateway.example/webhooks/spworlds"
	controlSvc := control.New(control.NewMemoryStore(), auditSvc)
	limitsSvc := limits.New(limits.NewMemoryStore(), auditSvc)
	paymentSvc := payments.New(client, payments.NewMemoryStore(), auditSvc, m, webhookURL,
		payments.WithGate(controlSvc), payments.WithBudget(limitsSvc))
	hub := NewHub(nil)
	webhookSvc := webhook.New(client, replay.NewMemoryGuard(time.Hour), webhook.NewMemoryStore(),
		paymentSvc, hub, auditSvc, m, nil)

	h := New(Dependencies{
		Client:     client,
		Auth:       authSvc,
		Payments:   paymentSvc,
		Webhooks:   webhookSvc,
		Audit:      auditSvc,
		Control:    controlSvc,
		Limits:     limitsSvc,
		Hub:        hub,
		Metrics:    m,
		Gatherer:   reg,
		WebhookURL: webhookURL,
	})

	return &testEnv{router: h.SetupRouter(), hub: hub, upstreamCalls: calls}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body interface{}) (*httptest.ResponseRecorder, *envelope) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)

	var env envelope
	json.Unmarshal(rec.Body.Bytes(), &env)
	return rec, &env
}

func (e *testEnv) login(t *testing.T) string {
	t.Helper()
	rec, env := e.do(t, "POST", "/api/v1/auth/login", "", auth.LoginRequest{Username: "admin", Password: adminPassword})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp auth.LoginResponse
	require.NoError(t, json.Unmarshal(env.Data, &resp))
	return resp.Token
}

func (e *testEnv) postWebhook(t *testing.T, body []byte, hash string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("POST", "/webhooks/spworlds", bytes.NewReader(body))
	req.Header.Set(spworlds.HeaderBodyHash, hash)
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func TestHealthCheck(t *testing.T) {
	env := setupTestAPI(t)

	rec, resp := env.do(t, "GET", "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var data map[string]string
	require.NoError(t, json.Unmarshal(resp.Data, &data))
	assert.Equal(t, "healthy", data["status"])
	assert.Equal(t, "reachable", data["upstream"])
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	env := setupTestAPI(t)

	rec, resp := env.do(t, "GET", "/api/v1/card", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "NO_TOKEN", resp.Error.Code)

	rec, resp = env.do(t, "GET", "/api/v1/card", "garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "INVALID_TOKEN", resp.Error.Code)
}

func TestLogin_InvalidCredentials(t *testing.T) {
	env := setupTestAPI(t)

	rec, resp := env.do(t, "POST", "/api/v1/auth/login", "", auth.LoginRequest{Username: "admin", Password: "nope"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "INVALID_CREDENTIALS", resp.Error.Code)
}

func TestGetCard(t *testing.T) {
	env := setupTestAPI(t)
	token := env.login(t)

	rec, resp := env.do(t, "GET", "/api/v1/card", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var info spworlds.CardInfo
	require.NoError(t, json.Unmarshal(resp.Data, &info))
	assert.Equal(t, "100", info.Balance.String())
	require.NotNil(t, info.Webhook)
	assert.Equal(t, "https://old.example/hook", *info.Webhook)
}

func TestGetCardOwner(t *testing.T) {
	env := setupTestAPI(t)
	token := env.login(t)

	rec, resp := env.do(t, "GET", "/api/v1/card/owner", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var owner spworlds.CardOwner
	require.NoError(t, json.Unmarshal(resp.Data, &owner))
	assert.Equal(t, "Steve", owner.Username)
}

func TestSetWebhook_DefaultsToGateway(t *testing.T) {
	env := setupTestAPI(t)
	token := env.login(t)

	req := httptest.NewRequest("PUT", "/api/v1/card/webhook", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	var result spworlds.WebhookResult
	require.NoError(t, json.Unmarshal(resp.Data, &result))
	assert.Equal(t, "https://gateway.example/webhooks/spworlds", result.Webhook)
}

func TestGetCards(t *testing.T) {
	env := setupTestAPI(t)
	token := env.login(t)

	rec, resp := env.do(t, "GET", "/api/v1/accounts/Steve/cards", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var cards []*spworlds.Card
	require.NoError(t, json.Unmarshal(resp.Data, &cards))
	require.Len(t, cards, 1)
	assert.Equal(t, "00001", cards[0].Number)
}

func TestFindUser(t *testing.T) {
	env := setupTestAPI(t)
	token := env.login(t)

	rec, resp := env.do(t, "GET", "/api/v1/users/42", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var user spworlds.User
	require.NoError(t, json.Unmarshal(resp.Data, &user))
	assert.Equal(t, "Steve", user.Username)

	rec, resp = env.do(t, "GET", "/api/v1/users/404", token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "USER_NOT_FOUND", resp.Error.Code)
}

func TestUpstreamErrorsAreMapped(t *testing.T) {
	env := setupTestAPI(t)
	token := env.login(t)

	rec, resp := env.do(t, "GET", "/api/v1/accounts/broken/cards", token, nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "UPSTREAM_ERROR", resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "500")

	rec, resp = env.do(t, "GET", "/api/v1/accounts/slow/cards", token, nil)
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.Equal(t, "UPSTREAM_TIMEOUT", resp.Error.Code)
}

func TestCreatePayment(t *testing.T) {
	env := setupTestAPI(t)
	token := env.login(t)

	rec, resp := env.do(t, "POST", "/api/v1/payments", token, map[string]interface{}{
		"items":        []map[string]interface{}{{"name": "Diamond", "count": 2, "price": 16}},
		"redirect_url": "https://shop.example/done",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var payment struct {
		ID     string `json:"id"`
		URL    string `json:"url"`
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &payment))
	assert.Equal(t, "https://spworlds.ru/pay/abc", payment.URL)
	assert.Equal(t, "pending", payment.Status)

	rec, _ = env.do(t, "GET", "/api/v1/payments/"+payment.ID, token, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, resp = env.do(t, "GET", "/api/v1/payments/missing", token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "PAYMENT_NOT_FOUND", resp.Error.Code)
}

func TestCreatePayment_ValidationFailsWithoutUpstreamCall(t *testing.T) {
	env := setupTestAPI(t)
	token := env.login(t)
	before := env.upstreamCalls.Load()

	rec, resp := env.do(t, "POST", "/api/v1/payments", token, map[string]interface{}{
		"items":        []map[string]interface{}{{"name": "Diamond", "count": 1, "price": 1729}},
		"redirect_url": "https://shop.example/done",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION_FAILED", resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "price")
	assert.Equal(t, before, env.upstreamCalls.Load())
}

func TestCreateTransaction(t *testing.T) {
	env := setupTestAPI(t)
	token := env.login(t)

	rec, resp := env.do(t, "POST", "/api/v1/transactions", token, spworlds.TransactionRequest{
		Receiver: "00001", Amount: 10, Comment: "thanks",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var result spworlds.TransactionResult
	require.NoError(t, json.Unmarshal(resp.Data, &result))
	assert.Equal(t, "90", result.Balance.String())

	rec, resp = env.do(t, "POST", "/api/v1/transactions", token, spworlds.TransactionRequest{Receiver: "00001"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_TRANSFER", resp.Error.Code)
}

func TestReceiveWebhook(t *testing.T) {
	env := setupTestAPI(t)
	body := []byte(`{"id":"tx-1","amount":5,"type":"incoming","sender":{"username":"Alex","number":"00003"},"receiver":{"username":"Steve","number":"00001"},"comment":"hi","createdAt":"2026-01-01T00:00:00Z"}`)

	rec := env.postWebhook(t, body, spworlds.Sign("wrong", body))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.postWebhook(t, body, spworlds.Sign(cardToken, body))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "accepted")

	rec = env.postWebhook(t, body, spworlds.Sign(cardToken, body))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "duplicate")

	malformed := []byte(`{"hello":"world"}`)
	rec = env.postWebhook(t, malformed, spworlds.Sign(cardToken, malformed))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	token := env.login(t)
	rec2, resp := env.do(t, "GET", "/api/v1/webhooks", token, nil)
	require.Equal(t, http.StatusOK, rec2.Code)
	var events []json.RawMessage
	require.NoError(t, json.Unmarshal(resp.Data, &events))
	assert.Len(t, events, 1)
}

func TestAuditEndpoint(t *testing.T) {
	env := setupTestAPI(t)
	token := env.login(t)

	rec, resp := env.do(t, "GET", "/api/v1/audit?type="+audit.EventOperatorLogin, token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var events []json.RawMessage
	require.NoError(t, json.Unmarshal(resp.Data, &events))
	assert.Len(t, events, 1)
}

func TestEventsWebSocket(t *testing.T) {
	env := setupTestAPI(t)
	token := env.login(t)

	srv := httptest.NewServer(env.router)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws/events?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var msg WSMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "connected", msg.Type)
	assert.Equal(t, 1, env.hub.ClientCount())

	body := []byte(`{"payer":"Steve","amount":16,"data":"unknown"}`)
	req, _ := http.NewRequest("POST", srv.URL+"/webhooks/spworlds", bytes.NewReader(body))
	req.Header.Set(spworlds.HeaderBodyHash, spworlds.Sign(cardToken, body))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "webhook", msg.Type)
	assert.Contains(t, string(msg.Payload), `"payment"`)
}

func TestMetricsEndpoint(t *testing.T) {
	env := setupTestAPI(t)
	env.do(t, "GET", "/health", "", nil)

	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "spworlds_http_requests_total")
	assert.Contains(t, rec.Body.String(), `route="/health"`)
}

func TestNotFound(t *testing.T) {
	env := setupTestAPI(t)
	rec, resp := env.do(t, "GET", "/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", resp.Error.Code)
}

func TestOperationsPause(t *testing.T) {
	env := setupTestAPI(t)
	token := env.login(t)

	rec, resp := env.do(t, "POST", "/api/v1/operations/pause", token, map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = env.do(t, "POST", "/api/v1/operations/pause", token, map[string]string{"reason": "incident"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec, resp = env.do(t, "POST", "/api/v1/transactions", token, spworlds.TransactionRequest{Receiver: "00001", Amount: 10})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "OPERATIONS_PAUSED", resp.Error.Code)

	rec, resp = env.do(t, "GET", "/api/v1/operations", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, string(resp.Data), `"paused":true`)

	rec, _ = env.do(t, "POST", "/api/v1/operations/resume", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, _ = env.do(t, "POST", "/api/v1/transactions", token, spworlds.TransactionRequest{Receiver: "00001", Amount: 10})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLimits(t *testing.T) {
	env := setupTestAPI(t)
	token := env.login(t)

	rec, resp := env.do(t, "PUT", "/api/v1/limits", token, map[string]int{"daily": -5})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_LIMIT", resp.Error.Code)

	rec, _ = env.do(t, "PUT", "/api/v1/limits", token, map[string]int{"daily": 15})
	require.Equal(t, http.StatusOK, rec.Code)

	rec, _ = env.do(t, "POST", "/api/v1/transactions", token, spworlds.TransactionRequest{Receiver: "00001", Amount: 10})
	require.Equal(t, http.StatusOK, rec.Code)

	rec, resp = env.do(t, "POST", "/api/v1/transactions", token, spworlds.TransactionRequest{Receiver: "00001", Amount: 10})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "LIMIT_EXCEEDED", resp.Error.Code)

	rec, resp = env.do(t, "GET", "/api/v1/limits", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var data struct {
		Limit     struct{ Daily int } `json:"limit"`
		UsedToday int                 `json:"used_today"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &data))
	assert.Equal(t, 15, data.Limit.Daily)
	assert.Equal(t, 10, data.UsedToday)
}
