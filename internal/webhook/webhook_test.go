package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alexbotov/spworlds/internal/audit"
	"github.com/alexbotov/spworlds/internal/domain"
	"github.com/alexbotov/spworlds/internal/metrics"
	"github.com/alexbotov/spworlds/internal/payments"
	"github.com/alexbotov/spworlds/internal/replay"
	"github.com/alexbotov/spworlds/pkg/spworlds"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testToken = "card-secret"

type recordingPublisher struct {
	mu     sync.Mutex
	events []*domain.WebhookEvent
}

func (p *recordingPublisher) Publish(event *domain.WebhookEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

type failingGuard struct{}

func (failingGuard) Seen(context.Context, string) (bool, error) {
	return false, errors.New("redis down")
}

func (failingGuard) Forget(context.Context, string) error {
	return errors.New("redis down")
}

// flakyStore fails the first Save and then behaves like a MemoryStore
type flakyStore struct {
	*MemoryStore
	failed bool
}

func (f *flakyStore) Save(ctx context.Context, event *domain.WebhookEvent) error {
	if !f.failed {
		f.failed = true
		return errors.New("db blip")
	}
	return f.MemoryStore.Save(ctx, event)
}

type testEnv struct {
	svc        *Service
	payments   *payments.Service
	store      *MemoryStore
	publisher  *recordingPublisher
	metrics    *metrics.Metrics
	auditStore *audit.MemoryStore
}

func setupTestWebhook(t *testing.T, guard replay.Guard) *testEnv {
	t.Helper()

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(spworlds.PaymentResult{URL: "https://spworlds.ru/pay/1"})
	}))
	t.Cleanup(api.Close)

	client := spworlds.NewClient(spworlds.ClientConfig{
		ID:       "card",
		Token:    testToken,
		Endpoint: api.URL,
		Timeout:  5 * time.Second,
	})

	auditStore := audit.NewMemoryStore()
	auditSvc := audit.NewWithStore(auditStore)
	m := metrics.New()
	paymentSvc := payments.New(client, payments.NewMemoryStore(), auditSvc, m, "https://gateway.example/webhooks/spworlds")

	env := &testEnv{
		payments:   paymentSvc,
		store:      NewMemoryStore(),
		publisher:  &recordingPublisher{},
		metrics:    m,
		auditStore: auditStore,
	}
	env.svc = New(client, guard, env.store, paymentSvc, env.publisher, auditSvc, m, zap.NewNop())
	return env
}

func transactionBody(id string) []byte {
	return []byte(fmt.Sprintf(`{"id":%q,"amount":5,"type":"incoming","sender":{"username":"Alex","number":"00003"},"receiver":{"username":"Steve","number":"00001"},"comment":"hi","createdAt":"2026-01-01T00:00:00Z"}`, id))
}

func TestHandle_Transaction(t *testing.T) {
	env := setupTestWebhook(t, replay.NewMemoryGuard(time.Hour))
	ctx := context.Background()
	body := transactionBody("tx-1")

	event, err := env.svc.Handle(ctx, body, spworlds.Sign(testToken, body), "1.2.3.4")
	require.NoError(t, err)

	assert.Equal(t, domain.WebhookKindTransaction, event.Kind)
	assert.JSONEq(t, string(body), string(event.Payload))
	require.Len(t, env.publisher.events, 1)
	assert.Equal(t, event.ID, env.publisher.events[0].ID)

	stored, _ := env.svc.Recent(ctx, 10)
	assert.Len(t, stored, 1)
	assert.Equal(t, float64(1), testutil.ToFloat64(env.metrics.WebhookDeliveries.WithLabelValues("transaction", outcomeAccepted)))
}

func TestHandle_InvalidSignature(t *testing.T) {
	env := setupTestWebhook(t, replay.NewMemoryGuard(time.Hour))
	ctx := context.Background()
	body := transactionBody("tx-1")

	_, err := env.svc.Handle(ctx, body, spworlds.Sign("wrong", body), "1.2.3.4")
	assert.ErrorIs(t, err, ErrInvalidSignature)
	assert.Empty(t, env.publisher.events)

	events, _ := env.auditStore.Query(ctx, &audit.EventFilter{Type: audit.EventWebhookRejected})
	require.Len(t, events, 1)
	assert.Equal(t, "1.2.3.4", events[0].IPAddress)
}

func TestHandle_Replay(t *testing.T) {
	env := setupTestWebhook(t, replay.NewMemoryGuard(time.Hour))
	ctx := context.Background()
	body := transactionBody("tx-1")
	hash := spworlds.Sign(testToken, body)

	_, err := env.svc.Handle(ctx, body, hash, "")
	require.NoError(t, err)

	_, err = env.svc.Handle(ctx, body, hash, "")
	assert.ErrorIs(t, err, ErrReplayed)
	assert.Len(t, env.publisher.events, 1)
}

func TestHandle_GuardFailureStillAccepts(t *testing.T) {
	env := setupTestWebhook(t, failingGuard{})
	body := transactionBody("tx-1")

	_, err := env.svc.Handle(context.Background(), body, spworlds.Sign(testToken, body), "")
	assert.NoError(t, err)
}

func TestHandle_Malformed(t *testing.T) {
	env := setupTestWebhook(t, replay.NewMemoryGuard(time.Hour))
	body := []byte(`{"unexpected":true}`)

	_, err := env.svc.Handle(context.Background(), body, spworlds.Sign(testToken, body), "")
	assert.ErrorIs(t, err, ErrMalformed)
	assert.ErrorIs(t, err, spworlds.ErrUnknownWebhook)
	assert.Empty(t, env.store.events)
}

func TestHandle_PaymentCompletesPayment(t *testing.T) {
	env := setupTestWebhook(t, replay.NewMemoryGuard(time.Hour))
	ctx := context.Background()

	payment, err := env.payments.Create(ctx, &payments.CreateRequest{
		Items:       []domain.PaymentItem{{Name: "Diamond", Count: 1, Price: 16}},
		RedirectURL: "https://shop.example/done",
	}, "admin")
	require.NoError(t, err)

	body := []byte(fmt.Sprintf(`{"payer":"Steve","amount":16,"data":%q}`, payment.Reference))
	event, err := env.svc.Handle(ctx, body, spworlds.Sign(testToken, body), "")
	require.NoError(t, err)
	assert.Equal(t, domain.WebhookKindPayment, event.Kind)

	paid, err := env.payments.Get(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusPaid, paid.Status)
	assert.Equal(t, "Steve", paid.Payer)
}

func TestHandle_PaymentUnknownReferenceAccepted(t *testing.T) {
	env := setupTestWebhook(t, replay.NewMemoryGuard(time.Hour))
	ctx := context.Background()

	body := []byte(`{"payer":"Steve","amount":16,"data":"not-ours"}`)
	_, err := env.svc.Handle(ctx, body, spworlds.Sign(testToken, body), "")
	require.NoError(t, err)

	events, _ := env.auditStore.Query(ctx, &audit.EventFilter{Type: audit.EventWebhookReceived})
	var warnings int
	for _, e := range events {
		if e.Severity == domain.SeverityWarning {
			warnings++
		}
	}
	assert.Equal(t, 1, warnings)
}

func TestHandle_FailedDeliveryCanBeRetried(t *testing.T) {
	env := setupTestWebhook(t, replay.NewMemoryGuard(time.Hour))
	ctx := context.Background()
	env.svc.store = &flakyStore{MemoryStore: env.store}

	payment, err := env.payments.Create(ctx, &payments.CreateRequest{
		Items:       []domain.PaymentItem{{Name: "Diamond", Count: 1, Price: 16}},
		RedirectURL: "https://shop.example/done",
	}, "admin")
	require.NoError(t, err)

	body := []byte(fmt.Sprintf(`{"payer":"Steve","amount":16,"data":%q}`, payment.Reference))
	hash := spworlds.Sign(testToken, body)

	_, err = env.svc.Handle(ctx, body, hash, "")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrReplayed)

	_, err = env.svc.Handle(ctx, body, hash, "")
	require.NoError(t, err)

	paid, err := env.payments.Get(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusPaid, paid.Status)

	_, err = env.svc.Handle(ctx, body, hash, "")
	assert.ErrorIs(t, err, ErrReplayed)
}
