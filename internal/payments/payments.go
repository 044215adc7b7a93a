// Package payments creates payment pages through the card and tracks
// their completion
package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/alexbotov/spworlds/internal/audit"
	"github.com/alexbotov/spworlds/internal/domain"
	"github.com/alexbotov/spworlds/internal/metrics"
	"github.com/alexbotov/spworlds/pkg/spworlds"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrPaymentNotFound = errors.New("payment not found")
	ErrInvalidTransfer = errors.New("invalid transfer")
)

// referenceSeparator splits the payment reference from caller data inside
// the data field sent to the API
const referenceSeparator = ":"

// Service provides payment functionality
type Service struct {
	client     *spworlds.Client
	store      Store
	audit      *audit.Service
	metrics    *metrics.Metrics
	webhookURL string
	now        func() time.Time
	gate       Gate
	budget     Budget
}

// Gate can refuse money operations as a whole
type Gate interface {
	Check() error
}

// Budget books outgoing transfer amounts against a cap
type Budget interface {
	Reserve(ctx context.Context, amount int) error
	Release(ctx context.Context, amount int) error
}

// Option configures optional collaborators
type Option func(*Service)

// WithGate makes Create and Transfer consult gate first
func WithGate(gate Gate) Option {
	return func(s *Service) { s.gate = gate }
}

// WithBudget books every transfer against budget
func WithBudget(budget Budget) Option {
	return func(s *Service) { s.budget = budget }
}

// New creates a new payment service. webhookURL is where the API reports
// completed payments.
func New(client *spworlds.Client, store Store, auditSvc *audit.Service, m *metrics.Metrics, webhookURL string, opts ...Option) *Service {
	s := &Service{
		client:     client,
		store:      store,
		audit:      auditSvc,
		metrics:    m,
		webhookURL: webhookURL,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) checkGate() error {
	if s.gate == nil {
		return nil
	}
	return s.gate.Check()
}

// CreateRequest contains the data needed for a new payment page
type CreateRequest struct {
	Items       []domain.PaymentItem `json:"items"`
	RedirectURL string               `json:"redirect_url"`
	Data        string               `json:"data"`
}

// Create validates the request, stores a pending payment and asks the API
// for a payment page. Returns *spworlds.ValidationError for bad input.
func (s *Service) Create(ctx context.Context, req *CreateRequest, actor string) (*domain.Payment, error) {
	reference := strings.ReplaceAll(uuid.New().String(), "-", "")

	apiReq := &spworlds.PaymentRequest{
		Items:       make([]spworlds.PaymentItem, len(req.Items)),
		RedirectURL: req.RedirectURL,
		WebhookURL:  s.webhookURL,
		Data:        composeData(reference, req.Data),
	}
	for i, item := range req.Items {
		apiReq.Items[i] = spworlds.PaymentItem(item)
	}

	if err := spworlds.ValidatePayment(apiReq); err != nil {
		return nil, err
	}
	if err := s.checkGate(); err != nil {
		return nil, err
	}

	payment := &domain.Payment{
		ID:          uuid.New().String(),
		Reference:   reference,
		Items:       req.Items,
		Amount:      decimal.NewFromInt(int64(apiReq.Total())),
		Data:        req.Data,
		RedirectURL: req.RedirectURL,
		Status:      domain.PaymentStatusPending,
		CreatedAt:   s.now(),
	}
	if err := s.store.Create(ctx, payment); err != nil {
		return nil, fmt.Errorf("failed to store payment: %w", err)
	}

	start := time.Now()
	result, err := s.client.InitPayment(ctx, apiReq)
	s.metrics.ObserveUpstream("payments", start, err)
	if err != nil {
		payment.Status = domain.PaymentStatusFailed
		if uerr := s.store.Update(ctx, payment); uerr != nil {
			return nil, fmt.Errorf("failed to mark payment failed: %v: %w", uerr, err)
		}
		s.metrics.Payments.WithLabelValues(string(domain.PaymentStatusFailed)).Inc()
		return nil, err
	}

	payment.URL = result.URL
	if err := s.store.Update(ctx, payment); err != nil {
		return nil, fmt.Errorf("failed to store payment url: %w", err)
	}
	s.metrics.Payments.WithLabelValues(string(domain.PaymentStatusPending)).Inc()

	s.audit.Log(ctx, audit.EventPaymentCreated, domain.SeverityInfo,
		fmt.Sprintf("Payment page created for %s AR", payment.Amount),
		map[string]interface{}{"payment_id": payment.ID, "amount": payment.Amount},
		audit.WithActor(actor), audit.WithReference(payment.ID))

	return payment, nil
}

// Complete marks the payment referenced by a payment notification as paid.
// Repeated notifications for a paid payment are no-ops.
func (s *Service) Complete(ctx context.Context, n *spworlds.PaymentNotification) (*domain.Payment, error) {
	reference, _ := splitData(n.Data)
	if reference == "" {
		return nil, ErrPaymentNotFound
	}

	payment, err := s.store.GetByReference(ctx, reference)
	if err != nil {
		return nil, err
	}
	if payment.Status == domain.PaymentStatusPaid {
		return payment, nil
	}

	if !payment.Amount.Equal(n.Amount) {
		s.audit.Log(ctx, audit.EventPaymentCompleted, domain.SeverityWarning,
			fmt.Sprintf("Paid amount %s differs from expected %s", n.Amount, payment.Amount),
			map[string]interface{}{"expected": payment.Amount, "paid": n.Amount},
			audit.WithReference(payment.ID))
	}

	now := s.now()
	payment.Status = domain.PaymentStatusPaid
	payment.Payer = n.Payer
	payment.PaidAt = &now
	if err := s.store.Update(ctx, payment); err != nil {
		return nil, fmt.Errorf("failed to complete payment: %w", err)
	}
	s.metrics.Payments.WithLabelValues(string(domain.PaymentStatusPaid)).Inc()

	s.audit.Log(ctx, audit.EventPaymentCompleted, domain.SeverityInfo,
		fmt.Sprintf("Payment paid by %s", n.Payer),
		map[string]interface{}{"payment_id": payment.ID, "payer": n.Payer, "amount": n.Amount},
		audit.WithReference(payment.ID))

	return payment, nil
}

// Get retrieves a payment by ID
func (s *Service) Get(ctx context.Context, id string) (*domain.Payment, error) {
	return s.store.Get(ctx, id)
}

// List returns the most recent payments
func (s *Service) List(ctx context.Context, limit int) ([]*domain.Payment, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.store.List(ctx, limit)
}

// Transfer sends money from the card to another card
func (s *Service) Transfer(ctx context.Context, req *spworlds.TransactionRequest, actor string) (*spworlds.TransactionResult, error) {
	if req.Receiver == "" || req.Amount <= 0 {
		return nil, ErrInvalidTransfer
	}
	if err := s.checkGate(); err != nil {
		return nil, err
	}
	if s.budget != nil {
		if err := s.budget.Reserve(ctx, req.Amount); err != nil {
			return nil, err
		}
	}

	start := time.Now()
	result, err := s.client.CreateTransaction(ctx, req)
	s.metrics.ObserveUpstream("transactions", start, err)
	if err != nil {
		if s.budget != nil {
			if rerr := s.budget.Release(ctx, req.Amount); rerr != nil {
				return nil, fmt.Errorf("failed to release transfer budget: %v: %w", rerr, err)
			}
		}
		return nil, err
	}

	s.audit.Log(ctx, audit.EventTransferSent, domain.SeverityInfo,
		fmt.Sprintf("Transfer of %d AR to %s", req.Amount, req.Receiver),
		map[string]interface{}{"receiver": req.Receiver, "amount": req.Amount, "balance": result.Balance},
		audit.WithActor(actor))

	return result, nil
}

func composeData(reference, data string) string {
	if data == "" {
		return reference
	}
	return reference + referenceSeparator + data
}

func splitData(data string) (reference, rest string) {
	reference, rest, _ = strings.Cut(data, referenceSeparator)
	return reference, rest
}
