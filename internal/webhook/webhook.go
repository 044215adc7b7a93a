// Package webhook accepts signed deliveries from the SPWorlds API
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/alexbotov/spworlds/internal/audit"
	"github.com/alexbotov/spworlds/internal/domain"
	"github.com/alexbotov/spworlds/internal/metrics"
	"github.com/alexbotov/spworlds/internal/payments"
	"github.com/alexbotov/spworlds/internal/replay"
	"github.com/alexbotov/spworlds/pkg/spworlds"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrReplayed         = errors.New("webhook already processed")
	ErrMalformed        = errors.New("malformed webhook")
)

// Delivery outcome labels
const (
	outcomeAccepted  = "accepted"
	outcomeRejected  = "rejected"
	outcomeReplayed  = "replayed"
	outcomeMalformed = "malformed"
)

// Publisher receives every accepted delivery
type Publisher interface {
	Publish(event *domain.WebhookEvent)
}

// Service verifies, records and dispatches webhook deliveries
type Service struct {
	client    *spworlds.Client
	guard     replay.Guard
	store     EventStore
	payments  *payments.Service
	publisher Publisher
	audit     *audit.Service
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// New creates a new webhook service
func New(client *spworlds.Client, guard replay.Guard, store EventStore, paymentSvc *payments.Service,
	publisher Publisher, auditSvc *audit.Service, m *metrics.Metrics, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		client:    client,
		guard:     guard,
		store:     store,
		payments:  paymentSvc,
		publisher: publisher,
		audit:     auditSvc,
		metrics:   m,
		logger:    logger,
	}
}

// Handle processes one delivery. body must be the raw request body and
// hash the X-Body-Hash header value.
func (s *Service) Handle(ctx context.Context, body []byte, hash, ip string) (_ *domain.WebhookEvent, err error) {
	if !s.client.ValidateWebhook(body, hash) {
		s.metrics.WebhookDeliveries.WithLabelValues("unknown", outcomeRejected).Inc()
		s.audit.Log(ctx, audit.EventWebhookRejected, domain.SeverityWarning,
			"Webhook with invalid signature rejected", nil, audit.WithIP(ip))
		return nil, ErrInvalidSignature
	}

	seen, guardErr := s.guard.Seen(ctx, hash)
	if guardErr != nil {
		// payment completion is idempotent, so a guard outage only loses replay detection
		s.logger.Warn("Replay guard unavailable", zap.Error(guardErr))
	}
	if seen {
		s.metrics.WebhookDeliveries.WithLabelValues("unknown", outcomeReplayed).Inc()
		s.audit.Log(ctx, audit.EventWebhookReplayed, domain.SeverityInfo,
			"Repeated webhook delivery ignored", nil, audit.WithIP(ip))
		return nil, ErrReplayed
	}
	if guardErr == nil {
		// a failed delivery must stay retryable
		defer func() {
			if err == nil {
				return
			}
			if ferr := s.guard.Forget(context.WithoutCancel(ctx), hash); ferr != nil {
				s.logger.Error("Failed to release replay key", zap.Error(ferr))
			}
		}()
	}

	parsed, err := spworlds.ParseWebhook(body)
	if err != nil {
		s.metrics.WebhookDeliveries.WithLabelValues("unknown", outcomeMalformed).Inc()
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	event := &domain.WebhookEvent{
		ID:         uuid.New().String(),
		Kind:       domain.WebhookKind(parsed.Kind),
		BodyHash:   hash,
		Payload:    json.RawMessage(body),
		ReceivedAt: time.Now().UTC(),
	}
	if err := s.store.Save(ctx, event); err != nil {
		return nil, fmt.Errorf("failed to store webhook: %w", err)
	}

	if parsed.Kind == spworlds.WebhookPayment {
		if _, err := s.payments.Complete(ctx, parsed.Payment); err != nil {
			if !errors.Is(err, payments.ErrPaymentNotFound) {
				return nil, err
			}
			s.logger.Warn("Payment webhook for unknown reference",
				zap.String("event_id", event.ID), zap.String("payer", parsed.Payment.Payer))
			s.audit.Log(ctx, audit.EventWebhookReceived, domain.SeverityWarning,
				"Payment notification does not match a known payment",
				map[string]string{"data": parsed.Payment.Data},
				audit.WithReference(event.ID), audit.WithIP(ip))
		}
	}

	if s.publisher != nil {
		s.publisher.Publish(event)
	}

	s.metrics.WebhookDeliveries.WithLabelValues(string(event.Kind), outcomeAccepted).Inc()
	s.audit.Log(ctx, audit.EventWebhookReceived, domain.SeverityInfo,
		fmt.Sprintf("Accepted %s webhook", event.Kind), nil,
		audit.WithReference(event.ID), audit.WithIP(ip))

	return event, nil
}

// Recent returns the newest stored deliveries
func (s *Service) Recent(ctx context.Context, limit int) ([]*domain.WebhookEvent, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.store.List(ctx, limit)
}
