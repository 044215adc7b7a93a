// Package audit records significant gateway events
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alexbotov/spworlds/internal/domain"
	"github.com/google/uuid"
)

// Event types
const (
	EventWebhookReceived   = "webhook_received"
	EventWebhookRejected   = "webhook_rejected"
	EventWebhookReplayed   = "webhook_replayed"
	EventWebhookConfigured = "webhook_configured"
	EventPaymentCreated    = "payment_created"
	EventPaymentCompleted  = "payment_completed"
	EventTransferSent      = "transfer_sent"
	EventOperatorLogin     = "operator_login"
	EventLoginFailed       = "operator_login_failed"
	EventOperationsPaused  = "operations_paused"
	EventOperationsResumed = "operations_resumed"
	EventLimitChange       = "limit_change"
	EventSystemError       = "system_error"
)

// Store persists audit events
type Store interface {
	Insert(ctx context.Context, event *domain.AuditEvent) error
	Query(ctx context.Context, filter *EventFilter) ([]*domain.AuditEvent, error)
}

// Service provides audit logging functionality
type Service struct {
	store Store
}

// New creates a new audit service backed by PostgreSQL
func New(db *sql.DB) *Service {
	return &Service{store: &PostgresStore{db: db}}
}

// NewWithStore creates a new audit service on top of any Store
func NewWithStore(store Store) *Service {
	return &Service{store: store}
}

// LogEvent records a significant event
func (s *Service) LogEvent(ctx context.Context, event *domain.AuditEvent) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	return s.store.Insert(ctx, event)
}

// Log is a convenience method for logging events
func (s *Service) Log(ctx context.Context, eventType string, severity domain.EventSeverity, description string, data interface{}, opts ...EventOption) error {
	event := &domain.AuditEvent{
		ID:          uuid.New().String(),
		Type:        eventType,
		Severity:    severity,
		Timestamp:   time.Now().UTC(),
		Description: description,
		Component:   "gateway",
	}

	if data != nil {
		jsonData, err := json.Marshal(data)
		if err == nil {
			event.Data = jsonData
		}
	}

	for _, opt := range opts {
		opt(event)
	}

	return s.LogEvent(ctx, event)
}

// GetEvents retrieves audit events with optional filtering, newest first
func (s *Service) GetEvents(ctx context.Context, filter *EventFilter) ([]*domain.AuditEvent, error) {
	return s.store.Query(ctx, filter)
}

// EventOption is a functional option for configuring audit events
type EventOption func(*domain.AuditEvent)

// WithActor sets the operator that triggered the event
func WithActor(actor string) EventOption {
	return func(e *domain.AuditEvent) {
		e.Actor = &actor
	}
}

// WithReference links the event to a payment or webhook id
func WithReference(ref string) EventOption {
	return func(e *domain.AuditEvent) {
		e.Reference = &ref
	}
}

// WithIP sets the IP address for the event
func WithIP(ip string) EventOption {
	return func(e *domain.AuditEvent) {
		e.IPAddress = ip
	}
}

// WithComponent sets the component for the event
func WithComponent(component string) EventOption {
	return func(e *domain.AuditEvent) {
		e.Component = component
	}
}

// EventFilter defines criteria for filtering audit events
type EventFilter struct {
	Reference string
	Type      string
	From      time.Time
	To        time.Time
	Limit     int
}

func (f *EventFilter) matches(e *domain.AuditEvent) bool {
	if f == nil {
		return true
	}
	if f.Reference != "" && (e.Reference == nil || *e.Reference != f.Reference) {
		return false
	}
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if !f.From.IsZero() && e.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.Timestamp.After(f.To) {
		return false
	}
	return true
}

func (f *EventFilter) limit() int {
	if f != nil && f.Limit > 0 {
		return f.Limit
	}
	return 100
}

// PostgresStore keeps audit events in the audit_events table
type PostgresStore struct {
	db *sql.DB
}

// Insert writes a single event
func (p *PostgresStore) Insert(ctx context.Context, event *domain.AuditEvent) error {
	var data interface{}
	if len(event.Data) > 0 {
		data = string(event.Data)
	}

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, type, severity, timestamp, actor, reference, description, data, ip_address, component)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, event.ID, event.Type, event.Severity, event.Timestamp, event.Actor, event.Reference,
		event.Description, data, event.IPAddress, event.Component)

	return err
}

// Query returns events matching the filter
func (p *PostgresStore) Query(ctx context.Context, filter *EventFilter) ([]*domain.AuditEvent, error) {
	query := `SELECT id, type, severity, timestamp, actor, reference, description, data, ip_address, component
			  FROM audit_events WHERE 1=1`
	args := []interface{}{}
	paramIdx := 1

	if filter != nil {
		if filter.Reference != "" {
			query += fmt.Sprintf(" AND reference = $%d", paramIdx)
			args = append(args, filter.Reference)
			paramIdx++
		}
		if filter.Type != "" {
			query += fmt.Sprintf(" AND type = $%d", paramIdx)
			args = append(args, filter.Type)
			paramIdx++
		}
		if !filter.From.IsZero() {
			query += fmt.Sprintf(" AND timestamp >= $%d", paramIdx)
			args = append(args, filter.From)
			paramIdx++
		}
		if !filter.To.IsZero() {
			query += fmt.Sprintf(" AND timestamp <= $%d", paramIdx)
			args = append(args, filter.To)
			paramIdx++
		}
	}

	query += " ORDER BY timestamp DESC"
	query += fmt.Sprintf(" LIMIT $%d", paramIdx)
	args = append(args, filter.limit())

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*domain.AuditEvent
	for rows.Next() {
		var event domain.AuditEvent
		var actor, reference, data, ip sql.NullString

		err := rows.Scan(&event.ID, &event.Type, &event.Severity, &event.Timestamp,
			&actor, &reference, &event.Description, &data, &ip, &event.Component)
		if err != nil {
			return nil, err
		}

		if actor.Valid {
			event.Actor = &actor.String
		}
		if reference.Valid {
			event.Reference = &reference.String
		}
		if data.Valid && data.String != "" {
			event.Data = json.RawMessage(data.String)
		}
		event.IPAddress = ip.String

		events = append(events, &event)
	}

	return events, rows.Err()
}

// MemoryStore keeps audit events in memory. Used when no database is configured.
type MemoryStore struct {
	mu     sync.Mutex
	events []*domain.AuditEvent
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Insert appends an event
func (m *MemoryStore) Insert(_ context.Context, event *domain.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

// Query returns matching events, newest first
func (m *MemoryStore) Query(_ context.Context, filter *EventFilter) ([]*domain.AuditEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*domain.AuditEvent
	for _, e := range m.events {
		if filter.matches(e) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if limit := filter.limit(); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
