package webhook

import (
	"context"
	"database/sql"
	"sync"

	"github.com/alexbotov/spworlds/internal/domain"
)

// EventStore persists accepted deliveries
type EventStore interface {
	Save(ctx context.Context, event *domain.WebhookEvent) error
	List(ctx context.Context, limit int) ([]*domain.WebhookEvent, error)
}

// PostgresStore keeps deliveries in the webhook_events table
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store on top of db
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Save inserts a delivery
func (p *PostgresStore) Save(ctx context.Context, event *domain.WebhookEvent) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO webhook_events (id, kind, body_hash, payload, received_at)
		VALUES ($1, $2, $3, $4, $5)
	`, event.ID, event.Kind, event.BodyHash, string(event.Payload), event.ReceivedAt)
	return err
}

// List returns the newest deliveries first
func (p *PostgresStore) List(ctx context.Context, limit int) ([]*domain.WebhookEvent, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, kind, body_hash, payload, received_at
		FROM webhook_events ORDER BY received_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*domain.WebhookEvent
	for rows.Next() {
		var event domain.WebhookEvent
		var payload string
		if err := rows.Scan(&event.ID, &event.Kind, &event.BodyHash, &payload, &event.ReceivedAt); err != nil {
			return nil, err
		}
		event.Payload = []byte(payload)
		events = append(events, &event)
	}
	return events, rows.Err()
}

// MemoryStore keeps deliveries in memory. Used when no database is configured.
type MemoryStore struct {
	mu     sync.Mutex
	events []*domain.WebhookEvent
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Save appends a delivery
func (m *MemoryStore) Save(_ context.Context, event *domain.WebhookEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

// List returns the newest deliveries first
func (m *MemoryStore) List(_ context.Context, limit int) ([]*domain.WebhookEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*domain.WebhookEvent, 0, limit)
	for i := len(m.events) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.events[i])
	}
	return out, nil
}
