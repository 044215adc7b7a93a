// Package control lets an operator stop money movement through the card
// on demand. While paused, transfers and new payment pages are refused;
// incoming webhooks are still accepted.
package control

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alexbotov/spworlds/internal/audit"
	"github.com/alexbotov/spworlds/internal/domain"
)

var ErrPaused = errors.New("money operations are paused")

const stateKey = "operations"

// StateStore persists the switch so a restart does not silently resume
type StateStore interface {
	Load(ctx context.Context) (*domain.OperationsStatus, error)
	Save(ctx context.Context, status *domain.OperationsStatus, updatedBy string) error
}

// Service holds the current switch state
type Service struct {
	store StateStore
	audit *audit.Service
	now   func() time.Time

	mu     sync.RWMutex
	status domain.OperationsStatus
}

// New creates a new control service with operations enabled
func New(store StateStore, auditSvc *audit.Service) *Service {
	return &Service{
		store: store,
		audit: auditSvc,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// LoadState restores the persisted state on startup
func (s *Service) LoadState(ctx context.Context) error {
	status, err := s.store.Load(ctx)
	if err != nil {
		return err
	}
	if status == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = *status
	return nil
}

// Pause refuses money operations until Resume is called
func (s *Service) Pause(ctx context.Context, reason, authorizedBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	next := domain.OperationsStatus{
		Paused:   true,
		PausedAt: &now,
		PausedBy: authorizedBy,
		Reason:   reason,
	}
	if err := s.store.Save(ctx, &next, authorizedBy); err != nil {
		return fmt.Errorf("failed to persist operations state: %w", err)
	}
	s.status = next

	s.audit.Log(ctx, audit.EventOperationsPaused, domain.SeverityCritical,
		fmt.Sprintf("Money operations paused: %s", reason),
		map[string]interface{}{"authorized_by": authorizedBy, "reason": reason},
		audit.WithActor(authorizedBy), audit.WithComponent("control"))

	return nil
}

// Resume re-enables money operations
func (s *Service) Resume(ctx context.Context, authorizedBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := domain.OperationsStatus{}
	if err := s.store.Save(ctx, &next, authorizedBy); err != nil {
		return fmt.Errorf("failed to persist operations state: %w", err)
	}
	s.status = next

	s.audit.Log(ctx, audit.EventOperationsResumed, domain.SeverityInfo,
		"Money operations resumed",
		map[string]interface{}{"authorized_by": authorizedBy},
		audit.WithActor(authorizedBy), audit.WithComponent("control"))

	return nil
}

// Status returns a copy of the current state
func (s *Service) Status() domain.OperationsStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Check returns ErrPaused while operations are paused
func (s *Service) Check() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status.Paused {
		return ErrPaused
	}
	return nil
}

// PostgresStore keeps the state as JSON in the system_state table
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store on top of db
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Load returns nil, nil when the state was never saved
func (p *PostgresStore) Load(ctx context.Context) (*domain.OperationsStatus, error) {
	var value []byte
	err := p.db.QueryRowContext(ctx, `SELECT value FROM system_state WHERE key = $1`, stateKey).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var status domain.OperationsStatus
	if err := json.Unmarshal(value, &status); err != nil {
		return nil, fmt.Errorf("failed to decode operations state: %w", err)
	}
	return &status, nil
}

// Save upserts the state
func (p *PostgresStore) Save(ctx context.Context, status *domain.OperationsStatus, updatedBy string) error {
	value, err := json.Marshal(status)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO system_state (key, value, updated_at, updated_by)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO UPDATE SET value = $2, updated_at = $3, updated_by = $4
	`, stateKey, string(value), time.Now().UTC(), updatedBy)
	return err
}

// MemoryStore keeps the state in memory
type MemoryStore struct {
	mu     sync.Mutex
	status *domain.OperationsStatus
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Load(context.Context) (*domain.OperationsStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status == nil {
		return nil, nil
	}
	status := *m.status
	return &status, nil
}

func (m *MemoryStore) Save(_ context.Context, status *domain.OperationsStatus, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	saved := *status
	m.status = &saved
	return nil
}
