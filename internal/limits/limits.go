// Package limits caps how much AR the card may send per day.
//
// Lowering the cap takes effect immediately. Raising or removing it waits
// for CoolingOffPeriod.
package limits

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alexbotov/spworlds/internal/audit"
	"github.com/alexbotov/spworlds/internal/domain"
)

var (
	ErrLimitExceeded = errors.New("daily transfer limit exceeded")
	ErrInvalidLimit  = errors.New("invalid limit value")
)

// CoolingOffPeriod is the waiting period for raising or removing the cap
const CoolingOffPeriod = 24 * time.Hour

// Store persists the cap and the per-day usage
type Store interface {
	// Get returns nil, nil when no cap was ever set
	Get(ctx context.Context) (*domain.TransferLimit, error)
	Save(ctx context.Context, limit *domain.TransferLimit) error
	Usage(ctx context.Context, day time.Time) (int, error)
	AddUsage(ctx context.Context, day time.Time, amount int) error
}

// Service provides transfer limit management
type Service struct {
	store Store
	audit *audit.Service
	now   func() time.Time

	// guards check-then-book in Reserve
	mu sync.Mutex
}

// New creates a new limits service
func New(store Store, auditSvc *audit.Service) *Service {
	return &Service{
		store: store,
		audit: auditSvc,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Current returns the cap in force, promoting a pending change whose
// cooling-off period has passed
func (s *Service) Current(ctx context.Context) (*domain.TransferLimit, error) {
	limit, err := s.store.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get limit: %w", err)
	}
	if limit == nil {
		return &domain.TransferLimit{UpdatedAt: s.now()}, nil
	}

	if limit.Pending != nil && limit.PendingEffectiveAt != nil && !s.now().Before(*limit.PendingEffectiveAt) {
		limit.Daily = *limit.Pending
		limit.Pending = nil
		limit.PendingEffectiveAt = nil
		limit.UpdatedAt = s.now()
		if err := s.store.Save(ctx, limit); err != nil {
			return nil, fmt.Errorf("failed to apply pending limit: %w", err)
		}
	}
	return limit, nil
}

// SetDaily changes the daily cap. 0 removes it.
func (s *Service) SetDaily(ctx context.Context, amount int, actor string) (*domain.TransferLimit, error) {
	if amount < 0 {
		return nil, ErrInvalidLimit
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	limit, err := s.Current(ctx)
	if err != nil {
		return nil, err
	}

	now := s.now()
	lowering := amount > 0 && (limit.Daily == 0 || amount < limit.Daily)
	immediate := lowering || amount == limit.Daily
	if immediate {
		limit.Daily = amount
		limit.Pending = nil
		limit.PendingEffectiveAt = nil
	} else {
		effectiveAt := now.Add(CoolingOffPeriod)
		limit.Pending = &amount
		limit.PendingEffectiveAt = &effectiveAt
	}
	limit.UpdatedAt = now

	if err := s.store.Save(ctx, limit); err != nil {
		return nil, fmt.Errorf("failed to save limit: %w", err)
	}

	s.audit.Log(ctx, audit.EventLimitChange, domain.SeverityInfo,
		fmt.Sprintf("Daily transfer limit set to %d AR", amount),
		map[string]interface{}{"amount": amount, "immediate": immediate},
		audit.WithActor(actor), audit.WithComponent("limits"))

	return limit, nil
}

// Reserve books amount against today's cap. Call Release if the transfer
// does not go through.
func (s *Service) Reserve(ctx context.Context, amount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	limit, err := s.Current(ctx)
	if err != nil {
		return err
	}

	day := s.now()
	if limit.Daily > 0 {
		used, err := s.store.Usage(ctx, day)
		if err != nil {
			return fmt.Errorf("failed to get usage: %w", err)
		}
		if used+amount > limit.Daily {
			return ErrLimitExceeded
		}
	}
	return s.store.AddUsage(ctx, day, amount)
}

// Release returns a reservation made by Reserve
func (s *Service) Release(ctx context.Context, amount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.AddUsage(ctx, s.now(), -amount)
}

// UsedToday returns the AR booked for the current UTC day
func (s *Service) UsedToday(ctx context.Context) (int, error) {
	return s.store.Usage(ctx, s.now())
}

func dayKey(t time.Time) string {
	return t.UTC().Format(time.DateOnly)
}

// PostgresStore keeps the cap in transfer_limits and usage in transfer_usage
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store on top of db
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Get(ctx context.Context) (*domain.TransferLimit, error) {
	var limit domain.TransferLimit
	var pending sql.NullInt64
	var effectiveAt sql.NullTime

	err := p.db.QueryRowContext(ctx, `
		SELECT daily, pending, pending_effective_at, updated_at
		FROM transfer_limits WHERE id = 'card'
	`).Scan(&limit.Daily, &pending, &effectiveAt, &limit.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if pending.Valid {
		v := int(pending.Int64)
		limit.Pending = &v
	}
	if effectiveAt.Valid {
		limit.PendingEffectiveAt = &effectiveAt.Time
	}
	return &limit, nil
}

func (p *PostgresStore) Save(ctx context.Context, limit *domain.TransferLimit) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO transfer_limits (id, daily, pending, pending_effective_at, updated_at)
		VALUES ('card', $1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET daily = $1, pending = $2, pending_effective_at = $3, updated_at = $4
	`, limit.Daily, limit.Pending, limit.PendingEffectiveAt, limit.UpdatedAt)
	return err
}

func (p *PostgresStore) Usage(ctx context.Context, day time.Time) (int, error) {
	var amount int
	err := p.db.QueryRowContext(ctx, `SELECT amount FROM transfer_usage WHERE day = $1`, dayKey(day)).Scan(&amount)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return amount, err
}

func (p *PostgresStore) AddUsage(ctx context.Context, day time.Time, amount int) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO transfer_usage (day, amount) VALUES ($1, $2)
		ON CONFLICT (day) DO UPDATE SET amount = transfer_usage.amount + $2
	`, dayKey(day), amount)
	return err
}

// MemoryStore keeps the cap and usage in memory
type MemoryStore struct {
	mu    sync.Mutex
	limit *domain.TransferLimit
	usage map[string]int
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{usage: make(map[string]int)}
}

func (m *MemoryStore) Get(context.Context) (*domain.TransferLimit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.limit == nil {
		return nil, nil
	}
	limit := *m.limit
	return &limit, nil
}

func (m *MemoryStore) Save(_ context.Context, limit *domain.TransferLimit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	saved := *limit
	m.limit = &saved
	return nil
}

func (m *MemoryStore) Usage(_ context.Context, day time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usage[dayKey(day)], nil
}

func (m *MemoryStore) AddUsage(_ context.Context, day time.Time, amount int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage[dayKey(day)] += amount
	return nil
}
