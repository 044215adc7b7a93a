package payments

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/alexbotov/spworlds/internal/domain"
	"github.com/shopspring/decimal"
)

// Store persists payments
type Store interface {
	Create(ctx context.Context, p *domain.Payment) error
	Update(ctx context.Context, p *domain.Payment) error
	Get(ctx context.Context, id string) (*domain.Payment, error)
	GetByReference(ctx context.Context, reference string) (*domain.Payment, error)
	List(ctx context.Context, limit int) ([]*domain.Payment, error)
}

// PostgresStore keeps payments in the payments table
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a store on top of db
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const paymentColumns = `id, reference, items, amount, data, redirect_url, url, payer, status, created_at, paid_at`

// Create inserts a new payment
func (p *PostgresStore) Create(ctx context.Context, payment *domain.Payment) error {
	items, err := json.Marshal(payment.Items)
	if err != nil {
		return fmt.Errorf("failed to marshal items: %w", err)
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO payments (`+paymentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, payment.ID, payment.Reference, string(items), payment.Amount.String(), payment.Data,
		payment.RedirectURL, payment.URL, payment.Payer, payment.Status, payment.CreatedAt, payment.PaidAt)
	return err
}

// Update stores the mutable fields of a payment
func (p *PostgresStore) Update(ctx context.Context, payment *domain.Payment) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE payments SET url = $1, payer = $2, status = $3, paid_at = $4 WHERE id = $5
	`, payment.URL, payment.Payer, payment.Status, payment.PaidAt, payment.ID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrPaymentNotFound
	}
	return nil
}

// Get retrieves a payment by ID
func (p *PostgresStore) Get(ctx context.Context, id string) (*domain.Payment, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id)
	return scanPayment(row)
}

// GetByReference retrieves a payment by the reference sent in its data field
func (p *PostgresStore) GetByReference(ctx context.Context, reference string) (*domain.Payment, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE reference = $1`, reference)
	return scanPayment(row)
}

// List returns the newest payments first
func (p *PostgresStore) List(ctx context.Context, limit int) ([]*domain.Payment, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+paymentColumns+` FROM payments ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Payment
	for rows.Next() {
		payment, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, payment)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPayment(row scanner) (*domain.Payment, error) {
	var payment domain.Payment
	var items, amount string
	var data, url, payer sql.NullString
	var paidAt sql.NullTime

	err := row.Scan(&payment.ID, &payment.Reference, &items, &amount, &data, &payment.RedirectURL,
		&url, &payer, &payment.Status, &payment.CreatedAt, &paidAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}

	if err := json.Unmarshal([]byte(items), &payment.Items); err != nil {
		return nil, fmt.Errorf("failed to parse items: %w", err)
	}
	if payment.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("failed to parse amount: %w", err)
	}
	payment.Data = data.String
	payment.URL = url.String
	payment.Payer = payer.String
	if paidAt.Valid {
		payment.PaidAt = &paidAt.Time
	}

	return &payment, nil
}

// MemoryStore keeps payments in memory. Used when no database is configured.
type MemoryStore struct {
	mu       sync.RWMutex
	payments map[string]domain.Payment
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{payments: make(map[string]domain.Payment)}
}

// Create inserts a copy of the payment
func (m *MemoryStore) Create(_ context.Context, p *domain.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.payments[p.ID]; ok {
		return fmt.Errorf("payment %s already exists", p.ID)
	}
	m.payments[p.ID] = *p
	return nil
}

// Update replaces the stored copy
func (m *MemoryStore) Update(_ context.Context, p *domain.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.payments[p.ID]; !ok {
		return ErrPaymentNotFound
	}
	m.payments[p.ID] = *p
	return nil
}

// Get returns a copy of the payment
func (m *MemoryStore) Get(_ context.Context, id string) (*domain.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.payments[id]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	return &p, nil
}

// GetByReference returns a copy of the payment with the given reference
func (m *MemoryStore) GetByReference(_ context.Context, reference string) (*domain.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.payments {
		if p.Reference == reference {
			return &p, nil
		}
	}
	return nil, ErrPaymentNotFound
}

// List returns the newest payments first
func (m *MemoryStore) List(_ context.Context, limit int) ([]*domain.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*domain.Payment, 0, len(m.payments))
	for _, p := range m.payments {
		p := p
		out = append(out, &p)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
