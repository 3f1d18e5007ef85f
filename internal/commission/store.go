package commission

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"sync"

	"github.com/mbd888/topupledger/internal/ledger"
)

// MemoryStore keeps agents in memory.
type MemoryStore struct {
	agents map[string]*Agent
	mu     sync.RWMutex
}

// NewMemoryStore creates a new in-memory agent store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{agents: make(map[string]*Agent)}
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[id]
	if !ok {
		return nil, ErrAgentNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) Upsert(_ context.Context, a *Agent) (*Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	if cur, ok := m.agents[a.ID]; ok {
		cp.CreatedAt = cur.CreatedAt
	}
	m.agents[a.ID] = &cp
	out := cp
	return &out, nil
}

func (m *MemoryStore) List(_ context.Context) ([]*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]*Agent, 0, len(m.agents))
	for _, a := range m.agents {
		cp := *a
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// PostgresStore persists agents in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed agent store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Agent, error) {
	a := &Agent{}
	err := p.db.QueryRowContext(ctx, `
		SELECT id, name, commission_rate, active, created_at, updated_at
		FROM agents WHERE id = $1`, id,
	).Scan(&a.ID, &a.Name, &a.CommissionRate, &a.Active, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, ledger.TranslateDBError(err)
	}
	return a, nil
}

func (p *PostgresStore) Upsert(ctx context.Context, a *Agent) (*Agent, error) {
	out := &Agent{}
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO agents (id, name, commission_rate, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			commission_rate = EXCLUDED.commission_rate,
			active = EXCLUDED.active,
			updated_at = EXCLUDED.updated_at
		RETURNING id, name, commission_rate, active, created_at, updated_at`,
		a.ID, a.Name, a.CommissionRate, a.Active, a.CreatedAt, a.UpdatedAt,
	).Scan(&out.ID, &out.Name, &out.CommissionRate, &out.Active, &out.CreatedAt, &out.UpdatedAt)
	if err != nil {
		return nil, ledger.TranslateDBError(err)
	}
	return out, nil
}

func (p *PostgresStore) List(ctx context.Context) ([]*Agent, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, name, commission_rate, active, created_at, updated_at
		FROM agents ORDER BY id`)
	if err != nil {
		return nil, ledger.TranslateDBError(err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Agent
	for rows.Next() {
		a := &Agent{}
		if err := rows.Scan(&a.ID, &a.Name, &a.CommissionRate, &a.Active, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*PostgresStore)(nil)
)
