package repository

import (
	"context"
	"sort"
	"sync"

	"github.com/dharsanguruparan/CiteDrop/internal/deposit"
	"github.com/dharsanguruparan/CiteDrop/internal/model"
)

// MemoryStore keeps deposits in process memory. It backs the engine tests
// and the "memory" store driver; nothing survives a restart.
type MemoryStore struct {
	mu       sync.RWMutex
	deposits map[string]*model.Deposit
	refs     map[string]string
	history  map[string][]model.Transition
}

// NewMemoryStore constructs a MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		deposits: make(map[string]*model.Deposit),
		refs:     make(map[string]string),
		history:  make(map[string][]model.Transition),
	}
}

var _ deposit.Store = (*MemoryStore)(nil)

// Insert stores a new deposit.
func (m *MemoryStore) Insert(_ context.Context, d *model.Deposit, rec model.Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.refs[d.ExternalRef]; ok {
		return deposit.ErrDuplicateRef
	}
	m.deposits[d.ID] = d.Clone()
	m.refs[d.ExternalRef] = d.ID
	m.history[d.ID] = append(m.history[d.ID], rec)
	return nil
}

// Get returns a copy of a deposit.
func (m *MemoryStore) Get(_ context.Context, id string) (*model.Deposit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.deposits[id]
	if !ok {
		return nil, deposit.ErrNotFound
	}
	return d.Clone(), nil
}

// GetByExternalRef returns a copy of the deposit created for ref.
func (m *MemoryStore) GetByExternalRef(_ context.Context, ref string) (*model.Deposit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.refs[ref]
	if !ok {
		return nil, deposit.ErrNotFound
	}
	return m.deposits[id].Clone(), nil
}

// Update replaces a deposit when its state still equals expected.
func (m *MemoryStore) Update(_ context.Context, d *model.Deposit, expected model.State, rec model.Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.deposits[d.ID]
	if !ok {
		return deposit.ErrNotFound
	}
	if cur.State != expected {
		return deposit.ErrStateConflict
	}
	m.deposits[d.ID] = d.Clone()
	m.history[d.ID] = append(m.history[d.ID], rec)
	return nil
}

// SetNotice replaces the pending notice and label of a deposit.
func (m *MemoryStore) SetNotice(_ context.Context, id string, notice *model.Notice, label string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deposits[id]
	if !ok {
		return deposit.ErrNotFound
	}
	if notice != nil {
		n := *notice
		notice = &n
	}
	d.PendingNotice = notice
	d.Label = label
	return nil
}

// IDsInState lists ids in state ordered by creation time.
func (m *MemoryStore) IDsInState(_ context.Context, state model.State) ([]string, error) {
	return m.collect(func(d *model.Deposit) bool { return d.State == state }), nil
}

// IDsWithPendingNotice lists ids with an undelivered notice.
func (m *MemoryStore) IDsWithPendingNotice(_ context.Context) ([]string, error) {
	return m.collect(func(d *model.Deposit) bool { return d.PendingNotice != nil }), nil
}

// History returns a copy of the audit rows of id.
func (m *MemoryStore) History(_ context.Context, id string) ([]model.Transition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]model.Transition(nil), m.history[id]...), nil
}

func (m *MemoryStore) collect(match func(*model.Deposit) bool) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var matched []*model.Deposit
	for _, d := range m.deposits {
		if match(d) {
			matched = append(matched, d)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})
	ids := make([]string, len(matched))
	for i, d := range matched {
		ids[i] = d.ID
	}
	return ids
}
