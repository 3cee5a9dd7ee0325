package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/papertrade/paper-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Atomic holds the write lock for the whole unit and restores a snapshot
// when fn fails or ctx ends, so units are serializable and all-or-nothing.
type MemoryStore struct {
	mu    sync.RWMutex
	state memState
}

type memState struct {
	accounts    map[string]*model.Account
	holdings    map[string]*model.Holding // accountID|instrument
	positions   map[string]*model.OptionPosition
	ledger      []model.Transaction
	marginCalls []model.MarginCall
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state: memState{
			accounts:  make(map[string]*model.Account),
			holdings:  make(map[string]*model.Holding),
			positions: make(map[string]*model.OptionPosition),
		},
	}
}

func (st memState) clone() memState {
	c := memState{
		accounts:    make(map[string]*model.Account, len(st.accounts)),
		holdings:    make(map[string]*model.Holding, len(st.holdings)),
		positions:   make(map[string]*model.OptionPosition, len(st.positions)),
		ledger:      append([]model.Transaction(nil), st.ledger...),
		marginCalls: append([]model.MarginCall(nil), st.marginCalls...),
	}
	for k, v := range st.accounts {
		cp := *v
		c.accounts[k] = &cp
	}
	for k, v := range st.holdings {
		cp := *v
		c.holdings[k] = &cp
	}
	for k, v := range st.positions {
		cp := *v
		c.positions[k] = &cp
	}
	return c
}

func (s *MemoryStore) Atomic(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.state.clone()
	err := fn(&memTx{st: &s.state})
	if err == nil {
		// A unit whose context ended mid-way is not committed.
		err = ctx.Err()
	}
	if err != nil {
		s.state = snapshot
		return err
	}
	return nil
}

func (s *MemoryStore) GetAccount(_ context.Context, id string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.state.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) ListTransactions(_ context.Context, accountID string, limit int) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Transaction
	for i := len(s.state.ledger) - 1; i >= 0; i-- {
		if s.state.ledger[i].AccountID != accountID {
			continue
		}
		result = append(result, s.state.ledger[i])
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}

func (s *MemoryStore) ListMarginCalls(_ context.Context, accountID string) ([]model.MarginCall, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.MarginCall
	for i := len(s.state.marginCalls) - 1; i >= 0; i-- {
		if s.state.marginCalls[i].AccountID == accountID {
			result = append(result, s.state.marginCalls[i])
		}
	}
	return result, nil
}

func (s *MemoryStore) ListExpiredOptionPositions(_ context.Context, before time.Time) ([]model.OptionPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.OptionPosition
	for _, p := range s.state.positions {
		if p.Status == model.StatusOpen && p.Expiration.Before(before) {
			result = append(result, *p)
		}
	}
	sortPositions(result)
	return result, nil
}

func (s *MemoryStore) ListAccountsWithNakedShorts(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	var ids []string
	for _, p := range s.state.positions {
		if p.IsNakedShort() && !seen[p.AccountID] {
			seen[p.AccountID] = true
			ids = append(ids, p.AccountID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// memTx operates on the live state; MemoryStore.Atomic holds the lock.
type memTx struct {
	st *memState
}

func holdingKey(accountID string, inst model.Instrument) string {
	return accountID + "|" + inst.String()
}

func (t *memTx) GetOrCreateAccount(_ context.Context, id string, initialCash decimal.Decimal) (*model.Account, error) {
	a, ok := t.st.accounts[id]
	if !ok {
		now := time.Now().UTC()
		a = &model.Account{
			ID:        id,
			Cash:      initialCash,
			CreatedAt: now,
			UpdatedAt: now,
		}
		t.st.accounts[id] = a
	}
	cp := *a
	return &cp, nil
}

func (t *memTx) GetAccount(_ context.Context, id string) (*model.Account, error) {
	a, ok := t.st.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	cp := *a
	return &cp, nil
}

func (t *memTx) UpdateCash(_ context.Context, id string, cash decimal.Decimal) error {
	a, ok := t.st.accounts[id]
	if !ok {
		return fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	a.Cash = cash
	a.UpdatedAt = time.Now().UTC()
	return nil
}

func (t *memTx) UpdateMargin(_ context.Context, id string, balance, used decimal.Decimal, restricted bool) error {
	a, ok := t.st.accounts[id]
	if !ok {
		return fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	a.MarginBalance = balance
	a.MarginUsed = used
	a.Restricted = restricted
	a.UpdatedAt = time.Now().UTC()
	return nil
}

func (t *memTx) GetHolding(_ context.Context, accountID string, inst model.Instrument) (*model.Holding, error) {
	h, ok := t.st.holdings[holdingKey(accountID, inst)]
	if !ok {
		return nil, fmt.Errorf("holding %s/%s: %w", accountID, inst, ErrNotFound)
	}
	cp := *h
	return &cp, nil
}

func (t *memTx) ListHoldings(_ context.Context, accountID string) ([]model.Holding, error) {
	var result []model.Holding
	for _, h := range t.st.holdings {
		if h.AccountID == accountID {
			result = append(result, *h)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Instrument.String() < result[j].Instrument.String()
	})
	return result, nil
}

func (t *memTx) SaveHolding(_ context.Context, h *model.Holding) error {
	key := holdingKey(h.AccountID, h.Instrument)
	if !h.Quantity.IsPositive() {
		delete(t.st.holdings, key)
		return nil
	}
	cp := *h
	cp.UpdatedAt = time.Now().UTC()
	t.st.holdings[key] = &cp
	return nil
}

func (t *memTx) GetOptionPosition(_ context.Context, id string) (*model.OptionPosition, error) {
	p, ok := t.st.positions[id]
	if !ok {
		return nil, fmt.Errorf("option position %s: %w", id, ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (t *memTx) ListOptionPositions(_ context.Context, accountID string, status model.PositionStatus) ([]model.OptionPosition, error) {
	var result []model.OptionPosition
	for _, p := range t.st.positions {
		if p.AccountID != accountID {
			continue
		}
		if status != "" && p.Status != status {
			continue
		}
		result = append(result, *p)
	}
	sortPositions(result)
	return result, nil
}

func (t *memTx) FindOpenOptionPosition(_ context.Context, key model.PositionKey) (*model.OptionPosition, error) {
	var match *model.OptionPosition
	for _, p := range t.st.positions {
		if p.Status != model.StatusOpen || p.Key() != key {
			continue
		}
		if match == nil || p.OpenedAt.Before(match.OpenedAt) {
			match = p
		}
	}
	if match == nil {
		return nil, fmt.Errorf("open position %+v: %w", key, ErrNotFound)
	}
	cp := *match
	return &cp, nil
}

func (t *memTx) CreateOptionPosition(_ context.Context, p *model.OptionPosition) error {
	if _, exists := t.st.positions[p.ID]; exists {
		return fmt.Errorf("option position %s already exists", p.ID)
	}
	cp := *p
	t.st.positions[p.ID] = &cp
	return nil
}

func (t *memTx) UpdateOptionPosition(_ context.Context, p *model.OptionPosition) error {
	if _, ok := t.st.positions[p.ID]; !ok {
		return fmt.Errorf("option position %s: %w", p.ID, ErrNotFound)
	}
	cp := *p
	t.st.positions[p.ID] = &cp
	return nil
}

func (t *memTx) InsertTransaction(_ context.Context, tr *model.Transaction) error {
	t.st.ledger = append(t.st.ledger, *tr)
	return nil
}

func (t *memTx) CreateMarginCall(_ context.Context, mc *model.MarginCall) error {
	t.st.marginCalls = append(t.st.marginCalls, *mc)
	return nil
}

func (t *memTx) ListMarginCalls(_ context.Context, accountID string, status model.MarginCallStatus) ([]model.MarginCall, error) {
	var result []model.MarginCall
	for _, mc := range t.st.marginCalls {
		if mc.AccountID == accountID && (status == "" || mc.Status == status) {
			result = append(result, mc)
		}
	}
	return result, nil
}

func (t *memTx) ResolveMarginCall(_ context.Context, accountID, id string, status model.MarginCallStatus, at time.Time) error {
	for i := range t.st.marginCalls {
		mc := &t.st.marginCalls[i]
		if mc.ID == id && mc.AccountID == accountID {
			mc.Status = status
			resolved := at
			mc.ResolvedAt = &resolved
			return nil
		}
	}
	return fmt.Errorf("margin call %s: %w", id, ErrNotFound)
}

func sortPositions(ps []model.OptionPosition) {
	sort.Slice(ps, func(i, j int) bool {
		if !ps[i].OpenedAt.Equal(ps[j].OpenedAt) {
			return ps[i].OpenedAt.Before(ps[j].OpenedAt)
		}
		return ps[i].ID < ps[j].ID
	})
}
