// Package store provides the in-memory ledger.Store.
package store

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/warp/kilometers-engine/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu          sync.RWMutex
	customers   map[ledger.CustomerID]ledger.Customer
	entries     map[ledger.CustomerID][]ledger.Entry
	owner       map[ledger.EntryID]ledger.CustomerID
	bySale      map[ledger.SaleRef]map[ledger.CustomerID]bool
	idempotency map[string]ledger.EntryID
	runs        map[string]ledger.SweepRun
	seq         atomic.Int64

	locksMu sync.Mutex
	locks   map[ledger.CustomerID]*sync.Mutex
}

func NewMemory() *Memory {
	return &Memory{
		customers:   make(map[ledger.CustomerID]ledger.Customer),
		entries:     make(map[ledger.CustomerID][]ledger.Entry),
		owner:       make(map[ledger.EntryID]ledger.CustomerID),
		bySale:      make(map[ledger.SaleRef]map[ledger.CustomerID]bool),
		idempotency: make(map[string]ledger.EntryID),
		runs:        make(map[string]ledger.SweepRun),
		locks:       make(map[ledger.CustomerID]*sync.Mutex),
	}
}

func (m *Memory) customerLock(id ledger.CustomerID) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	return l
}

// =============================================================================
// CUSTOMERS
// =============================================================================

func (m *Memory) RegisterCustomer(_ context.Context, p ledger.Profile) (*ledger.Customer, error) {
	l := m.customerLock(p.ID)
	l.Lock()
	defer l.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	c, ok := m.customers[p.ID]
	if !ok {
		c = ledger.Customer{ID: p.ID, CreatedAt: now}
	}
	c.Participates = p.Participates
	c.ReferredBy = p.ReferredBy
	c.UpdatedAt = now
	m.customers[p.ID] = c
	return &c, nil
}

func (m *Memory) GetCustomer(_ context.Context, id ledger.CustomerID) (*ledger.Customer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.customers[id]
	if !ok {
		return nil, ledger.ErrCustomerNotFound
	}
	return &c, nil
}

func (m *Memory) ListCustomers(_ context.Context, opts ledger.ListOptions) ([]ledger.Customer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []ledger.Customer
	for id, c := range m.customers {
		if opts.After != "" && id <= opts.After {
			continue
		}
		if opts.ParticipatingOnly && !c.Participates {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// =============================================================================
// ENTRIES (read side)
// =============================================================================

func (m *Memory) Entries(_ context.Context, id ledger.CustomerID) ([]ledger.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]ledger.Entry, len(m.entries[id]))
	copy(result, m.entries[id])
	return result, nil
}

func (m *Memory) SaleCustomers(_ context.Context, sale ledger.SaleRef) ([]ledger.CustomerID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var ids []ledger.CustomerID
	for id := range m.bySale[sale] {
		ids = append(ids, id)
	}
	return ledger.SortIDs(ids), nil
}

func (m *Memory) ExpirableCustomers(_ context.Context, asOf time.Time, after ledger.CustomerID, limit int) ([]ledger.CustomerID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var ids []ledger.CustomerID
	for id, entries := range m.entries {
		if after != "" && id <= after {
			continue
		}
		for _, e := range entries {
			if e.Expirable(asOf) {
				ids = append(ids, id)
				break
			}
		}
	}
	ids = ledger.SortIDs(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (m *Memory) KindTotals(_ context.Context, since time.Time) (map[ledger.EventKind]ledger.KindTotal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	totals := make(map[ledger.EventKind]ledger.KindTotal)
	for _, entries := range m.entries {
		for _, e := range entries {
			if e.Correction || e.CreatedAt.Before(since) {
				continue
			}
			t := totals[e.Kind]
			t.Count++
			t.Points = t.Points.Add(e.Points)
			totals[e.Kind] = t
		}
	}
	return totals, nil
}

// =============================================================================
// TRANSACTIONAL VIEW
// =============================================================================

// WithCustomers locks the customers in sorted order and stages every write.
// Staged writes are applied only when fn returns nil, so rollback is dropping them.
func (m *Memory) WithCustomers(ctx context.Context, ids []ledger.CustomerID, fn func(ledger.Tx) error) error {
	sorted := ledger.SortIDs(ids)
	for _, id := range sorted {
		l := m.customerLock(id)
		l.Lock()
		defer l.Unlock()
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	view := &txMemoryView{
		parent:    m,
		locked:    make(map[ledger.CustomerID]bool, len(sorted)),
		customers: make(map[ledger.CustomerID]*ledger.Customer),
		closed:    make(map[ledger.EntryID]bool),
		keys:      make(map[string]ledger.EntryID),
	}
	for _, id := range sorted {
		view.locked[id] = true
	}

	if err := fn(view); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return view.commit()
}

type txMemoryView struct {
	parent    *Memory
	locked    map[ledger.CustomerID]bool
	customers map[ledger.CustomerID]*ledger.Customer
	appended  []ledger.Entry
	closed    map[ledger.EntryID]bool
	keys      map[string]ledger.EntryID
}

func (tv *txMemoryView) Customer(_ context.Context, id ledger.CustomerID) (*ledger.Customer, error) {
	if !tv.locked[id] {
		return nil, ledger.ErrCustomerUnlocked
	}
	if c, ok := tv.customers[id]; ok {
		cp := *c
		return &cp, nil
	}

	tv.parent.mu.RLock()
	c, ok := tv.parent.customers[id]
	tv.parent.mu.RUnlock()
	if !ok {
		return nil, ledger.ErrCustomerNotFound
	}
	tv.customers[id] = &c
	cp := c
	return &cp, nil
}

func (tv *txMemoryView) SaveCustomer(ctx context.Context, c *ledger.Customer) error {
	current, err := tv.Customer(ctx, c.ID)
	if err != nil {
		return err
	}
	if current.Version != c.Version {
		return ledger.ErrConcurrentModification
	}
	next := *c
	next.Version++
	next.UpdatedAt = time.Now().UTC()
	tv.customers[c.ID] = &next
	c.Version = next.Version
	return nil
}

func (tv *txMemoryView) Entries(_ context.Context, id ledger.CustomerID) ([]ledger.Entry, error) {
	tv.parent.mu.RLock()
	result := make([]ledger.Entry, 0, len(tv.parent.entries[id])+len(tv.appended))
	result = append(result, tv.parent.entries[id]...)
	tv.parent.mu.RUnlock()

	for _, e := range tv.appended {
		if e.CustomerID == id {
			result = append(result, e)
		}
	}
	for i := range result {
		if tv.closed[result[i].ID] {
			result[i].ClosedForExpiration = true
		}
	}
	return result, nil
}

func (tv *txMemoryView) SaleEntries(_ context.Context, sale ledger.SaleRef) ([]ledger.Entry, error) {
	var result []ledger.Entry

	tv.parent.mu.RLock()
	for id := range tv.parent.bySale[sale] {
		for _, e := range tv.parent.entries[id] {
			if e.Sale == sale {
				result = append(result, e)
			}
		}
	}
	tv.parent.mu.RUnlock()

	for _, e := range tv.appended {
		if e.Sale == sale {
			result = append(result, e)
		}
	}
	for i := range result {
		if tv.closed[result[i].ID] {
			result[i].ClosedForExpiration = true
		}
	}
	sort.SliceStable(result, func(i, j int) bool { return result[i].Seq < result[j].Seq })
	return result, nil
}

func (tv *txMemoryView) Append(_ context.Context, e ledger.Entry) (ledger.Entry, error) {
	if !tv.locked[e.CustomerID] {
		return ledger.Entry{}, ledger.ErrCustomerUnlocked
	}
	if e.IdempotencyKey != "" {
		if _, ok := tv.keys[e.IdempotencyKey]; ok {
			return ledger.Entry{}, ledger.ErrDuplicateIdempotencyKey
		}
		tv.parent.mu.RLock()
		_, exists := tv.parent.idempotency[e.IdempotencyKey]
		tv.parent.mu.RUnlock()
		if exists {
			return ledger.Entry{}, ledger.ErrDuplicateIdempotencyKey
		}
		tv.keys[e.IdempotencyKey] = e.ID
	}
	e.Seq = tv.parent.seq.Add(1)
	tv.appended = append(tv.appended, e)
	return e, nil
}

func (tv *txMemoryView) CloseForExpiration(_ context.Context, id ledger.EntryID) error {
	for _, e := range tv.appended {
		if e.ID == id {
			tv.closed[id] = true
			return nil
		}
	}

	tv.parent.mu.RLock()
	owner, ok := tv.parent.owner[id]
	tv.parent.mu.RUnlock()
	if !ok {
		return ledger.ErrEntryNotFound
	}
	if !tv.locked[owner] {
		return ledger.ErrCustomerUnlocked
	}
	tv.closed[id] = true
	return nil
}

func (tv *txMemoryView) commit() error {
	m := tv.parent
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, c := range tv.customers {
		stored, ok := m.customers[id]
		if ok && stored.Version > c.Version {
			return ledger.ErrConcurrentModification
		}
		if !ok {
			continue
		}
		// participation and referrer belong to the CRM side
		c.Participates = stored.Participates
		c.ReferredBy = stored.ReferredBy
		m.customers[id] = *c
	}

	for _, e := range tv.appended {
		m.entries[e.CustomerID] = append(m.entries[e.CustomerID], e)
		m.owner[e.ID] = e.CustomerID
		if e.Sale != "" {
			if m.bySale[e.Sale] == nil {
				m.bySale[e.Sale] = make(map[ledger.CustomerID]bool)
			}
			m.bySale[e.Sale][e.CustomerID] = true
		}
		if e.IdempotencyKey != "" {
			m.idempotency[e.IdempotencyKey] = e.ID
		}
	}

	for id := range tv.closed {
		owner := m.owner[id]
		entries := m.entries[owner]
		for i := range entries {
			if entries[i].ID == id {
				entries[i].ClosedForExpiration = true
				break
			}
		}
	}
	return nil
}

// =============================================================================
// SWEEP RUNS
// =============================================================================

func (m *Memory) SaveSweepRun(_ context.Context, run ledger.SweepRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.ID] = run
	return nil
}

func (m *Memory) SweepRuns(_ context.Context, status ledger.SweepStatus, limit int) ([]ledger.SweepRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var runs []ledger.SweepRun
	for _, r := range m.runs {
		if status == "" || r.Status == status {
			runs = append(runs, r)
		}
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].StartedAt.After(runs[j].StartedAt) })
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}
