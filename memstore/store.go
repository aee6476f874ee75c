// Package memstore is an in-memory backend for the ledger, dispatcher,
// transfer engine and status reader. Transactions stage their writes and
// publish them atomically on Commit; row locks taken by the ForUpdate
// reads are held until the transaction ends.
package memstore

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"contractflow/contract"
	"contractflow/dispatch"
	"contractflow/ledger"
	"contractflow/status"
	"contractflow/transfer"
)

var (
	_ ledger.TxBeginner   = (*Store)(nil)
	_ ledger.Repository   = (*Store)(nil)
	_ dispatch.Repository = (*Store)(nil)
	_ transfer.Repository = (*Store)(nil)
	_ status.Reader       = (*Store)(nil)
)

var errForeignTx = errors.New("memstore: transaction was not started by this store")

type Store struct {
	mu          sync.Mutex
	contracts   map[string]contract.Contract
	phases      map[string]string
	transitions map[string][]contract.Transition
	events      map[string]contract.TransitionEvent
	eventOrder  []string
	eventKeys   map[string]string
	payments    map[string][]contract.Payment
	transfers   map[string]contract.TransferRequest
	units       map[string]contract.Unit
	locks       map[string]chan struct{}
}

func New() *Store {
	return &Store{
		contracts:   make(map[string]contract.Contract),
		phases:      make(map[string]string),
		transitions: make(map[string][]contract.Transition),
		events:      make(map[string]contract.TransitionEvent),
		eventKeys:   make(map[string]string),
		payments:    make(map[string][]contract.Payment),
		transfers:   make(map[string]contract.TransferRequest),
		units:       make(map[string]contract.Unit),
		locks:       make(map[string]chan struct{}),
	}
}

func (s *Store) lock(ctx context.Context, key string) error {
	s.mu.Lock()
	ch, ok := s.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		s.locks[key] = ch
	}
	s.mu.Unlock()

	select {
	case ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) unlock(key string) {
	s.mu.Lock()
	ch := s.locks[key]
	s.mu.Unlock()
	<-ch
}

// Begin starts a transaction.
func (s *Store) Begin(context.Context) (pgx.Tx, error) {
	return &Tx{
		store:     s,
		held:      make(map[string]bool),
		contracts: make(map[string]contract.Contract),
		inserted:  make(map[string]bool),
		transfers: make(map[string]contract.TransferRequest),
		units:     make(map[string]contract.Unit),
	}, nil
}

func (s *Store) txOf(tx pgx.Tx) (*Tx, error) {
	t, ok := tx.(*Tx)
	if !ok || t.store != s {
		return nil, errForeignTx
	}
	if t.done {
		return nil, pgx.ErrTxClosed
	}
	return t, nil
}

// Tx is a memstore transaction. Only the store's repository methods use
// it; the SQL methods of pgx.Tx are not supported.
type Tx struct {
	store *Store
	held  map[string]bool
	order []string
	done  bool

	contracts   map[string]contract.Contract
	inserted    map[string]bool
	transitions []contract.Transition
	payments    []contract.Payment
	transfers   map[string]contract.TransferRequest
	units       map[string]contract.Unit
}

func (t *Tx) acquire(ctx context.Context, key string) error {
	if t.held[key] {
		return nil
	}
	if err := t.store.lock(ctx, key); err != nil {
		return err
	}
	t.held[key] = true
	t.order = append(t.order, key)
	return nil
}

func (t *Tx) release() {
	for i := len(t.order) - 1; i >= 0; i-- {
		t.store.unlock(t.order[i])
	}
	t.held = map[string]bool{}
	t.order = nil
	t.done = true
}

func (t *Tx) Commit(context.Context) error {
	if t.done {
		return pgx.ErrTxClosed
	}
	defer t.release()

	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := t.check(); err != nil {
		return err
	}

	for id, c := range t.contracts {
		s.contracts[id] = c.Clone()
		for _, ph := range c.Phases {
			s.phases[ph.ID] = id
		}
	}
	for _, tr := range t.transitions {
		for _, ev := range tr.Events {
			s.putEvent(ev)
		}
		tr.Events = nil
		s.transitions[tr.ContractID] = append(s.transitions[tr.ContractID], tr)
	}
	for _, p := range t.payments {
		s.payments[p.ContractID] = append(s.payments[p.ContractID], p)
	}
	for id, r := range t.transfers {
		s.transfers[id] = r
	}
	for id, u := range t.units {
		s.units[id] = u
	}
	return nil
}

// check enforces the constraints the SQL schema would. Caller holds mu.
func (t *Tx) check() error {
	s := t.store
	for id, c := range t.contracts {
		committed, exists := s.contracts[id]
		if t.inserted[id] {
			if exists {
				return errors.New("memstore: contract already exists")
			}
			continue
		}
		if !exists || committed.Version != c.Version-1 {
			return ledger.ErrStaleContract
		}
	}
	seen := map[string]bool{}
	for _, tr := range t.transitions {
		for _, ev := range tr.Events {
			if _, dup := s.eventKeys[ev.IdempotencyKey]; dup || seen[ev.IdempotencyKey] {
				return ledger.ErrDuplicateIdempotencyKey
			}
			seen[ev.IdempotencyKey] = true
		}
	}
	for id, r := range t.transfers {
		if r.Status != contract.TransferPending {
			continue
		}
		for otherID, other := range s.transfers {
			if otherID != id && other.SourceContractID == r.SourceContractID && other.Status == contract.TransferPending {
				return transfer.ErrDuplicateRequest
			}
		}
	}
	return nil
}

func (t *Tx) Rollback(context.Context) error {
	if t.done {
		return pgx.ErrTxClosed
	}
	t.release()
	return nil
}

var errUnsupported = errors.New("memstore: raw SQL is not supported")

func (t *Tx) Begin(context.Context) (pgx.Tx, error) { return nil, errUnsupported }

func (t *Tx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, errUnsupported
}

func (t *Tx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }

func (t *Tx) LargeObjects() pgx.LargeObjects { return pgx.LargeObjects{} }

func (t *Tx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, errUnsupported
}

func (t *Tx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, errUnsupported
}

func (t *Tx) Query(context.Context, string, ...any) (pgx.Rows, error) { return nil, errUnsupported }

func (t *Tx) QueryRow(context.Context, string, ...any) pgx.Row { return errRow{} }

func (t *Tx) Conn() *pgx.Conn { return nil }

type errRow struct{}

func (errRow) Scan(...any) error { return errUnsupported }

// PutUnit adds or replaces an inventory unit.
func (s *Store) PutUnit(u contract.Unit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.units[u.ID] = u
}

// Unit returns a committed unit.
func (s *Store) Unit(id string) (contract.Unit, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.units[id]
	return u, ok
}

// Payments returns the committed payments of a contract.
func (s *Store) Payments(contractID string) []contract.Payment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]contract.Payment(nil), s.payments[contractID]...)
}

// PutEvent stores an event outside of any transition.
func (s *Store) PutEvent(ev contract.TransitionEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putEvent(ev)
}

func (s *Store) putEvent(ev contract.TransitionEvent) {
	if _, ok := s.events[ev.ID]; !ok {
		s.eventOrder = append(s.eventOrder, ev.ID)
	}
	s.events[ev.ID] = ev.Clone()
	s.eventKeys[ev.IdempotencyKey] = ev.ID
}

// Events returns every committed event ordered by creation time.
func (s *Store) Events() []contract.TransitionEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selectEvents(func(contract.TransitionEvent) bool { return true },
		func(ev contract.TransitionEvent) time.Time { return ev.CreatedAt }, 0)
}

// selectEvents returns matching events in insertion order, stably sorted
// by key and cut to limit when limit is positive. Caller holds mu.
func (s *Store) selectEvents(match func(contract.TransitionEvent) bool, key func(contract.TransitionEvent) time.Time, limit int) []contract.TransitionEvent {
	var out []contract.TransitionEvent
	for _, id := range s.eventOrder {
		if ev := s.events[id]; match(ev) {
			out = append(out, ev.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return key(out[i]).Before(key(out[j])) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
