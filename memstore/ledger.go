package memstore

import (
	"context"
	"errors"
	"sort"

	"github.com/jackc/pgx/v5"

	"contractflow/contract"
	"contractflow/ledger"
)

func (s *Store) GetContractForUpdate(ctx context.Context, tx pgx.Tx, id string) (contract.Contract, error) {
	t, err := s.txOf(tx)
	if err != nil {
		return contract.Contract{}, err
	}
	if err := t.acquire(ctx, "contract:"+id); err != nil {
		return contract.Contract{}, err
	}
	if c, ok := t.contracts[id]; ok {
		return c.Clone(), nil
	}
	return s.GetContract(ctx, id)
}

func (s *Store) GetContract(_ context.Context, id string) (contract.Contract, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contracts[id]
	if !ok {
		return contract.Contract{}, ledger.ErrContractNotFound
	}
	return c.Clone(), nil
}

func (s *Store) FindContractByPhase(ctx context.Context, phaseID string) (contract.Contract, error) {
	s.mu.Lock()
	id, ok := s.phases[phaseID]
	s.mu.Unlock()
	if !ok {
		return contract.Contract{}, ledger.ErrContractNotFound
	}
	return s.GetContract(ctx, id)
}

func (s *Store) InsertContract(_ context.Context, tx pgx.Tx, c contract.Contract) error {
	t, err := s.txOf(tx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	_, exists := s.contracts[c.ID]
	s.mu.Unlock()
	if exists || t.inserted[c.ID] {
		return errors.New("memstore: contract already exists")
	}
	t.contracts[c.ID] = c.Clone()
	t.inserted[c.ID] = true
	return nil
}

func (s *Store) UpdateContract(_ context.Context, tx pgx.Tx, c contract.Contract) error {
	t, err := s.txOf(tx)
	if err != nil {
		return err
	}
	current, ok := t.contracts[c.ID]
	if !ok {
		s.mu.Lock()
		current, ok = s.contracts[c.ID]
		s.mu.Unlock()
	}
	if !ok {
		return ledger.ErrContractNotFound
	}
	if current.Version != c.Version {
		return ledger.ErrStaleContract
	}
	next := c.Clone()
	next.Version = c.Version + 1
	t.contracts[c.ID] = next
	return nil
}

func (s *Store) NextSequence(_ context.Context, tx pgx.Tx, contractID string) (int, error) {
	t, err := s.txOf(tx)
	if err != nil {
		return 0, err
	}
	max := 0
	s.mu.Lock()
	for _, tr := range s.transitions[contractID] {
		if tr.Seq > max {
			max = tr.Seq
		}
	}
	s.mu.Unlock()
	for _, tr := range t.transitions {
		if tr.ContractID == contractID && tr.Seq > max {
			max = tr.Seq
		}
	}
	return max + 1, nil
}

func (s *Store) InsertTransitions(_ context.Context, tx pgx.Tx, ts []contract.Transition) error {
	t, err := s.txOf(tx)
	if err != nil {
		return err
	}
	staged := map[string]bool{}
	for _, tr := range t.transitions {
		for _, ev := range tr.Events {
			staged[ev.IdempotencyKey] = true
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tr := range ts {
		for _, ev := range tr.Events {
			if _, dup := s.eventKeys[ev.IdempotencyKey]; dup || staged[ev.IdempotencyKey] {
				return ledger.ErrDuplicateIdempotencyKey
			}
			staged[ev.IdempotencyKey] = true
		}
	}
	for _, tr := range ts {
		cp := tr
		cp.Events = make([]contract.TransitionEvent, len(tr.Events))
		for i, ev := range tr.Events {
			cp.Events[i] = ev.Clone()
		}
		t.transitions = append(t.transitions, cp)
	}
	return nil
}

func (s *Store) InsertPayments(_ context.Context, tx pgx.Tx, ps []contract.Payment) error {
	t, err := s.txOf(tx)
	if err != nil {
		return err
	}
	t.payments = append(t.payments, ps...)
	return nil
}

func (s *Store) ListPayments(_ context.Context, tx pgx.Tx, contractID string) ([]contract.Payment, error) {
	t, err := s.txOf(tx)
	if err != nil {
		return nil, err
	}
	out := s.Payments(contractID)
	for _, p := range t.payments {
		if p.ContractID == contractID {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].PaidAt.Before(out[j].PaidAt) })
	return out, nil
}

// ListTransitions returns committed transitions in sequence order with the
// current state of their events.
func (s *Store) ListTransitions(_ context.Context, contractID string) ([]contract.Transition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := append([]contract.Transition(nil), s.transitions[contractID]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })

	byTransition := map[string][]contract.TransitionEvent{}
	for _, id := range s.eventOrder {
		ev := s.events[id]
		byTransition[ev.TransitionID] = append(byTransition[ev.TransitionID], ev.Clone())
	}
	for i := range out {
		evs := byTransition[out[i].ID]
		sort.SliceStable(evs, func(a, b int) bool { return evs[a].Order < evs[b].Order })
		out[i].Events = evs
	}
	return out, nil
}
