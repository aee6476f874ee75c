package memstore

import (
	"context"

	"github.com/jackc/pgx/v5"

	"contractflow/contract"
	"contractflow/transfer"
)

func (s *Store) InsertTransferRequest(ctx context.Context, tx pgx.Tx, r contract.TransferRequest) error {
	t, err := s.txOf(tx)
	if err != nil {
		return err
	}
	if _, found, _ := s.FindPendingTransfer(ctx, tx, r.SourceContractID); found && r.Status == contract.TransferPending {
		return transfer.ErrDuplicateRequest
	}
	t.transfers[r.ID] = r
	return nil
}

func (s *Store) FindPendingTransfer(_ context.Context, tx pgx.Tx, sourceContractID string) (contract.TransferRequest, bool, error) {
	t, err := s.txOf(tx)
	if err != nil {
		return contract.TransferRequest{}, false, err
	}
	for _, r := range t.transfers {
		if r.SourceContractID == sourceContractID && r.Status == contract.TransferPending {
			return r, true, nil
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, r := range s.transfers {
		if _, staged := t.transfers[id]; staged {
			continue
		}
		if r.SourceContractID == sourceContractID && r.Status == contract.TransferPending {
			return r, true, nil
		}
	}
	return contract.TransferRequest{}, false, nil
}

func (s *Store) GetTransferForUpdate(ctx context.Context, tx pgx.Tx, id string) (contract.TransferRequest, error) {
	t, err := s.txOf(tx)
	if err != nil {
		return contract.TransferRequest{}, err
	}
	if err := t.acquire(ctx, "transfer:"+id); err != nil {
		return contract.TransferRequest{}, err
	}
	if r, ok := t.transfers[id]; ok {
		return r, nil
	}
	return s.GetTransfer(ctx, id)
}

func (s *Store) GetTransfer(_ context.Context, id string) (contract.TransferRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.transfers[id]
	if !ok {
		return contract.TransferRequest{}, transfer.ErrTransferNotFound
	}
	return r, nil
}

func (s *Store) UpdateTransferRequest(ctx context.Context, tx pgx.Tx, r contract.TransferRequest) error {
	t, err := s.txOf(tx)
	if err != nil {
		return err
	}
	if _, ok := t.transfers[r.ID]; !ok {
		if _, err := s.GetTransfer(ctx, r.ID); err != nil {
			return err
		}
	}
	t.transfers[r.ID] = r
	return nil
}

func (s *Store) GetUnitForUpdate(ctx context.Context, tx pgx.Tx, id string) (contract.Unit, error) {
	t, err := s.txOf(tx)
	if err != nil {
		return contract.Unit{}, err
	}
	if err := t.acquire(ctx, "unit:"+id); err != nil {
		return contract.Unit{}, err
	}
	if u, ok := t.units[id]; ok {
		return u, nil
	}
	u, ok := s.Unit(id)
	if !ok {
		return contract.Unit{}, transfer.ErrUnitNotFound
	}
	return u, nil
}

func (s *Store) UpdateUnit(_ context.Context, tx pgx.Tx, u contract.Unit) error {
	t, err := s.txOf(tx)
	if err != nil {
		return err
	}
	if _, ok := t.units[u.ID]; !ok {
		if _, ok := s.Unit(u.ID); !ok {
			return transfer.ErrUnitNotFound
		}
	}
	t.units[u.ID] = u
	return nil
}
