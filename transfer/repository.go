package transfer

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"contractflow/contract"
)

// Repository stores transfer requests and the inventory units they move
// between.
type Repository interface {
	InsertTransferRequest(ctx context.Context, tx pgx.Tx, r contract.TransferRequest) error
	FindPendingTransfer(ctx context.Context, tx pgx.Tx, sourceContractID string) (contract.TransferRequest, bool, error)
	GetTransferForUpdate(ctx context.Context, tx pgx.Tx, id string) (contract.TransferRequest, error)
	UpdateTransferRequest(ctx context.Context, tx pgx.Tx, r contract.TransferRequest) error
	GetTransfer(ctx context.Context, id string) (contract.TransferRequest, error)

	GetUnitForUpdate(ctx context.Context, tx pgx.Tx, id string) (contract.Unit, error)
	UpdateUnit(ctx context.Context, tx pgx.Tx, u contract.Unit) error
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const requestColumns = `id, source_contract_id, target_asset_id, customer_id, reason, status,
    price_adjustment::text, handling, new_contract_id, payments_migrated, reviewer_id, review_notes,
    created_at, resolved_at`

func scanRequest(row pgx.Row) (contract.TransferRequest, error) {
	var (
		r          contract.TransferRequest
		adjustment string
	)
	if err := row.Scan(&r.ID, &r.SourceContractID, &r.TargetAssetID, &r.CustomerID, &r.Reason, &r.Status,
		&adjustment, &r.Handling, &r.NewContractID, &r.PaymentsMigrated, &r.ReviewerID, &r.ReviewNotes,
		&r.CreatedAt, &r.ResolvedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return contract.TransferRequest{}, ErrTransferNotFound
		}
		return contract.TransferRequest{}, fmt.Errorf("transfer: scan request: %w", err)
	}
	var err error
	if r.PriceAdjustment, err = decimal.NewFromString(adjustment); err != nil {
		return contract.TransferRequest{}, fmt.Errorf("transfer: parse adjustment: %w", err)
	}
	return r, nil
}

func (r *PGRepository) InsertTransferRequest(ctx context.Context, tx pgx.Tx, req contract.TransferRequest) error {
	_, err := tx.Exec(ctx, `
        INSERT INTO transfer_requests (id, source_contract_id, target_asset_id, customer_id, reason, status,
            price_adjustment, handling, payments_migrated, created_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7::numeric,$8,$9,$10)
    `, req.ID, req.SourceContractID, req.TargetAssetID, req.CustomerID, req.Reason, req.Status,
		req.PriceAdjustment.StringFixed(2), req.Handling, req.PaymentsMigrated, req.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateRequest
		}
		return fmt.Errorf("transfer: insert request: %w", err)
	}
	return nil
}

func (r *PGRepository) FindPendingTransfer(ctx context.Context, tx pgx.Tx, sourceContractID string) (contract.TransferRequest, bool, error) {
	req, err := scanRequest(tx.QueryRow(ctx, `
        SELECT `+requestColumns+` FROM transfer_requests
        WHERE source_contract_id=$1 AND status='PENDING'
    `, sourceContractID))
	if errors.Is(err, ErrTransferNotFound) {
		return contract.TransferRequest{}, false, nil
	}
	if err != nil {
		return contract.TransferRequest{}, false, err
	}
	return req, true, nil
}

func (r *PGRepository) GetTransferForUpdate(ctx context.Context, tx pgx.Tx, id string) (contract.TransferRequest, error) {
	return scanRequest(tx.QueryRow(ctx, `SELECT `+requestColumns+` FROM transfer_requests WHERE id=$1 FOR UPDATE`, id))
}

func (r *PGRepository) GetTransfer(ctx context.Context, id string) (contract.TransferRequest, error) {
	return scanRequest(r.pool.QueryRow(ctx, `SELECT `+requestColumns+` FROM transfer_requests WHERE id=$1`, id))
}

func (r *PGRepository) UpdateTransferRequest(ctx context.Context, tx pgx.Tx, req contract.TransferRequest) error {
	tag, err := tx.Exec(ctx, `
        UPDATE transfer_requests
        SET status=$1, price_adjustment=$2::numeric, handling=$3, new_contract_id=$4, payments_migrated=$5,
            reviewer_id=$6, review_notes=$7, resolved_at=$8
        WHERE id=$9
    `, req.Status, req.PriceAdjustment.StringFixed(2), req.Handling, req.NewContractID, req.PaymentsMigrated,
		req.ReviewerID, req.ReviewNotes, req.ResolvedAt, req.ID)
	if err != nil {
		return fmt.Errorf("transfer: update request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTransferNotFound
	}
	return nil
}

func (r *PGRepository) GetUnitForUpdate(ctx context.Context, tx pgx.Tx, id string) (contract.Unit, error) {
	var (
		u     contract.Unit
		price string
	)
	err := tx.QueryRow(ctx, `
        SELECT id, name, price::text, currency, status, reserved_by
        FROM units WHERE id=$1 FOR UPDATE
    `, id).Scan(&u.ID, &u.Name, &price, &u.Currency, &u.Status, &u.ReservedBy)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return contract.Unit{}, ErrUnitNotFound
		}
		return contract.Unit{}, fmt.Errorf("transfer: get unit: %w", err)
	}
	if u.Price, err = decimal.NewFromString(price); err != nil {
		return contract.Unit{}, fmt.Errorf("transfer: parse unit price: %w", err)
	}
	return u, nil
}

func (r *PGRepository) UpdateUnit(ctx context.Context, tx pgx.Tx, u contract.Unit) error {
	tag, err := tx.Exec(ctx, `UPDATE units SET status=$1, reserved_by=$2 WHERE id=$3`, u.Status, u.ReservedBy, u.ID)
	if err != nil {
		return fmt.Errorf("transfer: update unit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUnitNotFound
	}
	return nil
}
