// Package transfer moves an in-flight contract onto a different unit while
// keeping its completed progress and payment history.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"contractflow/contract"
	"contractflow/ledger"
	"contractflow/logging"
	"contractflow/telemetry"
)

type Service struct {
	pool        ledger.TxBeginner
	repo        Repository
	ledger      *ledger.Service
	templates   map[string]contract.Template
	metrics     *telemetry.Metrics
	idGenerator func() string
	now         func() time.Time
}

func NewService(pool ledger.TxBeginner, repo Repository, ledgerSvc *ledger.Service) *Service {
	mortgage := contract.MortgageTemplate()
	return &Service{
		pool:        pool,
		repo:        repo,
		ledger:      ledgerSvc,
		templates:   map[string]contract.Template{mortgage.ID: mortgage},
		idGenerator: ledgerSvc.NewID,
		now:         ledgerSvc.Now,
	}
}

// WithTemplates registers the templates new contracts may be rebuilt from.
func (s *Service) WithTemplates(ts ...contract.Template) *Service {
	for _, t := range ts {
		s.templates[t.ID] = t
	}
	return s
}

func (s *Service) WithMetrics(m *telemetry.Metrics) *Service {
	s.metrics = m
	return s
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// RequestTransfer opens a PENDING request to move sourceContractID onto
// targetAssetID. Only one PENDING request may exist per source contract.
func (s *Service) RequestTransfer(ctx context.Context, sourceContractID, targetAssetID, reason string, actor contract.Actor) (contract.TransferRequest, error) {
	if sourceContractID == "" || targetAssetID == "" {
		return contract.TransferRequest{}, fmt.Errorf("transfer: source contract and target asset are required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return contract.TransferRequest{}, fmt.Errorf("transfer: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	source, err := s.ledger.LockTx(ctx, tx, sourceContractID)
	if err != nil {
		return contract.TransferRequest{}, err
	}
	if actor.Role == contract.RoleCustomer && actor.ID != source.CustomerID {
		return contract.TransferRequest{}, ErrForbidden
	}
	if source.Status != contract.StatusActive {
		return contract.TransferRequest{}, fmt.Errorf("%w: %s", ErrSourceNotActive, source.Status)
	}
	if source.AssetID == targetAssetID {
		return contract.TransferRequest{}, fmt.Errorf("%w: contract is already on %s", ErrUnitUnavailable, targetAssetID)
	}

	if _, found, err := s.repo.FindPendingTransfer(ctx, tx, sourceContractID); err != nil {
		return contract.TransferRequest{}, err
	} else if found {
		return contract.TransferRequest{}, ErrDuplicateRequest
	}

	unit, err := s.repo.GetUnitForUpdate(ctx, tx, targetAssetID)
	if err != nil {
		return contract.TransferRequest{}, err
	}
	if unit.Status != contract.UnitAvailable {
		return contract.TransferRequest{}, fmt.Errorf("%w: %s is %s", ErrUnitUnavailable, unit.ID, unit.Status)
	}

	req := contract.TransferRequest{
		ID:               s.idGenerator(),
		SourceContractID: sourceContractID,
		TargetAssetID:    targetAssetID,
		CustomerID:       source.CustomerID,
		Reason:           reason,
		Status:           contract.TransferPending,
		PriceAdjustment:  unit.Price.Sub(source.TotalAmount),
		Handling:         contract.AdjustFoldIntoRemaining,
		CreatedAt:        s.now(),
	}
	if err := s.repo.InsertTransferRequest(ctx, tx, req); err != nil {
		return contract.TransferRequest{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return contract.TransferRequest{}, fmt.Errorf("transfer: commit tx: %w", err)
	}

	s.metrics.RecordTransfer(ctx, "requested")
	logging.Info().
		Add(logging.TransferID(req.ID)).
		Add(logging.ContractID(sourceContractID)).
		Add(logging.Str("target_asset_id", targetAssetID)).
		Add(logging.Str("price_adjustment", req.PriceAdjustment.StringFixed(2))).
		Msg("transfer requested")
	return req, nil
}

// Approval is the result of an approved transfer.
type Approval struct {
	Request          contract.TransferRequest
	NewContract      contract.Contract
	PaymentsMigrated int
}

// ApproveTransfer creates the new contract, migrates payments, terminates
// the source and swaps unit reservations in one transaction. Any failure
// is returned as an *AtomicityError and leaves every row untouched.
func (s *Service) ApproveTransfer(ctx context.Context, requestID string, handling contract.AdjustmentHandling, reviewer contract.Actor) (Approval, error) {
	if handling == "" {
		handling = contract.AdjustFoldIntoRemaining
	}
	if handling != contract.AdjustFoldIntoRemaining && handling != contract.AdjustRecompute {
		return Approval{}, fmt.Errorf("transfer: unknown adjustment handling %q", handling)
	}

	approval, results, err := s.approve(ctx, requestID, handling, reviewer)
	if err != nil {
		s.metrics.RecordTransfer(ctx, "failed")
		logging.Error().
			Add(logging.TransferID(requestID)).
			Add(logging.ErrorField(err)).
			Msg("transfer approval rolled back")
		return Approval{}, err
	}

	for _, res := range results {
		s.ledger.AfterCommit(ctx, res)
	}
	s.metrics.RecordTransfer(ctx, "approved")
	logging.Info().
		Add(logging.TransferID(requestID)).
		Add(logging.ContractID(approval.NewContract.ID)).
		Add(logging.Str("source_contract_id", approval.Request.SourceContractID)).
		Add(logging.Count("payments_migrated", approval.PaymentsMigrated)).
		Msg("transfer approved")
	return approval, nil
}

func (s *Service) approve(ctx context.Context, requestID string, handling contract.AdjustmentHandling, reviewer contract.Actor) (Approval, []ledger.CommitResult, error) {
	fail := func(step string, err error) (Approval, []ledger.CommitResult, error) {
		return Approval{}, nil, &AtomicityError{RequestID: requestID, Step: step, Err: err}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fail("begin", err)
	}
	defer tx.Rollback(ctx)

	req, err := s.repo.GetTransferForUpdate(ctx, tx, requestID)
	if err != nil {
		return fail("load request", err)
	}
	if req.Status != contract.TransferPending {
		return fail("load request", fmt.Errorf("%w: %s", ErrNotPending, req.Status))
	}

	source, err := s.ledger.LockTx(ctx, tx, req.SourceContractID)
	if err != nil {
		return fail("lock source", err)
	}
	if source.Status != contract.StatusActive {
		return fail("lock source", fmt.Errorf("%w: %s", ErrSourceNotActive, source.Status))
	}

	target, err := s.repo.GetUnitForUpdate(ctx, tx, req.TargetAssetID)
	if err != nil {
		return fail("reserve target", err)
	}
	if target.Status != contract.UnitAvailable {
		return fail("reserve target", fmt.Errorf("%w: %s is %s", ErrUnitUnavailable, target.ID, target.Status))
	}

	tmpl, ok := s.templates[source.TemplateID]
	if !ok {
		return fail("build contract", fmt.Errorf("%w: %s", ErrUnknownTemplate, source.TemplateID))
	}
	payments, err := s.ledger.PaymentsTx(ctx, tx, source.ID)
	if err != nil {
		return fail("load payments", err)
	}

	now := s.now()
	plan, err := buildPlan(planInput{
		source:   source,
		payments: payments,
		template: tmpl,
		target:   target,
		handling: handling,
		now:      now,
		newID:    s.idGenerator,
	})
	if err != nil {
		return fail("build contract", err)
	}

	activePhase, err := plan.Contract.Phase(plan.ActivePhaseID)
	if err != nil {
		return fail("build contract", err)
	}
	created, err := s.ledger.CreateTx(ctx, tx, plan.Contract, reviewer,
		fmt.Sprintf("transferred from contract %s", source.ID),
		[]contract.Change{{
			Entity:   contract.EntityPhase,
			EntityID: activePhase.ID,
			PhaseID:  activePhase.ID,
			Category: activePhase.Category,
			From:     string(contract.PhasePending),
			To:       string(contract.PhaseActive),
			Reason:   "resumed after transfer",
			Cause:    -1,
		}})
	if err != nil {
		return fail("create contract", err)
	}
	if err := s.ledger.InsertPaymentsTx(ctx, tx, plan.Payments); err != nil {
		return fail("migrate payments", err)
	}

	closed, err := s.ledger.ApplyTx(ctx, tx, &source, contract.ContractTransition{
		To:     contract.StatusTransferred,
		Reason: fmt.Sprintf("transferred to contract %s", plan.Contract.ID),
	}, reviewer)
	if err != nil {
		return fail("close source", err)
	}

	if err := s.releaseSourceUnit(ctx, tx, source); err != nil {
		return fail("release source unit", err)
	}
	customer := source.CustomerID
	target.Status = contract.UnitReserved
	target.ReservedBy = &customer
	if err := s.repo.UpdateUnit(ctx, tx, target); err != nil {
		return fail("reserve target", err)
	}

	newID := plan.Contract.ID
	reviewerID := reviewer.ID
	req.Status = contract.TransferCompleted
	req.Handling = handling
	req.PriceAdjustment = plan.PriceAdjustment
	req.NewContractID = &newID
	req.PaymentsMigrated = len(plan.Payments)
	req.ReviewerID = &reviewerID
	req.ResolvedAt = &now
	if err := s.repo.UpdateTransferRequest(ctx, tx, req); err != nil {
		return fail("resolve request", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fail("commit", err)
	}

	return Approval{
		Request:          req,
		NewContract:      created.Contract,
		PaymentsMigrated: len(plan.Payments),
	}, []ledger.CommitResult{closed, created}, nil
}

func (s *Service) releaseSourceUnit(ctx context.Context, tx pgx.Tx, source contract.Contract) error {
	unit, err := s.repo.GetUnitForUpdate(ctx, tx, source.AssetID)
	if errors.Is(err, ErrUnitNotFound) {
		// Source contracts may predate unit tracking.
		return nil
	}
	if err != nil {
		return err
	}
	unit.Status = contract.UnitAvailable
	unit.ReservedBy = nil
	return s.repo.UpdateUnit(ctx, tx, unit)
}

// RejectTransfer resolves a PENDING request as REJECTED. Neither contract
// is touched.
func (s *Service) RejectTransfer(ctx context.Context, requestID, notes string, reviewer contract.Actor) (contract.TransferRequest, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return contract.TransferRequest{}, fmt.Errorf("transfer: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err := s.repo.GetTransferForUpdate(ctx, tx, requestID)
	if err != nil {
		return contract.TransferRequest{}, err
	}
	if req.Status != contract.TransferPending {
		return contract.TransferRequest{}, fmt.Errorf("%w: %s", ErrNotPending, req.Status)
	}

	now := s.now()
	reviewerID := reviewer.ID
	req.Status = contract.TransferRejected
	req.ReviewerID = &reviewerID
	req.ReviewNotes = &notes
	req.ResolvedAt = &now
	if err := s.repo.UpdateTransferRequest(ctx, tx, req); err != nil {
		return contract.TransferRequest{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return contract.TransferRequest{}, fmt.Errorf("transfer: commit tx: %w", err)
	}

	s.metrics.RecordTransfer(ctx, "rejected")
	logging.Info().Add(logging.TransferID(req.ID)).Add(logging.ContractID(req.SourceContractID)).Msg("transfer rejected")
	return req, nil
}

func (s *Service) GetTransfer(ctx context.Context, requestID string) (contract.TransferRequest, error) {
	return s.repo.GetTransfer(ctx, requestID)
}
