// Package ledger is the single write path for contract state. Every change
// is committed together with its transition records and the side-effect
// events those transitions spawn.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"contractflow/action"
	"contractflow/contract"
	"contractflow/logging"
	"contractflow/telemetry"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Enqueuer receives events once their transition has committed. Enqueue
// must not block; stored PENDING events are picked up by the sweep anyway.
type Enqueuer interface {
	Enqueue(ctx context.Context, events []contract.TransitionEvent)
}

type Service struct {
	pool        TxBeginner
	repo        Repository
	registry    action.Registry
	triggers    action.Triggers
	enqueuer    Enqueuer
	metrics     *telemetry.Metrics
	idGenerator func() string
	now         func() time.Time
}

// CommitResult is everything a commit wrote.
type CommitResult struct {
	Contract    contract.Contract
	Transitions []contract.Transition
	Payments    []contract.Payment
}

// Events flattens the events of all transitions in commit order.
func (r CommitResult) Events() []contract.TransitionEvent {
	var out []contract.TransitionEvent
	for _, t := range r.Transitions {
		out = append(out, t.Events...)
	}
	return out
}

func NewService(pool TxBeginner, repo Repository, registry action.Registry) *Service {
	if repo == nil {
		if p, ok := pool.(*pgxpool.Pool); ok {
			repo = NewRepository(p)
		}
	}
	return &Service{
		pool:        pool,
		repo:        repo,
		registry:    registry,
		triggers:    action.DefaultTriggers(),
		idGenerator: func() string { return uuid.NewString() },
		now:         time.Now,
	}
}

func (s *Service) WithTriggers(t action.Triggers) *Service {
	s.triggers = t
	return s
}

func (s *Service) WithEnqueuer(e Enqueuer) *Service {
	s.enqueuer = e
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

// NewID returns an identifier from the service's generator.
func (s *Service) NewID() string { return s.idGenerator() }

// Now returns the service clock's current time.
func (s *Service) Now() time.Time { return s.now() }

// Commit applies p to the contract and returns the transition it directly
// caused. Proposals that only move progress counters (for example a
// partial questionnaire) return a zero Transition.
func (s *Service) Commit(ctx context.Context, contractID string, p contract.Proposal, actor contract.Actor) (contract.Transition, error) {
	res, err := s.CommitAll(ctx, contractID, p, actor)
	if err != nil {
		return contract.Transition{}, err
	}
	if len(res.Transitions) == 0 {
		return contract.Transition{}, nil
	}
	return res.Transitions[0], nil
}

// CommitAll applies p and returns the full result including cascades.
func (s *Service) CommitAll(ctx context.Context, contractID string, p contract.Proposal, actor contract.Actor) (CommitResult, error) {
	if contractID == "" {
		return CommitResult{}, fmt.Errorf("ledger: missing contract id")
	}
	if actor.ID == "" {
		return CommitResult{}, fmt.Errorf("ledger: missing actor id")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return CommitResult{}, fmt.Errorf("ledger: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	c, err := s.repo.GetContractForUpdate(ctx, tx, contractID)
	if err != nil {
		return CommitResult{}, err
	}

	res, err := s.ApplyTx(ctx, tx, &c, p, actor)
	if err != nil {
		if errors.Is(err, contract.ErrInvalidTransition) {
			logging.Warn().
				Add(logging.ContractID(contractID)).
				Add(logging.Str("actor_id", actor.ID)).
				Add(logging.ErrorField(err)).
				Msg("transition rejected")
		}
		return CommitResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return CommitResult{}, fmt.Errorf("ledger: commit tx: %w", err)
	}

	s.afterCommit(ctx, res)
	return res, nil
}

// ApplyTx applies p to c inside tx. On success c holds the new state.
func (s *Service) ApplyTx(ctx context.Context, tx pgx.Tx, c *contract.Contract, p contract.Proposal, actor contract.Actor) (CommitResult, error) {
	working := c.Clone()
	now := s.now()

	out, err := contract.Apply(&working, p, now)
	if err != nil {
		return CommitResult{}, err
	}

	for i := range out.Payments {
		if out.Payments[i].ID == "" {
			out.Payments[i].ID = s.idGenerator()
		}
	}

	if len(out.Changes) == 0 && len(out.Payments) == 0 && !progressChanged(p) {
		return CommitResult{Contract: working}, nil
	}

	if err := s.repo.UpdateContract(ctx, tx, working); err != nil {
		return CommitResult{}, err
	}
	working.Version++

	transitions, err := s.record(ctx, tx, &working, out.Changes, actor, now)
	if err != nil {
		return CommitResult{}, err
	}
	if len(out.Payments) > 0 {
		if err := s.repo.InsertPayments(ctx, tx, out.Payments); err != nil {
			return CommitResult{}, err
		}
	}

	*c = working
	return CommitResult{Contract: working, Transitions: transitions, Payments: out.Payments}, nil
}

func progressChanged(p contract.Proposal) bool {
	_, ok := p.(contract.AnswerQuestionnaire)
	return ok
}

// CreateTx inserts a new contract inside tx and records its creation
// transition followed by extra, whose Cause indexes are relative to extra
// (-1 meaning caused by the creation itself).
func (s *Service) CreateTx(ctx context.Context, tx pgx.Tx, c contract.Contract, actor contract.Actor, reason string, extra []contract.Change) (CommitResult, error) {
	if err := c.Validate(); err != nil {
		return CommitResult{}, err
	}
	if c.Version == 0 {
		c.Version = 1
	}
	if err := s.repo.InsertContract(ctx, tx, c); err != nil {
		return CommitResult{}, err
	}

	changes := []contract.Change{{
		Entity:   contract.EntityContract,
		EntityID: c.ID,
		From:     "",
		To:       string(c.Status),
		Reason:   reason,
		Cause:    -1,
	}}
	for _, ch := range extra {
		ch.Cause++
		changes = append(changes, ch)
	}

	transitions, err := s.record(ctx, tx, &c, changes, actor, s.now())
	if err != nil {
		return CommitResult{}, err
	}
	return CommitResult{Contract: c, Transitions: transitions}, nil
}

func (s *Service) record(ctx context.Context, tx pgx.Tx, c *contract.Contract, changes []contract.Change, actor contract.Actor, now time.Time) ([]contract.Transition, error) {
	if len(changes) == 0 {
		return nil, nil
	}
	seq, err := s.repo.NextSequence(ctx, tx, c.ID)
	if err != nil {
		return nil, err
	}

	transitions := make([]contract.Transition, 0, len(changes))
	for i, ch := range changes {
		t := contract.Transition{
			ID:         s.idGenerator(),
			ContractID: c.ID,
			Seq:        seq + i,
			EntityType: ch.Entity,
			EntityID:   ch.EntityID,
			From:       ch.From,
			To:         ch.To,
			ActorID:    actor.ID,
			ActorRole:  actor.Role,
			Reason:     ch.Reason,
			CreatedAt:  now,
		}
		if ch.Cause >= 0 && ch.Cause < len(transitions) {
			id := transitions[ch.Cause].ID
			t.CausedByID = &id
		}
		t.Events = s.planEvents(c, t, ch, now)
		transitions = append(transitions, t)
	}

	if err := s.repo.InsertTransitions(ctx, tx, transitions); err != nil {
		return nil, err
	}
	return transitions, nil
}

// AfterCommit publishes metrics, logs and events for a result committed by
// a caller that used ApplyTx or CreateTx directly.
func (s *Service) AfterCommit(ctx context.Context, res CommitResult) {
	s.afterCommit(ctx, res)
}

func (s *Service) afterCommit(ctx context.Context, res CommitResult) {
	for _, t := range res.Transitions {
		s.metrics.RecordTransition(ctx, string(t.EntityType), t.To)
		logging.Info().
			Add(logging.ContractID(t.ContractID)).
			Add(logging.TransitionID(t.ID)).
			Add(logging.Transition(string(t.EntityType), t.From, t.To)).
			Add(logging.Count("events", len(t.Events))).
			Msg("transition committed")
	}
	if s.enqueuer == nil {
		return
	}
	if events := res.Events(); len(events) > 0 {
		s.enqueuer.Enqueue(ctx, events)
	}
}

// OriginateParams describes a submitted application.
type OriginateParams struct {
	Template   contract.Template
	CustomerID string
	AssetID    string
	Currency   string
	Total      decimal.Decimal
	Actor      contract.Actor
}

// Originate builds a DRAFT contract from a template and records its creation.
func (s *Service) Originate(ctx context.Context, params OriginateParams) (contract.Contract, error) {
	if params.CustomerID == "" {
		return contract.Contract{}, fmt.Errorf("ledger: missing customer id")
	}
	if params.AssetID == "" {
		return contract.Contract{}, fmt.Errorf("ledger: missing asset id")
	}
	actor := params.Actor
	if actor.ID == "" {
		actor = contract.Actor{ID: params.CustomerID, Role: contract.RoleCustomer}
	}

	c, err := params.Template.Build(contract.BuildParams{
		CustomerID: params.CustomerID,
		AssetID:    params.AssetID,
		Currency:   params.Currency,
		Total:      params.Total,
		Start:      s.now(),
		NewID:      s.idGenerator,
	})
	if err != nil {
		return contract.Contract{}, fmt.Errorf("ledger: build contract: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return contract.Contract{}, fmt.Errorf("ledger: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	res, err := s.CreateTx(ctx, tx, c, actor, "application submitted", nil)
	if err != nil {
		return contract.Contract{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return contract.Contract{}, fmt.Errorf("ledger: commit tx: %w", err)
	}

	s.afterCommit(ctx, res)
	return res.Contract, nil
}

func (s *Service) Submit(ctx context.Context, contractID string, actor contract.Actor) (contract.Transition, error) {
	return s.Commit(ctx, contractID, contract.ContractTransition{To: contract.StatusPending, Reason: "submitted for review"}, actor)
}

func (s *Service) Activate(ctx context.Context, contractID string, actor contract.Actor) (contract.Transition, error) {
	return s.Commit(ctx, contractID, contract.ContractTransition{To: contract.StatusActive, Reason: "approved"}, actor)
}

func (s *Service) Cancel(ctx context.Context, contractID, reason string, actor contract.Actor) (contract.Transition, error) {
	return s.Commit(ctx, contractID, contract.ContractTransition{To: contract.StatusCancelled, Reason: reason}, actor)
}

func (s *Service) UpdateStep(ctx context.Context, contractID, phaseID, stepID string, to contract.StepStatus, reason string, actor contract.Actor) (CommitResult, error) {
	return s.CommitAll(ctx, contractID, contract.StepUpdate{PhaseID: phaseID, StepID: stepID, To: to, Reason: reason}, actor)
}

// PaymentInput is a settled payment reported by the payment provider.
type PaymentInput struct {
	Amount    decimal.Decimal
	Payer     string
	Reference string
	PaidAt    time.Time
}

func (s *Service) RecordPayment(ctx context.Context, contractID, phaseID string, in PaymentInput, actor contract.Actor) (CommitResult, error) {
	if in.Reference == "" {
		return CommitResult{}, fmt.Errorf("ledger: missing payment reference")
	}
	p := contract.Payment{
		ID:        s.idGenerator(),
		Amount:    in.Amount,
		Payer:     in.Payer,
		Reference: in.Reference,
		Status:    contract.PaymentCompleted,
		PaidAt:    in.PaidAt,
	}
	return s.CommitAll(ctx, contractID, contract.RecordPayment{PhaseID: phaseID, Payment: p}, actor)
}

func (s *Service) AnswerQuestionnaire(ctx context.Context, contractID, phaseID string, answered int, actor contract.Actor) (CommitResult, error) {
	return s.CommitAll(ctx, contractID, contract.AnswerQuestionnaire{PhaseID: phaseID, Answered: answered}, actor)
}

func (s *Service) MarkOverdue(ctx context.Context, contractID string) (CommitResult, error) {
	return s.CommitAll(ctx, contractID, contract.MarkOverdue{}, contract.SystemActor)
}

// Get returns the current state of a contract.
func (s *Service) Get(ctx context.Context, contractID string) (contract.Contract, error) {
	return s.repo.GetContract(ctx, contractID)
}

// History returns the contract's transitions in sequence order.
func (s *Service) History(ctx context.Context, contractID string) ([]contract.Transition, error) {
	return s.repo.ListTransitions(ctx, contractID)
}

// LockTx loads a contract inside tx and holds its row lock until tx ends.
func (s *Service) LockTx(ctx context.Context, tx pgx.Tx, contractID string) (contract.Contract, error) {
	return s.repo.GetContractForUpdate(ctx, tx, contractID)
}

// PaymentsTx lists a contract's payments inside tx.
func (s *Service) PaymentsTx(ctx context.Context, tx pgx.Tx, contractID string) ([]contract.Payment, error) {
	return s.repo.ListPayments(ctx, tx, contractID)
}

// InsertPaymentsTx stores payments that were not produced by Apply, such
// as payments migrated by a transfer.
func (s *Service) InsertPaymentsTx(ctx context.Context, tx pgx.Tx, ps []contract.Payment) error {
	if len(ps) == 0 {
		return nil
	}
	return s.repo.InsertPayments(ctx, tx, ps)
}
