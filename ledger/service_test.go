package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"contractflow/action"
	"contractflow/contract"
	"contractflow/ledger"
	"contractflow/memstore"
)

var (
	t0       = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	customer = contract.Actor{ID: "customer-1", Role: contract.RoleCustomer}
	admin    = contract.Actor{ID: "admin-1", Role: contract.RoleAdmin}
)

type idSeq struct {
	mu sync.Mutex
	n  int
}

func (s *idSeq) next() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("id-%d", s.n)
}

type recordingEnqueuer struct {
	mu     sync.Mutex
	events []contract.TransitionEvent
}

func (r *recordingEnqueuer) Enqueue(_ context.Context, evs []contract.TransitionEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evs...)
}

func newLedger(t *testing.T) (*ledger.Service, *memstore.Store, *recordingEnqueuer) {
	t.Helper()
	store := memstore.New()
	enq := &recordingEnqueuer{}
	ids := &idSeq{}
	svc := ledger.NewService(store, store, action.DefaultRegistry("http://downstream.test")).
		WithEnqueuer(enq).
		WithIDGenerator(ids.next).
		WithClock(func() time.Time { return t0 })
	return svc, store, enq
}

func originate(t *testing.T, svc *ledger.Service, total int64) contract.Contract {
	t.Helper()
	c, err := svc.Originate(context.Background(), ledger.OriginateParams{
		Template:   contract.MortgageTemplate(),
		CustomerID: customer.ID,
		AssetID:    "unit-a",
		Currency:   "NGN",
		Total:      decimal.NewFromInt(total),
	})
	require.NoError(t, err)
	return c
}

func activate(t *testing.T, svc *ledger.Service, id string) {
	t.Helper()
	_, err := svc.Submit(context.Background(), id, customer)
	require.NoError(t, err)
	_, err = svc.Activate(context.Background(), id, admin)
	require.NoError(t, err)
}

func TestOriginateRecordsCreation(t *testing.T) {
	svc, _, _ := newLedger(t)
	c := originate(t, svc, 10_000_000)

	require.Equal(t, contract.StatusDraft, c.Status)
	require.Equal(t, 1, c.Version)

	history, err := svc.History(context.Background(), c.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, "", history[0].From)
	require.Equal(t, "DRAFT", history[0].To)
	require.Equal(t, customer.ID, history[0].ActorID)
	require.Equal(t, 1, history[0].Seq)
}

func TestActivationCascadesWithEvents(t *testing.T) {
	svc, _, enq := newLedger(t)
	ctx := context.Background()
	c := originate(t, svc, 10_000_000)

	_, err := svc.Submit(ctx, c.ID, customer)
	require.NoError(t, err)
	res, err := svc.CommitAll(ctx, c.ID, contract.ContractTransition{To: contract.StatusActive, Reason: "approved"}, admin)
	require.NoError(t, err)

	require.Len(t, res.Transitions, 2)
	contractTr, phaseTr := res.Transitions[0], res.Transitions[1]
	require.Equal(t, contract.EntityContract, contractTr.EntityType)
	require.Equal(t, "ACTIVE", contractTr.To)
	require.Equal(t, contract.EntityPhase, phaseTr.EntityType)
	require.Equal(t, c.Phases[0].ID, phaseTr.EntityID)
	require.NotNil(t, phaseTr.CausedByID)
	require.Equal(t, contractTr.ID, *phaseTr.CausedByID)
	require.Equal(t, contractTr.Seq+1, phaseTr.Seq)

	require.Len(t, contractTr.Events, 2)
	require.Equal(t, action.SendEmail, contractTr.Events[0].Action)
	require.Equal(t, action.AuditLog, contractTr.Events[1].Action)
	for i, ev := range contractTr.Events {
		require.Equal(t, contract.EventPending, ev.Status)
		require.Equal(t, i+1, ev.Order)
		require.Equal(t, ledger.IdempotencyKey(contractTr.ID, ev.Action, i+1), ev.IdempotencyKey)
	}
	require.Equal(t, 5, contractTr.Events[0].MaxRetries)

	enq.mu.Lock()
	defer enq.mu.Unlock()
	// PENDING transition emits two events, ACTIVE emits two plus one for the phase.
	require.Len(t, enq.events, 5)

	stored, err := svc.Get(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, contract.StatusActive, stored.Status)
	require.Equal(t, contract.PhaseActive, stored.Phases[0].Status)
	require.Equal(t, 3, stored.Version)
}

func TestInvalidTransitionLeavesNoTrace(t *testing.T) {
	svc, _, enq := newLedger(t)
	ctx := context.Background()
	c := originate(t, svc, 10_000_000)

	_, err := svc.Activate(ctx, c.ID, admin)
	require.Error(t, err)
	require.True(t, errors.Is(err, contract.ErrInvalidTransition))

	var invalid *contract.InvalidTransitionError
	require.True(t, errors.As(err, &invalid))

	history, err := svc.History(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)

	stored, err := svc.Get(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, contract.StatusDraft, stored.Status)
	require.Equal(t, 1, stored.Version)
	require.Empty(t, enq.events)
}

func TestCommitValidatesArguments(t *testing.T) {
	svc, _, _ := newLedger(t)
	ctx := context.Background()

	_, err := svc.Commit(ctx, "", contract.ContractTransition{To: contract.StatusPending}, customer)
	require.Error(t, err)

	_, err = svc.Commit(ctx, "contract-x", contract.ContractTransition{To: contract.StatusPending}, contract.Actor{})
	require.Error(t, err)

	_, err = svc.Commit(ctx, "missing", contract.ContractTransition{To: contract.StatusPending}, customer)
	require.ErrorIs(t, err, ledger.ErrContractNotFound)
}

func TestDocumentationStepsCompletePhase(t *testing.T) {
	svc, _, _ := newLedger(t)
	ctx := context.Background()
	c := originate(t, svc, 10_000_000)
	activate(t, svc, c.ID)

	kyc := c.Phases[0]
	doc, _ := kyc.Documentation()
	var last ledger.CommitResult
	for _, step := range doc.Steps {
		var err error
		last, err = svc.UpdateStep(ctx, c.ID, kyc.ID, step.ID, contract.StepCompleted, "", admin)
		require.NoError(t, err)
	}

	// step COMPLETED, KYC COMPLETED, questionnaire ACTIVE
	require.Len(t, last.Transitions, 3)
	require.Equal(t, contract.EntityStep, last.Transitions[0].EntityType)
	require.Equal(t, "COMPLETED", last.Transitions[1].To)
	require.Equal(t, kyc.ID, last.Transitions[1].EntityID)
	require.Equal(t, c.Phases[1].ID, last.Transitions[2].EntityID)
	require.Equal(t, "ACTIVE", last.Transitions[2].To)
	require.Equal(t, last.Transitions[1].ID, *last.Transitions[2].CausedByID)
}

func TestPartialQuestionnaireBumpsVersionWithoutTransition(t *testing.T) {
	svc, _, _ := newLedger(t)
	ctx := context.Background()
	c := originate(t, svc, 10_000_000)
	activate(t, svc, c.ID)

	kyc := c.Phases[0]
	doc, _ := kyc.Documentation()
	for _, step := range doc.Steps {
		_, err := svc.UpdateStep(ctx, c.ID, kyc.ID, step.ID, contract.StepCompleted, "", admin)
		require.NoError(t, err)
	}
	before, err := svc.Get(ctx, c.ID)
	require.NoError(t, err)

	tr, err := svc.Commit(ctx, c.ID, contract.AnswerQuestionnaire{PhaseID: c.Phases[1].ID, Answered: 4}, customer)
	require.NoError(t, err)
	require.Empty(t, tr.ID)

	after, err := svc.Get(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, before.Version+1, after.Version)
	q, _ := after.Phases[1].Questionnaire()
	require.Equal(t, 4, q.AnsweredFields)
}

func TestRecordPaymentPersistsPayment(t *testing.T) {
	svc, store, _ := newLedger(t)
	ctx := context.Background()
	c := originate(t, svc, 10_000_000)
	activate(t, svc, c.ID)

	kyc := c.Phases[0]
	doc, _ := kyc.Documentation()
	for _, step := range doc.Steps {
		_, err := svc.UpdateStep(ctx, c.ID, kyc.ID, step.ID, contract.StepCompleted, "", admin)
		require.NoError(t, err)
	}
	_, err := svc.AnswerQuestionnaire(ctx, c.ID, c.Phases[1].ID, 12, customer)
	require.NoError(t, err)

	down := c.Phases[2]
	_, err = svc.RecordPayment(ctx, c.ID, down.ID, ledger.PaymentInput{
		Amount:    decimal.NewFromInt(100_000),
		Payer:     customer.ID,
		Reference: "",
	}, customer)
	require.Error(t, err)

	res, err := svc.RecordPayment(ctx, c.ID, down.ID, ledger.PaymentInput{
		Amount:    decimal.RequireFromString("83333.33"),
		Payer:     customer.ID,
		Reference: "PAY-001",
		PaidAt:    t0,
	}, customer)
	require.NoError(t, err)
	require.Len(t, res.Payments, 1)
	require.Equal(t, down.ID, res.Payments[0].PhaseID)

	payments := store.Payments(c.ID)
	require.Len(t, payments, 1)
	require.Equal(t, "PAY-001", payments[0].Reference)

	stored, err := svc.Get(ctx, c.ID)
	require.NoError(t, err)
	require.True(t, stored.TotalPaid.Equal(decimal.RequireFromString("83333.33")))

	_, err = svc.RecordPayment(ctx, c.ID, down.ID, ledger.PaymentInput{
		Amount:    decimal.NewFromInt(2_000_000),
		Reference: "PAY-002",
	}, customer)
	require.ErrorIs(t, err, contract.ErrOverpayment)
}

func TestPartialPaymentLeavesHistoryEntryWithoutEvents(t *testing.T) {
	svc, _, _ := newLedger(t)
	ctx := context.Background()
	c := originate(t, svc, 10_000_000)
	activate(t, svc, c.ID)

	kyc := c.Phases[0]
	doc, _ := kyc.Documentation()
	for _, step := range doc.Steps {
		_, err := svc.UpdateStep(ctx, c.ID, kyc.ID, step.ID, contract.StepCompleted, "", admin)
		require.NoError(t, err)
	}
	_, err := svc.AnswerQuestionnaire(ctx, c.ID, c.Phases[1].ID, 12, customer)
	require.NoError(t, err)

	down := c.Phases[2]
	_, err = svc.RecordPayment(ctx, c.ID, down.ID, ledger.PaymentInput{Amount: decimal.NewFromInt(40_000), Payer: customer.ID, Reference: "PAY-A", PaidAt: t0}, customer)
	require.NoError(t, err)
	res, err := svc.RecordPayment(ctx, c.ID, down.ID, ledger.PaymentInput{Amount: decimal.NewFromInt(10_000), Payer: customer.ID, Reference: "PAY-B", PaidAt: t0}, customer)
	require.NoError(t, err)

	require.Len(t, res.Transitions, 1)
	tr := res.Transitions[0]
	require.Equal(t, contract.EntityPhase, tr.EntityType)
	require.Equal(t, down.ID, tr.EntityID)
	require.Equal(t, tr.From, tr.To)
	require.Equal(t, "payment PAY-B", tr.Reason)
	require.Empty(t, tr.Events)

	history, err := svc.History(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, tr.ID, history[len(history)-1].ID)
	for i, h := range history {
		require.Equal(t, i+1, h.Seq)
	}
}

func TestConcurrentCommitsAreSerialized(t *testing.T) {
	svc, _, _ := newLedger(t)
	ctx := context.Background()
	c := originate(t, svc, 10_000_000)
	activate(t, svc, c.ID)

	kyc := c.Phases[0]
	doc, _ := kyc.Documentation()
	_, err := svc.UpdateStep(ctx, c.ID, kyc.ID, doc.Steps[0].ID, contract.StepCompleted, "", admin)
	require.NoError(t, err)
	_, err = svc.UpdateStep(ctx, c.ID, kyc.ID, doc.Steps[1].ID, contract.StepCompleted, "", admin)
	require.NoError(t, err)

	// Two reviewers race to finish the last step; exactly one wins.
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.UpdateStep(ctx, c.ID, kyc.ID, doc.Steps[2].ID, contract.StepCompleted, "", admin)
		}(i)
	}
	wg.Wait()

	failures := 0
	for _, err := range errs {
		if err != nil {
			require.ErrorIs(t, err, contract.ErrInvalidTransition)
			failures++
		}
	}
	require.Equal(t, 1, failures)

	history, err := svc.History(ctx, c.ID)
	require.NoError(t, err)
	for i, tr := range history {
		require.Equal(t, i+1, tr.Seq)
	}
	stored, err := svc.Get(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, contract.PhaseActive, stored.Phases[1].Status)
}

func TestMarkOverdueUsesSystemActor(t *testing.T) {
	store := memstore.New()
	ids := &idSeq{}
	now := t0
	svc := ledger.NewService(store, store, action.DefaultRegistry("http://downstream.test")).
		WithIDGenerator(ids.next).
		WithClock(func() time.Time { return now })
	ctx := context.Background()

	c := originate(t, svc, 10_000_000)
	activate(t, svc, c.ID)
	kyc := c.Phases[0]
	doc, _ := kyc.Documentation()
	for _, step := range doc.Steps {
		_, err := svc.UpdateStep(ctx, c.ID, kyc.ID, step.ID, contract.StepCompleted, "", admin)
		require.NoError(t, err)
	}
	_, err := svc.AnswerQuestionnaire(ctx, c.ID, c.Phases[1].ID, 12, customer)
	require.NoError(t, err)

	now = t0.AddDate(0, 0, 45)
	res, err := svc.MarkOverdue(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, res.Transitions, 1)
	require.Equal(t, contract.EntityInstallment, res.Transitions[0].EntityType)
	require.Equal(t, "OVERDUE", res.Transitions[0].To)
	require.Equal(t, contract.SystemActor.ID, res.Transitions[0].ActorID)

	actions := []action.Type{}
	for _, ev := range res.Events() {
		actions = append(actions, ev.Action)
	}
	require.Equal(t, []action.Type{action.SendSMS, action.SendEmail}, actions)
}
