package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"

	"contractflow/contract"
	"contractflow/dispatch"
	"contractflow/ledger"
	"contractflow/transfer"
)

// fatal reports errors that mean the engine broke a rule rather than lost a
// race or a connection.
func fatal(err error) bool {
	return err != nil && errors.Is(err, contract.ErrInvariant)
}

func stopped(ctx context.Context, stop <-chan struct{}) (bool, error) {
	select {
	case <-ctx.Done():
		return true, ctx.Err()
	case <-stop:
		return true, nil
	default:
		return false, nil
	}
}

func pause(minMS, spreadMS int) {
	time.Sleep(time.Duration(minMS+rand.Intn(spreadMS)) * time.Millisecond)
}

// Payer settles installments of the active payment phase, sometimes in
// halves, until the contract is no longer active. Several payers racing on
// one contract exercise the row lock and the overpayment guard.
func Payer(ctx context.Context, led *ledger.Service, contractID string, customer contract.Actor, stop <-chan struct{}) error {
	for n := 0; ; n++ {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		c, err := led.Get(ctx, contractID)
		if err != nil {
			pause(20, 30)
			continue
		}
		if c.Status != contract.StatusActive {
			return nil
		}
		phase := c.ActivePhase()
		if phase == nil || phase.Category != contract.CategoryPayment {
			pause(10, 20)
			continue
		}
		pay, _ := phase.Payment()
		amount := decimal.Zero
		for _, in := range pay.Installments {
			if out := in.Outstanding(); out.IsPositive() {
				amount = out
				break
			}
		}
		if !amount.IsPositive() {
			pause(10, 20)
			continue
		}
		if rand.Intn(3) == 0 && amount.GreaterThan(decimal.NewFromInt(1)) {
			amount = amount.Div(decimal.NewFromInt(2)).Round(2)
		}
		_, err = led.RecordPayment(ctx, contractID, phase.ID, ledger.PaymentInput{
			Amount:    amount,
			Payer:     customer.ID,
			Reference: fmt.Sprintf("STRESS-%s-%d-%d", customer.ID, n, rand.Int63()),
			PaidAt:    time.Now(),
		}, customer)
		if fatal(err) {
			return fmt.Errorf("payer: %w", err)
		}
		pause(10, 30)
	}
}

// Stepper completes documentation steps and answers questionnaires for
// whichever phase is active.
func Stepper(ctx context.Context, led *ledger.Service, contractID string, admin, customer contract.Actor, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		c, err := led.Get(ctx, contractID)
		if err != nil {
			pause(20, 30)
			continue
		}
		if c.Status != contract.StatusActive {
			return nil
		}
		phase := c.ActivePhase()
		switch {
		case phase == nil:
		case phase.Category == contract.CategoryDocumentation:
			doc, _ := phase.Documentation()
			for _, s := range doc.Steps {
				if s.Status == contract.StepCompleted || s.Status == contract.StepSkipped {
					continue
				}
				_, err = led.UpdateStep(ctx, contractID, phase.ID, s.ID, contract.StepCompleted, "", admin)
				break
			}
		case phase.Category == contract.CategoryQuestionnaire:
			q, _ := phase.Questionnaire()
			_, err = led.AnswerQuestionnaire(ctx, contractID, phase.ID, q.TotalFields, customer)
		}
		if fatal(err) {
			return fmt.Errorf("stepper: %w", err)
		}
		pause(15, 30)
	}
}

// Transferer keeps asking to move the contract to another unit and has an
// admin reject each request, so at most one request is ever pending.
func Transferer(ctx context.Context, transfers *transfer.Service, contractID, targetUnit string, customer, admin contract.Actor, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		req, err := transfers.RequestTransfer(ctx, contractID, targetUnit, "stress", customer)
		switch {
		case errors.Is(err, transfer.ErrSourceNotActive):
			return nil
		case err == nil:
			_, err = transfers.RejectTransfer(ctx, req.ID, "not now", admin)
		}
		if fatal(err) {
			return fmt.Errorf("transferer: %w", err)
		}
		pause(40, 60)
	}
}

// Overdue flags late installments the way a scheduler would.
func Overdue(ctx context.Context, led *ledger.Service, contractID string, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		if _, err := led.MarkOverdue(ctx, contractID); fatal(err) {
			return fmt.Errorf("overdue: %w", err)
		}
		pause(200, 200)
	}
}

// Deliverer drains the event table. Several deliverers share one database
// and compete for the same claims.
func Deliverer(ctx context.Context, w *dispatch.Worker, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		_, _ = w.RunOnce(ctx)
		pause(50, 100)
	}
}

// FlakyTransport fails roughly one call in failEvery with a transient error
// and one in ten times that with a permanent rejection.
func FlakyTransport(failEvery int) dispatch.TransportFunc {
	return func(ctx context.Context, req dispatch.Request) ([]byte, error) {
		switch n := rand.Intn(failEvery * 10); {
		case n == 0:
			return nil, dispatch.Permanent(fmt.Errorf("%s rejected", req.Action))
		case n < 10:
			return nil, fmt.Errorf("%s: connection reset", req.Action)
		}
		return []byte(`{"ok":true}`), nil
	}
}
