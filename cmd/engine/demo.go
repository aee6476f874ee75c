package main

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"contractflow/config"
	"contractflow/contract"
	"contractflow/dispatch"
	"contractflow/ledger"
	"contractflow/memstore"
	"contractflow/money"
	"contractflow/status"
	"contractflow/transfer"
)

func (a *App) newDemoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "demo",
		Short: "Run a mortgage application end to end against an in-memory store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.config()
			if err != nil {
				return err
			}
			return a.runDemo(cmd.Context(), cfg)
		},
	}
}

// deliveries records what the demo transport was asked to do.
type deliveries struct {
	mu    sync.Mutex
	count map[string]int
}

func (d *deliveries) invoke(_ context.Context, req dispatch.Request) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.count[string(req.Action)]++
	return []byte(`{"accepted":true}`), nil
}

func (d *deliveries) summary() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.count))
	for name, n := range d.count {
		out = append(out, fmt.Sprintf("%s=%d", name, n))
	}
	sort.Strings(out)
	return out
}

func (a *App) runDemo(ctx context.Context, cfg config.Config) error {
	registry, err := cfg.Registry()
	if err != nil {
		return err
	}
	triggers, err := cfg.TriggerTable()
	if err != nil {
		return err
	}
	templates, err := cfg.TemplateSet()
	if err != nil {
		return err
	}

	store := memstore.New()
	sent := &deliveries{count: map[string]int{}}
	d := dispatch.NewDispatcher(store, registry, dispatch.TransportFunc(sent.invoke),
		dispatch.WithResultCache(dispatch.NewMemoryCache()))
	worker := dispatch.NewWorker(d, cfg.Worker())
	led := ledger.NewService(store, store, registry).WithTriggers(triggers).WithEnqueuer(worker)
	transfers := transfer.NewService(store, store, led).WithTemplates(templates...)
	statuses := status.NewService(store)

	buyer := contract.Actor{ID: "customer-demo", Role: contract.RoleCustomer}
	admin := contract.Actor{ID: "admin-demo", Role: contract.RoleAdmin}
	reservedBy := buyer.ID
	store.PutUnit(contract.Unit{ID: "unit-a", Name: "Block A, Flat 3", Price: decimal.NewFromInt(10_000_000), Currency: "NGN", Status: contract.UnitReserved, ReservedBy: &reservedBy})
	store.PutUnit(contract.Unit{ID: "unit-b", Name: "Block B, Flat 7", Price: decimal.NewFromInt(11_000_000), Currency: "NGN", Status: contract.UnitAvailable})

	c, err := led.Originate(ctx, ledger.OriginateParams{
		Template:   templates[0],
		CustomerID: buyer.ID,
		AssetID:    "unit-a",
		Currency:   "NGN",
		Total:      decimal.NewFromInt(10_000_000),
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "originated contract %s (%s)\n", c.ID, money.Format(c.TotalAmount, c.Currency))

	if _, err := led.Submit(ctx, c.ID, buyer); err != nil {
		return err
	}
	if _, err := led.Activate(ctx, c.ID, admin); err != nil {
		return err
	}
	if err := a.showStatus(ctx, statuses, c.ID); err != nil {
		return err
	}

	for _, ph := range c.Phases {
		switch ph.Category {
		case contract.CategoryDocumentation:
			if ph.Order != 1 {
				continue
			}
			doc, _ := ph.Documentation()
			for _, s := range doc.Steps {
				if _, err := led.UpdateStep(ctx, c.ID, ph.ID, s.ID, contract.StepCompleted, "", admin); err != nil {
					return err
				}
			}
		case contract.CategoryQuestionnaire:
			q, _ := ph.Questionnaire()
			if _, err := led.AnswerQuestionnaire(ctx, c.ID, ph.ID, q.TotalFields, buyer); err != nil {
				return err
			}
		}
	}

	current, err := led.Get(ctx, c.ID)
	if err != nil {
		return err
	}
	if active := current.ActivePhase(); active != nil {
		if pay, ok := active.Payment(); ok && len(pay.Installments) > 0 {
			first := pay.Installments[0]
			if _, err := led.RecordPayment(ctx, c.ID, active.ID, ledger.PaymentInput{
				Amount:    first.Amount,
				Payer:     buyer.ID,
				Reference: "DEMO-PAY-001",
				PaidAt:    led.Now(),
			}, buyer); err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "paid %s towards %s\n", money.Format(first.Amount, c.Currency), active.Name)
		}
	}
	if err := a.showStatus(ctx, statuses, c.ID); err != nil {
		return err
	}

	if current, err = led.Get(ctx, c.ID); err != nil {
		return err
	}
	if current.Status == contract.StatusActive {
		req, err := transfers.RequestTransfer(ctx, c.ID, "unit-b", "prefer a higher floor", buyer)
		if err != nil {
			return err
		}
		approval, err := transfers.ApproveTransfer(ctx, req.ID, contract.AdjustFoldIntoRemaining, admin)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.stdout, "transferred to %s as contract %s, %d payments migrated, adjustment %s\n",
			req.TargetAssetID, approval.NewContract.ID, approval.PaymentsMigrated, money.Format(req.PriceAdjustment, c.Currency))
		if err := a.showStatus(ctx, statuses, approval.NewContract.ID); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(a.stdout, "contract is %s, skipping transfer\n", current.Status)
	}

	n, err := worker.RunOnce(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "delivered %d events: %v\n", n, sent.summary())
	return nil
}

func (a *App) showStatus(ctx context.Context, statuses *status.Service, contractID string) error {
	as, err := statuses.GetContractStatus(ctx, contractID)
	if err != nil {
		return err
	}
	return a.printJSON(as)
}
