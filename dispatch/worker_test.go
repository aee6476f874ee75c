package dispatch_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"contractflow/action"
	"contractflow/contract"
	"contractflow/dispatch"
	"contractflow/ledger"
	"contractflow/memstore"
)

func TestWorkerDeliversCommittedEvents(t *testing.T) {
	store := memstore.New()
	tr := &countingTransport{fn: ok}
	registry := action.DefaultRegistry("http://downstream.test")
	d := dispatch.NewDispatcher(store, registry, tr, dispatch.WithClock(func() time.Time { return t0 }))
	w := dispatch.NewWorker(d, dispatch.WorkerConfig{Concurrency: 2})

	svc := ledger.NewService(store, store, registry).
		WithEnqueuer(w).
		WithClock(func() time.Time { return t0 })
	ctx := context.Background()

	c, err := svc.Originate(ctx, ledger.OriginateParams{
		Template:   contract.MortgageTemplate(),
		CustomerID: "customer-1",
		AssetID:    "unit-a",
		Total:      decimal.NewFromInt(10_000_000),
	})
	require.NoError(t, err)
	_, err = svc.Submit(ctx, c.ID, contract.Actor{ID: "customer-1", Role: contract.RoleCustomer})
	require.NoError(t, err)

	n, err := w.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, int32(2), tr.calls.Load())

	for _, ev := range store.Events() {
		require.Equal(t, contract.EventCompleted, ev.Status, ev.Action)
	}

	n, err = w.RunOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestWorkerSweepsEventsMissedByTheQueue(t *testing.T) {
	store := memstore.New()
	tr := &countingTransport{fn: func(dispatch.Request) ([]byte, error) { return nil, errors.New("down") }}
	clk := &clock{now: t0.Add(time.Minute)}
	d := dispatch.NewDispatcher(store, testRegistry(), tr, dispatch.WithClock(clk.Now))
	w := dispatch.NewWorker(d, dispatch.WorkerConfig{QueueSize: 1})

	store.PutEvent(newEvent("ev-1", action.NotifyUnderwriter, 3, nil))

	n, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	ev, err := store.Get(context.Background(), "ev-1")
	require.NoError(t, err)
	require.Equal(t, contract.EventFailed, ev.Status)

	clk.Set(ev.NextRetryAt.Add(time.Millisecond))
	n, err = w.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, int32(2), tr.calls.Load())
}

func TestWorkerRunStopsOnCancel(t *testing.T) {
	store := memstore.New()
	d := dispatch.NewDispatcher(store, testRegistry(), &countingTransport{fn: ok})
	w := dispatch.NewWorker(d, dispatch.WorkerConfig{SweepInterval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}
