package dispatch

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"contractflow/contract"
	"contractflow/logging"
)

type WorkerConfig struct {
	Concurrency   int
	QueueSize     int
	SweepInterval time.Duration
}

func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Concurrency:   8,
		QueueSize:     1024,
		SweepInterval: time.Second,
	}
}

// Worker executes events pushed by the ledger and periodically sweeps the
// store for retries and stalled events. Several workers may run against
// one database; the claim in Dispatch keeps execution single-owner.
type Worker struct {
	dispatcher *Dispatcher
	config     WorkerConfig
	queue      chan string
}

func NewWorker(d *Dispatcher, config WorkerConfig) *Worker {
	defaults := DefaultWorkerConfig()
	if config.Concurrency <= 0 {
		config.Concurrency = defaults.Concurrency
	}
	if config.QueueSize <= 0 {
		config.QueueSize = defaults.QueueSize
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = defaults.SweepInterval
	}
	return &Worker{
		dispatcher: d,
		config:     config,
		queue:      make(chan string, config.QueueSize),
	}
}

// Enqueue hands committed events to the worker without blocking. Events
// that do not fit are left for the sweep.
func (w *Worker) Enqueue(_ context.Context, events []contract.TransitionEvent) {
	for _, ev := range events {
		select {
		case w.queue <- ev.ID:
		default:
			logging.Debug().Add(logging.EventID(ev.ID)).Msg("dispatch queue full, deferring to sweep")
		}
	}
}

// Run processes the queue and sweeps until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	g := new(errgroup.Group)
	g.SetLimit(w.config.Concurrency)

	ticker := time.NewTicker(w.config.SweepInterval)
	defer ticker.Stop()

	logging.Info().
		Add(logging.Component("dispatch")).
		Add(logging.Count("concurrency", w.config.Concurrency)).
		Msg("worker started")

	for {
		select {
		case <-ctx.Done():
			_ = g.Wait()
			logging.Info().Add(logging.Component("dispatch")).Msg("worker stopped")
			return nil
		case id := <-w.queue:
			w.spawn(ctx, g, id)
		case <-ticker.C:
			ids, err := w.dispatcher.Sweep(ctx)
			if err != nil {
				if ctx.Err() == nil {
					logging.Error().Add(logging.Component("dispatch")).Add(logging.ErrorField(err)).Msg("sweep failed")
				}
				continue
			}
			for _, id := range ids {
				w.spawn(ctx, g, id)
			}
		}
	}
}

// RunOnce drains the queue, sweeps once and waits for every dispatch. It
// returns the number of events handled.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	g := new(errgroup.Group)
	g.SetLimit(w.config.Concurrency)

	seen := map[string]bool{}
	handle := func(id string) {
		if seen[id] {
			return
		}
		seen[id] = true
		w.spawn(ctx, g, id)
	}

drain:
	for {
		select {
		case id := <-w.queue:
			handle(id)
		default:
			break drain
		}
	}

	ids, err := w.dispatcher.Sweep(ctx)
	for _, id := range ids {
		handle(id)
	}
	_ = g.Wait()
	return len(seen), err
}

func (w *Worker) spawn(ctx context.Context, g *errgroup.Group, id string) {
	g.Go(func() error {
		_, err := w.dispatcher.Dispatch(ctx, id)
		if err == nil || isDeliveryFailure(err) {
			// Delivery failures are recorded and logged by the dispatcher.
			return nil
		}
		logging.Error().
			Add(logging.Component("dispatch")).
			Add(logging.EventID(id)).
			Add(logging.ErrorField(err)).
			Msg("dispatch failed")
		return nil
	})
}

func isDeliveryFailure(err error) bool {
	return errors.Is(err, ErrTransientDispatch) ||
		errors.Is(err, ErrPermanentDispatch) ||
		errors.Is(err, ErrRetryExhausted)
}
