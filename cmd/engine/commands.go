package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"contractflow/db"
	"contractflow/dispatch"
	"contractflow/ledger"
	"contractflow/logging"
	"contractflow/status"
)

func (a *App) newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := a.config()
			if err != nil {
				return err
			}
			pool, err := a.pool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			applied, err := db.Migrate(ctx, pool)
			if err != nil {
				return err
			}
			if len(applied) == 0 {
				fmt.Fprintln(a.stdout, "schema is up to date")
				return nil
			}
			for _, name := range applied {
				fmt.Fprintf(a.stdout, "applied %s\n", name)
			}
			return nil
		},
	}
}

func (a *App) newWorkerCmd() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Deliver pending, due and stalled side effects",
		Long: `worker sweeps the event table for PENDING events the producers never
handed over, FAILED events whose retry time has passed and EXECUTING
events whose lease expired, and delivers them to their endpoints.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := a.config()
			if err != nil {
				return err
			}
			pool, err := a.pool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			d, closeCache, err := a.dispatcher(ctx, cfg, pool)
			if err != nil {
				return err
			}
			defer closeCache()

			w := dispatch.NewWorker(d, cfg.Worker())
			if once {
				n, err := w.RunOnce(ctx)
				fmt.Fprintf(a.stdout, "handled %d events\n", n)
				return err
			}
			return w.Run(ctx)
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "sweep once and exit")
	return cmd
}

func (a *App) newStatusCmd() *cobra.Command {
	var phase bool
	cmd := &cobra.Command{
		Use:   "status <contract-id>",
		Short: "Print what a contract (or phase, with --phase) is waiting on",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := a.config()
			if err != nil {
				return err
			}
			pool, err := a.pool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses := status.NewService(ledger.NewRepository(pool))
			if phase {
				ps, err := statuses.GetPhaseStatus(ctx, args[0])
				if err != nil {
					return err
				}
				return a.printJSON(ps)
			}
			as, err := statuses.GetContractStatus(ctx, args[0])
			if err != nil {
				return err
			}
			return a.printJSON(as)
		},
	}
	cmd.Flags().BoolVar(&phase, "phase", false, "treat the argument as a phase id")
	return cmd
}

func (a *App) newRetryDueCmd() *cobra.Command {
	var (
		run   bool
		limit int
	)
	cmd := &cobra.Command{
		Use:   "retry-due",
		Short: "List (or with --run, dispatch) failed events whose retry time has passed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := a.config()
			if err != nil {
				return err
			}
			pool, err := a.pool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			if !run {
				due, err := dispatch.NewRepository(pool).DueForRetry(ctx, time.Now(), limit)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "EVENT\tACTION\tCONTRACT\tATTEMPTS\tNEXT RETRY\tLAST ERROR")
				for _, ev := range due {
					next := ""
					if ev.NextRetryAt != nil {
						next = ev.NextRetryAt.Format(time.RFC3339)
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%s\t%s\n", ev.ID, ev.Action, ev.ContractID, ev.RetryCount, ev.MaxRetries, next, ev.Error)
				}
				return tw.Flush()
			}

			d, closeCache, err := a.dispatcher(ctx, cfg, pool)
			if err != nil {
				return err
			}
			defer closeCache()
			events, err := d.RetryDue(ctx)
			for _, ev := range events {
				fmt.Fprintf(a.stdout, "%s\t%s\t%s\n", ev.ID, ev.Action, ev.Status)
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&run, "run", false, "dispatch the due events instead of listing them")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum events to list")
	return cmd
}

func (a *App) newRollbackCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rollback <event-id>",
		Short: "Run the compensation endpoint of a completed event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := a.config()
			if err != nil {
				return err
			}
			pool, err := a.pool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			d, closeCache, err := a.dispatcher(ctx, cfg, pool)
			if err != nil {
				return err
			}
			defer closeCache()

			ev, err := d.Rollback(ctx, args[0])
			if err != nil {
				return err
			}
			logging.Info().Add(logging.EventID(ev.ID)).Add(logging.Status(string(ev.Status))).Msg("event rolled back")
			fmt.Fprintf(a.stdout, "%s\t%s\n", ev.ID, ev.Status)
			return nil
		},
	}
}
