package main

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"supporter-ledger/internal/app"
	"supporter-ledger/internal/service"
)

func gcIntentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gc-intents",
		Short: "Delete checkout intents that expired without a payment",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.Checkout.GarbageCollectIntents(ctx, time.Now().UTC())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d expired intents\n", n)
			return nil
		},
	}
}

func anomaliesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "anomalies",
		Short: "Review rejected state transitions",
	}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List open anomalies",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			out, err := a.Query.ListAnomalies(ctx, limit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	list.Flags().IntVarP(&limit, "limit", "n", 100, "maximum anomalies to show")

	resolve := &cobra.Command{
		Use:   "resolve <id>",
		Short: "Close an anomaly after dealing with it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			id, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid anomaly id %q", args[0])
			}

			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.Ingest.ResolveAnomaly(ctx, uint(id)); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "anomaly %d resolved\n", id)
			return nil
		},
	}

	cmd.AddCommand(list, resolve)
	return cmd
}

func scheduleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schedule",
		Short: "Run sweeps, regrants and intent cleanup on SWEEP_SCHEDULE until stopped",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			c := cron.New()
			if _, err := c.AddFunc(a.Config.Sweep.Schedule, func() { runScheduled(cmd, a) }); err != nil {
				return fmt.Errorf("invalid SWEEP_SCHEDULE %q: %w", a.Config.Sweep.Schedule, err)
			}

			slog.Info("scheduler started", "schedule", a.Config.Sweep.Schedule)
			c.Start()

			<-ctx.Done()
			slog.Info("scheduler stopping, waiting for the running job")
			<-c.Stop().Done()
			return nil
		},
	}
}

func runScheduled(cmd *cobra.Command, a *app.App) {
	ctx := cmd.Context()
	now := time.Now().UTC()

	for _, p := range sweepable {
		w, err := a.Sweep.DefaultWindow(ctx, p, now)
		if err != nil {
			slog.Error("scheduled sweep window", "provider", p, "error", err)
			continue
		}
		if _, err := a.Sweep.Sweep(ctx, p, w); err != nil {
			if errors.Is(err, service.ErrSweepLocked) {
				slog.Info("scheduled sweep skipped, another run holds the lock", "provider", p)
				continue
			}
			slog.Error("scheduled sweep failed", "provider", p, "error", err)
		}
	}

	if _, err := a.Grantor.Regrant(ctx, 0); err != nil {
		slog.Error("scheduled regrant failed", "error", err)
	}
	if _, err := a.Checkout.GarbageCollectIntents(ctx, now); err != nil {
		slog.Error("scheduled intent cleanup failed", "error", err)
	}
}
