// Command ledgerctl is the operator's handle on the supporter ledger:
// reconciliation sweeps, identity fixes, manual entries and the scheduler.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"supporter-ledger/internal/app"
	"supporter-ledger/internal/config"
	"supporter-ledger/internal/logger"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "ledgerctl",
		Short:         "Operate the supporter ledger",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(resolveCmd())
	rootCmd.AddCommand(linkCmd())
	rootCmd.AddCommand(regrantCmd())
	rootCmd.AddCommand(recordManualCmd())
	rootCmd.AddCommand(gcIntentsCmd())
	rootCmd.AddCommand(anomaliesCmd())
	rootCmd.AddCommand(scheduleCmd())

	// an interrupted sweep stops between payments and records a partial run
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openApp(ctx context.Context) (*app.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger.NewWithWriter(cfg.Log, os.Stderr)
	return app.New(ctx, cfg)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
