package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"supporter-ledger/internal/model"
	"supporter-ledger/internal/service"
)

// sweepable are the providers with a list api.
var sweepable = []model.Provider{model.ProviderStripe, model.ProviderSquare}

func sweepCmd() *cobra.Command {
	var (
		providerName string
		since        string
		until        string
	)

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Reconcile the ledger against a provider's payment list",
		Long: `Pull every payment a provider reports in a time window and run it
through the same admission path as webhooks. Safe to re-run.

Without --since the window starts where the last successful sweep ended.

Examples:
  ledgerctl sweep --provider square
  ledgerctl sweep --provider stripe --since 2024-05-01T00:00:00Z --until 2024-05-02T00:00:00Z
  ledgerctl sweep --provider all`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			providers, err := parseProviders(providerName)
			if err != nil {
				return err
			}

			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			results := map[model.Provider]*service.SweepCounts{}
			var errs []error
			for _, p := range providers {
				w, err := sweepWindow(ctx, a.Sweep, p, since, until, time.Now().UTC())
				if err != nil {
					return err
				}
				counts, err := a.Sweep.Sweep(ctx, p, w)
				if err != nil {
					errs = append(errs, err)
				}
				if counts != nil {
					results[p] = counts
				}
			}

			if err := printJSON(cmd.OutOrStdout(), results); err != nil {
				return err
			}
			return errors.Join(errs...)
		},
	}

	cmd.Flags().StringVarP(&providerName, "provider", "p", "", "stripe, square or all")
	cmd.Flags().StringVar(&since, "since", "", "window start, RFC 3339")
	cmd.Flags().StringVar(&until, "until", "", "window end, RFC 3339 (default now)")
	cmd.MarkFlagRequired("provider")

	return cmd
}

func parseProviders(name string) ([]model.Provider, error) {
	if name == "all" {
		return sweepable, nil
	}
	p := model.Provider(name)
	if !p.Valid() {
		return nil, fmt.Errorf("unknown provider %q", name)
	}
	if p == model.ProviderKofi || p == model.ProviderManual {
		return nil, fmt.Errorf("%w: %s", service.ErrSweepUnsupported, p)
	}
	return []model.Provider{p}, nil
}

func sweepWindow(ctx context.Context, svc service.SweepService, p model.Provider, since, until string, now time.Time) (service.Window, error) {
	if since == "" {
		w, err := svc.DefaultWindow(ctx, p, now)
		if err != nil {
			return w, err
		}
		if until != "" {
			to, err := time.Parse(time.RFC3339, until)
			if err != nil {
				return w, fmt.Errorf("invalid --until: %w", err)
			}
			w.To = to.UTC()
		}
		return w, nil
	}
	return parseWindow(since, until, now)
}

func parseWindow(since, until string, now time.Time) (service.Window, error) {
	w := service.Window{To: now}

	from, err := time.Parse(time.RFC3339, since)
	if err != nil {
		return w, fmt.Errorf("invalid --since: %w", err)
	}
	w.From = from.UTC()

	if until != "" {
		to, err := time.Parse(time.RFC3339, until)
		if err != nil {
			return w, fmt.Errorf("invalid --until: %w", err)
		}
		w.To = to.UTC()
	}

	if !w.From.Before(w.To) {
		return w, fmt.Errorf("--since must be before --until")
	}
	return w, nil
}
