package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func resolveCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Re-run identity resolution for unlinked transactions",
		Long: `Ingestion resolves identity once. Run this after accounts were created
or checkout intents arrived late; it links by intent or exact email only.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			sum, err := a.Ingest.ResolvePending(ctx, limit)
			if sum != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "scanned %d, linked %d, granted %d\n", sum.Scanned, sum.Linked, sum.Granted)
			}
			return err
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 100, "maximum rows to scan")
	return cmd
}

func linkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "link <transaction-id> <user-id>",
		Short: "Attach a transaction to an account, overriding any automatic link",
		Long: `Operator override for identity resolution, e.g. after matching a
donor's display name by hand. Grants the product the transaction bought.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.Ingest.Link(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "linked %s to %s, grant %s\n", res.Transaction.ID, args[1], res.Grant)
			return nil
		},
	}
}

func regrantCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "regrant",
		Short: "Retry entitlement grants flagged as pending",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			sum, err := a.Grantor.Regrant(ctx, limit)
			if sum != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "scanned %d, granted %d, already granted %d, still pending %d\n",
					sum.Scanned, sum.Granted, sum.AlreadyGranted, sum.StillPending)
			}
			return err
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 100, "maximum rows to scan")
	return cmd
}
