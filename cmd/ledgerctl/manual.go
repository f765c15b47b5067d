package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"supporter-ledger/internal/provider"
	"supporter-ledger/internal/service"
)

type manualFlags struct {
	id         string
	amount     string
	currency   string
	status     string
	email      string
	name       string
	message    string
	product    string
	occurredAt string
}

func recordManualCmd() *cobra.Command {
	f := &manualFlags{}

	cmd := &cobra.Command{
		Use:   "record-manual",
		Short: "Record a payment that arrived outside any provider",
		Long: `Record a bank transfer, cash or other off-platform payment. It goes
through the same admission path as provider events, so re-running with the
same --id is safe.

Examples:
  ledgerctl record-manual --amount 25.00 --currency eur --email fan@example.com
  ledgerctl record-manual --id wire-2024-117 --amount 5000 --currency jpy --product event_pass`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			e, err := f.event()
			if err != nil {
				return err
			}

			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.Ingest.Ingest(ctx, e, service.SourceManual)
			if err != nil {
				return err
			}
			txID := ""
			if res.Transaction != nil {
				txID = res.Transaction.ID
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s (transaction %s, grant %s)\n", e.ProviderTransactionID, res.Decision, txID, res.Grant)
			return nil
		},
	}

	cmd.Flags().StringVar(&f.id, "id", "", "external reference; generated when empty")
	cmd.Flags().StringVar(&f.amount, "amount", "", "amount in major units, e.g. 12.50")
	cmd.Flags().StringVar(&f.currency, "currency", "", "ISO 4217 code")
	cmd.Flags().StringVar(&f.status, "status", "completed", "pending, completed, failed or refunded")
	cmd.Flags().StringVar(&f.email, "email", "", "payer email, used to link an account")
	cmd.Flags().StringVar(&f.name, "name", "", "payer display name")
	cmd.Flags().StringVar(&f.message, "message", "", "supporter message")
	cmd.Flags().StringVar(&f.product, "product", "", "product id to grant")
	cmd.Flags().StringVar(&f.occurredAt, "occurred-at", "", "when the money moved, RFC 3339")
	cmd.MarkFlagRequired("amount")
	cmd.MarkFlagRequired("currency")

	return cmd
}

func (f *manualFlags) event() (*provider.DonationEvent, error) {
	currency := strings.ToLower(strings.TrimSpace(f.currency))
	amount, err := provider.MinorUnits(f.amount, currency)
	if err != nil {
		return nil, err
	}

	entry := &provider.ManualEntry{
		TransactionID:    f.id,
		AmountMinorUnits: amount,
		Currency:         currency,
		Status:           f.status,
		PayerEmail:       f.email,
		PayerDisplayName: f.name,
		Message:          f.message,
		ProductID:        f.product,
	}
	if entry.TransactionID == "" {
		entry.TransactionID = "manual-" + uuid.NewString()
	}
	if f.occurredAt != "" {
		t, err := time.Parse(time.RFC3339, f.occurredAt)
		if err != nil {
			return nil, fmt.Errorf("invalid --occurred-at: %w", err)
		}
		entry.OccurredAt = &t
	}

	return provider.ManualEvent(entry)
}
