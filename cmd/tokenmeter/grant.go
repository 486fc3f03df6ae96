package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/goodtune/tokenmeter/internal/config"
	"github.com/goodtune/tokenmeter/internal/debit"
	"github.com/goodtune/tokenmeter/internal/storage/redis"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

var (
	grantNote   string
	ledgerLimit int
)

var grantCmd = &cobra.Command{
	Use:   "grant <user-id> <amount>",
	Short: "Credit tokens to a user balance",
	Long:  `Credit tokens to a user held by the redis debit backend, creating the balance if needed.`,
	Args:  cobra.ExactArgs(2),
	RunE:  runGrant,
}

var ledgerCmd = &cobra.Command{
	Use:   "ledger <user-id>",
	Short: "Show recent balance changes for a user",
	Long:  `Show the most recent debits and credits recorded by the redis debit backend.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runLedger,
}

func init() {
	grantCmd.Flags().StringVar(&grantNote, "note", "", "Note recorded with the ledger entry")
	ledgerCmd.Flags().IntVar(&ledgerLimit, "limit", 20, "Maximum number of entries to show")
	rootCmd.AddCommand(grantCmd)
	rootCmd.AddCommand(ledgerCmd)
}

// openLedger opens the redis balance store named by the configuration.
func openLedger() (*redis.Store, *debit.StoreDebiter, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if cfg.Debit.Backend != "redis" {
		return nil, nil, fmt.Errorf("balances are managed by the %s debit backend, not redis", cfg.Debit.Backend)
	}

	store, err := redis.Open(cfg.Storage.Redis)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return store, debit.NewStoreDebiter(store.Balances()), nil
}

func runGrant(cmd *cobra.Command, args []string) error {
	userID := args[0]
	amount, err := decimal.NewFromString(args[1])
	if err != nil {
		return fmt.Errorf("invalid amount %q: %w", args[1], err)
	}

	store, debiter, err := openLedger()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	balance, err := debiter.Grant(cmd.Context(), userID, amount, grantNote)
	if err != nil {
		return fmt.Errorf("grant failed: %w", err)
	}

	green := color.New(color.FgGreen)
	_, _ = green.Fprintf(os.Stdout, "✅ Granted %s tokens to %s, balance is now %s\n", amount, userID, balance)
	return nil
}

func runLedger(cmd *cobra.Command, args []string) error {
	store, debiter, err := openLedger()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	userID := args[0]
	balance, err := debiter.Balance(cmd.Context(), userID)
	if err != nil {
		return fmt.Errorf("failed to read balance: %w", err)
	}
	entries, err := debiter.History(cmd.Context(), userID, ledgerLimit)
	if err != nil {
		return fmt.Errorf("failed to read ledger: %w", err)
	}

	cyan := color.New(color.FgCyan, color.Bold)
	_, _ = cyan.Fprintf(os.Stdout, "%s: balance %s\n\n", userID, balance)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tREASON\tAMOUNT\tMETA")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%v\n",
			e.CreatedAt.Format(time.RFC3339),
			e.Reason,
			decimal.New(e.AmountMilli, -3),
			e.Meta,
		)
	}
	return w.Flush()
}
