package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/clipforge/internal/observability"
	"github.com/3leaps/clipforge/pkg/output"
)

var creditsCmd = &cobra.Command{
	Use:   "credits",
	Short: "Manage user credit balances",
}

var creditsGrantCmd = &cobra.Command{
	Use:   "grant <user-id> <amount-cents>",
	Short: "Grant credits to a user",
	Long: `Grant credits to a user. --reference makes the grant idempotent: a
second grant with the same reference is accepted without changing the
balance.

Examples:
  clipforge credits grant u_123 5000 --reference stripe:pi_3Nx...`,
	Args: cobra.ExactArgs(2),
	RunE: runCreditsGrant,
}

var creditsBalanceCmd = &cobra.Command{
	Use:   "balance <user-id>",
	Short: "Show a user's balance and recent ledger entries",
	Args:  cobra.ExactArgs(1),
	RunE:  runCreditsBalance,
}

var (
	grantReference string
	balanceEntries int
)

func init() {
	rootCmd.AddCommand(creditsCmd)
	creditsCmd.AddCommand(creditsGrantCmd, creditsBalanceCmd)

	creditsGrantCmd.Flags().StringVar(&grantReference, "reference", "", "Idempotency reference for the grant (required)")
	creditsBalanceCmd.Flags().IntVar(&balanceEntries, "entries", 10, "Recent ledger entries to include")
}

type balanceRecord struct {
	UserID       string `json:"user_id"`
	BalanceCents int64  `json:"balance_cents"`
	Granted      *bool  `json:"granted,omitempty"`
}

func parseCents(s string) (int64, error) {
	var n int64
	if _, err := fmt.Sscan(strings.TrimSpace(s), &n); err != nil {
		return 0, fmt.Errorf("amount %q is not an integer number of cents", s)
	}
	if n <= 0 {
		return 0, fmt.Errorf("amount must be positive, got %d", n)
	}
	return n, nil
}

func runCreditsGrant(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	user := strings.TrimSpace(args[0])
	if user == "" {
		return exitError(foundry.ExitInvalidArgument, "grant", errors.New("user id is required"))
	}
	amount, err := parseCents(args[1])
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "grant", err)
	}
	if strings.TrimSpace(grantReference) == "" {
		return exitError(foundry.ExitInvalidArgument, "grant", errors.New("--reference is required"))
	}

	a, err := loadApp(ctx, observability.CLILogger)
	if err != nil {
		return err
	}
	defer a.Close()

	granted, err := a.ledger.Grant(ctx, user, amount, grantReference)
	if err != nil {
		return exitError(foundry.ExitDatabaseUnavailable, "grant", err)
	}
	bal, err := a.ledger.Balance(ctx, user)
	if err != nil {
		return exitError(foundry.ExitDatabaseUnavailable, "read balance", err)
	}
	if !granted {
		observability.CLILogger.Warn("Grant reference already applied", zap.String("reference", grantReference))
	}
	return emit(ctx, output.TypeBalance, balanceRecord{UserID: user, BalanceCents: bal, Granted: &granted})
}

func runCreditsBalance(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := loadApp(ctx, observability.CLILogger)
	if err != nil {
		return err
	}
	defer a.Close()

	bal, err := a.ledger.Balance(ctx, args[0])
	if err != nil {
		return exitError(foundry.ExitDatabaseUnavailable, "read balance", err)
	}

	w, cleanup, err := createWriter(outputPath)
	if err != nil {
		return err
	}
	defer cleanup()
	if err := w.Write(ctx, output.TypeBalance, balanceRecord{UserID: args[0], BalanceCents: bal}); err != nil {
		return err
	}
	if balanceEntries <= 0 {
		return nil
	}
	entries, err := a.ledger.Entries(ctx, args[0], balanceEntries)
	if err != nil {
		return exitError(foundry.ExitDatabaseUnavailable, "read ledger", err)
	}
	for _, e := range entries {
		if err := w.Write(ctx, output.TypeEntry, e); err != nil {
			return err
		}
	}
	return nil
}
