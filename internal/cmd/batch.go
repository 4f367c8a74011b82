package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/3leaps/clipforge/internal/observability"
	"github.com/3leaps/clipforge/pkg/lifecycle"
	"github.com/3leaps/clipforge/pkg/model"
	"github.com/3leaps/clipforge/pkg/output"
	"github.com/3leaps/clipforge/pkg/store"
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Create and inspect batches",
}

var batchCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a batch from an intent",
	Long: `Create a batch of variants for a content intent.

The charge is quoted from the quality tier, output kind, variant count and
test mode, and debited from the user's credits before any job is queued.
Without --user the batch is free.

A request can also be read from a YAML file; flags that are set explicitly
override the file.

Examples:
  clipforge batch create --intent "3 budget travel hacks" --variants 4
  clipforge batch create --intent "cozy reading nook" --kind image --variants 2 --mode mock
  clipforge batch create --file request.yaml --user u_123`,
	RunE: runBatchCreate,
}

var batchGetCmd = &cobra.Command{
	Use:   "get <batch-id>",
	Short: "Show a batch with its clips and job counts",
	Args:  cobra.ExactArgs(1),
	RunE:  runBatchGet,
}

var batchLatestCmd = &cobra.Command{
	Use:   "latest <user-id>",
	Short: "Show a user's most recent batch",
	Args:  cobra.ExactArgs(1),
	RunE:  runBatchLatest,
}

var batchListCmd = &cobra.Command{
	Use:   "list",
	Short: "List batches, newest first",
	RunE:  runBatchList,
}

var batchClipsCmd = &cobra.Command{
	Use:   "clips <batch-id>",
	Short: "List a batch's clips",
	Args:  cobra.ExactArgs(1),
	RunE:  runBatchClips,
}

var batchCancelCmd = &cobra.Command{
	Use:   "cancel <batch-id>",
	Short: "Cancel an active batch",
	Long: `Cancel an active batch. Unfinished clips show as canceled and queued
jobs are dropped. A job already running finishes but its result is
discarded. No credit is moved by cancelling.`,
	Args: cobra.ExactArgs(1),
	RunE: runBatchCancel,
}

var batchReviewCmd = &cobra.Command{
	Use:   "review <clip-id>",
	Short: "Mark a clip as winner or killed",
	Args:  cobra.ExactArgs(1),
	RunE:  runBatchReview,
}

var (
	batchFile     string
	batchUser     string
	batchIntent   string
	batchMethod   string
	batchMode     string
	batchVariants int
	batchKind     string
	batchTier     string
	batchCharge   int64

	batchListUser   string
	batchListStatus string
	batchListLimit  int

	reviewWinner bool
	reviewKilled bool
)

func init() {
	rootCmd.AddCommand(batchCmd)
	batchCmd.AddCommand(batchCreateCmd, batchGetCmd, batchLatestCmd, batchListCmd,
		batchClipsCmd, batchCancelCmd, batchReviewCmd)

	f := batchCreateCmd.Flags()
	f.StringVarP(&batchFile, "file", "f", "", "YAML request file")
	f.StringVar(&batchUser, "user", "", "User to charge (empty for a free batch)")
	f.StringVar(&batchIntent, "intent", "", "Content intent")
	f.StringVar(&batchMethod, "method", "", "Method key or auto")
	f.StringVar(&batchMode, "mode", "", "Test mode: off, cheap or mock")
	f.IntVar(&batchVariants, "variants", 0, "Variant count: 1, 2, 4, 6 or 8")
	f.StringVar(&batchKind, "kind", "", "Output kind: video or image")
	f.StringVar(&batchTier, "tier", "", "Quality tier: economy, balanced or premium")
	f.Int64Var(&batchCharge, "charge", 0, "Charge in cents computed by the caller (default: the quote)")

	batchListCmd.Flags().StringVar(&batchListUser, "user", "", "Only this user's batches")
	batchListCmd.Flags().StringVar(&batchListStatus, "status", "", "Only batches in this status")
	batchListCmd.Flags().IntVar(&batchListLimit, "limit", 20, "Maximum batches to list")

	batchReviewCmd.Flags().BoolVar(&reviewWinner, "winner", false, "Mark as winner")
	batchReviewCmd.Flags().BoolVar(&reviewKilled, "killed", false, "Mark as killed")
}

// buildCreateRequest merges the request file with explicitly set flags.
func buildCreateRequest(cmd *cobra.Command) (lifecycle.CreateRequest, error) {
	var req lifecycle.CreateRequest
	if batchFile != "" {
		data, err := os.ReadFile(batchFile)
		if err != nil {
			return req, exitError(foundry.ExitFileReadError, "read request file", err)
		}
		if err := yaml.Unmarshal(data, &req); err != nil {
			return req, exitError(foundry.ExitParseError, "parse request file", err)
		}
	}

	flags := cmd.Flags()
	if flags.Changed("user") {
		req.UserID = batchUser
	}
	if flags.Changed("intent") {
		req.Intent = batchIntent
	}
	if flags.Changed("method") {
		req.Method = batchMethod
	}
	if flags.Changed("mode") {
		req.TestMode = batchMode
	}
	if flags.Changed("variants") {
		req.VariantCount = batchVariants
	}
	if flags.Changed("kind") {
		req.OutputKind = batchKind
	}
	if flags.Changed("tier") {
		req.QualityTier = batchTier
	}
	if flags.Changed("charge") {
		c := batchCharge
		req.ChargeCents = &c
	}
	if req.VariantCount == 0 {
		req.VariantCount = 1
	}
	return req, nil
}

func runBatchCreate(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	req, err := buildCreateRequest(cmd)
	if err != nil {
		return err
	}

	a, err := loadApp(ctx, observability.CLILogger)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.batches.CreateBatch(ctx, req)
	if err != nil {
		return err
	}
	observability.CLILogger.Info("Batch created",
		zap.String("batch_id", res.BatchID),
		zap.String("method", res.Method),
		zap.Int64("charge_cents", res.Billing.UserChargeCents))
	return emit(ctx, output.TypeCreated, res)
}

func runBatchGet(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := loadApp(ctx, observability.CLILogger)
	if err != nil {
		return err
	}
	defer a.Close()

	view, err := a.batches.GetBatchView(ctx, args[0])
	if err != nil {
		return err
	}
	return emit(ctx, output.TypeBatchView, view)
}

func runBatchLatest(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := loadApp(ctx, observability.CLILogger)
	if err != nil {
		return err
	}
	defer a.Close()

	b, err := a.batches.LatestBatch(ctx, args[0])
	if err != nil {
		return err
	}
	return emit(ctx, output.TypeBatch, b)
}

func runBatchList(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	if batchListLimit < 0 {
		return exitError(foundry.ExitInvalidArgument, "invalid --limit", fmt.Errorf("must be >= 0, got %d", batchListLimit))
	}
	f := store.BatchFilter{UserID: batchListUser, Limit: batchListLimit}
	if s := strings.TrimSpace(batchListStatus); s != "" {
		f.Status = model.BatchStatus(strings.ToLower(s))
	}

	a, err := loadApp(ctx, observability.CLILogger)
	if err != nil {
		return err
	}
	defer a.Close()

	batches, err := a.batches.ListBatches(ctx, f)
	if err != nil {
		return err
	}
	if len(batches) == 0 {
		_, _ = fmt.Fprintln(os.Stderr, "No batches found")
		return nil
	}
	return emit(ctx, output.TypeBatch, batches...)
}

func runBatchClips(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := loadApp(ctx, observability.CLILogger)
	if err != nil {
		return err
	}
	defer a.Close()

	clips, err := a.batches.ListClips(ctx, args[0])
	if err != nil {
		return err
	}
	return emit(ctx, output.TypeClip, clips...)
}

func runBatchCancel(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := loadApp(ctx, observability.CLILogger)
	if err != nil {
		return err
	}
	defer a.Close()

	b, err := a.batches.CancelBatch(ctx, args[0])
	if err != nil {
		return err
	}
	return emit(ctx, output.TypeBatch, b)
}

func runBatchReview(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if !cmd.Flags().Changed("winner") && !cmd.Flags().Changed("killed") {
		return exitError(foundry.ExitInvalidArgument, "review", errors.New("set --winner and/or --killed"))
	}
	a, err := loadApp(ctx, observability.CLILogger)
	if err != nil {
		return err
	}
	defer a.Close()

	c, err := a.batches.SetReview(ctx, args[0], reviewWinner, reviewKilled)
	if err != nil {
		return err
	}
	return emit(ctx, output.TypeClip, c)
}
