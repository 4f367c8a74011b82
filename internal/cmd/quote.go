package cmd

import (
	"fmt"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/clipforge/pkg/model"
	"github.com/3leaps/clipforge/pkg/output"
	"github.com/3leaps/clipforge/pkg/preset"
	"github.com/3leaps/clipforge/pkg/pricing"
)

var quoteCmd = &cobra.Command{
	Use:   "quote",
	Short: "Price a batch without creating it",
	Long: `Price a batch from its quality tier, output kind, variant count and test
mode. Nothing is written to the database.

Examples:
  clipforge quote --tier premium --variants 4
  clipforge quote --kind image --variants 8 --mode cheap`,
	RunE: runQuote,
}

var resolveCmd = &cobra.Command{
	Use:   "resolve <intent>",
	Short: "Show which method an intent resolves to",
	Long: `Resolve a method for an intent and print the keyword score table used
for auto selection.

Examples:
  clipforge resolve "5 myths about sleep"
  clipforge resolve "minimal desk setup" --kind image`,
	Args:        cobra.MinimumNArgs(1),
	Annotations: map[string]string{"config": "skip"},
	RunE:        runResolve,
}

var (
	quoteTier     string
	quoteKind     string
	quoteMode     string
	quoteVariants int

	resolveMethod string
	resolveKind   string
)

func init() {
	rootCmd.AddCommand(quoteCmd, resolveCmd)

	quoteCmd.Flags().StringVar(&quoteTier, "tier", string(model.TierBalanced), "Quality tier: economy, balanced or premium")
	quoteCmd.Flags().StringVar(&quoteKind, "kind", string(model.OutputVideo), "Output kind: video or image")
	quoteCmd.Flags().StringVar(&quoteMode, "mode", string(model.TestModeOff), "Test mode: off, cheap or mock")
	quoteCmd.Flags().IntVar(&quoteVariants, "variants", 1, "Variant count: 1, 2, 4, 6 or 8")

	resolveCmd.Flags().StringVar(&resolveMethod, "method", preset.Auto, "Requested method key or auto")
	resolveCmd.Flags().StringVar(&resolveKind, "kind", string(model.OutputVideo), "Output kind: video or image")
}

func runQuote(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	tier, err := model.ParseQualityTier(quoteTier)
	if err != nil {
		return invalidFlag("tier", err)
	}
	kind, err := model.ParseOutputKind(quoteKind)
	if err != nil {
		return invalidFlag("kind", err)
	}
	mode, err := model.ParseTestMode(quoteMode)
	if err != nil {
		return invalidFlag("mode", err)
	}

	q, err := pricing.New(appConfig.Pricing.UpsellMultiplier).Quote(tier, kind, quoteVariants, mode)
	if err != nil {
		return invalidFlag("variants", err)
	}
	return emit(ctx, output.TypeQuote, q)
}

func runResolve(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	kind, err := model.ParseOutputKind(resolveKind)
	if err != nil {
		return invalidFlag("kind", err)
	}
	res, err := preset.Explain(strings.Join(args, " "), resolveMethod, kind)
	if err != nil {
		return invalidFlag("method", err)
	}
	return emit(ctx, output.TypeResolve, res)
}

func invalidFlag(name string, err error) error {
	return exitError(foundry.ExitInvalidArgument, fmt.Sprintf("invalid --%s", name), err)
}
