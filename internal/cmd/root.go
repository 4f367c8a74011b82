// Package cmd implements the clipforge command line.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/3leaps/clipforge/internal/config"
	apperrors "github.com/3leaps/clipforge/internal/errors"
	"github.com/3leaps/clipforge/internal/observability"
	"github.com/3leaps/clipforge/internal/server/handlers"
)

// Build metadata, set from main via SetVersionInfo.
var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "unknown",
	BuildDate: "unknown",
}

var (
	appIdentity *config.Identity
	appConfig   *config.Config

	cfgFile    string
	envFile    string
	verbose    bool
	outputPath string
)

var rootCmd = &cobra.Command{
	Use:   "clipforge",
	Short: "Batch orchestration for generated short-form video and images",
	Long: `clipforge turns a content intent into a batch of variants, runs each
variant through its generation stages as durable jobs, and settles credits
per clip.

Configuration is read from clipforge.yaml, CLIPFORGE_* environment variables
and flags, in increasing order of precedence.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initApp,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: search ./clipforge.yaml and user config dirs)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Dotenv file loaded before configuration")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&outputPath, "output", "o", "", "Write JSONL records to this file instead of stdout")
}

// SetVersionInfo records build metadata for the CLI and the /version endpoint.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
	handlers.SetVersionInfo(version, commit, buildDate)
}

// GetAppIdentity returns the identity resolved at startup, or nil before
// the first command runs.
func GetAppIdentity() *config.Identity {
	return appIdentity
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer observability.Sync()

	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return foundry.ExitSuccess
	}
	if ctx.Err() != nil {
		observability.CLILogger.Warn("Interrupted")
		return foundry.ExitSignalInt
	}
	code := apperrors.ExitCodeFor(err)
	observability.CLILogger.Error("Command failed", zap.Error(err), zap.Int("exit_code", code))
	_, _ = fmt.Fprintln(os.Stderr, "Error:", err)
	return code
}

// initApp loads .env, the config layers and the CLI logger. Commands that
// do not need configuration skip the load.
func initApp(cmd *cobra.Command, _ []string) error {
	observability.InitCLILogger(cmd.Root().Name(), verbose)

	id := config.DefaultIdentity
	appIdentity = &id
	config.SetIdentity(id)

	if cmd.Annotations["config"] == "skip" {
		return nil
	}

	loaded, err := config.LoadDotEnv(envFile)
	if err != nil {
		return exitError(foundry.ExitConfigInvalid, "load env file", err)
	}
	for _, f := range loaded {
		observability.CLILogger.Debug("Loaded env file", zap.String("path", f))
	}

	if cfgFile != "" {
		config.SetConfigFile(cfgFile)
	}
	cfg, err := config.Load(cmd.Context(), flagOverrides(cmd))
	if err != nil {
		return exitError(foundry.ExitConfigInvalid, "load configuration", err)
	}
	if err := cfg.Validate(); err != nil {
		return exitError(foundry.ExitConfigInvalid, "validate configuration", err)
	}
	appConfig = cfg
	return nil
}

// flagOverrides maps changed command flags that carry a "config" annotation
// onto config paths.
func flagOverrides(cmd *cobra.Command) map[string]any {
	out := map[string]any{}
	cmd.Flags().Visit(func(f *pflag.Flag) {
		path, ok := f.Annotations["config"]
		if !ok || len(path) == 0 {
			return
		}
		out[path[0]] = f.Value.String()
	})
	return out
}

// bindConfigFlag marks a flag as an override for a config path.
func bindConfigFlag(cmd *cobra.Command, flag, path string) {
	fs := cmd.Flags()
	if fs.Lookup(flag) == nil {
		fs = cmd.PersistentFlags()
	}
	_ = fs.SetAnnotation(flag, "config", []string{path})
}

// exitError creates an error that will cause the CLI to exit with the given code.
func exitError(code int, message string, err error) error {
	return &apperrors.ExitError{Code: code, Message: message, Err: err}
}
