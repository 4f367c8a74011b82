package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/aws/aws-sdk-go-v2/config"
	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	appconfig "github.com/3leaps/clipforge/internal/config"
	"github.com/3leaps/clipforge/internal/observability"
	"github.com/3leaps/clipforge/pkg/output"
	"github.com/3leaps/clipforge/pkg/store"
)

var doctorProvider string

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the configuration, database and artifact store
and suggest fixes for common issues.

Examples:
  clipforge doctor              # Full environment check
  clipforge doctor --provider s3  # Also check AWS credentials`,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().StringVar(&doctorProvider, "provider", "", "Run provider-specific checks (s3)")
}

// doctorCheck is one diagnostic step.
type doctorCheck struct {
	name string
	run  func(ctx context.Context) (string, error)
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	identity := GetAppIdentity()
	bannerName := "doctor"
	appName := appconfig.DefaultIdentity.ConfigName
	if identity != nil {
		if identity.BinaryName != "" {
			bannerName = identity.BinaryName + " doctor"
		}
		if identity.ConfigName != "" {
			appName = identity.ConfigName
		}
	}
	observability.CLILogger.Info("=== " + bannerName + " ===")
	observability.CLILogger.Info("Running diagnostic checks...")

	checks := []doctorCheck{
		{name: "go_version", run: checkGoVersion},
		{name: "environment", run: func(context.Context) (string, error) {
			return runtime.GOOS + "/" + runtime.GOARCH, nil
		}},
		{name: "config_dir", run: func(context.Context) (string, error) {
			return gfconfig.GetAppConfigDir(appName), nil
		}},
		{name: "data_dir", run: func(context.Context) (string, error) {
			return appconfig.DataDir(appName), nil
		}},
		{name: "env_overrides", run: checkEnvOverrides},
		{name: "store", run: checkStore},
		{name: "artifacts", run: checkArtifacts},
	}
	if doctorProvider == "s3" || appConfig.Artifacts.Driver == "s3" {
		checks = append(checks, doctorCheck{name: "aws_credentials", run: checkAWSCredentials})
	}

	w, cleanup, err := createWriter(outputPath)
	if err != nil {
		return err
	}
	defer cleanup()

	allChecks := true
	for i, c := range checks {
		detail, err := c.run(ctx)
		rec := output.CheckRecord{Name: c.name, OK: err == nil, Detail: detail}
		prefix := fmt.Sprintf("[%d/%d] Checking %s...", i+1, len(checks), c.name)
		if err != nil {
			allChecks = false
			rec.Detail = err.Error()
			observability.CLILogger.Error(prefix+" FAILED", zap.Error(err))
			if c.name == "aws_credentials" {
				printAWSCredentialsHelp()
			}
		} else {
			observability.CLILogger.Info(prefix+" ok", zap.String("detail", detail))
		}
		if werr := w.Write(ctx, output.TypeCheck, rec); werr != nil {
			return werr
		}
	}

	if allChecks {
		observability.CLILogger.Info(fmt.Sprintf("All checks passed! Your %s installation is healthy.", bannerName))
		return nil
	}
	observability.CLILogger.Warn("Some checks failed. Review the output above for details.")
	return exitError(foundry.ExitFailure, "doctor", errors.New("one or more checks failed"))
}

func checkGoVersion(context.Context) (string, error) {
	v := runtime.Version()
	if v < "go1.23" {
		return v, fmt.Errorf("%s is older than the recommended go1.23", v)
	}
	return v, nil
}

// checkEnvOverrides lists the environment variables that override config.
// Values are never printed.
func checkEnvOverrides(context.Context) (string, error) {
	var set []string
	for _, spec := range appconfig.EnvSpecs() {
		if _, ok := os.LookupEnv(spec.Name); ok {
			set = append(set, spec.Name)
		}
	}
	if len(set) == 0 {
		return "none", nil
	}
	return strings.Join(set, ", "), nil
}

func checkStore(ctx context.Context) (string, error) {
	db, err := openStore(ctx, appConfig.Store)
	if err != nil {
		return "", err
	}
	defer func() { _ = db.Close() }()
	if err := store.Ping(ctx, db); err != nil {
		return "", err
	}
	v, err := store.CurrentSchemaVersion(ctx, db)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s schema v%d", store.Driver(), v), nil
}

func checkArtifacts(ctx context.Context) (string, error) {
	st, err := newArtifactStore(ctx, appConfig.Artifacts)
	if err != nil {
		return "", err
	}
	_ = st.Close()
	switch appConfig.Artifacts.Driver {
	case "s3":
		return "s3://" + appConfig.Artifacts.S3.Bucket + "/" + appConfig.Artifacts.S3.Prefix, nil
	case "memory":
		return "memory (artifacts are lost on exit)", nil
	default:
		return appConfig.Artifacts.Dir, nil
	}
}

func checkAWSCredentials(ctx context.Context) (string, error) {
	var opts []func(*config.LoadOptions) error
	if p := appConfig.Artifacts.S3.Profile; p != "" {
		opts = append(opts, config.WithSharedConfigProfile(p))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return "", fmt.Errorf("load AWS config: %w", err)
	}
	creds, err := cfg.Credentials.Retrieve(ctx)
	if err != nil {
		return "", fmt.Errorf("retrieve credentials: %w", err)
	}
	source := creds.Source
	if source == "" {
		source = "unknown"
	}
	return fmt.Sprintf("%s via %s", maskAccessKey(creds.AccessKeyID), source), nil
}

// maskAccessKey masks all but the last 4 characters of an access key.
func maskAccessKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

// printAWSCredentialsHelp prints help for configuring AWS credentials.
func printAWSCredentialsHelp() {
	observability.CLILogger.Info("")
	observability.CLILogger.Info("To configure AWS credentials:")
	observability.CLILogger.Info("  1. Set AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY environment variables, or")
	observability.CLILogger.Info("  2. Run 'aws configure' to set up a profile, or")
	observability.CLILogger.Info("  3. Use IAM role when running on AWS infrastructure")
	observability.CLILogger.Info("")
	observability.CLILogger.Info("For S3-compatible storage (MinIO, R2, etc.), also set:")
	observability.CLILogger.Info("  - artifacts.s3.endpoint and artifacts.s3.force_path_style")
	observability.CLILogger.Info("")
}
