package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/clipforge/internal/observability"
	"github.com/3leaps/clipforge/pkg/model"
	"github.com/3leaps/clipforge/pkg/output"
	"github.com/3leaps/clipforge/pkg/store"
	"github.com/3leaps/clipforge/pkg/worker"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect the job queue",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs, oldest first",
	Long: `List jobs filtered by batch, clip, type and status.

--type accepts glob patterns over job types.

Examples:
  clipforge jobs list --batch 6f1c...
  clipforge jobs list --status failed --type 'image*'`,
	RunE: runJobsList,
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <batch-id>",
	Short: "Count a batch's jobs by status",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStatus,
}

var (
	jobsBatch  string
	jobsClip   string
	jobsTypes  []string
	jobsStatus string
	jobsLimit  int
)

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd, jobsStatusCmd)

	f := jobsListCmd.Flags()
	f.StringVar(&jobsBatch, "batch", "", "Only jobs of this batch")
	f.StringVar(&jobsClip, "clip", "", "Only jobs of this clip")
	f.StringSliceVar(&jobsTypes, "type", nil, "Job type glob patterns")
	f.StringVar(&jobsStatus, "status", "", "Only jobs in this status: queued, running, done or failed")
	f.IntVar(&jobsLimit, "limit", 100, "Maximum jobs to list (0 for no limit)")
}

func parseJobStatus(s string) (model.JobStatus, error) {
	st := model.JobStatus(strings.ToLower(strings.TrimSpace(s)))
	switch st {
	case "", model.JobQueued, model.JobRunning, model.JobDone, model.JobFailed:
		return st, nil
	}
	return "", fmt.Errorf("unknown job status %q", s)
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	types, err := worker.ResolveLanes(jobsTypes)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "invalid --type", err)
	}
	status, err := parseJobStatus(jobsStatus)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "invalid --status", err)
	}
	if jobsLimit < 0 {
		return exitError(foundry.ExitInvalidArgument, "invalid --limit", fmt.Errorf("must be >= 0, got %d", jobsLimit))
	}

	a, err := loadApp(ctx, observability.CLILogger)
	if err != nil {
		return err
	}
	defer a.Close()

	jobs, err := store.ListJobs(ctx, a.db, store.JobFilter{
		BatchID: jobsBatch,
		ClipID:  jobsClip,
		Types:   types,
		Status:  status,
		Limit:   jobsLimit,
	})
	if err != nil {
		return exitError(foundry.ExitDatabaseUnavailable, "list jobs", err)
	}
	if len(jobs) == 0 {
		_, _ = fmt.Fprintln(os.Stderr, "No jobs found")
		return nil
	}
	return emit(ctx, output.TypeJob, jobs...)
}

type jobCounts struct {
	BatchID string                  `json:"batch_id"`
	Counts  map[model.JobStatus]int `json:"counts"`
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := loadApp(ctx, observability.CLILogger)
	if err != nil {
		return err
	}
	defer a.Close()

	if _, err := a.batches.GetBatch(ctx, args[0]); err != nil {
		return err
	}
	counts, err := store.CountJobsByStatus(ctx, a.db, args[0])
	if err != nil {
		return exitError(foundry.ExitDatabaseUnavailable, "count jobs", err)
	}
	return emit(ctx, output.TypeJobCounts, jobCounts{BatchID: args[0], Counts: counts})
}
