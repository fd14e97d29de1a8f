package commands

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/dsa110/dsa110-contimg-sub007/pkg/stores"
)

func newRunsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect recorded pipeline runs",
		Long: `Inspect the history of pipeline runs.

Every run records its final status and one row per stage attempt, including
retries, skips and error kinds, so a failed run can be diagnosed afterwards.`,
	}

	cmd.AddCommand(newRunsListCommand())
	cmd.AddCommand(newRunsShowCommand())
	cmd.AddCommand(newRunsPruneCommand())

	return cmd
}

func newRunsListCommand() *cobra.Command {
	var (
		limit  int
		offset int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(a *app) error {
				runs, err := a.store.ListRuns(cmd.Context(), limit, offset)
				if err != nil {
					return newCommandError("list", "runs", err, "")
				}
				out := cmd.OutOrStdout()
				if jsonOutput {
					return writeJSON(out, runs)
				}
				return renderRuns(out, runs)
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of runs to skip")

	return cmd
}

func renderRuns(w io.Writer, runs []*stores.Run) error {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs recorded yet.")
		return nil
	}

	table := newTable(w)
	fmt.Fprintln(table, "ID\tJOB\tSTATUS\tSTARTED\tDURATION\tERROR")
	for _, r := range runs {
		var duration time.Duration
		if r.FinishedAt != nil {
			duration = r.FinishedAt.Sub(r.StartedAt)
		}
		errMsg := ""
		if r.Error != nil {
			errMsg = *r.Error
		}
		fmt.Fprintf(table, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID,
			valueOrFallback(r.JobID, "-"),
			colorStatus(w, string(r.Status)),
			formatTime(r.StartedAt),
			formatDuration(duration),
			truncate(errMsg, 60),
		)
	}
	return table.Flush()
}

type runDetail struct {
	Run      *stores.Run            `json:"run"`
	Attempts []*stores.StageAttempt `json:"attempts"`
}

func newRunsShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a run with every stage attempt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(a *app) error {
				run, err := a.store.GetRun(cmd.Context(), args[0])
				if err != nil {
					return newCommandError("show", "run "+args[0], err, "Run 'contimg runs list' to see run ids.")
				}
				attempts, err := a.store.ListStageAttempts(cmd.Context(), run.ID)
				if err != nil {
					return newCommandError("show", "run "+args[0], err, "")
				}

				out := cmd.OutOrStdout()
				if jsonOutput {
					return writeJSON(out, runDetail{Run: run, Attempts: attempts})
				}
				return renderRunDetail(out, run, attempts)
			})
		},
	}
}

func renderRunDetail(w io.Writer, run *stores.Run, attempts []*stores.StageAttempt) error {
	fmt.Fprintf(w, "Run:      %s\n", run.ID)
	fmt.Fprintf(w, "Job:      %s\n", valueOrFallback(run.JobID, "-"))
	fmt.Fprintf(w, "Status:   %s\n", colorStatus(w, string(run.Status)))
	fmt.Fprintf(w, "Started:  %s\n", formatTime(run.StartedAt))
	if run.FinishedAt != nil {
		fmt.Fprintf(w, "Finished: %s\n", formatTime(*run.FinishedAt))
	}
	if run.Error != nil {
		kind := "-"
		if run.ErrorKind != nil {
			kind = *run.ErrorKind
		}
		fmt.Fprintf(w, "Error:    [%s] %s\n", kind, *run.Error)
	}
	fmt.Fprintln(w)

	table := newTable(w)
	fmt.Fprintln(table, "STAGE\tATTEMPT\tSTATUS\tMODE\tDURATION\tDETAIL")
	for _, at := range attempts {
		var duration time.Duration
		if at.FinishedAt != nil {
			duration = at.FinishedAt.Sub(at.StartedAt)
		}
		detail := ""
		switch {
		case at.ErrorMessage != nil:
			detail = *at.ErrorMessage
			if at.ErrorKind != nil {
				detail = fmt.Sprintf("[%s] %s", *at.ErrorKind, detail)
			}
		case at.SkipReason != nil:
			detail = *at.SkipReason
		}
		fmt.Fprintf(table, "%s\t%d\t%s\t%s\t%s\t%s\n",
			at.Stage,
			at.Attempt,
			colorStatus(w, at.Status),
			valueOrFallback(at.Mode, "-"),
			formatDuration(duration),
			truncate(detail, 80),
		)
	}
	return table.Flush()
}

func newRunsPruneCommand() *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:     "prune",
		Short:   "Delete runs older than a duration",
		Example: `  contimg runs prune --older-than 720h`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(a *app) error {
				if olderThan <= 0 {
					olderThan = a.cfg.DLQ.HistoryRetention
				}
				if olderThan <= 0 {
					return newCommandError("prune", "runs", fmt.Errorf("no retention given"),
						"Pass --older-than or set dlq.history_retention in the configuration.")
				}
				n, err := a.store.PruneRuns(cmd.Context(), time.Now().Add(-olderThan))
				if err != nil {
					return newCommandError("prune", "runs", err, "")
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d run(s)\n", n)
				return nil
			})
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "age of the oldest run to keep (default from config)")

	return cmd
}
