package commands

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/dsa110/dsa110-contimg-sub007/pkg/engine"
)

func newRunCommand() *cobra.Command {
	var (
		inputs  map[string]string
		jobID   string
		workers int
	)

	cmd := &cobra.Command{
		Use:   "run <pipeline>",
		Short: "Run a pipeline",
		Long: `Run every stage of a pipeline file in dependency order.

Stages that exhaust their retries are parked in the dead letter queue and can
be retried later with 'contimg dlq retry'. The command exits with status 2
when a required stage fails and 0 when the run completes, even partially.`,
		Example: `  # Run a pipeline
  contimg run imaging.yaml

  # Run with inputs and a correlation id
  contimg run imaging.yaml --input ms=/data/obs.ms --input field=J1234 --job-id obs-42

  # Machine-readable result
  contimg run imaging.yaml --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.close()

			pipeline, err := a.pipeline(args[0])
			if err != nil {
				return err
			}
			orch, err := a.orchestrator(pipeline, workers)
			if err != nil {
				return err
			}

			in := make(map[string]any, len(inputs))
			for k, v := range inputs {
				in[k] = v
			}
			ec := engine.NewExecutionContext(pipeline, in, engine.WithJobID(jobID))

			a.tel.Logger.WithField("pipeline", pipeline.Name).WithField("job_id", jobID).Info("Running pipeline")

			result, runErr := orch.Run(cmd.Context(), ec)
			if result == nil {
				return newCommandError("run", "pipeline "+pipeline.Name, runErr, "")
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				if err := writeJSON(out, result); err != nil {
					return err
				}
			} else if err := renderRunResult(out, result); err != nil {
				return err
			}

			if result.Status == engine.PipelineStatusFailed {
				return &ExitError{Code: 2}
			}
			return nil
		},
	}

	cmd.Flags().StringToStringVarP(&inputs, "input", "i", nil, "pipeline inputs (key=value)")
	cmd.Flags().StringVar(&jobID, "job-id", "", "correlation id recorded with the run")
	cmd.Flags().IntVarP(&workers, "workers", "w", 0, "maximum concurrent stages (default from config)")

	return cmd
}

func renderRunResult(w io.Writer, result *engine.PipelineResult) error {
	fmt.Fprintf(w, "Run %s: %s (%s)\n\n", result.RunID, colorStatus(w, string(result.Status)),
		formatDuration(result.FinishedAt.Sub(result.StartedAt)))

	table := newTable(w)
	fmt.Fprintln(table, "STAGE\tATTEMPT\tSTATUS\tMODE\tDURATION\tDETAIL")
	for _, r := range result.StageResults {
		detail := r.SkipReason
		if r.Error != nil {
			detail = r.Error.Error()
		}
		fmt.Fprintf(table, "%s\t%d\t%s\t%s\t%s\t%s\n",
			r.Stage,
			r.Attempt,
			colorStatus(w, string(r.Status)),
			valueOrFallback(string(r.Mode), string(engine.ModeDirect)),
			formatDuration(r.Duration()),
			truncate(detail, 80),
		)
	}
	if err := table.Flush(); err != nil {
		return err
	}

	if result.Err != nil {
		fmt.Fprintf(w, "\nError: %s\n", result.Err.Error())
	}
	return nil
}
