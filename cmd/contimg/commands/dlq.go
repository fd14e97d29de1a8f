package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"

	"github.com/dsa110/dsa110-contimg-sub007/pkg/dlq"
	"github.com/dsa110/dsa110-contimg-sub007/pkg/telemetry"
)

// withApp builds the shared services, runs fn and releases them.
func withApp(cmd *cobra.Command, fn func(a *app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer a.close()
	return fn(a)
}

func newDLQCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and act on the dead letter queue",
		Long: `Inspect and act on stage invocations parked in the dead letter queue.

An item is parked when a stage exhausts its retries. Pending items can be:
  - retried: the stage is re-run from its recorded input snapshot
  - resolved: marked as handled out of band
  - failed: marked as permanently unrecoverable
  - deleted: purged regardless of status`,
	}

	cmd.AddCommand(newDLQListCommand())
	cmd.AddCommand(newDLQShowCommand())
	cmd.AddCommand(newDLQRetryCommand())
	cmd.AddCommand(newDLQTransitionCommand("resolve", "Mark a pending item as handled", func(a *app, cmd *cobra.Command, id string) error {
		return a.queue.Resolve(cmd.Context(), id)
	}))
	cmd.AddCommand(newDLQTransitionCommand("fail", "Mark a pending item as permanently failed", func(a *app, cmd *cobra.Command, id string) error {
		return a.queue.Fail(cmd.Context(), id)
	}))
	cmd.AddCommand(newDLQTransitionCommand("delete", "Delete an item regardless of status", func(a *app, cmd *cobra.Command, id string) error {
		return a.queue.Delete(cmd.Context(), id)
	}))
	cmd.AddCommand(newDLQStatsCommand())
	cmd.AddCommand(newDLQSweepCommand())

	return cmd
}

func newDLQListCommand() *cobra.Command {
	var (
		component string
		errorType string
		status    string
		limit     int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dead letter items",
		Example: `  # List pending items
  contimg dlq list --status pending

  # List timeouts of the imaging stage
  contimg dlq list --component imaging --error-type Timeout`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := dlq.Filter{
				Component: component,
				ErrorType: errorType,
				Status:    dlq.Status(status),
				Limit:     limit,
			}
			if status != "" {
				if err := filter.Status.Validate(); err != nil {
					return newCommandError("list", "dead letter items", err, "Use one of: pending, resolved, failed.")
				}
			}

			return withApp(cmd, func(a *app) error {
				items, err := a.queue.List(cmd.Context(), filter)
				if err != nil {
					return newCommandError("list", "dead letter items", err, "")
				}
				out := cmd.OutOrStdout()
				if jsonOutput {
					return writeJSON(out, items)
				}
				return renderDLQItems(out, items)
			})
		},
	}

	cmd.Flags().StringVar(&component, "component", "", "filter by stage name")
	cmd.Flags().StringVar(&errorType, "error-type", "", "filter by error kind")
	cmd.Flags().StringVar(&status, "status", "", "filter by status (pending, resolved, failed)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of items")

	return cmd
}

func renderDLQItems(w io.Writer, items []*dlq.Item) error {
	if len(items) == 0 {
		fmt.Fprintln(w, "No dead letter items.")
		return nil
	}

	table := newTable(w)
	fmt.Fprintln(table, "ID\tCOMPONENT\tERROR TYPE\tSTATUS\tRETRIES\tCREATED\tMESSAGE")
	for _, item := range items {
		fmt.Fprintf(table, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			item.ID,
			item.Component,
			item.ErrorType,
			colorStatus(w, string(item.Status)),
			item.RetryCount,
			formatTime(item.CreatedAt),
			truncate(item.ErrorMessage, 60),
		)
	}
	return table.Flush()
}

func newDLQShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one dead letter item with its payload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(a *app) error {
				item, err := a.queue.Get(cmd.Context(), args[0])
				if err != nil {
					return newCommandError("show", "item "+args[0], err, "Run 'contimg dlq list' to see item ids.")
				}
				out := cmd.OutOrStdout()
				if jsonOutput {
					return writeJSON(out, item)
				}

				fmt.Fprintf(out, "ID:         %s\n", item.ID)
				fmt.Fprintf(out, "Component:  %s\n", item.Component)
				fmt.Fprintf(out, "Error type: %s\n", item.ErrorType)
				fmt.Fprintf(out, "Status:     %s\n", colorStatus(out, string(item.Status)))
				fmt.Fprintf(out, "Retries:    %d\n", item.RetryCount)
				fmt.Fprintf(out, "Run:        %s\n", valueOrFallback(item.RunID, "-"))
				fmt.Fprintf(out, "Created:    %s\n", formatTime(item.CreatedAt))
				fmt.Fprintf(out, "Updated:    %s\n", formatTime(item.UpdatedAt))
				fmt.Fprintf(out, "Message:    %s\n", item.ErrorMessage)

				var pretty bytes.Buffer
				if err := json.Indent(&pretty, item.Payload, "", "  "); err != nil {
					pretty.Reset()
					pretty.Write(item.Payload)
				}
				fmt.Fprintf(out, "\nPayload:\n%s\n", pretty.String())
				return nil
			})
		},
	}
}

func newDLQRetryCommand() *cobra.Command {
	var pipelinePath string

	cmd := &cobra.Command{
		Use:   "retry <id>",
		Short: "Re-run the stage of a pending item",
		Long: `Re-run the stage of a pending item from its recorded input snapshot.

The stage is rebuilt from the pipeline given with --pipeline, or from the
pipeline embedded in the configuration. On success the item is removed; on
failure it stays pending with its retry count incremented.`,
		Example: `  contimg dlq retry 6f1c... --pipeline imaging.yaml`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(a *app) error {
				pipeline, err := a.pipeline(pipelinePath)
				if err != nil {
					return err
				}
				if _, err := a.orchestrator(pipeline, 0); err != nil {
					return err
				}
				if err := a.queue.Retry(cmd.Context(), args[0]); err != nil {
					return newCommandError("retry", "item "+args[0], err, "Inspect the item with 'contimg dlq show "+args[0]+"'.")
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s item %s retried and removed\n", colorStatus(cmd.OutOrStdout(), "succeeded"), args[0])
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&pipelinePath, "pipeline", "p", "", "pipeline file that defines the stage")

	return cmd
}

func newDLQTransitionCommand(use, short string, fn func(a *app, cmd *cobra.Command, id string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(a *app) error {
				if err := fn(a, cmd, args[0]); err != nil {
					return newCommandError(use, "item "+args[0], err, "Only pending items can be resolved or failed.")
				}
				fmt.Fprintf(cmd.OutOrStdout(), "item %s: %s done\n", args[0], use)
				return nil
			})
		},
	}
}

func newDLQStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show dead letter counts by component and error type",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(a *app) error {
				stats, err := a.queue.Stats(cmd.Context())
				if err != nil {
					return newCommandError("read", "dead letter stats", err, "")
				}
				out := cmd.OutOrStdout()
				if jsonOutput {
					return writeJSON(out, stats)
				}
				return renderDLQStats(out, stats)
			})
		},
	}
}

func renderDLQStats(w io.Writer, stats dlq.Stats) error {
	fmt.Fprintf(w, "Total: %d (pending %d, resolved %d, failed %d)\n\n",
		stats.Total,
		stats.ByStatus[dlq.StatusPending],
		stats.ByStatus[dlq.StatusResolved],
		stats.ByStatus[dlq.StatusFailed],
	)
	if len(stats.Groups) == 0 {
		return nil
	}

	groups := append([]dlq.GroupStats(nil), stats.Groups...)
	sort.Slice(groups, func(i, j int) bool {
		if groups[i].Component != groups[j].Component {
			return groups[i].Component < groups[j].Component
		}
		return groups[i].ErrorType < groups[j].ErrorType
	})

	table := newTable(w)
	fmt.Fprintln(table, "COMPONENT\tERROR TYPE\tPENDING\tRESOLVED\tFAILED\tTOTAL")
	for _, g := range groups {
		fmt.Fprintf(table, "%s\t%s\t%d\t%d\t%d\t%d\n", g.Component, g.ErrorType, g.Pending, g.Resolved, g.Failed, g.Total)
	}
	return table.Flush()
}

func newDLQSweepCommand() *cobra.Command {
	var (
		pipelinePath string
		limit        int
	)

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Retry pending items once, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(a *app) error {
				pipeline, err := a.pipeline(pipelinePath)
				if err != nil {
					return err
				}
				if _, err := a.orchestrator(pipeline, 0); err != nil {
					return err
				}
				if limit <= 0 {
					limit = a.cfg.DLQ.SweepLimit
				}

				sweeper := dlq.NewSweeper(a.queue, limit, a.cfg.DLQ.SweepTimeout, a.logger("sweeper"))
				sweeper.OnSweep(a.obs.RecordSweep)
				op := telemetry.StartOperation(a.tel.WithContext(cmd.Context()), "dlq.sweep", attribute.Int("limit", limit))
				result, err := sweeper.RunOnce(op.Ctx)
				op.End(err)
				if err != nil {
					return newCommandError("sweep", "dead letter queue", err, "")
				}

				out := cmd.OutOrStdout()
				if jsonOutput {
					return writeJSON(out, result)
				}
				fmt.Fprintf(out, "Swept %d item(s): %d succeeded, %d failed, %d skipped\n",
					result.Attempted, result.Succeeded, result.Failed, result.Skipped)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&pipelinePath, "pipeline", "p", "", "pipeline file that defines the stages")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum items to retry (default from config)")

	return cmd
}
