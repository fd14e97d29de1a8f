package commands

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dsa110/dsa110-contimg-sub007/pkg/config"
	"github.com/dsa110/dsa110-contimg-sub007/pkg/engine"
	"github.com/dsa110/dsa110-contimg-sub007/pkg/stages"
)

type validateReport struct {
	Valid    bool                     `json:"valid"`
	Pipeline string                   `json:"pipeline,omitempty"`
	Errors   []config.ValidationError `json:"errors,omitempty"`
	Levels   [][]string               `json:"levels,omitempty"`
}

func newValidateCommand() *cobra.Command {
	var dot bool

	cmd := &cobra.Command{
		Use:   "validate [pipeline]",
		Short: "Validate configuration and pipeline files",
		Long: `Validate the configuration given with --config and, optionally, a pipeline file.

This command checks:
  - YAML syntax and unknown fields
  - Field constraints (workers, retry policies, modes, cron schedules)
  - Stage types and parameters
  - Dependencies: unknown stages, self references and cycles`,
		Example: `  # Validate a pipeline against the default configuration
  contimg validate imaging.yaml

  # Validate a configuration file and its embedded pipeline
  contimg validate --config contimg.yaml

  # Render the stage graph with graphviz
  contimg validate imaging.yaml --dot | dot -Tsvg > imaging.svg`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			path := ""
			if len(args) > 0 {
				path = args[0]
			}
			report, graph, err := validatePipeline(path)
			if err != nil {
				return err
			}

			switch {
			case jsonOutput:
				if err := writeJSON(out, report); err != nil {
					return err
				}
			case dot && report.Valid:
				fmt.Fprint(out, graph.ToDOT())
			default:
				renderValidateReport(out, report)
			}

			if !report.Valid {
				return &ExitError{Code: 1}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&dot, "dot", false, "print the stage graph in graphviz DOT format")

	return cmd
}

// validatePipeline collects every configuration problem. The returned error is
// reserved for failures that prevent validation from running at all.
func validatePipeline(path string) (*validateReport, *engine.Graph, error) {
	report := &validateReport{Valid: true}

	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			if !collect(report, err) {
				return nil, nil, newCommandError("validate", configPath, err, "")
			}
			return report, nil, nil
		}
		cfg = loaded
	}

	var pipeline *config.PipelineConfig
	switch {
	case path != "":
		p, err := config.LoadPipeline(path)
		if err != nil {
			if !collect(report, err) {
				return nil, nil, newCommandError("validate", path, err, "")
			}
			return report, nil, nil
		}
		pipeline = p
	case len(cfg.Pipeline.Stages) > 0:
		pipeline = &cfg.Pipeline
	default:
		return report, nil, nil
	}
	report.Pipeline = pipeline.Name

	defs, built, err := pipeline.Build(stages.DefaultRegistry(), cfg.Engine)
	if err != nil {
		report.Valid = false
		report.Errors = append(report.Errors, config.ValidationError{File: path, Message: err.Error()})
		return report, nil, nil
	}
	orch, err := engine.NewOrchestrator(defs, built)
	if err != nil {
		report.Valid = false
		report.Errors = append(report.Errors, config.ValidationError{File: path, Message: err.Error()})
		return report, nil, nil
	}

	graph := orch.Graph()
	report.Levels = graph.Levels
	return report, graph, nil
}

// collect records validation errors on report and reports whether err was one.
func collect(report *validateReport, err error) bool {
	var verrs config.ValidationErrors
	if !errors.As(err, &verrs) {
		return false
	}
	report.Valid = false
	report.Errors = append(report.Errors, verrs...)
	return true
}

func renderValidateReport(w io.Writer, report *validateReport) {
	if !report.Valid {
		fmt.Fprintf(w, "%s %d problem(s) found\n\n", colorStatus(w, "failed"), len(report.Errors))
		for _, e := range report.Errors {
			fmt.Fprintf(w, "  %s\n", e.String())
		}
		return
	}

	fmt.Fprintf(w, "%s configuration is valid\n", colorStatus(w, "succeeded"))
	if report.Pipeline == "" && len(report.Levels) == 0 {
		return
	}
	fmt.Fprintf(w, "\nPipeline %s:\n", valueOrFallback(report.Pipeline, "(no name)"))
	for i, level := range report.Levels {
		fmt.Fprintf(w, "  level %d: %s\n", i, strings.Join(level, ", "))
	}
}
