package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/openfroyo/dsync/pkg/config"
	"github.com/openfroyo/dsync/pkg/engine"
	"github.com/openfroyo/dsync/pkg/stores"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printFindings(w io.Writer, findings []config.ValidationError) error {
	if jsonOutput {
		if findings == nil {
			findings = []config.ValidationError{}
		}
		return printJSON(w, findings)
	}
	for _, f := range findings {
		fmt.Fprintf(w, "%s: %s\n", f.Severity, f.Error())
	}
	return nil
}

func stepMark(status engine.StepStatus) string {
	switch status {
	case engine.StepStatusSucceeded:
		return "✓"
	case engine.StepStatusFailed:
		return "✗"
	case engine.StepStatusPlanned:
		return "+"
	case engine.StepStatusSkipped:
		return "-"
	default:
		return " "
	}
}

func printRun(w io.Writer, run *engine.RunReport) error {
	if jsonOutput {
		return printJSON(w, run)
	}

	mode := "Apply"
	if run.DryRun {
		mode = "Plan"
	}
	fmt.Fprintf(w, "%s %s (%s)\n\n", mode, run.ID, run.Project)

	for _, d := range run.Datasets {
		fmt.Fprintf(w, "%s [%s]\n", d.Report.Dataset, d.Report.Drift)
		if d.Error != "" {
			fmt.Fprintf(w, "  ✗ %s\n", d.Error)
		}
		for _, s := range d.Report.Steps {
			if s.Status == engine.StepStatusNoop || (s.Operation == engine.OperationObserve && s.Status == engine.StepStatusSucceeded) {
				continue
			}
			line := fmt.Sprintf("  %s %s %s", stepMark(s.Status), s.Operation, s.Target)
			if s.Message != "" {
				line += ": " + s.Message
			}
			fmt.Fprintln(w, line)
		}
	}

	fmt.Fprintf(w, "\n%s: %d datasets, %d converged, %d drifted, %d failed, %d mutations in %s\n",
		run.Status, run.Summary.Total, run.Summary.Converged, run.Summary.Drifted,
		run.Summary.Failed, run.Summary.Mutations, run.Duration.Round(time.Millisecond))
	return nil
}

func printStep(w io.Writer, step engine.StepResult) error {
	if jsonOutput {
		return printJSON(w, step)
	}
	line := fmt.Sprintf("%s %s %s (%s)", stepMark(step.Status), step.Operation, step.Target, step.Status)
	if step.Message != "" {
		line += ": " + step.Message
	}
	_, err := fmt.Fprintln(w, line)
	return err
}

func printRuns(w io.Writer, runs []*stores.RunRecord) error {
	if jsonOutput {
		return printJSON(w, runs)
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTARTED\tMODE\tSTATUS\tDATASETS\tFAILED\tMUTATIONS")
	for _, r := range runs {
		mode := "apply"
		if r.DryRun {
			mode = "plan"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%d\n",
			r.ID, r.StartedAt.Format(time.RFC3339), mode, r.Status,
			r.Summary.Total, r.Summary.Failed, r.Summary.Mutations)
	}
	return tw.Flush()
}

func printEvents(w io.Writer, events []*stores.Event) error {
	if jsonOutput {
		return printJSON(w, events)
	}
	for _, e := range events {
		fields := []string{e.CreatedAt.Format(time.RFC3339), e.Level, e.Type}
		if e.Dataset != "" {
			fields = append(fields, e.Dataset)
		}
		fmt.Fprintf(w, "%s %s\n", strings.Join(fields, " "), e.Message)
	}
	return nil
}

func printApplied(w io.Writer, applied []*stores.AppliedConfig) error {
	if jsonOutput {
		return printJSON(w, applied)
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PROJECT\tDATASET\tHASH\tAPPLIED")
	for _, a := range applied {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", a.Project, a.Dataset, a.ConfigHash, a.AppliedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

// runResult turns an incomplete run into an error.
func runResult(run *engine.RunReport) error {
	switch run.Status {
	case engine.RunStatusSucceeded:
		return nil
	default:
		return &IncompleteRunError{Status: run.Status, Failed: run.Summary.Failed}
	}
}
