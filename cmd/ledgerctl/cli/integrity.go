package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/odyssey-erp/odyssey-ledger/internal/ledger"
)

// ExitDrift is returned when the integrity check finds mismatched totals.
const ExitDrift = 10

// IntegrityChecker runs a full ledger integrity check.
type IntegrityChecker interface {
	CheckIntegrity(ctx context.Context) (ledger.IntegrityReport, error)
}

// IntegrityOptions defines the flags for the integrity command.
type IntegrityOptions struct {
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

// IntegritySummary is the JSON shape printed by the integrity command.
type IntegritySummary struct {
	OK      bool                    `json:"ok"`
	Checked int                     `json:"checked"`
	Issues  []IntegritySummaryIssue `json:"issues"`
}

// IntegritySummaryIssue describes one drifted running total.
type IntegritySummaryIssue struct {
	Target   string `json:"target"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
}

// IntegrityCommand runs the check and prints the outcome. The exit code is
// ExitDrift when drift is found and 1 on any other failure.
func IntegrityCommand(ctx context.Context, checker IntegrityChecker, opts IntegrityOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	report, err := checker.CheckIntegrity(ctx)
	var cerr *ledger.ConsistencyError
	if err != nil && !errors.As(err, &cerr) {
		_, _ = fmt.Fprintf(opts.Stderr, "integrity: %v\n", err)
		return 1
	}
	summary := buildIntegritySummary(report)
	if opts.JSONOutput {
		if err := json.NewEncoder(opts.Stdout).Encode(summary); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "integrity: encode json: %v\n", err)
			return 1
		}
	} else {
		renderIntegrityHuman(opts.Stdout, summary)
	}
	if !summary.OK {
		return ExitDrift
	}
	return 0
}

func buildIntegritySummary(report ledger.IntegrityReport) IntegritySummary {
	issues := make([]IntegritySummaryIssue, 0, len(report.Issues))
	for _, issue := range report.Issues {
		issues = append(issues, IntegritySummaryIssue{
			Target:   issue.Target.String(),
			Expected: issue.Expected.String(),
			Actual:   issue.Actual.String(),
		})
	}
	sort.Slice(issues, func(i, j int) bool { return issues[i].Target < issues[j].Target })
	return IntegritySummary{OK: len(issues) == 0, Checked: report.Checked, Issues: issues}
}

func renderIntegrityHuman(out io.Writer, summary IntegritySummary) {
	_, _ = fmt.Fprintf(out, "Checked %d running total(s).\n", summary.Checked)
	if summary.OK {
		_, _ = fmt.Fprintln(out, "All running totals match their events.")
		return
	}
	_, _ = fmt.Fprintf(out, "%d drift(s) detected:\n", len(summary.Issues))
	for _, issue := range summary.Issues {
		_, _ = fmt.Fprintf(out, " - %s expected %s, stored %s\n", issue.Target, issue.Expected, issue.Actual)
	}
}
