package runner

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/jedib0t/go-pretty/v6/text"
)

// ResultAccumulator collects suite results across the whole session. Each
// suite is appended exactly once; results are never mutated after append.
type ResultAccumulator struct {
	mu      sync.Mutex
	results []SuiteResult
	seen    map[string]bool
}

// NewResultAccumulator creates an empty accumulator
func NewResultAccumulator() *ResultAccumulator {
	return &ResultAccumulator{seen: make(map[string]bool)}
}

// Append records a suite result. Appending the same label twice is a
// programming error and fails.
func (a *ResultAccumulator) Append(result SuiteResult) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.seen[result.Label] {
		return fmt.Errorf("suite %q was already reported", result.Label)
	}
	a.seen[result.Label] = true
	a.results = append(a.results, result)
	return nil
}

// Results returns a copy of the accumulated results in append order
func (a *ResultAccumulator) Results() []SuiteResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]SuiteResult, len(a.results))
	copy(out, a.results)
	return out
}

// WasSuccessful reports whether no suite had failures or errors
func (a *ResultAccumulator) WasSuccessful() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range a.results {
		if !a.results[i].WasSuccessful() {
			return false
		}
	}
	return true
}

// Totals sums the counts across all suites
func (a *ResultAccumulator) Totals() (total, passed, skipped, failures, errors int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range a.results {
		r := &a.results[i]
		total += r.Total
		passed += r.Passed
		skipped += len(r.Skipped)
		failures += len(r.Failures)
		errors += len(r.Errors)
	}
	return total, passed, skipped, failures, errors
}

// Reporter renders the session report to a terminal
type Reporter struct {
	out      io.Writer
	columns  int
	noColors bool
}

// NewReporter creates a reporter writing to out with the given terminal
// width. Colors are disabled with noColors.
func NewReporter(out io.Writer, columns int, noColors bool) *Reporter {
	if columns <= 0 {
		columns = 80
	}
	return &Reporter{out: out, columns: columns, noColors: noColors}
}

func (r *Reporter) colorize(color text.Color, s string) string {
	if r.noColors {
		return s
	}
	return color.Sprint(s)
}

// PrintHeader prints a centered header padded with the separator rune
func (r *Reporter) PrintHeader(label string, sep string) {
	if label == "" {
		fmt.Fprintln(r.out, strings.Repeat(sep, r.columns))
		return
	}
	padded := fmt.Sprintf("  %s  ", label)
	fill := r.columns - len(padded)
	if fill < 2 {
		fill = 2
	}
	left := fill / 2
	right := fill - left
	fmt.Fprintln(r.out, strings.Repeat(sep, left)+padded+strings.Repeat(sep, right))
}

// PrintBulleted prints a colored single-line bullet
func (r *Reporter) PrintBulleted(label string, color text.Color) {
	fmt.Fprintf(r.out, " %s %s\n", r.colorize(color, "*"), r.colorize(color, label))
}

// Report renders the overall session report and returns whether the run
// was successful. Problem free runs print a single banner instead of the
// itemized breakdown.
func (r *Reporter) Report(results []SuiteResult) bool {
	fmt.Fprintln(r.out)
	r.PrintHeader("Overall Tests Report", "~")

	noProblems := true
	for i := range results {
		if len(results[i].Skipped)+len(results[i].Failures)+len(results[i].Errors) > 0 {
			noProblems = false
			break
		}
	}

	if noProblems {
		r.PrintHeader("No Problems Found While Running Tests", "*")
	} else {
		for i := range results {
			r.reportSuite(&results[i])
		}
	}

	r.PrintHeader("", "~")
	for i := range results {
		result := &results[i]
		line := fmt.Sprintf("%s: %s", result.Label, result.Summary())
		if result.WasSuccessful() {
			r.PrintBulleted(line, text.FgGreen)
		} else {
			r.PrintBulleted(line, text.FgRed)
		}
	}
	fmt.Fprintln(r.out)

	success := true
	for i := range results {
		if !results[i].WasSuccessful() {
			success = false
			break
		}
	}
	return success
}

func (r *Reporter) reportSuite(result *SuiteResult) {
	if len(result.Skipped)+len(result.Failures)+len(result.Errors) == 0 {
		return
	}
	r.PrintHeader(result.Label, "=")

	if len(result.Skipped) > 0 {
		r.PrintBulleted("Skipped Tests:", text.FgCyan)
		for _, problem := range result.Skipped {
			fmt.Fprintf(r.out, "   %s: %s\n", problem.ID, problem.Reason)
		}
	}
	if len(result.Errors) > 0 {
		r.PrintBulleted("Tests with Errors:", text.FgRed)
		for _, problem := range result.Errors {
			fmt.Fprintf(r.out, "   %s: %s\n", problem.ID, problem.Reason)
		}
	}
	if len(result.Failures) > 0 {
		r.PrintBulleted("Failed Tests:", text.FgRed)
		for _, problem := range result.Failures {
			fmt.Fprintf(r.out, "   %s: %s\n", problem.ID, problem.Reason)
		}
	}
}
