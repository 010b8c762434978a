package runner

import "fmt"

// TestModule is one parsed test module file. Modules hold suites, suites
// hold cases and possibly nested suites.
type TestModule struct {
	// Name is the dotted module id derived from the file path relative to
	// the suite root.
	Name string `yaml:"-"`
	// Path is the absolute path of the module file
	Path string `yaml:"-"`

	Description string      `yaml:"description,omitempty"`
	Suites      []TestSuite `yaml:"suites"`
}

// TestSuite groups cases under a shared name segment
type TestSuite struct {
	Name        string      `yaml:"name"`
	Description string      `yaml:"description,omitempty"`
	Suites      []TestSuite `yaml:"suites,omitempty"`
	Cases       []TestCase  `yaml:"cases,omitempty"`
}

// TestCase is a single runnable case
type TestCase struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`

	// Destructive cases are skipped unless DESTRUCTIVE_TESTS=YES,
	// expensive cases unless EXPENSIVE_TESTS=YES.
	Destructive bool `yaml:"destructive,omitempty"`
	Expensive   bool `yaml:"expensive,omitempty"`

	Steps []TestStep `yaml:"steps"`
}

// TestStep is one action inside a case: either a salt function dispatched
// through the client, or a local command.
type TestStep struct {
	// Function is a salt execution function, e.g. "test.ping" or
	// "state.sls". Mutually exclusive with Cmd.
	Function string   `yaml:"function,omitempty"`
	Target   string   `yaml:"target,omitempty"`
	Args     []string `yaml:"args,omitempty"`

	// Cmd runs a local command instead of dispatching through salt
	Cmd []string `yaml:"cmd,omitempty"`

	Expect Expectation `yaml:"expect,omitempty"`
}

// Expectation declares the checks applied to a step's outcome
type Expectation struct {
	Result          *bool                  `yaml:"result,omitempty"`
	CommentContains string                 `yaml:"comment_contains,omitempty"`
	CommentMatches  string                 `yaml:"comment_matches,omitempty"`
	InWarnings      string                 `yaml:"in_warnings,omitempty"`
	ChangesEqual    map[string]interface{} `yaml:"changes_equal,omitempty"`
	NonEmpty        bool                   `yaml:"non_empty,omitempty"`

	// ExitCode applies to Cmd steps only
	ExitCode *int `yaml:"exit_code,omitempty"`
	// OutputContains applies to Cmd steps only
	OutputContains string `yaml:"output_contains,omitempty"`
}

// TestRecord pairs a discovered case with its identity and the daemon
// requirement inherited from the directory metadata. Records for modules
// that failed to parse carry LoadErr instead of a case.
type TestRecord struct {
	// ID is the dotted identity: module path relative to the suite root
	// with separators turned into dots, plus the suite chain and case name.
	ID string
	// MethodName is the last id segment; for load failures it is
	// "ModuleImportFailure.<modname>" and filters match against it.
	MethodName string

	Module       *TestModule
	Case         *TestCase
	NeedsDaemons bool

	// LoadErr marks a synthetic failure entry for an unparseable module
	LoadErr error
}

// IsLoadFailure reports whether the record stands in for a module that
// could not be parsed.
func (r *TestRecord) IsLoadFailure() bool {
	return r.LoadErr != nil
}

// Problem is one skipped, failed or errored case with its reason
type Problem struct {
	ID     string
	Reason string
}

// SuiteResult accumulates the outcome of one suite execution. It is
// appended to the run's accumulator exactly once and never mutated after.
type SuiteResult struct {
	Label    string
	Total    int
	Passed   int
	Skipped  []Problem
	Failures []Problem
	Errors   []Problem
}

// WasSuccessful reports whether the suite had no failures and no errors
func (r *SuiteResult) WasSuccessful() bool {
	return len(r.Failures) == 0 && len(r.Errors) == 0
}

// Summary renders the canonical one-line totals for the suite
func (r *SuiteResult) Summary() string {
	status := "OK"
	if !r.WasSuccessful() {
		status = "FAILED"
	}
	return fmt.Sprintf("%s (total=%d, skipped=%d, passed=%d, failures=%d, errors=%d)",
		status, r.Total, len(r.Skipped), r.Passed, len(r.Failures), len(r.Errors))
}
