package runner

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"salttesting/internal/envelope"
	"salttesting/pkg/logging"
)

// Environment gates for conditionally skipped cases
const (
	DestructiveTestsEnvVar = "DESTRUCTIVE_TESTS"
	ExpensiveTestsEnvVar   = "EXPENSIVE_TESTS"
	gateEnabled            = "YES"
)

// Options configures a test run
type Options struct {
	Workspace         string
	SearchPaths       []string
	TestFiles         []string
	Names             []string
	TestModulePattern string
	Filters           []string

	Transport     string
	NoSaltDaemons bool
	SaltCheckout  string

	RunDestructive bool
	RunExpensive   bool

	Coverage           bool
	CoverageInclude    []string
	CoverageOmit       []string
	CoverageXMLOutput  string
	CoverageHTMLOutput string

	XMLOut     bool
	XMLOutPath string

	NoReport      bool
	NoClean       bool
	NoColors      bool
	OutputColumns int
	ShowCountdown bool

	Verbose bool
	Debug   bool

	// Client overrides the salt CLI client, used by tests
	Client Client
	// Out overrides the report destination, default stdout
	Out io.Writer
}

// Runner drives a complete test session: discovery, optional daemon
// orchestration, sequential case execution, reporting.
type Runner struct {
	opts        Options
	logger      TestLogger
	vars        *RuntimeVars
	meta        *MetaLoader
	discovery   *Discovery
	accumulator *ResultAccumulator

	daemonsRunning bool
}

// New creates a runner for the given options
func New(opts Options) (*Runner, error) {
	if opts.Workspace == "" {
		opts.Workspace = os.Getenv("WORKSPACE")
	}
	if opts.Workspace == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to determine workspace: %w", err)
		}
		opts.Workspace = cwd
	}
	workspace, err := filepath.Abs(opts.Workspace)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace: %w", err)
	}
	opts.Workspace = workspace
	if opts.Out == nil {
		opts.Out = os.Stdout
	}

	logger := NewStdoutLogger(opts.Verbose, opts.Debug)
	meta := NewMetaLoader(opts.Workspace, opts.TestModulePattern, logger)
	return &Runner{
		opts:        opts,
		logger:      logger,
		meta:        meta,
		discovery:   NewDiscovery(opts.Workspace, meta, logger),
		accumulator: NewResultAccumulator(),
	}, nil
}

// Accumulator exposes the session results, mainly for tests
func (r *Runner) Accumulator() *ResultAccumulator {
	return r.accumulator
}

// Run executes the whole session and returns the process exit code: 0 on
// all-pass, 1 on any failure or error, 2 on fatal setup errors (the
// returned error is non-nil in that case).
func (r *Runner) Run(ctx context.Context) (int, error) {
	if err := os.Chdir(r.opts.Workspace); err != nil {
		return 2, fmt.Errorf("failed to enter workspace %s: %w", r.opts.Workspace, err)
	}
	if r.opts.RunDestructive {
		os.Setenv(DestructiveTestsEnvVar, gateEnabled)
	}
	if r.opts.RunExpensive {
		os.Setenv(ExpensiveTestsEnvVar, gateEnabled)
	}

	if err := r.discover(); err != nil {
		return 2, err
	}
	if r.discovery.Len() == 0 {
		return 2, fmt.Errorf("%w, aborting", ErrNoTestsFound)
	}
	logging.Info("Runner", "discovered %d test case(s)", r.discovery.Len())

	tmpRoot := filepath.Join(os.TempDir(), "salt-runtests")
	if !r.opts.NoClean {
		// Leftovers from a previous interrupted run
		if err := os.RemoveAll(tmpRoot); err != nil {
			logging.Warn("Runner", "failed to clean %s: %v", tmpRoot, err)
		}
	}
	r.vars = DefaultRuntimeVars(tmpRoot)

	daemonsNeeded := r.discovery.NeedsDaemons() && !r.opts.NoSaltDaemons
	var daemon *TestDaemon
	if daemonsNeeded {
		daemon = NewTestDaemon(DaemonConfig{
			Vars:          r.vars,
			Meta:          r.meta,
			Client:        r.opts.Client,
			Logger:        r.logger,
			Transport:     r.opts.Transport,
			SaltCheckout:  r.opts.SaltCheckout,
			NoClean:       r.opts.NoClean,
			ShowCountdown: r.opts.ShowCountdown,
		})
		if daemon.cfg.Client == nil {
			daemon.cfg.Client = NewCLIClient(daemon.ConfDirFor("master"), "salt", 30*time.Second)
		}
		if err := daemon.TransplantConfigs(); err != nil {
			return 2, err
		}
		for _, hook := range r.meta.PreDaemonEnter {
			if err := hook(ctx, r.vars); err != nil {
				return 2, fmt.Errorf("pre daemon enter hook failed: %w", err)
			}
		}
	}

	// No configuration path may change once daemons can cache them
	r.vars.Lock()

	var coverage *Coverage
	if r.opts.Coverage {
		coverage = NewCoverage(CoverageOptions{
			Include:    r.opts.CoverageInclude,
			Omit:       r.opts.CoverageOmit,
			XMLOutput:  r.opts.CoverageXMLOutput,
			HTMLOutput: r.opts.CoverageHTMLOutput,
		}, r.logger)
		if err := coverage.Start(); err != nil {
			return 2, err
		}
	}

	if daemon != nil {
		if err := daemon.Enter(ctx); err != nil {
			if coverage != nil {
				coverage.Stop(ctx)
			}
			return 2, err
		}
		r.daemonsRunning = true
		defer func() {
			r.daemonsRunning = false
			daemon.Exit(context.Background())
		}()
	}

	label := filepath.Base(r.opts.Workspace)
	caseResults := r.runCases(ctx, daemon)
	suiteResult := buildSuiteResult(label, caseResults)
	if err := r.accumulator.Append(suiteResult); err != nil {
		return 2, err
	}

	if coverage != nil {
		if err := coverage.Stop(ctx); err != nil {
			logging.Warn("Coverage", "failed to finalize coverage: %v", err)
			r.logger.Error("WARNING: failed to finalize coverage: %v\n", err)
		}
	}

	if r.opts.XMLOut {
		dir := r.opts.XMLOutPath
		if dir == "" {
			dir = os.Getenv(XMLReportsDirEnvVar)
		}
		if dir == "" {
			dir = filepath.Join(r.opts.Workspace, "xml-test-reports")
		}
		if path, err := WriteJUnitXML(dir, label, caseResults); err != nil {
			logging.Warn("Runner", "failed to write JUnit XML: %v", err)
			r.logger.Error("WARNING: failed to write JUnit XML: %v\n", err)
		} else {
			r.logger.Info(" * Wrote JUnit XML report to %s\n", path)
		}
	}

	if !r.opts.NoReport {
		reporter := NewReporter(r.opts.Out, r.opts.OutputColumns, r.opts.NoColors)
		reporter.Report(r.accumulator.Results())
	}

	if !r.accumulator.WasSuccessful() {
		return 1, nil
	}
	return 0, nil
}

// discover loads tests from explicit files, dotted names or a workspace
// walk.
func (r *Runner) discover() error {
	for _, file := range r.opts.TestFiles {
		if err := r.discovery.LoadFile(file); err != nil {
			return err
		}
	}
	if len(r.opts.TestFiles) == 0 || len(r.opts.Names) > 0 {
		if err := r.discovery.DiscoverPath(r.opts.Workspace); err != nil {
			return err
		}
		for _, path := range r.opts.SearchPaths {
			if err := r.discovery.DiscoverPath(path); err != nil {
				return err
			}
		}
	}
	if len(r.opts.Names) > 0 {
		if err := r.discovery.LoadNames(r.opts.Names); err != nil {
			return err
		}
	}
	r.discovery.Filter(r.opts.Filters)
	return nil
}

// runCases executes the discovered cases sorted by id, sequentially
func (r *Runner) runCases(ctx context.Context, daemon *TestDaemon) []CaseResult {
	var client Client
	if daemon != nil {
		client = daemon.cfg.Client
	} else {
		client = r.opts.Client
	}

	records := r.discovery.Records()
	results := make([]CaseResult, 0, len(records))
	for _, record := range records {
		results = append(results, r.runCase(ctx, record, client))
	}
	return results
}

func (r *Runner) runCase(ctx context.Context, record *TestRecord, client Client) CaseResult {
	logging.Debug("Runner", ">>>>> START >>>>> %s", record.ID)
	defer logging.Debug("Runner", "<<<<< END <<<<<<< %s", record.ID)

	start := time.Now()
	finish := func(status CaseStatus, reason string) CaseResult {
		return CaseResult{ID: record.ID, Status: status, Reason: reason, Duration: time.Since(start)}
	}

	if record.IsLoadFailure() {
		return finish(CaseErrored, record.LoadErr.Error())
	}
	if record.Case.Destructive && os.Getenv(DestructiveTestsEnvVar) != gateEnabled {
		return finish(CaseSkipped, "Destructive tests are disabled")
	}
	if record.Case.Expensive && os.Getenv(ExpensiveTestsEnvVar) != gateEnabled {
		return finish(CaseSkipped, "Expensive tests are disabled")
	}
	if record.NeedsDaemons && !r.daemonsRunning {
		return finish(CaseErrored, "test requires the salt daemons but they are not running")
	}

	for i, step := range record.Case.Steps {
		var err error
		if len(step.Cmd) > 0 {
			err = r.runCmdStep(ctx, step)
		} else {
			err = r.runFunctionStep(ctx, client, step)
		}
		if err != nil {
			return finish(CaseFailed, fmt.Sprintf("step %d: %v", i+1, err))
		}
	}
	result := finish(CasePassed, "")
	r.logger.Info(" * %s ... ok\n", record.ID)
	return result
}

// runCmdStep executes a local command step and applies its expectations
func (r *Runner) runCmdStep(ctx context.Context, step TestStep) error {
	cmd := exec.CommandContext(ctx, step.Cmd[0], step.Cmd[1:]...)
	output, err := cmd.CombinedOutput()

	exitCode := 0
	if err != nil {
		exitErr, ok := err.(*exec.ExitError)
		if !ok {
			return fmt.Errorf("failed to run %v: %w", step.Cmd, err)
		}
		exitCode = exitErr.ExitCode()
	}

	if step.Expect.ExitCode != nil && exitCode != *step.Expect.ExitCode {
		return fmt.Errorf("%v exited %d, expected %d\n%s", step.Cmd, exitCode, *step.Expect.ExitCode, output)
	}
	if step.Expect.ExitCode == nil && exitCode != 0 {
		return fmt.Errorf("%v exited %d\n%s", step.Cmd, exitCode, output)
	}
	if step.Expect.OutputContains != "" && !strings.Contains(string(output), step.Expect.OutputContains) {
		return fmt.Errorf("%v output does not contain %q\n%s", step.Cmd, step.Expect.OutputContains, output)
	}
	return nil
}

// runFunctionStep dispatches a salt function and applies the expectations
// to its return envelope.
func (r *Runner) runFunctionStep(ctx context.Context, client Client, step TestStep) error {
	if client == nil {
		return fmt.Errorf("no salt client available for function %q", step.Function)
	}
	target := step.Target
	if target == "" {
		target = "minion"
	}
	ret, err := client.Run(ctx, target, step.Function, step.Args...)
	if err != nil {
		return err
	}
	return applyExpectation(ret, step.Expect)
}

// applyExpectation checks a return envelope against a step's declared
// expectations.
func applyExpectation(ret envelope.Return, expect Expectation) error {
	if expect.NonEmpty {
		if err := envelope.NonEmpty(ret); err != nil {
			return err
		}
	}
	if expect.Result != nil {
		var err error
		if *expect.Result {
			err = envelope.TrueReturn(ret)
		} else {
			err = envelope.FalseReturn(ret)
		}
		if err != nil {
			return err
		}
	}
	if expect.CommentContains != "" {
		if err := envelope.InComment(expect.CommentContains, ret); err != nil {
			return err
		}
	}
	if expect.CommentMatches != "" {
		if err := envelope.CommentMatches(ret, expect.CommentMatches); err != nil {
			return err
		}
	}
	if expect.InWarnings != "" {
		if err := envelope.InWarnings(expect.InWarnings, ret); err != nil {
			return err
		}
	}
	if expect.ChangesEqual != nil {
		if err := envelope.StateChangesEqual(ret, expect.ChangesEqual); err != nil {
			return err
		}
	}
	return nil
}

// buildSuiteResult aggregates per-case outcomes into a suite result
func buildSuiteResult(label string, cases []CaseResult) SuiteResult {
	result := SuiteResult{Label: label, Total: len(cases)}
	for _, c := range cases {
		switch c.Status {
		case CasePassed:
			result.Passed++
		case CaseSkipped:
			result.Skipped = append(result.Skipped, Problem{ID: c.ID, Reason: c.Reason})
		case CaseFailed:
			result.Failures = append(result.Failures, Problem{ID: c.ID, Reason: c.Reason})
		case CaseErrored:
			result.Errors = append(result.Errors, Problem{ID: c.ID, Reason: c.Reason})
		}
	}
	return result
}
