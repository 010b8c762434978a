package cmd

import (
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"salttesting/internal/runner"
	"salttesting/pkg/logging"
)

// Exit codes for the test runner
const (
	// ExitCodeSuccess indicates all tests passed
	ExitCodeSuccess = 0
	// ExitCodeTestFailure indicates at least one test failed or errored
	ExitCodeTestFailure = 1
	// ExitCodeFatal indicates a fatal setup error (no tests found, daemon
	// connect timeout, invalid flags)
	ExitCodeFatal = 2
)

var rootFlags struct {
	workspace         string
	searchPaths       []string
	saltCheckout      string
	noSaltDaemons     bool
	testModulePattern string
	names             []string
	transport         string

	runDestructive bool
	runExpensive   bool

	filters          []string
	unitTests        bool
	integrationTests bool
	cliTests         bool
	clientTests      bool
	modulesTests     bool
	shellTests       bool
	statesTests      bool

	coverage           bool
	coverageInclude    []string
	coverageOmit       []string
	coverageXMLOutput  string
	coverageHTMLOutput string

	xmlOut     bool
	xmlOutPath string

	verbosity     int
	outputColumns int
	testsLogfile  string
	noColors      bool
	noReport      bool
	noClean       bool
	sysinfo       bool
}

// testExitCode carries the runner's exit code out of RunE
var testExitCode = ExitCodeSuccess

// rootCmd is the salt-runtests entry point. Running tests is flag driven,
// subcommands only cover the CI glue and maintenance operations.
var rootCmd = &cobra.Command{
	Use:   "salt-runtests [test-files...]",
	Short: "Discover and run salt integration tests",
	Long: `salt-runtests discovers test modules under a workspace, spins up a
cooperating fleet of salt daemons (master, minions, syndic) when the
tests need one, executes the discovered cases and aggregates the
results into console and JUnit XML reports.`,
	SilenceUsage: true,
	PreRunE:      validateRootFlags,
	RunE:         runTests,
}

// SetVersion sets the version for the root command, injected at build
// time from the main package.
func SetVersion(v string) {
	rootCmd.Version = v
}

// GetVersion returns the current version of the application
func GetVersion() string {
	return rootCmd.Version
}

// Execute runs the CLI and exits the process with the appropriate code
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "salt-runtests version %s\n" .Version}}`)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(ExitCodeFatal)
	}
	os.Exit(testExitCode)
}

func validateRootFlags(cmd *cobra.Command, args []string) error {
	switch rootFlags.transport {
	case runner.TransportZeroMQ, runner.TransportRaet, runner.TransportTCP:
	default:
		return fmt.Errorf("invalid transport %q, expected zeromq, raet or tcp", rootFlags.transport)
	}
	if !rootFlags.coverage && (rootFlags.coverageXMLOutput != "" || rootFlags.coverageHTMLOutput != "") {
		return fmt.Errorf("coverage report output requires --coverage")
	}
	return nil
}

// constFilters maps the convenience filter flags to their id prefixes
func constFilters() []string {
	var filters []string
	add := func(enabled bool, prefix string) {
		if enabled {
			filters = append(filters, prefix)
		}
	}
	add(rootFlags.unitTests, "unit.")
	add(rootFlags.integrationTests, "integration.")
	add(rootFlags.cliTests, "integration.cli.")
	add(rootFlags.clientTests, "integration.client.")
	add(rootFlags.modulesTests, "integration.modules.")
	add(rootFlags.shellTests, "integration.shell.")
	add(rootFlags.statesTests, "integration.states.")
	return filters
}

func runTests(cmd *cobra.Command, args []string) error {
	logOutput := io.Writer(os.Stderr)
	if rootFlags.testsLogfile != "" {
		file, err := os.OpenFile(rootFlags.testsLogfile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open tests logfile: %w", err)
		}
		defer file.Close()
		logOutput = io.MultiWriter(os.Stderr, file)
	}
	logging.InitForCLI(logging.LevelForVerbosity(rootFlags.verbosity), logOutput)

	if rootFlags.sysinfo {
		printSysInfo(cmd.OutOrStdout())
	}

	opts := runner.Options{
		Workspace:          rootFlags.workspace,
		SearchPaths:        rootFlags.searchPaths,
		TestFiles:          args,
		Names:              rootFlags.names,
		TestModulePattern:  rootFlags.testModulePattern,
		Filters:            append(rootFlags.filters, constFilters()...),
		Transport:          rootFlags.transport,
		NoSaltDaemons:      rootFlags.noSaltDaemons,
		SaltCheckout:       rootFlags.saltCheckout,
		RunDestructive:     rootFlags.runDestructive,
		RunExpensive:       rootFlags.runExpensive,
		Coverage:           rootFlags.coverage,
		CoverageInclude:    rootFlags.coverageInclude,
		CoverageOmit:       rootFlags.coverageOmit,
		CoverageXMLOutput:  rootFlags.coverageXMLOutput,
		CoverageHTMLOutput: rootFlags.coverageHTMLOutput,
		XMLOut:             rootFlags.xmlOut,
		XMLOutPath:         rootFlags.xmlOutPath,
		NoReport:           rootFlags.noReport,
		NoClean:            rootFlags.noClean,
		NoColors:           rootFlags.noColors,
		OutputColumns:      rootFlags.outputColumns,
		ShowCountdown:      rootFlags.verbosity >= 1 || isatty.IsTerminal(os.Stdout.Fd()),
		Verbose:            rootFlags.verbosity >= 1,
		Debug:              rootFlags.verbosity >= 3,
	}

	r, err := runner.New(opts)
	if err != nil {
		testExitCode = ExitCodeFatal
		return err
	}
	code, err := r.Run(cmd.Context())
	testExitCode = code
	return err
}

func printSysInfo(out io.Writer) {
	fmt.Fprintln(out, "--------------------------- System Information ---------------------------")
	fmt.Fprintf(out, "  go:       %s\n", runtime.Version())
	fmt.Fprintf(out, "  platform: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Fprintf(out, "  cpus:     %d\n", runtime.NumCPU())
	fmt.Fprintln(out, "--------------------------------------------------------------------------")
}

func init() {
	flags := rootCmd.Flags()

	flags.StringVar(&rootFlags.workspace, "workspace", "", "workspace directory to enter before discovery (default $WORKSPACE or the current directory)")
	flags.StringSliceVar(&rootFlags.searchPaths, "search-path", nil, "additional test discovery root, repeatable")
	flags.StringVar(&rootFlags.saltCheckout, "salt-checkout", "", "salt checkout whose scripts are put in front of PATH")
	flags.BoolVar(&rootFlags.noSaltDaemons, "no-salt-daemons", false, "never start the salt daemons, even when tests request them")
	flags.StringVar(&rootFlags.testModulePattern, "test-module-pattern", runner.DefaultTestModulePattern, "glob pattern matching test module files")
	flags.StringArrayVarP(&rootFlags.names, "name", "n", nil, "run a specific test by dotted name, repeatable")
	flags.StringVar(&rootFlags.transport, "transport", runner.TransportZeroMQ, "daemon wire transport: zeromq, raet or tcp")

	flags.BoolVar(&rootFlags.runDestructive, "run-destructive", false, "run tests marked destructive (sets DESTRUCTIVE_TESTS=YES)")
	flags.BoolVar(&rootFlags.runExpensive, "run-expensive-tests", false, "run tests marked expensive (sets EXPENSIVE_TESTS=YES)")

	flags.StringSliceVar(&rootFlags.filters, "filter", nil, "keep only tests whose id starts with this prefix, repeatable")
	flags.BoolVar(&rootFlags.unitTests, "unit-tests", false, "run the unit test subset")
	flags.BoolVar(&rootFlags.integrationTests, "integration-tests", false, "run the integration test subset")
	flags.BoolVar(&rootFlags.cliTests, "cli-tests", false, "run the CLI integration test subset")
	flags.BoolVar(&rootFlags.clientTests, "client-tests", false, "run the client integration test subset")
	flags.BoolVar(&rootFlags.modulesTests, "modules-tests", false, "run the execution modules test subset")
	flags.BoolVar(&rootFlags.shellTests, "shell-tests", false, "run the shell integration test subset")
	flags.BoolVar(&rootFlags.statesTests, "states-tests", false, "run the states test subset")

	flags.BoolVar(&rootFlags.coverage, "coverage", false, "measure code coverage around the test run")
	flags.StringSliceVar(&rootFlags.coverageInclude, "coverage-include", nil, "restrict coverage to matching paths, repeatable")
	flags.StringSliceVar(&rootFlags.coverageOmit, "coverage-omit", nil, "omit matching paths from coverage, repeatable")
	flags.StringVar(&rootFlags.coverageXMLOutput, "coverage-xml-output", "", "write a coverage XML report to this file")
	flags.StringVar(&rootFlags.coverageHTMLOutput, "coverage-html-output", "", "write a coverage HTML report tree to this directory")

	flags.BoolVarP(&rootFlags.xmlOut, "xml-out", "x", false, "write JUnit XML reports")
	flags.StringVar(&rootFlags.xmlOutPath, "xml-out-path", "", "JUnit XML output directory (default $SALT_XML_TEST_REPORTS_DIR)")

	flags.CountVarP(&rootFlags.verbosity, "verbose", "v", "increase output verbosity, repeatable")
	flags.IntVar(&rootFlags.outputColumns, "output-columns", 80, "terminal width used for report formatting")
	flags.StringVar(&rootFlags.testsLogfile, "tests-logfile", "", "also write the run log to this file")
	flags.BoolVar(&rootFlags.noColors, "no-colors", false, "disable colored output")
	flags.BoolVar(&rootFlags.noReport, "no-report", false, "skip the final report")
	flags.BoolVar(&rootFlags.noClean, "no-clean", false, "preserve the temporary directories after the run")
	flags.BoolVar(&rootFlags.sysinfo, "sysinfo", false, "print system information before running")

	rootCmd.MarkFlagsMutuallyExclusive("name", "filter")

	rootCmd.AddCommand(newGithubStatusCmd())
	rootCmd.AddCommand(newJenkinsCmd())
	rootCmd.AddCommand(newSelfUpdateCmd())
}
