package runner

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"salttesting/internal/envelope"
)

const unitMeta = "needs_daemons: false\n"

const passingModule = `
suites:
  - name: smoke
    cases:
      - name: ping
        steps:
          - function: test.ping
            expect:
              non_empty: true
      - name: state_ok
        steps:
          - function: state.single
            expect:
              result: true
              comment_contains: ok
`

const failingModule = `
suites:
  - name: smoke
    cases:
      - name: state_broken
        steps:
          - function: state.single
            expect:
              result: true
`

const gatedModule = `
suites:
  - name: gated
    cases:
      - name: wipe
        destructive: true
        steps:
          - function: system.wipe
            expect:
              result: true
      - name: slow
        expensive: true
        steps:
          - function: system.slow
            expect:
              result: true
`

func trueEnvelope(comment string) envelope.Return {
	result := true
	return envelope.Return{"minion": {Result: &result, Comment: comment}}
}

func falseEnvelope(comment string) envelope.Return {
	result := false
	return envelope.Return{"minion": {Result: &result, Comment: comment}}
}

func newWorkspaceRunner(t *testing.T, workspace string, client Client) *Runner {
	t.Helper()
	r, err := New(Options{
		Workspace:     workspace,
		NoSaltDaemons: true,
		NoClean:       true,
		NoReport:      true,
		Client:        client,
	})
	require.NoError(t, err)
	return r
}

func TestRunAllPassing(t *testing.T) {
	workspace := t.TempDir()
	writeFile(t, filepath.Join(workspace, MetaFileName), unitMeta)
	writeFile(t, filepath.Join(workspace, "test_smoke.yaml"), passingModule)

	client := &fakeClient{runFn: func(target, function string, args ...string) (envelope.Return, error) {
		return trueEnvelope("everything ok"), nil
	}}
	r := newWorkspaceRunner(t, workspace, client)

	code, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, code)

	results := r.Accumulator().Results()
	require.Len(t, results, 1)
	assert.Equal(t, 2, results[0].Passed)
	assert.True(t, results[0].WasSuccessful())
}

func TestRunFailingCaseSetsExitCode(t *testing.T) {
	workspace := t.TempDir()
	writeFile(t, filepath.Join(workspace, MetaFileName), unitMeta)
	writeFile(t, filepath.Join(workspace, "test_smoke.yaml"), failingModule)

	client := &fakeClient{runFn: func(target, function string, args ...string) (envelope.Return, error) {
		return falseEnvelope("it broke"), nil
	}}
	r := newWorkspaceRunner(t, workspace, client)

	code, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, code)

	results := r.Accumulator().Results()
	require.Len(t, results, 1)
	require.Len(t, results[0].Failures, 1)
	// The daemon comment survives into the failure reason
	assert.Contains(t, results[0].Failures[0].Reason, "it broke")
}

func TestRunNoTestsFoundIsFatal(t *testing.T) {
	workspace := t.TempDir()
	r := newWorkspaceRunner(t, workspace, &fakeClient{})

	code, err := r.Run(context.Background())
	assert.Equal(t, 2, code)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoTestsFound)
}

func TestRunSkipDaemonsHonored(t *testing.T) {
	workspace := t.TempDir()
	// Daemons required by default metadata, explicitly skipped by options
	writeFile(t, filepath.Join(workspace, "test_smoke.yaml"), passingModule)

	client := &fakeClient{runFn: func(target, function string, args ...string) (envelope.Return, error) {
		return trueEnvelope("ok"), nil
	}}
	r := newWorkspaceRunner(t, workspace, client)

	code, err := r.Run(context.Background())
	require.NoError(t, err)
	// No daemon was spawned; the cases themselves error out because they
	// need one, the run still proceeds to the report
	assert.Equal(t, 1, code)

	results := r.Accumulator().Results()
	require.Len(t, results, 1)
	assert.Len(t, results[0].Errors, 2)
	assert.Contains(t, results[0].Errors[0].Reason, "not running")
}

func TestRunDestructiveAndExpensiveGates(t *testing.T) {
	t.Setenv(DestructiveTestsEnvVar, "")
	t.Setenv(ExpensiveTestsEnvVar, "")

	workspace := t.TempDir()
	writeFile(t, filepath.Join(workspace, MetaFileName), unitMeta)
	writeFile(t, filepath.Join(workspace, "test_gated.yaml"), gatedModule)

	client := &fakeClient{runFn: func(target, function string, args ...string) (envelope.Return, error) {
		return trueEnvelope("ok"), nil
	}}
	r := newWorkspaceRunner(t, workspace, client)

	code, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, code)

	results := r.Accumulator().Results()
	require.Len(t, results, 1)
	require.Len(t, results[0].Skipped, 2)
	assert.Equal(t, 0, results[0].Passed)
}

func TestRunDestructiveGateOpened(t *testing.T) {
	t.Setenv(DestructiveTestsEnvVar, "")
	t.Setenv(ExpensiveTestsEnvVar, "")

	workspace := t.TempDir()
	writeFile(t, filepath.Join(workspace, MetaFileName), unitMeta)
	writeFile(t, filepath.Join(workspace, "test_gated.yaml"), gatedModule)

	client := &fakeClient{runFn: func(target, function string, args ...string) (envelope.Return, error) {
		return trueEnvelope("ok"), nil
	}}
	r, err := New(Options{
		Workspace:      workspace,
		NoSaltDaemons:  true,
		NoClean:        true,
		NoReport:       true,
		RunDestructive: true,
		RunExpensive:   true,
		Client:         client,
	})
	require.NoError(t, err)

	code, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, 2, r.Accumulator().Results()[0].Passed)
}

func TestRunLoadFailureBecomesError(t *testing.T) {
	workspace := t.TempDir()
	writeFile(t, filepath.Join(workspace, MetaFileName), unitMeta)
	writeFile(t, filepath.Join(workspace, "test_broken.yaml"), "suites: [not: {valid")

	r := newWorkspaceRunner(t, workspace, &fakeClient{})
	code, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, code)

	results := r.Accumulator().Results()
	require.Len(t, results, 1)
	require.Len(t, results[0].Errors, 1)
	assert.Contains(t, results[0].Errors[0].ID, "ModuleImportFailure")
}

func TestRunCmdSteps(t *testing.T) {
	workspace := t.TempDir()
	writeFile(t, filepath.Join(workspace, MetaFileName), unitMeta)
	writeFile(t, filepath.Join(workspace, "test_cmd.yaml"), `
suites:
  - name: shell
    cases:
      - name: true_cmd
        steps:
          - cmd: ["true"]
      - name: false_cmd
        steps:
          - cmd: ["false"]
            expect:
              exit_code: 1
`)

	r := newWorkspaceRunner(t, workspace, nil)
	code, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, 2, r.Accumulator().Results()[0].Passed)
}

func TestBuildSuiteResultTotals(t *testing.T) {
	cases := []CaseResult{
		{ID: "a", Status: CasePassed},
		{ID: "b", Status: CasePassed},
		{ID: "c", Status: CaseSkipped, Reason: "gated"},
		{ID: "d", Status: CaseFailed, Reason: "boom"},
		{ID: "e", Status: CaseErrored, Reason: "crash"},
	}
	result := buildSuiteResult("suite", cases)

	assert.Equal(t, result.Total, result.Passed+len(result.Skipped)+len(result.Failures)+len(result.Errors))
	assert.False(t, result.WasSuccessful())
	assert.Equal(t, "FAILED (total=5, skipped=1, passed=2, failures=1, errors=1)", result.Summary())
}

func TestAccumulatorAppendOnce(t *testing.T) {
	acc := NewResultAccumulator()
	require.NoError(t, acc.Append(SuiteResult{Label: "suite", Total: 1, Passed: 1}))
	require.Error(t, acc.Append(SuiteResult{Label: "suite"}))

	total, passed, skipped, failures, errors := acc.Totals()
	assert.Equal(t, 1, total)
	assert.Equal(t, 1, passed)
	assert.Equal(t, 0, skipped+failures+errors)
	assert.True(t, acc.WasSuccessful())
}

func TestReportStatusLine(t *testing.T) {
	var out bytes.Buffer
	reporter := NewReporter(&out, 80, true)

	ok := reporter.Report([]SuiteResult{{Label: "clean", Total: 3, Passed: 3}})
	assert.True(t, ok)
	assert.Contains(t, out.String(), "No Problems Found While Running Tests")
	assert.Contains(t, out.String(), "OK (total=3, skipped=0, passed=3, failures=0, errors=0)")

	out.Reset()
	ok = reporter.Report([]SuiteResult{{
		Label:    "dirty",
		Total:    2,
		Passed:   1,
		Failures: []Problem{{ID: "dirty.case", Reason: "assertion failed"}},
	}})
	assert.False(t, ok)
	assert.NotContains(t, out.String(), "No Problems Found")
	assert.Contains(t, out.String(), "Failed Tests:")
	assert.Contains(t, out.String(), "dirty.case: assertion failed")
	assert.Contains(t, out.String(), "FAILED (total=2, skipped=0, passed=1, failures=1, errors=0)")
}

func TestReportSkippedOnlyIsNotAProblemFreeRun(t *testing.T) {
	var out bytes.Buffer
	reporter := NewReporter(&out, 80, true)

	ok := reporter.Report([]SuiteResult{{
		Label:   "suite",
		Total:   2,
		Passed:  1,
		Skipped: []Problem{{ID: "suite.slow", Reason: "Expensive tests are disabled"}},
	}})
	assert.True(t, ok)
	assert.Contains(t, out.String(), "Skipped Tests:")
	assert.Contains(t, out.String(), "suite.slow")
}

func TestWriteJUnitXML(t *testing.T) {
	dir := t.TempDir()
	cases := []CaseResult{
		{ID: "integration.test_pkg.pkg.install", Status: CasePassed, Duration: 120 * time.Millisecond},
		{ID: "integration.test_pkg.pkg.remove", Status: CaseFailed, Reason: "assertion failed"},
		{ID: "integration.test_pkg.pkg.skip", Status: CaseSkipped, Reason: "gated"},
	}

	path, err := WriteJUnitXML(dir, "integration", cases)
	require.NoError(t, err)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	data := string(raw)
	assert.Contains(t, data, `tests="3"`)
	assert.Contains(t, data, `failures="1"`)
	assert.Contains(t, data, `skipped="1"`)
	assert.Contains(t, data, `classname="integration.test_pkg.pkg"`)
	assert.Contains(t, data, `name="install"`)
	assert.Contains(t, data, "assertion failed")
}
