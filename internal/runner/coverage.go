package runner

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"salttesting/pkg/logging"
)

// CoverageOptionsEnvVar carries the coverage options blob that spawned
// child processes read to begin their own measurement.
const CoverageOptionsEnvVar = "SALT_RUNTESTS_COVERAGE_OPTIONS"

// goCoverDirEnvVar is the runtime's binary coverage output directory
const goCoverDirEnvVar = "GOCOVERDIR"

// CoverageOptions selects what gets measured and which reports to emit
type CoverageOptions struct {
	DataDir    string   `json:"data_dir"`
	Include    []string `json:"include,omitempty"`
	Omit       []string `json:"omit,omitempty"`
	XMLOutput  string   `json:"xml_output,omitempty"`
	HTMLOutput string   `json:"html_output,omitempty"`
}

// CoverageOptionsFromEnv reads the propagated options blob. Child
// processes call this on start; ok is false when no blob is set.
func CoverageOptionsFromEnv() (opts CoverageOptions, ok bool, err error) {
	blob := os.Getenv(CoverageOptionsEnvVar)
	if blob == "" {
		return opts, false, nil
	}
	if err := json.Unmarshal([]byte(blob), &opts); err != nil {
		return opts, false, fmt.Errorf("invalid %s: %w", CoverageOptionsEnvVar, err)
	}
	return opts, true, nil
}

// Coverage wraps the toolchain's binary coverage machinery: Start exports
// the measurement environment before test execution, Stop merges the data
// and emits the requested reports.
type Coverage struct {
	opts   CoverageOptions
	logger TestLogger

	savedCoverDir string
	savedOptions  string
	started       bool
}

// NewCoverage creates a coverage session. An empty DataDir gets a
// per-run directory under the temp root.
func NewCoverage(opts CoverageOptions, logger TestLogger) *Coverage {
	if opts.DataDir == "" {
		opts.DataDir = filepath.Join(os.TempDir(), fmt.Sprintf("salt-runtests-coverage-%d", time.Now().UnixNano()))
	}
	if logger == nil {
		logger = NewSilentLogger(false, false)
	}
	return &Coverage{opts: opts, logger: logger}
}

// DataDir returns the coverage data directory for this session
func (c *Coverage) DataDir() string {
	return c.opts.DataDir
}

// Start creates the data directory and exports the measurement
// environment so this process and any children it forks record coverage.
func (c *Coverage) Start() error {
	if err := os.MkdirAll(c.opts.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create coverage data dir: %w", err)
	}

	blob, err := json.Marshal(c.opts)
	if err != nil {
		return fmt.Errorf("failed to serialize coverage options: %w", err)
	}

	c.savedCoverDir = os.Getenv(goCoverDirEnvVar)
	c.savedOptions = os.Getenv(CoverageOptionsEnvVar)
	os.Setenv(goCoverDirEnvVar, c.opts.DataDir)
	os.Setenv(CoverageOptionsEnvVar, string(blob))
	c.started = true

	logging.Info("Coverage", "coverage measurement started, data dir %s", c.opts.DataDir)
	return nil
}

// Stop clears the measurement environment, merges the recorded data and
// emits the textual summary plus any requested XML and HTML reports.
func (c *Coverage) Stop(ctx context.Context) error {
	if !c.started {
		return nil
	}
	c.started = false
	os.Setenv(goCoverDirEnvVar, c.savedCoverDir)
	os.Setenv(CoverageOptionsEnvVar, c.savedOptions)
	if c.savedCoverDir == "" {
		os.Unsetenv(goCoverDirEnvVar)
	}
	if c.savedOptions == "" {
		os.Unsetenv(CoverageOptionsEnvVar)
	}

	percent, err := c.covdata(ctx, "percent", "-i", c.opts.DataDir)
	if err != nil {
		return err
	}
	c.logger.Info("\nCoverage summary:\n%s\n", percent)

	if c.opts.XMLOutput != "" {
		if err := c.writeXML(percent); err != nil {
			return err
		}
	}
	if c.opts.HTMLOutput != "" {
		if err := c.writeHTML(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coverage) covdata(ctx context.Context, args ...string) (string, error) {
	cmdArgs := append([]string{"tool", "covdata"}, args...)
	output, err := exec.CommandContext(ctx, "go", cmdArgs...).CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("go tool covdata %s failed: %w\n%s", args[0], err, output)
	}
	return string(output), nil
}

// xmlPackage is one entry in the XML coverage report
type xmlPackage struct {
	Name    string `xml:"name,attr"`
	Percent string `xml:"percent,attr"`
}

type xmlCoverage struct {
	XMLName   xml.Name     `xml:"coverage"`
	Timestamp int64        `xml:"timestamp,attr"`
	Packages  []xmlPackage `xml:"packages>package"`
}

// writeXML renders the per-package percentages as an XML report
func (c *Coverage) writeXML(percent string) error {
	report := xmlCoverage{Timestamp: time.Now().Unix()}
	for _, line := range strings.Split(strings.TrimSpace(percent), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		report.Packages = append(report.Packages, xmlPackage{
			Name:    fields[0],
			Percent: strings.TrimSuffix(fields[len(fields)-1], "%"),
		})
	}

	data, err := xml.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize coverage XML: %w", err)
	}
	data = append([]byte(xml.Header), data...)
	if err := os.WriteFile(c.opts.XMLOutput, data, 0o644); err != nil {
		return fmt.Errorf("failed to write coverage XML: %w", err)
	}
	c.logger.Info(" * Wrote coverage XML report to %s\n", c.opts.XMLOutput)
	return nil
}

// writeHTML regenerates the HTML report directory from scratch
func (c *Coverage) writeHTML(ctx context.Context) error {
	if err := os.RemoveAll(c.opts.HTMLOutput); err != nil {
		return fmt.Errorf("failed to remove old HTML report: %w", err)
	}
	if err := os.MkdirAll(c.opts.HTMLOutput, 0o755); err != nil {
		return fmt.Errorf("failed to create HTML report dir: %w", err)
	}

	profile := filepath.Join(c.opts.HTMLOutput, "profile.txt")
	if _, err := c.covdata(ctx, "textfmt", "-i", c.opts.DataDir, "-o", profile); err != nil {
		return err
	}
	index := filepath.Join(c.opts.HTMLOutput, "index.html")
	output, err := exec.CommandContext(ctx, "go", "tool", "cover", "-html="+profile, "-o", index).CombinedOutput()
	if err != nil {
		return fmt.Errorf("go tool cover failed: %w\n%s", err, output)
	}
	c.logger.Info(" * Wrote coverage HTML report to %s\n", c.opts.HTMLOutput)
	return nil
}
