package runner

import (
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// XMLReportsDirEnvVar overrides the default JUnit XML output directory
const XMLReportsDirEnvVar = "SALT_XML_TEST_REPORTS_DIR"

// Case outcome states
type CaseStatus int

const (
	CasePassed CaseStatus = iota
	CaseSkipped
	CaseFailed
	CaseErrored
)

// CaseResult is the recorded outcome of one executed case
type CaseResult struct {
	ID       string
	Status   CaseStatus
	Reason   string
	Duration time.Duration
}

type junitMessage struct {
	Message string `xml:"message,attr"`
	Text    string `xml:",chardata"`
}

type junitTestCase struct {
	XMLName   xml.Name      `xml:"testcase"`
	Name      string        `xml:"name,attr"`
	Classname string        `xml:"classname,attr"`
	Time      string        `xml:"time,attr"`
	Failure   *junitMessage `xml:"failure,omitempty"`
	Error     *junitMessage `xml:"error,omitempty"`
	Skipped   *junitMessage `xml:"skipped,omitempty"`
}

type junitSuite struct {
	XMLName  xml.Name        `xml:"testsuite"`
	Name     string          `xml:"name,attr"`
	Tests    int             `xml:"tests,attr"`
	Failures int             `xml:"failures,attr"`
	Errors   int             `xml:"errors,attr"`
	Skipped  int             `xml:"skipped,attr"`
	Time     string          `xml:"time,attr"`
	Cases    []junitTestCase `xml:"testcase"`
}

// splitCaseID separates an id into the JUnit classname (everything up to
// the last dot) and the case name.
func splitCaseID(id string) (classname, name string) {
	idx := strings.LastIndex(id, ".")
	if idx < 0 {
		return "", id
	}
	return id[:idx], id[idx+1:]
}

// WriteJUnitXML writes one JUnit XML file for a suite's case results and
// returns the file path.
func WriteJUnitXML(dir, label string, cases []CaseResult) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create XML reports dir: %w", err)
	}

	suite := junitSuite{Name: label, Tests: len(cases)}
	var elapsed time.Duration
	for _, result := range cases {
		elapsed += result.Duration
		classname, name := splitCaseID(result.ID)
		entry := junitTestCase{
			Name:      name,
			Classname: classname,
			Time:      fmt.Sprintf("%.3f", result.Duration.Seconds()),
		}
		switch result.Status {
		case CaseFailed:
			suite.Failures++
			entry.Failure = &junitMessage{Message: result.Reason}
		case CaseErrored:
			suite.Errors++
			entry.Error = &junitMessage{Message: result.Reason}
		case CaseSkipped:
			suite.Skipped++
			entry.Skipped = &junitMessage{Message: result.Reason}
		}
		suite.Cases = append(suite.Cases, entry)
	}
	suite.Time = fmt.Sprintf("%.3f", elapsed.Seconds())

	data, err := xml.MarshalIndent(suite, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to serialize JUnit XML: %w", err)
	}
	data = append([]byte(xml.Header), data...)

	safe := strings.NewReplacer("/", "_", " ", "_").Replace(label)
	path := filepath.Join(dir, fmt.Sprintf("TEST-%s.xml", safe))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write JUnit XML: %w", err)
	}
	return path, nil
}
