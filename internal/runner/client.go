package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"

	"salttesting/internal/envelope"
	"salttesting/pkg/logging"
)

// Client dispatches commands to the orchestrated daemons. The production
// implementation shells out to the salt CLI against the transplanted
// configuration directory; tests substitute fakes.
type Client interface {
	// Ping sends a no-op liveness probe and reports whether the target
	// answered.
	Ping(ctx context.Context, target string) (bool, error)
	// Run dispatches a function synchronously and decodes the return
	// envelope.
	Run(ctx context.Context, target, function string, args ...string) (envelope.Return, error)
	// RunJob dispatches a function asynchronously and returns the job id
	RunJob(ctx context.Context, target, function string, args ...string) (string, error)
	// Running lists the job ids currently executing on the target
	Running(ctx context.Context, target string) ([]string, error)
	// FullReturns fetches the accumulated returns for a job id. Values
	// are raw payloads, a string value is an error report from the
	// daemon.
	FullReturns(ctx context.Context, jid string) (map[string]interface{}, error)
}

// cliClient implements Client over the salt command line tools
type cliClient struct {
	confDir string
	saltBin string
	timeout time.Duration
}

// NewCLIClient creates a Client shelling out to saltBin (usually just
// "salt") with the given configuration directory.
func NewCLIClient(confDir, saltBin string, timeout time.Duration) Client {
	if saltBin == "" {
		saltBin = "salt"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &cliClient{confDir: confDir, saltBin: saltBin, timeout: timeout}
}

// invoke runs the salt CLI with JSON output and returns the raw payload
func (c *cliClient) invoke(ctx context.Context, target, function string, async bool, args ...string) ([]byte, error) {
	cmdArgs := []string{
		"-c", c.confDir,
		"--out=json", "--static",
		"-t", fmt.Sprintf("%d", int(c.timeout.Seconds())),
	}
	if async {
		cmdArgs = append(cmdArgs, "--async")
	}
	cmdArgs = append(cmdArgs, target, function)
	cmdArgs = append(cmdArgs, args...)

	logging.Debug("Daemons", "running %s %v", c.saltBin, cmdArgs)
	cmd := exec.CommandContext(ctx, c.saltBin, cmdArgs...)
	output, err := cmd.Output()
	if err != nil {
		// salt exits non-zero when targets fail, the payload is still
		// JSON and still usable
		if len(output) == 0 {
			return nil, fmt.Errorf("failed to run %s %s on %s: %w", c.saltBin, function, target, err)
		}
	}
	return output, nil
}

func (c *cliClient) Ping(ctx context.Context, target string) (bool, error) {
	output, err := c.invoke(ctx, target, "test.ping", false)
	if err != nil {
		return false, err
	}
	var ret map[string]interface{}
	if err := json.Unmarshal(output, &ret); err != nil {
		return false, fmt.Errorf("failed to decode ping return: %w", err)
	}
	answered, ok := ret[target].(bool)
	return ok && answered, nil
}

func (c *cliClient) Run(ctx context.Context, target, function string, args ...string) (envelope.Return, error) {
	output, err := c.invoke(ctx, target, function, false, args...)
	if err != nil {
		return nil, err
	}
	return envelope.Decode(output)
}

func (c *cliClient) RunJob(ctx context.Context, target, function string, args ...string) (string, error) {
	output, err := c.invoke(ctx, target, function, true, args...)
	if err != nil {
		return "", err
	}
	var ret struct {
		JID string `json:"jid"`
	}
	if err := json.Unmarshal(output, &ret); err != nil {
		return "", fmt.Errorf("failed to decode job dispatch return: %w", err)
	}
	if ret.JID == "" {
		return "", fmt.Errorf("no job id returned for %s on %s", function, target)
	}
	return ret.JID, nil
}

func (c *cliClient) Running(ctx context.Context, target string) ([]string, error) {
	output, err := c.invoke(ctx, target, "saltutil.running", false)
	if err != nil {
		return nil, err
	}
	var ret map[string][]struct {
		JID string `json:"jid"`
	}
	if err := json.Unmarshal(output, &ret); err != nil {
		return nil, fmt.Errorf("failed to decode running jobs return: %w", err)
	}
	var jids []string
	for _, job := range ret[target] {
		jids = append(jids, job.JID)
	}
	return jids, nil
}

func (c *cliClient) FullReturns(ctx context.Context, jid string) (map[string]interface{}, error) {
	cmdArgs := []string{
		"-c", c.confDir,
		"--out=json", "--static",
		"jobs.lookup_jid", jid,
	}
	cmd := exec.CommandContext(ctx, c.saltBin+"-run", cmdArgs...)
	output, err := cmd.Output()
	if err != nil && len(output) == 0 {
		return nil, fmt.Errorf("failed to look up job %s: %w", jid, err)
	}
	var ret map[string]interface{}
	if err := json.Unmarshal(output, &ret); err != nil {
		return nil, fmt.Errorf("failed to decode job %s returns: %w", jid, err)
	}
	return ret, nil
}
