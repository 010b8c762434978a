package runner

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/briandowns/spinner"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"salttesting/pkg/logging"
)

// Supported wire transports
const (
	TransportZeroMQ = "zeromq"
	TransportRaet   = "raet"
	TransportTCP    = "tcp"
)

// Raet transport port assignments
const (
	raetMasterPort    = 64506
	raetMinionPort    = 64510
	raetSubMinionPort = 64520
)

// MinionTargets lists the minion ids expected to answer liveness probes
var MinionTargets = []string{"minion", "sub_minion"}

// ConnectTimeoutError is returned when not all daemons answered the
// liveness probe before the deadline.
type ConnectTimeoutError struct {
	Missing []string
	Timeout time.Duration
}

func (e *ConnectTimeoutError) Error() string {
	return fmt.Sprintf("no connection from %s after %s", strings.Join(e.Missing, ", "), e.Timeout)
}

// DaemonConfig configures a TestDaemon
type DaemonConfig struct {
	Vars   *RuntimeVars
	Meta   *MetaLoader
	Client Client
	Logger TestLogger

	Transport    string
	SaltCheckout string
	ExtraConfDir string
	NoClean      bool

	ConnectTimeout time.Duration
	SyncTimeout    time.Duration
	PollInterval   time.Duration
	GracePeriod    time.Duration

	// ShowCountdown enables the live remaining-time display during waits
	ShowCountdown bool
}

// daemonProcess tracks one started daemon
type daemonProcess struct {
	name    string
	cmd     *exec.Cmd
	capture *logCapture
	done    chan struct{}
	waitErr error
}

// TestDaemon provides, for the duration of a test run, a set of running
// cooperating salt daemons plus matching temporary configuration, and
// guarantees their teardown regardless of test outcome.
type TestDaemon struct {
	cfg       DaemonConfig
	engine    *templateEngine
	runID     string
	processes []*daemonProcess
	savedPath string
	started   bool
}

// NewTestDaemon creates an orchestrator. Zero durations get the standard
// defaults (120s connect/sync deadline, 1s poll interval, 10s grace).
func NewTestDaemon(cfg DaemonConfig) *TestDaemon {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 120 * time.Second
	}
	if cfg.SyncTimeout <= 0 {
		cfg.SyncTimeout = 120 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 10 * time.Second
	}
	if cfg.Transport == "" {
		cfg.Transport = TransportZeroMQ
	}
	if cfg.Logger == nil {
		cfg.Logger = NewStdoutLogger(false, false)
	}
	return &TestDaemon{
		cfg:    cfg,
		engine: newTemplateEngine(),
		runID:  uuid.NewString(),
	}
}

// RunID returns the unique identifier of this orchestration run
func (d *TestDaemon) RunID() string {
	return d.runID
}

// daemonSet returns the daemons to configure and start for the selected
// transport. Raet runs without a syndic tier.
func (d *TestDaemon) daemonSet() []string {
	if d.cfg.Transport == TransportRaet {
		return []string{"master", "minion", "sub_minion"}
	}
	return DaemonNames
}

// roleFile maps a daemon name to the configuration file name its binary
// expects inside its configuration directory.
func roleFile(name string) string {
	switch name {
	case "minion", "sub_minion":
		return "minion"
	default:
		return "master"
	}
}

// binaryFor maps a daemon name to the salt binary that runs it
func binaryFor(name string) string {
	switch name {
	case "minion", "sub_minion":
		return "salt-minion"
	case "syndic":
		return "salt-syndic"
	default:
		return "salt-master"
	}
}

// ConfDirFor returns the per-daemon configuration directory
func (d *TestDaemon) ConfDirFor(name string) string {
	return filepath.Join(d.cfg.Vars.Get(VarTmpConfDir), name)
}

// TransplantConfigs renders the daemon configuration templates into a
// fresh temporary layout, patches the per-run computed fields and merges
// the metadata supplied extra roots.
func (d *TestDaemon) TransplantConfigs() error {
	vars := d.cfg.Vars
	tmpRoot := vars.Get(VarTmp)

	dirs := []string{
		vars.Get(VarTmpConfDir),
		vars.Get(VarTmpConfMasterIncludes),
		vars.Get(VarTmpConfMinionIncludes),
		vars.Get(VarTmpConfCloudConfIncl),
		vars.Get(VarTmpConfCloudProfileIncl),
		vars.Get(VarTmpScriptDir),
		vars.Get(VarTmpIntegrationFiles),
		vars.Get(VarTmpBaseEnvStateTree),
		vars.Get(VarTmpProdEnvStateTree),
		vars.Get(VarTmpBaseEnvPillarTree),
		vars.Get(VarTmpProdEnvPillarTree),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	user := currentUserName()
	for _, name := range d.daemonSet() {
		rootDir := filepath.Join(tmpRoot, name)
		rendered, err := d.engine.RenderDaemonConf(name, ConfigData{
			User:      user,
			RootDir:   rootDir,
			TmpRoot:   tmpRoot,
			Transport: d.cfg.Transport,
		})
		if err != nil {
			return err
		}

		config := make(map[string]interface{})
		if err := yaml.Unmarshal(rendered, &config); err != nil {
			return fmt.Errorf("failed to parse rendered %s config: %w", name, err)
		}

		// The computed per-run fields always win over template content
		config["user"] = user
		config["root_dir"] = rootDir
		config["transport"] = d.cfg.Transport
		if d.cfg.Transport == TransportRaet {
			switch name {
			case "master":
				config["raet_port"] = raetMasterPort
			case "minion":
				config["raet_port"] = raetMinionPort
			case "sub_minion":
				config["raet_port"] = raetSubMinionPort
			}
		}

		if roleFile(name) == "master" {
			d.mergeMasterRoots(config)
		}
		if roleFile(name) == "minion" && len(d.cfg.Meta.ExtensionModulePaths) > 0 {
			extDir := filepath.Join(rootDir, "extension_modules")
			config["extension_modules"] = extDir
			for _, src := range d.cfg.Meta.ExtensionModulePaths {
				if err := copyTree(src, extDir); err != nil {
					return fmt.Errorf("failed to copy extension modules from %s: %w", src, err)
				}
			}
		}

		if err := os.MkdirAll(rootDir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", rootDir, err)
		}
		if err := os.MkdirAll(filepath.Join(rootDir, "run"), 0o755); err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Join(rootDir, "logs"), 0o755); err != nil {
			return err
		}

		confDir := d.ConfDirFor(name)
		if err := os.MkdirAll(confDir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", confDir, err)
		}
		out, err := yaml.Marshal(config)
		if err != nil {
			return fmt.Errorf("failed to serialize %s config: %w", name, err)
		}
		if err := os.WriteFile(filepath.Join(confDir, roleFile(name)), out, 0o644); err != nil {
			return fmt.Errorf("failed to write %s config: %w", name, err)
		}
		logging.Debug("Daemons", "transplanted %s configuration into %s", name, confDir)
	}

	if d.cfg.ExtraConfDir != "" {
		if err := copyTree(d.cfg.ExtraConfDir, vars.Get(VarTmpConfDir)); err != nil {
			return fmt.Errorf("failed to copy extra configuration: %w", err)
		}
	}
	return nil
}

// mergeMasterRoots unions the built-in state and pillar trees with the
// metadata supplied extra roots, de-duplicated but order preserving.
func (d *TestDaemon) mergeMasterRoots(config map[string]interface{}) {
	vars := d.cfg.Vars
	fileRoots := map[string][]string{
		"base": {vars.Get(VarTmpBaseEnvStateTree)},
		"prod": {vars.Get(VarTmpProdEnvStateTree)},
	}
	pillarRoots := map[string][]string{
		"base": {vars.Get(VarTmpBaseEnvPillarTree)},
		"prod": {vars.Get(VarTmpProdEnvPillarTree)},
	}
	for env, extra := range d.cfg.Meta.FileRoots {
		fileRoots[env] = appendUnique(fileRoots[env], extra...)
	}
	for env, extra := range d.cfg.Meta.PillarRoots {
		pillarRoots[env] = appendUnique(pillarRoots[env], extra...)
	}
	config["file_roots"] = fileRoots
	config["pillar_roots"] = pillarRoots
	if len(d.cfg.Meta.ExtPillar) > 0 {
		config["ext_pillar"] = d.cfg.Meta.ExtPillar
	}
}

// Enter starts the daemon fleet and blocks until every daemon is
// connected and synchronized. On any failure the already started
// processes are torn down before returning.
func (d *TestDaemon) Enter(ctx context.Context) error {
	d.prependPath()

	SweepStaleProcesses(d.cfg.Vars.Get(VarTmp), d.cfg.Logger)

	if err := CheckSaltVersion(ctx, d.cfg.SaltCheckout); err != nil {
		d.restorePath()
		return err
	}

	for _, name := range d.daemonSet() {
		if err := d.startDaemon(ctx, name); err != nil {
			d.teardownProcesses()
			d.restorePath()
			return err
		}
	}

	if err := d.WaitForConnect(ctx, MinionTargets); err != nil {
		d.teardownProcesses()
		d.restorePath()
		return err
	}
	if err := d.WaitForSync(ctx); err != nil {
		d.teardownProcesses()
		d.restorePath()
		return err
	}

	d.started = true
	for _, hook := range d.cfg.Meta.DaemonEnter {
		if err := hook(ctx, d.cfg.Vars); err != nil {
			d.teardownProcesses()
			d.restorePath()
			return fmt.Errorf("daemon enter hook failed: %w", err)
		}
	}
	return nil
}

// Exit tears the fleet down. It runs on every path out of the test run;
// errors here are logged and never override the suite outcome.
func (d *TestDaemon) Exit(ctx context.Context) {
	for _, hook := range d.cfg.Meta.DaemonExit {
		if err := hook(ctx, d.cfg.Vars); err != nil {
			logging.Warn("Daemons", "daemon exit hook failed: %v", err)
		}
	}

	d.teardownProcesses()
	d.restorePath()

	if !d.cfg.NoClean {
		tmpRoot := d.cfg.Vars.Get(VarTmp)
		if err := os.RemoveAll(tmpRoot); err != nil {
			logging.Warn("Daemons", "failed to remove %s: %v", tmpRoot, err)
			d.cfg.Logger.Error("WARNING: failed to remove %s: %v\n", tmpRoot, err)
		}
	}

	for _, hook := range d.cfg.Meta.PostDaemonExit {
		if err := hook(ctx, d.cfg.Vars); err != nil {
			logging.Warn("Daemons", "post daemon exit hook failed: %v", err)
		}
	}
	d.started = false
}

// prependPath puts the salt checkout and the metadata mock binary dirs in
// front of PATH so our spawned daemons and CLI calls resolve them first.
func (d *TestDaemon) prependPath() {
	d.savedPath = os.Getenv("PATH")
	entries := make([]string, 0, len(d.cfg.Meta.MockbinPaths)+2)
	entries = append(entries, d.cfg.Meta.MockbinPaths...)
	if d.cfg.SaltCheckout != "" {
		entries = append(entries, d.cfg.SaltCheckout)
	}
	if len(entries) == 0 {
		return
	}
	entries = append(entries, d.savedPath)
	os.Setenv("PATH", strings.Join(entries, string(os.PathListSeparator)))
}

func (d *TestDaemon) restorePath() {
	if d.savedPath != "" {
		os.Setenv("PATH", d.savedPath)
	}
}

// startDaemon spawns one daemon in its own process group with captured
// output.
func (d *TestDaemon) startDaemon(ctx context.Context, name string) error {
	binary := binaryFor(name)
	confDir := d.ConfDirFor(name)

	capture := newLogCapture()
	cmd := exec.CommandContext(ctx, binary, "-c", confDir, "-l", "quiet")
	cmd.Stdout = capture.stdoutWriter
	cmd.Stderr = capture.stderrWriter
	configureProcAttr(cmd)

	if err := cmd.Start(); err != nil {
		capture.close()
		return fmt.Errorf("failed to start %s: %w", binary, err)
	}

	proc := &daemonProcess{
		name:    name,
		cmd:     cmd,
		capture: capture,
		done:    make(chan struct{}),
	}
	go func() {
		proc.waitErr = cmd.Wait()
		close(proc.done)
	}()

	d.processes = append(d.processes, proc)
	d.cfg.Logger.Info(" * Starting %s ... PID %d\n", name, cmd.Process.Pid)
	logging.Info("Daemons", "started %s (PID %d)", name, cmd.Process.Pid)
	return nil
}

// countdown wraps the live remaining-time display shown during waits
type countdown struct {
	spin    *spinner.Spinner
	enabled bool
}

func (d *TestDaemon) newCountdown() *countdown {
	c := &countdown{enabled: d.cfg.ShowCountdown}
	if c.enabled {
		c.spin = spinner.New(spinner.CharSets[14], 100*time.Millisecond)
		c.spin.Start()
	}
	return c
}

func (c *countdown) update(deadline time.Time, format string, args ...interface{}) {
	if !c.enabled {
		return
	}
	remaining := int(time.Until(deadline).Seconds())
	if remaining < 0 {
		remaining = 0
	}
	c.spin.Suffix = fmt.Sprintf(" [Quit in %d] %s", remaining, fmt.Sprintf(format, args...))
}

func (c *countdown) stop() {
	if c.enabled {
		c.spin.Stop()
	}
}

// WaitForConnect polls a no-op liveness probe against every target until
// all have answered or the deadline passes. All targets must report, there
// is no partial success path.
func (d *TestDaemon) WaitForConnect(ctx context.Context, targets []string) error {
	deadline := time.Now().Add(d.cfg.ConnectTimeout)
	pending := make(map[string]bool, len(targets))
	for _, target := range targets {
		pending[target] = true
	}

	display := d.newCountdown()
	defer display.stop()

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		for target := range pending {
			answered, err := d.cfg.Client.Ping(ctx, target)
			if err != nil {
				logging.Debug("Daemons", "ping %s: %v", target, err)
				continue
			}
			if answered {
				delete(pending, target)
				d.cfg.Logger.Info(" * %s connected\n", target)
			}
		}
		if len(pending) == 0 {
			return nil
		}

		missing := make([]string, 0, len(pending))
		for target := range pending {
			missing = append(missing, target)
		}
		display.update(deadline, "Waiting for connections from: %s", strings.Join(missing, ", "))

		if time.Now().After(deadline) {
			return &ConnectTimeoutError{Missing: missing, Timeout: d.cfg.ConnectTimeout}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// WaitForSync pushes custom modules and then states to every minion and
// waits for both synchronizations to finish.
func (d *TestDaemon) WaitForSync(ctx context.Context) error {
	for _, kind := range []string{"modules", "states"} {
		if err := d.syncOne(ctx, kind); err != nil {
			return err
		}
	}
	return nil
}

func (d *TestDaemon) syncOne(ctx context.Context, kind string) error {
	function := "saltutil.sync_" + kind
	d.cfg.Logger.Info(" * Syncing %s to the minions\n", kind)

	jid, err := d.cfg.Client.RunJob(ctx, "*", function)
	if err != nil {
		return fmt.Errorf("failed to dispatch %s: %w", function, err)
	}
	if err := d.waitForJID(ctx, jid, MinionTargets, fmt.Sprintf("Waiting for %s sync", kind)); err != nil {
		return err
	}

	returns, err := d.cfg.Client.FullReturns(ctx, jid)
	if err != nil {
		return fmt.Errorf("failed to collect %s sync returns: %w", kind, err)
	}
	for _, target := range MinionTargets {
		payload, ok := returns[target]
		if !ok {
			return fmt.Errorf("%s did not report a %s sync result", target, kind)
		}
		// A bare string payload is an error report from the daemon
		if message, isString := payload.(string); isString {
			return fmt.Errorf("%s failed to sync %s: %s", target, kind, message)
		}
	}
	return nil
}

// waitForJID polls until the job id is no longer running on any target,
// with one extra confirmation cycle once the job first looks finished.
func (d *TestDaemon) waitForJID(ctx context.Context, jid string, targets []string, label string) error {
	deadline := time.Now().Add(d.cfg.SyncTimeout)

	display := d.newCountdown()
	defer display.stop()

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	confirmed := false
	for {
		runningSomewhere := false
		for _, target := range targets {
			jids, err := d.cfg.Client.Running(ctx, target)
			if err != nil {
				logging.Debug("Daemons", "running jobs on %s: %v", target, err)
				runningSomewhere = true
				break
			}
			for _, running := range jids {
				if running == jid {
					runningSomewhere = true
					break
				}
			}
			if runningSomewhere {
				break
			}
		}

		if !runningSomewhere {
			if confirmed {
				return nil
			}
			// The job may not have reached the minions yet, require a
			// second consecutive idle cycle before declaring it done.
			confirmed = true
		} else {
			confirmed = false
		}

		display.update(deadline, "%s (JID %s)", label, jid)

		if time.Now().After(deadline) {
			return fmt.Errorf("%s timed out after %s (JID %s)", label, d.cfg.SyncTimeout, jid)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// teardownProcesses terminates every started daemon concurrently: a
// termination signal to the process group, a bounded grace period, then a
// hard kill.
func (d *TestDaemon) teardownProcesses() {
	if len(d.processes) == 0 {
		return
	}
	var group errgroup.Group
	for _, proc := range d.processes {
		proc := proc
		group.Go(func() error {
			d.stopProcess(proc)
			return nil
		})
	}
	group.Wait()
	d.processes = nil
}

func (d *TestDaemon) stopProcess(proc *daemonProcess) {
	pid := proc.cmd.Process.Pid
	d.cfg.Logger.Info(" * Stopping %s (PID %d)\n", proc.name, pid)

	if err := killProcessGroup(pid, syscall.SIGTERM); err != nil {
		logging.Warn("Daemons", "failed to terminate %s: %v", proc.name, err)
	}

	select {
	case <-proc.done:
	case <-time.After(d.cfg.GracePeriod):
		logging.Warn("Daemons", "%s did not stop within %s, killing", proc.name, d.cfg.GracePeriod)
		if err := killProcessGroup(pid, syscall.SIGKILL); err != nil {
			logging.Warn("Daemons", "failed to kill %s: %v", proc.name, err)
		}
		<-proc.done
	}

	if proc.waitErr != nil {
		logging.Debug("Daemons", "%s exit status: %v", proc.name, proc.waitErr)
	}
	proc.capture.close()
	if logs := proc.capture.getLogs(); logs.Combined != "" {
		logging.Debug("Daemons", "%s output:\n%s", proc.name, logs.Combined)
	}
}
