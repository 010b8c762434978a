package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"salttesting/pkg/logging"
)

const (
	// MetaFileName is the per-directory metadata file looked up during
	// discovery
	MetaFileName = "salttest.yaml"

	// DefaultTestModulePattern matches test module files when no metadata
	// overrides it
	DefaultTestModulePattern = "test_*.yaml"
)

// HookFunc is a lifecycle hook invoked around daemon orchestration
type HookFunc func(ctx context.Context, vars *RuntimeVars) error

var (
	hookMu       sync.RWMutex
	hookRegistry = make(map[string]HookFunc)
)

// RegisterHook makes a named hook available to metadata files. Metadata
// references hooks by name; unknown names are logged and skipped.
func RegisterHook(name string, fn HookFunc) {
	hookMu.Lock()
	defer hookMu.Unlock()
	hookRegistry[name] = fn
}

// LookupHook resolves a registered hook by name
func LookupHook(name string) (HookFunc, bool) {
	hookMu.RLock()
	defer hookMu.RUnlock()
	fn, ok := hookRegistry[name]
	return fn, ok
}

// RegisteredHooks returns the sorted names of all registered hooks
func RegisteredHooks() []string {
	hookMu.RLock()
	defer hookMu.RUnlock()
	names := make([]string, 0, len(hookRegistry))
	for name := range hookRegistry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Metadata is the parsed per-directory discovery configuration
type Metadata struct {
	TestModulePattern    string                `yaml:"test_module_pattern"`
	NeedsDaemons         *bool                 `yaml:"needs_daemons"`
	SuiteRoot            string                `yaml:"suite_root"`
	FileRoots            map[string][]string   `yaml:"file_roots"`
	PillarRoots          map[string][]string   `yaml:"pillar_roots"`
	ExtPillar            []map[string]string   `yaml:"ext_pillar"`
	MockbinPaths         []string              `yaml:"mockbin_paths"`
	ExtensionModulePaths []string              `yaml:"extension_module_paths"`
	PreDaemonEnterHooks  []string              `yaml:"pre_daemon_enter"`
	DaemonEnterHooks     []string              `yaml:"daemon_enter"`
	DaemonExitHooks      []string              `yaml:"daemon_exit"`
	PostDaemonExitHooks  []string              `yaml:"post_daemon_exit"`

	// Dir is the directory the metadata file was found in, empty for
	// defaults
	Dir string `yaml:"-"`
}

// DaemonsRequired reports the daemon requirement, defaulting to true
func (m *Metadata) DaemonsRequired() bool {
	if m.NeedsDaemons == nil {
		return true
	}
	return *m.NeedsDaemons
}

// MetaLoader resolves per-directory metadata and accumulates the run-wide
// state it contributes (extra roots, pillar sources, mock binary paths,
// extension module dirs, lifecycle hooks). Accumulated state is never
// reset during a run.
type MetaLoader struct {
	workspace      string
	defaultPattern string
	logger         TestLogger

	// resolved caches lookups by starting directory, merged tracks the
	// metadata files whose contributions were already accumulated. A
	// metadata file contributes exactly once per run no matter how many
	// files or directories resolve to it.
	resolved map[string]*Metadata
	merged   map[string]bool

	FileRoots            map[string][]string
	PillarRoots          map[string][]string
	ExtPillar            []map[string]string
	MockbinPaths         []string
	ExtensionModulePaths []string

	PreDaemonEnter  []HookFunc
	DaemonEnter     []HookFunc
	DaemonExit      []HookFunc
	PostDaemonExit  []HookFunc
}

// NewMetaLoader creates a loader rooted at the workspace. The default
// pattern applies when no metadata file overrides it.
func NewMetaLoader(workspace, defaultPattern string, logger TestLogger) *MetaLoader {
	if defaultPattern == "" {
		defaultPattern = DefaultTestModulePattern
	}
	return &MetaLoader{
		workspace:      filepath.Clean(workspace),
		defaultPattern: defaultPattern,
		logger:         logger,
		resolved:       make(map[string]*Metadata),
		merged:         make(map[string]bool),
		FileRoots:      make(map[string][]string),
		PillarRoots:    make(map[string][]string),
	}
}

// defaults builds the metadata record used when no file is found: the
// standard pattern, daemons required, suite root = parent of the starting
// directory.
func (l *MetaLoader) defaults(dir string) *Metadata {
	needs := true
	return &Metadata{
		TestModulePattern: l.defaultPattern,
		NeedsDaemons:      &needs,
		SuiteRoot:         filepath.Dir(dir),
	}
}

// FindMeta looks for the metadata file in dir and then its ancestors,
// stopping at the workspace root. A missing file yields defaults. A
// malformed file logs a warning and yields defaults rather than aborting
// discovery. Results are cached per starting directory.
func (l *MetaLoader) FindMeta(dir string) *Metadata {
	dir = filepath.Clean(dir)
	if meta, ok := l.resolved[dir]; ok {
		return meta
	}
	meta := l.findMeta(dir)
	l.resolved[dir] = meta
	return meta
}

func (l *MetaLoader) findMeta(dir string) *Metadata {
	current := dir
	for {
		candidate := filepath.Join(current, MetaFileName)
		if _, err := os.Stat(candidate); err == nil {
			meta, err := l.load(candidate, current, dir)
			if err != nil {
				logging.Warn("Meta", "failed to load %s: %v, using defaults", candidate, err)
				l.logger.Error("WARNING: failed to load %s: %v\n", candidate, err)
				return l.defaults(dir)
			}
			return meta
		}
		if current == l.workspace || current == filepath.Dir(current) {
			break
		}
		current = filepath.Dir(current)
	}
	logging.Debug("Meta", "no %s found from %s up to %s, using defaults", MetaFileName, dir, l.workspace)
	return l.defaults(dir)
}

// load parses the metadata file and merges its contributions into the
// accumulated run-wide state.
func (l *MetaLoader) load(path, foundIn, startDir string) (*Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata file: %w", err)
	}

	meta := &Metadata{Dir: foundIn}
	if err := yaml.Unmarshal(data, meta); err != nil {
		return nil, fmt.Errorf("failed to parse metadata file: %w", err)
	}

	if meta.TestModulePattern == "" {
		meta.TestModulePattern = l.defaultPattern
	}
	if meta.SuiteRoot == "" {
		meta.SuiteRoot = filepath.Dir(startDir)
	} else if !filepath.IsAbs(meta.SuiteRoot) {
		meta.SuiteRoot = filepath.Join(foundIn, meta.SuiteRoot)
	}

	if !l.merged[path] {
		l.merged[path] = true

		l.mergeRoots(l.FileRoots, meta.FileRoots, foundIn)
		l.mergeRoots(l.PillarRoots, meta.PillarRoots, foundIn)
		l.ExtPillar = append(l.ExtPillar, meta.ExtPillar...)
		l.MockbinPaths = appendUnique(l.MockbinPaths, absolutePaths(foundIn, meta.MockbinPaths)...)
		l.ExtensionModulePaths = appendUnique(l.ExtensionModulePaths, absolutePaths(foundIn, meta.ExtensionModulePaths)...)

		l.PreDaemonEnter = append(l.PreDaemonEnter, l.resolveHooks(meta.PreDaemonEnterHooks)...)
		l.DaemonEnter = append(l.DaemonEnter, l.resolveHooks(meta.DaemonEnterHooks)...)
		l.DaemonExit = append(l.DaemonExit, l.resolveHooks(meta.DaemonExitHooks)...)
		l.PostDaemonExit = append(l.PostDaemonExit, l.resolveHooks(meta.PostDaemonExitHooks)...)
	}

	logging.Debug("Meta", "loaded metadata from %s (pattern=%s, needs_daemons=%t)",
		path, meta.TestModulePattern, meta.DaemonsRequired())
	return meta, nil
}

// mergeRoots unions extra roots into dst by environment name, keeping
// insertion order and dropping duplicates.
func (l *MetaLoader) mergeRoots(dst, src map[string][]string, baseDir string) {
	envs := make([]string, 0, len(src))
	for env := range src {
		envs = append(envs, env)
	}
	sort.Strings(envs)
	for _, env := range envs {
		dst[env] = appendUnique(dst[env], absolutePaths(baseDir, src[env])...)
	}
}

func (l *MetaLoader) resolveHooks(names []string) []HookFunc {
	var hooks []HookFunc
	for _, name := range names {
		fn, ok := LookupHook(name)
		if !ok {
			logging.Warn("Meta", "unknown hook %q referenced in metadata, skipping", name)
			l.logger.Error("WARNING: unknown hook %q referenced in metadata\n", name)
			continue
		}
		hooks = append(hooks, fn)
	}
	return hooks
}

// appendUnique appends items not already present, preserving order
func appendUnique(dst []string, items ...string) []string {
	for _, item := range items {
		found := false
		for _, existing := range dst {
			if existing == item {
				found = true
				break
			}
		}
		if !found {
			dst = append(dst, item)
		}
	}
	return dst
}

// absolutePaths resolves relative entries against baseDir
func absolutePaths(baseDir string, paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if !filepath.IsAbs(p) {
			p = filepath.Join(baseDir, p)
		}
		out = append(out, p)
	}
	return out
}
