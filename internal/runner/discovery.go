package runner

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"salttesting/pkg/logging"
)

// ErrNoTestsFound is returned when discovery and filtering leave nothing
// to run.
var ErrNoTestsFound = errors.New("no tests were found")

// ModuleLoadFailurePrefix keys the synthetic entries produced for test
// modules that could not be parsed.
const ModuleLoadFailurePrefix = "ModuleImportFailure"

// Discovery finds test modules under the workspace and additional search
// paths, flattens their suites into individual cases and keeps the result
// as an id keyed mapping. Re-discovering the same id overwrites the
// previous record, it never duplicates.
type Discovery struct {
	workspace string
	meta      *MetaLoader
	logger    TestLogger

	// searched holds roots already walked; any directory under one of
	// them is skipped
	searched []string

	records map[string]*TestRecord
}

// NewDiscovery creates a discovery engine over the given workspace
func NewDiscovery(workspace string, meta *MetaLoader, logger TestLogger) *Discovery {
	return &Discovery{
		workspace: filepath.Clean(workspace),
		meta:      meta,
		logger:    logger,
		records:   make(map[string]*TestRecord),
	}
}

// covered reports whether dir is the same as, or nested under, an already
// searched root.
func (d *Discovery) covered(dir string) bool {
	for _, root := range d.searched {
		if dir == root || strings.HasPrefix(dir, root+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// DiscoverPath walks root and loads every test module matching the
// metadata pattern of its directory. Roots already covered by a previous
// search are skipped. Walk errors are logged and their subtree skipped.
func (d *Discovery) DiscoverPath(root string) error {
	root, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("failed to resolve search path %s: %w", root, err)
	}
	if d.covered(root) {
		logging.Debug("Discovery", "skipping %s, already covered by a previous search", root)
		return nil
	}
	d.searched = append(d.searched, root)

	return filepath.WalkDir(root, func(path string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			logging.Warn("Discovery", "cannot walk %s: %v, skipping subtree", path, walkErr)
			d.logger.Error("WARNING: cannot walk %s: %v\n", path, walkErr)
			if entry != nil && entry.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if entry.IsDir() {
			if strings.HasPrefix(entry.Name(), ".") && path != root {
				return fs.SkipDir
			}
			return nil
		}

		meta := d.meta.FindMeta(filepath.Dir(path))
		matched, err := filepath.Match(meta.TestModulePattern, entry.Name())
		if err != nil {
			return fmt.Errorf("invalid test module pattern %q: %w", meta.TestModulePattern, err)
		}
		if !matched {
			return nil
		}
		d.loadModule(path, meta)
		return nil
	})
}

// LoadFile loads a single explicit test module file
func (d *Discovery) LoadFile(path string) error {
	path, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve test file %s: %w", path, err)
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("test file %s: %w", path, err)
	}
	meta := d.meta.FindMeta(filepath.Dir(path))
	d.loadModule(path, meta)
	return nil
}

// LoadNames restricts the discovered records to the given dotted names.
// Each name keeps every record whose id equals it or descends from it. A
// name matching nothing is a fatal error.
func (d *Discovery) LoadNames(names []string) error {
	kept := make(map[string]*TestRecord)
	for _, name := range names {
		found := false
		for id, record := range d.records {
			if id == name || strings.HasPrefix(id, name+".") {
				kept[id] = record
				found = true
			}
		}
		if !found {
			return fmt.Errorf("failed to resolve test name %q: no such test", name)
		}
	}
	d.records = kept
	return nil
}

// loadModule parses one module file and flattens its suites into records.
// A parse failure is not dropped, it becomes a single synthetic failure
// entry keyed by method name.
func (d *Discovery) loadModule(path string, meta *Metadata) {
	modName := d.moduleName(path, meta.SuiteRoot)

	data, err := os.ReadFile(path)
	if err == nil {
		module := &TestModule{Name: modName, Path: path}
		err = yaml.Unmarshal(data, module)
		if err == nil {
			count := 0
			for _, suite := range module.Suites {
				count += d.flatten(module, modName, suite, meta)
			}
			logging.Debug("Discovery", "loaded %d case(s) from %s", count, path)
			return
		}
	}

	methodName := ModuleLoadFailurePrefix + "." + modName
	logging.Warn("Discovery", "failed to load test module %s: %v", path, err)
	d.records[methodName] = &TestRecord{
		ID:           methodName,
		MethodName:   methodName,
		NeedsDaemons: meta.DaemonsRequired(),
		LoadErr:      fmt.Errorf("failed to load test module %s: %w", path, err),
	}
}

// flatten turns a suite (and its nested suites) into individual records
func (d *Discovery) flatten(module *TestModule, prefix string, suite TestSuite, meta *Metadata) int {
	base := prefix
	if suite.Name != "" {
		base = prefix + "." + suite.Name
	}
	count := 0
	for i := range suite.Cases {
		testCase := &suite.Cases[i]
		id := base + "." + testCase.Name
		d.records[id] = &TestRecord{
			ID:           id,
			MethodName:   testCase.Name,
			Module:       module,
			Case:         testCase,
			NeedsDaemons: meta.DaemonsRequired(),
		}
		count++
	}
	for _, nested := range suite.Suites {
		count += d.flatten(module, base, nested, meta)
	}
	return count
}

// moduleName derives the dotted module id from the file path relative to
// the suite root.
func (d *Discovery) moduleName(path, suiteRoot string) string {
	name := path
	if suiteRoot != "" {
		if rel, err := filepath.Rel(suiteRoot, path); err == nil && !strings.HasPrefix(rel, "..") {
			name = rel
		}
	}
	name = strings.TrimSuffix(name, filepath.Ext(name))
	name = strings.Trim(name, string(filepath.Separator))
	return strings.ReplaceAll(name, string(filepath.Separator), ".")
}

// Filter restricts the kept records to those whose id starts with one of
// the given prefixes. Load-failure entries match on their method name
// instead, their dotted id carries no meaning. An empty prefix list keeps
// everything.
func (d *Discovery) Filter(prefixes []string) {
	if len(prefixes) == 0 {
		return
	}
	kept := make(map[string]*TestRecord)
	for id, record := range d.records {
		subject := id
		if record.IsLoadFailure() {
			subject = record.MethodName
		}
		for _, prefix := range prefixes {
			if strings.HasPrefix(subject, prefix) {
				kept[id] = record
				break
			}
		}
	}
	d.records = kept
}

// Records returns the discovered records sorted by id
func (d *Discovery) Records() []*TestRecord {
	ids := make([]string, 0, len(d.records))
	for id := range d.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]*TestRecord, 0, len(ids))
	for _, id := range ids {
		out = append(out, d.records[id])
	}
	return out
}

// Len returns the number of discovered records
func (d *Discovery) Len() int {
	return len(d.records)
}

// NeedsDaemons reports whether any discovered record requires daemons
func (d *Discovery) NeedsDaemons() bool {
	for _, record := range d.records {
		if record.NeedsDaemons {
			return true
		}
	}
	return false
}
