// Package paths resolves logical path keys from the config into absolute
// filesystem locations. Everything here is pure: no I/O, no state.
package paths

import (
	"fmt"
	"maps"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/BrendanShields/spec-flow/internal/config"
)

// File names inside the state and memory directories.
const (
	SessionFile = "current-session.md"

	WorkflowProgressFile = "WORKFLOW-PROGRESS.md"
	DecisionsLogFile     = "DECISIONS-LOG.md"
	ChangesPlannedFile   = "CHANGES-PLANNED.md"
	ChangesCompletedFile = "CHANGES-COMPLETED.md"

	SnapshotsDir = ".snapshots"
	BackupsDir   = ".backups"
	HistoryDir   = ".history"
	TempDir      = ".tmp"
	LockFile     = ".lock"
)

// MemoryFiles lists the tracked memory files in a stable order.
var MemoryFiles = []string{
	WorkflowProgressFile,
	DecisionsLogFile,
	ChangesPlannedFile,
	ChangesCompletedFile,
}

// FileKind selects one of the per-feature artifacts.
type FileKind string

const (
	KindSpec  FileKind = "spec"
	KindPlan  FileKind = "plan"
	KindTasks FileKind = "tasks"
)

// Resolver binds a config to a working directory.
type Resolver struct {
	cfg *config.Config
	cwd string
}

// New creates a Resolver. cwd should be absolute.
func New(cfg *config.Config, cwd string) Resolver {
	return Resolver{cfg: cfg, cwd: cwd}
}

// Cwd returns the working directory the resolver is anchored at.
func (r Resolver) Cwd() string { return r.cwd }

// Resolve turns a path key from config.paths into an absolute path.
// Tokens {cwd}, {spec_root} and {<key>} for any other configured key
// are substituted first. Absolute results are returned as-is; values
// beginning with spec_root are joined to cwd; anything else is placed
// under cwd/spec_root.
func (r Resolver) Resolve(key string) (string, error) {
	values := r.cfg.Paths.PathValues()
	raw, ok := values[key]
	if !ok {
		return "", fmt.Errorf("unknown path key %q", key)
	}
	return r.resolveValue(raw, values), nil
}

func (r Resolver) resolveValue(raw string, values map[string]string) string {
	v := interpolate(raw, r.cwd, values)
	if filepath.IsAbs(v) {
		return filepath.Clean(v)
	}
	root := r.cfg.Paths.SpecRoot
	if strings.HasPrefix(v, root) {
		return filepath.Join(r.cwd, v)
	}
	return filepath.Join(r.cwd, root, v)
}

// interpolate substitutes {cwd} and every configured {key}, in sorted key
// order, repeating until nothing changes so values may reference each
// other. Cycles stop after one pass per key.
func interpolate(raw, cwd string, values map[string]string) string {
	keys := slices.Sorted(maps.Keys(values))
	out := raw
	for range len(keys) + 1 {
		prev := out
		out = strings.ReplaceAll(out, "{cwd}", cwd)
		for _, k := range keys {
			out = strings.ReplaceAll(out, "{"+k+"}", values[k])
		}
		if out == prev {
			break
		}
	}
	return out
}

func (r Resolver) mustResolve(key string) string {
	// Built-in keys always exist in config.Paths.
	p, _ := r.Resolve(key)
	return p
}

// SpecRoot returns cwd/spec_root.
func (r Resolver) SpecRoot() string {
	return filepath.Join(r.cwd, r.cfg.Paths.SpecRoot)
}

// StateDir returns the resolved state directory.
func (r Resolver) StateDir() string { return r.mustResolve("state") }

// MemoryDir returns the resolved memory directory.
func (r Resolver) MemoryDir() string { return r.mustResolve("memory") }

// FeaturesDir returns the resolved features directory.
func (r Resolver) FeaturesDir() string { return r.mustResolve("features") }

// StateFile returns a file inside the state directory.
func (r Resolver) StateFile(name string) string {
	return filepath.Join(r.StateDir(), name)
}

// MemoryFile returns a file inside the memory directory.
func (r Resolver) MemoryFile(name string) string {
	return filepath.Join(r.MemoryDir(), name)
}

// SessionFile returns the canonical session state file.
func (r Resolver) SessionFile() string { return r.StateFile(SessionFile) }

// SnapshotsDir returns the directory holding snapshot artifacts.
func (r Resolver) SnapshotsDir() string { return r.StateFile(SnapshotsDir) }

// BackupsDir returns the directory holding backups.
func (r Resolver) BackupsDir() string { return r.StateFile(BackupsDir) }

// HistoryDir returns the directory holding the history log.
func (r Resolver) HistoryDir() string { return r.StateFile(HistoryDir) }

// TempDir returns the directory holding in-flight temp files.
func (r Resolver) TempDir() string { return r.StateFile(TempDir) }

// LockPath returns the advisory lock file for the state directory.
func (r Resolver) LockPath() string { return r.StateFile(LockFile) }

// FeatureDirName renders naming.feature_directory for an id and slug.
func (r Resolver) FeatureDirName(id int, slug string) string {
	name := r.cfg.Naming.FeatureDirectory
	name = strings.ReplaceAll(name, "{id:000}", fmt.Sprintf("%03d", id))
	name = strings.ReplaceAll(name, "{id}", strconv.Itoa(id))
	name = strings.ReplaceAll(name, "{slug}", slug)
	return name
}

// FeatureDir returns the directory for a feature.
func (r Resolver) FeatureDir(id int, slug string) string {
	return filepath.Join(r.FeaturesDir(), r.FeatureDirName(id, slug))
}

// FeatureFile returns one of the spec/plan/tasks files for a feature.
func (r Resolver) FeatureFile(id int, slug string, kind FileKind) (string, error) {
	var name string
	switch kind {
	case KindSpec:
		name = r.cfg.Naming.Files.Spec
	case KindPlan:
		name = r.cfg.Naming.Files.Plan
	case KindTasks:
		name = r.cfg.Naming.Files.Tasks
	default:
		return "", fmt.Errorf("unknown feature file kind %q", kind)
	}
	return filepath.Join(r.FeatureDir(id, slug), name), nil
}
