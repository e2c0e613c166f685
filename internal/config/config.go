// Package config loads the project's .spec-config.yml.
//
// The config file is optional: a project without one runs on Default().
// When the file exists it must parse and pass struct validation, otherwise
// Load returns an error and the caller decides whether to degrade.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	// ConfigDir is the directory under the project root holding the config.
	ConfigDir = ".claude"
	// ConfigFile is the config filename inside ConfigDir.
	ConfigFile = ".spec-config.yml"

	// DefaultVersion is the schema version written into new session state.
	DefaultVersion = "2.0.0"
)

// --- Types ---

// Paths maps logical path keys to (possibly templated) locations.
type Paths struct {
	SpecRoot string `yaml:"spec_root" validate:"required"`
	Features string `yaml:"features" validate:"required"`
	State    string `yaml:"state" validate:"required"`
	Memory   string `yaml:"memory" validate:"required"`

	// Extra holds any additional keys so they can be referenced as
	// {key} tokens by other path values.
	Extra map[string]string `yaml:",inline"`
}

// Files names the per-feature artifacts.
type Files struct {
	Spec  string `yaml:"spec" validate:"required"`
	Plan  string `yaml:"plan" validate:"required"`
	Tasks string `yaml:"tasks" validate:"required"`
}

// Naming holds directory and file naming templates.
type Naming struct {
	FeatureDirectory string `yaml:"feature_directory" validate:"required"`
	FeatureSingular  string `yaml:"feature_singular,omitempty"`
	FeaturePlural    string `yaml:"feature_plural,omitempty"`
	Files            Files  `yaml:"files"`
}

// Project describes the host project. Informational only.
type Project struct {
	Type      string `yaml:"type,omitempty" validate:"omitempty,oneof=app library monorepo microservice"`
	Language  string `yaml:"language,omitempty"`
	Framework string `yaml:"framework,omitempty"`
	BuildTool string `yaml:"build_tool,omitempty"`
}

// Workflow holds the policy flags mirrored into SessionState.configState.
type Workflow struct {
	RequireBlueprint bool `yaml:"require_blueprint"`
	RequireADR       bool `yaml:"require_adr"`
	AutoValidate     bool `yaml:"auto_validate"`
	AutoCheckpoint   bool `yaml:"auto_checkpoint"`
}

// State tunes the state-coordination layer.
type State struct {
	HistoryMaxEntries     int           `yaml:"history_max_entries" validate:"gte=0"`
	SnapshotRetentionDays int           `yaml:"snapshot_retention_days" validate:"gte=0"`
	BackupMaxAge          time.Duration `yaml:"backup_max_age" validate:"gte=0"`
	LockTimeout           time.Duration `yaml:"lock_timeout" validate:"gte=0"`
	SQLiteIndex           bool          `yaml:"sqlite_index"`
}

// Config is the root of .spec-config.yml.
type Config struct {
	Version  string   `yaml:"version" validate:"required,semver"`
	Paths    Paths    `yaml:"paths"`
	Naming   Naming   `yaml:"naming"`
	Project  Project  `yaml:"project"`
	Workflow Workflow `yaml:"workflow"`
	State    State    `yaml:"state"`
}

// --- Defaults ---

// Default returns the configuration used when no config file exists.
func Default() *Config {
	return &Config{
		Version: DefaultVersion,
		Paths: Paths{
			SpecRoot: ".spec",
			Features: "features",
			State:    "state",
			Memory:   "memory",
		},
		Naming: Naming{
			FeatureDirectory: "{id:000}-{slug}",
			FeatureSingular:  "feature",
			FeaturePlural:    "features",
			Files: Files{
				Spec:  "spec.md",
				Plan:  "plan.md",
				Tasks: "tasks.md",
			},
		},
		Workflow: Workflow{
			AutoValidate:   true,
			AutoCheckpoint: true,
		},
		State: State{
			HistoryMaxEntries:     1000,
			SnapshotRetentionDays: 30,
			BackupMaxAge:          30 * 24 * time.Hour,
			LockTimeout:           5 * time.Second,
		},
	}
}

// --- Loading ---

var validate = validator.New()

// Path returns the absolute path of the config file for a project root.
func Path(cwd string) string {
	return filepath.Join(cwd, ConfigDir, ConfigFile)
}

// Exists reports whether the project has a config file.
func Exists(cwd string) bool {
	_, err := os.Stat(Path(cwd))
	return err == nil
}

// Load reads the project's config file, layering it over Default().
// A missing file yields Default() and no error.
func Load(cwd string) (*Config, error) {
	data, err := os.ReadFile(Path(cwd))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML config bytes over Default() and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(fields, ", "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// PathValues returns every configured path key with its raw value,
// including extra keys.
func (p Paths) PathValues() map[string]string {
	out := make(map[string]string, len(p.Extra)+4)
	for k, v := range p.Extra {
		out[k] = v
	}
	out["spec_root"] = p.SpecRoot
	out["features"] = p.Features
	out["state"] = p.State
	out["memory"] = p.Memory
	return out
}
