// Package config holds the settings of a morpheus run. A Config is built
// once at startup from defaults, an optional YAML file, the environment and
// command-line flags, then validated before any process is spawned.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"morpheus/internal/pipeline"
)

// Environment variables read by ApplyEnv.
const (
	EnvToolchainRoot = "LLVM_ROOT_PATH"
	EnvLibraryPath   = "LD_LIBRARY_PATH"
)

// Config is the complete configuration of a run.
type Config struct {
	Toolchain  Toolchain     `yaml:"toolchain"`
	Output     Output        `yaml:"output"`
	Ledger     Ledger        `yaml:"ledger"`
	ExitPolicy string        `yaml:"exit_policy"`
	Timeout    time.Duration `yaml:"timeout"`
	LogLevel   string        `yaml:"log_level"`
}

// Toolchain locates the compiler front end, the optimizer and its plugin.
type Toolchain struct {
	// Root is the toolchain checkout; binaries default to Root/build/bin.
	Root        string `yaml:"root"`
	BinDir      string `yaml:"bin_dir"`
	LibraryPath string `yaml:"library_path"`
	Compiler    string `yaml:"compiler"`
	Optimizer   string `yaml:"optimizer"`
	Plugin      string `yaml:"plugin"`
	Pass        string `yaml:"pass"`
	MPIInclude  string `yaml:"mpi_include"`
	Cleanup     bool   `yaml:"cleanup"`
}

// Output controls where generated programs and stage diagnostics go.
type Output struct {
	// Named means the transform prints the output file name on its first
	// line, followed by the file content.
	Named  bool   `yaml:"named"`
	LogDir string `yaml:"log_dir"`
}

// Ledger enables the output ledger when Path is set.
type Ledger struct {
	Path       string `yaml:"path"`
	SigningKey string `yaml:"signing_key"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Toolchain: Toolchain{
			Compiler:   "clang++",
			Optimizer:  "opt",
			Plugin:     "libMorph.so",
			Pass:       "pruneprocess",
			MPIInclude: "/usr/include/mpi",
		},
		ExitPolicy: "any",
		LogLevel:   "info",
	}
}

// Parse overlays YAML data on the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Load reads a YAML config file. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// ApplyEnv fills toolchain settings from the environment. Values already set
// by the config file win.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvToolchainRoot); ok && c.Toolchain.Root == "" {
		c.Toolchain.Root = v
	}
	if v, ok := lookup(EnvLibraryPath); ok && c.Toolchain.LibraryPath == "" {
		c.Toolchain.LibraryPath = v
	}
}

// Validate checks settings that do not need the filesystem. Toolchain
// binaries are checked by toolchain.New.
func (c *Config) Validate() error {
	if c.Toolchain.Root == "" && c.Toolchain.BinDir == "" {
		return &Error{Field: EnvToolchainRoot, Reason: "is not set"}
	}
	if c.Toolchain.Compiler == "" {
		return &Error{Field: "toolchain.compiler", Reason: "is empty"}
	}
	if c.Toolchain.Optimizer == "" {
		return &Error{Field: "toolchain.optimizer", Reason: "is empty"}
	}
	if c.Toolchain.Plugin == "" {
		return &Error{Field: "toolchain.plugin", Reason: "is empty"}
	}
	if c.Toolchain.Pass == "" {
		return &Error{Field: "toolchain.pass", Reason: "is empty"}
	}
	if _, err := c.Policy(); err != nil {
		return &Error{Field: "exit_policy", Reason: err.Error()}
	}
	if _, err := c.Level(); err != nil {
		return &Error{Field: "log_level", Reason: err.Error()}
	}
	if c.Timeout < 0 {
		return &Error{Field: "timeout", Reason: "must not be negative"}
	}
	return nil
}

// ResolvedBinDir returns the directory holding the toolchain binaries.
func (t Toolchain) ResolvedBinDir() string {
	if t.BinDir != "" {
		return t.BinDir
	}
	return filepath.Join(t.Root, "build", "bin")
}

// Policy returns the parsed exit policy.
func (c *Config) Policy() (pipeline.ExitPolicy, error) {
	return pipeline.ParseExitPolicy(c.ExitPolicy)
}

// Level returns the parsed log level.
func (c *Config) Level() (slog.Level, error) {
	var lvl slog.Level
	if c.LogLevel == "" {
		return slog.LevelInfo, nil
	}
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, err
	}
	return lvl, nil
}

// Error is a configuration precondition that does not hold.
type Error struct {
	Field  string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("config: %s %s", e.Field, e.Reason)
}
