// Package toolchain turns a validated toolchain configuration into pipeline
// stages: the C++ front end emitting IR, the optimizer running the rank
// transform from the plugin, and an optional cleanup pass.
package toolchain

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"morpheus/internal/config"
	"morpheus/internal/pipeline"
)

// Toolchain holds resolved, checked paths to the external tools.
type Toolchain struct {
	compiler    string
	optimizer   string
	plugin      string
	pass        string
	mpiInclude  string
	libraryPath string
	cleanup     bool
}

// New resolves and checks every binary and the plugin. It returns a
// *config.Error naming the first precondition that does not hold.
func New(cfg config.Toolchain) (*Toolchain, error) {
	binDir := cfg.ResolvedBinDir()
	if info, err := os.Stat(binDir); err != nil || !info.IsDir() {
		return nil, &config.Error{Field: "toolchain bin directory", Reason: binDir + " does not exist"}
	}

	compiler, err := executable(binDir, cfg.Compiler, "toolchain.compiler")
	if err != nil {
		return nil, err
	}
	optimizer, err := executable(binDir, cfg.Optimizer, "toolchain.optimizer")
	if err != nil {
		return nil, err
	}
	plugin, err := findPlugin(cfg.Plugin, cfg.LibraryPath)
	if err != nil {
		return nil, err
	}

	return &Toolchain{
		compiler:    compiler,
		optimizer:   optimizer,
		plugin:      plugin,
		pass:        cfg.Pass,
		mpiInclude:  cfg.MPIInclude,
		libraryPath: cfg.LibraryPath,
		cleanup:     cfg.Cleanup,
	}, nil
}

func (t *Toolchain) Compiler() string  { return t.compiler }
func (t *Toolchain) Optimizer() string { return t.optimizer }
func (t *Toolchain) Plugin() string    { return t.plugin }

// Frontend compiles source to textual IR on stdout.
func (t *Toolchain) Frontend(source string, includes []string) pipeline.Stage {
	args := []string{"-S", "-emit-llvm", "-g", "-O0"}
	if t.mpiInclude != "" {
		args = append(args, "-I", t.mpiInclude)
	}
	for _, dir := range includes {
		args = append(args, "-I", dir)
	}
	// keep optnone off so the optimizer passes still run on -O0 output
	args = append(args, "-Xclang", "-disable-O0-optnone", "-o", "-", source)
	return pipeline.NewStage(t.compiler, args...)
}

// Transform runs the plugin pass for one rank, reading IR on stdin. The
// plugin is registered with both pass managers so its command-line options
// (-rank) are parsed.
func (t *Toolchain) Transform(rank int) pipeline.Stage {
	st := pipeline.NewStage(t.optimizer,
		"-S",
		"--load", t.plugin,
		"--load-pass-plugin", t.plugin,
		"-passes", t.pass,
		"-rank", strconv.Itoa(rank),
		"-o", "-",
	)
	if t.libraryPath != "" {
		st = st.WithEnv(config.EnvLibraryPath + "=" + t.libraryPath)
	}
	return st
}

// Cleanup simplifies the transformed IR.
func (t *Toolchain) Cleanup() pipeline.Stage {
	return pipeline.NewStage(t.optimizer, "-S", "-mem2reg", "-constprop", "-simplifycfg", "-o", "-")
}

// Stages returns the full chain producing the program variant for rank.
func (t *Toolchain) Stages(source string, includes []string, rank int) []pipeline.Stage {
	stages := []pipeline.Stage{t.Frontend(source, includes), t.Transform(rank)}
	if t.cleanup {
		stages = append(stages, t.Cleanup())
	}
	return stages
}

func executable(dir, name, field string) (string, error) {
	path := name
	if !filepath.IsAbs(name) {
		path = filepath.Join(dir, name)
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", &config.Error{Field: field, Reason: path + " does not exist"}
	}
	if !info.Mode().IsRegular() || info.Mode().Perm()&0o111 == 0 {
		return "", &config.Error{Field: field, Reason: path + " is not executable"}
	}
	return path, nil
}

// findPlugin returns the plugin path as given when it contains a separator,
// otherwise the first match in the library search path.
func findPlugin(name, libraryPath string) (string, error) {
	if strings.ContainsRune(name, os.PathSeparator) {
		if _, err := os.Stat(name); err != nil {
			return "", &config.Error{Field: "toolchain.plugin", Reason: name + " does not exist"}
		}
		return name, nil
	}
	if libraryPath == "" {
		return "", &config.Error{Field: config.EnvLibraryPath, Reason: "is not set; cannot locate " + name}
	}
	for _, dir := range filepath.SplitList(libraryPath) {
		if dir == "" {
			continue
		}
		candidate := filepath.Join(dir, name)
		if info, err := os.Stat(candidate); err == nil && info.Mode().IsRegular() {
			return candidate, nil
		}
	}
	return "", &config.Error{Field: "toolchain.plugin", Reason: name + " not found in " + config.EnvLibraryPath}
}
