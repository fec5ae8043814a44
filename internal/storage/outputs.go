// Package storage writes what a run produces: one program per rank and the
// diagnostics of the stages that produced them.
package storage

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNoName is returned by SplitNamed when the first line is empty.
var ErrNoName = errors.New("storage: output does not start with a file name")

// OutputStorage writes per-rank outputs. It either owns a directory or, for
// a single-rank plain run, a single file.
type OutputStorage struct {
	Dir  string
	File string
}

// NewOutputStorage decides how path is used. An existing directory, a
// trailing separator, more than one rank, or named output make it a
// directory (created if missing); otherwise path names the output file
// itself. An empty path is the current directory.
func NewOutputStorage(path string, ranks int, named bool) (*OutputStorage, error) {
	if path == "" {
		path = "."
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if info, err := os.Stat(abs); err == nil && info.IsDir() {
		return &OutputStorage{Dir: abs}, nil
	}
	asDir := strings.HasSuffix(path, string(filepath.Separator))
	if ranks == 1 && !named && !asDir {
		return &OutputStorage{Dir: filepath.Dir(abs), File: filepath.Base(abs)}, nil
	}
	if err := os.MkdirAll(abs, 0775); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	return &OutputStorage{Dir: abs}, nil
}

// RankFileName is the plain-mode name of the output for rank.
func RankFileName(source string, rank int) string {
	base := filepath.Base(source)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	return fmt.Sprintf("%s.rank%d.ll", sanitize(base), rank)
}

// SaveRank writes the plain output of rank.
func (s *OutputStorage) SaveRank(source string, rank int, data []byte) (string, error) {
	name := s.File
	if name == "" {
		name = RankFileName(source, rank)
	}
	return s.save(name, data)
}

// SaveNamed splits data into its file name line and content and writes the
// content under the output directory.
func (s *OutputStorage) SaveNamed(data []byte) (string, error) {
	name, content, err := SplitNamed(data)
	if err != nil {
		return "", err
	}
	return s.save(name, content)
}

func (s *OutputStorage) save(name string, data []byte) (string, error) {
	if err := os.MkdirAll(s.Dir, 0775); err != nil {
		return "", err
	}
	path := filepath.Join(s.Dir, name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", err
	}
	return path, nil
}

// SplitNamed returns the file name on the first line of data and the bytes
// after it. The name is reduced to a safe base name so it can never escape
// the output directory.
func SplitNamed(data []byte) (string, []byte, error) {
	line, content, found := bytes.Cut(data, []byte("\n"))
	if !found {
		content = nil
	}
	raw := strings.TrimSpace(string(line))
	if raw == "" {
		return "", nil, ErrNoName
	}
	return sanitize(filepath.Base(raw)), content, nil
}
