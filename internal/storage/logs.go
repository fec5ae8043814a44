package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// LogStorage saves stage diagnostics to files
type LogStorage struct {
	BaseDir string
}

// NewLogStorage creates a new log storage handler
func NewLogStorage(baseDir string) *LogStorage {
	return &LogStorage{BaseDir: baseDir}
}

// SaveLog saves the stderr of one stage of one run
func (ls *LogStorage) SaveLog(run, stage string, output []byte) (string, error) {
	// Ensure base directory exists
	if err := os.MkdirAll(ls.BaseDir, 0775); err != nil {
		return "", err
	}

	// Filename with timestamp for uniqueness
	timestamp := time.Now().Format("20060102_150405")
	filename := fmt.Sprintf("%s_%s_%s.log", sanitize(run), sanitize(stage), timestamp)
	filePath := filepath.Join(ls.BaseDir, filename)

	if err := os.WriteFile(filePath, output, 0644); err != nil {
		return "", err
	}
	return filePath, nil
}

// sanitize removes special characters from names used in filenames
func sanitize(name string) string {
	clean := make([]rune, 0, len(name))
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.' {
			clean = append(clean, r)
		}
	}
	s := string(clean)
	if s == "" || s == "." || s == ".." {
		return "step"
	}
	return s
}
