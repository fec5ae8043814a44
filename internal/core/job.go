package core

import (
	"errors"
	"fmt"
	"os"
)

// Job asks for one program variant per rank of Source
type Job struct {
	Source   string   // C++ source of the MPI program
	Ranks    int      // number of processes (-np)
	Includes []string // extra include directories
}

// Validate checks the job before any process is started
func (j Job) Validate() error {
	if j.Source == "" {
		return errors.New("job: source file is required")
	}
	info, err := os.Stat(j.Source)
	if err != nil {
		return fmt.Errorf("job: source file: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("job: source %s is a directory", j.Source)
	}
	if j.Ranks < 1 {
		return fmt.Errorf("job: number of processes must be positive, got %d", j.Ranks)
	}
	for _, dir := range j.Includes {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			return fmt.Errorf("job: include directory %s does not exist", dir)
		}
	}
	return nil
}
