package core

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"morpheus/internal/pipeline"
)

// Pipeline describes a process pipeline in YAML (pipeline.yaml) or JSON
// (agent requests). Stages run connected stdout to stdin, in order.
type Pipeline struct {
	Name    string  `yaml:"name" json:"name"`
	Input   Input   `yaml:"input" json:"input,omitempty"`     // fed to the first stage
	Policy  string  `yaml:"policy" json:"policy,omitempty"`   // final, any or ignore
	Timeout string  `yaml:"timeout" json:"timeout,omitempty"` // e.g. "30s"
	Stages  []Stage `yaml:"stages" json:"stages"`
}

// Input is the data fed to a pipeline's first stage. YAML files give it as
// text (or !!binary); JSON carries it base64-encoded so any bytes survive.
type Input []byte

func (in *Input) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	*in = Input(s)
	return nil
}

func (in Input) MarshalYAML() (interface{}, error) {
	return string(in), nil
}

// Stage is one command of a Pipeline
type Stage struct {
	Name string            `yaml:"name" json:"name,omitempty"`
	Run  []string          `yaml:"run" json:"run"` // argv, no shell involved
	Dir  string            `yaml:"dir" json:"dir,omitempty"`
	Env  map[string]string `yaml:"env" json:"env,omitempty"`
}

// Validate checks the definition without starting anything
func (p *Pipeline) Validate() error {
	if len(p.Stages) == 0 {
		return errors.New("pipeline: no stages defined")
	}
	for i, s := range p.Stages {
		if len(s.Run) == 0 || s.Run[0] == "" {
			return fmt.Errorf("pipeline: stage %d (%s) has no command", i, s.Name)
		}
	}
	if _, err := p.ExitPolicy(); err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}
	if _, err := p.TimeoutDuration(); err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}
	return nil
}

// Commands converts the stage definitions to runnable stages
func (p *Pipeline) Commands() []pipeline.Stage {
	stages := make([]pipeline.Stage, 0, len(p.Stages))
	for _, s := range p.Stages {
		st := pipeline.NewStage(s.Run[0], s.Run[1:]...)
		if s.Dir != "" {
			st = st.WithDir(s.Dir)
		}
		if len(s.Env) > 0 {
			keys := make([]string, 0, len(s.Env))
			for k := range s.Env {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			env := make([]string, 0, len(keys))
			for _, k := range keys {
				env = append(env, k+"="+s.Env[k])
			}
			st = st.WithEnv(env...)
		}
		stages = append(stages, st)
	}
	return stages
}

// InputBytes returns the initial input, or nil when there is none
func (p *Pipeline) InputBytes() []byte {
	if len(p.Input) == 0 {
		return nil
	}
	return []byte(p.Input)
}

func (p *Pipeline) ExitPolicy() (pipeline.ExitPolicy, error) {
	return pipeline.ParseExitPolicy(p.Policy)
}

func (p *Pipeline) TimeoutDuration() (time.Duration, error) {
	if p.Timeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(p.Timeout)
	if err != nil {
		return 0, fmt.Errorf("invalid timeout %q: %w", p.Timeout, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid timeout %q: negative", p.Timeout)
	}
	return d, nil
}
