package loader

import (
	"context"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/haivivi/chunkflow/pkg/action"
)

// ErrInvalidPipeline is returned for pipelines that fail validation.
var ErrInvalidPipeline = errors.New("loader: invalid pipeline")

// Pipeline is a set of steps run together against one session.
//
//	name: summarize
//	steps:
//	  - id: draft
//	    action: gen/openai/gpt-4o
//	    inputs:
//	      prompt: prompt
//	  - id: short
//	    action: transform/join
//	    inputs: draft/out
//
// A scalar inputs value is shorthand for {in: <value>}.
type Pipeline struct {
	Name        string        `yaml:"name"`
	Description string        `yaml:"description,omitempty"`
	Steps       []action.Step `yaml:"-"`
}

type pipelineFile struct {
	Name        string     `yaml:"name"`
	Description string     `yaml:"description,omitempty"`
	Steps       []stepNode `yaml:"steps"`
}

type stepNode struct {
	ID      string            `yaml:"id"`
	Action  string            `yaml:"action"`
	Config  map[string]any    `yaml:"config"`
	Inputs  yaml.Node         `yaml:"inputs"`
	Outputs map[string]string `yaml:"outputs"`
}

func (n *stepNode) step() (action.Step, error) {
	s := action.Step{ID: n.ID, Action: n.Action, Config: n.Config, Outputs: n.Outputs}
	switch n.Inputs.Kind {
	case 0:
	case yaml.ScalarNode:
		s.Inputs = map[string]string{"in": n.Inputs.Value}
	case yaml.MappingNode:
		if err := n.Inputs.Decode(&s.Inputs); err != nil {
			return s, err
		}
	default:
		return s, fmt.Errorf("line %d: inputs must be a channel or a map of ports to channels", n.Inputs.Line)
	}
	return s, nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (p *Pipeline) UnmarshalYAML(value *yaml.Node) error {
	var f pipelineFile
	if err := value.Decode(&f); err != nil {
		return err
	}
	p.Name, p.Description = f.Name, f.Description
	p.Steps = make([]action.Step, 0, len(f.Steps))
	for i := range f.Steps {
		s, err := f.Steps[i].step()
		if err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}
		p.Steps = append(p.Steps, s)
	}
	return nil
}

// ParsePipeline decodes and validates a pipeline.
func ParsePipeline(data []byte) (*Pipeline, error) {
	var p Pipeline
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("loader: parse pipeline: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// LoadPipeline reads and parses a pipeline file.
func LoadPipeline(path string) (*Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParsePipeline(data)
}

// Validate checks that every step names an action and that step ids are
// unique.
func (p *Pipeline) Validate() error {
	if len(p.Steps) == 0 {
		return fmt.Errorf("%w: no steps", ErrInvalidPipeline)
	}
	seen := make(map[string]bool, len(p.Steps))
	for i, s := range p.Steps {
		if s.Action == "" {
			return fmt.Errorf("%w: step %d has no action", ErrInvalidPipeline, i)
		}
		if s.ID == "" {
			continue
		}
		if seen[s.ID] {
			return fmt.Errorf("%w: duplicate step id %q", ErrInvalidPipeline, s.ID)
		}
		seen[s.ID] = true
	}
	return nil
}

// Run starts every step with r and waits for them.
func (p *Pipeline) Run(ctx context.Context, r *action.Runner) ([]*action.Run, error) {
	return r.RunAll(ctx, p.Steps...)
}
