package transforms

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/itchyny/gojq"

	"github.com/haivivi/chunkflow/pkg/action"
	"github.com/haivivi/chunkflow/pkg/chunk"
	"github.com/haivivi/chunkflow/pkg/mimetype"
	"github.com/haivivi/chunkflow/pkg/stream"
)

// JQConfig configures transform/jq.
type JQConfig struct {
	// Expr is the jq program.
	Expr string `json:"expr,omitempty" jsonschema:"jq expression applied to each JSON document"`

	// Collect joins all input text into one document before running Expr.
	// Use it when a JSON value arrives split over several chunks, as model
	// output does.
	Collect bool `json:"collect,omitempty"`

	// Raw emits string results as plain text instead of JSON strings.
	Raw bool `json:"raw,omitempty"`
}

// JQ returns the transform/jq action. Every result of the expression becomes
// one output chunk.
func JQ() *action.Configured[JQConfig] {
	return action.MustConfigured(
		action.Declaration{
			Description: "Run a jq expression over JSON text chunks.",
			Inputs:      []string{"in"},
			Outputs:     []string{"out"},
		},
		JQConfig{Expr: "."},
		func(c JQConfig) (action.Action, error) {
			q, err := gojq.Parse(c.Expr)
			if err != nil {
				return nil, fmt.Errorf("transforms: parse jq %q: %w", c.Expr, err)
			}
			code, err := gojq.Compile(q)
			if err != nil {
				return nil, fmt.Errorf("transforms: compile jq %q: %w", c.Expr, err)
			}
			return &jq{cfg: c, code: code}, nil
		},
	)
}

type jq struct {
	cfg  JQConfig
	code *gojq.Code
}

func (j *jq) Run(ctx context.Context, env *action.Env, in action.Inputs, out action.Outputs) error {
	src, err := in.Get("in")
	if err != nil {
		return err
	}
	dst, err := out.Get("out")
	if err != nil {
		return err
	}

	if j.cfg.Collect {
		var sb strings.Builder
		for c, err := range stream.All(src) {
			if err != nil {
				return err
			}
			if s, ok := c.Text(); ok {
				sb.WriteString(s)
			}
		}
		return j.apply(ctx, dst, sb.String())
	}

	for c, err := range stream.All(src) {
		if err != nil {
			return err
		}
		s, ok := c.Text()
		if !ok {
			env.Logger.Debug("transforms: jq skipping non-text chunk", "mime_type", c.ContentType())
			continue
		}
		if strings.TrimSpace(s) == "" {
			continue
		}
		if err := j.apply(ctx, dst, s); err != nil {
			return err
		}
	}
	return nil
}

type chunkWriter interface {
	Write(ctx context.Context, c *chunk.Chunk) error
}

func (j *jq) apply(ctx context.Context, dst chunkWriter, doc string) error {
	var input any
	if err := action.UnmarshalJSON([]byte(doc), &input); err != nil {
		return fmt.Errorf("transforms: jq input: %w", err)
	}
	iter := j.code.RunWithContext(ctx, input)
	for {
		v, ok := iter.Next()
		if !ok {
			return nil
		}
		if err, ok := v.(error); ok {
			if err, ok := err.(*gojq.HaltError); ok && err.Value() == nil {
				return nil
			}
			return fmt.Errorf("transforms: jq: %w", err)
		}
		c, err := j.result(v)
		if err != nil {
			return err
		}
		if err := dst.Write(ctx, c); err != nil {
			return err
		}
	}
}

func (j *jq) result(v any) (*chunk.Chunk, error) {
	if s, ok := v.(string); ok && j.cfg.Raw {
		return chunk.NewText(chunk.RoleTool, s), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("transforms: marshal jq result: %w", err)
	}
	c := chunk.NewText(chunk.RoleTool, string(data))
	c.MIMEType = mimetype.ApplicationJSON
	return c, nil
}
