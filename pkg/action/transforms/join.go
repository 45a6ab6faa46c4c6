package transforms

import (
	"context"
	"strings"

	"github.com/haivivi/chunkflow/pkg/action"
	"github.com/haivivi/chunkflow/pkg/chunk"
	"github.com/haivivi/chunkflow/pkg/stream"
)

// JoinConfig configures transform/join.
type JoinConfig struct {
	Separator string `json:"separator,omitempty"`
	Role      string `json:"role,omitempty" jsonschema:"role of the joined chunk; defaults to the role of the first input chunk"`
}

// Join returns the transform/join action. It waits for the input to end and
// writes a single text chunk. Non-text chunks are skipped.
func Join() *action.Configured[JoinConfig] {
	return action.MustConfigured(
		action.Declaration{
			Description: "Concatenate text chunks into one.",
			Inputs:      []string{"in"},
			Outputs:     []string{"out"},
		},
		JoinConfig{},
		func(c JoinConfig) (action.Action, error) {
			return action.Func(func(ctx context.Context, env *action.Env, in action.Inputs, out action.Outputs) error {
				return join(ctx, c, in, out)
			}), nil
		},
	)
}

func join(ctx context.Context, cfg JoinConfig, in action.Inputs, out action.Outputs) error {
	src, err := in.Get("in")
	if err != nil {
		return err
	}
	dst, err := out.Get("out")
	if err != nil {
		return err
	}
	role := chunk.Role(cfg.Role)
	var parts []string
	for c, err := range stream.All(src) {
		if err != nil {
			return err
		}
		s, ok := c.Text()
		if !ok {
			continue
		}
		if role == "" {
			role = c.Role
		}
		parts = append(parts, s)
	}
	if role == "" {
		role = chunk.RoleModel
	}
	return dst.WriteLast(ctx, chunk.NewText(role, strings.Join(parts, cfg.Separator)))
}
