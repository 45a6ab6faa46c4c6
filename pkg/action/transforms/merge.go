package transforms

import (
	"context"
	"maps"
	"slices"

	"github.com/haivivi/chunkflow/pkg/action"
	"github.com/haivivi/chunkflow/pkg/chunk"
	"github.com/haivivi/chunkflow/pkg/stream"
)

// Merge returns the transform/merge action. It accepts any inputs and writes
// their chunks to "out" in the order they arrive. The first failing input
// fails the output.
func Merge() action.Action {
	return &merge{}
}

type merge struct{}

func (*merge) Declare() action.Declaration {
	return action.Declaration{
		Description: "Interleave inputs in arrival order.",
		AnyInputs:   true,
		Outputs:     []string{"out"},
	}
}

func (*merge) Run(ctx context.Context, env *action.Env, in action.Inputs, out action.Outputs) error {
	dst, err := out.Get("out")
	if err != nil {
		return err
	}
	ports := slices.Sorted(maps.Keys(in))
	sources := make([]stream.Source[*chunk.Chunk], len(ports))
	for i, p := range ports {
		sources[i] = stream.FromIterator(in[p])
	}
	merged := stream.Merge(sources...)
	for c, err := range stream.All(merged) {
		if err != nil {
			return err
		}
		if err := dst.Write(ctx, c); err != nil {
			return err
		}
	}
	return nil
}
