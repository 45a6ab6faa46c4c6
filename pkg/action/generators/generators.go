// Package generators turns streaming language models into actions.
//
// A generator action reads a conversation from its "prompt" input (and an
// optional "system" input), asks a Model for a reply and writes the reply to
// "out" chunk by chunk as it streams in.
package generators

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/haivivi/chunkflow/pkg/action"
	"github.com/haivivi/chunkflow/pkg/chunk"
)

var (
	// ErrTruncated is returned when a reply stops at the token limit.
	ErrTruncated = errors.New("generators: reply truncated")

	// ErrBlocked is matched by *BlockedError.
	ErrBlocked = errors.New("generators: reply blocked")

	// ErrNoContent is returned for a conversation without messages.
	ErrNoContent = errors.New("generators: no content")
)

// BlockedError reports a reply refused by the provider.
type BlockedError struct {
	Reason string
}

func (e *BlockedError) Error() string {
	return "generators: reply blocked: " + e.Reason
}

func (e *BlockedError) Unwrap() error {
	return ErrBlocked
}

// Params are sampling parameters. Zero fields are left to the provider.
type Params struct {
	MaxTokens        int     `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	Temperature      float32 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	TopP             float32 `json:"top_p,omitempty" yaml:"top_p,omitempty"`
	TopK             float32 `json:"top_k,omitempty" yaml:"top_k,omitempty"`
	FrequencyPenalty float32 `json:"frequency_penalty,omitempty" yaml:"frequency_penalty,omitempty"`
	PresencePenalty  float32 `json:"presence_penalty,omitempty" yaml:"presence_penalty,omitempty"`
}

// Usage counts tokens spent on one reply.
type Usage struct {
	PromptTokens    int64
	CachedTokens    int64
	GeneratedTokens int64
}

// Model generates a streaming reply.
type Model interface {
	// Generate calls emit for every reply chunk in order and returns once
	// the reply is complete. An error from emit stops generation and is
	// returned.
	Generate(ctx context.Context, conv *Conversation, emit func(*chunk.Chunk) error) (Usage, error)
}

// Option configures a generator action.
type Option func(*generator)

// WithResolver resolves reference chunks in the conversation before it is
// sent to the model.
func WithResolver(r *chunk.Resolver) Option {
	return func(g *generator) { g.resolver = r }
}

// New returns a generator action for m. defaults are the sampling
// parameters used when a step does not configure its own.
func New(m Model, defaults Params, opts ...Option) *action.Configured[Params] {
	return action.MustConfigured(
		action.Declaration{
			Description: "Generate a streaming reply to a conversation.",
			Inputs:      []string{"prompt"},
			Optional:    []string{"system"},
			Outputs:     []string{"out"},
		},
		defaults,
		func(p Params) (action.Action, error) {
			g := &generator{model: m, params: p}
			for _, o := range opts {
				o(g)
			}
			return g, nil
		},
	)
}

type generator struct {
	model    Model
	params   Params
	resolver *chunk.Resolver
}

func (g *generator) Run(ctx context.Context, env *action.Env, in action.Inputs, out action.Outputs) error {
	dst, err := out.Get("out")
	if err != nil {
		return err
	}
	conv, err := ReadConversation(ctx, in, g.resolver)
	if err != nil {
		return err
	}
	conv.Params = g.params

	start := time.Now()
	var n int
	usage, err := g.model.Generate(ctx, conv, func(c *chunk.Chunk) error {
		n++
		if c.Name == "" {
			c.Name = env.Name
		}
		if c.Timestamp.IsZero() {
			c.Timestamp = time.Now()
		}
		return dst.Write(ctx, c)
	})
	env.Logger.Info("generators: reply",
		"chunks", n,
		"duration", time.Since(start),
		"prompt_tokens", usage.PromptTokens,
		"cached_tokens", usage.CachedTokens,
		"generated_tokens", usage.GeneratedTokens,
	)
	if err != nil {
		return fmt.Errorf("generators: %s: %w", env.Name, err)
	}
	return nil
}

// Register adds a generator action for m to mux under "gen/<name>".
func Register(mux *action.Mux, name string, m Model, defaults Params, opts ...Option) error {
	return mux.Handle("gen/"+name, New(m, defaults, opts...))
}
