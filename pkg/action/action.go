// Package action runs units of work over session channels.
//
// An Action reads chunks from named inputs and writes chunks to named
// outputs. Inputs are readers on session channels; outputs are
// session.Writers on fresh channels, so any number of readers can follow an
// action's output while it is being produced, or replay it afterwards.
//
// Actions are registered in a Mux under a pattern and started by a Runner:
//
//	action.Handle("transform/upper", action.Func(upper))
//
//	r := action.NewRunner(sess)
//	run, err := r.Start(ctx, action.Step{
//		Action: "transform/upper",
//		Inputs: map[string]string{"in": "prompt"},
//	})
//	out, _ := sess.Read(ctx, run.Output("out"))
package action

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/haivivi/chunkflow/pkg/session"
	"github.com/haivivi/chunkflow/pkg/stream"
)

var (
	// ErrNotFound is returned when no action matches a name.
	ErrNotFound = errors.New("action: not found")

	// ErrWiring is returned when a step's inputs or outputs do not fit the
	// action's declaration.
	ErrWiring = errors.New("action: invalid wiring")

	// ErrInvalidConfig is returned when a step's config does not fit the
	// action's schema.
	ErrInvalidConfig = errors.New("action: invalid config")
)

// Action is a unit of work over named inputs and outputs.
//
// Run returns when the action is finished. The runner closes every output
// the action left open when Run returns nil, and fails them with the
// returned error otherwise.
type Action interface {
	Run(ctx context.Context, env *Env, in Inputs, out Outputs) error
}

// Func adapts a function to Action.
type Func func(ctx context.Context, env *Env, in Inputs, out Outputs) error

func (f Func) Run(ctx context.Context, env *Env, in Inputs, out Outputs) error {
	return f(ctx, env, in, out)
}

// Env describes the run an action is executing in.
type Env struct {
	// RunID identifies this run.
	RunID string

	// Name is the name the action was started under; Pattern is the Mux
	// pattern it matched.
	Name    string
	Pattern string

	// Session is the store the run's channels live in.
	Session session.Store

	// Logger is annotated with the run id and action name.
	Logger *slog.Logger
}

// Inputs maps input names to streams.
type Inputs map[string]stream.Stream

// Get returns the named input.
func (in Inputs) Get(name string) (stream.Stream, error) {
	s, ok := in[name]
	if !ok {
		return nil, fmt.Errorf("%w: no input %q", ErrWiring, name)
	}
	return s, nil
}

// Outputs maps output names to writers.
type Outputs map[string]*session.Writer

// Get returns the named output.
func (out Outputs) Get(name string) (*session.Writer, error) {
	w, ok := out[name]
	if !ok {
		return nil, fmt.Errorf("%w: no output %q", ErrWiring, name)
	}
	return w, nil
}

// Declaration describes an action's ports and configuration.
type Declaration struct {
	Description string `json:"description,omitempty"`

	// Inputs lists the required inputs and Optional the ones that may be
	// left unwired. When AnyInputs is set any other input is accepted too.
	Inputs    []string `json:"inputs,omitempty"`
	Optional  []string `json:"optional,omitempty"`
	AnyInputs bool     `json:"any_inputs,omitempty"`

	// Outputs lists the outputs the runner creates.
	Outputs []string `json:"outputs,omitempty"`

	// Config is the schema of the action's configuration, if it takes any.
	Config *jsonschema.Schema `json:"config,omitempty"`
}

// Declarer is implemented by actions that declare their ports.
type Declarer interface {
	Declare() Declaration
}

// Configurable is implemented by actions that accept per-step
// configuration. Configure returns the configured action.
type Configurable interface {
	Configure(config map[string]any) (Action, error)
}
