package action

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"runtime/debug"
	"slices"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/haivivi/chunkflow/pkg/chunk"
	"github.com/haivivi/chunkflow/pkg/idgen"
	"github.com/haivivi/chunkflow/pkg/session"
	"github.com/haivivi/chunkflow/pkg/stream"
)

// Step is one action invocation.
type Step struct {
	// ID names the run. When empty the runner generates one.
	ID string `yaml:"id,omitempty" json:"id,omitempty"`

	// Action is the name looked up in the Mux.
	Action string `yaml:"action" json:"action"`

	// Config is passed to Configurable actions.
	Config map[string]any `yaml:"config,omitempty" json:"config,omitempty"`

	// Inputs maps input ports to the session channels they read.
	Inputs map[string]string `yaml:"inputs,omitempty" json:"inputs,omitempty"`

	// Outputs maps output ports to the session channels they write. Ports
	// declared by the action but missing here write to "<run id>/<port>".
	Outputs map[string]string `yaml:"outputs,omitempty" json:"outputs,omitempty"`
}

// Runner starts steps against a session store.
type Runner struct {
	store  session.Store
	mux    *Mux
	ids    idgen.Generator
	logger *slog.Logger
	sem    *semaphore.Weighted
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithMux sets the Mux actions are looked up in. Defaults to DefaultMux.
func WithMux(m *Mux) RunnerOption {
	return func(r *Runner) { r.mux = m }
}

// WithIDGenerator sets the generator for run ids.
func WithIDGenerator(g idgen.Generator) RunnerOption {
	return func(r *Runner) { r.ids = g }
}

// WithLogger sets the logger runs log to.
func WithLogger(l *slog.Logger) RunnerOption {
	return func(r *Runner) { r.logger = l }
}

// WithMaxConcurrent limits how many actions execute at once. Runs started
// beyond the limit wait for a slot. n <= 0 means no limit.
func WithMaxConcurrent(n int) RunnerOption {
	return func(r *Runner) {
		if n > 0 {
			r.sem = semaphore.NewWeighted(int64(n))
		} else {
			r.sem = nil
		}
	}
}

// NewRunner returns a Runner over store.
func NewRunner(store session.Store, opts ...RunnerOption) *Runner {
	r := &Runner{store: store}
	for _, o := range opts {
		o(r)
	}
	if r.mux == nil {
		r.mux = DefaultMux
	}
	r.ids = idgen.OrDefault(r.ids)
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// Run is a started step.
type Run struct {
	ID      string
	Name    string
	Pattern string

	outputs map[string]string
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
}

// Outputs returns a copy of the run's output ports and their channels.
func (r *Run) Outputs() map[string]string {
	return maps.Clone(r.outputs)
}

// Output returns the channel an output port writes to, or "" if the run has
// no such port.
func (r *Run) Output(port string) string {
	return r.outputs[port]
}

// Done is closed when the action has returned and its outputs are finished.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the run is done and returns the action's error.
func (r *Run) Wait() error {
	<-r.done
	return r.err
}

// Cancel cancels the run's context.
func (r *Run) Cancel() {
	r.cancel()
}

// Start resolves step, opens its inputs and runs the action in a new
// goroutine. Errors in the step itself are returned here; errors from the
// action are returned by Run.Wait and reported on every unfinished output.
func (r *Runner) Start(ctx context.Context, step Step) (*Run, error) {
	act, pattern, err := r.mux.Lookup(step.Action)
	if err != nil {
		return nil, err
	}
	if c, ok := act.(Configurable); ok {
		if act, err = c.Configure(step.Config); err != nil {
			return nil, fmt.Errorf("action: configure %s: %w", step.Action, err)
		}
	} else if len(step.Config) > 0 {
		return nil, fmt.Errorf("%w: %s takes no config", ErrWiring, step.Action)
	}

	id := step.ID
	if id == "" {
		id = r.ids.NewID()
	}
	outputs, err := wire(act, id, step)
	if err != nil {
		return nil, fmt.Errorf("action: %s: %w", step.Action, err)
	}

	in := make(Inputs, len(step.Inputs))
	closeInputs := func() {
		for _, s := range in {
			s.Close()
		}
	}
	for port, ch := range step.Inputs {
		src, err := r.store.Read(ctx, ch)
		if err != nil {
			closeInputs()
			return nil, fmt.Errorf("action: open input %s=%s: %w", port, ch, err)
		}
		in[port] = src.Iter()
	}
	// Outputs exist before the action runs, written to or not.
	out := make(Outputs, len(outputs))
	for port, ch := range outputs {
		if _, err := r.store.Read(ctx, ch); err != nil {
			closeInputs()
			return nil, fmt.Errorf("action: open output %s=%s: %w", port, ch, err)
		}
		out[port] = session.NewWriter(r.store, ch)
	}

	runCtx, cancel := context.WithCancel(ctx)
	run := &Run{
		ID:      id,
		Name:    step.Action,
		Pattern: pattern,
		outputs: outputs,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	env := &Env{
		RunID:   id,
		Name:    step.Action,
		Pattern: pattern,
		Session: r.store,
		Logger:  r.logger.With("run_id", id, "action", step.Action),
	}

	// Cancelling the run closes the inputs, which unblocks an action
	// waiting on one.
	stop := context.AfterFunc(runCtx, closeInputs)
	go func() {
		defer close(run.done)
		defer cancel()
		defer closeInputs()
		defer stop()
		run.err = r.execute(runCtx, act, env, in, out)
		finish(context.WithoutCancel(runCtx), env.Logger, out, run.err)
	}()
	return run, nil
}

func (r *Runner) execute(ctx context.Context, act Action, env *Env, in Inputs, out Outputs) (err error) {
	if r.sem != nil {
		if err := r.sem.Acquire(ctx, 1); err != nil {
			return err
		}
		defer r.sem.Release(1)
	}
	defer func() {
		if p := recover(); p != nil {
			env.Logger.Error("action: panic", "panic", p, "stack", string(debug.Stack()))
			err = fmt.Errorf("action: %s panicked: %v", env.Name, p)
		}
	}()
	env.Logger.Debug("action: start", "inputs", slices.Sorted(maps.Keys(in)), "outputs", slices.Sorted(maps.Keys(out)))
	err = act.Run(ctx, env, in, out)
	if err != nil {
		env.Logger.Warn("action: failed", "error", err)
	} else {
		env.Logger.Debug("action: done")
	}
	return err
}

// finish closes outputs the action left open, or fails them with err.
func finish(ctx context.Context, logger *slog.Logger, out Outputs, err error) {
	for port, w := range out {
		var ferr error
		if err != nil {
			ferr = w.Fail(ctx, err)
		} else {
			ferr = w.Close(ctx)
		}
		if ferr != nil && !errors.Is(ferr, session.ErrClosed) {
			logger.Warn("action: finish output", "port", port, "channel", w.Channel(), "error", ferr)
		}
	}
}

// wire checks the step against the action's declaration and returns the
// output port to channel mapping.
func wire(act Action, id string, step Step) (map[string]string, error) {
	outputs := maps.Clone(step.Outputs)
	if outputs == nil {
		outputs = make(map[string]string)
	}
	d, ok := act.(Declarer)
	if !ok {
		return outputs, nil
	}
	decl := d.Declare()

	for _, port := range decl.Inputs {
		if _, ok := step.Inputs[port]; !ok {
			return nil, fmt.Errorf("%w: missing input %q", ErrWiring, port)
		}
	}
	if !decl.AnyInputs {
		for port := range step.Inputs {
			if !slices.Contains(decl.Inputs, port) && !slices.Contains(decl.Optional, port) {
				return nil, fmt.Errorf("%w: unknown input %q", ErrWiring, port)
			}
		}
	}
	for port := range outputs {
		if !slices.Contains(decl.Outputs, port) {
			return nil, fmt.Errorf("%w: unknown output %q", ErrWiring, port)
		}
	}
	for _, port := range decl.Outputs {
		if _, ok := outputs[port]; !ok {
			outputs[port] = id + "/" + port
		}
	}
	return outputs, nil
}

// RunAll starts every step and waits for all of them. Steps may read each
// other's outputs regardless of order, since channels are created on first
// use. The first failing step cancels the rest; its error is returned.
func (r *Runner) RunAll(ctx context.Context, steps ...Step) ([]*Run, error) {
	runs, wait, err := r.StartAll(ctx, steps...)
	if err != nil {
		return nil, err
	}
	return runs, wait()
}

// StartAll is like RunAll but returns once every step has started. The
// returned function waits for the runs. If a step fails to start, the steps
// already started are cancelled and waited for.
func (r *Runner) StartAll(ctx context.Context, steps ...Step) ([]*Run, func() error, error) {
	g, gctx := errgroup.WithContext(ctx)
	runs := make([]*Run, 0, len(steps))
	for _, step := range steps {
		run, err := r.Start(gctx, step)
		if err != nil {
			for _, run := range runs {
				run.Cancel()
			}
			g.Wait()
			return nil, nil, err
		}
		runs = append(runs, run)
		g.Go(run.Wait)
	}
	return runs, g.Wait, nil
}

// Collect reads a channel to the end and returns its chunks.
func Collect(ctx context.Context, store session.Store, channel string) ([]*chunk.Chunk, error) {
	src, err := store.Read(ctx, channel)
	if err != nil {
		return nil, err
	}
	return stream.Collect(src.Iter())
}
