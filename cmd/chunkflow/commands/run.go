package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/haivivi/chunkflow/pkg/action"
	"github.com/haivivi/chunkflow/pkg/action/loader"
	"github.com/haivivi/chunkflow/pkg/chunk"
	"github.com/haivivi/chunkflow/pkg/cli"
	"github.com/haivivi/chunkflow/pkg/server"
	"github.com/haivivi/chunkflow/pkg/session"
)

var (
	runPipeline      string
	runInputs        []string
	runRemote        bool
	runWait          bool
	runSession       string
	runModels        string
	runMedia         string
	runMaxConcurrent int
	runTimeout       time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a pipeline",
	Long: `Run a pipeline of actions.

Locally, the pipeline runs against a fresh in-memory session. Each --input
channel=text writes a closed text channel before the steps start, and the
output channels of every step are printed once all steps are done.

With --remote the pipeline is started on the server in the context's
session; --wait polls until the runs finish and prints their outputs.`,
	Example: `  chunkflow run -f pipeline.yaml --input prompt="tell me a joke"
  chunkflow run -f pipeline.yaml --remote --wait`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := newPrinter(cmd)
		if err != nil {
			return err
		}
		if runPipeline == "" {
			return fmt.Errorf("no pipeline given. Use -f")
		}
		data, err := readPipeline(runPipeline)
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		if runTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, runTimeout)
			defer cancel()
		}
		if runRemote {
			return runOnServer(ctx, p, data)
		}
		return runLocal(ctx, p, data)
	},
}

func readPipeline(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

// parseInputs groups --input values by channel, keeping their order.
func parseInputs(values []string) ([]string, map[string][]string, error) {
	var order []string
	inputs := make(map[string][]string)
	for _, v := range values {
		channel, text, ok := strings.Cut(v, "=")
		if !ok || channel == "" {
			return nil, nil, fmt.Errorf("invalid --input %q, want channel=text", v)
		}
		if _, seen := inputs[channel]; !seen {
			order = append(order, channel)
		}
		inputs[channel] = append(inputs[channel], text)
	}
	return order, inputs, nil
}

// channelOutput is one output channel of a finished run.
type channelOutput struct {
	Run     string         `json:"run" yaml:"run"`
	Port    string         `json:"port" yaml:"port"`
	Channel string         `json:"channel" yaml:"channel"`
	Text    string         `json:"text,omitempty" yaml:"text,omitempty"`
	Chunks  []*chunk.Chunk `json:"chunks,omitempty" yaml:"-"`
	Error   string         `json:"error,omitempty" yaml:"error,omitempty"`
}

func printOutputs(p *cli.Printer, outputs []channelOutput) error {
	if p.Format != cli.FormatText {
		return p.Print(outputs)
	}
	for _, o := range outputs {
		fmt.Fprintf(p.Out, "== %s.%s (%s) ==\n", o.Run, o.Port, o.Channel)
		if o.Text != "" {
			fmt.Fprintln(p.Out, o.Text)
		}
		for _, c := range o.Chunks {
			if !c.IsText() {
				fmt.Fprintln(p.Out, describe(c))
			}
		}
		if o.Error != "" {
			fmt.Fprintf(p.Out, "error: %s\n", o.Error)
		}
	}
	return nil
}

func newChannelOutput(run, port, channel string, chunks []*chunk.Chunk, err error) channelOutput {
	o := channelOutput{Run: run, Port: port, Channel: channel, Chunks: chunks}
	var sb strings.Builder
	for _, c := range chunks {
		if text, ok := c.Text(); ok {
			sb.WriteString(text)
		}
	}
	o.Text = sb.String()
	if err != nil {
		o.Error = err.Error()
	}
	return o
}

func runLocal(ctx context.Context, p *cli.Printer, data []byte) error {
	pl, err := loader.ParsePipeline(data)
	if err != nil {
		return err
	}
	order, inputs, err := parseInputs(runInputs)
	if err != nil {
		return err
	}
	dir, explicit := resolveModelsDir(runModels)
	mux, err := buildMux(ctx, muxOptions{ModelsDir: dir, Explicit: explicit, Media: resolveMedia(runMedia)})
	if err != nil {
		return err
	}

	sess := session.New()
	defer sess.Close()
	store := session.Chain(sess, session.Logging(slog.Default().With("session", sess.ID())))

	for _, channel := range order {
		w := session.NewWriter(store, channel)
		for _, text := range inputs[channel] {
			if err := w.Write(ctx, chunk.NewText(chunk.RoleUser, text)); err != nil {
				return err
			}
		}
		if err := w.Close(ctx); err != nil {
			return err
		}
	}

	runner := action.NewRunner(store,
		action.WithMux(mux),
		action.WithLogger(slog.Default()),
		action.WithMaxConcurrent(runMaxConcurrent),
	)
	p.Debug("running pipeline %q with %d step(s)", pl.Name, len(pl.Steps))
	runs, err := pl.Run(ctx, runner)
	if err != nil {
		return err
	}

	var outputs []channelOutput
	for _, run := range runs {
		ports := run.Outputs()
		names := make([]string, 0, len(ports))
		for port := range ports {
			names = append(names, port)
		}
		slices.Sort(names)
		for _, port := range names {
			chunks, err := action.Collect(ctx, store, ports[port])
			outputs = append(outputs, newChannelOutput(run.ID, port, ports[port], chunks, err))
		}
	}
	return printOutputs(p, outputs)
}

func runOnServer(ctx context.Context, p *cli.Printer, data []byte) error {
	if len(runInputs) > 0 {
		return fmt.Errorf("--input is not supported with --remote; use 'chunkflow send'")
	}
	c, err := getContext()
	if err != nil {
		return err
	}
	id, err := sessionFlag(c, runSession)
	if err != nil {
		return err
	}
	api := newAPIClient(c)
	var started struct {
		Runs []server.RunView `json:"runs"`
	}
	if err := api.do(ctx, http.MethodPost, data, &started, "sessions", id, "runs"); err != nil {
		return err
	}
	if !runWait {
		return printRuns(p, started.Runs)
	}

	ids := make(map[string]bool, len(started.Runs))
	for _, r := range started.Runs {
		ids[r.ID] = true
	}
	var runs []server.RunView
	for {
		var resp struct {
			Runs []server.RunView `json:"runs"`
		}
		if err := api.get(ctx, &resp, "sessions", id, "runs"); err != nil {
			return err
		}
		runs = runs[:0]
		pending := 0
		for _, r := range resp.Runs {
			if !ids[r.ID] {
				continue
			}
			runs = append(runs, r)
			if r.State == server.RunRunning {
				pending++
			}
		}
		if pending == 0 {
			break
		}
		p.Debug("%d run(s) still running", pending)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}

	var outputs []channelOutput
	for _, r := range runs {
		ports := make([]string, 0, len(r.Outputs))
		for port := range r.Outputs {
			ports = append(ports, port)
		}
		slices.Sort(ports)
		for _, port := range ports {
			var snap struct {
				Chunks []*chunk.Chunk `json:"chunks"`
			}
			err := api.get(ctx, &snap, "sessions", id, "channels", r.Outputs[port])
			o := newChannelOutput(r.ID, port, r.Outputs[port], snap.Chunks, err)
			if o.Error == "" && r.Error != "" {
				o.Error = r.Error
			}
			outputs = append(outputs, o)
		}
	}
	return printOutputs(p, outputs)
}

func printRuns(p *cli.Printer, runs []server.RunView) error {
	if p.Format != cli.FormatText {
		return p.Print(runs)
	}
	fmt.Fprintf(p.Out, "%-16s %-24s %-8s %s\n", "RUN", "ACTION", "STATE", "OUTPUTS")
	for _, r := range runs {
		var outs []string
		for port, channel := range r.Outputs {
			outs = append(outs, port+"="+channel)
		}
		slices.Sort(outs)
		fmt.Fprintf(p.Out, "%-16s %-24s %-8s %s\n", r.ID, r.Action, r.State, strings.Join(outs, ","))
		if r.Error != "" {
			fmt.Fprintf(p.Out, "  error: %s\n", r.Error)
		}
	}
	return nil
}

func init() {
	runCmd.Flags().StringVarP(&runPipeline, "file", "f", "", "pipeline file (YAML or JSON, - for stdin)")
	runCmd.Flags().StringArrayVarP(&runInputs, "input", "i", nil, "input text as channel=text (repeatable)")
	runCmd.Flags().BoolVar(&runRemote, "remote", false, "run on the server of the context")
	runCmd.Flags().BoolVar(&runWait, "wait", false, "with --remote, wait for the runs and print their outputs")
	runCmd.Flags().StringVarP(&runSession, "session", "s", "", "session id for --remote (default from context)")
	runCmd.Flags().StringVar(&runModels, "models", "", "directory of model files (default ~/.chunkflow/chunkflow/models)")
	runCmd.Flags().StringVar(&runMedia, "media", "", "store for media:// refs: a directory, file:// or s3:// URL")
	runCmd.Flags().IntVar(&runMaxConcurrent, "max-concurrent", 0, "actions executing at once (0 = unlimited)")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "cancel the pipeline after this long")
	rootCmd.AddCommand(runCmd)
}
