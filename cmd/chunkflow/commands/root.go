package commands

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/haivivi/chunkflow/pkg/cli"
	"github.com/haivivi/chunkflow/pkg/session/wire"
)

const appName = "chunkflow"

var (
	// Global flags
	cfgFile      string
	contextName  string
	formatOutput string
	verbose      bool
)

var rootCmd = &cobra.Command{
	Use:   "chunkflow",
	Short: "Chunk stream sessions and actions",
	Long: `chunkflow - serve and drive chunk stream sessions.

A session holds named channels of chunks (text, audio, image or references
to stored media). Actions read channels, write channels, and are composed
into pipelines.

Configuration is stored in ~/.chunkflow/chunkflow/ and supports multiple
contexts, each pointing at one server.

Examples:
  # Start a server with models and an archive
  chunkflow serve --addr :8080 --models ./models --archive ./records

  # Point the CLI at it
  chunkflow config add-context local --server http://localhost:8080 --session demo

  # Write a prompt and run a pipeline on the server
  chunkflow send prompt --text "tell me a joke"
  chunkflow run -f pipeline.yaml --remote

  # Follow the output
  chunkflow read joke/out`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelWarn
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})))
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ~/.chunkflow/chunkflow/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&contextName, "context", "c", "", "context name to use")
	rootCmd.PersistentFlags().StringVar(&formatOutput, "format", "text", "output format: text, yaml or json")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}

// getConfig loads the configuration. It is called by the commands that need
// it, so the others work without a home directory.
func getConfig() (*cli.Config, error) {
	cfg, err := cli.LoadConfigWithPath(appName, cfgFile)
	if err != nil {
		return nil, fmt.Errorf("config not available: %w", err)
	}
	return cfg, nil
}

// getContext returns the context selected by -c or the current one.
func getContext() (*cli.Context, error) {
	cfg, err := getConfig()
	if err != nil {
		return nil, err
	}
	ctx, err := cfg.ResolveContext(contextName)
	if err != nil {
		if contextName == "" {
			return nil, fmt.Errorf("no context specified. Use -c flag or set a default context with 'chunkflow config use-context'")
		}
		return nil, err
	}
	return ctx, nil
}

func newPrinter(cmd *cobra.Command) (*cli.Printer, error) {
	format, err := cli.ParseFormat(formatOutput)
	if err != nil {
		return nil, err
	}
	return &cli.Printer{
		Out:     cmd.OutOrStdout(),
		Err:     cmd.ErrOrStderr(),
		Format:  format,
		Verbose: verbose,
	}, nil
}

// sessionFlag resolves the session of a command: the flag value, or the
// session of the context.
func sessionFlag(c *cli.Context, flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	if c.Session == "" {
		return "", fmt.Errorf("no session given. Use --session or set one on context %q", c.Name)
	}
	return c.Session, nil
}

// dialSession opens the WebSocket transport of session id.
func dialSession(ctx context.Context, c *cli.Context, id string) (*wire.Conn, error) {
	url, err := c.SessionURL(id)
	if err != nil {
		return nil, err
	}
	opts := []wire.DialOption{
		wire.WithHandshakeTimeout(c.TimeoutDuration(10 * time.Second)),
		wire.WithLogger(slog.Default()),
	}
	switch c.Codec {
	case "", "json":
	case "msgpack":
		opts = append(opts, wire.WithCodec(wire.Msgpack))
	default:
		return nil, fmt.Errorf("unknown codec %q", c.Codec)
	}
	if c.Token != "" {
		opts = append(opts, wire.WithHeader(bearer(c.Token)))
	}
	slog.Debug("dialing session", "url", url, "codec", c.Codec)
	return wire.Dial(ctx, url, opts...)
}
