package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/haivivi/chunkflow/pkg/cli"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage contexts",
	Long: `Manage contexts.

A context names a server and the defaults used against it: session, codec,
token and timeout. Contexts are stored in ~/.chunkflow/chunkflow/config.yaml.`,
}

var (
	ctxServer    string
	ctxSession   string
	ctxCodec     string
	ctxToken     string
	ctxTimeout   int
	ctxModelsDir string
)

var addContextCmd = &cobra.Command{
	Use:   "add-context <name>",
	Short: "Add or replace a context",
	Args:  cobra.ExactArgs(1),
	Example: `  chunkflow config add-context local --server http://localhost:8080 --session demo
  chunkflow config add-context prod --server https://flow.example.com --codec msgpack --token $TOKEN`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := getConfig()
		if err != nil {
			return err
		}
		p, err := newPrinter(cmd)
		if err != nil {
			return err
		}
		switch ctxCodec {
		case "", "json", "msgpack":
		default:
			return fmt.Errorf("unknown codec %q, want json or msgpack", ctxCodec)
		}
		err = cfg.SetContext(args[0], &cli.Context{
			Server:    ctxServer,
			Session:   ctxSession,
			Codec:     ctxCodec,
			Token:     ctxToken,
			Timeout:   ctxTimeout,
			ModelsDir: ctxModelsDir,
		})
		if err != nil {
			return err
		}
		p.Success("Context %q saved to %s", args[0], cfg.Path())
		return nil
	},
}

var useContextCmd = &cobra.Command{
	Use:   "use-context <name>",
	Short: "Set the current context",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := getConfig()
		if err != nil {
			return err
		}
		p, err := newPrinter(cmd)
		if err != nil {
			return err
		}
		if err := cfg.UseContext(args[0]); err != nil {
			return err
		}
		p.Success("Switched to context %q", args[0])
		return nil
	},
}

var deleteContextCmd = &cobra.Command{
	Use:   "delete-context <name>",
	Short: "Delete a context",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := getConfig()
		if err != nil {
			return err
		}
		p, err := newPrinter(cmd)
		if err != nil {
			return err
		}
		if err := cfg.DeleteContext(args[0]); err != nil {
			return err
		}
		p.Success("Context %q deleted", args[0])
		return nil
	},
}

type contextRow struct {
	Name    string `json:"name" yaml:"name"`
	Current bool   `json:"current" yaml:"current"`
	Server  string `json:"server" yaml:"server"`
	Session string `json:"session,omitempty" yaml:"session,omitempty"`
}

var getContextsCmd = &cobra.Command{
	Use:   "get-contexts",
	Short: "List contexts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := getConfig()
		if err != nil {
			return err
		}
		p, err := newPrinter(cmd)
		if err != nil {
			return err
		}
		names := cfg.ContextNames()
		if p.Format != cli.FormatText {
			rows := make([]contextRow, 0, len(names))
			for _, name := range names {
				c := cfg.Contexts[name]
				rows = append(rows, contextRow{Name: name, Current: name == cfg.CurrentContext, Server: c.Server, Session: c.Session})
			}
			return p.Print(rows)
		}
		if len(names) == 0 {
			fmt.Fprintln(p.Out, "No contexts. Add one with 'chunkflow config add-context'.")
			return nil
		}
		fmt.Fprintf(p.Out, "%-2s %-16s %-32s %s\n", "", "NAME", "SERVER", "SESSION")
		for _, name := range names {
			c := cfg.Contexts[name]
			mark := ""
			if name == cfg.CurrentContext {
				mark = "*"
			}
			fmt.Fprintf(p.Out, "%-2s %-16s %-32s %s\n", mark, name, c.Server, c.Session)
		}
		return nil
	},
}

var viewCmd = &cobra.Command{
	Use:   "view [name]",
	Short: "Show a context with its token masked",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			contextName = args[0]
		}
		c, err := getContext()
		if err != nil {
			return err
		}
		p, err := newPrinter(cmd)
		if err != nil {
			return err
		}
		masked := *c
		if masked.Token != "" {
			masked.Token = cli.MaskToken(masked.Token)
		}
		return p.Print(&masked)
	},
}

func init() {
	addContextCmd.Flags().StringVar(&ctxServer, "server", "", "server base URL (required)")
	addContextCmd.Flags().StringVar(&ctxSession, "session", "", "default session id")
	addContextCmd.Flags().StringVar(&ctxCodec, "codec", "", "transport codec: json or msgpack")
	addContextCmd.Flags().StringVar(&ctxToken, "token", "", "bearer token")
	addContextCmd.Flags().IntVar(&ctxTimeout, "timeout", 0, "request timeout in seconds")
	addContextCmd.Flags().StringVar(&ctxModelsDir, "models-dir", "", "model files for local runs")
	addContextCmd.MarkFlagRequired("server")

	configCmd.AddCommand(addContextCmd)
	configCmd.AddCommand(useContextCmd)
	configCmd.AddCommand(deleteContextCmd)
	configCmd.AddCommand(getContextsCmd)
	configCmd.AddCommand(viewCmd)
	rootCmd.AddCommand(configCmd)
}
