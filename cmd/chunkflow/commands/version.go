package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/haivivi/chunkflow/cmd/chunkflow/internal/build"
	"github.com/haivivi/chunkflow/pkg/cli"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := newPrinter(cmd)
		if err != nil {
			return err
		}
		if p.Format != cli.FormatText {
			return p.Print(build.Get())
		}
		fmt.Fprintln(p.Out, build.String())
		if verbose {
			info := build.Get()
			fmt.Fprintf(p.Out, "  go:     %s\n", info.Go)
			if cfg, err := getConfig(); err == nil {
				fmt.Fprintf(p.Out, "  config: %s\n", cfg.Path())
			} else {
				fmt.Fprintf(p.Out, "  config: (unavailable: %v)\n", err)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
