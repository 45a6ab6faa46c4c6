package commands

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/haivivi/chunkflow/pkg/action"
	"github.com/haivivi/chunkflow/pkg/cli"
)

var (
	actionsRemote bool
	actionsSchema bool
	actionsModels string
)

var actionsCmd = &cobra.Command{
	Use:   "actions",
	Short: "List the registered actions",
	Long: `List the registered actions with their ports.

Locally these are the built-in transforms plus the generators of the model
files; with --remote they are the server's. --schema also prints the JSON
schema of each action's config.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := newPrinter(cmd)
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		var decls map[string]action.Declaration
		if actionsRemote {
			c, err := getContext()
			if err != nil {
				return err
			}
			if err := newAPIClient(c).get(ctx, &decls, "actions"); err != nil {
				return err
			}
		} else {
			dir, explicit := resolveModelsDir(actionsModels)
			mux, err := buildMux(ctx, muxOptions{ModelsDir: dir, Explicit: explicit})
			if err != nil {
				return err
			}
			decls = mux.Declarations()
		}

		if p.Format != cli.FormatText {
			if !actionsSchema {
				for name, d := range decls {
					d.Config = nil
					decls[name] = d
				}
			}
			return p.Print(decls)
		}
		return printDeclarations(p, decls)
	},
}

func printDeclarations(p *cli.Printer, decls map[string]action.Declaration) error {
	styles := cli.NewStyles(cli.DefaultTheme)
	names := make([]string, 0, len(decls))
	for name := range decls {
		names = append(names, name)
	}
	slices.Sort(names)

	label := lipgloss.NewStyle().Width(10).Inherit(styles.Dim)
	for i, name := range names {
		d := decls[name]
		if i > 0 {
			fmt.Fprintln(p.Out)
		}
		fmt.Fprintln(p.Out, styles.Label.Render(name))
		if d.Description != "" {
			fmt.Fprintln(p.Out, "  "+d.Description)
		}
		inputs := strings.Join(d.Inputs, ", ")
		if len(d.Optional) > 0 {
			inputs = strings.TrimPrefix(inputs+", ["+strings.Join(d.Optional, ", ")+"]", ", ")
		}
		if d.AnyInputs {
			inputs = strings.TrimPrefix(inputs+", ...", ", ")
		}
		fmt.Fprintln(p.Out, "  "+label.Render("inputs")+inputs)
		fmt.Fprintln(p.Out, "  "+label.Render("outputs")+strings.Join(d.Outputs, ", "))
		if actionsSchema && d.Config != nil {
			data, err := json.MarshalIndent(d.Config, "  ", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(p.Out, "  "+label.Render("config")+string(data))
		}
	}
	return nil
}

func init() {
	actionsCmd.Flags().BoolVar(&actionsRemote, "remote", false, "list the actions of the context's server")
	actionsCmd.Flags().BoolVar(&actionsSchema, "schema", false, "print config schemas")
	actionsCmd.Flags().StringVar(&actionsModels, "models", "", "directory of model files (default ~/.chunkflow/chunkflow/models)")
	rootCmd.AddCommand(actionsCmd)
}
