package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/goccy/go-yaml"
)

// Format selects how Printer renders values.
type Format string

const (
	FormatText Format = "text"
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// ParseFormat accepts "", "text", "yaml" and "json". Empty means text.
func ParseFormat(s string) (Format, error) {
	switch f := Format(s); f {
	case "":
		return FormatText, nil
	case FormatText, FormatYAML, FormatJSON:
		return f, nil
	default:
		return "", fmt.Errorf("cli: unknown format %q (want text, yaml or json)", s)
	}
}

// Printer writes command results and status lines.
type Printer struct {
	Out     io.Writer
	Err     io.Writer
	Format  Format
	Verbose bool
}

// NewPrinter returns a text Printer on stdout and stderr.
func NewPrinter() *Printer {
	return &Printer{Out: os.Stdout, Err: os.Stderr, Format: FormatText}
}

// Print renders v. In text format, strings and byte slices are written as
// is, fmt.Stringers use String, and anything else falls back to YAML.
func (p *Printer) Print(v any) error {
	switch p.Format {
	case FormatJSON:
		enc := json.NewEncoder(p.Out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case FormatYAML:
		return p.yaml(v)
	}
	switch v := v.(type) {
	case string:
		_, err := fmt.Fprintln(p.Out, v)
		return err
	case []byte:
		_, err := p.Out.Write(v)
		return err
	case fmt.Stringer:
		_, err := fmt.Fprintln(p.Out, v.String())
		return err
	}
	return p.yaml(v)
}

func (p *Printer) yaml(v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("cli: encode output: %w", err)
	}
	_, err = p.Out.Write(data)
	return err
}

// Success prints a confirmation line to Out.
func (p *Printer) Success(format string, args ...any) {
	fmt.Fprintf(p.Out, "✓ "+format+"\n", args...)
}

// Warn prints to Err.
func (p *Printer) Warn(format string, args ...any) {
	fmt.Fprintf(p.Err, "⚠ "+format+"\n", args...)
}

// Debug prints to Err when Verbose is set.
func (p *Printer) Debug(format string, args ...any) {
	if p.Verbose {
		fmt.Fprintf(p.Err, "[verbose] "+format+"\n", args...)
	}
}

// WriteFile writes data to path, or to Out when path is "-".
func (p *Printer) WriteFile(path string, data []byte) error {
	if path == "-" {
		_, err := p.Out.Write(data)
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("cli: write %s: %w", path, err)
	}
	return nil
}
