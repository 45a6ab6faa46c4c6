package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/haivivi/chunkflow/pkg/chunk"
	"github.com/haivivi/chunkflow/pkg/cli"
	"github.com/haivivi/chunkflow/pkg/kv"
	"github.com/haivivi/chunkflow/pkg/session"
)

var (
	inspectRecords bool
	inspectArchive string
	inspectWidth   int
	inspectLines   int
)

var inspectCmd = &cobra.Command{
	Use:   "inspect [session]",
	Short: "Show the channels or archived records of a session",
	Long: `Show the channels of a live session with the chunks written so far.

Without a session argument the context's session is shown, and without
that the live sessions are listed. --records lists the session's archived
envelopes from the server; --archive reads them from a local badger
directory instead, and lists every session when none is given.`,
	Example: `  chunkflow inspect demo
  chunkflow inspect demo --records
  chunkflow inspect --archive ./records --format yaml`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := newPrinter(cmd)
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		var id string
		if len(args) == 1 {
			id = args[0]
		}
		if inspectArchive != "" {
			return inspectLocalArchive(ctx, p, inspectArchive, id)
		}

		c, err := getContext()
		if err != nil {
			return err
		}
		if id == "" {
			id = c.Session
		}
		api := newAPIClient(c)
		if id == "" {
			var resp struct {
				Sessions []string `json:"sessions"`
			}
			if err := api.get(ctx, &resp, "sessions"); err != nil {
				return err
			}
			if p.Format != cli.FormatText {
				return p.Print(resp.Sessions)
			}
			for _, s := range resp.Sessions {
				fmt.Fprintln(p.Out, s)
			}
			return nil
		}

		if inspectRecords {
			var resp struct {
				Records []session.Record `json:"records"`
			}
			if err := api.get(ctx, &resp, "sessions", id, "records"); err != nil {
				return err
			}
			return printRecords(p, resp.Records)
		}

		var resp struct {
			Channels []session.ChannelInfo `json:"channels"`
		}
		if err := api.get(ctx, &resp, "sessions", id, "channels"); err != nil {
			return err
		}
		if p.Format != cli.FormatText {
			return p.Print(resp.Channels)
		}
		frame := cli.Frame{
			Styles:   cli.NewStyles(cli.DefaultTheme),
			Title:    "session " + id,
			Status:   fmt.Sprintf("%d channels", len(resp.Channels)),
			MaxLines: inspectLines,
		}
		for _, info := range resp.Channels {
			var snap struct {
				Chunks []*chunk.Chunk `json:"chunks"`
			}
			if err := api.get(ctx, &snap, "sessions", id, "channels", info.Name); err != nil {
				return err
			}
			frame.Sections = append(frame.Sections, cli.Section{
				Label: info.Name,
				Note:  channelNote(info),
				Lines: chunkLines(snap.Chunks),
			})
		}
		fmt.Fprintln(p.Out, frame.Render(inspectWidth))
		return nil
	},
}

func channelNote(info session.ChannelInfo) string {
	state := "open"
	switch {
	case info.Error != "":
		state = "failed: " + info.Error
	case info.Closed:
		state = "closed"
	}
	return fmt.Sprintf("%s, %d chunks, %d readers", state, info.Chunks, info.Readers)
}

// chunkLines renders chunks as display lines. Consecutive text chunks are
// joined before splitting on newlines.
func chunkLines(chunks []*chunk.Chunk) []string {
	var lines []string
	var text strings.Builder
	flush := func() {
		if text.Len() == 0 {
			return
		}
		lines = append(lines, strings.Split(strings.TrimRight(text.String(), "\n"), "\n")...)
		text.Reset()
	}
	for _, c := range chunks {
		if s, ok := c.Text(); ok {
			text.WriteString(s)
			continue
		}
		flush()
		lines = append(lines, describe(c))
	}
	flush()
	return lines
}

func printRecords(p *cli.Printer, records []session.Record) error {
	if p.Format != cli.FormatText {
		return p.Print(records)
	}
	if len(records) == 0 {
		fmt.Fprintln(p.Out, "No records.")
		return nil
	}
	fmt.Fprintf(p.Out, "%-24s %-16s %-20s %5s  %s\n", "TIME", "SESSION", "CHANNEL", "SEQ", "PAYLOAD")
	for _, r := range records {
		seq := fmt.Sprint(r.Seq)
		payload := ""
		switch {
		case r.Error != "":
			seq = "-"
			payload = "error: " + r.Error
		case r.Payload == nil:
			payload = "(close)"
		default:
			payload = describe(r.Payload)
			if len(payload) > 60 {
				payload = payload[:57] + "..."
			}
		}
		if !r.Continued && r.Error == "" && r.Payload != nil {
			payload += " (last)"
		}
		fmt.Fprintf(p.Out, "%-24s %-16s %-20s %5s  %s\n",
			r.At.Format("2006-01-02T15:04:05.000"), r.Session, r.Channel, seq, payload)
	}
	return nil
}

func inspectLocalArchive(ctx context.Context, p *cli.Printer, dir, id string) error {
	db, err := kv.NewBadger(kv.BadgerOptions{Dir: dir})
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer db.Close()
	var records []session.Record
	for r, err := range session.Records(ctx, db, id) {
		if err != nil {
			return err
		}
		records = append(records, r)
	}
	return printRecords(p, records)
}

func init() {
	inspectCmd.Flags().BoolVar(&inspectRecords, "records", false, "list archived records instead of live channels")
	inspectCmd.Flags().StringVar(&inspectArchive, "archive", "", "read records from a local badger directory")
	inspectCmd.Flags().IntVar(&inspectWidth, "width", 80, "frame width in columns")
	inspectCmd.Flags().IntVar(&inspectLines, "lines", 10, "last lines shown per channel (0 = all)")
	rootCmd.AddCommand(inspectCmd)
}
