package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/haivivi/chunkflow/pkg/chunk"
	"github.com/haivivi/chunkflow/pkg/cli"
	"github.com/haivivi/chunkflow/pkg/stream"
)

var (
	readSession string
	readBlobs   string
)

var readCmd = &cobra.Command{
	Use:   "read <channel>...",
	Short: "Stream session channels",
	Long: `Stream session channels from the first chunk until they end.

Text is printed as it arrives; other chunks are summarized, and with
--blobs their data is appended to a file. Several channels are merged in
arrival order. With --format json every chunk is printed as one JSON line.`,
	Example: `  chunkflow read joke/out
  chunkflow read tts/audio --blobs out.pcm
  chunkflow read a/out b/out --format json`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := getContext()
		if err != nil {
			return err
		}
		p, err := newPrinter(cmd)
		if err != nil {
			return err
		}
		id, err := sessionFlag(c, readSession)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		conn, err := dialSession(ctx, c, id)
		if err != nil {
			return err
		}
		defer conn.Close()

		sources := make([]stream.Source[*chunk.Chunk], 0, len(args))
		for _, channel := range args {
			src, err := conn.Read(ctx, channel)
			if err != nil {
				return err
			}
			sources = append(sources, stream.FromIterable(src))
		}
		it := stream.Merge(sources...)
		defer it.Close()
		go func() {
			<-ctx.Done()
			it.Close()
		}()

		var blobs io.Writer
		if readBlobs != "" {
			f, err := os.Create(readBlobs)
			if err != nil {
				return err
			}
			defer f.Close()
			blobs = f
		}
		return printStream(p, it, blobs)
	},
}

// printStream writes every chunk of it to p until it ends.
func printStream(p *cli.Printer, it stream.Stream, blobs io.Writer) error {
	var enc *json.Encoder
	if p.Format == cli.FormatJSON {
		enc = json.NewEncoder(p.Out)
	}
	midLine := false
	for c, err := range stream.All(it) {
		if err != nil {
			if midLine {
				fmt.Fprintln(p.Out)
			}
			return err
		}
		if b, ok := c.Part.(*chunk.Blob); ok && blobs != nil {
			if _, err := blobs.Write(b.Data); err != nil {
				return err
			}
		}
		if enc != nil {
			if err := enc.Encode(c); err != nil {
				return err
			}
			continue
		}
		if text, ok := c.Text(); ok {
			fmt.Fprint(p.Out, text)
			midLine = text != "" && text[len(text)-1] != '\n'
			continue
		}
		if midLine {
			fmt.Fprintln(p.Out)
			midLine = false
		}
		fmt.Fprintln(p.Out, describe(c))
	}
	if midLine {
		fmt.Fprintln(p.Out)
	}
	return nil
}

// describe summarizes a non-text chunk on one line.
func describe(c *chunk.Chunk) string {
	switch part := c.Part.(type) {
	case *chunk.Blob:
		return fmt.Sprintf("[%s %s %s]", c.Role, c.ContentType(), cli.FormatBytes(int64(len(part.Data))))
	case *chunk.Ref:
		return fmt.Sprintf("[%s %s %s]", c.Role, c.ContentType(), part.URI)
	case nil:
		return fmt.Sprintf("[%s empty]", c.Role)
	}
	text, _ := c.Text()
	return text
}

func init() {
	readCmd.Flags().StringVarP(&readSession, "session", "s", "", "session id (default from context)")
	readCmd.Flags().StringVar(&readBlobs, "blobs", "", "append blob data to this file")
	rootCmd.AddCommand(readCmd)
}

