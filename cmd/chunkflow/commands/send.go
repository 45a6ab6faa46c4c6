package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/haivivi/chunkflow/pkg/chunk"
	"github.com/haivivi/chunkflow/pkg/cli"
	"github.com/haivivi/chunkflow/pkg/mimetype"
	"github.com/haivivi/chunkflow/pkg/session"
)

var (
	sendSession   string
	sendTexts     []string
	sendFile      string
	sendRef       string
	sendMIME      string
	sendRole      string
	sendChunkSize int
	sendRequest   string
	sendKeepOpen  bool
	sendAppend    bool
)

// sendFileRequest is the request file of 'chunkflow send -f'.
//
//	channel: prompt
//	chunks:
//	  - text: describe this picture
//	  - file: cat.png
//	  - uri: media://clips/a.wav
//	    mime_type: audio/wav
type sendFileRequest struct {
	Channel string      `json:"channel" yaml:"channel"`
	Chunks  []chunkEntry `json:"chunks" yaml:"chunks"`
}

type chunkEntry struct {
	Role     string `json:"role,omitempty" yaml:"role,omitempty"`
	Name     string `json:"name,omitempty" yaml:"name,omitempty"`
	Text     string `json:"text,omitempty" yaml:"text,omitempty"`
	File     string `json:"file,omitempty" yaml:"file,omitempty"`
	URI      string `json:"uri,omitempty" yaml:"uri,omitempty"`
	MIMEType string `json:"mime_type,omitempty" yaml:"mime_type,omitempty"`
}

var sendCmd = &cobra.Command{
	Use:   "send [channel]",
	Short: "Write chunks to a session channel",
	Long: `Write chunks to a session channel.

Chunks come from --text (one chunk each), --file (split into --chunk-size
blobs), --ref (a reference to stored media) or a request file (-f). The
channel is closed after the last chunk unless --keep-open is given; --append
continues a channel left open by an earlier send.`,
	Example: `  chunkflow send prompt --text "hello" --text " world"
  chunkflow send audio --file speech.pcm --mime "audio/L16; rate=16000" --chunk-size 3200
  chunkflow send -f request.yaml`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := getContext()
		if err != nil {
			return err
		}
		p, err := newPrinter(cmd)
		if err != nil {
			return err
		}
		id, err := sessionFlag(c, sendSession)
		if err != nil {
			return err
		}

		var req sendFileRequest
		if sendRequest != "" {
			if err := cli.LoadRequest(sendRequest, &req); err != nil {
				return err
			}
		}
		if len(args) == 1 {
			req.Channel = args[0]
		}
		if req.Channel == "" {
			return errors.New("no channel given")
		}
		chunks, err := buildChunks(req.Chunks, filepath.Dir(sendRequest))
		if err != nil {
			return err
		}
		more, err := flagChunks()
		if err != nil {
			return err
		}
		chunks = append(chunks, more...)
		if len(chunks) == 0 && sendKeepOpen {
			return errors.New("nothing to send")
		}

		ctx := cmd.Context()
		next := int64(0)
		if sendAppend {
			if next, err = nextSeq(ctx, c, id, req.Channel); err != nil {
				return err
			}
		}

		conn, err := dialSession(ctx, c, id)
		if err != nil {
			return err
		}
		defer conn.Close()

		w := session.ResumeWriter(conn, req.Channel, next)
		for _, ch := range chunks {
			if err := w.Write(ctx, ch); err != nil {
				return err
			}
			p.Debug("sent %s chunk on %s", ch.ContentType(), req.Channel)
		}
		if !sendKeepOpen {
			if err := w.Close(ctx); err != nil {
				return err
			}
		}
		p.Success("Sent %d chunk(s) to %s/%s", len(chunks), id, req.Channel)
		return nil
	},
}

// nextSeq returns the sequence number following the last envelope of
// channel, or 0 if the channel does not exist yet.
func nextSeq(ctx context.Context, c *cli.Context, id, channel string) (int64, error) {
	var resp struct {
		Channels []session.ChannelInfo `json:"channels"`
	}
	err := newAPIClient(c).get(ctx, &resp, "sessions", id, "channels")
	if isNotFound(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	for _, info := range resp.Channels {
		if info.Name != channel {
			continue
		}
		if info.Closed {
			return 0, fmt.Errorf("channel %s is closed", channel)
		}
		return info.LastSeq + 1, nil
	}
	return 0, nil
}

func role() chunk.Role {
	if sendRole == "" {
		return chunk.RoleUser
	}
	return chunk.Role(sendRole)
}

// contentType validates explicit, or guesses the type of path from its
// extension.
func contentType(explicit, path string) (string, error) {
	if explicit != "" {
		t, err := mimetype.Parse(explicit)
		if err != nil {
			return "", err
		}
		return t.String(), nil
	}
	if t := mime.TypeByExtension(filepath.Ext(path)); t != "" {
		return t, nil
	}
	return "application/octet-stream", nil
}

func flagChunks() ([]*chunk.Chunk, error) {
	var chunks []*chunk.Chunk
	for _, s := range sendTexts {
		chunks = append(chunks, chunk.NewText(role(), s))
	}
	if sendFile != "" {
		mt, err := contentType(sendMIME, sendFile)
		if err != nil {
			return nil, err
		}
		blobs, err := fileChunks(sendFile, mt, sendChunkSize)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, blobs...)
	}
	if sendRef != "" {
		mt, err := contentType(sendMIME, sendRef)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, chunk.NewRef(role(), mt, sendRef))
	}
	return chunks, nil
}

func buildChunks(entries []chunkEntry, dir string) ([]*chunk.Chunk, error) {
	var chunks []*chunk.Chunk
	for i, s := range entries {
		r := chunk.Role(s.Role)
		if r == "" {
			r = role()
		}
		var c *chunk.Chunk
		switch {
		case s.Text != "":
			c = chunk.NewText(r, s.Text)
		case s.URI != "":
			mt, err := contentType(s.MIMEType, s.URI)
			if err != nil {
				return nil, fmt.Errorf("chunk %d: %w", i, err)
			}
			c = chunk.NewRef(r, mt, s.URI)
		case s.File != "":
			path := s.File
			if !filepath.IsAbs(path) && dir != "" {
				path = filepath.Join(dir, path)
			}
			mt, err := contentType(s.MIMEType, path)
			if err != nil {
				return nil, fmt.Errorf("chunk %d: %w", i, err)
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("chunk %d: %w", i, err)
			}
			c = chunk.NewBlob(r, mt, data)
			c.Filename = filepath.Base(path)
		default:
			return nil, fmt.Errorf("chunk %d: one of text, uri or file is required", i)
		}
		c.Name = s.Name
		chunks = append(chunks, c)
	}
	return chunks, nil
}

// fileChunks splits a file, or stdin for "-", into blobs of size bytes.
func fileChunks(path, mimeType string, size int) ([]*chunk.Chunk, error) {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	if size <= 0 {
		size = 32 << 10
	}
	var chunks []*chunk.Chunk
	buf := make([]byte, size)
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			chunks = append(chunks, chunk.NewBlob(role(), mimeType, append([]byte(nil), buf[:n]...)))
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return chunks, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

func init() {
	sendCmd.Flags().StringVarP(&sendSession, "session", "s", "", "session id (default from context)")
	sendCmd.Flags().StringArrayVarP(&sendTexts, "text", "t", nil, "text chunk (repeatable)")
	sendCmd.Flags().StringVar(&sendFile, "file", "", "file to send as blob chunks (- for stdin)")
	sendCmd.Flags().StringVar(&sendRef, "ref", "", "URI to send as a reference chunk")
	sendCmd.Flags().StringVar(&sendMIME, "mime", "", "MIME type of --file or --ref (default from extension)")
	sendCmd.Flags().StringVar(&sendRole, "role", "user", "role of the chunks")
	sendCmd.Flags().IntVar(&sendChunkSize, "chunk-size", 32<<10, "blob size in bytes for --file")
	sendCmd.Flags().StringVarP(&sendRequest, "request", "f", "", "request file (YAML or JSON)")
	sendCmd.Flags().BoolVar(&sendKeepOpen, "keep-open", false, "leave the channel open")
	sendCmd.Flags().BoolVar(&sendAppend, "append", false, "continue a channel left open")
	rootCmd.AddCommand(sendCmd)
}
