// Package chunk defines Chunk, the unit of content carried by streams.
//
// A Chunk holds one Part (inline text, inline bytes, or a reference to data
// stored elsewhere) together with metadata: the role that produced it, a
// content type, an optional capture timestamp, the originating filename and
// free-form extension fields. Chunks carry no ordering information; ordering
// is the job of the stream or session channel that transports them.
//
// Chunks must not be mutated after they are written to a stream. Use Clone to
// derive a modified copy.
package chunk

import (
	"maps"
	"slices"
	"time"

	"github.com/haivivi/chunkflow/pkg/mimetype"
)

const (
	RoleUser   Role = "user"
	RoleModel  Role = "model"
	RoleTool   Role = "tool"
	RoleSystem Role = "system"
)

var (
	_ Part = Text("")
	_ Part = (*Blob)(nil)
	_ Part = (*Ref)(nil)
)

// Role identifies who produced a chunk.
type Role string

func (r Role) String() string {
	return string(r)
}

// Part is the payload of a chunk: Text, *Blob or *Ref.
type Part interface {
	isPart()
	clone() Part
}

// Text is inline textual content.
type Text string

func (Text) isPart() {}

func (t Text) clone() Part { return t }

// Blob is inline binary content.
type Blob struct {
	Data []byte
}

func (*Blob) isPart() {}

func (b *Blob) clone() Part {
	return &Blob{Data: slices.Clone(b.Data)}
}

// Ref points at content held in external storage. URI has the form
// scheme://path and is resolved with a Resolver.
type Ref struct {
	URI string
}

func (*Ref) isPart() {}

func (r *Ref) clone() Part {
	return &Ref{URI: r.URI}
}

// Chunk is an immutable unit of streamed content.
type Chunk struct {
	Role     Role
	Name     string
	MIMEType string
	Part     Part

	// Timestamp is when the content was captured. Zero means unknown.
	Timestamp time.Time
	Filename  string
	Ext       map[string]any
}

// NewText returns a text chunk.
func NewText(role Role, s string) *Chunk {
	return &Chunk{Role: role, MIMEType: mimetype.TextPlain, Part: Text(s)}
}

// NewBlob returns a chunk carrying data of the given content type.
func NewBlob(role Role, mimeType string, data []byte) *Chunk {
	return &Chunk{Role: role, MIMEType: mimeType, Part: &Blob{Data: data}}
}

// NewRef returns a chunk referring to external content.
func NewRef(role Role, mimeType, uri string) *Chunk {
	return &Chunk{Role: role, MIMEType: mimeType, Part: &Ref{URI: uri}}
}

// Clone returns a deep copy of c.
func (c *Chunk) Clone() *Chunk {
	cp := *c
	if c.Part != nil {
		cp.Part = c.Part.clone()
	}
	cp.Ext = maps.Clone(c.Ext)
	return &cp
}

// Text returns the text payload and whether the chunk carries text.
func (c *Chunk) Text() (string, bool) {
	t, ok := c.Part.(Text)
	return string(t), ok
}

// ContentType returns the chunk's media type. When MIMEType is empty a
// default is derived from the part kind.
func (c *Chunk) ContentType() string {
	if c.MIMEType != "" {
		return c.MIMEType
	}
	switch c.Part.(type) {
	case Text:
		return mimetype.TextPlain
	default:
		return mimetype.OctetStream
	}
}

// MediaType parses ContentType.
func (c *Chunk) MediaType() (mimetype.Type, error) {
	return mimetype.Parse(c.ContentType())
}

// IsText reports whether the chunk carries inline text.
func (c *Chunk) IsText() bool {
	_, ok := c.Part.(Text)
	return ok
}
