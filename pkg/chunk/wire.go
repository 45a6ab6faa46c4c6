package chunk

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// ErrNoPart is returned when decoding a chunk without content.
var ErrNoPart = errors.New("chunk: no part")

const (
	kindText = "text"
	kindBlob = "blob"
	kindRef  = "ref"
)

// wireChunk is the encoded form shared by JSON and msgpack. In JSON, Data is
// standard base64; in msgpack it is a raw bin value. Timestamp is Unix
// milliseconds.
type wireChunk struct {
	Kind      string         `json:"kind" msgpack:"kind"`
	Role      Role           `json:"role,omitempty" msgpack:"role,omitempty"`
	Name      string         `json:"name,omitempty" msgpack:"name,omitempty"`
	MIMEType  string         `json:"mime_type,omitempty" msgpack:"mime_type,omitempty"`
	Text      string         `json:"text,omitempty" msgpack:"text,omitempty"`
	Data      []byte         `json:"data,omitempty" msgpack:"data,omitempty"`
	URI       string         `json:"uri,omitempty" msgpack:"uri,omitempty"`
	Timestamp int64          `json:"timestamp,omitempty" msgpack:"timestamp,omitempty"`
	Filename  string         `json:"filename,omitempty" msgpack:"filename,omitempty"`
	Ext       map[string]any `json:"ext,omitempty" msgpack:"ext,omitempty"`
}

func (c *Chunk) toWire() (*wireChunk, error) {
	w := &wireChunk{
		Role:     c.Role,
		Name:     c.Name,
		MIMEType: c.MIMEType,
		Filename: c.Filename,
		Ext:      c.Ext,
	}
	if !c.Timestamp.IsZero() {
		w.Timestamp = c.Timestamp.UnixMilli()
	}
	switch p := c.Part.(type) {
	case Text:
		w.Kind, w.Text = kindText, string(p)
	case *Blob:
		w.Kind, w.Data = kindBlob, p.Data
	case *Ref:
		w.Kind, w.URI = kindRef, p.URI
	case nil:
		return nil, ErrNoPart
	default:
		return nil, fmt.Errorf("chunk: unsupported part %T", p)
	}
	return w, nil
}

func (w *wireChunk) toChunk(c *Chunk) error {
	*c = Chunk{
		Role:     w.Role,
		Name:     w.Name,
		MIMEType: w.MIMEType,
		Filename: w.Filename,
		Ext:      w.Ext,
	}
	if w.Timestamp != 0 {
		c.Timestamp = time.UnixMilli(w.Timestamp)
	}
	switch w.Kind {
	case kindText:
		c.Part = Text(w.Text)
	case kindBlob:
		c.Part = &Blob{Data: w.Data}
	case kindRef:
		if w.URI == "" {
			return fmt.Errorf("chunk: ref without uri")
		}
		c.Part = &Ref{URI: w.URI}
	case "":
		return ErrNoPart
	default:
		return fmt.Errorf("chunk: unknown kind %q", w.Kind)
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (c *Chunk) MarshalJSON() ([]byte, error) {
	w, err := c.toWire()
	if err != nil {
		return nil, err
	}
	return json.Marshal(w)
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *Chunk) UnmarshalJSON(data []byte) error {
	var w wireChunk
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("chunk: unmarshal json: %w", err)
	}
	return w.toChunk(c)
}

// EncodeMsgpack implements msgpack.CustomEncoder.
func (c *Chunk) EncodeMsgpack(enc *msgpack.Encoder) error {
	w, err := c.toWire()
	if err != nil {
		return err
	}
	return enc.Encode(w)
}

// DecodeMsgpack implements msgpack.CustomDecoder.
func (c *Chunk) DecodeMsgpack(dec *msgpack.Decoder) error {
	var w wireChunk
	if err := dec.Decode(&w); err != nil {
		return fmt.Errorf("chunk: unmarshal msgpack: %w", err)
	}
	return w.toChunk(c)
}
