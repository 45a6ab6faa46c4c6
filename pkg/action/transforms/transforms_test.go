package transforms

import (
	"context"
	"encoding/binary"
	"math"
	"slices"
	"testing"

	"github.com/haivivi/chunkflow/pkg/action"
	"github.com/haivivi/chunkflow/pkg/chunk"
	"github.com/haivivi/chunkflow/pkg/mimetype"
	"github.com/haivivi/chunkflow/pkg/session"
)

func setup(t *testing.T) (*session.Session, *action.Runner) {
	t.Helper()
	sess := session.New(session.WithID("transforms"))
	t.Cleanup(func() { sess.Close() })
	mux := action.NewMux()
	if err := Register(mux); err != nil {
		t.Fatalf("Register error: %v", err)
	}
	return sess, action.NewRunner(sess, action.WithMux(mux))
}

func feed(t *testing.T, store session.Store, channel string, chunks ...*chunk.Chunk) {
	t.Helper()
	w := session.NewWriter(store, channel)
	for _, c := range chunks {
		if err := w.Write(context.Background(), c); err != nil {
			t.Fatalf("feed: %v", err)
		}
	}
	if err := w.Close(context.Background()); err != nil {
		t.Fatalf("feed close: %v", err)
	}
}

func texts(parts ...string) []*chunk.Chunk {
	out := make([]*chunk.Chunk, len(parts))
	for i, p := range parts {
		out[i] = chunk.NewText(chunk.RoleModel, p)
	}
	return out
}

func run(t *testing.T, sess *session.Session, r *action.Runner, step action.Step) []*chunk.Chunk {
	t.Helper()
	step.ID = "step"
	if _, err := r.RunAll(context.Background(), step); err != nil {
		t.Fatalf("RunAll error: %v", err)
	}
	out, err := action.Collect(context.Background(), sess, "step/out")
	if err != nil {
		t.Fatalf("Collect error: %v", err)
	}
	return out
}

func textsOf(chunks []*chunk.Chunk) []string {
	var out []string
	for _, c := range chunks {
		s, _ := c.Text()
		out = append(out, s)
	}
	return out
}

func TestJQ(t *testing.T) {
	tests := []struct {
		name   string
		input  []string
		config map[string]any
		want   []string
	}{
		{
			name:   "per chunk",
			input:  []string{`{"a":1}`, `{"a":2}`},
			config: map[string]any{"expr": ".a"},
			want:   []string{"1", "2"},
		},
		{
			name:   "collect split document",
			input:  []string{`{"items":[`, `"x","y"]}`},
			config: map[string]any{"expr": ".items[]", "collect": true},
			want:   []string{`"x"`, `"y"`},
		},
		{
			name:   "raw strings",
			input:  []string{`{"name":"chunk"}`},
			config: map[string]any{"expr": ".name", "raw": true},
			want:   []string{"chunk"},
		},
		{
			name:   "repairs truncated json",
			input:  []string{`{"name":"flow"`},
			config: map[string]any{"expr": ".name", "raw": true},
			want:   []string{"flow"},
		},
		{
			name:  "default identity",
			input: []string{`[1, 2]`},
			want:  []string{"[1,2]"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sess, r := setup(t)
			feed(t, sess, "in", texts(tt.input...)...)
			got := textsOf(run(t, sess, r, action.Step{
				Action: "transform/jq",
				Config: tt.config,
				Inputs: map[string]string{"in": "in"},
			}))
			if !slices.Equal(got, tt.want) {
				t.Fatalf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestJQ_InvalidExpr(t *testing.T) {
	_, r := setup(t)
	_, err := r.Start(context.Background(), action.Step{
		Action: "transform/jq",
		Config: map[string]any{"expr": ".["},
		Inputs: map[string]string{"in": "in"},
	})
	if err == nil {
		t.Fatal("Start with bad jq succeeded")
	}
}

func TestJQ_RuntimeError(t *testing.T) {
	sess, r := setup(t)
	feed(t, sess, "in", texts(`"text"`)...)
	_, err := r.RunAll(context.Background(), action.Step{
		Action: "transform/jq",
		Config: map[string]any{"expr": ".a"},
		Inputs: map[string]string{"in": "in"},
	})
	if err == nil {
		t.Fatal("indexing a string succeeded")
	}
}

func TestJoin(t *testing.T) {
	sess, r := setup(t)
	in := texts("a", "b", "c")
	in = append(in, chunk.NewBlob(chunk.RoleModel, mimetype.OctetStream, []byte{1}))
	feed(t, sess, "in", in...)

	got := run(t, sess, r, action.Step{
		Action: "transform/join",
		Config: map[string]any{"separator": ", "},
		Inputs: map[string]string{"in": "in"},
	})
	if len(got) != 1 {
		t.Fatalf("got %d chunks, want 1", len(got))
	}
	if s, _ := got[0].Text(); s != "a, b, c" || got[0].Role != chunk.RoleModel {
		t.Fatalf("joined = %q (%s)", s, got[0].Role)
	}
}

func TestMerge(t *testing.T) {
	sess, r := setup(t)
	feed(t, sess, "left", texts("l1", "l2")...)
	feed(t, sess, "right", texts("r1")...)

	got := textsOf(run(t, sess, r, action.Step{
		Action: "transform/merge",
		Inputs: map[string]string{"a": "left", "b": "right"},
	}))
	if slices.Index(got, "l1") > slices.Index(got, "l2") {
		t.Fatalf("per-input order lost: %q", got)
	}
	slices.Sort(got)
	if !slices.Equal(got, []string{"l1", "l2", "r1"}) {
		t.Fatalf("merged = %q", got)
	}
}

func pcm(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

func TestResample_Passthrough(t *testing.T) {
	sess, r := setup(t)
	data := pcm([]int16{1, -2, 3, -4})
	ct := "audio/pcm; rate=16000; channels=1"
	feed(t, sess, "in",
		chunk.NewBlob(chunk.RoleModel, ct, data[:3]),
		chunk.NewBlob(chunk.RoleModel, ct, data[3:]),
		chunk.NewText(chunk.RoleModel, "marker"),
	)
	got := run(t, sess, r, action.Step{
		Action: "audio/resample",
		Config: map[string]any{"rate": 16000},
		Inputs: map[string]string{"in": "in"},
	})
	if len(got) != 3 {
		t.Fatalf("got %d chunks, want 3", len(got))
	}
	var joined []byte
	for _, c := range got[:2] {
		b, ok := c.Part.(*chunk.Blob)
		if !ok {
			t.Fatalf("chunk part = %T", c.Part)
		}
		joined = append(joined, b.Data...)
	}
	if !slices.Equal(joined, data) {
		t.Fatalf("data = %v, want %v", joined, data)
	}
	if s, _ := got[2].Text(); s != "marker" {
		t.Fatalf("text chunk = %q", s)
	}
}

func TestResample_Downsample(t *testing.T) {
	sess, r := setup(t)
	samples := make([]int16, 16000)
	for i := range samples {
		samples[i] = int16(8000 * math.Sin(2*math.Pi*440*float64(i)/16000))
	}
	feed(t, sess, "in", chunk.NewBlob(chunk.RoleModel, mimetype.AudioPCM, pcm(samples)))

	got := run(t, sess, r, action.Step{
		Action: "audio/resample",
		Config: map[string]any{"rate": 8000, "source_rate": 16000},
		Inputs: map[string]string{"in": "in"},
	})
	var total int
	for _, c := range got {
		mt, err := c.MediaType()
		if err != nil {
			t.Fatal(err)
		}
		if rate, _ := mt.Param("rate"); rate != "8000" {
			t.Fatalf("content type = %s", c.ContentType())
		}
		total += len(c.Part.(*chunk.Blob).Data)
	}
	if total == 0 || total%2 != 0 || total > len(samples)+1024 {
		t.Fatalf("resampled %d bytes from %d samples", total, len(samples))
	}
}

func TestResample_BadFormat(t *testing.T) {
	sess, r := setup(t)
	feed(t, sess, "in", chunk.NewBlob(chunk.RoleModel, "audio/pcm; rate=fast", []byte{0, 0}))
	_, err := r.RunAll(context.Background(), action.Step{
		Action: "audio/resample",
		Inputs: map[string]string{"in": "in"},
	})
	if err == nil {
		t.Fatal("bad rate accepted")
	}
}
