package cli

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestConfig_Contexts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app", "config.yaml")
	cfg, err := LoadConfigWithPath("chunkflow", path)
	if err != nil {
		t.Fatalf("LoadConfigWithPath error: %v", err)
	}
	if _, err := cfg.ResolveContext(""); !errors.Is(err, ErrNoContext) {
		t.Fatalf("ResolveContext on empty config = %v", err)
	}

	if err := cfg.SetContext("local", &Context{Server: "http://localhost:8080", Session: "demo"}); err != nil {
		t.Fatal(err)
	}
	if err := cfg.SetContext("prod", &Context{Server: "https://flow.example.com", Codec: "msgpack", Token: "secret-token-1234"}); err != nil {
		t.Fatal(err)
	}
	if err := cfg.SetContext("bad", &Context{Server: "ftp://x"}); err == nil {
		t.Fatal("ftp server accepted")
	}
	if cfg.CurrentContext != "local" {
		t.Fatalf("CurrentContext = %q, want first added", cfg.CurrentContext)
	}

	loaded, err := LoadConfigWithPath("chunkflow", path)
	if err != nil {
		t.Fatal(err)
	}
	if got := loaded.ContextNames(); len(got) != 2 || got[0] != "local" || got[1] != "prod" {
		t.Fatalf("ContextNames = %v", got)
	}
	if err := loaded.UseContext("prod"); err != nil {
		t.Fatal(err)
	}
	c, err := loaded.ResolveContext("")
	if err != nil || c.Name != "prod" || c.Codec != "msgpack" {
		t.Fatalf("ResolveContext = %+v, %v", c, err)
	}
	if err := loaded.UseContext("nope"); !errors.Is(err, ErrContextNotFound) {
		t.Fatalf("UseContext(nope) = %v", err)
	}
	if err := loaded.DeleteContext("prod"); err != nil {
		t.Fatal(err)
	}
	if loaded.CurrentContext != "" {
		t.Fatalf("CurrentContext after delete = %q", loaded.CurrentContext)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("config mode = %v, want 0600", info.Mode().Perm())
	}
}

func TestContext_URLs(t *testing.T) {
	tests := []struct {
		server  string
		session string
		ws      string
		actions string
	}{
		{"http://localhost:8080", "demo", "ws://localhost:8080/sessions/demo", "http://localhost:8080/actions"},
		{"https://h.example/base/", "a b", "wss://h.example/base/sessions/a%20b", "https://h.example/base/actions"},
		{"ws://h:1", "s", "ws://h:1/sessions/s", "http://h:1/actions"},
	}
	for _, tt := range tests {
		c := &Context{Server: tt.server}
		ws, err := c.SessionURL(tt.session)
		if err != nil || ws != tt.ws {
			t.Errorf("SessionURL(%q, %q) = %q, %v, want %q", tt.server, tt.session, ws, err, tt.ws)
		}
		ep, err := c.Endpoint("actions")
		if err != nil || ep != tt.actions {
			t.Errorf("Endpoint(%q) = %q, %v, want %q", tt.server, ep, err, tt.actions)
		}
	}

	if _, err := (&Context{Server: "http://h"}).SessionURL(""); err == nil {
		t.Error("SessionURL without session succeeded")
	}
	if got, _ := (&Context{Server: "http://h", Session: "d"}).SessionURL(""); got != "ws://h/sessions/d" {
		t.Errorf("default session URL = %q", got)
	}
	if d := (&Context{}).TimeoutDuration(3 * time.Second); d != 3*time.Second {
		t.Errorf("TimeoutDuration default = %v", d)
	}
}

func TestMaskToken(t *testing.T) {
	if got := MaskToken("short"); got != "*****" {
		t.Errorf("MaskToken(short) = %q", got)
	}
	if got := MaskToken("abcd12345678wxyz"); got != "abcd********wxyz" {
		t.Errorf("MaskToken = %q", got)
	}
}

func TestPrinter(t *testing.T) {
	v := map[string]any{"name": "x", "n": 2}
	tests := []struct {
		format Format
		value  any
		want   string
	}{
		{FormatJSON, v, "\"name\": \"x\""},
		{FormatYAML, v, "name: x"},
		{FormatText, "plain", "plain\n"},
		{FormatText, time.Second, "1s\n"},
		{FormatText, v, "n: 2"},
	}
	for _, tt := range tests {
		var out bytes.Buffer
		p := &Printer{Out: &out, Format: tt.format}
		if err := p.Print(tt.value); err != nil {
			t.Fatalf("Print(%v) error: %v", tt.format, err)
		}
		if !strings.Contains(out.String(), tt.want) {
			t.Errorf("Print(%s, %v) = %q, want %q", tt.format, tt.value, out.String(), tt.want)
		}
	}

	if _, err := ParseFormat("xml"); err == nil {
		t.Error("ParseFormat(xml) succeeded")
	}
	if f, _ := ParseFormat(""); f != FormatText {
		t.Errorf("ParseFormat(\"\") = %q", f)
	}

	var out, errOut bytes.Buffer
	p := &Printer{Out: &out, Err: &errOut}
	p.Debug("hidden")
	p.Verbose = true
	p.Debug("shown %d", 1)
	if strings.Contains(errOut.String(), "hidden") || !strings.Contains(errOut.String(), "shown 1") {
		t.Errorf("debug output = %q", errOut.String())
	}
}

func TestParseRequest(t *testing.T) {
	type req struct {
		Channel string   `json:"channel" yaml:"channel"`
		Texts   []string `json:"texts" yaml:"texts"`
	}
	var r req
	if err := ParseRequest([]byte("channel: prompt\ntexts: [a, b]\n"), "r.yaml", &r); err != nil || r.Channel != "prompt" || len(r.Texts) != 2 {
		t.Fatalf("yaml = %+v, %v", r, err)
	}
	r = req{}
	if err := ParseRequest([]byte(`{"channel":"c"}`), "r.json", &r); err != nil || r.Channel != "c" {
		t.Fatalf("json = %+v, %v", r, err)
	}
	if err := ParseRequest([]byte(`{"channel":`), "r.json", &r); err == nil {
		t.Fatal("broken JSON accepted")
	}

	path := filepath.Join(t.TempDir(), "req")
	os.WriteFile(path, []byte(`{"channel": "noext"}`), 0o644)
	r = req{}
	if err := LoadRequest(path, &r); err != nil || r.Channel != "noext" {
		t.Fatalf("LoadRequest = %+v, %v", r, err)
	}
}

func TestFormat(t *testing.T) {
	durations := map[time.Duration]string{
		850 * time.Millisecond:  "850ms",
		2500 * time.Millisecond: "2.5s",
		192 * time.Second:       "3m12.0s",
	}
	for d, want := range durations {
		if got := FormatDuration(d); got != want {
			t.Errorf("FormatDuration(%v) = %q, want %q", d, got, want)
		}
	}
	sizes := map[int64]string{
		12:              "12 B",
		2048:            "2.00 KB",
		3 * 1024 * 1024: "3.00 MB",
		5 << 30:         "5.00 GB",
	}
	for n, want := range sizes {
		if got := FormatBytes(n); got != want {
			t.Errorf("FormatBytes(%d) = %q, want %q", n, got, want)
		}
	}
}

func TestFrame_Render(t *testing.T) {
	f := Frame{
		Styles:   NewStyles(DefaultTheme),
		Title:    "session demo",
		Status:   "2 channels",
		MaxLines: 2,
		Sections: []Section{
			{Label: "prompt", Note: "closed", Lines: []string{"one", "two", "three"}},
			{Label: "out"},
			{Label: "wide", Lines: []string{strings.Repeat("x", 100)}},
		},
	}
	out := f.Render(40)
	for _, want := range []string{"session demo", "prompt", "two", "three", "(empty)", "…"} {
		if !strings.Contains(out, want) {
			t.Errorf("render missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "one") {
		t.Errorf("MaxLines not applied:\n%s", out)
	}
}
