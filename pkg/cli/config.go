package cli

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
)

const (
	// DefaultBaseDir is created under the user's home directory.
	DefaultBaseDir = ".chunkflow"

	DefaultConfigFile = "config.yaml"
)

var (
	// ErrNoContext is returned when no context is named and none is current.
	ErrNoContext = errors.New("cli: no current context")

	// ErrContextNotFound is returned for unknown context names.
	ErrContextNotFound = errors.New("cli: context not found")
)

// Config is the set of contexts of one app.
type Config struct {
	CurrentContext string              `yaml:"current_context,omitempty"`
	Contexts       map[string]*Context `yaml:"contexts,omitempty"`

	path string
}

// Context points the CLI at one server.
type Context struct {
	Name string `yaml:"name" json:"name"`

	// Server is the server's base URL, e.g. "http://localhost:8080". The
	// WebSocket URL is derived from it.
	Server string `yaml:"server" json:"server"`

	// Session is used when a command is not given one.
	Session string `yaml:"session,omitempty" json:"session,omitempty"`

	// Codec is "json" or "msgpack".
	Codec string `yaml:"codec,omitempty" json:"codec,omitempty"`

	// Token is sent as a bearer token during the handshake.
	Token string `yaml:"token,omitempty" json:"token,omitempty"`

	// Timeout in seconds for dialing and single requests.
	Timeout int `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// ModelsDir is loaded by commands that run actions locally.
	ModelsDir string `yaml:"models_dir,omitempty" json:"models_dir,omitempty"`
}

// LoadConfig loads the config of app from its default location.
func LoadConfig(app string) (*Config, error) {
	return LoadConfigWithPath(app, "")
}

// LoadConfigWithPath loads the config at path, or at the default location
// of app when path is empty. A missing file yields an empty config.
func LoadConfigWithPath(app, path string) (*Config, error) {
	if path == "" {
		p, err := NewPaths(app)
		if err != nil {
			return nil, err
		}
		path = p.ConfigFile()
	}
	cfg := &Config{Contexts: make(map[string]*Context), path: path}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cli: read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cli: parse config %s: %w", path, err)
	}
	if cfg.Contexts == nil {
		cfg.Contexts = make(map[string]*Context)
	}
	for name, c := range cfg.Contexts {
		c.Name = name
	}
	return cfg, nil
}

// Save writes the config, creating its directory.
func (c *Config) Save() error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("cli: encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return fmt.Errorf("cli: create config dir: %w", err)
	}
	if err := os.WriteFile(c.path, data, 0o600); err != nil {
		return fmt.Errorf("cli: write config: %w", err)
	}
	return nil
}

// Path returns the config file path.
func (c *Config) Path() string {
	return c.path
}

// SetContext adds or replaces a context and saves. The first context added
// becomes current.
func (c *Config) SetContext(name string, ctx *Context) error {
	if name == "" {
		return errors.New("cli: context name is required")
	}
	if _, err := ctx.BaseURL(); err != nil {
		return err
	}
	ctx.Name = name
	c.Contexts[name] = ctx
	if c.CurrentContext == "" {
		c.CurrentContext = name
	}
	return c.Save()
}

// DeleteContext removes a context and saves.
func (c *Config) DeleteContext(name string) error {
	if _, ok := c.Contexts[name]; !ok {
		return fmt.Errorf("%w: %q", ErrContextNotFound, name)
	}
	delete(c.Contexts, name)
	if c.CurrentContext == name {
		c.CurrentContext = ""
	}
	return c.Save()
}

// UseContext makes name current and saves.
func (c *Config) UseContext(name string) error {
	if _, ok := c.Contexts[name]; !ok {
		return fmt.Errorf("%w: %q", ErrContextNotFound, name)
	}
	c.CurrentContext = name
	return c.Save()
}

// ResolveContext returns the named context, or the current one when name is
// empty.
func (c *Config) ResolveContext(name string) (*Context, error) {
	if name == "" {
		name = c.CurrentContext
	}
	if name == "" {
		return nil, ErrNoContext
	}
	ctx, ok := c.Contexts[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrContextNotFound, name)
	}
	return ctx, nil
}

// ContextNames returns all context names, sorted.
func (c *Config) ContextNames() []string {
	names := make([]string, 0, len(c.Contexts))
	for name := range c.Contexts {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// BaseURL parses Server.
func (ctx *Context) BaseURL() (*url.URL, error) {
	if ctx.Server == "" {
		return nil, errors.New("cli: context has no server")
	}
	u, err := url.Parse(ctx.Server)
	if err != nil {
		return nil, fmt.Errorf("cli: server %q: %w", ctx.Server, err)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return nil, fmt.Errorf("cli: server %q: scheme must be http, https, ws or wss", ctx.Server)
	}
	return u, nil
}

// SessionURL returns the WebSocket URL of session id, falling back to the
// context's Session.
func (ctx *Context) SessionURL(id string) (string, error) {
	if id == "" {
		id = ctx.Session
	}
	if id == "" {
		return "", errors.New("cli: no session given and context has no default session")
	}
	u, err := ctx.BaseURL()
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	return u.JoinPath("sessions", id).String(), nil
}

// Endpoint returns an HTTP URL on the server, such as "/actions".
func (ctx *Context) Endpoint(elem ...string) (string, error) {
	u, err := ctx.BaseURL()
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	return u.JoinPath(elem...).String(), nil
}

// TimeoutDuration returns Timeout, or def when unset.
func (ctx *Context) TimeoutDuration(def time.Duration) time.Duration {
	if ctx.Timeout <= 0 {
		return def
	}
	return time.Duration(ctx.Timeout) * time.Second
}

// MaskToken hides all but the ends of a token.
func MaskToken(token string) string {
	if len(token) <= 8 {
		return strings.Repeat("*", len(token))
	}
	return token[:4] + strings.Repeat("*", len(token)-8) + token[len(token)-4:]
}
