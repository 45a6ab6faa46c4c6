// Package loader registers actions from configuration files.
//
// Model files describe provider credentials and the models to expose as
// generator actions:
//
//	schema: openai/chat/v1
//	api_key: $OPENAI_API_KEY
//	models:
//	  - name: openai/gpt-4o
//	    model: gpt-4o
//
// Each model is registered as "gen/<name>". Pipeline files describe steps to
// run against a session; see Pipeline.
package loader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"google.golang.org/genai"

	"github.com/haivivi/chunkflow/pkg/action"
	"github.com/haivivi/chunkflow/pkg/action/generators"
)

// ErrMissingCredentials is returned for model files whose API key is empty
// after environment expansion. LoadDir skips such files.
var ErrMissingCredentials = errors.New("loader: missing credentials")

// ModelFile is the content of a model configuration file.
type ModelFile struct {
	// Schema is "<provider>/<api>/<version>", e.g. "openai/chat/v1".
	Schema string `json:"schema" yaml:"schema"`

	// APIKey may name an environment variable, e.g. "$OPENAI_API_KEY".
	APIKey  string `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty"`

	Models []ModelEntry `json:"models" yaml:"models"`
}

// ModelEntry is one model of a ModelFile.
type ModelEntry struct {
	Name          string            `json:"name" yaml:"name"`
	Model         string            `json:"model" yaml:"model"`
	Params        generators.Params `json:"params,omitempty" yaml:"params,omitempty"`
	UseSystemRole bool              `json:"use_system_role,omitempty" yaml:"use_system_role,omitempty"`
	TextOnly      bool              `json:"text_only,omitempty" yaml:"text_only,omitempty"`
	ExtraFields   map[string]any    `json:"extra_fields,omitempty" yaml:"extra_fields,omitempty"`
}

// ModelLoader registers generator actions from model files.
type ModelLoader struct {
	Mux    *action.Mux
	Logger *slog.Logger

	// HTTPClient is used by provider clients when set.
	HTTPClient *http.Client

	// Options are passed to every generator action.
	Options []generators.Option
}

func (l *ModelLoader) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}

func (l *ModelLoader) mux() *action.Mux {
	if l.Mux != nil {
		return l.Mux
	}
	return action.DefaultMux
}

// LoadDir loads every .yaml, .yml and .json file under dir and returns the
// registered action names.
func (l *ModelLoader) LoadDir(ctx context.Context, dir string) ([]string, error) {
	var names []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml", ".json":
		default:
			return nil
		}
		got, err := l.LoadFile(ctx, path)
		if errors.Is(err, ErrMissingCredentials) {
			l.logger().Warn("loader: skipping model file", "path", path, "error", err)
			return nil
		}
		if err != nil {
			return fmt.Errorf("loader: %s: %w", path, err)
		}
		names = append(names, got...)
		return nil
	})
	return names, err
}

// LoadFile loads one model file.
func (l *ModelLoader) LoadFile(ctx context.Context, path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	mf, err := ParseModelFile(data, filepath.Ext(path))
	if err != nil {
		return nil, err
	}
	return l.Register(ctx, mf)
}

// ParseModelFile decodes data as JSON when ext is ".json" and as YAML
// otherwise.
func ParseModelFile(data []byte, ext string) (*ModelFile, error) {
	var mf ModelFile
	if strings.EqualFold(ext, ".json") {
		if err := json.Unmarshal(data, &mf); err != nil {
			return nil, err
		}
		return &mf, nil
	}
	if err := yaml.Unmarshal(data, &mf); err != nil {
		return nil, err
	}
	return &mf, nil
}

// Register creates the provider client for mf and registers its models.
func (l *ModelLoader) Register(ctx context.Context, mf *ModelFile) ([]string, error) {
	mf.APIKey = expandEnv(mf.APIKey)
	mf.BaseURL = expandEnv(mf.BaseURL)
	provider, _, _ := strings.Cut(mf.Schema, "/")

	var newModel func(ModelEntry) generators.Model
	switch provider {
	case "openai":
		if mf.APIKey == "" {
			return nil, fmt.Errorf("%w: api_key is required for %s", ErrMissingCredentials, mf.Schema)
		}
		opts := []option.RequestOption{option.WithAPIKey(mf.APIKey)}
		if mf.BaseURL != "" {
			opts = append(opts, option.WithBaseURL(mf.BaseURL))
		}
		if l.HTTPClient != nil {
			opts = append(opts, option.WithHTTPClient(l.HTTPClient))
		}
		client := openai.NewClient(opts...)
		newModel = func(e ModelEntry) generators.Model {
			return &generators.OpenAI{
				Client:        &client,
				Model:         e.Model,
				UseSystemRole: e.UseSystemRole,
				TextOnly:      e.TextOnly,
				ExtraFields:   e.ExtraFields,
			}
		}
	case "gemini":
		if mf.APIKey == "" {
			return nil, fmt.Errorf("%w: api_key is required for %s", ErrMissingCredentials, mf.Schema)
		}
		cfg := &genai.ClientConfig{APIKey: mf.APIKey, Backend: genai.BackendGeminiAPI, HTTPClient: l.HTTPClient}
		if mf.BaseURL != "" {
			cfg.HTTPOptions.BaseURL = mf.BaseURL
		}
		client, err := genai.NewClient(ctx, cfg)
		if err != nil {
			return nil, err
		}
		newModel = func(e ModelEntry) generators.Model {
			return &generators.Gemini{Client: client, Model: e.Model}
		}
	default:
		return nil, fmt.Errorf("loader: unknown provider in schema %q", mf.Schema)
	}

	var names []string
	for _, e := range mf.Models {
		if e.Name == "" || e.Model == "" {
			return names, errors.New("loader: model entry missing name or model")
		}
		if err := generators.Register(l.mux(), e.Name, newModel(e), e.Params, l.Options...); err != nil {
			return names, fmt.Errorf("loader: register %q: %w", e.Name, err)
		}
		l.logger().Debug("loader: registered model", "name", "gen/"+e.Name, "model", e.Model, "schema", mf.Schema)
		names = append(names, "gen/"+e.Name)
	}
	return names, nil
}

// expandEnv expands s when it refers to an environment variable, as in
// "$VAR" or "${VAR}". Unset variables expand to "".
func expandEnv(s string) string {
	if strings.HasPrefix(s, "$") {
		return os.ExpandEnv(s)
	}
	return s
}
