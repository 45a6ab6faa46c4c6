package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/haivivi/chunkflow/pkg/action"
	"github.com/haivivi/chunkflow/pkg/action/generators"
	"github.com/haivivi/chunkflow/pkg/action/loader"
	"github.com/haivivi/chunkflow/pkg/action/transforms"
	"github.com/haivivi/chunkflow/pkg/chunk"
	"github.com/haivivi/chunkflow/pkg/cli"
	"github.com/haivivi/chunkflow/pkg/storage"
)

// muxOptions select what buildMux registers besides the transforms.
type muxOptions struct {
	// ModelsDir is loaded when set. A missing default directory is skipped.
	ModelsDir string
	Explicit  bool

	// Media, when set, backs media:// refs in generator inputs.
	Media string
}

// resolveModelsDir picks the flag value, then the context's, then the
// default under the app directory.
func resolveModelsDir(flag string) (string, bool) {
	if flag != "" {
		return flag, true
	}
	if c, err := getContext(); err == nil && c.ModelsDir != "" {
		return c.ModelsDir, true
	}
	paths, err := cli.NewPaths(appName)
	if err != nil {
		return "", false
	}
	return paths.ModelsDir(), false
}

// resolveMedia picks the flag value, then the default media directory when
// it exists.
func resolveMedia(flag string) string {
	if flag != "" {
		return flag
	}
	paths, err := cli.NewPaths(appName)
	if err != nil {
		return ""
	}
	if info, err := os.Stat(paths.MediaDir()); err == nil && info.IsDir() {
		return paths.MediaDir()
	}
	return ""
}

// buildMux returns a Mux with the built-in transforms and the generators of
// the model files in opts.ModelsDir.
func buildMux(ctx context.Context, opts muxOptions) (*action.Mux, error) {
	mux := action.NewMux()
	if err := transforms.Register(mux); err != nil {
		return nil, err
	}

	var genOpts []generators.Option
	if opts.Media != "" {
		fs, err := storage.Open(opts.Media)
		if err != nil {
			return nil, fmt.Errorf("media store: %w", err)
		}
		res := chunk.NewResolver()
		res.Register("media", fs)
		genOpts = append(genOpts, generators.WithResolver(res))
	}

	if opts.ModelsDir == "" {
		return mux, nil
	}
	if _, err := os.Stat(opts.ModelsDir); errors.Is(err, os.ErrNotExist) && !opts.Explicit {
		return mux, nil
	}
	ld := &loader.ModelLoader{Mux: mux, Logger: slog.Default(), Options: genOpts}
	names, err := ld.LoadDir(ctx, opts.ModelsDir)
	if err != nil {
		return nil, err
	}
	slog.Debug("models loaded", "dir", opts.ModelsDir, "actions", len(names))
	return mux, nil
}
