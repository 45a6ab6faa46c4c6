package cli

import (
	"os"
	"path/filepath"
)

// Paths locates an app's files under ~/.chunkflow/<app>.
type Paths struct {
	App  string
	Home string
}

// NewPaths returns the Paths of app. CHUNKFLOW_HOME overrides the base
// directory.
func NewPaths(app string) (*Paths, error) {
	if dir := os.Getenv("CHUNKFLOW_HOME"); dir != "" {
		return &Paths{App: app, Home: dir}, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	return &Paths{App: app, Home: filepath.Join(home, DefaultBaseDir)}, nil
}

// AppDir is the directory holding everything of the app.
func (p *Paths) AppDir() string {
	return filepath.Join(p.Home, p.App)
}

func (p *Paths) ConfigFile() string {
	return filepath.Join(p.AppDir(), DefaultConfigFile)
}

// ModelsDir holds model files loaded at startup.
func (p *Paths) ModelsDir() string {
	return filepath.Join(p.AppDir(), "models")
}

// RecordsDir holds the session archive database.
func (p *Paths) RecordsDir() string {
	return filepath.Join(p.AppDir(), "records")
}

// MediaDir holds files that media:// refs point at.
func (p *Paths) MediaDir() string {
	return filepath.Join(p.AppDir(), "media")
}

// Ensure creates dir and its parents.
func Ensure(dir string) (string, error) {
	return dir, os.MkdirAll(dir, 0o755)
}
