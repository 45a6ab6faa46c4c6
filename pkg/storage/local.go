package storage

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

var _ FileStore = (*Local)(nil)

// Local stores files under a directory.
type Local struct {
	root string
}

// NewLocal returns a Local rooted at dir, creating dir if needed.
func NewLocal(dir string) (*Local, error) {
	root, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &Local{root: root}, nil
}

// Root returns the absolute store directory.
func (l *Local) Root() string {
	return l.root
}

func (l *Local) file(path string) (string, error) {
	p, err := cleanPath(path)
	if err != nil {
		return "", err
	}
	return filepath.Join(l.root, filepath.FromSlash(p)), nil
}

func (l *Local) Read(_ context.Context, path string) (io.ReadCloser, error) {
	name, err := l.file(path)
	if err != nil {
		return nil, err
	}
	return os.Open(name)
}

// Write creates parent directories as needed.
func (l *Local) Write(_ context.Context, path string) (io.WriteCloser, error) {
	name, err := l.file(path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		return nil, err
	}
	return os.Create(name)
}

func (l *Local) Delete(_ context.Context, path string) error {
	name, err := l.file(path)
	if err != nil {
		return err
	}
	if err := os.Remove(name); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (l *Local) Exists(_ context.Context, path string) (bool, error) {
	name, err := l.file(path)
	if err != nil {
		return false, err
	}
	switch _, err := os.Stat(name); {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}
