package scratch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// FSBackend keeps entries as files under dir/<category>/<name>.
type FSBackend struct {
	dir string
}

// NewFSBackend creates the category directories under dir.
func NewFSBackend(dir string) (*FSBackend, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve scratch dir: %w", err)
	}
	for _, c := range Categories {
		if err := os.MkdirAll(filepath.Join(abs, string(c)), 0o750); err != nil {
			return nil, fmt.Errorf("failed to create scratch dir: %w", err)
		}
	}
	return &FSBackend{dir: abs}, nil
}

// Dir returns the root directory.
func (b *FSBackend) Dir() string {
	return b.dir
}

func (b *FSBackend) file(p Path) (string, error) {
	if err := p.Validate(); err != nil {
		return "", err
	}
	return filepath.Join(b.dir, string(p.Category), p.Name), nil
}

// Create reserves the file with O_EXCL so concurrent reservations of one name
// cannot both succeed.
func (b *FSBackend) Create(_ context.Context, p Path) (Path, error) {
	name, err := b.file(p)
	if err != nil {
		return Path{}, err
	}

	f, err := os.OpenFile(name, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return Path{}, ErrExists
		}
		return Path{}, fmt.Errorf("failed to reserve %s: %w", p, err)
	}
	info, statErr := f.Stat()
	if closeErr := f.Close(); closeErr != nil {
		return Path{}, fmt.Errorf("failed to reserve %s: %w", p, closeErr)
	}
	if statErr != nil {
		return Path{}, fmt.Errorf("failed to stat %s: %w", p, statErr)
	}

	p.CreatedAt = info.ModTime()
	return p, nil
}

// Write replaces the content of an existing entry.
func (b *FSBackend) Write(_ context.Context, p Path, data []byte) error {
	name, err := b.file(p)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(name, os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to open %s: %w", p, err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write %s: %w", p, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to write %s: %w", p, err)
	}
	return nil
}

func (b *FSBackend) Read(_ context.Context, p Path) ([]byte, error) {
	name, err := b.file(p)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read %s: %w", p, err)
	}
	return data, nil
}

func (b *FSBackend) Remove(_ context.Context, p Path) error {
	name, err := b.file(p)
	if err != nil {
		return err
	}
	if err := os.Remove(name); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to remove %s: %w", p, err)
	}
	return nil
}

// List returns regular files in the category with their modification time.
// Files removed while listing are skipped.
func (b *FSBackend) List(_ context.Context, category Category) ([]Path, error) {
	if err := (Path{Category: category, Name: "probe"}).Validate(); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(filepath.Join(b.dir, string(category)))
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", category, err)
	}

	out := make([]Path, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, Path{Category: category, Name: e.Name(), CreatedAt: info.ModTime()})
	}
	return out, nil
}

// Ping checks the root directory is still reachable.
func (b *FSBackend) Ping(_ context.Context) error {
	info, err := os.Stat(b.dir)
	if err != nil {
		return fmt.Errorf("scratch dir unavailable: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("scratch dir %s is not a directory", b.dir)
	}
	return nil
}
