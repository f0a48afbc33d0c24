package backend

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const configMode os.FileMode = 0o600

// files manages <dir>/<iface>.conf.
type files struct {
	dir string
}

func (f files) ConfigPath(iface string) string {
	return filepath.Join(f.dir, iface+".conf")
}

// WriteConfig replaces the file atomically: a temp file in the same directory
// is written, synced and renamed over the old one.
func (f files) WriteConfig(_ context.Context, iface string, text []byte) error {
	if err := os.MkdirAll(f.dir, 0o700); err != nil {
		return fmt.Errorf("%w: create config dir: %v", ErrExecution, err)
	}
	tmp, err := os.CreateTemp(f.dir, "."+iface+".conf.*")
	if err != nil {
		return fmt.Errorf("%w: create temp config: %v", ErrExecution, err)
	}
	defer os.Remove(tmp.Name())
	if err := tmp.Chmod(configMode); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: chmod temp config: %v", ErrExecution, err)
	}
	if _, err := tmp.Write(text); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: write config: %v", ErrExecution, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: sync config: %v", ErrExecution, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: close config: %v", ErrExecution, err)
	}
	if err := os.Rename(tmp.Name(), f.ConfigPath(iface)); err != nil {
		return fmt.Errorf("%w: install config: %v", ErrExecution, err)
	}
	return nil
}

func (f files) ReadConfig(_ context.Context, iface string) ([]byte, error) {
	data, err := os.ReadFile(f.ConfigPath(iface))
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", iface, err)
	}
	return data, nil
}

func (f files) RemoveConfig(_ context.Context, iface string) error {
	err := os.Remove(f.ConfigPath(iface))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: remove config: %v", ErrExecution, err)
	}
	return nil
}

func (f files) SecureConfig(_ context.Context, iface string) ([]string, error) {
	path := f.ConfigPath(iface)
	fi, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat config %s: %w", iface, err)
	}
	var fixed []string
	if perm := fi.Mode().Perm(); perm != 0o600 && perm != 0o400 {
		if err := os.Chmod(path, configMode); err != nil {
			return fixed, fmt.Errorf("%w: chmod config: %v", ErrExecution, err)
		}
		fixed = append(fixed, fmt.Sprintf("mode %#o -> %#o", perm, configMode))
	}
	owner, err := fixOwner(path)
	if err != nil {
		return fixed, fmt.Errorf("%w: chown config: %v", ErrExecution, err)
	}
	if owner != "" {
		fixed = append(fixed, owner)
	}
	return fixed, nil
}
