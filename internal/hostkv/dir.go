package hostkv

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// Dir is a Store backed by one file per key under a directory. Keys are
// percent-escaped into file names so arbitrary key characters are safe on
// every filesystem.
type Dir struct {
	root string
}

// OpenDir creates the directory if needed and returns a store over it.
func OpenDir(root string) (*Dir, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("open dir store: %w", err)
	}
	return &Dir{root: root}, nil
}

func (d *Dir) path(key string) string {
	return filepath.Join(d.root, url.PathEscape(key))
}

func (d *Dir) Get(key string) (string, bool, error) {
	data, err := os.ReadFile(d.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read %q: %w", key, err)
	}
	return string(data), true, nil
}

func (d *Dir) Set(key, value string) error {
	if err := os.WriteFile(d.path(key), []byte(value), 0o644); err != nil {
		return fmt.Errorf("write %q: %w", key, err)
	}
	return nil
}

func (d *Dir) Delete(key string) error {
	err := os.Remove(d.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("delete %q: %w", key, err)
	}
	return nil
}

func (d *Dir) Keys(prefix string) ([]string, error) {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	var keys []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		key, err := url.PathUnescape(entry.Name())
		if err != nil {
			continue
		}
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

var _ Store = (*Dir)(nil)
