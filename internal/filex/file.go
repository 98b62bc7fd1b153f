// Package filex holds small helpers for the local files the CLI reads and
// writes.
package filex

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrExists is returned by PrepareDest when the destination is already
// present and overwriting was not requested.
var ErrExists = errors.New("destination already exists")

// PrepareDest resolves dest to an absolute path and creates its parent
// directory. It fails when dest is a directory, or when it exists and
// overwrite is false.
func PrepareDest(dest string, overwrite bool) (string, error) {
	abs, err := filepath.Abs(dest)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", dest, err)
	}

	fi, err := os.Stat(abs)
	switch {
	case err == nil && fi.IsDir():
		return "", fmt.Errorf("%s is a directory", abs)
	case err == nil && !overwrite:
		return "", fmt.Errorf("%s: %w", abs, ErrExists)
	case err != nil && !errors.Is(err, os.ErrNotExist):
		return "", fmt.Errorf("stat %s: %w", abs, err)
	}

	dir := filepath.Dir(abs)
	if err := os.MkdirAll(dir, 0o770); err != nil {
		return "", fmt.Errorf("mkdir %s: %w", dir, err)
	}

	return abs, nil
}
