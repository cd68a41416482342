package external

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrBlobNotFound is returned when a requested blob does not exist.
var ErrBlobNotFound = errors.New("blob not found")

// FSBlob is a filesystem-backed Blob for single-node deployments and tests.
// Keys map to paths under the root directory.
type FSBlob struct {
	root string
}

// NewFSBlob creates an FSBlob rooted at dir, creating it if needed.
func NewFSBlob(dir string) (*FSBlob, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create blob root: %w", err)
	}
	return &FSBlob{root: dir}, nil
}

// resolve rejects keys that would escape the root.
func (b *FSBlob) resolve(path string) (string, error) {
	if strings.Contains(path, "..") {
		return "", fmt.Errorf("invalid blob path %q", path)
	}
	return filepath.Join(b.root, filepath.Clean("/"+path)), nil
}

func (b *FSBlob) Upload(_ context.Context, path string, data []byte) error {
	full, err := b.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("failed to create blob directory: %w", err)
	}
	// Write-then-rename so readers never see a half-written blob.
	tmp := full + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write blob %s: %w", path, err)
	}
	if err := os.Rename(tmp, full); err != nil {
		return fmt.Errorf("failed to finalize blob %s: %w", path, err)
	}
	return nil
}

func (b *FSBlob) Download(_ context.Context, path string) ([]byte, error) {
	full, err := b.resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read blob %s: %w", path, err)
	}
	return data, nil
}

func (b *FSBlob) Delete(_ context.Context, path string) error {
	full, err := b.resolve(path)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete blob %s: %w", path, err)
	}
	return nil
}

// SignedURL returns a file:// URL; the filesystem store has no notion of
// expiry but the interface demands one.
func (b *FSBlob) SignedURL(_ context.Context, path string, _ time.Duration) (string, error) {
	full, err := b.resolve(path)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(full); errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", ErrBlobNotFound, path)
	} else if err != nil {
		return "", fmt.Errorf("failed to stat blob %s: %w", path, err)
	}
	return "file://" + full, nil
}
