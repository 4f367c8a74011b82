// Package file publishes artifacts to a local directory.
package file

import (
	"context"
	"errors"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/3leaps/clipforge/pkg/artifact"
)

const driverName = "file"

// Config configures the file artifact store.
type Config struct {
	// Dir is the root directory objects are written under (required).
	Dir string

	// BaseURL is the URL prefix the directory is served at. When empty,
	// file:// URLs are returned.
	BaseURL string
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Dir) == "" {
		return errors.New("file artifact store: dir is required")
	}
	return nil
}

// Store implements artifact.Store on the local filesystem.
type Store struct {
	dir     string
	baseURL string
}

var _ artifact.Store = (*Store)(nil)

func New(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(cfg.Dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, &artifact.Error{Op: "New", Driver: driverName, Key: abs, Err: err}
	}
	return &Store{dir: abs, baseURL: strings.TrimRight(cfg.BaseURL, "/")}, nil
}

func (s *Store) Close() error { return nil }

// Put writes body to a temp file and renames it into place.
func (s *Store) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", s.wrapError("Put", key, err)
	}
	full, err := s.fullPath(key)
	if err != nil {
		return "", s.wrapError("Put", key, err)
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", s.wrapError("Put", key, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), "clipforge-put-*")
	if err != nil {
		return "", s.wrapError("Put", key, err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := io.Copy(tmp, body); err != nil {
		return "", s.wrapError("Put", key, err)
	}
	if err := tmp.Close(); err != nil {
		return "", s.wrapError("Put", key, err)
	}
	if err := os.Rename(tmpName, full); err != nil {
		return "", s.wrapError("Put", key, err)
	}
	return s.url(full), nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	full, err := s.fullPath(key)
	if err != nil {
		return s.wrapError("Delete", key, err)
	}
	if err := os.Remove(full); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return s.wrapError("Delete", key, err)
	}
	return nil
}

func (s *Store) url(full string) string {
	rel, _ := filepath.Rel(s.dir, full)
	rel = filepath.ToSlash(rel)
	if s.baseURL != "" {
		return artifact.JoinURL(s.baseURL, rel)
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(full)}).String()
}

func (s *Store) fullPath(key string) (string, error) {
	key = strings.TrimSpace(key)
	key = strings.TrimPrefix(key, "/")
	if key == "" {
		return "", artifact.ErrInvalidKey
	}
	// Prevent path traversal.
	clean := filepath.Clean("/" + key)
	clean = strings.TrimPrefix(clean, "/")
	if clean == "" || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", artifact.ErrInvalidKey
	}
	return filepath.Join(s.dir, filepath.FromSlash(clean)), nil
}

func (s *Store) wrapError(op, key string, err error) error {
	wrapped := &artifact.Error{Op: op, Driver: driverName, Key: key, Err: err}
	switch {
	case errors.Is(err, os.ErrNotExist):
		wrapped.Err = artifact.ErrNotFound
	case errors.Is(err, os.ErrPermission):
		wrapped.Err = artifact.ErrAccessDenied
	}
	return wrapped
}
