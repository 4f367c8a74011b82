// Package artifact publishes finished media (assembled videos, generated
// images) to durable storage and returns the URL clients fetch them from.
//
// Drivers live in subpackages: file writes under a local directory, s3 writes
// to AWS S3 or an S3-compatible store.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"path"
	"strings"
	"sync"
)

// Store writes and removes published objects.
//
// Implementations should:
//   - Make Put atomic from the reader's point of view (no partial objects)
//   - Treat Put of an existing key as an overwrite, so re-running a stage is safe
//   - Be safe for concurrent use
type Store interface {
	// Put writes body under key and returns the public URL of the object.
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) (string, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Close releases any resources held by the store.
	Close() error
}

// Sentinel errors for store operations.
var (
	ErrNotFound           = errors.New("object not found")
	ErrAccessDenied       = errors.New("access denied")
	ErrBucketNotFound     = errors.New("bucket not found")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUnavailable        = errors.New("storage unavailable")
	ErrThrottled          = errors.New("request throttled")
	ErrInvalidKey         = errors.New("invalid key")
)

// Error wraps driver-specific errors with context.
type Error struct {
	// Op is the operation that failed (e.g., "Put", "Delete").
	Op string

	// Driver is the driver name (e.g., "s3", "file").
	Driver string

	// Bucket is the bucket name, if applicable.
	Bucket string

	// Key is the object key, if applicable.
	Key string

	Err error
}

func (e *Error) Error() string {
	if e.Bucket != "" {
		return fmt.Sprintf("%s %s: %s/%s: %v", e.Driver, e.Op, e.Bucket, e.Key, e.Err)
	}
	return fmt.Sprintf("%s %s: %s: %v", e.Driver, e.Op, e.Key, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Key returns the storage key for one clip's published media.
func Key(batchID, variantLabel, ext string) string {
	ext = strings.TrimPrefix(ext, ".")
	if ext == "" {
		ext = "bin"
	}
	return path.Join("batches", batchID, variantLabel+"."+ext)
}

// ExtFor returns a file extension for a content type.
func ExtFor(contentType string) string {
	switch mt, _, _ := mime.ParseMediaType(contentType); mt {
	case "video/mp4":
		return "mp4"
	case "image/png":
		return "png"
	case "image/jpeg":
		return "jpg"
	case "image/webp":
		return "webp"
	case "audio/mpeg":
		return "mp3"
	}
	return "bin"
}

// JoinURL joins a base URL and a key with exactly one slash.
func JoinURL(base, key string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(key, "/")
}

// Memory is an in-process Store. It backs mock-mode runs without a
// configured driver and tests.
type Memory struct {
	mu      sync.RWMutex
	baseURL string
	objects map[string]MemoryObject
}

// MemoryObject is one object held by Memory.
type MemoryObject struct {
	Data        []byte
	ContentType string
}

// NewMemory returns an empty in-memory store whose URLs start with baseURL.
func NewMemory(baseURL string) *Memory {
	if baseURL == "" {
		baseURL = "mem://artifacts"
	}
	return &Memory{baseURL: baseURL, objects: map[string]MemoryObject{}}
}

var _ Store = (*Memory)(nil)

func (m *Memory) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", &Error{Op: "Put", Driver: "memory", Key: key, Err: err}
	}
	if strings.TrimSpace(key) == "" {
		return "", &Error{Op: "Put", Driver: "memory", Key: key, Err: ErrInvalidKey}
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return "", &Error{Op: "Put", Driver: "memory", Key: key, Err: err}
	}
	m.mu.Lock()
	m.objects[key] = MemoryObject{Data: data, ContentType: contentType}
	m.mu.Unlock()
	return JoinURL(m.baseURL, key), nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	delete(m.objects, key)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Close() error { return nil }

// Get returns a stored object.
func (m *Memory) Get(key string) (MemoryObject, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.objects[key]
	return o, ok
}

// Len returns the number of stored objects.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}
