// Package content stores file attachments on disk and hands out portable
// handles for them.
package content

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// HandlePrefix is the first segment of every handle
const HandlePrefix = "files"

// maxCreateAttempts bounds the O_EXCL retry loop on name collisions
const maxCreateAttempts = 16

var (
	// ErrInvalidName indicates an original file name with nothing usable left after stripping directories.
	ErrInvalidName = errors.New("invalid file name")
	// ErrInvalidHandle indicates a handle that is malformed or points outside the store.
	ErrInvalidHandle = errors.New("invalid file handle")
)

// Store writes blobs under a root directory
type Store struct {
	root string

	mu       sync.Mutex
	lastNano int64
}

// New creates the root directory if needed and returns a Store over it
func New(root string) (*Store, error) {
	if root == "" {
		return nil, errors.New("content root must not be empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create content directory: %w", err)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve content directory: %w", err)
	}
	return &Store{root: abs}, nil
}

// Root returns the absolute directory blobs are written to
func (s *Store) Root() string {
	return s.root
}

// BaseName reduces a client-supplied file name to its last path element,
// treating both '/' and '\' as separators regardless of host OS
func BaseName(name string) string {
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	name = strings.TrimSpace(name)
	if name == "." || name == ".." {
		return ""
	}
	return name
}

// nextStamp returns a strictly increasing nanosecond timestamp
func (s *Store) nextStamp() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixNano()
	if now <= s.lastNano {
		now = s.lastNano + 1
	}
	s.lastNano = now
	return now
}

// Save writes data under a fresh unique name derived from originalName and
// returns its handle ("files/<stored name>")
func (s *Store) Save(originalName string, data []byte) (string, error) {
	base := BaseName(originalName)
	if base == "" {
		return "", ErrInvalidName
	}

	for attempt := 0; attempt < maxCreateAttempts; attempt++ {
		stored := strconv.FormatInt(s.nextStamp(), 10) + "_" + base
		fullPath := filepath.Join(s.root, stored)

		f, err := os.OpenFile(fullPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("failed to create %s: %w", stored, err)
		}

		if _, err := f.Write(data); err != nil {
			f.Close()
			os.Remove(fullPath)
			return "", fmt.Errorf("failed to write %s: %w", stored, err)
		}
		if err := f.Close(); err != nil {
			os.Remove(fullPath)
			return "", fmt.Errorf("failed to close %s: %w", stored, err)
		}

		handle := path.Join(HandlePrefix, stored)
		log.WithFields(log.Fields{"handle": handle, "bytes": len(data)}).Debug("Saved file")
		return handle, nil
	}
	return "", fmt.Errorf("failed to allocate a unique name for %q after %d attempts", base, maxCreateAttempts)
}

// Resolve maps a handle to its path on the host, rejecting handles that do
// not name a file directly inside the store
func (s *Store) Resolve(handle string) (string, error) {
	dir, name := path.Split(handle)
	if dir != HandlePrefix+"/" || name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidHandle, handle)
	}
	return filepath.Join(s.root, name), nil
}

// Load reads back the blob behind handle
func (s *Store) Load(handle string) ([]byte, error) {
	fullPath, err := s.Resolve(handle)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(fullPath)
}

// Remove deletes the blob behind handle. Removing a missing blob is not an error.
func (s *Store) Remove(handle string) error {
	fullPath, err := s.Resolve(handle)
	if err != nil {
		return err
	}
	if err := os.Remove(fullPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
