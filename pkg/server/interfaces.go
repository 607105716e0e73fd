package server

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

var ErrInvalidFileName = errors.New("invalid file name")

// maxFileNameLength bounds stored names so a file_chunk header always fits a frame
const maxFileNameLength = 255

// UploadStore defines where completed uploads are kept.
// This abstraction allows tests to swap the storage backend.
type UploadStore interface {
	// Create opens a sink for a new upload of name
	Create(name string) (UploadSink, error)

	// Open reads back a completed upload
	Open(name string) (io.ReadCloser, error)
}

// UploadSink receives an upload's bytes. Nothing is visible under the final
// name until Commit succeeds.
type UploadSink interface {
	io.Writer

	// Commit closes the sink and publishes the file, returning its path
	Commit() (string, error)

	// Abort closes the sink and discards everything written
	Abort() error
}

// SanitizeFileName strips directory components from a requested file name
func SanitizeFileName(name string) (string, error) {
	name = strings.ReplaceAll(name, `\`, "/")
	base := filepath.Base(filepath.Clean("/" + name))
	if base == "/" || base == "." || base == ".." || base == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidFileName, name)
	}
	if len(base) > maxFileNameLength {
		return "", fmt.Errorf("%w: longer than %d bytes", ErrInvalidFileName, maxFileNameLength)
	}
	return base, nil
}

// DirStore keeps uploads as files in a single directory, created on demand
type DirStore struct {
	Dir string
}

// NewDirStore creates a store rooted at dir
func NewDirStore(dir string) *DirStore {
	return &DirStore{Dir: dir}
}

// Create opens a temporary file in the store directory
func (d *DirStore) Create(name string) (UploadSink, error) {
	base, err := SanitizeFileName(name)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(d.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create download directory: %w", err)
	}

	tmp, err := os.CreateTemp(d.Dir, "."+base+".*.part")
	if err != nil {
		return nil, fmt.Errorf("failed to create upload file: %w", err)
	}

	return &fileSink{file: tmp, finalPath: filepath.Join(d.Dir, base)}, nil
}

// Open opens a completed upload for reading
func (d *DirStore) Open(name string) (io.ReadCloser, error) {
	base, err := SanitizeFileName(name)
	if err != nil {
		return nil, err
	}
	return os.Open(filepath.Join(d.Dir, base))
}

type fileSink struct {
	file      *os.File
	finalPath string
}

func (s *fileSink) Write(p []byte) (int, error) {
	return s.file.Write(p)
}

func (s *fileSink) Commit() (string, error) {
	if err := s.file.Close(); err != nil {
		os.Remove(s.file.Name())
		return "", fmt.Errorf("failed to close upload file: %w", err)
	}
	if err := os.Rename(s.file.Name(), s.finalPath); err != nil {
		os.Remove(s.file.Name())
		return "", fmt.Errorf("failed to store upload: %w", err)
	}
	return s.finalPath, nil
}

func (s *fileSink) Abort() error {
	s.file.Close()
	return os.Remove(s.file.Name())
}
