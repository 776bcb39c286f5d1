package writeback

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ErrNotFound is returned by a Store that holds no document yet.
var ErrNotFound = errors.New("writeback document not found")

// Store is the durable storage behind a DB. It only ever sees fully
// serialized documents.
type Store interface {
	// Read returns the last written document or ErrNotFound.
	Read(ctx context.Context) ([]byte, error)

	// Write durably replaces the stored document.
	Write(ctx context.Context, data []byte) error
}

// FileStore is a Store backed by a single file. Writes go to a temporary file
// in the same directory which is then renamed over the main file, relying on
// the atomic rename most file systems provide.
type FileStore struct {
	// fileName is the document's file.
	fileName string

	// tempFileName is the staging file that is renamed over fileName.
	tempFileName string
}

// NewFileStore creates a FileStore at the target location.
func NewFileStore(fileName string) *FileStore {
	dir, base := filepath.Split(fileName)

	return &FileStore{
		fileName:     fileName,
		tempFileName: filepath.Join(dir, "."+base+".tmp"),
	}
}

// Read returns the contents of the document file.
func (f *FileStore) Read(_ context.Context) ([]byte, error) {
	data, err := os.ReadFile(f.fileName)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return nil, ErrNotFound

	case err != nil:
		return nil, fmt.Errorf("unable to read %v: %w", f.fileName, err)
	}

	return data, nil
}

// Write stages data in the temp file, syncs it and swaps it in.
func (f *FileStore) Write(_ context.Context, data []byte) error {
	err := os.MkdirAll(filepath.Dir(f.fileName), 0700)
	if err != nil {
		return fmt.Errorf("unable to create directory: %w", err)
	}

	// Remove any temp file left over from an interrupted write.
	if _, err := os.Stat(f.tempFileName); err == nil {
		log.Debugf("Removing stale temp file %v", f.tempFileName)

		if err := os.Remove(f.tempFileName); err != nil {
			return fmt.Errorf("unable to remove temp file: %w", err)
		}
	}

	tempFile, err := os.Create(f.tempFileName)
	if err != nil {
		return fmt.Errorf("unable to create temp file: %w", err)
	}
	defer os.Remove(f.tempFileName)

	if _, err := tempFile.Write(data); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("unable to write temp file: %w", err)
	}
	if err := tempFile.Sync(); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("unable to sync temp file: %w", err)
	}

	// Close before renaming as some OSes don't support renaming a file
	// that's still open.
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("unable to close temp file: %w", err)
	}

	return os.Rename(f.tempFileName, f.fileName)
}

// MemStore is an in-memory Store. It records every write.
type MemStore struct {
	mu     sync.Mutex
	writes [][]byte
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{}
}

// Read returns the last written document.
func (m *MemStore) Read(_ context.Context) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.writes) == 0 {
		return nil, ErrNotFound
	}

	return m.writes[len(m.writes)-1], nil
}

// Write appends a copy of data to the write log.
func (m *MemStore) Write(_ context.Context, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.writes = append(m.writes, append([]byte(nil), data...))

	return nil
}

// NumWrites returns how many writes the store has seen.
func (m *MemStore) NumWrites() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.writes)
}
