package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// FileStore keeps the history as a single JSON array on disk.
type FileStore struct {
	path       string
	maxRecords int
}

// NewFileStore returns a store rooted at path. maxRecords <= 0 disables trimming.
func NewFileStore(path string, maxRecords int) *FileStore {
	return &FileStore{path: path, maxRecords: maxRecords}
}

// Path returns the backing file location.
func (f *FileStore) Path() string { return f.path }

// Load reads the whole file. A missing file is an empty history.
func (f *FileStore) Load(ctx context.Context) ([]HistoryRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read history file: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	var records []HistoryRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("decode history file: %w", err)
	}
	return capRecords(records, f.maxRecords), nil
}

// Save rewrites the file through a temp file and rename so a failed write
// leaves the previous contents in place.
func (f *FileStore) Save(ctx context.Context, records []HistoryRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	records = capRecords(records, f.maxRecords)
	if records == nil {
		records = []HistoryRecord{}
	}

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create history directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp history file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("write history: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("sync history: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close history: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		cleanup()
		return fmt.Errorf("replace history file: %w", err)
	}
	return nil
}

var _ HistoryPersister = (*FileStore)(nil)
