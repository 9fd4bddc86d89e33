package spool

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Writer drops entries into a spool directory
type Writer struct {
	dir string
}

// NewWriter creates the directory if needed
func NewWriter(dir string) (*Writer, error) {
	if dir == "" {
		return nil, fmt.Errorf("spool: directory is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("spool: failed to create directory: %w", err)
	}
	return &Writer{dir: dir}, nil
}

// Write stores e under a fresh name and returns its path. The file only
// appears under its final name once it is complete.
func (w *Writer) Write(e Entry) (string, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("spool: failed to marshal entry: %w", err)
	}

	final := filepath.Join(w.dir, uuid.NewString()+Suffix)
	tmp := final + writingSuffix

	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return "", fmt.Errorf("spool: failed to write entry: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("spool: failed to publish entry: %w", err)
	}
	return final, nil
}
