package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"pgstream/internal/ingestion"

	"github.com/pterm/pterm"
)

// Directory serves a server log directory that is mounted on this host
type Directory struct {
	path   string
	suffix string
	logger *pterm.Logger
}

// NewDirectory checks that path is a readable directory
func NewDirectory(path string, logger *pterm.Logger) (*Directory, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("log directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("log directory: %s is not a directory", path)
	}
	return &Directory{path: path, suffix: ".log", logger: logger}, nil
}

// Path returns the directory path
func (d *Directory) Path() string {
	return d.path
}

// ListLogFiles lists the plain-text log files of the directory
func (d *Directory) ListLogFiles(ctx context.Context) ([]ingestion.LogFile, error) {
	entries, err := os.ReadDir(d.path)
	if err != nil {
		return nil, err
	}

	files := make([]ingestion.LogFile, 0, len(entries))
	for _, entry := range entries {
		if !entry.Type().IsRegular() || !strings.HasSuffix(entry.Name(), d.suffix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			// Removed between ReadDir and Info
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, err
		}
		files = append(files, ingestion.LogFile{
			Name:         entry.Name(),
			LastModified: info.ModTime(),
			Size:         info.Size(),
		})
	}
	return files, nil
}

// ReadRange reads up to length bytes at offset. The file is opened per call.
func (d *Directory) ReadRange(ctx context.Context, name string, offset, length int64) ([]byte, error) {
	if name == "" || filepath.Base(name) != name {
		return nil, fmt.Errorf("invalid log file name %q", name)
	}

	f, err := os.Open(filepath.Join(d.path, name))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf := make([]byte, length)
	n, err := f.ReadAt(buf, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return buf[:n], nil
}
