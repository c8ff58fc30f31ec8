package ingestion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pterm/pterm"
)

// LogFile is one entry of the server's log directory listing
type LogFile struct {
	Name         string
	LastModified time.Time
	Size         int64
}

// LogDirectory lists the files of the server's log directory
type LogDirectory interface {
	ListLogFiles(ctx context.Context) ([]LogFile, error)
}

// FileID identifies a log file across polls. Generation is bumped when a file
// with the same name reappears shorter than before (truncated or recreated).
type FileID struct {
	Name       string `json:"name"`
	Generation int    `json:"generation"`
}

// IsZero reports whether no file has been located yet
func (id FileID) IsZero() bool {
	return id.Name == ""
}

func (id FileID) String() string {
	if id.Generation == 0 {
		return id.Name
	}
	return fmt.Sprintf("%s#%d", id.Name, id.Generation)
}

// ErrNoLogFiles is returned when the directory listing is empty
var ErrNoLogFiles = errors.New("log directory contains no log files")

// LocatorError reports that the active log file could not be resolved within the retry budget
type LocatorError struct {
	Attempts int
	Err      error
}

func (e *LocatorError) Error() string {
	return fmt.Sprintf("locate active log file: %d attempts: %v", e.Attempts, e.Err)
}

func (e *LocatorError) Unwrap() error {
	return e.Err
}

// Locator resolves the file the server is currently writing to
type Locator struct {
	dir     LogDirectory
	retries int
	backoff time.Duration
	logger  *pterm.Logger

	mu       sync.Mutex
	current  FileID
	lastSize int64
}

// NewLocator creates a locator that tries the listing at most retries times per call
func NewLocator(dir LogDirectory, retries int, backoff time.Duration, logger *pterm.Logger) *Locator {
	if retries <= 0 {
		retries = 1
	}
	return &Locator{
		dir:     dir,
		retries: retries,
		backoff: backoff,
		logger:  logger,
	}
}

// Locate returns the identifier and listing entry of the newest log file
func (l *Locator) Locate(ctx context.Context) (FileID, LogFile, error) {
	var lastErr error
	for attempt := 1; attempt <= l.retries; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return FileID{}, LogFile{}, &LocatorError{Attempts: attempt - 1, Err: ctx.Err()}
			case <-time.After(l.backoff * time.Duration(attempt-1)):
			}
		}

		files, err := l.dir.ListLogFiles(ctx)
		if err == nil && len(files) == 0 {
			err = ErrNoLogFiles
		}
		if err != nil {
			lastErr = err
			l.logger.Debug("Log directory listing failed",
				l.logger.Args("attempt", attempt, "max_attempts", l.retries, "error", err))
			continue
		}

		newest := newestFile(files)
		return l.identify(newest), newest, nil
	}
	return FileID{}, LogFile{}, &LocatorError{Attempts: l.retries, Err: lastErr}
}

func (l *Locator) identify(file LogFile) FileID {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := FileID{Name: file.Name}
	if file.Name == l.current.Name {
		id.Generation = l.current.Generation
		if file.Size < l.lastSize {
			id.Generation++
			l.logger.Info("Log file shrank, treating as a new file",
				l.logger.Args("file", file.Name, "old_size", l.lastSize, "new_size", file.Size))
		}
	} else if !l.current.IsZero() {
		l.logger.Info("Log rotation detected",
			l.logger.Args("old_file", l.current.Name, "new_file", file.Name))
	}

	l.current = id
	l.lastSize = file.Size
	return id
}

// newestFile picks the most recently modified file; ties go to the greater name,
// which for timestamped log names is the later one
func newestFile(files []LogFile) LogFile {
	newest := files[0]
	for _, f := range files[1:] {
		if f.LastModified.After(newest.LastModified) ||
			(f.LastModified.Equal(newest.LastModified) && f.Name > newest.Name) {
			newest = f
		}
	}
	return newest
}
